package ci

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// clearCI blanks every variable the detector consults so the outcome is
// not steered by the machine actually running the test.
func clearCI(t *testing.T) {
	t.Helper()
	for _, env := range []string{"CI", "CONTINUOUS_INTEGRATION", "BUILD_NUMBER", "RUN_ID", "TEAMCITY_VERSION"} {
		t.Setenv(env, "")
	}
	for _, vendor := range Vendors {
		for _, env := range vendor.AnyEnv {
			t.Setenv(env, "")
		}
		for _, env := range vendor.AllEnv {
			t.Setenv(env, "")
		}
		for env := range vendor.EvalEnv {
			t.Setenv(env, "")
		}
	}
}

func TestInfoDetectsVendor(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "AppVeyor", env: map[string]string{"APPVEYOR": "True"}, want: "AppVeyor"},
		{name: "Vercel", env: map[string]string{"NOW_BUILDER": "1"}, want: "Vercel"},
		{name: "Render", env: map[string]string{"RENDER": "true"}, want: "Render"},
		{name: "Netlify", env: map[string]string{"NETLIFY": "true"}, want: "Netlify CI"},
		{name: "Jenkins", env: map[string]string{"JENKINS_URL": "http://jenkins.local", "BUILD_ID": "42"}, want: "Jenkins"},
		{name: "Jenkins needs both variables", env: map[string]string{"BUILD_ID": "42"}, want: ""},
		{name: "GitHub Actions", env: map[string]string{"GITHUB_ACTIONS": "true"}, want: "GitHub Actions"},
		{name: "Codeship matches by value", env: map[string]string{"CI_NAME": "codeship"}, want: "Codeship"},
		{name: "Codeship mismatching value", env: map[string]string{"CI_NAME": "jungle"}, want: ""},
		{name: "clean environment", env: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearCI(t)
			for env, value := range tt.env {
				t.Setenv(env, value)
			}
			assert.Equal(t, tt.want, Name())
		})
	}
}

func TestIsCi(t *testing.T) {
	clearCI(t)
	assert.False(t, IsCi())

	t.Setenv("CI", "1")
	assert.True(t, IsCi())
}

func TestIsCiSeesVendorWithoutGenericFlag(t *testing.T) {
	clearCI(t)
	t.Setenv("BUILDKITE", "true")
	assert.True(t, IsCi())
}
