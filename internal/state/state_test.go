package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigestIsStableAcrossInsertionOrder(t *testing.T) {
	a := map[string]string{}
	a["x.py"] = "h1"
	a["y.py"] = "h2"
	a["z.py"] = "h3"

	b := map[string]string{}
	b["z.py"] = "h3"
	b["x.py"] = "h1"
	b["y.py"] = "h2"

	da, err := Digest(a)
	assert.NoError(t, err)
	db, err := Digest(b)
	assert.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestDigestDistinguishesValues(t *testing.T) {
	d1, err := Digest(map[string]string{"x.py": "h1"})
	assert.NoError(t, err)
	d2, err := Digest(map[string]string{"x.py": "h2"})
	assert.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}

func TestDerivedVersions(t *testing.T) {
	ts := &TaskState{}
	assert.Equal(t, "", ts.PyCodeVersion())
	assert.Equal(t, "", ts.RCodeVersion())
	assert.Equal(t, "", ts.InputsVersion())
	assert.Equal(t, "", ts.InputDataVersion())

	ts.PyCodeHashes = map[string]string{"tasks/clean.py": "abc"}
	v1 := ts.PyCodeVersion()
	assert.NotEqual(t, "", v1)

	ts.PyCodeHashes["tasks/clean.py"] = "abd"
	assert.NotEqual(t, v1, ts.PyCodeVersion())
}

func TestStatusFromString(t *testing.T) {
	for _, valid := range []string{"SUCCESS", "FAILURE", "INCOMPLETE"} {
		s, err := StatusFromString(valid)
		assert.NoError(t, err)
		assert.Equal(t, Status(valid), s)
	}
	_, err := StatusFromString("DONE")
	assert.Error(t, err)
	_, err = StatusFromString("")
	assert.Error(t, err)
}

func TestRollup(t *testing.T) {
	done := Subtask{Index: 0, Key: "a", EndTime: NowUTC()}
	pending := Subtask{Index: 1, Key: "b"}

	cases := []struct {
		name     string
		subtasks []Subtask
		want     Status
	}{
		{"all finished", []Subtask{done, {Index: 1, Key: "b", EndTime: NowUTC()}}, StatusSuccess},
		{"none finished", []Subtask{pending, {Index: 2, Key: "c"}}, StatusFailure},
		{"mixed", []Subtask{done, pending}, StatusIncomplete},
		{"empty", nil, StatusSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Rollup(tc.subtasks))
		})
	}
}

func TestComposeOutputsVersionUsesIndexOrder(t *testing.T) {
	forward := []Subtask{
		{Index: 0, Key: "a", OutputHash: "h0"},
		{Index: 1, Key: "b", OutputHash: "h1"},
	}
	shuffled := []Subtask{
		{Index: 1, Key: "b", OutputHash: "h1"},
		{Index: 0, Key: "a", OutputHash: "h0"},
	}
	assert.Equal(t, ComposeOutputsVersion(forward), ComposeOutputsVersion(shuffled))

	swapped := []Subtask{
		{Index: 0, Key: "a", OutputHash: "h1"},
		{Index: 1, Key: "b", OutputHash: "h0"},
	}
	assert.NotEqual(t, ComposeOutputsVersion(forward), ComposeOutputsVersion(swapped))

	silent := []Subtask{
		{Index: 0, Key: "a"},
		{Index: 1, Key: "b"},
	}
	assert.Equal(t, "", ComposeOutputsVersion(silent))
}
