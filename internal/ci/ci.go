// Package ci recognizes continuous-integration environments so prompts
// stay out of the way of machine-driven runs. Partial port of
// https://github.com/watson/ci-info.
package ci

import "os"

// Vendor is one recognized CI provider. Exactly one of the match fields is
// set per entry.
type Vendor struct {
	// Name is the provider name for log lines.
	Name string
	// Constant is the stable identifier the provider goes by.
	Constant string
	// AnyEnv marks the provider when any one variable is non-empty.
	AnyEnv []string
	// AllEnv requires every variable to be non-empty.
	AllEnv []string
	// EvalEnv requires an exact value match.
	EvalEnv map[string]string
}

func (v Vendor) matches() bool {
	for _, env := range v.AnyEnv {
		if os.Getenv(env) != "" {
			return true
		}
	}
	if len(v.AllEnv) > 0 {
		for _, env := range v.AllEnv {
			if os.Getenv(env) == "" {
				return false
			}
		}
		return true
	}
	for env, want := range v.EvalEnv {
		if os.Getenv(env) == want {
			return true
		}
	}
	return false
}

// Info identifies the CI vendor, or the zero Vendor when none matches.
func Info() Vendor {
	for _, vendor := range Vendors {
		if vendor.matches() {
			return vendor
		}
	}
	return Vendor{}
}

// Name returns the detected vendor's name, empty outside CI.
func Name() string {
	return Info().Name
}

// IsCi reports whether the process appears to be running under CI.
// Detection happens per call so tests can steer it with t.Setenv.
func IsCi() bool {
	for _, env := range []string{"CI", "CONTINUOUS_INTEGRATION", "BUILD_NUMBER", "RUN_ID", "TEAMCITY_VERSION"} {
		if os.Getenv(env) != "" {
			return true
		}
	}
	return Info().Constant != ""
}
