package config

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// CheckVersionConstraint verifies that this binary satisfies the
// required_version constraint declared in the pipeline settings. An empty
// constraint means there is nothing to validate and isn't an error.
func CheckVersionConstraint(version string, constraint string) error {
	if constraint == "" {
		return nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		panic(err)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("pipeline: the 'settings.required_version' constraint is not valid")
	}
	if !c.Check(v) {
		return fmt.Errorf("pipeline: version '%v' of kapten does not meet the '%v' constraint", version, constraint)
	}
	return nil
}
