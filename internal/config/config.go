// Package config assembles everything a kapten invocation needs to know
// about its surroundings: environment variables, the user config file and
// the logger.
package config

import (
	"fmt"
	"io"
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// EnvLogLevel is the environment variable controlling the log level.
const EnvLogLevel = "KAPTEN_LOG_LEVEL"

// Config contains the resolved inputs for a single CLI invocation.
type Config struct {
	Logger  hclog.Logger
	Env     *Env
	User    *UserConfig
	Version string
	Cwd     string
}

// New builds a Config. verbosity counts -v flags and wins over
// KAPTEN_LOG_LEVEL when it asks for a lower (more verbose) level.
func New(version string, cwd string, verbosity int) (*Config, error) {
	env, err := LoadEnv()
	if err != nil {
		return nil, err
	}

	level := hclog.NoLevel
	if v := env.LogLevel; v != "" {
		level = hclog.LevelFromString(v)
		if level == hclog.NoLevel {
			return nil, fmt.Errorf("%s value %q is not a valid log level", EnvLogLevel, v)
		}
	}
	switch {
	case verbosity == 1:
		if level == hclog.NoLevel || level > hclog.Info {
			level = hclog.Info
		}
	case verbosity == 2:
		if level == hclog.NoLevel || level > hclog.Debug {
			level = hclog.Debug
		}
	case verbosity >= 3:
		if level == hclog.NoLevel || level > hclog.Trace {
			level = hclog.Trace
		}
	}

	// Logs go nowhere unless a level was requested.
	var output io.Writer = io.Discard
	color := hclog.ColorOff
	if level != hclog.NoLevel {
		output = os.Stderr
		color = hclog.AutoColor
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "kapten",
		Level:  level,
		Color:  color,
		Output: output,
	})

	user, err := ReadUserConfigFile(DefaultUserConfigPath())
	if err != nil {
		return nil, err
	}

	return &Config{
		Logger:  logger,
		Env:     env,
		User:    user,
		Version: version,
		Cwd:     cwd,
	}, nil
}
