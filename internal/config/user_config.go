package config

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const _defaultAPIURL = "https://api.kapten.dev"

// UserConfig wraps the per-user settings: the deployment API endpoint and
// the bearer token used when launching remote flow runs.
type UserConfig struct {
	userViper *viper.Viper
	path      string
}

// Token returns the bearer token for this user if one is configured.
func (uc *UserConfig) Token() string {
	return uc.userViper.GetString("token")
}

// APIURL returns the configured deployment API endpoint.
func (uc *UserConfig) APIURL() string {
	return uc.userViper.GetString("apiurl")
}

// SetToken saves a bearer token for this user, writing it to the user
// config file and creating the file if necessary.
func (uc *UserConfig) SetToken(token string) error {
	// Set would work here too, but merge keeps the precedence rules uniform
	if err := uc.userViper.MergeConfigMap(map[string]interface{}{"token": token}); err != nil {
		return err
	}
	return uc.write()
}

// SetTokenOverride applies a token for this invocation only, without
// persisting it to the config file.
func (uc *UserConfig) SetTokenOverride(token string) {
	uc.userViper.Set("token", token)
}

// SetAPIURLOverride applies an API endpoint for this invocation only.
func (uc *UserConfig) SetAPIURLOverride(apiURL string) {
	uc.userViper.Set("apiurl", apiURL)
}

func (uc *UserConfig) write() error {
	if err := os.MkdirAll(filepath.Dir(uc.path), 0755); err != nil {
		return err
	}
	return uc.userViper.WriteConfig()
}

// Delete removes the config file. The UserConfig shouldn't be used
// afterwards, it needs to be re-initialized.
func (uc *UserConfig) Delete() error {
	return os.Remove(uc.path)
}

// ReadUserConfigFile creates a UserConfig using the specified path as the
// user config file. Note that the path or its parents do not need to exist.
// On a write to this configuration, they will be created.
func ReadUserConfigFile(path string) (*UserConfig, error) {
	userViper := viper.New()
	userViper.SetConfigFile(path)
	userViper.SetConfigType("json")
	userViper.SetEnvPrefix("kapten")
	userViper.MustBindEnv("token")
	userViper.MustBindEnv("apiurl", "KAPTEN_API")
	userViper.SetDefault("apiurl", _defaultAPIURL)
	if err := userViper.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &UserConfig{
		userViper: userViper,
		path:      path,
	}, nil
}

// AddUserConfigFlags adds the per-user configuration flags to the given
// flagset.
func AddUserConfigFlags(flags *pflag.FlagSet) {
	flags.String("token", "", "Set the auth token for deployment API calls")
	flags.String("api", "", "Set the URL of the deployment API")
}

// DefaultUserConfigPath returns the platform-dependent place where the
// user-specific configuration lives.
func DefaultUserConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "kapten", "config.json")
}
