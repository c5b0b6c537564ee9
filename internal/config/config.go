// Copyright (c) 2026 Keymaster Team
// Keytrust - certificate and host key trust store
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads keytrust settings with Viper (defaults, keytrust.yaml,
// KEYTRUST_* environment variables, command line flags) and writes them back
// as YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full set of keytrust settings.
type Config struct {
	Store struct {
		// Path is the shared settings file holding the trust sections.
		Path string `mapstructure:"path" yaml:"path"`
	} `mapstructure:"store" yaml:"store"`

	Lock struct {
		// Path is the lock file; empty means Store.Path + ".lock".
		Path    string        `mapstructure:"path" yaml:"path,omitempty"`
		Backend string        `mapstructure:"backend" yaml:"backend"`
		Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	} `mapstructure:"lock" yaml:"lock"`

	Journal struct {
		Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
		Type    string `mapstructure:"type" yaml:"type"`
		DSN     string `mapstructure:"dsn" yaml:"dsn"`
	} `mapstructure:"journal" yaml:"journal"`

	Log struct {
		Level string `mapstructure:"level" yaml:"level"`
	} `mapstructure:"log" yaml:"log"`
}

// LockPath returns the configured lock file or the default next to the store.
func (c Config) LockPath() string {
	if c.Lock.Path != "" {
		return c.Lock.Path
	}
	return c.Store.Path + ".lock"
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Keytrust")
		default:
			configDir = "/etc/keytrust"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "keytrust")
	}

	return filepath.Join(configDir, "keytrust.yaml"), nil
}

// Defaults returns the default value for every key. Every key must have a
// default so environment variables can override it.
func Defaults() map[string]any {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	dir = filepath.Join(dir, "keytrust")
	return map[string]any{
		"store.path":      filepath.Join(dir, "settings.yaml"),
		"lock.path":       "",
		"lock.backend":    "auto",
		"lock.timeout":    "0s",
		"journal.enabled": false,
		"journal.type":    "sqlite",
		"journal.dsn":     filepath.Join(dir, "journal.db"),
		"log.level":       "info",
	}
}

// LoadConfig merges defaults, the first keytrust.yaml found (or the explicit
// file), KEYTRUST_* environment variables and the command's flags into T.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, configFile *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("keytrust")
	v.SetConfigType("yaml")

	// An explicit --config file takes precedence over the search paths.
	if configFile != nil && *configFile != "" {
		v.SetConfigFile(*configFile)
	}

	if userConfigPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("keytrust")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if err := bindFlags(v, cmd); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// bindFlags binds flags whose names match config keys with dots replaced by
// dashes, e.g. --store-path for store.path.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for _, key := range v.AllKeys() {
		name := strings.ReplaceAll(key, ".", "-")
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// WriteConfigFile writes c to the user or system config path.
func WriteConfigFile[T any](c *T, system bool) (string, error) {
	path, err := GetConfigPath(system)
	if err != nil {
		return "", err
	}
	return path, WriteConfigFileTo(c, path)
}

// WriteConfigFileTo writes c as YAML to path, creating the directory.
func WriteConfigFileTo[T any](c *T, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	// The journal DSN may carry credentials.
	return os.WriteFile(path, data, 0o600)
}
