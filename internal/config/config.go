package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v    *viper.Viper
	home string
}

// New initialises a Config by loading values from the settings file,
// environment variables, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	v := viper.New()

	for _, o := range Options {
		v.SetDefault(o.Key, o.Default)
	}
	v.SetDefault(keyKubeconfigPaths, []string{})
	v.SetDefault(keyImageScansEnable, false)

	settingsDir := filepath.Join(home, ".agentkube")
	v.SetConfigName("settings")
	v.SetConfigType("json")
	v.AddConfigPath(settingsDir)

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
	}

	v.SetEnvPrefix("AGENTKUBE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v, home: home}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override the
// settings file and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch val := o.Default.(type) {
		case string:
			fs.String(o.Flag, val, o.Description)
		case int:
			fs.Int(o.Flag, val, o.Description)
		case bool:
			fs.Bool(o.Flag, val, o.Description)
		case []string:
			fs.StringSlice(o.Flag, val, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, val, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// Port returns the HTTP listen port.
func (c *Config) Port() int { return c.v.GetInt(keyPort) }

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string { return c.v.GetString(keyListenAddr) }

// KubeconfigPath returns the path to the primary kubeconfig, or ""
// when no path was given. It does not consult --in-cluster.
func (c *Config) KubeconfigPath() string { return c.v.GetString(keyKubeconfig) }

// InCluster reports whether the daemon should use the in-cluster
// service account instead of a kubeconfig file.
func (c *Config) InCluster() bool { return c.v.GetBool(keyInCluster) }

// KubeconfigExternalPaths returns additional kubeconfig files or
// directories to watch, from the settings file's
// kubeconfig.externalPaths.
func (c *Config) KubeconfigExternalPaths() []string {
	return c.v.GetStringSlice(keyKubeconfigPaths)
}

// ImageScansEnabled reports whether the optional image scanner is
// enabled. Out of core scope; exposed only so settings.json's
// documented field round-trips.
func (c *Config) ImageScansEnabled() bool { return c.v.GetBool(keyImageScansEnable) }

// HomeDir returns the resolved user home directory.
func (c *Config) HomeDir() string { return c.home }

// AgentkubeDir returns $HOME/.agentkube, the daemon's state directory.
func (c *Config) AgentkubeDir() string { return filepath.Join(c.home, ".agentkube") }

// UploadsDir returns the directory uploaded kubeconfigs are persisted
// under.
func (c *Config) UploadsDir() string { return filepath.Join(c.AgentkubeDir(), "uploads") }

// WatcherConfigPath returns the default, discoverable location of the
// watcher config file.
func (c *Config) WatcherConfigPath() string { return filepath.Join(c.AgentkubeDir(), "watcher.json") }
