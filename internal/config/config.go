// Package config loads broker configuration with github.com/spf13/viper,
// matching spec.md §6's defaults and environment variable overrides.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "SSH_BROKER"

	// Directory/file names under the per-user data directory (spec.md §6).
	dataDirName       = "ssh-broker"
	connectionsDBName = "connections.db"
	lockfileName      = "ssh-broker.lock"
	knownHostsName    = "known_hosts"
)

// Config is the resolved broker configuration.
type Config struct {
	DataDir                   string
	LockfilePath              string
	LogLevel                  string
	DefaultSSHPort            int
	ConnectionTimeout         time.Duration
	ReconnectAttempts         int
	CommandTimeout            time.Duration
	BackgroundIntervalDefault time.Duration
	TruncateThreshold         int
	ContainerSweepMinutes     int
}

// Load resolves configuration from defaults, an optional config file in
// the data directory, and environment variables (which always win).
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("default_ssh_port", 22)
	v.SetDefault("connection_timeout", "10s")
	v.SetDefault("reconnect_attempts", 3)
	v.SetDefault("command_timeout", "10s")
	v.SetDefault("background_interval_ms", 10000)
	v.SetDefault("truncate_threshold", 10000)
	v.SetDefault("container_sweep_minutes", 30)
	v.SetDefault("log_level", "info")

	dataDir, err := defaultDataDir()
	if err != nil {
		return nil, err
	}
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("lockfile", filepath.Join(dataDir, lockfileName))

	v.SetEnvPrefix(envPrefix)
	_ = v.BindEnv("default_ssh_port", "DEFAULT_SSH_PORT")
	_ = v.BindEnv("connection_timeout", "CONNECTION_TIMEOUT")
	_ = v.BindEnv("reconnect_attempts", "RECONNECT_ATTEMPTS")
	_ = v.BindEnv("command_timeout", "COMMAND_TIMEOUT")
	_ = v.BindEnv("data_dir", "SSH_BROKER_DATA_DIR")
	_ = v.BindEnv("lockfile", "SSH_BROKER_LOCKFILE")
	_ = v.BindEnv("log_level", "SSH_BROKER_LOG_LEVEL")
	_ = v.BindEnv("background_interval_ms", "SSH_BROKER_BACKGROUND_INTERVAL_MS")
	_ = v.BindEnv("truncate_threshold", "SSH_BROKER_TRUNCATE_THRESHOLD")
	_ = v.BindEnv("container_sweep_minutes", "SSH_BROKER_CONTAINER_SWEEP_MINUTES")

	v.SetConfigName("config")
	v.AddConfigPath(dataDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{
		DataDir:                   v.GetString("data_dir"),
		LockfilePath:              v.GetString("lockfile"),
		LogLevel:                  v.GetString("log_level"),
		DefaultSSHPort:            v.GetInt("default_ssh_port"),
		ConnectionTimeout:         v.GetDuration("connection_timeout"),
		ReconnectAttempts:         v.GetInt("reconnect_attempts"),
		CommandTimeout:            v.GetDuration("command_timeout"),
		BackgroundIntervalDefault: time.Duration(v.GetInt64("background_interval_ms")) * time.Millisecond,
		TruncateThreshold:         v.GetInt("truncate_threshold"),
		ContainerSweepMinutes:     v.GetInt("container_sweep_minutes"),
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConnectionsDBPath is the sqlite file backing the non-secret connection
// document store and, when the OS keyring is unavailable, the credential
// fallback collection.
func (c *Config) ConnectionsDBPath() string {
	return filepath.Join(c.DataDir, connectionsDBName)
}

// KnownHostsPath is the broker's own known_hosts file.
func (c *Config) KnownHostsPath() string {
	return filepath.Join(c.DataDir, knownHostsName)
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", dataDirName), nil
}
