package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. TASKTREE_DATABASE_URL.
const EnvPrefix = "TASKTREE"

var defaults = map[string]any{
	"server.log_level":           "info",
	"server.ops_port":            0,
	"database.driver":            DriverPostgres,
	"database.url":               "",
	"database.max_open_conns":    10,
	"database.max_idle_conns":    5,
	"database.conn_max_lifetime": "30m",
	"database.auto_migrate":      false,
	"engine.owner_id":            "",
	"engine.recover_on_start":    true,
	"engine.shutdown_timeout":    "30s",
	"engine.drain_timeout":       "10s",
	"locks.default_ttl":          "30s",
	"locks.sweep_schedule":       "@every 1m",
	"locks.acquire_attempts":     5,
	"locks.acquire_base_delay":   "200ms",
}

// Load reads configuration from defaults, an optional tasktree.yaml in the
// working directory, and environment variables. Environment variables take
// precedence over values from the config file.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path searches
// the working directory for tasktree.yaml and tolerates its absence.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tasktree")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
