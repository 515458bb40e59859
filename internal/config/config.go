package config

import (
	"time"

	"github.com/phrazzld/tasktree/internal/domain"
)

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server        ServerConfig          `mapstructure:"server" validate:"required"`
	Database      DatabaseConfig        `mapstructure:"database" validate:"required"`
	Engine        EngineConfig          `mapstructure:"engine" validate:"required"`
	Locks         LockConfig            `mapstructure:"locks" validate:"required"`
	Registrations []domain.Registration `mapstructure:"registrations" validate:"dive"`
}

// ServerConfig contains process-level settings.
type ServerConfig struct {
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	// OpsPort serves /healthz and /stats. Zero disables the ops listener.
	OpsPort int `mapstructure:"ops_port" validate:"gte=0,lt=65536"`
}

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"required,oneof=postgres sqlite"`
	URL             string        `mapstructure:"url" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// EngineConfig controls the task tree engine.
type EngineConfig struct {
	// OwnerID identifies this process in execution locks. Generated when empty.
	OwnerID         string        `mapstructure:"owner_id"`
	RecoverOnStart  bool          `mapstructure:"recover_on_start"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout" validate:"gt=0"`
}

// LockConfig controls execution lock leases.
type LockConfig struct {
	DefaultTTL       time.Duration `mapstructure:"default_ttl" validate:"gt=0"`
	SweepSchedule    string        `mapstructure:"sweep_schedule" validate:"required"`
	AcquireAttempts  uint64        `mapstructure:"acquire_attempts" validate:"gte=1"`
	AcquireBaseDelay time.Duration `mapstructure:"acquire_base_delay" validate:"gt=0"`
}
