// Package config parses the jobflow binary's configuration from environment
// variables using caarlos0/env/v11.
//
// Call [Load] once at startup and pass the resulting [Config] to subcommands.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/sky93/jobflow"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL string `env:"JOBFLOW_DATABASE_URL,required"`
	// Dialect: "mysql" or "sqlite3".
	Dialect     string `env:"JOBFLOW_DIALECT"      envDefault:"mysql"`
	DBName      string `env:"JOBFLOW_DB_NAME"`
	DBMaxConns  int    `env:"JOBFLOW_DB_MAX_CONNS" envDefault:"10"`
	AutoMigrate bool   `env:"JOBFLOW_AUTO_MIGRATE" envDefault:"false"`

	// ── Workers ──────────────────────────────────────────────────────────────────
	Workers        int           `env:"JOBFLOW_WORKERS"         envDefault:"1"`
	MaxAttempts    int           `env:"JOBFLOW_MAX_ATTEMPTS"    envDefault:"3"`
	IdleDelay      time.Duration `env:"JOBFLOW_IDLE_DELAY"      envDefault:"2s"`
	AutoHeartbeat  time.Duration `env:"JOBFLOW_AUTO_HEARTBEAT"  envDefault:"0s"`
	StallThreshold time.Duration `env:"JOBFLOW_STALL_THRESHOLD" envDefault:"5m"`
	SweepInterval  time.Duration `env:"JOBFLOW_SWEEP_INTERVAL"  envDefault:"1m"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr      string        `env:"JOBFLOW_LISTEN_ADDR"      envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"JOBFLOW_SHUTDOWN_TIMEOUT" envDefault:"60s"`

	// ── Catalog handlers ─────────────────────────────────────────────────────────
	SiscomexURL     string        `env:"JOBFLOW_SISCOMEX_URL"     envDefault:"http://localhost:9090"`
	SiscomexTimeout time.Duration `env:"JOBFLOW_SISCOMEX_TIMEOUT" envDefault:"30s"`
	ExportDir       string        `env:"JOBFLOW_EXPORT_DIR"       envDefault:"./exports"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"JOBFLOW_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"JOBFLOW_LOG_FORMAT" envDefault:"text"`
	// LogFile additionally receives JSON logs when set.
	LogFile string `env:"JOBFLOW_LOG_FILE"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or a value is invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch jobflow.Dialect(c.Dialect) {
	case jobflow.DialectMySQL, jobflow.DialectSQLite:
	default:
		return fmt.Errorf("JOBFLOW_DIALECT: unsupported dialect %q", c.Dialect)
	}
	if c.Workers < 1 {
		return fmt.Errorf("JOBFLOW_WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("JOBFLOW_MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	return nil
}

// Flow returns the library configuration for the given connection.
func (c *Config) Flow() jobflow.Config {
	return jobflow.Config{
		Dialect:        jobflow.Dialect(c.Dialect),
		DbName:         c.DBName,
		MaxAttempts:    c.MaxAttempts,
		Workers:        c.Workers,
		IdleDelay:      c.IdleDelay,
		AutoHeartbeat:  c.AutoHeartbeat,
		StallThreshold: c.StallThreshold,
		SweepInterval:  c.SweepInterval,
	}
}
