package jobflow

import (
	"database/sql"
	"log/slog"
	"time"
)

// Dialect selects the SQL flavour spoken by the store.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite3"
)

const (
	defaultMaxAttempts    = 3
	defaultIdleDelay      = 2 * time.Second
	defaultStallThreshold = 5 * time.Minute
	defaultSweepInterval  = time.Minute
)

// Config holds the settings and resources needed by the queue system.
type Config struct {
	// DB is the user-provided database connection where the jobs table is stored.
	DB *sql.DB

	// Dialect is the SQL dialect of DB. Defaults to MySQL.
	Dialect Dialect

	// DbName optionally qualifies table names (e.g. "catalog" -> catalog.jobs).
	DbName string

	// MaxAttempts is the attempt ceiling for jobs created without one.
	MaxAttempts int

	// Workers is how many independent worker loops the manager runs.
	Workers int

	// IdleDelay is how long a worker sleeps when no job is claimable.
	IdleDelay time.Duration

	// AutoHeartbeat, when positive, touches the running job on this interval
	// in addition to the handler's own heartbeat calls.
	AutoHeartbeat time.Duration

	// StallThreshold is how long a PROCESSING job may go without a heartbeat
	// before the sweeper releases it.
	StallThreshold time.Duration

	// SweepInterval is how often the manager sweeps stalled jobs. Negative disables
	// the periodic sweep; the startup sweep always runs.
	SweepInterval time.Duration

	// LazyStart starts the workers on the first CreateJob if they are not running.
	LazyStart bool

	// Links are domain tables holding a foreign key to jobs.id.
	Links []Link

	// Logger receives the default log output. Defaults to slog.Default().
	Logger *slog.Logger

	// InfoLog is called for informational or success logs.
	// If nil, defaults to Logger at info level.
	InfoLog func(ev LogEvent)

	// ErrorLog is called for error logs.
	// If nil, defaults to Logger at error level.
	ErrorLog func(ev LogEvent)
}

func (c *Config) setDefaults() {
	if c.Dialect == "" {
		c.Dialect = DialectMySQL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = defaultIdleDelay
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = defaultStallThreshold
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	for i := range c.Links {
		if c.Links[i].KeyColumn == "" {
			c.Links[i].KeyColumn = "id"
		}
	}
}
