package jobflow

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sky93/jobflow/migrations"
)

// Open connects to dsn with settings the store relies on. MySQL DSNs get
// parseTime and UTC location; SQLite pools are limited to one connection so
// writers queue instead of failing with SQLITE_BUSY.
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	return open(dialect, dsn, false)
}

func open(dialect Dialect, dsn string, multiStatements bool) (*sql.DB, error) {
	switch dialect {
	case DialectMySQL, "":
		cfg, err := mysqlConfig(dsn, multiStatements)
		if err != nil {
			return nil, err
		}
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, fmt.Errorf("mysql connector: %w", err)
		}
		return sql.OpenDB(connector), nil
	case DialectSQLite:
		db, err := sql.Open(string(DialectSQLite), dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// mysqlConfig parses dsn and forces the options the store needs.
// Multi-statement support is only enabled for migration pools.
func mysqlConfig(dsn string, multiStatements bool) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.MultiStatements = multiStatements
	return cfg, nil
}

// MigrateDSN opens a dedicated pool for dsn, applies all pending migrations
// and closes the pool. Use it instead of Migrate for MySQL, whose migration
// files hold several statements each.
func MigrateDSN(dialect Dialect, dsn string) error {
	db, err := open(dialect, dsn, true)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck
	return Migrate(db, dialect)
}

// Migrate applies all pending schema migrations for dialect. It does not
// close db. A MySQL db must allow multi-statement queries; pools from Open
// do not, see MigrateDSN.
func Migrate(db *sql.DB, dialect Dialect) error {
	var (
		driver database.Driver
		err    error
	)
	switch dialect {
	case DialectMySQL, "":
		dialect = DialectMySQL
		driver, err = migratemysql.WithInstance(db, &migratemysql.Config{})
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		return fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	src, err := iofs.New(migrations.FS, string(dialect))
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
