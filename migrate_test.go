package jobflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMySQLConfigMultiStatementsOnlyForMigrations(t *testing.T) {
	const dsn = "app:secret@tcp(db:3306)/catalog?multiStatements=true"

	runtime, err := mysqlConfig(dsn, false)
	require.NoError(t, err)
	assert.False(t, runtime.MultiStatements)
	assert.True(t, runtime.ParseTime)
	assert.Equal(t, time.UTC, runtime.Loc)
	assert.Equal(t, "catalog", runtime.DBName)

	migrations, err := mysqlConfig(dsn, true)
	require.NoError(t, err)
	assert.True(t, migrations.MultiStatements)

	_, err = mysqlConfig("not a dsn", false)
	require.Error(t, err)
}

func TestMigrateDSNIsRepeatable(t *testing.T) {
	dsn := "file:" + t.TempDir() + "/jobs.db?_busy_timeout=5000"
	require.NoError(t, MigrateDSN(DialectSQLite, dsn))
	require.NoError(t, MigrateDSN(DialectSQLite, dsn))

	db, err := Open(DialectSQLite, dsn)
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n))
	assert.Zero(t, n)

	require.Error(t, MigrateDSN("postgres", dsn))
}
