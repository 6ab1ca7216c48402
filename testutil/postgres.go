package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/kshannoninnes/overseer/db"
)

// SetupTestDB returns a fresh in-memory SQLite database with the schema
// applied. It is closed when the test ends.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return openMigrated(t, db.DriverSQLite, ":memory:")
}

// SetupPostgresDB is SetupTestDB against the server named by TEST_PG_DSN.
// The test is skipped when the variable is unset.
func SetupPostgresDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	return openMigrated(t, db.DriverPostgres, dsn)
}

func openMigrated(t *testing.T, driver, dsn string) *sql.DB {
	t.Helper()
	conn, err := db.Connect(driver, dsn)
	if err != nil {
		t.Fatalf("connect %s: %v", driver, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := db.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate %s: %v", driver, err)
	}
	return conn
}
