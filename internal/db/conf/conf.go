// Package conf
package conf

import (
	"database/sql"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds a database connection and metadata
type Config struct {
	Name    string
	Driver  string
	DB      *sql.DB
	ConnStr string
}

// DSN combines a connection target with a database name. For postgres the
// name replaces the database of a URL or is appended to a key=value string;
// for sqlite an empty target becomes "<name>.db".
func DSN(driver, connStr, dbName string) (string, error) {
	switch driver {
	case DriverPostgres:
		if connStr == "" {
			return "", fmt.Errorf("postgres connection string is empty")
		}
		if dbName == "" {
			return connStr, nil
		}
		if strings.HasPrefix(connStr, "postgres://") || strings.HasPrefix(connStr, "postgresql://") {
			u, err := url.Parse(connStr)
			if err != nil {
				return "", fmt.Errorf("failed to parse connection string: %w", err)
			}
			u.Path = "/" + dbName
			return u.String(), nil
		}
		return connStr + " dbname=" + dbName, nil
	case DriverSQLite:
		if connStr != "" {
			return connStr, nil
		}
		if dbName == "" {
			dbName = "ema_trader"
		}
		return dbName + ".db", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// NewConfig opens a pooled connection and checks it is reachable.
func NewConfig(driver, connStr, dbName string, maxOpen, maxIdle int) (*Config, error) {
	dsn, err := DSN(driver, connStr, dbName)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		// SQLite has a single writer.
		maxOpen, maxIdle = 1, 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", driver, err)
	}

	return &Config{Name: dbName, Driver: driver, DB: db, ConnStr: dsn}, nil
}

// NewTestConfig creates a new postgres database with a random name.
// It skips the test when postgres is not reachable.
func NewTestConfig(t *testing.T) (*Config, func()) {
	t.Helper()

	host := envOr("PG_TEST_HOST", "localhost")
	port := envOr("PG_TEST_PORT", "5432")
	user := envOr("PG_TEST_USER", "postgres")
	password := envOr("PG_TEST_PASSWORD", "postgres")

	adminConnStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=postgres sslmode=disable",
		host, port, user, password)

	adminDB, err := sql.Open(DriverPostgres, adminConnStr)
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}

	if err := adminDB.Ping(); err != nil {
		adminDB.Close()
		t.Skipf("Skipping test: PostgreSQL is not running or not accessible: %v", err)
		return nil, func() {}
	}

	dbName := fmt.Sprintf("test_db_%d", rand.Int31())

	if _, err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
		adminDB.Close()
		t.Fatalf("Failed to create test database: %v", err)
	}

	dbConnStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbName)

	db, err := sql.Open(DriverPostgres, dbConnStr)
	if err != nil {
		adminDB.Close()
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	cfg := &Config{Name: dbName, Driver: DriverPostgres, DB: db, ConnStr: dbConnStr}

	cleanup := func() {
		db.Close()
		if _, err := adminDB.Exec(fmt.Sprintf("DROP DATABASE %s WITH (FORCE)", dbName)); err != nil {
			t.Logf("Warning: Failed to drop test database %s: %v", dbName, err)
		}
		adminDB.Close()
	}

	return cfg, cleanup
}

// NewSQLiteTestConfig opens a file-backed sqlite database in a temp dir.
func NewSQLiteTestConfig(t *testing.T) (*Config, func()) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "positions.db")
	cfg, err := NewConfig(DriverSQLite, path, "", 1, 1)
	if err != nil {
		t.Fatalf("Failed to open sqlite database: %v", err)
	}

	return cfg, func() { cfg.DB.Close() }
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
