package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name     string
		driver   string
		connStr  string
		dbName   string
		expected string
		wantErr  bool
	}{
		{"postgres url gets database", DriverPostgres, "postgres://u:p@db:5432/other?sslmode=disable", "trader", "postgres://u:p@db:5432/trader?sslmode=disable", false},
		{"postgres url kept without name", DriverPostgres, "postgres://u:p@db:5432/other", "", "postgres://u:p@db:5432/other", false},
		{"postgres key value", DriverPostgres, "host=db user=u", "trader", "host=db user=u dbname=trader", false},
		{"postgres empty target", DriverPostgres, "", "trader", "", true},
		{"sqlite path", DriverSQLite, "/var/lib/trader.db", "ignored", "/var/lib/trader.db", false},
		{"sqlite from name", DriverSQLite, "", "trader", "trader.db", false},
		{"sqlite default", DriverSQLite, "", "", "ema_trader.db", false},
		{"unknown driver", "mongo", "mongodb://x", "trader", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DSN(tt.driver, tt.connStr, tt.dbName)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNewSQLiteTestConfig(t *testing.T) {
	cfg, cleanup := NewSQLiteTestConfig(t)
	defer cleanup()

	require.NotNil(t, cfg.DB)
	assert.Equal(t, DriverSQLite, cfg.Driver)
	assert.NoError(t, cfg.DB.Ping())
}
