package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, "harvest.gather", cfg.Queue.GatherQueue)
	assert.Equal(t, "harvest.fetch", cfg.Queue.FetchQueue)
	assert.Equal(t, 2*time.Hour, cfg.Harvest.StuckThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Harvest.SchedulerInterval)
	assert.False(t, cfg.Harvest.DeferredImport)
	assert.False(t, cfg.Storage.Enabled)
	assert.Equal(t, 1, cfg.Harvest.Workers)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  host: db
  port: 5433
  user: harvest
  password: "p@ss"
  name: ledger
queue:
  backend: rabbitmq
harvest:
  deferred_import: true
  stuck_threshold: 30m
  extras_not_overwritten: [theme, spatial]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rabbitmq", cfg.Queue.Backend)
	assert.True(t, cfg.Harvest.DeferredImport)
	assert.Equal(t, 30*time.Minute, cfg.Harvest.StuckThreshold)
	assert.Equal(t, []string{"theme", "spatial"}, cfg.Harvest.ExtrasNotOverwritten)
	assert.Equal(t, "postgres://harvest:p%40ss@db:5433/ledger?sslmode=disable", cfg.Database.DSN())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@remote/ledger")
	t.Setenv("HARVEST_DEFERRED_IMPORT", "true")
	t.Setenv("HARVEST_ADMIN_TOKEN", "token")

	cfg, err := Load(writeConfig(t, "database:\n  driver: postgres\n"))
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@remote/ledger", cfg.Database.DSN())
	assert.True(t, cfg.Harvest.DeferredImport)
	assert.Equal(t, "token", cfg.Server.AdminToken)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"driver", "database:\n  driver: mysql\n"},
		{"queue", "queue:\n  backend: kafka\n"},
		{"lock", "lock:\n  backend: etcd\n"},
		{"stuck threshold", "harvest:\n  stuck_threshold: 0s\n"},
		{"bucket", "storage:\n  enabled: true\n  bucket: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	c := DatabaseConfig{Driver: "sqlite", Path: "/tmp/h.db"}
	assert.Equal(t, "/tmp/h.db?_busy_timeout=5000&_foreign_keys=on", c.DSN())
}
