package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CLINRULE_DATABASE_DRIVER", "sqlite")
	t.Setenv("CLINRULE_QC_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.QC.Workers)
	assert.Equal(t, 5*time.Millisecond, cfg.Validator.LatencyBudget)
	assert.Equal(t, "clinrule.qc.runs", cfg.NATS.Subject)
	assert.Equal(t, filepath.Join("data", "clinrule.db"), cfg.Database.DSN())
	assert.Equal(t, "sqlite://"+filepath.Join("data", "clinrule.db"), cfg.Database.MigrateURL())
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := "server:\n  port: 9090\nqc:\n  enabled: true\n  interval: 1h\nlog:\n  format: text\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clinrule.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.QC.Enabled)
	assert.Equal(t, time.Hour, cfg.QC.Interval)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Port: 0},
		Database: DatabaseConfig{Driver: "mysql"},
		QC:       QCConfig{Enabled: true},
		Log:      LogConfig{Level: "trace"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "qc.interval")
	assert.Contains(t, err.Error(), "auth.jwt_secret")
	assert.Contains(t, err.Error(), "log.level")
}
