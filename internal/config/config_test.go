package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Alerts.HighGlucose.CoolDown)
	assert.Equal(t, "below", cfg.Alerts.LowGlucose.Direction)
	assert.Equal(t, 10*time.Minute, cfg.Analytics.StalenessTolerance)
	assert.Equal(t, 90*24*time.Hour, cfg.Lifecycle.AuditRetention)

	glucose, ok := cfg.Readings.Ranges["glucose"]
	require.True(t, ok)
	assert.Equal(t, 20.0, glucose.Min)
	assert.Equal(t, 600.0, glucose.Max)
	assert.Equal(t, "mg/dL", glucose.Unit)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
server:
  port: 9090
alerts:
  high_glucose:
    value: 300
analytics:
  cache_backend: memory
`), 0o600))
	t.Setenv("GLUCOLOG_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("GLUCOLOG_LIFECYCLE_LOCK_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 300.0, cfg.Alerts.HighGlucose.Value)
	assert.Equal(t, "memory", cfg.Analytics.CacheBackend)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 5*time.Second, cfg.Lifecycle.LockTimeout)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Readings: ReadingsConfig{Ranges: map[string]MetricRange{"glucose": {Min: 20, Max: 600}}},
			Alerts: AlertsConfig{
				HighGlucose: ThresholdConfig{CoolDown: time.Minute},
				LowGlucose:  ThresholdConfig{CoolDown: time.Minute},
			},
			Lifecycle: LifecycleConfig{LockTimeout: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"inverted range", func(c *Config) { c.Readings.Ranges["glucose"] = MetricRange{Min: 600, Max: 20} }, true},
		{"zero lock timeout", func(c *Config) { c.Lifecycle.LockTimeout = 0 }, true},
		{"zero cool-down", func(c *Config) { c.Alerts.LowGlucose.CoolDown = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
