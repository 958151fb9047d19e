package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfig = `
# local dev settings
database:
  host: localhost
  port: 5432
  user: geotrackd
  password: "secret"
  database: geotrackd

rabbitmq:
  host: localhost
  port: 5672
  user: guest
  password: guest

daemon:
  host: localhost
  port: 7060
  secret: dev-secret

http:
  port: 3001
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Equal(t, "localhost", cfg.DB.Host)
	require.Equal(t, 5432, cfg.DB.Port)
	require.Equal(t, "secret", cfg.DB.Password)
	require.Equal(t, "geotrackd", cfg.DB.Name)
	require.Equal(t, 5672, cfg.RMQ.Port)
	require.Equal(t, "dev-secret", cfg.Daemon.Secret)
	require.Equal(t, 3001, cfg.HTTP.Port)
}

func TestLoadAppliesTrackingDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Equal(t, 10*time.Second, cfg.Tracking.ForegroundInterval)
	require.Equal(t, 10.0, cfg.Tracking.ForegroundDisplacement)
	require.Equal(t, 30*time.Second, cfg.Tracking.BackgroundInterval)
	require.Equal(t, 50.0, cfg.Tracking.BackgroundDisplacement)
	require.Equal(t, 60*time.Second, cfg.Tracking.DeferredWindow)
}

func TestLoadOverridesTrackingCadence(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig+`
tracking:
  foreground_interval_seconds: 5
  deferred_window_seconds: 120
`))
	require.NoError(t, err)

	require.Equal(t, 5*time.Second, cfg.Tracking.ForegroundInterval)
	require.Equal(t, 120*time.Second, cfg.Tracking.DeferredWindow)
	require.Equal(t, 30*time.Second, cfg.Tracking.BackgroundInterval)
}

func TestLoadRejectsMissingRequiredKey(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  host: localhost
  port: 5432
  user: geotrackd
  password: secret

rabbitmq:
  host: localhost
  port: 5672
  user: guest
  password: guest

daemon:
  host: localhost
  port: 7060
  secret: dev-secret

http:
  port: 3001
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "[database]")
}

func TestLoadRejectsDuplicateKey(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+`
tracking:
  deferred_window_seconds: 60
  deferred_window_seconds: 90
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate key")
}

func TestLoadRejectsUnknownSection(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+`
metrics:
  port: 9100
`))
	require.Error(t, err)
}

func TestLoadRejectsBadPort(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  host: localhost
  port: not-a-number
  user: geotrackd
  password: secret
  database: geotrackd
`))
	require.Error(t, err)
}
