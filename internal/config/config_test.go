package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "wristcal.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Device.StaleAfter)
	assert.Equal(t, "*/15 * * * *", cfg.Companion.RefreshCron)
	assert.Equal(t, 50, cfg.Companion.MaxEvents)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wristcal.yaml")
	yml := `
timezone: Asia/Seoul
log_level: shouty
device:
  stale_after: 2m
  companion_url: ws://phone.local:8080/link
companion:
  horizon_days: 3
basic_auth:
  username: me
  password: secret
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Seoul", cfg.Timezone)
	assert.Equal(t, "info", cfg.LogLevel, "unknown level falls back")
	assert.Equal(t, 2*time.Minute, cfg.Device.StaleAfter)
	assert.Equal(t, "ws://phone.local:8080/link", cfg.Device.CompanionURL)
	assert.Equal(t, "@every 1m", cfg.Device.RefreshCheck)
	assert.Equal(t, 3, cfg.Companion.HorizonDays)
	assert.True(t, cfg.BasicAuth.Enabled())
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wristcal.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestLocation(t *testing.T) {
	cfg := &Config{Timezone: "Not/AZone"}
	assert.Equal(t, time.Local, cfg.Location())

	cfg.Timezone = "UTC"
	assert.Equal(t, "UTC", cfg.Location().String())
}

func TestBasicAuthEnabled(t *testing.T) {
	var nilAuth *BasicAuthConfig
	assert.False(t, nilAuth.Enabled())
	assert.False(t, (&BasicAuthConfig{Username: "u"}).Enabled())
	assert.True(t, (&BasicAuthConfig{Username: "u", Password: "p"}).Enabled())
}
