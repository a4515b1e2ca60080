package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"wristcal/internal/fsutil"
	appLog "wristcal/internal/log"
)

// BasicAuthConfig holds HTTP Basic Auth credentials shared by the device and
// companion HTTP endpoints (inbox, link, APIs).
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Enabled reports whether both fields are set.
func (b *BasicAuthConfig) Enabled() bool {
	return b != nil && b.Username != "" && b.Password != ""
}

// DeviceConfig configures the device process: the event cache, the inbox
// receiving transferred files and the control link to the companion.
type DeviceConfig struct {
	// Listen is the HTTP address for the inbox and status API.
	Listen string `yaml:"listen" json:"listen"`

	// DataDir holds cache.cbor, settings.yaml and the inbox directory.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// CompanionURL is the companion's WebSocket link endpoint.
	CompanionURL string `yaml:"companion_url" json:"companion_url"`

	// StaleAfter is the cache age that triggers an automatic refresh.
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`

	// RefreshCheck is a cron spec for the periodic staleness check.
	RefreshCheck string `yaml:"refresh_check" json:"refresh_check"`

	// ReconnectDelay is the pause between link dial attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`

	Battery BatteryConfig `yaml:"battery" json:"battery"`
}

// BatteryConfig locates the I2C fuel gauge reported by the status API.
type BatteryConfig struct {
	// Bus is the periph.io bus name; empty selects the first bus.
	Bus string `yaml:"bus" json:"bus"`
	// Addr is the 7-bit I2C address (PiSugar 3 answers at 0x57).
	Addr uint16 `yaml:"addr" json:"addr"`
	// Mock reports a fixed level instead of probing hardware.
	Mock bool `yaml:"mock" json:"mock"`
}

// CompanionConfig configures the companion process: calendar fetching,
// stored settings and the spool of files waiting for the device.
type CompanionConfig struct {
	// Listen is the HTTP address for the link endpoint and settings API.
	Listen string `yaml:"listen" json:"listen"`

	// DataDir holds settings.yaml, the spool and the ICS HTTP cache.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// DeviceURL is the base URL of the device inbox.
	DeviceURL string `yaml:"device_url" json:"device_url"`

	// RefreshCron is a cron spec for periodic re-fetching (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// FlushCron is a cron spec for retrying undelivered spool files.
	FlushCron string `yaml:"flush" json:"flush"`

	// HorizonDays is how many days ahead recurrences are expanded.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days"`

	// MaxEvents caps the number of events per batch.
	MaxEvents int `yaml:"max_events" json:"max_events"`
}

// Config is the top-level configuration for both processes.
type Config struct {
	// Timezone is the IANA timezone defining local days (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// BasicAuth, if set, protects every endpoint except /health and is used
	// by each side when calling the other.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Device    DeviceConfig    `yaml:"device" json:"device"`
	Companion CompanionConfig `yaml:"companion" json:"companion"`
}

const (
	defaultTimezone       = "UTC"
	defaultDeviceListen   = "127.0.0.1:8081"
	defaultCompanionAddr  = "127.0.0.1:8080"
	defaultStaleAfter     = 10 * time.Minute
	defaultRefreshCheck   = "@every 1m"
	defaultReconnectDelay = 5 * time.Second
	defaultRefreshCron    = "*/15 * * * *"
	defaultFlushCron      = "@every 30s"
	defaultHorizonDays    = 7
	defaultMaxEvents      = 50
	defaultBatteryAddr    = 0x57
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with defaults.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if _, ok := appLog.ParseLevel(c.LogLevel); !ok || c.LogLevel == "" {
		c.LogLevel = "info"
	}

	d := &c.Device
	if d.Listen == "" {
		d.Listen = defaultDeviceListen
	}
	if d.DataDir == "" {
		d.DataDir = "./var/device"
	}
	if d.CompanionURL == "" {
		d.CompanionURL = "ws://" + defaultCompanionAddr + "/link"
	}
	if d.StaleAfter <= 0 {
		d.StaleAfter = defaultStaleAfter
	}
	if d.RefreshCheck == "" {
		d.RefreshCheck = defaultRefreshCheck
	}
	if d.ReconnectDelay <= 0 {
		d.ReconnectDelay = defaultReconnectDelay
	}
	if d.Battery.Addr == 0 {
		d.Battery.Addr = defaultBatteryAddr
	}

	p := &c.Companion
	if p.Listen == "" {
		p.Listen = defaultCompanionAddr
	}
	if p.DataDir == "" {
		p.DataDir = "./var/companion"
	}
	if p.DeviceURL == "" {
		p.DeviceURL = "http://" + defaultDeviceListen
	}
	if p.RefreshCron == "" {
		p.RefreshCron = defaultRefreshCron
	}
	if p.FlushCron == "" {
		p.FlushCron = defaultFlushCron
	}
	if p.HorizonDays <= 0 {
		p.HorizonDays = defaultHorizonDays
	}
	if p.MaxEvents <= 0 {
		p.MaxEvents = defaultMaxEvents
	}
}

// Location resolves Timezone, falling back to time.Local when it is unknown.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", c.Timezone)
		return time.Local
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is decoded and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Return cfg with the error so the caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save normalizes cfg and writes it atomically with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(path, data, 0o600)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
