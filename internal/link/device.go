package link

import (
	"os"
	"slices"
	"sync"
	"time"

	"wristcal/internal/cache"
	"wristcal/internal/config"
	"wristcal/internal/locale"
	appLog "wristcal/internal/log"
	"wristcal/internal/store"
)

// SettingsChange describes one applied settings delta.
type SettingsChange struct {
	Key      string
	Restore  bool
	Old      *string
	New      string
	Settings config.Settings
}

// DeviceOptions tunes a Device.
type DeviceOptions struct {
	// SettingsPath persists settings across restarts; empty disables it.
	SettingsPath string
	Clock        func() time.Time
}

// Device is the device side of the sync protocol. All Handler and FileSink
// methods are expected to run on the device Loop.
type Device struct {
	engine *cache.Engine
	conn   Conn
	opts   DeviceOptions
	logger appLog.Logger

	mu        sync.Mutex
	settings  config.Settings
	listeners []func(SettingsChange)
	// openIssued is the engine's issued token when the link last opened.
	openIssued uint64
}

var (
	_ Handler  = (*Device)(nil)
	_ FileSink = (*Device)(nil)
)

// NewDevice wires engine and conn. The engine's Requester is expected to
// forward to Device.RequestRefresh.
func NewDevice(engine *cache.Engine, conn Conn, settings config.Settings, opts DeviceOptions) *Device {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Device{
		engine:   engine,
		conn:     conn,
		opts:     opts,
		settings: settings,
		logger:   appLog.Named("device"),
	}
}

// RequestRefresh sends the refresh sentinel. It satisfies cache.Requester.
func (d *Device) RequestRefresh(token uint64) bool {
	if d.conn == nil || d.conn.State() != Open {
		return false
	}
	return d.conn.Send(RefreshRequest(token))
}

// Settings returns the current settings snapshot.
func (d *Device) Settings() config.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

// OnSettings registers fn for applied settings deltas.
func (d *Device) OnSettings(fn func(SettingsChange)) {
	d.mu.Lock()
	d.listeners = append(d.listeners, fn)
	d.mu.Unlock()
}

func (d *Device) OnOpen() {
	issued := d.engine.Issued()
	d.mu.Lock()
	d.openIssued = issued
	d.mu.Unlock()
	d.logger.Info("link open")
	d.engine.FetchEvents(d.opts.Clock())
}

// requestedSinceOpen reports whether a refresh request went out after the
// link opened. The companion answers with its own full settings, so one such
// request covers every restored value.
func (d *Device) requestedSinceOpen() bool {
	issued := d.engine.Issued()
	d.mu.Lock()
	defer d.mu.Unlock()
	return issued > d.openIssued
}

func (d *Device) OnClose() {
	d.logger.Info("link closed")
}

func (d *Device) OnMessage(m Message) {
	if m.RefreshRequested {
		d.logger.Warn("ignoring refresh request sent to device", "token", m.Token)
		return
	}
	if !m.IsSetting() {
		d.logger.Debug("ignoring empty message")
		return
	}

	d.mu.Lock()
	prev, had := d.settings.Get(m.Key)
	next := d.settings.With(m.Key, m.NewValue)
	d.settings = next
	listeners := slices.Clone(d.listeners)
	d.mu.Unlock()

	if d.opts.SettingsPath != "" {
		if err := config.SaveSettings(d.opts.SettingsPath, next); err != nil {
			d.logger.Error("settings save failed", err, "key", m.Key)
		}
	}
	d.logger.Info("setting applied", "key", m.Key, "restore", m.Restore)

	if m.Key == config.KeyLanguageOverride {
		if override, err := next.LanguageOverride(); err != nil {
			d.logger.Warn("language override unreadable; using default", "err", err)
		} else if _, err := locale.Resolve(override); err != nil {
			d.logger.Warn("language override unsupported; using default", "value", override, "err", err)
		}
	}

	if config.IsSourceKey(m.Key) && d.needsFetch(m, !had || prev != m.NewValue) {
		if _, err := d.engine.ForceFetch(); err != nil {
			d.logger.Warn("refresh after source change failed", "key", m.Key, "err", err)
		}
	}

	change := SettingsChange{Key: m.Key, Restore: m.Restore, Old: m.OldValue, New: m.NewValue, Settings: next}
	for _, fn := range listeners {
		fn(change)
	}
}

// needsFetch decides whether a source key delta refetches. Live changes
// always do. The restore handshake replays every key after each reconnect,
// so a replayed value refetches only when it differs and no request has gone
// out since the link opened.
func (d *Device) needsFetch(m Message, changed bool) bool {
	if !m.Restore {
		return true
	}
	return changed && !d.requestedSinceOpen()
}

func (d *Device) OnBatchReady(path string) {
	rec, err := store.ReadRecordFile(path)
	d.removeInboxFile(path)
	if err != nil {
		d.logger.Error("dropping unreadable batch", err, "path", path)
		return
	}
	d.engine.ApplyBatch(rec.Token, rec.Events, rec.LastUpdate)
}

func (d *Device) OnErrorReady(path string) {
	failure, err := store.ReadFailureFile(path)
	d.removeInboxFile(path)
	if err != nil {
		d.logger.Error("dropping unreadable error file", err, "path", path)
		return
	}
	d.engine.ApplyFetchError(failure.Token, failure)
}

// ManualRefresh handles a user-initiated refresh. With the link closed it
// reports cache.ErrNoConnection without contacting anything; otherwise it
// runs a staleness-checked fetch.
func (d *Device) ManualRefresh() error {
	if d.conn == nil || d.conn.State() != Open {
		return cache.ErrNoConnection
	}
	d.engine.FetchEvents(d.opts.Clock())
	return nil
}

func (d *Device) removeInboxFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("inbox file not removed", "path", path, "err", err)
	}
}
