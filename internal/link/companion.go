package link

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"wristcal/internal/config"
	"wristcal/internal/fsutil"
	"wristcal/internal/ics"
	appLog "wristcal/internal/log"
	"wristcal/internal/model"
	"wristcal/internal/store"
)

// EventSource produces the event set for the configured sources.
type EventSource interface {
	Fetch(ctx context.Context, sources []ics.Source, now time.Time) (model.EventSet, []ics.SourceError)
}

// CompanionOptions tunes a Companion.
type CompanionOptions struct {
	// SettingsPath persists settings; empty disables persistence.
	SettingsPath string
	// TokenPath persists the last request token so refreshes started after a
	// restart still answer the device's latest request; empty disables it.
	TokenPath string
	// MaxEvents caps a batch; zero means unlimited.
	MaxEvents int
	Clock     func() time.Time
}

// Companion is the companion side of the sync protocol. Handler methods run
// on the companion Loop; ChangeSetting and Refresh are expected to be called
// there too.
type Companion struct {
	ctx     context.Context
	conn    Conn
	fetcher EventSource
	spool   *Spool
	opts    CompanionOptions
	logger  appLog.Logger

	mu        sync.Mutex
	settings  config.Settings
	lastToken uint64
}

var _ Handler = (*Companion)(nil)

// NewCompanion builds a Companion. ctx bounds fetches and deliveries started
// from link callbacks.
func NewCompanion(ctx context.Context, conn Conn, settings config.Settings, fetcher EventSource, spool *Spool, opts CompanionOptions) *Companion {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	c := &Companion{
		ctx:      ctx,
		conn:     conn,
		fetcher:  fetcher,
		spool:    spool,
		opts:     opts,
		settings: settings,
		logger:   appLog.Named("companion"),
	}
	if token, err := loadToken(opts.TokenPath); err != nil {
		c.logger.Warn("last token unreadable; starting from zero", "path", opts.TokenPath, "err", err)
	} else {
		c.lastToken = token
	}
	return c
}

func loadToken(path string) (uint64, error) {
	if path == "" {
		return 0, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	token, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("link: parse token file: %w", err)
	}
	return token, nil
}

func saveToken(path string, token uint64) error {
	if path == "" {
		return nil
	}
	return fsutil.WriteAtomic(path, []byte(strconv.FormatUint(token, 10)+"\n"), 0o600)
}

// Settings returns the current settings snapshot.
func (c *Companion) Settings() config.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// LastToken returns the token of the most recent refresh request received.
func (c *Companion) LastToken() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastToken
}

// OnOpen replays every stored setting so the device converges after any
// disconnect, then delivers whatever the spool still holds.
func (c *Companion) OnOpen() {
	s := c.Settings()
	c.logger.Info("link open; restoring settings", "keys", s.Len())
	for _, key := range s.Keys() {
		value, _ := s.Get(key)
		if !c.conn.Send(RestoreDelta(key, value)) {
			c.logger.Warn("restore interrupted", "key", key)
			return
		}
	}
	c.flush(c.ctx)
}

func (c *Companion) OnClose() {
	c.logger.Info("link closed")
}

func (c *Companion) OnMessage(m Message) {
	if !m.RefreshRequested {
		c.logger.Debug("ignoring non-refresh message", "key", m.Key)
		return
	}
	c.mu.Lock()
	c.lastToken = m.Token
	c.mu.Unlock()
	if err := saveToken(c.opts.TokenPath, m.Token); err != nil {
		c.logger.Error("token save failed", err, "token", m.Token)
	}

	c.logger.Info("refresh requested", "token", m.Token)
	if err := c.Refresh(c.ctx, m.Token); err != nil {
		c.logger.Error("refresh failed", err, "token", m.Token)
	}
}

// ChangeSetting stores a new value and forwards the delta. A closed link
// drops the delta; the next restore handshake delivers it. Changing a source
// while the device is unreachable refreshes right away so the batch waits in
// the spool.
func (c *Companion) ChangeSetting(key, value string) error {
	if key == "" {
		return errors.New("link: empty settings key")
	}

	c.mu.Lock()
	prev, had := c.settings.Get(key)
	next := c.settings.With(key, value)
	c.settings = next
	token := c.lastToken
	c.mu.Unlock()

	if c.opts.SettingsPath != "" {
		if err := config.SaveSettings(c.opts.SettingsPath, next); err != nil {
			return err
		}
	}

	var old *string
	if had {
		old = &prev
	}
	sent := c.conn.Send(SettingDelta(key, value, old))
	c.logger.Info("setting changed", "key", key, "forwarded", sent)

	if !sent && config.IsSourceKey(key) && (!had || prev != value) {
		return c.Refresh(c.ctx, token)
	}
	return nil
}

// Refresh fetches every configured source and hands the outcome to the
// spool: a batch when at least one source succeeded (or none is
// configured), an error file when any source failed.
func (c *Companion) Refresh(ctx context.Context, token uint64) error {
	settings := c.Settings()
	sources := SourcesFromSettings(settings)

	var (
		events model.EventSet
		failed []ics.SourceError
	)
	if len(sources) > 0 {
		events, failed = c.fetcher.Fetch(ctx, sources, c.opts.Clock())
	}
	fetchedAt := c.opts.Clock()

	if len(sources) == 0 || len(failed) < len(sources) {
		ics.SortEvents(events)
		if c.opts.MaxEvents > 0 && len(events) > c.opts.MaxEvents {
			c.logger.Info("batch capped", "events", len(events), "max", c.opts.MaxEvents)
			events = events[:c.opts.MaxEvents]
		}
		payload, err := store.EncodeRecord(model.CacheRecord{Events: events, LastUpdate: fetchedAt, Token: token})
		if err != nil {
			return err
		}
		if _, err := c.spool.Enqueue(KindBatch, payload); err != nil {
			return err
		}
	}

	if len(failed) > 0 {
		payload, err := store.EncodeFailure(failureOf(failed, token))
		if err != nil {
			return err
		}
		if _, err := c.spool.Enqueue(KindError, payload); err != nil {
			return err
		}
	}

	c.flush(ctx)
	return nil
}

// Flush delivers spooled files. Failures are logged; files stay queued.
func (c *Companion) Flush(ctx context.Context) {
	c.flush(ctx)
}

func (c *Companion) flush(ctx context.Context) {
	n, err := c.spool.Flush(ctx)
	if err != nil {
		c.logger.Warn("spool flush incomplete", "sent", n, "err", err)
		return
	}
	if n > 0 {
		c.logger.Info("spool flushed", "sent", n)
	}
}

// SourcesFromSettings converts the configured slots into fetch sources with
// the shared credentials. webcal:// URLs are fetched over https.
func SourcesFromSettings(s config.Settings) []ics.Source {
	user, pass := s.Credentials()
	slots := s.Sources()
	out := make([]ics.Source, 0, len(slots))
	for _, slot := range slots {
		u := slot.URL
		if rest, ok := strings.CutPrefix(u, "webcal://"); ok {
			u = "https://" + rest
		}
		out = append(out, ics.Source{
			ID:       config.URLKey(slot.Index),
			Slot:     slot.Index,
			URL:      u,
			CalDAV:   slot.CalDAV,
			Username: user,
			Password: pass,
		})
	}
	return out
}

func failureOf(failed []ics.SourceError, token uint64) model.FetchFailure {
	first := failed[0]
	msgs := make([]string, 0, len(failed))
	for _, f := range failed {
		msgs = append(msgs, f.Error())
	}
	return model.FetchFailure{
		Source:  first.Source.ID,
		Message: strings.Join(msgs, "; "),
		Status:  first.StatusCode(),
		Token:   token,
	}
}
