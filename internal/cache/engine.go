// Package cache is the device-side authority over the cached event set: it
// owns the staleness policy, lazy pruning of past events, persistence and
// the request tokens that pair refresh requests with companion responses.
package cache

import (
	"errors"
	"io/fs"
	"slices"
	"sync"
	"time"

	appLog "wristcal/internal/log"
	"wristcal/internal/model"
	"wristcal/internal/store"
)

// DefaultStaleAfter is how old the cache may get before a refresh is
// requested automatically.
const DefaultStaleAfter = 10 * time.Minute

// ErrNoConnection is reported when a refresh is requested while the control
// link to the companion is closed.
var ErrNoConnection = errors.New("no connection to companion")

// FetchError carries a failure reported by the companion.
type FetchError struct {
	Failure model.FetchFailure
}

func (e *FetchError) Error() string {
	return "companion fetch failed: " + e.Failure.String()
}

// Requester delivers the refresh sentinel to the companion. It returns false
// when the link is not open.
type Requester interface {
	RequestRefresh(token uint64) bool
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(token uint64) bool

func (f RequesterFunc) RequestRefresh(token uint64) bool { return f(token) }

type NoticeKind int

const (
	// Updated means the event set or last-update time changed.
	Updated NoticeKind = iota + 1
	// Failed means a refresh could not be requested or the companion failed.
	Failed
)

func (k NoticeKind) String() string {
	switch k {
	case Updated:
		return "updated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Notice is delivered to listeners after the engine state has settled.
type Notice struct {
	Kind NoticeKind
	// Err is ErrNoConnection or a *FetchError for Failed notices.
	Err error
}

type Listener func(Notice)

// Options tunes an Engine. Zero values are replaced with defaults.
type Options struct {
	// StaleAfter is the threshold used by FetchEvents.
	StaleAfter time.Duration
	// Location defines the local day boundary used for pruning.
	Location *time.Location
	// Clock returns the current time; defaults to time.Now.
	Clock func() time.Time
}

type subscription struct {
	id int
	fn Listener
}

// Engine holds the in-memory CacheState. Methods are safe for concurrent use,
// though the device drives it from a single run loop.
type Engine struct {
	store     store.Store
	requester Requester
	opts      Options
	logger    appLog.Logger

	mu         sync.Mutex
	events     model.EventSet // nil means absent
	lastUpdate time.Time
	minted     uint64 // last token handed out
	issued     uint64 // last token actually sent

	subsMu sync.Mutex
	subs   []subscription
	nextID int
}

// New builds an Engine and loads the persisted record. Load failures of any
// kind leave the engine in the cold state; they are never returned.
func New(st store.Store, req Requester, opts Options) *Engine {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	e := &Engine{
		store:     st,
		requester: req,
		opts:      opts,
		logger:    appLog.Named("cache"),
	}
	e.load()
	return e
}

func (e *Engine) load() {
	rec, err := e.store.Load()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			e.logger.Debug("no cached events on load")
		} else {
			e.logger.Warn("cached events unreadable; starting cold", "err", err)
		}
		e.events = nil
		e.lastUpdate = time.Time{}
		return
	}
	e.events = rec.Events
	e.lastUpdate = rec.LastUpdate
	e.logger.Info("cache loaded", "events", len(rec.Events), "last_update", rec.LastUpdate.Format(time.RFC3339))
}

// LastUpdate returns the companion fetch time of the cached set; the zero
// time after a cold start or DropCache.
func (e *Engine) LastUpdate() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUpdate
}

// Events returns the cached events minus those that ended before local
// midnight today. When pruning removed anything the pruned set is persisted
// with the unchanged last-update time. A nil result means the cache is absent.
func (e *Engine) Events() model.EventSet {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.events == nil {
		return nil
	}

	midnight := startOfDay(e.opts.Clock(), e.opts.Location)
	kept := make(model.EventSet, 0, len(e.events))
	for _, ev := range e.events {
		if ev.End.Before(midnight) {
			continue
		}
		kept = append(kept, ev)
	}

	if removed := len(e.events) - len(kept); removed > 0 {
		e.events = kept
		e.persistLocked()
		e.logger.Debug("pruned past events", "removed", removed, "kept", len(kept))
	}

	return slices.Clone(e.events)
}

// ApplyBatch replaces the cache wholesale with a companion batch. Batches
// answering a request older than the last one sent are discarded and false is
// returned. The last-update time never moves backwards.
func (e *Engine) ApplyBatch(token uint64, events model.EventSet, updateTime time.Time) bool {
	e.mu.Lock()
	if token < e.issued {
		issued := e.issued
		e.mu.Unlock()
		e.logger.Info("discarding stale batch", "token", token, "issued", issued)
		return false
	}
	if events == nil {
		events = model.EventSet{}
	}
	if updateTime.Before(e.lastUpdate) {
		e.logger.Warn("batch older than cache; keeping last update", "update_time", updateTime.Format(time.RFC3339), "last_update", e.lastUpdate.Format(time.RFC3339))
		updateTime = e.lastUpdate
	}
	e.events = slices.Clone(events)
	e.lastUpdate = updateTime
	e.persistLocked()
	e.mu.Unlock()

	e.logger.Info("batch applied", "token", token, "events", len(events), "last_update", updateTime.Format(time.RFC3339))
	e.notify(Notice{Kind: Updated})
	return true
}

// ApplyFetchError reports a companion failure to listeners. The cache is
// left untouched.
func (e *Engine) ApplyFetchError(token uint64, failure model.FetchFailure) bool {
	e.mu.Lock()
	issued := e.issued
	e.mu.Unlock()

	if token < issued {
		e.logger.Info("discarding stale fetch error", "token", token, "issued", issued)
		return false
	}

	e.logger.Warn("companion fetch failed", "token", token, "source", failure.Source, "message", failure.Message)
	e.notify(Notice{Kind: Failed, Err: &FetchError{Failure: failure}})
	return true
}

// NeedsRefresh reports whether the cache is absent or older than staleAfter.
// A non-positive staleAfter uses DefaultStaleAfter.
func (e *Engine) NeedsRefresh(now time.Time, staleAfter time.Duration) bool {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events == nil || now.Sub(e.lastUpdate) > staleAfter
}

// FetchEvents requests a refresh when the cache is stale and returns the
// currently cached events. The companion answers asynchronously, so the
// result is the cached (possibly stale) set.
func (e *Engine) FetchEvents(now time.Time) model.EventSet {
	if e.NeedsRefresh(now, e.opts.StaleAfter) {
		_, _ = e.ForceFetch()
	}
	return e.Events()
}

// ForceFetch sends a refresh request regardless of staleness and returns the
// token it carries. When the link is closed listeners receive a Failed notice
// with ErrNoConnection and the token is not committed.
func (e *Engine) ForceFetch() (uint64, error) {
	e.mu.Lock()
	e.minted++
	token := e.minted
	e.mu.Unlock()

	if e.requester == nil || !e.requester.RequestRefresh(token) {
		e.logger.Info("refresh not sent; companion unreachable", "token", token)
		e.notify(Notice{Kind: Failed, Err: ErrNoConnection})
		return 0, ErrNoConnection
	}

	e.mu.Lock()
	if token > e.issued {
		e.issued = token
	}
	e.mu.Unlock()

	e.logger.Debug("refresh requested", "token", token)
	return token, nil
}

// Issued returns the token of the last refresh request that was sent.
func (e *Engine) Issued() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.issued
}

// DropCache deletes the persisted record and resets to the cold state.
func (e *Engine) DropCache() {
	e.mu.Lock()
	if err := e.store.Delete(); err != nil {
		e.logger.Error("cache delete failed", err)
	}
	e.events = nil
	e.lastUpdate = time.Time{}
	e.mu.Unlock()

	e.logger.Info("cache dropped")
	e.notify(Notice{Kind: Updated})
}

// Subscribe registers fn for notices. Listeners run in registration order,
// after state and persistence are settled. The returned func unregisters.
func (e *Engine) Subscribe(fn Listener) (cancel func()) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription{id: id, fn: fn})

	return func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		e.subs = slices.DeleteFunc(e.subs, func(s subscription) bool { return s.id == id })
	}
}

func (e *Engine) notify(n Notice) {
	e.subsMu.Lock()
	subs := slices.Clone(e.subs)
	e.subsMu.Unlock()

	for _, s := range subs {
		s.fn(n)
	}
}

// persistLocked writes the current state. Failures are logged and absorbed.
func (e *Engine) persistLocked() {
	rec := model.CacheRecord{Events: e.events, LastUpdate: e.lastUpdate}
	if err := e.store.Save(rec); err != nil {
		e.logger.Error("cache save failed", err, "events", len(e.events))
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
