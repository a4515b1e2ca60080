package web

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"wristcal/internal/cache"
	"wristcal/internal/config"
	"wristcal/internal/link"
	"wristcal/internal/locale"
	appLog "wristcal/internal/log"
	"wristcal/internal/model"
	"wristcal/internal/power"
	"wristcal/internal/view"
)

const batteryCacheTTL = 30 * time.Second

// DeviceDeps wires the device server to the running sync components.
type DeviceDeps struct {
	Loop   *link.Loop
	Engine *cache.Engine
	Device *link.Device
	Conn   link.Conn
	// Inbox receives transferred files; nil leaves /inbox unrouted.
	Inbox http.Handler
	Gauge power.Gauge

	BasicAuth *config.BasicAuthConfig
	Location  *time.Location
	Clock     func() time.Time
}

// DeviceServer exposes the list view, manual refresh, cache reset, status
// and the file inbox of the device process.
type DeviceServer struct {
	deps   DeviceDeps
	mux    *http.ServeMux
	logger appLog.Logger

	// lastErr is the most recent refresh failure, cleared by the next update.
	errMu   sync.Mutex
	lastErr error

	// Battery status does not need sub-second precision; a short TTL keeps
	// status polling off the I2C bus.
	batteryMu    sync.Mutex
	batteryCache *batteryCache
}

type batteryCache struct {
	level     power.Level
	updatedAt time.Time
}

// NewDeviceServer builds the server and subscribes to engine notices.
func NewDeviceServer(deps DeviceDeps) *DeviceServer {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	s := &DeviceServer{
		deps:   deps,
		mux:    http.NewServeMux(),
		logger: appLog.Named("web"),
	}
	deps.Engine.Subscribe(s.onNotice)
	s.registerRoutes()
	return s
}

// Handler returns the routed handler, behind Basic Auth when configured.
func (s *DeviceServer) Handler() http.Handler {
	return basicAuthMiddleware(s.deps.BasicAuth, "wristcal device", s.mux)
}

func (s *DeviceServer) registerRoutes() {
	s.mux.HandleFunc("/health", handleHealth)
	s.mux.HandleFunc("GET /api/tiles", s.handleTiles)
	s.mux.HandleFunc("GET /api/tiles/{index}", s.handleTileDetail)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("DELETE /api/cache", s.handleDropCache)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	if s.deps.Inbox != nil {
		s.mux.Handle("/inbox/{kind}/{name}", s.deps.Inbox)
	}
}

func (s *DeviceServer) onNotice(n cache.Notice) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	switch n.Kind {
	case cache.Updated:
		s.lastErr = nil
	case cache.Failed:
		s.lastErr = n.Err
	}
}

func (s *DeviceServer) lastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

type tilesResponse struct {
	Tiles []view.Tile `json:"tiles"`
	Total int         `json:"total"`
	// Error is the localized message of the last failed refresh.
	Error string `json:"error,omitempty"`
}

func (s *DeviceServer) render() ([]view.Tile, config.Settings) {
	settings := s.deps.Device.Settings()
	now := s.deps.Clock()
	events := s.deps.Engine.Events()
	tiles := view.Render(events, now, s.deps.Engine.LastUpdate(), view.Options{
		Location:       s.deps.Location,
		Printer:        printerFor(settings),
		MissingSources: len(settings.Sources()) == 0,
	})
	return tiles, settings
}

// handleTiles returns the window [from, from+count) of the rendered list.
// The list widget asks for the rows it is about to show.
func (s *DeviceServer) handleTiles(w http.ResponseWriter, r *http.Request) {
	tiles, settings := s.render()

	q := r.URL.Query()
	from := max(parseIntDefault(q.Get("from"), 0), 0)
	count := parseIntDefault(q.Get("count"), len(tiles))
	from = min(from, len(tiles))
	end := from + max(count, 0)
	end = min(end, len(tiles))

	resp := tilesResponse{Tiles: tiles[from:end], Total: len(tiles)}
	if err := s.lastError(); err != nil {
		resp.Error = view.ErrorMessage(printerFor(settings), err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *DeviceServer) handleTileDetail(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tile index")
		return
	}
	tiles, _ := s.render()
	ev, ok := view.Detail(tiles, index)
	if !ok {
		writeError(w, http.StatusNotFound, "no event at tile")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type refreshResponse struct {
	Issued  uint64 `json:"issued"`
	Message string `json:"message"`
}

// handleRefresh is the header tap. It never bypasses the staleness check.
func (s *DeviceServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var refreshErr error
	if err := s.deps.Loop.Call(r.Context(), func() { refreshErr = s.deps.Device.ManualRefresh() }); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if errors.Is(refreshErr, cache.ErrNoConnection) {
		p := printerFor(s.deps.Device.Settings())
		writeError(w, http.StatusServiceUnavailable, view.ErrorMessage(p, refreshErr))
		return
	}
	writeJSON(w, http.StatusAccepted, refreshResponse{
		Issued:  s.deps.Engine.Issued(),
		Message: printerFor(s.deps.Device.Settings()).Sprintf(locale.KeyUpdating),
	})
}

func (s *DeviceServer) handleDropCache(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Loop.Call(r.Context(), s.deps.Engine.DropCache); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Link              string             `json:"link"`
	LastUpdate        *time.Time         `json:"last_update,omitempty"`
	Events            int                `json:"events"`
	Issued            uint64             `json:"issued"`
	Battery           *power.Level       `json:"battery,omitempty"`
	ClockGranularity  config.Granularity `json:"clock_granularity"`
	SystemDefaultFont bool               `json:"system_default_font"`
	Countdown         *countdownDTO      `json:"countdown,omitempty"`
	Error             string             `json:"error,omitempty"`
}

type countdownDTO struct {
	Event            model.Event `json:"event"`
	RemainingSeconds int64       `json:"remaining_seconds"`
	Ongoing          bool        `json:"ongoing"`
}

func (s *DeviceServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	settings := s.deps.Device.Settings()
	now := s.deps.Clock()
	events := s.deps.Engine.Events()

	resp := statusResponse{
		Link:              s.deps.Conn.State().String(),
		Events:            len(events),
		Issued:            s.deps.Engine.Issued(),
		ClockGranularity:  settings.ClockGranularity(),
		SystemDefaultFont: settings.SystemDefaultFont(),
	}
	if lu := s.deps.Engine.LastUpdate(); !lu.IsZero() {
		resp.LastUpdate = &lu
	}
	if c, ok := view.NextCountdown(events, now, settings); ok {
		resp.Countdown = &countdownDTO{
			Event:            c.Event,
			RemainingSeconds: int64(c.Remaining / time.Second),
			Ongoing:          c.Ongoing,
		}
	}
	if lvl, ok := s.battery(r); ok {
		resp.Battery = &lvl
	}
	if err := s.lastError(); err != nil {
		resp.Error = view.ErrorMessage(printerFor(settings), err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *DeviceServer) battery(r *http.Request) (power.Level, bool) {
	if s.deps.Gauge == nil {
		return power.Level{}, false
	}
	now := time.Now()

	s.batteryMu.Lock()
	defer s.batteryMu.Unlock()
	if bc := s.batteryCache; bc != nil && now.Sub(bc.updatedAt) < batteryCacheTTL {
		return bc.level, true
	}

	lvl, err := s.deps.Gauge.Read(r.Context())
	if err != nil {
		s.logger.Error("battery read failed", err)
		return power.Level{}, false
	}
	s.batteryCache = &batteryCache{level: lvl, updatedAt: now}
	return lvl, true
}
