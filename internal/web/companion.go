package web

import (
	"io"
	"net/http"

	"wristcal/internal/config"
	"wristcal/internal/link"
	appLog "wristcal/internal/log"
)

// maxSettingValue matches the control message bound; larger values could
// never be forwarded.
const maxSettingValue = link.MaxMessageSize

const redacted = "********"

// CompanionDeps wires the companion server to the running sync components.
type CompanionDeps struct {
	Loop      *link.Loop
	Companion *link.Companion
	Conn      link.Conn
	Spool     *link.Spool
	// Link is mounted at /link; nil leaves it unrouted.
	Link http.Handler

	BasicAuth *config.BasicAuthConfig
}

// CompanionServer exposes the control link endpoint and the settings API
// standing in for the phone's settings page.
type CompanionServer struct {
	deps   CompanionDeps
	mux    *http.ServeMux
	logger appLog.Logger
}

func NewCompanionServer(deps CompanionDeps) *CompanionServer {
	s := &CompanionServer{
		deps:   deps,
		mux:    http.NewServeMux(),
		logger: appLog.Named("web"),
	}
	s.registerRoutes()
	return s
}

// Handler returns the routed handler, behind Basic Auth when configured.
func (s *CompanionServer) Handler() http.Handler {
	return basicAuthMiddleware(s.deps.BasicAuth, "wristcal companion", s.mux)
}

func (s *CompanionServer) registerRoutes() {
	s.mux.HandleFunc("/health", handleHealth)
	if s.deps.Link != nil {
		s.mux.Handle("/link", s.deps.Link)
	}
	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/settings/{key}", s.handlePutSetting)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
}

type settingsResponse struct {
	Values  map[string]string `json:"values"`
	Sources int               `json:"sources"`
}

func (s *CompanionServer) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	settings := s.deps.Companion.Settings()
	values := settings.Values()
	if _, ok := values[config.KeyPass]; ok {
		values[config.KeyPass] = redacted
	}
	writeJSON(w, http.StatusOK, settingsResponse{Values: values, Sources: len(settings.Sources())})
}

// handlePutSetting stores the raw request body as the new value of key.
func (s *CompanionServer) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSettingValue))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "setting value too large")
		return
	}

	var changeErr error
	if err := s.deps.Loop.Call(r.Context(), func() {
		changeErr = s.deps.Companion.ChangeSetting(key, string(body))
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if changeErr != nil {
		s.logger.Error("setting change failed", changeErr, "key", key)
		writeError(w, http.StatusInternalServerError, changeErr.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefresh fetches now, answering the last request seen from the device.
func (s *CompanionServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var refreshErr error
	if err := s.deps.Loop.Call(r.Context(), func() {
		refreshErr = s.deps.Companion.Refresh(r.Context(), s.deps.Companion.LastToken())
	}); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if refreshErr != nil {
		s.logger.Error("manual refresh failed", refreshErr)
		writeError(w, http.StatusInternalServerError, refreshErr.Error())
		return
	}
	s.handleStatus(w, r)
}

type companionStatus struct {
	Link      string   `json:"link"`
	LastToken uint64   `json:"last_token"`
	Pending   []string `json:"pending"`
}

func (s *CompanionServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := companionStatus{
		Link:      s.deps.Conn.State().String(),
		LastToken: s.deps.Companion.LastToken(),
		Pending:   []string{},
	}
	if s.deps.Spool != nil {
		pending, err := s.deps.Spool.Pending()
		if err != nil {
			s.logger.Error("spool listing failed", err)
		} else if pending != nil {
			resp.Pending = pending
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
