package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wristcal/internal/config"
	"wristcal/internal/ics"
	"wristcal/internal/link"
	"wristcal/internal/model"
)

type stubSource struct {
	mu    sync.Mutex
	calls int
}

func (s *stubSource) Fetch(_ context.Context, _ []ics.Source, _ time.Time) (model.EventSet, []ics.SourceError) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return model.EventSet{{Start: at(12, 0), End: at(13, 0), Summary: "Lunch", Color: "#FF5555", CalendarID: "url0"}}, nil
}

func (s *stubSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubSender struct {
	mu    sync.Mutex
	names []string
	fail  bool
}

func (s *stubSender) Send(_ context.Context, _ link.FileKind, name string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("device unreachable")
	}
	s.names = append(s.names, name)
	return nil
}

func (s *stubSender) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *stubSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

type companionRig struct {
	srv          *httptest.Server
	compEnd      *link.PipeEnd
	peer         *linkRecorder
	source       *stubSource
	sender       *stubSender
	settingsPath string
}

func newCompanionRig(t *testing.T, settings config.Settings, tweak func(*CompanionDeps)) *companionRig {
	t.Helper()
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	devLoop, compLoop := link.NewLoop(16), link.NewLoop(16)
	go devLoop.Run(ctx)
	go compLoop.Run(ctx)
	devEnd, compEnd := link.Pipe(devLoop, compLoop)

	rig := &companionRig{
		compEnd:      compEnd,
		peer:         &linkRecorder{},
		source:       &stubSource{},
		sender:       &stubSender{},
		settingsPath: filepath.Join(dir, "settings.yaml"),
	}
	spool := link.NewSpool(filepath.Join(dir, "spool"), rig.sender)
	comp := link.NewCompanion(ctx, compEnd, settings, rig.source, spool, link.CompanionOptions{
		SettingsPath: rig.settingsPath,
		MaxEvents:    50,
		Clock:        func() time.Time { return webNow },
	})
	compEnd.Bind(comp)
	devEnd.Bind(rig.peer)

	deps := CompanionDeps{Loop: compLoop, Companion: comp, Conn: compEnd, Spool: spool}
	if tweak != nil {
		tweak(&deps)
	}
	rig.srv = httptest.NewServer(NewCompanionServer(deps).Handler())
	t.Cleanup(rig.srv.Close)
	return rig
}

func (r *companionRig) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, r.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCompanionSettingsStoredAndRedacted(t *testing.T) {
	rig := newCompanionRig(t, config.NewSettings(nil), nil)

	resp := rig.do(t, http.MethodPut, "/api/settings/"+config.KeyHideCountdown, "true")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = rig.do(t, http.MethodPut, "/api/settings/"+config.KeyPass, `{"name":"hunter2"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	got := decode[settingsResponse](t, rig.do(t, http.MethodGet, "/api/settings", ""))
	assert.Equal(t, "true", got.Values[config.KeyHideCountdown])
	assert.Equal(t, redacted, got.Values[config.KeyPass])
	assert.Zero(t, got.Sources)

	stored, err := config.LoadSettings(rig.settingsPath)
	require.NoError(t, err)
	_, pass := stored.Credentials()
	assert.Equal(t, "hunter2", pass)

	// Link closed and no source changed: nothing fetched.
	assert.Zero(t, rig.source.count())
}

func TestCompanionSettingForwardedOverOpenLink(t *testing.T) {
	rig := newCompanionRig(t, config.NewSettings(map[string]string{config.KeyHideCountdown: "false"}), nil)
	rig.compEnd.Connect()
	require.Eventually(t, func() bool { return len(rig.peer.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := rig.do(t, http.MethodPut, "/api/settings/"+config.KeyHideCountdown, "true")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool { return len(rig.peer.messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := rig.peer.messages()
	assert.Equal(t, link.RestoreDelta(config.KeyHideCountdown, "false"), msgs[0])
	old := "false"
	assert.Equal(t, link.SettingDelta(config.KeyHideCountdown, "true", &old), msgs[1])
}

func TestCompanionSourceChangeWhileClosedRefreshes(t *testing.T) {
	rig := newCompanionRig(t, config.NewSettings(nil), nil)

	resp := rig.do(t, http.MethodPut, "/api/settings/"+config.URLKey(0), feedURL)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, 1, rig.source.count())
	sent := rig.sender.sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "-batch-")
}

func TestCompanionManualRefreshKeepsUndelivered(t *testing.T) {
	rig := newCompanionRig(t, config.NewSettings(map[string]string{config.URLKey(0): feedURL}), nil)
	rig.sender.setFail(true)

	resp := rig.do(t, http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[companionStatus](t, resp)
	assert.Equal(t, "closed", st.Link)
	require.Len(t, st.Pending, 1)
	assert.Contains(t, st.Pending[0], "-batch-")
	assert.Equal(t, 1, rig.source.count())
}

func TestCompanionStatusEmptySpool(t *testing.T) {
	rig := newCompanionRig(t, config.NewSettings(nil), nil)

	st := decode[companionStatus](t, rig.do(t, http.MethodGet, "/api/status", ""))
	assert.Equal(t, "closed", st.Link)
	assert.Zero(t, st.LastToken)
	assert.Empty(t, st.Pending)
	assert.NotNil(t, st.Pending)
}

func TestCompanionRejectsOversizedSetting(t *testing.T) {
	rig := newCompanionRig(t, config.NewSettings(nil), nil)

	resp := rig.do(t, http.MethodPut, "/api/settings/"+config.URLKey(0), strings.Repeat("x", maxSettingValue+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Zero(t, rig.source.count())
}

func TestCompanionMountsLinkBehindAuth(t *testing.T) {
	var hits atomic.Int32
	linkHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTeapot)
	})
	auth := &config.BasicAuthConfig{Username: "phone", Password: "pw"}
	rig := newCompanionRig(t, config.NewSettings(nil), func(d *CompanionDeps) {
		d.Link = linkHandler
		d.BasicAuth = auth
	})

	assert.Equal(t, http.StatusUnauthorized, rig.do(t, http.MethodGet, "/link", "").StatusCode)
	assert.Zero(t, hits.Load())

	req, err := http.NewRequest(http.MethodGet, rig.srv.URL+"/link", nil)
	require.NoError(t, err)
	req.SetBasicAuth("phone", "pw")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}
