package link

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanHandler struct {
	opened   chan struct{}
	closed   chan struct{}
	messages chan Message
}

func newChanHandler() *chanHandler {
	return &chanHandler{
		opened:   make(chan struct{}, 4),
		closed:   make(chan struct{}, 4),
		messages: make(chan Message, 4),
	}
}

func (h *chanHandler) OnOpen()             { h.opened <- struct{}{} }
func (h *chanHandler) OnClose()            { h.closed <- struct{}{} }
func (h *chanHandler) OnMessage(m Message) { h.messages <- m }

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestSocketRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	compLoop, devLoop := NewLoop(16), NewLoop(16)
	go compLoop.Run(ctx)
	go devLoop.Run(ctx)

	compSock := NewSocket(compLoop, "test-companion")
	compH := newChanHandler()
	compSock.Bind(compH)
	srv := httptest.NewServer(compSock)
	defer srv.Close()

	devSock := NewSocket(devLoop, "test-device")
	devH := newChanHandler()
	devSock.Bind(devH)

	assert.Equal(t, Closed, devSock.State())
	assert.False(t, devSock.Send(RefreshRequest(1)))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	go func() { _ = devSock.Dial(ctx, url, nil, 50*time.Millisecond) }()

	waitFor(t, devH.opened)
	waitFor(t, compH.opened)
	assert.Equal(t, Open, devSock.State())

	require.True(t, devSock.Send(RefreshRequest(3)))
	got := waitFor(t, compH.messages)
	assert.True(t, got.RefreshRequested)
	assert.Equal(t, uint64(3), got.Token)

	require.True(t, compSock.Send(RestoreDelta("url0", "x")))
	back := waitFor(t, devH.messages)
	assert.Equal(t, RestoreDelta("url0", "x"), back)

	assert.False(t, devSock.Send(SettingDelta("url0", strings.Repeat("x", MaxMessageSize), nil)))

	// Dropping the server side closes the device end; the dialer reconnects.
	compSock.Close()
	waitFor(t, devH.closed)
	waitFor(t, devH.opened)
}
