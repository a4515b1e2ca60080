package link

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appLog "wristcal/internal/log"
)

const socketWriteTimeout = 5 * time.Second

// Socket is a control link carried over a WebSocket. It survives reconnects:
// the underlying connection is swapped while Device/Companion keep using the
// same Socket as their Conn. At most one peer is attached at a time.
type Socket struct {
	loop   *Loop
	logger appLog.Logger

	mu      sync.Mutex
	handler Handler
	ws      *websocket.Conn

	writeMu  sync.Mutex
	upgrader websocket.Upgrader
}

var (
	_ Conn         = (*Socket)(nil)
	_ http.Handler = (*Socket)(nil)
)

// NewSocket creates a closed socket whose events are posted to loop.
func NewSocket(loop *Loop, name string) *Socket {
	return &Socket{
		loop:   loop,
		logger: appLog.Named(name),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  MaxMessageSize,
			WriteBufferSize: MaxMessageSize,
		},
	}
}

// Bind sets the handler receiving link events.
func (s *Socket) Bind(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return Closed
	}
	return Open
}

func (s *Socket) Send(m Message) bool {
	data, err := m.Encode()
	if err != nil {
		s.logger.Warn("message not sent", "err", err, "key", m.Key)
		return false
	}

	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read side notices the broken connection and reports OnClose.
		s.logger.Error("socket write failed", err)
		return false
	}
	return true
}

// Close drops the current connection, if any.
func (s *Socket) Close() {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

// ServeHTTP accepts the peer's WebSocket and serves it until it drops. A new
// peer replaces the previous one.
func (s *Socket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.logger.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	s.logger.Info("peer connected", "remote", r.RemoteAddr)
	s.serve(r.Context(), ws)
}

// Dial connects to url and keeps reconnecting with the given delay until ctx
// is canceled.
func (s *Socket) Dial(ctx context.Context, url string, header http.Header, retry time.Duration) error {
	if retry <= 0 {
		retry = 5 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   MaxMessageSize,
		WriteBufferSize:  MaxMessageSize,
	}
	for {
		ws, _, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			s.logger.Debug("dial failed", "url", url, "err", err)
		} else {
			s.logger.Info("connected", "url", url)
			s.serve(ctx, ws)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (s *Socket) serve(ctx context.Context, ws *websocket.Conn) {
	ws.SetReadLimit(MaxMessageSize)

	s.mu.Lock()
	prev := s.ws
	s.ws = ws
	s.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	s.post(func(h Handler) { h.OnOpen() })

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.logger.Debug("socket read ended", "err", err)
			break
		}
		m, err := DecodeMessage(data)
		if err != nil {
			s.logger.Warn("dropping undecodable message", "err", err)
			continue
		}
		s.post(func(h Handler) { h.OnMessage(m) })
	}

	s.mu.Lock()
	current := s.ws == ws
	if current {
		s.ws = nil
	}
	s.mu.Unlock()
	_ = ws.Close()

	// A replaced connection hands over without a close event.
	if current {
		s.post(func(h Handler) { h.OnClose() })
	}
}

func (s *Socket) post(fn func(Handler)) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return
	}
	s.loop.Post(func() { fn(h) })
}
