package link

import (
	"sync"

	appLog "wristcal/internal/log"
)

// State is the control link state. Half-open states are not modeled.
type State int32

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// Conn is the sending half of a control link.
type Conn interface {
	State() State
	// Send delivers m only while the link is open. It never queues or
	// retries; false means the message was not sent.
	Send(m Message) bool
}

// Handler receives control-link events. Implementations are invoked on the
// owning process's Loop.
type Handler interface {
	OnOpen()
	OnClose()
	OnMessage(m Message)
}

// PipeEnd is one side of an in-process control link. Deliveries are posted
// to the receiving side's Loop.
type PipeEnd struct {
	mu      sync.Mutex
	loop    *Loop
	handler Handler
	peer    *PipeEnd
	state   State
	logger  appLog.Logger
}

var _ Conn = (*PipeEnd)(nil)

// Pipe returns two connected ends, initially closed. Events for a are run on
// aLoop and events for b on bLoop.
func Pipe(aLoop, bLoop *Loop) (a, b *PipeEnd) {
	a = &PipeEnd{loop: aLoop, logger: appLog.Named("pipe")}
	b = &PipeEnd{loop: bLoop, logger: appLog.Named("pipe")}
	a.peer, b.peer = b, a
	return a, b
}

// Bind sets the handler that receives this end's events.
func (p *PipeEnd) Bind(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *PipeEnd) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PipeEnd) Send(m Message) bool {
	if p.State() != Open {
		return false
	}
	data, err := m.Encode()
	if err != nil {
		p.logger.Warn("message not sent", "err", err, "key", m.Key)
		return false
	}
	decoded, err := DecodeMessage(data)
	if err != nil {
		return false
	}
	peer := p.peer
	return peer.post(func(h Handler) { h.OnMessage(decoded) })
}

// Connect opens both ends and posts OnOpen to each.
func (p *PipeEnd) Connect() {
	p.setState(Open)
	p.peer.setState(Open)
	p.post(func(h Handler) { h.OnOpen() })
	p.peer.post(func(h Handler) { h.OnOpen() })
}

// Disconnect closes both ends and posts OnClose to each.
func (p *PipeEnd) Disconnect() {
	p.setState(Closed)
	p.peer.setState(Closed)
	p.post(func(h Handler) { h.OnClose() })
	p.peer.post(func(h Handler) { h.OnClose() })
}

func (p *PipeEnd) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *PipeEnd) post(fn func(Handler)) bool {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return false
	}
	return p.loop.Post(func() { fn(h) })
}
