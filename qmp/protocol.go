// Package qmp specializes the generic protocol engine for QEMU's JSON
// management protocol: greeting/capability negotiation, per-session
// monotonic id correlation, event dispatch, and the ExecuteError semantic
// upgrade.
//
// Grounded on govmm's qemu.QMP (qmp.go): parseVersion/processQMPEvent/
// writeNextQMPCommand/ExecuteQMPCapabilities map onto EstablishSession,
// OnMessage's event branch, EncodeMessage, and EstablishSession's
// capabilities step respectively. Generalized here to run under
// protocol.Engine[Message] instead of owning its own mainLoop/cmdCh.
package qmp

import (
	"context"
	"sync"

	"github.com/qemu-mgmt/aqmp/aqmperr"
	"github.com/qemu-mgmt/aqmp/protocol"
)

// EventHandler receives events in the order the server sent them, on the
// engine's dispatcher goroutine. Handlers run sequentially; a slow handler
// delays all events behind it, so a handler must not block indefinitely.
type EventHandler func(Event)

// Protocol implements protocol.Backend[Message]. It is not safe to share
// one Protocol across more than one Engine.
type Protocol struct {
	logger protocol.Logger

	mu       sync.Mutex
	nextID   int
	pending  map[int]chan Message
	greeting Greeting

	eventMu    sync.Mutex
	eventCond  *sync.Cond
	eventQueue []Event
	handler    EventHandler

	dispatchOnce sync.Once
}

// New constructs a QMP Protocol backend. Pass logger (or nil for a no-op
// logger) so the handshake and dispatcher can log the way the engine does.
func New(logger protocol.Logger) *Protocol {
	if logger == nil {
		logger = noopLogger{}
	}
	p := &Protocol{
		logger:  logger,
		pending: make(map[int]chan Message),
	}
	p.eventCond = sync.NewCond(&p.eventMu)
	return p
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// OnEvent registers handler as the single active event callback, replacing
// any previously registered handler. At most one handler is active at a
// time.
func (p *Protocol) OnEvent(handler EventHandler) {
	p.eventMu.Lock()
	p.handler = handler
	p.eventMu.Unlock()
}

// Greeting returns the server's capabilities as reported during the most
// recent handshake.
func (p *Protocol) Greeting() Greeting {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.greeting
}

// EstablishSession implements protocol.Backend: read the greeting, then
// negotiate capabilities.
func (p *Protocol) EstablishSession(_ context.Context, io *protocol.SessionIO[Message]) error {
	line, err := io.ReadLine()
	if err != nil {
		return aqmperr.NewConnectError("failed to read greeting", err)
	}
	msg, err := decodeMessage(line)
	if err != nil {
		return aqmperr.NewConnectError("failed to parse greeting", err)
	}
	if !msg.IsGreeting() {
		return aqmperr.NewConnectError("expected greeting", nil)
	}
	p.mu.Lock()
	p.greeting = msg.AsGreeting()
	p.mu.Unlock()
	p.logger.Debugf("received QMP greeting: qemu %d.%d.%d", p.greeting.Major, p.greeting.Minor, p.greeting.Micro)

	capsCmd, err := encodeMessage(newCommand("qmp_capabilities", nil, p.allocID()))
	if err != nil {
		return aqmperr.NewConnectError("failed to encode qmp_capabilities", err)
	}
	if err := io.WriteLine(capsCmd); err != nil {
		return aqmperr.NewConnectError("failed to send qmp_capabilities", err)
	}

	line, err = io.ReadLine()
	if err != nil {
		return aqmperr.NewConnectError("failed to read qmp_capabilities response", err)
	}
	resp, err := decodeMessage(line)
	if err != nil {
		return aqmperr.NewConnectError("failed to parse qmp_capabilities response", err)
	}
	if _, ok := resp.Return(); !ok {
		info, _ := resp.ErrorInfo()
		return aqmperr.NewConnectError("qmp_capabilities failed: "+info.Desc, nil)
	}
	p.logger.Infof("QMP capabilities negotiated")

	// Start the dispatcher the first (and only) time this backend runs a
	// session; OnEvent may be called before or after Connect/Accept.
	p.dispatchOnce.Do(func() { go p.dispatchLoop() })

	return nil
}

// DecodeMessage implements protocol.Backend.
func (p *Protocol) DecodeMessage(line []byte) (Message, error) {
	return decodeMessage(line)
}

// EncodeMessage implements protocol.Backend.
func (p *Protocol) EncodeMessage(m Message) ([]byte, error) {
	return encodeMessage(m)
}

// CBInbound implements protocol.Backend; QMP does no per-message rewriting
// and returns m unchanged.
func (p *Protocol) CBInbound(m Message) Message { return m }

// CBOutbound implements protocol.Backend.
func (p *Protocol) CBOutbound(m Message) Message { return m }

// OnMessage implements protocol.Backend: route a Response to its pending
// slot by id, or an Event onto the async dispatch queue. Any other shape
// (including a Response with no matching pending id) is a protocol
// violation and is fatal to the session (the caller, protocol.Engine,
// treats a non-nil return as fatal).
func (p *Protocol) OnMessage(m Message) error {
	if m.IsEvent() {
		p.pushEvent(m.AsEvent())
		return nil
	}
	if m.IsResponse() {
		id, ok := m.ID()
		if !ok {
			return aqmperr.NewProtocolError("response has no id", nil)
		}
		p.mu.Lock()
		ch, ok := p.pending[id]
		if ok {
			delete(p.pending, id)
		}
		p.mu.Unlock()
		if !ok {
			return aqmperr.NewProtocolError("response with no matching pending request", nil)
		}
		ch <- m
		return nil
	}
	return aqmperr.NewProtocolError("unrecognized message shape", nil)
}

// CancelPending implements protocol.Backend: fail every outstanding
// request with cause.
func (p *Protocol) CancelPending(cause error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[int]chan Message)
	p.mu.Unlock()

	for _, ch := range pending {
		ch <- Message{raw: map[string]interface{}{"__cancelled__": cause}}
	}
}

// Reset implements protocol.Backend: clear per-session state before a new
// handshake begins.
func (p *Protocol) Reset() {
	p.mu.Lock()
	p.nextID = 0
	p.pending = make(map[int]chan Message)
	p.greeting = Greeting{}
	p.mu.Unlock()
}

func (p *Protocol) allocID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	return id
}

// registerPending allocates an id and a reply slot for it, returning both.
// The slot must eventually be reclaimed with unregisterPending, whether or
// not a reply ever arrives.
func (p *Protocol) registerPending() (int, chan Message) {
	id := p.allocID()
	ch := make(chan Message, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	return id, ch
}

// unregisterPending removes id's slot if it is still present (a response or
// CancelPending may already have removed it).
func (p *Protocol) unregisterPending(id int) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Protocol) pushEvent(e Event) {
	p.eventMu.Lock()
	p.eventQueue = append(p.eventQueue, e)
	p.eventCond.Signal()
	p.eventMu.Unlock()
}

// dispatchLoop drains the event queue into the registered handler,
// sequentially, for the lifetime of the Protocol. It never exits: a
// Protocol is reused across reconnects, and OnEvent may be (re)registered
// between sessions.
func (p *Protocol) dispatchLoop() {
	for {
		p.eventMu.Lock()
		for len(p.eventQueue) == 0 {
			p.eventCond.Wait()
		}
		e := p.eventQueue[0]
		p.eventQueue = p.eventQueue[1:]
		handler := p.handler
		p.eventMu.Unlock()

		if handler != nil {
			handler(e)
		}
	}
}
