package qtest

import (
	"context"
	"sync"

	"github.com/qemu-mgmt/aqmp/aqmperr"
	"github.com/qemu-mgmt/aqmp/protocol"
)

// IRQHandler receives IRQ notifications in wire order, on the engine's
// dispatcher goroutine. Handlers run sequentially.
type IRQHandler func(Message)

type pendingSlot struct {
	replyCh chan pendingReply
}

type pendingReply struct {
	msg Message
	err error
}

// Protocol implements protocol.Backend[Message]. qtest has no handshake, so
// EstablishSession is a no-op beyond starting the IRQ dispatcher.
type Protocol struct {
	logger protocol.Logger

	mu      sync.Mutex
	pending []*pendingSlot

	irqMu     sync.Mutex
	irqCond   *sync.Cond
	irqQueue  []Message
	handler   IRQHandler

	dispatchOnce sync.Once
}

// New constructs a qtest Protocol backend.
func New(logger protocol.Logger) *Protocol {
	if logger == nil {
		logger = noopLogger{}
	}
	p := &Protocol{logger: logger}
	p.irqCond = sync.NewCond(&p.irqMu)
	return p
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// OnIRQ registers handler as the single active IRQ callback, replacing any
// previously registered handler.
func (p *Protocol) OnIRQ(handler IRQHandler) {
	p.irqMu.Lock()
	p.handler = handler
	p.irqMu.Unlock()
}

// EstablishSession implements protocol.Backend: qtest has no handshake.
func (p *Protocol) EstablishSession(context.Context, *protocol.SessionIO[Message]) error {
	p.dispatchOnce.Do(func() { go p.dispatchLoop() })
	return nil
}

// DecodeMessage implements protocol.Backend.
func (p *Protocol) DecodeMessage(line []byte) (Message, error) { return decodeMessage(line) }

// EncodeMessage implements protocol.Backend.
func (p *Protocol) EncodeMessage(m Message) ([]byte, error) { return encodeMessage(m) }

// CBInbound implements protocol.Backend.
func (p *Protocol) CBInbound(m Message) Message { return m }

// CBOutbound implements protocol.Backend.
func (p *Protocol) CBOutbound(m Message) Message { return m }

// OnMessage implements protocol.Backend's dispatch rule: first token "IRQ"
// goes to the async queue; otherwise the message is a response delivered to
// the head of the pending FIFO.
func (p *Protocol) OnMessage(m Message) error {
	if m.IsIRQ() {
		p.pushIRQ(m)
		return nil
	}

	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return aqmperr.NewProtocolError("response with no pending request", nil)
	}
	slot := p.pending[0]
	p.pending = p.pending[1:]
	p.mu.Unlock()

	slot.replyCh <- pendingReply{msg: m}
	return nil
}

// CancelPending implements protocol.Backend: fail every outstanding
// request, in FIFO order, with cause.
func (p *Protocol) CancelPending(cause error) {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, slot := range pending {
		slot.replyCh <- pendingReply{err: cause}
	}
}

// Reset implements protocol.Backend.
func (p *Protocol) Reset() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
}

// enqueueAndRegister calls enqueue (which places the request on the
// engine's outgoing channel) and appends a new FIFO pending slot as one
// atomic step. This is what keeps the pending FIFO's order in lockstep
// with wire order when multiple goroutines call Execute concurrently:
// without the same lock covering both the channel send and the FIFO
// append, two concurrent callers could register their slots in one order
// but have their requests reach the wire in the other. The caller must
// remove the slot (removePending) in a guaranteed-exit scope.
func (p *Protocol) enqueueAndRegister(enqueue func() error) (*pendingSlot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := enqueue(); err != nil {
		return nil, err
	}
	slot := &pendingSlot{replyCh: make(chan pendingReply, 1)}
	p.pending = append(p.pending, slot)
	return slot, nil
}

// removePending removes slot from the FIFO if it is still present (a
// response or CancelPending may already have removed it).
func (p *Protocol) removePending(slot *pendingSlot) {
	p.mu.Lock()
	for i, s := range p.pending {
		if s == slot {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

func (p *Protocol) pushIRQ(m Message) {
	p.irqMu.Lock()
	p.irqQueue = append(p.irqQueue, m)
	p.irqCond.Signal()
	p.irqMu.Unlock()
}

func (p *Protocol) dispatchLoop() {
	for {
		p.irqMu.Lock()
		for len(p.irqQueue) == 0 {
			p.irqCond.Wait()
		}
		m := p.irqQueue[0]
		p.irqQueue = p.irqQueue[1:]
		handler := p.handler
		p.irqMu.Unlock()

		if handler != nil {
			handler(m)
		}
	}
}
