package qtest

import (
	"context"
	"strings"

	"github.com/qemu-mgmt/aqmp/aqmperr"
	"github.com/qemu-mgmt/aqmp/protocol"
	"github.com/qemu-mgmt/aqmp/transport"
)

// Engine is a qtest client: the generic protocol engine bound to a qtest
// Protocol backend.
type Engine struct {
	core    *protocol.Engine[Message]
	backend *Protocol
}

// NewEngine constructs a qtest Engine.
func NewEngine(opts ...protocol.Option) *Engine {
	resolved := protocol.ResolveOptions(opts)
	backend := New(resolved.Logger)
	return &Engine{
		core:    protocol.New[Message](backend, opts...),
		backend: backend,
	}
}

// Connect dials addr. qtest has no handshake, so the session is Running as
// soon as the stream is open.
func (e *Engine) Connect(ctx context.Context, addr transport.Address) error {
	return e.core.Connect(ctx, addr)
}

// Accept binds addr and accepts one connection.
func (e *Engine) Accept(ctx context.Context, addr transport.Address) error {
	return e.core.Accept(ctx, addr)
}

// Disconnect tears down the current session.
func (e *Engine) Disconnect(ctx context.Context) error {
	return e.core.Disconnect(ctx)
}

// Running reports whether a session is established and not yet
// disconnecting.
func (e *Engine) Running() bool { return e.core.Running() }

// Disconnecting reports whether the engine is tearing a session down.
func (e *Engine) Disconnecting() bool { return e.core.Disconnecting() }

// OnIRQ registers handler as the engine's single active IRQ callback.
func (e *Engine) OnIRQ(handler IRQHandler) { e.backend.OnIRQ(handler) }

// Execute sends cmd with the given arguments, awaits the reply at the head
// of the FIFO, and classifies its status token.
func (e *Engine) Execute(ctx context.Context, cmd string, args ...string) ([]string, error) {
	if e.core.Disconnecting() {
		return nil, aqmperr.NewStateError("qtest is disconnecting; call Disconnect to fully disconnect")
	}

	msg := make(Message, 0, len(args)+1)
	msg = append(msg, cmd)
	msg = append(msg, args...)

	slot, err := e.backend.enqueueAndRegister(func() error {
		return e.core.Enqueue(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	defer e.backend.removePending(slot)

	select {
	case reply := <-slot.replyCh:
		if reply.err != nil {
			return nil, reply.err
		}
		return classifyResponse(reply.msg)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classifyResponse pops the status token: OK returns the rest, FAIL/ERR
// raises QtestError, and any other first token is a protocol violation.
func classifyResponse(tokens Message) ([]string, error) {
	if len(tokens) == 0 {
		return nil, aqmperr.NewProtocolError("empty qtest response", nil)
	}
	status, rest := tokens[0], []string(tokens[1:])
	switch status {
	case "OK":
		return rest, nil
	case "FAIL", "ERR":
		return nil, &QtestError{Status: status, Reason: strings.Join(rest, " ")}
	default:
		return nil, aqmperr.NewProtocolError("unrecognized qtest status token "+status, nil)
	}
}
