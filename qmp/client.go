package qmp

import (
	"context"

	"github.com/qemu-mgmt/aqmp/protocol"
	"github.com/qemu-mgmt/aqmp/transport"
)

// Engine is a QMP client: the generic protocol engine bound to a QMP
// Protocol backend. It is the package's sole entry point: a caller
// constructs an Address, calls Connect, registers an event handler, calls
// Execute, and on shutdown calls Disconnect.
type Engine struct {
	core    *protocol.Engine[Message]
	backend *Protocol
}

// NewEngine constructs a QMP Engine. The Logger in opts (if any) is shared
// between the generic engine and the QMP handshake logging.
func NewEngine(opts ...protocol.Option) *Engine {
	resolved := protocol.ResolveOptions(opts)
	backend := New(resolved.Logger)
	return &Engine{
		core:    protocol.New[Message](backend, opts...),
		backend: backend,
	}
}

// Connect dials addr and runs the QMP handshake (greeting + capabilities).
func (e *Engine) Connect(ctx context.Context, addr transport.Address) error {
	return e.core.Connect(ctx, addr)
}

// Accept binds addr, accepts one connection, and runs the QMP handshake.
func (e *Engine) Accept(ctx context.Context, addr transport.Address) error {
	return e.core.Accept(ctx, addr)
}

// Disconnect tears down the current session, per protocol.Engine.Disconnect.
func (e *Engine) Disconnect(ctx context.Context) error {
	return e.core.Disconnect(ctx)
}

// Running reports whether a session is established and not yet
// disconnecting.
func (e *Engine) Running() bool { return e.core.Running() }

// Greeting returns the server's capabilities from the most recent
// handshake.
func (e *Engine) Greeting() Greeting { return e.backend.Greeting() }

// OnEvent registers handler as the engine's single active event callback.
func (e *Engine) OnEvent(handler EventHandler) { e.backend.OnEvent(handler) }

// Execute sends cmd with the given arguments and awaits its matching reply.
func (e *Engine) Execute(ctx context.Context, cmd string, arguments map[string]interface{}) (interface{}, error) {
	id, replyCh := e.backend.registerPending()
	msg := newCommand(cmd, arguments, id)

	if err := e.core.Enqueue(ctx, msg); err != nil {
		e.backend.unregisterPending(id)
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if cause, ok := reply.raw["__cancelled__"].(error); ok {
			return nil, cause
		}
		if v, ok := reply.Return(); ok {
			return v, nil
		}
		info, _ := reply.ErrorInfo()
		return nil, upgradeExecuteError(newExecuteError(msg, reply, info))
	case <-ctx.Done():
		e.backend.unregisterPending(id)
		return nil, ctx.Err()
	}
}
