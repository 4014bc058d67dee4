// Package protocol implements the generic asynchronous protocol engine
// shared by the QMP and qtest specializations: connection state machine,
// reader/writer tasks, bounded outgoing queue, and idempotent bottom-half
// disconnect.
//
// Grounded on govmm's qemu.QMP (qmp.go): cmdCh/mainLoop/readLoop/
// disconnectedCh are exactly this engine's outgoing-queue, reader-task, and
// bottom-half-disconnect concepts, generalized over the message type with
// Go generics (govmm hard-codes map[string]interface{}; here that becomes
// the type parameter M) and given to the specialization as an injected
// Backend[M] rather than the monitor-specific hooks var.go scattered through
// mainLoop.
package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/qemu-mgmt/aqmp/aqmperr"
	"github.com/qemu-mgmt/aqmp/transport"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRunning
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// SessionIO gives a Backend direct access to the framed stream during
// EstablishSession, before the reader/writer tasks take it over.
type SessionIO[M any] struct {
	reader *transport.LineReader
	writer writerFlusher
}

type writerFlusher interface {
	Write(p []byte) (int, error)
	WriteByte(c byte) error
	Flush() error
}

// ReadLine reads one framed line directly, bypassing the (not yet started)
// reader task. Used only during the handshake.
func (s *SessionIO[M]) ReadLine() ([]byte, error) {
	return s.reader.ReadLine()
}

// WriteLine writes one framed line directly, bypassing the (not yet
// started) writer task, flushing immediately. Used only during the
// handshake.
func (s *SessionIO[M]) WriteLine(b []byte) error {
	if _, err := s.writer.Write(b); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	return s.writer.Flush()
}

// Backend is implemented by each protocol specialization (QMP, qtest). The
// engine owns the actual line I/O; a backend only (de)serializes a single
// line (DecodeMessage/EncodeMessage), transforms it on the way in or out
// (CBInbound/CBOutbound), dispatches it (OnMessage), and negotiates whatever
// handshake the protocol requires (EstablishSession).
type Backend[M any] interface {
	// EstablishSession performs the specialization's handshake (QMP:
	// greeting + capabilities negotiation; qtest: none) before the engine
	// transitions to Running and starts its reader/writer tasks.
	EstablishSession(ctx context.Context, io *SessionIO[M]) error

	// DecodeMessage parses one raw framed line into M. A parse failure is
	// fatal to the session.
	DecodeMessage(line []byte) (M, error)

	// EncodeMessage serializes msg into one raw framed line (no trailing
	// newline; the engine appends it).
	EncodeMessage(msg M) ([]byte, error)

	// CBInbound/CBOutbound observe messages as they cross the wire, for
	// logging. They return the (possibly identical) message unchanged.
	CBInbound(msg M) M
	CBOutbound(msg M) M

	// OnMessage dispatches one decoded inbound message: fulfilling a
	// pending request's slot, or enqueuing it as an asynchronous event. An
	// error here (e.g. a response with no matching pending request) is
	// fatal to the session.
	OnMessage(msg M) error

	// CancelPending fails every currently pending request with cause. Called
	// exactly once per session, during bottom-half disconnect, before the
	// pending list is assumed empty.
	CancelPending(cause error)

	// Reset clears any per-session state (pending lists, async queues) at
	// the start of a new session.
	Reset()
}

type session[M any] struct {
	io       *SessionIO[M]
	conn     io.Closer
	outgoing chan M
	stopCh   chan struct{}
	eg       *errgroup.Group

	once  sync.Once
	cause error
}

// Engine is the generic async protocol engine, parameterized over the wire
// message type M and driven by an injected Backend[M].
type Engine[M any] struct {
	backend Backend[M]
	opts    Options

	mu         sync.Mutex
	state      State
	cur        *session[M]
	lastCause  error
	sessionTag string
}

// New constructs an Engine bound to backend.
func New[M any](backend Backend[M], opts ...Option) *Engine[M] {
	return &Engine[M]{
		backend: backend,
		opts:    resolveOptions(opts),
		state:   StateIdle,
	}
}

// Running reports whether the engine is in state Running.
func (e *Engine[M]) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRunning
}

// Disconnecting reports whether the engine is in state Disconnecting.
func (e *Engine[M]) Disconnecting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateDisconnecting
}

// LastDisconnectCause returns the root cause of the most recent bottom-half
// disconnect, or nil if the last session ended cleanly (peer EOF or a
// caller-initiated Disconnect) or no session has ever run.
func (e *Engine[M]) LastDisconnectCause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCause
}

// Connect dials addr and runs the specialization's handshake, transitioning
// Idle -> Connecting -> Running. On any failure the state returns to Idle
// and the underlying stream is closed.
func (e *Engine[M]) Connect(ctx context.Context, addr transport.Address) error {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return err
	}
	return e.establish(ctx, conn)
}

// Accept binds addr, accepts exactly one connection, and runs the
// specialization's handshake, symmetric to Connect.
func (e *Engine[M]) Accept(ctx context.Context, addr transport.Address) error {
	conn, err := transport.Accept(ctx, addr)
	if err != nil {
		return err
	}
	return e.establish(ctx, conn)
}

func (e *Engine[M]) establish(ctx context.Context, conn net.Conn) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		conn.Close()
		return aqmperr.NewStateError("engine is not idle")
	}
	e.state = StateConnecting
	e.sessionTag = uuid.NewString()
	e.mu.Unlock()

	sio := &SessionIO[M]{
		reader: transport.NewReader(conn, e.maxLineSize()),
		writer: transport.NewWriter(conn),
	}

	e.backend.Reset()

	if err := e.backend.EstablishSession(ctx, sio); err != nil {
		conn.Close()
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		return err
	}

	s := &session[M]{
		io:       sio,
		conn:     conn,
		outgoing: make(chan M, e.opts.QueueDepth),
		stopCh:   make(chan struct{}),
	}
	eg, _ := errgroup.WithContext(context.Background())
	s.eg = eg

	e.mu.Lock()
	e.state = StateRunning
	e.cur = s
	e.lastCause = nil
	e.mu.Unlock()

	s.eg.Go(func() error { e.readerLoop(s); return nil })
	s.eg.Go(func() error { e.writerLoop(s); return nil })

	return nil
}

func (e *Engine[M]) maxLineSize() int {
	if e.opts.MaxLineSize > 0 {
		return e.opts.MaxLineSize
	}
	return transport.DefaultMaxLineSize
}

// Enqueue places msg on the outgoing queue for the writer task to send. It
// returns a *aqmperr.StateError immediately if the engine is not Running,
// and otherwise blocks (honoring ctx) until there is room in the bounded
// queue.
func (e *Engine[M]) Enqueue(ctx context.Context, msg M) error {
	e.mu.Lock()
	s := e.cur
	running := e.state == StateRunning
	e.mu.Unlock()

	if !running || s == nil {
		return aqmperr.NewStateError("engine is not running")
	}

	select {
	case s.outgoing <- msg:
		return nil
	case <-s.stopCh:
		return aqmperr.NewDisconnectedError(s.cause)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine[M]) readerLoop(s *session[M]) {
	for {
		line, err := s.io.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.opts.Logger.Debugf("peer closed connection (session %s)", e.sessionTag)
				e.bhDisconnect(s, nil)
			} else {
				e.opts.Logger.Warnf("read failed, disconnecting: %v", err)
				e.bhDisconnect(s, err)
			}
			return
		}

		msg, err := e.backend.DecodeMessage(line)
		if err != nil {
			e.opts.Logger.Errorf("malformed message %q: %v", line, err)
			e.bhDisconnect(s, aqmperr.NewProtocolError("malformed message", err))
			return
		}
		msg = e.backend.CBInbound(msg)

		if err := e.backend.OnMessage(msg); err != nil {
			e.opts.Logger.Errorf("dispatch failed: %v", err)
			e.bhDisconnect(s, err)
			return
		}
	}
}

func (e *Engine[M]) writerLoop(s *session[M]) {
	for {
		select {
		case msg, ok := <-s.outgoing:
			if !ok {
				return
			}
			msg = e.backend.CBOutbound(msg)
			line, err := e.backend.EncodeMessage(msg)
			if err != nil {
				e.opts.Logger.Errorf("failed to encode outgoing message: %v", err)
				e.bhDisconnect(s, aqmperr.NewProtocolError("failed to encode outgoing message", err))
				return
			}
			if err := s.io.WriteLine(line); err != nil {
				e.opts.Logger.Warnf("write failed, disconnecting: %v", err)
				e.bhDisconnect(s, err)
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

// bhDisconnect is the bottom-half disconnect: it cancels sibling tasks,
// cancels all pending-request slots via the backend, and flips the state
// back to Idle. Safe to call concurrently from any task or from Disconnect;
// the sync.Once ensures exactly one caller performs the transition while
// every other caller blocks until it completes, which is what gives
// Disconnect its "idempotent, and a concurrent call simply awaits
// completion" behavior.
func (e *Engine[M]) bhDisconnect(s *session[M], cause error) {
	s.once.Do(func() {
		s.cause = cause
		e.opts.Logger.Debugf("bottom-half disconnect (session %s): %v", e.sessionTag, cause)

		e.mu.Lock()
		if e.cur == s {
			e.state = StateDisconnecting
		}
		e.mu.Unlock()

		close(s.stopCh)
		e.backend.CancelPending(aqmperr.NewDisconnectedError(cause))
		_ = s.conn.Close()

		e.mu.Lock()
		if e.cur == s {
			e.state = StateIdle
			e.lastCause = cause
			e.cur = nil
		}
		e.mu.Unlock()

		e.opts.Logger.Infof("session %s disconnected", e.sessionTag)
	})
}

// Disconnect transitions to Disconnecting, stops the reader/writer tasks,
// cancels all pending requests, closes the stream, and returns to Idle.
// Idempotent: a call on Idle is a no-op, and a call while already
// Disconnecting simply awaits the in-flight disconnect.
func (e *Engine[M]) Disconnect(_ context.Context) error {
	e.mu.Lock()
	s := e.cur
	e.mu.Unlock()

	if s == nil {
		return nil
	}

	e.bhDisconnect(s, nil)
	_ = s.eg.Wait()
	return nil
}
