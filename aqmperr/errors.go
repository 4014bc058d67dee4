// Package aqmperr defines the closed error taxonomy shared by the transport,
// the generic protocol engine, and both protocol specializations.
//
// Every error here that carries a cause exposes it through Unwrap, so that
// errors.Is/As see through the wrapper to whatever local failure triggered
// it. None of them has a Cause method, so pkg/errors.Cause (and the Cause
// re-export below) stops at them.
package aqmperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConnectError reports that a session could not be established: the
// transport could not reach/resolve the peer, the local socket could not be
// created, or the specialization's handshake failed.
type ConnectError struct {
	msg   string
	cause error
}

// NewConnectError builds a ConnectError, optionally wrapping a cause.
func NewConnectError(msg string, cause error) *ConnectError {
	return &ConnectError{msg: msg, cause: cause}
}

func (e *ConnectError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("connect failed: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("connect failed: %s", e.msg)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *ConnectError) Unwrap() error { return e.cause }

// DisconnectedError reports that the session ended while a request was
// pending, or that a request was attempted after the session had already
// ended.
type DisconnectedError struct {
	cause error
}

// NewDisconnectedError builds a DisconnectedError, chained from whatever
// triggered the disconnect (may be nil for a caller-initiated disconnect).
func NewDisconnectedError(cause error) *DisconnectedError {
	return &DisconnectedError{cause: cause}
}

func (e *DisconnectedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("disconnected: %v", e.cause)
	}
	return "disconnected"
}

func (e *DisconnectedError) Unwrap() error { return e.cause }

// StateError reports that a caller invoked an operation in a state that
// does not permit it (e.g. Execute on an Idle or Disconnecting session).
type StateError struct {
	msg string
}

// NewStateError builds a StateError.
func NewStateError(msg string) *StateError {
	return &StateError{msg: msg}
}

func (e *StateError) Error() string { return fmt.Sprintf("state error: %s", e.msg) }

// ProtocolError reports that the peer sent a malformed or unexpected
// message: a framing failure, a response with an unknown id, or an
// unrecognized first token. Always fatal to the session.
type ProtocolError struct {
	msg   string
	cause error
}

// NewProtocolError builds a ProtocolError, optionally wrapping a cause.
func NewProtocolError(msg string, cause error) *ProtocolError {
	return &ProtocolError{msg: msg, cause: cause}
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("protocol error: %s", e.msg)
}

func (e *ProtocolError) Unwrap() error { return e.cause }

// Wrap is a thin re-export of pkg/errors.Wrap, so a package can add context
// to an error without importing pkg/errors directly.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Cause is a thin re-export of pkg/errors.Cause.
func Cause(err error) error {
	return errors.Cause(err)
}
