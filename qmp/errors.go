package qmp

// ErrorClass is the QMP error classification carried in an error response's
// "class" field. Based on qapi/error.json's QapiErrorClass.
type ErrorClass string

const (
	ErrorClassGeneric         ErrorClass = "GenericError"
	ErrorClassCommandNotFound ErrorClass = "CommandNotFound"
	ErrorClassDeviceNotActive ErrorClass = "DeviceNotActive"
	ErrorClassDeviceNotFound  ErrorClass = "DeviceNotFound"
	ErrorClassKVMMissingCap   ErrorClass = "KVMMissingCap"
)

// ErrorInfo is a QMP error response's payload: {"class": ..., "desc": ...}.
type ErrorInfo struct {
	Class ErrorClass `json:"class"`
	Desc  string     `json:"desc"`
}

// ExecuteError reports that a command's response carried an "error" member
// rather than "return". It retains both the request and the response that
// produced it, for callers who want to inspect the exchange that failed.
//
// Five semantic subclasses exist below, one per recognized ErrorClass; an
// unrecognized class value leaves the error as the base ExecuteError. All
// share this same shape and field set, upgraded from the base class once
// the class value is known.
type ExecuteError struct {
	Sent     Message
	Received Message
	Info     ErrorInfo
}

func (e *ExecuteError) Error() string { return e.Info.Desc }

// GenericError is the default ExecuteError subtype for command failures that
// don't map to a more specific class.
type GenericError struct{ ExecuteError }

// CommandNotFound means the requested command has not been found.
type CommandNotFound struct{ ExecuteError }

// DeviceNotActive means a device has failed to become active.
type DeviceNotActive struct{ ExecuteError }

// DeviceNotFound means the requested device has not been found.
type DeviceNotFound struct{ ExecuteError }

// KVMMissingCap means the requested operation can't be fulfilled because a
// required KVM capability is missing.
type KVMMissingCap struct{ ExecuteError }

// upgradeExecuteError promotes an *ExecuteError to its class-specific
// subtype: the sent/received messages carry forward unchanged into the
// subtype, and an unrecognized class is returned unmodified.
func upgradeExecuteError(err *ExecuteError) error {
	switch err.Info.Class {
	case ErrorClassGeneric:
		return &GenericError{*err}
	case ErrorClassCommandNotFound:
		return &CommandNotFound{*err}
	case ErrorClassDeviceNotActive:
		return &DeviceNotActive{*err}
	case ErrorClassDeviceNotFound:
		return &DeviceNotFound{*err}
	case ErrorClassKVMMissingCap:
		return &KVMMissingCap{*err}
	default:
		return err
	}
}

// newExecuteError builds the base ExecuteError for a failed exchange.
func newExecuteError(sent, received Message, info ErrorInfo) *ExecuteError {
	return &ExecuteError{Sent: sent, Received: received, Info: info}
}
