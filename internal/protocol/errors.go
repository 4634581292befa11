package protocol

import (
	"errors"

	"github.com/brandon-relentnet/scrollr-sub001/internal/state"
)

var (
	// ErrNotReady is returned when the central store has not finished Init,
	// or by a proxy read before its first snapshot arrived.
	ErrNotReady = errors.New("store not ready")
	// ErrNoReceiver is returned by transports when the destination context
	// does not exist or has been torn down.
	ErrNoReceiver = errors.New("no receiving context")
	// ErrUnsupported is returned for a message type the receiver does not
	// handle.
	ErrUnsupported = errors.New("unsupported message")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)

// Code is the wire form of an error.
type Code string

const (
	CodeNotReady        Code = "not_ready"
	CodeUnknownIntent   Code = "unknown_intent"
	CodeMalformedIntent Code = "malformed_intent"
	CodeUnsupported     Code = "unsupported_message"
	CodeNoReceiver      Code = "no_receiver"
	CodeInternal        Code = "internal"
)

// CodeOf classifies err.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotReady):
		return CodeNotReady
	case errors.Is(err, state.ErrUnknownIntent):
		return CodeUnknownIntent
	case errors.Is(err, state.ErrMalformedIntent):
		return CodeMalformedIntent
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, ErrNoReceiver):
		return CodeNoReceiver
	default:
		return CodeInternal
	}
}

var errInternal = errors.New("internal error")

// Sentinel maps c back to the error CodeOf derived it from.
func (c Code) Sentinel() error {
	switch c {
	case CodeNotReady:
		return ErrNotReady
	case CodeUnknownIntent:
		return state.ErrUnknownIntent
	case CodeMalformedIntent:
		return state.ErrMalformedIntent
	case CodeUnsupported:
		return ErrUnsupported
	case CodeNoReceiver:
		return ErrNoReceiver
	default:
		return errInternal
	}
}

// RemoteError is a failure reported by another context. It unwraps to the
// sentinel for its code so errors.Is works across the wire.
type RemoteError struct {
	Code    Code
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code.Sentinel().Error()
	}
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Code.Sentinel()
}
