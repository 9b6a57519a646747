package rcon

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by the codec and the session engine.
// Use errors.Is to match them; most are returned wrapped with context.
var (
	// ErrInvalidArgument is returned when an id, packet type or body fails local validation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrMalformedPacket is returned when a received frame is inconsistent with its size field.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrPacketTooLarge is returned when a frame declares a size above the configured limit.
	// It also matches ErrMalformedPacket.
	ErrPacketTooLarge = errors.Wrap(ErrMalformedPacket, "packet too large")
	// ErrAuthFailed is returned when the server rejects the password.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrConnection is matched by every *ConnectionError.
	ErrConnection = errors.New("connection error")
	// ErrInvalidState is returned when an operation is not allowed in the current session state.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidHandle is returned by the registry for unknown or closed handles.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrCancelled is returned to a request that was pending when the session was closed.
	ErrCancelled = errors.New("cancelled")
)

// ConnectionError describes a transport failure.
type ConnectionError struct {
	Op  string // "dial", "read", "write"
	Err error
}

func newConnectionError(op string, err error) error {
	return &ConnectionError{Op: op, Err: err}
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rcon: %s failed", e.Op)
	}
	return fmt.Sprintf("rcon: %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrConnection.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}
