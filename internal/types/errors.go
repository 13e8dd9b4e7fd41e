// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is the cancellation cause used when a client or transport
	// cancels a session.
	ErrCancelled = errors.New("session cancelled")

	// ErrStageTimeout is the cancellation cause used by the stage watchdog.
	ErrStageTimeout = errors.New("stage timeout")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
)

// ValidationError reports a malformed or incomplete chat request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// GatewayError reports that the backend stream could not be opened or
// failed mid-stream.
type GatewayError struct {
	Op  string // "open", "status", "stream"
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error [%s]: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// StageTimeoutError carries the stage whose watchdog fired.
type StageTimeoutError struct {
	Stage string
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out", e.Stage)
}

func (e *StageTimeoutError) Unwrap() error {
	return ErrStageTimeout
}
