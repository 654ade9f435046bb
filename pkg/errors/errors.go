// Package apperrors defines the standardized error taxonomy for the engine.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// ExitSystemFailure is the process exit code used for SystemFailure so the
// deployment supervisor can distinguish reconciliation-triggered restarts
// from other failures.
const ExitSystemFailure = 64

// Standardized engine errors
var (
	ErrConfiguration         = errors.New("configuration error")
	ErrDataUnavailable       = errors.New("data unavailable")
	ErrDataStale             = errors.New("data stale")
	ErrVenueExecutionFailed  = errors.New("venue execution failed")
	ErrVenueQueryFailed      = errors.New("venue query failed")
	ErrReconciliationFailed  = errors.New("reconciliation mismatch")
	ErrUnknownPositionKey    = errors.New("unknown position key")
	ErrNegativeBalance       = errors.New("negative balance prohibited")
	ErrNoVenueConfigured     = errors.New("no venue configured")
	ErrStrategyInfeasible    = errors.New("strategy target infeasible")
	ErrRequestCancelled      = errors.New("request cancelled")
	ErrSystemFailure         = errors.New("system failure")
	ErrInternal              = errors.New("internal error")
	ErrUnsupportedOperation  = errors.New("unsupported operation")
	ErrInsufficientEquity    = errors.New("insufficient equity")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
	ErrInvalidConfigOverride = errors.New("invalid config override")
)

// DataUnavailableError reports a required data kind with no observation at
// or before the requested timestamp.
type DataUnavailableError struct {
	Kind string
	At   time.Time
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("data unavailable: kind=%s at=%s", e.Kind, e.At.UTC().Format(time.RFC3339))
}

func (e *DataUnavailableError) Unwrap() error { return ErrDataUnavailable }

// DataStaleError reports a live sample older than the configured maximum age.
type DataStaleError struct {
	Kind string
	Age  time.Duration
}

func (e *DataStaleError) Error() string {
	return fmt.Sprintf("data stale: kind=%s age=%s", e.Kind, e.Age)
}

func (e *DataStaleError) Unwrap() error { return ErrDataStale }

// UnknownPositionKeyError reports a delta targeting a key outside the
// registered position subscriptions.
type UnknownPositionKeyError struct {
	Key string
}

func (e *UnknownPositionKeyError) Error() string {
	return fmt.Sprintf("unknown position key: %s", e.Key)
}

func (e *UnknownPositionKeyError) Unwrap() error { return ErrUnknownPositionKey }

// Mismatch describes a single simulated-vs-real divergence.
type Mismatch struct {
	Key       string
	Simulated string
	Real      string
	Diff      string
}

// ReconciliationError carries the per-key mismatches of a failed reconcile.
type ReconciliationError struct {
	Mismatches []Mismatch
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation mismatch on %d key(s)", len(e.Mismatches))
}

func (e *ReconciliationError) Unwrap() error { return ErrReconciliationFailed }

// NoVenueConfiguredError reports a routing miss in the venue manager.
type NoVenueConfiguredError struct {
	Venue     string
	Operation string
}

func (e *NoVenueConfiguredError) Error() string {
	return fmt.Sprintf("no venue configured: venue=%s operation=%s", e.Venue, e.Operation)
}

func (e *NoVenueConfiguredError) Unwrap() error { return ErrNoVenueConfigured }

// SystemFailureError is the unrecoverable fault that terminates the request
// process with ExitSystemFailure.
type SystemFailureError struct {
	Reason    string
	Component string
	Cause     error
}

func (e *SystemFailureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("system failure in %s: %s: %v", e.Component, e.Reason, e.Cause)
	}
	return fmt.Sprintf("system failure in %s: %s", e.Component, e.Reason)
}

func (e *SystemFailureError) Unwrap() error { return ErrSystemFailure }

// NewSystemFailure builds a SystemFailureError.
func NewSystemFailure(component, reason string, cause error) *SystemFailureError {
	return &SystemFailureError{Reason: reason, Component: component, Cause: cause}
}
