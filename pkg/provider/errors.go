package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownProvider is returned for a vendor name that is not registered.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNoDefaultModel is returned when no model was given and the vendor
	// has no default.
	ErrNoDefaultModel = errors.New("no default model")
	// ErrVendorExecution matches every *ExecutionError.
	ErrVendorExecution = errors.New("vendor execution failed")
)

// ExecutionError describes a failed vendor call.
type ExecutionError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Err        error
}

func (e *ExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Model, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Model, msg)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrVendorExecution) match.
func (e *ExecutionError) Is(target error) bool { return target == ErrVendorExecution }

// statusError carries a non-2xx vendor response through the breaker.
type statusError struct {
	code int
	body []byte
}

func (e *statusError) Error() string { return fmt.Sprintf("status %d", e.code) }

// countsAsFailure reports whether a breaker should count err against the vendor.
// Client errors and caller cancellation say nothing about vendor health.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == 429
	}
	return !errors.Is(err, context.Canceled)
}
