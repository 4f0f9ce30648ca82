package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels shared by the simulation service and the HTTP layer, which maps
// each of them to a status code. Wrap with fmt.Errorf("%w: ...").
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrPersistence         = errors.New("persistence failure")
)

// RetriableError is implemented by failures that know whether the market
// client should try the same request again.
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable reports whether any error in err's chain asks for a retry.
// Plain errors are not retried.
func IsRetriable(err error) bool {
	var re RetriableError
	return errors.As(err, &re) && re.IsRetriable()
}

// NetworkError is a failed step of a quote fetch.
// Status is the HTTP status when the upstream answered, 0 otherwise.
type NetworkError struct {
	Op        string
	Status    int
	Err       error
	Retriable bool
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Op, e.Status, e.Err)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool { return e.Retriable }
func (e *NetworkError) Unwrap() error     { return e.Err }

// NewNetworkError wraps a transient failure such as a dial error or a cut body.
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError wraps a failure that would repeat on retry.
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

// NewStatusError classifies a non-200 upstream answer.
// Rate limiting and server errors are retried, anything else is final.
func NewStatusError(op string, status int) *NetworkError {
	return &NetworkError{
		Op:        op,
		Status:    status,
		Err:       errors.New(http.StatusText(status)),
		Retriable: status == http.StatusTooManyRequests || status >= 500,
	}
}

// ConfigError points at the config key that failed validation.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool { return false }
func (e *ConfigError) Unwrap() error     { return e.Err }
