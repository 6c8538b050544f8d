package types

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrConfig marks invalid configuration; fatal before any processing
	ErrConfig = errors.New("configuration error")
	// ErrPermanentChunk marks a chunk that will not be retried
	ErrPermanentChunk = errors.New("permanent chunk failure")
	// ErrReconciliationGap marks a lost or duplicated record; fatal
	ErrReconciliationGap = errors.New("reconciliation gap")
	// ErrResponseMismatch marks a vault answer that cannot be matched to the
	// request rows. The insert may already have happened, so it is never retried.
	ErrResponseMismatch = errors.New("vault response does not match request")
)

// ConfigError reports an invalid configuration field
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfig
}

// NewConfigError creates a ConfigError with a formatted reason
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ServiceError is a rejected vault call
type ServiceError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Transient  bool
}

func (e *ServiceError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("vault error: %s", e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Throttled reports whether the service asked the caller to slow down
func (e *ServiceError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// NewServiceError classifies an HTTP status: 408, 429 and 5xx are transient
func NewServiceError(status int, message string) *ServiceError {
	transient := status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
	return &ServiceError{StatusCode: status, Message: message, Transient: transient}
}
