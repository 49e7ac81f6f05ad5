package types

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error crossing a component boundary. Workers
// convert local errors into one of these before returning to the bus.
type Kind string

const (
	KindNoCapacity             Kind = "NO_CAPACITY"
	KindProvisioningFailed     Kind = "PROVISIONING_FAILED"
	KindGovernorDenied         Kind = "GOVERNOR_DENIED"
	KindCloudAPIError          Kind = "CLOUD_API_ERROR"
	KindSidecarUnreachable     Kind = "SIDECAR_UNREACHABLE"
	KindStateTransitionInvalid Kind = "STATE_TRANSITION_INVALID"
	KindRateLimitExceeded      Kind = "RATE_LIMIT_EXCEEDED"
	KindValidationFailed       Kind = "VALIDATION_FAILED"
	KindHealthGateFailed       Kind = "HEALTH_GATE_FAILED"
	KindDegradedDependency     Kind = "DEGRADED_DEPENDENCY"
)

// Retryable reports whether the bus should retry a job failing with this kind
func (k Kind) Retryable() bool {
	switch k {
	case KindGovernorDenied, KindCloudAPIError, KindSidecarUnreachable,
		KindRateLimitExceeded, KindProvisioningFailed:
		return true
	default:
		return false
	}
}

// Error is a structured error value carrying classification and context.
// Secrets must never appear in Msg or context fields.
type Error struct {
	Kind       Kind
	Op         string
	TenantID   string
	DropletID  int64
	Queue      string
	Msg        string
	RetryAfter time.Duration
	Err        error

	// Terminal forces dead-lettering regardless of the kind's default,
	// e.g. a 4xx cloud response is CLOUD_API_ERROR but not worth retrying.
	Terminal bool
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a structured error
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a structured error with a formatted message
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WithTenant annotates the error with tenant context
func (e *Error) WithTenant(tenantID string) *Error {
	e.TenantID = tenantID
	return e
}

// WithDroplet annotates the error with droplet context
func (e *Error) WithDroplet(dropletID int64) *Error {
	e.DropletID = dropletID
	return e
}

// WithQueue annotates the error with the queue it failed in
func (e *Error) WithQueue(queue string) *Error {
	e.Queue = queue
	return e
}

// WithRetryAfter sets the caller's suggested retry delay
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithCause attaches the underlying error
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// AsTerminal marks the error non-retryable regardless of kind
func (e *Error) AsTerminal() *Error {
	e.Terminal = true
	return e
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// are treated as retryable transport failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTerminal reports whether err should skip remaining attempts and
// dead-letter immediately.
func IsTerminal(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Terminal {
		return true
	}
	k := KindOf(err)
	if k == "" {
		return false
	}
	return !k.Retryable()
}

// RetryAfterOf extracts a suggested retry delay, zero if none
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
