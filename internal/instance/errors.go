package instance

import (
	"errors"
	"fmt"
)

// Kind classifies errors that cross the API boundary. The set is closed;
// internal/api maps each kind to exactly one HTTP status.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindPortsExhausted
	KindMaxInstancesReached
	KindInvalidPayload
	KindRuntimeUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPortsExhausted:
		return "ports_exhausted"
	case KindMaxInstancesReached:
		return "max_instances_reached"
	case KindInvalidPayload:
		return "invalid_payload"
	case KindRuntimeUnavailable:
		return "runtime_unavailable"
	default:
		return "internal"
	}
}

// Error is a classified error.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason
	if msg == "" {
		msg = defaultMessage(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, instance.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func defaultMessage(k Kind) string {
	switch k {
	case KindNotFound:
		return "Instance not found"
	case KindPortsExhausted:
		return "No ports available"
	case KindMaxInstancesReached:
		return "Maximum instances reached"
	case KindInvalidPayload:
		return "Invalid payload"
	case KindRuntimeUnavailable:
		return "Container runtime unavailable"
	default:
		return "Internal error"
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrPortsExhausted      = &Error{Kind: KindPortsExhausted}
	ErrMaxInstancesReached = &Error{Kind: KindMaxInstancesReached}
	ErrInvalidPayload      = &Error{Kind: KindInvalidPayload}
	ErrRuntimeUnavailable  = &Error{Kind: KindRuntimeUnavailable}
	ErrInternal            = &Error{Kind: KindInternal}
)

// NotFound reports a missing instance.
func NotFound(id string) *Error {
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf("Instance not found: %s", id)}
}

// PortsExhausted wraps a port allocation failure.
func PortsExhausted(cause error) *Error {
	return &Error{Kind: KindPortsExhausted, Err: cause}
}

// MaxInstancesReached reports that the instance ceiling was hit.
func MaxInstancesReached(max int) *Error {
	return &Error{Kind: KindMaxInstancesReached, Reason: fmt.Sprintf("Maximum instances reached (%d)", max)}
}

// InvalidPayload reports a rejected payload.
func InvalidPayload(reason string) *Error {
	return &Error{Kind: KindInvalidPayload, Reason: reason}
}

// RuntimeUnavailable wraps a failure to reach the container runtime.
func RuntimeUnavailable(cause error) *Error {
	return &Error{Kind: KindRuntimeUnavailable, Err: cause}
}

// Internal wraps any other failure.
func Internal(reason string, cause error) *Error {
	return &Error{Kind: KindInternal, Reason: reason, Err: cause}
}

// KindOf returns the kind of err, or KindInternal if err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
