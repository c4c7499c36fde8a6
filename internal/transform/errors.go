package transform

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching on *TransformError
var (
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrCapabilityTimeout     = errors.New("capability timeout")
	ErrCapabilityFailed      = errors.New("capability failed")
)

// Kind classifies a transformation failure
type Kind int

const (
	CapabilityUnavailable Kind = iota
	CapabilityTimeout
	CapabilityFailed
)

func (k Kind) String() string {
	switch k {
	case CapabilityUnavailable:
		return "capability_unavailable"
	case CapabilityTimeout:
		return "capability_timeout"
	case CapabilityFailed:
		return "capability_failed"
	default:
		return "unknown"
	}
}

// TransformError is a capability failure. It never escalates beyond a Warning.
type TransformError struct {
	Kind       Kind
	Capability string
	Err        error
}

func (e *TransformError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Capability, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Capability, e.Kind)
}

func (e *TransformError) Unwrap() error { return e.Err }

func (e *TransformError) Is(target error) bool {
	switch target {
	case ErrCapabilityUnavailable:
		return e.Kind == CapabilityUnavailable
	case ErrCapabilityTimeout:
		return e.Kind == CapabilityTimeout
	case ErrCapabilityFailed:
		return e.Kind == CapabilityFailed
	}
	return false
}

// Warning records a transformation that fell back to the original content
type Warning struct {
	Key   string
	Field string
	Err   *TransformError
}

func (w Warning) Error() string {
	return fmt.Sprintf("transform %s (%s): %v", w.Key, w.Field, w.Err)
}

func (w Warning) Unwrap() error { return w.Err }

// Reason is a short label for stats aggregation
func (w Warning) Reason() string { return w.Err.Kind.String() }
