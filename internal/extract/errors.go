package extract

import (
	"errors"
	"fmt"

	"github.com/alvmarrod/shelf-weaver/internal/rules"
)

// Sentinels for errors.Is matching
var (
	ErrContainerNotFound    = errors.New("container not found")
	ErrRequiredFieldMissing = errors.New("required field missing")
	ErrPriceUnparsable      = errors.New("price unparsable")
	ErrPageMalformed        = errors.New("page malformed")
)

// ValidationKind classifies product-level problems
type ValidationKind int

const (
	ContainerNotFound ValidationKind = iota
	RequiredFieldMissing
	PriceUnparsable
)

func (k ValidationKind) String() string {
	switch k {
	case ContainerNotFound:
		return "container_not_found"
	case RequiredFieldMissing:
		return "required_field_missing"
	case PriceUnparsable:
		return "price_unparsable"
	default:
		return "unknown"
	}
}

// ValidationError describes a product that was dropped, or kept with a degraded field
type ValidationError struct {
	Kind  ValidationKind
	URL   string
	Field rules.Field
	Index int
	Value string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case RequiredFieldMissing:
		return fmt.Sprintf("%s: product %d: required field %q missing", e.URL, e.Index, e.Field)
	case PriceUnparsable:
		return fmt.Sprintf("%s: product %d: price %q unparsable, kept as unknown", e.URL, e.Index, e.Value)
	default:
		return fmt.Sprintf("%s: %s", e.URL, e.Kind)
	}
}

func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrContainerNotFound:
		return e.Kind == ContainerNotFound
	case ErrRequiredFieldMissing:
		return e.Kind == RequiredFieldMissing
	case ErrPriceUnparsable:
		return e.Kind == PriceUnparsable
	}
	return false
}

// Reason is a short label for stats aggregation
func (e *ValidationError) Reason() string { return e.Kind.String() }

// Dropped reports whether the product was discarded
func (e *ValidationError) Dropped() bool { return e.Kind == RequiredFieldMissing }

// ExtractionError is a page-level failure. It is reported, never retried here.
type ExtractionError struct {
	URL    string
	Detail string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: page malformed: %s: %v", e.URL, e.Detail, e.Err)
	}
	return fmt.Sprintf("extract %s: page malformed: %s", e.URL, e.Detail)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool { return target == ErrPageMalformed }

// Reason is a short label for stats aggregation
func (e *ExtractionError) Reason() string { return "page_malformed" }
