// Package faults classifies reconciliation errors so callers can decide between retrying,
// falling back, aborting a unit of work, or merely reporting.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the error taxonomy shared by the store, difficulty cache and orchestrator.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransientStore is a backing-store failure worth retrying (connectivity, timeouts).
	KindTransientStore
	// KindExternalLookup is a failed difficulty lookup; retried, then replaced by the default.
	KindExternalLookup
	// KindInvalidParameter aborts the unit of work and is never retried.
	KindInvalidParameter
	// KindDataQuality is surfaced to operators but never blocks processing.
	KindDataQuality
)

func (k Kind) String() string {
	switch k {
	case KindTransientStore:
		return "TransientStoreError"
	case KindExternalLookup:
		return "ExternalLookupError"
	case KindInvalidParameter:
		return "InvalidParameterError"
	case KindDataQuality:
		return "DataQualityWarning"
	default:
		return "UnknownError"
	}
}

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// TransientStore wraps err as a retryable store failure. A nil err stays nil.
func TransientStore(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(KindTransientStore, op, err)
}

// ExternalLookup wraps err as a failed external lookup. A nil err stays nil.
func ExternalLookup(op string, err error) error {
	if err == nil {
		return nil
	}
	return newError(KindExternalLookup, op, err)
}

// InvalidParameter reports bad input; format follows fmt.Errorf.
func InvalidParameter(op, format string, args ...any) error {
	return newError(KindInvalidParameter, op, fmt.Errorf(format, args...))
}

// KindOf returns the Kind of the first faults.Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth another attempt. Context cancellation and
// invalid parameters never are.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindTransientStore, KindExternalLookup:
		return true
	default:
		return false
	}
}

// IsInvalidParameter reports whether err is bad input.
func IsInvalidParameter(err error) bool {
	return KindOf(err) == KindInvalidParameter
}

// DataQualityWarning describes a non-fatal smell found while analyzing a date.
type DataQualityWarning struct {
	Date    string `json:"date"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (w DataQualityWarning) Error() string {
	return fmt.Sprintf("%s: %s %s: %s", KindDataQuality, w.Date, w.Code, w.Message)
}

// Warning codes.
const (
	WarnDuplicateFacts  = "duplicate_facts"
	WarnExcessDerived   = "excess_derived"
	WarnOrphanDerived   = "orphan_derived"
	WarnDefaultDiffUsed = "default_difficulty"
)
