package apperrors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// Filter and request validation failures. Every one of these wraps ErrParse.
	ErrParse           = errors.New("parse error")
	ErrUnknownOperator = fmt.Errorf("%w: unknown operator", ErrParse)
	ErrInvalidOperand  = fmt.Errorf("%w: invalid operand", ErrParse)
	ErrAmbiguousField  = fmt.Errorf("%w: ambiguous field name", ErrParse)

	ErrPoolExhausted        = errors.New("connection pool exhausted")
	ErrPoolClosed           = errors.New("connection pool closed")
	ErrDoubleRelease        = errors.New("connection released twice")
	ErrNoBackendAvailable   = errors.New("no backend available")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrBackend              = errors.New("backend error")
)

// Kind is the coarse failure category reported in query results.
type Kind string

const (
	KindNone                 Kind = ""
	KindParse                Kind = "parse_error"
	KindPoolExhausted        Kind = "pool_exhausted"
	KindNoBackendAvailable   Kind = "no_backend_available"
	KindUnsupportedOperation Kind = "unsupported_operation"
	KindBackend              Kind = "backend_error"
	KindNotFound             Kind = "not_found"
)

// Classify maps an error onto its Kind. Anything unrecognised is a backend error.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrPoolExhausted):
		return KindPoolExhausted
	case errors.Is(err, ErrNoBackendAvailable):
		return KindNoBackendAvailable
	case errors.Is(err, ErrUnsupportedOperation):
		return KindUnsupportedOperation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindBackend
	}
}

// Sentinel returns the error Classify maps onto k.
func (k Kind) Sentinel() error {
	switch k {
	case KindParse:
		return ErrParse
	case KindPoolExhausted:
		return ErrPoolExhausted
	case KindNoBackendAvailable:
		return ErrNoBackendAvailable
	case KindUnsupportedOperation:
		return ErrUnsupportedOperation
	case KindNotFound:
		return ErrNotFound
	case KindNone:
		return nil
	default:
		return ErrBackend
	}
}

// ResultError turns a failed result's kind and message back into an error
// so callers above the result boundary can use errors.Is.
type ResultError struct {
	Kind    Kind
	Message string
}

func (e *ResultError) Error() string { return e.Message }

func (e *ResultError) Unwrap() error { return e.Kind.Sentinel() }

// BackendError records where a backend call failed. Parameter values are
// deliberately not part of it so the message is safe to surface and log.
type BackendError struct {
	Backend   string
	Table     string
	Operation string
	Err       error
}

func (e *BackendError) Error() string {
	target := e.Table
	if target == "" {
		target = "raw statement"
	}
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return fmt.Sprintf("%s %s on %s: timed out", e.Backend, e.Operation, target)
	}
	return fmt.Sprintf("%s %s on %s: %v", e.Backend, e.Operation, target, e.Err)
}

func (e *BackendError) Unwrap() []error {
	return []error{ErrBackend, e.Err}
}

// NewBackendError wraps err unless it already carries a more specific kind.
func NewBackendError(backend, table, operation string, err error) error {
	if err == nil {
		return nil
	}
	if k := Classify(err); k == KindPoolExhausted || k == KindUnsupportedOperation || k == KindParse {
		return err
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Backend: backend, Table: table, Operation: operation, Err: err}
}
