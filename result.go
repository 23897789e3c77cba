package doccache

import "fmt"

// Result is a closed sum over the outcome of a fallible cache operation.
// A value is exactly one of:
//   - Success: the operation produced a value
//   - Empty: the operation completed but found nothing (reads only)
//   - Failure: the operation failed; Err returns the preserved cause
//   - Rejected: the caller declined the operation via ErrRejectUpdate
//
// The aliases DefiniteResult, OptionalResult and RejectableResult document
// which variants a given operation can produce.
type Result[T any] struct {
	kind   resultKind
	value  T
	err    error
	reason string
}

type resultKind uint8

const (
	kindSuccess resultKind = iota
	kindEmpty
	kindFailure
	kindRejected
)

// DefiniteResult is Success | Failure.
type DefiniteResult[T any] = Result[T]

// OptionalResult is Success | Empty | Failure.
type OptionalResult[T any] = Result[T]

// RejectableResult is Success | Failure | Rejected.
type RejectableResult[T any] = Result[T]

// Ok wraps a value in a Success result.
func Ok[T any](value T) Result[T] {
	return Result[T]{kind: kindSuccess, value: value}
}

// None is the Empty result.
func None[T any]() Result[T] {
	return Result[T]{kind: kindEmpty}
}

// Fail wraps an error in a Failure result. The cause is preserved as-is so
// errors.Is and errors.As keep working on Err.
func Fail[T any](err error) Result[T] {
	return Result[T]{kind: kindFailure, err: err}
}

// Reject produces the Rejected variant with the given reason.
func Reject[T any](reason string) Result[T] {
	return Result[T]{kind: kindRejected, reason: reason}
}

// IsSuccess reports whether the result carries a value.
func (r Result[T]) IsSuccess() bool { return r.kind == kindSuccess }

// IsEmpty reports whether the operation found nothing.
func (r Result[T]) IsEmpty() bool { return r.kind == kindEmpty }

// IsFailure reports whether the operation failed.
func (r Result[T]) IsFailure() bool { return r.kind == kindFailure }

// IsRejected reports whether the operation was cooperatively rejected.
func (r Result[T]) IsRejected() bool { return r.kind == kindRejected }

// Get returns the value and whether the result is a Success.
func (r Result[T]) Get() (T, bool) {
	return r.value, r.kind == kindSuccess
}

// GetOrZero returns the value for a Success and the zero value otherwise.
// For pointer-typed documents this is the nil-returning accessor.
func (r Result[T]) GetOrZero() T {
	return r.value
}

// Err returns the failure cause, or nil for any other variant.
func (r Result[T]) Err() error {
	return r.err
}

// Reason returns the rejection reason, or "" for any other variant.
func (r Result[T]) Reason() string {
	return r.reason
}

// MustGet returns the value of a Success and panics on every other variant.
func (r Result[T]) MustGet() T {
	switch r.kind {
	case kindSuccess:
		return r.value
	case kindFailure:
		panic(fmt.Sprintf("doccache: MustGet on failure result: %v", r.err))
	case kindRejected:
		panic(fmt.Sprintf("doccache: MustGet on rejected result: %s", r.reason))
	default:
		panic("doccache: MustGet on empty result")
	}
}

func (r Result[T]) String() string {
	switch r.kind {
	case kindSuccess:
		return fmt.Sprintf("Success(%v)", r.value)
	case kindEmpty:
		return "Empty"
	case kindFailure:
		return fmt.Sprintf("Failure(%v)", r.err)
	default:
		return fmt.Sprintf("Rejected(%s)", r.reason)
	}
}
