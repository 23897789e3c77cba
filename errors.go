package doccache

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDocumentNotFound is returned when a document does not exist in the store.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDuplicatePrimaryKey is returned when an insert collides on the primary key.
	ErrDuplicatePrimaryKey = errors.New("duplicate primary key")

	// ErrDuplicateUniqueIndex is returned when a write collides on a declared
	// unique secondary index. Use errors.As with *DuplicateKeyError to recover
	// the violated index name.
	ErrDuplicateUniqueIndex = errors.New("duplicate unique index value")

	// ErrIllegalKeyModification is returned when an edit function changes the
	// primary key of the document it was given.
	ErrIllegalKeyModification = errors.New("edit function modified the document key")

	// ErrIllegalVersionModification is returned when an edit function changes
	// the version of the document it was given. The update loop owns the
	// version counter; callers must not bump it themselves.
	ErrIllegalVersionModification = errors.New("edit function modified the document version")

	// ErrSameInstanceReturned is returned when an edit function returns the
	// exact instance it was given instead of producing a modified document.
	ErrSameInstanceReturned = errors.New("edit function returned the same instance")

	// ErrInvalidCopyHelper is returned when CopyWithVersion does not produce a
	// document carrying the requested version.
	ErrInvalidCopyHelper = errors.New("CopyWithVersion returned the wrong version")

	// ErrUpdateValidation is the sentinel matched by DocumentUpdateError.
	ErrUpdateValidation = errors.New("document update validation failed")

	// ErrRejectUpdate is the cooperative rejection sentinel. Returning it from
	// the edit function of UpdateRejectable surfaces the Rejected variant
	// without touching the store.
	ErrRejectUpdate = errors.New("update rejected by edit function")

	// ErrRetriesExceeded is returned when the optimistic update loop exhausts
	// its retry budget.
	ErrRetriesExceeded = errors.New("maximum update retries exceeded")

	// ErrDuplicateDatabase is returned when a database name is registered twice.
	ErrDuplicateDatabase = errors.New("database already registered")

	// ErrCacheDraining is returned when new work arrives during shutdown.
	ErrCacheDraining = errors.New("cache is draining")

	// ErrCacheClosed is returned when operating on a stopped cache.
	ErrCacheClosed = errors.New("cache is stopped")

	// ErrCacheNotReady is returned when operating on a cache that has not
	// finished its initial load.
	ErrCacheNotReady = errors.New("cache is not ready")

	// ErrInvalidInitializer is returned when a create initializer fails or
	// leaves the new document with a modified key or version.
	ErrInvalidInitializer = errors.New("invalid document initializer")

	// ErrMassDestructiveOpsDisabled guards ClearAll and friends.
	ErrMassDestructiveOpsDisabled = errors.New("mass destructive operations are disabled for this cache")

	// ErrUnknownUniqueIndex is returned when a lookup names an index that was
	// never declared for the cache.
	ErrUnknownUniqueIndex = errors.New("unique index not declared")

	// ErrResumePointLost is reported by drivers when the persisted resume
	// token is older than the store's change history retention.
	ErrResumePointLost = errors.New("change stream resume point no longer available")

	// errWriteConflict is a driver-internal signal for transient write
	// conflicts. It is a retry trigger, never surfaced to callers.
	errWriteConflict = errors.New("transient write conflict")
)

// primaryKeyField is the wire name of the primary key in the store dialect.
const primaryKeyField = "_id"

// DuplicateKeyError is raised by drivers on duplicate-key writes. Index holds
// the violated index name; the primary key reports as "_id".
type DuplicateKeyError struct {
	Index string
}

func (e *DuplicateKeyError) Error() string {
	if e.Index == primaryKeyField {
		return "duplicate primary key"
	}
	return fmt.Sprintf("duplicate value for unique index %q", e.Index)
}

// Is maps the error onto ErrDuplicatePrimaryKey or ErrDuplicateUniqueIndex
// depending on the violated index.
func (e *DuplicateKeyError) Is(target error) bool {
	if e.Index == primaryKeyField {
		return target == ErrDuplicatePrimaryKey
	}
	return target == ErrDuplicateUniqueIndex
}

// DocumentUpdateError carries a validation rejection raised by an update
// validator hook.
type DocumentUpdateError struct {
	Reason string
	Cause  error
}

func (e *DocumentUpdateError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("update validation failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("update validation failed: %s", e.Reason)
}

func (e *DocumentUpdateError) Is(target error) bool {
	return target == ErrUpdateValidation
}

func (e *DocumentUpdateError) Unwrap() error {
	return e.Cause
}

// NewDocumentUpdateError creates a validation rejection for use inside
// update validator hooks.
func NewDocumentUpdateError(reason string, cause error) *DocumentUpdateError {
	return &DocumentUpdateError{Reason: reason, Cause: cause}
}

// isCancellation reports whether err stems from context cancellation or a
// deadline. Such errors propagate unchanged and are never wrapped into a
// business failure.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
