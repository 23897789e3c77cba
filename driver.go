package doccache

import (
	"context"
	"time"
)

// EventType classifies change-stream events in store-dialect terms.
type EventType string

const (
	EventInsert       EventType = "insert"
	EventUpdate       EventType = "update"
	EventReplace      EventType = "replace"
	EventDelete       EventType = "delete"
	EventDrop         EventType = "drop"
	EventRename       EventType = "rename"
	EventDropDatabase EventType = "dropDatabase"
	EventInvalidate   EventType = "invalidate"
	EventUnknown      EventType = "unknown"
)

// eventTypeOf maps a raw operation type onto the closed EventType set.
func eventTypeOf(op string) EventType {
	switch EventType(op) {
	case EventInsert, EventUpdate, EventReplace, EventDelete,
		EventDrop, EventRename, EventDropDatabase, EventInvalidate:
		return EventType(op)
	default:
		return EventUnknown
	}
}

// terminal reports whether the event ends the stream it arrived on.
func (e EventType) terminal() bool {
	switch e {
	case EventDrop, EventRename, EventDropDatabase, EventInvalidate:
		return true
	}
	return false
}

// ChangeEvent is a driver-neutral mutation event for one collection.
type ChangeEvent[K comparable, T any] struct {
	Type EventType

	// Key is the primary key of the affected document. HasKey is false for
	// stream-level events (drop, invalidate, ...).
	Key    K
	HasKey bool

	// Doc is the full post-image when the stream delivered one.
	Doc    T
	HasDoc bool

	// Token is the opaque resume token positioned after this event.
	Token []byte
}

// ResumePoint is an opaque bookmark into the store's operation history,
// used as a fallback resume position when no token is available.
type ResumePoint struct {
	T uint32
	I uint32
}

// IsZero reports whether the point carries no position.
func (p ResumePoint) IsZero() bool { return p.T == 0 && p.I == 0 }

// StreamStart selects where a change stream begins. A non-nil ResumeToken
// wins over OperationTime; a zero value starts from now.
type StreamStart struct {
	ResumeToken   []byte
	OperationTime ResumePoint
}

// StreamHandle is one open change-stream session.
type StreamHandle[K comparable, T any] interface {
	// Events returns the session's event channel. The channel closes when
	// the session ends; Err explains why.
	Events() <-chan ChangeEvent[K, T]

	// Err returns the terminal error of the session, nil for a clean close.
	// ErrResumePointLost signals that the requested start position fell out
	// of the store's retention.
	Err() error

	// Close tears the session down and waits for the event channel to close.
	Close(ctx context.Context) error
}

// CASResult reports the outcome of a version-conditioned replace.
type CASResult struct {
	Matched  int64
	Modified int64
}

// Driver is the narrow storage contract the cache engine consumes.
// Implementations must surface duplicate-key writes as *DuplicateKeyError
// (with the violated index name, "_id" for the primary key), missing
// documents as ErrDocumentNotFound, and transient write conflicts as a
// retryable condition distinguishable via IsTransient.
type Driver[K comparable, T Document[K, T]] interface {
	// Insert stores a new document. Primary-key and unique-index
	// enforcement happen here.
	Insert(ctx context.Context, doc T) error

	// Read fetches a document by primary key.
	Read(ctx context.Context, key K) (T, error)

	// Delete removes a document; the bool reports whether it existed.
	Delete(ctx context.Context, key K) (bool, error)

	// ReadAll streams every document of the collection through fn.
	// A non-nil error from fn aborts the scan.
	ReadAll(ctx context.Context, fn func(doc T) error) error

	// ReadKeys streams every primary key through fn.
	ReadKeys(ctx context.Context, fn func(key K) error) error

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int64, error)

	// HasKey reports whether a document exists for the key.
	HasKey(ctx context.Context, key K) (bool, error)

	// Clear removes every document and returns how many were removed.
	Clear(ctx context.Context) (int64, error)

	// ReplaceIfVersionMatches is the store-side CAS: replace the document
	// whose primary key and version both match. A zero Matched count with a
	// nil error means the precondition failed.
	ReplaceIfVersionMatches(ctx context.Context, key K, version int64, doc T) (CASResult, error)

	// EnsureUniqueIndex creates the unique index on the field. Idempotent.
	EnsureUniqueIndex(ctx context.Context, field string) error

	// ReadByUniqueIndex fetches the document carrying value under the
	// declared unique index field.
	ReadByUniqueIndex(ctx context.Context, field string, value any) (T, error)

	// CurrentOperationTime bookmarks the store's present position, taken
	// just before the initial full load. A zero point means the store does
	// not expose one.
	CurrentOperationTime(ctx context.Context) (ResumePoint, error)

	// OpenChangeStream starts a change-stream session at the given
	// position.
	OpenChangeStream(ctx context.Context, start StreamStart) (StreamHandle[K, T], error)

	// HalfRTT returns the driver's running estimate of half a store
	// round-trip, used as the backoff base of the update loop.
	HalfRTT() time.Duration
}
