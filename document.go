package doccache

import (
	"fmt"
	"math/rand"
	"reflect"
	"strconv"

	"github.com/google/uuid"
)

// Document is the capability set a cached document type must provide.
// T is the concrete pointer type of the document itself, K its primary key.
//
// Documents are immutable records: every successful update mints a fresh
// instance through CopyWithVersion, the single point where a new version is
// attached. CopyWithVersion must return a new instance (never the receiver)
// whose key and payload match the receiver and whose version is exactly the
// requested one.
//
// Concrete types satisfy the interface by embedding Meta and implementing
// the three exported methods:
//
//	type Player struct {
//	    doccache.Meta `bson:"-" json:"-"`
//	    ID      string `bson:"_id"`
//	    Name    string `bson:"name"`
//	    Balance int64  `bson:"balance"`
//	    Version int64  `bson:"version"`
//	}
//
//	func (p *Player) DocumentKey() string    { return p.ID }
//	func (p *Player) DocumentVersion() int64 { return p.Version }
//	func (p *Player) CopyWithVersion(v int64) *Player {
//	    c := *p
//	    c.Version = v
//	    return &c
//	}
type Document[K comparable, T any] interface {
	// DocumentKey returns the primary key. Serialized under the store's
	// native primary-key field ("_id").
	DocumentKey() K

	// DocumentVersion returns the monotonic per-document version counter.
	// New documents start at 0; each successful update increments by 1.
	DocumentVersion() int64

	// CopyWithVersion returns a fresh instance carrying the given version.
	CopyWithVersion(version int64) T

	metaRef() *Meta
}

// Meta carries the backreference from a materialized document to its owning
// cache. It is bound when a document is placed into a cache and survives
// struct copies; instances that never passed through a cache are detached.
//
// Embed it with a `bson:"-" json:"-"` tag so it stays off the wire:
//
//	type Player struct {
//	    doccache.Meta `bson:"-" json:"-"`
//	    ...
//	}
type Meta struct {
	origin *cacheBinding
}

func (m *Meta) metaRef() *Meta { return m }

// cacheBinding is the weak handle a bound document holds onto its cache.
// It exposes only what status derivation needs; the key travels as any so
// the binding stays free of the cache's type parameters.
type cacheBinding struct {
	cacheName string
	database  string
	status    func(key any, version int64) Status
}

// StatusOf derives the status of a document instance relative to the cache
// it came from. Instances that never passed through a cache are detached.
func StatusOf[K comparable, T Document[K, T]](doc T) Status {
	m := doc.metaRef()
	if m == nil || m.origin == nil {
		return StatusDetached
	}
	return m.origin.status(doc.DocumentKey(), doc.DocumentVersion())
}

// Status describes an instance (key, version) relative to its cache.
type Status int

const (
	// StatusDetached marks an instance that is not bound to any cache.
	StatusDetached Status = iota
	// StatusFresh means the cache holds exactly this (key, version).
	StatusFresh
	// StatusStale means the cache holds the key at a different version.
	StatusStale
	// StatusDeleted means the cache has no entry for the key.
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "FRESH"
	case StatusStale:
		return "STALE"
	case StatusDeleted:
		return "DELETED"
	default:
		return "DETACHED"
	}
}

// KeyCodec converts primary keys to and from their string form, used for
// logging, resume-time id extraction and token-store addressing, and mints
// fresh keys for CreateRandom. EncodeKey followed by DecodeKey must
// round-trip every valid key.
type KeyCodec[K comparable] interface {
	EncodeKey(key K) string
	DecodeKey(s string) (K, error)

	// NewKey returns a fresh identifier from a uniform random source.
	// A collision on a freshly minted key is a defect of the source.
	NewKey() K
}

// StringKeys is the KeyCodec for plain string keys. Fresh keys are random
// UUID strings.
type StringKeys struct{}

func (StringKeys) EncodeKey(key string) string        { return key }
func (StringKeys) DecodeKey(s string) (string, error) { return s, nil }
func (StringKeys) NewKey() string                     { return uuid.NewString() }

// Int64Keys is the KeyCodec for int64 keys.
type Int64Keys struct{}

func (Int64Keys) EncodeKey(key int64) string { return strconv.FormatInt(key, 10) }

func (Int64Keys) DecodeKey(s string) (int64, error) {
	key, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid int64 key %q: %w", s, err)
	}
	return key, nil
}

func (Int64Keys) NewKey() int64 { return rand.Int63() }

// UUIDKeys is the KeyCodec for uuid.UUID keys, stored in their canonical
// string form.
type UUIDKeys struct{}

func (UUIDKeys) EncodeKey(key uuid.UUID) string { return key.String() }

func (UUIDKeys) DecodeKey(s string) (uuid.UUID, error) {
	key, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid uuid key %q: %w", s, err)
	}
	return key, nil
}

func (UUIDKeys) NewKey() uuid.UUID { return uuid.New() }

// sameInstance reports whether two pointer-typed documents are the exact
// same instance. Used to detect edit functions that return their input.
func sameInstance[T any](a, b T) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() != reflect.Ptr || vb.Kind() != reflect.Ptr {
		return false
	}
	return va.Pointer() == vb.Pointer()
}
