// Package tokenstore provides persistence backends for change-stream resume
// tokens.
//
// The replicator keeps two token copies: the in-flight token advanced after
// every applied event, and the durable token promoted periodically. Only the
// durable copy goes through a Store, and only the durable copy is trusted on
// reconnect. Three backends are provided:
//   - MemoryStore: process-local, lost on restart
//   - BadgerStore: persistent on local disk
//   - RedisStore: shared between processes
package tokenstore

import (
	"context"
	"errors"
)

// ErrStoreClosed is returned when operating on a closed store.
var ErrStoreClosed = errors.New("token store is closed")

// Store persists durable resume tokens keyed by stream identity
// (conventionally "<database>/<cache>").
type Store interface {
	// Load returns the stored token for the key, or (nil, nil) when none
	// has been saved yet.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save overwrites the stored token for the key.
	Save(ctx context.Context, key string, token []byte) error

	// Delete drops the stored token for the key.
	Delete(ctx context.Context, key string) error

	// Close releases the backend.
	Close() error
}
