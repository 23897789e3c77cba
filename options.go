package doccache

import (
	"time"

	"doccache/tokenstore"
)

// StorageMode selects the backing store implementation for a client.
type StorageMode string

const (
	// StorageModeMongo backs caches with a MongoDB replica set.
	StorageModeMongo StorageMode = "mongodb"
	// StorageModeMemory backs caches with the in-process driver. Intended
	// for tests and embedded single-process deployments.
	StorageModeMemory StorageMode = "memory"
)

// Config is the process-wide client configuration.
type Config struct {
	// NamespacePrefix is prepended (exactly once) to every registered
	// database name, partitioning deployments that share one store.
	NamespacePrefix string

	// Debug switches logging to development encoding at debug level.
	Debug bool

	// StorageMode selects the driver backend.
	StorageMode StorageMode

	// StoreURI is the store connection string (mongodb:// for StorageModeMongo).
	StoreURI string
}

// CacheConfig holds the per-cache behavior switches.
type CacheConfig struct {
	// OptimisticCaching enforces version monotonicity on incoming
	// documents: the cache accepts a document only if it is strictly newer
	// than the entry it would replace. Disabling it degrades acceptance to
	// always-overwrite, for hosts that guarantee external monotonicity.
	OptimisticCaching bool

	// EnableMassDestructiveOps guards collection-wide destructive
	// operations such as ClearAll.
	EnableMassDestructiveOps bool
}

// DefaultCacheConfig returns the per-cache defaults: optimistic caching on,
// mass destructive operations off.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		OptimisticCaching:        true,
		EnableMassDestructiveOps: false,
	}
}

// ChangeStreamConfig controls the change-stream replicator of a cache.
type ChangeStreamConfig struct {
	// InitialRetryDelay is the first reconnection backoff delay.
	InitialRetryDelay time.Duration

	// MaxRetryDelay caps the reconnection backoff.
	MaxRetryDelay time.Duration

	// MaxRetries is the number of consecutive failed reconnection attempts
	// tolerated before the replicator enters its FAILED state.
	// 0 means unlimited.
	MaxRetries int

	// EventProcessingTimeout bounds the handling of a single change event.
	EventProcessingTimeout time.Duration

	// MaxBufferedEvents is the capacity of the bounded event queue between
	// the stream producer and the consumer task.
	MaxBufferedEvents int
}

// DefaultChangeStreamConfig returns the production defaults.
func DefaultChangeStreamConfig() ChangeStreamConfig {
	return ChangeStreamConfig{
		InitialRetryDelay:      2 * time.Second,
		MaxRetryDelay:          60 * time.Second,
		MaxRetries:             0,
		EventProcessingTimeout: 30 * time.Second,
		MaxBufferedEvents:      1000,
	}
}

// DevChangeStreamConfig returns tighter defaults for development and tests.
func DevChangeStreamConfig() ChangeStreamConfig {
	return ChangeStreamConfig{
		InitialRetryDelay:      500 * time.Millisecond,
		MaxRetryDelay:          5 * time.Second,
		MaxRetries:             20,
		EventProcessingTimeout: 10 * time.Second,
		MaxBufferedEvents:      100,
	}
}

// updateOptions bound the optimistic update transaction loop.
type updateOptions struct {
	maxAttempts int
	minDelay    time.Duration
	maxDelay    time.Duration
}

func defaultUpdateOptions() updateOptions {
	return updateOptions{
		maxAttempts: 50,
		minDelay:    5 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
}

// UpdateOption configures a single Update or UpdateRejectable call.
type UpdateOption func(*updateOptions)

// WithMaxAttempts sets the retry budget of the update loop.
// Exceeding it fails the update with ErrRetriesExceeded.
func WithMaxAttempts(n int) UpdateOption {
	return func(o *updateOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithMinDelay sets the minimum backoff delay between CAS attempts.
func WithMinDelay(d time.Duration) UpdateOption {
	return func(o *updateOptions) {
		if d > 0 {
			o.minDelay = d
		}
	}
}

// WithMaxDelay caps the backoff delay between CAS attempts.
func WithMaxDelay(d time.Duration) UpdateOption {
	return func(o *updateOptions) {
		if d > 0 {
			o.maxDelay = d
		}
	}
}

// cacheSettings collects everything configurable at cache creation.
type cacheSettings[K comparable, T Document[K, T]] struct {
	config        CacheConfig
	streamConfig  ChangeStreamConfig
	indexes       []UniqueIndex[K, T]
	validator     func(before, after T) error
	driver        Driver[K, T]
	tokens        tokenstore.Store
	drainTimeout  time.Duration
	watchDisabled bool
	traceDir      string
}

func newCacheSettings[K comparable, T Document[K, T]](opts ...CacheOption[K, T]) *cacheSettings[K, T] {
	s := &cacheSettings[K, T]{
		config:       DefaultCacheConfig(),
		streamConfig: DefaultChangeStreamConfig(),
		drainTimeout: 60 * time.Second,
		traceDir:     "trace",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CacheOption configures a cache at creation time.
type CacheOption[K comparable, T Document[K, T]] func(*cacheSettings[K, T])

// WithCacheConfig replaces the per-cache behavior switches.
func WithCacheConfig[K comparable, T Document[K, T]](cfg CacheConfig) CacheOption[K, T] {
	return func(s *cacheSettings[K, T]) { s.config = cfg }
}

// WithChangeStreamConfig replaces the replicator configuration.
func WithChangeStreamConfig[K comparable, T Document[K, T]](cfg ChangeStreamConfig) CacheOption[K, T] {
	return func(s *cacheSettings[K, T]) { s.streamConfig = cfg }
}

// WithUniqueIndex declares a unique secondary index. Indexes must be
// declared before the cache reaches its ready state; the catalog is
// immutable afterwards.
func WithUniqueIndex[K comparable, T Document[K, T]](index UniqueIndex[K, T]) CacheOption[K, T] {
	return func(s *cacheSettings[K, T]) { s.indexes = append(s.indexes, index) }
}

// WithUpdateValidator installs a hook invoked on every update with the
// before and after documents. Returning an error rejects the update; it is
// surfaced as a DocumentUpdateError failure.
func WithUpdateValidator[K comparable, T Document[K, T]](fn func(before, after T) error) CacheOption[K, T] {
	return func(s *cacheSettings[K, T]) { s.validator = fn }
}

// WithDriver overrides the storage driver chosen from the client's
// StorageMode. Primarily useful for tests.
func WithDriver[K comparable, T Document[K, T]](d Driver[K, T]) CacheOption[K, T] {
	return func(s *cacheSettings[K, T]) { s.driver = d }
}

// WithTokenStore selects where the replicator persists its durable resume
// token. Defaults to an in-memory store.
func WithTokenStore[K comparable, T Document[K, T]](store tokenstore.Store) CacheOption[K, T] {
	return func(s *cacheSettings[K, T]) { s.tokens = store }
}

// WithDrainTimeout bounds the graceful-drain wait during Stop.
func WithDrainTimeout[K comparable, T Document[K, T]](d time.Duration) CacheOption[K, T] {
	return func(s *cacheSettings[K, T]) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithTraceDir sets the directory for failure trace files.
func WithTraceDir[K comparable, T Document[K, T]](dir string) CacheOption[K, T] {
	return func(s *cacheSettings[K, T]) {
		if dir != "" {
			s.traceDir = dir
		}
	}
}

// WithoutChangeStream disables the replicator for the cache. Reconciliation
// of external mutations is then the host's responsibility.
func WithoutChangeStream[K comparable, T Document[K, T]]() CacheOption[K, T] {
	return func(s *cacheSettings[K, T]) { s.watchDisabled = true }
}
