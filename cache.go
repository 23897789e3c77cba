package doccache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"doccache/core"
	"doccache/tokenstore"

	"go.uber.org/zap"
)

// Cache is a strongly consistent in-memory mirror of one store collection.
// Every document it returns is an immutable bound instance; mutation goes
// through Create, Update and Delete, never through the instances
// themselves.
type Cache[K comparable, T Document[K, T]] struct {
	name  string
	reg   *Registration
	codec KeyCodec[K]

	driver  Driver[K, T]
	catalog *indexCatalog[K, T]
	config  CacheConfig

	validator    func(before, after T) error
	drainTimeout time.Duration
	updateOpts   updateOptions

	state   atomic.Int32
	tracker taskTracker
	binding *cacheBinding

	mu      sync.RWMutex
	entries map[K]T

	watcher *replicator[K, T]
	logger  *zap.Logger
}

// NewCache materializes the cache for one collection under a registration:
// it ensures the declared unique indexes, bookmarks the store position,
// loads the full collection and starts the change-stream replicator before
// flipping to the ready state.
func NewCache[K comparable, T Document[K, T]](ctx context.Context, reg *Registration, collection string, codec KeyCodec[K], opts ...CacheOption[K, T]) (*Cache[K, T], error) {
	if reg == nil {
		return nil, fmt.Errorf("nil registration")
	}
	if collection == "" {
		return nil, fmt.Errorf("empty collection name")
	}

	settings := newCacheSettings(opts...)

	catalog, err := newIndexCatalog(settings.indexes)
	if err != nil {
		return nil, err
	}

	driver := settings.driver
	if driver == nil {
		driver, err = driverForRegistration[K, T](reg, collection, codec)
		if err != nil {
			return nil, err
		}
	}

	tokens := settings.tokens
	if tokens == nil {
		tokens = tokenstore.NewMemoryStore()
	}

	c := &Cache[K, T]{
		name:         collection,
		reg:          reg,
		codec:        codec,
		driver:       driver,
		catalog:      catalog,
		config:       settings.config,
		validator:    settings.validator,
		drainTimeout: settings.drainTimeout,
		updateOpts:   defaultUpdateOptions(),
		entries:      make(map[K]T),
		logger: core.With(
			zap.String("database", reg.FullDatabaseName()),
			zap.String("cache", collection)),
	}
	c.state.Store(int32(LifecycleInitializing))
	c.binding = &cacheBinding{
		cacheName: collection,
		database:  reg.FullDatabaseName(),
		status: func(key any, version int64) Status {
			k, ok := key.(K)
			if !ok {
				return StatusDetached
			}
			return c.Status(k, version)
		},
	}

	for _, ix := range catalog.all() {
		if err := driver.EnsureUniqueIndex(ctx, ix.Field); err != nil {
			return nil, fmt.Errorf("failed to ensure index %q: %w", ix.Field, err)
		}
	}

	// Bookmark the store position before the full load so the replicator
	// can replay everything that happened during it.
	preload, err := driver.CurrentOperationTime(ctx)
	if err != nil {
		return nil, err
	}

	loaded := 0
	err = driver.ReadAll(ctx, func(doc T) error {
		c.acceptFromStore(doc)
		loaded++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initial load failed: %w", err)
	}

	if !settings.watchDisabled {
		manager := newTokenManager(tokens, reg.FullDatabaseName()+"/"+collection)
		traces := core.NewTraceRecorder(settings.traceDir)
		c.watcher = newReplicator(c, settings.streamConfig, manager, traces, preload)
		c.watcher.start()
	}

	c.state.Store(int32(LifecycleReady))
	reg.trackCache(c)

	c.logger.Info("cache ready",
		zap.Int("documents", loaded),
		zap.Bool("change_stream", !settings.watchDisabled))
	return c, nil
}

// Name returns the collection name the cache mirrors.
func (c *Cache[K, T]) Name() string { return c.name }

// Lifecycle returns the current lifecycle state.
func (c *Cache[K, T]) Lifecycle() Lifecycle {
	return Lifecycle(c.state.Load())
}

// begin is the admission gate for suspending operations.
func (c *Cache[K, T]) begin() error {
	switch c.Lifecycle() {
	case LifecycleInitializing:
		return ErrCacheNotReady
	case LifecycleDraining:
		return ErrCacheDraining
	case LifecycleStopped:
		return ErrCacheClosed
	}
	return c.tracker.begin()
}

// acceptFromStore is the single funnel through which store-authoritative
// documents enter the mirror. With optimistic caching it enforces version
// monotonicity: an incoming document no newer than the resident entry is
// discarded and the resident entry returned. The accepted instance is
// bound to the cache.
func (c *Cache[K, T]) acceptFromStore(doc T) T {
	key := doc.DocumentKey()

	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.entries[key]; ok && c.config.OptimisticCaching &&
		doc.DocumentVersion() <= current.DocumentVersion() {
		return current
	}

	doc.metaRef().origin = c.binding
	c.entries[key] = doc
	return doc
}

// evictLocal drops the mirror entry for a key and reports whether one was
// resident. The store is untouched.
func (c *Cache[K, T]) evictLocal(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// lookup returns the resident entry for a key.
func (c *Cache[K, T]) lookup(key K) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.entries[key]
	return doc, ok
}

// Create inserts a brand-new document built by factory. The factory must
// produce a detached instance carrying exactly the given key and version 0.
func (c *Cache[K, T]) Create(ctx context.Context, key K, factory func(key K) T) DefiniteResult[T] {
	if err := c.begin(); err != nil {
		return Fail[T](err)
	}
	defer c.tracker.end()

	doc := factory(key)
	if doc.DocumentKey() != key || doc.DocumentVersion() != 0 {
		notifyOperation(c.name, OpInsert, OutcomeFailure)
		return Fail[T](fmt.Errorf("%w: factory must return key %v at version 0",
			ErrInvalidInitializer, key))
	}

	if err := c.driver.Insert(ctx, doc); err != nil {
		notifyOperation(c.name, OpInsert, outcomeOf(err))
		if isCancellation(err) {
			return Fail[T](err)
		}
		return Fail[T](fmt.Errorf("insert failed: %w", err))
	}

	bound := c.acceptFromStore(doc)
	notifyOperation(c.name, OpInsert, OutcomeSuccess)
	return Ok(bound)
}

// CreateRandom inserts a new document under a freshly minted key.
func (c *Cache[K, T]) CreateRandom(ctx context.Context, factory func(key K) T) DefiniteResult[T] {
	return c.Create(ctx, c.codec.NewKey(), factory)
}

// Read returns the resident document for a key. It is a pure in-memory
// lookup and never touches the store.
func (c *Cache[K, T]) Read(key K) OptionalResult[T] {
	doc, ok := c.lookup(key)
	if !ok {
		return None[T]()
	}
	return Ok(doc)
}

// ReadFromStore bypasses the mirror, fetches the document from the store
// and reconciles the mirror with what it finds. A store miss evicts any
// resident entry.
func (c *Cache[K, T]) ReadFromStore(ctx context.Context, key K) OptionalResult[T] {
	if err := c.begin(); err != nil {
		return Fail[T](err)
	}
	defer c.tracker.end()

	doc, err := c.driver.Read(ctx, key)
	if errors.Is(err, ErrDocumentNotFound) {
		c.evictLocal(key)
		notifyOperation(c.name, OpRead, OutcomeNotFound)
		return None[T]()
	}
	if err != nil {
		notifyOperation(c.name, OpRead, outcomeOf(err))
		if isCancellation(err) {
			return Fail[T](err)
		}
		return Fail[T](fmt.Errorf("store read failed: %w", err))
	}

	notifyOperation(c.name, OpRead, OutcomeSuccess)
	return Ok(c.acceptFromStore(doc))
}

// ReadByUniqueIndex fetches the document carrying value under a declared
// unique index. The store answer is rechecked against the index's equality
// before it is trusted; a mismatch reports Empty.
func (c *Cache[K, T]) ReadByUniqueIndex(ctx context.Context, field string, value any) OptionalResult[T] {
	ix, ok := c.catalog.lookup(field)
	if !ok {
		return Fail[T](fmt.Errorf("index %q: %w", field, ErrUnknownUniqueIndex))
	}

	if err := c.begin(); err != nil {
		return Fail[T](err)
	}
	defer c.tracker.end()

	doc, err := c.driver.ReadByUniqueIndex(ctx, field, value)
	if errors.Is(err, ErrDocumentNotFound) {
		return None[T]()
	}
	if err != nil {
		if isCancellation(err) {
			return Fail[T](err)
		}
		return Fail[T](fmt.Errorf("index read failed: %w", err))
	}

	if !ix.matches(doc, value) {
		c.logger.Warn("indexed read returned a document not carrying the requested value",
			zap.String("index", field))
		return None[T]()
	}
	return Ok(c.acceptFromStore(doc))
}

// Delete removes a document from the mirror and the store. The boolean
// reports whether the mirror held the document.
func (c *Cache[K, T]) Delete(ctx context.Context, key K) DefiniteResult[bool] {
	if err := c.begin(); err != nil {
		return Fail[bool](err)
	}
	defer c.tracker.end()

	resident := c.evictLocal(key)

	if _, err := c.driver.Delete(ctx, key); err != nil {
		notifyOperation(c.name, OpDelete, outcomeOf(err))
		if isCancellation(err) {
			return Fail[bool](err)
		}
		return Fail[bool](fmt.Errorf("delete failed: %w", err))
	}
	notifyOperation(c.name, OpDelete, OutcomeSuccess)
	return Ok(resident)
}

// Status reports how a (key, version) pair relates to the mirror.
func (c *Cache[K, T]) Status(key K, version int64) Status {
	doc, ok := c.lookup(key)
	if !ok {
		return StatusDeleted
	}
	if doc.DocumentVersion() == version {
		return StatusFresh
	}
	return StatusStale
}

// Keys returns a snapshot of the resident keys.
func (c *Cache[K, T]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]K, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return keys
}

// Size returns the number of resident documents.
func (c *Cache[K, T]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Contains reports whether the mirror holds the key.
func (c *Cache[K, T]) Contains(key K) bool {
	_, ok := c.lookup(key)
	return ok
}

// ClearAll removes every document from the store and the mirror. It is
// refused unless the cache was configured with EnableMassDestructiveOps.
func (c *Cache[K, T]) ClearAll(ctx context.Context) DefiniteResult[int64] {
	if !c.config.EnableMassDestructiveOps {
		return Fail[int64](ErrMassDestructiveOpsDisabled)
	}
	if err := c.begin(); err != nil {
		return Fail[int64](err)
	}
	defer c.tracker.end()

	removed, err := c.driver.Clear(ctx)
	if err != nil {
		if isCancellation(err) {
			return Fail[int64](err)
		}
		return Fail[int64](fmt.Errorf("clear failed: %w", err))
	}

	c.mu.Lock()
	c.entries = make(map[K]T)
	c.mu.Unlock()

	c.logger.Warn("cache cleared", zap.Int64("removed", removed))
	return Ok(removed)
}

// Subscribe attaches a typed watcher to the cache's change-stream fan-out.
// The channel closes when ctx is cancelled or the cache stops. It fails
// when the cache runs without a change stream.
func (c *Cache[K, T]) Subscribe(ctx context.Context) (<-chan WatchEvent[K, T], error) {
	if c.watcher == nil {
		return nil, fmt.Errorf("cache %q runs without a change stream", c.name)
	}
	return c.watcher.subscribe(ctx), nil
}

// Stop drains the cache: new work is rejected, in-flight operations are
// awaited under the drain timeout, then the replicator is shut down.
// Stopping an already stopped cache is a no-op.
func (c *Cache[K, T]) Stop(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(LifecycleReady), int32(LifecycleDraining)) {
		if c.Lifecycle() == LifecycleStopped {
			return nil
		}
		if !c.state.CompareAndSwap(int32(LifecycleInitializing), int32(LifecycleDraining)) {
			return nil
		}
	}

	remaining := c.tracker.drain(ctx, c.name, c.drainTimeout)

	if c.watcher != nil {
		c.watcher.stop(ctx)
	}

	c.state.Store(int32(LifecycleStopped))
	c.reg.untrackCache(c.name)

	c.logger.Info("cache stopped", zap.Int("abandoned_operations", remaining))
	return nil
}
