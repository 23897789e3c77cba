package doccache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"doccache/core"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Client is a handle on one configured store connection. All caches of a
// process usually share a single client.
type Client struct {
	config Config
	mongo  *mongo.Client
}

// Connect establishes the store connection described by cfg. For
// StorageModeMongo the URI is dialed and pinged; StorageModeMemory needs no
// connection at all.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.StorageMode == "" {
		cfg.StorageMode = StorageModeMongo
	}
	if cfg.Debug {
		if err := core.ConfigureLogger(true, "debug"); err != nil {
			return nil, err
		}
	}

	c := &Client{config: cfg}

	switch cfg.StorageMode {
	case StorageModeMemory:
		// Nothing to dial.
	case StorageModeMongo:
		mc, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.StoreURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to store: %w", err)
		}
		if err := mc.Ping(ctx, nil); err != nil {
			_ = mc.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to ping store: %w", err)
		}
		c.mongo = mc
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.StorageMode)
	}

	core.Info("store client connected",
		zap.String("mode", string(cfg.StorageMode)),
		zap.String("namespace_prefix", cfg.NamespacePrefix))
	return c, nil
}

// Config returns a copy of the client configuration.
func (c *Client) Config() Config { return c.config }

// Disconnect stops every cache registered under this client in the default
// registry, then tears the store connection down.
func (c *Client) Disconnect(ctx context.Context) error {
	for _, reg := range defaultRegistry.Registrations() {
		if reg.client == c {
			reg.StopAll(ctx)
		}
	}
	if c.mongo != nil {
		if err := c.mongo.Disconnect(ctx); err != nil {
			return fmt.Errorf("failed to disconnect store client: %w", err)
		}
	}
	return nil
}

// stoppable is the slice of the cache surface a registration needs for
// shutdown tracking.
type stoppable interface {
	Name() string
	Stop(ctx context.Context) error
}

// Registration binds one logical database name to a client. Caches created
// under it are tracked so the registration can shut them down together.
type Registration struct {
	client *Client
	name   string
	full   string

	mu     sync.Mutex
	caches map[string]stoppable
}

// Name returns the logical database name as registered.
func (r *Registration) Name() string { return r.name }

// FullDatabaseName returns the store-side database name, namespace prefix
// applied exactly once and lowercased.
func (r *Registration) FullDatabaseName() string { return r.full }

// Client returns the owning client.
func (r *Registration) Client() *Client { return r.client }

func (r *Registration) trackCache(c stoppable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caches[c.Name()] = c
}

func (r *Registration) untrackCache(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.caches, name)
}

// CacheNames returns the names of the caches currently tracked.
func (r *Registration) CacheNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	return names
}

// StopAll stops every tracked cache. Errors are logged, not returned; a
// cache that fails to stop cleanly does not block its siblings.
func (r *Registration) StopAll(ctx context.Context) {
	r.mu.Lock()
	caches := make([]stoppable, 0, len(r.caches))
	for _, c := range r.caches {
		caches = append(caches, c)
	}
	r.mu.Unlock()

	for _, c := range caches {
		if err := c.Stop(ctx); err != nil {
			core.Warn("cache did not stop cleanly",
				zap.String("database", r.full),
				zap.String("cache", c.Name()),
				zap.Error(err))
		}
	}
}

// qualifiedDatabaseName lowercases the name and prepends the namespace
// prefix unless it is already there, so re-registering a qualified name
// does not stack prefixes.
func qualifiedDatabaseName(prefix, name string) string {
	name = strings.ToLower(name)
	if prefix == "" {
		return name
	}
	prefix = strings.ToLower(prefix)
	if name == prefix || strings.HasPrefix(name, prefix+"_") {
		return name
	}
	return prefix + "_" + name
}

// Registry tracks database registrations, enforcing store-side name
// uniqueness across clients that share it.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Registration
}

// NewRegistry creates an empty registry. Production code uses the package
// default; separate instances are for tests.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Registration)}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the package-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register claims the logical database name under the client. The
// store-side name (prefix applied once, lowercased) must be unique within
// the registry; a second claim fails with ErrDuplicateDatabase.
func (r *Registry) Register(client *Client, name string) (*Registration, error) {
	if client == nil {
		return nil, fmt.Errorf("nil client")
	}
	if name == "" {
		return nil, fmt.Errorf("empty database name")
	}

	full := qualifiedDatabaseName(client.config.NamespacePrefix, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[full]; exists {
		return nil, fmt.Errorf("database %q: %w", full, ErrDuplicateDatabase)
	}

	reg := &Registration{
		client: client,
		name:   name,
		full:   full,
		caches: make(map[string]stoppable),
	}
	r.byName[full] = reg

	core.Info("database registered", zap.String("database", full))
	return reg, nil
}

// Registrations returns a snapshot of the current registrations.
func (r *Registry) Registrations() []*Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Registration, 0, len(r.byName))
	for _, reg := range r.byName {
		out = append(out, reg)
	}
	return out
}

// Unregister releases a database name. Tracked caches are left running;
// callers stop them first.
func (r *Registry) Unregister(full string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, full)
}

// Reset drops every registration. Intended for test teardown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]*Registration)
}

// Register claims a database name in the default registry.
func Register(client *Client, name string) (*Registration, error) {
	return defaultRegistry.Register(client, name)
}

// driverForRegistration builds the Driver matching the registration's
// storage mode.
func driverForRegistration[K comparable, T Document[K, T]](reg *Registration, collection string, codec KeyCodec[K]) (Driver[K, T], error) {
	switch reg.client.config.StorageMode {
	case StorageModeMemory:
		return NewMemoryDriver[K, T](codec), nil
	case StorageModeMongo, "":
		if reg.client.mongo == nil {
			return nil, fmt.Errorf("client has no store connection")
		}
		return NewMongoDriver[K, T](reg.client.mongo, reg.full, collection, codec)
	default:
		return nil, fmt.Errorf("unknown storage mode %q", reg.client.config.StorageMode)
	}
}
