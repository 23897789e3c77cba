package doccache

import (
	"context"
	"sync"
	"time"

	"doccache/core"
	"doccache/tokenstore"

	"go.uber.org/zap"
)

// Promotion cadence of the in-flight resume token. Durable writes are kept
// off the per-event hot path; losing the in-flight token on a crash only
// means re-applying events, which the acceptance funnel dedupes.
const (
	tokenPromoteInterval = 5 * time.Minute
	tokenPromoteEvents   = 1000
)

// tokenManager tracks the change-stream position of one cache. The
// in-flight token advances on every applied event; it is promoted to the
// durable store periodically and on clean shutdown.
type tokenManager struct {
	store tokenstore.Store
	key   string

	mu           sync.Mutex
	inflight     []byte
	sincePromote int
	lastPromote  time.Time
}

func newTokenManager(store tokenstore.Store, key string) *tokenManager {
	return &tokenManager{
		store:       store,
		key:         key,
		lastPromote: time.Now(),
	}
}

// durable loads the last promoted token, nil when none was ever saved.
func (m *tokenManager) durable(ctx context.Context) ([]byte, error) {
	return m.store.Load(ctx, m.key)
}

// advance records the token of an applied event as the new in-flight
// position.
func (m *tokenManager) advance(token []byte) {
	if token == nil {
		return
	}
	m.mu.Lock()
	m.inflight = append(m.inflight[:0], token...)
	m.sincePromote++
	m.mu.Unlock()
}

// maybePromote promotes the in-flight token when enough events or time
// accumulated since the last promotion.
func (m *tokenManager) maybePromote(ctx context.Context) {
	m.mu.Lock()
	due := m.sincePromote >= tokenPromoteEvents ||
		(m.sincePromote > 0 && time.Since(m.lastPromote) >= tokenPromoteInterval)
	m.mu.Unlock()

	if due {
		m.promote(ctx)
	}
}

// promote writes the in-flight token to the durable store. Failures are
// logged and swallowed; the worst case is a longer replay after restart.
func (m *tokenManager) promote(ctx context.Context) {
	m.mu.Lock()
	if m.inflight == nil {
		m.mu.Unlock()
		return
	}
	token := append([]byte(nil), m.inflight...)
	m.sincePromote = 0
	m.lastPromote = time.Now()
	m.mu.Unlock()

	if err := m.store.Save(ctx, m.key, token); err != nil {
		core.Warn("failed to promote resume token",
			zap.String("stream", m.key),
			zap.Error(err))
	}
}

// discard forgets both the in-flight and the durable token, used when the
// store reports the resume point as no longer available.
func (m *tokenManager) discard(ctx context.Context) {
	m.mu.Lock()
	m.inflight = nil
	m.sincePromote = 0
	m.mu.Unlock()

	if err := m.store.Delete(ctx, m.key); err != nil {
		core.Warn("failed to discard stale resume token",
			zap.String("stream", m.key),
			zap.Error(err))
	}
}
