package doccache

import (
	"context"
	"testing"

	"doccache/tokenstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManagerPromoteAndDiscard(t *testing.T) {
	ctx := context.Background()
	store := tokenstore.NewMemoryStore()
	m := newTokenManager(store, "db/players")

	durable, err := m.durable(ctx)
	require.NoError(t, err)
	assert.Nil(t, durable)

	// Nothing in flight yet; promote is a no-op.
	m.promote(ctx)
	durable, err = m.durable(ctx)
	require.NoError(t, err)
	assert.Nil(t, durable)

	m.advance([]byte("tok-1"))
	m.advance([]byte("tok-2"))
	m.promote(ctx)

	durable, err = m.durable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("tok-2"), durable)

	m.discard(ctx)
	durable, err = m.durable(ctx)
	require.NoError(t, err)
	assert.Nil(t, durable)
}

func TestTokenManagerPromotesAfterEventThreshold(t *testing.T) {
	ctx := context.Background()
	store := tokenstore.NewMemoryStore()
	m := newTokenManager(store, "db/players")

	for i := 0; i < tokenPromoteEvents-1; i++ {
		m.advance([]byte{byte(i)})
		m.maybePromote(ctx)
	}
	durable, err := m.durable(ctx)
	require.NoError(t, err)
	assert.Nil(t, durable, "below the threshold nothing is promoted")

	m.advance([]byte("final"))
	m.maybePromote(ctx)

	durable, err = m.durable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("final"), durable)
}

func TestTokenManagerAdvanceIgnoresNil(t *testing.T) {
	m := newTokenManager(tokenstore.NewMemoryStore(), "db/players")

	m.advance([]byte("tok"))
	m.advance(nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []byte("tok"), m.inflight)
}
