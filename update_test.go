package doccache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateBumpsVersionByOne(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestFixture(t, WithoutChangeStream[string, *player]())

	require.True(t, cache.Create(ctx, "u1", newPlayer("Ada", 100)).IsSuccess())

	for want := int64(1); want <= 5; want++ {
		res := cache.Update(ctx, "u1", func(p *player) (*player, error) {
			p.Balance++
			return p, nil
		})
		require.True(t, res.IsSuccess(), "update to v%d failed: %v", want, res.Err())
		assert.Equal(t, want, res.MustGet().Version)
	}
	assert.Equal(t, int64(105), cache.Read("u1").MustGet().Balance)
}

func TestConcurrentUpdatesLoseNothing(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestFixture(t, WithoutChangeStream[string, *player]())

	require.True(t, cache.Create(ctx, "u1", newPlayer("Ada", 100)).IsSuccess())

	increments := []int64{10, 5}
	var wg sync.WaitGroup
	results := make([]Result[*player], len(increments))
	for i, inc := range increments {
		wg.Add(1)
		go func(i int, inc int64) {
			defer wg.Done()
			results[i] = cache.Update(ctx, "u1", func(p *player) (*player, error) {
				p.Balance += inc
				return p, nil
			})
		}(i, inc)
	}
	wg.Wait()

	for i, res := range results {
		require.True(t, res.IsSuccess(), "updater %d failed: %v", i, res.Err())
	}

	final := cache.Read("u1").MustGet()
	assert.Equal(t, int64(2), final.Version, "both updates must land in a v0->v1->v2 chain")
	assert.Equal(t, int64(115), final.Balance)
}

func TestManyConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestFixture(t, WithoutChangeStream[string, *player]())

	require.True(t, cache.Create(ctx, "u1", newPlayer("Ada", 0)).IsSuccess())

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := cache.Update(ctx, "u1", func(p *player) (*player, error) {
				p.Balance++
				return p, nil
			})
			require.True(t, res.IsSuccess(), "update failed: %v", res.Err())
		}()
	}
	wg.Wait()

	final := cache.Read("u1").MustGet()
	assert.Equal(t, int64(workers), final.Version)
	assert.Equal(t, int64(workers), final.Balance)
}

func TestUpdateMissingDocument(t *testing.T) {
	cache, _ := newTestFixture(t, WithoutChangeStream[string, *player]())

	res := cache.Update(context.Background(), "ghost", func(p *player) (*player, error) {
		return p, nil
	})
	require.True(t, res.IsFailure())
	assert.ErrorIs(t, res.Err(), ErrDocumentNotFound)
}

func TestUpdateContractViolations(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestFixture(t, WithoutChangeStream[string, *player]())
	require.True(t, cache.Create(ctx, "u1", newPlayer("Ada", 100)).IsSuccess())

	sameInstanceRes := cache.Update(ctx, "u1", func(p *player) (*player, error) {
		return p, nil
	})
	// Mutating and returning the working copy is legal; it is a distinct
	// instance from both the cached document and the loop's base.
	require.True(t, sameInstanceRes.IsSuccess())

	cached := cache.Read("u1").MustGet()
	echo := cache.Update(ctx, "u1", func(p *player) (*player, error) {
		return cached, nil
	})
	require.True(t, echo.IsFailure())
	assert.ErrorIs(t, echo.Err(), ErrSameInstanceReturned)

	keyMod := cache.Update(ctx, "u1", func(p *player) (*player, error) {
		p.ID = "u2"
		return p, nil
	})
	require.True(t, keyMod.IsFailure())
	assert.ErrorIs(t, keyMod.Err(), ErrIllegalKeyModification)

	versionMod := cache.Update(ctx, "u1", func(p *player) (*player, error) {
		p.Version = 99
		return p, nil
	})
	require.True(t, versionMod.IsFailure())
	assert.ErrorIs(t, versionMod.Err(), ErrIllegalVersionModification)

	editErr := errors.New("business rule violated")
	failed := cache.Update(ctx, "u1", func(p *player) (*player, error) {
		return nil, editErr
	})
	require.True(t, failed.IsFailure())
	assert.ErrorIs(t, failed.Err(), editErr)
}

// miscopy is a document whose copy helper violates the copy contract: it
// either hands back its receiver or attaches the wrong version.
type miscopy struct {
	Meta    `bson:"-" json:"-"`
	ID      string `bson:"_id"`
	Version int64  `bson:"version"`

	returnSelf bool
}

func (m *miscopy) DocumentKey() string    { return m.ID }
func (m *miscopy) DocumentVersion() int64 { return m.Version }

func (m *miscopy) CopyWithVersion(v int64) *miscopy {
	if m.returnSelf {
		return m
	}
	c := *m
	c.Version = v + 7
	return &c
}

func TestUpdateRejectsBrokenCopyHelper(t *testing.T) {
	ctx := context.Background()

	client, err := Connect(ctx, Config{StorageMode: StorageModeMemory, NamespacePrefix: "test"})
	require.NoError(t, err)
	reg, err := NewRegistry().Register(client, fmt.Sprintf("game%d", testDBSeq.Add(1)))
	require.NoError(t, err)

	cache, err := NewCache[string, *miscopy](ctx, reg, "miscopies", StringKeys{},
		WithDriver[string, *miscopy](NewMemoryDriver[string, *miscopy](StringKeys{})),
		WithoutChangeStream[string, *miscopy](),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Stop(context.Background()) })

	require.True(t, cache.Create(ctx, "m1", func(key string) *miscopy {
		return &miscopy{ID: key}
	}).IsSuccess())

	// The helper mints a copy carrying the wrong version.
	wrongVersion := cache.Update(ctx, "m1", func(m *miscopy) (*miscopy, error) {
		return m, nil
	})
	require.True(t, wrongVersion.IsFailure())
	assert.ErrorIs(t, wrongVersion.Err(), ErrInvalidCopyHelper)

	// The helper hands back its receiver instead of a copy.
	cache.Read("m1").MustGet().returnSelf = true
	selfCopy := cache.Update(ctx, "m1", func(m *miscopy) (*miscopy, error) {
		return m, nil
	})
	require.True(t, selfCopy.IsFailure())
	assert.ErrorIs(t, selfCopy.Err(), ErrInvalidCopyHelper)

	// Neither attempt touched the stored document.
	assert.Equal(t, int64(0), cache.Read("m1").MustGet().Version)
}

func TestUpdateValidatorRejection(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestFixture(t,
		WithoutChangeStream[string, *player](),
		WithUpdateValidator[string, *player](func(before, after *player) error {
			if after.Balance < 0 {
				return NewDocumentUpdateError("balance must not go negative", nil)
			}
			return nil
		}),
	)
	require.True(t, cache.Create(ctx, "u1", newPlayer("Ada", 10)).IsSuccess())

	res := cache.Update(ctx, "u1", func(p *player) (*player, error) {
		p.Balance = -1
		return p, nil
	})
	require.True(t, res.IsFailure())
	assert.ErrorIs(t, res.Err(), ErrUpdateValidation)

	var due *DocumentUpdateError
	require.ErrorAs(t, res.Err(), &due)
	assert.Equal(t, "balance must not go negative", due.Reason)

	// The rejected update never reached the store.
	assert.Equal(t, int64(10), cache.Read("u1").MustGet().Balance)
	assert.Equal(t, int64(0), cache.Read("u1").MustGet().Version)
}

func TestUpdateRejectableLeavesEverythingUntouched(t *testing.T) {
	ctx := context.Background()
	cache, driver := newTestFixture(t, WithoutChangeStream[string, *player]())
	require.True(t, cache.Create(ctx, "u1", newPlayer("Ada", 10)).IsSuccess())

	before, err := driver.Read(ctx, "u1")
	require.NoError(t, err)

	res := cache.UpdateRejectable(ctx, "u1", func(p *player) (*player, error) {
		if p.Balance < 50 {
			return nil, ErrRejectUpdate
		}
		p.Balance = 0
		return p, nil
	})
	require.True(t, res.IsRejected())
	assert.NotEmpty(t, res.Reason())

	after, err := driver.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected update must not touch the store")
	assert.Equal(t, int64(10), cache.Read("u1").MustGet().Balance)
}

func TestUpdateRejectSentinelFailsPlainUpdate(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestFixture(t, WithoutChangeStream[string, *player]())
	require.True(t, cache.Create(ctx, "u1", newPlayer("Ada", 10)).IsSuccess())

	res := cache.Update(ctx, "u1", func(p *player) (*player, error) {
		return nil, ErrRejectUpdate
	})
	require.True(t, res.IsFailure())
	assert.ErrorIs(t, res.Err(), ErrRejectUpdate)
}

func TestUpdateWithDiff(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestFixture(t, WithoutChangeStream[string, *player]())
	require.True(t, cache.Create(ctx, "u1", newPlayer("Ada", 100)).IsSuccess())

	res, diff := cache.UpdateWithDiff(ctx, "u1", func(p *player) (*player, error) {
		p.Balance = 250
		return p, nil
	})
	require.True(t, res.IsSuccess())
	assert.True(t, diff.HasChanges)
	assert.Contains(t, string(diff.MergePatch), "250")
	assert.NotContains(t, string(diff.MergePatch), "Ada", "unchanged fields stay out of a merge patch")
}

// casLoser fails every version-conditioned replace with a clean miss,
// simulating an updater that always loses the race.
type casLoser struct {
	Driver[string, *player]
}

func (d casLoser) ReplaceIfVersionMatches(ctx context.Context, key string, version int64, doc *player) (CASResult, error) {
	return CASResult{}, nil
}

func TestUpdateRetriesExceeded(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryDriver[string, *player](StringKeys{})
	cache, _ := newTestFixture(t,
		WithoutChangeStream[string, *player](),
		WithDriver[string, *player](casLoser{inner}),
	)

	require.NoError(t, inner.Insert(ctx, &player{ID: "u1", Name: "Ada", Balance: 1}))
	require.True(t, cache.ReadFromStore(ctx, "u1").IsSuccess())

	res := cache.Update(ctx, "u1", func(p *player) (*player, error) {
		p.Balance++
		return p, nil
	}, WithMaxAttempts(3), WithMinDelay(time.Millisecond), WithMaxDelay(2*time.Millisecond))
	require.True(t, res.IsFailure())
	assert.ErrorIs(t, res.Err(), ErrRetriesExceeded)
}

func TestUpdateCancellationPropagatesRaw(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestFixture(t, WithoutChangeStream[string, *player]())
	require.True(t, cache.Create(ctx, "u1", newPlayer("Ada", 1)).IsSuccess())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	res := cache.Update(cancelled, "u1", func(p *player) (*player, error) {
		p.Balance++
		return p, nil
	})
	require.True(t, res.IsFailure())
	assert.ErrorIs(t, res.Err(), context.Canceled)
}

func TestRetryBackoffBounds(t *testing.T) {
	o := defaultUpdateOptions()

	for attempt := 1; attempt <= 2; attempt++ {
		for i := 0; i < 100; i++ {
			d := retryBackoff(attempt, 0, o)
			assert.GreaterOrEqual(t, d, 15*time.Millisecond)
			assert.Less(t, d, 35*time.Millisecond)
		}
	}

	for attempt := 3; attempt <= 60; attempt++ {
		d := retryBackoff(attempt, 20*time.Millisecond, o)
		assert.GreaterOrEqual(t, d, o.minDelay)
		assert.LessOrEqual(t, d, o.maxDelay)
	}
}
