package doccache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"doccache/core"
	"doccache/tokenstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReplicatorAppliesExternalMutations(t *testing.T) {
	ctx := context.Background()
	cache, driver := newTestFixture(t)

	// External client writes straight into the store at an arbitrary version.
	require.NoError(t, driver.Insert(ctx, &player{ID: "u2", Name: "Ext", Balance: 1024, Version: 42}))

	require.Eventually(t, func() bool {
		return cache.Read("u2").IsSuccess()
	}, time.Second, 10*time.Millisecond, "external insert did not reach the mirror")

	doc := cache.Read("u2").MustGet()
	assert.Equal(t, "Ext", doc.Name)
	assert.Equal(t, int64(1024), doc.Balance)
	assert.Equal(t, int64(42), doc.Version)

	// External delete evicts the mirror entry.
	_, err := driver.Delete(ctx, "u2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return cache.Read("u2").IsEmpty()
	}, time.Second, 10*time.Millisecond, "external delete did not evict the mirror entry")
}

func TestReplicatorEchoDoesNotDowngrade(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestFixture(t)

	require.True(t, cache.Create(ctx, "u1", newPlayer("Ada", 100)).IsSuccess())
	updated := cache.Update(ctx, "u1", func(p *player) (*player, error) {
		p.Balance += 50
		return p, nil
	})
	require.True(t, updated.IsSuccess())
	want := updated.MustGet()

	// The stream echoes the insert and replace back; the acceptance funnel
	// must absorb both without replacing the resident instance.
	time.Sleep(200 * time.Millisecond)
	assert.Same(t, want, cache.Read("u1").MustGet())
	assert.Equal(t, int64(1), cache.Read("u1").MustGet().Version)
}

func TestReplicatorSubscribeFanOut(t *testing.T) {
	ctx := context.Background()
	cache, driver := newTestFixture(t)

	sub, err := cache.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, driver.Insert(ctx, &player{ID: "w1", Name: "Watch", Balance: 1}))

	select {
	case ev := <-sub:
		assert.Equal(t, EventInsert, ev.Type)
		require.True(t, ev.HasKey)
		assert.Equal(t, "w1", ev.Key)
		require.True(t, ev.HasDoc)
		assert.Equal(t, "Watch", ev.Doc.Name)
	case <-time.After(time.Second):
		t.Fatal("subscriber received no event")
	}
}

func TestSubscribeWithoutChangeStream(t *testing.T) {
	cache, _ := newTestFixture(t, WithoutChangeStream[string, *player]())

	_, err := cache.Subscribe(context.Background())
	assert.Error(t, err)
}

func TestReplicatorResumesFromDurableToken(t *testing.T) {
	ctx := context.Background()

	client, err := Connect(ctx, Config{StorageMode: StorageModeMemory, NamespacePrefix: "test"})
	require.NoError(t, err)

	driver := NewMemoryDriver[string, *player](StringKeys{})
	tokens := tokenstore.NewMemoryStore()

	dbName := fmt.Sprintf("resume%d", testDBSeq.Add(1))
	open := func() (*Cache[string, *player], *Registration) {
		reg, err := NewRegistry().Register(client, dbName)
		require.NoError(t, err)
		cache, err := NewCache[string, *player](ctx, reg, "players", StringKeys{},
			WithDriver[string, *player](driver),
			WithTokenStore[string, *player](tokens),
			WithChangeStreamConfig[string, *player](DevChangeStreamConfig()),
			WithTraceDir[string, *player](t.TempDir()),
		)
		require.NoError(t, err)
		return cache, reg
	}

	first, reg := open()
	require.NoError(t, driver.Insert(ctx, &player{ID: "e1", Name: "First", Balance: 1}))
	require.Eventually(t, func() bool { return first.Contains("e1") }, time.Second, 10*time.Millisecond)

	// Stop promotes the in-flight position.
	require.NoError(t, first.Stop(ctx))
	durable, err := tokens.Load(ctx, reg.FullDatabaseName()+"/players")
	require.NoError(t, err)
	require.NotNil(t, durable, "stop must promote the resume token")

	second, _ := open()
	t.Cleanup(func() { _ = second.Stop(context.Background()) })

	sub, err := second.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, driver.Insert(ctx, &player{ID: "e2", Name: "Second", Balance: 2}))

	// The first delivered event is the post-token insert; processed events
	// from before the restart are not replayed.
	select {
	case ev := <-sub:
		require.True(t, ev.HasKey)
		assert.Equal(t, "e2", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("no event after resume")
	}
}

// fakeStream is a hand-fed StreamHandle for replicator control-flow tests.
type fakeStream struct {
	ch  chan ChangeEvent[string, *player]
	err error
}

func (s *fakeStream) Events() <-chan ChangeEvent[string, *player] { return s.ch }
func (s *fakeStream) Err() error                                  { return s.err }
func (s *fakeStream) Close(ctx context.Context) error             { return nil }

// scriptedDriver serves pre-built stream handles before delegating to the
// embedded driver.
type scriptedDriver struct {
	Driver[string, *player]

	mu      sync.Mutex
	handles []StreamHandle[string, *player]
	opens   int
}

func (d *scriptedDriver) OpenChangeStream(ctx context.Context, start StreamStart) (StreamHandle[string, *player], error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if len(d.handles) > 0 {
		h := d.handles[0]
		d.handles = d.handles[1:]
		return h, nil
	}
	return d.Driver.OpenChangeStream(ctx, start)
}

func (d *scriptedDriver) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func TestReplicatorReconnectsAfterTerminalEvent(t *testing.T) {
	terminal := &fakeStream{ch: make(chan ChangeEvent[string, *player], 1)}
	scripted := &scriptedDriver{
		Driver:  NewMemoryDriver[string, *player](StringKeys{}),
		handles: []StreamHandle[string, *player]{terminal},
	}

	cache, _ := newTestFixture(t, WithDriver[string, *player](scripted))

	terminal.ch <- ChangeEvent[string, *player]{Type: EventDrop}
	close(terminal.ch)

	require.Eventually(t, func() bool {
		return scripted.openCount() >= 2
	}, 3*time.Second, 20*time.Millisecond, "replicator did not reconnect after a terminal event")

	require.Eventually(t, func() bool {
		return cache.watcher.state() == ReplicatorRunning
	}, 3*time.Second, 20*time.Millisecond)
}

func TestReplicatorDegradedDirectApply(t *testing.T) {
	cache, _ := newTestFixture(t, WithoutChangeStream[string, *player]())

	cfg := DevChangeStreamConfig()
	cfg.MaxBufferedEvents = 1
	r := newReplicator(cache, cfg,
		newTokenManager(tokenstore.NewMemoryStore(), "degraded/players"),
		core.NewTraceRecorder(t.TempDir()),
		ResumePoint{})
	// No consumer is started: the queue fills and stays full.

	r.queue <- ChangeEvent[string, *player]{Type: EventInsert}

	doc := &player{ID: "d1", Name: "Direct", Balance: 1, Version: 3}
	r.offer(ChangeEvent[string, *player]{
		Type: EventInsert, Key: "d1", HasKey: true, Doc: doc, HasDoc: true,
	})

	assert.True(t, r.degraded.Load(), "full queue must flip the replicator into degraded mode")
	assert.True(t, cache.Contains("d1"), "degraded mode must apply the event directly")

	// Space again: the next offer goes through the queue and clears the flag.
	<-r.queue
	r.offer(ChangeEvent[string, *player]{Type: EventInsert, Key: "d2", HasKey: true})
	assert.False(t, r.degraded.Load())
}

func TestConsumerDrainsQueueOnShutdown(t *testing.T) {
	cache, _ := newTestFixture(t, WithoutChangeStream[string, *player]())

	r := newReplicator(cache, DevChangeStreamConfig(),
		newTokenManager(tokenstore.NewMemoryStore(), "drain/players"),
		core.NewTraceRecorder(t.TempDir()),
		ResumePoint{})

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("q%d", i)
		r.queue <- ChangeEvent[string, *player]{
			Type: EventInsert, Key: key, HasKey: true,
			Doc: &player{ID: key, Version: 1}, HasDoc: true,
		}
	}

	// Shutdown with the queue still loaded.
	r.cancel()
	go r.consume()

	select {
	case <-r.consumerDone:
	case <-time.After(time.Second):
		t.Fatal("consumer did not exit")
	}

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("q%d", i)
		assert.True(t, cache.Contains(key), "queued event %s was dropped at shutdown", key)
	}
}

func TestDegradedApplyHonorsProcessingTimeout(t *testing.T) {
	cache, _ := newTestFixture(t, WithoutChangeStream[string, *player]())

	cfg := DevChangeStreamConfig()
	cfg.MaxBufferedEvents = 1
	cfg.EventProcessingTimeout = 100 * time.Millisecond
	r := newReplicator(cache, cfg,
		newTokenManager(tokenstore.NewMemoryStore(), "timed/players"),
		core.NewTraceRecorder(t.TempDir()),
		ResumePoint{})

	obsCore, logs := observer.New(zapcore.WarnLevel)
	r.logger = zap.New(obsCore)

	// Full queue and no consumer: the next offer degrades to direct apply.
	r.queue <- ChangeEvent[string, *player]{Type: EventInsert}

	// Hold the mirror lock so the direct apply wedges past the timeout.
	cache.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.offer(ChangeEvent[string, *player]{
			Type: EventInsert, Key: "t1", HasKey: true,
			Doc: &player{ID: "t1", Version: 1}, HasDoc: true,
		})
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("change event processing exceeded its timeout").Len() > 0
	}, 2*time.Second, 10*time.Millisecond, "degraded apply ran without the processing timeout")

	cache.mu.Unlock()
	<-done
	assert.True(t, cache.Contains("t1"))
}

func TestReplicatorStateStrings(t *testing.T) {
	assert.Equal(t, "IDLE", ReplicatorIdle.String())
	assert.Equal(t, "RUNNING", ReplicatorRunning.String())
	assert.Equal(t, "BACKING_OFF", ReplicatorBackingOff.String())
	assert.Equal(t, "FAILED", ReplicatorFailed.String())
	assert.Equal(t, "SHUTDOWN", ReplicatorShutdown.String())
}

func TestReconnectBackoffBounds(t *testing.T) {
	cfg := DefaultChangeStreamConfig()

	for attempt := 1; attempt <= 40; attempt++ {
		d := reconnectBackoff(attempt, cfg)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, cfg.MaxRetryDelay)
	}

	// The first delay stays near the configured initial delay.
	d := reconnectBackoff(1, cfg)
	assert.GreaterOrEqual(t, d, time.Duration(float64(cfg.InitialRetryDelay)*0.9))
	assert.LessOrEqual(t, d, time.Duration(float64(cfg.InitialRetryDelay)*1.1)+time.Millisecond)
}

func TestEventTypeClassification(t *testing.T) {
	assert.Equal(t, EventInsert, eventTypeOf("insert"))
	assert.Equal(t, EventUnknown, eventTypeOf("mystery"))

	assert.True(t, EventDrop.terminal())
	assert.True(t, EventInvalidate.terminal())
	assert.False(t, EventInsert.terminal())
	assert.False(t, EventDelete.terminal())
}
