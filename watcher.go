package doccache

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"doccache/core"

	"go.uber.org/zap"
)

// ReplicatorState is the state of a cache's change-stream replicator.
type ReplicatorState int32

const (
	ReplicatorIdle ReplicatorState = iota
	ReplicatorStarting
	ReplicatorRunning
	ReplicatorBackingOff
	ReplicatorStopping
	ReplicatorFailed
	ReplicatorShutdown
)

func (s ReplicatorState) String() string {
	switch s {
	case ReplicatorIdle:
		return "IDLE"
	case ReplicatorStarting:
		return "STARTING"
	case ReplicatorRunning:
		return "RUNNING"
	case ReplicatorBackingOff:
		return "BACKING_OFF"
	case ReplicatorStopping:
		return "STOPPING"
	case ReplicatorFailed:
		return "FAILED"
	default:
		return "SHUTDOWN"
	}
}

// WatchEvent is the typed change notification delivered to subscribers.
type WatchEvent[K comparable, T Document[K, T]] struct {
	Type   EventType
	Key    K
	HasKey bool
	Doc    T
	HasDoc bool
}

// replicator tails the collection's change stream and reconciles the
// mirror. A producer goroutine feeds a bounded queue, a single consumer
// applies events in order; when the queue stays full the producer degrades
// to applying events directly so the mirror never stalls behind a slow
// consumer.
type replicator[K comparable, T Document[K, T]] struct {
	cache   *Cache[K, T]
	cfg     ChangeStreamConfig
	tokens  *tokenManager
	traces  *core.TraceRecorder
	preload ResumePoint

	stateVal atomic.Int32
	degraded atomic.Bool
	lost     atomic.Int64

	queue  chan ChangeEvent[K, T]
	ctx    context.Context
	cancel context.CancelFunc

	producerDone chan struct{}
	consumerDone chan struct{}

	subMu   sync.Mutex
	subs    map[int64]chan WatchEvent[K, T]
	nextSub int64

	logger *zap.Logger
}

func newReplicator[K comparable, T Document[K, T]](cache *Cache[K, T], cfg ChangeStreamConfig, tokens *tokenManager, traces *core.TraceRecorder, preload ResumePoint) *replicator[K, T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &replicator[K, T]{
		cache:        cache,
		cfg:          cfg,
		tokens:       tokens,
		traces:       traces,
		preload:      preload,
		queue:        make(chan ChangeEvent[K, T], cfg.MaxBufferedEvents),
		ctx:          ctx,
		cancel:       cancel,
		producerDone: make(chan struct{}),
		consumerDone: make(chan struct{}),
		subs:         make(map[int64]chan WatchEvent[K, T]),
		logger:       cache.logger,
	}
}

func (r *replicator[K, T]) state() ReplicatorState {
	return ReplicatorState(r.stateVal.Load())
}

func (r *replicator[K, T]) setState(s ReplicatorState) {
	old := ReplicatorState(r.stateVal.Swap(int32(s)))
	if old != s {
		r.logger.Debug("replicator state changed",
			zap.String("from", old.String()),
			zap.String("to", s.String()))
	}
}

func (r *replicator[K, T]) start() {
	go r.consume()
	go r.run()
}

// run is the producer loop: open a stream at the best known position, pump
// it until it ends, reconnect with backoff. It exits on shutdown, on an
// exhausted retry budget or on a fatal error.
func (r *replicator[K, T]) run() {
	defer close(r.producerDone)

	attempt := 0
	for {
		if r.ctx.Err() != nil {
			r.setState(ReplicatorShutdown)
			return
		}

		r.setState(ReplicatorStarting)
		handle, err := r.openStream()
		if err == nil {
			attempt = 0
			r.setState(ReplicatorRunning)
			err = r.pump(handle)

			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = handle.Close(closeCtx)
			cancel()
		}

		if r.ctx.Err() != nil {
			r.setState(ReplicatorShutdown)
			return
		}

		if err != nil {
			if errors.Is(err, ErrResumePointLost) {
				// The persisted position fell out of the store's retention.
				// Forget it and restart from the best remaining position.
				r.logger.Warn("change stream resume point lost, restarting without token")
				r.tokens.discard(context.Background())
				r.preload = ResumePoint{}
			} else {
				r.logger.Warn("change stream ended", zap.Error(err))
			}
		}

		attempt++
		if r.cfg.MaxRetries > 0 && attempt > r.cfg.MaxRetries {
			r.setState(ReplicatorFailed)
			r.traces.Record(r.cache.name, "change stream replicator gave up after exhausting its retry budget", err)
			return
		}

		r.setState(ReplicatorBackingOff)
		if sleepBackoff(r.ctx, reconnectBackoff(attempt, r.cfg)) != nil {
			r.setState(ReplicatorShutdown)
			return
		}
	}
}

// openStream opens a change stream at the strongest available resume
// position: durable token, then pre-load operation time, then now.
func (r *replicator[K, T]) openStream() (StreamHandle[K, T], error) {
	var start StreamStart

	token, err := r.tokens.durable(r.ctx)
	if err != nil {
		r.logger.Warn("failed to load durable resume token", zap.Error(err))
	}

	switch {
	case token != nil:
		start.ResumeToken = token
	case !r.preload.IsZero():
		start.OperationTime = r.preload
	default:
		r.logger.Warn("no resume position available, streaming from now; earlier external changes will not be replayed")
	}

	handle, err := r.cache.driver.OpenChangeStream(r.ctx, start)
	if errors.Is(err, ErrResumePointLost) && start.ResumeToken != nil {
		// Stale token; retry once at the operation-time fallback.
		r.tokens.discard(context.Background())
		start = StreamStart{OperationTime: r.preload}
		return r.cache.driver.OpenChangeStream(r.ctx, start)
	}
	return handle, err
}

// pump forwards stream events into the bounded queue until the stream ends.
// Terminal events force a reconnect from scratch; their resume token is
// not trustworthy.
func (r *replicator[K, T]) pump(handle StreamHandle[K, T]) error {
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case ev, ok := <-handle.Events():
			if !ok {
				return handle.Err()
			}
			if ev.Type.terminal() {
				r.logger.Warn("change stream invalidated",
					zap.String("event", string(ev.Type)))
				r.tokens.discard(context.Background())
				return nil
			}
			r.offer(ev)
		}
	}
}

// offer hands an event to the consumer. When the queue stays full through
// three short retries the replicator degrades: the event is applied
// directly on the producer goroutine, trading fan-out latency for mirror
// correctness.
func (r *replicator[K, T]) offer(ev ChangeEvent[K, T]) {
	for i := 0; i < 3; i++ {
		select {
		case r.queue <- ev:
			if r.degraded.Swap(false) {
				r.logger.Info("replicator recovered from degraded mode")
			}
			return
		case <-r.ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}

	if !r.degraded.Swap(true) {
		r.logger.Warn("event queue full, entering degraded direct-apply mode",
			zap.Int("capacity", cap(r.queue)))
	}
	r.applyTimed(ev)
}

// consume is the single consumer applying queued events in order.
func (r *replicator[K, T]) consume() {
	defer close(r.consumerDone)

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.drainQueue()
			return
		case ev := <-r.queue:
			r.applyTimed(ev)
		case <-tick.C:
			r.tokens.maybePromote(r.ctx)
		}
	}
}

// drainQueue applies events still queued at shutdown, under a short bound,
// so a clean stop does not depend on replay after restart.
func (r *replicator[K, T]) drainQueue() {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.queue:
			r.applyTimed(ev)
		case <-deadline:
			return
		default:
			return
		}
	}
}

// applyTimed bounds one event application with the configured timeout.
// Application is in-memory and fast; the bound exists to surface a wedged
// subscriber or lock.
func (r *replicator[K, T]) applyTimed(ev ChangeEvent[K, T]) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.apply(ev)
	}()

	select {
	case <-done:
	case <-time.After(r.cfg.EventProcessingTimeout):
		r.logger.Error("change event processing exceeded its timeout",
			zap.String("event", string(ev.Type)),
			zap.Duration("timeout", r.cfg.EventProcessingTimeout))
		<-done
	}
}

// apply reconciles the mirror with one event and advances the resume
// position. Events older than the resident entry are absorbed by the
// acceptance funnel, so re-applying a window of events after a reconnect
// is harmless.
func (r *replicator[K, T]) apply(ev ChangeEvent[K, T]) {
	switch ev.Type {
	case EventInsert, EventUpdate, EventReplace:
		if ev.HasDoc {
			r.cache.acceptFromStore(ev.Doc)
		} else if ev.HasKey {
			r.lost.Add(1)
			r.logger.Warn("change event carried no document, mirror may lag until next read-through",
				zap.String("event", string(ev.Type)))
		}
	case EventDelete:
		if ev.HasKey {
			r.cache.evictLocal(ev.Key)
		}
	default:
		r.lost.Add(1)
		r.logger.Warn("unhandled change event type", zap.String("event", string(ev.Type)))
	}

	notifyChangeEvent(r.cache.name, ev.Type)
	r.tokens.advance(ev.Token)
	r.tokens.maybePromote(r.ctx)
	r.broadcast(ev)
}

// broadcast fans the event out to subscribers. Slow subscribers are
// skipped, never waited on.
func (r *replicator[K, T]) broadcast(ev ChangeEvent[K, T]) {
	we := WatchEvent[K, T]{
		Type:   ev.Type,
		Key:    ev.Key,
		HasKey: ev.HasKey,
		Doc:    ev.Doc,
		HasDoc: ev.HasDoc,
	}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- we:
		default:
			r.logger.Warn("subscriber too slow, dropping change event",
				zap.Int64("subscriber", id),
				zap.String("event", string(we.Type)))
		}
	}
}

// subscribe registers a watch channel that lives until ctx is cancelled or
// the replicator shuts down.
func (r *replicator[K, T]) subscribe(ctx context.Context) <-chan WatchEvent[K, T] {
	ch := make(chan WatchEvent[K, T], 64)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-r.ctx.Done():
		}
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
		close(ch)
	}()

	return ch
}

// stop shuts the replicator down, waits for its goroutines under ctx and
// promotes the final resume position.
func (r *replicator[K, T]) stop(ctx context.Context) {
	r.setState(ReplicatorStopping)
	r.cancel()

	for _, done := range []<-chan struct{}{r.producerDone, r.consumerDone} {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	r.tokens.promote(context.Background())
	r.setState(ReplicatorShutdown)
}

// reconnectBackoff grows the reconnect delay geometrically (factor 1.5)
// from the configured initial delay, capped and jittered by +-10%.
func reconnectBackoff(attempt int, cfg ChangeStreamConfig) time.Duration {
	if attempt > 20 {
		attempt = 20
	}

	d := float64(cfg.InitialRetryDelay)
	for i := 1; i < attempt; i++ {
		d *= 1.5
		if d > float64(cfg.MaxRetryDelay) {
			break
		}
	}
	if d > float64(cfg.MaxRetryDelay) {
		d = float64(cfg.MaxRetryDelay)
	}

	d *= 0.9 + rand.Float64()*0.2
	if d > float64(cfg.MaxRetryDelay) {
		d = float64(cfg.MaxRetryDelay)
	}
	return time.Duration(d)
}
