package doccache

import (
	"errors"
	"sync"

	"doccache/core"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Operation names a cache operation for metrics purposes.
type Operation string

const (
	OpInsert  Operation = "insert"
	OpRead    Operation = "read"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpReplace Operation = "replace"
)

// Outcome classifies how an operation ended.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeFailure          Outcome = "failure"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeRejected         Outcome = "rejected"
	OutcomeRetriesExceeded  Outcome = "retries_exceeded"
	OutcomeDuplicatePrimary Outcome = "duplicate_primary_key"
	OutcomeDuplicateIndex   Outcome = "duplicate_unique_index"
)

// Observer receives operation outcomes from every cache in the process.
// Implementations must not block; slow consumers should buffer internally.
type Observer interface {
	// OperationCompleted fires once per finished CRUD operation.
	OperationCompleted(cache string, op Operation, outcome Outcome)

	// ChangeEventApplied fires once per change-stream event applied to a
	// cache.
	ChangeEventApplied(cache string, event EventType)

	// UpdateAttempts reports how many CAS attempts a successful update
	// transaction needed.
	UpdateAttempts(cache string, attempts int)
}

var observerRegistry = struct {
	mu        sync.RWMutex
	observers []Observer
}{}

// RegisterObserver adds an observer to the process-wide metrics fan-out.
func RegisterObserver(o Observer) {
	observerRegistry.mu.Lock()
	defer observerRegistry.mu.Unlock()
	observerRegistry.observers = append(observerRegistry.observers, o)
}

// UnregisterObserver removes a previously registered observer.
func UnregisterObserver(o Observer) {
	observerRegistry.mu.Lock()
	defer observerRegistry.mu.Unlock()
	kept := observerRegistry.observers[:0]
	for _, reg := range observerRegistry.observers {
		if reg != o {
			kept = append(kept, reg)
		}
	}
	observerRegistry.observers = kept
}

// ResetObservers removes every registered observer. Intended for test
// teardown.
func ResetObservers() {
	observerRegistry.mu.Lock()
	defer observerRegistry.mu.Unlock()
	observerRegistry.observers = nil
}

func snapshotObservers() []Observer {
	observerRegistry.mu.RLock()
	defer observerRegistry.mu.RUnlock()
	out := make([]Observer, len(observerRegistry.observers))
	copy(out, observerRegistry.observers)
	return out
}

// notifyOperation broadcasts an operation outcome. A panicking observer is
// isolated and logged; the broadcast never blocks the operation path.
func notifyOperation(cache string, op Operation, outcome Outcome) {
	for _, o := range snapshotObservers() {
		safeNotify(func() { o.OperationCompleted(cache, op, outcome) })
	}
}

func notifyChangeEvent(cache string, event EventType) {
	for _, o := range snapshotObservers() {
		safeNotify(func() { o.ChangeEventApplied(cache, event) })
	}
}

func notifyUpdateAttempts(cache string, attempts int) {
	for _, o := range snapshotObservers() {
		safeNotify(func() { o.UpdateAttempts(cache, attempts) })
	}
}

func safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			core.Error("metrics observer panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// outcomeOf derives the metrics outcome from a result error.
func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrDocumentNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrRetriesExceeded):
		return OutcomeRetriesExceeded
	case errors.Is(err, ErrDuplicatePrimaryKey):
		return OutcomeDuplicatePrimary
	case errors.Is(err, ErrDuplicateUniqueIndex):
		return OutcomeDuplicateIndex
	default:
		return OutcomeFailure
	}
}

// PrometheusObserver exports the fan-out as Prometheus collectors:
// an operation counter, a change-event counter and an attempt histogram.
type PrometheusObserver struct {
	operations   *prometheus.CounterVec
	changeEvents *prometheus.CounterVec
	attempts     *prometheus.HistogramVec
}

// NewPrometheusObserver builds the collectors and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doccache_operations_total",
			Help: "Cache operations by operation and outcome.",
		}, []string{"cache", "op", "outcome"}),
		changeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doccache_change_events_total",
			Help: "Change-stream events applied, by event type.",
		}, []string{"cache", "type"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doccache_update_attempts",
			Help:    "CAS attempts needed per successful update transaction.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
		}, []string{"cache"}),
	}

	for _, c := range []prometheus.Collector{o.operations, o.changeEvents, o.attempts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OperationCompleted(cache string, op Operation, outcome Outcome) {
	o.operations.WithLabelValues(cache, string(op), string(outcome)).Inc()
}

func (o *PrometheusObserver) ChangeEventApplied(cache string, event EventType) {
	o.changeEvents.WithLabelValues(cache, string(event)).Inc()
}

func (o *PrometheusObserver) UpdateAttempts(cache string, attempts int) {
	o.attempts.WithLabelValues(cache).Observe(float64(attempts))
}
