package doccache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"doccache/core"

	jsonpatch "github.com/evanphx/json-patch"
	"go.uber.org/zap"
)

// EditFunc transforms a document during an update transaction. It receives
// a private working copy; mutating and returning that copy is the normal
// pattern. It must not touch the key or version and must never hand back
// the cache's resident instance.
type EditFunc[T any] func(doc T) (T, error)

// Diff describes what an update changed, as an RFC 7396 merge patch over
// the JSON forms of the before and after documents.
type Diff struct {
	MergePatch []byte
	HasChanges bool
}

// Update runs fn inside an optimistic CAS transaction: read the current
// document, apply fn to a working copy, bump the version and replace the
// stored document only if nobody else got there first, retrying with
// backoff on contention. On success the returned document is the new bound
// instance.
func (c *Cache[K, T]) Update(ctx context.Context, key K, fn EditFunc[T], opts ...UpdateOption) DefiniteResult[T] {
	res, _ := c.update(ctx, key, fn, false, opts)
	return res
}

// UpdateRejectable is Update with a cooperative escape hatch: fn may return
// ErrRejectUpdate to abandon the transaction before any store write, which
// surfaces as the Rejected variant instead of a failure.
func (c *Cache[K, T]) UpdateRejectable(ctx context.Context, key K, fn EditFunc[T], opts ...UpdateOption) RejectableResult[T] {
	res, _ := c.update(ctx, key, fn, true, opts)
	return res
}

// UpdateWithDiff is Update, additionally reporting the merge-patch diff
// between the previous and the new document.
func (c *Cache[K, T]) UpdateWithDiff(ctx context.Context, key K, fn EditFunc[T], opts ...UpdateOption) (DefiniteResult[T], Diff) {
	return c.update(ctx, key, fn, false, opts)
}

func (c *Cache[K, T]) update(ctx context.Context, key K, fn EditFunc[T], rejectable bool, opts []UpdateOption) (Result[T], Diff) {
	o := c.updateOpts
	for _, opt := range opts {
		opt(&o)
	}

	if err := c.begin(); err != nil {
		return Fail[T](err), Diff{}
	}
	defer c.tracker.end()

	base, ok := c.lookup(key)
	if !ok {
		notifyOperation(c.name, OpUpdate, OutcomeNotFound)
		return Fail[T](ErrDocumentNotFound), Diff{}
	}

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Fail[T](err), Diff{}
		}

		next, res := c.runEdit(base, key, fn, rejectable)
		if !res.IsSuccess() {
			if res.IsFailure() {
				notifyOperation(c.name, OpUpdate, outcomeOf(res.Err()))
			} else if res.IsRejected() {
				notifyOperation(c.name, OpUpdate, OutcomeRejected)
			}
			return res, Diff{}
		}

		cas, err := c.driver.ReplaceIfVersionMatches(ctx, key, base.DocumentVersion(), next)
		switch {
		case errors.Is(err, errWriteConflict):
			// Transient store-side conflict; same document, same attempt
			// budget, fresh backoff.
		case err != nil:
			notifyOperation(c.name, OpUpdate, outcomeOf(err))
			if isCancellation(err) {
				return Fail[T](err), Diff{}
			}
			var dup *DuplicateKeyError
			if errors.As(err, &dup) {
				return Fail[T](err), Diff{}
			}
			return Fail[T](fmt.Errorf("replace failed: %w", err)), Diff{}
		case cas.Matched > 0:
			bound := c.acceptFromStore(next)
			diff := computeDiff(base, next)
			notifyUpdateAttempts(c.name, attempt)
			notifyOperation(c.name, OpUpdate, OutcomeSuccess)
			return Ok(bound), diff
		default:
			// CAS precondition failed: somebody else advanced the document.
			latest, readErr := c.driver.Read(ctx, key)
			if errors.Is(readErr, ErrDocumentNotFound) {
				c.evictLocal(key)
				notifyOperation(c.name, OpUpdate, OutcomeNotFound)
				return Fail[T](ErrDocumentNotFound), Diff{}
			}
			if readErr != nil {
				notifyOperation(c.name, OpUpdate, outcomeOf(readErr))
				if isCancellation(readErr) {
					return Fail[T](readErr), Diff{}
				}
				return Fail[T](fmt.Errorf("reload after contention failed: %w", readErr)), Diff{}
			}
			base = c.acceptFromStore(latest)
		}

		if attempt < o.maxAttempts {
			if err := sleepBackoff(ctx, retryBackoff(attempt, c.driver.HalfRTT(), o)); err != nil {
				return Fail[T](err), Diff{}
			}
		}
	}

	notifyOperation(c.name, OpUpdate, OutcomeRetriesExceeded)
	return Fail[T](fmt.Errorf("%w after %d attempts", ErrRetriesExceeded, o.maxAttempts)), Diff{}
}

// runEdit performs the store-free half of one attempt: copy, edit,
// contract checks, version bump and validation. A Success result carries
// no value; next is the candidate document to CAS in.
func (c *Cache[K, T]) runEdit(base T, key K, fn EditFunc[T], rejectable bool) (T, Result[T]) {
	var zero T
	version := base.DocumentVersion()

	work := base.CopyWithVersion(version)
	if sameInstance(work, base) || work.DocumentVersion() != version {
		return zero, Fail[T](ErrInvalidCopyHelper)
	}

	edited, err := fn(work)
	if err != nil {
		if errors.Is(err, ErrRejectUpdate) && rejectable {
			reason := "update rejected"
			var due *DocumentUpdateError
			if errors.As(err, &due) {
				reason = due.Reason
			}
			return zero, Reject[T](reason)
		}
		if isCancellation(err) {
			return zero, Fail[T](err)
		}
		return zero, Fail[T](fmt.Errorf("edit function failed: %w", err))
	}

	// Returning the mutated working copy is fine; handing back the cached
	// instance is not, that one is shared.
	if sameInstance(edited, base) {
		return zero, Fail[T](ErrSameInstanceReturned)
	}
	if edited.DocumentKey() != key {
		return zero, Fail[T](ErrIllegalKeyModification)
	}
	if edited.DocumentVersion() != version {
		return zero, Fail[T](ErrIllegalVersionModification)
	}

	next := edited.CopyWithVersion(version + 1)
	if sameInstance(next, edited) || next.DocumentVersion() != version+1 {
		return zero, Fail[T](ErrInvalidCopyHelper)
	}

	if c.validator != nil {
		if verr := c.validator(base, next); verr != nil {
			var due *DocumentUpdateError
			if errors.As(verr, &due) {
				return zero, Fail[T](due)
			}
			return zero, Fail[T](NewDocumentUpdateError("update validator rejected the change", verr))
		}
	}

	return next, Ok(zero)
}

// retryBackoff computes the delay before the next CAS attempt. The first
// two retries use a short fixed floor with wide jitter; later ones grow
// geometrically from the driver's half round-trip estimate.
func retryBackoff(attempt int, halfRTT time.Duration, o updateOptions) time.Duration {
	if attempt <= 2 {
		return o.minDelay + time.Duration(10+rand.Intn(20))*time.Millisecond
	}

	base := halfRTT
	if base < o.minDelay {
		base = o.minDelay
	}

	d := float64(base)
	for i := 2; i < attempt; i++ {
		d *= 1.2
		if d > float64(o.maxDelay) {
			break
		}
	}
	if d > float64(o.maxDelay) {
		d = float64(o.maxDelay)
	}

	// +-20% jitter, then re-clamp.
	d *= 0.8 + rand.Float64()*0.4
	if d < float64(o.minDelay) {
		d = float64(o.minDelay)
	}
	if d > float64(o.maxDelay) {
		d = float64(o.maxDelay)
	}
	return time.Duration(d)
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// computeDiff renders the before/after documents to JSON and derives the
// RFC 7396 merge patch. Diff computation is best effort; a marshalling
// failure yields an empty diff and a warning.
func computeDiff[T any](before, after T) Diff {
	b, err := json.Marshal(before)
	if err != nil {
		zapWarnDiff(err)
		return Diff{}
	}
	a, err := json.Marshal(after)
	if err != nil {
		zapWarnDiff(err)
		return Diff{}
	}
	patch, err := jsonpatch.CreateMergePatch(b, a)
	if err != nil {
		zapWarnDiff(err)
		return Diff{}
	}
	return Diff{MergePatch: patch, HasChanges: len(patch) > 2}
}

func zapWarnDiff(err error) {
	core.Warn("failed to compute update diff", zap.Error(err))
}
