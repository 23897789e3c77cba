package doccache

import (
	"context"
	"encoding/binary"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"doccache/core"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

// memHistoryLimit bounds the replayable event history of a MemoryDriver.
// Resuming from a token older than the retained window reports
// ErrResumePointLost, mirroring a store whose oplog rolled over.
const memHistoryLimit = 4096

// MemoryDriver is the in-process Driver implementation. It emulates the
// store contract completely, including unique-index enforcement,
// version-conditioned replaces and a resumable change stream, and is the
// backend behind StorageModeMemory as well as the unit-test substrate.
//
// Documents are stored and returned as detached deep copies, so instances
// held by callers never alias the driver's state.
type MemoryDriver[K comparable, T Document[K, T]] struct {
	codec KeyCodec[K]

	mu       sync.RWMutex
	docs     map[K]T
	unique   []string
	seq      uint64
	history  []memEvent[K, T]
	sessions map[int64]*memStream[K, T]
	nextSess int64
	closed   bool
}

type memEvent[K comparable, T any] struct {
	seq uint64
	ev  ChangeEvent[K, T]
}

// NewMemoryDriver creates an empty in-memory driver.
func NewMemoryDriver[K comparable, T Document[K, T]](codec KeyCodec[K]) *MemoryDriver[K, T] {
	return &MemoryDriver[K, T]{
		codec:    codec,
		docs:     make(map[K]T),
		sessions: make(map[int64]*memStream[K, T]),
		nextSess: 1,
	}
}

// cloneDocument mints a detached deep copy of a document. Unexported
// fields (the cache binding among them) are deliberately not carried over.
func cloneDocument[T any](doc T) (T, error) {
	var zero T
	v := reflect.ValueOf(doc)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return zero, fmt.Errorf("document must be a non-nil pointer")
	}
	fresh := reflect.New(v.Type().Elem())
	if err := copier.CopyWithOption(fresh.Interface(), doc, copier.Option{DeepCopy: true}); err != nil {
		return zero, fmt.Errorf("failed to deep-copy document: %w", err)
	}
	return fresh.Interface().(T), nil
}

// wireFieldValue extracts the value serialized under the given wire name,
// matching bson struct tags first and lowercased field names second.
func wireFieldValue(doc any, field string) (any, bool) {
	v := reflect.ValueOf(doc)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, false
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("bson")
		if tag != "" {
			tag = strings.Split(tag, ",")[0]
		}
		if tag == "-" {
			continue
		}
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		if tag == field {
			return v.Field(i).Interface(), true
		}
	}
	return nil, false
}

func (d *MemoryDriver[K, T]) Insert(ctx context.Context, doc T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp, err := cloneDocument(doc)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := cp.DocumentKey()
	if _, exists := d.docs[key]; exists {
		return &DuplicateKeyError{Index: primaryKeyField}
	}
	if field, violated := d.uniqueViolation(cp, key); violated {
		return &DuplicateKeyError{Index: field}
	}

	d.docs[key] = cp
	d.emit(ChangeEvent[K, T]{Type: EventInsert, Key: key, HasKey: true, Doc: cp, HasDoc: true})
	return nil
}

func (d *MemoryDriver[K, T]) Read(ctx context.Context, key K) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	d.mu.RLock()
	doc, ok := d.docs[key]
	d.mu.RUnlock()

	if !ok {
		return zero, ErrDocumentNotFound
	}
	return cloneDocument(doc)
}

func (d *MemoryDriver[K, T]) Delete(ctx context.Context, key K) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.docs[key]; !ok {
		return false, nil
	}
	delete(d.docs, key)
	d.emit(ChangeEvent[K, T]{Type: EventDelete, Key: key, HasKey: true})
	return true, nil
}

func (d *MemoryDriver[K, T]) ReadAll(ctx context.Context, fn func(doc T) error) error {
	d.mu.RLock()
	snapshot := make([]T, 0, len(d.docs))
	for _, doc := range d.docs {
		snapshot = append(snapshot, doc)
	}
	d.mu.RUnlock()

	for _, doc := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		cp, err := cloneDocument(doc)
		if err != nil {
			return err
		}
		if err := fn(cp); err != nil {
			return err
		}
	}
	return nil
}

func (d *MemoryDriver[K, T]) ReadKeys(ctx context.Context, fn func(key K) error) error {
	d.mu.RLock()
	keys := make([]K, 0, len(d.docs))
	for key := range d.docs {
		keys = append(keys, key)
	}
	d.mu.RUnlock()

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

func (d *MemoryDriver[K, T]) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return int64(len(d.docs)), nil
}

func (d *MemoryDriver[K, T]) HasKey(ctx context.Context, key K) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.docs[key]
	return ok, nil
}

func (d *MemoryDriver[K, T]) Clear(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := int64(len(d.docs))
	for key := range d.docs {
		delete(d.docs, key)
		d.emit(ChangeEvent[K, T]{Type: EventDelete, Key: key, HasKey: true})
	}
	return removed, nil
}

func (d *MemoryDriver[K, T]) ReplaceIfVersionMatches(ctx context.Context, key K, version int64, doc T) (CASResult, error) {
	if err := ctx.Err(); err != nil {
		return CASResult{}, err
	}
	cp, err := cloneDocument(doc)
	if err != nil {
		return CASResult{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.docs[key]
	if !ok || current.DocumentVersion() != version {
		return CASResult{}, nil
	}
	if field, violated := d.uniqueViolation(cp, key); violated {
		return CASResult{}, &DuplicateKeyError{Index: field}
	}

	d.docs[key] = cp
	d.emit(ChangeEvent[K, T]{Type: EventReplace, Key: key, HasKey: true, Doc: cp, HasDoc: true})
	return CASResult{Matched: 1, Modified: 1}, nil
}

func (d *MemoryDriver[K, T]) EnsureUniqueIndex(ctx context.Context, field string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.unique {
		if existing == field {
			return nil
		}
	}
	d.unique = append(d.unique, field)
	return nil
}

func (d *MemoryDriver[K, T]) ReadByUniqueIndex(ctx context.Context, field string, value any) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	d.mu.RLock()
	var found T
	var ok bool
	for _, doc := range d.docs {
		if fv, has := wireFieldValue(doc, field); has && reflect.DeepEqual(fv, value) {
			found, ok = doc, true
			break
		}
	}
	d.mu.RUnlock()

	if !ok {
		return zero, ErrDocumentNotFound
	}
	return cloneDocument(found)
}

// uniqueViolation reports whether doc collides with another stored document
// on any registered unique field. Callers hold the write lock.
func (d *MemoryDriver[K, T]) uniqueViolation(doc T, selfKey K) (string, bool) {
	for _, field := range d.unique {
		value, ok := wireFieldValue(doc, field)
		if !ok || value == nil {
			continue
		}
		for key, other := range d.docs {
			if key == selfKey {
				continue
			}
			if ov, ok := wireFieldValue(other, field); ok && reflect.DeepEqual(ov, value) {
				return field, true
			}
		}
	}
	return "", false
}

func (d *MemoryDriver[K, T]) CurrentOperationTime(ctx context.Context) (ResumePoint, error) {
	if err := ctx.Err(); err != nil {
		return ResumePoint{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return seqToPoint(d.seq), nil
}

func (d *MemoryDriver[K, T]) HalfRTT() time.Duration {
	// In-process round-trips are negligible; the update loop floors the
	// backoff base at its minimum delay.
	return 0
}

// seqToPoint packs an event sequence number into a non-zero ResumePoint.
func seqToPoint(seq uint64) ResumePoint {
	return ResumePoint{T: uint32(seq>>32) + 1, I: uint32(seq)}
}

func pointToSeq(p ResumePoint) uint64 {
	return uint64(p.T-1)<<32 | uint64(p.I)
}

func seqToToken(seq uint64) []byte {
	tok := make([]byte, 8)
	binary.BigEndian.PutUint64(tok, seq)
	return tok
}

func tokenToSeq(tok []byte) (uint64, bool) {
	if len(tok) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(tok), true
}

// emit appends the event to the replay history and fans it out to open
// sessions. Callers hold the write lock.
func (d *MemoryDriver[K, T]) emit(ev ChangeEvent[K, T]) {
	d.seq++
	ev.Token = seqToToken(d.seq)

	d.history = append(d.history, memEvent[K, T]{seq: d.seq, ev: ev})
	if len(d.history) > memHistoryLimit {
		d.history = d.history[len(d.history)-memHistoryLimit:]
	}

	for _, sess := range d.sessions {
		sess.deliver(ev)
	}
}

// memStream is one open change-stream session on a MemoryDriver.
type memStream[K comparable, T Document[K, T]] struct {
	driver *MemoryDriver[K, T]
	id     int64
	ch     chan ChangeEvent[K, T]
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (d *MemoryDriver[K, T]) OpenChangeStream(ctx context.Context, start StreamStart) (StreamHandle[K, T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrCacheClosed
	}

	var after uint64
	switch {
	case start.ResumeToken != nil:
		seq, ok := tokenToSeq(start.ResumeToken)
		if !ok {
			return nil, fmt.Errorf("malformed resume token")
		}
		if oldest := d.oldestRetained(); seq+1 < oldest {
			return nil, ErrResumePointLost
		}
		after = seq
	case !start.OperationTime.IsZero():
		seq := pointToSeq(start.OperationTime)
		if oldest := d.oldestRetained(); seq+1 < oldest {
			return nil, ErrResumePointLost
		}
		after = seq
	default:
		after = d.seq
	}

	sess := &memStream[K, T]{
		driver: d,
		id:     d.nextSess,
		ch:     make(chan ChangeEvent[K, T], memHistoryLimit+64),
		done:   make(chan struct{}),
	}
	d.nextSess++

	// Replay the retained backlog before going live; the channel is sized
	// to hold the entire retained window.
	for _, h := range d.history {
		if h.seq > after {
			sess.ch <- h.ev
		}
	}
	d.sessions[sess.id] = sess

	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Close(context.Background())
		case <-sess.done:
		}
	}()

	return sess, nil
}

// oldestRetained returns the lowest event sequence still replayable, or 1
// when nothing has been evicted yet. Callers hold a lock.
func (d *MemoryDriver[K, T]) oldestRetained() uint64 {
	if len(d.history) == 0 {
		return d.seq + 1
	}
	return d.history[0].seq
}

// Close shuts the driver down and terminates every open stream session.
func (d *MemoryDriver[K, T]) Close() error {
	d.mu.Lock()
	sessions := make([]*memStream[K, T], 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.closed = true
	d.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close(context.Background())
	}
	return nil
}

func (s *memStream[K, T]) deliver(ev ChangeEvent[K, T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		core.Warn("memory change stream session overflow, dropping event",
			zap.Int64("session", s.id),
			zap.String("type", string(ev.Type)))
	}
}

func (s *memStream[K, T]) Events() <-chan ChangeEvent[K, T] { return s.ch }

func (s *memStream[K, T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memStream[K, T]) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.ch)
	s.mu.Unlock()

	s.driver.mu.Lock()
	delete(s.driver.sessions, s.id)
	s.driver.mu.Unlock()
	return nil
}
