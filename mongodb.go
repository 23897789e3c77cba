package doccache

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"doccache/core"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoDB server error codes surfaced as typed conditions.
const (
	codeWriteConflict           = 112
	codeChangeStreamHistoryLost = 286
)

// MongoDriver is the Driver implementation backed by a MongoDB collection.
// The collection must live on a replica set for change streams to work.
type MongoDriver[K comparable, T Document[K, T]] struct {
	client     *mongo.Client
	collection *mongo.Collection
	codec      KeyCodec[K]

	// versionField is the wire name of the document's version counter,
	// resolved from the struct tags of T at construction.
	versionField string

	// halfRTT is an EWMA of half a store round-trip, in nanoseconds.
	halfRTT atomic.Int64
}

// NewMongoDriver builds a driver over the given collection. It validates
// that T serializes a primary key under "_id" and carries an int64 version
// counter, and resolves the version counter's wire name.
func NewMongoDriver[K comparable, T Document[K, T]](client *mongo.Client, database, collection string, codec KeyCodec[K]) (*MongoDriver[K, T], error) {
	versionField, err := resolveDocumentFields[K, T]()
	if err != nil {
		return nil, err
	}
	return &MongoDriver[K, T]{
		client:       client,
		collection:   client.Database(database).Collection(collection),
		codec:        codec,
		versionField: versionField,
	}, nil
}

// resolveDocumentFields inspects the struct behind T. It requires a field
// tagged bson:"_id" and an int64 field serving as the version counter
// (tagged "version", or named Version), and returns the version wire name.
func resolveDocumentFields[K comparable, T Document[K, T]]() (string, error) {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil || t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		return "", fmt.Errorf("document type must be a pointer to struct, got %v", t)
	}
	elem := t.Elem()

	hasID := false
	versionField := ""
	for i := 0; i < elem.NumField(); i++ {
		f := elem.Field(i)
		tag := strings.Split(f.Tag.Get("bson"), ",")[0]
		if tag == primaryKeyField {
			hasID = true
		}
		if tag == "version" || (tag == "" && f.Name == "Version") {
			if f.Type.Kind() != reflect.Int64 {
				return "", fmt.Errorf("version field %s of %s must be int64, got %s", f.Name, elem.Name(), f.Type)
			}
			if tag == "" {
				tag = strings.ToLower(f.Name)
			}
			versionField = tag
		}
	}
	if !hasID {
		return "", fmt.Errorf("document type %s has no field tagged bson:\"_id\"", elem.Name())
	}
	if versionField == "" {
		return "", fmt.Errorf("document type %s has no version counter field", elem.Name())
	}
	return versionField, nil
}

// observe folds one measured round-trip into the half-RTT estimate.
func (d *MongoDriver[K, T]) observe(rtt time.Duration) {
	half := int64(rtt) / 2
	if half <= 0 {
		return
	}
	old := d.halfRTT.Load()
	if old == 0 {
		d.halfRTT.Store(half)
		return
	}
	d.halfRTT.Store((old*4 + half) / 5)
}

func (d *MongoDriver[K, T]) HalfRTT() time.Duration {
	return time.Duration(d.halfRTT.Load())
}

// classifyWriteError maps server errors onto the driver contract.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return &DuplicateKeyError{Index: duplicateIndexName(err)}
	}
	if hasServerCode(err, codeWriteConflict) {
		return errWriteConflict
	}
	return err
}

// duplicateIndexName digs the violated index name out of a duplicate-key
// write error. The primary key index reports as "_id".
func duplicateIndexName(err error) string {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, w := range we.WriteErrors {
			if name := indexNameFromMessage(w.Message); name != "" {
				return name
			}
		}
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		if name := indexNameFromMessage(ce.Message); name != "" {
			return name
		}
	}
	return primaryKeyField
}

// indexNameFromMessage parses the "index: <name>" fragment of a server
// duplicate-key message. Secondary indexes created by this driver are named
// "uniq_<field>"; the field name is recovered by stripping the prefix.
func indexNameFromMessage(msg string) string {
	const marker = "index: "
	i := strings.Index(msg, marker)
	if i < 0 {
		return ""
	}
	name := msg[i+len(marker):]
	if j := strings.IndexAny(name, " \t"); j >= 0 {
		name = name[:j]
	}
	name = strings.TrimSuffix(name, "_1")
	if strings.HasPrefix(name, "uniq_") {
		return strings.TrimPrefix(name, "uniq_")
	}
	if strings.HasPrefix(name, primaryKeyField) {
		return primaryKeyField
	}
	return name
}

func hasServerCode(err error, code int) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, w := range we.WriteErrors {
			if w.Code == code {
				return true
			}
		}
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && int(ce.Code) == code {
		return true
	}
	return false
}

func (d *MongoDriver[K, T]) Insert(ctx context.Context, doc T) error {
	start := time.Now()
	_, err := d.collection.InsertOne(ctx, doc)
	d.observe(time.Since(start))
	return classifyWriteError(err)
}

func (d *MongoDriver[K, T]) Read(ctx context.Context, key K) (T, error) {
	var zero T
	doc := newDocument[K, T]()

	start := time.Now()
	err := d.collection.FindOne(ctx, bson.M{primaryKeyField: key}).Decode(doc)
	d.observe(time.Since(start))

	if err == mongo.ErrNoDocuments {
		return zero, ErrDocumentNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("failed to read document: %w", err)
	}
	return doc, nil
}

func (d *MongoDriver[K, T]) Delete(ctx context.Context, key K) (bool, error) {
	start := time.Now()
	res, err := d.collection.DeleteOne(ctx, bson.M{primaryKeyField: key})
	d.observe(time.Since(start))

	if err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (d *MongoDriver[K, T]) ReadAll(ctx context.Context, fn func(doc T) error) error {
	cursor, err := d.collection.Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("failed to scan collection: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		doc := newDocument[K, T]()
		if err := cursor.Decode(doc); err != nil {
			return fmt.Errorf("failed to decode document: %w", err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return cursor.Err()
}

func (d *MongoDriver[K, T]) ReadKeys(ctx context.Context, fn func(key K) error) error {
	opts := options.Find().SetProjection(bson.M{primaryKeyField: 1})
	cursor, err := d.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return fmt.Errorf("failed to scan collection keys: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var row bson.M
		if err := cursor.Decode(&row); err != nil {
			return fmt.Errorf("failed to decode key row: %w", err)
		}
		key, err := d.decodeRawKey(row[primaryKeyField])
		if err != nil {
			return err
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return cursor.Err()
}

func (d *MongoDriver[K, T]) Count(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := d.collection.CountDocuments(ctx, bson.M{})
	d.observe(time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return n, nil
}

func (d *MongoDriver[K, T]) HasKey(ctx context.Context, key K) (bool, error) {
	start := time.Now()
	n, err := d.collection.CountDocuments(ctx, bson.M{primaryKeyField: key}, options.Count().SetLimit(1))
	d.observe(time.Since(start))
	if err != nil {
		return false, fmt.Errorf("failed to probe document key: %w", err)
	}
	return n > 0, nil
}

func (d *MongoDriver[K, T]) Clear(ctx context.Context) (int64, error) {
	res, err := d.collection.DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to clear collection: %w", err)
	}
	return res.DeletedCount, nil
}

func (d *MongoDriver[K, T]) ReplaceIfVersionMatches(ctx context.Context, key K, version int64, doc T) (CASResult, error) {
	filter := bson.M{
		primaryKeyField: key,
		d.versionField:  version,
	}

	start := time.Now()
	res, err := d.collection.ReplaceOne(ctx, filter, doc)
	d.observe(time.Since(start))

	if err != nil {
		return CASResult{}, classifyWriteError(err)
	}
	return CASResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

func (d *MongoDriver[K, T]) EnsureUniqueIndex(ctx context.Context, field string) error {
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: field, Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_" + field),
	}
	if _, err := d.collection.Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("failed to ensure unique index on %q: %w", field, err)
	}
	return nil
}

func (d *MongoDriver[K, T]) ReadByUniqueIndex(ctx context.Context, field string, value any) (T, error) {
	var zero T
	doc := newDocument[K, T]()

	start := time.Now()
	err := d.collection.FindOne(ctx, bson.M{field: value}).Decode(doc)
	d.observe(time.Since(start))

	if err == mongo.ErrNoDocuments {
		return zero, ErrDocumentNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("failed to read document by index %q: %w", field, err)
	}
	return doc, nil
}

func (d *MongoDriver[K, T]) CurrentOperationTime(ctx context.Context) (ResumePoint, error) {
	res := d.client.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}})
	raw, err := res.Raw()
	if err != nil {
		return ResumePoint{}, fmt.Errorf("failed to read cluster operation time: %w", err)
	}
	val, lookupErr := raw.LookupErr("operationTime")
	if lookupErr != nil {
		// Standalone servers expose no operation time; the caller falls back
		// to starting streams from now.
		return ResumePoint{}, nil
	}
	t, i := val.Timestamp()
	return ResumePoint{T: t, I: i}, nil
}

func (d *MongoDriver[K, T]) OpenChangeStream(ctx context.Context, start StreamStart) (StreamHandle[K, T], error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	switch {
	case start.ResumeToken != nil:
		opts.SetResumeAfter(bson.Raw(start.ResumeToken))
	case !start.OperationTime.IsZero():
		opts.SetStartAtOperationTime(&primitive.Timestamp{T: start.OperationTime.T, I: start.OperationTime.I})
	}

	cs, err := d.collection.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		if hasServerCode(err, codeChangeStreamHistoryLost) {
			return nil, ErrResumePointLost
		}
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	handle := &mongoStream[K, T]{
		events: make(chan ChangeEvent[K, T]),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go handle.pump(streamCtx, cs, d)
	return handle, nil
}

// mongoStream adapts a *mongo.ChangeStream to the StreamHandle contract.
type mongoStream[K comparable, T Document[K, T]] struct {
	events chan ChangeEvent[K, T]
	cancel context.CancelFunc
	done   chan struct{}

	err atomic.Value // error
}

// rawChangeEvent is the wire shape of a change-stream document, decoded
// loosely so unknown operation types still surface their token.
type rawChangeEvent struct {
	OperationType string   `bson:"operationType"`
	DocumentKey   bson.M   `bson:"documentKey"`
	FullDocument  bson.Raw `bson:"fullDocument"`
}

func (s *mongoStream[K, T]) pump(ctx context.Context, cs *mongo.ChangeStream, d *MongoDriver[K, T]) {
	defer close(s.done)
	defer close(s.events)
	defer cs.Close(context.Background())

	for cs.Next(ctx) {
		var raw rawChangeEvent
		if err := cs.Decode(&raw); err != nil {
			core.Warn("failed to decode change event, skipping", zap.Error(err))
			continue
		}

		ev, err := d.toChangeEvent(raw, cs.ResumeToken())
		if err != nil {
			core.Warn("failed to translate change event, skipping", zap.Error(err))
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}

	if err := cs.Err(); err != nil && ctx.Err() == nil {
		if hasServerCode(err, codeChangeStreamHistoryLost) {
			s.err.Store(ErrResumePointLost)
		} else {
			s.err.Store(err)
		}
	}
}

// toChangeEvent translates a decoded wire event into the driver-neutral
// form. The resume token is copied; the stream reuses its buffer.
func (d *MongoDriver[K, T]) toChangeEvent(raw rawChangeEvent, token bson.Raw) (ChangeEvent[K, T], error) {
	ev := ChangeEvent[K, T]{Type: eventTypeOf(raw.OperationType)}
	if token != nil {
		ev.Token = append([]byte(nil), token...)
	}

	if raw.DocumentKey != nil {
		key, err := d.decodeRawKey(raw.DocumentKey[primaryKeyField])
		if err != nil {
			return ev, err
		}
		ev.Key = key
		ev.HasKey = true
	}

	if len(raw.FullDocument) > 0 {
		doc := newDocument[K, T]()
		if err := bson.Unmarshal(raw.FullDocument, doc); err != nil {
			return ev, fmt.Errorf("failed to decode change event document: %w", err)
		}
		ev.Doc = doc
		ev.HasDoc = true
	}
	return ev, nil
}

// decodeRawKey converts a BSON-decoded "_id" value into K. Direct type
// matches short-circuit; everything else round-trips through the codec's
// string form.
func (d *MongoDriver[K, T]) decodeRawKey(v any) (K, error) {
	var zero K
	if v == nil {
		return zero, fmt.Errorf("change event carries no document key")
	}
	if key, ok := v.(K); ok {
		return key, nil
	}
	switch val := v.(type) {
	case string:
		return d.codec.DecodeKey(val)
	case int32:
		return d.codec.DecodeKey(fmt.Sprintf("%d", val))
	case int64:
		return d.codec.DecodeKey(fmt.Sprintf("%d", val))
	case primitive.Binary:
		return d.codec.DecodeKey(string(val.Data))
	default:
		return zero, fmt.Errorf("unsupported document key type %T", v)
	}
}

func (s *mongoStream[K, T]) Events() <-chan ChangeEvent[K, T] { return s.events }

func (s *mongoStream[K, T]) Err() error {
	if err, ok := s.err.Load().(error); ok {
		return err
	}
	return nil
}

func (s *mongoStream[K, T]) Close(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newDocument mints a zero instance of the pointer document type T.
func newDocument[K comparable, T Document[K, T]]() T {
	var zero T
	return reflect.New(reflect.TypeOf(zero).Elem()).Interface().(T)
}
