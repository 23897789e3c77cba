package doccache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestResolveDocumentFields(t *testing.T) {
	field, err := resolveDocumentFields[string, *player]()
	require.NoError(t, err)
	assert.Equal(t, "version", field)
}

func TestIndexNameFromMessage(t *testing.T) {
	assert.Equal(t, "_id",
		indexNameFromMessage(`E11000 duplicate key error collection: game.players index: _id_ dup key: { _id: "u1" }`))
	assert.Equal(t, "name",
		indexNameFromMessage(`E11000 duplicate key error collection: game.players index: uniq_name dup key: { name: "Ada" }`))
	assert.Equal(t, "", indexNameFromMessage("no index fragment here"))
}

func TestClassifyWriteError(t *testing.T) {
	assert.NoError(t, classifyWriteError(nil))

	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{
		Code:    11000,
		Message: `E11000 duplicate key error collection: game.players index: uniq_name dup key: { name: "Ada" }`,
	}}}
	err := classifyWriteError(dup)
	var dke *DuplicateKeyError
	require.ErrorAs(t, err, &dke)
	assert.Equal(t, "name", dke.Index)
	assert.ErrorIs(t, err, ErrDuplicateUniqueIndex)

	conflict := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: codeWriteConflict}}}
	assert.ErrorIs(t, classifyWriteError(conflict), errWriteConflict)

	other := mongo.CommandError{Code: 1, Message: "boom"}
	assert.Equal(t, error(other), classifyWriteError(other))
}

func TestHasServerCode(t *testing.T) {
	assert.True(t, hasServerCode(mongo.CommandError{Code: codeChangeStreamHistoryLost}, codeChangeStreamHistoryLost))
	assert.False(t, hasServerCode(mongo.CommandError{Code: 1}, codeChangeStreamHistoryLost))
	assert.True(t, hasServerCode(
		mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: codeWriteConflict}}},
		codeWriteConflict))
}

func TestToChangeEvent(t *testing.T) {
	d := &MongoDriver[string, *player]{codec: StringKeys{}, versionField: "version"}

	full, err := bson.Marshal(&player{ID: "u1", Name: "Ada", Balance: 7, Version: 3})
	require.NoError(t, err)

	raw := rawChangeEvent{
		OperationType: "replace",
		DocumentKey:   bson.M{"_id": "u1"},
		FullDocument:  full,
	}
	token := bson.Raw([]byte{1, 2, 3})

	ev, err := d.toChangeEvent(raw, token)
	require.NoError(t, err)
	assert.Equal(t, EventReplace, ev.Type)
	require.True(t, ev.HasKey)
	assert.Equal(t, "u1", ev.Key)
	require.True(t, ev.HasDoc)
	assert.Equal(t, "Ada", ev.Doc.Name)
	assert.Equal(t, int64(3), ev.Doc.Version)
	assert.Equal(t, []byte{1, 2, 3}, ev.Token)
}

func TestToChangeEventDeleteHasNoDocument(t *testing.T) {
	d := &MongoDriver[string, *player]{codec: StringKeys{}, versionField: "version"}

	ev, err := d.toChangeEvent(rawChangeEvent{
		OperationType: "delete",
		DocumentKey:   bson.M{"_id": "u1"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, EventDelete, ev.Type)
	assert.True(t, ev.HasKey)
	assert.False(t, ev.HasDoc)
}

func TestDecodeRawKey(t *testing.T) {
	sd := &MongoDriver[string, *player]{codec: StringKeys{}}

	key, err := sd.decodeRawKey("u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", key)

	_, err = sd.decodeRawKey(nil)
	assert.Error(t, err)

	id := &MongoDriver[int64, *intPlayer]{codec: Int64Keys{}}
	k64, err := id.decodeRawKey(int64(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), k64)

	k32, err := id.decodeRawKey(int32(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), k32)
}

func TestObserveHalfRTT(t *testing.T) {
	d := &MongoDriver[string, *player]{}

	assert.Zero(t, d.HalfRTT())

	d.observe(10 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, d.HalfRTT())

	// The estimate moves slowly toward new samples.
	d.observe(30 * time.Millisecond)
	assert.Greater(t, d.HalfRTT(), 5*time.Millisecond)
	assert.Less(t, d.HalfRTT(), 15*time.Millisecond)
}

// intPlayer exercises the int64 key path.
type intPlayer struct {
	Meta    `bson:"-" json:"-"`
	ID      int64 `bson:"_id"`
	Version int64 `bson:"version"`
}

func (p *intPlayer) DocumentKey() int64     { return p.ID }
func (p *intPlayer) DocumentVersion() int64 { return p.Version }

func (p *intPlayer) CopyWithVersion(v int64) *intPlayer {
	c := *p
	c.Version = v
	return &c
}
