package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/authz"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

type fakeDevices struct {
	docs map[string]bson.M
	err  error
}

func (f fakeDevices) FindOne(_ context.Context, id string) (bson.M, error) {
	if f.err != nil {
		return nil, f.err
	}
	doc, ok := f.docs[id]
	if !ok {
		return nil, mongo.ErrNoDocuments
	}
	return doc, nil
}

func (f fakeDevices) FindAll(_ context.Context) ([]bson.M, error) {
	if f.err != nil {
		return nil, f.err
	}
	var docs []bson.M
	for _, doc := range f.docs {
		docs = append(docs, doc)
	}
	return docs, nil
}

func TestLookupFound(t *testing.T) {
	store := NewDeviceStore(fakeDevices{docs: map[string]bson.M{
		"D1": {"_id": "D1", "name": "pump"},
	}}, time.Second)

	record, found, err := store.Lookup(context.Background(), "D1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, authz.DeviceRecord{ID: "D1", Metadata: map[string]any{"name": "pump"}}, record)
}

func TestLookupMissing(t *testing.T) {
	store := NewDeviceStore(fakeDevices{}, time.Second)

	_, found, err := store.Lookup(context.Background(), "D9")
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = store.Lookup(context.Background(), "")
	assert.ErrorIs(t, err, ErrDeviceIDEmpty)
}

func TestLookupError(t *testing.T) {
	boom := errors.New("connection refused")
	store := NewDeviceStore(fakeDevices{err: boom}, time.Second)

	_, found, err := store.Lookup(context.Background(), "D1")
	assert.False(t, found)
	assert.ErrorIs(t, err, boom)
}

func TestAllDevicesSkipsUnusableIDs(t *testing.T) {
	oid := primitive.NewObjectID()
	store := NewDeviceStore(fakeDevices{docs: map[string]bson.M{
		"a": {"_id": "D1"},
		"b": {"_id": int32(42)},
		"c": {"_id": oid},
		"d": {"_id": 1.5},
	}}, time.Second)

	records, err := store.AllDevices(context.Background())
	require.NoError(t, err)

	var ids []string
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"D1", "42", oid.Hex()}, ids)
}

func TestDecodeAllFromCursor(t *testing.T) {
	cursor, err := mongo.NewCursorFromDocuments([]interface{}{
		bson.D{{Key: "_id", Value: "D1"}, {Key: "zone", Value: "north"}},
		bson.D{{Key: "_id", Value: "D2"}},
	}, nil, nil)
	require.NoError(t, err)

	docs, err := decodeAll(context.Background(), cursor)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	first := recordFromDocument(docs[0])
	assert.Equal(t, "D1", first.ID)
	assert.Equal(t, "north", first.Metadata["zone"])
	assert.Nil(t, recordFromDocument(docs[1]).Metadata)
}

func TestURI(t *testing.T) {
	assert.Equal(t, "mongodb://db:27017/", URI(config.Database{Host: "db", Port: 27017}))
	assert.Equal(t, "mongodb://u%40x:p%2Fw@db:27017/?authSource=admin",
		URI(config.Database{Host: "db", Port: 27017, Username: "u@x", Password: "p/w"}))
	assert.Equal(t, "mongodb://custom", URI(config.Database{URI: "mongodb://custom", Host: "db"}))
}
