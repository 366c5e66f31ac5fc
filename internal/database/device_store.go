package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/authz"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

var ErrDeviceIDEmpty = errors.New("device id is empty")

// devices is the part of a collection the store reads from.
type devices interface {
	FindOne(ctx context.Context, id string) (bson.M, error)
	FindAll(ctx context.Context) ([]bson.M, error)
}

type mongoCollection struct {
	coll *mongo.Collection
}

func (m mongoCollection) FindOne(ctx context.Context, id string) (bson.M, error) {
	var doc bson.M
	if err := m.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (m mongoCollection) FindAll(ctx context.Context) ([]bson.M, error) {
	cursor, err := m.coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	return decodeAll(ctx, cursor)
}

func decodeAll(ctx context.Context, cursor *mongo.Cursor) ([]bson.M, error) {
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// DeviceStore is the device directory. Devices are keyed by _id, every
// other field becomes record metadata.
type DeviceStore struct {
	devices devices
	timeout time.Duration
}

var _ authz.Directory = (*DeviceStore)(nil)

func NewDeviceStore(d devices, timeout time.Duration) *DeviceStore {
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return &DeviceStore{devices: d, timeout: timeout}
}

func (ds *DeviceStore) Lookup(ctx context.Context, id string) (authz.DeviceRecord, bool, error) {
	if id == "" {
		return authz.DeviceRecord{}, false, ErrDeviceIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	startTime := time.Now()
	doc, err := ds.devices.FindOne(ctx, id)
	logger.DebugF("device query cost: %v", time.Since(startTime))

	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return authz.DeviceRecord{}, false, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return authz.DeviceRecord{}, false, err
		}
		return authz.DeviceRecord{}, false, fmt.Errorf("database operation failed: %w", err)
	}
	return recordFromDocument(doc), true, nil
}

// AllDevices returns every device in the directory, used to seed the cache.
func (ds *DeviceStore) AllDevices(ctx context.Context) ([]authz.DeviceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	docs, err := ds.devices.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	records := make([]authz.DeviceRecord, 0, len(docs))
	for _, doc := range docs {
		record := recordFromDocument(doc)
		if record.ID == "" {
			logger.WarnF("Skipping device document without a usable _id: %v", doc["_id"])
			continue
		}
		records = append(records, record)
	}
	logger.InfoF("Loaded %d devices from database", len(records))
	return records, nil
}

func recordFromDocument(doc bson.M) authz.DeviceRecord {
	record := authz.DeviceRecord{ID: idString(doc["_id"])}
	for key, value := range doc {
		if key == "_id" {
			continue
		}
		if record.Metadata == nil {
			record.Metadata = make(map[string]any, len(doc)-1)
		}
		record.Metadata[key] = value
	}
	return record
}

func idString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case primitive.ObjectID:
		return v.Hex()
	default:
		return ""
	}
}
