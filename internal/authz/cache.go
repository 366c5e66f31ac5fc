// Package authz holds the in-memory set of devices allowed to talk to the
// gateway and resolves unknown ids against an external device directory.
package authz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// DeviceRecord is a device id plus opaque metadata from the directory.
type DeviceRecord struct {
	ID       string         `json:"_id" bson:"_id"`
	Metadata map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// ParseRecord accepts {"_id": ...} or {"id": ...}; every other key ends up
// in Metadata.
func ParseRecord(data []byte) (DeviceRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return DeviceRecord{}, fmt.Errorf("parse device record: %w", err)
	}
	record := DeviceRecord{Metadata: make(map[string]any)}
	for key, value := range fields {
		switch key {
		case "_id", "id":
			if record.ID == "" || key == "_id" {
				record.ID = idString(value)
			}
		default:
			record.Metadata[key] = value
		}
	}
	if len(record.Metadata) == 0 {
		record.Metadata = nil
	}
	return record, nil
}

func idString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

type Cache struct {
	mu      sync.RWMutex
	devices map[string]DeviceRecord
}

func NewCache() *Cache {
	return &Cache{devices: make(map[string]DeviceRecord)}
}

// Seed replaces the cache contents with a snapshot.
func (c *Cache) Seed(records []DeviceRecord) int {
	devices := make(map[string]DeviceRecord, len(records))
	for _, record := range records {
		if record.ID == "" {
			continue
		}
		devices[record.ID] = record
	}
	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()
	return len(devices)
}

// Add stores record and reports whether it was accepted. Records without an
// id are ignored.
func (c *Cache) Add(record DeviceRecord) bool {
	if record.ID == "" {
		return false
	}
	c.mu.Lock()
	c.devices[record.ID] = record
	c.mu.Unlock()
	return true
}

// Remove reports whether id was present.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.devices[id]; !ok {
		return false
	}
	delete(c.devices, id)
	return true
}

func (c *Cache) IsAuthorized(id string) bool {
	if id == "" {
		return false
	}
	c.mu.RLock()
	_, ok := c.devices[id]
	c.mu.RUnlock()
	return ok
}

func (c *Cache) Get(id string) (DeviceRecord, bool) {
	c.mu.RLock()
	record, ok := c.devices[id]
	c.mu.RUnlock()
	return record, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.devices = make(map[string]DeviceRecord)
	c.mu.Unlock()
}
