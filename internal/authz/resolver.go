package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/metrics"
)

const DefaultLookupTimeout = 5 * time.Second

var (
	ErrUnauthorized  = errors.New("device not authorized")
	ErrLookupTimeout = errors.New("device directory lookup timed out")
	ErrDirectory     = errors.New("device directory lookup failed")
)

// Directory is the external authority for device ids. found is false when
// the directory has no record for id.
type Directory interface {
	Lookup(ctx context.Context, id string) (record DeviceRecord, found bool, err error)
}

// Resolver gates device ids: the cache answers first, then the directory if
// one is configured.
type Resolver struct {
	cache     *Cache
	directory Directory
	timeout   time.Duration
	denied    *expirable.LRU[string, struct{}]
}

type ResolverOption func(*Resolver)

func WithDirectory(directory Directory) ResolverOption {
	return func(r *Resolver) { r.directory = directory }
}

func WithLookupTimeout(timeout time.Duration) ResolverOption {
	return func(r *Resolver) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithDeniedCache remembers directory denials for ttl so repeated messages
// from an unknown id do not each trigger a lookup.
func WithDeniedCache(size int, ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if size > 0 && ttl > 0 {
			r.denied = expirable.NewLRU[string, struct{}](size, nil, ttl)
		}
	}
}

func NewResolver(cache *Cache, opts ...ResolverOption) *Resolver {
	r := &Resolver{cache: cache, timeout: DefaultLookupTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Cache() *Cache {
	return r.cache
}

func (r *Resolver) Add(record DeviceRecord) bool {
	if !r.cache.Add(record) {
		return false
	}
	if r.denied != nil {
		r.denied.Remove(record.ID)
	}
	return true
}

func (r *Resolver) Remove(id string) bool {
	return r.cache.Remove(id)
}

type answer struct {
	record DeviceRecord
	found  bool
	err    error
}

// Authorize returns the record for id or an error wrapping ErrUnauthorized,
// ErrLookupTimeout or ErrDirectory. Any error means the device is denied.
func (r *Resolver) Authorize(ctx context.Context, id string) (DeviceRecord, error) {
	if record, ok := r.cache.Get(id); ok {
		return record, nil
	}
	if id == "" || r.directory == nil {
		return DeviceRecord{}, ErrUnauthorized
	}
	if r.denied != nil && r.denied.Contains(id) {
		metrics.DirectoryLookupsTotal.WithLabelValues("denied_cached").Inc()
		return DeviceRecord{}, ErrUnauthorized
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// buffered so a late answer never blocks the lookup goroutine
	ch := make(chan answer, 1)
	go func() {
		record, found, err := r.directory.Lookup(lookupCtx, id)
		ch <- answer{record: record, found: found, err: err}
	}()

	select {
	case a := <-ch:
		switch {
		case a.err != nil:
			if errors.Is(a.err, context.DeadlineExceeded) {
				metrics.DirectoryLookupsTotal.WithLabelValues("timeout").Inc()
				return DeviceRecord{}, ErrLookupTimeout
			}
			metrics.DirectoryLookupsTotal.WithLabelValues("error").Inc()
			return DeviceRecord{}, fmt.Errorf("%w: %v", ErrDirectory, a.err)
		case !a.found:
			metrics.DirectoryLookupsTotal.WithLabelValues("not_found").Inc()
			if r.denied != nil {
				r.denied.Add(id, struct{}{})
			}
			return DeviceRecord{}, ErrUnauthorized
		}
		a.record.ID = id
		r.cache.Add(a.record)
		metrics.DirectoryLookupsTotal.WithLabelValues("found").Inc()
		logger.DebugF("Device %s resolved through directory", id)
		return a.record, nil
	case <-lookupCtx.Done():
		metrics.DirectoryLookupsTotal.WithLabelValues("timeout").Inc()
		logger.WarnF("Directory lookup for device %s abandoned after %v", id, r.timeout)
		return DeviceRecord{}, ErrLookupTimeout
	}
}
