package connection

import (
	"errors"
	"fmt"
	"sync"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/metrics"
)

// Policy decides what happens when a device id that is already bound binds
// from another connection.
type Policy int

const (
	// PolicyReplace points the id at the newest connection. The previous
	// connection stays open, unbound, until it closes on its own.
	PolicyReplace Policy = iota
	// PolicyReject refuses the second binding.
	PolicyReject
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "replace":
		return PolicyReplace, nil
	case "reject":
		return PolicyReject, nil
	default:
		return PolicyReplace, fmt.Errorf("unknown bind policy %q", s)
	}
}

var (
	ErrAlreadyBound  = errors.New("device already bound to another connection")
	ErrBoundToOther  = errors.New("connection already bound to another device")
	ErrEmptyDeviceID = errors.New("device id is empty")
)

// UnbindFunc is called exactly once per removed binding, outside the lock.
type UnbindFunc func(deviceID string, c *Connection)

// Registry indexes live connections by device id and by remote address.
// Both indices are guarded by one mutex.
type Registry struct {
	mu        sync.Mutex
	policy    Policy
	byDevice  map[string]*Connection
	byAddress map[string]*Connection
	onUnbind  UnbindFunc
}

func NewRegistry(policy Policy, onUnbind UnbindFunc) *Registry {
	return &Registry{
		policy:    policy,
		byDevice:  make(map[string]*Connection),
		byAddress: make(map[string]*Connection),
		onUnbind:  onUnbind,
	}
}

func (r *Registry) Policy() Policy {
	return r.policy
}

// Track indexes a freshly accepted connection by its address.
func (r *Registry) Track(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddress[c.Address()] = c
}

// Bind associates deviceID with c. Under PolicyReplace the previously bound
// connection, if any, is returned after losing its binding.
func (r *Registry) Bind(deviceID string, c *Connection) (*Connection, error) {
	if deviceID == "" {
		return nil, ErrEmptyDeviceID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current := c.DeviceID(); current != "" && current != deviceID {
		return nil, ErrBoundToOther
	}

	existing := r.byDevice[deviceID]
	if existing == c {
		return nil, nil
	}
	if existing != nil && r.policy == PolicyReject {
		return nil, ErrAlreadyBound
	}
	if !c.bind(deviceID) {
		return nil, ErrConnectionClosed
	}
	if existing != nil {
		existing.unbind()
		logger.WarnF("[%s] Device %s rebound from %s", c.Address(), deviceID, existing.Address())
	} else {
		metrics.SessionsBound.Inc()
	}
	r.byDevice[deviceID] = c
	r.byAddress[c.Address()] = c
	return existing, nil
}

func (r *Registry) Lookup(deviceID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byDevice[deviceID]
	return c, ok
}

func (r *Registry) LookupByAddress(address string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byAddress[address]
	return c, ok
}

// Unbind removes deviceID and its connection from both indices.
func (r *Registry) Unbind(deviceID string) bool {
	r.mu.Lock()
	c, ok := r.byDevice[deviceID]
	if ok {
		r.removeLocked(c)
	}
	r.mu.Unlock()

	if ok {
		r.fire(deviceID, c)
	}
	return ok
}

// UnbindByAddress removes the connection at address from both indices,
// whether or not it ever bound a device id.
func (r *Registry) UnbindByAddress(address string) bool {
	r.mu.Lock()
	c, ok := r.byAddress[address]
	var deviceID string
	if ok {
		deviceID = r.removeLocked(c)
	}
	r.mu.Unlock()

	if deviceID != "" {
		r.fire(deviceID, c)
	}
	return ok
}

// Release drops c from the registry at transport close. Connections that
// were replaced or never bound are removed silently.
func (r *Registry) Release(c *Connection) string {
	r.mu.Lock()
	deviceID := r.removeLocked(c)
	r.mu.Unlock()

	if deviceID != "" {
		r.fire(deviceID, c)
	}
	return deviceID
}

// removeLocked returns the device id whose binding it removed, if any.
func (r *Registry) removeLocked(c *Connection) string {
	if r.byAddress[c.Address()] == c {
		delete(r.byAddress, c.Address())
	}
	deviceID := c.DeviceID()
	if deviceID == "" || r.byDevice[deviceID] != c {
		return ""
	}
	delete(r.byDevice, deviceID)
	c.unbind()
	metrics.SessionsBound.Dec()
	return deviceID
}

func (r *Registry) fire(deviceID string, c *Connection) {
	if r.onUnbind != nil {
		r.onUnbind(deviceID, c)
	}
}

// Bound returns a snapshot of the bound connections.
func (r *Registry) Bound() map[string]*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[string]*Connection, len(r.byDevice))
	for id, c := range r.byDevice {
		snapshot[id] = c
	}
	return snapshot
}

// Len returns the number of bound device ids.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDevice)
}

// Tracked returns the number of connections indexed by address.
func (r *Registry) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAddress)
}

// Drain empties both indices and returns every connection that was tracked.
func (r *Registry) Drain() []*Connection {
	r.mu.Lock()
	seen := make(map[*Connection]struct{}, len(r.byAddress))
	var all []*Connection
	for _, c := range r.byAddress {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			all = append(all, c)
		}
	}
	for _, c := range r.byDevice {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			all = append(all, c)
		}
	}
	unbound := make(map[string]*Connection)
	for _, c := range all {
		if deviceID := r.removeLocked(c); deviceID != "" {
			unbound[deviceID] = c
		}
	}
	r.mu.Unlock()

	for deviceID, c := range unbound {
		r.fire(deviceID, c)
	}
	return all
}
