// Package fanout forwards device-to-device messages: locally bound targets
// are written through the dispatcher, everything else goes upstream.
package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
)

var (
	ErrNoGroupRoute = errors.New("group messages need an upstream fan-out")
	ErrClosed       = errors.New("fan-out is closed")
)

// Upstream is a remote fan-out, such as the MQTT bridge.
type Upstream interface {
	SendToDevice(ctx context.Context, source, target string, payload []byte) error
	SendToGroup(ctx context.Context, source, group string, payload []byte) error
}

type Local struct {
	registry   *connection.Registry
	dispatcher *dispatcher.Dispatcher
	upstream   Upstream

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocal returns a fan-out over the local registry. upstream may be nil.
func NewLocal(registry *connection.Registry, d *dispatcher.Dispatcher, upstream Upstream) *Local {
	return &Local{registry: registry, dispatcher: d, upstream: upstream}
}

// SendToDevice does not wait for the write; the outcome is reported as a
// delivery ack under a generated correlation id.
func (l *Local) SendToDevice(ctx context.Context, source, target string, payload []byte) error {
	if _, ok := l.registry.Lookup(target); !ok && l.upstream != nil {
		return l.upstream.SendToDevice(ctx, source, target, payload)
	}

	msg := dispatcher.Outbound{
		Target:        target,
		CorrelationID: uuid.New().String(),
		Payload:       append([]byte(nil), payload...),
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.wg.Add(1)
	l.mu.Unlock()

	logger.DebugF("Forwarding message %s from device %s to device %s", msg.CorrelationID, source, target)
	go func() {
		defer l.wg.Done()
		l.dispatcher.Deliver(context.WithoutCancel(ctx), msg)
	}()
	return nil
}

func (l *Local) SendToGroup(ctx context.Context, source, group string, payload []byte) error {
	if l.upstream == nil {
		return ErrNoGroupRoute
	}
	return l.upstream.SendToGroup(ctx, source, group, payload)
}

// Wait blocks until every pending local delivery has finished.
func (l *Local) Wait() {
	l.wg.Wait()
}

// Close refuses further local deliveries and waits for pending ones.
func (l *Local) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}
