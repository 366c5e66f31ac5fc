// Package dispatcher writes outbound messages to bound device connections.
package dispatcher

import (
	"context"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/metrics"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/notify"
	"golang.org/x/sync/errgroup"
)

// Broadcast addresses every bound device.
const Broadcast = "*"

const DefaultSentinel = "\x00"

type Status string

const (
	StatusSent               Status = "sent"
	StatusDeviceNotConnected Status = "device_not_connected"
	StatusWriteFailed        Status = "write_failed"
)

type Outbound struct {
	// Target is a device id or Broadcast.
	Target        string
	CorrelationID string
	Payload       []byte
	// Raw payloads are written without the line terminator.
	Raw bool
}

type Result struct {
	Status    Status
	Delivered int
	Failed    int
}

type Dispatcher struct {
	registry   *connection.Registry
	notifier   notify.Notifier
	terminator string
	sentinel   []byte
	workers    int
}

type Option func(*Dispatcher)

func WithTerminator(terminator string) Option {
	return func(d *Dispatcher) {
		if terminator == "\r\n" {
			d.terminator = terminator
		}
	}
}

// WithSentinel sets the bytes written in place of an empty payload.
func WithSentinel(sentinel string) Option {
	return func(d *Dispatcher) {
		if sentinel != "" {
			d.sentinel = []byte(sentinel)
		}
	}
}

// WithWorkers bounds concurrent writes during a broadcast.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func New(registry *connection.Registry, notifier notify.Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		notifier:   notifier,
		terminator: "\n",
		sentinel:   []byte(DefaultSentinel),
		workers:    32,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.notifier == nil {
		d.notifier = notify.LogNotifier{}
	}
	return d
}

// Frame returns the bytes written to the device for payload.
func (d *Dispatcher) Frame(payload []byte, raw bool) []byte {
	if len(payload) == 0 {
		return d.sentinel
	}
	if raw {
		return payload
	}
	frame := make([]byte, 0, len(payload)+len(d.terminator))
	frame = append(frame, payload...)
	return append(frame, d.terminator...)
}

// Deliver writes msg to its target. A write failure is reported, never
// closes the session.
func (d *Dispatcher) Deliver(ctx context.Context, msg Outbound) Result {
	var result Result
	if msg.Target == Broadcast {
		result = d.broadcast(ctx, msg)
	} else {
		result = d.unicast(msg)
	}

	metrics.DeliveriesTotal.WithLabelValues(string(result.Status)).Inc()
	if msg.CorrelationID != "" {
		d.notifier.DeliveryAck(msg.CorrelationID, string(result.Status))
	}
	return result
}

func (d *Dispatcher) unicast(msg Outbound) Result {
	c, ok := d.registry.Lookup(msg.Target)
	if !ok {
		logger.WarnF("Device %s is not connected, message %s dropped", msg.Target, msg.CorrelationID)
		return Result{Status: StatusDeviceNotConnected}
	}
	if err := c.Write(d.Frame(msg.Payload, msg.Raw)); err != nil {
		logger.ErrorF("[%s] Fail to deliver message %s to device %s, details: %v", c.Address(), msg.CorrelationID, msg.Target, err)
		d.notifier.ReportError(&DeliveryError{DeviceID: msg.Target, CorrelationID: msg.CorrelationID, Err: err})
		return Result{Status: StatusWriteFailed, Failed: 1}
	}
	logger.DebugF("[%s] Message %s delivered to device %s", c.Address(), msg.CorrelationID, msg.Target)
	return Result{Status: StatusSent, Delivered: 1}
}

func (d *Dispatcher) broadcast(ctx context.Context, msg Outbound) Result {
	bound := d.registry.Bound()
	if len(bound) == 0 {
		logger.WarnF("Broadcast %s has no connected devices", msg.CorrelationID)
		return Result{Status: StatusDeviceNotConnected}
	}

	frame := d.Frame(msg.Payload, msg.Raw)
	var delivered, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for deviceID, c := range bound {
		deviceID, c := deviceID, c
		g.Go(func() error {
			if gctx.Err() != nil {
				failed.Add(1)
				return nil
			}
			if err := c.Write(frame); err != nil {
				failed.Add(1)
				logger.ErrorF("[%s] Fail to broadcast message %s to device %s, details: %v", c.Address(), msg.CorrelationID, deviceID, err)
				d.notifier.ReportError(&DeliveryError{DeviceID: deviceID, CorrelationID: msg.CorrelationID, Err: err})
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	result := Result{Delivered: int(delivered.Load()), Failed: int(failed.Load())}
	if result.Delivered > 0 {
		result.Status = StatusSent
	} else {
		result.Status = StatusWriteFailed
	}
	logger.InfoF("Broadcast %s delivered to %d devices, %d failed", msg.CorrelationID, result.Delivered, result.Failed)
	return result
}

type DeliveryError struct {
	DeviceID      string
	CorrelationID string
	Err           error
}

func (e *DeliveryError) Error() string {
	return "deliver " + e.CorrelationID + " to " + e.DeviceID + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
