// Package router applies the gateway's per-message rules: validate, gate on
// authorization, bind the session, forward by classification and answer the
// device.
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/authz"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/metrics"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/notify"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/protocol"
)

// Pipeline receives data messages. Submit must not wait for downstream
// processing.
type Pipeline interface {
	Submit(ctx context.Context, deviceID string, raw []byte) error
}

// Fanout forwards device-to-device and group messages. Implementations must
// not block on delivery.
type Fanout interface {
	SendToDevice(ctx context.Context, source, target string, payload []byte) error
	SendToGroup(ctx context.Context, source, group string, payload []byte) error
}

// BindOn selects which authorized messages bind a connection to its device id.
type BindOn int

const (
	BindOnAny BindOn = iota
	BindOnData
)

func ParseBindOn(s string) (BindOn, error) {
	switch s {
	case "", "any":
		return BindOnAny, nil
	case "data":
		return BindOnData, nil
	default:
		return BindOnAny, fmt.Errorf("unknown bind_on %q", s)
	}
}

var ErrNoFanout = errors.New("no messaging fan-out configured")

// Outcome is what the transport does after a unit has been handled.
type Outcome struct {
	Reply []byte
	Close bool
}

type Options struct {
	Codec     *protocol.Codec
	Responder protocol.Responder
	Resolver  *authz.Resolver
	Registry  *connection.Registry
	Pipeline  Pipeline
	Fanout    Fanout
	Notifier  notify.Notifier
	BindOn    BindOn
}

type Router struct {
	codec     *protocol.Codec
	responder protocol.Responder
	resolver  *authz.Resolver
	registry  *connection.Registry
	pipeline  Pipeline
	fanout    Fanout
	notifier  notify.Notifier
	bindOn    BindOn
}

func New(opts Options) *Router {
	r := &Router{
		codec:     opts.Codec,
		responder: opts.Responder,
		resolver:  opts.Resolver,
		registry:  opts.Registry,
		pipeline:  opts.Pipeline,
		fanout:    opts.Fanout,
		notifier:  opts.Notifier,
		bindOn:    opts.BindOn,
	}
	if r.codec == nil {
		r.codec = protocol.NewCodec(protocol.DefaultTopics())
	}
	if r.responder.Terminator() == "" {
		r.responder = protocol.NewResponder("\n")
	}
	if r.pipeline == nil {
		r.pipeline = LogPipeline{}
	}
	if r.notifier == nil {
		r.notifier = notify.LogNotifier{}
	}
	return r
}

// Handle processes one message unit received on c.
func (r *Router) Handle(ctx context.Context, c *connection.Connection, unit []byte) Outcome {
	c.Touch()
	c.BeginAuthentication()

	msg, err := r.codec.Decode(unit)
	if err != nil {
		return r.rejectViolation(ctx, c, err)
	}

	if _, err := r.resolver.Authorize(ctx, msg.Device); err != nil {
		return r.deny(c, msg.Device, err)
	}

	if bound := c.DeviceID(); bound != "" && bound != msg.Device {
		logger.WarnF("[%s] Device ID mismatch, bound to %s, message from %s", c.Address(), bound, msg.Device)
		r.notifier.Log(notify.Event{
			Title:  "TCP Gateway - Device ID mismatch",
			Device: msg.Device,
			Fields: map[string]any{"bound": bound},
		})
		return Outcome{Reply: r.responder.Device(protocol.StatusMismatch, msg.Device)}
	}

	// Units with an unknown topic never bind the session.
	if msg.Class != protocol.ClassInvalid && (r.bindOn == BindOnAny || msg.Class == protocol.ClassData) {
		if outcome, ok := r.bind(c, msg.Device); !ok {
			return outcome
		}
	}

	metrics.MessagesTotal.WithLabelValues(msg.Class.String()).Inc()

	switch msg.Class {
	case protocol.ClassData:
		err = r.pipeline.Submit(ctx, msg.Device, msg.Raw)
		r.notifier.Log(notify.Event{Title: "TCP Gateway - Data Received.", Device: msg.Device})
	case protocol.ClassMessage:
		err = r.sendToDevice(ctx, msg)
		r.notifier.Log(notify.Event{
			Title:  "TCP Gateway - Message Received.",
			Device: msg.Device,
			Fields: map[string]any{"target": msg.Target},
		})
	case protocol.ClassGroupMessage:
		err = r.sendToGroup(ctx, msg)
		r.notifier.Log(notify.Event{
			Title:  "TCP Gateway - Group Message Received.",
			Device: msg.Device,
			Fields: map[string]any{"group": msg.Target},
		})
	default:
		logger.WarnF("[%s] Invalid topic %q from device %s", c.Address(), msg.Topic, msg.Device)
		r.notifier.Log(notify.Event{
			Title:  "TCP Gateway - Invalid Topic.",
			Device: msg.Device,
			Fields: map[string]any{"topic": msg.Topic},
		})
		return Outcome{Reply: r.responder.InvalidTopic(msg.Topic)}
	}

	if err != nil {
		logger.ErrorF("[%s] Fail to forward %s from device %s, details: %v", c.Address(), msg.Class, msg.Device, err)
		r.notifier.ReportError(fmt.Errorf("forward %s from %s: %w", msg.Class, msg.Device, err))
		return Outcome{Reply: r.responder.Device(protocol.StatusForwardFailed, msg.Device)}
	}
	logger.DebugF("[%s] %s accepted from device %s", c.Address(), msg.Class, msg.Device)
	return Outcome{Reply: r.responder.Ack(msg)}
}

// rejectViolation answers an invalid unit. When the unit named a device that
// device still has to pass the authorization gate.
func (r *Router) rejectViolation(ctx context.Context, c *connection.Connection, err error) Outcome {
	var violation *protocol.ViolationError
	if errors.As(err, &violation) && violation.Device != "" {
		if _, authErr := r.resolver.Authorize(ctx, violation.Device); authErr != nil {
			return r.deny(c, violation.Device, authErr)
		}
	}
	metrics.ProtocolViolationsTotal.Inc()
	logger.WarnF("[%s] Invalid data received, details: %v", c.Address(), err)
	event := notify.Event{Title: "TCP Gateway - Invalid Data.", Fields: map[string]any{"reason": err.Error()}}
	if violation != nil {
		event.Device = violation.Device
	}
	r.notifier.Log(event)
	return Outcome{Reply: r.responder.Violation(err)}
}

func (r *Router) deny(c *connection.Connection, deviceID string, err error) Outcome {
	metrics.UnauthorizedTotal.Inc()
	logger.WarnF("[%s] Access denied for device %s, details: %v", c.Address(), deviceID, err)
	r.notifier.Log(notify.Event{Title: "TCP Gateway - Access Denied. Unauthorized Device", Device: deviceID})
	if !errors.Is(err, authz.ErrUnauthorized) {
		r.notifier.ReportError(fmt.Errorf("authorize %s: %w", deviceID, err))
	}
	return Outcome{Reply: r.responder.Device(protocol.StatusUnauthorized, deviceID), Close: true}
}

// bind reports false with the outcome to return when the message must not
// be processed further.
func (r *Router) bind(c *connection.Connection, deviceID string) (Outcome, bool) {
	wasBound := c.DeviceID() != ""
	replaced, err := r.registry.Bind(deviceID, c)
	switch {
	case errors.Is(err, connection.ErrAlreadyBound):
		logger.WarnF("[%s] Device %s is already connected", c.Address(), deviceID)
		r.notifier.Log(notify.Event{Title: "TCP Gateway - Device already connected", Device: deviceID})
		return Outcome{Reply: r.responder.Device(protocol.StatusAlreadyConnected, deviceID), Close: true}, false
	case err != nil:
		logger.WarnF("[%s] Fail to bind device %s, details: %v", c.Address(), deviceID, err)
		return Outcome{Close: true}, false
	}
	if replaced != nil {
		r.notifier.Log(notify.Event{
			Title:  "TCP Gateway - Session replaced",
			Device: deviceID,
			Fields: map[string]any{"previous": replaced.Address(), "current": c.Address()},
		})
	}
	if !wasBound {
		logger.InfoF("[%s] Device %s connected", c.Address(), deviceID)
		r.notifier.Connect(deviceID)
	}
	return Outcome{}, true
}

func (r *Router) sendToDevice(ctx context.Context, msg protocol.Message) error {
	if r.fanout == nil {
		return ErrNoFanout
	}
	return r.fanout.SendToDevice(ctx, msg.Device, msg.Target, msg.Payload)
}

func (r *Router) sendToGroup(ctx context.Context, msg protocol.Message) error {
	if r.fanout == nil {
		return ErrNoFanout
	}
	return r.fanout.SendToGroup(ctx, msg.Device, msg.Target, msg.Payload)
}

// LogPipeline is the data pipeline used when no upstream is configured.
type LogPipeline struct{}

func (LogPipeline) Submit(_ context.Context, deviceID string, raw []byte) error {
	logger.InfoF("Data from device %s: %s", deviceID, raw)
	return nil
}
