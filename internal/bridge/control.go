package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/authz"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
)

// Control is the gateway surface driven by the control topics.
type Control interface {
	AddDevice(record authz.DeviceRecord) bool
	RemoveDevice(id string) bool
	Dispatch(ctx context.Context, msg dispatcher.Outbound) dispatcher.Result
}

var ErrMissingTarget = errors.New("deliver request has no device")

// DeliverRequest is the body of a control deliver message. The legacy
// client, commandId, message and command keys are accepted as aliases.
type DeliverRequest struct {
	Device    string          `json:"device"`
	Client    string          `json:"client"`
	MessageID string          `json:"messageId"`
	CommandID string          `json:"commandId"`
	Payload   json.RawMessage `json:"payload"`
	Message   json.RawMessage `json:"message"`
	Command   json.RawMessage `json:"command"`
	Raw       bool            `json:"raw"`
}

// ParseDeliverRequest turns a control message body into an Outbound.
func ParseDeliverRequest(data []byte) (dispatcher.Outbound, error) {
	var req DeliverRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return dispatcher.Outbound{}, fmt.Errorf("parse deliver request: %w", err)
	}
	msg := dispatcher.Outbound{
		Target:        firstNonEmpty(req.Device, req.Client),
		CorrelationID: firstNonEmpty(req.MessageID, req.CommandID),
		Raw:           req.Raw,
	}
	if msg.Target == "" {
		return msg, ErrMissingTarget
	}
	for _, raw := range []json.RawMessage{req.Payload, req.Message, req.Command} {
		if payload := payloadBytes(raw); payload != nil {
			msg.Payload = payload
			break
		}
	}
	return msg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// payloadBytes unquotes strings and keeps any other JSON value as text.
func payloadBytes(raw json.RawMessage) []byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return append([]byte(nil), raw...)
}

// parseDeviceID accepts a bare id, a JSON string or a record with _id, id
// or device.
func parseDeviceID(data []byte) string {
	data = bytes.TrimSpace(data)
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var fields struct {
		ID     json.RawMessage `json:"_id"`
		AltID  json.RawMessage `json:"id"`
		Device json.RawMessage `json:"device"`
	}
	if err := json.Unmarshal(data, &fields); err == nil {
		for _, raw := range []json.RawMessage{fields.ID, fields.AltID, fields.Device} {
			if id := payloadBytes(raw); id != nil {
				return strings.TrimSpace(string(id))
			}
		}
		return ""
	}
	return string(data)
}

// Serve subscribes to the control topics and keeps them subscribed across
// reconnects.
func (b *Bridge) Serve(control Control) error {
	b.mu.Lock()
	b.control = control
	b.mu.Unlock()
	return b.subscribe(control)
}

func (b *Bridge) subscribe(control Control) error {
	filters := map[string]mqtt.MessageHandler{
		b.topics.ControlAdd():     b.handleAdd(control),
		b.topics.ControlRemove():  b.handleRemove(control),
		b.topics.ControlDeliver(): b.handleDeliver(control),
	}
	for topic, handler := range filters {
		token := b.client.Subscribe(topic, b.qos, handler)
		if !token.WaitTimeout(b.timeout) {
			return fmt.Errorf("subscribe %s: timed out", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		logger.DebugF("MQTT bridge subscribed to %s", topic)
	}
	return nil
}

func (b *Bridge) handleAdd(control Control) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		record, err := authz.ParseRecord(m.Payload())
		if err != nil {
			logger.WarnF("MQTT bridge invalid device record on %s, details: %v", m.Topic(), err)
			b.ReportError(err)
			return
		}
		if !control.AddDevice(record) {
			logger.WarnF("MQTT bridge ignored device record without id on %s", m.Topic())
		}
	}
}

func (b *Bridge) handleRemove(control Control) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		id := parseDeviceID(m.Payload())
		if id == "" {
			logger.WarnF("MQTT bridge remove request without device id on %s", m.Topic())
			return
		}
		control.RemoveDevice(id)
	}
}

func (b *Bridge) handleDeliver(control Control) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		msg, err := ParseDeliverRequest(m.Payload())
		if err != nil {
			logger.WarnF("MQTT bridge invalid deliver request, details: %v", err)
			b.ReportError(err)
			return
		}
		b.pending.Add(1)
		go func() {
			defer b.pending.Done()
			control.Dispatch(context.Background(), msg)
		}()
	}
}
