package bridge

import (
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/notify"
)

// ForwardedMessage is published for device-to-device and group messages.
type ForwardedMessage struct {
	Source  string `json:"source"`
	Target  string `json:"target"`
	Payload string `json:"payload"`
	Group   bool   `json:"group,omitempty"`
}

type deviceEvent struct {
	Device string    `json:"device"`
	Time   time.Time `json:"time"`
}

type ackEvent struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type errorEvent struct {
	Error string    `json:"error"`
	Time  time.Time `json:"time"`
}

var _ notify.Notifier = (*Bridge)(nil)

// Submit publishes the unit as received to the device's data topic.
func (b *Bridge) Submit(_ context.Context, deviceID string, raw []byte) error {
	return b.publish(b.topics.Data(deviceID), raw)
}

func (b *Bridge) SendToDevice(_ context.Context, source, target string, payload []byte) error {
	return b.publishJSON(b.topics.DeviceMessages(target), ForwardedMessage{
		Source:  source,
		Target:  target,
		Payload: string(payload),
	})
}

func (b *Bridge) SendToGroup(_ context.Context, source, group string, payload []byte) error {
	return b.publishJSON(b.topics.GroupMessages(group), ForwardedMessage{
		Source:  source,
		Target:  group,
		Payload: string(payload),
		Group:   true,
	})
}

func (b *Bridge) Connect(deviceID string) {
	b.event("connect", deviceEvent{Device: deviceID, Time: time.Now().UTC()})
}

func (b *Bridge) Disconnect(deviceID string) {
	b.event("disconnect", deviceEvent{Device: deviceID, Time: time.Now().UTC()})
}

func (b *Bridge) DeliveryAck(messageID, status string) {
	b.event("ack", ackEvent{MessageID: messageID, Status: status})
}

func (b *Bridge) Log(event notify.Event) {
	b.event("log", event)
}

func (b *Bridge) ReportError(err error) {
	b.event("error", errorEvent{Error: err.Error(), Time: time.Now().UTC()})
}

// event drops notifications while the broker is unreachable.
func (b *Bridge) event(name string, v any) {
	_ = b.publishJSON(b.topics.Event(name), v)
}
