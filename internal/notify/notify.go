// Package notify carries gateway lifecycle notifications to the control plane.
package notify

import (
	"encoding/json"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
)

// Event is a structured log entry forwarded to the control plane.
type Event struct {
	Title  string         `json:"title"`
	Device string         `json:"device,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (e Event) String() string {
	data, err := json.Marshal(e)
	if err != nil {
		return e.Title
	}
	return string(data)
}

// Notifier receives connection lifecycle, delivery results, log events and
// errors. Implementations must not block the caller for long.
type Notifier interface {
	Connect(deviceID string)
	Disconnect(deviceID string)
	DeliveryAck(messageID, status string)
	Log(event Event)
	ReportError(err error)
}

// LogNotifier writes every notification to the process log.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) Connect(deviceID string) {
	logger.InfoF("Device %s connected", deviceID)
}

func (LogNotifier) Disconnect(deviceID string) {
	logger.InfoF("Device %s disconnected", deviceID)
}

func (LogNotifier) DeliveryAck(messageID, status string) {
	logger.InfoF("Delivery %s: %s", messageID, status)
}

func (LogNotifier) Log(event Event) {
	logger.Info(event.String())
}

func (LogNotifier) ReportError(err error) {
	logger.ErrorF("Gateway error: %v", err)
}

// Multi fans every notification out to each notifier in order.
type Multi []Notifier

var _ Notifier = Multi(nil)

func (m Multi) Connect(deviceID string) {
	for _, n := range m {
		n.Connect(deviceID)
	}
}

func (m Multi) Disconnect(deviceID string) {
	for _, n := range m {
		n.Disconnect(deviceID)
	}
}

func (m Multi) DeliveryAck(messageID, status string) {
	for _, n := range m {
		n.DeliveryAck(messageID, status)
	}
}

func (m Multi) Log(event Event) {
	for _, n := range m {
		n.Log(event)
	}
}

func (m Multi) ReportError(err error) {
	for _, n := range m {
		n.ReportError(err)
	}
}
