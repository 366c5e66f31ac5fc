// Package notifytest provides a Notifier that records calls for tests.
package notifytest

import (
	"sync"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/notify"
)

type Ack struct {
	MessageID string
	Status    string
}

type Recorder struct {
	mu          sync.Mutex
	connects    []string
	disconnects []string
	acks        []Ack
	events      []notify.Event
	errs        []error
}

var _ notify.Notifier = (*Recorder)(nil)

func (r *Recorder) Connect(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects = append(r.connects, deviceID)
}

func (r *Recorder) Disconnect(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, deviceID)
}

func (r *Recorder) DeliveryAck(messageID, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, Ack{MessageID: messageID, Status: status})
}

func (r *Recorder) Log(event notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *Recorder) ReportError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *Recorder) Connects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connects...)
}

func (r *Recorder) Disconnects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.disconnects...)
}

func (r *Recorder) Acks() []Ack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Ack(nil), r.acks...)
}

func (r *Recorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}
