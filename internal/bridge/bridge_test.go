package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/authz"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/notify"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findAvailablePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()
	addr := findAvailablePort(t)

	server := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() { _ = server.Close() })

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
	return server, "tcp://" + addr
}

type published struct {
	topic   string
	payload []byte
}

func capture(t *testing.T, server *mochi.Server, filter string) <-chan published {
	t.Helper()
	ch := make(chan published, 16)
	require.NoError(t, server.Subscribe(filter, 1, func(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
		ch <- published{topic: pk.TopicName, payload: append([]byte(nil), pk.Payload...)}
	}))
	return ch
}

func next(t *testing.T, ch <-chan published) published {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("nothing published")
		return published{}
	}
}

func connectBridge(t *testing.T, broker string) *Bridge {
	t.Helper()
	b, err := Connect(Options{Broker: broker, ClientID: "gateway-test", QoS: 1, ConnectTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Invoke(context.Background()) })
	return b
}

func TestSubmitPublishesRawUnit(t *testing.T) {
	server, broker := startBroker(t)
	ch := capture(t, server, "gateway/data/#")
	b := connectBridge(t, broker)

	unit := []byte(`{"topic":"data","device":"D1","payload":"21.5"}`)
	require.NoError(t, b.Submit(context.Background(), "D1", unit))

	p := next(t, ch)
	assert.Equal(t, "gateway/data/D1", p.topic)
	assert.Equal(t, unit, p.payload)
}

func TestFanoutPublishesForwardedMessages(t *testing.T) {
	server, broker := startBroker(t)
	devices := capture(t, server, "gateway/devices/+/messages")
	groups := capture(t, server, "gateway/groups/+/messages")
	b := connectBridge(t, broker)

	require.NoError(t, b.SendToDevice(context.Background(), "D1", "D2", []byte("TURNOFF")))
	require.NoError(t, b.SendToGroup(context.Background(), "D1", "G1", []byte("hello")))

	p := next(t, devices)
	assert.Equal(t, "gateway/devices/D2/messages", p.topic)
	var fwd ForwardedMessage
	require.NoError(t, json.Unmarshal(p.payload, &fwd))
	assert.Equal(t, ForwardedMessage{Source: "D1", Target: "D2", Payload: "TURNOFF"}, fwd)

	p = next(t, groups)
	assert.Equal(t, "gateway/groups/G1/messages", p.topic)
	require.NoError(t, json.Unmarshal(p.payload, &fwd))
	assert.Equal(t, ForwardedMessage{Source: "D1", Target: "G1", Payload: "hello", Group: true}, fwd)
}

func TestNotifierPublishesEvents(t *testing.T) {
	server, broker := startBroker(t)
	ch := capture(t, server, "gateway/events/#")
	b := connectBridge(t, broker)

	b.Connect("D1")
	p := next(t, ch)
	assert.Equal(t, "gateway/events/connect", p.topic)
	assert.Contains(t, string(p.payload), `"device":"D1"`)

	b.DeliveryAck("m-1", "sent")
	p = next(t, ch)
	assert.Equal(t, "gateway/events/ack", p.topic)
	assert.JSONEq(t, `{"messageId":"m-1","status":"sent"}`, string(p.payload))

	b.Log(notify.Event{Title: "TCP Gateway - Data Received.", Device: "D1"})
	p = next(t, ch)
	assert.Equal(t, "gateway/events/log", p.topic)
	assert.JSONEq(t, `{"title":"TCP Gateway - Data Received.","device":"D1"}`, string(p.payload))

	b.ReportError(errors.New("boom"))
	p = next(t, ch)
	assert.Equal(t, "gateway/events/error", p.topic)
	assert.Contains(t, string(p.payload), `"error":"boom"`)

	b.Disconnect("D1")
	p = next(t, ch)
	assert.Equal(t, "gateway/events/disconnect", p.topic)
}

type fakeControl struct {
	mu       sync.Mutex
	added    []authz.DeviceRecord
	removed  []string
	outbound []dispatcher.Outbound
}

func (f *fakeControl) AddDevice(record authz.DeviceRecord) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, record)
	return record.ID != ""
}

func (f *fakeControl) RemoveDevice(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return true
}

func (f *fakeControl) Dispatch(_ context.Context, msg dispatcher.Outbound) dispatcher.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbound = append(f.outbound, msg)
	return dispatcher.Result{Status: dispatcher.StatusSent, Delivered: 1}
}

func (f *fakeControl) snapshot() ([]authz.DeviceRecord, []string, []dispatcher.Outbound) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]authz.DeviceRecord(nil), f.added...),
		append([]string(nil), f.removed...),
		append([]dispatcher.Outbound(nil), f.outbound...)
}

func TestControlTopics(t *testing.T) {
	server, broker := startBroker(t)
	b := connectBridge(t, broker)
	control := &fakeControl{}
	require.NoError(t, b.Serve(control))

	require.NoError(t, server.Publish("gateway/control/devices/add", []byte(`{"_id":"D7","zone":"north"}`), false, 0))
	require.NoError(t, server.Publish("gateway/control/devices/remove", []byte(`D8`), false, 0))
	require.NoError(t, server.Publish("gateway/control/deliver", []byte(`{"client":"D7","commandId":"c-1","command":"TURNOFF"}`), false, 0))

	require.Eventually(t, func() bool {
		added, removed, outbound := control.snapshot()
		return len(added) == 1 && len(removed) == 1 && len(outbound) == 1
	}, 3*time.Second, 20*time.Millisecond)

	added, removed, outbound := control.snapshot()
	assert.Equal(t, "D7", added[0].ID)
	assert.Equal(t, "north", added[0].Metadata["zone"])
	assert.Equal(t, []string{"D8"}, removed)
	assert.Equal(t, dispatcher.Outbound{Target: "D7", CorrelationID: "c-1", Payload: []byte("TURNOFF")}, outbound[0])
}

func TestPublishWithoutConnection(t *testing.T) {
	b := newBridge(Options{})
	assert.ErrorIs(t, b.Submit(context.Background(), "D1", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, b.SendToGroup(context.Background(), "D1", "G1", []byte("x")), ErrNotConnected)
}

func TestParseDeliverRequest(t *testing.T) {
	msg, err := ParseDeliverRequest([]byte(`{"device":"*","messageId":"m-9","payload":{"on":true},"raw":true}`))
	require.NoError(t, err)
	assert.Equal(t, dispatcher.Outbound{Target: "*", CorrelationID: "m-9", Payload: []byte(`{"on":true}`), Raw: true}, msg)

	msg, err = ParseDeliverRequest([]byte(`{"device":"D1","message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), msg.Payload)

	msg, err = ParseDeliverRequest([]byte(`{"device":"D1"}`))
	require.NoError(t, err)
	assert.Nil(t, msg.Payload)

	_, err = ParseDeliverRequest([]byte(`{"payload":"x"}`))
	assert.ErrorIs(t, err, ErrMissingTarget)

	_, err = ParseDeliverRequest([]byte(`nope`))
	assert.Error(t, err)
}

func TestParseDeviceID(t *testing.T) {
	assert.Equal(t, "D1", parseDeviceID([]byte("D1")))
	assert.Equal(t, "D1", parseDeviceID([]byte(`"D1"`)))
	assert.Equal(t, "D1", parseDeviceID([]byte(`{"_id":"D1"}`)))
	assert.Equal(t, "D2", parseDeviceID([]byte(`{"device":"D2"}`)))
	assert.Equal(t, "42", parseDeviceID([]byte(`42`)))
	assert.Equal(t, "", parseDeviceID([]byte(`{"other":1}`)))
}

func TestTopics(t *testing.T) {
	topics := NewTopics("site/gw/")
	assert.Equal(t, "site/gw/data/a_b", topics.Data("a/b"))
	assert.Equal(t, "site/gw/devices/x_/messages", topics.DeviceMessages("x#"))
	assert.Equal(t, "site/gw/control/deliver", topics.ControlDeliver())
}

func TestPublishAfterShutdown(t *testing.T) {
	server, broker := startBroker(t)
	ch := capture(t, server, "gateway/data/#")
	b := connectBridge(t, broker)

	require.NoError(t, b.Submit(context.Background(), "D1", []byte("first")))
	assert.Equal(t, []byte("first"), next(t, ch).payload)

	require.NoError(t, b.Invoke(context.Background()))
	assert.ErrorIs(t, b.Submit(context.Background(), "D1", []byte("late")), ErrBridgeClosed)
	b.Disconnect("D1")
}
