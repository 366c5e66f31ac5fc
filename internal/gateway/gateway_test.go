package gateway

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/authz"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/notify/notifytest"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPipeline struct {
	mu      sync.Mutex
	devices []string
	units   []string
}

func (p *recordingPipeline) Submit(_ context.Context, deviceID string, raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = append(p.devices, deviceID)
	p.units = append(p.units, string(raw))
	return nil
}

func (p *recordingPipeline) Devices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.devices...)
}

func startGateway(t *testing.T, opts Options) (*Gateway, *notifytest.Recorder, *recordingPipeline) {
	t.Helper()
	rec := &notifytest.Recorder{}
	pipeline := &recordingPipeline{}
	opts.Server.Address = "127.0.0.1:0"
	opts.Server.Greeting = "CONNACK"
	opts.Notifier = rec
	opts.Pipeline = pipeline

	g := New(opts)
	g.Seed([]authz.DeviceRecord{{ID: "D1"}, {ID: "D2"}, {ID: "D4"}})
	require.NoError(t, g.Start())
	t.Cleanup(func() { _ = g.Invoke(context.Background()) })
	return g, rec, pipeline
}

type device struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, g *Gateway) *device {
	t.Helper()
	conn, err := net.Dial("tcp", g.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	d := &device{conn: conn, reader: bufio.NewReader(conn)}
	assert.Equal(t, "CONNACK", strings.TrimRight(d.line(t), "\r\n"))
	return d
}

func (d *device) line(t *testing.T) string {
	t.Helper()
	_ = d.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := d.reader.ReadString('\n')
	require.NoError(t, err)
	return line
}

func (d *device) send(t *testing.T, unit string) string {
	t.Helper()
	_, err := d.conn.Write([]byte(unit))
	require.NoError(t, err)
	return d.line(t)
}

func (d *device) closedByPeer(t *testing.T) bool {
	t.Helper()
	_ = d.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := d.reader.ReadByte()
	return err != nil
}

func TestDataMessageIsAcknowledged(t *testing.T) {
	g, rec, pipeline := startGateway(t, Options{})
	d1 := dial(t, g)

	reply := d1.send(t, `{"topic":"data","device":"D1"}`)

	assert.Equal(t, "Data Received. Device ID: D1. Data: {\"topic\":\"data\",\"device\":\"D1\"}\n", reply)
	assert.Equal(t, []string{"D1"}, pipeline.Devices())
	assert.Equal(t, []string{"D1"}, rec.Connects())
}

func TestCommandReachesBoundTarget(t *testing.T) {
	g, rec, _ := startGateway(t, Options{})
	d1, d2 := dial(t, g), dial(t, g)
	d2.send(t, `{"topic":"data","device":"D2"}`)

	unit := `{"topic":"command","device":"D1","target":"D2","command":"TURNOFF"}`
	assert.Equal(t, "Command Received. Device ID: D1. Message: "+unit+"\n", d1.send(t, unit))
	assert.Equal(t, "TURNOFF\n", d2.line(t))

	require.Eventually(t, func() bool { return len(rec.Acks()) == 1 }, 3*time.Second, 10*time.Millisecond)
	ack := rec.Acks()[0]
	assert.NotEmpty(t, ack.MessageID)
	assert.Equal(t, "sent", ack.Status)
}

func TestUnauthorizedDeviceIsDisconnected(t *testing.T) {
	g, rec, pipeline := startGateway(t, Options{})
	d := dial(t, g)

	assert.Equal(t, "Device not registered. Device ID: D9\n", d.send(t, `{"topic":"data","device":"D9"}`))
	assert.True(t, d.closedByPeer(t))

	assert.Empty(t, pipeline.Devices())
	assert.Equal(t, 0, g.Registry().Len())
	assert.Eventually(t, func() bool { return g.Registry().Tracked() == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.Disconnects())
}

func TestDeliverToUnboundDevice(t *testing.T) {
	g, rec, _ := startGateway(t, Options{})

	result := g.Deliver(context.Background(), "D3", []byte("hello"), "m-1")

	assert.Equal(t, dispatcher.StatusDeviceNotConnected, result.Status)
	assert.Equal(t, []notifytest.Ack{{MessageID: "m-1", Status: "device_not_connected"}}, rec.Acks())
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	g, rec, _ := startGateway(t, Options{})
	first, second := dial(t, g), dial(t, g)
	unit := `{"topic":"data","device":"D4"}`
	first.send(t, unit)
	second.send(t, unit)

	require.Equal(t, 1, g.Registry().Len())
	g.Deliver(context.Background(), "D4", []byte("hi"), "")
	assert.Equal(t, "hi\n", second.line(t))

	require.NoError(t, first.conn.Close())
	require.Eventually(t, func() bool { return g.Registry().Tracked() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.Disconnects())
	assert.Equal(t, 1, g.Registry().Len())

	require.NoError(t, second.conn.Close())
	require.Eventually(t, func() bool { return len(rec.Disconnects()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"D4"}, rec.Disconnects())
	assert.Equal(t, 0, g.Registry().Len())
}

func TestBroadcast(t *testing.T) {
	g, _, _ := startGateway(t, Options{Terminator: "\r\n"})
	d1, d2 := dial(t, g), dial(t, g)
	d1.send(t, `{"topic":"data","device":"D1"}`)
	d2.send(t, `{"topic":"data","device":"D2"}`)

	result := g.Deliver(context.Background(), dispatcher.Broadcast, []byte("reboot"), "b-1")

	assert.Equal(t, dispatcher.Result{Status: dispatcher.StatusSent, Delivered: 2}, result)
	assert.Equal(t, "reboot\r\n", d1.line(t))
	assert.Equal(t, "reboot\r\n", d2.line(t))
}

func TestEmptyPayloadSendsSentinel(t *testing.T) {
	g, _, _ := startGateway(t, Options{})
	d1 := dial(t, g)
	d1.send(t, `{"topic":"data","device":"D1"}`)

	g.Deliver(context.Background(), "D1", nil, "")

	_ = d1.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	b, err := d1.reader.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), b)
}

func TestAddAndRemoveDevice(t *testing.T) {
	g, rec, _ := startGateway(t, Options{})

	assert.False(t, g.RemoveDevice("absent"))
	assert.False(t, g.AddDevice(authz.DeviceRecord{}))
	assert.Empty(t, rec.Disconnects())

	assert.True(t, g.AddDevice(authz.DeviceRecord{ID: "D5"}))
	d5 := dial(t, g)
	assert.Contains(t, d5.send(t, `{"topic":"data","device":"D5"}`), "Data Received")

	assert.True(t, g.RemoveDevice("D5"))
	assert.Equal(t, "Device not registered. Device ID: D5\n", d5.send(t, `{"topic":"data","device":"D5"}`))
	assert.True(t, d5.closedByPeer(t))
	require.Eventually(t, func() bool { return len(rec.Disconnects()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestStartFailsWhenAddressInUse(t *testing.T) {
	g, _, _ := startGateway(t, Options{})
	other := New(Options{Server: server.Options{Address: g.Addr().String()}})
	assert.ErrorIs(t, other.Start(), server.ErrAddressInUse)
}
