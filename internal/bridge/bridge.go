// Package bridge connects the gateway to an MQTT broker. It publishes device
// data, forwarded messages and lifecycle events, and subscribes to the
// control topics that manage devices and deliver outbound messages.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
)

const (
	DefaultTopicPrefix    = "gateway"
	DefaultConnectTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("mqtt bridge is not connected")
	ErrBridgeClosed = errors.New("mqtt bridge is shutting down")
)

type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
}

type Bridge struct {
	client  mqtt.Client
	topics  Topics
	qos     byte
	timeout time.Duration

	mu      sync.Mutex
	control Control
	closed  bool
	pending sync.WaitGroup
}

func newBridge(opts Options) *Bridge {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.QoS > 2 {
		opts.QoS = 1
	}
	return &Bridge{topics: NewTopics(opts.TopicPrefix), qos: opts.QoS, timeout: opts.ConnectTimeout}
}

// Connect dials the broker and keeps the session alive with auto reconnect.
func Connect(opts Options) (*Bridge, error) {
	b := newBridge(opts)

	clientOptions := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetConnectTimeout(b.timeout).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.WarnF("MQTT bridge connection lost, details: %v", err)
		})

	b.client = mqtt.NewClient(clientOptions)
	token := b.client.Connect()
	if !token.WaitTimeout(b.timeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %v", opts.Broker, b.timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Broker, err)
	}
	logger.InfoF("MQTT bridge connected to %s", opts.Broker)
	return b, nil
}

func (b *Bridge) onConnect(_ mqtt.Client) {
	b.mu.Lock()
	control := b.control
	b.mu.Unlock()
	if control == nil {
		return
	}
	if err := b.subscribe(control); err != nil {
		logger.ErrorF("MQTT bridge fail to resubscribe control topics, details: %v", err)
	}
}

func (b *Bridge) Topics() Topics {
	return b.topics
}

// publish sends payload without waiting for the broker. Failures after the
// message left are logged.
func (b *Bridge) publish(topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	if b.client == nil || !b.client.IsConnectionOpen() {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.pending.Add(1)
	b.mu.Unlock()

	token := b.client.Publish(topic, b.qos, false, payload)
	go func() {
		defer b.pending.Done()
		if token.WaitTimeout(b.timeout) && token.Error() != nil {
			logger.ErrorF("MQTT bridge fail to publish to %s, details: %v", topic, token.Error())
		}
	}()
	return nil
}

func (b *Bridge) publishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	return b.publish(topic, data)
}

// Invoke refuses new publishes, waits for in-flight ones and disconnects;
// it is registered with the shutdown cleaner.
func (b *Bridge) Invoke(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if b.client != nil {
		b.client.Disconnect(250)
	}
	logger.Info("MQTT bridge disconnected")
	return nil
}

// Topics names every topic the bridge publishes or subscribes to.
type Topics struct {
	prefix string
}

func NewTopics(prefix string) Topics {
	return Topics{prefix: strings.TrimSuffix(prefix, "/")}
}

func (t Topics) join(parts ...string) string {
	return t.prefix + "/" + strings.Join(parts, "/")
}

func (t Topics) Data(deviceID string) string {
	return t.join("data", segment(deviceID))
}

func (t Topics) DeviceMessages(deviceID string) string {
	return t.join("devices", segment(deviceID), "messages")
}

func (t Topics) GroupMessages(group string) string {
	return t.join("groups", segment(group), "messages")
}

func (t Topics) Event(name string) string {
	return t.join("events", name)
}

func (t Topics) ControlAdd() string {
	return t.join("control", "devices", "add")
}

func (t Topics) ControlRemove() string {
	return t.join("control", "devices", "remove")
}

func (t Topics) ControlDeliver() string {
	return t.join("control", "deliver")
}

// segment keeps an id from spanning or wildcarding topic levels.
func segment(id string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(id)
}
