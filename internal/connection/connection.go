// Package connection tracks device connections and the device id bindings
// between them.
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
)

// State is a connection's position in its lifecycle.
type State int32

const (
	StateAccepted State = iota
	StateAuthenticating
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAuthenticating:
		return "authenticating"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrConnectionClosed = errors.New("connection closed")
	// ErrOutputBroken is returned once a frame was cut off mid-write. The
	// stream can no longer be framed, so nothing more is written to it.
	ErrOutputBroken = errors.New("connection output broken by a partial write")
)

// Connection is one accepted transport plus the gateway's view of it.
type Connection struct {
	Conn   net.Conn
	ConnID string

	address      string
	host         string
	port         int
	writeTimeout time.Duration

	writeMu sync.Mutex
	broken  atomic.Bool

	mu       sync.Mutex
	deviceID string
	state    State

	lastSeen  atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

func New(conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		Conn:         conn,
		ConnID:       uuid.New().String(),
		writeTimeout: writeTimeout,
		state:        StateAccepted,
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.address = addr.String()
		if host, port, err := net.SplitHostPort(c.address); err == nil {
			c.host = host
			c.port, _ = strconv.Atoi(port)
		}
	}
	c.Touch()
	return c
}

// Address is the remote "host:port", the key used before a device id is known.
func (c *Connection) Address() string {
	return c.address
}

func (c *Connection) Host() string {
	return c.host
}

func (c *Connection) Port() int {
	return c.port
}

func (c *Connection) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// BeginAuthentication moves an unbound connection into Authenticating.
func (c *Connection) BeginAuthentication() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAccepted {
		c.state = StateAuthenticating
	}
}

// bind and unbind are called with the registry lock held.
func (c *Connection) bind(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return false
	}
	c.deviceID = deviceID
	c.state = StateBound
	return true
}

func (c *Connection) unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = ""
	if c.state == StateBound {
		c.state = StateAuthenticating
	}
}

// Write sends data in full under the connection's write lock. A write that
// fails after part of the frame went out breaks the output for good; the
// connection itself stays open.
func (c *Connection) Write(data []byte) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.broken.Load() {
		return ErrOutputBroken
	}
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }()
	}
	n, err := Send(c.Conn, data, c.address)
	if err != nil && n > 0 {
		logger.WarnF("[%s] Frame cut off after %d of %d bytes, output disabled", c.address, n, len(data))
		c.broken.Store(true)
	}
	return err
}

// OutputBroken reports whether a partial write disabled further writes.
func (c *Connection) OutputBroken() bool {
	return c.broken.Load()
}

// Close is idempotent and moves the connection to StateClosed.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
		if err := c.Conn.Close(); err != nil && !IsNetClosedError(err) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

// Send writes data to conn, retrying short writes. It returns the number of
// bytes written before any error.
func Send(conn net.Conn, data []byte, connID string) (int, error) {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		total += n
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", connID, err)
			return total, err
		}
	}
	logger.DebugF("[%s] Send %d bytes to client", connID, total)
	return total, nil
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// HandleReadError logs a read error and reports whether it was an idle timeout.
func HandleReadError(connID string, err error) bool {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case errors.Is(err, os.ErrDeadlineExceeded) || os.IsTimeout(err):
		logger.WarnF("[%s] Socket timeout", connID)
		return true
	case errors.Is(err, net.ErrClosed):
		logger.DebugF("[%s] Connection closed locally", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading data, details: %v", connID, err)
	}
	return false
}
