package server

import (
	"context"
	"net"
	"time"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/metrics"
)

type ConnectionHandler struct {
	server *Server
	conn   *connection.Connection
	connID string
}

func newConnectionHandler(s *Server, conn net.Conn) *ConnectionHandler {
	c := connection.New(conn, s.opts.WriteTimeout)
	return &ConnectionHandler{server: s, conn: c, connID: c.Address()}
}

func (h *ConnectionHandler) configureSocket() {
	tcp, ok := h.conn.Conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetKeepAlive(true); err != nil {
		logger.WarnF("[%s] Fail to enable keepalive, details: %v", h.connID, err)
		return
	}
	_ = tcp.SetKeepAlivePeriod(h.server.opts.KeepAlive)
}

func (h *ConnectionHandler) handleMessages(ctx context.Context) {
	buf := make([]byte, h.server.opts.ReadBufferSize)
	idle := h.server.opts.IdleTimeout

	for {
		if idle > 0 {
			_ = h.conn.Conn.SetReadDeadline(time.Now().Add(idle))
		}

		n, err := h.conn.Conn.Read(buf)
		if err != nil {
			if connection.HandleReadError(h.connID, err) {
				metrics.IdleTimeoutsTotal.Inc()
			}
			return
		}
		if n == 0 {
			continue
		}

		unit := make([]byte, n)
		copy(unit, buf[:n])
		logger.DebugF("[%s] Receive %d bytes, data %q", h.connID, n, unit)

		outcome := h.server.handler.Handle(ctx, h.conn, unit)
		if len(outcome.Reply) > 0 {
			if err := h.conn.Write(outcome.Reply); err != nil {
				return
			}
		}
		if outcome.Close {
			logger.InfoF("[%s] Closing connection", h.connID)
			return
		}
	}
}

func (h *ConnectionHandler) handleConnection(ctx context.Context) {
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	h.server.registry.Track(h.conn)
	logger.InfoF("[%s] Client connected", h.connID)

	defer func() {
		logger.DebugF("[%s] Connection closed", h.connID)
		if err := h.conn.Close(); err != nil {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", h.connID, err)
		}
		if deviceID := h.server.registry.Release(h.conn); deviceID != "" {
			logger.InfoF("[%s] Device %s disconnected", h.connID, deviceID)
		}
		metrics.ConnectionsActive.Dec()
	}()

	h.configureSocket()

	if greeting := h.server.greeting(); greeting != nil {
		if err := h.conn.Write(greeting); err != nil {
			return
		}
	}

	h.handleMessages(ctx)
}
