// Package metrics exposes the gateway's Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/life-stream-dev/life-stream-tcp-gateway/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_gateway_connections_total",
		Help: "The total number of accepted device connections.",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcp_gateway_connections_active",
		Help: "The number of currently open device connections.",
	})

	SessionsBound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tcp_gateway_sessions_bound",
		Help: "The number of device ids bound to a live connection.",
	})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcp_gateway_messages_total",
		Help: "Inbound messages by classification.",
	}, []string{"class"})

	ProtocolViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_gateway_protocol_violations_total",
		Help: "Inbound units rejected by validation.",
	})

	UnauthorizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_gateway_unauthorized_total",
		Help: "Messages rejected because the device is not authorized.",
	})

	DirectoryLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcp_gateway_directory_lookups_total",
		Help: "Device directory lookups by result.",
	}, []string{"result"})

	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcp_gateway_deliveries_total",
		Help: "Outbound deliveries by status.",
	}, []string{"status"})

	IdleTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_gateway_idle_timeouts_total",
		Help: "Connections closed by the idle timeout.",
	})
)

// Server serves /metrics until Shutdown is called.
type Server struct {
	srv *http.Server
}

func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

func (s *Server) ListenAndServe() error {
	logger.InfoF("Metrics server listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Invoke(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
