package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersByLabel(t *testing.T) {
	before := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("sent"))
	DeliveriesTotal.WithLabelValues("sent").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(DeliveriesTotal.WithLabelValues("sent")))
}

func TestServerExposesMetrics(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s := NewServer(addr)
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()

	ConnectionsTotal.Inc()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		body = string(data)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, "tcp_gateway_connections_total")

	require.NoError(t, s.Invoke(context.Background()))
	assert.NoError(t, <-errCh)
}
