package cmd

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"
)

const readHeaderTimeout = 10 * time.Second

// MetricsServer serves Prometheus metrics over HTTP.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
}

// StartMetricsServer serves the default Prometheus registry on addr at /metrics.
// At most maxOpenConnections connections are served at once, 0 means no limit.
func StartMetricsServer(addr string, maxOpenConnections int, logger logging.EventLogger) (*MetricsServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	listener := l
	if maxOpenConnections > 0 {
		listener = netutil.LimitListener(l, maxOpenConnections)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		logger.Infof("serving metrics on %s", l.Addr())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server: %s", err)
		}
	}()
	return &MetricsServer{srv: srv, listener: l}, nil
}

// Addr returns the address the server listens on.
func (m *MetricsServer) Addr() net.Addr {
	return m.listener.Addr()
}

// Close stops the server.
func (m *MetricsServer) Close() error {
	return m.srv.Close()
}
