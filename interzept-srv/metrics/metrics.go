// Package metrics defines the prometheus metrics of the proxy and the exporter serving them.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/codefionn/interzept/interzept-srv/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names carry the interzept_ prefix.
var (
	// Accepted client channels.
	ChannelsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "interzept_channels_total",
			Help: "Total number of accepted client channels.",
		},
	)

	// Currently open client channels.
	ChannelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "interzept_channels_open",
			Help: "Number of client channels currently open.",
		},
	)

	// CONNECT requests by how they were handled.
	ConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interzept_connects_total",
			Help: "Total number of CONNECT requests, labeled by mode.",
		},
		[]string{"mode"}, // intercept, tunnel, failure
	)

	// Exchanges by outcome.
	ExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interzept_exchanges_total",
			Help: "Total number of processed exchanges, labeled by outcome.",
		},
		[]string{"outcome"}, // forwarded, local, stopped, failed, upstream_error
	)

	// Exchange latency as observed by the client.
	ExchangeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "interzept_exchange_duration_seconds",
			Help:    "Histogram of exchange latencies in seconds, labeled by outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// Handler invocations by phase and action.
	HandlerInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interzept_handler_invocations_total",
			Help: "Total number of pipeline handler invocations, labeled by phase and action.",
		},
		[]string{"phase", "action"},
	)

	// Upstream attempts made by the exec chain.
	ExecAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "interzept_exec_attempts_total",
			Help: "Total number of upstream attempts, labeled by result.",
		},
		[]string{"result"}, // success, timeout, host_resolution, protocol, other
	)

	// Retries scheduled by the retry element.
	ExecRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "interzept_exec_retries_total",
			Help: "Total number of retries scheduled by the retry element.",
		},
	)
)

var registerOnce sync.Once

// MustRegister registers all metrics with the default registry. Repeated calls are no-ops.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ChannelsTotal,
			ChannelsOpen,
			ConnectsTotal,
			ExchangesTotal,
			ExchangeDurationSeconds,
			HandlerInvocationsTotal,
			ExecAttemptsTotal,
			ExecRetriesTotal,
		)
	})
}

// ObserveExchange counts a finished exchange.
func ObserveExchange(outcome string, d time.Duration) {
	ExchangesTotal.WithLabelValues(outcome).Inc()
	ExchangeDurationSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// Exporter serves /metrics on its own listener.
type Exporter struct {
	server   *http.Server
	listener net.Listener
}

// NewExporter binds the exporter listen address.
func NewExporter(listenAddress string) (*Exporter, error) {
	MustRegister()
	l, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Exporter{
		listener: l,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Addr returns the bound address.
func (e *Exporter) Addr() net.Addr { return e.listener.Addr() }

// Serve blocks until ctx is done or the server fails.
func (e *Exporter) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.server.Serve(e.listener)
	}()
	logger.Info("Metrics exporter listening on %s", e.listener.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
