// Package metrics exposes the proxy's prometheus instruments and the
// /metrics HTTP endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	frontConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shoal_connections",
		Help: "Number of inbound client connections.",
	})

	globalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shoal_errors_total",
		Help: "Total command errors surfaced to clients.",
	})

	workerThreads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shoal_threads_total",
		Help: "Total worker goroutine parallelism claimed by clusters.",
	})

	totalTimer = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shoal_total_seconds",
		Help:    "End-to-end latency of proxied commands.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	remoteTimer = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shoal_remote_seconds",
		Help:    "Backend round-trip latency of proxied commands.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})
)

// FrontConnIncr counts a newly accepted client connection.
func FrontConnIncr() { frontConnections.Inc() }

// FrontConnDecr counts a closed client connection.
func FrontConnDecr() { frontConnections.Dec() }

// ErrorIncr counts one client-visible command error.
func ErrorIncr() { globalErrors.Inc() }

// ThreadIncrBy records worker parallelism claimed by a cluster.
func ThreadIncrBy(n int) { workerThreads.Add(float64(n)) }

// Serve exposes /metrics on the given port until ctx is canceled.
func Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
