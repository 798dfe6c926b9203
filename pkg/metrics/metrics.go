// Package metrics exposes the Prometheus registry every package registers
// its collectors on via promauto, and serves it over HTTP.
//
// Collectors are defined next to the code they measure:
//
// Transport (pkg/client):
//   - newstore_requests_total{endpoint, status} (Counter)
//   - newstore_request_duration_seconds{endpoint} (Histogram)
//   - newstore_errors_total{class} (Counter)
//   - newstore_retries_total{error_class} (Counter)
//   - newstore_retry_backoff_seconds{error_class} (Histogram)
//   - newstore_retry_exhausted_total{error_class} (Counter)
//   - newstore_credential_refresh_total (Counter)
//
// Credentials (pkg/auth, pkg/cache):
//   - newstore_token_fetches_total{source, result} (Counter)
//   - newstore_token_cache_hits_total, newstore_token_cache_misses_total (Counter)
//   - newstore_token_cache_errors_total{operation} (Counter)
//
// Tenant backoff (pkg/ratelimit):
//   - newstore_rate_limited_total{tenant} (Counter)
//   - newstore_backoff_wait_seconds{tenant} (Histogram)
//
// Traversal (pkg/engine):
//   - newstore_records_extracted_total{stream} (Counter)
//   - newstore_pages_total{stream, result} (Counter)
//   - newstore_branch_failures_total{stream} (Counter)
//   - newstore_run_duration_seconds (Histogram)
//
// Example queries:
//
//	# records per second by stream
//	sum by (stream) (rate(newstore_records_extracted_total[5m]))
//
//	# share of requests answered with 429
//	sum(rate(newstore_requests_total{status="429"}[5m])) / sum(rate(newstore_requests_total[5m]))
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer promauto collectors land on.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
