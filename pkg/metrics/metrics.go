// Package metrics exposes the Prometheus metrics of the STAC client.
// All metrics are defined in their respective packages (client, cache,
// ratelimit, pagination) to maintain modularity and avoid circular
// dependencies; this package documents them and serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the STAC client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source Handler serves from.
var Gatherer = prometheus.DefaultGatherer

// Path is where Serve exposes metrics.
const Path = "/metrics"

// Handler returns an HTTP handler exposing all registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Serve exposes Handler on addr until ctx is done. It returns nil after a
// clean shutdown.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle(Path, Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("path", Path).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - stac_rate_limit_remaining (Gauge): Last advertised request budget
//   - stac_rate_limit_blocks_total (Counter): Requests blocked by an exhausted budget or Retry-After
//   - stac_rate_limit_throttles_total (Counter): Requests delayed because the budget ran low
//
// Cache Metrics (pkg/cache):
//   - stac_cache_hits_total (Counter): Fresh cache hits
//   - stac_cache_misses_total (Counter): Cache misses
//   - stac_304_responses_total (Counter): 304 Not Modified responses
//   - stac_conditional_requests_total (Counter): Conditional requests sent with If-None-Match
//   - stac_cache_errors_total{operation} (Counter): Cache operation errors
//
// Request Metrics (pkg/client):
//   - stac_requests_total{endpoint, status} (Counter): Total requests by endpoint and HTTP status
//   - stac_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - stac_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - stac_retries_total{error_class} (Counter): Retry attempts by error class
//   - stac_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - stac_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Paging Metrics (pkg/pagination):
//   - stac_pages_fetched_total (Counter): Search result pages fetched
//   - stac_page_fetch_duration_seconds (Histogram): Time to fetch one page including retries
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(stac_cache_hits_total[5m])) /
//   (sum(rate(stac_cache_hits_total[5m])) + sum(rate(stac_cache_misses_total[5m])))
//
//   # Request Error Rate
//   rate(stac_errors_total[5m])
//
//   # P95 Page Latency
//   histogram_quantile(0.95, rate(stac_page_fetch_duration_seconds_bucket[5m]))
