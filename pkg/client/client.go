// Package client provides the STAC API HTTP client with rate limiting,
// response caching, and retry handling.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/stac-cmip6-client/pkg/cache"
	"github.com/Sternrassler/stac-cmip6-client/pkg/ratelimit"
	"github.com/Sternrassler/stac-cmip6-client/pkg/stac"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for STAC client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stac_requests_total",
		Help: "Total STAC API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stac_request_duration_seconds",
		Help:    "STAC API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stac_errors_total",
		Help: "Total STAC API errors by class",
	}, []string{"class"})
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

const (
	searchPath = "/search"

	// maxErrorBody bounds how much of an error response is kept
	maxErrorBody = 4096

	acceptHeader = "application/geo+json, application/json;q=0.9"
)

// Client talks to a STAC API. It satisfies pagination.Searcher.
type Client struct {
	httpClient  *http.Client
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the STAC API root, e.g. "https://api.stac.ceda.ac.uk"
	BaseURL string

	// User-Agent header sent with every request
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// Redis backs the response cache and shared rate limit state.
	// Nil disables both.
	Redis *redis.Client

	// HTTPTimeout bounds a single HTTP exchange
	HTTPTimeout time.Duration

	// Retry
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// CacheTTL applies when a response carries no freshness headers
	CacheTTL time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:        baseURL,
		UserAgent:      userAgent,
		HTTPTimeout:    30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		CacheTTL:       cache.DefaultTTL,
	}
}

// New creates a new STAC client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}

	defaults := DefaultConfig(cfg.BaseURL, cfg.UserAgent)
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaults.HTTPTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}

	logger := log.With().Str("component", "stac-client").Logger()

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		config: cfg,
		logger: logger,
	}

	if cfg.Redis != nil {
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, logger)
		c.cache = cache.NewManager(cfg.Redis)
	} else {
		logger.Debug().Msg("No Redis configured, caching and shared rate limiting disabled")
	}

	return c, nil
}

// Search runs an item search (POST {BaseURL}/search) and returns the first
// page.
func (c *Client) Search(ctx context.Context, req stac.SearchRequest) (*stac.Page, error) {
	body, err := json.Marshal(req.Body())
	if err != nil {
		return nil, fmt.Errorf("encode search body: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.config.BaseURL+searchPath, body)
}

// FetchLink follows a pagination link. For POST links body is sent as the
// JSON request body; it is ignored for GET.
func (c *Client) FetchLink(ctx context.Context, link stac.Link, body map[string]any) (*stac.Page, error) {
	if link.Href == "" {
		return nil, fmt.Errorf("link %q has no href", link.Rel)
	}

	method := link.HTTPMethod()
	var data []byte
	if method != http.MethodGet {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode link body: %w", err)
		}
	}

	return c.do(ctx, method, link.Href, data)
}

// do performs a request with rate limiting, caching, and retries, and
// decodes the result as an item page.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (*stac.Page, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	endpoint := target.Path

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Check Rate Limit
	if c.rateLimiter != nil {
		allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Rate limit check failed, proceeding")
		} else if !allowed {
			c.logger.Warn().
				Str("endpoint", endpoint).
				Msg("Request blocked by rate limiter")
			requestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
			return nil, ErrRateLimited
		}
	}

	// Step 2: Check Cache
	cacheKey := cache.CacheKey{
		Method:      method,
		Endpoint:    target.Scheme + "://" + target.Host + target.Path,
		QueryParams: target.Query(),
		Body:        body,
	}

	var cachedEntry *cache.CacheEntry
	if c.cache != nil {
		cachedEntry, err = c.cache.Get(ctx, cacheKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
		if cachedEntry != nil && !cachedEntry.IsExpired() {
			c.logger.Debug().Str("endpoint", endpoint).Msg("Serving page from cache")
			requestsTotal.WithLabelValues(endpoint, "cache_hit").Inc()
			return decodeEntry(cachedEntry)
		}
	}

	// Step 3: Execute HTTP Request with Retry Logic
	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", method).
		Msg("Executing STAC request")

	var resp *http.Response
	retryErr := retryWithBackoff(ctx, c.retryConfig(), func() error {
		req, err := c.newRequest(ctx, method, rawURL, body, cachedEntry)
		if err != nil {
			return err
		}

		var reqErr error
		resp, reqErr = c.httpClient.Do(req)
		if reqErr != nil {
			c.logger.Error().Err(reqErr).Str("endpoint", endpoint).Msg("HTTP request failed")
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return reqErr
		}

		if c.rateLimiter != nil {
			if err := c.rateLimiter.UpdateFromResponse(ctx, resp.StatusCode, resp.Header); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
			}
		}

		// 304 is handled below with the cached entry
		if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
			return nil
		}

		if resp.StatusCode >= 400 || resp.StatusCode == http.StatusNotModified {
			apiErr := newAPIError(resp)
			resp.Body.Close()
			resp = nil

			errorsTotal.WithLabelValues(string(apiErr.ErrorClass)).Inc()
			requestsTotal.WithLabelValues(endpoint, strconv.Itoa(apiErr.StatusCode)).Inc()
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", apiErr.StatusCode).
				Str("error_class", string(apiErr.ErrorClass)).
				Msg("STAC request error")
			return apiErr
		}

		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		return nil
	}, classifyError)

	if retryErr != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, retryErr
	}
	defer resp.Body.Close()

	// Step 4: Handle 304 Not Modified
	if resp.StatusCode == http.StatusNotModified {
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")
		cache.NotModifiedResponses.Inc()

		newExpires := cache.ParseExpires(resp.Header, c.config.CacheTTL)
		if err := c.cache.UpdateTTL(ctx, cacheKey, newExpires); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
		}
		return decodeEntry(cachedEntry)
	}

	// Step 5: Update Cache on success
	if c.cache != nil && resp.StatusCode == http.StatusOK {
		entry, err := cache.ResponseToEntry(resp, c.config.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if entry.TTL() > 0 || entry.HasValidator() {
			if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to cache response")
			} else {
				c.logger.Debug().
					Str("endpoint", endpoint).
					Dur("ttl", entry.TTL()).
					Msg("Cached response")
			}
		}
	}

	page, err := stac.DecodePage(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", method, endpoint, err)
	}
	return page, nil
}

// newRequest builds one attempt's request. The body reader is recreated per
// attempt so retries resend it.
func (c *Client) newRequest(ctx context.Context, method, rawURL string, body []byte, cachedEntry *cache.CacheEntry) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if cachedEntry != nil && cachedEntry.HasValidator() {
		cache.AddConditionalHeaders(req, cachedEntry)
		cache.ConditionalRequestsSent.Inc()
		c.logger.Debug().
			Str("endpoint", req.URL.Path).
			Str("etag", cachedEntry.ETag).
			Msg("Making conditional request")
	}

	return req, nil
}

func (c *Client) retryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       c.config.MaxRetries + 1,
		InitialBackoff:    c.config.InitialBackoff,
		MaxBackoff:        c.config.MaxBackoff,
		BackoffMultiplier: 2.0,
	}
}

// newAPIError builds an APIError from a failed response, consuming up to
// maxErrorBody bytes of its body.
func newAPIError(resp *http.Response) *APIError {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		ErrorClass: classifyStatus(resp.StatusCode),
		Message:    resp.Status,
		Body:       string(data),
	}

	// STAC APIs report {"code": ..., "description": ...}
	var doc struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	}
	if json.Unmarshal(data, &doc) == nil && doc.Description != "" {
		apiErr.Message = doc.Description
	}

	if v := resp.Header.Get("Retry-After"); v != "" {
		if until, err := ratelimit.ParseRetryAfter(v, time.Now()); err == nil {
			apiErr.RetryAfter = time.Until(until)
		}
	}

	return apiErr
}

// classifyStatus categorizes an HTTP status code.
func classifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case statusCode >= 500:
		return ErrorClassServer
	case statusCode >= 400:
		return ErrorClassClient
	default:
		// an unsolicited 304 cannot be served
		return ErrorClassClient
	}
}

// classifyError categorizes a request failure for retry handling.
func classifyError(err error) ErrorClass {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.ErrorClass
	case errors.Is(err, context.Canceled):
		return ""
	default:
		return ErrorClassNetwork
	}
}

// decodeEntry decodes a cached response as an item page.
func decodeEntry(entry *cache.CacheEntry) (*stac.Page, error) {
	resp := cache.EntryToResponse(entry)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cached response has status %d", resp.StatusCode)
	}
	page, err := stac.DecodePage(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode cached page: %w", err)
	}
	return page, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// GetCache returns the cache manager, nil without Redis.
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}
