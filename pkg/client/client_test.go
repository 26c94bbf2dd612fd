package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/stac-cmip6-client/pkg/cache"
	"github.com/Sternrassler/stac-cmip6-client/pkg/ratelimit"
	"github.com/Sternrassler/stac-cmip6-client/pkg/stac"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const testPage = `{
	"type": "FeatureCollection",
	"features": [
		{"type": "Feature", "id": "item-1", "collection": "cmip6", "properties": {"cmip6:experiment_id": "ssp585"}}
	],
	"numMatched": 1,
	"numReturned": 1,
	"links": []
}`

// setupTestRedis creates a test Redis client.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

// newTestClient returns a client against baseURL with millisecond backoffs.
func newTestClient(t *testing.T, baseURL string, redisClient *redis.Client) *Client {
	t.Helper()

	cfg := DefaultConfig(baseURL, "TestApp/1.0.0 (test@example.com)")
	cfg.Redis = redisClient
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid config without redis",
			config: DefaultConfig("https://api.stac.example.org", "TestApp/1.0.0 (test@example.com)"),
		},
		{
			name: "zero durations take defaults",
			config: Config{
				BaseURL:   "https://api.stac.example.org/",
				UserAgent: "TestApp/1.0.0",
			},
		},
		{
			name:        "missing base url",
			config:      Config{UserAgent: "TestApp/1.0.0"},
			expectError: true,
			errorMsg:    "base url is required",
		},
		{
			name:        "relative base url",
			config:      Config{BaseURL: "/stac", UserAgent: "TestApp/1.0.0"},
			expectError: true,
			errorMsg:    `base url must be absolute (got "/stac")`,
		},
		{
			name:        "empty user agent",
			config:      Config{BaseURL: "https://api.stac.example.org"},
			expectError: true,
			errorMsg:    "user-agent is required",
		},
		{
			name:        "negative retries",
			config:      Config{BaseURL: "https://api.stac.example.org", UserAgent: "TestApp/1.0.0", MaxRetries: -1},
			expectError: true,
			errorMsg:    "max_retries must be >= 0 (got -1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if client.GetCache() != nil {
				t.Error("cache should be disabled without Redis")
			}
			if strings.HasSuffix(client.config.BaseURL, "/") {
				t.Errorf("BaseURL = %q, trailing slash should be trimmed", client.config.BaseURL)
			}
			if client.config.HTTPTimeout <= 0 || client.config.CacheTTL <= 0 {
				t.Error("zero durations should be replaced by defaults")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("https://api.stac.example.org", "TestApp/1.0.0")

	if cfg.BaseURL != "https://api.stac.example.org" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.UserAgent != "TestApp/1.0.0" {
		t.Errorf("UserAgent = %q, want %q", cfg.UserAgent, "TestApp/1.0.0")
	}
	if cfg.Redis != nil {
		t.Error("Redis should be nil by default")
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.InitialBackoff >= cfg.MaxBackoff {
		t.Errorf("InitialBackoff %v should be below MaxBackoff %v", cfg.InitialBackoff, cfg.MaxBackoff)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		statusCode int
		expected   ErrorClass
	}{
		{400, ErrorClassClient},
		{404, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{502, ErrorClassServer},
		{503, ErrorClassServer},
		{304, ErrorClassClient},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.statusCode), func(t *testing.T) {
			if got := classifyStatus(tt.statusCode); got != tt.expected {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"network error", io.ErrUnexpectedEOF, ErrorClassNetwork},
		{"api error", &APIError{StatusCode: 503, ErrorClass: ErrorClassServer}, ErrorClassServer},
		{"wrapped api error", fmt.Errorf("fetch: %w", &APIError{StatusCode: 429, ErrorClass: ErrorClassRateLimit}), ErrorClassRateLimit},
		{"cancelled", context.Canceled, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.expected {
				t.Errorf("classifyError() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSearch_RequestShape(t *testing.T) {
	var (
		gotMethod, gotPath, gotUA, gotAccept, gotContentType, gotRequestID string
		gotBody                                                            map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotContentType = r.Header.Get("Content-Type")
		gotRequestID = r.Header.Get("X-Request-ID")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/geo+json")
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)

	page, err := client.Search(context.Background(), stac.SearchRequest{
		Collections: []string{"cmip6"},
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if gotMethod != http.MethodPost || gotPath != "/search" {
		t.Errorf("request = %s %s, want POST /search", gotMethod, gotPath)
	}
	if gotUA != "TestApp/1.0.0 (test@example.com)" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if !strings.Contains(gotAccept, "application/geo+json") {
		t.Errorf("Accept = %q, want geo+json", gotAccept)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
	if _, err := uuid.Parse(gotRequestID); err != nil {
		t.Errorf("X-Request-ID = %q is not a UUID: %v", gotRequestID, err)
	}
	if got := gotBody["limit"]; got != float64(10) {
		t.Errorf("body limit = %v, want 10", got)
	}

	if len(page.Items) != 1 || page.Items[0].ID != "item-1" {
		t.Errorf("page items = %+v", page.Items)
	}
	if page.NumMatched != 1 {
		t.Errorf("NumMatched = %d, want 1", page.NumMatched)
	}
}

func TestFetchLink(t *testing.T) {
	var gotMethod, gotQuery string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotQuery = r.URL.RawQuery
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)
	ctx := context.Background()

	t.Run("get link", func(t *testing.T) {
		link := stac.Link{Rel: "next", Href: server.URL + "/search?token=abc"}
		if _, err := client.FetchLink(ctx, link, map[string]any{"ignored": true}); err != nil {
			t.Fatalf("FetchLink() error = %v", err)
		}
		if gotMethod != http.MethodGet {
			t.Errorf("method = %s, want GET", gotMethod)
		}
		if gotQuery != "token=abc" {
			t.Errorf("query = %q, want token=abc", gotQuery)
		}
		if len(gotBody) != 0 {
			t.Errorf("GET body = %q, want empty", gotBody)
		}
	})

	t.Run("post link", func(t *testing.T) {
		link := stac.Link{Rel: "next", Href: server.URL + "/search", Method: http.MethodPost}
		if _, err := client.FetchLink(ctx, link, map[string]any{"token": "next:2"}); err != nil {
			t.Fatalf("FetchLink() error = %v", err)
		}
		if gotMethod != http.MethodPost {
			t.Errorf("method = %s, want POST", gotMethod)
		}
		if string(gotBody) != `{"token":"next:2"}` {
			t.Errorf("body = %s", gotBody)
		}
	})

	t.Run("missing href", func(t *testing.T) {
		if _, err := client.FetchLink(ctx, stac.Link{Rel: "next"}, nil); err == nil {
			t.Error("expected error for link without href")
		}
	})
}

func TestDo_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)

	if _, err := client.Search(context.Background(), stac.SearchRequest{}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code": "BadRequest", "description": "unsupported filter-lang"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)

	_, err := client.Search(context.Background(), stac.SearchRequest{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.ErrorClass != ErrorClassClient {
		t.Errorf("APIError = %+v", apiErr)
	}
	if apiErr.Message != "unsupported filter-lang" {
		t.Errorf("Message = %q, want description from body", apiErr.Message)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}
}

func TestDo_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)

	_, err := client.Search(context.Background(), stac.SearchRequest{})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("error = %v, want ErrRetryExhausted", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorClass != ErrorClassRateLimit {
		t.Errorf("last error = %v, want rate_limit APIError", err)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("server calls = %d, want 4 (1 + MaxRetries)", got)
	}
}

func TestDo_InvalidPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type": "Feature", "id": "not-a-collection"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil)

	if _, err := client.Search(context.Background(), stac.SearchRequest{}); err == nil {
		t.Error("expected decode error for non-FeatureCollection payload")
	}
}

func TestDo_RateLimitBlock(t *testing.T) {
	redisClient := setupTestRedis(t)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	// Pre-populate Redis with an active Retry-After block
	ctx := context.Background()
	now := time.Now()
	redisClient.Set(ctx, ratelimit.RedisKeyBlockedUntil, now.Add(60*time.Second).Unix(), time.Minute)
	redisClient.Set(ctx, ratelimit.RedisKeyLastUpdate, now.Unix(), 0)

	client := newTestClient(t, server.URL, redisClient)

	_, err := client.Search(ctx, stac.SearchRequest{})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("server calls = %d, want 0", got)
	}
}

func TestDo_CacheHit(t *testing.T) {
	redisClient := setupTestRedis(t)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Cache-Control", "max-age=300")
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, redisClient)
	ctx := context.Background()
	req := stac.SearchRequest{Collections: []string{"cmip6"}, Limit: 1}

	for i := 0; i < 2; i++ {
		page, err := client.Search(ctx, req)
		if err != nil {
			t.Fatalf("Search() #%d error = %v", i+1, err)
		}
		if len(page.Items) != 1 {
			t.Errorf("Search() #%d returned %d items, want 1", i+1, len(page.Items))
		}
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (second served from cache)", got)
	}

	// A different body is a different cache key
	if _, err := client.Search(ctx, stac.SearchRequest{Collections: []string{"cmip6"}, Limit: 2}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}
}

func TestDo_Handle304NotModified(t *testing.T) {
	redisClient := setupTestRedis(t)

	var calls, conditional atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("If-None-Match") == `"page-1"` {
			conditional.Add(1)
			w.Header().Set("Cache-Control", "max-age=60")
			w.WriteHeader(http.StatusNotModified)
			return
		}

		// Immediately stale but revalidatable
		w.Header().Set("Cache-Control", "max-age=0")
		w.Header().Set("ETag", `"page-1"`)
		w.Write([]byte(testPage))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, redisClient)
	ctx := context.Background()

	if _, err := client.Search(ctx, stac.SearchRequest{}); err != nil {
		t.Fatalf("first Search() error = %v", err)
	}

	page, err := client.Search(ctx, stac.SearchRequest{})
	if err != nil {
		t.Fatalf("second Search() error = %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "item-1" {
		t.Errorf("revalidated page items = %+v", page.Items)
	}
	if got := conditional.Load(); got != 1 {
		t.Errorf("conditional requests = %d, want 1", got)
	}

	// TTL refreshed by the 304, third call is a cache hit
	if _, err := client.Search(ctx, stac.SearchRequest{}); err != nil {
		t.Fatalf("third Search() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}
}

func TestDecodeEntry(t *testing.T) {
	tests := []struct {
		name    string
		entry   *cache.CacheEntry
		wantID  string
		wantErr bool
	}{
		{
			name:   "cached page",
			entry:  &cache.CacheEntry{Data: []byte(testPage), StatusCode: http.StatusOK, Headers: http.Header{}},
			wantID: "item-1",
		},
		{
			name:    "non-200 entry",
			entry:   &cache.CacheEntry{Data: []byte(testPage), StatusCode: http.StatusNotFound, Headers: http.Header{}},
			wantErr: true,
		},
		{
			name:    "corrupt body",
			entry:   &cache.CacheEntry{Data: []byte("{"), StatusCode: http.StatusOK, Headers: http.Header{}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := decodeEntry(tt.entry)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeEntry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(page.Items) != 1 || page.Items[0].ID != tt.wantID {
				t.Errorf("decodeEntry() items = %+v, want %s", page.Items, tt.wantID)
			}
		})
	}
}
