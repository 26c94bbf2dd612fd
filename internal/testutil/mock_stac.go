// Package testutil provides a mock STAC API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// PagingMode selects how the mock advertises its next page.
type PagingMode int

const (
	// PagingGET emits next links with a token query parameter.
	PagingGET PagingMode = iota
	// PagingPOST emits POST next links carrying the token in a merged body.
	PagingPOST
)

// CountMode selects how the mock reports matched/returned counts.
type CountMode int

const (
	// CountTopLevel reports numMatched and numReturned.
	CountTopLevel CountMode = iota
	// CountContext reports counts through the context extension.
	CountContext
	// CountNone omits counts entirely.
	CountNone
)

// MockSTAC is a configurable in-memory STAC API serving /search.
type MockSTAC struct {
	server *httptest.Server

	mu          sync.Mutex
	items       []map[string]any
	pageSize    int
	paging      PagingMode
	counts      CountMode
	matchedFn   func(page int) int
	failPage    int
	failStatus  int
	headers     map[string]string
	etag        string
	bodies      []map[string]any
	requests    int
	conditional int
}

// NewMockSTAC starts a mock serving items in pages of pageSize.
func NewMockSTAC(pageSize int, items ...map[string]any) *MockSTAC {
	if pageSize <= 0 {
		pageSize = 10
	}
	m := &MockSTAC{
		items:    items,
		pageSize: pageSize,
		failPage: -1,
		headers:  map[string]string{},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the API root.
func (m *MockSTAC) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSTAC) Close() {
	m.server.Close()
}

// SetPaging switches between GET and POST next links.
func (m *MockSTAC) SetPaging(mode PagingMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paging = mode
}

// SetCounts switches how counts are reported.
func (m *MockSTAC) SetCounts(mode CountMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = mode
}

// SetMatched overrides the numMatched reported for each page index.
func (m *MockSTAC) SetMatched(fn func(page int) int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matchedFn = fn
}

// FailPage makes the page at index (0-based) answer with status.
func (m *MockSTAC) FailPage(index, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPage = index
	m.failStatus = status
}

// SetHeader adds a header to every successful response.
func (m *MockSTAC) SetHeader(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[key] = value
}

// SetETag tags successful responses with etag and answers matching
// If-None-Match requests with 304 Not Modified.
func (m *MockSTAC) SetETag(etag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.etag = etag
}

// RequestCount returns the number of requests served.
func (m *MockSTAC) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// ConditionalCount returns the number of conditional requests received.
func (m *MockSTAC) ConditionalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conditional
}

// Bodies returns the decoded JSON bodies of POST requests, in order.
func (m *MockSTAC) Bodies() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.bodies...)
}

func (m *MockSTAC) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/search" {
		writeError(w, http.StatusNotFound, "NotFound", "unknown path "+r.URL.Path)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
		m.conditional++
	}
	if m.etag != "" && r.Header.Get("If-None-Match") == m.etag {
		for k, v := range m.headers {
			w.Header().Set(k, v)
		}
		w.Header().Set("ETag", m.etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	var params map[string]any
	switch r.Method {
	case http.MethodPost:
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeError(w, http.StatusBadRequest, "BadRequest", "invalid JSON body")
			return
		}
		m.bodies = append(m.bodies, params)
	case http.MethodGet:
		params = map[string]any{}
		q := r.URL.Query()
		if v := q.Get("limit"); v != "" {
			params["limit"] = v
		}
		if v := q.Get("token"); v != "" {
			params["token"] = v
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
		return
	}

	limit := intParam(params["limit"], m.pageSize)
	offset := intParam(params["token"], 0)
	if limit <= 0 || offset < 0 {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid limit or token")
		return
	}

	pageIndex := offset / limit
	if pageIndex == m.failPage {
		writeError(w, m.failStatus, "ServerError", fmt.Sprintf("page %d unavailable", pageIndex))
		return
	}

	end := min(offset+limit, len(m.items))
	features := []map[string]any{}
	if offset < len(m.items) {
		features = m.items[offset:end]
	}

	doc := map[string]any{
		"type":     "FeatureCollection",
		"features": features,
		"links":    []any{},
	}

	matched := len(m.items)
	if m.matchedFn != nil {
		matched = m.matchedFn(pageIndex)
	}
	switch m.counts {
	case CountTopLevel:
		doc["numMatched"] = matched
		doc["numReturned"] = len(features)
	case CountContext:
		doc["context"] = map[string]any{"matched": matched, "returned": len(features), "limit": limit}
	}

	if end < len(m.items) {
		doc["links"] = []any{m.nextLink(end, limit)}
	}

	for k, v := range m.headers {
		w.Header().Set(k, v)
	}
	if m.etag != "" {
		w.Header().Set("ETag", m.etag)
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (m *MockSTAC) nextLink(offset, limit int) map[string]any {
	if m.paging == PagingPOST {
		return map[string]any{
			"rel":    "next",
			"href":   m.server.URL + "/search",
			"type":   "application/geo+json",
			"method": http.MethodPost,
			"body":   map[string]any{"token": strconv.Itoa(offset)},
			"merge":  true,
		}
	}
	return map[string]any{
		"rel":  "next",
		"href": fmt.Sprintf("%s/search?token=%d&limit=%d", m.server.URL, offset, limit),
		"type": "application/geo+json",
	}
}

// CMIP6Item builds a STAC item feature with cmip6:-prefixed properties.
func CMIP6Item(id string, props map[string]any) map[string]any {
	properties := map[string]any{"datetime": "2015-01-01T00:00:00Z"}
	for k, v := range props {
		properties["cmip6:"+k] = v
	}
	return map[string]any{
		"type":       "Feature",
		"id":         id,
		"collection": "cmip6",
		"properties": properties,
		"assets":     map[string]any{},
		"links":      []any{},
	}
}

func intParam(v any, def int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
		return -1
	default:
		return def
	}
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "description": description})
}
