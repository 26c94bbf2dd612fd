package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTTL is the fallback TTL when the response carries no freshness headers
	DefaultTTL = 5 * time.Minute
)

// ResponseToEntry converts an HTTP response to a CacheEntry.
// It reads the body and restores it for the caller. defaultTTL applies
// when the response carries neither Cache-Control max-age nor Expires;
// zero means DefaultTTL.
func ResponseToEntry(resp *http.Response, defaultTTL time.Duration) (*CacheEntry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := &CacheEntry{
		Data:       body,
		ETag:       resp.Header.Get("ETag"),
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		CachedAt:   time.Now(),
		Expires:    ParseExpires(resp.Header, defaultTTL),
	}

	if lastModStr := resp.Header.Get("Last-Modified"); lastModStr != "" {
		if lastMod, err := http.ParseTime(lastModStr); err == nil {
			entry.LastModified = lastMod
		}
	}

	return entry, nil
}

// ParseExpires derives an expiry time from Cache-Control and Expires
// headers. no-store and no-cache yield the current time (not cacheable).
func ParseExpires(headers http.Header, defaultTTL time.Duration) time.Time {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	now := time.Now()

	if cc := headers.Get("Cache-Control"); cc != "" {
		for _, directive := range strings.Split(cc, ",") {
			directive = strings.TrimSpace(strings.ToLower(directive))
			switch {
			case directive == "no-store" || directive == "no-cache":
				return now
			case strings.HasPrefix(directive, "max-age="):
				if secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age=")); err == nil && secs >= 0 {
					return now.Add(time.Duration(secs) * time.Second)
				}
			}
		}
	}

	expiresStr := headers.Get("Expires")
	if expiresStr == "" {
		return now.Add(defaultTTL)
	}

	expires, err := http.ParseTime(expiresStr)
	if err != nil {
		return now.Add(defaultTTL)
	}

	if expires.Before(now) {
		return now
	}

	return expires
}

// EntryToResponse rebuilds an HTTP response from a cache entry.
func EntryToResponse(entry *CacheEntry) *http.Response {
	return &http.Response{
		StatusCode:    entry.StatusCode,
		Status:        fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode)),
		Header:        entry.Headers.Clone(),
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: int64(len(entry.Data)),
	}
}

// AddConditionalHeaders adds If-None-Match (ETag) or If-Modified-Since
// headers to the request when the entry carries a validator.
func AddConditionalHeaders(req *http.Request, entry *CacheEntry) {
	if entry == nil || req == nil {
		return
	}

	// Prefer ETag over Last-Modified (more accurate)
	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	} else if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.Format(http.TimeFormat))
	}
}
