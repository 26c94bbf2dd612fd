// Package cache provides a Redis-backed cache for STAC search responses.
//
// Search pages are keyed by request method, endpoint URL, query string and
// a hash of the JSON request body, so repeating an identical search (or
// re-following the same next link) is served from Redis instead of the
// remote index.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.CacheKey{
//		Method:   http.MethodPost,
//		Endpoint: "https://api.stac.ceda.ac.uk/search",
//		Body:     body,
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// fetch from the index
//	}
//
// # Freshness
//
// ResponseToEntry derives an entry's expiry from Cache-Control max-age,
// then Expires, then the caller's default TTL. Entries that carry an ETag
// or Last-Modified validator are kept in Redis for StaleGrace beyond their
// expiry so the client can revalidate them with a conditional request
// instead of downloading the page again.
//
// # Metrics
//
//   - stac_cache_hits_total - fresh entries served
//   - stac_cache_misses_total - lookups with no entry
//   - stac_cache_errors_total{operation} - Redis or decode failures
//   - stac_conditional_requests_total - revalidation requests sent
//   - stac_304_responses_total - revalidations answered with 304
package cache
