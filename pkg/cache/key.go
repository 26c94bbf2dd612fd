package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CacheKey identifies one cached search response.
type CacheKey struct {
	// Method is the HTTP method (GET for next links, POST for searches)
	Method string

	// Endpoint is the request URL without query string
	// (e.g., "https://api.stac.ceda.ac.uk/search")
	Endpoint string

	// QueryParams are the query parameters (e.g., {"token": "next:abc"})
	QueryParams url.Values

	// Body is the JSON request body; only its hash enters the key
	Body []byte
}

// String generates a deterministic cache key string.
// Format: stac:method:endpoint:query1=val1:body=<hash>
//
// Example:
//
//	stac:POST:https://api.stac.ceda.ac.uk/search:body=5f1c0e2a9b7d3c41
func (k CacheKey) String() string {
	method := strings.ToUpper(k.Method)
	if method == "" {
		method = "GET"
	}
	parts := []string{"stac", method}

	endpoint := strings.TrimRight(k.Endpoint, "/")
	if endpoint != "" {
		parts = append(parts, endpoint)
	}

	// Add query params (sorted for determinism)
	if len(k.QueryParams) > 0 {
		queryKeys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			queryKeys = append(queryKeys, key)
		}
		sort.Strings(queryKeys)

		for _, key := range queryKeys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(k.QueryParams[key], ",")))
		}
	}

	if len(k.Body) > 0 {
		sum := sha256.Sum256(k.Body)
		parts = append(parts, "body="+hex.EncodeToString(sum[:8]))
	}

	return strings.Join(parts, ":")
}
