package pagination

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/stac-cmip6-client/pkg/stac"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stac_pages_fetched_total",
		Help: "Total search result pages fetched",
	})

	pageFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stac_page_fetch_duration_seconds",
		Help:    "Duration of a single search page fetch in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// Searcher is the transport a SearchPager pulls pages from.
// *client.Client implements it.
type Searcher interface {
	// Search posts the initial item search.
	Search(ctx context.Context, req stac.SearchRequest) (*stac.Page, error)
	// FetchLink follows a next link. body is the POST body to send, nil for GET.
	FetchLink(ctx context.Context, link stac.Link, body map[string]any) (*stac.Page, error)
}

// Config holds pager configuration.
type Config struct {
	// Timeout per page fetch
	Timeout time.Duration
	// MaxPages stops paging after this many pages (0 = unlimited)
	MaxPages int
}

// DefaultConfig returns the default pager configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:  30 * time.Second,
		MaxPages: 0,
	}
}

// SearchPager is a PageSource over a live item search. It fetches the
// first page with the search request and then follows rel=next links.
type SearchPager struct {
	searcher Searcher
	request  stac.SearchRequest
	config   Config
	logger   zerolog.Logger

	started  bool
	next     *stac.Link
	lastBody map[string]any
	fetched  int
}

// NewSearchPager creates a pager for req. No request is made until the
// first NextPage call.
func NewSearchPager(searcher Searcher, req stac.SearchRequest, config Config) *SearchPager {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &SearchPager{
		searcher: searcher,
		request:  req,
		config:   config,
		logger:   log.With().Str("component", "search-pager").Logger(),
		lastBody: req.Body(),
	}
}

// HasNextPage implements PageSource.
func (p *SearchPager) HasNextPage() bool {
	if p.config.MaxPages > 0 && p.fetched >= p.config.MaxPages {
		return false
	}
	if !p.started {
		return true
	}
	return p.next != nil
}

// Truncated reports whether MaxPages stopped the pager while the last
// page still carried a next link.
func (p *SearchPager) Truncated() bool {
	return p.config.MaxPages > 0 && p.fetched >= p.config.MaxPages && p.next != nil
}

// PagesFetched returns the number of pages fetched so far.
func (p *SearchPager) PagesFetched() int {
	return p.fetched
}

// NextPage implements PageSource.
func (p *SearchPager) NextPage(ctx context.Context) (*stac.Page, error) {
	if !p.HasNextPage() {
		return nil, ErrNoMorePages
	}

	start := time.Now()
	pageCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	var (
		page *stac.Page
		err  error
	)
	if !p.started {
		page, err = p.searcher.Search(pageCtx, p.request)
	} else {
		link := *p.next
		var body map[string]any
		if link.HTTPMethod() == http.MethodPost {
			body = link.Body
			if link.Merge {
				body = stac.MergeBody(p.lastBody, link.Body)
			}
			p.lastBody = body
		}
		page, err = p.searcher.FetchLink(pageCtx, link, body)
	}
	if err != nil {
		p.logger.Warn().
			Err(err).
			Int("page", p.fetched+1).
			Msg("Page fetch failed")
		return nil, fmt.Errorf("fetch page %d: %w", p.fetched+1, err)
	}

	p.started = true
	p.fetched++
	p.next = nil
	if link, ok := page.Next(); ok {
		p.next = &link
	}

	pagesFetchedTotal.Inc()
	pageFetchDuration.Observe(time.Since(start).Seconds())

	p.logger.Debug().
		Int("page", p.fetched).
		Int("num_returned", page.NumReturned).
		Int("num_matched", page.NumMatched).
		Bool("has_next", p.next != nil).
		Dur("duration", time.Since(start)).
		Msg("Fetched search page")

	return page, nil
}
