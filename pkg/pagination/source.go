package pagination

import (
	"context"
	"errors"

	"github.com/Sternrassler/stac-cmip6-client/pkg/stac"
)

// ErrNoMorePages is returned by NextPage once a source is exhausted.
var ErrNoMorePages = errors.New("no more pages")

// PageSource yields the pages of one result set in order.
type PageSource interface {
	// HasNextPage reports whether another call to NextPage may return a page.
	HasNextPage() bool
	// NextPage fetches the next page. It returns ErrNoMorePages when the
	// source is exhausted.
	NextPage(ctx context.Context) (*stac.Page, error)
}

// Truncator is implemented by sources that can stop before the end of
// their result set.
type Truncator interface {
	// Truncated reports whether the source stopped while pages remained.
	Truncated() bool
}

// AllowPartial wraps src so that consumers do not see its truncation.
// Callers that cap paging on purpose use it and label the output as
// partial themselves.
func AllowPartial(src PageSource) PageSource {
	return partialSource{src}
}

type partialSource struct {
	PageSource
}

// StaticSource is a PageSource over pages held in memory.
type StaticSource struct {
	pages  []*stac.Page
	next   int
	failAt int
	err    error
}

// NewStaticSource returns a source yielding pages in the given order.
func NewStaticSource(pages ...*stac.Page) *StaticSource {
	return &StaticSource{pages: pages, failAt: -1}
}

// FailAt makes the source return err instead of the page at index.
func (s *StaticSource) FailAt(index int, err error) *StaticSource {
	s.failAt = index
	s.err = err
	return s
}

// HasNextPage implements PageSource.
func (s *StaticSource) HasNextPage() bool {
	return s.next < len(s.pages)
}

// NextPage implements PageSource.
func (s *StaticSource) NextPage(ctx context.Context) (*stac.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.pages) {
		return nil, ErrNoMorePages
	}
	if s.next == s.failAt {
		return nil, s.err
	}

	page := s.pages[s.next]
	s.next++
	return page, nil
}
