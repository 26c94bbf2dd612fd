package flatten

import (
	"context"
	"sort"

	"github.com/Sternrassler/stac-cmip6-client/pkg/pagination"
	"github.com/Sternrassler/stac-cmip6-client/pkg/stac"
	"github.com/samber/lo"
)

// DistinctSet is an unordered set of property values.
type DistinctSet map[string]struct{}

// Add inserts v.
func (s DistinctSet) Add(v string) {
	s[v] = struct{}{}
}

// Contains reports whether v is in the set.
func (s DistinctSet) Contains(v string) bool {
	_, ok := s[v]
	return ok
}

// Len returns the number of distinct values.
func (s DistinctSet) Len() int {
	return len(s)
}

// Sorted returns the values in ascending order.
func (s DistinctSet) Sorted() []string {
	values := lo.Keys(s)
	sort.Strings(values)
	return values
}

// AggregateDistinctValues reads src to exhaustion and returns the last
// numMatched reported by the pages together with the distinct values of
// field across all records. Non-string values are rendered the same way
// FlatTable.WriteCSV renders them.
//
// Any failure discards the partial accumulation.
func AggregateDistinctValues(ctx context.Context, src pagination.PageSource, field string) (int, DistinctSet, error) {
	if field == "" {
		return 0, nil, ErrEmptyField
	}

	found := DistinctSet{}
	var counts matchTracker

	err := eachPage(ctx, src, func(pageIndex int, page *stac.Page) error {
		if err := counts.observe(pageIndex, page); err != nil {
			return err
		}
		for rowIndex := range page.Items {
			v, ok := page.Items[rowIndex].Property(field)
			if !ok || v == nil {
				return &MissingFieldError{Column: field, Page: pageIndex, Row: rowIndex}
			}
			found.Add(formatValue(v))
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}

	return counts.total(), found, nil
}
