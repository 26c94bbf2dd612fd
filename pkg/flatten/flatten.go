// Package flatten turns paged STAC search results into flat tables and
// aggregate statistics.
//
// Both operations pull every page from a pagination.PageSource in order
// and fail rather than return partial output: a record missing a requested
// field yields *MissingFieldError, a result set that changes while being
// paged yields *InconsistentResultSetError and a source failure yields
// *PageRetrievalError. A source that stops early (see pagination.Truncator)
// yields *TruncatedError.
package flatten

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/stac-cmip6-client/pkg/pagination"
	"github.com/Sternrassler/stac-cmip6-client/pkg/stac"
	"github.com/samber/lo"
)

// CMIP6Columns are the item properties tabulated for a CMIP6 search.
var CMIP6Columns = []string{
	"title",
	"cmip6:retracted",
	"cmip6:variable_long_name",
	"cmip6:variable_units",
	"cmip6:cf_standard_name",
	"cmip6:activity_id",
	"cmip6:frequency",
	"cmip6:grid_label",
	"cmip6:institution_id",
	"cmip6:mip_era",
	"cmip6:source_id",
	"cmip6:experiment_id",
	"cmip6:table_id",
	"cmip6:variable_id",
	"cmip6:variant_label",
}

// FlattenToTable reads src to exhaustion and returns one row per record,
// holding exactly the requested columns in the requested order. Headers are
// the column names with stripPrefix removed where present.
func FlattenToTable(ctx context.Context, src pagination.PageSource, columns []string, stripPrefix string) (*FlatTable, error) {
	headers, err := buildHeaders(columns, stripPrefix)
	if err != nil {
		return nil, err
	}

	table := &FlatTable{
		Headers: headers,
		Columns: append([]string(nil), columns...),
		Rows:    [][]any{},
	}

	var counts matchTracker
	err = eachPage(ctx, src, func(pageIndex int, page *stac.Page) error {
		if err := counts.observe(pageIndex, page); err != nil {
			return err
		}
		for rowIndex := range page.Items {
			row, err := extractRow(&page.Items[rowIndex], columns)
			if err != nil {
				err.Page = pageIndex
				err.Row = rowIndex
				return err
			}
			table.Rows = append(table.Rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return table, nil
}

// buildHeaders validates columns and derives the output headers.
func buildHeaders(columns []string, stripPrefix string) ([]string, error) {
	if len(columns) == 0 {
		return nil, ErrNoColumns
	}
	if lo.Contains(columns, "") {
		return nil, ErrEmptyField
	}

	headers := lo.Map(columns, func(col string, _ int) string {
		if stripPrefix == "" {
			return col
		}
		return strings.TrimPrefix(col, stripPrefix)
	})

	if dups := lo.FindDuplicates(headers); len(dups) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateHeader, strings.Join(dups, ", "))
	}
	return headers, nil
}

func extractRow(item *stac.Item, columns []string) ([]any, *MissingFieldError) {
	row := make([]any, len(columns))
	for i, col := range columns {
		v, ok := item.Property(col)
		if !ok {
			return nil, &MissingFieldError{Column: col}
		}
		row[i] = v
	}
	return row, nil
}

// eachPage pulls pages from src until it is exhausted, calling fn for each.
// Source failures are wrapped in *PageRetrievalError; a source that reports
// truncation yields *TruncatedError.
func eachPage(ctx context.Context, src pagination.PageSource, fn func(pageIndex int, page *stac.Page) error) error {
	pageIndex := 0
	for src.HasNextPage() {
		page, err := src.NextPage(ctx)
		if errors.Is(err, pagination.ErrNoMorePages) {
			break
		}
		if err != nil {
			return &PageRetrievalError{PagesConsumed: pageIndex, Err: err}
		}
		if page == nil {
			return &PageRetrievalError{PagesConsumed: pageIndex, Err: errNilPage}
		}
		if err := fn(pageIndex, page); err != nil {
			return err
		}
		pageIndex++
	}

	if t, ok := src.(pagination.Truncator); ok && t.Truncated() {
		return &TruncatedError{PagesConsumed: pageIndex}
	}
	return nil
}

var errNilPage = errors.New("source returned nil page")

// matchTracker cross-checks numMatched across the pages of one iteration.
type matchTracker struct {
	matched int
	known   bool
	records int
}

func (m *matchTracker) observe(pageIndex int, page *stac.Page) error {
	if page.HasMatchCount() {
		if m.known && page.NumMatched != m.matched {
			return &InconsistentResultSetError{
				Page:     pageIndex,
				Previous: m.matched,
				Current:  page.NumMatched,
				Reason:   "numMatched changed between pages",
			}
		}
		m.matched = page.NumMatched
		m.known = true
	}

	m.records += len(page.Items)
	if m.known && m.records > m.matched {
		return &InconsistentResultSetError{
			Page:     pageIndex,
			Previous: m.matched,
			Current:  m.records,
			Reason:   "more records than numMatched",
		}
	}
	return nil
}

// total returns the last observed numMatched, or 0 if none was reported.
func (m *matchTracker) total() int {
	if !m.known {
		return 0
	}
	return m.matched
}
