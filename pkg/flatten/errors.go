package flatten

import (
	"errors"
	"fmt"
)

var (
	// ErrNoColumns is returned when no columns are requested.
	ErrNoColumns = errors.New("at least one column is required")

	// ErrEmptyField is returned for an empty column or field name.
	ErrEmptyField = errors.New("field name cannot be empty")

	// ErrDuplicateHeader is returned when two columns map to the same header
	// after prefix stripping.
	ErrDuplicateHeader = errors.New("duplicate column header")

	// ErrTruncated is matched by *TruncatedError.
	ErrTruncated = errors.New("result set truncated")
)

// MissingFieldError reports a requested field absent from a record.
// Page and Row are zero-based.
type MissingFieldError struct {
	Column string
	Page   int
	Row    int
}

// Error implements the error interface.
func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("field %q missing from record (page %d, row %d)", e.Column, e.Page, e.Row)
}

// InconsistentResultSetError reports a result set that changed while it was
// being paged: numMatched differed between pages, or more records arrived
// than numMatched announced.
type InconsistentResultSetError struct {
	Page     int
	Previous int
	Current  int
	Reason   string
}

// Error implements the error interface.
func (e *InconsistentResultSetError) Error() string {
	return fmt.Sprintf("inconsistent result set at page %d: %s (expected %d, got %d)",
		e.Page, e.Reason, e.Previous, e.Current)
}

// PageRetrievalError wraps a failure of the page source. PagesConsumed is
// the number of pages successfully read before the failure.
type PageRetrievalError struct {
	PagesConsumed int
	Err           error
}

// Error implements the error interface.
func (e *PageRetrievalError) Error() string {
	return fmt.Sprintf("page retrieval failed after %d pages: %v", e.PagesConsumed, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PageRetrievalError) Unwrap() error {
	return e.Err
}

// TruncatedError reports a source that stopped before the end of its
// result set, for example a pager capped by MaxPages.
type TruncatedError struct {
	PagesConsumed int
}

// Error implements the error interface.
func (e *TruncatedError) Error() string {
	return fmt.Sprintf("result set truncated after %d pages", e.PagesConsumed)
}

// Is reports ErrTruncated as a match.
func (e *TruncatedError) Is(target error) bool {
	return target == ErrTruncated
}
