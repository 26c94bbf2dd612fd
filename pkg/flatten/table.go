package flatten

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// FlatTable holds one row per record with a fixed set of columns.
type FlatTable struct {
	// Headers are the output column names.
	Headers []string
	// Columns are the record property names the headers were derived from.
	Columns []string
	// Rows hold values in header order. JSON null is stored as nil.
	Rows [][]any
}

// Len returns the number of rows.
func (t *FlatTable) Len() int {
	return len(t.Rows)
}

// Row returns row i as a header to value mapping.
func (t *FlatTable) Row(i int) map[string]any {
	row := make(map[string]any, len(t.Headers))
	for j, h := range t.Headers {
		row[h] = t.Rows[i][j]
	}
	return row
}

// WriteCSV writes the headers and rows as CSV. Nulls are written as empty
// fields and nested values as compact JSON.
func (t *FlatTable) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Headers); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	record := make([]string, len(t.Headers))
	for i, row := range t.Rows {
		for j, v := range row {
			record[j] = formatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the rows as a JSON array of objects, one per line, with
// keys in header order.
func (t *FlatTable) WriteJSON(w io.Writer) error {
	bw := bufio.NewWriter(w)

	keys := make([][]byte, len(t.Headers))
	for i, h := range t.Headers {
		k, err := json.Marshal(h)
		if err != nil {
			return fmt.Errorf("encode header %q: %w", h, err)
		}
		keys[i] = k
	}

	bw.WriteString("[")
	for i, row := range t.Rows {
		if i > 0 {
			bw.WriteString(",")
		}
		bw.WriteString("\n{")
		for j, v := range row {
			if j > 0 {
				bw.WriteString(",")
			}
			val, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode row %d column %q: %w", i, t.Headers[j], err)
			}
			bw.Write(keys[j])
			bw.WriteString(":")
			bw.Write(val)
		}
		bw.WriteString("}")
	}
	if len(t.Rows) > 0 {
		bw.WriteString("\n")
	}
	bw.WriteString("]\n")

	return bw.Flush()
}

// formatValue renders a property value as text.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
