// Package dataset provides the tabular input and output model: a table
// loaded from CSV, addressable by integer row index and named column, with
// result columns merged in after processing.
package dataset

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Table is an in-memory tabular dataset. Row order and the original
// columns are preserved; merged result columns are appended in the order
// they first appear.
type Table struct {
	columns []string
	index   map[string]int
	rows    [][]string
}

// Load reads a CSV file into a Table. The first record is the header.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses CSV content from r into a Table.
func Read(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv has no header row")
	}

	header := records[0]
	index := make(map[string]int, len(header))
	for i, name := range header {
		if _, exists := index[name]; exists {
			return nil, fmt.Errorf("duplicate column %q", name)
		}
		index[name] = i
	}

	rows := make([][]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make([]string, len(header))
		copy(row, record)
		rows = append(rows, row)
	}

	return &Table{columns: header, index: index, rows: rows}, nil
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Columns returns the column names in output order.
func (t *Table) Columns() []string {
	ret := make([]string, len(t.columns))
	copy(ret, t.columns)
	return ret
}

// HasColumn reports whether the named column exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Value returns the cell at (row, column). The second return is false when
// the column does not exist or the row index is out of range.
func (t *Table) Value(row int, column string) (string, bool) {
	col, ok := t.index[column]
	if !ok || row < 0 || row >= len(t.rows) {
		return "", false
	}
	if col >= len(t.rows[row]) {
		return "", true
	}
	return t.rows[row][col], true
}

// Row returns a copy of one row as a column-keyed map.
func (t *Table) Row(row int) map[string]string {
	ret := make(map[string]string, len(t.columns))
	for _, name := range t.columns {
		value, _ := t.Value(row, name)
		ret[name] = value
	}
	return ret
}

// Set writes a value into (row, column), creating the column if needed.
// Non-string values are rendered the way they would appear in JSON.
func (t *Table) Set(row int, column string, value any) error {
	if row < 0 || row >= len(t.rows) {
		return fmt.Errorf("row %d out of range (%d rows)", row, len(t.rows))
	}

	col, ok := t.index[column]
	if !ok {
		col = len(t.columns)
		t.columns = append(t.columns, column)
		t.index[column] = col
	}

	for col >= len(t.rows[row]) {
		t.rows[row] = append(t.rows[row], "")
	}
	t.rows[row][col] = renderCell(value)
	return nil
}

// SetRowValues merges a payload map into one row.
func (t *Table) SetRowValues(row int, values map[string]any) error {
	for column, value := range values {
		if err := t.Set(row, column, value); err != nil {
			return err
		}
	}
	return nil
}

func renderCell(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

// Write saves the table as CSV to path.
func (t *Table) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output %s: %w", path, err)
	}
	defer f.Close()
	return t.WriteTo(f)
}

// WriteTo streams the table as CSV, header first, rows padded to the full
// column set.
func (t *Table) WriteTo(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range t.rows {
		record := make([]string, len(t.columns))
		copy(record, row)
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	writer.Flush()
	return writer.Error()
}
