// Package dataset turns a scaled time-series table into sliding windows and
// serves them to the training loop in shuffled, prefetched batches.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/wattlab/demandcast/pkg/scaler"
)

// ErrInsufficientRows indicates a split shorter than one full window plus
// its label, so it yields zero samples.
var ErrInsufficientRows = errors.New("dataset: insufficient rows")

// Table is an in-memory, row-major feature matrix with a fixed column
// schema. Rows are already scaled; the table is immutable once built.
type Table struct {
	columns []string
	rows    [][]float64
}

// LoadCSV reads a CSV file, selects the given columns by header name, scales
// each row with s and returns the resulting table. Rows keep file order;
// the time index is implicit in row position.
func LoadCSV(path string, columns []string, s *scaler.Scaler) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read dataset header: %w", err)
	}

	pos := make([]int, len(columns))
	for i, name := range columns {
		pos[i] = -1
		for j, h := range header {
			if h == name {
				pos[i] = j
				break
			}
		}
		if pos[i] == -1 {
			return nil, fmt.Errorf("%w: column %q not in dataset header", scaler.ErrSchemaMismatch, name)
		}
	}

	t := &Table{columns: append([]string(nil), columns...)}
	line := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dataset row %d: %w", line, err)
		}
		line++

		raw := make([]float64, len(columns))
		for i, j := range pos {
			v, err := strconv.ParseFloat(record[j], 64)
			if err != nil {
				return nil, fmt.Errorf("dataset row %d column %q: %w", line, columns[i], err)
			}
			raw[i] = v
		}
		row, err := s.Apply(raw)
		if err != nil {
			return nil, fmt.Errorf("dataset row %d: %w", line, err)
		}
		t.rows = append(t.rows, row)
	}

	return t, nil
}

// NewTable builds a table from pre-scaled rows. Every row must match the
// schema width.
func NewTable(columns []string, rows [][]float64) (*Table, error) {
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("%w: row %d has %d fields, schema has %d",
				scaler.ErrSchemaMismatch, i, len(row), len(columns))
		}
	}
	return &Table{columns: append([]string(nil), columns...), rows: rows}, nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Columns returns the schema, in order.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// ColumnIndex returns the position of the named column, or an error.
func (t *Table) ColumnIndex(name string) (int, error) {
	for i, c := range t.columns {
		if c == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown column %q", scaler.ErrSchemaMismatch, name)
}

// Row returns the i-th scaled row. The slice is shared; callers must not
// mutate it.
func (t *Table) Row(i int) []float64 {
	return t.rows[i]
}
