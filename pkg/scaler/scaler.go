// Package scaler applies a previously fitted per-column normalization to
// raw feature rows and inverts it for reporting in physical units.
//
// Fitting happens outside this process, on training-partition statistics
// only; the artifact is consumed read-only. Two transform kinds are
// supported:
//
//	standard: x' = (x - mean) / scale
//	minmax:   x' = (x - min) / (max - min)
//
// Both reduce to x' = (x - offset) / span internally, so Apply and Invert
// share one code path and the round trip is exact up to floating rounding.
package scaler

import (
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/gjson"
)

// ErrSchemaMismatch indicates that a row or artifact disagrees with the
// configured column schema. Always fatal at startup, never recoverable at
// runtime.
var ErrSchemaMismatch = errors.New("scaler: schema mismatch")

// Kinds of supported transforms.
const (
	KindStandard = "standard"
	KindMinMax   = "minmax"
)

// Scaler holds fitted per-column normalization parameters. Immutable after
// construction and safe for concurrent use.
type Scaler struct {
	kind    string
	columns []string
	index   map[string]int
	offset  []float64 // mean, or min
	span    []float64 // scale, or max-min
}

// New builds a scaler from explicit parameters. offset and span must have
// one entry per column; spans must be non-zero.
func New(kind string, columns []string, offset, span []float64) (*Scaler, error) {
	if kind != KindStandard && kind != KindMinMax {
		return nil, fmt.Errorf("%w: unknown transform kind %q", ErrSchemaMismatch, kind)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no columns", ErrSchemaMismatch)
	}
	if len(offset) != len(columns) || len(span) != len(columns) {
		return nil, fmt.Errorf("%w: %d columns but %d offsets and %d spans",
			ErrSchemaMismatch, len(columns), len(offset), len(span))
	}

	index := make(map[string]int, len(columns))
	for i, name := range columns {
		if name == "" {
			return nil, fmt.Errorf("%w: empty column name at position %d", ErrSchemaMismatch, i)
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrSchemaMismatch, name)
		}
		index[name] = i
		if span[i] == 0 {
			return nil, fmt.Errorf("%w: column %q has zero span", ErrSchemaMismatch, name)
		}
	}

	return &Scaler{
		kind:    kind,
		columns: append([]string(nil), columns...),
		index:   index,
		offset:  append([]float64(nil), offset...),
		span:    append([]float64(nil), span...),
	}, nil
}

// Load reads a fitted scaler artifact from a JSON file.
//
// Two layouts are accepted. The array layout:
//
//	{"type":"standard","columns":["fridge",...],"mean":[...],"scale":[...]}
//	{"type":"minmax","columns":[...],"min":[...],"max":[...]}
//
// and the per-column layout exported by some fitting jobs:
//
//	{"type":"standard","params":{"fridge":{"mean":1.2,"scale":0.4}, ...},
//	 "columns":["fridge", ...]}
func Load(path string) (*Scaler, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scaler artifact: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: artifact %s is not valid JSON", ErrSchemaMismatch, path)
	}

	doc := gjson.ParseBytes(raw)

	kind := doc.Get("type").String()
	if kind == "" {
		kind = KindStandard
	}

	colsResult := doc.Get("columns")
	if !colsResult.Exists() || !colsResult.IsArray() {
		return nil, fmt.Errorf("%w: artifact missing columns array", ErrSchemaMismatch)
	}
	var columns []string
	for _, c := range colsResult.Array() {
		columns = append(columns, c.String())
	}

	offKey, spanKey := "mean", "scale"
	if kind == KindMinMax {
		offKey, spanKey = "min", "max"
	}

	var offset, span []float64
	if params := doc.Get("params"); params.Exists() {
		// Per-column object layout.
		for _, name := range columns {
			entry := params.Get(name)
			if !entry.Exists() {
				return nil, fmt.Errorf("%w: artifact has no params for column %q", ErrSchemaMismatch, name)
			}
			offset = append(offset, entry.Get(offKey).Float())
			span = append(span, entry.Get(spanKey).Float())
		}
	} else {
		offs := doc.Get(offKey).Array()
		spans := doc.Get(spanKey).Array()
		for _, v := range offs {
			offset = append(offset, v.Float())
		}
		for _, v := range spans {
			span = append(span, v.Float())
		}
	}

	if kind == KindMinMax {
		// Stored as min/max; collapse to offset/span.
		for i := range span {
			span[i] -= offset[i]
		}
	}

	s, err := New(kind, columns, offset, span)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", path, err)
	}
	return s, nil
}

// Kind returns the transform kind.
func (s *Scaler) Kind() string {
	return s.kind
}

// Columns returns the fitted column schema, in order.
func (s *Scaler) Columns() []string {
	return append([]string(nil), s.columns...)
}

// AlignWith verifies the fitted schema matches the configured column list
// exactly, including order. Field order is fixed for the lifetime of a run.
func (s *Scaler) AlignWith(selected []string) error {
	if len(selected) != len(s.columns) {
		return fmt.Errorf("%w: config selects %d columns, artifact fitted %d",
			ErrSchemaMismatch, len(selected), len(s.columns))
	}
	for i, name := range selected {
		if s.columns[i] != name {
			return fmt.Errorf("%w: column %d is %q in config but %q in artifact",
				ErrSchemaMismatch, i, name, s.columns[i])
		}
	}
	return nil
}

// Apply normalizes one raw row into a new slice. The row must have exactly
// one value per fitted column, in schema order.
func (s *Scaler) Apply(row []float64) ([]float64, error) {
	if len(row) != len(s.columns) {
		return nil, fmt.Errorf("%w: row has %d fields, schema has %d",
			ErrSchemaMismatch, len(row), len(s.columns))
	}
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = (v - s.offset[i]) / s.span[i]
	}
	return out, nil
}

// Invert maps a scaled value for the named column back to physical units.
func (s *Scaler) Invert(value float64, column string) (float64, error) {
	i, ok := s.index[column]
	if !ok {
		return 0, fmt.Errorf("%w: unknown column %q", ErrSchemaMismatch, column)
	}
	return value*s.span[i] + s.offset[i], nil
}
