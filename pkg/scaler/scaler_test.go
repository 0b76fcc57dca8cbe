package scaler

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		columns []string
		offset  []float64
		span    []float64
		wantErr bool
	}{
		{
			name:    "valid standard",
			kind:    KindStandard,
			columns: []string{"a", "b"},
			offset:  []float64{1, 2},
			span:    []float64{3, 4},
		},
		{
			name:    "valid minmax",
			kind:    KindMinMax,
			columns: []string{"a"},
			offset:  []float64{0},
			span:    []float64{10},
		},
		{
			name:    "unknown kind",
			kind:    "robust",
			columns: []string{"a"},
			offset:  []float64{0},
			span:    []float64{1},
			wantErr: true,
		},
		{
			name:    "no columns",
			kind:    KindStandard,
			wantErr: true,
		},
		{
			name:    "length mismatch",
			kind:    KindStandard,
			columns: []string{"a", "b"},
			offset:  []float64{1},
			span:    []float64{1, 1},
			wantErr: true,
		},
		{
			name:    "zero span",
			kind:    KindStandard,
			columns: []string{"a"},
			offset:  []float64{0},
			span:    []float64{0},
			wantErr: true,
		},
		{
			name:    "duplicate column",
			kind:    KindStandard,
			columns: []string{"a", "a"},
			offset:  []float64{0, 0},
			span:    []float64{1, 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.kind, tt.columns, tt.offset, tt.span)
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr && !errors.Is(err, ErrSchemaMismatch) {
				t.Fatalf("error = %v, want ErrSchemaMismatch", err)
			}
		})
	}
}

func TestScaler_ApplyInvertRoundTrip(t *testing.T) {
	s, err := New(KindStandard,
		[]string{"fridge", "kettle", "power_demand"},
		[]float64{120.5, 875.0, 4200.0},
		[]float64{14.2, 310.8, 950.4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw := []float64{133.1, 0.0, 5812.7}
	scaled, err := s.Apply(raw)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	for i, col := range s.Columns() {
		back, err := s.Invert(scaled[i], col)
		if err != nil {
			t.Fatalf("Invert(%s): %v", col, err)
		}
		if diff := math.Abs(back - raw[i]); diff > 1e-9 {
			t.Errorf("column %s: round trip drifted by %g", col, diff)
		}
	}
}

func TestScaler_ApplyRejectsWrongLength(t *testing.T) {
	s, err := New(KindStandard, []string{"a", "b"}, []float64{0, 0}, []float64{1, 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Apply([]float64{1, 2, 3}); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("Apply error = %v, want ErrSchemaMismatch", err)
	}
}

func TestScaler_InvertUnknownColumn(t *testing.T) {
	s, err := New(KindStandard, []string{"a"}, []float64{0}, []float64{1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Invert(1.0, "missing"); !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("Invert error = %v, want ErrSchemaMismatch", err)
	}
}

func TestScaler_AlignWith(t *testing.T) {
	s, err := New(KindStandard, []string{"a", "b"}, []float64{0, 0}, []float64{1, 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.AlignWith([]string{"a", "b"}); err != nil {
		t.Errorf("matching schema rejected: %v", err)
	}
	if err := s.AlignWith([]string{"b", "a"}); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("reordered schema accepted, err = %v", err)
	}
	if err := s.AlignWith([]string{"a"}); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("shorter schema accepted, err = %v", err)
	}
}

func writeArtifact(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scaler.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func TestLoad_ArrayLayout(t *testing.T) {
	path := writeArtifact(t, `{
		"type": "standard",
		"columns": ["fridge", "kettle"],
		"mean": [120.5, 875.0],
		"scale": [14.2, 310.8]
	}`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	scaled, err := s.Apply([]float64{134.7, 875.0})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if diff := math.Abs(scaled[0] - 1.0); diff > 1e-9 {
		t.Errorf("scaled[0] = %g, want 1.0", scaled[0])
	}
	if scaled[1] != 0 {
		t.Errorf("scaled[1] = %g, want 0", scaled[1])
	}
}

func TestLoad_PerColumnLayout(t *testing.T) {
	path := writeArtifact(t, `{
		"type": "standard",
		"columns": ["fridge", "kettle"],
		"params": {
			"fridge": {"mean": 10.0, "scale": 2.0},
			"kettle": {"mean": 0.0, "scale": 4.0}
		}
	}`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	scaled, err := s.Apply([]float64{14.0, 8.0})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if scaled[0] != 2.0 || scaled[1] != 2.0 {
		t.Errorf("scaled = %v, want [2 2]", scaled)
	}
}

func TestLoad_MinMaxLayout(t *testing.T) {
	path := writeArtifact(t, `{
		"type": "minmax",
		"columns": ["power_demand"],
		"min": [100.0],
		"max": [600.0]
	}`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	scaled, err := s.Apply([]float64{350.0})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if scaled[0] != 0.5 {
		t.Errorf("scaled = %g, want 0.5", scaled[0])
	}
	back, err := s.Invert(scaled[0], "power_demand")
	if err != nil {
		t.Fatalf("Invert: %v", err)
	}
	if math.Abs(back-350.0) > 1e-9 {
		t.Errorf("inverted = %g, want 350", back)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing columns", `{"type":"standard","mean":[1],"scale":[1]}`},
		{"missing params entry", `{"type":"standard","columns":["a","b"],"params":{"a":{"mean":0,"scale":1}}}`},
		{"constant minmax column", `{"type":"minmax","columns":["a"],"min":[5],"max":[5]}`},
		{"length mismatch", `{"type":"standard","columns":["a","b"],"mean":[0],"scale":[1,1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeArtifact(t, tt.body)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
