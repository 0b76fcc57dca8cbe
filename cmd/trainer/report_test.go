package main

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/wattlab/demandcast/pkg/dataset"
	"github.com/wattlab/demandcast/pkg/scaler"
)

// offsetPredictor returns the window's true next value plus a constant
// offset in scaled units, so the expected physical-unit errors are exact.
type offsetPredictor struct {
	ds     *dataset.Dataset
	split  dataset.Split
	offset float64
	calls  int
}

func (p *offsetPredictor) Predict(seq *mat.Dense) (float64, error) {
	_, label, err := p.ds.Window(p.split, p.calls)
	if err != nil {
		return 0, err
	}
	p.calls++
	return label + p.offset, nil
}

func reportFixture(t *testing.T) (*dataset.Dataset, *scaler.Scaler) {
	t.Helper()

	cols := []string{"feature", "power_demand"}
	// Scaled demand x maps to 1000 + 100*x watts.
	sc, err := scaler.New(scaler.KindStandard, cols, []float64{0, 1000}, []float64{1, 100})
	if err != nil {
		t.Fatalf("scaler.New: %v", err)
	}

	rows := make([][]float64, 100)
	for i := range rows {
		rows[i] = []float64{float64(i), float64(i) / 50}
	}
	table, err := dataset.NewTable(cols, rows)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	ds, err := dataset.New(table, 4, "power_demand", 0.8, 0.1, 0.1)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}
	return ds, sc
}

func TestEvaluateSplit_PerfectPredictor(t *testing.T) {
	ds, sc := reportFixture(t)
	p := &offsetPredictor{ds: ds, split: dataset.Test}

	report, err := evaluateSplit(p, ds, dataset.Test, sc, "power_demand")
	if err != nil {
		t.Fatalf("evaluateSplit: %v", err)
	}
	if report.Samples != ds.Count(dataset.Test) {
		t.Errorf("samples = %d, want %d", report.Samples, ds.Count(dataset.Test))
	}
	if report.MAE > 1e-9 || report.RMSE > 1e-9 || report.SMAPE > 1e-9 {
		t.Errorf("perfect predictor scored MAE=%g RMSE=%g sMAPE=%g, want zeros",
			report.MAE, report.RMSE, report.SMAPE)
	}
}

func TestEvaluateSplit_ConstantOffset(t *testing.T) {
	ds, sc := reportFixture(t)
	// 0.5 scaled units is exactly 50 watts through the fixture scaler.
	p := &offsetPredictor{ds: ds, split: dataset.Test, offset: 0.5}

	report, err := evaluateSplit(p, ds, dataset.Test, sc, "power_demand")
	if err != nil {
		t.Fatalf("evaluateSplit: %v", err)
	}
	if math.Abs(report.MAE-50) > 1e-9 {
		t.Errorf("MAE = %g, want 50", report.MAE)
	}
	if math.Abs(report.RMSE-50) > 1e-9 {
		t.Errorf("RMSE = %g, want 50", report.RMSE)
	}
	if report.SMAPE <= 0 || report.SMAPE >= 10 {
		t.Errorf("sMAPE = %g, want a small positive percentage", report.SMAPE)
	}
}

func TestEvaluateSplit_EmptySplit(t *testing.T) {
	cols := []string{"feature", "power_demand"}
	sc, err := scaler.New(scaler.KindStandard, cols, []float64{0, 0}, []float64{1, 1})
	if err != nil {
		t.Fatalf("scaler.New: %v", err)
	}
	rows := make([][]float64, 100)
	for i := range rows {
		rows[i] = []float64{0, 0}
	}
	table, err := dataset.NewTable(cols, rows)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	// seq_len 10 leaves the 10-row test split without a single window.
	ds, err := dataset.New(table, 10, "power_demand", 0.8, 0.1, 0.1)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}

	p := &offsetPredictor{ds: ds, split: dataset.Test}
	if _, err := evaluateSplit(p, ds, dataset.Test, sc, "power_demand"); err == nil {
		t.Error("expected error for empty test split")
	}
}
