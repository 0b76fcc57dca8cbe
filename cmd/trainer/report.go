package main

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/wattlab/demandcast/pkg/dataset"
	"github.com/wattlab/demandcast/pkg/scaler"
)

// smapeEpsilon keeps the sMAPE denominator away from zero when both the
// prediction and the truth are near zero watts.
const smapeEpsilon = 1e-8

// predictor is the slice of the model the report needs.
type predictor interface {
	Predict(seq *mat.Dense) (float64, error)
}

// Report holds test-split accuracy in physical units.
type Report struct {
	Samples int     `json:"samples"`
	MAE     float64 `json:"mae"`
	RMSE    float64 `json:"rmse"`
	SMAPE   float64 `json:"smape"`
}

// evaluateSplit predicts every window of a split, maps predictions and
// labels back to physical units through the scaler and accumulates MAE,
// RMSE and sMAPE (in percent).
func evaluateSplit(model predictor, ds *dataset.Dataset, split dataset.Split, sc *scaler.Scaler, target string) (*Report, error) {
	n := ds.Count(split)
	if n == 0 {
		return nil, fmt.Errorf("%s split has no windows to evaluate", split)
	}

	var absSum, sqSum, smapeSum float64
	for k := 0; k < n; k++ {
		x, label, err := ds.Window(split, k)
		if err != nil {
			return nil, err
		}
		pred, err := model.Predict(x)
		if err != nil {
			return nil, fmt.Errorf("predict window %d: %w", k, err)
		}

		predPhys, err := sc.Invert(pred, target)
		if err != nil {
			return nil, err
		}
		labelPhys, err := sc.Invert(label, target)
		if err != nil {
			return nil, err
		}

		diff := predPhys - labelPhys
		absSum += math.Abs(diff)
		sqSum += diff * diff
		smapeSum += 2 * math.Abs(diff) / (math.Abs(predPhys) + math.Abs(labelPhys) + smapeEpsilon)
	}

	fn := float64(n)
	return &Report{
		Samples: n,
		MAE:     absSum / fn,
		RMSE:    math.Sqrt(sqSum / fn),
		SMAPE:   100 * smapeSum / fn,
	}, nil
}
