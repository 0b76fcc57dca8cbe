package encoder

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// sinusoidalEncoding precomputes the additive positional table up to maxLen
// positions. Even columns carry sin, odd columns cos, with the standard
// 10000^(2i/d) frequency progression. Shorter sequences slice the table;
// nothing is recomputed per forward pass.
func sinusoidalEncoding(maxLen, dModel int) *mat.Dense {
	pe := mat.NewDense(maxLen, dModel, nil)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < dModel; i += 2 {
			freq := math.Exp(-math.Log(10000.0) * float64(i) / float64(dModel))
			angle := float64(pos) * freq
			pe.Set(pos, i, math.Sin(angle))
			if i+1 < dModel {
				pe.Set(pos, i+1, math.Cos(angle))
			}
		}
	}
	return pe
}
