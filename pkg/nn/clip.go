package nn

import "math"

// GradNorm computes the global L2 norm over every parameter gradient.
// Returns NaN if any gradient element is non-finite, so callers can treat
// an exploded backward pass the same way they treat a non-finite loss.
func GradNorm(params []*Param) float64 {
	sum := 0.0
	for _, p := range params {
		for _, g := range p.Grad.RawMatrix().Data {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return math.NaN()
			}
			sum += g * g
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales all gradients so their global L2 norm does not
// exceed maxNorm. Returns the norm before clipping. A maxNorm <= 0 disables
// clipping but still reports the norm.
func ClipGradNorm(params []*Param, maxNorm float64) float64 {
	norm := GradNorm(params)
	if math.IsNaN(norm) {
		return norm
	}
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}

	scale := maxNorm / norm
	for _, p := range params {
		data := p.Grad.RawMatrix().Data
		for i := range data {
			data[i] *= scale
		}
	}
	return norm
}

// IsFinite reports whether x is neither NaN nor infinite.
func IsFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
