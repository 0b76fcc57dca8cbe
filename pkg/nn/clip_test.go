package nn

import (
	"math"
	"testing"
)

func TestGradNorm(t *testing.T) {
	p := NewParam("w", 1, 2)
	p.Grad.Set(0, 0, 3)
	p.Grad.Set(0, 1, 4)

	if got := GradNorm([]*Param{p}); math.Abs(got-5) > 1e-12 {
		t.Errorf("GradNorm() = %v, want 5", got)
	}
}

func TestGradNorm_NonFinite(t *testing.T) {
	p := NewParam("w", 1, 2)
	p.Grad.Set(0, 0, math.NaN())

	if got := GradNorm([]*Param{p}); !math.IsNaN(got) {
		t.Errorf("GradNorm() = %v, want NaN", got)
	}

	p.Grad.Set(0, 0, math.Inf(1))
	if got := GradNorm([]*Param{p}); !math.IsNaN(got) {
		t.Errorf("GradNorm() with Inf = %v, want NaN", got)
	}
}

func TestClipGradNorm(t *testing.T) {
	tests := []struct {
		name     string
		grads    []float64
		maxNorm  float64
		wantNorm float64
		clipped  bool
	}{
		{
			name:     "norm above ceiling is rescaled",
			grads:    []float64{3, 4},
			maxNorm:  1.0,
			wantNorm: 5.0,
			clipped:  true,
		},
		{
			name:     "norm below ceiling untouched",
			grads:    []float64{0.3, 0.4},
			maxNorm:  1.0,
			wantNorm: 0.5,
			clipped:  false,
		},
		{
			name:     "zero max norm disables clipping",
			grads:    []float64{3, 4},
			maxNorm:  0,
			wantNorm: 5.0,
			clipped:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParam("w", 1, len(tt.grads))
			copy(p.Grad.RawMatrix().Data, tt.grads)

			norm := ClipGradNorm([]*Param{p}, tt.maxNorm)
			if math.Abs(norm-tt.wantNorm) > 1e-12 {
				t.Errorf("returned norm = %v, want %v", norm, tt.wantNorm)
			}

			after := GradNorm([]*Param{p})
			if tt.clipped {
				if math.Abs(after-tt.maxNorm) > 1e-12 {
					t.Errorf("post-clip norm = %v, want %v", after, tt.maxNorm)
				}
			} else {
				if math.Abs(after-tt.wantNorm) > 1e-12 {
					t.Errorf("gradients modified without clipping: norm = %v", after)
				}
			}
		})
	}
}
