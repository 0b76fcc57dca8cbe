package nn

import (
	"math"
	"math/rand"
	"testing"
)

func TestNewGlorotParam_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := NewGlorotParam("w", 8, 4, rng)

	limit := math.Sqrt(6.0 / 12.0)
	for _, v := range p.Value.RawMatrix().Data {
		if v < -limit || v > limit {
			t.Fatalf("weight %v outside glorot bound %v", v, limit)
		}
	}
}

func TestParam_ZeroGrad(t *testing.T) {
	p := NewParam("w", 2, 2)
	p.Grad.Set(0, 0, 3.5)
	p.Grad.Set(1, 1, -1.0)

	p.ZeroGrad()

	for _, g := range p.Grad.RawMatrix().Data {
		if g != 0 {
			t.Errorf("grad not cleared: %v", g)
		}
	}
}

func TestAdam_StepMovesAgainstGradient(t *testing.T) {
	p := NewParam("w", 1, 1)
	p.Value.Set(0, 0, 1.0)
	p.Grad.Set(0, 0, 2.0) // positive gradient, value must decrease

	opt := NewAdam([]*Param{p}, 0.1, 0)
	if err := opt.Step([]*Param{p}); err != nil {
		t.Fatalf("Step() error: %v", err)
	}

	if got := p.Value.At(0, 0); got >= 1.0 {
		t.Errorf("value = %v, want < 1.0", got)
	}
}

func TestAdam_ConvergesOnQuadratic(t *testing.T) {
	// Minimize f(x) = (x-3)² starting at x=0.
	p := NewParam("x", 1, 1)
	opt := NewAdam([]*Param{p}, 0.1, 0)

	for i := 0; i < 500; i++ {
		x := p.Value.At(0, 0)
		p.Grad.Set(0, 0, 2*(x-3))
		if err := opt.Step([]*Param{p}); err != nil {
			t.Fatalf("Step() error: %v", err)
		}
	}

	if x := p.Value.At(0, 0); math.Abs(x-3) > 0.01 {
		t.Errorf("x = %v after 500 steps, want ~3", x)
	}
}

func TestAdam_StateRoundTrip(t *testing.T) {
	p := NewParam("w", 2, 3)
	for i := range p.Grad.RawMatrix().Data {
		p.Grad.RawMatrix().Data[i] = float64(i) * 0.1
	}

	opt := NewAdam([]*Param{p}, 1e-3, 1e-5)
	if err := opt.Step([]*Param{p}); err != nil {
		t.Fatalf("Step() error: %v", err)
	}

	state := opt.State()

	restored := NewAdam([]*Param{p}, 1e-3, 1e-5)
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState() error: %v", err)
	}

	if restored.StepCount() != opt.StepCount() {
		t.Errorf("step count = %d, want %d", restored.StepCount(), opt.StepCount())
	}
	for i := range opt.m {
		a := opt.m[i].RawMatrix().Data
		b := restored.m[i].RawMatrix().Data
		for j := range a {
			if a[j] != b[j] {
				t.Fatalf("moment m[%d][%d] = %v, want %v", i, j, b[j], a[j])
			}
		}
	}
}

func TestAdam_LoadState_ShapeMismatch(t *testing.T) {
	p := NewParam("w", 2, 2)
	opt := NewAdam([]*Param{p}, 1e-3, 0)

	bad := MomentState{Step: 1, M: [][]float64{{1}}, V: [][]float64{{1}, {2}}}
	if err := opt.LoadState(bad); err == nil {
		t.Error("LoadState() with mismatched state, want error")
	}
}
