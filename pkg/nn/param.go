// Package nn provides the low-level building blocks shared by the encoder
// and the training loop: learnable parameters, weight initialization, the
// Adam optimizer, gradient-norm clipping, and learning-rate scheduling.
//
// Parameters are plain gonum matrices paired with a gradient accumulator.
// All state is explicit; nothing in this package touches globals.
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is a learnable matrix paired with its gradient accumulator.
// Value and Grad always share the same shape.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParam creates a zero-initialized parameter of the given shape.
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// NewGlorotParam creates a parameter initialized with Glorot-uniform weights,
// scaled by the fan-in and fan-out of the matrix. The rng makes initialization
// reproducible for a fixed seed.
func NewGlorotParam(name string, rows, cols int, rng *rand.Rand) *Param {
	p := NewParam(name, rows, cols)
	limit := math.Sqrt(6.0 / float64(rows+cols))
	data := p.Value.RawMatrix().Data
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return p
}

// Dims returns the parameter's shape.
func (p *Param) Dims() (rows, cols int) {
	return p.Value.Dims()
}

// ZeroGrad clears the gradient accumulator.
func (p *Param) ZeroGrad() {
	data := p.Grad.RawMatrix().Data
	for i := range data {
		data[i] = 0
	}
}

// ZeroGrads clears the gradients of every parameter.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// SetValue copies values into the parameter, validating the length.
func (p *Param) SetValue(data []float64) error {
	r, c := p.Dims()
	if len(data) != r*c {
		return fmt.Errorf("param %s: got %d values, want %d", p.Name, len(data), r*c)
	}
	copy(p.Value.RawMatrix().Data, data)
	return nil
}
