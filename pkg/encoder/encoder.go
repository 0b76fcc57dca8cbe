// Package encoder implements the positional-attention model that maps a
// fixed-length window of feature vectors to one scalar power-demand
// prediction.
//
// The pipeline is: linear projection of each time step into d_model
// dimensions, additive sinusoidal positional encoding, a stack of
// self-attention + feed-forward blocks with residual normalization, and a
// final linear projection of the last time step's representation.
//
// The encoder carries its own backward pass. The training loop never needs
// to know how gradients are computed; it only consumes the accumulated
// gradients through Parameters().
package encoder

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/wattlab/demandcast/pkg/nn"
)

// ErrInvalidConfig is returned when the encoder configuration is internally
// inconsistent, before any computation happens.
var ErrInvalidConfig = errors.New("invalid encoder configuration")

// Config holds the encoder architecture hyperparameters.
type Config struct {
	// FeatureDim is the width of each time step's feature vector.
	FeatureDim int

	// DModel is the embedding width. Must be divisible by NumHeads.
	DModel int

	// NumHeads is the number of self-attention heads per block.
	NumHeads int

	// NumLayers is the number of attention + feed-forward blocks.
	NumLayers int

	// FFDim is the feed-forward hidden width. Zero selects 4*DModel.
	FFDim int

	// OutputDim is the prediction width. This trainer forecasts a single
	// scalar, so it is always 1.
	OutputDim int

	// MaxSeqLen bounds the positional encoding table. Sequences up to this
	// length are supported without recomputation.
	MaxSeqLen int

	// Dropout is the dropout rate applied during training only.
	Dropout float64

	// Seed makes weight initialization and dropout masks reproducible.
	Seed int64
}

func (c *Config) validate() error {
	if c.FeatureDim <= 0 {
		return fmt.Errorf("%w: feature dim %d", ErrInvalidConfig, c.FeatureDim)
	}
	if c.DModel <= 0 || c.NumHeads <= 0 {
		return fmt.Errorf("%w: d_model %d, nhead %d", ErrInvalidConfig, c.DModel, c.NumHeads)
	}
	if c.DModel%c.NumHeads != 0 {
		return fmt.Errorf("%w: d_model %d not divisible by nhead %d", ErrInvalidConfig, c.DModel, c.NumHeads)
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("%w: num layers %d", ErrInvalidConfig, c.NumLayers)
	}
	if c.OutputDim != 1 {
		return fmt.Errorf("%w: output dim %d, single-target forecasting requires 1", ErrInvalidConfig, c.OutputDim)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("%w: max sequence length %d", ErrInvalidConfig, c.MaxSeqLen)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout %v outside [0, 1)", ErrInvalidConfig, c.Dropout)
	}
	return nil
}

// Encoder is the positional-attention sequence model. It is not safe for
// concurrent use: forward passes in training mode consume the dropout rng
// and backward passes mutate gradient accumulators.
type Encoder struct {
	cfg Config
	pos *mat.Dense // MaxSeqLen x DModel, precomputed

	in, inB   *nn.Param // FeatureDim x DModel, 1 x DModel
	blocks    []*block
	out, outB *nn.Param // DModel x OutputDim, 1 x OutputDim

	params []*nn.Param
	rng    *rand.Rand
}

// New constructs an encoder, validating the configuration first.
func New(cfg Config) (*Encoder, error) {
	if cfg.FFDim == 0 {
		cfg.FFDim = 4 * cfg.DModel
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	e := &Encoder{
		cfg:  cfg,
		pos:  sinusoidalEncoding(cfg.MaxSeqLen, cfg.DModel),
		in:   nn.NewGlorotParam("input.weight", cfg.FeatureDim, cfg.DModel, rng),
		inB:  nn.NewParam("input.bias", 1, cfg.DModel),
		out:  nn.NewGlorotParam("output.weight", cfg.DModel, cfg.OutputDim, rng),
		outB: nn.NewParam("output.bias", 1, cfg.OutputDim),
		rng:  rng,
	}

	e.blocks = make([]*block, cfg.NumLayers)
	for i := range e.blocks {
		e.blocks[i] = newBlock(i, cfg.DModel, cfg.NumHeads, cfg.FFDim, cfg.Dropout, rng)
	}

	e.params = []*nn.Param{e.in, e.inB}
	for _, b := range e.blocks {
		e.params = append(e.params, b.params()...)
	}
	e.params = append(e.params, e.out, e.outB)
	return e, nil
}

// Config returns the architecture configuration the encoder was built with.
func (e *Encoder) Config() Config {
	return e.cfg
}

// Parameters returns every learnable parameter in a stable order.
func (e *Encoder) Parameters() []*nn.Param {
	return e.params
}

// fwdCache holds everything one backward pass needs.
type fwdCache struct {
	x       *mat.Dense
	posMask *mat.Dense
	blocks  []*blockCache
	last    *mat.Dense // 1 x DModel, final time step after the block stack
	seqLen  int
}

func (e *Encoder) forward(x *mat.Dense, train bool) (float64, *fwdCache, error) {
	s, f := x.Dims()
	if f != e.cfg.FeatureDim {
		return 0, nil, fmt.Errorf("%w: sequence has %d features, encoder expects %d", ErrInvalidConfig, f, e.cfg.FeatureDim)
	}
	if s == 0 || s > e.cfg.MaxSeqLen {
		return 0, nil, fmt.Errorf("%w: sequence length %d outside [1, %d]", ErrInvalidConfig, s, e.cfg.MaxSeqLen)
	}

	c := &fwdCache{x: x, seqLen: s}

	// Embed and add positions. The positional table is sliced, never
	// recomputed, so shorter windows are free.
	h := mat.NewDense(s, e.cfg.DModel, nil)
	h.Mul(x, e.in.Value)
	addRowVec(h, e.inB.Value)
	h.Add(h, e.pos.Slice(0, s, 0, e.cfg.DModel))
	if train && e.cfg.Dropout > 0 {
		c.posMask = dropoutMask(s, e.cfg.DModel, e.cfg.Dropout, e.rng)
		hadamardInPlace(h, c.posMask)
	}

	c.blocks = make([]*blockCache, len(e.blocks))
	for i, b := range e.blocks {
		h, c.blocks[i] = b.forward(h, train, e.rng)
	}

	// Reduce to the final time step's representation.
	c.last = mat.DenseCopyOf(h.Slice(s-1, s, 0, e.cfg.DModel))

	var out mat.Dense
	out.Mul(c.last, e.out.Value)
	pred := out.At(0, 0) + e.outB.Value.At(0, 0)
	return pred, c, nil
}

func (e *Encoder) backward(dPred float64, c *fwdCache) {
	s, d := c.seqLen, e.cfg.DModel

	// Output projection: pred = last·Wout + bout.
	for j := 0; j < d; j++ {
		e.out.Grad.Set(j, 0, e.out.Grad.At(j, 0)+c.last.At(0, j)*dPred)
	}
	e.outB.Grad.Set(0, 0, e.outB.Grad.At(0, 0)+dPred)

	// Gradient flows only into the final time step of the block stack.
	dH := mat.NewDense(s, d, nil)
	for j := 0; j < d; j++ {
		dH.Set(s-1, j, e.out.Value.At(j, 0)*dPred)
	}

	for i := len(e.blocks) - 1; i >= 0; i-- {
		dH = e.blocks[i].backward(dH, c.blocks[i])
	}

	if c.posMask != nil {
		hadamardInPlace(dH, c.posMask)
	}

	// Input projection.
	var dWin mat.Dense
	dWin.Mul(c.x.T(), dH)
	e.in.Grad.Add(e.in.Grad, &dWin)
	accumColSums(e.inB.Grad, dH)
}

// Predict runs a deterministic forward pass (dropout off) and returns the
// scalar prediction in scaled units.
func (e *Encoder) Predict(seq *mat.Dense) (float64, error) {
	pred, _, err := e.forward(seq, false)
	return pred, err
}

// BatchLoss computes the mean squared error over a batch without touching
// gradients or dropout. Used for validation.
func (e *Encoder) BatchLoss(inputs []*mat.Dense, targets []float64) (float64, error) {
	if len(inputs) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrInvalidConfig)
	}
	if len(inputs) != len(targets) {
		return 0, fmt.Errorf("%w: %d inputs, %d targets", ErrInvalidConfig, len(inputs), len(targets))
	}

	total := 0.0
	for i, seq := range inputs {
		pred, err := e.Predict(seq)
		if err != nil {
			return 0, err
		}
		diff := pred - targets[i]
		total += diff * diff
	}
	return total / float64(len(inputs)), nil
}

// BatchGradients zeroes the gradient accumulators, then runs a training-mode
// forward and backward pass over the batch, accumulating mean-squared-error
// gradients. Returns the batch loss.
func (e *Encoder) BatchGradients(inputs []*mat.Dense, targets []float64) (float64, error) {
	if len(inputs) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrInvalidConfig)
	}
	if len(inputs) != len(targets) {
		return 0, fmt.Errorf("%w: %d inputs, %d targets", ErrInvalidConfig, len(inputs), len(targets))
	}

	nn.ZeroGrads(e.params)

	n := float64(len(inputs))
	total := 0.0
	for i, seq := range inputs {
		pred, cache, err := e.forward(seq, true)
		if err != nil {
			return 0, err
		}
		diff := pred - targets[i]
		total += diff * diff

		// d(mean squared error)/d(pred_i) for the batch mean.
		e.backward(2*diff/n, cache)
	}
	return total / n, nil
}

// StateMap exports every parameter as flat data keyed by name, for
// checkpointing.
func (e *Encoder) StateMap() map[string][]float64 {
	state := make(map[string][]float64, len(e.params))
	for _, p := range e.params {
		state[p.Name] = append([]float64(nil), p.Value.RawMatrix().Data...)
	}
	return state
}

// LoadStateMap restores parameters exported by StateMap. Every parameter
// must be present with the exact element count; anything else is a schema
// error.
func (e *Encoder) LoadStateMap(state map[string][]float64) error {
	for _, p := range e.params {
		data, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("%w: checkpoint missing parameter %s", ErrInvalidConfig, p.Name)
		}
		if err := p.SetValue(data); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}
