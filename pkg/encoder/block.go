package encoder

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/wattlab/demandcast/pkg/nn"
)

// block is one self-attention + feed-forward layer with post-norm residuals:
//
//	h1  = LayerNorm(x + Dropout(SelfAttention(x)))
//	out = LayerNorm(h1 + Dropout(FFN(h1)))
//
// Attention is full (no causal mask): every position in the window attends
// to every other, since the whole window is observed input.
type block struct {
	wq, wk, wv, wo *nn.Param // dModel x dModel
	bq, bk, bv, bo *nn.Param // 1 x dModel
	ln1g, ln1b     *nn.Param // 1 x dModel
	w1, b1         *nn.Param // dModel x ffDim, 1 x ffDim
	w2, b2         *nn.Param // ffDim x dModel, 1 x dModel
	ln2g, ln2b     *nn.Param

	heads   int
	headDim int
	dropout float64
}

func newBlock(idx, dModel, heads, ffDim int, dropout float64, rng *rand.Rand) *block {
	prefix := fmt.Sprintf("block%d.", idx)
	b := &block{
		wq:      nn.NewGlorotParam(prefix+"attn.wq", dModel, dModel, rng),
		wk:      nn.NewGlorotParam(prefix+"attn.wk", dModel, dModel, rng),
		wv:      nn.NewGlorotParam(prefix+"attn.wv", dModel, dModel, rng),
		wo:      nn.NewGlorotParam(prefix+"attn.wo", dModel, dModel, rng),
		bq:      nn.NewParam(prefix+"attn.bq", 1, dModel),
		bk:      nn.NewParam(prefix+"attn.bk", 1, dModel),
		bv:      nn.NewParam(prefix+"attn.bv", 1, dModel),
		bo:      nn.NewParam(prefix+"attn.bo", 1, dModel),
		ln1g:    nn.NewParam(prefix+"ln1.gamma", 1, dModel),
		ln1b:    nn.NewParam(prefix+"ln1.beta", 1, dModel),
		w1:      nn.NewGlorotParam(prefix+"ff.w1", dModel, ffDim, rng),
		b1:      nn.NewParam(prefix+"ff.b1", 1, ffDim),
		w2:      nn.NewGlorotParam(prefix+"ff.w2", ffDim, dModel, rng),
		b2:      nn.NewParam(prefix+"ff.b2", 1, dModel),
		ln2g:    nn.NewParam(prefix+"ln2.gamma", 1, dModel),
		ln2b:    nn.NewParam(prefix+"ln2.beta", 1, dModel),
		heads:   heads,
		headDim: dModel / heads,
		dropout: dropout,
	}
	// Layer norm gains start at identity.
	for _, g := range []*nn.Param{b.ln1g, b.ln2g} {
		data := g.Value.RawMatrix().Data
		for i := range data {
			data[i] = 1
		}
	}
	return b
}

func (b *block) params() []*nn.Param {
	return []*nn.Param{
		b.wq, b.bq, b.wk, b.bk, b.wv, b.bv, b.wo, b.bo,
		b.ln1g, b.ln1b,
		b.w1, b.b1, b.w2, b.b2,
		b.ln2g, b.ln2b,
	}
}

// blockCache stores the forward activations one backward pass needs.
type blockCache struct {
	in       *mat.Dense   // block input, S x D
	q, k, v  *mat.Dense   // projections, S x D
	attn     []*mat.Dense // per-head softmax weights, S x S
	ctx      *mat.Dense   // concatenated head outputs, S x D
	attnMask *mat.Dense   // dropout mask, nil in eval mode
	ln1      *lnCache
	h1       *mat.Dense // after first layer norm, S x D
	u        *mat.Dense // feed-forward pre-activation, S x ffDim
	r        *mat.Dense // relu(u)
	ffMask   *mat.Dense
	ln2      *lnCache
}

func (b *block) forward(x *mat.Dense, train bool, rng *rand.Rand) (*mat.Dense, *blockCache) {
	s, d := x.Dims()
	c := &blockCache{in: x}

	// Q/K/V projections.
	c.q = mat.NewDense(s, d, nil)
	c.q.Mul(x, b.wq.Value)
	addRowVec(c.q, b.bq.Value)
	c.k = mat.NewDense(s, d, nil)
	c.k.Mul(x, b.wk.Value)
	addRowVec(c.k, b.bk.Value)
	c.v = mat.NewDense(s, d, nil)
	c.v.Mul(x, b.wv.Value)
	addRowVec(c.v, b.bv.Value)

	// Scaled dot-product attention per head. Scores are divided by
	// sqrt(headDim) before the softmax to keep gradients stable for any
	// model width.
	invSqrt := 1.0 / math.Sqrt(float64(b.headDim))
	c.ctx = mat.NewDense(s, d, nil)
	c.attn = make([]*mat.Dense, b.heads)
	for h := 0; h < b.heads; h++ {
		lo, hi := h*b.headDim, (h+1)*b.headDim
		qh := c.q.Slice(0, s, lo, hi).(*mat.Dense)
		kh := c.k.Slice(0, s, lo, hi).(*mat.Dense)
		vh := c.v.Slice(0, s, lo, hi).(*mat.Dense)

		scores := mat.NewDense(s, s, nil)
		scores.Mul(qh, kh.T())
		scores.Scale(invSqrt, scores)
		rowSoftmaxInPlace(scores)
		c.attn[h] = scores

		ctxh := c.ctx.Slice(0, s, lo, hi).(*mat.Dense)
		ctxh.Mul(scores, vh)
	}

	attnOut := mat.NewDense(s, d, nil)
	attnOut.Mul(c.ctx, b.wo.Value)
	addRowVec(attnOut, b.bo.Value)
	if train && b.dropout > 0 {
		c.attnMask = dropoutMask(s, d, b.dropout, rng)
		hadamardInPlace(attnOut, c.attnMask)
	}

	// Residual + norm around attention.
	res1 := mat.NewDense(s, d, nil)
	res1.Add(x, attnOut)
	c.h1, c.ln1 = layerNormForward(res1, b.ln1g.Value, b.ln1b.Value)

	// Position-wise feed-forward.
	_, ff := b.w1.Dims()
	c.u = mat.NewDense(s, ff, nil)
	c.u.Mul(c.h1, b.w1.Value)
	addRowVec(c.u, b.b1.Value)
	c.r = mat.NewDense(s, ff, nil)
	c.r.Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	}, c.u)

	ffOut := mat.NewDense(s, d, nil)
	ffOut.Mul(c.r, b.w2.Value)
	addRowVec(ffOut, b.b2.Value)
	if train && b.dropout > 0 {
		c.ffMask = dropoutMask(s, d, b.dropout, rng)
		hadamardInPlace(ffOut, c.ffMask)
	}

	// Residual + norm around the feed-forward sublayer.
	res2 := mat.NewDense(s, d, nil)
	res2.Add(c.h1, ffOut)
	out, ln2 := layerNormForward(res2, b.ln2g.Value, b.ln2b.Value)
	c.ln2 = ln2
	return out, c
}

// backward propagates dOut through the block, accumulating parameter
// gradients, and returns the gradient with respect to the block input.
func (b *block) backward(dOut *mat.Dense, c *blockCache) *mat.Dense {
	s, d := dOut.Dims()

	// Second layer norm.
	dRes2 := layerNormBackward(dOut, c.ln2, b.ln2g.Value, b.ln2g.Grad, b.ln2b.Grad)

	// Residual split: res2 = h1 + dropout(ffOut).
	dFF := mat.DenseCopyOf(dRes2)
	if c.ffMask != nil {
		hadamardInPlace(dFF, c.ffMask)
	}

	// Feed-forward: ff = relu(h1·w1 + b1)·w2 + b2.
	var dW2 mat.Dense
	dW2.Mul(c.r.T(), dFF)
	b.w2.Grad.Add(b.w2.Grad, &dW2)
	accumColSums(b.b2.Grad, dFF)

	_, ff := b.w1.Dims()
	dR := mat.NewDense(s, ff, nil)
	dR.Mul(dFF, b.w2.Value.T())
	dU := mat.NewDense(s, ff, nil)
	for i := 0; i < s; i++ {
		for j := 0; j < ff; j++ {
			if c.u.At(i, j) > 0 {
				dU.Set(i, j, dR.At(i, j))
			}
		}
	}

	var dW1 mat.Dense
	dW1.Mul(c.h1.T(), dU)
	b.w1.Grad.Add(b.w1.Grad, &dW1)
	accumColSums(b.b1.Grad, dU)

	dH1 := mat.NewDense(s, d, nil)
	dH1.Mul(dU, b.w1.Value.T())
	dH1.Add(dH1, dRes2) // residual path

	// First layer norm.
	dRes1 := layerNormBackward(dH1, c.ln1, b.ln1g.Value, b.ln1g.Grad, b.ln1b.Grad)

	// Residual split: res1 = in + dropout(attnOut).
	dAttnOut := mat.DenseCopyOf(dRes1)
	if c.attnMask != nil {
		hadamardInPlace(dAttnOut, c.attnMask)
	}

	// Output projection of attention.
	var dWo mat.Dense
	dWo.Mul(c.ctx.T(), dAttnOut)
	b.wo.Grad.Add(b.wo.Grad, &dWo)
	accumColSums(b.bo.Grad, dAttnOut)

	dCtx := mat.NewDense(s, d, nil)
	dCtx.Mul(dAttnOut, b.wo.Value.T())

	// Per-head attention backward.
	invSqrt := 1.0 / math.Sqrt(float64(b.headDim))
	dQ := mat.NewDense(s, d, nil)
	dK := mat.NewDense(s, d, nil)
	dV := mat.NewDense(s, d, nil)
	for h := 0; h < b.heads; h++ {
		lo, hi := h*b.headDim, (h+1)*b.headDim
		qh := c.q.Slice(0, s, lo, hi).(*mat.Dense)
		kh := c.k.Slice(0, s, lo, hi).(*mat.Dense)
		vh := c.v.Slice(0, s, lo, hi).(*mat.Dense)
		attn := c.attn[h]
		dCtxh := dCtx.Slice(0, s, lo, hi).(*mat.Dense)

		dAttn := mat.NewDense(s, s, nil)
		dAttn.Mul(dCtxh, vh.T())

		dVh := dV.Slice(0, s, lo, hi).(*mat.Dense)
		dVh.Mul(attn.T(), dCtxh)

		dScores := softmaxBackward(attn, dAttn)
		dScores.Scale(invSqrt, dScores)

		dQh := dQ.Slice(0, s, lo, hi).(*mat.Dense)
		dQh.Mul(dScores, kh)
		dKh := dK.Slice(0, s, lo, hi).(*mat.Dense)
		dKh.Mul(dScores.T(), qh)
	}

	// Input projections.
	var dWq, dWk, dWv mat.Dense
	dWq.Mul(c.in.T(), dQ)
	b.wq.Grad.Add(b.wq.Grad, &dWq)
	accumColSums(b.bq.Grad, dQ)
	dWk.Mul(c.in.T(), dK)
	b.wk.Grad.Add(b.wk.Grad, &dWk)
	accumColSums(b.bk.Grad, dK)
	dWv.Mul(c.in.T(), dV)
	b.wv.Grad.Add(b.wv.Grad, &dWv)
	accumColSums(b.bv.Grad, dV)

	dIn := mat.DenseCopyOf(dRes1) // residual path
	var tmp mat.Dense
	tmp.Mul(dQ, b.wq.Value.T())
	dIn.Add(dIn, &tmp)
	tmp.Reset()
	tmp.Mul(dK, b.wk.Value.T())
	dIn.Add(dIn, &tmp)
	tmp.Reset()
	tmp.Mul(dV, b.wv.Value.T())
	dIn.Add(dIn, &tmp)
	return dIn
}
