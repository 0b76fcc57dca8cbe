package encoder

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

const lnEpsilon = 1e-5

// addRowVec adds a 1xC row vector to every row of dst.
func addRowVec(dst *mat.Dense, row *mat.Dense) {
	r, c := dst.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(i, j, dst.At(i, j)+row.At(0, j))
		}
	}
}

// accumColSums adds the column sums of m into the 1xC accumulator dst.
// Used for bias gradients: db = sum over sequence positions.
func accumColSums(dst *mat.Dense, m *mat.Dense) {
	r, c := m.Dims()
	for j := 0; j < c; j++ {
		sum := 0.0
		for i := 0; i < r; i++ {
			sum += m.At(i, j)
		}
		dst.Set(0, j, dst.At(0, j)+sum)
	}
}

// rowSoftmaxInPlace applies a numerically stable softmax to each row.
func rowSoftmaxInPlace(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		maxv := m.At(i, 0)
		for j := 1; j < c; j++ {
			if v := m.At(i, j); v > maxv {
				maxv = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(m.At(i, j) - maxv)
			m.Set(i, j, e)
			sum += e
		}
		for j := 0; j < c; j++ {
			m.Set(i, j, m.At(i, j)/sum)
		}
	}
}

// softmaxBackward computes the row-wise softmax Jacobian product:
// dS_ij = A_ij * (dA_ij - sum_k dA_ik * A_ik).
func softmaxBackward(attn, dAttn *mat.Dense) *mat.Dense {
	r, c := attn.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		dot := 0.0
		for k := 0; k < c; k++ {
			dot += dAttn.At(i, k) * attn.At(i, k)
		}
		for j := 0; j < c; j++ {
			dS.Set(i, j, attn.At(i, j)*(dAttn.At(i, j)-dot))
		}
	}
	return dS
}

// lnCache holds per-row normalization state needed for the backward pass.
type lnCache struct {
	xhat   *mat.Dense
	invStd []float64
}

// layerNormForward normalizes each row of x to zero mean and unit variance,
// then scales and shifts by gamma and beta (both 1xC).
func layerNormForward(x, gamma, beta *mat.Dense) (*mat.Dense, *lnCache) {
	r, c := x.Dims()
	y := mat.NewDense(r, c, nil)
	cache := &lnCache{
		xhat:   mat.NewDense(r, c, nil),
		invStd: make([]float64, r),
	}

	for i := 0; i < r; i++ {
		mean := 0.0
		for j := 0; j < c; j++ {
			mean += x.At(i, j)
		}
		mean /= float64(c)

		variance := 0.0
		for j := 0; j < c; j++ {
			d := x.At(i, j) - mean
			variance += d * d
		}
		variance /= float64(c)

		invStd := 1.0 / math.Sqrt(variance+lnEpsilon)
		cache.invStd[i] = invStd

		for j := 0; j < c; j++ {
			xh := (x.At(i, j) - mean) * invStd
			cache.xhat.Set(i, j, xh)
			y.Set(i, j, xh*gamma.At(0, j)+beta.At(0, j))
		}
	}
	return y, cache
}

// layerNormBackward propagates gradients through layer normalization and
// accumulates dGamma/dBeta into the provided gradient matrices.
func layerNormBackward(dy *mat.Dense, cache *lnCache, gamma, dGamma, dBeta *mat.Dense) *mat.Dense {
	r, c := dy.Dims()
	dx := mat.NewDense(r, c, nil)
	n := float64(c)

	for i := 0; i < r; i++ {
		meanDxhat := 0.0
		meanDxhatXhat := 0.0
		for j := 0; j < c; j++ {
			dxh := dy.At(i, j) * gamma.At(0, j)
			xh := cache.xhat.At(i, j)
			meanDxhat += dxh
			meanDxhatXhat += dxh * xh
		}
		meanDxhat /= n
		meanDxhatXhat /= n

		for j := 0; j < c; j++ {
			dxh := dy.At(i, j) * gamma.At(0, j)
			xh := cache.xhat.At(i, j)
			dx.Set(i, j, cache.invStd[i]*(dxh-meanDxhat-xh*meanDxhatXhat))

			dGamma.Set(0, j, dGamma.At(0, j)+dy.At(i, j)*xh)
			dBeta.Set(0, j, dBeta.At(0, j)+dy.At(i, j))
		}
	}
	return dx
}

// dropoutMask builds an inverted-dropout mask: zero with probability p,
// 1/(1-p) otherwise, so activations keep their expected value.
func dropoutMask(rows, cols int, p float64, rng *rand.Rand) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	keep := 1.0 / (1.0 - p)
	data := m.RawMatrix().Data
	for i := range data {
		if rng.Float64() >= p {
			data[i] = keep
		}
	}
	return m
}

// hadamardInPlace multiplies dst element-wise by m.
func hadamardInPlace(dst, m *mat.Dense) {
	a := dst.RawMatrix().Data
	b := m.RawMatrix().Data
	for i := range a {
		a[i] *= b[i]
	}
}
