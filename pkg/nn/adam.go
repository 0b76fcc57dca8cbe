package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam implements the Adam optimizer with decoupled-style L2 weight decay.
//
// Update rule per element:
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g²
//	param -= lr * (m / (1-beta1^t)) / (sqrt(v / (1-beta2^t)) + eps)
//
// where g includes the weight-decay term g = grad + weightDecay*param.
// Moment accumulators are keyed by position, so Step must always be called
// with the same parameter slice the optimizer was built from.
type Adam struct {
	lr          float64
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m []*mat.Dense
	v []*mat.Dense
	t int
}

// NewAdam creates an Adam optimizer over the given parameters.
// beta1, beta2 and epsilon use the conventional 0.9 / 0.999 / 1e-8.
func NewAdam(params []*Param, lr, weightDecay float64) *Adam {
	m := make([]*mat.Dense, len(params))
	v := make([]*mat.Dense, len(params))
	for i, p := range params {
		r, c := p.Dims()
		m[i] = mat.NewDense(r, c, nil)
		v[i] = mat.NewDense(r, c, nil)
	}
	return &Adam{
		lr:          lr,
		beta1:       0.9,
		beta2:       0.999,
		epsilon:     1e-8,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// Step applies one Adam update using the accumulated gradients.
func (o *Adam) Step(params []*Param) error {
	if len(params) != len(o.m) {
		return fmt.Errorf("adam: got %d params, optimizer built for %d", len(params), len(o.m))
	}

	o.t++
	bias1 := 1.0 - math.Pow(o.beta1, float64(o.t))
	bias2 := 1.0 - math.Pow(o.beta2, float64(o.t))

	for i, p := range params {
		value := p.Value.RawMatrix().Data
		grad := p.Grad.RawMatrix().Data
		mdata := o.m[i].RawMatrix().Data
		vdata := o.v[i].RawMatrix().Data

		for j := range value {
			g := grad[j] + o.weightDecay*value[j]

			mdata[j] = o.beta1*mdata[j] + (1.0-o.beta1)*g
			vdata[j] = o.beta2*vdata[j] + (1.0-o.beta2)*g*g

			mHat := mdata[j] / bias1
			vHat := vdata[j] / bias2

			value[j] -= o.lr * mHat / (math.Sqrt(vHat)+o.epsilon)
		}
	}
	return nil
}

// LearningRate returns the current learning rate.
func (o *Adam) LearningRate() float64 {
	return o.lr
}

// SetLearningRate replaces the learning rate. Used by the plateau scheduler.
func (o *Adam) SetLearningRate(lr float64) {
	o.lr = lr
}

// StepCount returns how many updates have been applied.
func (o *Adam) StepCount() int {
	return o.t
}

// MomentState is the serializable internal state of the optimizer: the first
// and second moment accumulators (flattened, in parameter order) and the
// update counter. It is what checkpoints persist alongside model weights.
type MomentState struct {
	Step         int         `json:"step"`
	LearningRate float64     `json:"learningRate"`
	M            [][]float64 `json:"m"`
	V            [][]float64 `json:"v"`
}

// State exports the optimizer's internal state for checkpointing.
func (o *Adam) State() MomentState {
	s := MomentState{
		Step:         o.t,
		LearningRate: o.lr,
		M:            make([][]float64, len(o.m)),
		V:            make([][]float64, len(o.v)),
	}
	for i := range o.m {
		s.M[i] = append([]float64(nil), o.m[i].RawMatrix().Data...)
		s.V[i] = append([]float64(nil), o.v[i].RawMatrix().Data...)
	}
	return s
}

// LoadState restores optimizer state exported by State.
func (o *Adam) LoadState(s MomentState) error {
	if len(s.M) != len(o.m) || len(s.V) != len(o.v) {
		return fmt.Errorf("adam: state has %d/%d moment tensors, want %d", len(s.M), len(s.V), len(o.m))
	}
	for i := range o.m {
		mdata := o.m[i].RawMatrix().Data
		vdata := o.v[i].RawMatrix().Data
		if len(s.M[i]) != len(mdata) || len(s.V[i]) != len(vdata) {
			return fmt.Errorf("adam: moment tensor %d has wrong size", i)
		}
		copy(mdata, s.M[i])
		copy(vdata, s.V[i])
	}
	o.t = s.Step
	if s.LearningRate > 0 {
		o.lr = s.LearningRate
	}
	return nil
}
