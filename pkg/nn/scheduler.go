package nn

// PlateauScheduler reduces the learning rate when validation loss stops
// improving: after patience consecutive epochs without a new minimum, the
// rate is multiplied by factor (0 < factor < 1), floored at minLR.
//
// This mirrors the reduce-on-plateau schedule commonly paired with Adam for
// regression training. The scheduler's improvement tracking is independent
// of the trainer's early-stopping counter; the two use different patience
// values on purpose.
type PlateauScheduler struct {
	factor   float64
	patience int
	minLR    float64

	best float64
	bad  int
	seen bool
}

// NewPlateauScheduler creates a scheduler. Typical values: factor 0.5,
// patience 5, minLR 1e-7.
func NewPlateauScheduler(factor float64, patience int, minLR float64) *PlateauScheduler {
	return &PlateauScheduler{
		factor:   factor,
		patience: patience,
		minLR:    minLR,
		best:     0,
		bad:      0,
	}
}

// Step records an epoch's validation loss and lowers the optimizer's
// learning rate if the plateau patience is exhausted. Returns the new
// learning rate and whether a reduction happened this step.
func (s *PlateauScheduler) Step(valLoss float64, opt *Adam) (lr float64, reduced bool) {
	if !s.seen {
		s.seen = true
		s.best = valLoss
		return opt.LearningRate(), false
	}

	if valLoss < s.best {
		s.best = valLoss
		s.bad = 0
		return opt.LearningRate(), false
	}

	s.bad++
	if s.bad < s.patience {
		return opt.LearningRate(), false
	}

	s.bad = 0
	lr = opt.LearningRate() * s.factor
	if lr < s.minLR {
		lr = s.minLR
	}
	if lr == opt.LearningRate() {
		return lr, false
	}
	opt.SetLearningRate(lr)
	return lr, true
}
