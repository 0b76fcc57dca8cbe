package dataset

import (
	"context"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Batch is one optimizer step worth of windows.
type Batch struct {
	Inputs  []*mat.Dense
	Targets []float64
}

// Size returns the number of windows in the batch.
func (b *Batch) Size() int {
	return len(b.Inputs)
}

// LoaderOptions configure a Loader.
type LoaderOptions struct {
	// BatchSize is the number of windows per batch. Must be positive.
	BatchSize int
	// Shuffle permutes window order each epoch with a fresh derivation of
	// Seed. Enable for training only; evaluation order stays chronological.
	Shuffle bool
	// DropPartial discards a trailing batch smaller than BatchSize. The
	// policy holds for every epoch of a run.
	DropPartial bool
	// Seed drives the shuffle. Epoch e uses Seed+e so each epoch sees a
	// different permutation while the whole run stays reproducible.
	Seed int64
	// Prefetch is the number of batches assembled ahead of the consumer.
	// Zero means 2.
	Prefetch int
}

// Loader iterates the windows of one split in batches, assembling batches
// on a producer goroutine so window materialization overlaps with the
// consumer's compute.
type Loader struct {
	ds    *Dataset
	split Split
	opts  LoaderOptions
	epoch int
}

// NewLoader builds a loader over one split.
func NewLoader(ds *Dataset, split Split, opts LoaderOptions) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 2
	}
	return &Loader{ds: ds, split: split, opts: opts}
}

// SetEpoch positions the shuffle sequence. A loader set to epoch n yields
// the order a fresh loader would reach on its (n+1)th call to Batches, so
// a resumed run replays the batch order of the run it continues.
func (l *Loader) SetEpoch(epoch int) {
	l.epoch = epoch
}

// Steps returns the number of batches one epoch yields.
func (l *Loader) Steps() int {
	n := l.ds.Count(l.split)
	full := n / l.opts.BatchSize
	if !l.opts.DropPartial && n%l.opts.BatchSize != 0 {
		full++
	}
	return full
}

// Batches starts one epoch and returns a channel of its batches. The
// producer stops and the channel closes when the epoch is exhausted or ctx
// is canceled, whichever comes first. Each call advances the epoch counter,
// so successive training epochs shuffle differently.
func (l *Loader) Batches(ctx context.Context) <-chan *Batch {
	n := l.ds.Count(l.split)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewSource(l.opts.Seed + int64(l.epoch)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	l.epoch++

	out := make(chan *Batch, l.opts.Prefetch)
	go func() {
		defer close(out)
		for lo := 0; lo < n; lo += l.opts.BatchSize {
			hi := lo + l.opts.BatchSize
			if hi > n {
				if l.opts.DropPartial {
					return
				}
				hi = n
			}

			b := &Batch{
				Inputs:  make([]*mat.Dense, 0, hi-lo),
				Targets: make([]float64, 0, hi-lo),
			}
			for _, k := range order[lo:hi] {
				x, y, err := l.ds.Window(l.split, k)
				if err != nil {
					return
				}
				b.Inputs = append(b.Inputs, x)
				b.Targets = append(b.Targets, y)
			}

			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
