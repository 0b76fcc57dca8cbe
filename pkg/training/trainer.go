// Package training drives the optimization loop: batched gradient steps,
// per-epoch validation, plateau-based learning rate decay, checkpointing
// and early stopping.
package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/wattlab/demandcast/pkg/checkpoint"
	"github.com/wattlab/demandcast/pkg/dataset"
	"github.com/wattlab/demandcast/pkg/nn"
	"github.com/wattlab/demandcast/pkg/runstore"
)

// ErrDiverged indicates a non-finite loss or gradient was observed. The run
// stops immediately; checkpoints written before the bad step stay intact.
var ErrDiverged = errors.New("training: run diverged")

// Model is what the trainer optimizes. BatchGradients runs a forward and
// backward pass, leaves gradients on the parameters and returns the batch
// loss. BatchLoss evaluates without touching gradients or dropout.
type Model interface {
	BatchGradients(inputs []*mat.Dense, targets []float64) (float64, error)
	BatchLoss(inputs []*mat.Dense, targets []float64) (float64, error)
	Parameters() []*nn.Param
}

// StopReason says why a run ended.
type StopReason string

const (
	ReasonEarlyStop StopReason = "early_stop"
	ReasonMaxEpochs StopReason = "max_epochs"
	ReasonDiverged  StopReason = "diverged"
	ReasonCanceled  StopReason = "canceled"
)

// EpochStats summarize one completed epoch. GradNorm is the mean pre-clip
// gradient norm across the epoch's steps.
type EpochStats struct {
	Epoch        int
	TrainLoss    float64
	ValLoss      float64
	GradNorm     float64
	LearningRate float64
	Duration     time.Duration
}

// Result is the outcome of a finished run.
type Result struct {
	Reason      StopReason
	Epochs      int
	BestValLoss float64
	BestEpoch   int
	History     []EpochStats
}

// Config holds the loop hyperparameters. Optimizer settings live on the
// Adam instance passed to New.
type Config struct {
	// Run names this training run in published stats.
	Run string
	// MaxEpochs caps the run. Epochs are 1-based in all reporting.
	MaxEpochs int
	// Patience is the number of consecutive epochs without a new best
	// validation loss before stopping early.
	Patience int
	// ClipNorm is the global gradient norm ceiling. Zero disables clipping.
	ClipNorm float64
	// SaveEvery writes a periodic checkpoint each time the epoch number is
	// a multiple of it. Zero disables periodic checkpoints.
	SaveEvery int
}

func (c *Config) validate() error {
	if c.Run == "" {
		return errors.New("training: run name required")
	}
	if c.MaxEpochs <= 0 {
		return fmt.Errorf("training: max epochs must be positive, got %d", c.MaxEpochs)
	}
	if c.Patience <= 0 {
		return fmt.Errorf("training: patience must be positive, got %d", c.Patience)
	}
	if c.SaveEvery < 0 {
		return fmt.Errorf("training: save interval cannot be negative, got %d", c.SaveEvery)
	}
	return nil
}

// Trainer runs the optimization loop for one model. Not safe for concurrent
// use; one run at a time.
type Trainer struct {
	cfg   Config
	model Model
	opt   *nn.Adam
	sched *nn.PlateauScheduler
	train *dataset.Loader
	val   *dataset.Loader
	ckpt  *checkpoint.FileStore
	stats runstore.Store
	rec   Recorder
	log   *slog.Logger

	startEpoch int
	bestVal    float64
	bestEpoch  int
	badEpochs  int
}

// New wires a trainer. sched, stats and rec may be nil; logging falls back
// to slog.Default when log is nil.
func New(cfg Config, model Model, opt *nn.Adam, sched *nn.PlateauScheduler,
	train, val *dataset.Loader, ckpt *checkpoint.FileStore,
	stats runstore.Store, rec Recorder, log *slog.Logger) (*Trainer, error) {

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if model == nil || opt == nil || train == nil || val == nil || ckpt == nil {
		return nil, errors.New("training: model, optimizer, loaders and checkpoint store are required")
	}
	if rec == nil {
		rec = NopRecorder{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Trainer{
		cfg:     cfg,
		model:   model,
		opt:     opt,
		sched:   sched,
		train:   train,
		val:     val,
		ckpt:    ckpt,
		stats:   stats,
		rec:     rec,
		log:     log,
		bestVal: math.Inf(1),
	}, nil
}

// Resume restores model weights and optimizer moments from a snapshot and
// continues from the epoch after it. The snapshot's own validation loss
// seeds the best-so-far tracking, so a resumed run never regresses the best
// checkpoint below what produced the snapshot.
func (t *Trainer) Resume(snap *checkpoint.Snapshot) error {
	type stateLoader interface {
		LoadStateMap(map[string][]float64) error
	}
	m, ok := t.model.(stateLoader)
	if !ok {
		return errors.New("training: model does not support state loading")
	}
	if err := m.LoadStateMap(snap.Model); err != nil {
		return fmt.Errorf("restore model state: %w", err)
	}
	if err := t.opt.LoadState(snap.Optimizer); err != nil {
		return fmt.Errorf("restore optimizer state: %w", err)
	}
	t.startEpoch = snap.Epoch + 1
	t.bestVal = snap.ValLoss
	t.bestEpoch = snap.Epoch
	// Position the shuffle sequence so the resumed run draws the same batch
	// order the uninterrupted run would have seen.
	t.train.SetEpoch(snap.Epoch)
	t.log.Info("resuming run",
		"run", t.cfg.Run,
		"from_epoch", snap.Epoch,
		"val_loss", snap.ValLoss)
	return nil
}

// Run executes the loop until one of the stop conditions fires. The
// returned error is non-nil only for divergence and infrastructure
// failures; early stop, epoch exhaustion and cancellation are normal
// results.
//
// Cancellation is honored at epoch boundaries: a cancel observed mid-epoch
// lets the current epoch run to completion, so every checkpoint describes
// exactly the weights it carries. The loop then writes a final periodic
// checkpoint of that epoch and returns ReasonCanceled.
func (t *Trainer) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		BestValLoss: t.bestVal,
		BestEpoch:   t.bestEpoch,
	}
	t.badEpochs = 0

	for epoch := t.startEpoch + 1; epoch <= t.cfg.MaxEpochs; epoch++ {
		if ctx.Err() != nil {
			return t.finishCanceled(res, epoch-1)
		}

		started := time.Now()

		// Carry the previous epoch's numbers while the new ones are still
		// being computed, so observers never see NaN mid-epoch.
		prevTrain, prevVal, prevNorm := lastKnown(res)

		t.publish(ctx, res, epoch, prevTrain, prevVal, prevNorm, runstore.PhaseTraining)
		trainLoss, gradNorm, err := t.trainEpoch()
		if err != nil {
			t.rec.RecordError("train")
			return t.failDiverged(res, epoch, err)
		}

		t.publish(ctx, res, epoch, trainLoss, prevVal, gradNorm, runstore.PhaseValidating)
		valLoss, err := t.evaluate()
		if err != nil {
			t.rec.RecordError("validate")
			return t.failDiverged(res, epoch, err)
		}

		lr := t.opt.LearningRate()
		if t.sched != nil {
			var reduced bool
			lr, reduced = t.sched.Step(valLoss, t.opt)
			if reduced {
				t.log.Info("learning rate reduced", "run", t.cfg.Run, "epoch", epoch, "lr", lr)
			}
		}

		stats := EpochStats{
			Epoch:        epoch,
			TrainLoss:    trainLoss,
			ValLoss:      valLoss,
			GradNorm:     gradNorm,
			LearningRate: lr,
			Duration:     time.Since(started),
		}
		res.History = append(res.History, stats)
		res.Epochs = epoch
		t.rec.RecordEpoch(epoch, trainLoss, valLoss, gradNorm, lr, stats.Duration)

		improved := valLoss < res.BestValLoss
		if improved {
			res.BestValLoss = valLoss
			res.BestEpoch = epoch
			t.badEpochs = 0
			if err := t.saveCheckpoint(epoch, trainLoss, valLoss, true); err != nil {
				return res, err
			}
		} else {
			t.badEpochs++
		}

		if t.cfg.SaveEvery > 0 && epoch%t.cfg.SaveEvery == 0 {
			if err := t.saveCheckpoint(epoch, trainLoss, valLoss, false); err != nil {
				return res, err
			}
		}

		t.log.Info("epoch complete",
			"run", t.cfg.Run,
			"epoch", epoch,
			"train_loss", trainLoss,
			"val_loss", valLoss,
			"best_val_loss", res.BestValLoss,
			"grad_norm", gradNorm,
			"lr", lr,
			"patience_used", t.badEpochs,
			"duration", stats.Duration)
		t.publish(ctx, res, epoch, trainLoss, valLoss, gradNorm, runstore.PhaseTraining)

		if t.badEpochs >= t.cfg.Patience {
			t.log.Info("early stopping",
				"run", t.cfg.Run,
				"epoch", epoch,
				"best_epoch", res.BestEpoch,
				"best_val_loss", res.BestValLoss)
			res.Reason = ReasonEarlyStop
			t.finish(res)
			return res, nil
		}
	}

	res.Reason = ReasonMaxEpochs
	t.finish(res)
	return res, nil
}

func lastKnown(res *Result) (trainLoss, valLoss, gradNorm float64) {
	if n := len(res.History); n > 0 {
		last := res.History[n-1]
		return last.TrainLoss, last.ValLoss, last.GradNorm
	}
	return 0, 0, 0
}

// trainEpoch runs one pass over the training split and returns the
// sample-weighted mean loss and mean pre-clip gradient norm. The epoch
// always runs to completion; run cancellation takes effect only between
// epochs, so saved weights never mix steps from a half-trained epoch.
func (t *Trainer) trainEpoch() (loss, gradNorm float64, err error) {
	// Scoped cancel releases the batch producer if we bail out mid-epoch.
	epochCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	params := t.model.Parameters()
	var lossSum, normSum float64
	var samples, steps int

	for b := range t.train.Batches(epochCtx) {
		batchLoss, err := t.model.BatchGradients(b.Inputs, b.Targets)
		if err != nil {
			return 0, 0, fmt.Errorf("gradient step: %w", err)
		}
		if !nn.IsFinite(batchLoss) {
			return 0, 0, fmt.Errorf("%w: non-finite loss %v at step %d", ErrDiverged, batchLoss, steps)
		}

		norm := nn.ClipGradNorm(params, t.cfg.ClipNorm)
		if !nn.IsFinite(norm) {
			return 0, 0, fmt.Errorf("%w: non-finite gradient norm at step %d", ErrDiverged, steps)
		}

		if err := t.opt.Step(params); err != nil {
			return 0, 0, fmt.Errorf("optimizer step: %w", err)
		}

		lossSum += batchLoss * float64(b.Size())
		normSum += norm
		samples += b.Size()
		steps++
	}

	if samples == 0 {
		return 0, 0, errors.New("training split produced no batches")
	}
	return lossSum / float64(samples), normSum / float64(steps), nil
}

// evaluate computes the sample-weighted mean loss over the validation
// split without updating the model.
func (t *Trainer) evaluate() (float64, error) {
	epochCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lossSum float64
	var samples int

	for b := range t.val.Batches(epochCtx) {
		batchLoss, err := t.model.BatchLoss(b.Inputs, b.Targets)
		if err != nil {
			return 0, fmt.Errorf("validation: %w", err)
		}
		if !nn.IsFinite(batchLoss) {
			return 0, fmt.Errorf("%w: non-finite validation loss %v", ErrDiverged, batchLoss)
		}
		lossSum += batchLoss * float64(b.Size())
		samples += b.Size()
	}

	if samples == 0 {
		return 0, errors.New("validation split produced no batches")
	}
	return lossSum / float64(samples), nil
}

func (t *Trainer) saveCheckpoint(epoch int, trainLoss, valLoss float64, best bool) error {
	type stateDumper interface {
		StateMap() map[string][]float64
	}
	m, ok := t.model.(stateDumper)
	if !ok {
		return nil
	}

	snap := &checkpoint.Snapshot{
		Epoch:     epoch,
		TrainLoss: trainLoss,
		ValLoss:   valLoss,
		SavedAt:   time.Now().UTC(),
		Model:     m.StateMap(),
		Optimizer: t.opt.State(),
	}

	var err error
	kind := "periodic"
	if best {
		kind = "best"
		err = t.ckpt.SaveBest(snap)
	} else {
		err = t.ckpt.SavePeriodic(snap)
	}
	if err != nil {
		t.rec.RecordError("checkpoint")
		return fmt.Errorf("save %s checkpoint at epoch %d: %w", kind, epoch, err)
	}
	t.rec.RecordCheckpoint(kind)
	t.log.Info("checkpoint saved", "run", t.cfg.Run, "epoch", epoch, "kind", kind, "val_loss", valLoss)
	return nil
}

func (t *Trainer) failDiverged(res *Result, epoch int, err error) (*Result, error) {
	if !errors.Is(err, ErrDiverged) {
		return res, err
	}
	res.Reason = ReasonDiverged
	res.Epochs = epoch
	t.log.Error("run diverged", "run", t.cfg.Run, "epoch", epoch, "error", err)
	t.finish(res)
	return res, err
}

// finishCanceled records the cancellation and writes a final periodic
// checkpoint of the last fully completed epoch so the run can resume.
func (t *Trainer) finishCanceled(res *Result, lastEpoch int) (*Result, error) {
	res.Reason = ReasonCanceled
	res.Epochs = lastEpoch
	t.log.Info("run canceled", "run", t.cfg.Run, "completed_epochs", lastEpoch)

	if lastEpoch > 0 && len(res.History) > 0 {
		last := res.History[len(res.History)-1]
		if err := t.saveCheckpoint(last.Epoch, last.TrainLoss, last.ValLoss, false); err != nil {
			return res, err
		}
	}
	t.finish(res)
	return res, nil
}

func (t *Trainer) finish(res *Result) {
	// The run is over; publish the terminal state with a background
	// context so a canceled run still reports its final stats.
	t.publishFinal(res)
}

func (t *Trainer) publishFinal(res *Result) {
	if t.stats == nil {
		return
	}
	var trainLoss, valLoss, gradNorm float64
	epoch := res.Epochs
	if n := len(res.History); n > 0 {
		last := res.History[n-1]
		trainLoss, valLoss, gradNorm = last.TrainLoss, last.ValLoss, last.GradNorm
	}
	best := res.BestValLoss
	if math.IsInf(best, 1) {
		best = 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.put(ctx, runstore.RunStats{
		Run:          t.cfg.Run,
		Epoch:        epoch,
		TrainLoss:    trainLoss,
		ValLoss:      valLoss,
		BestValLoss:  best,
		BestEpoch:    res.BestEpoch,
		LearningRate: t.opt.LearningRate(),
		GradNorm:     gradNorm,
		Patience:     t.badEpochs,
		Phase:        runstore.PhaseFinished,
		UpdatedAt:    time.Now().UTC(),
	})
}

func (t *Trainer) publish(ctx context.Context, res *Result, epoch int, trainLoss, valLoss, gradNorm float64, phase runstore.Phase) {
	if t.stats == nil || ctx.Err() != nil {
		return
	}
	best := res.BestValLoss
	if math.IsInf(best, 1) {
		// No validation pass has completed yet.
		best = 0
	}
	t.put(ctx, runstore.RunStats{
		Run:          t.cfg.Run,
		Epoch:        epoch,
		TrainLoss:    trainLoss,
		ValLoss:      valLoss,
		BestValLoss:  best,
		BestEpoch:    res.BestEpoch,
		LearningRate: t.opt.LearningRate(),
		GradNorm:     gradNorm,
		Patience:     t.badEpochs,
		Phase:        phase,
		UpdatedAt:    time.Now().UTC(),
	})
}

// put publishes stats without letting a stats backend outage kill the run.
func (t *Trainer) put(ctx context.Context, stats runstore.RunStats) {
	if err := t.stats.Put(ctx, stats); err != nil {
		t.log.Warn("failed to publish run stats", "run", t.cfg.Run, "error", err)
	}
}
