// Package runstore provides storage implementations for live training run
// statistics, so the HTTP surface and external dashboards can observe a run
// without touching the training loop.
package runstore

import (
	"context"
	"time"
)

// Phase describes what the training loop is currently doing.
type Phase string

const (
	PhaseTraining   Phase = "training"
	PhaseValidating Phase = "validating"
	PhaseFinished   Phase = "finished"
)

// RunStats is a point-in-time view of one training run. Every field is
// overwritten as a unit on each publish; there is no per-field history.
type RunStats struct {
	Run          string    `json:"run"`
	Epoch        int       `json:"epoch"`
	TrainLoss    float64   `json:"train_loss"`
	ValLoss      float64   `json:"val_loss"`
	BestValLoss  float64   `json:"best_val_loss"`
	BestEpoch    int       `json:"best_epoch"`
	LearningRate float64   `json:"learning_rate"`
	GradNorm     float64   `json:"grad_norm"`
	Patience     int       `json:"patience"`
	Phase        Phase     `json:"phase"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store is the contract the training loop publishes through.
type Store interface {
	Put(ctx context.Context, stats RunStats) error
	GetLatest(ctx context.Context, run string) (RunStats, bool, error)
}
