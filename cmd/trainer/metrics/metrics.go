// Package metrics provides Prometheus metrics instrumentation for the
// trainer.
//
// It exposes the health of an in-flight training run for Prometheus
// scraping via the /metrics HTTP endpoint.
//
// Metrics exposed:
//   - demandcast_train_loss: Gauge of the latest epoch's training loss
//   - demandcast_val_loss: Gauge of the latest epoch's validation loss
//   - demandcast_gradient_norm: Gauge of the mean pre-clip gradient norm
//   - demandcast_learning_rate: Gauge of the current learning rate
//   - demandcast_epochs_total: Counter of completed epochs
//   - demandcast_epoch_seconds: Histogram of epoch wall-clock duration
//   - demandcast_checkpoint_saves_total: Counter of checkpoint writes by kind
//   - demandcast_errors_total: Counter of errors by stage
//
// All metrics carry the run label, so several runs scraped by the same
// Prometheus are distinguishable.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the trainer. It implements the
// training loop's Recorder interface.
type Metrics struct {
	TrainLoss            prometheus.Gauge
	ValLoss              prometheus.Gauge
	GradientNorm         prometheus.Gauge
	LearningRate         prometheus.Gauge
	EpochsTotal          prometheus.Counter
	EpochSeconds         prometheus.Histogram
	CheckpointSavesTotal *prometheus.CounterVec
	ErrorsTotal          *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(run string) *Metrics {
	labels := prometheus.Labels{"run": run}

	return &Metrics{
		TrainLoss: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "demandcast_train_loss",
			Help:        "Training loss of the latest completed epoch",
			ConstLabels: labels,
		}),

		ValLoss: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "demandcast_val_loss",
			Help:        "Validation loss of the latest completed epoch",
			ConstLabels: labels,
		}),

		GradientNorm: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "demandcast_gradient_norm",
			Help:        "Mean pre-clip global gradient norm of the latest epoch",
			ConstLabels: labels,
		}),

		LearningRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "demandcast_learning_rate",
			Help:        "Current optimizer learning rate",
			ConstLabels: labels,
		}),

		EpochsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "demandcast_epochs_total",
			Help:        "Total number of completed epochs",
			ConstLabels: labels,
		}),

		EpochSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "demandcast_epoch_seconds",
			Help:        "Wall-clock duration of one epoch",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
		}),

		CheckpointSavesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "demandcast_checkpoint_saves_total",
			Help:        "Total number of checkpoint writes by kind",
			ConstLabels: labels,
		}, []string{"kind"}),

		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "demandcast_errors_total",
			Help:        "Total number of errors by stage",
			ConstLabels: labels,
		}, []string{"stage"}),
	}
}

// RecordEpoch publishes the numbers of one completed epoch.
func (m *Metrics) RecordEpoch(epoch int, trainLoss, valLoss, gradNorm, lr float64, duration time.Duration) {
	m.TrainLoss.Set(trainLoss)
	m.ValLoss.Set(valLoss)
	m.GradientNorm.Set(gradNorm)
	m.LearningRate.Set(lr)
	m.EpochsTotal.Inc()
	m.EpochSeconds.Observe(duration.Seconds())
}

// RecordCheckpoint increments the save counter for a checkpoint kind.
func (m *Metrics) RecordCheckpoint(kind string) {
	m.CheckpointSavesTotal.WithLabelValues(kind).Inc()
}

// RecordError increments the error counter for a pipeline stage.
func (m *Metrics) RecordError(stage string) {
	m.ErrorsTotal.WithLabelValues(stage).Inc()
}
