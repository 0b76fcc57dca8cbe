package training

import "time"

// Recorder receives training progress for export, typically to Prometheus.
// Implementations must be safe for calls from the training goroutine.
type Recorder interface {
	RecordEpoch(epoch int, trainLoss, valLoss, gradNorm, lr float64, duration time.Duration)
	RecordCheckpoint(kind string)
	RecordError(stage string)
}

// NopRecorder discards everything. Useful in tests and offline runs.
type NopRecorder struct{}

func (NopRecorder) RecordEpoch(int, float64, float64, float64, float64, time.Duration) {}
func (NopRecorder) RecordCheckpoint(string)                                            {}
func (NopRecorder) RecordError(string)                                                 {}
