// Command trainer fits the demandcast power-demand forecasting model.
//
// The trainer loads a scaled household demand dataset, cuts it into
// sliding windows, and optimizes a positional-attention encoder with Adam
// until validation loss stops improving. While training it:
//  1. Publishes live run statistics to a memory or Redis backend
//  2. Writes best and periodic checkpoints with atomic replacement
//  3. Exposes run stats, health and Prometheus metrics over HTTP
//  4. Reports test-split accuracy in physical units when the run ends
//
// The trainer serves an HTTP API on port 8082 (configurable) providing:
//   - GET /run/current?run=<name> - Retrieve latest run statistics
//   - GET /healthz - Health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//
// Usage:
//
//	trainer \
//	  -run=household-2026 \
//	  -data=household.csv \
//	  -scaler=scaler.json \
//	  -seq-len=97 \
//	  -max-epochs=100
//
// Environment variables mirror every flag (RUN, DATA, SCALER, SEQ_LEN,
// LR, MAX_EPOCHS, STATS, REDIS_ADDR, LOG_LEVEL, ...); flags take
// precedence.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wattlab/demandcast/cmd/trainer/config"
	"github.com/wattlab/demandcast/cmd/trainer/logger"
	"github.com/wattlab/demandcast/cmd/trainer/metrics"
	"github.com/wattlab/demandcast/cmd/trainer/router"
	"github.com/wattlab/demandcast/pkg/checkpoint"
	"github.com/wattlab/demandcast/pkg/dataset"
	"github.com/wattlab/demandcast/pkg/encoder"
	"github.com/wattlab/demandcast/pkg/httpx"
	"github.com/wattlab/demandcast/pkg/nn"
	"github.com/wattlab/demandcast/pkg/runstore"
	"github.com/wattlab/demandcast/pkg/scaler"
	"github.com/wattlab/demandcast/pkg/training"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg)
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log.Info("starting demandcast trainer",
		"version", version,
		"run", cfg.Run,
		"data", cfg.DataPath,
		"seq_len", cfg.SeqLen,
	)

	sc, err := scaler.Load(cfg.ScalerPath)
	if err != nil {
		log.Error("failed to load scaler artifact", "error", err)
		os.Exit(1)
	}
	if err := sc.AlignWith(cfg.Columns); err != nil {
		log.Error("scaler does not match configured columns", "error", err)
		os.Exit(1)
	}

	table, err := dataset.LoadCSV(cfg.DataPath, cfg.Columns, sc)
	if err != nil {
		log.Error("failed to load dataset", "error", err)
		os.Exit(1)
	}
	ds, err := dataset.New(table, cfg.SeqLen, cfg.Target, cfg.TrainRatio, cfg.ValRatio, cfg.TestRatio)
	if err != nil {
		log.Error("failed to window dataset", "error", err)
		os.Exit(1)
	}
	log.Info("dataset loaded",
		"rows", table.Len(),
		"train_windows", ds.Count(dataset.Train),
		"val_windows", ds.Count(dataset.Val),
		"test_windows", ds.Count(dataset.Test),
	)

	model, err := encoder.New(encoder.Config{
		FeatureDim: len(cfg.Columns),
		DModel:     cfg.DModel,
		NumHeads:   cfg.NumHeads,
		NumLayers:  cfg.NumLayers,
		FFDim:      cfg.FFDim,
		OutputDim:  1,
		MaxSeqLen:  cfg.MaxSeqLength,
		Dropout:    cfg.Dropout,
		Seed:       cfg.Seed,
	})
	if err != nil {
		log.Error("failed to build encoder", "error", err)
		os.Exit(1)
	}

	trainLoader := dataset.NewLoader(ds, dataset.Train, dataset.LoaderOptions{
		BatchSize:   cfg.BatchSize,
		Shuffle:     true,
		DropPartial: cfg.DropPartial,
		Seed:        cfg.Seed,
		Prefetch:    cfg.Prefetch,
	})
	valLoader := dataset.NewLoader(ds, dataset.Val, dataset.LoaderOptions{
		BatchSize:   cfg.BatchSize,
		DropPartial: cfg.DropPartial,
		Prefetch:    cfg.Prefetch,
	})

	ckpt, err := checkpoint.NewFileStore(cfg.CheckpointDir)
	if err != nil {
		log.Error("failed to open checkpoint directory", "error", err)
		os.Exit(1)
	}

	stats := newStatsStore(cfg, log)
	if closer, ok := stats.(interface{ Close() error }); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				log.Error("failed to close stats store", "error", err)
			}
		}()
	}

	opt := nn.NewAdam(model.Parameters(), cfg.LearningRate, cfg.WeightDecay)
	sched := nn.NewPlateauScheduler(cfg.PlateauFactor, cfg.PlateauPatience, cfg.MinLearningRate)

	tr, err := training.New(training.Config{
		Run:       cfg.Run,
		MaxEpochs: cfg.MaxEpochs,
		Patience:  cfg.Patience,
		ClipNorm:  cfg.ClipNorm,
		SaveEvery: cfg.SaveEvery,
	}, model, opt, sched, trainLoader, valLoader, ckpt, stats, metrics.New(cfg.Run), log)
	if err != nil {
		log.Error("failed to build trainer", "error", err)
		os.Exit(1)
	}

	if cfg.Resume {
		snap, err := ckpt.LoadLatest()
		switch {
		case errors.Is(err, checkpoint.ErrNotFound):
			log.Info("no checkpoint to resume from, starting fresh")
		case err != nil:
			log.Error("failed to load resume checkpoint", "error", err)
			os.Exit(1)
		default:
			if err := tr.Resume(snap); err != nil {
				log.Error("failed to resume", "error", err)
				os.Exit(1)
			}
		}
	}

	mux := router.SetupRoutes(stats, cfg.StaleAfter, log)
	httpServer := httpx.NewServer(cfg.Listen, mux, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type runOutcome struct {
		res *training.Result
		err error
	}
	done := make(chan runOutcome, 1)
	go func() {
		res, err := tr.Run(ctx)
		done <- runOutcome{res, err}
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var outcome runOutcome
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
		cancel()
		outcome = <-done
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
		cancel()
		outcome = <-done
	case outcome = <-done:
	}

	exitCode := 0
	if outcome.err != nil {
		log.Error("training failed", "error", outcome.err)
		exitCode = 1
	}
	if outcome.res != nil {
		log.Info("training finished",
			"reason", outcome.res.Reason,
			"epochs", outcome.res.Epochs,
			"best_epoch", outcome.res.BestEpoch,
			"best_val_loss", outcome.res.BestValLoss,
		)
		if outcome.err == nil && outcome.res.BestEpoch > 0 {
			reportTestAccuracy(model, ckpt, ds, sc, cfg, log)
		}
	}

	log.Info("shutting down")
	if err := httpServer.Stop(cfg.ShutdownGrace); err != nil {
		log.Error("server shutdown failed", "error", err)
		exitCode = 1
	}

	log.Info("shutdown complete")
	os.Exit(exitCode)
}

// newStatsStore builds the configured run stats backend.
func newStatsStore(cfg *config.Config, log *slog.Logger) runstore.Store {
	if cfg.StatsBackend != "redis" {
		return runstore.NewMemoryStore()
	}
	store, err := runstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	log.Info("publishing run stats to redis", "addr", cfg.RedisAddr)
	return store
}

// reportTestAccuracy restores the best checkpoint and logs test-split
// accuracy in physical units.
func reportTestAccuracy(model *encoder.Encoder, ckpt *checkpoint.FileStore,
	ds *dataset.Dataset, sc *scaler.Scaler, cfg *config.Config, log *slog.Logger) {

	best, err := ckpt.LoadBest()
	if err != nil {
		log.Error("failed to load best checkpoint for evaluation", "error", err)
		return
	}
	if err := model.LoadStateMap(best.Model); err != nil {
		log.Error("failed to restore best weights", "error", err)
		return
	}

	report, err := evaluateSplit(model, ds, dataset.Test, sc, cfg.Target)
	if err != nil {
		log.Error("test evaluation failed", "error", err)
		return
	}
	log.Info("test split accuracy",
		"run", cfg.Run,
		"best_epoch", best.Epoch,
		"samples", report.Samples,
		"mae", report.MAE,
		"rmse", report.RMSE,
		"smape_pct", report.SMAPE,
	)
}
