//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/wattlab/demandcast/cmd/trainer/router"
	"github.com/wattlab/demandcast/pkg/checkpoint"
	"github.com/wattlab/demandcast/pkg/dataset"
	"github.com/wattlab/demandcast/pkg/encoder"
	"github.com/wattlab/demandcast/pkg/nn"
	"github.com/wattlab/demandcast/pkg/runstore"
	"github.com/wattlab/demandcast/pkg/training"
)

func startRedis(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	if len(endpoint) > 8 && endpoint[:8] == "redis://" {
		endpoint = endpoint[8:]
	}
	return endpoint
}

// TestTrainingRunE2E trains a tiny encoder on synthetic demand data with
// run stats published to a real Redis, then reads the final stats back
// through the HTTP API.
func TestTrainingRunE2E(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	addr := startRedis(t)
	stats, err := runstore.NewRedisStore(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer stats.Close()

	// Synthetic dataset: constant feature, constant demand.
	rows := make([][]float64, 120)
	for i := range rows {
		rows[i] = []float64{0.4, 0.2, 0.7}
	}
	table, err := dataset.NewTable([]string{"fridge", "temperature", "power_demand"}, rows)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	ds, err := dataset.New(table, 8, "power_demand", 0.8, 0.1, 0.1)
	if err != nil {
		t.Fatalf("dataset.New: %v", err)
	}

	model, err := encoder.New(encoder.Config{
		FeatureDim: 3,
		DModel:     8,
		NumHeads:   2,
		NumLayers:  1,
		OutputDim:  1,
		MaxSeqLen:  16,
		Dropout:    0,
		Seed:       11,
	})
	if err != nil {
		t.Fatalf("encoder.New: %v", err)
	}

	trainLoader := dataset.NewLoader(ds, dataset.Train, dataset.LoaderOptions{BatchSize: 16, Shuffle: true, Seed: 11})
	valLoader := dataset.NewLoader(ds, dataset.Val, dataset.LoaderOptions{BatchSize: 16})
	ckpt, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	opt := nn.NewAdam(model.Parameters(), 1e-3, 0)
	tr, err := training.New(training.Config{
		Run:       "e2e",
		MaxEpochs: 3,
		Patience:  10,
		ClipNorm:  1.0,
		SaveEvery: 1,
	}, model, opt, nil, trainLoader, valLoader, ckpt, stats, nil, log)
	if err != nil {
		t.Fatalf("training.New: %v", err)
	}

	res, err := tr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != training.ReasonMaxEpochs || res.Epochs != 3 {
		t.Fatalf("run ended %s at epoch %d, want %s at 3", res.Reason, res.Epochs, training.ReasonMaxEpochs)
	}

	// The terminal stats must be visible in Redis.
	final, found, err := stats.GetLatest(context.Background(), "e2e")
	if err != nil || !found {
		t.Fatalf("GetLatest: found=%v err=%v", found, err)
	}
	if final.Phase != runstore.PhaseFinished {
		t.Errorf("final phase = %s, want %s", final.Phase, runstore.PhaseFinished)
	}
	if final.Epoch != 3 {
		t.Errorf("final epoch = %d, want 3", final.Epoch)
	}

	// And retrievable through the HTTP API backed by the same Redis.
	srv := httptest.NewServer(router.SetupRoutes(stats, time.Minute, log))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/run/current?run=e2e")
	if err != nil {
		t.Fatalf("GET /run/current: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got runstore.RunStats
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Run != "e2e" || got.Epoch != 3 {
		t.Errorf("API returned run %q epoch %d, want e2e epoch 3", got.Run, got.Epoch)
	}

	// Checkpoints from the run must be complete and loadable.
	best, err := ckpt.LoadBest()
	if err != nil {
		t.Fatalf("LoadBest: %v", err)
	}
	if err := model.LoadStateMap(best.Model); err != nil {
		t.Errorf("best checkpoint does not restore: %v", err)
	}
}
