//go:build integration

package runstore

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

// setupRedisContainer starts a Redis container for testing
func setupRedisContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	redisContainer, err := redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	endpoint, err := redisContainer.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	// Strip "redis://" prefix if present
	addr := endpoint
	if len(endpoint) > 8 && endpoint[:8] == "redis://" {
		addr = endpoint[8:]
	}

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(redisContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	return addr
}

func TestRedisStore_PutGet(t *testing.T) {
	addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	want := RunStats{
		Run:          "household-2026",
		Epoch:        5,
		TrainLoss:    0.08,
		ValLoss:      0.11,
		BestValLoss:  0.10,
		BestEpoch:    4,
		LearningRate: 1e-4,
		Phase:        PhaseValidating,
		UpdatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, found, err := store.GetLatest(ctx, want.Run)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if !found {
		t.Fatal("stats not found after Put")
	}
	if got.Epoch != want.Epoch || got.ValLoss != want.ValLoss || got.Phase != want.Phase {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRedisStore_GetMissing(t *testing.T) {
	addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer store.Close()

	_, found, err := store.GetLatest(context.Background(), "never-published")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if found {
		t.Error("found stats for a run that never published")
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, time.Second)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Put(ctx, RunStats{Run: "short-lived", Epoch: 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	_, found, err := store.GetLatest(ctx, "short-lived")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if found {
		t.Error("stats survived past their TTL")
	}
}

func TestRedisStore_InvalidRunName(t *testing.T) {
	addr := setupRedisContainer(t)

	store, err := NewRedisStore(addr, "", 0, time.Minute)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer store.Close()

	if err := store.Put(context.Background(), RunStats{Run: "bad run:name"}); err == nil {
		t.Error("accepted run name with forbidden characters")
	}
}

func TestRedisStore_InvalidConfig(t *testing.T) {
	if _, err := NewRedisStore("", "", 0, time.Minute); err == nil {
		t.Error("accepted empty address")
	}
	if _, err := NewRedisStore("localhost:6379", "", -1, time.Minute); err == nil {
		t.Error("accepted negative database number")
	}
}
