package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore publishes run stats to Redis so dashboards and other
// processes can follow a training run without sharing memory with it.
// Entries expire after the configured TTL, so abandoned runs disappear
// on their own.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
//
// addr is the server address ("localhost:6379"), password may be empty,
// db is the database number and ttl the stats expiration (0 uses a default
// of 30 minutes).
func NewRedisStore(addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if db < 0 {
		return nil, errors.New("redis database number must be >= 0")
	}
	if ttl == 0 {
		ttl = 30 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{
		client: client,
		ttl:    ttl,
	}, nil
}

func runKey(run string) string {
	return fmt.Sprintf("demandcast:run:%s", run)
}

func validRunName(run string) bool {
	if run == "" {
		return false
	}
	for _, c := range run {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

// Put stores the run stats under "demandcast:run:{name}" with TTL
// expiration. Run names are restricted to alphanumerics, hyphens and
// underscores to keep key names unambiguous.
func (r *RedisStore) Put(ctx context.Context, stats RunStats) error {
	if !validRunName(stats.Run) {
		return fmt.Errorf("invalid run name %q: only alphanumeric, hyphens, and underscores allowed", stats.Run)
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal run stats: %w", err)
	}

	if err := r.client.Set(ctx, runKey(stats.Run), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store run stats in redis: %w", err)
	}
	return nil
}

// GetLatest retrieves the stats for a run, with found false when the key
// does not exist or has expired.
func (r *RedisStore) GetLatest(ctx context.Context, run string) (RunStats, bool, error) {
	if run == "" {
		return RunStats{}, false, errors.New("run name required")
	}

	data, err := r.client.Get(ctx, runKey(run)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return RunStats{}, false, nil
		}
		return RunStats{}, false, fmt.Errorf("failed to get run stats from redis: %w", err)
	}

	var stats RunStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return RunStats{}, false, fmt.Errorf("failed to unmarshal run stats: %w", err)
	}
	return stats, true, nil
}

// Ping checks the Redis connection health.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
