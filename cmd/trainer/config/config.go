// Package config provides configuration parsing and management for the
// trainer.
//
// It handles both command-line flags and environment variables, with flags
// taking precedence over environment variables. The Config struct contains
// all runtime configuration for a training run:
//   - Data (dataset path, scaler artifact, feature columns, target)
//   - Windowing (sequence length, split ratios, batching)
//   - Model architecture (model width, heads, layers, dropout)
//   - Optimization (learning rate, weight decay, clipping, scheduling)
//   - Run control (max epochs, patience, checkpoints, resume)
//   - Run stats backend (memory or redis)
//   - Logging (level, format)
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables
//  3. Default values
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// DefaultColumns is the input schema of the household demand dataset:
// per-appliance submeters, aggregate channels and weather covariates, with
// the forecast target last.
var DefaultColumns = []string{
	"dishwasher",
	"fridge",
	"freezer",
	"washing_machine",
	"tumble_dryer",
	"oven",
	"microwave",
	"kettle",
	"toaster",
	"television",
	"computer",
	"heat_pump",
	"water_heater",
	"ev_charger",
	"lighting",
	"aggregate_consumption",
	"solar_generation",
	"net_import",
	"temperature",
	"humidity",
	"wind_speed",
	"solar_irradiance",
	"pressure",
	"precipitation",
	"power_demand",
}

// Config holds all trainer configuration.
type Config struct {
	Run        string
	Listen     string
	StaleAfter time.Duration
	LogFormat  string
	LogLevel   string

	DataPath   string
	ScalerPath string
	Columns    []string
	Target     string

	SeqLen      int
	TrainRatio  float64
	ValRatio    float64
	TestRatio   float64
	BatchSize   int
	DropPartial bool
	Prefetch    int

	DModel       int
	NumHeads     int
	NumLayers    int
	FFDim        int
	MaxSeqLength int
	Dropout      float64
	Seed         int64

	LearningRate     float64
	WeightDecay      float64
	ClipNorm         float64
	PlateauFactor    float64
	PlateauPatience  int
	MinLearningRate  float64
	MaxEpochs        int
	Patience         int
	SaveEvery        int
	CheckpointDir    string
	Resume           bool
	ShutdownGrace    time.Duration

	StatsBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
}

// ParseFlags parses command-line flags and environment variables into a
// Config. Environment variables are used as fallbacks when flags are not
// provided.
func ParseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Run, "run", getEnv("RUN", ""), "Run name (required)")
	flag.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8082"), "HTTP listen address")
	flag.DurationVar(&cfg.StaleAfter, "stale-after", getEnvDuration("STALE_AFTER", 0), "Mark served run stats stale after this age (0 disables)")
	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.StringVar(&cfg.DataPath, "data", getEnv("DATA", ""), "Path to the dataset CSV (required)")
	flag.StringVar(&cfg.ScalerPath, "scaler", getEnv("SCALER", ""), "Path to the fitted scaler artifact (required)")
	columns := flag.String("columns", getEnv("COLUMNS", ""), "Comma-separated feature columns (default: household schema)")
	flag.StringVar(&cfg.Target, "target", getEnv("TARGET", "power_demand"), "Target column to forecast")

	flag.IntVar(&cfg.SeqLen, "seq-len", getEnvInt("SEQ_LEN", 97), "Input window length in time steps")
	flag.Float64Var(&cfg.TrainRatio, "train-ratio", getEnvFloat("TRAIN_RATIO", 0.8), "Training split ratio")
	flag.Float64Var(&cfg.ValRatio, "val-ratio", getEnvFloat("VAL_RATIO", 0.1), "Validation split ratio")
	flag.Float64Var(&cfg.TestRatio, "test-ratio", getEnvFloat("TEST_RATIO", 0.1), "Test split ratio")
	flag.IntVar(&cfg.BatchSize, "batch-size", getEnvInt("BATCH_SIZE", 32), "Windows per optimizer step")
	flag.BoolVar(&cfg.DropPartial, "drop-partial", getEnvBool("DROP_PARTIAL", false), "Drop trailing batches smaller than batch-size")
	flag.IntVar(&cfg.Prefetch, "prefetch", getEnvInt("PREFETCH", 2), "Batches assembled ahead of the training step")

	flag.IntVar(&cfg.DModel, "d-model", getEnvInt("D_MODEL", 256), "Model width")
	flag.IntVar(&cfg.NumHeads, "num-heads", getEnvInt("NUM_HEADS", 8), "Attention heads")
	flag.IntVar(&cfg.NumLayers, "num-layers", getEnvInt("NUM_LAYERS", 4), "Encoder layers")
	flag.IntVar(&cfg.FFDim, "ff-dim", getEnvInt("FF_DIM", 0), "Feed-forward width (0 = 4*d-model)")
	flag.IntVar(&cfg.MaxSeqLength, "max-seq-length", getEnvInt("MAX_SEQ_LENGTH", 1000), "Positional encoding capacity")
	flag.Float64Var(&cfg.Dropout, "dropout", getEnvFloat("DROPOUT", 0.1), "Dropout probability (training only)")
	flag.Int64Var(&cfg.Seed, "seed", int64(getEnvInt("SEED", 42)), "Seed for weight init and shuffling")

	flag.Float64Var(&cfg.LearningRate, "lr", getEnvFloat("LR", 1e-4), "Adam learning rate")
	flag.Float64Var(&cfg.WeightDecay, "weight-decay", getEnvFloat("WEIGHT_DECAY", 1e-5), "Adam weight decay")
	flag.Float64Var(&cfg.ClipNorm, "clip-norm", getEnvFloat("CLIP_NORM", 1.0), "Global gradient norm ceiling (0 disables)")
	flag.Float64Var(&cfg.PlateauFactor, "plateau-factor", getEnvFloat("PLATEAU_FACTOR", 0.5), "Learning rate multiplier on plateau")
	flag.IntVar(&cfg.PlateauPatience, "plateau-patience", getEnvInt("PLATEAU_PATIENCE", 5), "Epochs without improvement before reducing the learning rate")
	flag.Float64Var(&cfg.MinLearningRate, "min-lr", getEnvFloat("MIN_LR", 1e-7), "Learning rate floor for plateau reductions")
	flag.IntVar(&cfg.MaxEpochs, "max-epochs", getEnvInt("MAX_EPOCHS", 100), "Epoch cap")
	flag.IntVar(&cfg.Patience, "patience", getEnvInt("PATIENCE", 10), "Epochs without a new best validation loss before stopping")
	flag.IntVar(&cfg.SaveEvery, "save-every", getEnvInt("SAVE_EVERY", 5), "Periodic checkpoint interval in epochs (0 disables)")
	flag.StringVar(&cfg.CheckpointDir, "checkpoint-dir", getEnv("CHECKPOINT_DIR", "checkpoints"), "Checkpoint directory")
	flag.BoolVar(&cfg.Resume, "resume", getEnvBool("RESUME", false), "Resume from the latest periodic checkpoint")
	flag.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", getEnvDuration("SHUTDOWN_GRACE", 10*time.Second), "HTTP server shutdown grace period")

	flag.StringVar(&cfg.StatsBackend, "stats", getEnv("STATS", "memory"), "Run stats backend: memory or redis")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	flag.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 30*time.Minute), "Redis run stats TTL")

	flag.Parse()

	cfg.Columns = splitColumns(*columns)
	if len(cfg.Columns) == 0 {
		cfg.Columns = DefaultColumns
	}

	if cfg.Run == "" {
		fmt.Fprintln(os.Stderr, "Error: --run is required")
		os.Exit(1)
	}
	if cfg.DataPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --data is required")
		os.Exit(1)
	}
	if cfg.ScalerPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --scaler is required")
		os.Exit(1)
	}

	return cfg
}

// Validate checks cross-field consistency. Called after ParseFlags and in
// tests that build configs directly.
func (c *Config) Validate() error {
	if c.SeqLen <= 0 {
		return fmt.Errorf("seq-len must be positive, got %d", c.SeqLen)
	}
	if c.SeqLen > c.MaxSeqLength {
		return fmt.Errorf("seq-len %d exceeds max-seq-length %d", c.SeqLen, c.MaxSeqLength)
	}
	if c.DModel <= 0 || c.NumHeads <= 0 || c.DModel%c.NumHeads != 0 {
		return fmt.Errorf("d-model %d must be a positive multiple of num-heads %d", c.DModel, c.NumHeads)
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("num-layers must be positive, got %d", c.NumLayers)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0,1), got %g", c.Dropout)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be positive, got %d", c.BatchSize)
	}
	if sum := c.TrainRatio + c.ValRatio + c.TestRatio; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("split ratios sum to %g, want 1", sum)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("lr must be positive, got %g", c.LearningRate)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight-decay cannot be negative, got %g", c.WeightDecay)
	}
	if c.PlateauFactor <= 0 || c.PlateauFactor >= 1 {
		return fmt.Errorf("plateau-factor must be in (0,1), got %g", c.PlateauFactor)
	}
	if c.MaxEpochs <= 0 {
		return fmt.Errorf("max-epochs must be positive, got %d", c.MaxEpochs)
	}
	if c.Patience <= 0 {
		return fmt.Errorf("patience must be positive, got %d", c.Patience)
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("stale-after cannot be negative, got %s", c.StaleAfter)
	}
	if c.StatsBackend != "memory" && c.StatsBackend != "redis" {
		return fmt.Errorf("stats must be memory or redis, got %q", c.StatsBackend)
	}
	hasTarget := false
	for _, col := range c.Columns {
		if col == c.Target {
			hasTarget = true
			break
		}
	}
	if !hasTarget {
		return fmt.Errorf("target %q is not among the selected columns", c.Target)
	}
	return nil
}

func splitColumns(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
