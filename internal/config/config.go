// Package config loads the worker's configuration from environment
// variables (spec.md §6.6's enumerated table), with an optional .env
// file for local development, and validates it before the worker
// starts — a missing required value or one outside its validated range
// is a worker-fatal startup failure (exit 1). A numeric variable that
// does not parse as a number is not reported: its default is used.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the fully validated worker configuration, one field per
// row of spec.md §6.6 plus the implementer-defined tunables §9 calls
// out for exposure (word tolerance, chapter roll threshold).
type Config struct {
	WorkerConcurrency int `validate:"required,min=1,max=64"`

	LLMProviderURL string `validate:"required,url"`
	LLMAPIKey      string `validate:"required,min=8"`

	CheckpointStorageURL string `validate:"required"`
	QueueURL             string `validate:"required"`

	MaxSceneRegenerations int     `validate:"required,min=1,max=10"`
	FingerprintWindowSize int     `validate:"required,min=1,max=500"`
	RepetitionSimilarity  float64 `validate:"required,min=0,max=1"`
	ChapterRollThreshold  int     `validate:"required,min=500"`
	ActWordTolerance      float64 `validate:"required,min=0,max=1"`

	DraftWallClockCeiling    time.Duration `validate:"required,min=1m"`
	PolishedWallClockCeiling time.Duration `validate:"required,min=1m"`

	// PlanFixturePath, when set, points at a YAML file of hand-written
	// act outlines (agents.LoadActOutlineFixture) the worker uses
	// instead of calling the Planner's GenerateActOutlines — optional,
	// so it carries no validate tag.
	PlanFixturePath string
}

// Load reads configuration from the environment (after attempting to
// load a .env file, which is a no-op if none exists — the same
// godotenv.Load pattern the teacher's config used), applies the
// documented defaults for anything unset, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		WorkerConcurrency:        envInt("WORKER_CONCURRENCY", 1),
		LLMProviderURL:           envString("LLM_PROVIDER_URL", "https://api.anthropic.com/v1"),
		LLMAPIKey:                os.Getenv("LLM_API_KEY"),
		CheckpointStorageURL:     envString("CHECKPOINT_STORAGE_URL", "file://./data/checkpoints"),
		QueueURL:                 envString("QUEUE_URL", "memory://"),
		MaxSceneRegenerations:    envInt("MAX_SCENE_REGENERATIONS", 3),
		FingerprintWindowSize:    envInt("FINGERPRINT_WINDOW_SIZE", 20),
		RepetitionSimilarity:     envFloat("REPETITION_SIMILARITY_THRESHOLD", 0.7),
		ChapterRollThreshold:     envInt("CHAPTER_ROLL_THRESHOLD", 3500),
		ActWordTolerance:         envFloat("ACT_WORD_TOLERANCE", 0.15),
		DraftWallClockCeiling:    envDuration("JOB_WALL_CLOCK_CEILING_DRAFT_MS", 30*time.Minute),
		PolishedWallClockCeiling: envDuration("JOB_WALL_CLOCK_CEILING_POLISHED_MS", 2*time.Hour),
		PlanFixturePath:          os.Getenv("PLAN_FIXTURE_PATH"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	return validator.New().Struct(c)
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(name string, fallback float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envDuration reads a millisecond count per spec.md §6.6's
// JOB_WALL_CLOCK_CEILING_MS naming convention.
func envDuration(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
