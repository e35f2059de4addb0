// Command chronicle-worker is the process entrypoint: it wires
// configuration, storage, the LLM client, the four agents, and the
// Orchestrator into a Job Queue Worker, then runs until its context is
// cancelled (spec.md §6.7 — exit 0 on graceful shutdown, exit 1 on a
// fatal startup failure).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vampirenirmal/chronicle/internal/agents"
	"github.com/vampirenirmal/chronicle/internal/config"
	"github.com/vampirenirmal/chronicle/internal/llmclient"
	"github.com/vampirenirmal/chronicle/internal/narrative"
	"github.com/vampirenirmal/chronicle/internal/orchestrator"
	"github.com/vampirenirmal/chronicle/internal/queue"
	"github.com/vampirenirmal/chronicle/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("worker exiting with fatal error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	narrative.WindowSize = cfg.FingerprintWindowSize
	narrative.RepetitionSimilarityThreshold = cfg.RepetitionSimilarity

	fs := storage.NewFileSystem(storagePathFromURL(cfg.CheckpointStorageURL))

	llm := llmclient.New(cfg.LLMAPIKey,
		llmclient.WithAPIConfig(cfg.LLMProviderURL, ""),
		llmclient.WithLogger(logger),
	)

	planner := agents.NewPlanner(llm, logger)
	writer := agents.NewWriter(llm, logger)
	editor := agents.NewEditor(llm, logger)
	validator := agents.NewValidator(llm, logger)

	checkpoints := orchestrator.NewCheckpointStore(fs)
	manuscripts := orchestrator.NewManuscriptSink(fs)

	orchOpts := []orchestrator.Option{
		orchestrator.WithMaxSceneRegenerations(cfg.MaxSceneRegenerations),
		orchestrator.WithChapterRollThreshold(cfg.ChapterRollThreshold),
		orchestrator.WithActWordTolerance(cfg.ActWordTolerance),
		orchestrator.WithLogger(logger),
	}
	if cfg.PlanFixturePath != "" {
		fixture, err := agents.LoadActOutlineFixture(cfg.PlanFixturePath)
		if err != nil {
			return err
		}
		logger.Info("using act outline fixture, Planner.GenerateActOutlines will not be called", "path", cfg.PlanFixturePath, "acts", len(fixture))
		orchOpts = append(orchOpts, orchestrator.WithActOutlineFixture(fixture))
	}

	orch := orchestrator.New(planner, writer, editor, validator, checkpoints, manuscripts, orchOpts...)

	jobQueue := queue.NewInMemoryQueue(0)
	jobStore := queue.NewJobStore(fs)

	worker := queue.NewWorker(jobQueue, jobStore, orch,
		queue.WithConcurrency(cfg.WorkerConcurrency),
		queue.WithWallClockCeiling(orchestrator.ModeDraft, cfg.DraftWallClockCeiling),
		queue.WithWallClockCeiling(orchestrator.ModePolished, cfg.PolishedWallClockCeiling),
		queue.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("chronicle-worker starting", "concurrency", cfg.WorkerConcurrency)
	return worker.Run(ctx)
}

// storagePathFromURL accepts the file://-scheme form of
// CHECKPOINT_STORAGE_URL documented in spec.md §6.6; any other scheme
// is out of scope for this reference worker (no S3/GCS client is wired
// since the spec defines checkpoint storage as a logical, not a vendor,
// interface).
func storagePathFromURL(url string) string {
	const prefix = "file://"
	if len(url) > len(prefix) && url[:len(prefix)] == prefix {
		return url[len(prefix):]
	}
	return url
}
