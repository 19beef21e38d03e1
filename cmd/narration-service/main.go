// main package for the narration-service
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-service/internal/clipcache"
	"github.com/book-expert/narration-service/internal/composer"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fallback"
	"github.com/book-expert/narration-service/internal/library"
	"github.com/book-expert/narration-service/internal/manifest"
	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/book-expert/narration-service/internal/synth"
	"github.com/book-expert/narration-service/internal/worker"
)

// Synthesis engines selectable through configuration.
const (
	engineHTTP    = "http"
	engineChatllm = "chatllm"
)

// ErrUnknownEngine indicates a synthesis engine name outside the known set.
var ErrUnknownEngine = errors.New("unknown synthesis engine")

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// manifestReloader re-reads the manifest and swaps the clip library
// wholesale. It serves both startup loading and the reload control subject.
type manifestReloader struct {
	manifestPath string
	assetsDir    string
	voice        string
	lib          *library.Library
	log          *logger.Logger
}

func (r *manifestReloader) Reload() error {
	loaded, err := manifest.Load(r.manifestPath, r.assetsDir, r.log)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	if r.voice != "" && loaded.VoiceName != r.voice {
		r.log.Warn(
			"Manifest voice %q differs from configured voice %q; static and dynamic clips will not match",
			loaded.VoiceName, r.voice,
		)
	}

	err = r.lib.Preload(loaded)
	if err != nil {
		return fmt.Errorf("failed to preload clip library: %w", err)
	}

	return nil
}

func buildSynthesizer(cfg *config.Config, log *logger.Logger) (core.Synthesizer, error) {
	switch cfg.Synthesis.Engine {
	case engineHTTP:
		return synth.NewClient(synth.Options{
			BaseURL:     cfg.Synthesis.ServiceURL,
			Voice:       cfg.Synthesis.Voice,
			StylePrompt: cfg.Synthesis.StylePrompt,
			Language:    cfg.Synthesis.Language,
			Temperature: cfg.Synthesis.Temperature,
			Timeout:     cfg.Synthesis.Timeout(),
		}), nil
	case engineChatllm:
		return synth.NewCommandSynthesizer(synth.CommandOptions{
			Binary:        cfg.Synthesis.BinaryPath,
			ModelPath:     cfg.Synthesis.ModelPath,
			SnacModelPath: cfg.Synthesis.SnacModelPath,
			Voice:         cfg.Synthesis.Voice,
			Temperature:   cfg.Synthesis.Temperature,
		}, log), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, cfg.Synthesis.Engine)
	}
}

// buildNarrator assembles the narration pipeline in leaf order. The composer
// is only wired in when the feature flag enables it; otherwise every request
// rides the fallback path.
func buildNarrator(cfg *config.Config, synthesizer core.Synthesizer, log *logger.Logger) (core.Narrator, *manifestReloader) {
	lib := library.New(log)
	reloader := &manifestReloader{
		manifestPath: cfg.Assets.ManifestPath,
		assetsDir:    cfg.Assets.AssetsDir,
		voice:        cfg.Synthesis.Voice,
		lib:          lib,
		log:          log,
	}

	err := reloader.Reload()
	if err != nil {
		// Not fatal: with an empty library every plan hits an unavailable
		// category and narration rides the fallback path.
		log.Warn("Static clip library unavailable: %v", err)
	}

	fallbackGenerator := fallback.New(synthesizer, log)

	if !cfg.Narration.ComposerEnabled {
		log.Info("Composer disabled; narrating through the fallback path only")

		return fallbackGenerator, reloader
	}

	cache := clipcache.New(clipcache.Config{
		Dir:          cfg.Cache.Dir,
		MaxBytes:     cfg.Cache.MaxBytes(),
		Voice:        cfg.Synthesis.Voice,
		RetryBackoff: cfg.Synthesis.RetryBackoff(),
	}, synthesizer, log)

	narrator := composer.New(lib, cache, fallbackGenerator, composer.Config{
		MaxParallel: cfg.Narration.MaxParallel,
		TargetDBFS:  cfg.Narration.TargetDBFS,
	}, log)

	return narrator, reloader
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "narration-service-bootstrap.log")
	if err != nil {
		// If bootstrap logger fails, we can only print to stderr
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "narration-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Build the narration pipeline
	synthesizer, err := buildSynthesizer(cfg, finalLog)
	if err != nil {
		finalLog.Error("Failed to build synthesizer: %v", err)

		return err
	}

	narrator, reloader := buildNarrator(cfg, synthesizer, finalLog)

	// 5. Connect to NATS and start the worker
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		finalLog.Error("Failed to connect to NATS at %s: %v", cfg.NATS.URL, err)

		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		finalLog.Error("Failed to create JetStream context: %v", err)

		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		finalLog.Error("Failed to initialize object store: %v", err)

		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		jetstreamContext,
		worker.Config{
			StreamName:        cfg.NATS.FeedbackStreamName,
			ConsumerName:      cfg.NATS.FeedbackConsumerName,
			AssessmentSubject: cfg.NATS.AssessmentCompletedSubject,
			CreatedSubject:    cfg.NATS.NarrationCreatedSubject,
			ReloadSubject:     cfg.NATS.ManifestReloadSubject,
			MaxConcurrent:     cfg.Narration.Workers,
		},
		store,
		narrator,
		reloader,
		finalLog,
	)
	if err != nil {
		finalLog.Error("Failed to create worker: %v", err)

		return fmt.Errorf("failed to create worker: %w", err)
	}

	finalLog.System(
		"Narration-Service successfully initialized. Listening for assessments on subject: %s",
		cfg.NATS.AssessmentCompletedSubject,
	)

	err = natsWorker.Run(ctx)
	if err != nil {
		finalLog.Error("Worker stopped with error: %v", err)

		return fmt.Errorf("worker stopped: %w", err)
	}

	finalLog.Info("Narration service shut down cleanly.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
