// Command narration-check is the operator tool for the narration service:
// it validates manifests, checks synthesis health, and runs one-shot
// narrations locally.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/narration-service/internal/clipcache"
	"github.com/book-expert/narration-service/internal/composer"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fallback"
	"github.com/book-expert/narration-service/internal/library"
	"github.com/book-expert/narration-service/internal/manifest"
	"github.com/book-expert/narration-service/internal/synth"
	"github.com/book-expert/narration-service/internal/wav"
)

// Flag descriptions.
const (
	flagManifestDesc = "Validate the manifest and report per-category availability"
	flagHealthDesc   = "Check synthesis service health and exit"
	flagOutcomeDesc  = "JSON assessment outcome to narrate, e.g. '{\"errors\":[...]}'"
	flagTextDesc     = "Text to synthesize directly"
	flagOutputDesc   = "Output file path (.wav)"
	flagVerboseDesc  = "Enable verbose logging"
)

// Flag names.
const (
	flagManifest = "manifest"
	flagHealth   = "health"
	flagOutcome  = "outcome"
	flagText     = "text"
	flagOutput   = "output"
	flagVerbose  = "verbose"
)

// Error and log messages.
const (
	errFailedToLoadConfig  = "Failed to load configuration: %v"
	errFailedToInitLogger  = "Failed to initialize logger: %v"
	errExactlyOneMode      = "Exactly one of -manifest, -health, -outcome, or -text must be provided"
	errHealthNeedsHTTP     = "Health check requires the http synthesis engine"
	errHealthCheckFailed   = "Health check failed: %v"
	errFailedToParse       = "Failed to parse outcome JSON: %v"
	errInvalidOutcome      = "Invalid outcome: %v"
	errFailedToNarrate     = "Failed to narrate outcome: %v"
	errFailedToSynthesize  = "Failed to synthesize text: %v"
	errFailedToWriteOutput = "Failed to write output file: %v"
	errRequiredUnavailable = "%d required categories unavailable"
)

// Status messages.
const (
	msgServiceHealthy      = "Synthesis service is healthy"
	msgServiceNotHealthy   = "Synthesis service is not healthy: %v\n"
	msgManifestHeader      = "Manifest version %s, voice %s\n"
	msgCategoryOK          = "  %s: %d variants\n"
	msgCategoryUnavailable = "  %s: UNAVAILABLE\n"
	msgRequiredMissing     = "MISSING required category: %s\n"
	msgManifestOK          = "Manifest OK: all required categories available"
	msgGenerated           = "Generated: %s (%.2fs, fallback used: %t)\n"
	msgGeneratedRaw        = "Generated: %s\n"
)

// File names and timeouts.
const (
	logFileNameDefault = "narration-check.log"
	logFileNameVerbose = "narration-check-verbose.log"
	defaultOutputFile  = "narration.wav"
	healthCheckTimeout = 10 * time.Second
	narrateTimeout     = 60 * time.Second
)

// Synthesis engines selectable through configuration.
const (
	engineHTTP    = "http"
	engineChatllm = "chatllm"
)

// ErrUnknownEngine indicates a synthesis engine name outside the known set.
var ErrUnknownEngine = errors.New("unknown synthesis engine")

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	manifest bool
	health   bool
	outcome  string
	text     string
	output   string
	verbose  bool
}

func main() {
	err := run()
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run() error {
	flags := parseFlags()

	err := validateFlags(flags)
	if err != nil {
		flag.Usage()

		return err
	}

	cfg, cliLogger, err := setup(flags.verbose)
	if err != nil {
		return err
	}
	defer cliLogger.Close()

	switch {
	case flags.manifest:
		return handleManifestCheck(cfg, cliLogger)
	case flags.health:
		return handleHealthCheck(cfg, cliLogger)
	case flags.outcome != "":
		return handleOutcome(cfg, cliLogger, flags)
	default:
		return handleText(cfg, cliLogger, flags)
	}
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags() appFlags {
	var flags appFlags
	flag.BoolVar(&flags.manifest, flagManifest, false, flagManifestDesc)
	flag.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flag.StringVar(&flags.outcome, flagOutcome, "", flagOutcomeDesc)
	flag.StringVar(&flags.text, flagText, "", flagTextDesc)
	flag.StringVar(&flags.output, flagOutput, defaultOutputFile, flagOutputDesc)
	flag.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	flag.Parse()

	return flags
}

// validateFlags ensures exactly one mode was selected.
func validateFlags(flags appFlags) error {
	modes := 0
	if flags.manifest {
		modes++
	}

	if flags.health {
		modes++
	}

	if flags.outcome != "" {
		modes++
	}

	if flags.text != "" {
		modes++
	}

	if modes != 1 {
		return errors.New(errExactlyOneMode)
	}

	return nil
}

// setup initializes the logger and loads the configuration.
func setup(verbose bool) (*config.Config, *logger.Logger, error) {
	logFileName := logFileNameDefault
	if verbose {
		logFileName = logFileNameVerbose
	}

	cliLogger, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return nil, nil, fmt.Errorf(errFailedToInitLogger, err)
	}

	cfg, err := config.Load(cliLogger)
	if err != nil {
		return nil, nil, fmt.Errorf(errFailedToLoadConfig, err)
	}

	return cfg, cliLogger, nil
}

// handleManifestCheck validates the manifest and reports per-category
// availability, exiting non-zero when a plan-required category is missing.
func handleManifestCheck(cfg *config.Config, cliLogger *logger.Logger) error {
	loaded, err := manifest.Load(cfg.Assets.ManifestPath, cfg.Assets.AssetsDir, cliLogger)
	if err != nil {
		return fmt.Errorf("manifest validation failed: %w", err)
	}

	fmt.Printf(msgManifestHeader, loaded.Version, loaded.VoiceName)

	for _, name := range loaded.CategoryNames() {
		if loaded.Available(name) {
			fmt.Printf(msgCategoryOK, name, len(loaded.Categories[name].Variants))
		} else {
			fmt.Printf(msgCategoryUnavailable, name)
		}
	}

	required := []string{
		composer.CategoryPerfectIntro,
		composer.CategoryNeedsWorkIntro,
		composer.CategoryClosingCheer,
	}

	missing := 0

	for _, category := range required {
		if !loaded.Available(category) {
			fmt.Printf(msgRequiredMissing, category)
			missing++
		}
	}

	if missing > 0 {
		return fmt.Errorf(errRequiredUnavailable, missing)
	}

	fmt.Println(msgManifestOK)

	return nil
}

// handleHealthCheck performs a service health check and prints the result.
func handleHealthCheck(cfg *config.Config, cliLogger *logger.Logger) error {
	if cfg.Synthesis.Engine != engineHTTP {
		return errors.New(errHealthNeedsHTTP)
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	client := synth.NewClient(synth.Options{
		BaseURL: cfg.Synthesis.ServiceURL,
		Voice:   cfg.Synthesis.Voice,
		Timeout: healthCheckTimeout,
	})

	err := client.HealthCheck(ctx)
	if err != nil {
		cliLogger.Error(errHealthCheckFailed, err)
		fmt.Printf(msgServiceNotHealthy, err)

		return err
	}

	fmt.Println(msgServiceHealthy)

	return nil
}

func buildSynthesizer(cfg *config.Config, cliLogger *logger.Logger) (core.Synthesizer, error) {
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
		}, cliLogger), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, cfg.Synthesis.Engine)
	}
}

// handleOutcome runs one local composition through the full library, cache,
// and composer stack and writes the result to the output path.
func handleOutcome(cfg *config.Config, cliLogger *logger.Logger, flags appFlags) error {
	var outcome core.Outcome

	err := json.Unmarshal([]byte(flags.outcome), &outcome)
	if err != nil {
		return fmt.Errorf(errFailedToParse, err)
	}

	err = outcome.Validate()
	if err != nil {
		return fmt.Errorf(errInvalidOutcome, err)
	}

	synthesizer, err := buildSynthesizer(cfg, cliLogger)
	if err != nil {
		return err
	}

	lib := library.New(cliLogger)

	loaded, err := manifest.Load(cfg.Assets.ManifestPath, cfg.Assets.AssetsDir, cliLogger)
	if err != nil {
		cliLogger.Warn("Static clip library unavailable: %v", err)
	} else {
		err = lib.Preload(loaded)
		if err != nil {
			cliLogger.Warn("Failed to preload clip library: %v", err)
		}
	}

	cache := clipcache.New(clipcache.Config{
		Dir:          cfg.Cache.Dir,
		MaxBytes:     cfg.Cache.MaxBytes(),
		Voice:        cfg.Synthesis.Voice,
		RetryBackoff: cfg.Synthesis.RetryBackoff(),
	}, synthesizer, cliLogger)

	narrator := composer.New(lib, cache, fallback.New(synthesizer, cliLogger), composer.Config{
		MaxParallel: cfg.Narration.MaxParallel,
		TargetDBFS:  cfg.Narration.TargetDBFS,
	}, cliLogger)

	ctx, cancel := context.WithTimeout(context.Background(), narrateTimeout)
	defer cancel()

	narration, err := narrator.Narrate(ctx, outcome)
	if err != nil {
		return fmt.Errorf(errFailedToNarrate, err)
	}

	err = os.WriteFile(flags.output, narration.Audio, 0o600)
	if err != nil {
		return fmt.Errorf(errFailedToWriteOutput, err)
	}

	clip, decodeErr := wav.Decode(narration.Audio)
	if decodeErr != nil {
		fmt.Printf(msgGeneratedRaw, flags.output)

		return nil
	}

	fmt.Printf(msgGenerated, flags.output, clip.Duration().Seconds(), narration.FallbackUsed)

	return nil
}

// handleText synthesizes one text directly, bypassing composition.
func handleText(cfg *config.Config, cliLogger *logger.Logger, flags appFlags) error {
	synthesizer, err := buildSynthesizer(cfg, cliLogger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), narrateTimeout)
	defer cancel()

	audio, err := synthesizer.Synthesize(ctx, flags.text)
	if err != nil {
		return fmt.Errorf(errFailedToSynthesize, err)
	}

	err = os.WriteFile(flags.output, audio, 0o600)
	if err != nil {
		return fmt.Errorf(errFailedToWriteOutput, err)
	}

	fmt.Printf(msgGeneratedRaw, flags.output)

	return nil
}
