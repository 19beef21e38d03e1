package synth

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/book-expert/logger"
)

const defaultBinary = "chatllm"

// CommandOptions configures the local chatllm TTS engine.
type CommandOptions struct {
	// Binary is the chatllm executable; defaults to "chatllm" on PATH.
	Binary string
	// ModelPath is the TTS model file.
	ModelPath string
	// SnacModelPath is the SNAC vocoder model file.
	SnacModelPath string
	// Voice names the speaker baked into the prompt.
	Voice string
	// Temperature controls randomness; defaults to 0.7.
	Temperature float64
}

// CommandSynthesizer implements core.Synthesizer by invoking a local chatllm
// binary, for deployments that run synthesis on the same host instead of the
// HTTP service.
type CommandSynthesizer struct {
	opts CommandOptions
	log  *logger.Logger
}

// NewCommandSynthesizer creates a command engine with defaults applied.
func NewCommandSynthesizer(opts CommandOptions, log *logger.Logger) *CommandSynthesizer {
	if opts.Binary == "" {
		opts.Binary = defaultBinary
	}

	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}

	return &CommandSynthesizer{
		opts: opts,
		log:  log,
	}
}

// Synthesize runs the binary with the narration text and reads back the
// exported WAV file.
func (s *CommandSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	tempFile, err := os.CreateTemp("", "narration-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for synthesis output: %w", err)
	}

	_ = tempFile.Close()

	defer func() {
		removeErr := os.Remove(tempFile.Name())
		if removeErr != nil {
			s.log.Warn("Failed to remove temp file '%s': %v", tempFile.Name(), removeErr)
		}
	}()

	args := []string{
		"-m", s.opts.ModelPath,
		"--snac_model", s.opts.SnacModelPath,
		"-p", fmt.Sprintf("{%s}: %s", s.opts.Voice, text),
		"--tts_export", tempFile.Name(),
		"--temp", fmt.Sprintf("%.2f", s.opts.Temperature),
	}

	// #nosec G204 -- binary and model paths come from operator configuration
	cmd := exec.CommandContext(ctx, s.opts.Binary, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("synthesis binary execution failed: %w - output: %s", err, string(output))
	}

	audioData, err := os.ReadFile(tempFile.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data from temp file: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}
