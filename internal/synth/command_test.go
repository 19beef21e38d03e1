package synth_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/synth"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

// writeFakeBinary installs an executable shell script standing in for the
// chatllm binary.
func writeFakeBinary(t *testing.T, script string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fake-chatllm")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	return path
}

func TestCommandSynthesizeSuccess(t *testing.T) {
	t.Parallel()

	fixture := filepath.Join(t.TempDir(), "fixture.wav")
	wantAudio := []byte("RIFF-fake-chatllm-output")
	require.NoError(t, os.WriteFile(fixture, wantAudio, 0o600))

	script := fmt.Sprintf(`#!/bin/sh
while [ $# -gt 0 ]; do
  if [ "$1" = "--tts_export" ]; then
    out="$2"
  fi
  shift
done
cp %q "$out"
`, fixture)

	engine := synth.NewCommandSynthesizer(synth.CommandOptions{
		Binary:        writeFakeBinary(t, script),
		ModelPath:     "model.gguf",
		SnacModelPath: "snac.gguf",
		Voice:         "Aoede",
	}, newTestLogger(t))

	audio, err := engine.Synthesize(context.Background(), "Word van. Buzz the v.")
	require.NoError(t, err)
	assert.Equal(t, wantAudio, audio)
}

func TestCommandSynthesizeBinaryFailure(t *testing.T) {
	t.Parallel()

	engine := synth.NewCommandSynthesizer(synth.CommandOptions{
		Binary: writeFakeBinary(t, "#!/bin/sh\necho 'model file missing' >&2\nexit 3\n"),
		Voice:  "Aoede",
	}, newTestLogger(t))

	_, err := engine.Synthesize(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model file missing")
}

func TestCommandSynthesizeRejectsEmptyText(t *testing.T) {
	t.Parallel()

	engine := synth.NewCommandSynthesizer(synth.CommandOptions{
		Binary: writeFakeBinary(t, "#!/bin/sh\nexit 0\n"),
		Voice:  "Aoede",
	}, newTestLogger(t))

	_, err := engine.Synthesize(context.Background(), "")
	require.ErrorIs(t, err, synth.ErrEmptyText)
}

func TestCommandSynthesizeRejectsEmptyOutput(t *testing.T) {
	t.Parallel()

	// The fake binary exits cleanly without writing the export file.
	engine := synth.NewCommandSynthesizer(synth.CommandOptions{
		Binary: writeFakeBinary(t, "#!/bin/sh\nexit 0\n"),
		Voice:  "Aoede",
	}, newTestLogger(t))

	_, err := engine.Synthesize(context.Background(), "hello")
	require.ErrorIs(t, err, synth.ErrEmptyAudio)
}
