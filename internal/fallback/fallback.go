// Package fallback provides the degraded narration path: one synthesis call
// for the whole outcome, bypassing clip composition and caching entirely.
package fallback

import (
	"context"
	"fmt"
	"strings"

	"github.com/book-expert/logger"

	"github.com/book-expert/narration-service/internal/core"
)

// Fixed narration phrases. The per-error sentences between the lead-in and
// the closing come from core.WordError.Narration.
const (
	perfectNarration = "Excellent work! Your reading was perfect. Keep it up!"
	errorsLeadIn     = "Good try! Let's practice a few words together."
	closingNarration = "You are doing great. Keep practicing!"
)

// Generator builds one complete narration string per outcome and synthesizes
// it directly. It touches no cache or asset state, so it stays usable when
// everything else has failed.
type Generator struct {
	synth core.Synthesizer
	log   *logger.Logger
}

// New creates a fallback generator backed by the given synthesizer.
func New(synth core.Synthesizer, log *logger.Logger) *Generator {
	return &Generator{
		synth: synth,
		log:   log,
	}
}

// BuildNarration renders the full outcome as a single narration string.
func (g *Generator) BuildNarration(outcome core.Outcome) string {
	if outcome.Perfect() {
		return perfectNarration
	}

	var builder strings.Builder

	builder.WriteString(errorsLeadIn)

	for _, wordErr := range outcome.Errors {
		builder.WriteString(" ")
		builder.WriteString(wordErr.Narration())
	}

	builder.WriteString(" ")
	builder.WriteString(closingNarration)

	return builder.String()
}

// Narrate synthesizes the complete narration in one call.
func (g *Generator) Narrate(ctx context.Context, outcome core.Outcome) (core.Narration, error) {
	text := g.BuildNarration(outcome)

	g.log.Info("Generating fallback narration: %d errors, %d characters", len(outcome.Errors), len(text))

	audio, err := g.synth.Synthesize(ctx, text)
	if err != nil {
		return core.Narration{}, fmt.Errorf("synthesize fallback narration: %w", err)
	}

	return core.Narration{Audio: audio, FallbackUsed: true}, nil
}
