// Package core defines the domain types and interfaces shared across the
// narration service.
package core

import (
	"context"
	"errors"
	"fmt"
)

// Static errors for outcome validation.
var (
	// ErrEmptyWord indicates a word error entry without a word.
	ErrEmptyWord = errors.New("word error entry has an empty word")
	// ErrInvalidSeverity indicates a severity outside the known set.
	ErrInvalidSeverity = errors.New("invalid severity")
)

// Severity grades how strongly a mispronunciation affects intelligibility.
type Severity string

// Severity levels reported by the pronunciation scorer.
const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severity levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityMinor, SeverityModerate, SeverityCritical:
		return true
	default:
		return false
	}
}

// WordError describes one mispronounced word in a practice attempt.
type WordError struct {
	// Word is the word as it appears in the practiced sentence.
	Word string `json:"word"`
	// Issue describes what the reader actually said.
	Issue string `json:"issue"`
	// Suggestion tells the reader how to fix the sound.
	Suggestion string `json:"suggestion"`
	// Severity grades the error as minor, moderate, or critical.
	Severity Severity `json:"severity"`
}

// Narration renders the corrective sentence spoken for this error. The same
// wording is used for cached dynamic clips and for fallback narration, so a
// sentence synthesized on either path can be reused by the other.
func (e WordError) Narration() string {
	return fmt.Sprintf("Word %s. %s. %s.", e.Word, e.Issue, e.Suggestion)
}

// Outcome is the result of one scored practice attempt, consumed read-only.
// An empty Errors slice marks an error-free attempt. Order is preserved
// end to end: narration segments follow the order the scorer reported.
type Outcome struct {
	Errors []WordError `json:"errors"`
}

// Perfect reports whether the attempt had no pronunciation errors.
func (o Outcome) Perfect() bool {
	return len(o.Errors) == 0
}

// Validate checks that every word error carries a word and a known severity.
func (o Outcome) Validate() error {
	for i, wordErr := range o.Errors {
		if wordErr.Word == "" {
			return fmt.Errorf("error %d: %w", i, ErrEmptyWord)
		}

		if !wordErr.Severity.Valid() {
			return fmt.Errorf(
				"error %d (%s): %w: %q",
				i, wordErr.Word, ErrInvalidSeverity, wordErr.Severity,
			)
		}
	}

	return nil
}

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// Synthesizer turns narration text into spoken audio. The voice identity is
// fixed at construction, so identical text always yields the same voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Narration is finished feedback audio plus how it was produced.
type Narration struct {
	// Audio is a complete WAV buffer.
	Audio []byte
	// FallbackUsed marks audio from the single-call legacy path.
	FallbackUsed bool
}

// Narrator produces the finished feedback audio for an assessment outcome.
type Narrator interface {
	Narrate(ctx context.Context, outcome Outcome) (Narration, error)
}
