package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/core"
)

func TestOutcomePerfect(t *testing.T) {
	t.Parallel()

	assert.True(t, core.Outcome{}.Perfect())
	assert.True(t, core.Outcome{Errors: []core.WordError{}}.Perfect())

	outcome := core.Outcome{
		Errors: []core.WordError{
			{Word: "van", Issue: "said wan", Suggestion: "buzz the v", Severity: core.SeverityMinor},
		},
	}
	assert.False(t, outcome.Perfect())
}

func TestOutcomeValidate(t *testing.T) {
	t.Parallel()

	valid := core.Outcome{
		Errors: []core.WordError{
			{Word: "three", Issue: "said tree", Suggestion: "tongue between teeth", Severity: core.SeverityModerate},
			{Word: "van", Issue: "said wan", Suggestion: "teeth on lower lip", Severity: core.SeverityCritical},
		},
	}
	require.NoError(t, valid.Validate())
}

func TestOutcomeValidateRejectsEmptyWord(t *testing.T) {
	t.Parallel()

	outcome := core.Outcome{
		Errors: []core.WordError{
			{Word: "", Issue: "said wan", Suggestion: "buzz the v", Severity: core.SeverityMinor},
		},
	}

	err := outcome.Validate()
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrEmptyWord)
}

func TestOutcomeValidateRejectsUnknownSeverity(t *testing.T) {
	t.Parallel()

	outcome := core.Outcome{
		Errors: []core.WordError{
			{Word: "van", Issue: "said wan", Suggestion: "buzz the v", Severity: "fatal"},
		},
	}

	err := outcome.Validate()
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrInvalidSeverity)
}

func TestWordErrorNarration(t *testing.T) {
	t.Parallel()

	wordErr := core.WordError{
		Word:       "van",
		Issue:      "Said 'wan' instead",
		Suggestion: "Put teeth on lower lip and buzz",
		Severity:   core.SeverityCritical,
	}

	assert.Equal(
		t,
		"Word van. Said 'wan' instead. Put teeth on lower lip and buzz.",
		wordErr.Narration(),
	)
}

func TestSeverityValid(t *testing.T) {
	t.Parallel()

	assert.True(t, core.SeverityMinor.Valid())
	assert.True(t, core.SeverityModerate.Valid())
	assert.True(t, core.SeverityCritical.Valid())
	assert.False(t, core.Severity("").Valid())
	assert.False(t, core.Severity("severe").Valid())
}
