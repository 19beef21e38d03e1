// Package library holds the decoded static narration clips in memory and
// serves uniform random variant picks per category.
package library

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/book-expert/logger"

	"github.com/book-expert/narration-service/internal/manifest"
	"github.com/book-expert/narration-service/internal/wav"
)

// Static errors for clip lookups.
var (
	// ErrCategoryUnavailable indicates a category with no loaded clips.
	ErrCategoryUnavailable = errors.New("category has no loaded clips")
	// ErrNilManifest indicates Preload was handed no manifest.
	ErrNilManifest = errors.New("manifest is nil")
)

// Library owns every preloaded clip for the lifetime of a loaded manifest.
// The clip table is replaced wholesale on reload and individual clips are
// never mutated, so picks are safe to hand out by value.
type Library struct {
	log  *logger.Logger
	pick func(n int) int

	mu    sync.RWMutex
	clips map[string][]wav.Clip
}

// New creates a library using the process-wide random source for picks.
func New(log *logger.Logger) *Library {
	return NewWithPicker(log, rand.Intn)
}

// NewWithPicker creates a library with an injected pick function, which must
// return a value in [0, n). Tests use this for deterministic selection.
func NewWithPicker(log *logger.Logger, pick func(n int) int) *Library {
	return &Library{
		log:   log,
		pick:  pick,
		mu:    sync.RWMutex{},
		clips: map[string][]wav.Clip{},
	}
}

// Preload decodes every validated variant of the manifest into memory and
// swaps the previous clip table out atomically. Variants that fail to read
// or decode are excluded with an error log; a category left empty is
// unavailable until the next reload.
func (l *Library) Preload(m *manifest.Manifest) error {
	if m == nil {
		return ErrNilManifest
	}

	loaded := make(map[string][]wav.Clip, len(m.Categories))
	clipTotal := 0

	for _, name := range m.CategoryNames() {
		category := m.Categories[name]
		clips := make([]wav.Clip, 0, len(category.Variants))

		for _, path := range category.Variants {
			clip, err := loadClip(path)
			if err != nil {
				l.log.Error("Excluding asset %q in category %q: %v", path, name, err)

				continue
			}

			clips = append(clips, clip)
		}

		if len(clips) == 0 {
			l.log.Warn("Category %q preloaded no clips and is unavailable", name)

			continue
		}

		loaded[name] = clips
		clipTotal += len(clips)
	}

	l.mu.Lock()
	l.clips = loaded
	l.mu.Unlock()

	l.log.Info("Preloaded %d clips across %d categories", clipTotal, len(loaded))

	return nil
}

// loadClip reads and decodes one asset file.
func loadClip(path string) (wav.Clip, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return wav.Clip{}, fmt.Errorf("read asset: %w", err)
	}

	clip, err := wav.Decode(raw)
	if err != nil {
		return wav.Clip{}, fmt.Errorf("decode asset: %w", err)
	}

	return clip, nil
}

// Pick selects uniformly at random among the category's loaded clips.
// Constant-time, no I/O.
func (l *Library) Pick(category string) (wav.Clip, error) {
	l.mu.RLock()
	variants := l.clips[category]
	l.mu.RUnlock()

	if len(variants) == 0 {
		return wav.Clip{}, fmt.Errorf("category %q: %w", category, ErrCategoryUnavailable)
	}

	return variants[l.pick(len(variants))], nil
}

// IsAvailable reports whether the category has at least one loaded clip.
func (l *Library) IsAvailable(category string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.clips[category]) > 0
}
