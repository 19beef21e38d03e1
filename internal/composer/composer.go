// Package composer assembles finished narration audio from static library
// clips and cached dynamic clips, with the legacy fallback path behind it.
package composer

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/narration-service/internal/clipcache"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fallback"
	"github.com/book-expert/narration-service/internal/library"
	"github.com/book-expert/narration-service/internal/wav"
)

// Static clip categories a narration plan can reference. The manifest must
// provide at least one valid variant per category for composition to run.
const (
	CategoryPerfectIntro   = "perfect_intro"
	CategoryNeedsWorkIntro = "needs_work_intro"
	CategoryClosingCheer   = "closing_cheer"
)

// ErrCompositionFailed indicates segment assembly or export failed.
var ErrCompositionFailed = errors.New("narration composition failed")

// segment is one planned narration element: a static category pick when
// category is set, otherwise a dynamic sentence to synthesize.
type segment struct {
	category string
	text     string
}

// planFor maps an outcome to its ordered narration plan.
func planFor(outcome core.Outcome) []segment {
	if outcome.Perfect() {
		return []segment{{category: CategoryPerfectIntro}}
	}

	plan := make([]segment, 0, len(outcome.Errors)+2)
	plan = append(plan, segment{category: CategoryNeedsWorkIntro})

	for _, wordErr := range outcome.Errors {
		plan = append(plan, segment{text: wordErr.Narration()})
	}

	plan = append(plan, segment{category: CategoryClosingCheer})

	return plan
}

// Config holds the composition tunables.
type Config struct {
	// MaxParallel bounds concurrent dynamic synthesis calls per request.
	MaxParallel int
	// TargetDBFS is the loudness every segment is normalized to.
	TargetDBFS float64
}

// Composer builds narration audio per assessment outcome. Failures on the
// composition path route to the fallback generator instead of the caller.
type Composer struct {
	lib         *library.Library
	cache       *clipcache.Cache
	fb          *fallback.Generator
	log         *logger.Logger
	maxParallel int
	targetDBFS  float64
}

// New creates a composer over an already-loaded library, cache, and fallback
// generator.
func New(
	lib *library.Library,
	cache *clipcache.Cache,
	fb *fallback.Generator,
	cfg Config,
	log *logger.Logger,
) *Composer {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}

	return &Composer{
		lib:         lib,
		cache:       cache,
		fb:          fb,
		log:         log,
		maxParallel: cfg.MaxParallel,
		targetDBFS:  cfg.TargetDBFS,
	}
}

// Narrate returns composed feedback audio for the outcome. Any composition
// failure falls back to single-call narration; only a fallback failure is
// returned to the caller.
func (c *Composer) Narrate(ctx context.Context, outcome core.Outcome) (core.Narration, error) {
	audio, err := c.compose(ctx, outcome)
	if err == nil {
		return core.Narration{Audio: audio}, nil
	}

	c.log.Warn("Composition failed, using fallback narration: %v", err)

	narration, err := c.fb.Narrate(ctx, outcome)
	if err != nil {
		return core.Narration{}, fmt.Errorf("fallback narration after failed composition: %w", err)
	}

	return narration, nil
}

func (c *Composer) compose(ctx context.Context, outcome core.Outcome) ([]byte, error) {
	plan := planFor(outcome)

	// Check category availability up front so a missing asset never wastes
	// synthesis calls on segments that cannot be assembled.
	for _, seg := range plan {
		if seg.category != "" && !c.lib.IsAvailable(seg.category) {
			return nil, fmt.Errorf("%w: %s", library.ErrCategoryUnavailable, seg.category)
		}
	}

	clips, err := c.resolve(ctx, plan)
	if err != nil {
		return nil, err
	}

	audio, err := c.assemble(clips)
	if err != nil {
		return nil, err
	}

	return audio, nil
}

// resolve fetches every planned segment as a decoded clip. Static picks are
// in-memory and resolved first; dynamic segments are synthesized
// concurrently, landing at their plan index so output order never depends on
// completion order.
func (c *Composer) resolve(ctx context.Context, plan []segment) ([]wav.Clip, error) {
	clips := make([]wav.Clip, len(plan))

	for i, seg := range plan {
		if seg.category == "" {
			continue
		}

		clip, err := c.lib.Pick(seg.category)
		if err != nil {
			return nil, fmt.Errorf("resolve static segment %d: %w", i, err)
		}

		clips[i] = clip
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.maxParallel)

	for i, seg := range plan {
		if seg.category != "" {
			continue
		}

		group.Go(func() error {
			audio, err := c.cache.GetOrGenerate(groupCtx, seg.text)
			if err != nil {
				return fmt.Errorf("resolve dynamic segment %d: %w", i, err)
			}

			clip, err := wav.Decode(audio)
			if err != nil {
				return fmt.Errorf("decode dynamic segment %d: %w", i, err)
			}

			clips[i] = clip

			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		return nil, err
	}

	return clips, nil
}

// assemble normalizes each clip to the target loudness, joins them in plan
// order, and exports a single WAV buffer.
func (c *Composer) assemble(clips []wav.Clip) ([]byte, error) {
	for i := range clips {
		clips[i] = clips[i].NormalizeTo(c.targetDBFS)
	}

	combined, err := wav.Concat(clips...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompositionFailed, err)
	}

	c.log.Info(
		"Composed narration: %d segments, %.2fs",
		len(clips), combined.Duration().Seconds(),
	)

	return wav.Encode(combined), nil
}
