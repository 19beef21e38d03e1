// Package manifest loads and validates the declarative description of the
// pre-recorded narration assets.
//
// The manifest is a human-editable JSON file naming clip categories and
// their variant recordings. Loading degrades locally: unusable variants are
// excluded with an error log, empty categories are flagged unavailable, and
// only structural problems fail the load.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/book-expert/logger"

	"github.com/book-expert/narration-service/internal/wav"
)

// Static errors for manifest loading.
var (
	// ErrManifestMissing indicates the manifest file does not exist.
	ErrManifestMissing = errors.New("manifest file not found")
	// ErrManifestInvalid indicates a structurally broken manifest.
	ErrManifestInvalid = errors.New("manifest is invalid")
)

const wavExtension = ".wav"

// Category groups the variant recordings sharing one narration intent.
type Category struct {
	// Intent documents when the category is spoken.
	Intent string `json:"intent"`
	// Variants lists recordings, relative to the assets directory.
	// After a successful Load, only usable variants remain and their
	// paths are absolute.
	Variants []string `json:"variants"`
}

// Manifest describes every static narration asset available to the service.
type Manifest struct {
	// Version of the manifest schema.
	Version string `json:"version"`
	// VoiceName is the voice the assets were recorded with.
	VoiceName string `json:"voice_name"`
	// Categories maps category name to its variants.
	Categories map[string]Category `json:"categories"`
}

// Load reads and validates the manifest at manifestPath. Variant references
// are resolved against assetsDir; a variant that escapes the assets
// directory, is missing, or is not a readable WAV file is excluded and
// logged, never fatal. Reload is the caller's explicit action: call Load
// again and hand the result to the clip library.
func Load(manifestPath, assetsDir string, log *logger.Logger) (*Manifest, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestMissing, manifestPath)
		}

		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var parsed Manifest

	err = json.Unmarshal(raw, &parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrManifestInvalid, err)
	}

	if parsed.Categories == nil {
		return nil, fmt.Errorf("%w: categories section is required", ErrManifestInvalid)
	}

	for _, name := range parsed.CategoryNames() {
		category := parsed.Categories[name]
		category.Variants = usableVariants(name, category.Variants, assetsDir, log)

		if len(category.Variants) == 0 {
			log.Warn("Category %q has no usable variants and is unavailable", name)
		}

		parsed.Categories[name] = category
	}

	return &parsed, nil
}

// usableVariants resolves and checks every variant of one category,
// returning the absolute paths of those that can be served.
func usableVariants(category string, variants []string, assetsDir string, log *logger.Logger) []string {
	usable := make([]string, 0, len(variants))

	for _, variant := range variants {
		resolved, err := resolveVariant(variant, assetsDir)
		if err != nil {
			log.Error("Excluding asset %q in category %q: %v", variant, category, err)

			continue
		}

		err = checkReadableWAV(resolved)
		if err != nil {
			log.Error("Excluding asset %q in category %q: %v", variant, category, err)

			continue
		}

		usable = append(usable, resolved)
	}

	return usable
}

// resolveVariant turns a manifest reference into an absolute path contained
// in the assets directory.
func resolveVariant(variant, assetsDir string) (string, error) {
	if variant == "" {
		return "", errors.New("empty variant reference")
	}

	resolved := variant
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(assetsDir, resolved)
	}

	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(assetsDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("reference escapes assets directory %s", assetsDir)
	}

	return resolved, nil
}

// checkReadableWAV confirms the file exists, carries the expected extension,
// and starts with a RIFF/WAVE header. Full decoding happens at preload.
func checkReadableWAV(path string) error {
	if !strings.EqualFold(filepath.Ext(path), wavExtension) {
		return fmt.Errorf("unsupported audio extension %q", filepath.Ext(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat asset: %w", err)
	}

	if !info.Mode().IsRegular() {
		return errors.New("asset is not a regular file")
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open asset: %w", err)
	}
	defer func() { _ = file.Close() }()

	header := make([]byte, wav.HeaderLen)

	_, err = io.ReadFull(file, header)
	if err != nil {
		return fmt.Errorf("read asset header: %w", err)
	}

	if !wav.LooksLikeWAV(header) {
		return errors.New("asset is not a RIFF/WAVE file")
	}

	return nil
}

// Available reports whether the category exists and kept at least one
// usable variant.
func (m *Manifest) Available(category string) bool {
	got, ok := m.Categories[category]

	return ok && len(got.Variants) > 0
}

// CategoryNames returns the declared category names in sorted order.
func (m *Manifest) CategoryNames() []string {
	names := make([]string, 0, len(m.Categories))
	for name := range m.Categories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
