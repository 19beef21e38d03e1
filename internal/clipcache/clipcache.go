// Package clipcache is the persistent, size-bounded cache of synthesized
// narration clips.
//
// The cache fronts a core.Synthesizer: hits are served from disk, misses
// synthesize under a single-flight guard so concurrent requests for the same
// key share one billed call. Total size is bounded by least-recently-used
// eviction. If the backing directory cannot be used, the cache degrades to
// direct synthesis instead of blocking the service.
package clipcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/book-expert/logger"
	"golang.org/x/sync/singleflight"

	"github.com/book-expert/narration-service/internal/core"
)

// Static errors for cache operations.
var (
	// ErrTextLength indicates narration text outside the accepted bounds.
	ErrTextLength = errors.New("narration text length out of range")
	// ErrSynthesisFailed indicates synthesis still failing after the retry.
	ErrSynthesisFailed = errors.New("synthesis failed")
	// ErrCacheUnavailable indicates the backing store could not be opened.
	ErrCacheUnavailable = errors.New("cache backing store unavailable")
)

// Text bounds enforced before any synthesis call.
const (
	minTextRunes = 1
	maxTextRunes = 500
)

// On-disk layout constants.
const (
	wavExtension    = ".wav"
	keyHexLen       = 64
	dirPermissions  = 0o750
	filePermissions = 0o600
)

// Key derives the deterministic cache key for a narration text and voice.
// The key is case- and whitespace-sensitive and doubles as the clip's file
// name stem.
func Key(text, voice string) string {
	digest := sha256.New()
	digest.Write([]byte(voice))
	digest.Write([]byte{0})
	digest.Write([]byte(text))

	return hex.EncodeToString(digest.Sum(nil))
}

// Config carries the cache settings chosen at startup.
type Config struct {
	// Dir is the directory holding cached clips.
	Dir string
	// MaxBytes bounds the total cached size; zero or negative disables
	// eviction.
	MaxBytes int64
	// Voice is the identity baked into every cache key.
	Voice string
	// RetryBackoff is the pause before the single synthesis retry.
	RetryBackoff time.Duration
}

// entry is the in-memory record of one cached clip. Entries form a
// doubly-linked recency list: head is most recent, tail next to evict.
type entry struct {
	key  string
	path string
	size int64
	prev *entry
	next *entry
}

// Cache is safe for concurrent use by simultaneous compositions.
type Cache struct {
	synth   core.Synthesizer
	log     *logger.Logger
	dir     string
	voice   string
	limit   int64
	backoff time.Duration
	initErr error

	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	head    *entry
	tail    *entry
	total   int64
}

// New opens the cache at cfg.Dir, recovering any clips already on disk.
// Construction never fails: when the directory cannot be created or
// scanned, the cache starts in degraded mode, logs that caching is
// disabled, and synthesizes directly on every call.
func New(cfg Config, synth core.Synthesizer, log *logger.Logger) *Cache {
	cache := &Cache{
		synth:   synth,
		log:     log,
		dir:     cfg.Dir,
		voice:   cfg.Voice,
		limit:   cfg.MaxBytes,
		backoff: cfg.RetryBackoff,
		entries: map[string]*entry{},
	}

	err := cache.openStore()
	if err != nil {
		cache.initErr = fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		cache.log.Warn("Clip caching disabled, synthesizing directly: %v", err)
	}

	return cache
}

// Degraded returns the initialization failure when the cache is running
// without persistence, or nil when the backing store is healthy.
func (c *Cache) Degraded() error {
	return c.initErr
}

// GetOrGenerate returns the audio for the narration text, synthesizing and
// caching it on a miss. Under concurrent callers, at most one synthesis call
// runs per key; later callers share its result. A caller that abandons its
// context stops waiting, but the in-flight synthesis completes and still
// populates the cache.
func (c *Cache) GetOrGenerate(ctx context.Context, text string) ([]byte, error) {
	runeCount := utf8.RuneCountInString(text)
	if runeCount < minTextRunes || runeCount > maxTextRunes {
		return nil, fmt.Errorf(
			"text of %d runes outside [%d, %d]: %w",
			runeCount, minTextRunes, maxTextRunes, ErrTextLength,
		)
	}

	key := Key(text, c.voice)

	audio, ok := c.lookup(key)
	if ok {
		return audio, nil
	}

	resultCh := c.flight.DoChan(key, func() (any, error) {
		return c.generate(context.WithoutCancel(ctx), key, text)
	})

	select {
	case result := <-resultCh:
		if result.Err != nil {
			return nil, fmt.Errorf("generate clip: %w", result.Err)
		}

		generated, isBytes := result.Val.([]byte)
		if !isBytes {
			return nil, fmt.Errorf("generate clip: %w", ErrSynthesisFailed)
		}

		return generated, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("abandoned while awaiting synthesis: %w", ctx.Err())
	}
}

// generate runs inside the single-flight group on a cancellation-detached
// context. It rechecks the cache first: an earlier flight for the same key
// may have stored the clip after this caller's lookup missed.
func (c *Cache) generate(ctx context.Context, key, text string) ([]byte, error) {
	audio, ok := c.lookup(key)
	if ok {
		return audio, nil
	}

	audio, err := c.synthesizeWithRetry(ctx, text)
	if err != nil {
		return nil, err
	}

	c.store(key, audio)

	return audio, nil
}

// synthesizeWithRetry calls the backend once, and once more after the
// configured backoff if the first call fails.
func (c *Cache) synthesizeWithRetry(ctx context.Context, text string) ([]byte, error) {
	audio, err := c.synth.Synthesize(ctx, text)
	if err == nil {
		return audio, nil
	}

	c.log.Warn("Synthesis failed, retrying once after %v: %v", c.backoff, err)
	time.Sleep(c.backoff)

	audio, retryErr := c.synth.Synthesize(ctx, text)
	if retryErr != nil {
		return nil, fmt.Errorf("%w after retry: %v", ErrSynthesisFailed, retryErr)
	}

	return audio, nil
}

// lookup serves a hit from disk and refreshes its recency. An entry whose
// file has vanished or turned unreadable is dropped so the caller
// regenerates it.
func (c *Cache) lookup(key string) ([]byte, bool) {
	c.mu.Lock()
	found, ok := c.entries[key]
	if ok {
		c.moveToHead(found)
	}
	c.mu.Unlock()

	if !ok {
		return nil, false
	}

	audio, err := os.ReadFile(found.path)
	if err != nil {
		c.log.Warn("Cached clip %s unreadable, regenerating: %v", key, err)
		c.remove(key)

		return nil, false
	}

	// Recency survives restarts through file mtimes.
	now := time.Now()
	_ = os.Chtimes(found.path, now, now)

	return audio, true
}

// store persists a freshly synthesized clip and records it, evicting old
// entries as needed. Persistence failures only cost future cache hits, so
// they are logged and swallowed.
func (c *Cache) store(key string, audio []byte) {
	if c.initErr != nil {
		return
	}

	path := filepath.Join(c.dir, key+wavExtension)

	err := writeFileAtomic(path, audio)
	if err != nil {
		c.log.Warn("Failed to persist clip %s: %v", key, err)

		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[key]
	if ok {
		c.total += int64(len(audio)) - existing.size
		existing.size = int64(len(audio))
		c.moveToHead(existing)
	} else {
		added := &entry{key: key, path: path, size: int64(len(audio))}
		c.entries[key] = added
		c.addToHead(added)
		c.total += added.size
	}

	c.evictLocked()
}

// remove drops an entry and its file.
func (c *Cache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	found, ok := c.entries[key]
	if !ok {
		return
	}

	c.removeNode(found)
	delete(c.entries, key)
	c.total -= found.size
	_ = os.Remove(found.path)
}

// evictLocked removes least-recently-used entries until the total is back
// under the limit. The limit is strict: even a clip stored moments ago goes
// when it alone exceeds it. Callers hold c.mu.
func (c *Cache) evictLocked() {
	if c.limit <= 0 {
		return
	}

	for c.total > c.limit && c.tail != nil {
		victim := c.tail
		c.removeNode(victim)
		delete(c.entries, victim.key)
		c.total -= victim.size
		_ = os.Remove(victim.path)

		c.log.Info(
			"Evicted clip %s (%d bytes) to stay under the %d byte cache limit",
			victim.key, victim.size, c.limit,
		)
	}
}

// Stats reports the number of cached clips and their total size.
func (c *Cache) Stats() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries), c.total
}

// openStore prepares the cache directory and rebuilds the recency index
// from the clips already on disk, oldest first so mtime order becomes LRU
// order.
func (c *Cache) openStore() error {
	if c.dir == "" {
		return errors.New("cache directory is not configured")
	}

	err := os.MkdirAll(c.dir, dirPermissions)
	if err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	listing, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("scan cache directory: %w", err)
	}

	type recovered struct {
		name    string
		size    int64
		modTime time.Time
	}

	found := make([]recovered, 0, len(listing))

	for _, dirEntry := range listing {
		if dirEntry.IsDir() || !isClipName(dirEntry.Name()) {
			continue
		}

		info, infoErr := dirEntry.Info()
		if infoErr != nil {
			continue
		}

		found = append(found, recovered{
			name:    dirEntry.Name(),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].modTime.Before(found[j].modTime)
	})

	c.mu.Lock()
	for _, clip := range found {
		key := strings.TrimSuffix(clip.name, wavExtension)
		added := &entry{
			key:  key,
			path: filepath.Join(c.dir, clip.name),
			size: clip.size,
		}
		c.entries[key] = added
		c.addToHead(added)
		c.total += added.size
	}

	c.evictLocked()
	recoveredCount := len(c.entries)
	recoveredBytes := c.total
	c.mu.Unlock()

	if recoveredCount > 0 {
		c.log.Info("Recovered %d cached clips (%d bytes) from %s", recoveredCount, recoveredBytes, c.dir)
	}

	return nil
}

// isClipName reports whether a file name matches the cache's key layout.
func isClipName(name string) bool {
	stem, ok := strings.CutSuffix(name, wavExtension)
	if !ok || len(stem) != keyHexLen {
		return false
	}

	_, err := hex.DecodeString(stem)

	return err == nil
}

// writeFileAtomic stages the clip next to its final path and renames it in,
// so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	err := os.WriteFile(tmp, data, filePermissions)
	if err != nil {
		return fmt.Errorf("write temp clip: %w", err)
	}

	err = os.Rename(tmp, path)
	if err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("promote temp clip: %w", err)
	}

	return nil
}

// addToHead links an entry in as most recently used. Callers hold c.mu.
func (c *Cache) addToHead(node *entry) {
	node.prev = nil
	node.next = c.head

	if c.head != nil {
		c.head.prev = node
	}

	c.head = node

	if c.tail == nil {
		c.tail = node
	}
}

// removeNode unlinks an entry from the recency list. Callers hold c.mu.
func (c *Cache) removeNode(node *entry) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}

	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}

	node.prev = nil
	node.next = nil
}

// moveToHead refreshes an entry's recency. Callers hold c.mu.
func (c *Cache) moveToHead(node *entry) {
	if c.head == node {
		return
	}

	c.removeNode(node)
	c.addToHead(node)
}
