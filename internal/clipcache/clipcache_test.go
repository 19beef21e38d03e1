package clipcache_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/clipcache"
)

var errSynthBackend = errors.New("synthesis backend exploded")

// mockSynthesizer counts calls and can be told to fail or stall.
type mockSynthesizer struct {
	mu         sync.Mutex
	calls      int
	failFirst  int
	alwaysFail bool
	delay      time.Duration
	audio      []byte
}

func (m *mockSynthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()

	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	if m.alwaysFail || call <= m.failFirst {
		return nil, errSynthBackend
	}

	if m.audio != nil {
		return m.audio, nil
	}

	return []byte("audio:" + text), nil
}

func (m *mockSynthesizer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func newTestCache(t *testing.T, mock *mockSynthesizer, maxBytes int64) (*clipcache.Cache, string) {
	t.Helper()

	dir := t.TempDir()
	cache := clipcache.New(clipcache.Config{
		Dir:          dir,
		MaxBytes:     maxBytes,
		Voice:        "Aoede",
		RetryBackoff: time.Millisecond,
	}, mock, newTestLogger(t))
	require.NoError(t, cache.Degraded())

	return cache, dir
}

func TestKeyDeterministicAndSensitive(t *testing.T) {
	t.Parallel()

	assert.Equal(t, clipcache.Key("Word van.", "Aoede"), clipcache.Key("Word van.", "Aoede"))
	assert.NotEqual(t, clipcache.Key("Word van.", "Aoede"), clipcache.Key("word van.", "Aoede"))
	assert.NotEqual(t, clipcache.Key("Word van.", "Aoede"), clipcache.Key("Word van. ", "Aoede"))
	assert.NotEqual(t, clipcache.Key("Word van.", "Aoede"), clipcache.Key("Word van.", "Puck"))
	assert.Len(t, clipcache.Key("Word van.", "Aoede"), 64)
}

func TestGetOrGenerateCachesAudio(t *testing.T) {
	t.Parallel()

	mock := &mockSynthesizer{}
	cache, dir := newTestCache(t, mock, 1<<20)

	first, err := cache.GetOrGenerate(context.Background(), "Word van. Buzz the v.")
	require.NoError(t, err)
	assert.Equal(t, 1, mock.callCount())

	second, err := cache.GetOrGenerate(context.Background(), "Word van. Buzz the v.")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, mock.callCount(), "hit must not synthesize again")

	key := clipcache.Key("Word van. Buzz the v.", "Aoede")
	onDisk, err := os.ReadFile(filepath.Join(dir, key+".wav"))
	require.NoError(t, err)
	assert.Equal(t, first, onDisk)

	entries, total := cache.Stats()
	assert.Equal(t, 1, entries)
	assert.Equal(t, int64(len(first)), total)
}

func TestGetOrGenerateSingleFlight(t *testing.T) {
	t.Parallel()

	mock := &mockSynthesizer{delay: 50 * time.Millisecond}
	cache, _ := newTestCache(t, mock, 1<<20)

	const callers = 20

	var (
		wg       sync.WaitGroup
		resultMu sync.Mutex
		results  [][]byte
	)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			audio, err := cache.GetOrGenerate(context.Background(), "shared narration text")
			assert.NoError(t, err)

			resultMu.Lock()
			results = append(results, audio)
			resultMu.Unlock()
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, mock.callCount(), "concurrent identical keys must share one synthesis call")
	require.Len(t, results, callers)

	for _, audio := range results {
		assert.Equal(t, results[0], audio)
	}
}

func TestGetOrGenerateRetriesOnce(t *testing.T) {
	t.Parallel()

	mock := &mockSynthesizer{failFirst: 1}
	cache, _ := newTestCache(t, mock, 1<<20)

	audio, err := cache.GetOrGenerate(context.Background(), "retry me")
	require.NoError(t, err)
	assert.NotEmpty(t, audio)
	assert.Equal(t, 2, mock.callCount())
}

func TestGetOrGenerateFailsAfterRetry(t *testing.T) {
	t.Parallel()

	mock := &mockSynthesizer{alwaysFail: true}
	cache, _ := newTestCache(t, mock, 1<<20)

	_, err := cache.GetOrGenerate(context.Background(), "always failing")
	require.ErrorIs(t, err, clipcache.ErrSynthesisFailed)
	assert.Equal(t, 2, mock.callCount(), "one retry, then give up")

	entries, _ := cache.Stats()
	assert.Equal(t, 0, entries)
}

func TestGetOrGenerateValidatesTextLength(t *testing.T) {
	t.Parallel()

	mock := &mockSynthesizer{}
	cache, _ := newTestCache(t, mock, 1<<20)

	_, err := cache.GetOrGenerate(context.Background(), "")
	require.ErrorIs(t, err, clipcache.ErrTextLength)

	_, err = cache.GetOrGenerate(context.Background(), strings.Repeat("x", 501))
	require.ErrorIs(t, err, clipcache.ErrTextLength)

	assert.Equal(t, 0, mock.callCount(), "rejected text must never reach synthesis")

	// Bounds are in runes, not bytes: 500 two-byte runes are accepted.
	_, err = cache.GetOrGenerate(context.Background(), strings.Repeat("é", 500))
	require.NoError(t, err)
	assert.Equal(t, 1, mock.callCount())
}

func TestLRUEvictionRespectsRecency(t *testing.T) {
	t.Parallel()

	mock := &mockSynthesizer{audio: []byte(strings.Repeat("a", 100))}
	cache, dir := newTestCache(t, mock, 250)

	_, err := cache.GetOrGenerate(context.Background(), "clip aaa")
	require.NoError(t, err)

	_, err = cache.GetOrGenerate(context.Background(), "clip bbb")
	require.NoError(t, err)

	// Touch aaa so bbb becomes the eviction candidate.
	_, err = cache.GetOrGenerate(context.Background(), "clip aaa")
	require.NoError(t, err)

	_, err = cache.GetOrGenerate(context.Background(), "clip ccc")
	require.NoError(t, err)

	entries, total := cache.Stats()
	assert.Equal(t, 2, entries)
	assert.Equal(t, int64(200), total)
	assert.Equal(t, 3, mock.callCount())

	evictedPath := filepath.Join(dir, clipcache.Key("clip bbb", "Aoede")+".wav")
	_, statErr := os.Stat(evictedPath)
	assert.True(t, os.IsNotExist(statErr), "least recently used clip must leave the disk")

	// The evicted key misses. Re-storing it pushes the total over the
	// limit again, which evicts aaa and leaves ccc as a hit.
	_, err = cache.GetOrGenerate(context.Background(), "clip bbb")
	require.NoError(t, err)
	assert.Equal(t, 4, mock.callCount())

	_, err = cache.GetOrGenerate(context.Background(), "clip ccc")
	require.NoError(t, err)
	assert.Equal(t, 4, mock.callCount())
}

func TestDegradedModeSynthesizesDirectly(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("a file, not a directory"), 0o600))

	mock := &mockSynthesizer{}
	cache := clipcache.New(clipcache.Config{
		Dir:          filepath.Join(blocker, "cache"),
		MaxBytes:     1 << 20,
		Voice:        "Aoede",
		RetryBackoff: time.Millisecond,
	}, mock, newTestLogger(t))

	require.ErrorIs(t, cache.Degraded(), clipcache.ErrCacheUnavailable)

	first, err := cache.GetOrGenerate(context.Background(), "degraded text")
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	_, err = cache.GetOrGenerate(context.Background(), "degraded text")
	require.NoError(t, err)
	assert.Equal(t, 2, mock.callCount(), "degraded mode never serves hits")

	entries, total := cache.Stats()
	assert.Equal(t, 0, entries)
	assert.Equal(t, int64(0), total)
}

func TestStartupRecoversExistingClips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	text := "Word van. Buzz the v."
	want := []byte("recovered-audio-bytes")

	key := clipcache.Key(text, "Aoede")
	require.NoError(t, os.WriteFile(filepath.Join(dir, key+".wav"), want, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("not a clip"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notakey.wav"), []byte("also not a clip"), 0o600))

	mock := &mockSynthesizer{}
	cache := clipcache.New(clipcache.Config{
		Dir:          dir,
		MaxBytes:     1 << 20,
		Voice:        "Aoede",
		RetryBackoff: time.Millisecond,
	}, mock, newTestLogger(t))
	require.NoError(t, cache.Degraded())

	entries, total := cache.Stats()
	assert.Equal(t, 1, entries)
	assert.Equal(t, int64(len(want)), total)

	audio, err := cache.GetOrGenerate(context.Background(), text)
	require.NoError(t, err)
	assert.Equal(t, want, audio)
	assert.Equal(t, 0, mock.callCount(), "recovered clips serve hits without synthesis")
}

func TestStartupEvictsOverLimit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	oldKey := clipcache.Key("old clip", "Aoede")
	newKey := clipcache.Key("new clip", "Aoede")

	oldPath := filepath.Join(dir, oldKey+".wav")
	newPath := filepath.Join(dir, newKey+".wav")
	require.NoError(t, os.WriteFile(oldPath, []byte(strings.Repeat("o", 100)), 0o600))
	require.NoError(t, os.WriteFile(newPath, []byte(strings.Repeat("n", 100)), 0o600))

	now := time.Now()
	require.NoError(t, os.Chtimes(oldPath, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(newPath, now.Add(-time.Hour), now.Add(-time.Hour)))

	cache := clipcache.New(clipcache.Config{
		Dir:          dir,
		MaxBytes:     150,
		Voice:        "Aoede",
		RetryBackoff: time.Millisecond,
	}, &mockSynthesizer{}, newTestLogger(t))
	require.NoError(t, cache.Degraded())

	entries, total := cache.Stats()
	assert.Equal(t, 1, entries)
	assert.Equal(t, int64(100), total)

	_, statErr := os.Stat(oldPath)
	assert.True(t, os.IsNotExist(statErr), "oldest recovered clip must be evicted first")

	_, statErr = os.Stat(newPath)
	assert.NoError(t, statErr)
}

func TestAbandonedCallerStillWarmsCache(t *testing.T) {
	t.Parallel()

	mock := &mockSynthesizer{delay: 100 * time.Millisecond}
	cache, _ := newTestCache(t, mock, 1<<20)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := cache.GetOrGenerate(ctx, "abandoned narration")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Let the detached flight finish and populate the cache.
	time.Sleep(300 * time.Millisecond)

	audio, err := cache.GetOrGenerate(context.Background(), "abandoned narration")
	require.NoError(t, err)
	assert.NotEmpty(t, audio)
	assert.Equal(t, 1, mock.callCount(), "the abandoned flight's result must be reused")
}
