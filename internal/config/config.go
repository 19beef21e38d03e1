// Package config provides the configuration structure for the
// narration-service.
package config

import (
	"fmt"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
)

// Defaults applied to values the TOML omits.
const (
	defaultEngine         = "http"
	defaultLanguage       = "en"
	defaultTemperature    = 0.7
	defaultTimeoutSeconds = 30
	defaultRetryBackoffMS = 250
	defaultCacheSizeMB    = 64
	defaultWorkers        = 4
	defaultMaxParallel    = 2
	defaultTargetDBFS     = -20.0

	bytesPerMB = 1 << 20
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                        string `toml:"url"`
	FeedbackStreamName         string `toml:"feedback_stream_name"`
	FeedbackConsumerName       string `toml:"feedback_consumer_name"`
	AssessmentCompletedSubject string `toml:"assessment_completed_subject"`
	NarrationCreatedSubject    string `toml:"narration_created_subject"`
	ManifestReloadSubject      string `toml:"manifest_reload_subject"`
	AudioObjectStoreBucket     string `toml:"audio_object_store_bucket"`
}

// SynthesisConfig selects and tunes the speech synthesis engine. ServiceURL
// applies to the http engine; the binary and model paths apply to chatllm.
type SynthesisConfig struct {
	Engine         string  `toml:"engine"`
	ServiceURL     string  `toml:"service_url"`
	BinaryPath     string  `toml:"binary_path"`
	ModelPath      string  `toml:"model_path"`
	SnacModelPath  string  `toml:"snac_model_path"`
	Voice          string  `toml:"voice"`
	StylePrompt    string  `toml:"style_prompt"`
	Language       string  `toml:"language"`
	Temperature    float64 `toml:"temperature"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
	RetryBackoffMS int     `toml:"retry_backoff_ms"`
}

// Timeout returns the per-request synthesis timeout.
func (s SynthesisConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RetryBackoff returns the pause before the single synthesis retry.
func (s SynthesisConfig) RetryBackoff() time.Duration {
	return time.Duration(s.RetryBackoffMS) * time.Millisecond
}

// AssetsConfig locates the static narration assets.
type AssetsConfig struct {
	ManifestPath string `toml:"manifest_path"`
	AssetsDir    string `toml:"assets_dir"`
}

// CacheConfig controls the persistent dynamic clip cache. A negative size
// limit disables eviction.
type CacheConfig struct {
	Dir         string `toml:"dir"`
	SizeLimitMB int64  `toml:"size_limit_mb"`
}

// MaxBytes returns the cache size limit in bytes.
func (c CacheConfig) MaxBytes() int64 {
	return c.SizeLimitMB * bytesPerMB
}

// NarrationConfig tunes composition behavior. The composer is off unless
// enabled explicitly; the service then narrates through the fallback path
// only.
type NarrationConfig struct {
	ComposerEnabled bool    `toml:"composer_enabled"`
	Workers         int     `toml:"workers"`
	MaxParallel     int     `toml:"max_parallel_synthesis"`
	TargetDBFS      float64 `toml:"target_dbfs"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Assets    AssetsConfig    `toml:"assets"`
	Cache     CacheConfig     `toml:"cache"`
	Narration NarrationConfig `toml:"narration"`
	Paths     PathsConfig     `toml:"paths"`
}

// ApplyDefaults fills omitted values with production defaults. A target
// loudness of 0 dBFS is full scale and never a sane target, so zero means
// unset here.
func (c *Config) ApplyDefaults() {
	if c.Synthesis.Engine == "" {
		c.Synthesis.Engine = defaultEngine
	}

	if c.Synthesis.Language == "" {
		c.Synthesis.Language = defaultLanguage
	}

	if c.Synthesis.Temperature <= 0 {
		c.Synthesis.Temperature = defaultTemperature
	}

	if c.Synthesis.TimeoutSeconds <= 0 {
		c.Synthesis.TimeoutSeconds = defaultTimeoutSeconds
	}

	if c.Synthesis.RetryBackoffMS <= 0 {
		c.Synthesis.RetryBackoffMS = defaultRetryBackoffMS
	}

	if c.Cache.SizeLimitMB == 0 {
		c.Cache.SizeLimitMB = defaultCacheSizeMB
	}

	if c.Narration.Workers <= 0 {
		c.Narration.Workers = defaultWorkers
	}

	if c.Narration.MaxParallel <= 0 {
		c.Narration.MaxParallel = defaultMaxParallel
	}

	if c.Narration.TargetDBFS == 0 {
		c.Narration.TargetDBFS = defaultTargetDBFS
	}
}

// Load loads the configuration for the narration-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}
