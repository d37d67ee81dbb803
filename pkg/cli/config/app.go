package config

import (
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
)

// AppConfig is the TOML tuning file. Everything has a working default;
// the file only overrides knobs.
type AppConfig struct {
	Compaction    CompactionConfig    `toml:"compaction"`
	Consolidation ConsolidationConfig `toml:"consolidation"`
	Sync          SyncConfig          `toml:"sync"`
	Embedding     EmbeddingConfig     `toml:"embedding"`
}

// CompactionConfig tunes the context monitor and rescue extractor
type CompactionConfig struct {
	ContextWindow   int     `toml:"context_window"`
	Threshold       float64 `toml:"threshold"`
	KeepExchanges   int     `toml:"keep_exchanges"`
	RescueThreshold int     `toml:"rescue_threshold"`
}

// Validate checks the compaction section
func (c *CompactionConfig) Validate() error {
	if c.ContextWindow < 0 {
		return goerr.New("context_window must not be negative", goerr.V("value", c.ContextWindow))
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return goerr.New("threshold must be within [0,1]", goerr.V("value", c.Threshold))
	}
	if c.RescueThreshold < 0 || c.RescueThreshold > 10 {
		return goerr.New("rescue_threshold must be within [0,10]", goerr.V("value", c.RescueThreshold))
	}
	return nil
}

// ConsolidationConfig tunes the maintenance worker
type ConsolidationConfig struct {
	Schedule string `toml:"schedule"`
}

// Validate checks the consolidation section
func (c *ConsolidationConfig) Validate() error {
	return nil
}

// SyncConfig tunes the sync engine timers
type SyncConfig struct {
	BatchInterval     string `toml:"batch_interval"`
	ReconcileInterval string `toml:"reconcile_interval"`
	PushDebounce      string `toml:"push_debounce"`
	BufferLimit       int    `toml:"buffer_limit"`
}

// Validate checks the sync section
func (s *SyncConfig) Validate() error {
	for name, v := range map[string]string{
		"batch_interval":     s.BatchInterval,
		"reconcile_interval": s.ReconcileInterval,
		"push_debounce":      s.PushDebounce,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return goerr.Wrap(err, "invalid sync duration", goerr.V("field", name), goerr.V("value", v))
		}
	}
	if s.BufferLimit < 0 {
		return goerr.New("buffer_limit must not be negative", goerr.V("value", s.BufferLimit))
	}
	return nil
}

// Duration returns a parsed duration field, or fallback when unset
func duration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// BatchIntervalOr returns the batch interval or fallback
func (s *SyncConfig) BatchIntervalOr(fallback time.Duration) time.Duration {
	return duration(s.BatchInterval, fallback)
}

// ReconcileIntervalOr returns the reconcile interval or fallback
func (s *SyncConfig) ReconcileIntervalOr(fallback time.Duration) time.Duration {
	return duration(s.ReconcileInterval, fallback)
}

// PushDebounceOr returns the push debounce or fallback
func (s *SyncConfig) PushDebounceOr(fallback time.Duration) time.Duration {
	return duration(s.PushDebounce, fallback)
}

// EmbeddingConfig tunes the embedding cache
type EmbeddingConfig struct {
	CacheSize int    `toml:"cache_size"`
	CacheTTL  string `toml:"cache_ttl"`
}

// CacheTTLOr returns the cache entry lifetime or fallback
func (e *EmbeddingConfig) CacheTTLOr(fallback time.Duration) time.Duration {
	return duration(e.CacheTTL, fallback)
}

// Validate checks the embedding section
func (e *EmbeddingConfig) Validate() error {
	if e.CacheSize < 0 {
		return goerr.New("cache_size must not be negative", goerr.V("value", e.CacheSize))
	}
	if e.CacheTTL != "" {
		if _, err := time.ParseDuration(e.CacheTTL); err != nil {
			return goerr.Wrap(err, "invalid cache_ttl", goerr.V("value", e.CacheTTL))
		}
	}
	return nil
}

// Validate checks the whole config
func (a *AppConfig) Validate() error {
	if err := a.Compaction.Validate(); err != nil {
		return goerr.Wrap(err, "invalid compaction config")
	}
	if err := a.Consolidation.Validate(); err != nil {
		return goerr.Wrap(err, "invalid consolidation config")
	}
	if err := a.Sync.Validate(); err != nil {
		return goerr.Wrap(err, "invalid sync config")
	}
	if err := a.Embedding.Validate(); err != nil {
		return goerr.Wrap(err, "invalid embedding config")
	}
	return nil
}

// LoadAppConfig reads and validates the TOML tuning file. An empty path
// yields the zero config, which means all defaults.
func LoadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
