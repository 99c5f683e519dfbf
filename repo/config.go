package repo

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/zvc/manifest"
	"github.com/bobg/zvc/objstore/retry"
)

// Config holds the tunable parameters of a Repository.
// Zero values mean defaults.
type Config struct {
	// Storage describes the object store, for FromConfig.
	// Its "type" entry names a registered backend.
	Storage map[string]interface{} `json:"storage,omitempty"`

	// CacheSize is the number of decoded objects to cache.
	// Negative disables caching.
	CacheSize int `json:"cache_size,omitempty"`

	// InlineThreshold is the size in bytes at or below which
	// chunks are stored in the manifest instead of the chunk store.
	// Negative disables inlining.
	InlineThreshold int `json:"inline_threshold,omitempty"`

	// MaxRebaseAttempts bounds how many times a commit is rebased
	// onto a branch that keeps moving.
	MaxRebaseAttempts int `json:"max_rebase_attempts,omitempty"`

	Retry RetryConfig `json:"retry"`

	// ShardChunks is the target number of chunks per manifest shard.
	ShardChunks int `json:"shard_chunks,omitempty"`

	// Compress, if false, stores structured objects uncompressed.
	Compress *bool `json:"compress,omitempty"`
}

// RetryConfig controls retries of transient object-store failures.
type RetryConfig struct {
	Min      string `json:"min,omitempty"` // a time.Duration string
	Max      string `json:"max,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

const (
	DefaultCacheSize         = 10000
	DefaultInlineThreshold   = 512
	DefaultMaxRebaseAttempts = 10
)

// DefaultConfig produces a Config with every default filled in.
func DefaultConfig() Config {
	compress := true
	return Config{
		CacheSize:         DefaultCacheSize,
		InlineThreshold:   DefaultInlineThreshold,
		MaxRebaseAttempts: DefaultMaxRebaseAttempts,
		Retry: RetryConfig{
			Min:      retry.DefaultMin.String(),
			Max:      retry.DefaultMax.String(),
			Attempts: retry.DefaultAttempts,
		},
		ShardChunks: manifest.DefaultShardChunks,
		Compress:    &compress,
	}
}

// LoadConfig reads a JSON-encoded Config from a file.
func LoadConfig(filename string) (Config, error) {
	var conf Config

	f, err := os.Open(filename)
	if err != nil {
		return conf, errors.Wrapf(err, "opening config file %s", filename)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err = dec.Decode(&conf); err != nil {
		return conf, errors.Wrapf(err, "decoding config file %s", filename)
	}
	return conf, conf.validate()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CacheSize == 0 {
		c.CacheSize = d.CacheSize
	}
	if c.InlineThreshold == 0 {
		c.InlineThreshold = d.InlineThreshold
	}
	if c.MaxRebaseAttempts == 0 {
		c.MaxRebaseAttempts = d.MaxRebaseAttempts
	}
	if c.Retry.Min == "" {
		c.Retry.Min = d.Retry.Min
	}
	if c.Retry.Max == "" {
		c.Retry.Max = d.Retry.Max
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = d.Retry.Attempts
	}
	if c.ShardChunks == 0 {
		c.ShardChunks = d.ShardChunks
	}
	if c.Compress == nil {
		c.Compress = d.Compress
	}
	return c
}

func (c Config) validate() error {
	if c.MaxRebaseAttempts < 0 {
		return errors.New("max_rebase_attempts is negative")
	}
	if c.ShardChunks < 0 {
		return errors.New("shard_chunks is negative")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("retry attempts is negative")
	}
	_, _, err := c.retryBackoff()
	return err
}

func (c Config) retryBackoff() (min, max time.Duration, err error) {
	min, max = retry.DefaultMin, retry.DefaultMax
	if c.Retry.Min != "" {
		if min, err = time.ParseDuration(c.Retry.Min); err != nil {
			return 0, 0, errors.Wrap(err, "parsing retry min")
		}
	}
	if c.Retry.Max != "" {
		if max, err = time.ParseDuration(c.Retry.Max); err != nil {
			return 0, 0, errors.Wrap(err, "parsing retry max")
		}
	}
	if max < min {
		return 0, 0, errors.Errorf("retry max %s is less than min %s", max, min)
	}
	return min, max, nil
}
