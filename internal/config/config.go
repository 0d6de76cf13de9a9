// Package config loads and validates writer configuration. Config comes from
// a YAML file plus flag/env overrides; validation runs once before any I/O.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Placeholder is the rotation marker in key patterns, replaced by the
// zero-padded shard index.
const Placeholder = "##"

// Validation errors. Any error returned by Validate is fatal: the writer is
// never constructed.
var (
	ErrAppendAndOverwrite = errors.New("append and overwrite cannot both be true")
	ErrMissingFolder      = errors.New("folder is required")
	ErrMissingBucket      = errors.New("bucket is required when local is false")
	ErrMissingPattern     = errors.New("key pattern is required")
	ErrNoPlaceholder      = errors.New("key pattern must contain the ## placeholder")
	ErrBadExtension       = errors.New("unsupported file extension")
	ErrBadShardSize       = errors.New("max items per shard must be at least 1")
	ErrAppendRemote       = errors.New("append is not supported for a remote target")
	ErrAppendCompress     = errors.New("append is not supported with compression")
)

// Config holds the writer configuration. Immutable after Validate.
type Config struct {
	Local            bool   `yaml:"local"`
	Folder           string `yaml:"folder"`
	Bucket           string `yaml:"bucket"`
	KeyPattern       string `yaml:"key_pattern"`
	FileExtension    string `yaml:"file_extension"`
	MaxItemsPerShard int    `yaml:"max_items_per_shard"`
	Append           bool   `yaml:"append"`
	Overwrite        bool   `yaml:"overwrite"`
	LazyOpen         bool   `yaml:"lazy_open"`
	MkdirRecursive   bool   `yaml:"mkdir_recursive"`
	Compress         bool   `yaml:"compress"`
	JournalPath      string `yaml:"journal_path"`
	Verbose          bool   `yaml:"verbose"`
	Debug            bool   `yaml:"debug"`

	// Remote-only settings, passed through to the S3 client.
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	// Schema validates each item before serialization. A nil Schema accepts
	// everything. Not loadable from YAML; set by the caller.
	Schema func(v any) error `yaml:"-"`
}

type rawConfig struct {
	Local            *bool  `yaml:"local"`
	Folder           string `yaml:"folder"`
	Bucket           string `yaml:"bucket"`
	KeyPattern       string `yaml:"key_pattern"`
	FileExtension    string `yaml:"file_extension"`
	MaxItemsPerShard int    `yaml:"max_items_per_shard"`
	Append           bool   `yaml:"append"`
	Overwrite        bool   `yaml:"overwrite"`
	LazyOpen         *bool  `yaml:"lazy_open"`
	MkdirRecursive   bool   `yaml:"mkdir_recursive"`
	Compress         bool   `yaml:"compress"`
	JournalPath      string `yaml:"journal_path"`
	Verbose          bool   `yaml:"verbose"`
	Debug            bool   `yaml:"debug"`
	Region           string `yaml:"region"`
	Endpoint         string `yaml:"endpoint"`
	PathStyle        bool   `yaml:"path_style"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
}

// Default returns the built-in defaults: local target, JSON extension,
// lazy open, one thousand items per shard.
func Default() Config {
	return Config{
		Local:            true,
		KeyPattern:       "shard_" + Placeholder,
		FileExtension:    "json",
		MaxItemsPerShard: 1000,
		LazyOpen:         true,
		Region:           "us-east-1",
	}
}

// Load reads config from path, layered over Default. A missing file keeps the
// defaults. Env overrides: ARRAYSINK_FOLDER, ARRAYSINK_BUCKET,
// ARRAYSINK_JOURNAL, ARRAYSINK_VERBOSE.
func Load(path string) (Config, error) {
	c := Default()

	b, err := os.ReadFile(path)
	if err == nil {
		var raw rawConfig
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
		if raw.Local != nil {
			c.Local = *raw.Local
		}
		if raw.Folder != "" {
			c.Folder = raw.Folder
		}
		if raw.Bucket != "" {
			c.Bucket = raw.Bucket
		}
		if raw.KeyPattern != "" {
			c.KeyPattern = raw.KeyPattern
		}
		if raw.FileExtension != "" {
			c.FileExtension = raw.FileExtension
		}
		if raw.MaxItemsPerShard > 0 {
			c.MaxItemsPerShard = raw.MaxItemsPerShard
		}
		c.Append = raw.Append
		c.Overwrite = raw.Overwrite
		if raw.LazyOpen != nil {
			c.LazyOpen = *raw.LazyOpen
		}
		c.MkdirRecursive = raw.MkdirRecursive
		c.Compress = raw.Compress
		if raw.JournalPath != "" {
			c.JournalPath = raw.JournalPath
		}
		c.Verbose = raw.Verbose
		c.Debug = raw.Debug
		if raw.Region != "" {
			c.Region = raw.Region
		}
		if raw.Endpoint != "" {
			c.Endpoint = raw.Endpoint
		}
		c.PathStyle = raw.PathStyle
		if raw.AccessKey != "" {
			c.AccessKey = raw.AccessKey
		}
		if raw.SecretKey != "" {
			c.SecretKey = raw.SecretKey
		}
	} else if !os.IsNotExist(err) {
		return c, err
	}

	// Env overrides
	if v := os.Getenv("ARRAYSINK_FOLDER"); v != "" {
		c.Folder = v
	}
	if v := os.Getenv("ARRAYSINK_BUCKET"); v != "" {
		c.Bucket = v
		c.Local = false
	}
	if v := os.Getenv("ARRAYSINK_JOURNAL"); v != "" {
		c.JournalPath = v
	}
	if v := os.Getenv("ARRAYSINK_VERBOSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Verbose = b
		}
	}

	return c, nil
}

// Validate checks c and returns a normalized copy. It runs synchronously,
// performs no I/O, and must succeed before a writer is constructed.
func Validate(c Config) (Config, error) {
	if c.Append && c.Overwrite {
		return c, ErrAppendAndOverwrite
	}
	if c.Local && c.Folder == "" {
		return c, ErrMissingFolder
	}
	if !c.Local && c.Bucket == "" {
		return c, ErrMissingBucket
	}
	if c.MaxItemsPerShard < 1 {
		return c, ErrBadShardSize
	}
	if c.FileExtension == "" {
		c.FileExtension = "json"
	}
	if c.FileExtension != "json" {
		return c, fmt.Errorf("%w: %q", ErrBadExtension, c.FileExtension)
	}
	if c.KeyPattern == "" {
		return c, ErrMissingPattern
	}
	// Trim a duplicate trailing extension; the generator appends it.
	c.KeyPattern = strings.TrimSuffix(c.KeyPattern, "."+c.FileExtension)
	if !strings.Contains(c.KeyPattern, Placeholder) {
		return c, ErrNoPlaceholder
	}
	if c.Append && !c.Local {
		return c, ErrAppendRemote
	}
	if c.Append && c.Compress {
		return c, ErrAppendCompress
	}
	return c, nil
}

// Extension returns the full extension appended to resolved keys,
// including the compression suffix.
func (c Config) Extension() string {
	if c.Compress {
		return c.FileExtension + ".zst"
	}
	return c.FileExtension
}
