// Package config loads the YAML file which describes which extent store and
// metadata backend to run, and where they keep their data.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adammck/extentstore/pkg/api"
	"gopkg.in/yaml.v3"
)

// Environment variables which override the file.
const (
	EnvConfig   = "EXTENT_CONFIG"
	EnvMongoURL = "MONGO_URL"
	EnvBucket   = "S3_BUCKET"
)

// Store kinds.
const (
	StoreFS     = "fs"
	StoreMemory = "memory"
)

// Metadata backends.
const (
	MetadataLocal = "local"
	MetadataSQL   = "sql"
	MetadataMongo = "mongo"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Metadata MetadataConfig `yaml:"metadata"`
	GC       GCConfig       `yaml:"gc"`
	Backup   BackupConfig   `yaml:"backup"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type StoreConfig struct {
	Kind            string            `yaml:"kind"`
	Destinations    []api.Destination `yaml:"destinations"`
	MaxExtentSize   int64             `yaml:"maxExtentSize"`
	ReadConcurrency int               `yaml:"readConcurrency"`
	FDCacheSize     int               `yaml:"fdCacheSize"`

	// Category and MemoryLimit only apply to the memory store.
	Category    string `yaml:"category"`
	MemoryLimit int64  `yaml:"memoryLimit"`
}

type MetadataConfig struct {
	Backend string `yaml:"backend"`

	// Path is where the local backend persists itself. Empty means memory
	// only.
	Path             string        `yaml:"path"`
	AutosaveInterval time.Duration `yaml:"autosaveInterval"`

	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	MongoURL string `yaml:"mongoURL"`
	Database string `yaml:"database"`
}

type GCConfig struct {
	Interval      time.Duration `yaml:"interval"`
	ProtectWindow time.Duration `yaml:"protectWindow"`
}

type BackupConfig struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Concurrency int    `yaml:"concurrency"`
}

// Default returns a config for a single fs destination under dir, with local
// metadata persisted alongside it.
func Default(dir string) *Config {
	return &Config{
		Log: LogConfig{Format: "text", Level: "info"},
		Store: StoreConfig{
			Kind: StoreFS,
			Destinations: []api.Destination{{
				LocationID:     "default",
				Path:           filepath.Join(dir, "extents"),
				MaxConcurrency: 1,
			}},
			Category: "blob",
		},
		Metadata: MetadataConfig{
			Backend: MetadataLocal,
			Path:    filepath.Join(dir, "extents.db"),
		},
		GC: GCConfig{
			Interval:      60 * time.Second,
			ProtectWindow: 10 * time.Minute,
		},
		Backup: BackupConfig{Concurrency: 8},
	}
}

// Load reads the file at path (or $EXTENT_CONFIG, if path is empty) over the
// defaults, then applies the env overrides. If neither is set, the defaults
// are used as they are.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	cfg := Default(".")

	if path != "" {
		expanded, err := expandUserPath(path)
		if err != nil {
			return nil, err
		}

		b, err := os.ReadFile(expanded)
		if err != nil {
			return nil, fmt.Errorf("ReadFile: %w", err)
		}

		if err := Parse(b, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse unmarshals b over cfg, so that anything the YAML omits keeps its
// existing value.
func Parse(b []byte, cfg *Config) error {
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("yaml.Unmarshal: %w", err)
	}

	for i, d := range cfg.Store.Destinations {
		p, err := expandUserPath(d.Path)
		if err != nil {
			return err
		}
		cfg.Store.Destinations[i].Path = p
	}

	p, err := expandUserPath(cfg.Metadata.Path)
	if err != nil {
		return err
	}
	cfg.Metadata.Path = p

	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvMongoURL); v != "" {
		c.Metadata.MongoURL = v
	}

	if v := os.Getenv(EnvBucket); v != "" {
		c.Backup.Bucket = v
	}
}

func (c *Config) Validate() error {
	switch c.Store.Kind {
	case StoreFS:
		if len(c.Store.Destinations) == 0 {
			return fmt.Errorf("store: fs needs at least one destination")
		}
		seen := map[string]bool{}
		for _, d := range c.Store.Destinations {
			if d.LocationID == "" || d.Path == "" {
				return fmt.Errorf("store: destination needs locationId and path: %+v", d)
			}
			if seen[d.LocationID] {
				return fmt.Errorf("store: duplicate destination: %s", d.LocationID)
			}
			seen[d.LocationID] = true
		}

	case StoreMemory:
		if c.Store.Category == "" {
			return fmt.Errorf("store: memory needs a category")
		}

	default:
		return fmt.Errorf("store: unknown kind: %q", c.Store.Kind)
	}

	switch c.Metadata.Backend {
	case MetadataLocal:
	case MetadataSQL:
		if c.Metadata.Driver == "" || c.Metadata.DSN == "" {
			return fmt.Errorf("metadata: sql needs driver and dsn")
		}
	case MetadataMongo:
		if c.Metadata.MongoURL == "" {
			return fmt.Errorf("metadata: mongo needs mongoURL (or %s)", EnvMongoURL)
		}
	default:
		return fmt.Errorf("metadata: unknown backend: %q", c.Metadata.Backend)
	}

	if c.GC.Interval < 0 {
		return fmt.Errorf("gc: negative interval: %s", c.GC.Interval)
	}
	if c.GC.ProtectWindow < 0 {
		return fmt.Errorf("gc: negative protectWindow: %s", c.GC.ProtectWindow)
	}

	if c.Backup.Concurrency < 0 {
		return fmt.Errorf("backup: negative concurrency: %d", c.Backup.Concurrency)
	}
	if c.Backup.Prefix != "" {
		if c.Backup.Bucket == "" {
			return fmt.Errorf("backup: prefix needs a bucket (or %s)", EnvBucket)
		}
		if strings.HasPrefix(c.Backup.Prefix, "/") || strings.HasSuffix(c.Backup.Prefix, "/") {
			return fmt.Errorf("backup: prefix must not start or end with a slash: %q", c.Backup.Prefix)
		}
	}

	return nil
}

func expandUserPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("UserHomeDir: %w", err)
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
