// Package config loads the optional .repoindex.yaml project file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phobologic/repoindex/internal/discover"
	"github.com/phobologic/repoindex/internal/lang"
	"github.com/phobologic/repoindex/internal/partition"
)

// FileName is the project config file looked up in the repository root.
const FileName = ".repoindex.yaml"

// DefaultMaxFileSize skips generated or vendored blobs.
const DefaultMaxFileSize = 1_000_000 // 1 MB

// Config is the project configuration. Zero values in the file fall back
// to Default.
type Config struct {
	IndexDir     string           `yaml:"index_dir"`
	Partition    partition.Config `yaml:"partition"`
	Languages    []string         `yaml:"languages"`
	Include      []string         `yaml:"include"`
	Exclude      []string         `yaml:"exclude"`
	CriticalDocs []string         `yaml:"critical_docs"`
	MaxFileSize  int64            `yaml:"max_file_size"`
	Workers      int              `yaml:"workers"`
	VCS          VCS              `yaml:"vcs"`
	Backups      Backups          `yaml:"backups"`
	Watch        Watch            `yaml:"watch"`
	Loader       Loader           `yaml:"loader"`
}

// VCS configures change detection.
type VCS struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Backups configures backup retention.
type Backups struct {
	Keep int `yaml:"keep"`
}

// Watch configures watch mode.
type Watch struct {
	Debounce time.Duration `yaml:"debounce"`
}

// Loader configures the read side.
type Loader struct {
	CacheSize int `yaml:"cache_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		IndexDir:     ".repoindex",
		Partition:    partition.DefaultConfig(),
		CriticalDocs: []string{"README*", "CLAUDE.md", "AGENTS.md", "ARCHITECTURE.md", "docs/**/*.md"},
		MaxFileSize:  DefaultMaxFileSize,
		VCS:          VCS{Timeout: 10 * time.Second},
		Backups:      Backups{Keep: 5},
		Watch:        Watch{Debounce: 500 * time.Millisecond},
		Loader:       Loader{CacheSize: 64},
	}
}

// Load reads the config at path. A missing file yields the defaults unless
// required is set.
func Load(path string, required bool) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadForRoot loads FileName from root when it exists.
func LoadForRoot(root string) (Config, error) {
	return Load(filepath.Join(root, FileName), false)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.IndexDir == "" {
		c.IndexDir = def.IndexDir
	}
	if c.Partition.Depth == 0 {
		c.Partition.Depth = def.Partition.Depth
	}
	if c.Partition.SplitThreshold == 0 {
		c.Partition.SplitThreshold = def.Partition.SplitThreshold
	}
	if c.Partition.MaxDepth == 0 {
		c.Partition.MaxDepth = max(def.Partition.MaxDepth, c.Partition.Depth)
	}
	if c.CriticalDocs == nil {
		c.CriticalDocs = def.CriticalDocs
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = def.MaxFileSize
	}
	if c.VCS.Timeout == 0 {
		c.VCS.Timeout = def.VCS.Timeout
	}
	if c.Backups.Keep == 0 {
		c.Backups.Keep = def.Backups.Keep
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = def.Watch.Debounce
	}
	if c.Loader.CacheSize == 0 {
		c.Loader.CacheSize = def.Loader.CacheSize
	}
}

// Validate rejects values the tool cannot work with.
func (c Config) Validate() error {
	var errs []error
	if filepath.IsAbs(c.IndexDir) {
		errs = append(errs, fmt.Errorf("index_dir must be relative to the project root, got %q", c.IndexDir))
	}
	if err := c.Partition.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, l := range c.Languages {
		if _, ok := lang.Languages[l]; !ok {
			errs = append(errs, fmt.Errorf("unsupported language %q (supported: %v)", l, lang.Names()))
		}
	}
	for _, globs := range [][]string{c.Include, c.Exclude, c.CriticalDocs} {
		if err := discover.ValidateGlobs(globs); err != nil {
			errs = append(errs, err)
		}
	}
	if c.MaxFileSize < 0 {
		errs = append(errs, fmt.Errorf("max_file_size must not be negative"))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative"))
	}
	if c.VCS.Timeout < 0 || c.Watch.Debounce < 0 {
		errs = append(errs, fmt.Errorf("durations must not be negative"))
	}
	if c.Backups.Keep < 0 {
		errs = append(errs, fmt.Errorf("backups.keep must not be negative"))
	}
	if c.Loader.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("loader.cache_size must not be negative"))
	}
	return errors.Join(errs...)
}

// DiscoverOptions returns the file discovery settings.
func (c Config) DiscoverOptions() discover.Options {
	return discover.Options{
		Languages:   c.Languages,
		Include:     c.Include,
		Exclude:     c.Exclude,
		MaxFileSize: c.MaxFileSize,
		IndexDir:    c.IndexDir,
	}
}
