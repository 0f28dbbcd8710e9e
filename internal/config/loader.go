package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file. Files ending in .toml are parsed as
// TOML, anything else as YAML. Defaults are applied after parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config TOML: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// SearchPaths returns the locations LoadDefault tries, in order.
func SearchPaths() []string {
	paths := []string{"pkgforge.yaml", "pkgforge.yml", "pkgforge.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".pkgforge", "config.yaml"),
			filepath.Join(home, ".pkgforge", "config.toml"),
		)
	}
	return paths
}

// LoadDefault loads the first config found in SearchPaths, or the built-in
// defaults when there is none.
func LoadDefault() (*Config, error) {
	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// LoadEnv loads KEY=value pairs from a .env file into the environment
// without overriding variables that are already set. A missing file is
// not an error.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

const (
	defaultBuildCommand = "nix-build --no-out-link -E 'with import <nixpkgs> {}; callPackage {{manifest_path}} {}'"
	defaultCheckCommand = "nix-instantiate --parse {{manifest_path}} > /dev/null"
)

// applyDefaults fills every unset field that has a sensible default.
func applyDefaults(cfg *Config) {
	m := &cfg.Model
	if m.Provider == "" {
		m.Provider = "openai"
	}
	if m.Name == "" {
		m.Name = "gpt-4o"
	}
	if m.APIKeyEnv == "" {
		m.APIKeyEnv = "OPENAI_API_KEY"
	}
	if m.MaxToolSteps == 0 {
		m.MaxToolSteps = 8
	}
	if m.Retry.MaxTries == 0 {
		m.Retry.MaxTries = 5
	}
	if m.Retry.InitialInterval == "" {
		m.Retry.InitialInterval = "2s"
	}
	if m.Retry.MaxInterval == "" {
		m.Retry.MaxInterval = "1m"
	}
	if m.Cache.Dir == "" {
		m.Cache.Dir = filepath.Join(homeDir(), "cache")
	}

	b := &cfg.Build
	if b.Lang == "" {
		b.Lang = "nix"
	}
	if b.Command == "" {
		b.Command = defaultBuildCommand
		if b.CheckCommand == "" {
			b.CheckCommand = defaultCheckCommand
		}
	}
	if b.ManifestFile == "" {
		b.ManifestFile = "package.nix"
	}
	if b.Timeout == "" {
		b.Timeout = "20m"
	}

	l := &cfg.Limits
	if l.MaxRounds == 0 {
		l.MaxRounds = 40
	}
	if l.StagnationLimit == 0 {
		l.StagnationLimit = 3
	}
	if l.NoProgressLimit == 0 {
		l.NoProgressLimit = 10
	}
	if l.GenerationFailureLimit == 0 {
		l.GenerationFailureLimit = 3
	}
	if l.NonBuildErrorLimit == 0 {
		l.NonBuildErrorLimit = 5
	}
	if l.HistorySize == 0 {
		l.HistorySize = 10
	}

	c := &cfg.Compare
	if c.Judge == "" {
		c.Judge = "deterministic"
	}
	if c.FullLogLines == 0 {
		c.FullLogLines = 100
	}
	if c.MaxLines == 0 {
		c.MaxLines = 240
	}
	if c.ContextLines == 0 {
		c.ContextLines = 20
	}
	if c.Similarity == 0 {
		c.Similarity = 0.9
	}

	r := &cfg.Refine
	if r.MaxRounds == 0 {
		r.MaxRounds = 5
	}
	if r.MaxRegressions == 0 {
		r.MaxRegressions = 2
	}
	if r.MaxEdits == 0 {
		r.MaxEdits = 8
	}
	if r.VerifyTimeout == "" {
		r.VerifyTimeout = "2m"
	}

	cfg.Classify = cfg.Classify.Merge()

	s := &cfg.Storage
	if s.DB == "" {
		s.DB = filepath.Join(homeDir(), "pkgforge.db")
	}
	if s.ArtifactsDir == "" {
		s.ArtifactsDir = filepath.Join(homeDir(), "sessions")
	}
	if cfg.Prompts.Dir == "" {
		cfg.Prompts.Dir = filepath.Join(homeDir(), "prompts")
	}
	if cfg.Batch.Parallel == 0 {
		cfg.Batch.Parallel = 2
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pkgforge"
	}
	return filepath.Join(home, ".pkgforge")
}

// Duration parses a duration field, returning def when s is empty.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// APIKey returns the model API key from the configured environment variable.
func (m ModelConfig) APIKey() string {
	return os.Getenv(m.APIKeyEnv)
}
