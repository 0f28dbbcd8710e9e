package config

import "github.com/lucasnoah/pkgforge/internal/classify"

// Config is the top-level configuration parsed from pkgforge.yaml or
// pkgforge.toml.
type Config struct {
	Model    ModelConfig    `yaml:"model" toml:"model" validate:"required"`
	Build    BuildConfig    `yaml:"build" toml:"build" validate:"required"`
	Limits   LimitsConfig   `yaml:"limits" toml:"limits"`
	Compare  CompareConfig  `yaml:"compare" toml:"compare"`
	Refine   RefineConfig   `yaml:"refine" toml:"refine"`
	Analysis AnalysisConfig `yaml:"analysis" toml:"analysis"`
	Classify classify.Rules `yaml:"classify" toml:"classify"`
	Storage  StorageConfig  `yaml:"storage" toml:"storage"`
	Prompts  PromptsConfig  `yaml:"prompts" toml:"prompts"`
	Batch    BatchConfig    `yaml:"batch" toml:"batch"`
}

// ModelConfig selects and tunes the model backend.
type ModelConfig struct {
	Provider string `yaml:"provider" toml:"provider" validate:"required,oneof=openai"`
	Name     string `yaml:"name" toml:"name" validate:"required"`
	// BaseURL points at any OpenAI-compatible endpoint.
	BaseURL   string `yaml:"base_url" toml:"base_url" validate:"omitempty,url"`
	APIKeyEnv string `yaml:"api_key_env" toml:"api_key_env"`

	Temperature  float32 `yaml:"temperature" toml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens    int     `yaml:"max_tokens" toml:"max_tokens" validate:"gte=0"`
	MaxToolSteps int     `yaml:"max_tool_steps" toml:"max_tool_steps" validate:"gte=0"`
	// MaxEdits bounds edit-tool calls in one repair; 0 is unlimited.
	MaxEdits int `yaml:"max_edits" toml:"max_edits" validate:"gte=0"`

	InputPerMTok  float64 `yaml:"input_per_mtok" toml:"input_per_mtok" validate:"gte=0"`
	OutputPerMTok float64 `yaml:"output_per_mtok" toml:"output_per_mtok" validate:"gte=0"`

	RequestsPerMinute float64     `yaml:"requests_per_minute" toml:"requests_per_minute" validate:"gte=0"`
	Retry             RetryConfig `yaml:"retry" toml:"retry"`
	Cache             CacheConfig `yaml:"cache" toml:"cache"`
}

// RetryConfig bounds rate-limit retries.
type RetryConfig struct {
	MaxTries        uint   `yaml:"max_tries" toml:"max_tries"`
	InitialInterval string `yaml:"initial_interval" toml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval" toml:"max_interval"`
}

// CacheConfig controls the on-disk response cache.
type CacheConfig struct {
	Disabled bool   `yaml:"disabled" toml:"disabled"`
	Dir      string `yaml:"dir" toml:"dir"`
}

// BuildConfig holds the build commands. Commands are templates; see
// build.Config for the available variables.
type BuildConfig struct {
	Lang           string `yaml:"lang" toml:"lang"`
	Command        string `yaml:"command" toml:"command" validate:"required"`
	CheckCommand   string `yaml:"check_command" toml:"check_command"`
	ManifestFile   string `yaml:"manifest_file" toml:"manifest_file"`
	Timeout        string `yaml:"timeout" toml:"timeout"`
	MaxLogBytes    int    `yaml:"max_log_bytes" toml:"max_log_bytes" validate:"gte=0"`
	WorkDir        string `yaml:"work_dir" toml:"work_dir"`
	IsolateCommand string `yaml:"isolate_command" toml:"isolate_command"`
	// FakeHash replaces a malformed source hash before the next build.
	FakeHash string `yaml:"fake_hash" toml:"fake_hash"`
}

// LimitsConfig bounds the repair loop.
type LimitsConfig struct {
	MaxRounds              int     `yaml:"max_rounds" toml:"max_rounds" validate:"gte=0"`
	MaxCostUSD             float64 `yaml:"max_cost_usd" toml:"max_cost_usd" validate:"gte=0"`
	MaxTokens              int     `yaml:"max_tokens" toml:"max_tokens" validate:"gte=0"`
	TimeLimit              string  `yaml:"time_limit" toml:"time_limit"`
	StagnationLimit        int     `yaml:"stagnation_limit" toml:"stagnation_limit" validate:"gte=0"`
	NoProgressLimit        int     `yaml:"no_progress_limit" toml:"no_progress_limit" validate:"gte=0"`
	GenerationFailureLimit int     `yaml:"generation_failure_limit" toml:"generation_failure_limit" validate:"gte=0"`
	NonBuildErrorLimit     int     `yaml:"non_build_error_limit" toml:"non_build_error_limit" validate:"gte=0"`
	HistorySize            int     `yaml:"history_size" toml:"history_size" validate:"gte=0"`
}

// CompareConfig tunes the log comparator.
type CompareConfig struct {
	// Judge is "deterministic" or "model".
	Judge        string  `yaml:"judge" toml:"judge" validate:"omitempty,oneof=deterministic model"`
	Binary       bool    `yaml:"binary" toml:"binary"`
	FullLogLines int     `yaml:"full_log_lines" toml:"full_log_lines" validate:"gte=0"`
	MaxLines     int     `yaml:"max_lines" toml:"max_lines" validate:"gte=0"`
	ContextLines int     `yaml:"context_lines" toml:"context_lines" validate:"gte=0"`
	Similarity   float64 `yaml:"similarity" toml:"similarity" validate:"gte=0,lte=1"`
}

// RefineConfig bounds the refinement loop.
type RefineConfig struct {
	Disabled       bool    `yaml:"disabled" toml:"disabled"`
	MaxRounds      int     `yaml:"max_rounds" toml:"max_rounds" validate:"gte=0"`
	MaxRegressions int     `yaml:"max_regressions" toml:"max_regressions" validate:"gte=0"`
	MaxEdits       int     `yaml:"max_edits" toml:"max_edits" validate:"gte=0"`
	MaxCostUSD     float64 `yaml:"max_cost_usd" toml:"max_cost_usd" validate:"gte=0"`
	MaxTokens      int     `yaml:"max_tokens" toml:"max_tokens" validate:"gte=0"`
	VerifyScript   string  `yaml:"verify_script" toml:"verify_script"`
	VerifyTimeout  string  `yaml:"verify_timeout" toml:"verify_timeout"`
}

// AnalysisConfig controls the failure analysis run after a stopped session.
type AnalysisConfig struct {
	Disabled bool `yaml:"disabled" toml:"disabled"`
}

// StorageConfig locates the session record and artifacts.
type StorageConfig struct {
	// DB is a SQLite path, a postgres:// URL or a libsql:// URL.
	DB           string `yaml:"db" toml:"db"`
	ArtifactsDir string `yaml:"artifacts_dir" toml:"artifacts_dir"`
}

// PromptsConfig locates prompt overrides.
type PromptsConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// BatchConfig tunes `pkgforge batch`.
type BatchConfig struct {
	Parallel int `yaml:"parallel" toml:"parallel" validate:"gte=0"`
}
