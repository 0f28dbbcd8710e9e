package session

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/pkgforge/internal/build"
	"github.com/lucasnoah/pkgforge/internal/classify"
	"github.com/lucasnoah/pkgforge/internal/config"
	"github.com/lucasnoah/pkgforge/internal/db"
	"github.com/lucasnoah/pkgforge/internal/generate"
	"github.com/lucasnoah/pkgforge/internal/iterate"
	"github.com/lucasnoah/pkgforge/internal/logdiff"
	"github.com/lucasnoah/pkgforge/internal/model"
	"github.com/lucasnoah/pkgforge/internal/refine"
	"github.com/lucasnoah/pkgforge/internal/store"
)

// components are the per-session collaborators built from the config.
type components struct {
	backend      model.Backend
	exec         *build.Executor
	gen          *generate.Generator
	cmp          *logdiff.Comparator
	limits       iterate.Limits
	refineLimits refine.Limits
}

func (s *Session) components(t Target) (*components, error) {
	cfg := s.cfg
	classifier, err := classify.New(cfg.Classify.Merge())
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	timeout, err := config.Duration(cfg.Build.Timeout, 20*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("build.timeout: %w", err)
	}
	verifyTimeout, err := config.Duration(cfg.Refine.VerifyTimeout, 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("refine.verify_timeout: %w", err)
	}
	timeLimit, err := config.Duration(cfg.Limits.TimeLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("limits.time_limit: %w", err)
	}

	// every model call of the session goes through the meter
	backend := model.NewMetered(s.deps.Backend, s.meter)

	exec := build.NewExecutor(s.deps.Runner, s.deps.Sandbox, classifier, build.Config{
		Command:        cfg.Build.Command,
		CheckCommand:   cfg.Build.CheckCommand,
		ManifestFile:   cfg.Build.ManifestFile,
		Timeout:        timeout,
		MaxLogBytes:    cfg.Build.MaxLogBytes,
		Subject:        t.Subject,
		IsolateCommand: cfg.Build.IsolateCommand,
		VerifyTimeout:  verifyTimeout,
	}, s.logger)
	exec.SetProgress(s.progress)

	gen := generate.New(backend, s.deps.Prompts, classifier, generate.Config{
		Lang:         cfg.Build.Lang,
		MaxToolSteps: cfg.Model.MaxToolSteps,
		MaxEdits:     cfg.Model.MaxEdits,
		Temperature:  cfg.Model.Temperature,
		MaxTokens:    cfg.Model.MaxTokens,
		FakeHash:     cfg.Build.FakeHash,
	}, s.logger)

	opts := logdiff.DefaultOptions()
	if cfg.Compare.FullLogLines > 0 {
		opts.FullLogLines = cfg.Compare.FullLogLines
	}
	if cfg.Compare.MaxLines > 0 {
		opts.MaxLines = cfg.Compare.MaxLines
	}
	if cfg.Compare.ContextLines > 0 {
		opts.ContextLines = cfg.Compare.ContextLines
	}
	if cfg.Compare.Similarity > 0 {
		opts.Similarity = cfg.Compare.Similarity
	}
	cmp := logdiff.New(classifier, opts, s.logger)
	if cfg.Compare.Judge == "model" {
		cmp = cmp.WithJudge(logdiff.NewModelJudge(backend, s.deps.Prompts, cfg.Compare.Binary))
	}

	return &components{
		backend: backend,
		exec:    exec,
		gen:     gen,
		cmp:     cmp,
		limits: iterate.Limits{
			MaxRounds:              cfg.Limits.MaxRounds,
			MaxCostUSD:             cfg.Limits.MaxCostUSD,
			MaxTokens:              cfg.Limits.MaxTokens,
			TimeLimit:              timeLimit,
			StagnationLimit:        cfg.Limits.StagnationLimit,
			NoProgressLimit:        cfg.Limits.NoProgressLimit,
			GenerationFailureLimit: cfg.Limits.GenerationFailureLimit,
			NonBuildErrorLimit:     cfg.Limits.NonBuildErrorLimit,
			HistorySize:            cfg.Limits.HistorySize,
		},
		refineLimits: refine.Limits{
			MaxRounds:      cfg.Refine.MaxRounds,
			MaxRegressions: cfg.Refine.MaxRegressions,
			MaxCostUSD:     cfg.Refine.MaxCostUSD,
			MaxTokens:      cfg.Refine.MaxTokens,
		},
	}, nil
}

// NewBackend builds the shared model chain: the OpenAI client behind rate
// pacing and retries, with the response cache in front. The returned close
// function releases the cache.
func NewBackend(cfg *config.Config, logger *slog.Logger) (model.Backend, func() error, error) {
	m := cfg.Model
	client, err := model.NewOpenAI(model.OpenAIConfig{
		APIKey:  m.APIKey(),
		BaseURL: m.BaseURL,
		Model:   m.Name,
		Pricing: model.Pricing{InputPerMTok: m.InputPerMTok, OutputPerMTok: m.OutputPerMTok},
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	initial, err := config.Duration(m.Retry.InitialInterval, 2*time.Second)
	if err != nil {
		return nil, nil, fmt.Errorf("model.retry.initial_interval: %w", err)
	}
	maxInterval, err := config.Duration(m.Retry.MaxInterval, time.Minute)
	if err != nil {
		return nil, nil, fmt.Errorf("model.retry.max_interval: %w", err)
	}

	var backend model.Backend = client
	if m.RequestsPerMinute > 0 {
		backend = model.NewLimited(backend, m.RequestsPerMinute, 1)
	}
	backend = model.NewRetrying(backend, model.RetryConfig{
		MaxTries:        m.Retry.MaxTries,
		InitialInterval: initial,
		MaxInterval:     maxInterval,
	}, logger)

	closeFn := func() error { return nil }
	if !m.Cache.Disabled {
		cache, err := model.OpenCache(model.CacheConfig{Dir: m.Cache.Dir, Namespace: m.Name}, logger)
		if err != nil {
			return nil, nil, err
		}
		backend = model.NewCached(backend, cache, m.Name, logger)
		closeFn = cache.Close
	}
	return backend, closeFn, nil
}

// OpenStorage opens and migrates the session record and the artifact store.
func OpenStorage(cfg *config.Config) (*db.DB, *store.Store, error) {
	database, err := db.Open(cfg.Storage.DB)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, store.New(cfg.Storage.ArtifactsDir), nil
}

// configSnapshot is the config as recorded with the session.
func configSnapshot(cfg *config.Config) string {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return ""
	}
	return string(data)
}
