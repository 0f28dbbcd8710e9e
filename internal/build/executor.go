// Package build runs candidate manifests through the external build tool
// inside a per-invocation sandbox.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasnoah/pkgforge/internal/candidate"
	"github.com/lucasnoah/pkgforge/internal/classify"
	"github.com/lucasnoah/pkgforge/internal/prompt"
)

// Config holds the build commands and limits. Commands are templates that
// may use {{manifest_path}}, {{manifest_file}}, {{workdir}} and {{subject}}.
type Config struct {
	Command      string
	CheckCommand string
	ManifestFile string
	Timeout      time.Duration
	// MaxLogBytes caps the retained log; the tail is kept.
	MaxLogBytes int
	// Subject is the name of the package being built.
	Subject string

	// IsolateCommand wraps verification scripts. It may use {{script}},
	// {{artifact}} and {{workdir}}.
	IsolateCommand string
	VerifyTimeout  time.Duration
}

// DefaultIsolateCommand runs a script with no network access.
const DefaultIsolateCommand = "unshare --user --map-root-user --net -- sh {{script}}"

// Executor builds candidates.
type Executor struct {
	runner     CommandRunner
	sandbox    Sandbox
	classifier *classify.Classifier
	cfg        Config
	logger     *slog.Logger
	progress   io.Writer
}

// NewExecutor creates an Executor.
func NewExecutor(runner CommandRunner, sandbox Sandbox, classifier *classify.Classifier, cfg Config, logger *slog.Logger) *Executor {
	if cfg.ManifestFile == "" {
		cfg.ManifestFile = "package.nix"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Minute
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 2 * time.Minute
	}
	if cfg.MaxLogBytes <= 0 {
		cfg.MaxLogBytes = 512 * 1024
	}
	if cfg.IsolateCommand == "" {
		cfg.IsolateCommand = DefaultIsolateCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{runner: runner, sandbox: sandbox, classifier: classifier, cfg: cfg, logger: logger}
}

// SetProgress sets a writer for live progress output.
func (e *Executor) SetProgress(w io.Writer) {
	e.progress = w
}

func (e *Executor) logf(format string, args ...interface{}) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "    "+format+"\n", args...)
	}
}

// Build runs c through the build tool. An error is returned only when the
// executor itself failed (sandbox, I/O, command could not start); build
// failures and timeouts are reported in the Result.
func (e *Executor) Build(ctx context.Context, c *candidate.Candidate) (*Result, error) {
	env, err := e.sandbox.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire sandbox: %w", err)
	}
	defer func() {
		if cerr := env.Close(); cerr != nil {
			e.logger.Warn("sandbox teardown failed", "error", cerr)
		}
	}()

	manifestPath := filepath.Join(env.Dir(), e.cfg.ManifestFile)
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sandbox: %w", err)
	}
	if err := os.WriteFile(manifestPath, []byte(c.Text), 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	vars := prompt.Vars{
		"manifest_path": manifestPath,
		"manifest_file": e.cfg.ManifestFile,
		"workdir":       env.Dir(),
		"subject":       e.cfg.Subject,
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	start := time.Now()

	if e.cfg.CheckCommand != "" {
		e.logf("evaluating v%d", c.Version)
		res, err := e.run(ctx, env.Dir(), e.cfg.CheckCommand, vars, c, PhaseEvaluate, start)
		if err != nil || res.Status != StatusSucceeded {
			return res, err
		}
	}

	e.logf("building v%d", c.Version)
	return e.run(ctx, env.Dir(), e.cfg.Command, vars, c, PhaseBuild, start)
}

func (e *Executor) run(ctx context.Context, dir, tmpl string, vars prompt.Vars, c *candidate.Candidate, phase Phase, start time.Time) (*Result, error) {
	command, err := prompt.Render(tmpl, vars)
	if err != nil {
		return nil, fmt.Errorf("render %s command: %w", phase, err)
	}
	stdout, stderr, exitCode, runErr := e.runner.Run(ctx, dir, command)
	log := e.trim(joinOutput(stdout, stderr))

	res := &Result{
		CandidateVersion: c.Version,
		ExitCode:         exitCode,
		Log:              log,
		LineCount:        countLines(log),
		Duration:         time.Since(start),
		Phase:            phase,
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Status = StatusTimedOut
		res.ExitCode = -1
		e.logger.Info("build timed out", "version", c.Version, "phase", phase, "timeout", e.cfg.Timeout)
		return res, nil
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("run %s command: %w", phase, runErr)
	}

	if exitCode == 0 {
		res.Status = StatusSucceeded
		res.Success = true
		res.Artifact = lastLine(stdout)
		return res, nil
	}
	res.Status = StatusFailed
	res.Kind = e.classifier.ClassifyFor(log, e.cfg.Subject)
	e.logger.Debug("build failed", "version", c.Version, "phase", phase, "kind", res.Kind, "lines", res.LineCount)
	return res, nil
}

// RunIsolated runs script against a built artifact in a fresh sandbox with
// no network access and a hard timeout. A timeout is reported as exit code
// -1 with a note appended to stderr.
func (e *Executor) RunIsolated(ctx context.Context, artifact, script string) (stdout, stderr string, exitCode int, err error) {
	env, err := e.sandbox.Acquire(ctx)
	if err != nil {
		return "", "", -1, fmt.Errorf("acquire sandbox: %w", err)
	}
	defer func() {
		if cerr := env.Close(); cerr != nil {
			e.logger.Warn("sandbox teardown failed", "error", cerr)
		}
	}()

	vars := prompt.Vars{"artifact": artifact, "workdir": env.Dir()}
	body, err := prompt.Render(script, vars)
	if err != nil {
		return "", "", -1, fmt.Errorf("render verify script: %w", err)
	}
	scriptPath := filepath.Join(env.Dir(), "verify.sh")
	if err := os.WriteFile(scriptPath, []byte(body), 0o755); err != nil {
		return "", "", -1, fmt.Errorf("write verify script: %w", err)
	}
	vars["script"] = scriptPath
	command, err := prompt.Render(e.cfg.IsolateCommand, vars)
	if err != nil {
		return "", "", -1, fmt.Errorf("render isolate command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.VerifyTimeout)
	defer cancel()
	stdout, stderr, exitCode, err = e.runner.Run(ctx, env.Dir(), command)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return stdout, stderr + fmt.Sprintf("\n[timed out after %s]", e.cfg.VerifyTimeout), -1, nil
	}
	if err != nil {
		return stdout, stderr, exitCode, fmt.Errorf("run isolated: %w", err)
	}
	return stdout, stderr, exitCode, nil
}

func (e *Executor) trim(log string) string {
	if len(log) <= e.cfg.MaxLogBytes {
		return log
	}
	cut := log[len(log)-e.cfg.MaxLogBytes:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 {
		cut = cut[i+1:]
	}
	return cut
}

func joinOutput(stdout, stderr string) string {
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	}
	if !strings.HasSuffix(stderr, "\n") {
		stderr += "\n"
	}
	return stderr + stdout
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
