// Package generate produces new candidate manifests from the model. It owns
// what goes into a prompt and how a manifest is pulled out of the answer.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/lucasnoah/pkgforge/internal/build"
	"github.com/lucasnoah/pkgforge/internal/candidate"
	"github.com/lucasnoah/pkgforge/internal/classify"
	"github.com/lucasnoah/pkgforge/internal/edit"
	"github.com/lucasnoah/pkgforge/internal/model"
	"github.com/lucasnoah/pkgforge/internal/prompt"
)

// Config tunes generation.
type Config struct {
	// Lang is the fence tag of manifests, e.g. "nix".
	Lang         string
	MaxToolSteps int
	// MaxEdits bounds edit-tool calls per generation; 0 means unlimited.
	MaxEdits    int
	Temperature float32
	MaxTokens   int
	// LogTailLines is how much of a failing log goes into a repair prompt.
	LogTailLines int
	// FakeHash is the expression that replaces a malformed source hash,
	// e.g. "lib.fakeHash".
	FakeHash string
}

// FailureKind says why a generation produced no candidate.
type FailureKind string

const (
	FailureParse     FailureKind = "parse"
	FailureUnchanged FailureKind = "unchanged"
	FailureRefusal   FailureKind = "refusal"
	FailureBackend   FailureKind = "backend"
)

// Failure is returned when the model produced no usable candidate.
type Failure struct {
	Kind    FailureKind
	Purpose prompt.Purpose
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("generate %s: %s: %v", f.Purpose, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ErrorKind maps the failure onto the build error taxonomy so it can be
// recorded and used to pick the next prompt.
func (f *Failure) ErrorKind() classify.Kind {
	switch f.Kind {
	case FailureParse, FailureUnchanged:
		return classify.KindResponseParse
	}
	return classify.KindNone
}

// Retryable reports whether a narrower prompt may succeed. Refusals are
// final for the current anchor.
func (f *Failure) Retryable() bool {
	return f.Kind == FailureParse || f.Kind == FailureUnchanged
}

// Request describes one generation.
type Request struct {
	// Purpose overrides the prompt chosen from Kind.
	Purpose prompt.Purpose
	Current *candidate.Candidate
	// Failed is the build result being repaired, if any.
	Failed *build.Result
	Kind   classify.Kind
	// AttemptedTools lists tool calls tried since the last progress.
	AttemptedTools []string
	Hints          string
	// Vars are extra template variables.
	Vars    prompt.Vars
	Version int
	Origin  candidate.Origin
	// MaxEdits overrides Config.MaxEdits when positive.
	MaxEdits int
}

// Result is a generated candidate.
type Result struct {
	Candidate *candidate.Candidate
	Purpose   prompt.Purpose
	Prompt    string
	Response  string
	Usage     model.Usage
	ToolCalls []model.ToolCall
	Steps     int
	Exhausted bool

	// requests are the model calls made, forgotten when the answer is rejected.
	requests []model.Request
}

// Generator builds prompts, runs the model and extracts candidates.
type Generator struct {
	backend    model.Backend
	prompts    *prompt.Library
	classifier *classify.Classifier
	cfg        Config
	logger     *slog.Logger
}

// New creates a Generator.
func New(backend model.Backend, prompts *prompt.Library, classifier *classify.Classifier, cfg Config, logger *slog.Logger) *Generator {
	if cfg.Lang == "" {
		cfg.Lang = "nix"
	}
	if cfg.MaxToolSteps <= 0 {
		cfg.MaxToolSteps = 8
	}
	if cfg.LogTailLines <= 0 {
		cfg.LogTailLines = 200
	}
	if cfg.FakeHash == "" {
		cfg.FakeHash = "lib.fakeHash"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{backend: backend, prompts: prompts, classifier: classifier, cfg: cfg, logger: logger}
}

const systemPrompt = "You are an expert software packager. You write and repair %s packaging manifests. Keep answers short."

// Generate produces a successor of req.Current.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Current == nil {
		return nil, fmt.Errorf("generate: no current candidate")
	}
	purpose := req.Purpose
	if purpose == "" {
		purpose = prompt.ForKind(req.Kind)
	}
	spec, ok := prompt.Lookup(purpose)
	if !ok || spec.Output != prompt.OutputManifest {
		return nil, fmt.Errorf("generate: %q does not produce a manifest", purpose)
	}

	vars := prompt.Vars{
		"manifest":        req.Current.Text,
		"lang":            g.cfg.Lang,
		"error_kind":      req.Kind.String(),
		"log":             g.diagnostic(req),
		"attempted_tools": strings.Join(req.AttemptedTools, "\n"),
		"hints":           req.Hints,
	}
	for k, v := range req.Vars {
		vars[k] = v
	}
	maxEdits := g.cfg.MaxEdits
	if req.MaxEdits > 0 {
		maxEdits = req.MaxEdits
	}
	if maxEdits > 0 {
		vars["max_edits"] = strconv.Itoa(maxEdits)
	}

	origin := req.Origin
	if origin == "" {
		origin = candidate.OriginRepair
		if purpose == prompt.PurposeFixSyntax {
			origin = candidate.OriginSyntaxFix
		}
	}
	if res, ok := g.rewriteInvalidHash(req, purpose, origin); ok {
		return res, nil
	}
	res, err := g.run(ctx, purpose, spec, vars, req.Current.Text, maxEdits)
	if err != nil {
		return res, err
	}
	text := res.Candidate.Text
	if strings.TrimSpace(text) == strings.TrimSpace(req.Current.Text) {
		return g.reject(ctx, res, &Failure{Kind: FailureUnchanged, Purpose: purpose, Err: errors.New("candidate identical to its predecessor")})
	}
	res.Candidate = req.Current.Next(req.Version, text, origin)
	return res, nil
}

// rewriteInvalidHash replaces the quoted string holding a malformed hash
// with the placeholder, so the next build reports the real hash without a
// model call. It reports false when the log names no hash or the manifest
// does not contain it.
func (g *Generator) rewriteInvalidHash(req Request, purpose prompt.Purpose, origin candidate.Origin) (*Result, bool) {
	if req.Kind != classify.KindHashMismatch || req.Failed == nil || g.classifier == nil {
		return nil, false
	}
	hash, ok := g.classifier.InvalidHash(req.Failed.Log)
	if !ok {
		return nil, false
	}
	re := regexp.MustCompile(`"[^"\n]*?` + regexp.QuoteMeta(hash) + `[^"\n]*?"`)
	if !re.MatchString(req.Current.Text) {
		return nil, false
	}
	text := re.ReplaceAllLiteralString(req.Current.Text, g.cfg.FakeHash)
	g.logger.Debug("replaced invalid hash", "hash", hash)
	return &Result{
		Candidate: req.Current.Next(req.Version, text, origin),
		Purpose:   purpose,
		Response:  fmt.Sprintf("replaced invalid hash %q with %s", hash, g.cfg.FakeHash),
	}, true
}

// SetUpRequest describes the project an initial manifest is written for.
type SetUpRequest struct {
	ProjectName string
	ProjectURL  string
	ProjectInfo string
	Template    string
}

// SetUp fills the starting template from project information and returns
// the first candidate of a session.
func (g *Generator) SetUp(ctx context.Context, req SetUpRequest) (*Result, error) {
	spec, _ := prompt.Lookup(prompt.PurposeSetUp)
	vars := prompt.Vars{
		"project_name": req.ProjectName,
		"project_url":  req.ProjectURL,
		"project_info": req.ProjectInfo,
		"template":     req.Template,
		"lang":         g.cfg.Lang,
	}
	res, err := g.run(ctx, prompt.PurposeSetUp, spec, vars, req.Template, g.cfg.MaxEdits)
	if err != nil {
		return res, err
	}
	res.Candidate = candidate.New(res.Candidate.Text, candidate.OriginSetUp)
	return res, nil
}

// run renders the prompt, drives the tool loop over a working copy of base
// and extracts the resulting manifest into res.Candidate.Text.
func (g *Generator) run(ctx context.Context, purpose prompt.Purpose, spec prompt.Spec, vars prompt.Vars, base string, maxEdits int) (*Result, error) {
	text, err := g.prompts.Render(purpose, vars)
	if err != nil {
		return nil, err
	}
	res := &Result{Purpose: purpose, Prompt: text}

	doc := edit.NewDocument(base, maxEdits)
	var tools []model.Tool
	if spec.Tools {
		tools = edit.Tools(doc)
	}
	mreq := model.Request{
		Purpose: string(purpose),
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: fmt.Sprintf(systemPrompt, g.cfg.Lang)},
			{Role: model.RoleUser, Content: text},
		},
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}

	loop, err := model.RunTools(ctx, g.backend, mreq, tools, g.cfg.MaxToolSteps)
	if loop != nil {
		res.Usage = loop.Usage
		res.ToolCalls = loop.Calls
		res.Steps = loop.Steps
		res.Exhausted = loop.Exhausted
		res.Response = loop.Text
		res.requests = loop.Requests
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, BackendFailure(purpose, err)
	}

	var manifest string
	if spec.EditsOnly {
		// Only the bounded edits count; a rewritten file would bypass the budget.
		if doc.Edits() == 0 {
			return g.reject(ctx, res, &Failure{Kind: FailureParse, Purpose: purpose, Err: errors.New("no edits applied")})
		}
		manifest = doc.Text()
	} else {
		var perr error
		manifest, perr = prompt.ExtractManifest(loop.Text, g.cfg.Lang)
		switch {
		case perr == nil:
		case doc.Edits() > 0:
			manifest = doc.Text()
		default:
			g.logger.Debug("no manifest in response", "purpose", purpose, "steps", loop.Steps, "exhausted", loop.Exhausted)
			return g.reject(ctx, res, &Failure{Kind: FailureParse, Purpose: purpose, Err: perr})
		}
	}
	res.Candidate = &candidate.Candidate{Text: manifest}
	return res, nil
}

// reject drops the cached answers behind a failed generation so a retry
// reaches the model again.
func (g *Generator) reject(ctx context.Context, res *Result, f *Failure) (*Result, error) {
	if err := model.Forget(ctx, g.backend, res.requests...); err != nil {
		g.logger.Warn("could not forget rejected response", "purpose", f.Purpose, "error", err)
	}
	return res, f
}

// BackendFailure wraps a model backend error as a generation failure.
func BackendFailure(purpose prompt.Purpose, err error) *Failure {
	switch {
	case errors.Is(err, model.ErrRefusal):
		return &Failure{Kind: FailureRefusal, Purpose: purpose, Err: err}
	case errors.Is(err, model.ErrMalformed):
		return &Failure{Kind: FailureParse, Purpose: purpose, Err: err}
	}
	return &Failure{Kind: FailureBackend, Purpose: purpose, Err: err}
}

// diagnostic picks the part of the failing log shown to the model.
func (g *Generator) diagnostic(req Request) string {
	if req.Failed == nil {
		return ""
	}
	log := req.Failed.Log
	if req.Kind == classify.KindSyntax && g.classifier != nil {
		log = g.classifier.SyntaxExcerpt(log)
	}
	if req.Failed.Status == build.StatusTimedOut {
		log += "\n[build timed out; output above is incomplete]"
	}
	return tailLines(log, g.cfg.LogTailLines)
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// ToolCallNames renders tool calls for the attempted-tools list.
func ToolCallNames(calls []model.ToolCall) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		if c.Name == edit.ToolView {
			continue
		}
		out = append(out, c.Name+" "+c.Arguments)
	}
	return out
}
