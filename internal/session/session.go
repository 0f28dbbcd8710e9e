// Package session runs one packaging session end to end: set-up, the repair
// loop, refinement, and the persisted outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucasnoah/pkgforge/internal/build"
	"github.com/lucasnoah/pkgforge/internal/candidate"
	"github.com/lucasnoah/pkgforge/internal/classify"
	"github.com/lucasnoah/pkgforge/internal/config"
	"github.com/lucasnoah/pkgforge/internal/db"
	"github.com/lucasnoah/pkgforge/internal/diagnose"
	"github.com/lucasnoah/pkgforge/internal/generate"
	"github.com/lucasnoah/pkgforge/internal/iterate"
	"github.com/lucasnoah/pkgforge/internal/metrics"
	"github.com/lucasnoah/pkgforge/internal/model"
	"github.com/lucasnoah/pkgforge/internal/prompt"
	"github.com/lucasnoah/pkgforge/internal/refine"
	"github.com/lucasnoah/pkgforge/internal/store"
)

var tracer = otel.Tracer("github.com/lucasnoah/pkgforge/internal/session")

// Target is one project to package.
type Target struct {
	Project string
	URL     string
	// Subject is the package name the build log is checked against for
	// missing-dependency classification. Defaults to Project.
	Subject     string
	ProjectInfo string
	// Template is the starting manifest the set-up step fills in.
	Template string
	// Initial, when set, skips set-up and is built as version 1.
	Initial string
}

// Status is the terminal state of a session.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusStopped   Status = "stopped"
	// StatusFailed means the session was cut short by an infrastructure
	// error rather than a loop outcome.
	StatusFailed Status = "failed"
)

// Outcome is what a session hands back and persists.
type Outcome struct {
	SessionID string `json:"session_id"`
	Project   string `json:"project"`
	Status    Status `json:"status"`
	// Reason is the repair loop's stop reason; empty on success.
	Reason       string `json:"reason,omitempty"`
	RefineReason string `json:"refine_reason,omitempty"`
	// Manifest is the best candidate: the final one on success, the last
	// accepted one otherwise.
	Manifest      string        `json:"manifest"`
	ManifestPath  string        `json:"manifest_path,omitempty"`
	FinalVersion  int           `json:"final_version"`
	BuildLog      string        `json:"build_log,omitempty"`
	LastErrorKind classify.Kind `json:"last_error_kind,omitempty"`
	// FailureCause and FailureAnalysis explain a stopped session.
	FailureCause    diagnose.Cause `json:"failure_cause,omitempty"`
	FailureAnalysis string         `json:"failure_analysis,omitempty"`
	Rounds          int            `json:"rounds"`
	RefineRounds    int            `json:"refine_rounds"`
	Usage           model.Usage    `json:"usage"`
	Duration        time.Duration  `json:"duration"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
}

// Deps are the collaborators of a session. Backend, Runner, Sandbox,
// Prompts and Config are required; the record sinks are optional.
type Deps struct {
	Config  *config.Config
	Backend model.Backend
	Runner  build.CommandRunner
	Sandbox build.Sandbox
	Prompts *prompt.Library

	DB      *db.DB
	Store   *store.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Session is one run over one target. It owns its usage meter; sessions
// share nothing mutable except the backend chain and the record sinks,
// which are safe for concurrent use.
type Session struct {
	ID string

	deps     Deps
	cfg      *config.Config
	meter    *model.Meter
	rec      *Recorder
	logger   *slog.Logger
	progress io.Writer
	now      func() time.Time
}

// New creates a session with a fresh ID.
func New(deps Deps) (*Session, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("session: config is required")
	}
	if deps.Backend == nil || deps.Runner == nil || deps.Sandbox == nil || deps.Prompts == nil {
		return nil, fmt.Errorf("session: backend, runner, sandbox and prompts are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger = logger.With("session", id[:8])
	return &Session{
		ID:     id,
		deps:   deps,
		cfg:    deps.Config,
		meter:  &model.Meter{},
		rec:    NewRecorder(id, deps.Config.Build.ManifestFile, deps.DB, deps.Store, deps.Metrics, logger),
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetProgress sets a writer for live progress output.
func (s *Session) SetProgress(w io.Writer) {
	s.progress = w
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.progress != nil {
		fmt.Fprintf(s.progress, "  → "+format+"\n", args...)
	}
}

// Usage returns the model usage of the session so far.
func (s *Session) Usage() model.Usage {
	return s.meter.Total()
}

// Run packages the target. The returned outcome is non-nil whenever the
// session record was opened; an error accompanies it only for failures
// outside the loops' own stop reasons.
func (s *Session) Run(ctx context.Context, t Target) (*Outcome, error) {
	if t.Template == "" && t.Initial == "" {
		return nil, fmt.Errorf("target %q: a template or an initial manifest is required", t.Project)
	}
	if t.Subject == "" {
		t.Subject = t.Project
	}
	ctx, span := tracer.Start(ctx, "session.run", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("session.project", t.Project),
	))
	defer span.End()

	c, err := s.components(t)
	if err != nil {
		return nil, err
	}
	if err := s.open(ctx, t); err != nil {
		return nil, err
	}

	out := &Outcome{SessionID: s.ID, Project: t.Project, StartedAt: s.now()}
	runErr := s.run(ctx, t, c, out)
	if runErr != nil {
		out.Status = StatusFailed
		out.Error = runErr.Error()
		span.SetStatus(codes.Error, runErr.Error())
	}
	out.Usage = s.meter.Total()
	out.Duration = s.now().Sub(out.StartedAt)
	span.SetAttributes(
		attribute.String("session.status", string(out.Status)),
		attribute.String("session.reason", out.Reason),
		attribute.Int("session.rounds", out.Rounds),
	)

	if err := s.persist(ctx, out); err != nil {
		return out, errors.Join(runErr, err)
	}
	return out, runErr
}

func (s *Session) run(ctx context.Context, t Target, c *components, out *Outcome) error {
	s.logf("session %s: %s", s.ID[:8], t.Project)
	initial, stopped, err := s.setUp(ctx, t, c)
	if err != nil {
		return err
	}
	if stopped != "" {
		out.Status = StatusStopped
		out.Reason = string(stopped)
		out.Manifest = t.Template
		out.LastErrorKind = classify.KindResponseParse
		return nil
	}
	// the best candidate so far, whatever happens next
	out.Manifest = initial.Text
	out.FinalVersion = initial.Version

	ctrl := iterate.NewController(c.exec, c.gen, c.cmp, s.meter, s.rec, c.limits, s.logger)
	ctrl.SetProgress(s.progress)
	st, err := ctrl.Run(ctx, initial)
	if st != nil {
		s.applyRepair(out, st)
	}
	if err != nil {
		return fmt.Errorf("repair loop: %w", err)
	}
	if !st.Succeeded() {
		s.diagnose(ctx, t, c, st, out)
		return nil
	}
	if s.cfg.Refine.Disabled {
		return nil
	}

	advisor := refine.NewModelAdvisor(c.backend, s.deps.Prompts, c.gen, s.cfg.Build.Lang, s.cfg.Refine.MaxEdits)
	var verifier refine.Verifier
	if v := refine.NewIsolatedVerifier(c.exec, s.cfg.Refine.VerifyScript); v != nil {
		verifier = v
	}
	usage := &sinceUsage{meter: s.meter, base: s.meter.Total()}
	rctl := refine.NewController(advisor, c.exec, verifier, usage, s.rec, c.refineLimits, s.logger)
	rctl.SetProgress(s.progress)
	rs, err := rctl.Run(ctx, st.Accepted, st.AcceptedResult, st.LastVersion())
	if rs != nil {
		out.Manifest = rs.Current.Text
		out.FinalVersion = rs.Current.Version
		out.BuildLog = rs.CurrentResult.Log
		out.RefineReason = string(rs.Reason)
		out.RefineRounds = rs.Round
	}
	if err != nil {
		// refinement never takes the accepted build away
		s.logger.Warn("refinement failed", "error", err)
		out.RefineReason = "error"
	}
	return nil
}

// setUp produces the first candidate. A non-empty stop reason means set-up
// gave up without one.
func (s *Session) setUp(ctx context.Context, t Target, c *components) (*candidate.Candidate, iterate.StopReason, error) {
	if t.Initial != "" {
		initial := candidate.New(t.Initial, candidate.OriginInitial)
		s.rec.writeCandidate(initial)
		return initial, "", nil
	}
	s.logf("writing initial manifest from template")
	res, err := c.gen.SetUp(ctx, generate.SetUpRequest{
		ProjectName: t.Project,
		ProjectURL:  t.URL,
		ProjectInfo: t.ProjectInfo,
		Template:    t.Template,
	})
	if err != nil {
		if ctx.Err() != nil {
			s.record(ctx, iterate.Event{Action: iterate.ActionStop, Reason: iterate.ReasonCanceled})
			return nil, iterate.ReasonCanceled, nil
		}
		var f *generate.Failure
		if !errors.As(err, &f) {
			return nil, "", fmt.Errorf("set up: %w", err)
		}
		s.logf("set-up failed: %v", f)
		s.record(ctx, iterate.Event{Action: iterate.ActionGenerationFailed, Kind: f.ErrorKind(), Detail: f.Error()})
		s.record(ctx, iterate.Event{Action: iterate.ActionStop, Reason: iterate.ReasonGenerationFailure, Kind: f.ErrorKind()})
		return nil, iterate.ReasonGenerationFailure, nil
	}
	s.record(ctx, iterate.Event{
		Action:           iterate.ActionGenerate,
		CandidateVersion: res.Candidate.Version,
		Detail:           string(res.Purpose),
		Candidate:        res.Candidate,
		Prompt:           res.Prompt,
		Response:         res.Response,
		Usage:            s.meter.Total(),
	})
	return res.Candidate, "", nil
}

func (s *Session) applyRepair(out *Outcome, st *iterate.State) {
	out.Rounds = st.Round
	out.Reason = string(st.Reason)
	if st.Succeeded() {
		out.Status = StatusSucceeded
	} else {
		out.Status = StatusStopped
		out.LastErrorKind = st.LastKind
	}
	if st.Accepted != nil {
		out.Manifest = st.Accepted.Text
		out.FinalVersion = st.Accepted.Version
		out.BuildLog = st.AcceptedResult.Log
	}
	if !st.Succeeded() && st.LastResult != nil {
		out.BuildLog = st.LastResult.Log
	}
}

// diagnose attaches a failure analysis to a stopped outcome. It never
// fails the session.
func (s *Session) diagnose(ctx context.Context, t Target, c *components, st *iterate.State, out *Outcome) {
	if s.cfg.Analysis.Disabled || st.Reason == iterate.ReasonCanceled || st.Accepted == nil || ctx.Err() != nil {
		return
	}
	var log string
	switch {
	case st.LastResult != nil:
		log = st.LastResult.Log
	case st.AcceptedResult != nil:
		log = st.AcceptedResult.Log
	}
	s.logf("analyzing failure")
	a := diagnose.NewAnalyzer(c.backend, s.deps.Prompts, s.cfg.Build.Lang)
	d, err := a.Analyze(ctx, diagnose.Input{
		Project:     t.Project,
		ProjectInfo: t.ProjectInfo,
		Manifest:    st.Accepted.Text,
		Log:         log,
		Rejected:    st.Rejected,
	})
	if d != nil {
		out.FailureCause = d.Cause
		out.FailureAnalysis = d.Analysis
	}
	if err != nil {
		s.logger.Warn("failure analysis failed", "error", err)
		return
	}
	s.logf("failure cause: %s", d.Cause)
}

func (s *Session) open(ctx context.Context, t Target) error {
	if s.deps.Store != nil {
		err := s.deps.Store.Create(store.Meta{
			ID:           s.ID,
			Project:      t.Project,
			Subject:      t.Subject,
			Model:        s.cfg.Model.Name,
			ManifestFile: s.cfg.Build.ManifestFile,
			CreatedAt:    s.now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
	}
	if s.deps.DB != nil {
		err := s.deps.DB.CreateSession(ctx, db.Session{
			ID:      s.ID,
			Project: t.Project,
			Subject: t.Subject,
			Model:   s.cfg.Model.Name,
			Config:  configSnapshot(s.cfg),
		})
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
	}
	return nil
}

func (s *Session) persist(ctx context.Context, out *Outcome) error {
	ctx = context.WithoutCancel(ctx)
	if s.deps.Store != nil {
		if out.Manifest != "" {
			path, err := s.deps.Store.WriteResult(s.ID, s.cfg.Build.ManifestFile, out.Manifest)
			if err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			out.ManifestPath = path
		}
		if err := s.deps.Store.WriteOutcome(s.ID, out); err != nil {
			return fmt.Errorf("write outcome: %w", err)
		}
	}
	if s.deps.DB != nil {
		err := s.deps.DB.LogOutcome(ctx, db.Outcome{
			SessionID:     s.ID,
			Status:        string(out.Status),
			Reason:        out.Reason,
			RefineReason:  out.RefineReason,
			FinalVersion:  out.FinalVersion,
			LastErrorKind: string(out.LastErrorKind),
			FailureCause:  string(out.FailureCause),
			Rounds:        out.Rounds,
			InputTokens:   out.Usage.InputTokens,
			OutputTokens:  out.Usage.OutputTokens,
			CostUSD:       out.Usage.CostUSD,
			DurationMs:    out.Duration.Milliseconds(),
		})
		if err != nil {
			return err
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveSession(string(out.Status), out.Reason, out.Rounds, out.Usage)
	}
	s.logger.Info("session finished", "status", out.Status, "reason", out.Reason, "rounds", out.Rounds,
		"version", out.FinalVersion, "cost_usd", out.Usage.CostUSD)
	return nil
}

func (s *Session) record(ctx context.Context, ev iterate.Event) {
	if err := s.rec.Record(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("record event failed", "action", ev.Action, "error", err)
	}
}

// sinceUsage reports usage accrued after base, so refinement spends its
// own budget.
type sinceUsage struct {
	meter *model.Meter
	base  model.Usage
}

func (u *sinceUsage) Total() model.Usage {
	t := u.meter.Total()
	return model.Usage{
		InputTokens:  t.InputTokens - u.base.InputTokens,
		OutputTokens: t.OutputTokens - u.base.OutputTokens,
		CostUSD:      t.CostUSD - u.base.CostUSD,
	}
}
