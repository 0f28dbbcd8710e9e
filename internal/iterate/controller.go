// Package iterate drives the build-repair loop: build the attempted
// candidate, classify and compare the outcome, then accept, repair, revert
// or stop.
package iterate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lucasnoah/pkgforge/internal/build"
	"github.com/lucasnoah/pkgforge/internal/candidate"
	"github.com/lucasnoah/pkgforge/internal/classify"
	"github.com/lucasnoah/pkgforge/internal/generate"
	"github.com/lucasnoah/pkgforge/internal/logdiff"
	"github.com/lucasnoah/pkgforge/internal/model"
	"github.com/lucasnoah/pkgforge/internal/prompt"
)

var tracer = otel.Tracer("github.com/lucasnoah/pkgforge/internal/iterate")

// Builder builds a candidate.
type Builder interface {
	Build(ctx context.Context, c *candidate.Candidate) (*build.Result, error)
}

// Generator produces repaired candidates.
type Generator interface {
	Generate(ctx context.Context, req generate.Request) (*generate.Result, error)
}

// Comparer compares two failing build logs.
type Comparer interface {
	Compare(ctx context.Context, prevLog, newLog string) (logdiff.Verdict, logdiff.Diff, error)
}

// UsageSource reports the session's cumulative model usage.
type UsageSource interface {
	Total() model.Usage
}

// Recorder receives every state transition.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Controller runs the repair loop for one session.
type Controller struct {
	builder  Builder
	gen      Generator
	cmp      Comparer
	usage    UsageSource
	recorder Recorder
	limits   Limits
	logger   *slog.Logger
	progress io.Writer
	now      func() time.Time
}

// NewController creates a Controller. usage and recorder may be nil.
func NewController(b Builder, g Generator, c Comparer, usage UsageSource, rec Recorder, limits Limits, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		builder:  b,
		gen:      g,
		cmp:      c,
		usage:    usage,
		recorder: rec,
		limits:   limits.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (c *Controller) SetProgress(w io.Writer) {
	c.progress = w
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.progress != nil {
		fmt.Fprintf(c.progress, "  → "+format+"\n", args...)
	}
}

// Start seeds the state with the initial candidate, ready to build.
func (c *Controller) Start(initial *candidate.Candidate) *State {
	return &State{
		Phase:     PhaseBuilding,
		Attempted: initial,
		History:   build.NewHistory(c.limits.HistorySize),
		StartedAt: c.now(),
		seq:       candidate.NewSequence(initial.Version),
	}
}

// Run steps until the state is terminal.
func (c *Controller) Run(ctx context.Context, initial *candidate.Candidate) (*State, error) {
	s := c.Start(initial)
	for !s.Done() {
		if err := c.Step(ctx, s); err != nil {
			return s, err
		}
	}
	return s, nil
}

// Step runs one round: build the attempted candidate, evaluate the result
// and, unless the round ended the loop, generate the next attempt. When the
// previous generation failed there is nothing to build and the step only
// regenerates from the current anchor.
func (c *Controller) Step(ctx context.Context, s *State) error {
	if s.Done() {
		return nil
	}
	ctx, span := tracer.Start(ctx, "iterate.step")
	defer span.End()

	if s.Attempted == nil {
		if reason := c.checkSpend(ctx, s); reason != ReasonNone {
			c.stop(ctx, s, reason)
			return nil
		}
		return c.repair(ctx, s)
	}
	if reason := c.checkBudget(ctx, s); reason != ReasonNone {
		c.stop(ctx, s, reason)
		return nil
	}

	s.Phase = PhaseBuilding
	res, err := c.build(ctx, s)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if res == nil {
		// canceled mid-build
		c.stop(ctx, s, ReasonCanceled)
		return nil
	}
	span.SetAttributes(
		attribute.Int("round", s.Round),
		attribute.Int("candidate.version", res.CandidateVersion),
		attribute.String("build.status", string(res.Status)),
		attribute.String("build.kind", string(res.Kind)),
	)

	s.Phase = PhaseEvaluating
	if err := c.evaluate(ctx, s, res); err != nil {
		return err
	}
	if s.Done() {
		return nil
	}
	if s.Round >= c.limits.MaxRounds {
		c.stop(ctx, s, ReasonRoundLimit)
		return nil
	}
	if reason := c.checkSpend(ctx, s); reason != ReasonNone {
		c.stop(ctx, s, reason)
		return nil
	}
	return c.repair(ctx, s)
}

// build invokes the builder, retrying once on an executor error. A second
// executor error becomes a generic failed result. It returns nil, nil when
// the context ended.
func (c *Controller) build(ctx context.Context, s *State) (*build.Result, error) {
	cand := s.Attempted
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			if s.Round >= c.limits.MaxRounds {
				break
			}
			c.record(ctx, s, Event{Action: ActionExecutorRetry, CandidateVersion: cand.Version, Detail: lastErr.Error()})
			c.logf("round %d: executor error, retrying v%d: %v", s.Round, cand.Version, lastErr)
		}
		s.Round++
		res, err := c.builder.Build(ctx, cand)
		if ctx.Err() != nil {
			return nil, nil
		}
		if err == nil {
			return res, nil
		}
		lastErr = err
		c.logger.Warn("build executor error", "version", cand.Version, "attempt", attempt+1, "error", err)
	}
	return &build.Result{
		CandidateVersion: cand.Version,
		Status:           build.StatusFailed,
		ExitCode:         -1,
		Log:              "build executor error: " + lastErr.Error(),
		LineCount:        1,
		Kind:             classify.KindGeneric,
		Phase:            build.PhaseBuild,
	}, nil
}

// evaluate decides what a build result means for the accepted candidate.
func (c *Controller) evaluate(ctx context.Context, s *State, res *build.Result) error {
	cand := s.Attempted
	s.LastResult = res
	s.LastKind = res.Kind
	s.LastVerdict = ""
	s.History.Push(res)
	c.record(ctx, s, Event{
		Action:           ActionBuild,
		CandidateVersion: cand.Version,
		Kind:             res.Kind,
		Status:           res.Status,
		Duration:         res.Duration,
		Candidate:        cand,
		Result:           res,
	})

	if res.Success {
		c.adopt(s, cand, res)
		s.Phase = PhaseAccepted
		c.logf("round %d: v%d built successfully", s.Round, cand.Version)
		c.record(ctx, s, Event{Action: ActionAccept, CandidateVersion: cand.Version})
		return nil
	}

	switch {
	case s.AcceptedResult == nil:
		c.adopt(s, cand, res)
		c.logf("round %d: v%d failed (%s), baseline", s.Round, cand.Version, res.Kind)
		c.record(ctx, s, Event{Action: ActionBaseline, CandidateVersion: cand.Version, Kind: res.Kind})
		return nil

	case res.Status == build.StatusTimedOut:
		s.Rejected = append(s.Rejected, fmt.Sprintf("v%d: build timed out after %s", cand.Version, res.Duration.Round(time.Second)))
		c.revertWith(ctx, s, cand, Event{CandidateVersion: cand.Version, Kind: res.Kind, Status: res.Status}, "timed out")
		s.NoProgress++
		c.checkProgressLimits(ctx, s)
		return nil

	case res.Kind == classify.KindHashMismatch:
		s.NonBuild++
		if s.NonBuild >= c.limits.NonBuildErrorLimit {
			s.NonBuild = 0
			c.revertWith(ctx, s, cand, Event{CandidateVersion: cand.Version, Kind: res.Kind}, "too many hash fixes in a row")
			return nil
		}
		// hash fixes are mechanical; carry on from this candidate
		s.Current, s.CurrentResult = cand, res
		s.Attempted = nil
		c.logf("round %d: v%d hash mismatch, continuing from it", s.Round, cand.Version)
		c.record(ctx, s, Event{Action: ActionContinue, CandidateVersion: cand.Version, Kind: res.Kind})
		return nil
	}
	s.NonBuild = 0

	verdict, diff, err := c.cmp.Compare(ctx, s.AcceptedResult.Log, res.Log)
	if err != nil {
		if ctx.Err() != nil {
			c.stop(ctx, s, ReasonCanceled)
			return nil
		}
		return fmt.Errorf("compare logs: %w", err)
	}
	s.LastVerdict = verdict
	ev := Event{
		CandidateVersion: cand.Version,
		Kind:             res.Kind,
		Verdict:          verdict,
		Divergence:       diff.Divergence,
		Truncated:        diff.Truncated,
	}

	switch verdict {
	case logdiff.Progress:
		c.adopt(s, cand, res)
		ev.Action = ActionAdopt
		c.logf("round %d: v%d %s, progress", s.Round, cand.Version, res.Kind)
		c.record(ctx, s, ev)

	case logdiff.BrokenLogOutput:
		if res.Kind != classify.KindBrokenOutput {
			// the accepted log was the garbled one; this one is readable
			c.adopt(s, cand, res)
			ev.Action = ActionAdopt
			ev.Detail = "log output fixed"
			c.logf("round %d: v%d log output fixed", s.Round, cand.Version)
			c.record(ctx, s, ev)
			return nil
		}
		s.BrokenLog = true
		s.Current, s.CurrentResult = cand, res
		s.Attempted = nil
		ev.Action = ActionBrokenLog
		c.logf("round %d: v%d produced garbled output, repairing the log", s.Round, cand.Version)
		c.record(ctx, s, ev)

	case logdiff.Stagnation:
		if s.BrokenLog {
			c.adopt(s, cand, res)
			ev.Action = ActionAdopt
			ev.Detail = "log output fixed"
			c.logf("round %d: v%d log output fixed", s.Round, cand.Version)
			c.record(ctx, s, ev)
			return nil
		}
		s.Stagnation++
		s.NoProgress++
		s.Rejected = append(s.Rejected, fmt.Sprintf("v%d: failed the same way (%s)", cand.Version, res.Kind))
		c.revertWith(ctx, s, cand, ev, "stagnation")
		c.checkProgressLimits(ctx, s)

	case logdiff.Regress:
		s.Stagnation = 0
		s.NoProgress++
		s.Rejected = append(s.Rejected, fmt.Sprintf("v%d: failed earlier (%s)", cand.Version, res.Kind))
		c.revertWith(ctx, s, cand, ev, "regression")
		c.checkProgressLimits(ctx, s)

	default:
		return fmt.Errorf("compare logs: unknown verdict %q", verdict)
	}
	return nil
}

// adopt makes cand the accepted candidate and resets the no-progress state.
func (c *Controller) adopt(s *State, cand *candidate.Candidate, res *build.Result) {
	s.Accepted, s.AcceptedResult = cand, res
	s.Current, s.CurrentResult = cand, res
	s.Attempted = nil
	s.Stagnation = 0
	s.NoProgress = 0
	s.NonBuild = 0
	s.BrokenLog = false
	s.AttemptedTools = nil
	s.Rejected = nil
}

// revertWith drops cand and anchors the next repair at the accepted
// candidate. A pending log repair stays pending until a candidate is
// adopted.
func (c *Controller) revertWith(ctx context.Context, s *State, cand *candidate.Candidate, ev Event, why string) {
	s.Current, s.CurrentResult = s.Accepted, s.AcceptedResult
	s.Attempted = nil
	ev.Action = ActionRevert
	ev.Detail = why
	c.logf("round %d: v%d %s, reverting to v%d", s.Round, cand.Version, why, s.Accepted.Version)
	c.record(ctx, s, ev)
}

func (c *Controller) checkProgressLimits(ctx context.Context, s *State) {
	if s.Stagnation >= c.limits.StagnationLimit || s.NoProgress >= c.limits.NoProgressLimit {
		c.stop(ctx, s, ReasonNoProgress)
	}
}

// repair generates the next attempted candidate from s.Current. An
// unusable response is retried once with the narrow syntax prompt; if that
// fails too the anchor falls back to the accepted candidate.
func (c *Controller) repair(ctx context.Context, s *State) error {
	s.Phase = PhaseRepairing
	req := generate.Request{
		Current:        s.Current,
		Failed:         s.CurrentResult,
		AttemptedTools: s.AttemptedTools,
		Hints:          rejectedHint(s.Rejected),
	}
	if s.CurrentResult != nil {
		req.Kind = s.CurrentResult.Kind
	}
	if s.BrokenLog {
		req.Kind = classify.KindBrokenOutput
	}

	req.Version = s.seq.Peek()
	res, err := c.gen.Generate(ctx, req)
	c.addUsage(s, res)
	var f *generate.Failure
	if errors.As(err, &f) && f.Retryable() {
		c.record(ctx, s, Event{Action: ActionGenerationFailed, Kind: f.ErrorKind(), Detail: f.Error()})
		c.logf("round %d: unusable response (%s), retrying with syntax-only prompt", s.Round, f.Kind)
		req.Purpose = prompt.PurposeFixSyntax
		req.Kind = classify.KindResponseParse
		req.Hints = "Your previous answer did not contain a usable manifest. Return the complete file."
		res, err = c.gen.Generate(ctx, req)
		c.addUsage(s, res)
	}
	if err != nil {
		if ctx.Err() != nil {
			c.stop(ctx, s, ReasonCanceled)
			return nil
		}
		if !errors.As(err, &f) {
			return fmt.Errorf("generate: %w", err)
		}
		s.GenFailures++
		if k := f.ErrorKind(); k != classify.KindNone {
			s.LastKind = k
		}
		s.Current, s.CurrentResult = s.Accepted, s.AcceptedResult
		s.Attempted = nil
		c.logf("round %d: generation failed (%s), falling back to v%d", s.Round, f.Kind, s.Accepted.Version)
		c.record(ctx, s, Event{Action: ActionGenerationFailed, Kind: f.ErrorKind(), Detail: f.Error()})
		if s.GenFailures >= c.limits.GenerationFailureLimit {
			c.stop(ctx, s, ReasonGenerationFailure)
		}
		return nil
	}

	s.seq.Next()
	s.GenFailures = 0
	s.Attempted = res.Candidate
	s.AttemptedTools = append(s.AttemptedTools, generate.ToolCallNames(res.ToolCalls)...)
	c.record(ctx, s, Event{
		Action:           ActionGenerate,
		CandidateVersion: res.Candidate.Version,
		Kind:             req.Kind,
		Detail:           string(res.Purpose),
		Candidate:        res.Candidate,
		Prompt:           res.Prompt,
		Response:         res.Response,
	})
	return nil
}

func (c *Controller) addUsage(s *State, res *generate.Result) {
	if res != nil {
		s.Usage = s.Usage.Add(res.Usage)
	}
}

func rejectedHint(rejected []string) string {
	if len(rejected) == 0 {
		return ""
	}
	out := "Attempts from this starting point that were rejected:"
	for _, r := range rejected {
		out += "\n- " + r
	}
	return out
}

// checkBudget is the check made at the top of each building round.
func (c *Controller) checkBudget(ctx context.Context, s *State) StopReason {
	if s.Round >= c.limits.MaxRounds {
		return ReasonRoundLimit
	}
	return c.checkSpend(ctx, s)
}

// checkSpend covers the budgets that do not count builds.
func (c *Controller) checkSpend(ctx context.Context, s *State) StopReason {
	if ctx.Err() != nil {
		return ReasonCanceled
	}
	usage := s.Usage
	if c.usage != nil {
		usage = c.usage.Total()
		s.Usage = usage
	}
	if c.limits.MaxCostUSD > 0 && usage.CostUSD >= c.limits.MaxCostUSD {
		return ReasonCostLimit
	}
	if c.limits.MaxTokens > 0 && usage.Tokens() >= c.limits.MaxTokens {
		return ReasonTokenLimit
	}
	if c.limits.TimeLimit > 0 && c.now().Sub(s.StartedAt) >= c.limits.TimeLimit {
		return ReasonTimeLimit
	}
	return ReasonNone
}

func (c *Controller) stop(ctx context.Context, s *State, reason StopReason) {
	s.Phase = PhaseStopped
	s.Reason = reason
	accepted := 0
	if s.Accepted != nil {
		accepted = s.Accepted.Version
	}
	c.logf("stopped after %d rounds: %s", s.Round, reason.Describe())
	c.logger.Info("repair loop stopped", "reason", reason, "rounds", s.Round, "accepted", accepted)
	c.record(ctx, s, Event{Action: ActionStop, Reason: reason, Kind: s.LastKind})
}

func (c *Controller) record(ctx context.Context, s *State, ev Event) {
	ev.Round = s.Round
	ev.Phase = s.Phase
	ev.Usage = s.Usage
	if s.Accepted != nil {
		ev.AcceptedVersion = s.Accepted.Version
	}
	if c.recorder == nil {
		return
	}
	// recording must not be cut short by cancellation of the session
	if err := c.recorder.Record(context.WithoutCancel(ctx), ev); err != nil {
		c.logger.Warn("record event failed", "action", ev.Action, "error", err)
	}
}
