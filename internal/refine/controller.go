// Package refine improves a package that already builds. Each round asks
// for one piece of feedback, applies it with a bounded number of edits,
// rebuilds and keeps the change only if it was judged complete.
package refine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lucasnoah/pkgforge/internal/build"
	"github.com/lucasnoah/pkgforge/internal/candidate"
	"github.com/lucasnoah/pkgforge/internal/generate"
	"github.com/lucasnoah/pkgforge/internal/model"
)

var tracer = otel.Tracer("github.com/lucasnoah/pkgforge/internal/refine")

// Advisor produces and judges improvements.
type Advisor interface {
	// RequestFeedback returns one improvement, or ok=false when there is
	// nothing left to improve.
	RequestFeedback(ctx context.Context, c *candidate.Candidate, verification, lessons string) (feedback string, ok bool, err error)
	// ApplyFeedback returns a new candidate with the feedback applied.
	// attempt is 1 for the first try and 2 for the follow-up after an
	// incomplete application.
	ApplyFeedback(ctx context.Context, c *candidate.Candidate, feedback string, attempt, version int) (*candidate.Candidate, error)
	Evaluate(ctx context.Context, prev, next *candidate.Candidate, feedback, buildLog string) (Exit, error)
}

// Builder builds a candidate.
type Builder interface {
	Build(ctx context.Context, c *candidate.Candidate) (*build.Result, error)
}

// Verifier exercises a built artifact and reports what happened.
type Verifier interface {
	Verify(ctx context.Context, res *build.Result) (string, error)
}

// UsageSource reports cumulative model usage.
type UsageSource interface {
	Total() model.Usage
}

// Recorder receives refinement events.
type Recorder interface {
	RecordRefinement(ctx context.Context, ev Event) error
}

// Controller runs the refinement loop.
type Controller struct {
	advisor  Advisor
	builder  Builder
	verifier Verifier
	usage    UsageSource
	recorder Recorder
	limits   Limits
	logger   *slog.Logger
	progress io.Writer
}

// NewController creates a Controller. verifier, usage and recorder may be nil.
func NewController(a Advisor, b Builder, v Verifier, usage UsageSource, rec Recorder, limits Limits, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		advisor:  a,
		builder:  b,
		verifier: v,
		usage:    usage,
		recorder: rec,
		limits:   limits.withDefaults(),
		logger:   logger,
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

// Run refines an accepted candidate. lastVersion is the highest version
// handed out so far in the session. The returned state always holds a
// committed candidate; an error is returned only for executor or backend
// faults that are not part of the loop's own outcomes.
func (c *Controller) Run(ctx context.Context, accepted *candidate.Candidate, res *build.Result, lastVersion int) (*State, error) {
	ctx, span := tracer.Start(ctx, "refine.run")
	defer span.End()

	s := &State{
		Phase:         PhaseVerify,
		Current:       accepted,
		CurrentResult: res,
		seq:           candidate.NewSequence(lastVersion),
	}
	for !s.Done() {
		if err := c.round(ctx, s); err != nil {
			return s, err
		}
	}
	span.SetAttributes(
		attribute.String("refine.reason", string(s.Reason)),
		attribute.Int("refine.rounds", s.Round),
		attribute.Int("refine.version", s.Current.Version),
	)
	return s, nil
}

func (c *Controller) round(ctx context.Context, s *State) error {
	if reason, stop := c.checkBudget(ctx, s); stop {
		c.stop(ctx, s, reason)
		return nil
	}
	if s.Round >= c.limits.MaxRounds {
		c.stop(ctx, s, ReasonMaxRounds)
		return nil
	}

	s.Phase = PhaseVerify
	verification := c.verify(ctx, s)

	s.Phase = PhaseFeedback
	fb, ok, err := c.advisor.RequestFeedback(ctx, s.Current, verification, s.lessons())
	if err != nil {
		return c.advisorError(ctx, s, "request feedback", err)
	}
	if !ok {
		c.logf("refine: no further improvement found")
		c.stop(ctx, s, ReasonNoFeedback)
		return nil
	}
	s.Round++
	s.Feedback = fb
	c.logf("refine round %d: %s", s.Round, oneLine(fb))
	c.record(ctx, s, Event{Action: ActionFeedback, Feedback: fb})

	base := s.Current
	for attempt := 1; attempt <= 2; attempt++ {
		if reason, stop := c.checkBudget(ctx, s); stop {
			c.stop(ctx, s, reason)
			return nil
		}
		exit, next, res, detail, err := c.attempt(ctx, s, base, fb, attempt)
		if err != nil {
			return err
		}
		if s.Done() {
			return nil
		}
		switch exit {
		case ExitComplete:
			s.Current, s.CurrentResult = next, res
			s.Lessons = append(s.Lessons, Lesson{Feedback: fb, Exit: exit})
			c.logf("refine round %d: committed v%d", s.Round, next.Version)
			c.record(ctx, s, Event{Action: ActionCommit, CandidateVersion: next.Version, Feedback: fb, Exit: exit, Candidate: next, Result: res})
			return nil

		case ExitIncomplete:
			if attempt == 1 {
				// the follow-up continues from the partial application
				base = next
				c.logf("refine round %d: v%d incomplete, trying once more", s.Round, next.Version)
				c.record(ctx, s, Event{Action: ActionRetry, CandidateVersion: next.Version, Feedback: fb, Exit: exit})
				continue
			}
			s.Lessons = append(s.Lessons, Lesson{Feedback: fb, Exit: exit, Detail: "abandoned after a second attempt"})
			c.logf("refine round %d: abandoning feedback, keeping v%d", s.Round, s.Current.Version)
			c.record(ctx, s, Event{Action: ActionAbandon, CandidateVersion: next.Version, Feedback: fb, Exit: exit})
			return nil

		default:
			s.Regressions++
			s.Lessons = append(s.Lessons, Lesson{Feedback: fb, Exit: ExitError, Detail: detail})
			version := 0
			if next != nil {
				version = next.Version
			}
			c.logf("refine round %d: %s, reverting to v%d", s.Round, detail, s.Current.Version)
			c.record(ctx, s, Event{Action: ActionRevert, CandidateVersion: version, Feedback: fb, Exit: ExitError, Detail: detail})
			if s.Regressions >= c.limits.MaxRegressions {
				c.stop(ctx, s, ReasonRegression)
			}
			return nil
		}
	}
	return nil
}

// attempt applies fb to base, rebuilds and evaluates. A failing build or an
// unusable edit is an ERROR whatever the evaluator would say.
func (c *Controller) attempt(ctx context.Context, s *State, base *candidate.Candidate, fb string, attempt int) (Exit, *candidate.Candidate, *build.Result, string, error) {
	next, err := c.advisor.ApplyFeedback(ctx, base, fb, attempt, s.seq.Peek())
	if err != nil {
		var f *generate.Failure
		if ctx.Err() == nil && errors.As(err, &f) {
			return ExitError, nil, nil, "edit failed: " + string(f.Kind), nil
		}
		return "", nil, nil, "", c.advisorError(ctx, s, "apply feedback", err)
	}
	s.seq.Next()
	c.record(ctx, s, Event{Action: ActionApply, CandidateVersion: next.Version, Feedback: fb, Candidate: next})

	s.Builds++
	res, err := c.builder.Build(ctx, next)
	if err != nil {
		if ctx.Err() != nil {
			c.stop(ctx, s, ReasonCanceled)
			return "", nil, nil, "", nil
		}
		return "", nil, nil, "", fmt.Errorf("refine build v%d: %w", next.Version, err)
	}
	c.record(ctx, s, Event{Action: ActionBuild, CandidateVersion: next.Version, Candidate: next, Result: res})
	if !res.Success {
		return ExitError, next, res, fmt.Sprintf("v%d no longer builds (%s)", next.Version, res.Kind), nil
	}

	exit, err := c.advisor.Evaluate(ctx, s.Current, next, fb, res.Log)
	if err != nil {
		var f *generate.Failure
		if ctx.Err() == nil && errors.As(err, &f) {
			return ExitError, next, res, "evaluation unusable", nil
		}
		return "", nil, nil, "", c.advisorError(ctx, s, "evaluate", err)
	}
	return exit, next, res, "judged worse", nil
}

func (c *Controller) verify(ctx context.Context, s *State) string {
	if c.verifier == nil {
		return ""
	}
	out, err := c.verifier.Verify(ctx, s.CurrentResult)
	if err != nil {
		c.logger.Warn("verification failed", "version", s.Current.Version, "error", err)
		out = "verification could not run: " + err.Error()
	}
	c.record(ctx, s, Event{Action: ActionVerify, Detail: out})
	return out
}

// advisorError turns a model failure into a stop reason. Errors that are
// not generation failures are returned to the caller.
func (c *Controller) advisorError(ctx context.Context, s *State, op string, err error) error {
	if ctx.Err() != nil {
		c.stop(ctx, s, ReasonCanceled)
		return nil
	}
	var f *generate.Failure
	if errors.As(err, &f) {
		c.logger.Warn("refinement generation failed", "op", op, "error", err)
		c.stop(ctx, s, ReasonGenerationFailure)
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Controller) checkBudget(ctx context.Context, s *State) (StopReason, bool) {
	if ctx.Err() != nil {
		return ReasonCanceled, true
	}
	if c.usage == nil {
		return "", false
	}
	s.Usage = c.usage.Total()
	if c.limits.MaxCostUSD > 0 && s.Usage.CostUSD >= c.limits.MaxCostUSD {
		return ReasonCostLimit, true
	}
	if c.limits.MaxTokens > 0 && s.Usage.Tokens() >= c.limits.MaxTokens {
		return ReasonTokenLimit, true
	}
	return "", false
}

func (c *Controller) stop(ctx context.Context, s *State, reason StopReason) {
	s.Phase = PhaseDone
	s.Reason = reason
	c.logger.Info("refinement finished", "reason", reason, "rounds", s.Round, "version", s.Current.Version)
	c.record(ctx, s, Event{Action: ActionStop, Reason: reason})
}

func (c *Controller) record(ctx context.Context, s *State, ev Event) {
	ev.Round = s.Round
	ev.CurrentVersion = s.Current.Version
	ev.Usage = s.Usage
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordRefinement(context.WithoutCancel(ctx), ev); err != nil {
		c.logger.Warn("record refinement event failed", "action", ev.Action, "error", err)
	}
}
