package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lucasnoah/pkgforge/internal/build"
	"github.com/lucasnoah/pkgforge/internal/candidate"
	"github.com/lucasnoah/pkgforge/internal/db"
	"github.com/lucasnoah/pkgforge/internal/iterate"
	"github.com/lucasnoah/pkgforge/internal/metrics"
	"github.com/lucasnoah/pkgforge/internal/refine"
	"github.com/lucasnoah/pkgforge/internal/store"
)

// Recorder appends the events of both loops to the session record: rows in
// the database, artifacts in the store and counts in metrics. Any sink may
// be nil.
type Recorder struct {
	sessionID    string
	manifestFile string
	db           *db.DB
	store        *store.Store
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewRecorder creates a Recorder for one session.
func NewRecorder(sessionID, manifestFile string, database *db.DB, st *store.Store, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		sessionID:    sessionID,
		manifestFile: manifestFile,
		db:           database,
		store:        st,
		metrics:      m,
		logger:       logger,
	}
}

// Record implements iterate.Recorder.
func (r *Recorder) Record(ctx context.Context, ev iterate.Event) error {
	if r.metrics != nil {
		r.metrics.ObserveRepair(ev)
	}
	var errs []error
	if ev.Candidate != nil {
		errs = append(errs, r.writeCandidate(ev.Candidate))
	}
	if r.store != nil && ev.Prompt != "" {
		errs = append(errs, r.store.WritePrompt(r.sessionID, ev.Round, ev.Detail, ev.Prompt, ev.Response))
	}
	if ev.Action == iterate.ActionBuild && ev.Result != nil {
		errs = append(errs, r.writeBuild(ctx, db.LoopRepair, ev.Round, ev.Candidate, ev.Result))
	}
	if r.db != nil {
		errs = append(errs, r.db.LogRoundEvent(ctx, db.RoundEvent{
			SessionID:        r.sessionID,
			Loop:             db.LoopRepair,
			Round:            ev.Round,
			Phase:            string(ev.Phase),
			Action:           ev.Action,
			CandidateVersion: ev.CandidateVersion,
			AcceptedVersion:  ev.AcceptedVersion,
			ErrorKind:        string(ev.Kind),
			Verdict:          string(ev.Verdict),
			BuildStatus:      string(ev.Status),
			Divergence:       ev.Divergence,
			Truncated:        ev.Truncated,
			Reason:           string(ev.Reason),
			InputTokens:      ev.Usage.InputTokens,
			OutputTokens:     ev.Usage.OutputTokens,
			CostUSD:          ev.Usage.CostUSD,
			Detail:           ev.Detail,
		}))
	}
	return errors.Join(errs...)
}

// RecordRefinement implements refine.Recorder.
func (r *Recorder) RecordRefinement(ctx context.Context, ev refine.Event) error {
	if r.metrics != nil {
		r.metrics.ObserveRefine(ev)
	}
	var errs []error
	if ev.Candidate != nil {
		errs = append(errs, r.writeCandidate(ev.Candidate))
	}
	if ev.Action == refine.ActionBuild && ev.Result != nil {
		errs = append(errs, r.writeBuild(ctx, db.LoopRefine, ev.Round, ev.Candidate, ev.Result))
	}
	if r.db != nil {
		var buildStatus, kind string
		if ev.Result != nil {
			buildStatus, kind = string(ev.Result.Status), string(ev.Result.Kind)
		}
		errs = append(errs, r.db.LogRoundEvent(ctx, db.RoundEvent{
			SessionID:        r.sessionID,
			Loop:             db.LoopRefine,
			Round:            ev.Round,
			Phase:            "refine",
			Action:           ev.Action,
			CandidateVersion: ev.CandidateVersion,
			AcceptedVersion:  ev.CurrentVersion,
			ErrorKind:        kind,
			BuildStatus:      buildStatus,
			Reason:           string(ev.Reason),
			RefineExit:       string(ev.Exit),
			Feedback:         ev.Feedback,
			InputTokens:      ev.Usage.InputTokens,
			OutputTokens:     ev.Usage.OutputTokens,
			CostUSD:          ev.Usage.CostUSD,
			Detail:           ev.Detail,
		}))
	}
	return errors.Join(errs...)
}

func (r *Recorder) writeCandidate(c *candidate.Candidate) error {
	if r.store == nil {
		return nil
	}
	err := r.store.WriteCandidate(r.sessionID, c, r.manifestFile)
	if err != nil {
		r.logger.Warn("write candidate failed", "version", c.Version, "error", err)
	}
	return err
}

func (r *Recorder) writeBuild(ctx context.Context, loop string, round int, c *candidate.Candidate, res *build.Result) error {
	version := res.CandidateVersion
	var errs []error
	if r.store != nil {
		errs = append(errs, r.store.WriteBuildLog(r.sessionID, loop, round, version, res.Log))
	}
	if r.db != nil {
		digest := ""
		if c != nil {
			digest = c.Digest()
		}
		errs = append(errs, r.db.LogBuildRun(ctx, db.BuildRun{
			SessionID:        r.sessionID,
			Loop:             loop,
			Round:            round,
			CandidateVersion: version,
			CandidateDigest:  digest,
			Status:           string(res.Status),
			Success:          res.Success,
			ExitCode:         res.ExitCode,
			ErrorKind:        string(res.Kind),
			Phase:            string(res.Phase),
			LineCount:        res.LineCount,
			DurationMs:       res.Duration.Milliseconds(),
		}))
	}
	return errors.Join(errs...)
}
