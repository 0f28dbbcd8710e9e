package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TimeFormat is the layout of every timestamp column.
const TimeFormat = time.RFC3339Nano

func now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// Session represents a row in the sessions table.
type Session struct {
	ID        string
	Project   string
	Subject   string
	Model     string
	Config    string
	StartedAt string
}

// RoundEvent represents a row in the round_events table.
type RoundEvent struct {
	ID               int64
	SessionID        string
	Loop             string
	Round            int
	Phase            string
	Action           string
	CandidateVersion int
	AcceptedVersion  int
	ErrorKind        string
	Verdict          string
	BuildStatus      string
	Divergence       int
	Truncated        bool
	Reason           string
	RefineExit       string
	Feedback         string
	InputTokens      int
	OutputTokens     int
	CostUSD          float64
	Detail           string
	CreatedAt        string
}

// BuildRun represents a row in the build_runs table.
type BuildRun struct {
	ID               int64
	SessionID        string
	Loop             string
	Round            int
	CandidateVersion int
	CandidateDigest  string
	Status           string
	Success          bool
	ExitCode         int
	ErrorKind        string
	Phase            string
	LineCount        int
	DurationMs       int64
	CreatedAt        string
}

// Outcome represents a row in the session_outcomes table.
type Outcome struct {
	SessionID     string
	Status        string
	Reason        string
	RefineReason  string
	FinalVersion  int
	LastErrorKind string
	FailureCause  string
	Rounds        int
	InputTokens   int
	OutputTokens  int
	CostUSD       float64
	DurationMs    int64
	FinishedAt    string
}

// SessionSummary is a session joined with its outcome, if it has one.
type SessionSummary struct {
	Session
	Outcome *Outcome
}

// Loops recorded in round_events and build_runs.
const (
	LoopRepair = "repair"
	LoopRefine = "refine"
)

// CreateSession inserts a session.
func (d *DB) CreateSession(ctx context.Context, s Session) error {
	if s.StartedAt == "" {
		s.StartedAt = now()
	}
	err := d.exec(ctx,
		`INSERT INTO sessions (id, project, subject, model, config, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Project, s.Subject, s.Model, s.Config, s.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// LogRoundEvent appends a round event.
func (d *DB) LogRoundEvent(ctx context.Context, e RoundEvent) error {
	if e.CreatedAt == "" {
		e.CreatedAt = now()
	}
	err := d.exec(ctx,
		`INSERT INTO round_events (session_id, loop, round, phase, action, candidate_version, accepted_version,
		 error_kind, verdict, build_status, divergence, truncated, reason, refine_exit, feedback,
		 input_tokens, output_tokens, cost_usd, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Loop, e.Round, e.Phase, e.Action, e.CandidateVersion, e.AcceptedVersion,
		e.ErrorKind, e.Verdict, e.BuildStatus, e.Divergence, e.Truncated, e.Reason, e.RefineExit, e.Feedback,
		e.InputTokens, e.OutputTokens, e.CostUSD, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("log round event: %w", err)
	}
	return nil
}

// LogBuildRun appends a build run.
func (d *DB) LogBuildRun(ctx context.Context, b BuildRun) error {
	if b.CreatedAt == "" {
		b.CreatedAt = now()
	}
	err := d.exec(ctx,
		`INSERT INTO build_runs (session_id, loop, round, candidate_version, candidate_digest, status, success,
		 exit_code, error_kind, phase, line_count, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.SessionID, b.Loop, b.Round, b.CandidateVersion, b.CandidateDigest, b.Status, b.Success,
		b.ExitCode, b.ErrorKind, b.Phase, b.LineCount, b.DurationMs, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("log build run: %w", err)
	}
	return nil
}

// LogOutcome records how a session ended. A session has at most one outcome.
func (d *DB) LogOutcome(ctx context.Context, o Outcome) error {
	if o.FinishedAt == "" {
		o.FinishedAt = now()
	}
	err := d.exec(ctx,
		`INSERT INTO session_outcomes (session_id, status, reason, refine_reason, final_version, last_error_kind,
		 failure_cause, rounds, input_tokens, output_tokens, cost_usd, duration_ms, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SessionID, o.Status, o.Reason, o.RefineReason, o.FinalVersion, o.LastErrorKind,
		o.FailureCause, o.Rounds, o.InputTokens, o.OutputTokens, o.CostUSD, o.DurationMs, o.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("log outcome: %w", err)
	}
	return nil
}

const summaryColumns = `s.id, s.project, s.subject, s.model, s.config, s.started_at,
	o.status, o.reason, o.refine_reason, o.final_version, o.last_error_kind, o.failure_cause,
	o.rounds, o.input_tokens, o.output_tokens, o.cost_usd, o.duration_ms, o.finished_at
	FROM sessions s LEFT JOIN session_outcomes o ON o.session_id = s.id`

func scanSummary(sc interface{ Scan(...any) error }) (*SessionSummary, error) {
	var s SessionSummary
	var subject, model, config sql.NullString
	var status, reason, refineReason, lastKind, cause, finishedAt sql.NullString
	var finalVersion, rounds, in, out, durationMs sql.NullInt64
	var cost sql.NullFloat64
	err := sc.Scan(&s.ID, &s.Project, &subject, &model, &config, &s.StartedAt,
		&status, &reason, &refineReason, &finalVersion, &lastKind, &cause,
		&rounds, &in, &out, &cost, &durationMs, &finishedAt)
	if err != nil {
		return nil, err
	}
	s.Subject, s.Model, s.Config = subject.String, model.String, config.String
	if status.Valid {
		s.Outcome = &Outcome{
			SessionID:     s.ID,
			Status:        status.String,
			Reason:        reason.String,
			RefineReason:  refineReason.String,
			FinalVersion:  int(finalVersion.Int64),
			LastErrorKind: lastKind.String,
			FailureCause:  cause.String,
			Rounds:        int(rounds.Int64),
			InputTokens:   int(in.Int64),
			OutputTokens:  int(out.Int64),
			CostUSD:       cost.Float64,
			DurationMs:    durationMs.Int64,
			FinishedAt:    finishedAt.String,
		}
	}
	return &s, nil
}

// ListSessions returns the most recent sessions first. limit <= 0 returns all.
func (d *DB) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	query := `SELECT ` + summaryColumns + ` ORDER BY s.started_at DESC, s.id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.conn.QueryContext(ctx, d.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// GetSession returns a session by ID, or by unique ID prefix. It returns
// nil, nil when nothing matches.
func (d *DB) GetSession(ctx context.Context, id string) (*SessionSummary, error) {
	rows, err := d.conn.QueryContext(ctx, d.Rebind(`SELECT `+summaryColumns+` WHERE s.id LIKE ? ORDER BY s.id LIMIT 2`), id+"%")
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	defer rows.Close()

	var found []*SessionSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch {
	case len(found) == 0:
		return nil, nil
	case len(found) > 1 && found[0].ID != id:
		return nil, fmt.Errorf("session prefix %q is ambiguous", id)
	}
	return found[0], nil
}

// SessionEvents returns a session's round events in the order they were
// recorded.
func (d *DB) SessionEvents(ctx context.Context, sessionID string) ([]RoundEvent, error) {
	rows, err := d.conn.QueryContext(ctx, d.Rebind(
		`SELECT id, session_id, loop, round, phase, action, candidate_version, accepted_version,
		 error_kind, verdict, build_status, divergence, truncated, reason, refine_exit, feedback,
		 input_tokens, output_tokens, cost_usd, detail, created_at
		 FROM round_events WHERE session_id = ? ORDER BY id`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("session events: %w", err)
	}
	defer rows.Close()

	var out []RoundEvent
	for rows.Next() {
		var e RoundEvent
		var phase, kind, verdict, status, reason, exit, feedback, detail sql.NullString
		var candidate, accepted, divergence sql.NullInt64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Loop, &e.Round, &phase, &e.Action, &candidate, &accepted,
			&kind, &verdict, &status, &divergence, &e.Truncated, &reason, &exit, &feedback,
			&e.InputTokens, &e.OutputTokens, &e.CostUSD, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan round event: %w", err)
		}
		e.Phase, e.ErrorKind, e.Verdict, e.BuildStatus = phase.String, kind.String, verdict.String, status.String
		e.Reason, e.RefineExit, e.Feedback, e.Detail = reason.String, exit.String, feedback.String, detail.String
		e.CandidateVersion, e.AcceptedVersion, e.Divergence = int(candidate.Int64), int(accepted.Int64), int(divergence.Int64)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SessionBuilds returns a session's build runs in order.
func (d *DB) SessionBuilds(ctx context.Context, sessionID string) ([]BuildRun, error) {
	rows, err := d.conn.QueryContext(ctx, d.Rebind(
		`SELECT id, session_id, loop, round, candidate_version, candidate_digest, status, success,
		 exit_code, error_kind, phase, line_count, duration_ms, created_at
		 FROM build_runs WHERE session_id = ? ORDER BY id`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("session builds: %w", err)
	}
	defer rows.Close()

	var out []BuildRun
	for rows.Next() {
		var b BuildRun
		var digest, kind, phase sql.NullString
		var exitCode, lines, duration sql.NullInt64
		if err := rows.Scan(&b.ID, &b.SessionID, &b.Loop, &b.Round, &b.CandidateVersion, &digest, &b.Status, &b.Success,
			&exitCode, &kind, &phase, &lines, &duration, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan build run: %w", err)
		}
		b.CandidateDigest, b.ErrorKind, b.Phase = digest.String, kind.String, phase.String
		b.ExitCode, b.LineCount, b.DurationMs = int(exitCode.Int64), int(lines.Int64), duration.Int64
		out = append(out, b)
	}
	return out, rows.Err()
}
