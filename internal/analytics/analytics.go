// Package analytics aggregates the recorded sessions for `pkgforge stats`.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
	Rebind(query string) string
}

// Summary holds session-level totals.
type Summary struct {
	Sessions     int     `json:"sessions"`
	Succeeded    int     `json:"succeeded"`
	Stopped      int     `json:"stopped"`
	Unfinished   int     `json:"unfinished"`
	SuccessRate  float64 `json:"success_pct"`
	AvgRounds    float64 `json:"avg_rounds"`
	P50Rounds    float64 `json:"p50_rounds"`
	P95Rounds    float64 `json:"p95_rounds"`
	AvgCostUSD   float64 `json:"avg_cost_usd"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// QuerySummary returns totals over sessions started at or after since
// (RFC 3339; empty for all).
func QuerySummary(database DB, since string) (*Summary, error) {
	query := `
		SELECT o.status, o.rounds, o.cost_usd
		FROM sessions s LEFT JOIN session_outcomes o ON o.session_id = s.id`
	args := []interface{}{}
	if since != "" {
		query += ` WHERE s.started_at >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var s Summary
	var rounds []float64
	for rows.Next() {
		var status sql.NullString
		var n sql.NullInt64
		var cost sql.NullFloat64
		if err := rows.Scan(&status, &n, &cost); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.Sessions++
		switch status.String {
		case "succeeded":
			s.Succeeded++
		case "":
			s.Unfinished++
			continue
		default:
			s.Stopped++
		}
		rounds = append(rounds, float64(n.Int64))
		s.TotalCostUSD += cost.Float64
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	finished := s.Succeeded + s.Stopped
	s.SuccessRate = pct(s.Succeeded, finished)
	sort.Float64s(rounds)
	s.AvgRounds = avg(rounds)
	s.P50Rounds = percentile(rounds, 50)
	s.P95Rounds = percentile(rounds, 95)
	if finished > 0 {
		s.AvgCostUSD = math.Round(s.TotalCostUSD/float64(finished)*10000) / 10000
	}
	s.TotalCostUSD = math.Round(s.TotalCostUSD*10000) / 10000
	return &s, nil
}

// Count is a labelled count with its share of the total.
type Count struct {
	Label string  `json:"label"`
	Count int     `json:"count"`
	Pct   float64 `json:"pct"`
}

// queryCounts runs a two-column (label, count) query and adds percentages.
func queryCounts(database DB, query string, args []interface{}) ([]Count, error) {
	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Count
	total := 0
	for rows.Next() {
		var c Count
		var label sql.NullString
		if err := rows.Scan(&label, &c.Count); err != nil {
			return nil, err
		}
		c.Label = label.String
		total += c.Count
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Pct = pct(out[i].Count, total)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

// QueryStopReasons returns how sessions ended, by status and reason.
func QueryStopReasons(database DB, since string) ([]Count, error) {
	query := `
		SELECT CASE WHEN o.reason IS NULL OR o.reason = '' THEN o.status ELSE o.reason END AS label, COUNT(*)
		FROM session_outcomes o JOIN sessions s ON s.id = o.session_id`
	args := []interface{}{}
	if since != "" {
		query += ` WHERE s.started_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY label`
	out, err := queryCounts(database, query, args)
	if err != nil {
		return nil, fmt.Errorf("query stop reasons: %w", err)
	}
	return out, nil
}

// QueryVerdicts returns the distribution of log comparison verdicts.
func QueryVerdicts(database DB, since string) ([]Count, error) {
	query := `
		SELECT verdict, COUNT(*) FROM round_events
		WHERE loop = 'repair' AND verdict IS NOT NULL AND verdict != ''
		AND action IN ('adopt', 'revert', 'broken_log')`
	args := []interface{}{}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY verdict`
	out, err := queryCounts(database, query, args)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	return out, nil
}

// QueryErrorKinds returns failed repair builds by classified error kind.
func QueryErrorKinds(database DB, since string) ([]Count, error) {
	query := `
		SELECT error_kind, COUNT(*) FROM build_runs
		WHERE loop = 'repair' AND success = ?`
	args := []interface{}{false}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY error_kind`
	out, err := queryCounts(database, query, args)
	if err != nil {
		return nil, fmt.Errorf("query error kinds: %w", err)
	}
	return out, nil
}

// Transition counts how often one error kind was followed by another in
// consecutive repair builds of a session.
type Transition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// QueryKindTransitions returns error-kind transitions between consecutive
// repair builds, most frequent first. A successful build appears as
// "success".
func QueryKindTransitions(database DB, since string) ([]Transition, error) {
	query := `
		SELECT session_id, success, error_kind FROM build_runs
		WHERE loop = 'repair'`
	args := []interface{}{}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY session_id, id`

	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	counts := make(map[[2]string]int)
	prevSession, prevKind := "", ""
	for rows.Next() {
		var session string
		var success bool
		var kind sql.NullString
		if err := rows.Scan(&session, &success, &kind); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		k := kind.String
		if success {
			k = "success"
		}
		if session == prevSession && prevKind != "" && prevKind != k {
			counts[[2]string{prevKind, k}]++
		}
		prevSession, prevKind = session, k
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Transition, 0, len(counts))
	for key, n := range counts {
		out = append(out, Transition{From: key[0], To: key[1], Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out, nil
}

// BuildDuration holds duration stats for one loop's builds.
type BuildDuration struct {
	Loop  string  `json:"loop"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// QueryBuildDurations returns build duration stats per loop.
func QueryBuildDurations(database DB, since string) ([]BuildDuration, error) {
	query := `SELECT loop, duration_ms FROM build_runs WHERE duration_ms IS NOT NULL`
	args := []interface{}{}
	if since != "" {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	rows, err := database.Conn().Query(database.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query build durations: %w", err)
	}
	defer rows.Close()

	byLoop := make(map[string][]float64)
	for rows.Next() {
		var loop string
		var ms int64
		if err := rows.Scan(&loop, &ms); err != nil {
			return nil, fmt.Errorf("scan build duration: %w", err)
		}
		byLoop[loop] = append(byLoop[loop], float64(ms)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []BuildDuration
	for loop, secs := range byLoop {
		sort.Float64s(secs)
		results = append(results, BuildDuration{
			Loop:  loop,
			Count: len(secs),
			Avg:   avg(secs),
			P50:   percentile(secs, 50),
			P95:   percentile(secs, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Loop < results[j].Loop
	})
	return results, nil
}

// Report bundles every aggregate.
type Report struct {
	Summary        *Summary        `json:"summary"`
	StopReasons    []Count         `json:"stop_reasons"`
	Verdicts       []Count         `json:"verdicts"`
	ErrorKinds     []Count         `json:"error_kinds"`
	Transitions    []Transition    `json:"transitions"`
	BuildDurations []BuildDuration `json:"build_durations"`
}

// Summarize runs every query.
func Summarize(database DB, since string) (*Report, error) {
	var r Report
	var err error
	if r.Summary, err = QuerySummary(database, since); err != nil {
		return nil, err
	}
	if r.StopReasons, err = QueryStopReasons(database, since); err != nil {
		return nil, err
	}
	if r.Verdicts, err = QueryVerdicts(database, since); err != nil {
		return nil, err
	}
	if r.ErrorKinds, err = QueryErrorKinds(database, since); err != nil {
		return nil, err
	}
	if r.Transitions, err = QueryKindTransitions(database, since); err != nil {
		return nil, err
	}
	if r.BuildDurations, err = QueryBuildDurations(database, since); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
