package iterate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/pkgforge/internal/build"
	"github.com/lucasnoah/pkgforge/internal/candidate"
	"github.com/lucasnoah/pkgforge/internal/classify"
	"github.com/lucasnoah/pkgforge/internal/generate"
	"github.com/lucasnoah/pkgforge/internal/logdiff"
	"github.com/lucasnoah/pkgforge/internal/model"
	"github.com/lucasnoah/pkgforge/internal/prompt"
)

type mockBuilder struct {
	fn     func(n int, c *candidate.Candidate) (*build.Result, error)
	builds []*candidate.Candidate
}

func (m *mockBuilder) Build(ctx context.Context, c *candidate.Candidate) (*build.Result, error) {
	m.builds = append(m.builds, c)
	return m.fn(len(m.builds), c)
}

type mockGen struct {
	fn       func(n int, req generate.Request) (*generate.Result, error)
	requests []generate.Request
}

func (m *mockGen) Generate(ctx context.Context, req generate.Request) (*generate.Result, error) {
	m.requests = append(m.requests, req)
	if m.fn != nil {
		return m.fn(len(m.requests), req)
	}
	return successor(req), nil
}

func successor(req generate.Request) *generate.Result {
	return &generate.Result{
		Candidate: req.Current.Next(req.Version, req.Current.Text+"+", candidate.OriginRepair),
		Purpose:   prompt.ForKind(req.Kind),
	}
}

type mockCmp struct {
	verdicts []logdiff.Verdict
	calls    int
}

func (m *mockCmp) Compare(ctx context.Context, prev, next string) (logdiff.Verdict, logdiff.Diff, error) {
	m.calls++
	v := m.verdicts[len(m.verdicts)-1]
	if m.calls <= len(m.verdicts) {
		v = m.verdicts[m.calls-1]
	}
	return v, logdiff.Diff{Divergence: 1}, nil
}

type eventLog struct {
	events []Event
}

func (e *eventLog) Record(ctx context.Context, ev Event) error {
	e.events = append(e.events, ev)
	return nil
}

func (e *eventLog) actions() []string {
	var out []string
	for _, ev := range e.events {
		out = append(out, ev.Action)
	}
	return out
}

func failed(c *candidate.Candidate, log string) *build.Result {
	return &build.Result{
		CandidateVersion: c.Version,
		Status:           build.StatusFailed,
		ExitCode:         1,
		Log:              log,
		Kind:             classify.KindGeneric,
		Phase:            build.PhaseBuild,
	}
}

func succeeded(c *candidate.Candidate) *build.Result {
	return &build.Result{CandidateVersion: c.Version, Status: build.StatusSucceeded, Success: true, Log: "ok"}
}

func alwaysFail(n int, c *candidate.Candidate) (*build.Result, error) {
	return failed(c, "error: build failed"), nil
}

func initial() *candidate.Candidate {
	return candidate.New("{ pkgs }: pkgs.hello", candidate.OriginInitial)
}

func TestRun_SuccessOnFirstBuild(t *testing.T) {
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) { return succeeded(c), nil }}
	g := &mockGen{}
	rec := &eventLog{}
	ctrl := NewController(b, g, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}, nil, rec, DefaultLimits(), nil)

	s, err := ctrl.Run(context.Background(), initial())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !s.Succeeded() || s.Accepted.Version != 1 || s.Round != 1 {
		t.Errorf("unexpected state phase=%s round=%d", s.Phase, s.Round)
	}
	if len(g.requests) != 0 {
		t.Errorf("no generation expected, got %d", len(g.requests))
	}
	acts := rec.actions()
	if len(acts) != 2 || acts[0] != ActionBuild || acts[1] != ActionAccept {
		t.Errorf("unexpected events %v", acts)
	}
}

func TestRun_RoundLimitBoundsBuilds(t *testing.T) {
	b := &mockBuilder{fn: alwaysFail}
	limits := DefaultLimits()
	limits.MaxRounds = 5
	ctrl := NewController(b, &mockGen{}, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}, nil, nil, limits, nil)

	s, err := ctrl.Run(context.Background(), initial())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Phase != PhaseStopped || s.Reason != ReasonRoundLimit {
		t.Fatalf("expected round limit stop, got %s %s", s.Phase, s.Reason)
	}
	if len(b.builds) != 5 {
		t.Errorf("expected 5 builds, got %d", len(b.builds))
	}
	if s.Accepted.Version != 5 {
		t.Errorf("every build progressed, accepted should be v5, got v%d", s.Accepted.Version)
	}
}

func TestRun_StagnationStopsAndKeepsFirst(t *testing.T) {
	b := &mockBuilder{fn: alwaysFail}
	g := &mockGen{}
	ctrl := NewController(b, g, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Stagnation}}, nil, nil, DefaultLimits(), nil)

	s, err := ctrl.Run(context.Background(), initial())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Reason != ReasonNoProgress {
		t.Fatalf("expected no_progress, got %q", s.Reason)
	}
	if s.Accepted.Version != 1 {
		t.Errorf("accepted should stay v1, got v%d", s.Accepted.Version)
	}
	if len(b.builds) != 4 {
		t.Errorf("expected baseline plus three stagnating builds, got %d", len(b.builds))
	}
	for i, req := range g.requests {
		if req.Current.Version != 1 {
			t.Errorf("request %d repaired v%d, want v1", i, req.Current.Version)
		}
	}
	last := g.requests[len(g.requests)-1]
	if !strings.Contains(last.Hints, "v2") || !strings.Contains(last.Hints, "v3") {
		t.Errorf("rejected attempts should be listed in hints: %q", last.Hints)
	}
}

func TestRun_RegressRevertsToAccepted(t *testing.T) {
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) {
		if n == 3 {
			return succeeded(c), nil
		}
		return failed(c, "error"), nil
	}}
	g := &mockGen{}
	ctrl := NewController(b, g, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Regress}}, nil, nil, DefaultLimits(), nil)

	s, err := ctrl.Run(context.Background(), initial())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !s.Succeeded() {
		t.Fatalf("expected success, got %s %s", s.Phase, s.Reason)
	}
	if s.Accepted.Version != 3 || s.Accepted.Parent != 1 {
		t.Errorf("v3 should derive from v1 after the revert: %+v", s.Accepted)
	}
	if g.requests[1].Current.Version != 1 {
		t.Errorf("second repair should start from v1, got v%d", g.requests[1].Current.Version)
	}
}

func TestRun_SupersetLogIsProgress(t *testing.T) {
	logs := []string{
		"unpacking sources\nconfiguring\nerror: missing foo",
		"unpacking sources\nconfiguring\nbuilding\nerror: missing foo",
	}
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) {
		if n > len(logs) {
			return succeeded(c), nil
		}
		return failed(c, logs[n-1]), nil
	}}
	cmp := logdiff.New(classify.Default(), logdiff.DefaultOptions(), nil)
	g := &mockGen{}
	ctrl := NewController(b, g, cmp, nil, nil, DefaultLimits(), nil)

	s := ctrl.Start(initial())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := ctrl.Step(ctx, s); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	if s.LastVerdict != logdiff.Progress {
		t.Fatalf("expected PROGRESS, got %s", s.LastVerdict)
	}
	if s.Accepted.Version != 2 {
		t.Errorf("v2 should be adopted, accepted v%d", s.Accepted.Version)
	}
}

func TestRun_BrokenLogRepairsFromAttempt(t *testing.T) {
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) {
		switch n {
		case 1:
			return failed(c, "error: a"), nil
		case 2:
			r := failed(c, "garbage")
			r.Kind = classify.KindBrokenOutput
			return r, nil
		case 3:
			return failed(c, "error: a"), nil
		}
		return succeeded(c), nil
	}}
	g := &mockGen{}
	cmp := &mockCmp{verdicts: []logdiff.Verdict{logdiff.BrokenLogOutput, logdiff.Stagnation}}
	ctrl := NewController(b, g, cmp, nil, nil, DefaultLimits(), nil)

	s := ctrl.Start(initial())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := ctrl.Step(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if !s.BrokenLog || s.Accepted.Version != 1 || s.Current.Version != 2 {
		t.Fatalf("broken log should keep v1 accepted and repair v2: broken=%v accepted=v%d current=v%d",
			s.BrokenLog, s.Accepted.Version, s.Current.Version)
	}
	req := g.requests[len(g.requests)-1]
	if req.Kind != classify.KindBrokenOutput || req.Current.Version != 2 {
		t.Errorf("expected log-output repair of v2, got %s on v%d", req.Kind, req.Current.Version)
	}

	// a readable log after the fix is adopted even though it looks the same
	if err := ctrl.Step(ctx, s); err != nil {
		t.Fatal(err)
	}
	if s.BrokenLog || s.Accepted.Version != 3 {
		t.Errorf("fixed log should be adopted: broken=%v accepted=v%d", s.BrokenLog, s.Accepted.Version)
	}
}

func TestRun_HashMismatchContinuesWithoutCompare(t *testing.T) {
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) {
		if n == 2 {
			r := failed(c, "hash mismatch in fixed-output derivation")
			r.Kind = classify.KindHashMismatch
			return r, nil
		}
		return failed(c, "error"), nil
	}}
	g := &mockGen{}
	cmp := &mockCmp{verdicts: []logdiff.Verdict{logdiff.Regress}}
	ctrl := NewController(b, g, cmp, nil, nil, DefaultLimits(), nil)

	s := ctrl.Start(initial())
	for i := 0; i < 2; i++ {
		if err := ctrl.Step(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	if cmp.calls != 0 {
		t.Errorf("hash mismatch should not be compared, %d calls", cmp.calls)
	}
	if s.Accepted.Version != 1 || s.Current.Version != 2 {
		t.Errorf("accepted v%d current v%d", s.Accepted.Version, s.Current.Version)
	}
	req := g.requests[1]
	if req.Kind != classify.KindHashMismatch || req.Current.Version != 2 {
		t.Errorf("expected hash repair of v2, got %s on v%d", req.Kind, req.Current.Version)
	}
}

func TestRun_TimeoutReverts(t *testing.T) {
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) {
		if n == 2 {
			r := failed(c, "partial")
			r.Status = build.StatusTimedOut
			return r, nil
		}
		return failed(c, "error"), nil
	}}
	g := &mockGen{}
	cmp := &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}
	ctrl := NewController(b, g, cmp, nil, nil, DefaultLimits(), nil)

	s := ctrl.Start(initial())
	for i := 0; i < 2; i++ {
		if err := ctrl.Step(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	if cmp.calls != 0 || s.NoProgress != 1 {
		t.Errorf("timeout should count as no progress without comparing: calls=%d noProgress=%d", cmp.calls, s.NoProgress)
	}
	if s.Current.Version != 1 {
		t.Errorf("expected revert to v1, current v%d", s.Current.Version)
	}
	if !strings.Contains(g.requests[1].Hints, "timed out") {
		t.Errorf("hint should mention the timeout: %q", g.requests[1].Hints)
	}
}

func TestRun_ExecutorErrorRetriedOnce(t *testing.T) {
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) {
		if n == 1 {
			return nil, errors.New("sandbox unavailable")
		}
		return succeeded(c), nil
	}}
	rec := &eventLog{}
	ctrl := NewController(b, &mockGen{}, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}, nil, rec, DefaultLimits(), nil)

	s, err := ctrl.Run(context.Background(), initial())
	if err != nil {
		t.Fatal(err)
	}
	if !s.Succeeded() || s.Round != 2 {
		t.Errorf("expected success on the retry with 2 rounds, got %s round=%d", s.Phase, s.Round)
	}
	if rec.actions()[0] != ActionExecutorRetry {
		t.Errorf("expected executor_retry event first, got %v", rec.actions())
	}
}

func TestRun_ExecutorErrorTwiceIsGenericFailure(t *testing.T) {
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) {
		return nil, errors.New("sandbox unavailable")
	}}
	limits := DefaultLimits()
	limits.MaxRounds = 2
	ctrl := NewController(b, &mockGen{}, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}, nil, nil, limits, nil)

	s, err := ctrl.Run(context.Background(), initial())
	if err != nil {
		t.Fatal(err)
	}
	if s.LastResult == nil || s.LastResult.Kind != classify.KindGeneric || s.LastResult.Success {
		t.Fatalf("expected a synthetic generic failure, got %+v", s.LastResult)
	}
	if !strings.Contains(s.LastResult.Log, "sandbox unavailable") {
		t.Errorf("log should carry the executor error: %q", s.LastResult.Log)
	}
	if s.Reason != ReasonRoundLimit {
		t.Errorf("expected round limit, got %q", s.Reason)
	}
}

func TestRun_ParseFailureRetriedWithSyntaxPrompt(t *testing.T) {
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) {
		if n == 2 {
			return succeeded(c), nil
		}
		return failed(c, "error"), nil
	}}
	g := &mockGen{fn: func(n int, req generate.Request) (*generate.Result, error) {
		if n == 1 {
			return &generate.Result{}, &generate.Failure{Kind: generate.FailureParse, Err: errors.New("no block")}
		}
		return successor(req), nil
	}}
	ctrl := NewController(b, g, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}, nil, nil, DefaultLimits(), nil)

	s, err := ctrl.Run(context.Background(), initial())
	if err != nil {
		t.Fatal(err)
	}
	if !s.Succeeded() {
		t.Fatalf("expected success, got %s", s.Reason)
	}
	retry := g.requests[1]
	if retry.Purpose != prompt.PurposeFixSyntax || retry.Kind != classify.KindResponseParse {
		t.Errorf("retry should use the syntax prompt, got %s/%s", retry.Purpose, retry.Kind)
	}
	if retry.Version != g.requests[0].Version || s.Accepted.Version != 2 {
		t.Errorf("failed generation should not consume a version: retry v%d accepted v%d", retry.Version, s.Accepted.Version)
	}
}

func TestRun_RepeatedGenerationFailureStops(t *testing.T) {
	b := &mockBuilder{fn: alwaysFail}
	g := &mockGen{fn: func(n int, req generate.Request) (*generate.Result, error) {
		return nil, &generate.Failure{Kind: generate.FailureRefusal, Err: model.ErrRefusal}
	}}
	ctrl := NewController(b, g, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}, nil, nil, DefaultLimits(), nil)

	s, err := ctrl.Run(context.Background(), initial())
	if err != nil {
		t.Fatal(err)
	}
	if s.Reason != ReasonGenerationFailure {
		t.Fatalf("expected generation_failure, got %q", s.Reason)
	}
	if len(b.builds) != 1 {
		t.Errorf("nothing new to build, got %d builds", len(b.builds))
	}
	if len(g.requests) != 3 {
		t.Errorf("refusals are not retried within a round: %d requests", len(g.requests))
	}
	if s.Accepted.Version != 1 {
		t.Errorf("accepted should remain v1")
	}
}

func TestRun_CostLimit(t *testing.T) {
	meter := &model.Meter{}
	b := &mockBuilder{fn: alwaysFail}
	g := &mockGen{fn: func(n int, req generate.Request) (*generate.Result, error) {
		meter.Record(model.Usage{InputTokens: 100, CostUSD: 0.6})
		return successor(req), nil
	}}
	limits := DefaultLimits()
	limits.MaxCostUSD = 1.0
	ctrl := NewController(b, g, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}, meter, nil, limits, nil)

	s, err := ctrl.Run(context.Background(), initial())
	if err != nil {
		t.Fatal(err)
	}
	if s.Reason != ReasonCostLimit {
		t.Fatalf("expected cost_limit, got %q", s.Reason)
	}
	if len(b.builds) != 2 {
		t.Errorf("expected 2 builds before the budget ran out, got %d", len(b.builds))
	}
	if s.Usage.CostUSD < 1.0 {
		t.Errorf("state usage should reflect the meter: %v", s.Usage.CostUSD)
	}
}

func TestRun_SpendLimits(t *testing.T) {
	cases := []struct {
		name   string
		limits func(l *Limits)
		spend  func(meter *model.Meter, clock *time.Time)
		want   StopReason
	}{
		{
			name:   "tokens",
			limits: func(l *Limits) { l.MaxTokens = 1000 },
			spend: func(meter *model.Meter, clock *time.Time) {
				meter.Record(model.Usage{InputTokens: 500, OutputTokens: 100})
			},
			want: ReasonTokenLimit,
		},
		{
			name:   "time",
			limits: func(l *Limits) { l.TimeLimit = 15 * time.Minute },
			spend: func(meter *model.Meter, clock *time.Time) {
				*clock = clock.Add(10 * time.Minute)
			},
			want: ReasonTimeLimit,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meter := &model.Meter{}
			clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			b := &mockBuilder{fn: alwaysFail}
			g := &mockGen{fn: func(n int, req generate.Request) (*generate.Result, error) {
				tc.spend(meter, &clock)
				return successor(req), nil
			}}
			limits := DefaultLimits()
			tc.limits(&limits)
			ctrl := NewController(b, g, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}, meter, nil, limits, nil)
			ctrl.now = func() time.Time { return clock }

			s, err := ctrl.Run(context.Background(), initial())
			if err != nil {
				t.Fatal(err)
			}
			if s.Reason != tc.want {
				t.Fatalf("expected %s, got %q", tc.want, s.Reason)
			}
			if len(b.builds) != 2 {
				t.Errorf("expected 2 builds before the budget ran out, got %d", len(b.builds))
			}
		})
	}
}

func TestRun_RegressKeepsPendingLogRepair(t *testing.T) {
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) {
		if n == 2 {
			r := failed(c, "garbage")
			r.Kind = classify.KindBrokenOutput
			return r, nil
		}
		return failed(c, "error: a"), nil
	}}
	g := &mockGen{}
	cmp := &mockCmp{verdicts: []logdiff.Verdict{logdiff.BrokenLogOutput, logdiff.Regress, logdiff.Stagnation}}
	ctrl := NewController(b, g, cmp, nil, nil, DefaultLimits(), nil)

	s := ctrl.Start(initial())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := ctrl.Step(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if !s.BrokenLog || s.Current.Version != 1 {
		t.Fatalf("regress should revert but keep the log repair pending: broken=%v current=v%d", s.BrokenLog, s.Current.Version)
	}
	req := g.requests[len(g.requests)-1]
	if req.Kind != classify.KindBrokenOutput || req.Current.Version != 1 {
		t.Errorf("expected log-output repair of v1, got %s on v%d", req.Kind, req.Current.Version)
	}

	if err := ctrl.Step(ctx, s); err != nil {
		t.Fatal(err)
	}
	if s.BrokenLog || s.Accepted.Version != 4 {
		t.Errorf("stagnation after the broken log should adopt: broken=%v accepted=v%d", s.BrokenLog, s.Accepted.Version)
	}
}

func TestRun_HashMismatchStreakReverts(t *testing.T) {
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) {
		if n == 1 {
			return failed(c, "error: a"), nil
		}
		r := failed(c, "hash mismatch in fixed-output derivation")
		r.Kind = classify.KindHashMismatch
		return r, nil
	}}
	g := &mockGen{}
	rec := &eventLog{}
	cmp := &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}
	limits := DefaultLimits()
	limits.NonBuildErrorLimit = 3
	ctrl := NewController(b, g, cmp, nil, rec, limits, nil)

	s := ctrl.Start(initial())
	for i := 0; i < 3; i++ {
		if err := ctrl.Step(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	if s.Current.Version != 3 || s.NonBuild != 2 {
		t.Fatalf("expected to continue from v3 with 2 hash fixes, got current v%d count %d", s.Current.Version, s.NonBuild)
	}

	if err := ctrl.Step(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if s.Current.Version != 1 || s.NonBuild != 0 || s.Done() {
		t.Errorf("third hash fix in a row should revert to v1 and go on: current v%d count %d phase %s", s.Current.Version, s.NonBuild, s.Phase)
	}
	req := g.requests[len(g.requests)-1]
	if req.Current.Version != 1 || req.Kind != classify.KindGeneric {
		t.Errorf("expected repair of v1 from its own failure, got %s on v%d", req.Kind, req.Current.Version)
	}
	if cmp.calls != 0 {
		t.Errorf("hash mismatches should not be compared, %d calls", cmp.calls)
	}
	acts := rec.actions()
	if acts[len(acts)-2] != ActionRevert {
		t.Errorf("expected a revert before the last generate, got %v", acts)
	}
}

// countingBackend answers from a script and then repeats the last answer.
type countingBackend struct {
	mu      sync.Mutex
	answers []string
	err     error
	calls   int
}

func (b *countingBackend) Generate(ctx context.Context, req model.Request) (*model.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	i := min(b.calls, len(b.answers)) - 1
	return &model.Response{Text: b.answers[i]}, nil
}

func newGenerator(b model.Backend) *generate.Generator {
	return generate.New(b, prompt.NewLibrary(""), classify.Default(), generate.Config{Lang: "nix", MaxToolSteps: 2}, nil)
}

func TestRun_RefusalFromModelStops(t *testing.T) {
	backend := &countingBackend{err: model.ErrRefusal}
	b := &mockBuilder{fn: alwaysFail}
	rec := &eventLog{}
	ctrl := NewController(b, newGenerator(backend), &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}, nil, rec, DefaultLimits(), nil)

	s, err := ctrl.Run(context.Background(), initial())
	if err != nil {
		t.Fatal(err)
	}
	if s.Reason != ReasonGenerationFailure || s.Accepted.Version != 1 {
		t.Fatalf("expected generation_failure with v1 kept, got %q v%d", s.Reason, s.Accepted.Version)
	}
	if backend.calls != DefaultLimits().GenerationFailureLimit || len(b.builds) != 1 {
		t.Errorf("refusals should not be retried within a round: calls=%d builds=%d", backend.calls, len(b.builds))
	}
	failures := 0
	for _, ev := range rec.events {
		if ev.Action == ActionGenerationFailed {
			failures++
			if !strings.Contains(ev.Detail, "refusal") {
				t.Errorf("detail = %q", ev.Detail)
			}
		}
	}
	if failures != 3 {
		t.Errorf("generation_failed events = %d", failures)
	}
}

func TestRun_CachedBackendAsksAgainAfterRejection(t *testing.T) {
	db, err := model.OpenCache(model.CacheConfig{InMemory: true}, nil)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer db.Close()

	backend := &countingBackend{answers: []string{
		"I am not sure.",
		"I am not sure.",
		"```nix\n{ pkgs }: pkgs.hello.overrideAttrs (_: { })\n```",
	}}
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) {
		if n == 1 {
			return failed(c, "error: build failed"), nil
		}
		return succeeded(c), nil
	}}
	gen := newGenerator(model.NewCached(backend, db, "", nil))
	ctrl := NewController(b, gen, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}, nil, nil, DefaultLimits(), nil)

	s, err := ctrl.Run(context.Background(), initial())
	if err != nil {
		t.Fatal(err)
	}
	if !s.Succeeded() {
		t.Fatalf("expected success, got %s %q", s.Phase, s.Reason)
	}
	if backend.calls != 3 {
		t.Errorf("backend calls = %d, want 3", backend.calls)
	}
	if s.GenFailures != 0 || s.Accepted.Version != 2 {
		t.Errorf("gen failures=%d accepted=v%d", s.GenFailures, s.Accepted.Version)
	}
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &mockBuilder{fn: func(n int, c *candidate.Candidate) (*build.Result, error) {
		if n == 2 {
			cancel()
			return nil, context.Canceled
		}
		return failed(c, "error"), nil
	}}
	ctrl := NewController(b, &mockGen{}, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}, nil, nil, DefaultLimits(), nil)

	s, err := ctrl.Run(ctx, initial())
	if err != nil {
		t.Fatal(err)
	}
	if s.Reason != ReasonCanceled || s.Accepted.Version != 1 {
		t.Errorf("expected canceled with v1 accepted, got %q v%d", s.Reason, s.Accepted.Version)
	}
}

func TestStep_DoneIsNoop(t *testing.T) {
	b := &mockBuilder{fn: alwaysFail}
	ctrl := NewController(b, &mockGen{}, &mockCmp{verdicts: []logdiff.Verdict{logdiff.Progress}}, nil, nil, DefaultLimits(), nil)
	s := ctrl.Start(initial())
	s.Phase = PhaseStopped
	if err := ctrl.Step(context.Background(), s); err != nil || len(b.builds) != 0 {
		t.Errorf("terminal state should not build: err=%v builds=%d", err, len(b.builds))
	}
}
