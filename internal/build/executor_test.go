package build

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/pkgforge/internal/candidate"
	"github.com/lucasnoah/pkgforge/internal/classify"
)

// mockCmd records calls and returns configured results.
type mockCmd struct {
	calls   []string
	results []mockResult
	callIdx int
	// block makes Run wait for the context to end.
	block bool
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (m *mockCmd) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	m.calls = append(m.calls, command)
	if m.block {
		<-ctx.Done()
		return "partial", "", -1, ctx.Err()
	}
	if m.callIdx >= len(m.results) {
		return "", "", 0, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

// countingSandbox wraps TempSandbox and tracks open environments.
type countingSandbox struct {
	TempSandbox
	mu   sync.Mutex
	open int
	dirs []string
}

func (s *countingSandbox) Acquire(ctx context.Context) (Env, error) {
	env, err := s.TempSandbox.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.open++
	s.dirs = append(s.dirs, env.Dir())
	s.mu.Unlock()
	return &countedEnv{Env: env, s: s}, nil
}

type countedEnv struct {
	Env
	s *countingSandbox
}

func (e *countedEnv) Close() error {
	e.s.mu.Lock()
	e.s.open--
	e.s.mu.Unlock()
	return e.Env.Close()
}

func newTestExecutor(t *testing.T, cmd CommandRunner, cfg Config) (*Executor, *countingSandbox) {
	t.Helper()
	sb := &countingSandbox{TempSandbox: TempSandbox{BaseDir: t.TempDir()}}
	if cfg.Command == "" {
		cfg.Command = "nix-build {{manifest_path}}"
	}
	return NewExecutor(cmd, sb, classify.Default(), cfg, nil), sb
}

func TestBuild_Success(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: "/nix/store/abc-hello-2.12\n", Stderr: "building...\n"}}}
	ex, sb := newTestExecutor(t, mock, Config{Subject: "hello"})

	res, err := ex.Build(context.Background(), candidate.New("{ }", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Status != StatusSucceeded || res.Kind != classify.KindNone {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Artifact != "/nix/store/abc-hello-2.12" {
		t.Errorf("artifact = %q", res.Artifact)
	}
	if res.LineCount != 2 || res.CandidateVersion != 1 {
		t.Errorf("lines=%d version=%d", res.LineCount, res.CandidateVersion)
	}
	if !strings.HasPrefix(mock.calls[0], "nix-build ") || !strings.HasSuffix(mock.calls[0], "package.nix") {
		t.Errorf("command = %q", mock.calls[0])
	}
	if sb.open != 0 {
		t.Errorf("%d sandboxes left open", sb.open)
	}
	if _, err := os.Stat(sb.dirs[0]); !os.IsNotExist(err) {
		t.Error("sandbox directory not removed")
	}
}

func TestBuild_FailureIsClassified(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stderr: "error: syntax error, unexpected '}'\n", ExitCode: 1}}}
	ex, sb := newTestExecutor(t, mock, Config{})

	res, err := ex.Build(context.Background(), candidate.New("{", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Status != StatusFailed || res.Kind != classify.KindSyntax || res.ExitCode != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if sb.open != 0 {
		t.Error("sandbox left open after failure")
	}
}

func TestBuild_CheckCommandFailureStopsBeforeBuild(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stderr: "error: syntax error\n", ExitCode: 1}}}
	ex, _ := newTestExecutor(t, mock, Config{CheckCommand: "nix-instantiate --parse {{manifest_path}}"})

	res, err := ex.Build(context.Background(), candidate.New("{", ""))
	if err != nil {
		t.Fatal(err)
	}
	if res.Phase != PhaseEvaluate || len(mock.calls) != 1 {
		t.Errorf("phase=%s calls=%d", res.Phase, len(mock.calls))
	}
}

func TestBuild_Timeout(t *testing.T) {
	mock := &mockCmd{block: true}
	ex, sb := newTestExecutor(t, mock, Config{Timeout: 20 * time.Millisecond})

	res, err := ex.Build(context.Background(), candidate.New("{ }", ""))
	if err != nil {
		t.Fatalf("timeout should not be an error: %v", err)
	}
	if res.Status != StatusTimedOut || res.Success || res.Failed() {
		t.Errorf("unexpected result %+v", res)
	}
	if sb.open != 0 {
		t.Error("sandbox left open after timeout")
	}
}

func TestBuild_ExecutorError(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: -1, Err: errors.New("fork failed")}}}
	ex, sb := newTestExecutor(t, mock, Config{})

	if _, err := ex.Build(context.Background(), candidate.New("{ }", "")); err == nil {
		t.Fatal("expected executor error")
	}
	if sb.open != 0 {
		t.Error("sandbox left open after executor error")
	}
}

func TestBuild_LogTailKept(t *testing.T) {
	long := strings.Repeat("noise line\n", 100) + "error: the real failure\n"
	mock := &mockCmd{results: []mockResult{{Stderr: long, ExitCode: 1}}}
	ex, _ := newTestExecutor(t, mock, Config{MaxLogBytes: 64})

	res, err := ex.Build(context.Background(), candidate.New("{ }", ""))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Log) > 64 || !strings.Contains(res.Log, "the real failure") {
		t.Errorf("log = %q", res.Log)
	}
}

func TestRunIsolated(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: "Hello, world!\n"}}}
	ex, sb := newTestExecutor(t, mock, Config{IsolateCommand: "sh {{script}}"})

	stdout, _, code, err := ex.RunIsolated(context.Background(), "/nix/store/abc-hello", "{{artifact}}/bin/hello")
	if err != nil {
		t.Fatal(err)
	}
	if stdout != "Hello, world!\n" || code != 0 {
		t.Errorf("stdout=%q code=%d", stdout, code)
	}
	if !strings.HasSuffix(mock.calls[0], "verify.sh") {
		t.Errorf("command = %q", mock.calls[0])
	}
	if sb.open != 0 {
		t.Error("sandbox left open")
	}
}

func TestRunIsolated_Timeout(t *testing.T) {
	mock := &mockCmd{block: true}
	ex, _ := newTestExecutor(t, mock, Config{VerifyTimeout: 20 * time.Millisecond})

	_, stderr, code, err := ex.RunIsolated(context.Background(), "/nix/store/x", "true")
	if err != nil {
		t.Fatal(err)
	}
	if code != -1 || !strings.Contains(stderr, "timed out") {
		t.Errorf("code=%d stderr=%q", code, stderr)
	}
}

func TestHistory(t *testing.T) {
	h := NewHistory(2)
	if h.Last() != nil {
		t.Error("empty history should have no last")
	}
	for i := 1; i <= 3; i++ {
		h.Push(&Result{CandidateVersion: i})
	}
	if h.Len() != 2 || h.All()[0].CandidateVersion != 2 || h.Last().CandidateVersion != 3 {
		t.Errorf("unexpected history %+v", h.All())
	}
}

func TestExecRunner(t *testing.T) {
	r := &ExecRunner{}
	stdout, _, code, err := r.Run(context.Background(), t.TempDir(), "echo hi; exit 3")
	if err != nil {
		t.Fatal(err)
	}
	if stdout != "hi\n" || code != 3 {
		t.Errorf("stdout=%q code=%d", stdout, code)
	}
}
