package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/pkgforge/internal/classify"
	"github.com/lucasnoah/pkgforge/internal/db"
	"github.com/lucasnoah/pkgforge/internal/diagnose"
	"github.com/lucasnoah/pkgforge/internal/model"
	"github.com/lucasnoah/pkgforge/internal/session"
	"github.com/spf13/cobra"
)

func executeCommand(args ...string) (string, error) {
	configFile, envFile, verbose, metricsTextfile, traceFile = "", ".env", false, "", ""
	resetHelpFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// writeConfig writes a config whose storage lives in a temp dir.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pkgforge.yaml")
	body := "storage:\n" +
		"  db: " + filepath.Join(dir, "pkgforge.db") + "\n" +
		"  artifacts_dir: " + filepath.Join(dir, "sessions") + "\n" +
		"prompts:\n" +
		"  dir: " + filepath.Join(dir, "prompts") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dir
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "batch", "history", "stats", "config", "db", "prompts", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
	for _, flag := range []string{"--config", "--verbose", "--metrics-textfile", "--trace-file"} {
		if !strings.Contains(out, flag) {
			t.Errorf("help output missing flag %s", flag)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	cases := [][]string{
		{"db", "migrate"}, {"db", "reset"},
		{"config", "show"}, {"config", "validate"},
		{"prompts", "install"}, {"prompts", "list"}, {"prompts", "check"},
	}
	for _, c := range cases {
		out, err := executeCommand(append(c, "--help")...)
		if err != nil {
			t.Errorf("%v --help failed: %v", c, err)
		}
		if out == "" {
			t.Errorf("%v --help produced no output", c)
		}
	}
}

func TestRunHelp_FlagsPresent(t *testing.T) {
	out, err := executeCommand("run", "--help")
	if err != nil {
		t.Fatalf("run --help: %v", err)
	}
	for _, flag := range []string{"--template", "--initial", "--project-info", "--no-refine", "--out"} {
		if !strings.Contains(out, flag) {
			t.Errorf("run --help missing %s", flag)
		}
	}
}

func TestResolveConfigPath_FileNotFound(t *testing.T) {
	_, err := resolveConfigPath("/nonexistent/path/pkgforge.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent config file, got nil")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected 'not found' error, got: %v", err)
	}
}

func TestResolveConfigPath_Empty(t *testing.T) {
	got, err := resolveConfigPath("")
	if err != nil {
		t.Fatalf("unexpected error for empty flag: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestResolveConfigPath_RelativeResolvesToAbsolute(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pkgforge.yaml")
	if err := os.WriteFile(cfgPath, []byte("model:\n  name: test\n"), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	orig, _ := os.Getwd()
	defer os.Chdir(orig)
	os.Chdir(dir)

	got, err := resolveConfigPath("pkgforge.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("expected absolute path, got %q", got)
	}
	// Resolve symlinks for comparison (macOS /var → /private/var)
	wantResolved, _ := filepath.EvalSymlinks(cfgPath)
	gotResolved, _ := filepath.EvalSymlinks(got)
	if gotResolved != wantResolved {
		t.Errorf("got %q, want %q", got, cfgPath)
	}
}

func TestConfigValidate(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := executeCommand("--config", path, "config", "validate")
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("output = %s", out)
	}
}

func TestConfigValidate_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pkgforge.yaml")
	os.WriteFile(path, []byte("build:\n  command: make\n"), 0o644)

	out, err := executeCommand("--config", path, "config", "validate")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out, "build.command") {
		t.Errorf("output = %s", out)
	}
}

func TestConfigShowFormats(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := executeCommand("--config", path, "config", "show")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "manifest_file: package.nix") {
		t.Errorf("yaml output = %s", out)
	}
	out, err = executeCommand("--config", path, "config", "show", "--format", "toml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "[build]") {
		t.Errorf("toml output = %s", out)
	}
}

func TestDBMigrateAndEmptyHistory(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := executeCommand("--config", path, "db", "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "sqlite") {
		t.Errorf("output = %s", out)
	}
	out, err = executeCommand("--config", path, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "No sessions recorded.") {
		t.Errorf("output = %s", out)
	}
	out, err = executeCommand("--config", path, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "0 total") {
		t.Errorf("output = %s", out)
	}
}

func TestDBResetRequiresYes(t *testing.T) {
	path, _ := writeConfig(t)
	if _, err := executeCommand("--config", path, "db", "reset"); err == nil {
		t.Fatal("expected reset without --yes to fail")
	}
}

func TestRunRequiresTemplateOrInitial(t *testing.T) {
	path, _ := writeConfig(t)
	_, err := executeCommand("--config", path, "run", "hello")
	if err == nil || !strings.Contains(err.Error(), "--template") {
		t.Fatalf("expected missing template error, got %v", err)
	}
}

func TestPromptsInstall(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "prompts")
	out, err := executeCommand("prompts", "install", "--dir", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Installed") {
		t.Errorf("output = %s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "set-up.md")); err != nil {
		t.Errorf("set-up.md not installed: %v", err)
	}
	out, _ = executeCommand("prompts", "install", "--dir", dir)
	if !strings.Contains(out, "already present") {
		t.Errorf("second install output = %s", out)
	}
}

func TestPromptsCheck(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "prompts")
	if _, err := executeCommand("prompts", "install", "--dir", dir); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand("prompts", "check", "--dir", dir)
	if err != nil || !strings.Contains(out, "usable") {
		t.Fatalf("installed templates should pass: %v\n%s", err, out)
	}

	bad := "Fix {{manifest}} using {{buildlog}}"
	if err := os.WriteFile(filepath.Join(dir, "fix-syntax.md"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = executeCommand("prompts", "check", "--dir", dir)
	if err == nil || !strings.Contains(err.Error(), "buildlog") {
		t.Errorf("expected the misspelled variable to be reported, got %v", err)
	}
}

func TestMetricsTextfileWrittenOnFinish(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkgforge.prom")
	if _, err := executeCommand("--metrics-textfile", path, "version"); err != nil {
		t.Fatal(err)
	}
	metricsTextfile = path
	if err := finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("metrics file not written: %v", err)
	}
}

func TestLoadTargets(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "hello.nix"), []byte("TEMPLATE"), 0o644)
	os.WriteFile(filepath.Join(dir, "hello.md"), []byte("INFO"), 0o644)
	path := filepath.Join(dir, "targets.yaml")
	os.WriteFile(path, []byte("targets:\n  - project: hello\n    template: hello.nix\n    project_info: hello.md\n"), 0o644)

	targets, err := loadTargets(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 1 || targets[0].Template != "TEMPLATE" || targets[0].ProjectInfo != "INFO" {
		t.Errorf("targets = %+v", targets)
	}
}

func TestLoadTargets_Errors(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "t.nix"), []byte("T"), 0o644)
	cases := map[string]string{
		"empty":      "targets: []\n",
		"noproject":  "targets:\n  - template: t.nix\n",
		"duplicate":  "targets:\n  - project: a\n    template: t.nix\n  - project: a\n    template: t.nix\n",
		"notemplate": "targets:\n  - project: a\n",
		"missing":    "targets:\n  - project: a\n    template: nope.nix\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".yaml")
		os.WriteFile(path, []byte(body), 0o644)
		if _, err := loadTargets(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestPrintOutcome_Stopped(t *testing.T) {
	var buf bytes.Buffer
	printOutcome(&buf, &session.Outcome{
		SessionID:       "0123456789abcdef",
		Project:         "hello",
		Status:          session.StatusStopped,
		Reason:          "round_limit",
		Manifest:        "{ pkgs }: pkgs.hello\n",
		FinalVersion:    3,
		BuildLog:        "line\nerror: attribute 'zlib' missing\n",
		LastErrorKind:   classify.KindMissingDependency,
		FailureCause:    diagnose.CauseDependency,
		FailureAnalysis: "zlib is not an input.",
		Rounds:          40,
		Usage:           model.Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.5},
		Duration:        90 * time.Second,
	})
	out := buf.String()
	for _, want := range []string{"STOPPED hello (session 01234567)", "round limit reached", "missing_dependency", "pkgs.hello", "zlib", "15 tokens", "DEPENDENCY_NOT_PACKAGED", "zlib is not an input."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSessionMarkdown_StoppedWithCause(t *testing.T) {
	sum := &db.SessionSummary{
		Session: db.Session{ID: "s1", Project: "hello"},
		Outcome: &db.Outcome{Status: "stopped", Reason: "no_progress", FailureCause: "DEPENDENCY_NOT_PACKAGED"},
	}
	out := &session.Outcome{Status: session.StatusStopped, Manifest: "{ }", FailureAnalysis: "zlib is not an input."}
	md := sessionMarkdown(sum, nil, out, "nix")
	for _, want := range []string{"Failure cause: `DEPENDENCY_NOT_PACKAGED`", "## Analysis\n\nzlib is not an input."} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestStoppedError(t *testing.T) {
	err := &StoppedError{Project: "hello", Reason: "cost_limit"}
	if err.Error() != "hello: stopped: cost limit reached" {
		t.Errorf("got %q", err.Error())
	}
}

func TestSessionMarkdown(t *testing.T) {
	sum := &db.SessionSummary{
		Session: db.Session{ID: "s1", Project: "hello", Model: "gpt-4o", StartedAt: "2026-01-01T00:00:00Z"},
		Outcome: &db.Outcome{Status: "succeeded", FinalVersion: 2, Rounds: 2},
	}
	builds := []db.BuildRun{
		{Loop: "repair", Round: 1, CandidateVersion: 1, Status: "failed", ErrorKind: "syntax", DurationMs: 1500},
		{Loop: "repair", Round: 2, CandidateVersion: 2, Status: "succeeded", DurationMs: 2000},
	}
	md := sessionMarkdown(sum, builds, &session.Outcome{Status: session.StatusSucceeded, Manifest: "{ }"}, "nix")
	for _, want := range []string{"# hello", "**SUCCEEDED**", "| repair | 1 | v1 | failed | syntax |", "## Final manifest", "```nix\n{ }\n```"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

// resetHelpFlags clears --help left set on the shared command tree by
// earlier executeCommand calls.
func resetHelpFlags(cmd *cobra.Command) {
	if f := cmd.Flags().Lookup("help"); f != nil {
		f.Value.Set("false")
		f.Changed = false
	}
	for _, c := range cmd.Commands() {
		resetHelpFlags(c)
	}
}
