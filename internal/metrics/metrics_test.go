package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lucasnoah/pkgforge/internal/build"
	"github.com/lucasnoah/pkgforge/internal/classify"
	"github.com/lucasnoah/pkgforge/internal/iterate"
	"github.com/lucasnoah/pkgforge/internal/logdiff"
	"github.com/lucasnoah/pkgforge/internal/model"
	"github.com/lucasnoah/pkgforge/internal/refine"
)

func TestObserveRepair(t *testing.T) {
	m := New()
	m.ObserveRepair(iterate.Event{Action: iterate.ActionBuild, Result: &build.Result{Status: build.StatusFailed, Kind: classify.KindSyntax, Duration: 3 * time.Second}})
	m.ObserveRepair(iterate.Event{Action: iterate.ActionAdopt, Verdict: logdiff.Progress})
	m.ObserveRepair(iterate.Event{Action: iterate.ActionRevert, Verdict: logdiff.Stagnation})
	m.ObserveRepair(iterate.Event{Action: iterate.ActionRevert, Detail: "timed out"})
	m.ObserveRepair(iterate.Event{Action: iterate.ActionGenerate})
	m.ObserveRepair(iterate.Event{Action: iterate.ActionGenerationFailed})

	if got := testutil.ToFloat64(m.builds.WithLabelValues("repair", "failed", "syntax")); got != 1 {
		t.Errorf("builds = %v", got)
	}
	if got := testutil.ToFloat64(m.verdicts.WithLabelValues("STAGNATION")); got != 1 {
		t.Errorf("stagnation verdicts = %v", got)
	}
	if got := testutil.CollectAndCount(m.verdicts); got != 2 {
		t.Errorf("verdict series = %d, a timeout revert has no verdict", got)
	}
	if got := testutil.ToFloat64(m.generations.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed generations = %v", got)
	}
}

func TestObserveRefineAndSession(t *testing.T) {
	m := New()
	m.ObserveRefine(refine.Event{Action: refine.ActionCommit, Exit: refine.ExitComplete})
	m.ObserveRefine(refine.Event{Action: refine.ActionBuild, Result: &build.Result{Status: build.StatusSucceeded}})
	m.ObserveSession("succeeded", "", 7, model.Usage{InputTokens: 1000, OutputTokens: 200, CostUSD: 0.25})

	if got := testutil.ToFloat64(m.refinements.WithLabelValues("COMPLETE")); got != 1 {
		t.Errorf("refinements = %v", got)
	}
	if got := testutil.ToFloat64(m.cost); got != 0.25 {
		t.Errorf("cost = %v", got)
	}
	if got := testutil.ToFloat64(m.tokens.WithLabelValues("input")); got != 1000 {
		t.Errorf("input tokens = %v", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveSession("stopped", "no_progress", 4, model.Usage{})
	path := filepath.Join(t.TempDir(), "pkgforge.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `pkgforge_sessions_total{reason="no_progress",status="stopped"} 1`) {
		t.Errorf("unexpected textfile:\n%s", data)
	}
}
