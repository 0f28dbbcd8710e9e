package logdiff

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/lucasnoah/pkgforge/internal/classify"
)

// Judge decides ambiguous comparisons. Implementations may call a model.
type Judge interface {
	Judge(ctx context.Context, d Diff) (Verdict, error)
}

// Comparator compares two failing build logs. Without a Judge it is fully
// deterministic.
type Comparator struct {
	opts       Options
	classifier *classify.Classifier
	judge      Judge
	logger     *slog.Logger
}

// New creates a Comparator.
func New(classifier *classify.Classifier, opts Options, logger *slog.Logger) *Comparator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Comparator{opts: opts.withDefaults(), classifier: classifier, logger: logger}
}

// WithJudge returns a copy of c that delegates comparisons the fixed rules
// cannot settle to j.
func (c *Comparator) WithJudge(j Judge) *Comparator {
	cp := *c
	cp.judge = j
	return &cp
}

// Compare decides whether newLog made progress over prevLog. The rules, in
// order: a broken log on either side dominates; identical logs after
// normalization and near-identical failures at the same depth stagnate; a
// log that contains all of the previous lines plus more progresses; a log
// that is a strict subset of the previous regresses. Everything else is left
// to the Judge when one is set, and otherwise decided by depth. Lines are
// compared after normalization, which drops blank lines. A two-way judge
// cannot answer STAGNATION; its REGRESS on a same-failure tail is read as
// STAGNATION.
func (c *Comparator) Compare(ctx context.Context, prevLog, newLog string) (Verdict, Diff, error) {
	d := Prepare(prevLog, newLog, c.opts)
	if err := ctx.Err(); err != nil {
		return "", d, err
	}
	if c.classifier.IsBroken(prevLog) || c.classifier.IsBroken(newLog) {
		return BrokenLogOutput, d, nil
	}

	prev, next := normalize(prevLog), normalize(newLog)
	if slices.Equal(prev, next) {
		return Stagnation, d, nil
	}
	if len(next) > len(prev) && isSubsequence(prev, next) {
		return Progress, d, nil
	}
	if len(prev) > len(next) && isSubsequence(next, prev) {
		return Regress, d, nil
	}
	sameDepth := c.sameDepth(len(prev), len(next))
	if sameDepth && c.similarTails(prev, next) {
		return Stagnation, d, nil
	}

	if c.judge != nil {
		v, err := c.judge.Judge(ctx, d)
		if err == nil {
			if v == Regress && isTwoWay(c.judge) && c.similarTails(prev, next) {
				return Stagnation, d, nil
			}
			return v, d, nil
		}
		if ctx.Err() != nil {
			return "", d, ctx.Err()
		}
		c.logger.Warn("progress judge failed, using line counts", "error", err)
	}

	switch {
	case sameDepth:
		// same depth, materially different error
		return Progress, d, nil
	case len(next) > len(prev):
		return Progress, d, nil
	default:
		return Regress, d, nil
	}
}

// twoWay is implemented by judges limited to PROGRESS or REGRESS.
type twoWay interface {
	twoWay() bool
}

func isTwoWay(j Judge) bool {
	t, ok := j.(twoWay)
	return ok && t.twoWay()
}

func (c *Comparator) sameDepth(a, b int) bool {
	longer := max(a, b)
	tol := int(math.Ceil(c.opts.DepthTolerance * float64(longer)))
	tol = max(tol, c.opts.MinDepthTolerance)
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= tol
}

// similarTails reports whether the failure text at the end of both logs is
// the same, allowing reordering and small edits.
func (c *Comparator) similarTails(prev, next []string) bool {
	tp := tail(prev, c.opts.TailLines)
	tn := tail(next, c.opts.TailLines)
	if sameMultiset(tp, tn) {
		return true
	}
	return Similarity(strings.Join(tp, "\n"), strings.Join(tn, "\n")) >= c.opts.Similarity
}

// Similarity returns 1 minus the normalized edit distance of a and b, in
// [0, 1].
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = time.Second
	diffs := dmp.DiffMain(a, b, false)
	dist := dmp.DiffLevenshtein(diffs)
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	return 1 - float64(dist)/float64(longest)
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func sameMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, s := range a {
		counts[s]++
	}
	for _, s := range b {
		counts[s]--
		if counts[s] < 0 {
			return false
		}
	}
	return true
}

// isSubsequence reports whether every line of a appears in b in order.
func isSubsequence(a, b []string) bool {
	j := 0
	for _, line := range a {
		for j < len(b) && b[j] != line {
			j++
		}
		if j == len(b) {
			return false
		}
		j++
	}
	return true
}
