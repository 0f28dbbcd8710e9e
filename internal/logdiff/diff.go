// Package logdiff decides whether a new failing build got further than the
// previous one.
package logdiff

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lucasnoah/pkgforge/internal/classify"
)

// Verdict is the outcome of comparing two failing builds.
type Verdict string

const (
	Progress        Verdict = "PROGRESS"
	Regress         Verdict = "REGRESS"
	Stagnation      Verdict = "STAGNATION"
	BrokenLogOutput Verdict = "BROKEN_LOG_OUTPUT"
)

// Options tunes log preparation and the deterministic judge.
type Options struct {
	// FullLogLines: when both logs are shorter, they are compared in full.
	FullLogLines int `yaml:"full_log_lines" toml:"full_log_lines"`
	// MaxLines bounds each log after truncation.
	MaxLines int `yaml:"max_lines" toml:"max_lines"`
	// ContextLines are kept before the divergence point.
	ContextLines int `yaml:"context_lines" toml:"context_lines"`
	// DepthTolerance is the fraction of the longer log within which two
	// failures count as the same depth; MinDepthTolerance is its floor.
	DepthTolerance    float64 `yaml:"depth_tolerance" toml:"depth_tolerance"`
	MinDepthTolerance int     `yaml:"min_depth_tolerance" toml:"min_depth_tolerance"`
	// TailLines of each log form the failure text compared for similarity.
	TailLines  int     `yaml:"tail_lines" toml:"tail_lines"`
	Similarity float64 `yaml:"similarity" toml:"similarity"`
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		FullLogLines:      100,
		MaxLines:          240,
		ContextLines:      20,
		DepthTolerance:    0.05,
		MinDepthTolerance: 2,
		TailLines:         30,
		Similarity:        0.9,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FullLogLines <= 0 {
		o.FullLogLines = d.FullLogLines
	}
	if o.MaxLines <= 0 {
		o.MaxLines = d.MaxLines
	}
	if o.ContextLines < 0 {
		o.ContextLines = d.ContextLines
	}
	if o.DepthTolerance <= 0 {
		o.DepthTolerance = d.DepthTolerance
	}
	if o.MinDepthTolerance <= 0 {
		o.MinDepthTolerance = d.MinDepthTolerance
	}
	if o.TailLines <= 0 {
		o.TailLines = d.TailLines
	}
	if o.Similarity <= 0 {
		o.Similarity = d.Similarity
	}
	return o
}

// Diff is the prepared view of two logs handed to a judge. It lives for one
// comparison.
type Diff struct {
	// PreviousLog and NewLog are line-numbered and possibly truncated.
	PreviousLog string
	NewLog      string
	// Divergence is the 1-based line of the previous log where the two
	// logs first differ after normalization; 0 when they do not.
	Divergence int
	Truncated  bool
	// InitialLines and ImprovementLines are the raw line counts of the
	// previous and new log.
	InitialLines     int
	ImprovementLines int
}

var (
	isoTimeRe   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	clockRe     = regexp.MustCompile(`\b\d{1,2}:\d{2}:\d{2}(\.\d+)?\b`)
	elapsedRe   = regexp.MustCompile(`\[\s*\d+(\.\d+)?\s*s?\]|\b\d+(\.\d+)?\s*(ms|s|sec|seconds)\b`)
	storeHashRe = regexp.MustCompile(`/nix/store/[0-9a-df-np-sv-z]{32}-`)
	buildDirRe  = regexp.MustCompile(`nix-build-[^/\s]+-\d+`)
	tmpDirRe    = regexp.MustCompile(`/tmp/[A-Za-z0-9._-]+`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// NormalizeLine strips what varies between otherwise identical runs:
// colors, timestamps, durations, store hashes, temp dirs and spacing.
func NormalizeLine(line string) string {
	line = classify.StripANSI(line)
	line = isoTimeRe.ReplaceAllString(line, "<time>")
	line = clockRe.ReplaceAllString(line, "<time>")
	line = elapsedRe.ReplaceAllString(line, "<elapsed>")
	line = storeHashRe.ReplaceAllString(line, "/nix/store/<hash>-")
	line = tmpDirRe.ReplaceAllString(line, "/tmp/<dir>")
	line = buildDirRe.ReplaceAllString(line, "nix-build-<dir>")
	line = spaceRe.ReplaceAllString(line, " ")
	return strings.TrimSpace(line)
}

// normalize returns the non-empty normalized lines of a log. Blank lines
// carry no build progress, so a log that only gains blank lines compares
// equal to the one before it.
func normalize(log string) []string {
	var out []string
	for _, line := range strings.Split(log, "\n") {
		if n := NormalizeLine(line); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func splitLines(log string) []string {
	if log == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(log, "\n"), "\n")
}

// divergence returns the first 1-based line of prev whose normalized form
// differs from the line at the same position in next, skipping lines that
// normalize to nothing. 0 means no divergence.
func divergence(prev, next []string) int {
	j := 0
	for i, line := range prev {
		np := NormalizeLine(line)
		if np == "" {
			continue
		}
		for j < len(next) && NormalizeLine(next[j]) == "" {
			j++
		}
		if j >= len(next) || NormalizeLine(next[j]) != np {
			return i + 1
		}
		j++
	}
	for ; j < len(next); j++ {
		if NormalizeLine(next[j]) != "" {
			return len(prev) + 1
		}
	}
	return 0
}

// Prepare builds the Diff for two logs: full numbered logs when both are
// short, otherwise a window of at most MaxLines per log starting
// ContextLines before the divergence, moved later when needed so the
// failing tail is always kept.
func Prepare(prevLog, newLog string, opts Options) Diff {
	opts = opts.withDefaults()
	prev, next := splitLines(prevLog), splitLines(newLog)
	d := Diff{
		Divergence:       divergence(prev, next),
		InitialLines:     len(prev),
		ImprovementLines: len(next),
	}
	if len(prev) < opts.FullLogLines && len(next) < opts.FullLogLines {
		d.PreviousLog = numbered(prev, 0)
		d.NewLog = numbered(next, 0)
		return d
	}

	from := 0
	if d.Divergence > 0 {
		from = d.Divergence - 1 - opts.ContextLines
	}
	startPrev := windowStart(len(prev), from, opts.MaxLines)
	startNext := windowStart(len(next), from, opts.MaxLines)
	d.Truncated = startPrev > 0 || startNext > 0
	d.PreviousLog = numbered(clip(prev, startPrev, opts.MaxLines), startPrev)
	d.NewLog = numbered(clip(next, startNext, opts.MaxLines), startNext)
	return d
}

func windowStart(n, from, maxLines int) int {
	start := from
	if tail := n - maxLines; tail > start {
		start = tail
	}
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	return start
}

func clip(lines []string, start, maxLines int) []string {
	end := start + maxLines
	if end > len(lines) {
		end = len(lines)
	}
	return lines[start:end]
}

func numbered(lines []string, offset int) string {
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%4d: %s\n", offset+i+1, line)
	}
	return b.String()
}
