package build

import (
	"strings"
	"time"

	"github.com/lucasnoah/pkgforge/internal/classify"
)

// Status is the outcome of one build invocation.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusTimedOut is reported when the per-invocation timeout fired. It
	// is not a build failure: the log is incomplete.
	StatusTimedOut Status = "timed_out"
)

// Phase is the step of the build that produced the result.
type Phase string

const (
	PhaseEvaluate Phase = "evaluate"
	PhaseBuild    Phase = "build"
)

// Result is the structured outcome of building one candidate.
type Result struct {
	CandidateVersion int           `json:"candidate_version"`
	Status           Status        `json:"status"`
	Success          bool          `json:"success"`
	ExitCode         int           `json:"exit_code"`
	Log              string        `json:"log"`
	LineCount        int           `json:"line_count"`
	Duration         time.Duration `json:"duration"`
	Kind             classify.Kind `json:"kind,omitempty"`
	Phase            Phase         `json:"phase"`
	// Artifact is the build output path reported by a successful build.
	Artifact string `json:"artifact,omitempty"`
}

// Failed reports a completed build that did not succeed.
func (r *Result) Failed() bool {
	return r.Status == StatusFailed
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimRight(s, "\n"), "\n") + 1
}

// History keeps the most recent results of a session.
type History struct {
	max   int
	items []*Result
}

// NewHistory keeps at most max results; max <= 0 means 10.
func NewHistory(max int) *History {
	if max <= 0 {
		max = 10
	}
	return &History{max: max}
}

// Push appends a result, dropping the oldest when full.
func (h *History) Push(r *Result) {
	h.items = append(h.items, r)
	if len(h.items) > h.max {
		h.items = h.items[len(h.items)-h.max:]
	}
}

// Last returns the newest result or nil.
func (h *History) Last() *Result {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[len(h.items)-1]
}

// All returns the retained results, oldest first.
func (h *History) All() []*Result {
	return append([]*Result(nil), h.items...)
}

// Len returns the number of retained results.
func (h *History) Len() int { return len(h.items) }
