package refine

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/pkgforge/internal/build"
	"github.com/lucasnoah/pkgforge/internal/candidate"
	"github.com/lucasnoah/pkgforge/internal/model"
)

// Exit is the evaluator's judgement of an applied feedback.
type Exit string

const (
	ExitComplete   Exit = "COMPLETE"
	ExitIncomplete Exit = "INCOMPLETE"
	ExitError      Exit = "ERROR"
)

// Phase is the refinement loop's position.
type Phase string

const (
	PhaseVerify   Phase = "verify"
	PhaseFeedback Phase = "feedback"
	PhaseDone     Phase = "done"
)

// StopReason names why refinement ended. Every reason keeps the last
// committed candidate.
type StopReason string

const (
	ReasonNoFeedback        StopReason = "no_feedback"
	ReasonMaxRounds         StopReason = "max_rounds"
	ReasonRegression        StopReason = "regression"
	ReasonCostLimit         StopReason = "cost_limit"
	ReasonTokenLimit        StopReason = "token_limit"
	ReasonGenerationFailure StopReason = "generation_failure"
	ReasonCanceled          StopReason = "canceled"
)

// Lesson is one piece of feedback and how applying it went.
type Lesson struct {
	Feedback string
	Exit     Exit
	Detail   string
}

func (l Lesson) String() string {
	s := fmt.Sprintf("- %s (%s)", oneLine(l.Feedback), l.Exit)
	if l.Detail != "" {
		s += ": " + l.Detail
	}
	return s
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// State is the refinement loop state.
type State struct {
	Phase Phase
	// Current is the last committed candidate; it always built.
	Current       *candidate.Candidate
	CurrentResult *build.Result
	Feedback      string
	Lessons       []Lesson
	// Round counts feedback items worked on.
	Round       int
	Builds      int
	Regressions int
	Usage       model.Usage
	Reason      StopReason

	seq *candidate.Sequence
}

// Done reports whether refinement ended.
func (s *State) Done() bool { return s.Phase == PhaseDone }

func (s *State) lessons() string {
	out := make([]string, len(s.Lessons))
	for i, l := range s.Lessons {
		out[i] = l.String()
	}
	return strings.Join(out, "\n")
}

// Limits bounds refinement independently of the repair loop.
type Limits struct {
	MaxRounds      int
	MaxRegressions int
	MaxCostUSD     float64
	MaxTokens      int
}

// DefaultLimits returns the standard refinement budget.
func DefaultLimits() Limits {
	return Limits{MaxRounds: 5, MaxRegressions: 2}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxRounds <= 0 {
		l.MaxRounds = d.MaxRounds
	}
	if l.MaxRegressions <= 0 {
		l.MaxRegressions = d.MaxRegressions
	}
	return l
}

// Event is one refinement transition for the session record.
type Event struct {
	Round            int
	Action           string
	CandidateVersion int
	CurrentVersion   int
	Feedback         string
	Exit             Exit
	Reason           StopReason
	Usage            model.Usage
	Detail           string
	Candidate        *candidate.Candidate
	Result           *build.Result
}

// Event actions.
const (
	ActionVerify   = "verify"
	ActionFeedback = "feedback"
	ActionApply    = "apply"
	ActionBuild    = "build"
	ActionCommit   = "commit"
	ActionRetry    = "retry"
	ActionRevert   = "revert"
	ActionAbandon  = "abandon"
	ActionStop     = "stop"
)
