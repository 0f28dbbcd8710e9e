package iterate

import (
	"time"

	"github.com/lucasnoah/pkgforge/internal/build"
	"github.com/lucasnoah/pkgforge/internal/candidate"
	"github.com/lucasnoah/pkgforge/internal/classify"
	"github.com/lucasnoah/pkgforge/internal/logdiff"
	"github.com/lucasnoah/pkgforge/internal/model"
)

// Phase is the controller's position in the loop.
type Phase string

const (
	PhaseInit       Phase = "init"
	PhaseBuilding   Phase = "building"
	PhaseEvaluating Phase = "evaluating"
	PhaseRepairing  Phase = "repairing"
	PhaseAccepted   Phase = "accepted"
	PhaseStopped    Phase = "stopped"
)

// StopReason names the condition that ended a session without success.
type StopReason string

const (
	ReasonNone              StopReason = ""
	ReasonRoundLimit        StopReason = "round_limit"
	ReasonCostLimit         StopReason = "cost_limit"
	ReasonTokenLimit        StopReason = "token_limit"
	ReasonTimeLimit         StopReason = "time_limit"
	ReasonNoProgress        StopReason = "no_progress"
	ReasonGenerationFailure StopReason = "generation_failure"
	ReasonCanceled          StopReason = "canceled"
)

// Describe returns a human-readable reason.
func (r StopReason) Describe() string {
	switch r {
	case ReasonRoundLimit:
		return "round limit reached"
	case ReasonCostLimit:
		return "cost limit reached"
	case ReasonTokenLimit:
		return "token limit reached"
	case ReasonTimeLimit:
		return "time limit reached"
	case ReasonNoProgress:
		return "no progress (repeated stagnation)"
	case ReasonGenerationFailure:
		return "unrecoverable generation failure"
	case ReasonCanceled:
		return "canceled"
	}
	return string(r)
}

// State is the per-session state of the repair loop. It is only mutated by
// the Controller, once per step.
type State struct {
	Phase Phase

	// Accepted is the current accepted candidate and AcceptedResult its
	// build result. Nil until the first build completes.
	Accepted       *candidate.Candidate
	AcceptedResult *build.Result

	// Current is the candidate the next repair starts from, with the result
	// being repaired. It equals Accepted except after a hash-mismatch fix
	// or while a garbled log is being repaired.
	Current       *candidate.Candidate
	CurrentResult *build.Result

	// Attempted is the candidate the next step builds.
	Attempted *candidate.Candidate

	LastResult  *build.Result
	LastVerdict logdiff.Verdict
	LastKind    classify.Kind
	History     *build.History

	// Round counts build invocations.
	Round int
	Usage model.Usage

	Stagnation  int
	NoProgress  int
	GenFailures int
	// NonBuild counts consecutive results that never reached the build
	// phase comparison.
	NonBuild int
	// BrokenLog is set while a repair of garbled build output is pending.
	BrokenLog bool

	// AttemptedTools and Rejected describe what was tried since the last
	// progress; both go into the next repair prompt.
	AttemptedTools []string
	Rejected       []string

	Reason    StopReason
	StartedAt time.Time

	seq *candidate.Sequence
}

// Done reports whether the loop reached a terminal phase.
func (s *State) Done() bool {
	return s.Phase == PhaseAccepted || s.Phase == PhaseStopped
}

// Succeeded reports whether the loop ended with a successful build.
func (s *State) Succeeded() bool {
	return s.Phase == PhaseAccepted
}

// LastVersion is the highest candidate version handed out so far.
func (s *State) LastVersion() int {
	if s.seq == nil {
		return 0
	}
	return s.seq.Peek() - 1
}

// Limits bounds the loop.
type Limits struct {
	// MaxRounds caps build invocations.
	MaxRounds  int
	MaxCostUSD float64
	MaxTokens  int
	TimeLimit  time.Duration
	// StagnationLimit consecutive STAGNATION verdicts stop the loop.
	StagnationLimit int
	// NoProgressLimit consecutive verdicts without progress stop the loop.
	NoProgressLimit int
	// GenerationFailureLimit consecutive failed generations stop the loop.
	GenerationFailureLimit int
	// NonBuildErrorLimit consecutive hash fixes send the loop back to the
	// accepted candidate.
	NonBuildErrorLimit int
	// HistorySize is the number of build results retained.
	HistorySize int
}

// DefaultLimits returns the standard budgets.
func DefaultLimits() Limits {
	return Limits{
		MaxRounds:              40,
		StagnationLimit:        3,
		NoProgressLimit:        10,
		GenerationFailureLimit: 3,
		NonBuildErrorLimit:     5,
		HistorySize:            10,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxRounds <= 0 {
		l.MaxRounds = d.MaxRounds
	}
	if l.StagnationLimit <= 0 {
		l.StagnationLimit = d.StagnationLimit
	}
	if l.NoProgressLimit <= 0 {
		l.NoProgressLimit = d.NoProgressLimit
	}
	if l.GenerationFailureLimit <= 0 {
		l.GenerationFailureLimit = d.GenerationFailureLimit
	}
	if l.NonBuildErrorLimit <= 0 {
		l.NonBuildErrorLimit = d.NonBuildErrorLimit
	}
	if l.HistorySize <= 0 {
		l.HistorySize = d.HistorySize
	}
	return l
}

// Event is one state transition, appended to the session record.
type Event struct {
	Round            int
	Phase            Phase
	Action           string
	CandidateVersion int
	AcceptedVersion  int
	Kind             classify.Kind
	Verdict          logdiff.Verdict
	Status           build.Status
	Divergence       int
	Truncated        bool
	Reason           StopReason
	Usage            model.Usage
	Duration         time.Duration
	Detail           string
	// Candidate and Result are set on events that produced them.
	Candidate *candidate.Candidate
	Result    *build.Result
	// Prompt and Response are set on generate events.
	Prompt   string
	Response string
}

// Event actions.
const (
	ActionBuild            = "build"
	ActionExecutorRetry    = "executor_retry"
	ActionBaseline         = "baseline"
	ActionAdopt            = "adopt"
	ActionRevert           = "revert"
	ActionContinue         = "continue"
	ActionBrokenLog        = "broken_log"
	ActionGenerate         = "generate"
	ActionGenerationFailed = "generation_failed"
	ActionAccept           = "accept"
	ActionStop             = "stop"
)
