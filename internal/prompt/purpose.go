package prompt

import (
	"slices"

	"github.com/lucasnoah/pkgforge/internal/classify"
)

// Purpose tags a prompt with what it asks the model to do.
type Purpose string

const (
	PurposeSetUp              Purpose = "set-up"
	PurposeFixBuild           Purpose = "fix-build-error"
	PurposeFixSyntax          Purpose = "fix-syntax"
	PurposeFixHash            Purpose = "fix-hash-mismatch"
	PurposeFixMissingDep      Purpose = "fix-missing-dependency"
	PurposeFixDependencyBuild Purpose = "fix-dependency-build"
	PurposeFixLogOutput       Purpose = "fix-log-output"
	PurposeEvaluateProgress   Purpose = "evaluate-progress"
	PurposeEvaluateBinary     Purpose = "evaluate-progress-binary"
	PurposeGetFeedback        Purpose = "get-feedback"
	PurposeApplyFeedback      Purpose = "apply-feedback"
	PurposeEvaluateRefinement Purpose = "evaluate-refinement"
	PurposeAnalyzeFailure     Purpose = "analyze-failure"
	PurposeClassifyFailure    Purpose = "classify-failure"
)

// Output is the response schema a purpose expects.
type Output int

const (
	// OutputManifest expects a fenced code block holding the full manifest.
	OutputManifest Output = iota
	// OutputChoice expects exactly one of Spec.Choices.
	OutputChoice
	// OutputFeedback expects one improvement or NoFeedback.
	OutputFeedback
	// OutputText expects free prose.
	OutputText
)

// Spec describes one prompt purpose: its template file, the variables it
// must be given and the shape of the answer.
type Spec struct {
	Purpose  Purpose
	File     string
	Output   Output
	Choices  []string
	Required []string
	// Optional variables may be referenced by a template but can be empty.
	Optional []string
	// Tools reports whether the edit tools are offered with this prompt.
	Tools bool
	// EditsOnly means the answer is the result of the edit tools alone and
	// a full file in the reply is ignored.
	EditsOnly bool
}

// repairVars are set on every manifest generation.
var repairVars = []string{"error_kind", "log", "attempted_tools", "hints", "max_edits"}

var specs = map[Purpose]Spec{
	PurposeSetUp: {
		File: "set-up.md", Output: OutputManifest, Tools: true,
		Required: []string{"project_name", "template", "lang"},
		Optional: []string{"project_url", "project_info"},
	},
	PurposeFixBuild: {
		File: "fix-build-error.md", Output: OutputManifest, Tools: true,
		Required: []string{"manifest", "log", "error_kind", "lang"},
		Optional: repairVars,
	},
	PurposeFixSyntax: {
		File: "fix-syntax.md", Output: OutputManifest, Tools: true,
		Required: []string{"manifest", "log", "lang"},
		Optional: repairVars,
	},
	PurposeFixHash: {
		File: "fix-hash-mismatch.md", Output: OutputManifest, Tools: true,
		Required: []string{"manifest", "log", "lang"},
		Optional: repairVars,
	},
	PurposeFixMissingDep: {
		File: "fix-missing-dependency.md", Output: OutputManifest, Tools: true,
		Required: []string{"manifest", "log", "lang"},
		Optional: repairVars,
	},
	PurposeFixDependencyBuild: {
		File: "fix-dependency-build.md", Output: OutputManifest, Tools: true,
		Required: []string{"manifest", "log", "lang"},
		Optional: repairVars,
	},
	PurposeFixLogOutput: {
		File: "fix-log-output.md", Output: OutputManifest, Tools: true,
		Required: []string{"manifest", "log", "lang"},
		Optional: repairVars,
	},
	PurposeEvaluateProgress: {
		File: "evaluate-progress.md", Output: OutputChoice,
		Choices:  []string{"PROGRESS", "REGRESS", "STAGNATION"},
		Required: []string{"previous_log", "new_log"},
		Optional: []string{"divergence", "truncated"},
	},
	PurposeEvaluateBinary: {
		File: "evaluate-progress-binary.md", Output: OutputChoice,
		Choices:  []string{"PROGRESS", "REGRESS"},
		Required: []string{"previous_log", "new_log"},
		Optional: []string{"divergence", "truncated"},
	},
	PurposeGetFeedback: {
		File: "get-feedback.md", Output: OutputFeedback,
		Required: []string{"manifest", "lang"},
		Optional: []string{"verification", "lessons"},
	},
	PurposeApplyFeedback: {
		File: "apply-feedback.md", Output: OutputManifest, Tools: true, EditsOnly: true,
		Required: []string{"manifest", "feedback", "max_edits", "lang"},
		Optional: append([]string{"attempt_note"}, repairVars...),
	},
	PurposeEvaluateRefinement: {
		File: "evaluate-refinement.md", Output: OutputChoice,
		Choices:  []string{"COMPLETE", "INCOMPLETE", "ERROR"},
		Required: []string{"previous_manifest", "manifest", "feedback"},
		Optional: []string{"build_log"},
	},
	PurposeAnalyzeFailure: {
		File: "analyze-failure.md", Output: OutputText,
		Required: []string{"manifest", "log", "lang"},
		Optional: []string{"project_name", "project_info", "history"},
	},
	PurposeClassifyFailure: {
		File: "classify-failure.md", Output: OutputChoice,
		Choices:  FailureCauses,
		Required: []string{"analysis"},
	},
}

// FailureCauses are the answers of the classify-failure prompt.
var FailureCauses = []string{
	"BUILD_TOOL_NOT_PACKAGED",
	"BUILD_TOOL_VERSION_NOT_PACKAGED",
	"DEPENDENCY_NOT_PACKAGED",
	"REQUIRES_SOURCE_PATCHING",
	"BUILD_DOWNLOADS_FROM_NETWORK",
	"REQUIRES_SPECIAL_HARDWARE",
	"DOES_NOT_TARGET_LINUX",
	"OTHER",
}

// Lookup returns the spec for a purpose.
func Lookup(p Purpose) (Spec, bool) {
	s, ok := specs[p]
	if ok {
		s.Purpose = p
	}
	return s, ok
}

// Allows reports whether a template for s may refer to the variable name.
func (s Spec) Allows(name string) bool {
	return slices.Contains(s.Required, name) || slices.Contains(s.Optional, name)
}

// Purposes lists every known purpose.
func Purposes() []Purpose {
	return []Purpose{
		PurposeSetUp, PurposeFixBuild, PurposeFixSyntax, PurposeFixHash,
		PurposeFixMissingDep, PurposeFixDependencyBuild, PurposeFixLogOutput,
		PurposeEvaluateProgress, PurposeEvaluateBinary,
		PurposeGetFeedback, PurposeApplyFeedback, PurposeEvaluateRefinement,
		PurposeAnalyzeFailure, PurposeClassifyFailure,
	}
}

// ForKind selects the repair prompt for a classified build failure.
func ForKind(k classify.Kind) Purpose {
	switch k {
	case classify.KindSyntax, classify.KindResponseParse:
		return PurposeFixSyntax
	case classify.KindHashMismatch:
		return PurposeFixHash
	case classify.KindMissingDependency:
		return PurposeFixMissingDep
	case classify.KindDependencyBuild:
		return PurposeFixDependencyBuild
	case classify.KindBrokenOutput:
		return PurposeFixLogOutput
	}
	return PurposeFixBuild
}
