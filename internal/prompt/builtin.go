package prompt

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	"set-up.md":                   setUpTemplate,
	"fix-build-error.md":          fixBuildTemplate,
	"fix-syntax.md":               fixSyntaxTemplate,
	"fix-hash-mismatch.md":        fixHashTemplate,
	"fix-missing-dependency.md":   fixMissingDepTemplate,
	"fix-dependency-build.md":     fixDependencyBuildTemplate,
	"fix-log-output.md":           fixLogOutputTemplate,
	"evaluate-progress.md":        evaluateProgressTemplate,
	"evaluate-progress-binary.md": evaluateBinaryTemplate,
	"get-feedback.md":             getFeedbackTemplate,
	"apply-feedback.md":           applyFeedbackTemplate,
	"evaluate-refinement.md":      evaluateRefinementTemplate,
	"analyze-failure.md":          analyzeFailureTemplate,
	"classify-failure.md":         classifyFailureTemplate,
}

const fence = "```"

const answerRules = `
## Answer format
Reply with the complete updated file in a single fenced block:

` + fence + `{{lang}}
...
` + fence + `

You may use the edit tools instead; when you do, finish with a short message and no code block.
`

const editRules = `
## Answer format
Make your changes with the edit tools only, then finish with a short message. A full file in the reply is ignored.
`

const setUpTemplate = `# Package: {{project_name}}

Write a {{lang}} packaging manifest for this project.
{{#if project_url}}
Source: {{project_url}}
{{/if}}
{{#if project_info}}

## Project information
{{project_info}}
{{/if}}

## Starting template
` + fence + `{{lang}}
{{template}}
` + fence + `

Fill in every placeholder. Keep the source hash as the placeholder value; the build will report the real one.
` + answerRules

const fixBuildTemplate = `# Fix build failure ({{error_kind}})

The build of this manifest failed.

` + fence + `{{lang}}
{{manifest}}
` + fence + `

## Build log
` + fence + `
{{log}}
` + fence + `
{{#if attempted_tools}}

These tool calls were already tried since the last improvement and did not help:
{{attempted_tools}}
{{/if}}
{{#if hints}}

## Hints
{{hints}}
{{/if}}

Make the smallest change that gets the build further. Do not remove functionality to make the error disappear.
` + answerRules

const fixSyntaxTemplate = `# Fix syntax only

The manifest below does not evaluate. Fix the syntax error and change nothing else.

` + fence + `{{lang}}
{{manifest}}
` + fence + `

## Error
` + fence + `
{{log}}
` + fence + `
{{#if hints}}

{{hints}}
{{/if}}
` + answerRules

const fixHashTemplate = `# Fix source hash

The build reported a hash mismatch for a fixed-output download. Replace the placeholder with the hash the build reported as "got". Change nothing else.

` + fence + `{{lang}}
{{manifest}}
` + fence + `

## Build log
` + fence + `
{{log}}
` + fence + `
` + answerRules

const fixMissingDepTemplate = `# Add missing dependency

The build failed because a tool, library or module could not be found. Add the missing input to the right dependency list.

` + fence + `{{lang}}
{{manifest}}
` + fence + `

## Build log
` + fence + `
{{log}}
` + fence + `
{{#if attempted_tools}}

Already tried since the last improvement:
{{attempted_tools}}
{{/if}}
` + answerRules

const fixDependencyBuildTemplate = `# Dependency failed to build

A dependency pulled in by this manifest failed to build; the manifest's own build never started. Prefer a different version or variant of the dependency, or drop it when it is optional.

` + fence + `{{lang}}
{{manifest}}
` + fence + `

## Build log
` + fence + `
{{log}}
` + fence + `
` + answerRules

const fixLogOutputTemplate = `# Make the build log readable

The build log is garbled: output from parallel jobs is interleaved, so it cannot be compared between attempts. Make the build output deterministic (for example disable parallel building or enable verbose serial output). Do not change anything else.

` + fence + `{{lang}}
{{manifest}}
` + fence + `

## Build log
` + fence + `
{{log}}
` + fence + `
` + answerRules

const evaluateProgressTemplate = `# Did the build make progress?

Compare two failing build logs of the same package. The second log is from the newer attempt.
{{#if divergence}}
The logs first differ at line {{divergence}} of the previous log.
{{/if}}
{{#if truncated}}
Both logs were truncated around that point.
{{/if}}

## Previous log
` + fence + `
{{previous_log}}
` + fence + `

## New log
` + fence + `
{{new_log}}
` + fence + `

Answer with exactly one word:
- PROGRESS if the new build got further or fails with a materially different error
- REGRESS if it fails earlier
- STAGNATION if it fails the same way at the same point
`

const evaluateBinaryTemplate = `# Did the build make progress?

Compare two failing build logs of the same package. The second log is from the newer attempt.
{{#if divergence}}
The logs first differ at line {{divergence}} of the previous log.
{{/if}}

## Previous log
` + fence + `
{{previous_log}}
` + fence + `

## New log
` + fence + `
{{new_log}}
` + fence + `

Answer with exactly one word: PROGRESS if the new build got further, REGRESS otherwise.
`

const getFeedbackTemplate = `# Review a working package

This manifest builds.

` + fence + `{{lang}}
{{manifest}}
` + fence + `
{{#if verification}}

## Running the built package
` + fence + `
{{verification}}
` + fence + `
{{/if}}
{{#if lessons}}

## Earlier feedback
{{lessons}}
{{/if}}

Name at most one concrete improvement: a missing runtime dependency, a broken executable, a missing output, or an unneeded line. Do not repeat earlier feedback.
If nothing needs changing, answer NO_FEEDBACK.
`

const applyFeedbackTemplate = `# Apply feedback

` + fence + `{{lang}}
{{manifest}}
` + fence + `

## Feedback
{{feedback}}
{{#if attempt_note}}

{{attempt_note}}
{{/if}}

Apply only this feedback. You have at most {{max_edits}} edit operations.
` + editRules

const evaluateRefinementTemplate = `# Was the feedback applied?

## Feedback
{{feedback}}

## Before
` + fence + `
{{previous_manifest}}
` + fence + `

## After
` + fence + `
{{manifest}}
` + fence + `
{{#if build_log}}

## Build output
` + fence + `
{{build_log}}
` + fence + `
{{/if}}

Answer with exactly one word:
- COMPLETE if the feedback is fully addressed
- INCOMPLETE if it is partly addressed
- ERROR if the change made the package worse
`

const analyzeFailureTemplate = `# Why did packaging fail?
{{#if project_name}}

Project: {{project_name}}
{{/if}}
{{#if project_info}}

## Project information
{{project_info}}
{{/if}}

Repeated repair attempts did not produce a working build. This is the best manifest reached:

` + fence + `{{lang}}
{{manifest}}
` + fence + `

## Last build log
` + fence + `
{{log}}
` + fence + `
{{#if history}}

## Rejected attempts
{{history}}
{{/if}}

Explain in a short paragraph what blocks this package. Name the missing tool, dependency, platform or source change when there is one. Do not propose a manifest.
`

const classifyFailureTemplate = `# Classify a packaging failure

{{analysis}}

Answer with exactly one of:
- BUILD_TOOL_NOT_PACKAGED: a required build tool is not available as a package
- BUILD_TOOL_VERSION_NOT_PACKAGED: the tool exists but not in the required version
- DEPENDENCY_NOT_PACKAGED: a library or runtime dependency is not available
- REQUIRES_SOURCE_PATCHING: the source has to be patched before it builds
- BUILD_DOWNLOADS_FROM_NETWORK: the build fetches files and fails in the sandbox
- REQUIRES_SPECIAL_HARDWARE: the build or tests need hardware that is not present
- DOES_NOT_TARGET_LINUX: the project does not support this platform
- OTHER: none of the above
`
