package refine

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucasnoah/pkgforge/internal/build"
	"github.com/lucasnoah/pkgforge/internal/candidate"
	"github.com/lucasnoah/pkgforge/internal/generate"
	"github.com/lucasnoah/pkgforge/internal/model"
	"github.com/lucasnoah/pkgforge/internal/prompt"
)

// ModelAdvisor implements Advisor with the feedback prompts.
type ModelAdvisor struct {
	backend  model.Backend
	prompts  *prompt.Library
	gen      *generate.Generator
	lang     string
	maxEdits int
}

// NewModelAdvisor creates an advisor. maxEdits bounds the edit operations
// of one ApplyFeedback call.
func NewModelAdvisor(b model.Backend, prompts *prompt.Library, gen *generate.Generator, lang string, maxEdits int) *ModelAdvisor {
	if lang == "" {
		lang = "nix"
	}
	if maxEdits <= 0 {
		maxEdits = 8
	}
	return &ModelAdvisor{backend: b, prompts: prompts, gen: gen, lang: lang, maxEdits: maxEdits}
}

func (a *ModelAdvisor) RequestFeedback(ctx context.Context, c *candidate.Candidate, verification, lessons string) (string, bool, error) {
	text, err := a.ask(ctx, prompt.PurposeGetFeedback, prompt.Vars{
		"manifest":     c.Text,
		"lang":         a.lang,
		"verification": verification,
		"lessons":      lessons,
	})
	if err != nil {
		return "", false, err
	}
	fb, ok := prompt.ParseFeedback(text)
	return fb, ok, nil
}

func (a *ModelAdvisor) ApplyFeedback(ctx context.Context, c *candidate.Candidate, feedback string, attempt, version int) (*candidate.Candidate, error) {
	vars := prompt.Vars{"feedback": feedback, "attempt_note": ""}
	if attempt > 1 {
		vars["attempt_note"] = "A previous attempt only partly applied this feedback. Finish it."
	}
	res, err := a.gen.Generate(ctx, generate.Request{
		Purpose:  prompt.PurposeApplyFeedback,
		Current:  c,
		Vars:     vars,
		Version:  version,
		Origin:   candidate.OriginRefinement,
		MaxEdits: a.maxEdits,
	})
	if err != nil {
		return nil, err
	}
	return res.Candidate, nil
}

func (a *ModelAdvisor) Evaluate(ctx context.Context, prev, next *candidate.Candidate, feedback, buildLog string) (Exit, error) {
	text, err := a.ask(ctx, prompt.PurposeEvaluateRefinement, prompt.Vars{
		"previous_manifest": prev.Text,
		"manifest":          next.Text,
		"feedback":          feedback,
		"build_log":         tail(buildLog, 40),
	})
	if err != nil {
		return "", err
	}
	spec, _ := prompt.Lookup(prompt.PurposeEvaluateRefinement)
	choice, err := prompt.ParseChoice(text, spec.Choices)
	if err != nil {
		return "", &generate.Failure{Kind: generate.FailureParse, Purpose: prompt.PurposeEvaluateRefinement, Err: err}
	}
	return Exit(choice), nil
}

func (a *ModelAdvisor) ask(ctx context.Context, purpose prompt.Purpose, vars prompt.Vars) (string, error) {
	text, err := a.prompts.Render(purpose, vars)
	if err != nil {
		return "", err
	}
	resp, err := a.backend.Generate(ctx, model.Request{
		Purpose: string(purpose),
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: fmt.Sprintf("You review %s packaging manifests.", a.lang)},
			{Role: model.RoleUser, Content: text},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", generate.BackendFailure(purpose, err)
	}
	return resp.Text, nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// IsolatedVerifier runs a script against the built artifact in the
// executor's network-less runtime.
type IsolatedVerifier struct {
	exec   *build.Executor
	script string
}

// NewIsolatedVerifier returns a verifier, or nil when script is empty.
func NewIsolatedVerifier(exec *build.Executor, script string) *IsolatedVerifier {
	if strings.TrimSpace(script) == "" {
		return nil
	}
	return &IsolatedVerifier{exec: exec, script: script}
}

func (v *IsolatedVerifier) Verify(ctx context.Context, res *build.Result) (string, error) {
	if v == nil {
		return "", nil
	}
	if res == nil || res.Artifact == "" {
		return "", fmt.Errorf("no build artifact to verify")
	}
	stdout, stderr, code, err := v.exec.RunIsolated(ctx, res.Artifact, v.script)
	if err != nil {
		return "", err
	}
	return FormatVerification(stdout, stderr, code), nil
}

// FormatVerification renders an isolated run for the feedback prompt.
func FormatVerification(stdout, stderr string, exitCode int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", exitCode)
	if s := strings.TrimSpace(stdout); s != "" {
		b.WriteString("stdout:\n" + tail(s, 60) + "\n")
	}
	if s := strings.TrimSpace(stderr); s != "" {
		b.WriteString("stderr:\n" + tail(s, 60) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
