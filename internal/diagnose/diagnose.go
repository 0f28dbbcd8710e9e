// Package diagnose explains why a session ended without a working build
// and sorts the explanation into a fixed set of causes.
package diagnose

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucasnoah/pkgforge/internal/generate"
	"github.com/lucasnoah/pkgforge/internal/model"
	"github.com/lucasnoah/pkgforge/internal/prompt"
)

// Cause is the classified reason a package could not be built.
type Cause string

const (
	CauseBuildTool        Cause = "BUILD_TOOL_NOT_PACKAGED"
	CauseBuildToolVersion Cause = "BUILD_TOOL_VERSION_NOT_PACKAGED"
	CauseDependency       Cause = "DEPENDENCY_NOT_PACKAGED"
	CausePatching         Cause = "REQUIRES_SOURCE_PATCHING"
	CauseNetwork          Cause = "BUILD_DOWNLOADS_FROM_NETWORK"
	CauseHardware         Cause = "REQUIRES_SPECIAL_HARDWARE"
	CausePlatform         Cause = "DOES_NOT_TARGET_LINUX"
	CauseOther            Cause = "OTHER"
)

// Diagnosis is the analysis of a failed session.
type Diagnosis struct {
	Cause    Cause
	Analysis string
}

// Input is what the analysis looks at.
type Input struct {
	Project     string
	ProjectInfo string
	Manifest    string
	Log         string
	// Rejected lists attempts thrown away since the last progress.
	Rejected []string
}

// Analyzer runs the analyze-failure and classify-failure prompts.
type Analyzer struct {
	backend  model.Backend
	prompts  *prompt.Library
	lang     string
	logLines int
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(b model.Backend, prompts *prompt.Library, lang string) *Analyzer {
	if lang == "" {
		lang = "nix"
	}
	return &Analyzer{backend: b, prompts: prompts, lang: lang, logLines: 120}
}

// Analyze asks for an explanation of the failure and then for its cause.
// An answer outside the known causes is OTHER.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*Diagnosis, error) {
	var history string
	if len(in.Rejected) > 0 {
		history = "- " + strings.Join(in.Rejected, "\n- ")
	}
	analysis, err := a.ask(ctx, prompt.PurposeAnalyzeFailure, prompt.Vars{
		"project_name": in.Project,
		"project_info": in.ProjectInfo,
		"manifest":     in.Manifest,
		"log":          tail(in.Log, a.logLines),
		"lang":         a.lang,
		"history":      history,
	})
	if err != nil {
		return nil, err
	}
	analysis = strings.TrimSpace(analysis)
	if analysis == "" {
		return nil, &generate.Failure{Kind: generate.FailureParse, Purpose: prompt.PurposeAnalyzeFailure, Err: fmt.Errorf("empty analysis")}
	}

	d := &Diagnosis{Cause: CauseOther, Analysis: analysis}
	text, err := a.ask(ctx, prompt.PurposeClassifyFailure, prompt.Vars{"analysis": analysis})
	if err != nil {
		return d, err
	}
	if choice, err := prompt.ParseChoice(text, prompt.FailureCauses); err == nil {
		d.Cause = Cause(choice)
	}
	return d, nil
}

func (a *Analyzer) ask(ctx context.Context, purpose prompt.Purpose, vars prompt.Vars) (string, error) {
	text, err := a.prompts.Render(purpose, vars)
	if err != nil {
		return "", err
	}
	resp, err := a.backend.Generate(ctx, model.Request{
		Purpose: string(purpose),
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: fmt.Sprintf("You diagnose failed %s packaging attempts.", a.lang)},
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
