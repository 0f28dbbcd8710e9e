package logdiff

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lucasnoah/pkgforge/internal/model"
	"github.com/lucasnoah/pkgforge/internal/prompt"
)

// ModelJudge asks the model to compare two prepared logs.
type ModelJudge struct {
	backend model.Backend
	prompts *prompt.Library
	// Binary asks only for PROGRESS or REGRESS.
	Binary bool
}

// NewModelJudge creates a judge backed by b.
func NewModelJudge(b model.Backend, prompts *prompt.Library, binary bool) *ModelJudge {
	return &ModelJudge{backend: b, prompts: prompts, Binary: binary}
}

func (j *ModelJudge) twoWay() bool { return j.Binary }

func (j *ModelJudge) Judge(ctx context.Context, d Diff) (Verdict, error) {
	purpose := prompt.PurposeEvaluateProgress
	if j.Binary {
		purpose = prompt.PurposeEvaluateBinary
	}
	spec, _ := prompt.Lookup(purpose)

	vars := prompt.Vars{
		"previous_log": d.PreviousLog,
		"new_log":      d.NewLog,
		"divergence":   "",
		"truncated":    "",
	}
	if d.Divergence > 0 {
		vars["divergence"] = strconv.Itoa(d.Divergence)
	}
	if d.Truncated {
		vars["truncated"] = "yes"
	}
	text, err := j.prompts.Render(purpose, vars)
	if err != nil {
		return "", err
	}

	resp, err := j.backend.Generate(ctx, model.Request{
		Purpose:  string(purpose),
		Messages: []model.Message{{Role: model.RoleUser, Content: text}},
	})
	if err != nil {
		return "", fmt.Errorf("judge progress: %w", err)
	}
	choice, err := prompt.ParseChoice(resp.Text, spec.Choices)
	if err != nil {
		return "", fmt.Errorf("judge progress: %w", err)
	}
	return Verdict(choice), nil
}
