package edit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lucasnoah/pkgforge/internal/model"
)

// Tool names offered to the model.
const (
	ToolStrReplace  = "str_replace"
	ToolInsertAfter = "insert_line_after"
	ToolView        = "view"
)

type strReplaceArgs struct {
	Old        string `json:"old_str"`
	New        string `json:"new_str"`
	Occurrence int    `json:"occurrence"`
}

type insertArgs struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Tools exposes d's operations as model tools.
func Tools(d *Document) []model.Tool {
	return []model.Tool{
		{
			Spec: model.ToolSpec{
				Name:        ToolStrReplace,
				Description: "Replace an exact string in the manifest. Set occurrence when the string appears more than once.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"old_str":    map[string]any{"type": "string"},
						"new_str":    map[string]any{"type": "string"},
						"occurrence": map[string]any{"type": "integer", "minimum": 1},
					},
					"required": []string{"old_str", "new_str"},
				},
			},
			Call: func(ctx context.Context, raw string) (string, error) {
				var a strReplaceArgs
				if err := json.Unmarshal([]byte(raw), &a); err != nil {
					return "", fmt.Errorf("bad arguments: %w", err)
				}
				if err := d.StrReplace(a.Old, a.New, a.Occurrence); err != nil {
					return "", err
				}
				return result(d), nil
			},
		},
		{
			Spec: model.ToolSpec{
				Name:        ToolInsertAfter,
				Description: "Insert text after the given 1-based line number (0 inserts at the top).",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"line": map[string]any{"type": "integer", "minimum": 0},
						"text": map[string]any{"type": "string"},
					},
					"required": []string{"line", "text"},
				},
			},
			Call: func(ctx context.Context, raw string) (string, error) {
				var a insertArgs
				if err := json.Unmarshal([]byte(raw), &a); err != nil {
					return "", fmt.Errorf("bad arguments: %w", err)
				}
				if err := d.InsertAfter(a.Line, a.Text); err != nil {
					return "", err
				}
				return result(d), nil
			},
		},
		{
			Spec: model.ToolSpec{
				Name:        ToolView,
				Description: "Show the current manifest with line numbers.",
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
			Call: func(ctx context.Context, raw string) (string, error) {
				return d.View(), nil
			},
		},
	}
}

func result(d *Document) string {
	if r := d.Remaining(); r >= 0 {
		return fmt.Sprintf("ok (%d edits left)", r)
	}
	return "ok"
}
