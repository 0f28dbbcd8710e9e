package model

import (
	"context"
	"fmt"
)

// ToolFunc executes a tool call. A returned error is reported back to the
// model as the tool result; it does not abort the loop.
type ToolFunc func(ctx context.Context, arguments string) (string, error)

// Tool pairs a declaration with its implementation.
type Tool struct {
	Spec ToolSpec
	Call ToolFunc
}

// LoopResult is the outcome of RunTools.
type LoopResult struct {
	// Text is the final answer, or the last text seen when the step budget
	// ran out.
	Text      string
	Steps     int
	Exhausted bool
	Usage     Usage
	// Calls lists every tool call made, in order.
	Calls []ToolCall
	// Requests holds each request sent, in order.
	Requests []Request
}

// RunTools runs the inner tool-calling exchange: each step is one backend
// call, any requested tool calls are executed and their results appended,
// and the loop ends on a response without tool calls, when maxSteps calls
// have been made, or on a backend error.
func RunTools(ctx context.Context, b Backend, req Request, tools []Tool, maxSteps int) (*LoopResult, error) {
	if maxSteps <= 0 {
		maxSteps = 1
	}
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Spec.Name] = t
		req.Tools = append(req.Tools, t.Spec)
	}
	msgs := append([]Message(nil), req.Messages...)

	res := &LoopResult{}
	for res.Steps < maxSteps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		req.Messages = msgs
		sent := req
		sent.Messages = append([]Message(nil), msgs...)
		res.Requests = append(res.Requests, sent)
		resp, err := b.Generate(ctx, req)
		res.Steps++
		if err != nil {
			return res, err
		}
		res.Usage = res.Usage.Add(resp.Usage)
		if resp.Text != "" {
			res.Text = resp.Text
		}
		if len(resp.ToolCalls) == 0 {
			return res, nil
		}

		msgs = append(msgs, Message{Role: RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			res.Calls = append(res.Calls, call)
			out := runTool(ctx, byName, call)
			msgs = append(msgs, Message{Role: RoleTool, ToolCallID: call.ID, Content: out})
		}
	}
	res.Exhausted = true
	return res, nil
}

func runTool(ctx context.Context, byName map[string]Tool, call ToolCall) string {
	t, ok := byName[call.Name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}
	out, err := t.Call(ctx, call.Arguments)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}
