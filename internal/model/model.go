// Package model is the contract with the text-generation backend plus the
// capabilities layered on top of it: retry, pacing, response caching, cost
// metering and the bounded tool-call loop.
package model

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrRefusal means the model declined to answer. Not retried.
	ErrRefusal = errors.New("model refused the request")
	// ErrMalformed means the response could not be interpreted.
	ErrMalformed = errors.New("malformed model response")
	// ErrRateLimited means the backend asked us to slow down.
	ErrRateLimited = errors.New("model backend rate limited")
	// ErrUnavailable covers transport failures and 5xx answers.
	ErrUnavailable = errors.New("model backend unavailable")
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolSpec declares a tool the model may call. Parameters is a JSON schema.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request is one generation call.
type Request struct {
	// Purpose tags the request for logs and metrics; it is not sent.
	Purpose     string     `json:"purpose"`
	Messages    []Message  `json:"messages"`
	Tools       []ToolSpec `json:"tools,omitempty"`
	Temperature float32    `json:"temperature"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
}

// Response is what the backend returned.
type Response struct {
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
	Cached       bool       `json:"-"`
}

// Usage is the token and dollar cost of one or more calls.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		CostUSD:      u.CostUSD + o.CostUSD,
	}
}

// Tokens is input plus output tokens.
func (u Usage) Tokens() int { return u.InputTokens + u.OutputTokens }

// Pricing converts token counts to dollars.
type Pricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" toml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" toml:"output_per_mtok"`
}

// Cost returns the dollar cost of the given token counts.
func (p Pricing) Cost(in, out int) float64 {
	return (float64(in)*p.InputPerMTok + float64(out)*p.OutputPerMTok) / 1_000_000
}

// Backend generates a response for a request.
type Backend interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Forgetter is implemented by backends that remember answers and can drop
// one, so that a rejected answer is not replayed for the same request.
type Forgetter interface {
	Forget(ctx context.Context, req Request) error
}

// Forget drops the remembered answers for reqs when b can forget. Backends
// without memory are a no-op.
func Forget(ctx context.Context, b Backend, reqs ...Request) error {
	f, ok := b.(Forgetter)
	if !ok {
		return nil
	}
	var errs []error
	for _, req := range reqs {
		if err := f.Forget(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Meter accumulates usage across every call of a session.
type Meter struct {
	mu    sync.Mutex
	total Usage
	calls int
}

// Record adds one call's usage.
func (m *Meter) Record(u Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = m.total.Add(u)
	m.calls++
}

// Total returns the accumulated usage.
func (m *Meter) Total() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Calls returns the number of recorded calls.
func (m *Meter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Metered records the usage of every successful call into a Meter.
type Metered struct {
	next  Backend
	meter *Meter
}

// NewMetered wraps next.
func NewMetered(next Backend, meter *Meter) *Metered {
	return &Metered{next: next, meter: meter}
}

func (m *Metered) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := m.next.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	m.meter.Record(resp.Usage)
	return resp, nil
}

// Forget passes through to the wrapped backend.
func (m *Metered) Forget(ctx context.Context, req Request) error {
	return Forget(ctx, m.next, req)
}
