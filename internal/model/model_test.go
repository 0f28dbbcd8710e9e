package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// mockBackend returns scripted responses in order and records requests.
type mockBackend struct {
	responses []*Response
	errs      []error
	requests  []Request
	idx       int
}

func (m *mockBackend) Generate(ctx context.Context, req Request) (*Response, error) {
	m.requests = append(m.requests, req)
	i := m.idx
	m.idx++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return &Response{Text: "done"}, nil
}

func TestUsage_Add(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5, CostUSD: 0.5}.Add(Usage{InputTokens: 1, OutputTokens: 2, CostUSD: 0.25})
	if u.InputTokens != 11 || u.OutputTokens != 7 || u.CostUSD != 0.75 || u.Tokens() != 18 {
		t.Errorf("unexpected sum %+v", u)
	}
}

func TestPricing_Cost(t *testing.T) {
	p := Pricing{InputPerMTok: 3, OutputPerMTok: 15}
	if got := p.Cost(1_000_000, 100_000); got != 4.5 {
		t.Errorf("Cost = %v, want 4.5", got)
	}
}

func TestMetered(t *testing.T) {
	mock := &mockBackend{responses: []*Response{
		{Text: "a", Usage: Usage{InputTokens: 100, CostUSD: 0.1}},
		{Text: "b", Usage: Usage{InputTokens: 50, CostUSD: 0.2}},
	}}
	meter := &Meter{}
	b := NewMetered(mock, meter)
	for i := 0; i < 2; i++ {
		if _, err := b.Generate(context.Background(), Request{}); err != nil {
			t.Fatal(err)
		}
	}
	if meter.Calls() != 2 || meter.Total().InputTokens != 150 {
		t.Errorf("meter = %d calls, %+v", meter.Calls(), meter.Total())
	}
}

func TestRunTools_FinalAnswer(t *testing.T) {
	mock := &mockBackend{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "1", Name: "echo", Arguments: `hi`}}, Usage: Usage{InputTokens: 1}},
		{Text: "final", Usage: Usage{InputTokens: 2}},
	}}
	var got []string
	echo := Tool{
		Spec: ToolSpec{Name: "echo"},
		Call: func(ctx context.Context, args string) (string, error) {
			got = append(got, args)
			return "echoed " + args, nil
		},
	}

	res, err := RunTools(context.Background(), mock, Request{Messages: []Message{{Role: RoleUser, Content: "go"}}}, []Tool{echo}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "final" || res.Steps != 2 || res.Exhausted {
		t.Errorf("unexpected result %+v", res)
	}
	if len(got) != 1 || got[0] != "hi" {
		t.Errorf("tool calls = %v", got)
	}
	if res.Usage.InputTokens != 3 {
		t.Errorf("usage not summed: %+v", res.Usage)
	}
	second := mock.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != RoleTool || last.ToolCallID != "1" || last.Content != "echoed hi" {
		t.Errorf("tool result not sent back: %+v", last)
	}
	if len(mock.requests[0].Tools) != 1 {
		t.Error("tool spec not offered")
	}
	if len(res.Requests) != 2 || len(res.Requests[0].Messages) != 1 || len(res.Requests[1].Messages) != 3 {
		t.Errorf("sent requests not recorded: %+v", res.Requests)
	}
}

func TestRunTools_StepBudget(t *testing.T) {
	loop := &Response{ToolCalls: []ToolCall{{ID: "x", Name: "missing"}}}
	mock := &mockBackend{responses: []*Response{loop, loop, loop, loop}}

	res, err := RunTools(context.Background(), mock, Request{}, nil, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Exhausted || res.Steps != 3 || len(mock.requests) != 3 {
		t.Errorf("expected exhaustion after 3 steps, got %+v (%d calls)", res, len(mock.requests))
	}
	msgs := mock.requests[2].Messages
	if !strings.Contains(msgs[len(msgs)-1].Content, "unknown tool") {
		t.Errorf("unknown tool should be reported to the model, got %q", msgs[len(msgs)-1].Content)
	}
}

func TestRunTools_ToolErrorIsReported(t *testing.T) {
	mock := &mockBackend{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "1", Name: "fail"}}},
		{Text: "ok"},
	}}
	fail := Tool{Spec: ToolSpec{Name: "fail"}, Call: func(context.Context, string) (string, error) {
		return "", fmt.Errorf("no such line")
	}}
	if _, err := RunTools(context.Background(), mock, Request{}, []Tool{fail}, 4); err != nil {
		t.Fatal(err)
	}
	msgs := mock.requests[1].Messages
	if msgs[len(msgs)-1].Content != "error: no such line" {
		t.Errorf("got %q", msgs[len(msgs)-1].Content)
	}
}

func TestRunTools_BackendError(t *testing.T) {
	mock := &mockBackend{errs: []error{ErrRefusal}}
	_, err := RunTools(context.Background(), mock, Request{}, nil, 3)
	if !errors.Is(err, ErrRefusal) {
		t.Errorf("expected refusal, got %v", err)
	}
}

func TestRetrying_RetriesRateLimit(t *testing.T) {
	mock := &mockBackend{
		errs:      []error{ErrRateLimited, fmt.Errorf("wrapped: %w", ErrUnavailable), nil},
		responses: []*Response{nil, nil, {Text: "ok"}},
	}
	r := NewRetrying(mock, RetryConfig{MaxTries: 5, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}, nil)
	resp, err := r.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "ok" || len(mock.requests) != 3 {
		t.Errorf("got %q after %d calls", resp.Text, len(mock.requests))
	}
}

func TestRetrying_RefusalIsPermanent(t *testing.T) {
	mock := &mockBackend{errs: []error{ErrRefusal, nil}}
	r := NewRetrying(mock, RetryConfig{MaxTries: 5, InitialInterval: time.Millisecond}, nil)
	_, err := r.Generate(context.Background(), Request{})
	if !errors.Is(err, ErrRefusal) {
		t.Errorf("expected refusal, got %v", err)
	}
	if len(mock.requests) != 1 {
		t.Errorf("refusal retried %d times", len(mock.requests)-1)
	}
}

func TestRetrying_GivesUp(t *testing.T) {
	mock := &mockBackend{errs: []error{ErrRateLimited, ErrRateLimited, ErrRateLimited, ErrRateLimited}}
	r := NewRetrying(mock, RetryConfig{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, nil)
	_, err := r.Generate(context.Background(), Request{})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected rate limit error, got %v", err)
	}
	if len(mock.requests) != 3 {
		t.Errorf("made %d calls, want 3", len(mock.requests))
	}
}

func TestLimited_PassesThrough(t *testing.T) {
	mock := &mockBackend{}
	l := NewLimited(mock, 0, 0)
	for i := 0; i < 3; i++ {
		if _, err := l.Generate(context.Background(), Request{}); err != nil {
			t.Fatal(err)
		}
	}
	if len(mock.requests) != 3 {
		t.Errorf("calls = %d", len(mock.requests))
	}
}

func TestLimited_CanceledWait(t *testing.T) {
	mock := &mockBackend{}
	l := NewLimited(mock, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := l.Generate(ctx, Request{}); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := l.Generate(ctx, Request{}); err == nil {
		t.Error("expected error from canceled wait")
	}
}
