package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Pricing Pricing
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client  *openai.Client
	model   string
	pricing Pricing
	logger  *slog.Logger
}

// NewOpenAI creates the backend.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key not set")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai: model not set")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Initializing OpenAI client", "model", cfg.Model, "base_url", oc.BaseURL)
	return &OpenAI{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		pricing: cfg.Pricing,
		logger:  logger,
	}, nil
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	creq := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		creq.MaxCompletionTokens = req.MaxTokens
	}
	for _, t := range req.Tools {
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	o.logger.Debug("Generating via OpenAI", "model", o.model, "purpose", req.Purpose, "messages", len(req.Messages))
	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformed)
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" || choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, fmt.Errorf("%w: %s", ErrRefusal, choice.Message.Refusal)
	}

	out := &Response{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			CostUSD:      o.pricing.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if out.Text == "" && len(out.ToolCalls) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	o.logger.Debug("Received response from OpenAI", "finish_reason", choice.FinishReason,
		"input_tokens", out.Usage.InputTokens, "output_tokens", out.Usage.OutputTokens)
	return out, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

// classifyAPIError maps transport errors onto the package's sentinels.
func classifyAPIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrUnavailable, apiErr.Message)
		case apiErr.HTTPStatusCode == http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrMalformed, apiErr.Message)
		}
		return fmt.Errorf("openai: %w", err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
