package model

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// RetryConfig bounds rate-limit retries.
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrying retries rate-limited and unavailable calls with exponential
// backoff. Refusals and malformed responses are returned immediately.
type Retrying struct {
	next   Backend
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetrying wraps next.
func NewRetrying(next Backend, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, cfg: cfg, logger: logger}
}

func (r *Retrying) Generate(ctx context.Context, req Request) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	op := func() (*Response, error) {
		resp, err := r.next.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if isRetryable(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("model call failed, retrying", "purpose", req.Purpose, "error", err, "wait", wait)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithNotify(notify),
	)
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}

// Limited paces calls through a token bucket.
type Limited struct {
	next    Backend
	limiter *rate.Limiter
}

// NewLimited wraps next, allowing perMinute calls per minute with the given
// burst. perMinute <= 0 disables pacing.
func NewLimited(next Backend, perMinute float64, burst int) *Limited {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.next.Generate(ctx, req)
}
