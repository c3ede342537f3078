package synth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

const (
	defaultMaxConcurrent = 3
	retryAttempts        = 3
)

// Options tune the client policies.
type Options struct {
	// MaxConcurrent bounds provider calls in flight across the process.
	MaxConcurrent int
	// RatePerMinute caps admitted calls per minute. Zero disables the
	// limiter.
	RatePerMinute int
	// RetryBase is the first retry delay, doubled per attempt.
	RetryBase time.Duration
}

// Client wraps a Provider with admission control, a process-wide concurrency
// bound and retrying. Every response is drained into one contiguous buffer
// and a zero-length result counts as a failed attempt.
type Client struct {
	provider  Provider
	sem       chan struct{}
	limiter   *rate.Limiter
	retryBase time.Duration
	log       *slog.Logger
}

func NewClient(provider Provider, opts Options, log *slog.Logger) *Client {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	var limiter *rate.Limiter
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerMinute)/60, opts.RatePerMinute)
	}
	return &Client{
		provider:  provider,
		sem:       make(chan struct{}, opts.MaxConcurrent),
		limiter:   limiter,
		retryBase: opts.RetryBase,
		log:       log,
	}
}

// Synthesize converts text to audio bytes and reports how many provider
// attempts that took. It fails with ErrRateLimited when the admission
// limiter rejects the call and with ErrUnavailable once all retry attempts
// are spent. The concurrency slot is held per attempt, so backoff sleeps do
// not starve other callers.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		return nil, 0, ErrRateLimited
	}

	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, backoff.Permanent(ctx.Err())
		}
		defer func() { <-c.sem }()

		body, err := c.provider.Convert(ctx, Request{Text: text})
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("provider returned empty audio")
		}
		return data, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2

	data, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(retryAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.Warn("synthesis attempt failed",
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", wait),
				slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		return nil, attempt, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, retryAttempts, err)
	}
	c.log.Debug("synthesized audio", slog.Int("bytes", len(data)), slog.Int("attempts", attempt))
	return data, attempt, nil
}
