// Package synth turns sanitized narration text into encoded audio through an
// external text-to-speech provider. Client wraps a Provider with the
// process-wide policies: an admission rate limit, a concurrency bound and
// retry with exponential backoff.
package synth

import (
	"context"
	"errors"
	"io"
)

// Request carries one span of text to the provider. Voice, Model and Format
// are optional; providers fall back to their configured defaults.
type Request struct {
	Text   string
	Voice  string
	Model  string
	Format string
}

// Provider converts text to audio. The returned stream may arrive in chunks;
// Client drains it into a single buffer.
type Provider interface {
	Convert(ctx context.Context, req Request) (io.ReadCloser, error)
}

// ErrUnavailable reports that synthesis failed after all retry attempts.
var ErrUnavailable = errors.New("synth: service unavailable")

// ErrRateLimited reports that the admission limiter rejected the call before
// it reached the provider.
var ErrRateLimited = errors.New("synth: rate limited")
