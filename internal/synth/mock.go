package synth

import (
	"bytes"
	"context"
	"io"
	"time"
)

// Mock is a Provider for development and tests. It returns deterministic
// bytes derived from the request text after a short delay.
type Mock struct {
	Delay time.Duration
}

func NewMock() *Mock {
	return &Mock{Delay: 10 * time.Millisecond}
}

func (m *Mock) Convert(ctx context.Context, req Request) (io.ReadCloser, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	payload := append([]byte("MOCKAUDIO:"), []byte(req.Text)...)
	return io.NopCloser(bytes.NewReader(payload)), nil
}
