package synth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   int
	convert func(call int, req Request) (io.ReadCloser, error)
}

func (f *fakeProvider) Convert(ctx context.Context, req Request) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.convert(n, req)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func audioBody(data string) io.ReadCloser {
	return io.NopCloser(bytes.NewReader([]byte(data)))
}

func newTestClient(p Provider, opts Options) *Client {
	opts.RetryBase = time.Millisecond
	return NewClient(p, opts, slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestSynthesizeReturnsBytes(t *testing.T) {
	p := &fakeProvider{convert: func(call int, req Request) (io.ReadCloser, error) {
		if req.Text != "hello world" {
			t.Errorf("provider got text %q", req.Text)
		}
		return audioBody("mp3-data"), nil
	}}
	c := newTestClient(p, Options{})

	data, attempts, err := c.Synthesize(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(data) != "mp3-data" {
		t.Fatalf("Synthesize returned %q", data)
	}
	if attempts != 1 {
		t.Fatalf("reported %d attempts", attempts)
	}
	if n := p.callCount(); n != 1 {
		t.Fatalf("provider called %d times", n)
	}
}

func TestSynthesizeRetriesEmptyResponse(t *testing.T) {
	p := &fakeProvider{convert: func(call int, req Request) (io.ReadCloser, error) {
		if call == 1 {
			return audioBody(""), nil
		}
		return audioBody("real-audio"), nil
	}}
	c := newTestClient(p, Options{})

	data, attempts, err := c.Synthesize(context.Background(), "text")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(data) != "real-audio" {
		t.Fatalf("Synthesize returned %q", data)
	}
	if attempts != 2 {
		t.Fatalf("reported %d attempts, want 2", attempts)
	}
	if n := p.callCount(); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestSynthesizeUnavailableAfterRetries(t *testing.T) {
	p := &fakeProvider{convert: func(call int, req Request) (io.ReadCloser, error) {
		return nil, errors.New("provider down")
	}}
	c := newTestClient(p, Options{})

	_, attempts, err := c.Synthesize(context.Background(), "text")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if attempts != retryAttempts {
		t.Fatalf("reported %d attempts, want %d", attempts, retryAttempts)
	}
	if n := p.callCount(); n != retryAttempts {
		t.Fatalf("expected %d attempts, got %d", retryAttempts, n)
	}
}

func TestSynthesizeRateLimited(t *testing.T) {
	p := &fakeProvider{convert: func(call int, req Request) (io.ReadCloser, error) {
		return audioBody("audio"), nil
	}}
	c := newTestClient(p, Options{RatePerMinute: 1})

	if _, _, err := c.Synthesize(context.Background(), "first"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, _, err := c.Synthesize(context.Background(), "second")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if n := p.callCount(); n != 1 {
		t.Fatalf("rejected call reached the provider (%d calls)", n)
	}
}

func TestSynthesizeConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int64
	release := make(chan struct{})
	p := &fakeProvider{convert: func(call int, req Request) (io.ReadCloser, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return audioBody("audio"), nil
	}}
	c := newTestClient(p, Options{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := c.Synthesize(context.Background(), "text"); err != nil {
				t.Errorf("Synthesize: %v", err)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Fatalf("observed %d concurrent provider calls, bound is 2", got)
	}
}

func TestSynthesizeCancelWhileQueued(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := &fakeProvider{convert: func(call int, req Request) (io.ReadCloser, error) {
		close(started)
		<-release
		return audioBody("audio"), nil
	}}
	c := newTestClient(p, Options{MaxConcurrent: 1})

	go c.Synthesize(context.Background(), "holder")
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := c.Synthesize(ctx, "queued")
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued call did not observe cancellation")
	}
	close(release)
}

func TestSynthesizeNormalizesChunkedBody(t *testing.T) {
	p := &fakeProvider{convert: func(call int, req Request) (io.ReadCloser, error) {
		return io.NopCloser(io.MultiReader(
			bytes.NewReader([]byte("part-one|")),
			bytes.NewReader([]byte("part-two")),
		)), nil
	}}
	c := newTestClient(p, Options{})

	data, _, err := c.Synthesize(context.Background(), "text")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(data) != "part-one|part-two" {
		t.Fatalf("Synthesize returned %q", data)
	}
}
