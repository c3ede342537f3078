package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-narrate/internal/genlog"
	"github.com/loqalabs/loqa-narrate/internal/pathlock"
	"github.com/loqalabs/loqa-narrate/internal/segment"
	"github.com/loqalabs/loqa-narrate/internal/synth"
)

// Assembler drives generation. Per segment it applies the double-checked
// cache pattern under a path lock, so at most one synthesis runs per
// artifact path however many callers race. Per document it concatenates the
// segment artifacts, in order, into one full track.
type Assembler struct {
	cache  *Cache
	synth  *synth.Client
	locks  *pathlock.Registry
	ledger *genlog.Log
	log    *slog.Logger

	meter         metric.Meter
	cacheHits     metric.Int64Counter
	cacheMisses   metric.Int64Counter
	synthSeconds  metric.Float64Histogram
	synthFailures metric.Int64Counter
}

// NewAssembler wires the pipeline. ledger may be nil when generation history
// is not recorded.
func NewAssembler(cache *Cache, client *synth.Client, locks *pathlock.Registry, ledger *genlog.Log, log *slog.Logger) *Assembler {
	a := &Assembler{
		cache:  cache,
		synth:  client,
		locks:  locks,
		ledger: ledger,
		log:    log.With(slog.String("component", "track-assembler")),
		meter:  otel.Meter("github.com/loqalabs/loqa-narrate/audio"),
	}
	if err := a.initMetrics(); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return a
}

func (a *Assembler) initMetrics() error {
	hits, err := a.meter.Int64Counter("loqa.narrate.cache.hits",
		metric.WithDescription("Artifact cache hits"))
	if err != nil {
		return err
	}
	misses, err := a.meter.Int64Counter("loqa.narrate.cache.misses",
		metric.WithDescription("Artifact cache misses that trigger synthesis"))
	if err != nil {
		return err
	}
	seconds, err := a.meter.Float64Histogram("loqa.narrate.synthesis.seconds",
		metric.WithDescription("Synthesis call duration"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	failures, err := a.meter.Int64Counter("loqa.narrate.synthesis.failures",
		metric.WithDescription("Synthesis calls that failed after retries"))
	if err != nil {
		return err
	}
	lockGauge, err := a.meter.Int64ObservableGauge("loqa.narrate.locks.active",
		metric.WithDescription("Artifact paths currently locked or waited on"))
	if err != nil {
		return err
	}
	_, err = a.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(lockGauge, int64(a.locks.Len()))
		return nil
	}, lockGauge)
	if err != nil {
		return err
	}
	a.cacheHits = hits
	a.cacheMisses = misses
	a.synthSeconds = seconds
	a.synthFailures = failures
	return nil
}

func (a *Assembler) recordHit(ctx context.Context) {
	if a.cacheHits != nil {
		a.cacheHits.Add(ctx, 1)
	}
}

func (a *Assembler) recordMiss(ctx context.Context) {
	if a.cacheMisses != nil {
		a.cacheMisses.Add(ctx, 1)
	}
}

func (a *Assembler) observeSynthesis(ctx context.Context, elapsed time.Duration, err error) {
	if a.synthSeconds != nil {
		a.synthSeconds.Record(ctx, elapsed.Seconds())
	}
	if err != nil && a.synthFailures != nil {
		a.synthFailures.Add(ctx, 1)
	}
}

func (a *Assembler) appendRecord(ctx context.Context, slug string, seg segment.Segment, size, attempts int, elapsed time.Duration, genErr error) {
	if a.ledger == nil {
		return
	}
	rec := genlog.Record{
		Slug:       slug,
		SegmentID:  seg.ID,
		Checksum:   seg.Checksum,
		Bytes:      size,
		Attempts:   attempts,
		DurationMS: elapsed.Milliseconds(),
	}
	if genErr != nil {
		rec.Error = genErr.Error()
	}
	// The record should survive even when the request that triggered the
	// generation has been canceled.
	if err := a.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
		a.log.Warn("failed to record generation", slog.String("error", err.Error()))
	}
}

// SegmentAudio returns the artifact for one segment, synthesizing and
// caching it on a miss. A failed cache write is logged and the fresh bytes
// are still served; the next request regenerates.
func (a *Assembler) SegmentAudio(ctx context.Context, paths Paths, seg segment.Segment) ([]byte, error) {
	artifact := paths.Segment(seg.Checksum)

	data, ok, err := a.cache.Get(ctx, artifact)
	if err != nil {
		return nil, err
	}
	if ok {
		a.recordHit(ctx)
		return data, nil
	}

	if err := a.locks.Acquire(ctx, artifact); err != nil {
		return nil, err
	}
	defer a.locks.Release(artifact)

	data, ok, err = a.cache.Get(ctx, artifact)
	if err != nil {
		return nil, err
	}
	if ok {
		a.recordHit(ctx)
		return data, nil
	}
	a.recordMiss(ctx)

	start := time.Now()
	data, attempts, err := a.synth.Synthesize(ctx, seg.Text)
	elapsed := time.Since(start)
	a.observeSynthesis(ctx, elapsed, err)
	a.appendRecord(ctx, paths.Slug(), seg, len(data), attempts, elapsed, err)
	if err != nil {
		return nil, err
	}

	if putErr := a.cache.Put(ctx, artifact, data); putErr != nil {
		a.log.Error("failed to cache artifact",
			slog.String("path", artifact), slog.String("error", putErr.Error()))
	} else {
		a.log.Info("generated segment audio",
			slog.String("slug", paths.Slug()),
			slog.String("segment", seg.ID),
			slog.Int("bytes", len(data)),
			slog.Duration("took", elapsed))
	}
	return data, nil
}

// FullTrack returns the concatenation of every segment artifact in document
// order, building missing segments first. A partial track is never cached:
// any segment failure aborts before the write.
func (a *Assembler) FullTrack(ctx context.Context, paths Paths, segs []segment.Segment) ([]byte, error) {
	if len(segs) == 0 {
		return nil, fmt.Errorf("audio: document %s has no narratable segments", paths.Slug())
	}

	full := paths.FullTrack()
	if err := a.locks.Acquire(ctx, full); err != nil {
		return nil, err
	}
	defer a.locks.Release(full)

	data, ok, err := a.cache.Get(ctx, full)
	if err != nil {
		return nil, err
	}
	if ok {
		a.recordHit(ctx)
		return data, nil
	}

	if err := a.ensureSegments(ctx, paths, segs); err != nil {
		return nil, err
	}

	var track bytes.Buffer
	for _, seg := range segs {
		data, ok, err := a.cache.Get(ctx, paths.Segment(seg.Checksum))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("audio: segment %s missing after generation", seg.ID)
		}
		track.Write(data)
	}

	out := track.Bytes()
	if err := a.cache.Put(ctx, full, out); err != nil {
		a.log.Error("failed to cache full track",
			slog.String("path", full), slog.String("error", err.Error()))
	} else {
		a.log.Info("assembled full track",
			slog.String("slug", paths.Slug()),
			slog.Int("segments", len(segs)),
			slog.Int("bytes", len(out)))
	}
	return out, nil
}

// ensureSegments builds every missing segment artifact, one goroutine per
// segment. The per-path locks make duplicate work impossible even when two
// segments share a checksum.
func (a *Assembler) ensureSegments(ctx context.Context, paths Paths, segs []segment.Segment) error {
	var wg sync.WaitGroup
	errs := make([]error, len(segs))
	for i, seg := range segs {
		wg.Add(1)
		go func(i int, seg segment.Segment) {
			defer wg.Done()
			_, err := a.SegmentAudio(ctx, paths, seg)
			errs[i] = err
		}(i, seg)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// EnsureAll generates every missing artifact for a document including the
// full track. It reports the number of segments covered.
func (a *Assembler) EnsureAll(ctx context.Context, paths Paths, segs []segment.Segment) (int, error) {
	if len(segs) == 0 {
		return 0, nil
	}
	for _, seg := range segs {
		ok, err := a.cache.Has(ctx, paths.Segment(seg.Checksum))
		if err != nil {
			return 0, err
		}
		if ok {
			continue
		}
		// A missing segment artifact means the document changed after the
		// slug-addressed full track was assembled.
		if err := a.InvalidateTrack(ctx, paths); err != nil {
			return 0, err
		}
		break
	}
	if err := a.ensureSegments(ctx, paths, segs); err != nil {
		return 0, err
	}
	if _, err := a.FullTrack(ctx, paths, segs); err != nil {
		return 0, err
	}
	return len(segs), nil
}

// InvalidateTrack drops the cached full track for a document. Segment
// artifacts are content-addressed and never need invalidation; the full
// track is slug-addressed and goes stale when the document changes.
func (a *Assembler) InvalidateTrack(ctx context.Context, paths Paths) error {
	return a.cache.Invalidate(ctx, paths.FullTrack())
}
