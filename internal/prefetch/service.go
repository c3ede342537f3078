// Package prefetch runs the background generation worker. It consumes
// generation jobs from the bus and, when warmup is enabled, enqueues one job
// per library document at startup so caches fill before the first listener
// arrives.
package prefetch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/loqalabs/loqa-narrate/internal/bus"
	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/content"
	"github.com/loqalabs/loqa-narrate/internal/protocol"
	"github.com/loqalabs/loqa-narrate/internal/segment"
)

// jobTimeout bounds one document's generation including synthesis retries.
const jobTimeout = 5 * time.Minute

type Service struct {
	cfg       config.PrefetchConfig
	bus       *bus.Client
	library   *content.Library
	splitter  *segment.Splitter
	assembler *audio.Assembler
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.PrefetchConfig, busClient *bus.Client, library *content.Library, splitter *segment.Splitter, assembler *audio.Assembler, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		library:   library,
		splitter:  splitter,
		assembler: assembler,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With(slog.String("component", "prefetch-service")),
	}
}

func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectGenerateJob, protocol.QueueGenerate, s.handleJob)
	if err != nil {
		return err
	}
	s.sub = sub
	if s.cfg.Enabled {
		s.wg.Add(1)
		go s.warmLibrary()
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.bus == nil || s.sub != nil }

// warmLibrary enqueues a generation job for every document. Jobs go through
// the bus so the work spreads across worker instances.
func (s *Service) warmLibrary() {
	defer s.wg.Done()
	docs, err := s.library.List(s.ctx)
	if err != nil {
		s.logger.Warn("library warmup scan failed", slogError(err))
		return
	}
	for _, doc := range docs {
		job := protocol.GenerateJob{
			Ref:        doc.Dir,
			RequestID:  uuid.NewString(),
			EnqueuedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(job)
		if err != nil {
			s.logger.Warn("failed to marshal warmup job", slogError(err))
			continue
		}
		if err := s.bus.Conn().Publish(protocol.SubjectGenerateJob, data); err != nil {
			s.logger.Warn("failed to enqueue warmup job", slogError(err))
		}
	}
	s.logger.Info("library warmup enqueued", slog.Int("documents", len(docs)))
}

func (s *Service) handleJob(msg *nats.Msg) {
	var job protocol.GenerateJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		s.logger.Warn("failed to decode generate job", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
		defer cancel()

		segments, err := s.generate(ctx, job.Ref)
		result := protocol.GenerateResult{
			Ref:        job.Ref,
			RequestID:  job.RequestID,
			Segments:   segments,
			FinishedAt: time.Now().UTC(),
		}
		if err != nil {
			result.Error = err.Error()
			s.logger.Warn("generation job failed",
				slog.String("ref", job.Ref), slog.String("request_id", job.RequestID), slogError(err))
		} else {
			s.logger.Info("generation job complete",
				slog.String("ref", job.Ref), slog.String("request_id", job.RequestID), slog.Int("segments", segments))
		}
		s.publishResult(result)
	}()
}

func (s *Service) generate(ctx context.Context, ref string) (int, error) {
	// A queued job is an explicit regeneration request. Reparse the
	// document even when the cached copy looks current.
	s.library.Invalidate(ref)
	doc, err := s.library.Get(ctx, ref)
	if err != nil {
		return 0, err
	}
	segs := s.splitter.Split(doc.Title, doc.Description, doc.Body)
	return s.assembler.EnsureAll(ctx, audio.PathsFor(doc.Dir, doc.Slug), segs)
}

func (s *Service) publishResult(result protocol.GenerateResult) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("failed to marshal job result", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectGenerateResult, data); err != nil {
		s.logger.Warn("failed to publish job result", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
