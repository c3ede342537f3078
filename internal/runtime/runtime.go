// Package runtime wires configuration, telemetry, the bus, the narration
// pipeline and the HTTP surface into one process, and owns its lifecycle.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/loqalabs/loqa-narrate/internal/blob"
	"github.com/loqalabs/loqa-narrate/internal/bus"
	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/content"
	"github.com/loqalabs/loqa-narrate/internal/genlog"
	"github.com/loqalabs/loqa-narrate/internal/httpapi"
	"github.com/loqalabs/loqa-narrate/internal/natsserver"
	"github.com/loqalabs/loqa-narrate/internal/pathlock"
	"github.com/loqalabs/loqa-narrate/internal/prefetch"
	"github.com/loqalabs/loqa-narrate/internal/segment"
	"github.com/loqalabs/loqa-narrate/internal/synth"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	lock          *flock.Flock
	busClient     *bus.Client
	prefetcher    *prefetch.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the daemon up and blocks until ctx is canceled, then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.acquireLock(); err != nil {
		return err
	}
	defer r.releaseLock()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	if len(r.cfg.Bus.Servers) > 0 {
		busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.busClient = busClient
		defer r.busClient.Close()
	}

	library, err := content.NewLibrary(r.cfg.Content, r.logger)
	if err != nil {
		return err
	}

	store, err := newBlobStore(r.cfg.Blob)
	if err != nil {
		return err
	}

	provider, err := newProvider(r.cfg.Synth)
	if err != nil {
		return err
	}
	client := synth.NewClient(provider, synth.Options{
		MaxConcurrent: r.cfg.Synth.MaxConcurrent,
		RatePerMinute: r.cfg.Synth.RatePerMinute,
	}, r.logger)

	ledger, err := genlog.Open(ctx, r.cfg.GenLog, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open generation ledger: %w", err)
	}
	defer ledger.Close()

	cache := audio.NewCache(store, r.logger)
	assembler := audio.NewAssembler(cache, client, pathlock.NewRegistry(), ledger, r.logger)
	splitter := &segment.Splitter{Attribution: r.cfg.Narration.Attribution}

	// A changed body invalidates the slug-addressed full track. Segment
	// artifacts are content-addressed and stay valid.
	library.OnChange(func(doc content.Document) {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		if err := assembler.InvalidateTrack(dropCtx, audio.PathsFor(doc.Dir, doc.Slug)); err != nil {
			r.logger.Warn("failed to invalidate full track",
				slog.String("slug", doc.Slug), slog.String("error", err.Error()))
		}
	})

	r.prefetcher = prefetch.NewService(ctx, r.cfg.Prefetch, r.busClient, library, splitter, assembler, r.logger)
	if err := r.prefetcher.Start(); err != nil {
		return fmt.Errorf("failed to start prefetch worker: %w", err)
	}
	defer r.prefetcher.Close()

	api := httpapi.NewServer(httpapi.Deps{
		Library:   library,
		Splitter:  splitter,
		Assembler: assembler,
		Cache:     cache,
		Ledger:    ledger,
		Bus:       r.busClient,
		Synth:     r.cfg.Synth,
	}, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/api/audio/", api.Handler())

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.startMetricsServer(metricsHandler)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) acquireLock() error {
	if r.cfg.Daemon.LockFile == "" {
		return nil
	}
	if dir := filepath.Dir(r.cfg.Daemon.LockFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create lock dir: %w", err)
		}
	}
	r.lock = flock.New(r.cfg.Daemon.LockFile)
	ok, err := r.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another narrated instance already holds %s", r.cfg.Daemon.LockFile)
	}
	return nil
}

func (r *Runtime) releaseLock() {
	if r.lock == nil {
		return
	}
	if err := r.lock.Unlock(); err != nil {
		r.logger.Warn("failed to release daemon lock", slog.String("error", err.Error()))
	}
}

func (r *Runtime) startMetricsServer(handler http.Handler) {
	if handler == nil || r.cfg.Telemetry.PrometheusBind == "" {
		return
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", handler)
	r.metricsServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics server started", slog.String("addr", r.cfg.Telemetry.PrometheusBind))
}

func newBlobStore(cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Backend {
	case "remote":
		return blob.NewRemote(cfg.BaseURL, cfg.Token)
	default:
		return blob.NewDir(cfg.Dir)
	}
}

func newProvider(cfg config.SynthConfig) (synth.Provider, error) {
	switch cfg.Provider {
	case "elevenlabs":
		return synth.NewElevenLabs(cfg.APIKey, cfg.Voice, cfg.Model, cfg.Format)
	case "exec":
		return synth.NewExec(cfg.Command)
	default:
		return synth.NewMock(), nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) healthy() bool {
	if r.busClient != nil && !r.busClient.Healthy() {
		return false
	}
	if r.prefetcher != nil && !r.prefetcher.Healthy() {
		return false
	}
	return true
}
