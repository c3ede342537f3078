// Package httpapi exposes the narration pipeline over HTTP. It is the only
// layer that maps pipeline errors to status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/loqalabs/loqa-narrate/internal/blob"
	"github.com/loqalabs/loqa-narrate/internal/bus"
	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/content"
	"github.com/loqalabs/loqa-narrate/internal/genlog"
	"github.com/loqalabs/loqa-narrate/internal/segment"
	"github.com/loqalabs/loqa-narrate/internal/synth"
)

const (
	// probeTTL bounds how long a positive artifact-existence answer is
	// reused by the metadata endpoint. Artifacts are content-addressed, so
	// a positive answer cannot go stale; the TTL only caps memory.
	probeTTL  = 30 * time.Second
	probeSize = 4096
)

// Deps collects the services the API serves.
type Deps struct {
	Library   *content.Library
	Splitter  *segment.Splitter
	Assembler *audio.Assembler
	Cache     *audio.Cache
	Ledger    *genlog.Log
	Bus       *bus.Client
	Synth     config.SynthConfig
}

type Server struct {
	library   *content.Library
	splitter  *segment.Splitter
	assembler *audio.Assembler
	cache     *audio.Cache
	ledger    *genlog.Log
	busClient *bus.Client
	synthCfg  config.SynthConfig
	known     *expirable.LRU[string, bool]
	log       *slog.Logger
}

func NewServer(deps Deps, log *slog.Logger) *Server {
	return &Server{
		library:   deps.Library,
		splitter:  deps.Splitter,
		assembler: deps.Assembler,
		cache:     deps.Cache,
		ledger:    deps.Ledger,
		busClient: deps.Bus,
		synthCfg:  deps.Synth,
		known:     expirable.NewLRU[string, bool](probeSize, nil, probeTTL),
		log:       log.With(slog.String("component", "http-api")),
	}
}

// Handler returns the API routes with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/audio/{$}", s.handleProbe)
	mux.HandleFunc("GET /api/audio/{slug}/metadata", s.handleMetadata)
	mux.HandleFunc("GET /api/audio/{slug}/segments/{segmentID}", s.handleSegment)
	mux.HandleFunc("GET /api/audio/{slug}/full", s.handleFullTrack)
	mux.HandleFunc("POST /api/audio/{slug}/generate", s.handleGenerate)
	mux.HandleFunc("GET /api/audio/{slug}/history", s.handleHistory)
	return s.withRequestID(mux)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		s.log.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", id))
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", slogError(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slogError(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var blobErr *blob.Error
	switch {
	case errors.Is(err, content.ErrInvalidRef):
		return http.StatusBadRequest
	case errors.Is(err, content.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, synth.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, synth.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &blobErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
