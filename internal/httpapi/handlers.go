package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/content"
	"github.com/loqalabs/loqa-narrate/internal/protocol"
	"github.com/loqalabs/loqa-narrate/internal/segment"
)

const segmentCacheControl = "public, max-age=31536000, immutable"

type probeResponse struct {
	Status     string `json:"status"`
	Provider   string `json:"provider"`
	Configured bool   `json:"configured"`
	Voice      string `json:"voice"`
	Model      string `json:"model"`
	Message    string `json:"message"`
}

type pageInfo struct {
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

type segmentInfo struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	Checksum string `json:"checksum"`
	HasAudio bool   `json:"has_audio"`
}

type trackInfo struct {
	HasAudio bool `json:"has_audio"`
}

type metadataResponse struct {
	Page      pageInfo      `json:"page"`
	Segments  []segmentInfo `json:"segments"`
	FullTrack trackInfo     `json:"full_track"`
}

type generateResponse struct {
	Ref       string `json:"ref"`
	Status    string `json:"status"`
	Segments  int    `json:"segments"`
	RequestID string `json:"request_id,omitempty"`
}

type historyRecord struct {
	ID         int64     `json:"id"`
	SegmentID  string    `json:"segment_id"`
	Checksum   string    `json:"checksum"`
	Bytes      int       `json:"bytes"`
	Attempts   int       `json:"attempts"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type historyResponse struct {
	Slug    string          `json:"slug"`
	Records []historyRecord `json:"records"`
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	configured := providerConfigured(s.synthCfg)
	status := "OK"
	if !configured {
		status = "WARNING"
	}
	s.writeJSON(w, http.StatusOK, probeResponse{
		Status:     status,
		Provider:   s.synthCfg.Provider,
		Configured: configured,
		Voice:      orDefault(s.synthCfg.Voice),
		Model:      orDefault(s.synthCfg.Model),
		Message:    "audio api is running",
	})
}

func providerConfigured(cfg config.SynthConfig) bool {
	switch cfg.Provider {
	case "elevenlabs":
		return cfg.APIKey != ""
	case "exec":
		return cfg.Command != ""
	default:
		return true
	}
}

func orDefault(v string) string {
	if v == "" {
		return "default"
	}
	return v
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := s.library.Get(ctx, r.PathValue("slug"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	segs := s.splitter.Split(doc.Title, doc.Description, doc.Body)
	paths := audio.PathsFor(doc.Dir, doc.Slug)

	out := make([]segmentInfo, 0, len(segs))
	anyMissing := false
	for _, seg := range segs {
		has, err := s.hasArtifact(ctx, paths.Segment(seg.Checksum))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !has {
			anyMissing = true
		}
		out = append(out, segmentInfo{ID: seg.ID, Title: seg.Title, Checksum: seg.Checksum, HasAudio: has})
	}

	fullHas, err := s.cache.Has(ctx, paths.FullTrack())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if fullHas && anyMissing {
		// The track predates the current segment set. Drop it so the next
		// full-track request rebuilds from fresh segments.
		if err := s.assembler.InvalidateTrack(ctx, paths); err != nil {
			s.log.Warn("failed to drop stale full track", slogError(err))
		} else {
			fullHas = false
		}
	}

	s.writeJSON(w, http.StatusOK, metadataResponse{
		Page:      pageInfo{Slug: doc.Slug, Title: doc.Title},
		Segments:  out,
		FullTrack: trackInfo{HasAudio: fullHas},
	})
}

// hasArtifact probes the cache, remembering positive answers. Artifacts are
// content-addressed so a positive answer stays correct.
func (s *Server) hasArtifact(ctx context.Context, path string) (bool, error) {
	if ok, cached := s.known.Get(path); cached && ok {
		return true, nil
	}
	ok, err := s.cache.Has(ctx, path)
	if err != nil {
		return false, err
	}
	if ok {
		s.known.Add(path, true)
	}
	return ok, nil
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := s.library.Get(ctx, r.PathValue("slug"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	segs := s.splitter.Split(doc.Title, doc.Description, doc.Body)
	seg, ok := segment.Find(segs, r.PathValue("segmentID"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, errorResponse{
			Error: fmt.Sprintf("segment %s not found in %s", r.PathValue("segmentID"), doc.Slug),
		})
		return
	}

	data, err := s.assembler.SegmentAudio(ctx, audio.PathsFor(doc.Dir, doc.Slug), seg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", segmentCacheControl)
	_, _ = w.Write(data)
}

func (s *Server) handleFullTrack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := s.library.Get(ctx, r.PathValue("slug"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	segs := s.splitter.Split(doc.Title, doc.Description, doc.Body)
	if len(segs) == 0 {
		s.writeJSON(w, http.StatusNotFound, errorResponse{
			Error: fmt.Sprintf("document %s has no narratable segments", doc.Slug),
		})
		return
	}

	data, err := s.assembler.FullTrack(ctx, audio.PathsFor(doc.Dir, doc.Slug), segs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	// Generation is an explicit request for fresh output. Reparse the
	// document even when the cached copy looks current.
	s.library.Invalidate(r.PathValue("slug"))
	doc, err := s.library.Get(ctx, r.PathValue("slug"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	segs := s.splitter.Split(doc.Title, doc.Description, doc.Body)

	sync := r.URL.Query().Get("sync") == "true"
	if !sync && s.busClient.Healthy() {
		id, err := s.enqueue(doc)
		if err == nil {
			s.writeJSON(w, http.StatusAccepted, generateResponse{
				Ref: doc.Dir, Status: "queued", Segments: len(segs), RequestID: id,
			})
			return
		}
		s.log.Warn("falling back to inline generation", slogError(err))
	}

	n, err := s.assembler.EnsureAll(ctx, audio.PathsFor(doc.Dir, doc.Slug), segs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, generateResponse{Ref: doc.Dir, Status: "complete", Segments: n})
}

func (s *Server) enqueue(doc content.Document) (string, error) {
	job := protocol.GenerateJob{
		Ref:        doc.Dir,
		RequestID:  uuid.NewString(),
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	if err := s.busClient.Conn().Publish(protocol.SubjectGenerateJob, data); err != nil {
		return "", err
	}
	return job.RequestID, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := s.library.Get(ctx, r.PathValue("slug"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	records, err := s.ledger.BySlug(ctx, doc.Slug, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]historyRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, historyRecord{
			ID:         rec.ID,
			SegmentID:  rec.SegmentID,
			Checksum:   rec.Checksum,
			Bytes:      rec.Bytes,
			Attempts:   rec.Attempts,
			DurationMS: rec.DurationMS,
			Error:      rec.Error,
			CreatedAt:  rec.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, historyResponse{Slug: doc.Slug, Records: out})
}
