package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/audio"
	"github.com/loqalabs/loqa-narrate/internal/blob"
	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/loqalabs/loqa-narrate/internal/content"
	"github.com/loqalabs/loqa-narrate/internal/genlog"
	"github.com/loqalabs/loqa-narrate/internal/pathlock"
	"github.com/loqalabs/loqa-narrate/internal/segment"
	"github.com/loqalabs/loqa-narrate/internal/synth"
)

const guideBody = `---
title: Field Guide
description: A short guide.
---
Welcome to the guide.

## Getting Started

Step one.

## Conclusion

Done.
`

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type env struct {
	srv      *httptest.Server
	library  *content.Library
	splitter *segment.Splitter
	cache    *audio.Cache
	root     string
}

func newEnv(t *testing.T, provider synth.Provider) *env {
	t.Helper()
	root := t.TempDir()
	writeGuide(t, root, guideBody)

	log := newLogger()
	library, err := content.NewLibrary(config.ContentConfig{Dir: root, CacheSize: 16, CacheTTLSeconds: 60}, log)
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	store, err := blob.NewDir(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("NewDir: %v", err)
	}
	ledger, err := genlog.Open(context.Background(), config.GenLogConfig{
		Mode: "persistent",
		Path: filepath.Join(t.TempDir(), "genlog.db"),
	}, log)
	if err != nil {
		t.Fatalf("open gen log: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })

	cache := audio.NewCache(store, log)
	client := synth.NewClient(provider, synth.Options{RetryBase: time.Millisecond}, log)
	assembler := audio.NewAssembler(cache, client, pathlock.NewRegistry(), ledger, log)
	splitter := &segment.Splitter{Attribution: "by Loqa Labs"}

	api := NewServer(Deps{
		Library:   library,
		Splitter:  splitter,
		Assembler: assembler,
		Cache:     cache,
		Ledger:    ledger,
		Synth:     config.SynthConfig{Provider: "mock"},
	}, log)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &env{srv: srv, library: library, splitter: splitter, cache: cache, root: root}
}

func writeGuide(t *testing.T, root, body string) {
	t.Helper()
	dir := filepath.Join(root, "guide")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "guide.md"), []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestProbeReportsProvider(t *testing.T) {
	e := newEnv(t, &synth.Mock{})

	var probe probeResponse
	if code := getJSON(t, e.srv.URL+"/api/audio/", &probe); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if probe.Status != "OK" || probe.Provider != "mock" || !probe.Configured {
		t.Fatalf("probe = %+v", probe)
	}
	if probe.Voice != "default" {
		t.Fatalf("voice = %q", probe.Voice)
	}
}

func TestMetadataListsSegments(t *testing.T) {
	e := newEnv(t, &synth.Mock{})

	var meta metadataResponse
	if code := getJSON(t, e.srv.URL+"/api/audio/guide/metadata", &meta); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if meta.Page.Slug != "guide" || meta.Page.Title != "Field Guide" {
		t.Fatalf("page = %+v", meta.Page)
	}
	ids := []string{"intro", "section_0", "section_1"}
	if len(meta.Segments) != len(ids) {
		t.Fatalf("segments = %+v", meta.Segments)
	}
	for i, want := range ids {
		seg := meta.Segments[i]
		if seg.ID != want {
			t.Fatalf("segment %d id = %q, want %q", i, seg.ID, want)
		}
		if seg.HasAudio {
			t.Fatalf("segment %s reported audio before generation", seg.ID)
		}
		if len(seg.Checksum) != 32 {
			t.Fatalf("segment %s checksum = %q", seg.ID, seg.Checksum)
		}
	}
	if meta.Segments[1].Title != "Getting Started" {
		t.Fatalf("section title = %q", meta.Segments[1].Title)
	}
	if meta.FullTrack.HasAudio {
		t.Fatal("full track reported before generation")
	}
}

func TestSegmentEndpointServesAudio(t *testing.T) {
	e := newEnv(t, &synth.Mock{})

	resp, err := http.Get(e.srv.URL + "/api/audio/guide/segments/section_0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("content type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != segmentCacheControl {
		t.Fatalf("cache control = %q", cc)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	doc, err := e.library.Get(context.Background(), "guide")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	segs := e.splitter.Split(doc.Title, doc.Description, doc.Body)
	seg, ok := segment.Find(segs, "section_0")
	if !ok {
		t.Fatal("section_0 missing from split")
	}
	want := append([]byte("MOCKAUDIO:"), []byte(seg.Text)...)
	if !bytes.Equal(body, want) {
		t.Fatalf("body = %q, want %q", body, want)
	}

	// The artifact is now visible to metadata.
	var meta metadataResponse
	getJSON(t, e.srv.URL+"/api/audio/guide/metadata", &meta)
	if !meta.Segments[1].HasAudio {
		t.Fatal("metadata does not see the generated artifact")
	}
}

func TestSegmentUnknownID(t *testing.T) {
	e := newEnv(t, &synth.Mock{})

	var fail errorResponse
	if code := getJSON(t, e.srv.URL+"/api/audio/guide/segments/section_9", &fail); code != http.StatusNotFound {
		t.Fatalf("status = %d", code)
	}
	if fail.Error == "" {
		t.Fatal("missing error body")
	}
}

func TestDocumentErrors(t *testing.T) {
	e := newEnv(t, &synth.Mock{})

	if code := getJSON(t, e.srv.URL+"/api/audio/missing-doc/metadata", nil); code != http.StatusNotFound {
		t.Fatalf("unknown document status = %d", code)
	}
	// Too short to be a slug.
	if code := getJSON(t, e.srv.URL+"/api/audio/ab/metadata", nil); code != http.StatusBadRequest {
		t.Fatalf("invalid slug status = %d", code)
	}
}

func TestFullTrackConcatenation(t *testing.T) {
	e := newEnv(t, &synth.Mock{})

	resp, err := http.Get(e.srv.URL + "/api/audio/guide/full")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	doc, err := e.library.Get(context.Background(), "guide")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var want bytes.Buffer
	for _, seg := range e.splitter.Split(doc.Title, doc.Description, doc.Body) {
		want.WriteString("MOCKAUDIO:")
		want.WriteString(seg.Text)
	}
	if !bytes.Equal(body, want.Bytes()) {
		t.Fatalf("track bytes do not match segment order")
	}

	var meta metadataResponse
	getJSON(t, e.srv.URL+"/api/audio/guide/metadata", &meta)
	if !meta.FullTrack.HasAudio {
		t.Fatal("full track missing from metadata after build")
	}
}

func TestGenerateInlineWithoutBus(t *testing.T) {
	e := newEnv(t, &synth.Mock{})

	resp, err := http.Post(e.srv.URL+"/api/audio/guide/generate", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gen.Status != "complete" || gen.Segments != 3 {
		t.Fatalf("generate = %+v", gen)
	}

	var meta metadataResponse
	getJSON(t, e.srv.URL+"/api/audio/guide/metadata", &meta)
	for _, seg := range meta.Segments {
		if !seg.HasAudio {
			t.Fatalf("segment %s missing after generate", seg.ID)
		}
	}
	if !meta.FullTrack.HasAudio {
		t.Fatal("full track missing after generate")
	}
}

func TestHistoryRecordsGenerations(t *testing.T) {
	e := newEnv(t, &synth.Mock{})

	resp, err := http.Post(e.srv.URL+"/api/audio/guide/generate", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	var hist historyResponse
	if code := getJSON(t, e.srv.URL+"/api/audio/guide/history", &hist); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if hist.Slug != "guide" {
		t.Fatalf("slug = %q", hist.Slug)
	}
	if len(hist.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(hist.Records))
	}
	for _, rec := range hist.Records {
		if rec.Error != "" || rec.Bytes == 0 || rec.Checksum == "" || rec.Attempts != 1 {
			t.Fatalf("record = %+v", rec)
		}
	}

	if code := getJSON(t, e.srv.URL+"/api/audio/guide/history?limit=x", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", code)
	}
}

func TestStaleFullTrackDropped(t *testing.T) {
	e := newEnv(t, &synth.Mock{})

	resp, err := http.Get(e.srv.URL + "/api/audio/guide/full")
	if err != nil {
		t.Fatalf("GET full: %v", err)
	}
	resp.Body.Close()

	// Edit the document so every segment checksum changes. The slug-addressed
	// track is now stale.
	writeGuide(t, e.root, "---\ntitle: Field Guide\n---\nCompletely new narration text.\n")

	var meta metadataResponse
	if code := getJSON(t, e.srv.URL+"/api/audio/guide/metadata", &meta); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if meta.FullTrack.HasAudio {
		t.Fatal("stale full track still advertised")
	}
	ok, err := e.cache.Has(context.Background(), audio.PathsFor("guide", "guide").FullTrack())
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if ok {
		t.Fatal("stale full track still stored")
	}
}

type failingProvider struct{}

func (failingProvider) Convert(context.Context, synth.Request) (io.ReadCloser, error) {
	return nil, errors.New("provider down")
}

func TestSynthesisFailureMapsTo503(t *testing.T) {
	e := newEnv(t, failingProvider{})

	var fail errorResponse
	if code := getJSON(t, e.srv.URL+"/api/audio/guide/segments/intro", &fail); code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d (%s)", code, fail.Error)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{content.ErrInvalidRef, http.StatusBadRequest},
		{content.ErrNotFound, http.StatusNotFound},
		{blob.ErrNotFound, http.StatusNotFound},
		{synth.ErrRateLimited, http.StatusTooManyRequests},
		{synth.ErrUnavailable, http.StatusServiceUnavailable},
		{&blob.Error{Op: "read", Path: "x", Status: 500, Transient: true}, http.StatusBadGateway},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
