package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultVoice and DefaultModel match the provider account defaults.
	DefaultVoice  = "bIHbv24MWmeRgasZH58o"
	DefaultModel  = "eleven_multilingual_v2"
	DefaultFormat = "mp3_44100_128"

	elevenLabsBaseURL = "https://api.elevenlabs.io"
)

// ElevenLabs is a Provider backed by the ElevenLabs text-to-speech API.
type ElevenLabs struct {
	baseURL string
	apiKey  string
	voice   string
	model   string
	format  string
	client  *http.Client
}

// NewElevenLabs returns a provider authenticated with apiKey. Empty voice,
// model or format fall back to the package defaults.
func NewElevenLabs(apiKey, voice, model, format string) (*ElevenLabs, error) {
	if apiKey == "" {
		return nil, errors.New("synth: missing elevenlabs api key")
	}
	if voice == "" {
		voice = DefaultVoice
	}
	if model == "" {
		model = DefaultModel
	}
	if format == "" {
		format = DefaultFormat
	}
	return &ElevenLabs{
		baseURL: elevenLabsBaseURL,
		apiKey:  apiKey,
		voice:   voice,
		model:   model,
		format:  format,
		client:  &http.Client{Timeout: 120 * time.Second},
	}, nil
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

func (e *ElevenLabs) Convert(ctx context.Context, req Request) (io.ReadCloser, error) {
	voice := req.Voice
	if voice == "" {
		voice = e.voice
	}
	model := req.Model
	if model == "" {
		model = e.model
	}
	format := req.Format
	if format == "" {
		format = e.format
	}

	payload, err := json.Marshal(elevenLabsRequest{Text: req.Text, ModelID: model})
	if err != nil {
		return nil, err
	}

	target := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		strings.TrimRight(e.baseURL, "/"), url.PathEscape(voice), url.QueryEscape(format))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("xi-api-key", e.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs returned status %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	return resp.Body, nil
}
