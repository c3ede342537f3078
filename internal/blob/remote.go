package blob

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

	"github.com/cenkalti/backoff/v5"
)

const (
	apiVersion    = "4"
	retryAttempts = 3
	cacheMaxAge   = "31536000"
)

// Remote is a Store backed by an HTTP blob service. Objects are fetched and
// stored at <base>/<path> with a bearer token; deletes go through the
// service's POST /delete endpoint. Reads and writes retry transient failures
// (503 and network errors) with exponential backoff.
type Remote struct {
	baseURL string
	token   string
	client  *http.Client

	// retryBase is the first backoff interval, doubled per attempt.
	retryBase time.Duration
}

// NewRemote returns a Store talking to the blob service at baseURL.
func NewRemote(baseURL, token string) (*Remote, error) {
	if baseURL == "" {
		return nil, errors.New("blob: no storage URL configured")
	}
	if token == "" {
		return nil, errors.New("blob: no storage token configured")
	}
	return &Remote{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		client:    &http.Client{Timeout: 60 * time.Second},
		retryBase: time.Second,
	}, nil
}

func (r *Remote) retryPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	return bo
}

// cleanPath trims slashes and percent-encodes each path segment.
func cleanPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func mimeTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(path, ".json"):
		return "application/json"
	case strings.HasSuffix(path, ".txt"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func (r *Remote) setAuth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("x-api-version", apiVersion)
}

// errorDetail pulls the service's error message out of a response body.
func errorDetail(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func (r *Remote) Read(ctx context.Context, path string) ([]byte, error) {
	target := r.baseURL + "/" + cleanPath(path)
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, backoff.Permanent(&Error{Op: "read", Path: path, Err: err})
		}
		r.setAuth(req)
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, &Error{Op: "read", Path: path, Transient: true, Err: err}
		}
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)

		switch resp.StatusCode {
		case http.StatusOK:
			if readErr != nil {
				return nil, &Error{Op: "read", Path: path, Transient: true, Err: readErr}
			}
			return body, nil
		case http.StatusServiceUnavailable:
			return nil, &Error{Op: "read", Path: path, Status: resp.StatusCode, Transient: true, Err: errors.New("service unavailable")}
		case http.StatusNotFound:
			return nil, backoff.Permanent(ErrNotFound)
		case http.StatusUnauthorized:
			return nil, backoff.Permanent(&Error{Op: "read", Path: path, Status: resp.StatusCode, Err: errors.New("invalid token")})
		default:
			return nil, backoff.Permanent(&Error{Op: "read", Path: path, Status: resp.StatusCode, Err: errors.New(errorDetail(body))})
		}
	}
	data, err := backoff.Retry(ctx, op, backoff.WithBackOff(r.retryPolicy()), backoff.WithMaxTries(retryAttempts))
	if err != nil {
		return nil, unwrapPermanent(err)
	}
	return data, nil
}

// Stat issues a HEAD request. The service omits Content-Length on some
// responses; those report -1.
func (r *Remote) Stat(ctx context.Context, path string) (int64, error) {
	target := r.baseURL + "/" + cleanPath(path)
	op := func() (int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			return 0, backoff.Permanent(&Error{Op: "stat", Path: path, Err: err})
		}
		r.setAuth(req)
		resp, err := r.client.Do(req)
		if err != nil {
			return 0, &Error{Op: "stat", Path: path, Transient: true, Err: err}
		}
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return resp.ContentLength, nil
		case http.StatusServiceUnavailable:
			return 0, &Error{Op: "stat", Path: path, Status: resp.StatusCode, Transient: true, Err: errors.New("service unavailable")}
		case http.StatusNotFound:
			return 0, backoff.Permanent(ErrNotFound)
		case http.StatusUnauthorized:
			return 0, backoff.Permanent(&Error{Op: "stat", Path: path, Status: resp.StatusCode, Err: errors.New("invalid token")})
		default:
			return 0, backoff.Permanent(&Error{Op: "stat", Path: path, Status: resp.StatusCode, Err: errors.New(resp.Status)})
		}
	}
	size, err := backoff.Retry(ctx, op, backoff.WithBackOff(r.retryPolicy()), backoff.WithMaxTries(retryAttempts))
	if err != nil {
		return 0, unwrapPermanent(err)
	}
	return size, nil
}

func (r *Remote) Write(ctx context.Context, path string, data []byte) error {
	clean := cleanPath(path)
	target := r.baseURL + "/" + clean
	op := func() (struct{}, error) {
		var zero struct{}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
		if err != nil {
			return zero, backoff.Permanent(&Error{Op: "write", Path: path, Err: err})
		}
		r.setAuth(req)
		req.Header.Set("access", "public")
		req.Header.Set("x-content-type", mimeTypeFor(clean))
		req.Header.Set("x-cache-control-max-age", cacheMaxAge)
		resp, err := r.client.Do(req)
		if err != nil {
			return zero, &Error{Op: "write", Path: path, Transient: true, Err: err}
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		switch resp.StatusCode {
		case http.StatusOK:
			return zero, nil
		case http.StatusServiceUnavailable:
			return zero, &Error{Op: "write", Path: path, Status: resp.StatusCode, Transient: true, Err: errors.New("service unavailable")}
		case http.StatusRequestEntityTooLarge:
			return zero, backoff.Permanent(&Error{Op: "write", Path: path, Status: resp.StatusCode, Err: errors.New("object too large")})
		case http.StatusUnauthorized:
			return zero, backoff.Permanent(&Error{Op: "write", Path: path, Status: resp.StatusCode, Err: errors.New("invalid token")})
		default:
			return zero, backoff.Permanent(&Error{Op: "write", Path: path, Status: resp.StatusCode, Err: errors.New(errorDetail(body))})
		}
	}
	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(r.retryPolicy()), backoff.WithMaxTries(retryAttempts))
	if err != nil {
		return unwrapPermanent(err)
	}
	return nil
}

func (r *Remote) Delete(ctx context.Context, path string) error {
	payload, err := json.Marshal(map[string][]string{
		"urls": {r.baseURL + "/" + cleanPath(path)},
	})
	if err != nil {
		return &Error{Op: "delete", Path: path, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/delete", bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: "delete", Path: path, Err: err}
	}
	r.setAuth(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return &Error{Op: "delete", Path: path, Transient: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &Error{Op: "delete", Path: path, Status: resp.StatusCode, Err: errors.New(errorDetail(body))}
	}
	return nil
}

// unwrapPermanent strips the retry library's permanent wrapper so callers
// match on ErrNotFound and *Error directly.
func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

var _ Store = (*Remote)(nil)
var _ Store = (*Dir)(nil)

// String names the backend for logs.
func (r *Remote) String() string { return fmt.Sprintf("remote(%s)", r.baseURL) }

// String names the backend for logs.
func (d *Dir) String() string { return fmt.Sprintf("dir(%s)", d.root) }
