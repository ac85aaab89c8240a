// Package tts provides the speech-synthesis collaborator: an HTTP client for
// an ElevenLabs-style text-to-speech API that streams MPEG audio, plus a stub
// implementation for tests. The synthesis call is treated as opaque — no
// retries, no response buffering; audio bytes are streamed through to the
// caller.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voicegate/voicegate/internal/config"
)

// Synthesizer converts text into an audio byte stream. The returned reader
// must be closed by the caller.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// Client calls the external text-to-speech provider over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	voice      string
	model      string
	httpClient *http.Client
}

// synthesisRequest is the provider's JSON request body.
type synthesisRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

// NewClient creates a synthesis client from the configuration.
func NewClient(cfg config.TTSConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tts base_url must not be empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("tts base_url: %w", err)
	}

	timeout, err := config.ParseDuration(cfg.Timeout, 30*time.Second)
	if err != nil {
		timeout = 30 * time.Second
	}

	// Tuned connection pool: synthesis traffic goes to a single host and the
	// per-user gate bounds concurrency, so a small idle pool suffices.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey.Value(),
		voice:      cfg.Voice,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// Synthesize streams the MPEG audio rendering of text. The caller owns the
// returned body and must close it; a non-200 provider response is drained,
// closed, and surfaced as an error.
func (c *Client) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	body, err := json.Marshal(synthesisRequest{Text: text, ModelID: c.model})
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s", c.baseURL, url.PathEscape(c.voice))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("synthesis provider returned %d: %s", resp.StatusCode, string(detail))
	}

	return resp.Body, nil
}
