package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"callreel/internal/config"
)

var (
	// ErrProviderUnavailable marks transient provider failures worth
	// retrying: network errors and 5xx responses.
	ErrProviderUnavailable = errors.New("render: provider unavailable")

	// ErrProviderRejected marks requests the provider refused; retrying
	// the same payload cannot succeed.
	ErrProviderRejected = errors.New("render: provider rejected request")
)

// RenderRequest describes one render call. Exactly one of AudioURL or
// AudioB64 must be set.
type RenderRequest struct {
	AudioURL        string `json:"audio_url,omitempty"`
	AudioB64        string `json:"audio_b64,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

type RenderResult struct {
	JobID    string `json:"job_id"`
	VideoURL string `json:"video_url"`
}

// Provider is the external video render API.
type Provider interface {
	Render(ctx context.Context, req RenderRequest) (RenderResult, error)
}

// Client talks to the render provider over JSON HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg config.RenderConfig, httpClient *http.Client) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("render: base url must not be empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.CallTimeout}
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

func (c *Client) Render(ctx context.Context, req RenderRequest) (RenderResult, error) {
	if req.AudioURL == "" && req.AudioB64 == "" {
		return RenderResult{}, errors.New("render: request needs an audio source")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return RenderResult{}, fmt.Errorf("render: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/renders", bytes.NewReader(payload))
	if err != nil {
		return RenderResult{}, fmt.Errorf("render: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return RenderResult{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RenderResult{}, fmt.Errorf("%w: read response: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return RenderResult{}, fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, truncate(body))
	case resp.StatusCode >= 400:
		return RenderResult{}, fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, truncate(body))
	}

	var res RenderResult
	if err := json.Unmarshal(body, &res); err != nil {
		return RenderResult{}, fmt.Errorf("render: decode response: %w", err)
	}
	if res.VideoURL == "" {
		return RenderResult{}, fmt.Errorf("%w: response missing video_url", ErrProviderRejected)
	}
	return res, nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// Retryable reports whether a failed render step is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}
