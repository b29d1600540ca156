// Package kobold is the HTTP client for a KoboldCpp-compatible backend:
// text generation, txt2img, websearch, speech transcription, and speech
// synthesis. The backend serves one generation at a time; callers are
// expected to serialize access (see the agent's single-flight gate).
package kobold

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kobocord/kobocord/pkg/utils"
)

const (
	generatePath   = "/api/v1/generate"
	imagePath      = "/sdapi/v1/txt2img"
	websearchPath  = "/api/extra/websearch"
	transcribePath = "/api/extra/transcribe"
	ttsPath        = "/api/extra/tts"
)

// Timeouts bounds each backend operation. The core never hangs on the
// backend: a timeout surfaces as a normal failure.
type Timeouts struct {
	Generate   time.Duration
	Image      time.Duration
	Search     time.Duration
	Transcribe time.Duration
	TTS        time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Generate:   120 * time.Second,
		Image:      120 * time.Second,
		Search:     30 * time.Second,
		Transcribe: 120 * time.Second,
		TTS:        120 * time.Second,
	}
}

type Client struct {
	base       string
	timeouts   Timeouts
	httpClient *http.Client
}

func NewClient(base string, timeouts Timeouts) (*Client, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, fmt.Errorf("backend endpoint not configured")
	}
	return &Client{
		base:       base,
		timeouts:   timeouts,
		httpClient: &http.Client{},
	}, nil
}

// Endpoint returns the configured backend base URL.
func (c *Client) Endpoint() string {
	return c.base
}

func (c *Client) post(ctx context.Context, path string, payload any, timeout time.Duration) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, utils.Truncate(string(body), 200))
	}

	return body, nil
}

// Generate runs a text generation round trip and returns the reply text.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	body, err := c.post(ctx, generatePath, req, c.timeouts.Generate)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}

	var parsed struct {
		Results []struct {
			Text string `json:"text"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("generate: unmarshal response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return "", fmt.Errorf("generate: response missing results")
	}
	return parsed.Results[0].Text, nil
}

// GenerateImage runs txt2img and returns the decoded image bytes.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) ([]byte, error) {
	body, err := c.post(ctx, imagePath, req, c.timeouts.Image)
	if err != nil {
		return nil, fmt.Errorf("txt2img: %w", err)
	}

	var parsed struct {
		Images []string `json:"images"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("txt2img: unmarshal response: %w", err)
	}
	if len(parsed.Images) == 0 {
		return nil, fmt.Errorf("txt2img: response missing images")
	}

	img, err := base64.StdEncoding.DecodeString(parsed.Images[0])
	if err != nil {
		return nil, fmt.Errorf("txt2img: decode image: %w", err)
	}
	return img, nil
}

// WebSearch queries the backend's websearch endpoint.
func (c *Client) WebSearch(ctx context.Context, query string) ([]SearchResult, error) {
	body, err := c.post(ctx, websearchPath, map[string]string{"q": query}, c.timeouts.Search)
	if err != nil {
		return nil, fmt.Errorf("websearch: %w", err)
	}

	var results []SearchResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("websearch: unmarshal response: %w", err)
	}
	return results, nil
}

// Transcribe converts base64 WAV audio to text.
func (c *Client) Transcribe(ctx context.Context, req TranscribeRequest) (string, error) {
	body, err := c.post(ctx, transcribePath, req, c.timeouts.Transcribe)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("transcribe: unmarshal response: %w", err)
	}
	return strings.TrimSpace(parsed.Text), nil
}

// Synthesize converts text to speech and returns raw audio bytes.
func (c *Client) Synthesize(ctx context.Context, input, voice string) ([]byte, error) {
	payload := map[string]string{"input": input, "voice": voice}
	body, err := c.post(ctx, ttsPath, payload, c.timeouts.TTS)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	return body, nil
}
