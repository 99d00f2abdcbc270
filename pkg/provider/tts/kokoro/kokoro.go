// Package kokoro implements tts.Synthesizer against a Kokoro-FastAPI server,
// which exposes the OpenAI-compatible speech endpoint at
// POST /v1/audio/speech and returns raw 24 kHz mono PCM when asked for the
// "pcm" response format.
package kokoro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voxline/voxline/pkg/provider/tts"
)

const (
	defaultTimeout = 30 * time.Second
	defaultVoice   = "af_heart"
	defaultSpeed   = 1.0

	// outputSampleRate is fixed by the server's pcm response format.
	outputSampleRate = 24_000
)

// Compile-time assertion that Client satisfies tts.Synthesizer.
var _ tts.Synthesizer = (*Client)(nil)

// Client synthesizes speech through a Kokoro server.
type Client struct {
	baseURL    string
	voice      string
	speed      float64
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithVoice sets the default voice used when the caller passes an empty
// voice. Defaults to "af_heart".
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// WithSpeed sets the playback speed multiplier. Defaults to 1.0.
func WithSpeed(speed float64) Option {
	return func(c *Client) { c.speed = speed }
}

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a Client for the Kokoro server at baseURL
// (e.g. "http://localhost:8880").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("kokoro: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		voice:      defaultVoice,
		speed:      defaultSpeed,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// speechRequest is the OpenAI-compatible request body.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed"`
}

// Synthesize implements tts.Synthesizer.
func (c *Client) Synthesize(ctx context.Context, text, voice string) (tts.Audio, error) {
	if text == "" {
		return tts.Audio{SampleRate: outputSampleRate}, nil
	}
	if voice == "" {
		voice = c.voice
	}

	body, err := json.Marshal(speechRequest{
		Model:          "kokoro",
		Input:          text,
		Voice:          voice,
		ResponseFormat: "pcm",
		Speed:          c.speed,
	})
	if err != nil {
		return tts.Audio{}, fmt.Errorf("kokoro: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("kokoro: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("kokoro: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Audio{}, fmt.Errorf("kokoro: server returned HTTP %d", resp.StatusCode)
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("kokoro: read response body: %w", err)
	}

	return tts.Audio{PCM: pcm, SampleRate: outputSampleRate}, nil
}
