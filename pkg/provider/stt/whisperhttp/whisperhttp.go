// Package whisperhttp implements stt.Recognizer against a running
// whisper-server binary (the REST wrapper shipped with whisper.cpp, which
// exposes batch inference at POST /inference). It exists for deployments
// where CGO linking against libwhisper is not an option; each pool worker
// gets its own Client so the pool's concurrency cap still bounds load on
// the server.
package whisperhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/voxline/voxline/pkg/audio"
	"github.com/voxline/voxline/pkg/provider/stt"
)

const defaultTimeout = 30 * time.Second

// Compile-time assertion that Client satisfies stt.Recognizer.
var _ stt.Recognizer = (*Client)(nil)

// Client submits utterances to a whisper-server instance.
type Client struct {
	serverURL  string
	language   string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithLanguage sets the BCP-47 language hint forwarded to the server.
func WithLanguage(lang string) Option {
	return func(c *Client) { c.language = lang }
}

// WithHTTPClient replaces the default HTTP client (30 s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a Client for the whisper server at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		return nil, errors.New("whisperhttp: serverURL must not be empty")
	}
	c := &Client{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Transcribe implements stt.Recognizer. The utterance is wrapped in a WAV
// container and POSTed as multipart/form-data.
func (c *Client) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	wav := audio.EncodeWAV(pcm, sampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisperhttp: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisperhttp: write wav data: %w", err)
	}
	if c.language != "" {
		if err := mw.WriteField("language", c.language); err != nil {
			return "", fmt.Errorf("whisperhttp: write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisperhttp: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisperhttp: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisperhttp: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisperhttp: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisperhttp: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisperhttp: parse JSON response: %w", err)
	}
	return result.Text, nil
}

// Close implements stt.Recognizer. The Client holds no per-instance server
// state.
func (c *Client) Close() error { return nil }
