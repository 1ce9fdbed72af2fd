// Package ollama provides an image captioner backed by a local Ollama server
// running a vision-capable model such as llava or llama3.2-vision.
//
// Images travel on the /api/chat endpoint as base64 payloads attached to a
// user message. Only net/http and encoding/json are used.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/feldrow/engram/pkg/provider/vision"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// DefaultPrompt is used when the caller passes an empty prompt.
const DefaultPrompt = "Describe this image in one or two concise sentences."

// Ensure Captioner implements the vision.Captioner interface at compile time.
var _ vision.Captioner = (*Captioner)(nil)

// Captioner implements vision.Captioner using a local Ollama server.
//
// Captioner is safe for concurrent use.
type Captioner struct {
	baseURL    string
	model      string
	keepAlive  string
	httpClient *http.Client
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout   time.Duration
	keepAlive string
}

// Option is a functional option for Captioner.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout. Zero or negative means no
// timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithKeepAlive sets the keep_alive value sent with every request, in
// Ollama's duration syntax (e.g., "30m").
func WithKeepAlive(d string) Option {
	return func(c *config) {
		c.keepAlive = d
	}
}

// New constructs a new Ollama Captioner. baseURL defaults to DefaultBaseURL
// when empty; model must not be empty.
func New(baseURL string, model string, opts ...Option) (*Captioner, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama vision: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := &http.Client{}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	return &Captioner{
		baseURL:    baseURL,
		model:      model,
		keepAlive:  cfg.keepAlive,
		httpClient: httpClient,
	}, nil
}

// chatMessage is one message in the /api/chat request body. encoding/json
// base64-encodes the image bytes the way the API expects.
type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  [][]byte `json:"images,omitempty"`
}

// chatRequest is the JSON request body for Ollama's /api/chat endpoint.
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
}

// chatResponse is the JSON response body for a non-streaming /api/chat call.
type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

// Caption implements vision.Captioner with a single non-streaming /api/chat
// call carrying the image.
func (c *Captioner) Caption(ctx context.Context, image []byte, prompt string) (*vision.CaptionResult, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("ollama vision: empty image")
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role:    "user",
			Content: prompt,
			Images:  [][]byte{image},
		}},
		Stream:    false,
		KeepAlive: c.keepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama vision: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama vision: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama vision: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama vision: unexpected status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama vision: decode response: %w", err)
	}
	if strings.TrimSpace(out.Message.Content) == "" {
		return nil, fmt.Errorf("ollama vision: empty caption in response")
	}

	return &vision.CaptionResult{
		Text:             strings.TrimSpace(out.Message.Content),
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	}, nil
}

// ModelID implements vision.Captioner.
func (c *Captioner) ModelID() string {
	return c.model
}

// Warm loads the model by sending an empty-message chat request with the
// given keep_alive. Ollama treats a chat request without messages as a pure
// load (or unload when keepAlive is "0").
func (c *Captioner) Warm(ctx context.Context, keepAlive string) error {
	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  []chatMessage{},
		Stream:    false,
		KeepAlive: keepAlive,
	})
	if err != nil {
		return fmt.Errorf("ollama vision: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ollama vision: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama vision: warm: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama vision: warm: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Ping checks server reachability via GET /api/version.
func (c *Captioner) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("ollama vision: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama vision: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama vision: ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}
