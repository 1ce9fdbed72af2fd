// Package ollama provides an LLM provider backed by a local Ollama server.
//
// The provider talks to Ollama's native /api/chat endpoint over plain HTTP,
// which exposes tool calling, image inputs, and the keep_alive residency
// control that the model gateway uses for pre-warming and unloading. Only
// net/http and encoding/json are used; no Ollama client SDK is required.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/feldrow/engram/pkg/provider/llm"
	"github.com/feldrow/engram/pkg/types"
)

// DefaultBaseURL is the default base URL for a locally running Ollama instance.
const DefaultBaseURL = "http://localhost:11434"

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider using a local Ollama server.
//
// Provider is safe for concurrent use.
type Provider struct {
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

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default); generation can be
// slow on first load, so leave this generous.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithKeepAlive sets the default keep_alive value sent with every chat
// request, in Ollama's duration syntax (e.g., "30m", "0"). A per-request
// KeepAlive on the CompletionRequest overrides it.
func WithKeepAlive(d string) Option {
	return func(c *config) {
		c.keepAlive = d
	}
}

// New constructs a new Ollama chat Provider.
//
// baseURL is the base URL of the Ollama server; if empty, DefaultBaseURL is
// used. A trailing slash is stripped. model is the Ollama model name (e.g.,
// "llama3.1:8b") and must not be empty.
func New(baseURL string, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model must not be empty")
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

	return &Provider{
		baseURL:    baseURL,
		model:      model,
		keepAlive:  cfg.keepAlive,
		httpClient: httpClient,
	}, nil
}

// chatMessage is one message in the /api/chat request and response bodies.
// Images are raw bytes; encoding/json base64-encodes them the way the API
// expects.
type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Images    [][]byte       `json:"images,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

// chatToolCall mirrors Ollama's tool_calls entries. Arguments arrive as a
// JSON object rather than a string.
type chatToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// chatTool is one tools[] entry in the /api/chat request body.
type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

// chatOptions carries model runtime options.
type chatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

// chatRequest is the JSON request body for Ollama's /api/chat endpoint.
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Tools     []chatTool    `json:"tools,omitempty"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
	Options   *chatOptions  `json:"options,omitempty"`
}

// chatResponse is one JSON object from the /api/chat endpoint. In streaming
// mode the endpoint emits one such object per line.
type chatResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// Complete implements llm.Provider with a single non-streaming /api/chat call.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	body, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	resp, err := p.post(ctx, "/api/chat", body)
	if err != nil {
		return nil, fmt.Errorf("ollama: chat: %w", err)
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}

	result := &llm.CompletionResponse{
		Content: out.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
	}
	result.ToolCalls = convertToolCalls(out.Message.ToolCalls)
	return result, nil
}

// StreamCompletion implements llm.Provider by reading the NDJSON stream the
// /api/chat endpoint emits with stream=true.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	body, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	resp, err := p.post(ctx, "/api/chat", body)
	if err != nil {
		return nil, fmt.Errorf("ollama: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var part chatResponse
			if err := json.Unmarshal(line, &part); err != nil {
				select {
				case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
				case <-ctx.Done():
				}
				return
			}

			out := llm.Chunk{Text: part.Message.Content}
			if part.Done {
				out.FinishReason = part.DoneReason
				if out.FinishReason == "" {
					out.FinishReason = "stop"
				}
				out.ToolCalls = convertToolCalls(part.Message.ToolCalls)
				if len(out.ToolCalls) > 0 {
					out.FinishReason = "tool_calls"
				}
			} else if len(part.Message.ToolCalls) > 0 {
				// Ollama delivers tool calls whole, not fragmented.
				out.ToolCalls = convertToolCalls(part.Message.ToolCalls)
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// CountTokens implements llm.Provider with a character-based approximation.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider for known Ollama model families.
func (p *Provider) Capabilities() types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       8_192,
		MaxOutputTokens:     4_096,
	}

	lower := strings.ToLower(p.model)
	switch {
	case strings.Contains(lower, "llava"), strings.Contains(lower, "moondream"),
		strings.Contains(lower, "vision"):
		caps.SupportsVision = true
		caps.SupportsToolCalling = false
	case strings.Contains(lower, "llama3.2"), strings.Contains(lower, "llama3.1"):
		caps.ContextWindow = 128_000
	case strings.Contains(lower, "qwen2.5"), strings.Contains(lower, "qwen3"):
		caps.ContextWindow = 32_768
	case strings.Contains(lower, "mistral"):
		caps.ContextWindow = 32_768
	}
	return caps
}

// ModelID returns the Ollama model name supplied at construction time.
func (p *Provider) ModelID() string {
	return p.model
}

// Warm loads the model by sending an empty-message chat request with the
// given keep_alive. Ollama treats a chat request without messages as a pure
// load (or unload when keepAlive is "0").
func (p *Provider) Warm(ctx context.Context, keepAlive string) error {
	body, err := json.Marshal(chatRequest{
		Model:     p.model,
		Messages:  []chatMessage{},
		Stream:    false,
		KeepAlive: keepAlive,
	})
	if err != nil {
		return fmt.Errorf("ollama: marshal request: %w", err)
	}
	resp, err := p.post(ctx, "/api/chat", body)
	if err != nil {
		return fmt.Errorf("ollama: warm: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Ping checks server reachability via GET /api/version. Used by the gateway's
// health checker.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("ollama: build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// buildRequest converts a CompletionRequest into the /api/chat body.
func (p *Provider) buildRequest(req llm.CompletionRequest, stream bool) chatRequest {
	var messages []chatMessage

	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{
			Role:    m.Role,
			Content: m.Content,
			Images:  m.Images,
		})
	}

	out := chatRequest{
		Model:     p.model,
		Messages:  messages,
		Stream:    stream,
		KeepAlive: p.keepAlive,
	}
	if req.KeepAlive != "" {
		out.KeepAlive = req.KeepAlive
	}

	if req.Temperature != 0 || req.MaxTokens > 0 {
		opts := &chatOptions{}
		if req.Temperature != 0 {
			t := req.Temperature
			opts.Temperature = &t
		}
		if req.MaxTokens > 0 {
			n := req.MaxTokens
			opts.NumPredict = &n
		}
		out.Options = opts
	}

	for _, td := range req.Tools {
		var t chatTool
		t.Type = "function"
		t.Function.Name = td.Name
		t.Function.Description = td.Description
		t.Function.Parameters = td.Parameters
		out.Tools = append(out.Tools, t)
	}

	return out
}

// post sends a POST request with a JSON body and returns the response after
// checking the status code.
func (p *Provider) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp, nil
}

// convertToolCalls maps Ollama tool_calls onto types.ToolCall values. Ollama
// does not assign call IDs, so synthetic ones are generated; arguments arrive
// as objects and are re-encoded to the JSON string the agent loop expects.
func convertToolCalls(calls []chatToolCall) []types.ToolCall {
	var out []types.ToolCall
	for i, tc := range calls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		out = append(out, types.ToolCall{
			ID:        fmt.Sprintf("call_%d", i),
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}
	return out
}
