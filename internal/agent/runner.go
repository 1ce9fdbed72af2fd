// Package agent runs the question-answering loop: a user's DM question is
// answered by the text model, which may call the search_messages tool (and
// any external MCP tools) before producing its final reply.
//
// Executors are cached per (user, server) pair and are stateless across
// requests: durable conversation history exists for audit and search, never
// as model input. All user-visible failures come back as canonical answer
// strings; the worker only sees an error when the infrastructure itself is
// broken.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/feldrow/engram/internal/mcp"
	"github.com/feldrow/engram/internal/observe"
	"github.com/feldrow/engram/internal/serverconfig"
	"github.com/feldrow/engram/pkg/provider/llm"
	"github.com/feldrow/engram/pkg/store"
	"github.com/feldrow/engram/pkg/types"
)

// Defaults for the agent bounds.
const (
	DefaultMaxIterations    = 10
	DefaultMaxExecutionTime = 30 * time.Second
	DefaultMaxResponseChars = 1800
)

// outerDeadlineSlack is added to the execution timeout to form the outer
// request deadline, covering the final formatting work after the model loop.
const outerDeadlineSlack = 15 * time.Second

// Canonical user-visible answers for failed requests.
const (
	TimeoutAnswer = "⏰ **Agent Timeout** — your question took too long to answer. Please try a simpler question."
	ErrorAnswer   = "❌ **Agent Error** — I couldn't answer that. Please try again."
)

// truncationMarker is appended to answers cut at the response limit.
const truncationMarker = "\n\n*(response truncated)*"

// systemPrompt frames the model's job. The tool list follows from the MCP
// host catalogue.
const systemPrompt = "You are engram, a Discord server's memory. Answer the " +
	"user's question about what has been said on the server. Use the " +
	"search_messages tool to find relevant messages before answering; " +
	"ground every claim in search results and say so when nothing relevant " +
	"was found. Be concise."

// errIterationCap marks an executor that hit its iteration bound.
var errIterationCap = errors.New("agent: iteration cap reached")

// Gateway is the slice of the model gateway the agent needs.
type Gateway interface {
	Chat(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Embed(ctx context.Context, modelID, text string) ([]float32, error)
}

// config holds the optional pieces assembled by Option values.
type config struct {
	maxIterations int
	maxExecution  time.Duration
	maxResponse   int
	metrics       *observe.Metrics
	log           *slog.Logger
}

// Option configures a [Runner].
type Option func(*config)

// WithMaxIterations bounds the tool-call loop. Default 10.
func WithMaxIterations(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxIterations = n
		}
	}
}

// WithMaxExecutionTime bounds one request's model loop. Default 30s.
func WithMaxExecutionTime(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.maxExecution = d
		}
	}
}

// WithMaxResponseChars bounds the answer length. Default 1800.
func WithMaxResponseChars(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxResponse = n
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(cfg *config) { cfg.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) { cfg.log = l }
}

// Runner creates and caches executors. Construct with [New]; the zero value
// is not usable.
type Runner struct {
	gw       Gateway
	host     mcp.Host
	registry *serverconfig.Registry

	maxIterations int
	maxExecution  time.Duration
	maxResponse   int
	metrics       *observe.Metrics
	log           *slog.Logger

	mu        sync.Mutex
	executors map[string]*executor // key: userID + "|" + serverID
}

// New creates a [Runner] and registers the search_messages builtin on the
// MCP host.
func New(gw Gateway, host mcp.Host, vectors store.VectorStore, registry *serverconfig.Registry, opts ...Option) *Runner {
	cfg := &config{
		maxIterations: DefaultMaxIterations,
		maxExecution:  DefaultMaxExecutionTime,
		maxResponse:   DefaultMaxResponseChars,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	r := &Runner{
		gw:            gw,
		host:          host,
		registry:      registry,
		maxIterations: cfg.maxIterations,
		maxExecution:  cfg.maxExecution,
		maxResponse:   cfg.maxResponse,
		metrics:       cfg.metrics,
		log:           cfg.log,
		executors:     make(map[string]*executor),
	}

	host.RegisterBuiltin(searchToolDefinition(), searchHandler(gw, vectors, registry, cfg.metrics))
	return r
}

// Respond answers one question scoped to serverID. User-visible failures
// (timeouts, tool or model errors) are returned as canonical answer strings
// with a nil error; a non-nil error means the request could not be attempted
// at all.
func (r *Runner) Respond(ctx context.Context, userID, serverID, question string) (string, error) {
	if !r.registry.IsConfigured(serverID) {
		return "", fmt.Errorf("agent: server %s is not configured", serverID)
	}

	exec := r.executor(userID, serverID)

	outer, cancel := context.WithTimeout(ctx, r.maxExecution+outerDeadlineSlack)
	defer cancel()

	answer, err := exec.run(outer, question)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			r.log.Warn("agent request timed out",
				"user_id", userID, "server_id", serverID)
			return TimeoutAnswer, nil
		case errors.Is(err, errIterationCap):
			r.log.Warn("agent hit iteration cap",
				"user_id", userID, "server_id", serverID, "iterations", r.maxIterations)
			return ErrorAnswer, nil
		case errors.Is(err, context.Canceled):
			return "", err
		default:
			r.log.Error("agent request failed",
				"user_id", userID, "server_id", serverID, "error", err)
			return ErrorAnswer, nil
		}
	}

	return truncate(answer, r.maxResponse), nil
}

// executor returns the cached executor for (userID, serverID), creating it
// on first use.
func (r *Runner) executor(userID, serverID string) *executor {
	key := userID + "|" + serverID

	r.mu.Lock()
	defer r.mu.Unlock()
	if exec, ok := r.executors[key]; ok {
		return exec
	}
	exec := &executor{runner: r, serverID: serverID}
	r.executors[key] = exec
	return exec
}

// executor runs the model loop for one (user, server) binding. It carries no
// conversation state; caching it preserves the per-pair binding cheaply.
type executor struct {
	runner   *Runner
	serverID string
}

// run drives the tool-call loop under the execution timeout.
func (e *executor) run(ctx context.Context, question string) (string, error) {
	r := e.runner

	execCtx, cancel := context.WithTimeout(ctx, r.maxExecution)
	defer cancel()

	messages := []types.Message{{Role: "user", Content: question}}
	tools := r.host.Tools()

	for range r.maxIterations {
		resp, err := r.gw.Chat(execCtx, llm.CompletionRequest{
			SystemPrompt: systemPrompt,
			Messages:     messages,
			Tools:        tools,
		})
		if err != nil {
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			output := e.executeTool(execCtx, call)
			messages = append(messages, types.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    output,
			})
		}
	}

	return "", errIterationCap
}

// executeTool routes one tool call through the MCP host, scoping
// search_messages to the executor's server. Failures become tool output so
// the model can recover or apologize.
func (e *executor) executeTool(ctx context.Context, call types.ToolCall) string {
	r := e.runner

	args := call.Arguments
	if call.Name == SearchToolName {
		scoped, err := injectServerID(args, e.serverID)
		if err != nil {
			r.metrics.RecordToolCall(ctx, call.Name, "error")
			return "tool error: " + err.Error()
		}
		args = scoped
	}

	start := time.Now()
	result, err := r.host.ExecuteTool(ctx, call.Name, args)
	r.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		r.metrics.RecordToolCall(ctx, call.Name, "error")
		r.log.Warn("tool execution failed", "tool", call.Name, "error", err)
		return "tool error: " + err.Error()
	}
	if result.IsError {
		r.metrics.RecordToolCall(ctx, call.Name, "error")
		return "tool error: " + result.Content
	}

	r.metrics.RecordToolCall(ctx, call.Name, "ok")
	return result.Content
}

// injectServerID adds the executor's server binding to the model-chosen
// arguments.
func injectServerID(args, serverID string) (string, error) {
	payload := map[string]any{}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &payload); err != nil {
			return "", fmt.Errorf("agent: invalid tool arguments: %w", err)
		}
	}
	payload["server_id"] = serverID
	out, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("agent: scope tool arguments: %w", err)
	}
	return string(out), nil
}

// truncate cuts s at the response limit on a rune boundary, appending a
// visible marker.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}
