package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	mcpmock "github.com/feldrow/engram/internal/mcp/mock"
	"github.com/feldrow/engram/internal/observe"
	"github.com/feldrow/engram/internal/serverconfig"
	"github.com/feldrow/engram/pkg/provider/llm"
	llmmock "github.com/feldrow/engram/pkg/provider/llm/mock"
	"github.com/feldrow/engram/pkg/store"
	storemock "github.com/feldrow/engram/pkg/store/mock"
	"github.com/feldrow/engram/pkg/types"
)

// configStore is an in-memory serverconfig.Store.
type configStore struct {
	configs map[string]serverconfig.ServerConfig
}

func (s *configStore) List(context.Context) ([]serverconfig.ServerConfig, error) {
	out := make([]serverconfig.ServerConfig, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, c)
	}
	return out, nil
}

func (s *configStore) Get(_ context.Context, serverID string) (*serverconfig.ServerConfig, error) {
	c, ok := s.configs[serverID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *configStore) Upsert(_ context.Context, cfg *serverconfig.ServerConfig) error {
	s.configs[cfg.ServerID] = *cfg
	return nil
}

func (s *configStore) UpdateName(context.Context, string, string) error { return nil }

// testGateway adapts the llm mock and a scripted embedding to Gateway.
type testGateway struct {
	chat     *llmmock.Provider
	embedErr error
}

func (g *testGateway) Chat(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return g.chat.Complete(ctx, req)
}

func (g *testGateway) Embed(context.Context, string, string) ([]float32, error) {
	if g.embedErr != nil {
		return nil, g.embedErr
	}
	return []float32{0.1, 0.2}, nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *serverconfig.Registry {
	t.Helper()
	cs := &configStore{configs: map[string]serverconfig.ServerConfig{
		"guild-1": {
			ServerID:         "guild-1",
			ServerName:       "Test Guild",
			ErrorPolicy:      serverconfig.ErrorPolicySkip,
			EmbeddingModelID: "nomic",
		},
	}}
	r := serverconfig.NewRegistry(cs, &serverconfig.StaticProvisioner{}, quietLogger())
	if _, err := r.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	return r
}

func hit(distance float64, content string, meta store.Metadata) store.Hit {
	if meta == nil {
		meta = store.Metadata{}
	}
	return store.Hit{
		Document: store.Document{Content: content, Metadata: meta},
		Distance: distance,
	}
}

func newRunner(t *testing.T, chat *llmmock.Provider, vectors *storemock.VectorStore, opts ...Option) (*Runner, *mcpmock.Host) {
	t.Helper()
	host := &mcpmock.Host{}
	opts = append([]Option{WithMetrics(testMetrics(t)), WithLogger(quietLogger())}, opts...)
	r := New(&testGateway{chat: chat}, host, vectors, testRegistry(t), opts...)
	return r, host
}

func TestRespond_DirectAnswer(t *testing.T) {
	t.Parallel()

	chat := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "nothing notable happened"},
	}
	r, host := newRunner(t, chat, &storemock.VectorStore{})

	got, err := r.Respond(context.Background(), "u1", "guild-1", "what happened today?")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != "nothing notable happened" {
		t.Errorf("answer = %q", got)
	}
	if host.CallCount("RegisterBuiltin") != 1 {
		t.Errorf("RegisterBuiltin calls = %d, want 1", host.CallCount("RegisterBuiltin"))
	}
}

func TestRespond_SearchToolLoop(t *testing.T) {
	t.Parallel()

	vectors := &storemock.VectorStore{
		SearchResult: []store.Hit{
			hit(0.2, "the deploy finished at noon", store.Metadata{
				store.MetaAuthorDisplayName: "Moss",
				store.MetaChannelName:       "ops",
				store.MetaTimestamp:         "2026-03-01T12:00:00Z",
			}),
		},
	}

	var calls int
	chat := &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			calls++
			if calls == 1 {
				return &llm.CompletionResponse{
					ToolCalls: []types.ToolCall{{
						ID:        "call-1",
						Name:      SearchToolName,
						Arguments: `{"query":"deploy"}`,
					}},
				}, nil
			}
			// Second round: the tool result must be in the conversation.
			last := req.Messages[len(req.Messages)-1]
			if last.Role != "tool" || last.ToolCallID != "call-1" {
				t.Errorf("last message = %+v, want tool result for call-1", last)
			}
			if !strings.Contains(last.Content, "Moss in #ops") {
				t.Errorf("tool output = %q, want formatted hit", last.Content)
			}
			return &llm.CompletionResponse{Content: "the deploy finished at noon"}, nil
		},
	}

	r, host := newRunner(t, chat, vectors)

	got, err := r.Respond(context.Background(), "u1", "guild-1", "when did the deploy finish?")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != "the deploy finished at noon" {
		t.Errorf("answer = %q", got)
	}
	if host.CallCount("ExecuteTool") != 1 {
		t.Errorf("ExecuteTool calls = %d, want 1", host.CallCount("ExecuteTool"))
	}
	if vectors.CallCount("Search") != 1 {
		t.Errorf("Search calls = %d, want 1 (server binding injected)", vectors.CallCount("Search"))
	}
}

func TestRespond_IterationCap(t *testing.T) {
	t.Parallel()

	chat := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			ToolCalls: []types.ToolCall{{
				ID: "c", Name: SearchToolName, Arguments: `{"query":"x"}`,
			}},
		},
	}
	r, _ := newRunner(t, chat, &storemock.VectorStore{}, WithMaxIterations(3))

	got, err := r.Respond(context.Background(), "u1", "guild-1", "loop forever")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != ErrorAnswer {
		t.Errorf("answer = %q, want canonical error", got)
	}
	if len(chat.CompleteCalls) != 3 {
		t.Errorf("model calls = %d, want 3", len(chat.CompleteCalls))
	}
}

func TestRespond_Timeout(t *testing.T) {
	t.Parallel()

	chat := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r, _ := newRunner(t, chat, &storemock.VectorStore{}, WithMaxExecutionTime(30*time.Millisecond))

	got, err := r.Respond(context.Background(), "u1", "guild-1", "slow question")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != TimeoutAnswer {
		t.Errorf("answer = %q, want canonical timeout", got)
	}
}

func TestRespond_ModelError(t *testing.T) {
	t.Parallel()

	chat := &llmmock.Provider{CompleteErr: errors.New("model exploded")}
	r, _ := newRunner(t, chat, &storemock.VectorStore{})

	got, err := r.Respond(context.Background(), "u1", "guild-1", "q")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got != ErrorAnswer {
		t.Errorf("answer = %q, want canonical error", got)
	}
}

func TestRespond_UnconfiguredServer(t *testing.T) {
	t.Parallel()

	chat := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "x"}}
	r, _ := newRunner(t, chat, &storemock.VectorStore{})

	if _, err := r.Respond(context.Background(), "u1", "guild-9", "q"); err == nil {
		t.Fatal("expected error for unconfigured server")
	}
}

func TestRespond_Truncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 5000)
	chat := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: long}}
	r, _ := newRunner(t, chat, &storemock.VectorStore{})

	got, err := r.Respond(context.Background(), "u1", "guild-1", "q")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if len(got) > DefaultMaxResponseChars {
		t.Errorf("answer length = %d, want <= %d", len(got), DefaultMaxResponseChars)
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Error("truncated answer missing the visible marker")
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("héllo wörld ", 500)
	for limit := len(truncationMarker) + 1; limit < len(truncationMarker)+8; limit++ {
		got := truncate(long, limit)
		if !utf8.ValidString(got) {
			t.Errorf("limit %d: output is not valid UTF-8: %q", limit, got)
		}
		if !strings.HasSuffix(got, truncationMarker) {
			t.Errorf("limit %d: missing the visible marker", limit)
		}
		if len(got) > limit {
			t.Errorf("limit %d: output length = %d", limit, len(got))
		}
	}
}

func TestRespond_ExecutorCached(t *testing.T) {
	t.Parallel()

	chat := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "x"}}
	r, _ := newRunner(t, chat, &storemock.VectorStore{})

	if _, err := r.Respond(context.Background(), "u1", "guild-1", "q1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Respond(context.Background(), "u1", "guild-1", "q2"); err != nil {
		t.Fatal(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.executors) != 1 {
		t.Errorf("executors = %d, want 1 cached per (user, server)", len(r.executors))
	}
}

func TestInjectServerID(t *testing.T) {
	t.Parallel()

	out, err := injectServerID(`{"query":"deploy"}`, "guild-1")
	if err != nil {
		t.Fatalf("injectServerID: %v", err)
	}
	var got searchArgs
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Query != "deploy" || got.ServerID != "guild-1" {
		t.Errorf("args = %+v", got)
	}

	if _, err := injectServerID("not json", "guild-1"); err == nil {
		t.Error("expected error for invalid arguments")
	}
}
