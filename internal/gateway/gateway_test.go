package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/feldrow/engram/internal/observe"
	embmock "github.com/feldrow/engram/pkg/provider/embeddings/mock"
	"github.com/feldrow/engram/pkg/provider/llm"
	llmmock "github.com/feldrow/engram/pkg/provider/llm/mock"
	"github.com/feldrow/engram/pkg/provider/stt"
	sttmock "github.com/feldrow/engram/pkg/provider/stt/mock"
	visionmock "github.com/feldrow/engram/pkg/provider/vision/mock"
	"github.com/feldrow/engram/pkg/types"
)

// testMetrics returns a Metrics instance isolated from the global provider.
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

func TestChat_AppliesDefaults(t *testing.T) {
	t.Parallel()

	chat := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hi"},
	}
	g := New(chat,
		WithTemperature(0.7),
		WithKeepAlive("15m"),
		WithMetrics(testMetrics(t)),
	)

	resp, err := g.Chat(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q, want hi", resp.Content)
	}

	if len(chat.CompleteCalls) != 1 {
		t.Fatalf("complete calls = %d, want 1", len(chat.CompleteCalls))
	}
	got := chat.CompleteCalls[0]
	if got.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", got.Temperature)
	}
	if got.KeepAlive != "15m" {
		t.Errorf("keep alive = %q, want 15m", got.KeepAlive)
	}
}

func TestChat_ExplicitValuesWin(t *testing.T) {
	t.Parallel()

	chat := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{}}
	g := New(chat, WithTemperature(0.7), WithMetrics(testMetrics(t)))

	_, err := g.Chat(context.Background(), llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: "x"}},
		Temperature: 1.2,
		KeepAlive:   "5m",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	got := chat.CompleteCalls[0]
	if got.Temperature != 1.2 || got.KeepAlive != "5m" {
		t.Errorf("request = %v/%q, want 1.2/5m", got.Temperature, got.KeepAlive)
	}
}

func TestChat_WrapsError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("backend down")
	chat := &llmmock.Provider{CompleteErr: wantErr}
	g := New(chat, WithMetrics(testMetrics(t)))

	_, err := g.Chat(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped backend error", err)
	}
}

func TestCaption_NoEndpoint(t *testing.T) {
	t.Parallel()

	g := New(&llmmock.Provider{}, WithMetrics(testMetrics(t)))
	_, err := g.Caption(context.Background(), []byte{1, 2}, "")
	if err == nil {
		t.Fatal("expected error when no vision endpoint is configured")
	}
}

func TestCaption(t *testing.T) {
	t.Parallel()

	cap := &visionmock.Captioner{}
	g := New(&llmmock.Provider{}, WithVision(cap), WithMetrics(testMetrics(t)))

	_, err := g.Caption(context.Background(), []byte{0xFF, 0xD8}, "describe")
	if err != nil {
		t.Fatalf("Caption: %v", err)
	}
}

func TestEmbed_UnknownModel(t *testing.T) {
	t.Parallel()

	g := New(&llmmock.Provider{},
		WithEmbedder("nomic", &embmock.Provider{DimensionsValue: 4}),
		WithMetrics(testMetrics(t)),
	)

	_, err := g.Embed(context.Background(), "missing", "text")
	if err == nil {
		t.Fatal("expected error for unknown embedding model")
	}
}

func TestEmbed(t *testing.T) {
	t.Parallel()

	emb := &embmock.Provider{EmbedResult: []float32{1, 2, 3, 4}, DimensionsValue: 4}
	g := New(&llmmock.Provider{}, WithEmbedder("nomic", emb), WithMetrics(testMetrics(t)))

	vec, err := g.Embed(context.Background(), "nomic", "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 4 {
		t.Errorf("vector length = %d, want 4", len(vec))
	}
	if len(emb.EmbedTexts) != 1 || emb.EmbedTexts[0] != "hello world" {
		t.Errorf("embed texts = %v", emb.EmbedTexts)
	}
}

func TestEmbedBatch(t *testing.T) {
	t.Parallel()

	emb := &embmock.Provider{
		EmbedBatchResult: [][]float32{{1}, {2}},
		DimensionsValue:  1,
	}
	g := New(&llmmock.Provider{}, WithEmbedder("nomic", emb), WithMetrics(testMetrics(t)))

	vecs, err := g.EmbedBatch(context.Background(), "nomic", []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Errorf("batch length = %d, want 2", len(vecs))
	}
}

func TestTranscribe_NoEndpoint(t *testing.T) {
	t.Parallel()

	g := New(&llmmock.Provider{}, WithMetrics(testMetrics(t)))
	_, err := g.Transcribe(context.Background(), make([]float32, 16000))
	if err == nil {
		t.Fatal("expected error when no stt endpoint is configured")
	}
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	tr := &sttmock.Transcriber{
		Result: &stt.Result{Segments: []stt.Segment{{Text: "hello"}}},
	}
	g := New(&llmmock.Provider{}, WithSTT(tr), WithMetrics(testMetrics(t)))

	res, err := g.Transcribe(context.Background(), make([]float32, 16000))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text() != "hello" {
		t.Errorf("text = %q, want hello", res.Text())
	}
}

// warmableChat is an llm mock that also implements Warmer and Pinger.
type warmableChat struct {
	llmmock.Provider

	mu        sync.Mutex
	warmCalls []string
	pingErr   error
}

func (w *warmableChat) Warm(_ context.Context, keepAlive string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.warmCalls = append(w.warmCalls, keepAlive)
	return nil
}

func (w *warmableChat) Ping(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pingErr
}

func (w *warmableChat) warmed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.warmCalls))
	copy(out, w.warmCalls)
	return out
}

func TestStartWarm_PrewarmsAndUnloads(t *testing.T) {
	t.Parallel()

	chat := &warmableChat{}
	g := New(chat, WithKeepAlive("30m"), WithMetrics(testMetrics(t)))

	g.StartWarm(context.Background())

	if got := chat.warmed(); len(got) != 1 || got[0] != "30m" {
		t.Fatalf("warm calls = %v, want [30m]", got)
	}

	g.Unload(context.Background())

	got := chat.warmed()
	if len(got) != 2 || got[1] != "0" {
		t.Fatalf("warm calls after unload = %v, want trailing 0", got)
	}
}

func TestStartWarm_NonWarmableSkipped(t *testing.T) {
	t.Parallel()

	g := New(&llmmock.Provider{}, WithMetrics(testMetrics(t)))
	g.StartWarm(context.Background())
	g.Unload(context.Background()) // must not panic or block
}

func TestHealth(t *testing.T) {
	t.Parallel()

	chat := &warmableChat{pingErr: errors.New("unreachable")}
	g := New(chat,
		WithSTT(&sttmock.Transcriber{}),
		WithMetrics(testMetrics(t)),
	)

	health := g.Health(context.Background())

	if h := health["chat"]; h.OK || h.Err == nil {
		t.Errorf("chat health = %+v, want failing", h)
	}
	// The stt mock has no Ping; it reports healthy without a probe.
	if h := health["stt"]; !h.OK || h.Elapsed != time.Duration(0) {
		t.Errorf("stt health = %+v, want trivially ok", h)
	}

	if err := g.CheckReady(context.Background()); err == nil {
		t.Error("CheckReady should fail while chat is unreachable")
	}
}
