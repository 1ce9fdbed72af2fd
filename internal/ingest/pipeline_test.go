package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/feldrow/engram/internal/extract"
	"github.com/feldrow/engram/internal/observe"
	"github.com/feldrow/engram/internal/serverconfig"
	"github.com/feldrow/engram/pkg/provider/embeddings"
	embmock "github.com/feldrow/engram/pkg/provider/embeddings/mock"
	"github.com/feldrow/engram/pkg/store"
	storemock "github.com/feldrow/engram/pkg/store/mock"
)

// configStore is an in-memory serverconfig.Store for registry construction.
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

func (s *configStore) UpdateName(_ context.Context, serverID, name string) error {
	if c, ok := s.configs[serverID]; ok {
		c.ServerName = name
		s.configs[serverID] = c
	}
	return nil
}

// fakeGateway satisfies the pipeline's Gateway interface.
type fakeGateway struct {
	emb      *embmock.Provider
	embedErr error

	embeddedTexts []string
}

func (g *fakeGateway) Embed(ctx context.Context, _ string, text string) ([]float32, error) {
	if g.embedErr != nil {
		return nil, g.embedErr
	}
	g.embeddedTexts = append(g.embeddedTexts, text)
	return g.emb.Embed(ctx, text)
}

func (g *fakeGateway) Embedder(string) (embeddings.Provider, error) {
	return g.emb, nil
}

// fakeExtractor returns scripted summaries and captions.
type fakeExtractor struct {
	summaries []extract.LinkSummary
	captions  []string
}

func (f *fakeExtractor) SummarizeAll(_ context.Context, _ []string) []extract.LinkSummary {
	return f.summaries
}

func (f *fakeExtractor) CaptionAll(_ context.Context, _ []extract.Attachment) []string {
	return f.captions
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

// newTestRegistry builds a loaded registry with the given server configs.
func newTestRegistry(t *testing.T, configs ...serverconfig.ServerConfig) *serverconfig.Registry {
	t.Helper()
	cs := &configStore{configs: make(map[string]serverconfig.ServerConfig)}
	for _, c := range configs {
		cs.configs[c.ServerID] = c
	}
	r := serverconfig.NewRegistry(cs, &serverconfig.StaticProvisioner{}, quietLogger())
	if _, err := r.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	return r
}

func guildMessage(content string) RawMessage {
	return RawMessage{
		MessageID: "9001",
		ServerID:  "guild-1",
		Channel:   ChannelRef{ID: "42", Name: "general"},
		Author: Author{
			ID:          "7",
			Username:    "moss",
			DisplayName: "Moss",
		},
		Content:   content,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func skipConfig() serverconfig.ServerConfig {
	return serverconfig.ServerConfig{
		ServerID:         "guild-1",
		ServerName:       "Test Guild",
		ErrorPolicy:      serverconfig.ErrorPolicySkip,
		EmbeddingModelID: "nomic",
	}
}

func newTestPipeline(t *testing.T, registry *serverconfig.Registry, vectors *storemock.VectorStore, gw *fakeGateway, ex Extractor) *Pipeline {
	t.Helper()
	return New(registry, vectors, gw, ex,
		WithMetrics(testMetrics(t)),
		WithLogger(quietLogger()),
	)
}

func TestProcess_IndexesTextMessage(t *testing.T) {
	t.Parallel()

	vectors := &storemock.VectorStore{}
	gw := &fakeGateway{emb: &embmock.Provider{EmbedResult: []float32{1, 2}, DimensionsValue: 2}}
	p := newTestPipeline(t, newTestRegistry(t, skipConfig()), vectors, gw, &fakeExtractor{})

	results := p.Process(context.Background(), []RawMessage{guildMessage("the deploy finished")})

	if len(results) != 1 || results[0].Status != StatusIndexed {
		t.Fatalf("results = %+v, want one indexed", results)
	}
	if vectors.CallCount("EnsureCollection") != 1 {
		t.Errorf("EnsureCollection calls = %d, want 1", vectors.CallCount("EnsureCollection"))
	}
	if vectors.CallCount("Upsert") != 1 {
		t.Fatalf("Upsert calls = %d, want 1", vectors.CallCount("Upsert"))
	}

	var doc store.Document
	for _, c := range vectors.Calls() {
		if c.Method == "Upsert" {
			doc = c.Args[1].(store.Document)
		}
	}
	if doc.MessageID != "9001" {
		t.Errorf("doc message id = %q", doc.MessageID)
	}
	if doc.Content != "the deploy finished" {
		t.Errorf("doc content = %q", doc.Content)
	}
	if doc.Metadata[store.MetaAuthorDisplayName] != "Moss" {
		t.Errorf("metadata = %v", doc.Metadata)
	}
	if doc.Metadata[store.MetaTimestamp] != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %q, want RFC 3339 UTC", doc.Metadata[store.MetaTimestamp])
	}
}

func TestProcess_SkipsUnconfiguredServer(t *testing.T) {
	t.Parallel()

	vectors := &storemock.VectorStore{}
	gw := &fakeGateway{emb: &embmock.Provider{EmbedResult: []float32{1}}}
	p := newTestPipeline(t, newTestRegistry(t), vectors, gw, &fakeExtractor{})

	results := p.Process(context.Background(), []RawMessage{guildMessage("hello")})

	if results[0].Status != StatusSkipped {
		t.Errorf("status = %q, want skipped", results[0].Status)
	}
	if vectors.CallCount("Upsert") != 0 {
		t.Error("unconfigured server reached the vector store")
	}
}

func TestProcess_SkipsBotsAndEmpty(t *testing.T) {
	t.Parallel()

	vectors := &storemock.VectorStore{}
	gw := &fakeGateway{emb: &embmock.Provider{EmbedResult: []float32{1}}}
	p := newTestPipeline(t, newTestRegistry(t, skipConfig()), vectors, gw, &fakeExtractor{})

	bot := guildMessage("beep boop")
	bot.Author.Bot = true
	empty := guildMessage("   ")

	results := p.Process(context.Background(), []RawMessage{bot, empty})

	for i, res := range results {
		if res.Status != StatusSkipped {
			t.Errorf("result[%d] = %q, want skipped", i, res.Status)
		}
	}
	if vectors.CallCount("Upsert") != 0 {
		t.Error("skipped message reached the vector store")
	}
}

func TestProcess_CompositeWithLinksAndImages(t *testing.T) {
	t.Parallel()

	vectors := &storemock.VectorStore{}
	gw := &fakeGateway{emb: &embmock.Provider{EmbedResult: []float32{1}, DimensionsValue: 1}}
	ex := &fakeExtractor{
		summaries: []extract.LinkSummary{{URL: "https://example.com/post", Summary: "a post about caching"}},
		captions:  []string{"a graph of hit rates"},
	}
	p := newTestPipeline(t, newTestRegistry(t, skipConfig()), vectors, gw, ex)

	msg := guildMessage("look at https://example.com/post")
	msg.Attachments = []extract.Attachment{{URL: "https://cdn.example.com/g.png", ContentType: "image/png"}}

	results := p.Process(context.Background(), []RawMessage{msg})
	if results[0].Status != StatusIndexed {
		t.Fatalf("status = %q (%v)", results[0].Status, results[0].Err)
	}

	if len(gw.embeddedTexts) != 1 {
		t.Fatalf("embedded texts = %d, want 1", len(gw.embeddedTexts))
	}
	text := gw.embeddedTexts[0]
	for _, want := range []string{"look at", "a post about caching", "a graph of hit rates"} {
		if !strings.Contains(text, want) {
			t.Errorf("composite text missing %q:\n%s", want, text)
		}
	}
}

func TestProcess_SkipPolicyContinuesBatch(t *testing.T) {
	t.Parallel()

	vectors := &storemock.VectorStore{}
	gw := &fakeGateway{emb: &embmock.Provider{EmbedResult: []float32{1}}, embedErr: errors.New("model down")}
	registry := newTestRegistry(t, skipConfig())
	p := newTestPipeline(t, registry, vectors, gw, &fakeExtractor{})

	batch := []RawMessage{guildMessage("one"), guildMessage("two")}
	results := p.Process(context.Background(), batch)

	if len(results) != 2 {
		t.Fatalf("results = %d, want both messages processed", len(results))
	}
	for i, res := range results {
		if res.Status != StatusFailed {
			t.Errorf("result[%d] = %q, want failed", i, res.Status)
		}
	}
	if registry.IsPaused("guild-1") {
		t.Error("skip policy paused the server")
	}
}

func TestProcess_StopPolicyPausesServer(t *testing.T) {
	t.Parallel()

	cfg := skipConfig()
	cfg.ErrorPolicy = serverconfig.ErrorPolicyStop

	vectors := &storemock.VectorStore{}
	gw := &fakeGateway{emb: &embmock.Provider{EmbedResult: []float32{1}}, embedErr: errors.New("model down")}
	registry := newTestRegistry(t, cfg)
	p := newTestPipeline(t, registry, vectors, gw, &fakeExtractor{})

	batch := []RawMessage{guildMessage("one"), guildMessage("two")}
	results := p.Process(context.Background(), batch)

	if len(results) != 1 {
		t.Fatalf("results = %d, want batch aborted after first failure", len(results))
	}
	if results[0].Status != StatusFailed {
		t.Errorf("status = %q, want failed", results[0].Status)
	}
	if !registry.IsPaused("guild-1") {
		t.Error("stop policy did not pause the server")
	}

	// A paused server drops subsequent messages silently.
	more := p.Process(context.Background(), []RawMessage{guildMessage("three")})
	if more[0].Status != StatusSkipped {
		t.Errorf("post-pause status = %q, want skipped", more[0].Status)
	}
}

func TestProcess_StopPolicyPartialLinkFailure(t *testing.T) {
	t.Parallel()

	cfg := skipConfig()
	cfg.ErrorPolicy = serverconfig.ErrorPolicyStop

	vectors := &storemock.VectorStore{}
	gw := &fakeGateway{emb: &embmock.Provider{EmbedResult: []float32{1}}}
	// Two URLs in the message, one summary back: one link failed.
	ex := &fakeExtractor{summaries: []extract.LinkSummary{{URL: "https://a.example", Summary: "ok"}}}
	registry := newTestRegistry(t, cfg)
	p := newTestPipeline(t, registry, vectors, gw, ex)

	msg := guildMessage("see https://a.example and https://b.example")
	results := p.Process(context.Background(), []RawMessage{msg})

	if results[0].Status != StatusFailed {
		t.Fatalf("status = %q, want failed under stop policy", results[0].Status)
	}
	if !registry.IsPaused("guild-1") {
		t.Error("server not paused")
	}
}

func TestProcess_MentionsResolved(t *testing.T) {
	t.Parallel()

	vectors := &storemock.VectorStore{}
	gw := &fakeGateway{emb: &embmock.Provider{EmbedResult: []float32{1}, DimensionsValue: 1}}
	p := New(newTestRegistry(t, skipConfig()), vectors, gw, &fakeExtractor{},
		WithResolver(stubResolver{
			users:    map[string]string{"7": "Moss"},
			channels: map[string]string{"42": "general"},
		}),
		WithMetrics(testMetrics(t)),
		WithLogger(quietLogger()),
	)

	msg := guildMessage("ask <@7> in <#42>")
	results := p.Process(context.Background(), []RawMessage{msg})
	if results[0].Status != StatusIndexed {
		t.Fatalf("status = %q (%v)", results[0].Status, results[0].Err)
	}
	if got := gw.embeddedTexts[0]; got != "ask @Moss in #general" {
		t.Errorf("embedded text = %q", got)
	}
}

// stubResolver resolves a fixed set of IDs.
type stubResolver struct {
	users    map[string]string
	channels map[string]string
}

func (s stubResolver) UserName(id string) (string, bool) {
	name, ok := s.users[id]
	return name, ok
}

func (s stubResolver) ChannelName(id string) (string, bool) {
	name, ok := s.channels[id]
	return name, ok
}
