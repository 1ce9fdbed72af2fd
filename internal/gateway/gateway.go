// Package gateway provides unified access to the model endpoints engram
// depends on: text chat with tools, vision captioning, embedding, and
// speech-to-text.
//
// The gateway owns cross-cutting concerns the individual providers should not
// carry: model residency (pre-warm and keep-alive refresh for Ollama-style
// backends), per-endpoint health probing, and OTel metrics for every call.
// Resilience is composed outside: callers may hand the gateway fallback
// chains from internal/resilience instead of bare providers.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/feldrow/engram/internal/observe"
	"github.com/feldrow/engram/pkg/provider/embeddings"
	"github.com/feldrow/engram/pkg/provider/llm"
	"github.com/feldrow/engram/pkg/provider/stt"
	"github.com/feldrow/engram/pkg/provider/vision"
)

// Warmer is implemented by providers that can pin model residency (Ollama).
// Providers that cannot (remote APIs) simply don't implement it and are
// skipped during pre-warm.
type Warmer interface {
	Warm(ctx context.Context, keepAlive string) error
}

// Pinger is implemented by providers that support a cheap reachability probe.
// Endpoints without one report healthy without being probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EndpointHealth is the probe outcome for one endpoint.
type EndpointHealth struct {
	OK      bool
	Elapsed time.Duration
	Err     error
}

// config holds the optional pieces assembled by Option values.
type config struct {
	vision      vision.Captioner
	stt         stt.Transcriber
	embedders   map[string]embeddings.Provider
	temperature float64
	keepAlive   string
	metrics     *observe.Metrics
	log         *slog.Logger
}

// Option configures a [Gateway] during construction.
type Option func(*config)

// WithVision attaches an image captioning endpoint.
func WithVision(c vision.Captioner) Option {
	return func(cfg *config) { cfg.vision = c }
}

// WithSTT attaches a speech-to-text endpoint.
func WithSTT(t stt.Transcriber) Option {
	return func(cfg *config) { cfg.stt = t }
}

// WithEmbedder registers an embedding endpoint under the given entry ID.
// Server configurations reference embedders by this ID.
func WithEmbedder(id string, p embeddings.Provider) Option {
	return func(cfg *config) {
		if cfg.embedders == nil {
			cfg.embedders = make(map[string]embeddings.Provider)
		}
		cfg.embedders[id] = p
	}
}

// WithTemperature sets the default sampling temperature applied to chat
// requests that don't specify one.
func WithTemperature(t float64) Option {
	return func(cfg *config) { cfg.temperature = t }
}

// WithKeepAlive sets the residency window requested from warmable backends
// (Ollama syntax, e.g. "30m"). Default "30m".
func WithKeepAlive(d string) Option {
	return func(cfg *config) { cfg.keepAlive = d }
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

// Gateway fronts the model endpoints. Construct with [New]; the zero value is
// not usable.
type Gateway struct {
	chat        llm.Provider
	vision      vision.Captioner
	stt         stt.Transcriber
	embedders   map[string]embeddings.Provider
	temperature float64
	keepAlive   string
	metrics     *observe.Metrics
	log         *slog.Logger

	mu            sync.Mutex
	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
}

// New creates a [Gateway] fronting the given chat provider plus whatever
// optional endpoints are attached via options.
func New(chat llm.Provider, opts ...Option) *Gateway {
	cfg := &config{
		keepAlive: "30m",
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
	return &Gateway{
		chat:        chat,
		vision:      cfg.vision,
		stt:         cfg.stt,
		embedders:   cfg.embedders,
		temperature: cfg.temperature,
		keepAlive:   cfg.keepAlive,
		metrics:     cfg.metrics,
		log:         cfg.log,
	}
}

// Chat sends a completion request to the text model. When req.Temperature and
// req.KeepAlive are unset, the gateway's defaults are applied.
func (g *Gateway) Chat(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if req.Temperature == 0 {
		req.Temperature = g.temperature
	}
	if req.KeepAlive == "" {
		req.KeepAlive = g.keepAlive
	}

	start := time.Now()
	resp, err := g.chat.Complete(ctx, req)
	g.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		g.metrics.RecordProviderRequest(ctx, "chat", "llm", "error")
		g.metrics.RecordProviderError(ctx, "chat", "llm")
		return nil, fmt.Errorf("gateway: chat: %w", err)
	}
	g.metrics.RecordProviderRequest(ctx, "chat", "llm", "ok")
	return resp, nil
}

// Caption describes an image via the vision endpoint. Returns an error when
// no vision endpoint is configured.
func (g *Gateway) Caption(ctx context.Context, image []byte, prompt string) (*vision.CaptionResult, error) {
	if g.vision == nil {
		return nil, errors.New("gateway: no vision endpoint configured")
	}

	start := time.Now()
	res, err := g.vision.Caption(ctx, image, prompt)
	if err != nil {
		g.metrics.RecordProviderRequest(ctx, "vision", "caption", "error")
		g.metrics.RecordProviderError(ctx, "vision", "caption")
		return nil, fmt.Errorf("gateway: caption: %w", err)
	}
	g.log.Debug("image captioned",
		"model", g.vision.ModelID(),
		"elapsed", time.Since(start),
	)
	g.metrics.RecordProviderRequest(ctx, "vision", "caption", "ok")
	return res, nil
}

// Embedder returns the embedding endpoint registered under id, or an error
// listing the known IDs. Used by components that need the provider itself
// (e.g. for Dimensions).
func (g *Gateway) Embedder(id string) (embeddings.Provider, error) {
	p, ok := g.embedders[id]
	if !ok {
		ids := make([]string, 0, len(g.embedders))
		for k := range g.embedders {
			ids = append(ids, k)
		}
		sort.Strings(ids)
		return nil, fmt.Errorf("gateway: unknown embedding model %q (known: %v)", id, ids)
	}
	return p, nil
}

// Embed computes one embedding through the endpoint registered under modelID.
func (g *Gateway) Embed(ctx context.Context, modelID, text string) ([]float32, error) {
	p, err := g.Embedder(modelID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	vec, err := p.Embed(ctx, text)
	g.metrics.EmbeddingDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		g.metrics.RecordProviderRequest(ctx, modelID, "embeddings", "error")
		g.metrics.RecordProviderError(ctx, modelID, "embeddings")
		return nil, fmt.Errorf("gateway: embed: %w", err)
	}
	g.metrics.RecordProviderRequest(ctx, modelID, "embeddings", "ok")
	return vec, nil
}

// EmbedBatch computes a batch of embeddings through the endpoint registered
// under modelID.
func (g *Gateway) EmbedBatch(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	p, err := g.Embedder(modelID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	vecs, err := p.EmbedBatch(ctx, texts)
	g.metrics.EmbeddingDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		g.metrics.RecordProviderRequest(ctx, modelID, "embeddings", "error")
		g.metrics.RecordProviderError(ctx, modelID, "embeddings")
		return nil, fmt.Errorf("gateway: embed batch: %w", err)
	}
	g.metrics.RecordProviderRequest(ctx, modelID, "embeddings", "ok")
	return vecs, nil
}

// Transcribe runs speech recognition over a 16 kHz mono float buffer. Returns
// an error when no STT endpoint is configured.
func (g *Gateway) Transcribe(ctx context.Context, samples []float32) (*stt.Result, error) {
	if g.stt == nil {
		return nil, errors.New("gateway: no stt endpoint configured")
	}

	start := time.Now()
	res, err := g.stt.Transcribe(ctx, samples)
	g.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		g.metrics.RecordProviderRequest(ctx, "stt", "stt", "error")
		g.metrics.RecordProviderError(ctx, "stt", "stt")
		return nil, fmt.Errorf("gateway: transcribe: %w", err)
	}
	g.metrics.RecordProviderRequest(ctx, "stt", "stt", "ok")
	return res, nil
}

// warmables returns the endpoints that can pin residency, with labels for
// logging.
func (g *Gateway) warmables() map[string]Warmer {
	out := make(map[string]Warmer, 2)
	if w, ok := g.chat.(Warmer); ok {
		out["chat"] = w
	}
	if w, ok := g.vision.(Warmer); ok {
		out["vision"] = w
	}
	return out
}

// StartWarm pre-warms warmable endpoints with the configured keep-alive
// window and starts a background refresher that renews residency at 2/3 of
// the window. Endpoints that do not implement [Warmer] are skipped silently.
// Calling StartWarm twice is a no-op.
func (g *Gateway) StartWarm(ctx context.Context) {
	warmables := g.warmables()
	if len(warmables) == 0 {
		return
	}

	g.mu.Lock()
	if g.refreshCancel != nil {
		g.mu.Unlock()
		return
	}
	refreshCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.refreshCancel = cancel
	g.refreshDone = make(chan struct{})
	g.mu.Unlock()

	g.warmAll(ctx, warmables, g.keepAlive)

	window, err := time.ParseDuration(g.keepAlive)
	if err != nil || window <= 0 {
		g.log.Warn("keep-alive window is not refreshable, pre-warmed once", "keep_alive", g.keepAlive)
		close(g.refreshDone)
		return
	}

	interval := window * 2 / 3
	go func() {
		defer close(g.refreshDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				g.warmAll(refreshCtx, warmables, g.keepAlive)
			}
		}
	}()
}

// warmAll issues one warm request per warmable endpoint, logging failures.
func (g *Gateway) warmAll(ctx context.Context, warmables map[string]Warmer, keepAlive string) {
	for name, w := range warmables {
		if err := w.Warm(ctx, keepAlive); err != nil {
			g.log.Warn("model warm failed", "endpoint", name, "error", err)
			continue
		}
		g.log.Debug("model warmed", "endpoint", name, "keep_alive", keepAlive)
	}
}

// Unload stops the residency refresher and asks warmable endpoints to release
// their models (keep-alive 0). Called during shutdown.
func (g *Gateway) Unload(ctx context.Context) {
	g.mu.Lock()
	cancel, done := g.refreshCancel, g.refreshDone
	g.refreshCancel, g.refreshDone = nil, nil
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	g.warmAll(ctx, g.warmables(), "0")
}

// Health probes every configured endpoint and returns the per-endpoint
// outcome. Endpoints without a [Pinger] report healthy with zero elapsed.
func (g *Gateway) Health(ctx context.Context) map[string]EndpointHealth {
	out := make(map[string]EndpointHealth)

	probe := func(name string, v any) {
		if v == nil {
			return
		}
		p, ok := v.(Pinger)
		if !ok {
			out[name] = EndpointHealth{OK: true}
			return
		}
		start := time.Now()
		err := p.Ping(ctx)
		out[name] = EndpointHealth{OK: err == nil, Elapsed: time.Since(start), Err: err}
	}

	probe("chat", g.chat)
	if g.vision != nil {
		probe("vision", g.vision)
	}
	if g.stt != nil {
		probe("stt", g.stt)
	}
	for id, p := range g.embedders {
		probe("embeddings/"+id, p)
	}
	return out
}

// CheckReady is a health.Checker-compatible probe: it fails when any endpoint
// reports unhealthy.
func (g *Gateway) CheckReady(ctx context.Context) error {
	var errs []error
	for name, h := range g.Health(ctx) {
		if !h.OK {
			errs = append(errs, fmt.Errorf("%s: %w", name, h.Err))
		}
	}
	return errors.Join(errs...)
}
