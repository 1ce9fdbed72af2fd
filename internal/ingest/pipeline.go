// Package ingest turns raw Discord guild messages into indexed vector
// documents.
//
// The pipeline runs each message through classification, link and mention
// extraction, image captioning, composite text assembly, embedding, metadata
// normalization, and the vector store write. A server's error policy decides
// what a stage failure means: "skip" marks the message failed and moves on,
// "stop" aborts the batch and pauses that server's ingestion until restart.
//
// The package also holds the backfill scanner that replays channel history
// through the same pipeline, resuming after the newest indexed timestamp.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/feldrow/engram/internal/extract"
	"github.com/feldrow/engram/internal/observe"
	"github.com/feldrow/engram/internal/serverconfig"
	"github.com/feldrow/engram/pkg/provider/embeddings"
	"github.com/feldrow/engram/pkg/store"
)

// Gateway is the slice of the model gateway the pipeline needs.
type Gateway interface {
	Embed(ctx context.Context, modelID, text string) ([]float32, error)
	Embedder(id string) (embeddings.Provider, error)
}

// Extractor is the slice of the extraction workers the pipeline needs. Both
// methods drop individual failures; the pipeline detects them by comparing
// result counts against input counts.
type Extractor interface {
	SummarizeAll(ctx context.Context, urls []string) []extract.LinkSummary
	CaptionAll(ctx context.Context, attachments []extract.Attachment) []string
}

// Result is the terminal outcome of one message.
type Result struct {
	MessageID string
	Status    Status
	Err       error
}

// config holds the optional pieces assembled by Option values.
type config struct {
	resolver extract.NameResolver
	stats    *Stats
	metrics  *observe.Metrics
	log      *slog.Logger
}

// Option configures a [Pipeline] during construction.
type Option func(*config)

// WithResolver sets the mention resolver. Without one, mention markup is
// left in place.
func WithResolver(r extract.NameResolver) Option {
	return func(cfg *config) { cfg.resolver = r }
}

// WithStats sets the shared statistics sink. Defaults to a private instance.
func WithStats(s *Stats) Option {
	return func(cfg *config) { cfg.stats = s }
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

// Pipeline indexes guild messages. Construct with [New]; the zero value is
// not usable.
type Pipeline struct {
	registry  *serverconfig.Registry
	vectors   store.VectorStore
	gw        Gateway
	extractor Extractor
	resolver  extract.NameResolver
	stats     *Stats
	metrics   *observe.Metrics
	log       *slog.Logger

	mu      sync.Mutex
	ensured map[string]struct{} // server IDs whose collection exists
}

// New creates a [Pipeline] over the given collaborators.
func New(registry *serverconfig.Registry, vectors store.VectorStore, gw Gateway, extractor Extractor, opts ...Option) *Pipeline {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.stats == nil {
		cfg.stats = NewStats()
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	return &Pipeline{
		registry:  registry,
		vectors:   vectors,
		gw:        gw,
		extractor: extractor,
		resolver:  cfg.resolver,
		stats:     cfg.stats,
		metrics:   cfg.metrics,
		log:       cfg.log,
		ensured:   make(map[string]struct{}),
	}
}

// Stats returns the statistics sink the pipeline records into.
func (p *Pipeline) Stats() *Stats { return p.stats }

// Process runs the batch through the pipeline and returns one Result per
// processed message, in order. Under the "stop" error policy a stage failure
// aborts the batch after its failing message and pauses the server; the
// unprocessed remainder gets no Result.
func (p *Pipeline) Process(ctx context.Context, batch []RawMessage) []Result {
	results := make([]Result, 0, len(batch))
	for _, msg := range batch {
		res := p.processOne(ctx, msg)
		results = append(results, res)

		if res.Status == StatusFailed {
			cfg := p.registry.Get(msg.ServerID)
			if cfg != nil && cfg.ErrorPolicy == serverconfig.ErrorPolicyStop {
				p.registry.Pause(msg.ServerID)
				p.log.Error("ingestion paused by error policy",
					"server_id", msg.ServerID,
					"message_id", msg.MessageID,
					"error", res.Err,
				)
				break
			}
			p.log.Warn("message failed, continuing per error policy",
				"server_id", msg.ServerID,
				"message_id", msg.MessageID,
				"error", res.Err,
			)
		}
	}
	return results
}

// processOne runs the staged algorithm for a single message.
func (p *Pipeline) processOne(ctx context.Context, msg RawMessage) Result {
	start := time.Now()
	defer func() {
		p.metrics.IngestDuration.Record(ctx, time.Since(start).Seconds())
	}()

	finish := func(status Status, err error) Result {
		p.stats.RecordOutcome(msg.ServerID, status)
		p.metrics.RecordMessageIngested(ctx, msg.ServerID, string(status))
		return Result{MessageID: msg.MessageID, Status: status, Err: err}
	}

	// Gate: unconfigured or paused servers drop silently; bot chatter is
	// never indexed.
	cfg := p.registry.Get(msg.ServerID)
	if cfg == nil || p.registry.IsPaused(msg.ServerID) || msg.Author.Bot {
		return finish(StatusSkipped, nil)
	}

	class := classify(msg)
	if class.isEmpty {
		return finish(StatusSkipped, nil)
	}

	content := msg.Content
	if class.hasMentions && p.resolver != nil {
		content = extract.ResolveMentions(content, p.resolver)
	}

	var summaries []extract.LinkSummary
	if class.hasURLs {
		stageStart := time.Now()
		urls := extract.FindURLs(msg.Content)
		summaries = p.extractor.SummarizeAll(ctx, urls)
		p.stats.RecordStage("extract", time.Since(stageStart))

		if len(summaries) < len(urls) && cfg.ErrorPolicy == serverconfig.ErrorPolicyStop {
			return finish(StatusFailed, fmt.Errorf(
				"ingest: %d of %d links failed for message %s",
				len(urls)-len(summaries), len(urls), msg.MessageID,
			))
		}
	}

	var captions []string
	if class.hasImages {
		stageStart := time.Now()
		captions = p.extractor.CaptionAll(ctx, msg.Attachments)
		p.stats.RecordStage("caption", time.Since(stageStart))

		if want := countImages(msg.Attachments); len(captions) < want && cfg.ErrorPolicy == serverconfig.ErrorPolicyStop {
			return finish(StatusFailed, fmt.Errorf(
				"ingest: %d of %d images failed for message %s",
				want-len(captions), want, msg.MessageID,
			))
		}
	}

	text := compositeText(content, summaries, captions)
	if text == "" {
		return finish(StatusSkipped, nil)
	}

	stageStart := time.Now()
	vector, err := p.gw.Embed(ctx, cfg.EmbeddingModelID, text)
	p.stats.RecordStage("embed", time.Since(stageStart))
	if err != nil {
		return finish(StatusFailed, fmt.Errorf("ingest: embed message %s: %w", msg.MessageID, err))
	}

	if err := p.ensureCollection(ctx, cfg); err != nil {
		return finish(StatusFailed, err)
	}

	stageStart = time.Now()
	err = p.vectors.Upsert(ctx, msg.ServerID, store.Document{
		MessageID: msg.MessageID,
		Content:   text,
		Embedding: vector,
		Metadata:  normalizeMetadata(msg),
	})
	p.stats.RecordStage("store", time.Since(stageStart))
	if err != nil {
		return finish(StatusFailed, fmt.Errorf("ingest: store message %s: %w", msg.MessageID, err))
	}

	return finish(StatusIndexed, nil)
}

// ensureCollection creates the server's vector collection once per process
// lifetime, sized by the server's embedding model.
func (p *Pipeline) ensureCollection(ctx context.Context, cfg *serverconfig.ServerConfig) error {
	p.mu.Lock()
	_, done := p.ensured[cfg.ServerID]
	p.mu.Unlock()
	if done {
		return nil
	}

	provider, err := p.gw.Embedder(cfg.EmbeddingModelID)
	if err != nil {
		return fmt.Errorf("ingest: resolve embedder for server %s: %w", cfg.ServerID, err)
	}
	if err := p.vectors.EnsureCollection(ctx, cfg.ServerID, provider.Dimensions()); err != nil {
		return fmt.Errorf("ingest: ensure collection for server %s: %w", cfg.ServerID, err)
	}

	p.mu.Lock()
	p.ensured[cfg.ServerID] = struct{}{}
	p.mu.Unlock()
	return nil
}

// countImages reports how many attachments are images.
func countImages(attachments []extract.Attachment) int {
	n := 0
	for _, att := range attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			n++
		}
	}
	return n
}
