// Package extract turns the noisy parts of a Discord message into clean text
// for embedding: it finds URLs and condenses each page into a short LLM
// summary, downloads image attachments and captions them through the vision
// endpoint, and rewrites raw mention markup into readable names.
//
// Per-message work fans out with an errgroup; a single failing URL or image
// never fails the batch — callers receive whatever succeeded and decide per
// their server's error policy what a partial result means.
package extract

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feldrow/engram/pkg/provider/llm"
	"github.com/feldrow/engram/pkg/provider/vision"
)

const (
	// defaultSummaryTokens bounds each link summary at the model call.
	defaultSummaryTokens = 500

	// defaultConcurrency limits how many URLs or images are processed in
	// parallel for one message.
	defaultConcurrency = 4
)

// urlPattern matches http(s) URLs embedded in message content. Trailing
// sentence punctuation is stripped separately in FindURLs.
var urlPattern = regexp.MustCompile(`https?://[^\s<>]+`)

// Chatter is the slice of the model gateway the summarizer needs.
type Chatter interface {
	Chat(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Captioner is the slice of the model gateway the image path needs.
type Captioner interface {
	Caption(ctx context.Context, image []byte, prompt string) (*vision.CaptionResult, error)
}

// LinkSummary is the condensed form of one fetched page.
type LinkSummary struct {
	URL     string
	Summary string

	// Tokens is the completion token count reported by the model, zero when
	// the backend does not report usage.
	Tokens int

	Elapsed time.Duration
}

// Attachment describes one message attachment to be captioned.
type Attachment struct {
	URL         string
	ContentType string
	Size        int
}

// config holds the optional pieces assembled by Option values.
type config struct {
	captioner     Captioner
	client        *http.Client
	summaryTokens int
	concurrency   int
	maxBytes      int64
	fetchTimeout  time.Duration
	log           *slog.Logger
}

// Option configures an [Extractor] during construction.
type Option func(*config)

// WithCaptioner attaches the vision endpoint used for image attachments.
// Without one, CaptionAll returns nothing.
func WithCaptioner(c Captioner) Option {
	return func(cfg *config) { cfg.captioner = c }
}

// WithHTTPClient overrides the fetch client. Mostly for tests; the default
// client enforces the redirect cap and request timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) { cfg.client = c }
}

// WithSummaryTokens caps the completion size of each link summary.
// Default 500.
func WithSummaryTokens(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.summaryTokens = n
		}
	}
}

// WithConcurrency bounds per-message parallelism for URLs and images.
func WithConcurrency(n int) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.concurrency = n
		}
	}
}

// WithMaxFetchBytes caps how much of any page or image body is read.
// Default 10 MiB.
func WithMaxFetchBytes(n int64) Option {
	return func(cfg *config) {
		if n > 0 {
			cfg.maxBytes = n
		}
	}
}

// WithFetchTimeout bounds one complete page or image fetch including
// redirects. Default 30s. Ignored when WithHTTPClient supplies a client.
func WithFetchTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.fetchTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) { cfg.log = l }
}

// Extractor performs link summarization, image captioning, and mention
// rewriting. Construct with [New]; the zero value is not usable.
type Extractor struct {
	chat          Chatter
	captioner     Captioner
	client        *http.Client
	summaryTokens int
	concurrency   int
	maxBytes      int64
	log           *slog.Logger
}

// New creates an [Extractor] fronting the given chat endpoint.
func New(chat Chatter, opts ...Option) *Extractor {
	cfg := &config{
		summaryTokens: defaultSummaryTokens,
		concurrency:   defaultConcurrency,
		maxBytes:      maxResponseBytes,
		fetchTimeout:  fetchTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.client == nil {
		cfg.client = newFetchClient(cfg.fetchTimeout)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	return &Extractor{
		chat:          chat,
		captioner:     cfg.captioner,
		client:        cfg.client,
		summaryTokens: cfg.summaryTokens,
		concurrency:   cfg.concurrency,
		maxBytes:      cfg.maxBytes,
		log:           cfg.log,
	}
}

// FindURLs returns the distinct http(s) URLs in content, in order of first
// appearance, with trailing sentence punctuation stripped.
func FindURLs(content string) []string {
	matches := urlPattern.FindAllString(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		u := strings.TrimRight(m, ".,;:!?)]}'\"")
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// SummarizeURL fetches, cleans, and summarizes one page.
func (e *Extractor) SummarizeURL(ctx context.Context, url string) (*LinkSummary, error) {
	start := time.Now()

	page, err := e.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	markdown, err := cleanHTML(page, url)
	if err != nil {
		return nil, err
	}

	summary, tokens, err := e.summarize(ctx, markdown)
	if err != nil {
		return nil, err
	}

	return &LinkSummary{
		URL:     url,
		Summary: summary,
		Tokens:  tokens,
		Elapsed: time.Since(start),
	}, nil
}

// SummarizeAll summarizes every URL concurrently and returns the summaries
// that succeeded, ordered like the input. Failures are logged, never
// returned; the caller cannot distinguish a failed URL from a dropped one by
// design of the skip policy.
func (e *Extractor) SummarizeAll(ctx context.Context, urls []string) []LinkSummary {
	if len(urls) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		results = make(map[int]LinkSummary, len(urls))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, url := range urls {
		g.Go(func() error {
			s, err := e.SummarizeURL(gctx, url)
			if err != nil {
				e.log.Warn("link summarization failed", "url", url, "error", err)
				return nil
			}
			mu.Lock()
			results[i] = *s
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	idx := make([]int, 0, len(results))
	for i := range results {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]LinkSummary, 0, len(idx))
	for _, i := range idx {
		out = append(out, results[i])
	}
	return out
}

// CaptionAll downloads and captions every image attachment concurrently,
// returning the captions that succeeded in input order. Non-image
// attachments are skipped silently; download or caption failures are logged
// and dropped. Without a configured captioner it returns nothing.
func (e *Extractor) CaptionAll(ctx context.Context, attachments []Attachment) []string {
	if e.captioner == nil || len(attachments) == 0 {
		return nil
	}

	var (
		mu       sync.Mutex
		captions = make(map[int]string, len(attachments))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, att := range attachments {
		if !isImage(att.ContentType) {
			continue
		}
		g.Go(func() error {
			text, err := e.captionAttachment(gctx, att)
			if err != nil {
				e.log.Warn("image caption failed", "url", att.URL, "error", err)
				return nil
			}
			mu.Lock()
			captions[i] = text
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	idx := make([]int, 0, len(captions))
	for i := range captions {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, captions[i])
	}
	return out
}
