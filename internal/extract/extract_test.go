package extract

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/feldrow/engram/pkg/provider/llm"
	llmmock "github.com/feldrow/engram/pkg/provider/llm/mock"
	"github.com/feldrow/engram/pkg/provider/vision"
	visionmock "github.com/feldrow/engram/pkg/provider/vision/mock"
)

// chatStub adapts the llm mock to the Chatter interface.
type chatStub struct {
	p *llmmock.Provider
}

func (c chatStub) Chat(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return c.p.Complete(ctx, req)
}

// articleHTML is long enough for readability to score its paragraphs as main
// content.
const articleHTML = `<!DOCTYPE html>
<html><head><title>Field Notes on Beacon Keeping</title></head><body>
<nav><a href="/">home</a> <a href="/about">about</a></nav>
<article>
<p>The lighthouse keeper logs the beacon rotation every evening before dusk
settles over the harbor, checking the lens assembly for salt buildup and
noting the wind direction in the station ledger for the relief crew.</p>
<p>During the winter months the supply boat arrives only twice, so the
station stores dried provisions in the cellar below the oil room and rations
lamp oil carefully through the long stretches of fog and heavy weather.</p>
<p>Visitors in summer often ask about the foghorn schedule, and the keeper
explains that the horn sounds in a fixed pattern whenever visibility drops
below three nautical miles, a rhythm the local fishermen know by heart.</p>
</article>
</body></html>`

func TestFindURLs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"none", "just some chatter", nil},
		{"single", "see https://example.com/page", []string{"https://example.com/page"}},
		{
			"trailing punctuation stripped",
			"read https://example.com/a, then https://example.com/b.",
			[]string{"https://example.com/a", "https://example.com/b"},
		},
		{
			"duplicates collapsed",
			"https://example.com/x and again https://example.com/x",
			[]string{"https://example.com/x"},
		},
		{
			"http and https",
			"old http://example.org and new https://example.org",
			[]string{"http://example.org", "https://example.org"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := FindURLs(tc.content); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("FindURLs(%q) = %v, want %v", tc.content, got, tc.want)
			}
		})
	}
}

func TestSummarizeURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != userAgent {
			t.Errorf("User-Agent = %q, want %q", got, userAgent)
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	chat := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: "A keeper's routine at a remote lighthouse.",
			Usage:   llm.Usage{CompletionTokens: 9},
		},
	}
	e := New(chatStub{chat}, WithSummaryTokens(200))

	s, err := e.SummarizeURL(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("SummarizeURL: %v", err)
	}
	if s.Summary != "A keeper's routine at a remote lighthouse." {
		t.Errorf("summary = %q", s.Summary)
	}
	if s.Tokens != 9 {
		t.Errorf("tokens = %d, want 9", s.Tokens)
	}
	if s.URL != srv.URL {
		t.Errorf("url = %q, want %q", s.URL, srv.URL)
	}

	if len(chat.CompleteCalls) != 1 {
		t.Fatalf("complete calls = %d, want 1", len(chat.CompleteCalls))
	}
	req := chat.CompleteCalls[0]
	if req.SystemPrompt == "" {
		t.Error("system prompt not set")
	}
	if req.MaxTokens != 200 {
		t.Errorf("max tokens = %d, want 200", req.MaxTokens)
	}
}

func TestSummarizeURL_EmptyModelOutput(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	chat := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "   \n"}}
	e := New(chatStub{chat})

	if _, err := e.SummarizeURL(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for empty summary")
	}
}

func TestSummarizeAll_FailuresDropped(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	chat := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "summary"},
	}
	e := New(chatStub{chat})

	urls := []string{srv.URL + "/ok", srv.URL + "/missing", srv.URL + "/also-ok"}
	got := e.SummarizeAll(context.Background(), urls)

	if len(got) != 2 {
		t.Fatalf("summaries = %d, want 2", len(got))
	}
	if got[0].URL != urls[0] || got[1].URL != urls[2] {
		t.Errorf("summary order = [%s %s], want input order minus failure", got[0].URL, got[1].URL)
	}
}

func TestSummarizeAll_Empty(t *testing.T) {
	t.Parallel()

	e := New(chatStub{&llmmock.Provider{}})
	if got := e.SummarizeAll(context.Background(), nil); got != nil {
		t.Errorf("SummarizeAll(nil) = %v, want nil", got)
	}
}

func TestCaptionAll(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.png" {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 0x50, 0x4E, 0x47})
	}))
	defer srv.Close()

	cap := &visionmock.Captioner{
		CaptionResult: &vision.CaptionResult{Text: "a small png"},
	}
	e := New(chatStub{&llmmock.Provider{}}, WithCaptioner(cap))

	atts := []Attachment{
		{URL: srv.URL + "/a.png", ContentType: "image/png", Size: 4},
		{URL: srv.URL + "/notes.txt", ContentType: "text/plain", Size: 10},
		{URL: srv.URL + "/broken.png", ContentType: "image/png", Size: 4},
	}
	got := e.CaptionAll(context.Background(), atts)

	if len(got) != 1 || got[0] != "a small png" {
		t.Fatalf("captions = %v, want [a small png]", got)
	}
	if len(cap.CaptionCalls) != 1 {
		t.Errorf("caption calls = %d, want 1 (non-image skipped, broken dropped)", len(cap.CaptionCalls))
	}
}

func TestCaptionAll_NoCaptioner(t *testing.T) {
	t.Parallel()

	e := New(chatStub{&llmmock.Provider{}})
	atts := []Attachment{{URL: "https://example.com/a.png", ContentType: "image/png"}}
	if got := e.CaptionAll(context.Background(), atts); got != nil {
		t.Errorf("CaptionAll without captioner = %v, want nil", got)
	}
}

func TestCaptionAll_SizeCap(t *testing.T) {
	t.Parallel()

	cap := &visionmock.Captioner{CaptionResult: &vision.CaptionResult{Text: "x"}}
	e := New(chatStub{&llmmock.Provider{}}, WithCaptioner(cap))

	atts := []Attachment{{
		URL:         "https://example.com/huge.png",
		ContentType: "image/png",
		Size:        maxResponseBytes + 1,
	}}
	if got := e.CaptionAll(context.Background(), atts); len(got) != 0 {
		t.Errorf("oversized attachment produced captions: %v", got)
	}
	if len(cap.CaptionCalls) != 0 {
		t.Error("oversized attachment reached the captioner")
	}
}

func TestIsImage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ct   string
		want bool
	}{
		{"image/png", true},
		{"image/jpeg; charset=binary", true},
		{"text/plain", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := isImage(tc.ct); got != tc.want {
			t.Errorf("isImage(%q) = %v, want %v", tc.ct, got, tc.want)
		}
	}
}
