package extract

import (
	"context"
	"errors"
	"strings"

	"github.com/feldrow/engram/pkg/provider/llm"
	"github.com/feldrow/engram/pkg/types"
)

// summarySystemPrompt steers the model toward short factual page digests.
const summarySystemPrompt = "You summarize web pages for a search index. " +
	"Given the markdown content of one page, reply with a concise factual " +
	"summary of its main points in at most three sentences. Reply with the " +
	"summary only, no preamble."

// maxSummaryInputChars caps how much page markdown is handed to the model.
// Pages near the fetch size cap would otherwise blow the context window.
const maxSummaryInputChars = 16000

// summarize condenses page markdown into one bounded summary. Returns the
// summary text and the completion token count when the backend reports one.
func (e *Extractor) summarize(ctx context.Context, markdown string) (string, int, error) {
	if len(markdown) > maxSummaryInputChars {
		markdown = truncateAtBoundary(markdown, maxSummaryInputChars)
	}

	resp, err := e.chat.Chat(ctx, llm.CompletionRequest{
		SystemPrompt: summarySystemPrompt,
		Messages: []types.Message{
			{Role: "user", Content: markdown},
		},
		MaxTokens: e.summaryTokens,
	})
	if err != nil {
		return "", 0, err
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", 0, errors.New("extract: model returned an empty summary")
	}
	return summary, resp.Usage.CompletionTokens, nil
}

// truncateAtBoundary cuts s to at most maxLen bytes, preferring a paragraph
// break and falling back to a word break.
func truncateAtBoundary(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := s[:maxLen]
	if idx := strings.LastIndex(cut, "\n\n"); idx > maxLen/2 {
		return cut[:idx]
	}
	if idx := strings.LastIndex(cut, " "); idx > maxLen/2 {
		return cut[:idx]
	}
	return cut
}
