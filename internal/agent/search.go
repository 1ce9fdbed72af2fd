package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/feldrow/engram/internal/observe"
	"github.com/feldrow/engram/internal/serverconfig"
	"github.com/feldrow/engram/pkg/store"
	"github.com/feldrow/engram/pkg/types"
)

const (
	// SearchToolName is the builtin tool every executor offers the model.
	SearchToolName = "search_messages"

	// searchK is how many nearest neighbours one search retrieves.
	searchK = 5

	// relevanceCutoff drops hits whose relevance (1 − cosine distance)
	// falls below it.
	relevanceCutoff = 0.1

	// maxHitContentChars bounds how much of a message each hit shows.
	maxHitContentChars = 800

	// noResultsText is the fixed tool output when nothing clears the cutoff.
	noResultsText = "No matching messages found in this server's history."
)

// searchArgs is the JSON argument payload of a search_messages call. The
// model only ever sets query; server_id is injected by the executor so the
// shared builtin knows which collection to search.
type searchArgs struct {
	Query    string `json:"query"`
	ServerID string `json:"server_id,omitempty"`
}

// searchToolDefinition is the schema offered to the model. server_id is
// deliberately absent: the model must not choose the collection.
func searchToolDefinition() types.ToolDefinition {
	return types.ToolDefinition{
		Name: SearchToolName,
		Description: "Search the indexed message history of this Discord " +
			"server by meaning. Returns the most relevant messages with " +
			"author, channel, timestamp, and a relevance score.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for, as a natural-language phrase.",
				},
			},
			"required": []string{"query"},
		},
	}
}

// searchHandler returns the builtin handler backing search_messages.
func searchHandler(gw Gateway, vectors store.VectorStore, registry *serverconfig.Registry, metrics *observe.Metrics) func(ctx context.Context, args string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var in searchArgs
		if err := json.Unmarshal([]byte(args), &in); err != nil {
			return "", fmt.Errorf("agent: invalid search arguments: %w", err)
		}
		if strings.TrimSpace(in.Query) == "" {
			return "", fmt.Errorf("agent: search query must not be empty")
		}
		if in.ServerID == "" {
			return "", fmt.Errorf("agent: search is not bound to a server")
		}

		cfg := registry.Get(in.ServerID)
		if cfg == nil {
			return "", fmt.Errorf("agent: server %s is not configured", in.ServerID)
		}

		vector, err := gw.Embed(ctx, cfg.EmbeddingModelID, in.Query)
		if err != nil {
			return "", fmt.Errorf("agent: embed query: %w", err)
		}

		start := time.Now()
		hits, err := vectors.Search(ctx, in.ServerID, vector, searchK)
		metrics.SearchDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			return "", fmt.Errorf("agent: search: %w", err)
		}

		return formatHits(hits), nil
	}
}

// formatHits renders search hits as a human-readable block per hit, dropping
// everything below the relevance cutoff.
func formatHits(hits []store.Hit) string {
	var blocks []string
	for _, hit := range hits {
		relevance := 1 - hit.Distance
		if relevance < relevanceCutoff {
			continue
		}

		content := hit.Document.Content
		if len(content) > maxHitContentChars {
			cut := maxHitContentChars
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut] + "…"
		}

		meta := hit.Document.Metadata
		blocks = append(blocks, fmt.Sprintf(
			"%s in #%s (%s) — relevance %.2f\n%s",
			displayName(meta),
			meta[store.MetaChannelName],
			meta[store.MetaTimestamp],
			relevance,
			content,
		))
	}

	if len(blocks) == 0 {
		return noResultsText
	}
	return strings.Join(blocks, "\n\n")
}

// displayName picks the friendliest available author name:
// display name, then global name, then nick, then username.
func displayName(meta store.Metadata) string {
	for _, key := range []string{
		store.MetaAuthorDisplayName,
		store.MetaAuthorGlobalName,
		store.MetaAuthorNick,
		store.MetaAuthorName,
	} {
		if name := meta[key]; name != "" {
			return name
		}
	}
	return "unknown"
}
