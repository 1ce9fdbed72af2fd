// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider wraps a service that maps text strings to dense
// float32 vectors (e.g., a local Ollama embedding model or OpenAI
// text-embedding-3). The message pipeline uses these vectors to index server
// messages into the per-server vector collections, and the search tool uses
// them to embed queries at retrieval time.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All embedding vectors returned by a single Provider instance must share the
// same dimensionality (returned by Dimensions). Vectors from different
// providers or models must never be mixed inside one collection — the
// per-server embedding model is fixed at provisioning time for exactly this
// reason.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails or
	// ctx is cancelled.
	//
	// The input text is passed through verbatim; any model-specific prompt
	// formatting is the caller's responsibility.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of text strings in a
	// single provider call. The returned slice has the same length as texts
	// and the i-th element corresponds to texts[i].
	//
	// Returns an error if any single embedding fails or if ctx is cancelled.
	// Partial results are not returned — on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every embedding vector produced
	// by this provider. The value is determined by the underlying model and is
	// constant for the lifetime of the Provider instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier used for
	// embeddings (e.g., "nomic-embed-text", "text-embedding-3-small"). Stored
	// in the server config so collections stay bound to one model.
	ModelID() string
}
