// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return pre-canned embedding vectors without a live model and
// to verify which texts were submitted for embedding.
package mock

import (
	"context"
	"sync"

	"github.com/feldrow/engram/pkg/provider/embeddings"
)

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider.
//
// Function fields, when set, take precedence over the static result fields so
// tests can script per-call behavior.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, if set, is called by Embed instead of returning the static
	// result fields.
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)

	// EmbedResult is returned by Embed when EmbedFunc is nil.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// EmbedBatchResult is returned by EmbedBatch. If nil, a slice of nil
	// slices matching the input length is returned.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// EmbedTexts records every text passed to Embed, in order.
	EmbedTexts []string

	// EmbedBatchCalls records a copy of every slice passed to EmbedBatch.
	EmbedBatchCalls [][]string
}

// Embed records the call and returns the scripted result.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedTexts = append(p.EmbedTexts, text)
	fn := p.EmbedFunc
	res, err := p.EmbedResult, p.EmbedErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, text)
	}
	return res, err
}

// EmbedBatch records the call and returns EmbedBatchResult, EmbedBatchErr.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, cp)
	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if p.EmbedBatchResult != nil {
		return p.EmbedBatchResult, nil
	}
	return make([][]float32, len(texts)), nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedTexts = nil
	p.EmbedBatchCalls = nil
}
