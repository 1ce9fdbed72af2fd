// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the agent runner sends correct
// CompletionRequests and to feed controlled responses without a live backend.
// Set CompleteFunc to script per-call behavior (e.g., a tool call on the
// first turn and a final answer on the second).
package mock

import (
	"context"
	"sync"

	"github.com/feldrow/engram/pkg/provider/llm"
	"github.com/feldrow/engram/pkg/types"
)

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

// Provider is a mock implementation of llm.Provider. Zero values for response
// fields cause methods to return zero values and nil errors; set the Err
// fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// CompleteFunc, if set, is called by Complete instead of returning the
	// static fields. The call is still recorded.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteResponse is returned by Complete when CompleteFunc is nil.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by StreamCompletion before it is closed.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of
	// opening a channel.
	StreamErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// CompleteCalls records every CompletionRequest passed to Complete.
	CompleteCalls []llm.CompletionRequest

	// StreamCalls records every CompletionRequest passed to StreamCompletion.
	StreamCalls []llm.CompletionRequest
}

// Complete records the call and returns the scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	fn := p.CompleteFunc
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// StreamCompletion records the call and returns a channel that emits
// StreamChunks then closes.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, req)
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// CountTokens returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TokenCount, p.CountTokensErr
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.StreamCalls = nil
}
