// Package mock provides a test double for the vision.Captioner interface.
package mock

import (
	"context"
	"sync"

	"github.com/feldrow/engram/pkg/provider/vision"
)

// Ensure Captioner implements vision.Captioner at compile time.
var _ vision.Captioner = (*Captioner)(nil)

// CaptionCall records a single invocation of Caption.
type CaptionCall struct {
	// ImageLen is the byte length of the image passed in (the bytes
	// themselves are not retained).
	ImageLen int
	// Prompt is the prompt passed to Caption.
	Prompt string
}

// Captioner is a mock implementation of vision.Captioner.
type Captioner struct {
	mu sync.Mutex

	// CaptionFunc, if set, is called by Caption instead of returning the
	// static fields.
	CaptionFunc func(ctx context.Context, image []byte, prompt string) (*vision.CaptionResult, error)

	// CaptionResult is returned by Caption when CaptionFunc is nil.
	CaptionResult *vision.CaptionResult

	// CaptionErr, if non-nil, is returned as the error from Caption.
	CaptionErr error

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// CaptionCalls records every invocation of Caption in order.
	CaptionCalls []CaptionCall
}

// Caption records the call and returns the scripted result.
func (c *Captioner) Caption(ctx context.Context, image []byte, prompt string) (*vision.CaptionResult, error) {
	c.mu.Lock()
	c.CaptionCalls = append(c.CaptionCalls, CaptionCall{ImageLen: len(image), Prompt: prompt})
	fn := c.CaptionFunc
	res, err := c.CaptionResult, c.CaptionErr
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, image, prompt)
	}
	return res, err
}

// ModelID returns ModelIDValue.
func (c *Captioner) ModelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ModelIDValue
}

// Reset clears all recorded calls.
func (c *Captioner) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CaptionCalls = nil
}
