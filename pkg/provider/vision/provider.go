// Package vision defines the Captioner interface for image description backends.
//
// A captioner turns raw image bytes into a short textual description. The
// message pipeline uses captions as part of the composite embedding text for
// messages that carry image attachments.
//
// Implementations must be safe for concurrent use.
package vision

import "context"

// CaptionResult holds the description produced for one image.
type CaptionResult struct {
	// Text is the generated description. Never empty on success.
	Text string

	// PromptTokens and CompletionTokens carry token accounting when the
	// backend reports it; zero otherwise.
	PromptTokens     int
	CompletionTokens int
}

// Captioner is the abstraction over any image-description backend.
type Captioner interface {
	// Caption describes the given image. prompt steers the description (e.g.,
	// "Describe this image in one or two sentences."); implementations may
	// substitute a default when it is empty.
	//
	// Returns an error if the backend fails, the image is rejected, or ctx is
	// cancelled.
	Caption(ctx context.Context, image []byte, prompt string) (*CaptionResult, error)

	// ModelID returns the backend-specific model identifier, for logging.
	ModelID() string
}
