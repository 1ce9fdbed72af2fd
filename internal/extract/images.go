package extract

import (
	"context"
	"fmt"
	"strings"
)

// captionPrompt steers the vision model toward index-friendly descriptions.
const captionPrompt = "Describe this image in one or two factual sentences."

// isImage reports whether the attachment content type is an image the vision
// endpoint can handle.
func isImage(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.HasPrefix(strings.TrimSpace(mediaType), "image/")
}

// captionAttachment downloads one image attachment and captions it. The
// declared size is checked before the download; the fetch itself re-enforces
// the byte cap regardless of what the attachment claims.
func (e *Extractor) captionAttachment(ctx context.Context, att Attachment) (string, error) {
	if int64(att.Size) > e.maxBytes {
		return "", fmt.Errorf("extract: attachment %s exceeds size cap (%d bytes)", att.URL, att.Size)
	}

	image, err := e.fetch(ctx, att.URL)
	if err != nil {
		return "", err
	}

	res, err := e.captioner.Caption(ctx, image, captionPrompt)
	if err != nil {
		return "", fmt.Errorf("extract: caption %s: %w", att.URL, err)
	}

	caption := strings.TrimSpace(res.Text)
	if caption == "" {
		return "", fmt.Errorf("extract: empty caption for %s", att.URL)
	}
	return caption, nil
}
