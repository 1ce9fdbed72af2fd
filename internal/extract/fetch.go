package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// userAgent identifies engram to the sites it fetches.
	userAgent = "engram/1.0 (+https://github.com/feldrow/engram)"

	// maxRedirects caps redirect chains.
	maxRedirects = 5

	// maxResponseBytes is the default cap on how much of any response body
	// is read.
	maxResponseBytes = 10 << 20 // 10 MiB

	// fetchTimeout is the default bound on one complete fetch including
	// redirects.
	fetchTimeout = 30 * time.Second
)

// newFetchClient builds the default HTTP client for page and image fetches.
func newFetchClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

// fetch retrieves url and returns at most e.maxBytes of its body.
func (e *Extractor) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("extract: build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("extract: fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("extract: read %s: %w", url, err)
	}
	return body, nil
}
