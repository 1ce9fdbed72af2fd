package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"codeberg.org/readeck/go-readability/v2"
	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
)

// cleanHTML reduces a raw page to readable markdown: readability extraction
// of the main content, HTML to markdown conversion, whitespace collapse.
func cleanHTML(page []byte, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("extract: parse url %s: %w", pageURL, err)
	}

	article, err := readability.FromReader(bytes.NewReader(page), parsed)
	if err != nil {
		return "", fmt.Errorf("extract: readability %s: %w", pageURL, err)
	}

	var html bytes.Buffer
	if err := article.RenderHTML(&html); err != nil {
		return "", fmt.Errorf("extract: render %s: %w", pageURL, err)
	}

	md, err := htmltomarkdown.ConvertString(
		html.String(),
		converter.WithDomain(pageURL),
	)
	if err != nil {
		return "", fmt.Errorf("extract: markdown %s: %w", pageURL, err)
	}

	md = collapseWhitespace(md)
	if md == "" {
		return "", fmt.Errorf("extract: no readable content at %s", pageURL)
	}

	if title := strings.TrimSpace(article.Title()); title != "" {
		md = "# " + title + "\n\n" + md
	}
	return md, nil
}

// collapseWhitespace trims trailing space per line and limits blank runs to
// one empty line.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			blanks++
			if blanks > 1 {
				continue
			}
			out = append(out, "")
			continue
		}
		blanks = 0
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
