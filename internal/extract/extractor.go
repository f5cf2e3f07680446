// Package extract is the page-extraction collaborator: URL in, readable
// text out. Concurrent requests for the same URL are collapsed into one
// fetch, since many rows frequently cite the same page.
package extract

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"
)

// Extractor is the collaborator contract the pipeline consumes.
type Extractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

const (
	// maxBodyBytes caps how much of a page gets read.
	maxBodyBytes = 512 * 1024
	// maxTextChars caps the extracted text handed to the prompt.
	maxTextChars = 8000
)

// HTTPExtractor fetches pages over plain HTTP and strips them to text.
type HTTPExtractor struct {
	httpClient *http.Client
	userAgent  string
	group      singleflight.Group
}

func NewHTTPExtractor() *HTTPExtractor {
	return &HTTPExtractor{
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		userAgent: "augmenta/1.0",
	}
}

// Extract downloads the URL and returns its visible text. In-flight
// fetches of the same URL are shared.
func (e *HTTPExtractor) Extract(ctx context.Context, url string) (string, error) {
	text, err, _ := e.group.Do(url, func() (any, error) {
		return e.fetch(ctx, url)
	})
	if err != nil {
		return "", err
	}
	return text.(string), nil
}

func (e *HTTPExtractor) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "text/plain") {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}

	text := StripHTML(string(body))
	if len(text) > maxTextChars {
		// Back off to a rune boundary so the cut never produces
		// invalid UTF-8 in the prompt.
		cut := maxTextChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text, nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript|head)\b.*?</(script|style|noscript|head)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	linesRe  = regexp.MustCompile(`\n{3,}`)
)

// StripHTML reduces an HTML document to its visible text: script/style
// blocks removed, tags dropped, entities decoded, whitespace collapsed.
func StripHTML(raw string) string {
	text := scriptRe.ReplaceAllString(raw, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = html.UnescapeString(text)
	text = spaceRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, strings.TrimSpace(line))
	}
	text = strings.Join(cleaned, "\n")
	text = linesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
