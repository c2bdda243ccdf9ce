// Package source fetches documents and discovers related items referenced in
// their text.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/docdigest-service/internal/config"
	"github.com/helixir/docdigest-service/internal/domain"
	"github.com/helixir/docdigest-service/internal/observability"
)

// Fetcher retrieves a document's title and text.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (domain.Document, error)
}

// Compile-time interface verification.
var _ Fetcher = (*HTTPFetcher)(nil)

var (
	// titleRe extracts an HTML document title.
	titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

	// tagRe strips markup when the fetched body is HTML.
	tagRe = regexp.MustCompile(`(?s)<[^>]*>`)

	// linkRe finds absolute http(s) URLs in document text.
	linkRe = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

	// blankRunRe collapses runs of three or more newlines.
	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

// HTTPFetcher fetches documents over HTTP. It is safe for concurrent use.
type HTTPFetcher struct {
	client *http.Client
	cfg    config.SourceConfig
	logger zerolog.Logger
}

// NewHTTPFetcher creates a fetcher from configuration.
func NewHTTPFetcher(cfg config.SourceConfig, logger zerolog.Logger) *HTTPFetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxDocumentBytes == 0 {
		cfg.MaxDocumentBytes = 10 * 1024 * 1024
	}
	return &HTTPFetcher{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger.With().Str("component", "source").Logger(),
	}
}

// Fetch retrieves the document at rawURL and returns its sanitized text.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (domain.Document, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return domain.Document{}, domain.NewValidationError("url", "url must be absolute http(s)")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.Document{}, fmt.Errorf("build fetch request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return domain.Document{}, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.Document{}, domain.NewNotFoundError("document", rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Document{}, fmt.Errorf("fetch %s: server returned status %d", rawURL, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxDocumentBytes))
	if err != nil {
		return domain.Document{}, fmt.Errorf("read document body: %w", err)
	}

	body := string(raw)
	title := ""
	if m := titleRe.FindStringSubmatch(body); m != nil {
		title = strings.TrimSpace(m[1])
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		body = tagRe.ReplaceAllString(body, " ")
	}

	if title == "" {
		title = parsed.Host + parsed.Path
	}

	return domain.Document{
		Title: title,
		Text:  Sanitize(body, nil),
	}, nil
}

// Sanitize flattens document text: control characters are stripped, carriage
// returns normalized, and blank-line runs collapsed. Non-fatal oddities are
// reported to the recorder when one is provided.
func Sanitize(text string, rec *observability.IssueRecorder) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	stripped := 0
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r == '\r':
			// Lone carriage returns are classic-Mac line endings.
			b.WriteRune('\n')
		case r < 0x20 || r == 0x7f:
			stripped++
		default:
			b.WriteRune(r)
		}
	}
	if stripped > 0 && rec != nil {
		rec.Record("sanitize", fmt.Sprintf("stripped %d control characters", stripped))
	}

	out := blankRunRe.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out)
}

// DiscoverRelated scans document text for absolute links and returns at most
// max related items, in order of first appearance, duplicates removed. The
// document's own URL is excluded.
func DiscoverRelated(text, selfURL string, max int) []domain.RelatedItem {
	if max <= 0 {
		return nil
	}

	seen := make(map[string]bool)
	var items []domain.RelatedItem
	for _, raw := range linkRe.FindAllString(text, -1) {
		link := strings.TrimRight(raw, ".,;:")
		if link == selfURL || seen[link] {
			continue
		}
		seen[link] = true

		items = append(items, domain.RelatedItem{
			ItemID:     uuid.NewString(),
			SourceKind: classifyLink(link),
			URL:        link,
			Title:      linkTitle(link),
		})
		if len(items) >= max {
			break
		}
	}
	return items
}

// classifyLink names the origin of a linked resource by its path suffix.
func classifyLink(link string) string {
	lower := strings.ToLower(link)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return "pdf"
	case strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".txt"):
		return "text"
	default:
		return "link"
	}
}

// linkTitle derives a short human-readable label from a URL.
func linkTitle(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return link
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	last := segments[len(segments)-1]
	if last == "" {
		return parsed.Host
	}
	return last
}
