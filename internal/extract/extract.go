// Package extract loads source material into documents ready for indexing.
// It reads local text files and fetches plain-text URLs, attaching
// best-effort metadata (title, format, source) so retrieved chunks can be
// traced back to where they came from. Explicit caller-supplied metadata
// always wins over inferred values.
package extract

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quilora/quilora-go/internal/rag"
)

// Config holds loader settings.
type Config struct {
	// HTTPTimeout is the timeout for each URL fetch. Defaults to 30s.
	HTTPTimeout time.Duration

	// UserAgent is the HTTP User-Agent header sent with fetch requests.
	UserAgent string
}

// Loader turns files and URLs into rag.Document values.
type Loader struct {
	httpClient *http.Client
	userAgent  string
}

// NewLoader constructs a Loader.
func NewLoader(cfg *Config) *Loader {
	if cfg == nil {
		cfg = &Config{}
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "quilora-go/1.0 (document indexing)"
	}
	return &Loader{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  ua,
	}
}

// FromFile reads a local text file into a document. The document ID is
// derived from the absolute path so re-running the same file replaces its
// previous chunks.
func (l *Loader) FromFile(path string) (rag.Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return rag.Document{}, fmt.Errorf("extract: resolve %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return rag.Document{}, fmt.Errorf("extract: read %s: %w", path, err)
	}
	return rag.Document{
		ID:   DocumentID(abs),
		Text: string(data),
		Metadata: map[string]string{
			"title":  inferTitle(abs),
			"format": inferFormat(abs),
			"source": abs,
		},
	}, nil
}

// FromURL fetches a plain-text URL into a document. The document ID is
// derived from the URL so re-fetching replaces the previous chunks.
func (l *Loader) FromURL(ctx context.Context, rawURL string) (rag.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return rag.Document{}, fmt.Errorf("extract: creating request: %w", err)
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "text/plain, text/markdown, text/html")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return rag.Document{}, fmt.Errorf("extract: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rag.Document{}, fmt.Errorf("extract: unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return rag.Document{}, fmt.Errorf("extract: reading body: %w", err)
	}

	return rag.Document{
		ID:   DocumentID(rawURL),
		Text: string(body),
		Metadata: map[string]string{
			"title":  inferTitle(rawURL),
			"format": formatFromContentType(resp.Header.Get("Content-Type"), rawURL),
			"source": rawURL,
		},
	}, nil
}

// DocumentID derives a stable document ID from a source path or URL.
func DocumentID(source string) string {
	h := sha256.Sum256([]byte(source))
	return fmt.Sprintf("%x", h[:16])
}

// inferTitle returns the last path segment of a file path or URL, without
// its extension.
func inferTitle(source string) string {
	base := filepath.Base(source)
	if u, err := url.Parse(source); err == nil && u.Path != "" && u.Host != "" {
		base = filepath.Base(u.Path)
	}
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." || base == "/" {
		return source
	}
	return base
}

// inferFormat classifies a file by extension.
func inferFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "markdown"
	case ".html", ".htm":
		return "html"
	default:
		return "text"
	}
}

// formatFromContentType prefers the response Content-Type, falling back to
// the URL's extension.
func formatFromContentType(contentType, rawURL string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "markdown"):
		return "markdown"
	case strings.Contains(ct, "html"):
		return "html"
	case strings.Contains(ct, "text/plain"):
		return "text"
	}
	return inferFormat(rawURL)
}
