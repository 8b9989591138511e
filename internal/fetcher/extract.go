package fetcher

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/kbcrawl/kbcrawl/internal/urlutil"
)

// ExtractLinks parses HTML from body and returns a deduplicated list of
// absolute, normalized http(s) URLs referenced by anchor tags.
func ExtractLinks(body io.Reader, baseURL *url.URL) ([]string, error) {
	tokenizer := html.NewTokenizer(body)
	seen := make(map[string]bool)
	var links []string
	var errs []error

	for {
		tokenType := tokenizer.Next()
		switch tokenType {
		case html.ErrorToken:
			if len(errs) > 0 {
				return links, fmt.Errorf("encountered %d link parse errors (first: %w)", len(errs), errs[0])
			}
			return links, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			if token.Data != "a" {
				continue
			}
			for _, attr := range token.Attr {
				if attr.Key != "href" {
					continue
				}
				href := strings.TrimSpace(attr.Val)
				if href == "" || isIgnoredHrefScheme(href) {
					continue
				}

				hrefURL, err := url.Parse(href)
				if err != nil {
					errs = append(errs, fmt.Errorf("parse href %q: %w", href, err))
					continue
				}
				resolved := baseURL.ResolveReference(hrefURL)
				resolvedStr := resolved.String()

				if !urlutil.IsHTTPScheme(resolvedStr) {
					continue
				}

				normalized, err := urlutil.Normalize(resolvedStr)
				if err != nil {
					errs = append(errs, fmt.Errorf("normalize URL %q: %w", resolvedStr, err))
					continue
				}

				if !seen[normalized] {
					seen[normalized] = true
					links = append(links, normalized)
				}
			}
		}
	}
}

// isIgnoredHrefScheme matches the scraper's anchor filter: javascript:,
// mailto:, tel:, # fragments, and data: URIs are never crawl candidates.
func isIgnoredHrefScheme(href string) bool {
	lower := strings.ToLower(href)
	switch {
	case strings.HasPrefix(lower, "javascript:"):
		return true
	case strings.HasPrefix(lower, "mailto:"):
		return true
	case strings.HasPrefix(lower, "tel:"):
		return true
	case strings.HasPrefix(href, "#"):
		return true
	case strings.HasPrefix(lower, "data:"):
		return true
	}
	return false
}

// isBinaryContentType reports whether a Content-Type header indicates a
// file whose body should not be parsed for links or text.
func isBinaryContentType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = strings.TrimSpace(contentType[:idx])
	}

	switch {
	case strings.HasPrefix(contentType, "image/"),
		strings.HasPrefix(contentType, "video/"),
		strings.HasPrefix(contentType, "audio/"),
		strings.HasPrefix(contentType, "font/"):
		return true
	}

	binaryTypes := []string{
		"application/pdf",
		"application/zip",
		"application/x-zip-compressed",
		"application/gzip",
		"application/vnd.rar",
		"application/x-7z-compressed",
		"application/octet-stream",
	}
	for _, bt := range binaryTypes {
		if contentType == bt {
			return true
		}
	}
	return false
}
