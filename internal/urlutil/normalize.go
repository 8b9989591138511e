// Package urlutil provides small, stateless URL helpers shared by the
// scope filter, fetcher, and link extraction.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// Normalize returns the canonical form of rawURL used for visited-set and
// link dedup across the crawl engine: scheme://host/path[?query], with
// scheme and host lowercased, the fragment dropped, and the path's
// trailing slash removed except at the root. The URL must be absolute.
func Normalize(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("normalize %q: %w", rawURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("normalize %q: not an absolute URL", rawURL)
	}

	path := parsed.EscapedPath()
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	var b strings.Builder
	b.WriteString(strings.ToLower(parsed.Scheme))
	b.WriteString("://")
	b.WriteString(strings.ToLower(parsed.Host))
	b.WriteString(path)
	if parsed.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(parsed.RawQuery)
	}
	return b.String(), nil
}

// ResolveRelative resolves ref against parent. Protocol-relative refs
// ("//host/path") are resolved as https.
func ResolveRelative(parent, ref string) (string, error) {
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}
	baseURL, err := url.Parse(parent)
	if err != nil {
		return "", fmt.Errorf("parse parent URL %q: %w", parent, err)
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse ref URL %q: %w", ref, err)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
