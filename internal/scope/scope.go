// Package scope implements the per-KB ScopeFilter: domain and path-prefix
// boundary enforcement plus prefix auto-discovery.
package scope

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/kbcrawl/kbcrawl/internal/urlutil"
)

// Reason is why a candidate URL was rejected by the filter (empty on
// acceptance).
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonInvalidScheme  Reason = "invalid_scheme"
	ReasonMissingDomain  Reason = "missing_domain"
	ReasonParseError     Reason = "parse_error"
	ReasonDomainMismatch Reason = "domain_mismatch"
	ReasonOutOfScope     Reason = "path_out_of_scope"
)

// Stats are the running counters the original scraper exposed per KB.
type Stats struct {
	Checked           int
	Allowed           int
	RejectedDomain    int
	RejectedPath      int
	RejectedScheme    int
	RejectedMalformed int
}

// Filter is one KB's ScopeFilter: a base domain, subdomain policy, and an
// ordered list of allowed path prefixes. Safe for concurrent use; prefixes
// can grow at runtime via AddPrefix.
type Filter struct {
	mu              sync.RWMutex
	baseDomain      string
	allowSubdomains bool
	prefixes        []string // insertion order; "/" always moved last
	stats           Stats
}

// New constructs a Filter for a base domain (a bare host or full URL) and
// an initial set of path prefixes.
func New(baseDomain string, allowSubdomains bool, prefixes []string) *Filter {
	f := &Filter{
		baseDomain:      normalizeDomain(baseDomain),
		allowSubdomains: allowSubdomains,
	}
	for _, p := range prefixes {
		f.addPrefixLocked(p)
	}
	return f
}

func normalizeDomain(domain string) string {
	if strings.Contains(domain, "://") {
		if parsed, err := url.Parse(domain); err == nil {
			domain = parsed.Host
		}
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimPrefix(domain, "www.")
	return domain
}

// NormalizePrefix lowercases a path prefix, guarantees a leading slash,
// and strips a trailing slash; "" maps to "/".
func NormalizePrefix(prefix string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "/"
	}
	return strings.ToLower(prefix)
}

// addPrefixLocked appends a normalized prefix if not already present,
// keeping "/" last so it never shadows a more specific prefix (must be
// called with mu held for write, or during construction).
func (f *Filter) addPrefixLocked(prefix string) bool {
	norm := NormalizePrefix(prefix)
	for _, p := range f.prefixes {
		if p == norm {
			return false
		}
	}
	if norm == "/" {
		f.prefixes = append(f.prefixes, norm)
		return true
	}
	// Insert before a trailing "/" if present, else append.
	if n := len(f.prefixes); n > 0 && f.prefixes[n-1] == "/" {
		f.prefixes = append(f.prefixes[:n-1], norm, "/")
		return true
	}
	f.prefixes = append(f.prefixes, norm)
	return true
}

// AddPrefix adds a new allowed prefix at runtime (used by auto-discovery).
func (f *Filter) AddPrefix(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addPrefixLocked(prefix)
}

// Prefixes returns a snapshot of the current allowed prefix list.
func (f *Filter) Prefixes() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.prefixes))
	copy(out, f.prefixes)
	return out
}

func rootDomain(domain string) string {
	parts := strings.Split(domain, ".")
	if len(parts) <= 2 {
		return domain
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

func isSubdomainOf(domain, root string) bool {
	return domain == root || strings.HasSuffix(domain, "."+root)
}

func hostMatches(host, base string, allowSubdomains bool) bool {
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")
	if host == base {
		return true
	}
	if allowSubdomains && isSubdomainOf(host, rootDomain(base)) {
		return true
	}
	return false
}

// Check decides whether url (optionally relative to parent) is in scope.
// Returns (allowed, matchedPrefix, reason).
func (f *Filter) Check(rawURL string, parent string) (bool, string, Reason) {
	f.mu.Lock()
	f.stats.Checked++
	f.mu.Unlock()

	resolved := rawURL
	if parent != "" && !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") && !strings.HasPrefix(rawURL, "//") {
		var err error
		resolved, err = urlutil.ResolveRelative(parent, rawURL)
		if err != nil {
			f.reject(&f.stats.RejectedMalformed)
			return false, "", ReasonParseError
		}
	} else if strings.HasPrefix(rawURL, "//") {
		resolved = "https:" + rawURL
	}

	parsed, err := url.Parse(resolved)
	if err != nil {
		f.reject(&f.stats.RejectedMalformed)
		return false, "", ReasonParseError
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		f.reject(&f.stats.RejectedScheme)
		return false, "", ReasonInvalidScheme
	}
	if parsed.Host == "" {
		f.reject(&f.stats.RejectedMalformed)
		return false, "", ReasonMissingDomain
	}

	f.mu.RLock()
	base := f.baseDomain
	allowSub := f.allowSubdomains
	prefixes := make([]string, len(f.prefixes))
	copy(prefixes, f.prefixes)
	f.mu.RUnlock()

	if !hostMatches(parsed.Host, base, allowSub) {
		f.reject(&f.stats.RejectedDomain)
		return false, "", ReasonDomainMismatch
	}

	path := strings.ToLower(strings.TrimSuffix(parsed.Path, "/"))
	if path == "" {
		path = "/"
	}

	for _, prefix := range prefixes {
		if prefix == "/" {
			f.accept()
			return true, "/", ReasonNone
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			f.accept()
			return true, prefix, ReasonNone
		}
	}

	f.reject(&f.stats.RejectedPath)
	return false, "", ReasonOutOfScope
}

func (f *Filter) accept() {
	f.mu.Lock()
	f.stats.Allowed++
	f.mu.Unlock()
}

func (f *Filter) reject(counter *int) {
	f.mu.Lock()
	*counter++
	f.mu.Unlock()
}

// ClassifyDomain reports how rawURL's host relates to the filter's base
// domain: (true, false) for the base domain itself, (false, true) for a
// subdomain of its root, (false, false) otherwise. It does not touch the
// filter's counters; Check owns those.
func (f *Filter) ClassifyDomain(rawURL string) (sameDomain bool, subdomain bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false, false
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")

	f.mu.RLock()
	base := f.baseDomain
	f.mu.RUnlock()

	if host == base {
		return true, false
	}
	if isSubdomainOf(host, rootDomain(base)) {
		return false, true
	}
	return false, false
}

// Normalize returns the canonical form of url if and only if Check would
// allow it; otherwise it returns an error.
func (f *Filter) Normalize(rawURL, parent string) (string, error) {
	allowed, _, reason := f.Check(rawURL, parent)
	if !allowed {
		return "", fmt.Errorf("out of scope: %s", reason)
	}

	resolved := rawURL
	if parent != "" && !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") && !strings.HasPrefix(rawURL, "//") {
		var err error
		resolved, err = urlutil.ResolveRelative(parent, rawURL)
		if err != nil {
			return "", err
		}
	} else if strings.HasPrefix(rawURL, "//") {
		resolved = "https:" + rawURL
	}

	parsed, err := url.Parse(resolved)
	if err != nil {
		return "", err
	}

	// Host is lowercased so the visited-set key can't split on casing;
	// Check already compares hosts case-insensitively.
	normalized := fmt.Sprintf("%s://%s%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host), parsed.Path)
	if parsed.RawQuery != "" {
		normalized += "?" + parsed.RawQuery
	}
	return strings.TrimSuffix(normalized, "/"), nil
}

// DiscoverPrefixes scans urls for new first-path-segment prefixes under
// this filter's domain, returning any not already in the allowed list.
// It does not mutate the filter; callers add accepted prefixes via
// AddPrefix.
func (f *Filter) DiscoverPrefixes(urls []string) []string {
	f.mu.RLock()
	base := f.baseDomain
	allowSub := f.allowSubdomains
	existing := make(map[string]bool, len(f.prefixes))
	for _, p := range f.prefixes {
		existing[p] = true
	}
	f.mu.RUnlock()

	var discovered []string
	seen := map[string]bool{}
	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if !hostMatches(parsed.Host, base, allowSub) {
			continue
		}
		path := strings.ToLower(strings.Trim(parsed.Path, "/"))
		if path == "" {
			continue
		}
		segments := strings.Split(path, "/")
		prefix := "/" + segments[0]
		if !existing[prefix] && !seen[prefix] {
			seen[prefix] = true
			discovered = append(discovered, prefix)
		}
	}
	return discovered
}

// StatsSnapshot returns a copy of the filter's running counters.
func (f *Filter) StatsSnapshot() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats
}

// EntryPrefixes derives one normalized path prefix per entry URL, per the
// KBConfig data model: the URL's path, lowercased, trailing slash
// stripped, leading slash guaranteed, empty path mapped to "/". This is
// distinct from DiscoverPrefixes' first-path-segment rule, which only
// applies to prefixes inferred from observed links.
func EntryPrefixes(entryURLs []string) []string {
	seen := make(map[string]bool)
	var prefixes []string
	for _, raw := range entryURLs {
		parsed, err := url.Parse(raw)
		if err != nil {
			continue
		}
		p := NormalizePrefix(parsed.Path)
		if !seen[p] {
			seen[p] = true
			prefixes = append(prefixes, p)
		}
	}
	sort.Strings(prefixes)
	for i, p := range prefixes {
		if p == "/" && i != len(prefixes)-1 {
			prefixes = append(append(prefixes[:i], prefixes[i+1:]...), "/")
			break
		}
	}
	return prefixes
}

// Overlap describes a pairwise scope overlap between two KBs' initial
// prefix sets, surfaced as an advisory warning at job validation time.
type Overlap struct {
	KBID1, KBID2 string
	Description  string
}

// DetectOverlaps compares prefix lists pairwise across KBs, flagging
// identical and nested prefixes. It never causes rejection; it is purely
// advisory.
func DetectOverlaps(prefixesByKB map[string][]string) []Overlap {
	ids := make([]string, 0, len(prefixesByKB))
	for id := range prefixesByKB {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var overlaps []Overlap
	for i, id1 := range ids {
		for _, id2 := range ids[i+1:] {
			for _, p1 := range prefixesByKB[id1] {
				for _, p2 := range prefixesByKB[id2] {
					switch {
					case p1 == p2:
						overlaps = append(overlaps, Overlap{id1, id2, fmt.Sprintf("identical:%s", p1)})
					case strings.HasPrefix(p1, p2+"/"):
						overlaps = append(overlaps, Overlap{id1, id2, fmt.Sprintf("nested:%s under %s", p1, p2)})
					case strings.HasPrefix(p2, p1+"/"):
						overlaps = append(overlaps, Overlap{id1, id2, fmt.Sprintf("nested:%s under %s", p2, p1)})
					}
				}
			}
		}
	}
	return overlaps
}
