package fetcher

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatalf("parse HTML: %v", err)
	}
	return doc
}

func TestExtractTitle_PrefersTitleTag(t *testing.T) {
	doc := mustDoc(t, `<html><head><title>  My Page  </title></head><body><h1>Heading</h1></body></html>`)
	if got := ExtractTitle(doc); got != "My Page" {
		t.Errorf("ExtractTitle() = %q, want %q", got, "My Page")
	}
}

func TestExtractTitle_FallsBackToH1(t *testing.T) {
	doc := mustDoc(t, `<html><body><h1>Only Heading</h1></body></html>`)
	if got := ExtractTitle(doc); got != "Only Heading" {
		t.Errorf("ExtractTitle() = %q, want fallback to h1", got)
	}
}

func TestExtractTitle_EmptyWhenNeitherPresent(t *testing.T) {
	doc := mustDoc(t, `<html><body><p>No title or heading</p></body></html>`)
	if got := ExtractTitle(doc); got != "" {
		t.Errorf("ExtractTitle() = %q, want empty", got)
	}
}

func TestExtractHeadings_OrderedAndTagged(t *testing.T) {
	doc := mustDoc(t, `<html><body><h1>Top</h1><h2>Sub</h2><h3>Deep</h3></body></html>`)
	got := ExtractHeadings(doc)
	want := []string{"H1: Top", "H2: Sub", "H3: Deep"}
	if len(got) != len(want) {
		t.Fatalf("ExtractHeadings() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("heading[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractHeadings_CapAt50(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for i := 0; i < 60; i++ {
		sb.WriteString("<h2>Heading</h2>")
	}
	sb.WriteString("</body></html>")
	doc := mustDoc(t, sb.String())
	if got := ExtractHeadings(doc); len(got) != maxHeadings {
		t.Errorf("ExtractHeadings() returned %d headings, want capped at %d", len(got), maxHeadings)
	}
}

func TestExtractMainText_PrefersMainOverBody(t *testing.T) {
	doc := mustDoc(t, `<html><body><nav>Nav chrome</nav><main>Real content here</main><footer>Footer chrome</footer></body></html>`)
	got := ExtractMainText(doc)
	if !strings.Contains(got, "Real content here") {
		t.Errorf("ExtractMainText() = %q, want main content", got)
	}
	if strings.Contains(got, "Nav chrome") || strings.Contains(got, "Footer chrome") {
		t.Errorf("ExtractMainText() = %q, should not contain nav/footer chrome", got)
	}
}

func TestExtractMainText_FallsBackToContentClassDiv(t *testing.T) {
	doc := mustDoc(t, `<html><body><div class="site-content">Article body text</div></body></html>`)
	got := ExtractMainText(doc)
	if !strings.Contains(got, "Article body text") {
		t.Errorf("ExtractMainText() = %q, want content-class div picked up", got)
	}
}

func TestExtractMainText_MatchesMixedCaseClass(t *testing.T) {
	doc := mustDoc(t, `<html><body><div class="MainContent">Article body text</div><div>Sidebar noise</div></body></html>`)
	got := ExtractMainText(doc)
	if !strings.Contains(got, "Article body text") {
		t.Errorf("ExtractMainText() = %q, want mixed-case content class matched", got)
	}
	if strings.Contains(got, "Sidebar noise") {
		t.Errorf("ExtractMainText() = %q, should be scoped to the content div", got)
	}
}

func TestExtractMainText_MatchesContentID(t *testing.T) {
	doc := mustDoc(t, `<html><body><div id="page-Body">Article body text</div><div>Sidebar noise</div></body></html>`)
	got := ExtractMainText(doc)
	if !strings.Contains(got, "Article body text") {
		t.Errorf("ExtractMainText() = %q, want id-based content match", got)
	}
	if strings.Contains(got, "Sidebar noise") {
		t.Errorf("ExtractMainText() = %q, should be scoped to the content div", got)
	}
}

func TestExtractMainText_TruncatesAt50000(t *testing.T) {
	doc := mustDoc(t, `<html><body><main>`+strings.Repeat("x", 60000)+`</main></body></html>`)
	got := ExtractMainText(doc)
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("ExtractMainText() did not end with truncation marker")
	}
	if len(got) != maxContentLength+len(truncationMarker) {
		t.Errorf("ExtractMainText() length = %d, want %d", len(got), maxContentLength+len(truncationMarker))
	}
}

func TestIsContentTooThin(t *testing.T) {
	if !IsContentTooThin("short") {
		t.Error("expected short text to be classified as too thin")
	}
	if IsContentTooThin(strings.Repeat("word ", 20)) {
		t.Error("expected long text to not be classified as too thin")
	}
}

func TestIsJSBlocked_EmptyRootDiv(t *testing.T) {
	doc := mustDoc(t, `<html><body><div id="root"></div></body></html>`)
	if !IsJSBlocked(doc) {
		t.Error("expected empty #root div to be classified as JS-blocked")
	}
}

func TestIsJSBlocked_NoscriptHint(t *testing.T) {
	doc := mustDoc(t, `<html><body><noscript>You need to enable JavaScript to run this app.</noscript></body></html>`)
	if !IsJSBlocked(doc) {
		t.Error("expected noscript JS hint to be classified as JS-blocked")
	}
}

func TestIsJSBlocked_FalseForOrdinaryContent(t *testing.T) {
	doc := mustDoc(t, `<html><body><div id="root"><p>Server-rendered content</p></div></body></html>`)
	if IsJSBlocked(doc) {
		t.Error("expected non-empty #root content to not be classified as JS-blocked")
	}
}
