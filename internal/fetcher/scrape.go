package fetcher

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	maxContentLength = 50000
	maxHeadings      = 50
	minContentLength = 50
	truncationMarker = "…[truncated]"
)

// removedSelectors are stripped from the document before main-text
// extraction so navigation chrome never ends up in scraped content.
var removedSelectors = []string{"script", "style", "nav", "header", "footer", "aside", "noscript", "iframe", "form"}

// jsShellIDs are the root-element ids characteristic of a JS-rendered SPA
// that never hydrated: an empty <div id="root"> (or equivalent) is the
// entire visible body.
var jsShellIDs = []string{"root", "app", "__next"}

// contentKeywords mark a div as the likely main-content container when
// its class or id contains one of them, compared case-insensitively.
var contentKeywords = []string{"content", "main", "body"}

// ExtractTitle returns the document's <title>, falling back to its first
// <h1> if no title tag is present.
func ExtractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return ""
}

// ExtractHeadings returns every h1-h6 tagged with its level, e.g.
// "H1: Welcome", capped at maxHeadings.
func ExtractHeadings(doc *goquery.Document) []string {
	var headings []string
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		if len(headings) >= maxHeadings {
			return
		}
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return
		}
		tag := strings.ToUpper(goquery.NodeName(sel))
		headings = append(headings, tag+": "+text)
	})
	return headings
}

// ExtractMainText removes chrome elements, prefers a main/article/content
// container, falls back to the body, collapses whitespace, and truncates
// to maxContentLength.
func ExtractMainText(doc *goquery.Document) string {
	doc = cloneDoc(doc)
	for _, sel := range removedSelectors {
		doc.Find(sel).Remove()
	}

	text := findContentRoot(doc).Text()
	lines := strings.Split(text, "\n")
	var cleaned []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	result := strings.Join(cleaned, "\n")

	if len(result) > maxContentLength {
		result = result[:maxContentLength] + truncationMarker
	}
	return result
}

// findContentRoot locates the main content block: <main>, then <article>,
// then the first <div> whose class or id contains one of contentKeywords
// (attribute values lowercased first, so "MainContent" and "Page-Body"
// both qualify), then <body>, then the whole document.
func findContentRoot(doc *goquery.Document) *goquery.Selection {
	for _, tag := range []string{"main", "article"} {
		if found := doc.Find(tag).First(); found.Length() > 0 {
			return found
		}
	}

	var contentDiv *goquery.Selection
	doc.Find("div").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		class, _ := sel.Attr("class")
		id, _ := sel.Attr("id")
		haystack := strings.ToLower(class + " " + id)
		for _, kw := range contentKeywords {
			if strings.Contains(haystack, kw) {
				contentDiv = sel
				return false
			}
		}
		return true
	})
	if contentDiv != nil {
		return contentDiv
	}

	if body := doc.Find("body").First(); body.Length() > 0 {
		return body
	}
	return doc.Selection
}

// cloneDoc re-parses the document's HTML so destructive Remove() calls in
// ExtractMainText don't mutate a document shared with title/heading
// extraction.
func cloneDoc(doc *goquery.Document) *goquery.Document {
	html, err := doc.Html()
	if err != nil {
		return doc
	}
	clone, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return doc
	}
	return clone
}

// IsContentTooThin reports whether extracted main text falls below the
// minimum viable content length, the trigger for an empty_content failure.
func IsContentTooThin(mainText string) bool {
	return len(strings.TrimSpace(mainText)) < minContentLength
}

// IsJSBlocked reports whether thin content looks like an unhydrated
// JS-rendered shell: a body containing an empty root/app/__next element
// (the body's other children are not examined), or a <noscript> telling
// the visitor to enable JavaScript. Callers only consult this once IsContentTooThin is true.
func IsJSBlocked(doc *goquery.Document) bool {
	noscriptText := strings.ToLower(doc.Find("noscript").Text())
	if strings.Contains(noscriptText, "enable javascript") || strings.Contains(noscriptText, "javascript is required") {
		return true
	}

	body := doc.Find("body").First()
	if body.Length() == 0 {
		return false
	}
	for _, id := range jsShellIDs {
		shell := body.Find("#" + id).First()
		if shell.Length() == 0 {
			continue
		}
		if len(strings.TrimSpace(shell.Text())) == 0 {
			return true
		}
	}
	return false
}
