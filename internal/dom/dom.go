// Package dom analyzes DOM snapshots captured from browser sessions. It is
// purely static: it never talks to a browser and only reasons over HTML text.
package dom

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// truncationMarker is appended to excerpts that were cut to fit the budget.
const truncationMarker = "\n<!-- truncated -->"

var (
	whitespaceRegex = regexp.MustCompile(`\s+`)
	identRegex      = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

	// noiseSelector lists elements that never help the oracle and only cost tokens.
	noiseSelector = "script, style, noscript, template, svg, canvas, iframe[src*='doubleclick'], link, meta"
)

// Page is a parsed DOM snapshot.
type Page struct {
	doc *goquery.Document
}

// Parse parses a DOM snapshot.
func Parse(snapshot string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snapshot))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return &Page{doc: doc}, nil
}

// Document exposes the underlying goquery document.
func (p *Page) Document() *goquery.Document { return p.doc }

// Excerpt returns a compact rendering of the body with noise removed, cut to at
// most maxChars runes. The original page is not modified.
func (p *Page) Excerpt(maxChars int) string {
	clone := goquery.CloneDocument(p.doc)
	clone.Find(noiseSelector).Remove()
	removeComments(clone.Selection)
	clone.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		// Keep only the layout properties the overlay heuristic relies on.
		style := strings.ToLower(s.AttrOr("style", ""))
		if strings.Contains(style, "fixed") || strings.Contains(style, "z-index") || strings.Contains(style, "display") {
			return
		}
		s.RemoveAttr("style")
	})

	body := clone.Find("body")
	if body.Length() == 0 {
		body = clone.Selection
	}
	rendered, err := body.Html()
	if err != nil {
		rendered = body.Text()
	}
	rendered = strings.TrimSpace(whitespaceRegex.ReplaceAllString(rendered, " "))
	return TruncateRunes(rendered, maxChars)
}

// Excerpt parses snapshot and returns its excerpt. Unparseable input is
// truncated as plain text.
func Excerpt(snapshot string, maxChars int) string {
	p, err := Parse(snapshot)
	if err != nil {
		return TruncateRunes(snapshot, maxChars)
	}
	return p.Excerpt(maxChars)
}

// TruncateRunes cuts s to at most maxChars runes, marking the cut.
func TruncateRunes(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	keep := maxChars - utf8.RuneCountInString(truncationMarker)
	if keep <= 0 {
		return string(runes[:maxChars])
	}
	return string(runes[:keep]) + truncationMarker
}

func removeComments(s *goquery.Selection) {
	for _, n := range s.Nodes {
		stripCommentNodes(n)
	}
}

func stripCommentNodes(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode {
			n.RemoveChild(c)
		} else {
			stripCommentNodes(c)
		}
		c = next
	}
}

// CSSPath returns a selector that uniquely identifies the first node of s
// within the page: an id when one is usable, otherwise an nth-of-type chain.
func (p *Page) CSSPath(s *goquery.Selection) string {
	if s == nil || s.Length() == 0 {
		return ""
	}
	s = s.First()

	var parts []string
	for cur := s; cur.Length() > 0; cur = cur.Parent() {
		node := cur.Get(0)
		if node.Type != html.ElementNode {
			break
		}
		tag := goquery.NodeName(cur)
		if tag == "html" {
			break
		}
		if id, ok := cur.Attr("id"); ok && identRegex.MatchString(id) && p.doc.Find("#"+id).Length() == 1 {
			parts = append(parts, "#"+id)
			break
		}
		if tag == "body" {
			parts = append(parts, "body")
			break
		}
		index := cur.PrevAllFiltered(tag).Length() + 1
		parts = append(parts, fmt.Sprintf("%s:nth-of-type(%d)", tag, index))
	}

	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// Canonical rewrites selector into the CSSPath of the first element it
// matches, so selectors written differently for the same element compare
// equal. A selector that matches nothing is returned trimmed but unchanged.
func (p *Page) Canonical(selector string) string {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return ""
	}
	if path := p.CSSPath(p.doc.Find(selector)); path != "" {
		return path
	}
	return selector
}

// IsHidden reports whether the element or any ancestor is hidden by markup.
// Computed styles are not available in a snapshot, so only attributes and
// inline styles are considered.
func IsHidden(s *goquery.Selection) bool {
	for cur := s.First(); cur.Length() > 0; cur = cur.Parent() {
		if cur.Get(0).Type != html.ElementNode {
			break
		}
		if _, ok := cur.Attr("hidden"); ok {
			return true
		}
		if strings.EqualFold(cur.AttrOr("aria-hidden", ""), "true") {
			return true
		}
		if strings.EqualFold(goquery.NodeName(cur), "input") && strings.EqualFold(cur.AttrOr("type", ""), "hidden") {
			return true
		}
		style := normalizeStyle(cur.AttrOr("style", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	return false
}

// normalizeStyle lowercases an inline style and removes whitespace.
func normalizeStyle(style string) string {
	return strings.ToLower(whitespaceRegex.ReplaceAllString(style, ""))
}

// elementText returns the trimmed, whitespace-collapsed visible text of s,
// falling back to value, aria-label and title.
func elementText(s *goquery.Selection) string {
	text := strings.TrimSpace(whitespaceRegex.ReplaceAllString(s.Text(), " "))
	if text != "" {
		return text
	}
	for _, attr := range []string{"value", "aria-label", "title"} {
		if v := strings.TrimSpace(s.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}
