package dom

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MinOverlayZIndex is the z-index at or above which a fixed element is treated
// as dialog-shaped.
const MinOverlayZIndex = 1000

var (
	overlayKeywordRegex = regexp.MustCompile(`(?i)(modal|overlay|popup|pop-up|cookie|consent|gdpr|newsletter|subscribe|lightbox|interstitial|banner-privacy|onetrust|cookiebot|didomi)`)
	consentKeywordRegex = regexp.MustCompile(`(?i)(cookie|consent|gdpr|privacy|newsletter|subscribe|onetrust|cookiebot|didomi)`)
	zIndexRegex         = regexp.MustCompile(`z-index:(-?\d+)`)
)

// Overlay is a dialog-shaped element detected in a snapshot.
type Overlay struct {
	Selector string `json:"selector"`
	Reason   string `json:"reason"`
	Text     string `json:"text,omitempty"`
}

// Overlays returns the outermost visible dialog-shaped elements. Dialogs that
// hold an application form are not obstructions and are skipped unless they
// are plainly consent or newsletter prompts.
func (p *Page) Overlays() []Overlay {
	var found []*goquery.Selection
	var reasons []string

	p.doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		reason := overlayReason(s)
		if reason == "" || IsHidden(s) {
			return
		}
		for _, outer := range found {
			if outer.Contains(s.Get(0)) {
				return
			}
		}
		found = append(found, s)
		reasons = append(reasons, reason)
	})

	overlays := make([]Overlay, 0, len(found))
	for i, s := range found {
		if isApplicationDialog(s) {
			continue
		}
		overlays = append(overlays, Overlay{
			Selector: p.CSSPath(s),
			Reason:   reasons[i],
			Text:     TruncateRunes(elementText(s), 160),
		})
	}
	return overlays
}

// HasOverlay reports whether any obstruction is detected.
func (p *Page) HasOverlay() bool {
	return len(p.Overlays()) > 0
}

func overlayReason(s *goquery.Selection) string {
	tag := goquery.NodeName(s)
	role := strings.ToLower(s.AttrOr("role", ""))

	switch {
	case tag == "dialog":
		if _, open := s.Attr("open"); open {
			return "open <dialog>"
		}
		return ""
	case role == "dialog" || role == "alertdialog":
		return "role=" + role
	case strings.EqualFold(s.AttrOr("aria-modal", ""), "true"):
		return "aria-modal"
	}

	style := normalizeStyle(s.AttrOr("style", ""))
	if strings.Contains(style, "position:fixed") {
		if m := zIndexRegex.FindStringSubmatch(style); m != nil {
			if z, err := strconv.Atoi(m[1]); err == nil && z >= MinOverlayZIndex {
				return "fixed z-index " + m[1]
			}
		}
	}

	// Container keywords only count on block-level wrappers, not on the
	// buttons and links inside them.
	switch tag {
	case "div", "section", "aside", "form", "article":
	default:
		return ""
	}
	if overlayKeywordRegex.MatchString(s.AttrOr("id", "")) || overlayKeywordRegex.MatchString(s.AttrOr("class", "")) {
		return "overlay keyword"
	}
	return ""
}

// isApplicationDialog reports whether a dialog-shaped container is the
// application form itself. Consent and newsletter prompts never are, however
// many inputs they carry.
func isApplicationDialog(s *goquery.Selection) bool {
	marker := s.AttrOr("id", "") + " " + s.AttrOr("class", "") + " " + s.AttrOr("aria-label", "")
	return holdsApplicationForm(s) && !consentKeywordRegex.MatchString(marker)
}

// holdsApplicationForm reports whether s looks like it contains a real
// application form rather than a prompt.
func holdsApplicationForm(s *goquery.Selection) bool {
	if s.Find("input[type=file]").Length() > 0 {
		return true
	}
	fillable := 0
	s.Find("input, textarea, select").Each(func(_ int, f *goquery.Selection) {
		if isFillable(f) && !IsHidden(f) {
			fillable++
		}
	})
	return fillable >= 3
}
