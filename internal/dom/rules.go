package dom

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DismissRule is one deterministic strategy for closing consent and
// promotional dialogs. Rules are tried in order.
type DismissRule struct {
	Name  string
	match func(p *Page) []*goquery.Selection
}

// Candidate is a clickable element proposed by a rule.
type Candidate struct {
	Rule     string `json:"rule"`
	Selector string `json:"selector"`
	Text     string `json:"text,omitempty"`
}

const clickableSelector = "button, a, [role=button], input[type=button], input[type=submit], span[onclick], div[onclick]"

// knownConsentSelectors target widely deployed consent managers directly.
var knownConsentSelectors = []string{
	"#onetrust-accept-btn-handler",
	"#accept-recommended-btn-handler",
	"#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll",
	"#CybotCookiebotDialogBodyButtonAccept",
	"#didomi-notice-agree-button",
	"#truste-consent-button",
	"#hs-eu-confirmation-button",
	".cc-allow",
	".cc-dismiss",
	".fc-cta-consent",
	"[data-testid='cookie-policy-manage-dialog-accept-button']",
	"[data-cookiebanner='accept_button']",
}

var (
	acceptTextRegex  = regexp.MustCompile(`(?i)^\s*(accept( all)?( cookies)?|i accept|agree|i agree|agree( and| &) (close|continue)|allow( all)?( cookies)?|got it|ok(ay)?|understood)\s*[.!]?\s*$`)
	dismissTextRegex = regexp.MustCompile(`(?i)^\s*(no,? thanks|no thank you|close|dismiss|not now|maybe later|skip|reject( all)?|decline|later)\s*[.!]?\s*$`)
	closeLabelRegex  = regexp.MustCompile(`(?i)\b(close|dismiss)\b`)
)

// closeGlyphs are the single-character close marks commonly rendered in a
// dialog corner.
var closeGlyphs = map[string]bool{"×": true, "✕": true, "✖": true, "╳": true, "x": true, "X": true}

// DefaultDismissRules returns the ordered rule set.
func DefaultDismissRules() []DismissRule {
	return []DismissRule{
		{Name: "known-consent-manager", match: matchKnownConsent},
		{Name: "accept-text", match: matchInDialogs(func(s *goquery.Selection) bool {
			return acceptTextRegex.MatchString(elementText(s))
		})},
		{Name: "dismiss-text", match: matchInDialogs(func(s *goquery.Selection) bool {
			return dismissTextRegex.MatchString(elementText(s))
		})},
		{Name: "close-glyph", match: matchInDialogs(func(s *goquery.Selection) bool {
			return closeGlyphs[strings.TrimSpace(s.Text())] && strings.TrimSpace(s.Text()) != ""
		})},
		{Name: "close-label", match: matchInDialogs(func(s *goquery.Selection) bool {
			return closeLabelRegex.MatchString(s.AttrOr("aria-label", "")) || closeLabelRegex.MatchString(s.AttrOr("title", ""))
		})},
	}
}

// DismissCandidates applies rules in order and returns every visible match,
// grouped by rule order. Duplicate selectors keep their first rule.
func (p *Page) DismissCandidates(rules []DismissRule) []Candidate {
	seen := make(map[string]bool)
	var out []Candidate
	for _, rule := range rules {
		for _, s := range rule.match(p) {
			if IsHidden(s) {
				continue
			}
			sel := p.CSSPath(s)
			if sel == "" || seen[sel] {
				continue
			}
			seen[sel] = true
			out = append(out, Candidate{Rule: rule.Name, Selector: sel, Text: TruncateRunes(elementText(s), 60)})
		}
	}
	return out
}

func matchKnownConsent(p *Page) []*goquery.Selection {
	var out []*goquery.Selection
	for _, sel := range knownConsentSelectors {
		p.doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			out = append(out, s)
		})
	}
	return out
}

// matchInDialogs restricts a text predicate to clickable elements inside
// dialog-shaped or consent containers, where a "close" is plausibly a dialog
// control and not part of the page.
func matchInDialogs(pred func(s *goquery.Selection) bool) func(p *Page) []*goquery.Selection {
	return func(p *Page) []*goquery.Selection {
		var out []*goquery.Selection
		p.doc.Find(clickableSelector).Each(func(_ int, s *goquery.Selection) {
			if !pred(s) || !insideDialog(s) {
				return
			}
			out = append(out, s)
		})
		return out
	}
}

// insideDialog reports whether s sits in a dismissable container. Controls
// anywhere inside an application dialog belong to the form and are never
// candidates.
func insideDialog(s *goquery.Selection) bool {
	found := false
	for cur := s.Parent(); cur.Length() > 0; cur = cur.Parent() {
		if goquery.NodeName(cur) == "body" {
			break
		}
		if overlayReason(cur) != "" {
			if isApplicationDialog(cur) {
				return false
			}
			found = true
			continue
		}
		marker := cur.AttrOr("id", "") + " " + cur.AttrOr("class", "")
		if consentKeywordRegex.MatchString(marker) {
			found = true
		}
	}
	return found
}
