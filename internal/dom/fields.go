package dom

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xkilldash9x/autoapply/api/schemas"
)

// Field is a fillable form control found in a snapshot.
type Field struct {
	Selector string            `json:"selector"`
	Kind     schemas.FieldKind `json:"kind"`
	Label    string            `json:"label,omitempty"`
	Name     string            `json:"name,omitempty"`
	Required bool              `json:"required"`
}

// Control is a clickable element offered to the oracle as a candidate target.
type Control struct {
	Selector string `json:"selector"`
	Tag      string `json:"tag"`
	Text     string `json:"text"`
	Href     string `json:"href,omitempty"`
}

var (
	nonFillableInputTypes = map[string]bool{
		"hidden": true, "submit": true, "button": true, "image": true, "reset": true,
	}
	applyTextRegex  = regexp.MustCompile(`(?i)\b(apply|application|i'?m interested|easy apply|start applying)\b`)
	submitTextRegex = regexp.MustCompile(`(?i)^\s*(submit( application)?|apply( now)?|send( application)?|finish|complete application)\s*$`)
)

// Fields returns the visible fillable controls in document order.
func (p *Page) Fields() []Field {
	var fields []Field
	p.doc.Find("input, textarea, select").Each(func(_ int, s *goquery.Selection) {
		if !isFillable(s) || IsHidden(s) {
			return
		}
		fields = append(fields, Field{
			Selector: p.CSSPath(s),
			Kind:     fieldKind(s),
			Label:    p.fieldLabel(s),
			Name:     s.AttrOr("name", ""),
			Required: isRequired(s),
		})
	})
	return fields
}

// RequiredSelectors returns the selectors of fields the markup marks required.
func (p *Page) RequiredSelectors() []string {
	var out []string
	for _, f := range p.Fields() {
		if f.Required {
			out = append(out, f.Selector)
		}
	}
	return out
}

// InvalidFields returns the selectors of visible fields flagged
// aria-invalid="true".
func (p *Page) InvalidFields() []string {
	var out []string
	p.doc.Find(`input[aria-invalid="true"], textarea[aria-invalid="true"], select[aria-invalid="true"]`).Each(func(_ int, s *goquery.Selection) {
		if !IsHidden(s) {
			out = append(out, p.CSSPath(s))
		}
	})
	return out
}

// ApplyControls returns visible links and buttons whose text suggests an
// application entry point.
func (p *Page) ApplyControls(limit int) []Control {
	return p.controls(limit, func(s *goquery.Selection) bool {
		return applyTextRegex.MatchString(elementText(s)) || applyTextRegex.MatchString(s.AttrOr("href", ""))
	})
}

// SubmitControls returns candidate submit controls, strongest signal first:
// explicit submit types, then buttons whose text reads like a submit action.
func (p *Page) SubmitControls() []Control {
	seen := make(map[string]bool)
	var out []Control
	add := func(s *goquery.Selection) {
		if IsHidden(s) {
			return
		}
		sel := p.CSSPath(s)
		if seen[sel] {
			return
		}
		seen[sel] = true
		out = append(out, Control{Selector: sel, Tag: goquery.NodeName(s), Text: TruncateRunes(elementText(s), 80)})
	}

	p.doc.Find("form button[type=submit], form input[type=submit], button[type=submit], input[type=submit]").Each(func(_ int, s *goquery.Selection) { add(s) })
	p.doc.Find("form button:not([type])").Each(func(_ int, s *goquery.Selection) { add(s) })
	p.doc.Find("button, [role=button], a").Each(func(_ int, s *goquery.Selection) {
		if submitTextRegex.MatchString(elementText(s)) {
			add(s)
		}
	})
	return out
}

// Controls returns up to limit visible clickable elements with their text.
func (p *Page) Controls(limit int) []Control {
	return p.controls(limit, func(*goquery.Selection) bool { return true })
}

func (p *Page) controls(limit int, keep func(s *goquery.Selection) bool) []Control {
	var out []Control
	p.doc.Find("a[href], button, [role=button], input[type=submit], input[type=button]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		if IsHidden(s) || !keep(s) {
			return true
		}
		text := elementText(s)
		if text == "" {
			return true
		}
		out = append(out, Control{
			Selector: p.CSSPath(s),
			Tag:      goquery.NodeName(s),
			Text:     TruncateRunes(text, 80),
			Href:     s.AttrOr("href", ""),
		})
		return true
	})
	return out
}

func isFillable(s *goquery.Selection) bool {
	if _, disabled := s.Attr("disabled"); disabled {
		return false
	}
	if goquery.NodeName(s) != "input" {
		return true
	}
	return !nonFillableInputTypes[strings.ToLower(s.AttrOr("type", "text"))]
}

func isRequired(s *goquery.Selection) bool {
	if _, ok := s.Attr("required"); ok {
		return true
	}
	return strings.EqualFold(s.AttrOr("aria-required", ""), "true")
}

func fieldKind(s *goquery.Selection) schemas.FieldKind {
	switch goquery.NodeName(s) {
	case "select":
		return schemas.FieldSelect
	case "textarea":
		return schemas.FieldTextarea
	}

	switch strings.ToLower(s.AttrOr("type", "text")) {
	case "email":
		return schemas.FieldEmail
	case "tel":
		return schemas.FieldPhone
	case "file":
		return schemas.FieldFile
	case "url":
		return schemas.FieldURL
	case "date", "month":
		return schemas.FieldDate
	case "number":
		return schemas.FieldNumber
	case "checkbox", "radio":
		return schemas.FieldCheckbox
	}

	hint := strings.ToLower(s.AttrOr("name", "") + " " + s.AttrOr("autocomplete", "") + " " + s.AttrOr("id", ""))
	switch {
	case strings.Contains(hint, "email"):
		return schemas.FieldEmail
	case strings.Contains(hint, "phone") || strings.Contains(hint, "tel"):
		return schemas.FieldPhone
	}
	return schemas.FieldText
}

// fieldLabel resolves the human-readable label: <label for>, a wrapping
// <label>, aria-label, placeholder, then name.
func (p *Page) fieldLabel(s *goquery.Selection) string {
	if id := s.AttrOr("id", ""); id != "" {
		var label string
		p.doc.Find("label").EachWithBreak(func(_ int, l *goquery.Selection) bool {
			if l.AttrOr("for", "") == id {
				label = elementText(l)
				return false
			}
			return true
		})
		if label != "" {
			return label
		}
	}
	if wrap := s.Closest("label"); wrap.Length() > 0 {
		if text := strings.TrimSpace(wrap.Text()); text != "" {
			return strings.TrimSpace(whitespaceRegex.ReplaceAllString(text, " "))
		}
	}
	for _, attr := range []string{"aria-label", "placeholder", "name"} {
		if v := strings.TrimSpace(s.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}
