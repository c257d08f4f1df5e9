package oracle

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/llmutil"
)

const systemPrompt = `You analyze screenshots and HTML excerpts of job posting pages for an automated application agent.
Answer with exactly one JSON object and nothing else. Use this shape:
{
  "obstruction_present": bool,
  "obstruction_selector": string,
  "action": "CLICK" | "FILL" | "NONE",
  "target_found": bool,
  "target_selector": string,
  "target_url": string,
  "confidence": number between 0 and 1,
  "rationale": short string,
  "fields": [ { "selector": string, "kind": "text|email|phone|select|file|textarea|checkbox|url|date|number|other",
                "label": string, "profile_attribute": string, "value": string, "required": bool, "confidence": number } ]
}
"action" and "confidence" are always required. Selectors must be CSS selectors that exist in the provided HTML.
Prefer selectors from the candidate lists when one fits. If unsure, answer "NONE" with a low confidence.`

var goalInstructions = map[schemas.Goal]string{
	schemas.GoalFindObstruction: `Goal: FIND_OBSTRUCTION.
Decide whether a cookie banner, newsletter popup, modal or other overlay blocks the page content.
If one does, set obstruction_present=true, action="CLICK" and obstruction_selector to the control that dismisses it
(prefer "accept", "close", "no thanks"). Never choose a control that submits personal data or navigates away.`,

	schemas.GoalFindApplyTarget: `Goal: FIND_APPLY_TARGET.
Decide whether this page offers a way to apply for the job. If it does, set target_found=true, action="CLICK",
target_selector to the apply control and target_url to its destination when it is a link.
A page that only lists jobs, has expired, or shows an error has no target: target_found=false, action="NONE".`,

	schemas.GoalMapFormFields: `Goal: MAP_FORM_FIELDS.
Enumerate the visible form fields of the application form. For each field give its selector, kind, label,
whether it is required, the profile attribute it corresponds to, the literal value to enter taken from the
profile, and your confidence in that mapping. Leave value empty and confidence low when the profile has no
suitable data. Set action="FILL" when at least one field is mapped, otherwise "NONE".`,
}

// buildUserPrompt assembles the per-call prompt: goal instructions, hints and
// the DOM excerpt.
func buildUserPrompt(goal schemas.Goal, excerpt string, hints Hints) (string, error) {
	var b strings.Builder
	b.WriteString(goalInstructions[goal])
	b.WriteString("\n\n")

	if hints.PageURL != "" {
		fmt.Fprintf(&b, "Page URL: %s\n\n", hints.PageURL)
	}
	if hints.Note != "" {
		fmt.Fprintf(&b, "Note: %s\n\n", hints.Note)
	}

	if len(hints.Overlays) > 0 || len(hints.Controls) > 0 || len(hints.Fields) > 0 || len(hints.Profile) > 0 {
		ctxDoc := struct {
			Overlays interface{}       `json:"detected_overlays,omitempty"`
			Controls interface{}       `json:"candidate_controls,omitempty"`
			Fields   interface{}       `json:"detected_fields,omitempty"`
			Profile  map[string]string `json:"profile,omitempty"`
		}{}
		if len(hints.Overlays) > 0 {
			ctxDoc.Overlays = hints.Overlays
		}
		if len(hints.Controls) > 0 {
			ctxDoc.Controls = hints.Controls
		}
		if len(hints.Fields) > 0 {
			ctxDoc.Fields = hints.Fields
		}
		ctxDoc.Profile = hints.Profile

		raw, err := llmutil.Marshal(ctxDoc)
		if err != nil {
			return "", fmt.Errorf("failed to encode oracle hints: %w", err)
		}
		b.WriteString("Context:\n")
		b.Write(raw)
		b.WriteString("\n\n")
	}

	b.WriteString("HTML excerpt:\n")
	b.WriteString(excerpt)
	return b.String(), nil
}
