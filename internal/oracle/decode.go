package oracle

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/llmutil"
)

// wireDecision is the exact JSON shape the model must return. Pointer fields
// are mandatory; a missing value is a contract violation, not a zero.
type wireDecision struct {
	ObstructionPresent  *bool       `json:"obstruction_present"`
	ObstructionSelector string      `json:"obstruction_selector"`
	Action              *string     `json:"action"`
	TargetFound         *bool       `json:"target_found"`
	TargetSelector      string      `json:"target_selector"`
	TargetURL           string      `json:"target_url"`
	Confidence          *float64    `json:"confidence"`
	Rationale           string      `json:"rationale"`
	Fields              []wireField `json:"fields"`
}

type wireField struct {
	Selector         string   `json:"selector"`
	Kind             string   `json:"kind"`
	Label            string   `json:"label"`
	ProfileAttribute string   `json:"profile_attribute"`
	Value            string   `json:"value"`
	Required         *bool    `json:"required"`
	Confidence       *float64 `json:"confidence"`
}

// decodeDecision strictly decodes and validates raw model output.
func decodeDecision(raw string, goal schemas.Goal) (schemas.Decision, error) {
	w, err := llmutil.DecodeStrict[wireDecision](raw)
	if err != nil {
		return schemas.Decision{}, err
	}

	if w.Action == nil {
		return schemas.Decision{}, errors.New("missing action")
	}
	if w.Confidence == nil {
		return schemas.Decision{}, errors.New("missing confidence")
	}
	if err := checkConfidence(*w.Confidence); err != nil {
		return schemas.Decision{}, err
	}

	action := schemas.ActionType(strings.ToUpper(strings.TrimSpace(*w.Action)))
	switch action {
	case schemas.ActionClick, schemas.ActionFill, schemas.ActionNone:
	default:
		return schemas.Decision{}, fmt.Errorf("unknown action %q", *w.Action)
	}

	d := schemas.Decision{
		ObstructionPresent:  w.ObstructionPresent != nil && *w.ObstructionPresent,
		ObstructionSelector: strings.TrimSpace(w.ObstructionSelector),
		Action:              action,
		TargetFound:         w.TargetFound != nil && *w.TargetFound,
		TargetSelector:      strings.TrimSpace(w.TargetSelector),
		TargetURL:           strings.TrimSpace(w.TargetURL),
		Confidence:          *w.Confidence,
		Rationale:           w.Rationale,
	}

	switch goal {
	case schemas.GoalFindObstruction:
		if d.Action == schemas.ActionClick && d.ObstructionSelector == "" && d.TargetSelector == "" {
			return schemas.Decision{}, errors.New("click proposed without a selector")
		}
		if d.ObstructionSelector == "" {
			d.ObstructionSelector = d.TargetSelector
		}
	case schemas.GoalFindApplyTarget:
		if d.TargetFound && d.TargetSelector == "" && d.TargetURL == "" {
			return schemas.Decision{}, errors.New("target reported without selector or url")
		}
	case schemas.GoalMapFormFields:
		fields, err := convertFields(w.Fields)
		if err != nil {
			return schemas.Decision{}, err
		}
		d.Fields = fields
	}
	return d, nil
}

func convertFields(in []wireField) ([]schemas.FieldMapping, error) {
	out := make([]schemas.FieldMapping, 0, len(in))
	for i, f := range in {
		if strings.TrimSpace(f.Selector) == "" {
			return nil, fmt.Errorf("field %d: missing selector", i)
		}
		if f.Confidence == nil {
			return nil, fmt.Errorf("field %d: missing confidence", i)
		}
		if err := checkConfidence(*f.Confidence); err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		kind := schemas.FieldKind(strings.ToLower(strings.TrimSpace(f.Kind)))
		if !kind.Valid() {
			return nil, fmt.Errorf("field %d: unknown kind %q", i, f.Kind)
		}
		out = append(out, schemas.FieldMapping{
			Selector:         strings.TrimSpace(f.Selector),
			Kind:             kind,
			Label:            f.Label,
			ProfileAttribute: f.ProfileAttribute,
			Value:            f.Value,
			Required:         f.Required != nil && *f.Required,
			Confidence:       *f.Confidence,
		})
	}
	return out, nil
}

func checkConfidence(c float64) error {
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", c)
	}
	return nil
}
