package schemas

// -- Decision Oracle Schemas --

// Goal tells the oracle what question a snapshot should answer.
type Goal string

const (
	GoalFindObstruction Goal = "FIND_OBSTRUCTION"
	GoalFindApplyTarget Goal = "FIND_APPLY_TARGET"
	GoalMapFormFields   Goal = "MAP_FORM_FIELDS"
)

func (g Goal) String() string { return string(g) }

// Valid reports whether g is a known goal.
func (g Goal) Valid() bool {
	switch g {
	case GoalFindObstruction, GoalFindApplyTarget, GoalMapFormFields:
		return true
	}
	return false
}

// ActionType is the browser action a decision proposes.
type ActionType string

const (
	ActionClick ActionType = "CLICK"
	ActionFill  ActionType = "FILL"
	ActionNone  ActionType = "NONE"
)

// Decision is the oracle's structured answer for one screenshot and DOM snapshot.
// Confidence is always set, including for ActionNone.
type Decision struct {
	ObstructionPresent  bool           `json:"obstruction_present"`
	ObstructionSelector string         `json:"obstruction_selector,omitempty"`
	Action              ActionType     `json:"action"`
	TargetFound         bool           `json:"target_found"`
	TargetSelector      string         `json:"target_selector,omitempty"`
	TargetURL           string         `json:"target_url,omitempty"`
	Confidence          float64        `json:"confidence"`
	Rationale           string         `json:"rationale,omitempty"`
	Fields              []FieldMapping `json:"fields,omitempty"`

	// Degraded is set when the decision is a fallback produced because the
	// oracle failed or returned output that did not validate.
	Degraded       bool   `json:"-"`
	DegradedReason string `json:"-"`
}

// NoActionDecision returns the zero-confidence, do-nothing decision.
func NoActionDecision(reason string) Decision {
	return Decision{
		Action:         ActionNone,
		Confidence:     0,
		Rationale:      reason,
		Degraded:       reason != "",
		DegradedReason: reason,
	}
}

// IsActionable reports whether the decision proposes a concrete action at or
// above the given confidence.
func (d Decision) IsActionable(minConfidence float64) bool {
	return d.Action != ActionNone && d.Confidence >= minConfidence
}

// FieldKind is the inferred kind of a form field.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldEmail    FieldKind = "email"
	FieldPhone    FieldKind = "phone"
	FieldSelect   FieldKind = "select"
	FieldFile     FieldKind = "file"
	FieldTextarea FieldKind = "textarea"
	FieldCheckbox FieldKind = "checkbox"
	FieldURL      FieldKind = "url"
	FieldDate     FieldKind = "date"
	FieldNumber   FieldKind = "number"
	FieldOther    FieldKind = "other"
)

// Valid reports whether k is a known field kind.
func (k FieldKind) Valid() bool {
	switch k {
	case FieldText, FieldEmail, FieldPhone, FieldSelect, FieldFile, FieldTextarea,
		FieldCheckbox, FieldURL, FieldDate, FieldNumber, FieldOther:
		return true
	}
	return false
}

// FieldMapping associates one form field with one profile attribute.
type FieldMapping struct {
	Selector         string    `json:"selector"`
	Kind             FieldKind `json:"kind"`
	Label            string    `json:"label,omitempty"`
	ProfileAttribute string    `json:"profile_attribute,omitempty"`
	Value            string    `json:"value,omitempty"`
	Required         bool      `json:"required"`
	Confidence       float64   `json:"confidence"`
}
