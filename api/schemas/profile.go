package schemas

import (
	"sort"
	"strconv"
	"strings"
)

// Profile is the candidate data used to fill application forms.
type Profile struct {
	Ref               string            `json:"ref" mapstructure:"ref" validate:"required"`
	FirstName         string            `json:"first_name" mapstructure:"first_name" validate:"required"`
	LastName          string            `json:"last_name" mapstructure:"last_name" validate:"required"`
	Email             string            `json:"email" mapstructure:"email" validate:"required,email"`
	Phone             string            `json:"phone,omitempty" mapstructure:"phone"`
	Location          string            `json:"location,omitempty" mapstructure:"location"`
	LinkedInURL       string            `json:"linkedin_url,omitempty" mapstructure:"linkedin_url" validate:"omitempty,url"`
	PortfolioURL      string            `json:"portfolio_url,omitempty" mapstructure:"portfolio_url" validate:"omitempty,url"`
	ResumePath        string            `json:"resume_path,omitempty" mapstructure:"resume_path"`
	CoverLetter       string            `json:"cover_letter,omitempty" mapstructure:"cover_letter"`
	WorkAuthorization string            `json:"work_authorization,omitempty" mapstructure:"work_authorization"`
	YearsExperience   int               `json:"years_experience,omitempty" mapstructure:"years_experience" validate:"gte=0"`
	Extra             map[string]string `json:"extra,omitempty" mapstructure:"extra"`
}

// Attributes flattens the profile into the attribute names the form mapper
// refers to. Empty values are omitted.
func (p *Profile) Attributes() map[string]string {
	attrs := map[string]string{
		"first_name":         p.FirstName,
		"last_name":          p.LastName,
		"full_name":          strings.TrimSpace(p.FirstName + " " + p.LastName),
		"email":              p.Email,
		"phone":              p.Phone,
		"location":           p.Location,
		"linkedin_url":       p.LinkedInURL,
		"portfolio_url":      p.PortfolioURL,
		"resume":             p.ResumePath,
		"cover_letter":       p.CoverLetter,
		"work_authorization": p.WorkAuthorization,
	}
	if p.YearsExperience > 0 {
		attrs["years_experience"] = strconv.Itoa(p.YearsExperience)
	}
	for k, v := range p.Extra {
		attrs["extra."+k] = v
	}
	for k, v := range attrs {
		if v == "" {
			delete(attrs, k)
		}
	}
	return attrs
}

// AttributeNames returns the sorted, non-empty attribute names.
func (p *Profile) AttributeNames() []string {
	attrs := p.Attributes()
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
