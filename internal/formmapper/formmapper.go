// Package formmapper maps the fields of an application form onto a candidate
// profile and decides whether the form can be filled without a human.
package formmapper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/browser"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/dom"
	"github.com/xkilldash9x/autoapply/internal/oracle"
	"github.com/xkilldash9x/autoapply/internal/resolver"
)

// MapRequest identifies the form to map and the candidate to map it to.
type MapRequest struct {
	JobURL         string
	TargetURL      string
	TargetSelector string
	Profile        *schemas.Profile
}

// Resolver clears obstructions on an open session.
type Resolver interface {
	Resolve(ctx context.Context, session schemas.BrowserSession) (resolver.Report, error)
}

// Mapper runs the FORM_MAPPING stage. It only reads the page.
type Mapper struct {
	driver   schemas.BrowserDriver
	resolver Resolver
	oracle   oracle.Oracle
	cfg      config.FormMapperConfig
	logger   *zap.Logger
}

// New creates a Mapper.
func New(driver schemas.BrowserDriver, res Resolver, o oracle.Oracle, cfg config.FormMapperConfig, logger *zap.Logger) (*Mapper, error) {
	if driver == nil {
		return nil, errors.New("browser driver cannot be nil")
	}
	if res == nil {
		return nil, errors.New("resolver cannot be nil")
	}
	if o == nil {
		return nil, errors.New("oracle cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Mapper{driver: driver, resolver: res, oracle: o, cfg: cfg, logger: logger.Named("formmapper")}, nil
}

// Map opens the apply target and maps its fields. Oracle failures produce a
// successful result with CanAutoFill=false.
func (m *Mapper) Map(ctx context.Context, req MapRequest) schemas.Outcome {
	if req.Profile == nil {
		return schemas.Terminal(errors.New("form mapping requires a profile"), nil)
	}
	logger := m.logger.With(zap.String("job_url", req.JobURL), zap.String("target_url", req.TargetURL))

	session, err := browser.OpenTarget(ctx, m.driver, browser.Target{
		JobURL:    req.JobURL,
		TargetURL: req.TargetURL,
		Selector:  req.TargetSelector,
	}, m.cfg.TargetSettleWait)
	if err != nil {
		if errors.Is(err, schemas.ErrUnreachable) {
			return schemas.Terminal(fmt.Errorf("apply target unreachable: %w", err), nil)
		}
		return schemas.Transient(fmt.Errorf("failed to open apply target: %w", err))
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Debug("Error closing session.", zap.Error(err))
		}
	}()

	if _, err := m.resolver.Resolve(ctx, session); err != nil {
		return schemas.Transient(fmt.Errorf("obstruction resolution failed: %w", err))
	}

	snapshot, err := session.DOMSnapshot(ctx)
	if err != nil {
		return schemas.Transient(fmt.Errorf("failed to snapshot apply form: %w", err))
	}
	page, err := dom.Parse(snapshot)
	if err != nil {
		return schemas.Transient(err)
	}
	shot, err := session.Screenshot(ctx)
	if err != nil {
		logger.Debug("Screenshot failed; mapping on DOM only.", zap.Error(err))
		shot = nil
	}
	pageURL, _ := session.URL(ctx)

	attrs := req.Profile.Attributes()
	d := m.oracle.Classify(ctx, oracle.Snapshot{Screenshot: shot, DOM: snapshot}, schemas.GoalMapFormFields, oracle.Hints{
		Profile: attrs,
		Fields:  page.Fields(),
		PageURL: pageURL,
	})

	result := m.evaluate(page, d, attrs)
	logger.Info("Form mapped.",
		zap.Int("fields", len(result.Fields)),
		zap.Bool("can_auto_fill", result.CanAutoFill),
		zap.Strings("missing_required", result.MissingRequired),
		zap.String("reason", result.Reason),
	)
	return schemas.Success(&schemas.TaskResult{Mapping: result})
}

// evaluate builds the mapping result. The form is auto-fillable only when
// every required field, as marked by either the oracle or the markup, has a
// mapping with a value and confidence at or above the threshold.
func (m *Mapper) evaluate(page *dom.Page, d schemas.Decision, attrs map[string]string) *schemas.MappingResult {
	if d.Degraded {
		return &schemas.MappingResult{CanAutoFill: false, Reason: "cannot auto-fill: " + d.DegradedReason}
	}

	required := make(map[string]bool)
	for _, sel := range page.RequiredSelectors() {
		required[sel] = true
	}

	bySelector := make(map[string]int, len(d.Fields))
	fields := make([]schemas.FieldMapping, 0, len(d.Fields))
	for _, f := range d.Fields {
		f.Selector = page.Canonical(f.Selector)
		if f.Value == "" && f.ProfileAttribute != "" {
			f.Value = attrs[f.ProfileAttribute]
		}
		if i, dup := bySelector[f.Selector]; dup {
			// Keep the more confident mapping for a repeated selector.
			if f.Confidence > fields[i].Confidence {
				f.Required = f.Required || fields[i].Required
				fields[i] = f
			} else if f.Required {
				fields[i].Required = true
			}
			continue
		}
		bySelector[f.Selector] = len(fields)
		fields = append(fields, f)
	}
	for i := range fields {
		if fields[i].Required {
			required[fields[i].Selector] = true
		}
		if required[fields[i].Selector] {
			fields[i].Required = true
		}
	}

	result := &schemas.MappingResult{Fields: fields}
	var missing []string
	minConf := -1.0
	for sel := range required {
		i, ok := bySelector[sel]
		if !ok {
			missing = append(missing, sel)
			continue
		}
		f := fields[i]
		if minConf < 0 || f.Confidence < minConf {
			minConf = f.Confidence
		}
		if f.Confidence < m.cfg.MinConfidence || strings.TrimSpace(f.Value) == "" {
			missing = append(missing, sel)
		}
	}
	sort.Strings(missing)
	result.MissingRequired = missing
	if minConf > 0 {
		result.Confidence = minConf
	}

	switch {
	case len(fields) == 0:
		result.Reason = "no form fields could be mapped"
	case len(missing) > 0:
		result.Reason = fmt.Sprintf("%d required field(s) unmapped or below confidence %.2f", len(missing), m.cfg.MinConfidence)
	default:
		result.CanAutoFill = true
	}
	return result
}
