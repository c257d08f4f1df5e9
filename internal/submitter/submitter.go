// Package submitter fills a mapped application form and submits it.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/browser"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/dom"
	"github.com/xkilldash9x/autoapply/internal/oracle"
	"github.com/xkilldash9x/autoapply/internal/resolver"
)

const (
	maxOracleControls = 20
	submitHint        = "the form is already filled in; locate the control that submits the application"
)

// SubmitRequest identifies the form and the values to enter.
type SubmitRequest struct {
	JobURL         string
	TargetURL      string
	TargetSelector string
	Fields         []schemas.FieldMapping
}

// Resolver clears obstructions on an open session.
type Resolver interface {
	Resolve(ctx context.Context, session schemas.BrowserSession) (resolver.Report, error)
}

// Submitter runs the SUBMISSION stage.
type Submitter struct {
	driver   schemas.BrowserDriver
	resolver Resolver
	oracle   oracle.Oracle
	cfg      config.SubmitterConfig
	logger   *zap.Logger
}

// New creates a Submitter.
func New(driver schemas.BrowserDriver, res Resolver, o oracle.Oracle, cfg config.SubmitterConfig, logger *zap.Logger) (*Submitter, error) {
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
	return &Submitter{driver: driver, resolver: res, oracle: o, cfg: cfg, logger: logger.Named("submitter")}, nil
}

// Submit fills every mapped field that has a value and clicks the submit
// control. A required field that cannot be found is transient, as is a page
// that never settles. A form without any recognizable submit control is
// terminal.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) schemas.Outcome {
	if len(req.Fields) == 0 {
		return schemas.Terminal(errors.New("submission requires at least one mapped field"), nil)
	}
	logger := s.logger.With(zap.String("job_url", req.JobURL), zap.String("target_url", req.TargetURL))

	session, err := browser.OpenTarget(ctx, s.driver, browser.Target{
		JobURL:    req.JobURL,
		TargetURL: req.TargetURL,
		Selector:  req.TargetSelector,
	}, s.cfg.TargetSettleWait)
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

	if _, err := s.resolver.Resolve(ctx, session); err != nil {
		return schemas.Transient(fmt.Errorf("obstruction resolution failed: %w", err))
	}

	filled := 0
	for _, f := range req.Fields {
		if f.Value == "" {
			continue
		}
		if err := session.Fill(ctx, f.Selector, f.Value); err != nil {
			if !f.Required && errors.Is(err, schemas.ErrElementNotFound) {
				logger.Warn("Optional field not found; skipping.", zap.String("selector", f.Selector))
				continue
			}
			return schemas.Transient(fmt.Errorf("failed to fill %s: %w", f.Selector, err))
		}
		filled++
	}

	selector, out, ok := s.findSubmit(ctx, session, logger)
	if !ok {
		return out
	}
	if err := session.Click(ctx, selector); err != nil {
		return schemas.Transient(fmt.Errorf("failed to click submit control %s: %w", selector, err))
	}
	// The click has been delivered. Nothing after this point may be retried,
	// or the application goes in twice.
	if err := wait(ctx, s.cfg.PostSubmitWait); err != nil {
		logger.Warn("Application submitted; confirmation skipped.", zap.Error(err), zap.String("submit_selector", selector))
		return schemas.Success(&schemas.TaskResult{Submission: &schemas.SubmissionResult{
			Submitted:      true,
			FieldsFilled:   filled,
			SubmitSelector: selector,
			Unconfirmed:    true,
		}})
	}

	if rejected := s.rejected(ctx, session); rejected != "" {
		return schemas.Terminal(fmt.Errorf("form rejected submission: %s", rejected), &schemas.TaskResult{
			Submission: &schemas.SubmissionResult{FieldsFilled: filled, SubmitSelector: selector},
		})
	}

	finalURL, err := session.URL(ctx)
	if err != nil {
		logger.Debug("Could not read final URL.", zap.Error(err))
	}
	result := &schemas.SubmissionResult{
		Submitted:      true,
		FieldsFilled:   filled,
		SubmitSelector: selector,
		FinalURL:       finalURL,
	}
	logger.Info("Application submitted.",
		zap.Int("fields_filled", filled),
		zap.String("submit_selector", selector),
		zap.String("final_url", finalURL),
	)
	return schemas.Success(&schemas.TaskResult{Submission: result})
}

// findSubmit returns the submit control selector. When it returns false the
// outcome explains why no control was chosen.
func (s *Submitter) findSubmit(ctx context.Context, session schemas.BrowserSession, logger *zap.Logger) (string, schemas.Outcome, bool) {
	snapshot, err := session.DOMSnapshot(ctx)
	if err != nil {
		return "", schemas.Transient(fmt.Errorf("failed to snapshot filled form: %w", err)), false
	}
	page, err := dom.Parse(snapshot)
	if err != nil {
		return "", schemas.Transient(err), false
	}
	if controls := page.SubmitControls(); len(controls) > 0 {
		return controls[0].Selector, schemas.Outcome{}, true
	}

	logger.Debug("No submit control matched by markup; asking the oracle.")
	shot, err := session.Screenshot(ctx)
	if err != nil {
		shot = nil
	}
	pageURL, _ := session.URL(ctx)
	d := s.oracle.Classify(ctx, oracle.Snapshot{Screenshot: shot, DOM: snapshot}, schemas.GoalFindApplyTarget, oracle.Hints{
		Controls: page.Controls(maxOracleControls),
		PageURL:  pageURL,
		Note:     submitHint,
	})
	if oracle.Unavailable(d) {
		return "", schemas.Transient(errors.New(d.DegradedReason)), false
	}
	if d.TargetFound && d.TargetSelector != "" && d.Confidence >= s.cfg.MinConfidence {
		return page.Canonical(d.TargetSelector), schemas.Outcome{}, true
	}
	return "", schemas.Terminal(errors.New("no submit control found on application form"), nil), false
}

// rejected returns a description of client-side validation errors left on
// the page after submitting, or "" when none are visible.
func (s *Submitter) rejected(ctx context.Context, session schemas.BrowserSession) string {
	snapshot, err := session.DOMSnapshot(ctx)
	if err != nil {
		return ""
	}
	page, err := dom.Parse(snapshot)
	if err != nil {
		return ""
	}
	if invalid := page.InvalidFields(); len(invalid) > 0 {
		return fmt.Sprintf("%d field(s) marked invalid, first %s", len(invalid), invalid[0])
	}
	return ""
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
