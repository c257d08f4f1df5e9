// Package classifier decides whether a job posting page is reachable and, if
// it is, whether it offers a way to apply.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/dom"
	"github.com/xkilldash9x/autoapply/internal/oracle"
	"github.com/xkilldash9x/autoapply/internal/resolver"
)

const maxApplyControls = 15

// Resolver clears obstructions on an open session.
type Resolver interface {
	Resolve(ctx context.Context, session schemas.BrowserSession) (resolver.Report, error)
}

// Classifier runs the REACHABILITY_CHECK stage.
type Classifier struct {
	driver   schemas.BrowserDriver
	resolver Resolver
	oracle   oracle.Oracle
	cfg      config.ClassifierConfig
	logger   *zap.Logger
}

// New creates a Classifier.
func New(driver schemas.BrowserDriver, res Resolver, o oracle.Oracle, cfg config.ClassifierConfig, logger *zap.Logger) (*Classifier, error) {
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
	return &Classifier{driver: driver, resolver: res, oracle: o, cfg: cfg, logger: logger.Named("classifier")}, nil
}

// Classify opens jobURL and classifies it. Unreachable pages are terminal,
// navigation timeouts and an unavailable oracle are transient, and a page
// without an apply target is a successful NO_APPLICATION verdict.
func (c *Classifier) Classify(ctx context.Context, jobURL string) schemas.Outcome {
	logger := c.logger.With(zap.String("url", jobURL))

	session, err := c.driver.Open(ctx, jobURL)
	if err != nil {
		if errors.Is(err, schemas.ErrUnreachable) {
			logger.Info("Job page unreachable.", zap.Error(err))
			return schemas.Terminal(err, &schemas.TaskResult{Classification: &schemas.Classification{
				Verdict: schemas.VerdictUnreachable,
				Detail:  err.Error(),
			}})
		}
		logger.Warn("Failed to open job page.", zap.Error(err))
		return schemas.Transient(fmt.Errorf("failed to open %s: %w", jobURL, err))
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Debug("Error closing session.", zap.Error(err))
		}
	}()

	report, err := c.resolver.Resolve(ctx, session)
	if err != nil {
		return schemas.Transient(fmt.Errorf("obstruction resolution failed: %w", err))
	}

	snapshot, err := session.DOMSnapshot(ctx)
	if err != nil {
		return schemas.Transient(fmt.Errorf("failed to snapshot job page: %w", err))
	}
	page, err := dom.Parse(snapshot)
	if err != nil {
		return schemas.Transient(err)
	}
	shot, err := session.Screenshot(ctx)
	if err != nil {
		logger.Debug("Screenshot failed; classifying on DOM only.", zap.Error(err))
		shot = nil
	}
	pageURL, err := session.URL(ctx)
	if err != nil || pageURL == "" {
		pageURL = jobURL
	}

	hints := oracle.Hints{
		Controls: page.ApplyControls(maxApplyControls),
		PageURL:  pageURL,
	}
	if report.StillObstructed {
		hints.Note = "an overlay may still cover part of the page"
	}
	d := c.oracle.Classify(ctx, oracle.Snapshot{Screenshot: shot, DOM: snapshot}, schemas.GoalFindApplyTarget, hints)
	if oracle.Unavailable(d) {
		return schemas.Transient(errors.New(d.DegradedReason))
	}

	cls := &schemas.Classification{
		Confidence:      d.Confidence,
		Rationale:       d.Rationale,
		DialogsHandled:  report.DialogsHandled,
		StillObstructed: report.StillObstructed,
	}
	if d.TargetFound && d.Confidence >= c.cfg.MinConfidence {
		cls.Verdict = schemas.VerdictHasApplication
		cls.TargetSelector = d.TargetSelector
		cls.TargetURL = resolveURL(pageURL, d.TargetURL)
	} else {
		cls.Verdict = schemas.VerdictNoApplication
		switch {
		case d.Degraded:
			cls.Detail = d.DegradedReason
		case d.TargetFound:
			cls.Detail = fmt.Sprintf("apply target confidence %.2f below threshold %.2f", d.Confidence, c.cfg.MinConfidence)
		default:
			cls.Detail = "no application entry point found"
		}
	}

	logger.Info("Job page classified.",
		zap.String("verdict", string(cls.Verdict)),
		zap.Float64("confidence", cls.Confidence),
		zap.Int("dialogs_handled", cls.DialogsHandled),
	)
	return schemas.Success(&schemas.TaskResult{Classification: cls})
}

// resolveURL makes ref absolute against base. Unparseable input is returned
// unchanged.
func resolveURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
