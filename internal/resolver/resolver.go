// Package resolver clears cookie banners, newsletter popups and other dialogs
// that sit between the agent and the page content.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/dom"
	"github.com/xkilldash9x/autoapply/internal/oracle"
)

// Report summarizes one Resolve call.
type Report struct {
	DialogsHandled  int  `json:"dialogs_handled"`
	StillObstructed bool `json:"still_obstructed"`
	OracleCalls     int  `json:"oracle_calls"`
	Rounds          int  `json:"rounds"`
}

// Resolver dismisses obstructions with deterministic rules first and the
// oracle second.
type Resolver struct {
	oracle oracle.Oracle
	cfg    config.ResolverConfig
	rules  []dom.DismissRule
	logger *zap.Logger
}

// New creates a Resolver using the default dismiss rules.
func New(o oracle.Oracle, cfg config.ResolverConfig, logger *zap.Logger) (*Resolver, error) {
	if o == nil {
		return nil, errors.New("oracle cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	return &Resolver{
		oracle: o,
		cfg:    cfg,
		rules:  dom.DefaultDismissRules(),
		logger: logger.Named("resolver"),
	}, nil
}

// Resolve runs up to MaxRounds of detection and dismissal on session. Each
// round dismisses at most one dialog. The returned error is non-nil only when
// the page itself could not be read.
func (r *Resolver) Resolve(ctx context.Context, session schemas.BrowserSession) (Report, error) {
	var report Report
	logger := r.logger.With(zap.String("session_id", session.ID()))
	clicked := make(map[string]bool)

	for report.Rounds < r.cfg.MaxRounds {
		page, snapshot, err := r.scan(ctx, session)
		if err != nil {
			return report, err
		}
		overlays := page.Overlays()
		candidates := page.DismissCandidates(r.rules)
		if len(overlays) == 0 && len(candidates) == 0 {
			report.StillObstructed = false
			return report, nil
		}
		report.Rounds++

		if cand, ok := r.tryCandidates(ctx, session, candidates, clicked, logger); ok {
			report.DialogsHandled++
			logger.Debug("Dismissed obstruction by rule.", zap.String("rule", cand.Rule), zap.String("selector", cand.Selector))
			if err := r.settle(ctx); err != nil {
				return report, err
			}
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		if len(overlays) == 0 {
			// Only rule matches remained and none of them could be clicked.
			report.StillObstructed = false
			return report, nil
		}

		handled, obstructed := r.askOracle(ctx, session, snapshot, overlays, clicked, logger)
		report.OracleCalls++
		if !handled {
			report.StillObstructed = obstructed
			return report, nil
		}
		report.DialogsHandled++
		if err := r.settle(ctx); err != nil {
			return report, err
		}
	}

	// Rounds exhausted; take one last look.
	page, _, err := r.scan(ctx, session)
	if err != nil {
		return report, err
	}
	report.StillObstructed = page.HasOverlay()
	if report.StillObstructed {
		logger.Info("Obstruction remains after the maximum number of rounds.", zap.Int("rounds", report.Rounds))
	}
	return report, nil
}

func (r *Resolver) scan(ctx context.Context, session schemas.BrowserSession) (*dom.Page, string, error) {
	snapshot, err := session.DOMSnapshot(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read page for obstruction scan: %w", err)
	}
	page, err := dom.Parse(snapshot)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse page for obstruction scan: %w", err)
	}
	return page, snapshot, nil
}

// tryCandidates clicks rule candidates in order until one succeeds. Selectors
// clicked in an earlier round are skipped.
func (r *Resolver) tryCandidates(ctx context.Context, session schemas.BrowserSession, candidates []dom.Candidate, clicked map[string]bool, logger *zap.Logger) (dom.Candidate, bool) {
	for _, cand := range candidates {
		if clicked[cand.Selector] {
			continue
		}
		clicked[cand.Selector] = true
		if err := session.Click(ctx, cand.Selector); err != nil {
			if ctx.Err() != nil {
				return dom.Candidate{}, false
			}
			logger.Debug("Dismiss candidate click failed.", zap.String("rule", cand.Rule), zap.String("selector", cand.Selector), zap.Error(err))
			continue
		}
		return cand, true
	}
	return dom.Candidate{}, false
}

// askOracle escalates a detected overlay. It reports whether a dialog was
// dismissed and, if not, whether the page should still count as obstructed.
func (r *Resolver) askOracle(ctx context.Context, session schemas.BrowserSession, snapshot string, overlays []dom.Overlay, clicked map[string]bool, logger *zap.Logger) (handled, obstructed bool) {
	shot, err := session.Screenshot(ctx)
	if err != nil {
		logger.Debug("Screenshot failed; asking oracle with DOM only.", zap.Error(err))
		shot = nil
	}
	pageURL, _ := session.URL(ctx)

	d := r.oracle.Classify(ctx, oracle.Snapshot{Screenshot: shot, DOM: snapshot}, schemas.GoalFindObstruction, oracle.Hints{
		Overlays: overlays,
		PageURL:  pageURL,
	})

	if !d.Degraded && !d.ObstructionPresent && d.Confidence >= r.cfg.OracleMinConfidence {
		logger.Debug("Oracle overruled the overlay heuristic.", zap.Float64("confidence", d.Confidence))
		return false, false
	}
	if !d.ObstructionPresent || !d.IsActionable(r.cfg.OracleMinConfidence) || d.ObstructionSelector == "" {
		logger.Debug("Oracle proposed no usable dismissal.",
			zap.Bool("degraded", d.Degraded),
			zap.Float64("confidence", d.Confidence),
			zap.Float64("threshold", r.cfg.OracleMinConfidence),
		)
		return false, true
	}
	if clicked[d.ObstructionSelector] {
		return false, true
	}
	clicked[d.ObstructionSelector] = true

	if err := session.Click(ctx, d.ObstructionSelector); err != nil {
		logger.Debug("Oracle-proposed dismissal failed.", zap.String("selector", d.ObstructionSelector), zap.Error(err))
		return false, true
	}
	logger.Debug("Dismissed obstruction by oracle.", zap.String("selector", d.ObstructionSelector), zap.Float64("confidence", d.Confidence))
	return true, false
}

func (r *Resolver) settle(ctx context.Context) error {
	if r.cfg.SettleWait <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.cfg.SettleWait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
