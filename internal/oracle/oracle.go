// Package oracle wraps the vision/language model that turns a screenshot and a
// DOM excerpt into a confidence-scored Decision. It never returns an error:
// every failure degrades to the zero-confidence, no-action decision.
package oracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // registered so DecodeConfig recognizes GIF screenshots
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
	"github.com/xkilldash9x/autoapply/internal/dom"
)

// Prefixes of Decision.DegradedReason.
const (
	ReasonUnavailable = "oracle unavailable"
	ReasonMalformed   = "malformed oracle output"
)

// Unavailable reports whether d degraded because the model could not be
// reached, as opposed to answering with something unusable.
func Unavailable(d schemas.Decision) bool {
	return d.Degraded && strings.HasPrefix(d.DegradedReason, ReasonUnavailable)
}

// Snapshot is what the oracle sees of a page.
type Snapshot struct {
	Screenshot []byte
	DOM        string
}

// Hints carries goal-specific context that narrows the oracle's answer.
type Hints struct {
	// Profile holds candidate attributes for MAP_FORM_FIELDS.
	Profile map[string]string `json:"profile,omitempty"`
	// Controls lists clickable elements the caller already found.
	Controls []dom.Control `json:"controls,omitempty"`
	// Fields lists fillable controls found in the markup.
	Fields []dom.Field `json:"fields,omitempty"`
	// Overlays lists dialog-shaped elements the heuristic detected.
	Overlays []dom.Overlay `json:"overlays,omitempty"`
	// Note is free-form guidance, for example "locate the final submit button".
	Note string `json:"note,omitempty"`
	// PageURL is the URL the snapshot was taken at.
	PageURL string `json:"page_url,omitempty"`
}

// Oracle is the decision contract consumed by the pipeline stages.
type Oracle interface {
	Classify(ctx context.Context, snap Snapshot, goal schemas.Goal, hints Hints) schemas.Decision
}

// Client is the production Oracle backed by an LLMClient.
type Client struct {
	llm     schemas.LLMClient
	cfg     config.OracleConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	invocations atomic.Int64
	degraded    atomic.Int64
}

// New creates an oracle client.
func New(llm schemas.LLMClient, cfg config.OracleConfig, logger *zap.Logger) (*Client, error) {
	if llm == nil {
		return nil, errors.New("llm client cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.MaxDOMChars <= 0 {
		cfg.MaxDOMChars = 6000
	}
	return &Client{
		llm:     llm,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("oracle"),
	}, nil
}

// Invocations returns how many model calls have been made, retries included.
func (c *Client) Invocations() int64 { return c.invocations.Load() }

// Degraded returns how many decisions fell back to the zero-confidence default.
func (c *Client) Degraded() int64 { return c.degraded.Load() }

// Classify asks the model to answer goal for snap. It retries a failed call
// once with exponential backoff, then gives up with a no-action decision.
func (c *Client) Classify(ctx context.Context, snap Snapshot, goal schemas.Goal, hints Hints) schemas.Decision {
	logger := c.logger.With(zap.String("goal", string(goal)))
	if !goal.Valid() {
		return c.fallback(logger, fmt.Sprintf("unknown goal %q", goal))
	}

	req, err := c.buildRequest(snap, goal, hints, logger)
	if err != nil {
		return c.fallback(logger, err.Error())
	}

	raw, err := c.generateWithRetry(ctx, req, logger)
	if err != nil {
		return c.fallback(logger, ReasonUnavailable+": "+err.Error())
	}

	decision, err := decodeDecision(raw, goal)
	if err != nil {
		logger.Warn("Oracle returned output that failed validation", zap.Error(err))
		return c.fallback(logger, ReasonMalformed+": "+err.Error())
	}

	logger.Debug("Oracle decision",
		zap.String("action", string(decision.Action)),
		zap.Float64("confidence", decision.Confidence),
		zap.Bool("obstruction", decision.ObstructionPresent),
		zap.Bool("target_found", decision.TargetFound),
		zap.Int("fields", len(decision.Fields)),
	)
	return decision
}

func (c *Client) fallback(logger *zap.Logger, reason string) schemas.Decision {
	c.degraded.Add(1)
	logger.Info("Degrading to no-action decision", zap.String("reason", reason))
	return schemas.NoActionDecision(reason)
}

func (c *Client) buildRequest(snap Snapshot, goal schemas.Goal, hints Hints, logger *zap.Logger) (schemas.GenerationRequest, error) {
	excerpt := dom.Excerpt(snap.DOM, c.cfg.MaxDOMChars)
	userPrompt, err := buildUserPrompt(goal, excerpt, hints)
	if err != nil {
		return schemas.GenerationRequest{}, err
	}

	req := schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Tier:         tierFor(goal),
		Options:      schemas.GenerationOptions{Temperature: 0.1, ForceJSONFormat: true},
	}
	if img, ok := c.screenshotPart(snap.Screenshot, logger); ok {
		req.Images = []schemas.ImagePart{img}
	}
	return req, nil
}

// screenshotPart validates the screenshot. Anything that is not a decodable
// raster image under the size ceiling is dropped and the call proceeds on the
// DOM alone.
func (c *Client) screenshotPart(data []byte, logger *zap.Logger) (schemas.ImagePart, bool) {
	if len(data) == 0 {
		return schemas.ImagePart{}, false
	}
	if c.cfg.MaxScreenshotBytes > 0 && len(data) > c.cfg.MaxScreenshotBytes {
		logger.Debug("Dropping oversized screenshot", zap.Int("bytes", len(data)), zap.Int("limit", c.cfg.MaxScreenshotBytes))
		return schemas.ImagePart{}, false
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		logger.Debug("Dropping screenshot that is not a raster image", zap.Error(err))
		return schemas.ImagePart{}, false
	}
	return schemas.ImagePart{MIMEType: "image/" + format, Data: data}, true
}

func (c *Client) generateWithRetry(ctx context.Context, req schemas.GenerationRequest, logger *zap.Logger) (string, error) {
	var raw string
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
		}
		c.invocations.Add(1)

		callCtx := ctx
		if c.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
		}

		out, err := c.llm.Generate(callCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			logger.Warn("Oracle call failed", zap.Error(err))
			return err
		}
		raw = out
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return "", err
	}
	return raw, nil
}

// newBackOff allows exactly one retry.
func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.MaxInterval = c.cfg.RetryMaxInterval
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 1)
}

// tierFor routes cheap dialog detection to the fast model.
func tierFor(goal schemas.Goal) schemas.ModelTier {
	if goal == schemas.GoalFindObstruction {
		return schemas.TierFast
	}
	return schemas.TierPowerful
}
