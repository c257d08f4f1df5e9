package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
)

// Session is a single browser tab.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.BrowserConfig
	logger *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

var _ schemas.BrowserSession = (*Session)(nil)

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// run executes actions against the tab, bounded by both the tab lifetime and
// the caller's ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	if s.closed.Load() {
		return schemas.ErrSessionClosed
	}
	runCtx, cancel := combineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// URL returns the tab's current location.
func (s *Session) URL(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return loc, nil
}

// Screenshot captures the viewport as JPEG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	quality := s.cfg.ScreenshotQuality
	if quality <= 0 || quality > 100 {
		quality = 70
	}
	var buf []byte
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(quality)).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// DOMSnapshot returns the serialized document.
func (s *Session) DOMSnapshot(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to snapshot DOM: %w", err)
	}
	return html, nil
}

// Click scrolls the first element matching selector into view and clicks it.
func (s *Session) Click(ctx context.Context, selector string) error {
	s.logger.Debug("Clicking element.", zap.String("selector", selector))
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()

	err := s.run(opCtx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	return s.actionError(ctx, opCtx, "click", selector, err)
}

// Fill enters value into the control matched by selector. File inputs receive
// value as a local path; selects take it as the option value; checkboxes and
// radios are ticked when value is truthy.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.ActionTimeout)
	defer cancel()

	var nodes []*cdp.Node
	if err := s.run(opCtx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery)); err != nil {
		return s.actionError(ctx, opCtx, "fill", selector, err)
	}
	if len(nodes) == 0 {
		return fmt.Errorf("%w: %s", schemas.ErrElementNotFound, selector)
	}

	node := nodes[0]
	tag := strings.ToLower(node.NodeName)
	inputType := strings.ToLower(node.AttributeValue("type"))
	s.logger.Debug("Filling element.", zap.String("selector", selector), zap.String("tag", tag), zap.String("type", inputType))

	var err error
	switch {
	case tag == "input" && inputType == "file":
		err = s.run(opCtx, chromedp.SetUploadFiles(selector, []string{value}, chromedp.ByQuery))
	case tag == "select":
		err = s.run(opCtx, chromedp.SetValue(selector, value, chromedp.ByQuery))
	case tag == "input" && (inputType == "checkbox" || inputType == "radio"):
		err = s.tick(opCtx, selector, truthy(value))
	default:
		err = s.run(opCtx,
			chromedp.ScrollIntoView(selector, chromedp.ByQuery),
			chromedp.Clear(selector, chromedp.ByQuery),
			chromedp.SendKeys(selector, value, chromedp.ByQuery),
		)
	}
	return s.actionError(ctx, opCtx, "fill", selector, err)
}

func (s *Session) tick(ctx context.Context, selector string, want bool) error {
	var checked bool
	if err := s.run(ctx, chromedp.JavascriptAttribute(selector, "checked", &checked, chromedp.ByQuery)); err != nil {
		return err
	}
	if checked == want {
		return nil
	}
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

// actionError classifies a failed element action. A selector that never
// matched within the action timeout is ErrElementNotFound.
func (s *Session) actionError(ctx, opCtx context.Context, action, selector string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, schemas.ErrSessionClosed) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s timed out for selector '%s'", schemas.ErrElementNotFound, action, selector)
	}
	return fmt.Errorf("%s action failed for selector '%s': %w", action, selector, err)
}

// Close closes the tab. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if err := chromedp.Cancel(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = fmt.Errorf("failed to close tab: %w", err)
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.onClose != nil {
			s.onClose()
		}
		s.logger.Debug("Session closed.")
	})
	return s.closeErr
}

// combineContext derives a context from the tab context that is also
// cancelled when opCtx is done and inherits opCtx's deadline.
func combineContext(tabCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := opCtx.Deadline(); ok {
		ctx, cancel = context.WithDeadline(tabCtx, deadline)
	} else {
		ctx, cancel = context.WithCancel(tabCtx)
	}
	stop := context.AfterFunc(opCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off", "n":
		return false
	}
	return true
}
