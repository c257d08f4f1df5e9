// Package browser drives a headless Chrome through chromedp. A Manager owns the
// browser process; every Open call gets its own tab wrapped in a Session.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoapply/api/schemas"
	"github.com/xkilldash9x/autoapply/internal/config"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultActionTimeout     = 10 * time.Second
	shutdownGracePeriod      = 15 * time.Second
)

// Manager handles the browser process lifecycle and session creation.
// It implements schemas.BrowserDriver.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// Initialization is deferred until the first session is requested.
	initOnce sync.Once
	initErr  error

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
	closed   bool
}

var _ schemas.BrowserDriver = (*Manager)(nil)

// NewManager creates a browser manager bound to ctx. Chrome is not launched
// until the first Open.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, DefaultAllocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	m := &Manager{
		cfg:           cfg,
		logger:        logger.Named("browser_manager"),
		allocCtx:      allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		sessions:      make(map[string]*Session),
	}
	m.logger.Info("Browser manager created (initialization deferred).", zap.Bool("headless", cfg.Headless))
	return m, nil
}

// initialize launches the browser by running an empty action list on the
// root browser context.
func (m *Manager) initialize() error {
	m.initOnce.Do(func() {
		m.logger.Info("Launching browser.")
		if err := chromedp.Run(m.browserCtx); err != nil {
			m.initErr = fmt.Errorf("failed to launch browser instance: %w", err)
			return
		}
		m.logger.Info("Browser launched.")
	})
	return m.initErr
}

// Open creates a new tab and navigates it to url. The returned error wraps
// ErrNavigationTimeout for timeouts and ErrUnreachable for DNS failures,
// refused connections and non-2xx documents.
func (m *Manager) Open(ctx context.Context, url string) (schemas.BrowserSession, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("browser manager is shut down")
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.initialize(); err != nil {
		m.wg.Done()
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	s := &Session{
		id:     uuid.NewString(),
		ctx:    tabCtx,
		cancel: tabCancel,
		cfg:    m.cfg,
		logger: m.logger.Named("session"),
	}
	s.logger = s.logger.With(zap.String("session_id", s.id))
	s.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
		m.wg.Done()
	}

	if err := m.navigate(ctx, s, url); err != nil {
		_ = s.Close()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Debug("New session opened.", zap.String("session_id", s.id), zap.String("url", url))
	return s, nil
}

func (m *Manager) navigate(ctx context.Context, s *Session, url string) error {
	setup := []chromedp.Action{network.Enable()}
	if m.cfg.DisableCache {
		setup = append(setup, network.SetCacheDisabled(true))
	}
	// The first Run creates the target and binds its event loop to the
	// context it receives, so it must be the tab context itself.
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Run(s.ctx, setup...) }()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to prepare browser tab: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	navCtx, navCancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
	defer navCancel()

	runCtx, runCancel := combineContext(s.ctx, navCtx)
	defer runCancel()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return classifyNavigationError(navCtx, url, err)
	}
	if resp != nil {
		if err := classifyStatus(url, resp.Status); err != nil {
			return err
		}
	}

	if err := chromedp.Run(runCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return classifyNavigationError(navCtx, url, err)
	}

	if m.cfg.PostLoadWait > 0 {
		select {
		case <-time.After(m.cfg.PostLoadWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ActiveSessions returns the number of open sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session and then the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager.", zap.Int("open_sessions", len(open)))
	for _, s := range open {
		if err := s.Close(); err != nil {
			m.logger.Warn("Error during session close in shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	var shutdownErr error
	errCh := make(chan error, 1)
	go func() { errCh <- chromedp.Cancel(m.browserCtx) }()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			shutdownErr = fmt.Errorf("failed to close browser: %w", err)
		}
	case <-cleanupCtx.Done():
		shutdownErr = errors.New("timed out closing browser")
	}
	m.browserCancel()
	m.allocCancel()

	m.logger.Info("Browser manager shutdown complete.")
	return shutdownErr
}
