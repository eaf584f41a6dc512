// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/scriptharness/internal/config"
	"github.com/xkilldash9x/scriptharness/internal/observability"
)

// Manager owns the browser process and hands out Sessions, one tab each.
type Manager struct {
	logger *zap.Logger
	cfg    *config.Config

	// allocatorCtx manages the browser process. All session contexts derive from it.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc

	// slots caps the number of simultaneously open sessions at browser.concurrency.
	slots *semaphore.Weighted
	wg    sync.WaitGroup
}

// NewManager starts (or attaches to) a browser and verifies that it responds.
func NewManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Browser.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	m := &Manager{
		logger: logger.Named("browser_manager"),
		cfg:    cfg,
		slots:  semaphore.NewWeighted(int64(concurrency)),
	}

	if err := m.launchBrowser(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

// launchBrowser creates the allocator and the browser context, then waits until the
// browser can load a blank page.
func (m *Manager) launchBrowser(ctx context.Context) error {
	if m.cfg.Browser.RemoteURL != "" {
		m.logger.Info("Attaching to remote browser.", zap.String("url", m.cfg.Browser.RemoteURL))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewRemoteAllocator(ctx, m.cfg.Browser.RemoteURL)
	} else {
		m.logger.Info("Launching local browser.", zap.Bool("headless", m.cfg.Browser.Headless))
		m.allocatorCtx, m.allocatorCancel = chromedp.NewExecAllocator(ctx, m.buildAllocatorOptions()...)
	}
	// The first context created from the allocator owns the browser; canceling it closes
	// the browser, so it lives until Shutdown and sessions are opened as its child tabs.
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocatorCtx, chromedpLogOptions(m.logger)...)

	startupTimeout := m.cfg.Browser.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = 30 * time.Second
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = startupTimeout

	attempt := 0
	probe := func() error {
		attempt++
		err := m.probe(startupTimeout)
		if err == nil {
			return nil
		}
		// The executable is missing or misconfigured; waiting will not help.
		if isPermanentLaunchError(err) {
			return backoff.Permanent(err)
		}
		m.logger.Debug("Browser not ready yet.", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	if err := backoff.Retry(probe, backoff.WithContext(policy, ctx)); err != nil {
		m.browserCancel()
		m.allocatorCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.logger.Info("Browser is responsive.", zap.Int("attempts", attempt))
	return nil
}

// probe allocates the browser on first use and loads about:blank in its initial tab.
func (m *Manager) probe(timeout time.Duration) error {
	// No deadline here: the context of the first Run bounds the browser's lifetime.
	if err := chromedp.Run(m.browserCtx); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(m.browserCtx, timeout)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Navigate("about:blank"))
}

func isPermanentLaunchError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "no such file or directory") ||
		strings.Contains(msg, "permission denied")
}

// buildAllocatorOptions assembles the Chrome flags for a local browser.
func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	opts = append(opts,
		chromedp.Flag("headless", m.cfg.Browser.Headless),
		chromedp.Flag("ignore-certificate-errors", m.cfg.Browser.IgnoreTLSErrors),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", m.cfg.Browser.Headless),
	)

	if m.cfg.Browser.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(m.cfg.Browser.ExecPath))
	}
	if m.cfg.Browser.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(m.cfg.Browser.UserDataDir))
	}

	// Extra flags from config, e.g. "--lang=en-US" or "--mute-audio".
	for _, arg := range m.cfg.Browser.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	// Containers rarely allow the sandbox or a large /dev/shm.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	return opts
}

// Open creates a new Session and navigates it to url. It blocks while
// browser.concurrency sessions are already open. The returned Session must be closed.
func (m *Manager) Open(ctx context.Context, url string) (*Session, error) {
	if err := m.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for a free browser slot: %w", err)
	}
	m.wg.Add(1)
	release := func() {
		m.slots.Release(1)
		m.wg.Done()
	}

	s, err := newSession(m.browserCtx, m.cfg, m.logger, release)
	if err != nil {
		release()
		return nil, err
	}

	if err := s.navigate(ctx, url); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Close(closeCtx)
		return nil, err
	}
	return s, nil
}

// Shutdown waits for open sessions to close (bounded by ctx) and then terminates the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated. Waiting for open sessions...")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		m.logger.Info("All sessions have closed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
		err = fmt.Errorf("sessions still open at shutdown: %w", ctx.Err())
	}

	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocatorCancel != nil {
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	return err
}

// chromedpLogOptions routes chromedp's internal logging into zap.
func chromedpLogOptions(logger *zap.Logger) []chromedp.ContextOption {
	return []chromedp.ContextOption{
		chromedp.WithLogf(observability.Printf(logger, zap.DebugLevel)),
		chromedp.WithErrorf(observability.Printf(logger, zap.WarnLevel)),
	}
}
