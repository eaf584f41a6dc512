// internal/browser/browser_helper_test.go
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scriptharness/internal/config"
)

const (
	defaultBrowserTestTimeout = 60 * time.Second
	shutdownTimeout           = 15 * time.Second
)

// collapsiblePage mirrors the section of the practice page the harness was first written
// against: a collapsible section whose heading scripts rewrite.
const collapsiblePage = `<!DOCTYPE html>
<html>
<head><title>Collapsible Sections</title></head>
<body>
  <section class="synchole">
    <h2>Old Text</h2>
    <p class="content">Some collapsible content.</p>
  </section>
  <section class="other">
    <h2>Other Heading</h2>
  </section>
</body>
</html>`

// chromeCandidates are the executable names chromedp searches for on PATH.
var chromeCandidates = []string{
	"headless_shell",
	"headless-shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"chrome",
}

// testFixture is a sandboxed browser for a single test.
type testFixture struct {
	Config  *config.Config
	Manager *Manager
	Logger  *zap.Logger
	// RootCtx is tied to the test's lifetime.
	RootCtx context.Context
}

func requireChrome(t *testing.T) {
	t.Helper()
	for _, name := range chromeCandidates {
		if _, err := exec.LookPath(name); err == nil {
			return
		}
	}
	t.Skip("no Chrome or Chromium executable found on PATH")
}

func newTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Browser.Headless = true
	cfg.Browser.Concurrency = 2
	cfg.Browser.StartupTimeout = 30 * time.Second
	cfg.Harness.NavigationTimeout = 15 * time.Second
	cfg.Harness.ScriptTimeout = 5 * time.Second
	return cfg
}

// newTestFixture starts a dedicated browser for t and shuts it down on cleanup.
func newTestFixture(t *testing.T, configurators ...func(*config.Config)) *testFixture {
	t.Helper()
	requireChrome(t)

	cfg := newTestConfig()
	for _, configure := range configurators {
		configure(cfg)
	}
	logger := zaptest.NewLogger(t)

	rootCtx, cancel := context.WithTimeout(context.Background(), defaultBrowserTestTimeout)
	t.Cleanup(cancel)

	manager, err := NewManager(rootCtx, cfg, logger)
	require.NoError(t, err, "failed to start browser manager")

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			t.Logf("browser manager shutdown: %v", err)
		}
	})

	return &testFixture{
		Config:  cfg,
		Manager: manager,
		Logger:  logger,
		RootCtx: rootCtx,
	}
}

// openSession opens url and closes the session when the test ends, whatever the outcome.
func (f *testFixture) openSession(t *testing.T, url string) *Session {
	t.Helper()
	s, err := f.Manager.Open(f.RootCtx, url)
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(closeCtx)
	})
	return s
}

// createTestServer starts an httptest server that is closed on cleanup.
func createTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func createStaticTestServer(t *testing.T, html string) *httptest.Server {
	t.Helper()
	return createTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, html)
	}))
}
