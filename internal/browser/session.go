// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptharness/internal/config"
)

const (
	objectGroupPrefix    = "scriptharness-"
	defaultScriptTimeout = 30 * time.Second
	closeTimeout         = 5 * time.Second
)

// Session is one browser tab bound to one page. Scripts run in the page's main frame.
// A Session is not meant for concurrent use; invocations are serialized.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    *config.Config

	// objectGroup holds every remote object the session hands out (ElementRefs, globalThis)
	// so they can be released in one call on Close.
	objectGroup string

	// release returns the manager slot.
	release func()

	// execMu serializes script invocations. Close does not take it, so closing the
	// session aborts a pending call instead of waiting for it.
	execMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// newSession opens a new tab in the browser owned by browserCtx.
func newSession(browserCtx context.Context, cfg *config.Config, logger *zap.Logger, release func()) (*Session, error) {
	id := uuid.NewString()
	tabCtx, cancel := chromedp.NewContext(browserCtx)

	// Creates the target.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create browser tab: %w", err)
	}

	s := &Session{
		id:          id,
		ctx:         tabCtx,
		cancel:      cancel,
		logger:      logger.Named("session").With(zap.String("session_id", id)),
		cfg:         cfg,
		objectGroup: objectGroupPrefix + id,
		release:     release,
	}
	s.logger.Debug("Browser tab created.")
	return s, nil
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) isClosed() bool {
	return s.closed.Load()
}

func (s *Session) navigate(ctx context.Context, url string) error {
	timeout := s.cfg.Harness.NavigationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	navCtx, cancelNav := context.WithTimeout(runCtx, timeout)
	defer cancelNav()

	start := time.Now()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		s.logger.Warn("Navigation failed.", zap.String("url", url), zap.Error(err))
		return &NavigationError{URL: url, Err: err}
	}
	s.logger.Debug("Navigation complete.", zap.String("url", url), zap.Duration("duration", time.Since(start)))
	return nil
}

// Locate returns a reference to the first element in document order that matches the
// CSS selector.
func (s *Session) Locate(ctx context.Context, selector string) (*ElementRef, error) {
	var ref *ElementRef
	err := s.invoke(ctx, func(ctx context.Context) error {
		global, err := s.globalObject(ctx)
		if err != nil {
			return err
		}
		args, err := s.marshalArgs([]interface{}{selector})
		if err != nil {
			return err
		}
		res, err := s.callFunction(ctx, querySelectorJS, global, args, false)
		if err != nil {
			return err
		}
		if res == nil || res.Subtype != runtime.SubtypeNode || res.ObjectID == "" {
			return &ElementNotFoundError{Selector: selector}
		}
		ref = &ElementRef{id: res.ObjectID, session: s, description: res.Description}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// RunSync runs script as the body of a function called with args and returns the value of
// its return statement. Elements are passed as top-level *ElementRef arguments; a ref nested
// in a slice or map is rejected. A returned node comes back as *ElementRef, and a returned
// array or NodeList holding nodes as []interface{} with an *ElementRef per node. Other
// objects are decoded by value.
func (s *Session) RunSync(ctx context.Context, script string, args ...interface{}) (interface{}, error) {
	var result interface{}
	err := s.invoke(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.call(ctx, buildFunction(syncTemplate, script), args, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RunAsync runs script like RunSync but appends a completion callback to args. The first
// value passed to the callback is returned. If the callback is not invoked within timeout,
// RunAsync returns a *ScriptTimeoutError. A non-positive timeout uses harness.script_timeout.
func (s *Session) RunAsync(ctx context.Context, script string, timeout time.Duration, args ...interface{}) (interface{}, error) {
	if timeout <= 0 {
		timeout = s.cfg.Harness.ScriptTimeout
		if timeout <= 0 {
			timeout = defaultScriptTimeout
		}
	}

	var result interface{}
	err := s.invoke(ctx, func(runCtx context.Context) error {
		opCtx, cancel := context.WithTimeout(runCtx, timeout)
		defer cancel()

		var err error
		result, err = s.call(opCtx, buildFunction(asyncTemplate, script), args, true)
		if err == nil {
			return nil
		}
		// Only our own deadline counts as a script timeout; the caller giving up or the
		// session closing is reported as is.
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil {
			s.logger.Debug("Async script timed out.", zap.Duration("timeout", timeout))
			return &ScriptTimeoutError{Timeout: timeout}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Text returns the rendered text (innerText) of the referenced element.
func (s *Session) Text(ctx context.Context, ref *ElementRef) (string, error) {
	var text string
	err := s.invoke(ctx, func(ctx context.Context) error {
		if err := s.checkRef(ref); err != nil {
			return err
		}
		res, exp, err := runtime.CallFunctionOn(innerTextJS).
			WithObjectID(ref.id).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exp != nil {
			return newScriptExecutionError(exp)
		}
		if res == nil || len(res.Value) == 0 {
			return nil
		}
		return json.Unmarshal(res.Value, &text)
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// Close releases the session's remote objects and closes its tab. It is safe to call more
// than once; later calls return nil.
//
// Close must not be called while a RunAsync is outstanding on the session. It does not wait
// for the pending call, which then fails with a context error instead of its result.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.logger.Debug("Closing browser session.")

		// The caller's ctx may already be done; the release still gets a short window.
		bounded, cancelBounded := context.WithTimeout(Detach(ctx), closeTimeout)
		releaseCtx, cancel := CombineContext(s.ctx, bounded)
		err := chromedp.Run(releaseCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return runtime.ReleaseObjectGroup(s.objectGroup).Do(ctx)
		}))
		cancel()
		cancelBounded()
		if err != nil {
			s.logger.Debug("Could not release object group.", zap.Error(err))
		}

		s.cancel()
		if s.release != nil {
			s.release()
		}
	})
	return nil
}

// invoke runs fn against the session's tab, holding the invocation lock. fn's ctx ends
// when either the session or the caller's ctx does.
func (s *Session) invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if s.isClosed() {
		return ErrSessionClosed
	}

	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()

	var fnErr error
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(c context.Context) error {
		fnErr = fn(c)
		return fnErr
	}))
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		if s.isClosed() {
			return fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		return err
	}
	return nil
}

// call invokes a function declaration on globalThis with args and decodes its result.
func (s *Session) call(ctx context.Context, fn string, args []interface{}, await bool) (interface{}, error) {
	callArgs, err := s.marshalArgs(args)
	if err != nil {
		return nil, err
	}
	global, err := s.globalObject(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.callFunction(ctx, fn, global, callArgs, await)
	if err != nil {
		return nil, err
	}
	return s.decodeResult(ctx, res)
}

func (s *Session) callFunction(ctx context.Context, fn string, this runtime.RemoteObjectID, args []*runtime.CallArgument, await bool) (*runtime.RemoteObject, error) {
	res, exp, err := runtime.CallFunctionOn(fn).
		WithObjectID(this).
		WithArguments(args).
		WithAwaitPromise(await).
		WithObjectGroup(s.objectGroup).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		return nil, newScriptExecutionError(exp)
	}
	return res, nil
}

// globalObject resolves globalThis in the page's current execution context. It is looked up
// per call since navigation replaces the context.
func (s *Session) globalObject(ctx context.Context) (runtime.RemoteObjectID, error) {
	res, exp, err := runtime.Evaluate("globalThis").
		WithObjectGroup(s.objectGroup).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve page global object: %w", err)
	}
	if exp != nil {
		return "", newScriptExecutionError(exp)
	}
	if res == nil || res.ObjectID == "" {
		return "", fmt.Errorf("page global object has no remote id")
	}
	return res.ObjectID, nil
}
