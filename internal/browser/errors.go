// internal/browser/errors.go
package browser

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionClosed is returned by any Session operation after Close, including
// operations on ElementRefs that belonged to the closed session.
var ErrSessionClosed = errors.New("browser: session is closed")

// NavigationError reports that a page could not be opened.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %q failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// ElementNotFoundError reports that a selector matched nothing in the current document.
type ElementNotFoundError struct {
	Selector string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("no element matches selector %q", e.Selector)
}

// ScriptExecutionError reports an exception raised by page-context script. Message is the
// page-side description (usually "Name: message" plus a stack).
type ScriptExecutionError struct {
	Message string
	Err     error
}

func (e *ScriptExecutionError) Error() string {
	return "script execution failed: " + e.Message
}

func (e *ScriptExecutionError) Unwrap() error { return e.Err }

// ScriptTimeoutError reports that an async script did not invoke its callback before the
// deadline.
type ScriptTimeoutError struct {
	Timeout time.Duration
}

func (e *ScriptTimeoutError) Error() string {
	return fmt.Sprintf("async script did not invoke its callback within %v", e.Timeout)
}
