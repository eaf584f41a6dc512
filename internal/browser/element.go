// internal/browser/element.go
package browser

import (
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
)

// ElementRef is a handle to a DOM node in the page of the Session that produced it. It is
// only meaningful while that Session is open and the page has not navigated away.
type ElementRef struct {
	id          runtime.RemoteObjectID
	session     *Session
	description string
}

// String returns the node's description as reported by the page (e.g. "h2#title").
func (r *ElementRef) String() string {
	if r.description == "" {
		return string(r.id)
	}
	return r.description
}

// errNestedElementRef is returned when an ElementRef is found inside a slice, map or
// struct argument. Only top-level arguments are passed by object id.
var errNestedElementRef = errors.New("element references must be top-level arguments")

// MarshalJSON always fails. An ElementRef names a live node in one page; encoded as JSON it
// would reach the script as an empty object.
func (r ElementRef) MarshalJSON() ([]byte, error) {
	return nil, errNestedElementRef
}

// checkRef verifies that ref can be used with s.
func (s *Session) checkRef(ref *ElementRef) error {
	if ref == nil {
		return fmt.Errorf("nil element reference")
	}
	if ref.session != s {
		return fmt.Errorf("element %s belongs to a different session", ref)
	}
	if s.isClosed() {
		return ErrSessionClosed
	}
	return nil
}
