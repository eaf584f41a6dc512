// internal/browser/js.go
package browser

import (
	_ "embed"
	"strings"
)

const scriptPlaceholder = "/*SCRIPT*/"

var (
	// syncTemplate turns a script body into a function declaration; the script sees its
	// arguments through the usual `arguments` object and yields a value with `return`.
	//go:embed js/sync.js
	syncTemplate string

	// asyncTemplate wraps a script body in a Promise and appends a one-shot completion
	// callback to its arguments. The Promise settles with the first value passed to the
	// callback, or rejects if the body throws before calling it.
	//go:embed js/async.js
	asyncTemplate string

	// querySelectorJS resolves a CSS selector to the first matching element, or null.
	//go:embed js/querySelector.js
	querySelectorJS string

	// innerTextJS returns the rendered text of the element it is called on.
	//go:embed js/innerText.js
	innerTextJS string

	// listInfoJS reports the length of an array-like receiver and whether any entry is a
	// DOM node.
	//go:embed js/listInfo.js
	listInfoJS string

	// itemJS returns the receiver's entry at the given index.
	//go:embed js/item.js
	itemJS string

	// selfJS returns its receiver; called with returnByValue it serializes a remote object.
	//go:embed js/self.js
	selfJS string
)

func buildFunction(template, script string) string {
	return strings.Replace(template, scriptPlaceholder, script, 1)
}
