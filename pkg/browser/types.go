// Package browser manages Playwright-backed browser sessions and exposes
// the narrow page contract the relay pipeline consumes: evaluate a script,
// query elements, click, fill, and capture screenshots. Detection and
// injection depend only on the interfaces here, so tests run against fakes.
package browser

import (
	"time"

	"github.com/playwright-community/playwright-go"
)

// Rect is a pixel rectangle used for screenshot clipping and element layout.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Element is a handle to a single DOM element.
type Element interface {
	// Click performs a left click on the element.
	Click() error

	// Fill focuses the element and sets its value to text.
	Fill(text string) error

	// IsVisible reports whether the element is rendered and visible.
	IsVisible() (bool, error)
}

// Frame is a queryable DOM scope: the main document or an iframe's content.
type Frame interface {
	// QuerySelector returns the first element matching selector,
	// or (nil, nil) when nothing matches.
	QuerySelector(selector string) (Element, error)

	// QuerySelectorAll returns all elements matching selector.
	QuerySelectorAll(selector string) ([]Element, error)
}

// Page is the browser-side contract consumed by the pipeline.
type Page interface {
	Frame

	// Evaluate runs a JavaScript expression in the page and returns its
	// JSON-serializable result.
	Evaluate(js string, args ...interface{}) (interface{}, error)

	// Content returns the full serialized HTML of the page.
	Content() (string, error)

	// Screenshot captures the page as PNG bytes, restricted to clip when
	// clip is non-nil.
	Screenshot(clip *Rect) ([]byte, error)

	// FrameBySelector resolves the content frame of the first iframe
	// matching selector, or (nil, nil) when no such iframe exists.
	FrameBySelector(selector string) (Frame, error)
}

// SessionOptions configures a new browser session.
type SessionOptions struct {
	// Headless controls whether the browser runs without a visible window.
	Headless bool

	// Endpoint, when set, attaches to an already-running browser over the
	// DevTools protocol instead of launching a new one.
	Endpoint string

	// Viewport sets the initial viewport size.
	Viewport *Viewport

	// Timeout sets the default timeout for page operations (milliseconds).
	Timeout float64
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// Default values for session management.
const (
	DefaultTimeout        = 30000.0 // 30 seconds in milliseconds
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultMaxSessions    = 5
	DefaultIdleTimeout    = 300 * time.Second
)

// playwrightRect converts a Rect into the Playwright clip shape.
func playwrightRect(r *Rect) *playwright.Rect {
	if r == nil {
		return nil
	}
	return &playwright.Rect{X: r.X, Y: r.Y, Width: r.W, Height: r.H}
}
