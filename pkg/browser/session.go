package browser

import (
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Session represents an active browser session with its associated resources.
// It implements the Page interface consumed by the detection and injection
// packages.
type Session struct {
	// Name is the unique identifier for this session.
	Name string

	// Browser is the Playwright browser instance.
	Browser playwright.Browser

	// Context is the browser context (isolated session).
	Context playwright.BrowserContext

	// Page is the current active page.
	Page playwright.Page

	// Headless indicates if the browser is running in headless mode.
	Headless bool

	// Attached indicates the session adopted an externally-launched browser.
	Attached bool

	// CreatedAt is the timestamp when the session was created.
	CreatedAt time.Time

	// LastUsedAt is the timestamp of the last operation on this session.
	LastUsedAt time.Time

	// CurrentURL is the URL of the current page.
	CurrentURL string
}

// UpdateLastUsed updates the LastUsedAt timestamp to the current time.
func (s *Session) UpdateLastUsed() {
	s.LastUsedAt = time.Now()
}

// Navigate navigates the session's page to the specified URL.
func (s *Session) Navigate(url string) error {
	s.UpdateLastUsed()

	if _, err := s.Page.Goto(url); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	s.CurrentURL = s.Page.URL()
	return nil
}

// Evaluate runs JavaScript in the page and returns its result.
func (s *Session) Evaluate(js string, args ...interface{}) (interface{}, error) {
	s.UpdateLastUsed()

	if len(args) > 0 {
		return s.Page.Evaluate(js, args[0])
	}
	return s.Page.Evaluate(js)
}

// Content returns the serialized HTML of the page.
func (s *Session) Content() (string, error) {
	s.UpdateLastUsed()
	return s.Page.Content()
}

// Screenshot captures the page as PNG bytes, clipped when clip is non-nil.
func (s *Session) Screenshot(clip *Rect) ([]byte, error) {
	s.UpdateLastUsed()

	opts := playwright.PageScreenshotOptions{}
	if clip != nil {
		opts.Clip = playwrightRect(clip)
	}
	data, err := s.Page.Screenshot(opts)
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return data, nil
}

// QuerySelector returns the first element matching selector, or (nil, nil)
// when nothing matches.
func (s *Session) QuerySelector(selector string) (Element, error) {
	s.UpdateLastUsed()

	handle, err := s.Page.QuerySelector(selector)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	if handle == nil {
		return nil, nil
	}
	return &element{handle: handle}, nil
}

// QuerySelectorAll returns all elements matching selector.
func (s *Session) QuerySelectorAll(selector string) ([]Element, error) {
	s.UpdateLastUsed()

	handles, err := s.Page.QuerySelectorAll(selector)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	elements := make([]Element, 0, len(handles))
	for _, h := range handles {
		elements = append(elements, &element{handle: h})
	}
	return elements, nil
}

// FrameBySelector resolves the content frame of the first iframe matching
// selector, or (nil, nil) when no such iframe exists.
func (s *Session) FrameBySelector(selector string) (Frame, error) {
	s.UpdateLastUsed()

	handle, err := s.Page.QuerySelector(selector)
	if err != nil {
		return nil, fmt.Errorf("iframe query failed: %w", err)
	}
	if handle == nil {
		return nil, nil
	}
	contentFrame, err := handle.ContentFrame()
	if err != nil {
		return nil, fmt.Errorf("content frame resolution failed: %w", err)
	}
	if contentFrame == nil {
		return nil, nil
	}
	return &frame{frame: contentFrame}, nil
}

// close releases session resources. Attached sessions only drop the CDP
// connection; the external browser keeps running.
func (s *Session) close() {
	if s.Attached {
		_ = s.Browser.Close() // Disconnects without killing the remote browser
		return
	}
	_ = s.Page.Close()    // Ignore errors, continue cleanup
	_ = s.Context.Close() // Ignore errors, continue cleanup
	_ = s.Browser.Close() // Ignore errors, continue cleanup
}

// frame adapts a Playwright frame to the Frame interface.
type frame struct {
	frame playwright.Frame
}

func (f *frame) QuerySelector(selector string) (Element, error) {
	handle, err := f.frame.QuerySelector(selector)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	if handle == nil {
		return nil, nil
	}
	return &element{handle: handle}, nil
}

func (f *frame) QuerySelectorAll(selector string) ([]Element, error) {
	handles, err := f.frame.QuerySelectorAll(selector)
	if err != nil {
		return nil, fmt.Errorf("selector query failed: %w", err)
	}
	elements := make([]Element, 0, len(handles))
	for _, h := range handles {
		elements = append(elements, &element{handle: h})
	}
	return elements, nil
}

// element adapts a Playwright element handle to the Element interface.
type element struct {
	handle playwright.ElementHandle
}

func (e *element) Click() error {
	if err := e.handle.Click(); err != nil {
		return fmt.Errorf("click failed: %w", err)
	}
	return nil
}

func (e *element) Fill(text string) error {
	if err := e.handle.Fill(text); err != nil {
		return fmt.Errorf("fill failed: %w", err)
	}
	return nil
}

func (e *element) IsVisible() (bool, error) {
	return e.handle.IsVisible()
}
