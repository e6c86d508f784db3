package browser

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// SessionManager owns the Playwright runtime and tracks active sessions.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	playwright  *playwright.Playwright
	maxSessions int
	initialized bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*Session),
		maxSessions: DefaultMaxSessions,
	}
}

// Initialize installs and starts the Playwright driver.
// This must be called before creating any sessions.
func (m *SessionManager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	// Discard driver output so it does not interleave with the console relay.
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	m.playwright = pw
	m.initialized = true
	return nil
}

// StartSession creates a new browser session with the given name and options.
// When opts.Endpoint is set it attaches to the running browser at that
// DevTools endpoint and adopts its first open page; otherwise it launches a
// fresh Chromium instance.
func (m *SessionManager) StartSession(name string, opts SessionOptions) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[name]; exists {
		return nil, fmt.Errorf("session %q already exists", name)
	}
	if len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("maximum number of sessions (%d) reached", m.maxSessions)
	}
	if !m.initialized {
		return nil, fmt.Errorf("session manager not initialized")
	}

	if opts.Viewport == nil {
		opts.Viewport = &Viewport{
			Width:  DefaultViewportWidth,
			Height: DefaultViewportHeight,
		}
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	var (
		br      playwright.Browser
		context playwright.BrowserContext
		page    playwright.Page
		err     error
	)

	if opts.Endpoint != "" {
		br, context, page, err = m.attach(opts)
	} else {
		br, context, page, err = m.launch(opts)
	}
	if err != nil {
		return nil, err
	}

	page.SetDefaultTimeout(opts.Timeout)

	now := time.Now()
	session := &Session{
		Name:       name,
		Browser:    br,
		Context:    context,
		Page:       page,
		Headless:   opts.Headless,
		Attached:   opts.Endpoint != "",
		CreatedAt:  now,
		LastUsedAt: now,
		CurrentURL: page.URL(),
	}

	m.sessions[name] = session
	return session, nil
}

// launch starts a new Chromium instance with an isolated context.
func (m *SessionManager) launch(opts SessionOptions) (playwright.Browser, playwright.BrowserContext, playwright.Page, error) {
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
	}
	br, err := m.playwright.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
	}
	context, err := br.NewContext(contextOpts)
	if err != nil {
		br.Close()
		return nil, nil, nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := context.NewPage()
	if err != nil {
		context.Close()
		br.Close()
		return nil, nil, nil, fmt.Errorf("failed to create page: %w", err)
	}

	return br, context, page, nil
}

// attach connects over CDP and adopts the first existing page, creating one
// when the attached browser has none open.
func (m *SessionManager) attach(opts SessionOptions) (playwright.Browser, playwright.BrowserContext, playwright.Page, error) {
	br, err := m.playwright.Chromium.ConnectOverCDP(opts.Endpoint)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to %s: %w", opts.Endpoint, err)
	}

	contexts := br.Contexts()
	if len(contexts) == 0 {
		br.Close()
		return nil, nil, nil, fmt.Errorf("attached browser at %s has no contexts", opts.Endpoint)
	}
	context := contexts[0]

	pages := context.Pages()
	var page playwright.Page
	if len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = context.NewPage()
		if err != nil {
			br.Close()
			return nil, nil, nil, fmt.Errorf("failed to create page in attached browser: %w", err)
		}
	}

	return br, context, page, nil
}

// GetSession retrieves an active session by name.
func (m *SessionManager) GetSession(name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[name]
	if !exists {
		return nil, fmt.Errorf("session %q not found", name)
	}
	return session, nil
}

// CloseSession closes and removes a browser session. Sessions attached to an
// external browser release their connection without closing the browser.
func (m *SessionManager) CloseSession(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[name]
	if !exists {
		return fmt.Errorf("session %q not found", name)
	}

	session.close()
	delete(m.sessions, name)
	return nil
}

// Shutdown closes all sessions and stops the Playwright driver.
func (m *SessionManager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, session := range m.sessions {
		session.close()
		delete(m.sessions, name)
	}

	if m.initialized && m.playwright != nil {
		if err := m.playwright.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		m.initialized = false
	}
	return nil
}
