// Package browser owns the Chrome connection and the chat pages opened in it.
package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"hoverreply/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
)

//go:embed hook.js
var hookJS string

// BindingName is the runtime binding the hook reports through.
const BindingName = "__hoverReplyBinding"

// ErrNotConnected is returned when no browser is connected.
var ErrNotConnected = errors.New("browser not connected")

// Session describes an open chat page.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta Session
	page *ChatPage
}

// SessionManager owns the Chrome instance and tracks chat pages.
type SessionManager struct {
	cfg        config.BrowserConfig
	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	controlURL string
}

func NewSessionManager(cfg config.BrowserConfig) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		sessions: make(map[string]*sessionRecord),
	}
}

// launcherFor builds a rod launcher from the configured launch command. Flags
// are given as "--name=value" or "--name".
func launcherFor(cfg config.BrowserConfig) *launcher.Launcher {
	l := launcher.New().Bin(cfg.Launch[0]).Headless(cfg.IsHeadless())
	for _, rawFlag := range cfg.Launch[1:] {
		flagStr := strings.TrimLeft(rawFlag, "-")
		if flagStr == "" {
			continue
		}
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// Start connects to an existing Chrome or launches a new one.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		log.Printf("[browser] stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		for id, rec := range m.sessions {
			rec.page.close()
			delete(m.sessions, id)
		}
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		url, err := launcherFor(m.cfg).Launch()
		if err != nil {
			fallback := launcher.New().Bin(m.cfg.Launch[0]).Headless(m.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			url = alt
		}
		controlURL = url
	}

	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	log.Printf("[browser] connected at %s", controlURL)
	return nil
}

// ControlURL returns the DevTools WebSocket URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes tracked pages and the browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.sessions {
		rec.page.close()
		delete(m.sessions, id)
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	log.Printf("[browser] shutdown complete")
	return err
}

// List returns metadata for all open chat pages.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		results = append(results, rec.meta)
	}
	return results
}

// Page returns the chat page of a session.
func (m *SessionManager) Page(sessionID string) (*ChatPage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.page, true
}

// OpenChat opens url in a new tab, prepares the hook and waits for the chat
// container. A tab that never shows a chat container is closed.
func (m *SessionManager) OpenChat(ctx context.Context, url string) (*ChatPage, Session, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, Session{}, ErrNotConnected
	}
	if url == "" {
		url = m.cfg.ChatURL
	}

	var (
		page *rod.Page
		err  error
	)
	if m.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, Session{}, fmt.Errorf("create page: %w", err)
	}

	if len(m.cfg.Launch) > 0 {
		if err := (proto.EmulationSetDeviceMetricsOverride{
			Width:             m.cfg.GetViewportWidth(),
			Height:            m.cfg.GetViewportHeight(),
			DeviceScaleFactor: 1.0,
		}).Call(page); err != nil {
			log.Printf("[browser] warning: failed to set viewport: %v", err)
		}
	}

	chat, err := prepare(ctx, page)
	if err != nil {
		_ = page.Close()
		return nil, Session{}, err
	}

	if err := page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
		chat.close()
		_ = page.Close()
		return nil, Session{}, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		log.Printf("[browser] wait load %s: %v", url, err)
	}

	if err := chat.WaitForContainer(ctx, m.cfg.ContainerWait(), m.cfg.ContainerPoll()); err != nil {
		chat.close()
		_ = page.Close()
		return nil, Session{}, err
	}

	return chat, m.track(chat, url, "active"), nil
}

// Attach binds to an already open tab by target ID, for users who keep the
// chat open in their own Chrome.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*ChatPage, Session, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, Session{}, ErrNotConnected
	}

	page, err := b.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, Session{}, fmt.Errorf("attach to target %s: %w", targetID, err)
	}
	chat, err := prepare(ctx, page)
	if err != nil {
		return nil, Session{}, err
	}
	if err := chat.WaitForContainer(ctx, m.cfg.ContainerWait(), m.cfg.ContainerPoll()); err != nil {
		chat.close()
		return nil, Session{}, err
	}

	url := ""
	if info, err := page.Info(); err == nil {
		url = info.URL
	}
	return chat, m.track(chat, url, "attached"), nil
}

func (m *SessionManager) track(chat *ChatPage, url, status string) Session {
	now := time.Now()
	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(chat.page.TargetID),
		URL:        url,
		Status:     status,
		CreatedAt:  now,
		LastActive: now,
	}
	chat.id = meta.ID

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: chat}
	m.mu.Unlock()
	log.Printf("[session:%s] tracking %s (%s)", meta.ID, url, status)
	return meta
}

// Touch records activity on a session.
func (m *SessionManager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[sessionID]; ok {
		rec.meta.LastActive = time.Now()
	}
}

// Close closes one chat page.
func (m *SessionManager) Close(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not found", sessionID)
	}
	rec.page.close()
	return rec.page.page.Close()
}
