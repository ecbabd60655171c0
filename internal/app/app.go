// Package app is the application context. One App lives per process; it
// owns the shared collaborators and one Session per chat page.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"hoverreply/internal/browser"
	"hoverreply/internal/config"
	"hoverreply/internal/lock"
	"hoverreply/internal/mangle"
	"hoverreply/internal/metrics"
	"hoverreply/internal/observe"
	"hoverreply/internal/overlay"
	"hoverreply/internal/relay"
	"hoverreply/internal/settings"
)

// WatchPredicate is the derived predicate the app logs as it appears.
const WatchPredicate = "unreliable_message"

var (
	// ErrSessionExists is returned when a page is opened twice.
	ErrSessionExists = errors.New("app: chat page already has a session")
	// ErrNoSession is returned when no session matches.
	ErrNoSession = errors.New("app: no such session")
	// ErrNoBrowser is returned by OpenChat when the app has no browser.
	ErrNoBrowser = errors.New("app: no browser configured")
)

// ChatPage is everything a session needs from a chat tab.
type ChatPage interface {
	observe.Page
	lock.Surface
	overlay.Page
}

// Options wires an App. Settings and Relay are required.
type Options struct {
	Config   config.Config
	Browser  *browser.SessionManager
	Settings *settings.Store
	Relay    relay.Bridge
	Journal  *mangle.Engine
	Metrics  *metrics.Metrics
}

// App owns the process-wide collaborators.
type App struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session

	watch     chan mangle.WatchEvent
	stopWatch chan struct{}
	watchDone chan struct{}
	closed    bool
}

// New builds an App and registers the settings listener that starts and
// stops monitoring.
func New(opts Options) (*App, error) {
	if opts.Settings == nil {
		return nil, errors.New("app: settings store is required")
	}
	if opts.Relay == nil {
		return nil, errors.New("app: relay is required")
	}
	a := &App{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
	opts.Settings.OnChange(a.settingsChanged)

	if opts.Journal != nil {
		a.watch = make(chan mangle.WatchEvent, 16)
		a.stopWatch = make(chan struct{})
		a.watchDone = make(chan struct{})
		opts.Journal.Subscribe(WatchPredicate, a.watch)
		go a.logUnreliable()
	}
	return a, nil
}

// Config returns the process configuration.
func (a *App) Config() config.Config { return a.opts.Config }

// Settings returns the settings store.
func (a *App) Settings() *settings.Store { return a.opts.Settings }

// Journal returns the pipeline journal, which may be nil.
func (a *App) Journal() *mangle.Engine { return a.opts.Journal }

// Browser returns the browser session manager, which may be nil.
func (a *App) Browser() *browser.SessionManager { return a.opts.Browser }

// TestConnection sends a testConnection request with the stored API key.
func (a *App) TestConnection(ctx context.Context) (relay.Response, error) {
	cfg, err := a.opts.Settings.Load()
	if err != nil {
		return relay.Response{}, err
	}
	return a.opts.Relay.Send(ctx, relay.Request{
		Action: relay.ActionTestConnection,
		Config: &relay.Config{FireworksAPIKey: cfg.APIKey},
	}), nil
}

// OpenChat starts the browser if needed, opens url and starts a session on
// it. A URL that already has a session is refused.
func (a *App) OpenChat(ctx context.Context, url string) (*Session, error) {
	b := a.opts.Browser
	if b == nil {
		return nil, ErrNoBrowser
	}
	if url == "" {
		url = a.opts.Config.Browser.ChatURL
	}
	if s := a.sessionForURL(url); s != nil {
		return nil, fmt.Errorf("%w: %s (session %s)", ErrSessionExists, url, s.ID)
	}
	if !b.IsConnected() {
		if err := b.Start(ctx); err != nil {
			return nil, err
		}
	}
	page, meta, err := b.OpenChat(ctx, url)
	if err != nil {
		return nil, err
	}
	s, err := a.AttachPage(ctx, meta.ID, page, url)
	if err != nil {
		_ = b.Close(meta.ID)
		return nil, err
	}
	return s, nil
}

// AttachChat binds to a chat tab the user already has open.
func (a *App) AttachChat(ctx context.Context, targetID string) (*Session, error) {
	b := a.opts.Browser
	if b == nil {
		return nil, ErrNoBrowser
	}
	if !b.IsConnected() {
		if err := b.Start(ctx); err != nil {
			return nil, err
		}
	}
	page, meta, err := b.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}
	s, err := a.AttachPage(ctx, meta.ID, page, meta.URL)
	if err != nil {
		_ = b.Close(meta.ID)
		return nil, err
	}
	return s, nil
}

// AttachPage builds the session for an already prepared page. Monitoring
// starts right away when the bot is enabled.
func (a *App) AttachPage(ctx context.Context, id string, page ChatPage, url string) (*Session, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errors.New("app: closed")
	}
	if _, ok := a.sessions[id]; ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	a.mu.Unlock()

	s, err := newSession(id, url, page, a.opts)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if _, ok := a.sessions[id]; ok {
		a.mu.Unlock()
		s.close(ctx)
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	a.sessions[id] = s
	a.mu.Unlock()

	cfg, err := a.opts.Settings.Load()
	if err != nil {
		log.Printf("[app] load settings: %v", err)
	}
	if cfg.BotEnabled {
		if err := s.StartMonitoring(ctx); err != nil {
			log.Printf("[session:%s] start monitoring: %v", id, err)
		}
	} else {
		log.Printf("[session:%s] bot is disabled; monitoring starts when it is enabled", id)
	}
	return s, nil
}

func (a *App) sessionForURL(url string) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.sessions {
		if s.URL != "" && s.URL == url {
			return s
		}
	}
	return nil
}

// Session returns a session by ID. An empty ID resolves to the only open
// session.
func (a *App) Session(id string) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id == "" {
		if len(a.sessions) == 1 {
			for _, s := range a.sessions {
				return s, nil
			}
		}
		if len(a.sessions) == 0 {
			return nil, fmt.Errorf("%w: no chat is open", ErrNoSession)
		}
		return nil, fmt.Errorf("%w: session_id is required with %d open chats", ErrNoSession, len(a.sessions))
	}
	s, ok := a.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return s, nil
}

// Sessions returns the open sessions, oldest first.
func (a *App) Sessions() []*Session {
	a.mu.Lock()
	out := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// CloseSession stops a session and closes its tab.
func (a *App) CloseSession(ctx context.Context, id string) error {
	a.mu.Lock()
	s, ok := a.sessions[id]
	delete(a.sessions, id)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	s.close(ctx)
	if a.opts.Browser != nil {
		if err := a.opts.Browser.Close(id); err != nil {
			log.Printf("[app] close tab %s: %v", id, err)
		}
	}
	return nil
}

// Close stops every session and the journal watch.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	sessions := a.sessions
	a.sessions = make(map[string]*Session)
	a.mu.Unlock()

	for _, s := range sessions {
		s.close(ctx)
	}
	if a.watch != nil {
		a.opts.Journal.Unsubscribe(WatchPredicate, a.watch)
		close(a.stopWatch)
		<-a.watchDone
	}
	return nil
}

// settingsChanged starts monitoring on every page when the bot is switched
// on and stops it when switched off.
func (a *App) settingsChanged(prev, next settings.Config) {
	if prev.BotEnabled == next.BotEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range a.Sessions() {
		var err error
		if next.BotEnabled {
			err = s.StartMonitoring(ctx)
		} else {
			err = s.StopMonitoring(ctx)
		}
		if err != nil {
			log.Printf("[session:%s] toggle monitoring: %v", s.ID, err)
		}
	}
}

func (a *App) logUnreliable() {
	defer close(a.watchDone)
	seen := make(map[string]bool)
	for {
		var ev mangle.WatchEvent
		select {
		case ev = <-a.watch:
		case <-a.stopWatch:
			return
		}
		for _, f := range ev.Facts {
			if len(f.Args) == 0 {
				continue
			}
			id := fmt.Sprint(f.Args[0])
			if seen[id] {
				continue
			}
			seen[id] = true
			log.Printf("[app] relay keeps failing for message %s", strings.TrimSpace(id))
		}
	}
}
