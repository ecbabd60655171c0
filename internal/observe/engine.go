// Package observe keeps hover and lock affordances attached to every
// message-like element of the chat page and routes page events to a Handler.
//
// The page side (the injected hook) reports raw events; this package decides
// what to do with them. Structural mutations are coalesced over a short
// trailing window before the added nodes are drained and attached.
package observe

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"hoverreply/internal/dom"
	"hoverreply/internal/metrics"
)

// Kind names a page event.
type Kind string

const (
	KindMutation    Kind = "mutation"
	KindHover       Kind = "hover"
	KindLeave       Kind = "leave"
	KindSelect      Kind = "select"
	KindLock        Kind = "lock"
	KindLockHovered Kind = "lockHovered"
	KindUnlock      Kind = "unlock"
	KindRegenerate  Kind = "regenerate"
	KindToggleLock  Kind = "toggleLock"
	KindInsert      Kind = "insert"
	KindCopy        Kind = "copy"
	KindDismiss     Kind = "dismiss"
)

// Event is one report from the page hook.
type Event struct {
	Kind   Kind       `json:"kind"`
	Handle dom.Handle `json:"handle,omitempty"`
	// Added carries the pending tokens of nodes added by a mutation.
	Added []string `json:"added,omitempty"`
	// Text carries the reply text for insert and copy.
	Text string `json:"text,omitempty"`
}

// Page is the live chat page.
type Page interface {
	// Events delivers hook reports. The channel lives as long as the page.
	Events() <-chan Event
	// InstallHooks installs the mutation observer and the document-level
	// listeners. It must be idempotent.
	InstallHooks(ctx context.Context) error
	// AttachInitial attaches every unmarked element matched by the broad
	// message selectors and returns their handles.
	AttachInitial(ctx context.Context) ([]dom.Handle, error)
	// AttachAdded drains nodes added since the last call: each node that looks
	// like a message is attached, otherwise its unattached message-like
	// descendants are. It returns the new handles.
	AttachAdded(ctx context.Context, tokens []string) ([]dom.Handle, error)
	// Detach disconnects the observer and unmarks every attached element.
	Detach(ctx context.Context) error
}

// Handler receives routed user interactions.
type Handler interface {
	Hover(ctx context.Context, h dom.Handle)
	Leave(h dom.Handle)
	Select(h dom.Handle)
	LockToMessage(ctx context.Context, h dom.Handle) error
	LockHovered(ctx context.Context) error
	Unlock(ctx context.Context)
	Regenerate(ctx context.Context, h dom.Handle) error
	ToggleLock(ctx context.Context, h dom.Handle) error
	Insert(ctx context.Context, text string) error
	Copy(ctx context.Context, text string) error
	Dismiss(ctx context.Context, h dom.Handle) error
}

// ErrRunning is returned by Start when the engine is already running.
var ErrRunning = errors.New("observe: engine already running")

// Options tunes an Engine.
type Options struct {
	// Window is the mutation coalescing window (default 100ms).
	Window time.Duration
	// MaxBuffer flushes the coalescer early once this many nodes are pending.
	MaxBuffer    int
	RegistrySize int
	Metrics      *metrics.Metrics
	// OnAttached is called for every newly attached handle.
	OnAttached func(h dom.Handle)
	// Lifetime bounds the event loop. When nil the loop runs until Stop.
	Lifetime context.Context
}

// Engine ties a Page to a Handler.
type Engine struct {
	page     Page
	handler  Handler
	opts     Options
	registry *Registry

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	coalescer *Coalescer[string]
}

// NewEngine builds a stopped Engine.
func NewEngine(page Page, handler Handler, opts Options) (*Engine, error) {
	reg, err := NewRegistry(opts.RegistrySize, opts.Metrics)
	if err != nil {
		return nil, err
	}
	return &Engine{page: page, handler: handler, opts: opts, registry: reg}, nil
}

// Registry exposes the attached-element registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Running reports whether monitoring is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start installs the hooks, runs the initial pass and begins routing events.
// ctx bounds only the setup; the loop runs under Options.Lifetime.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrRunning
	}
	e.running = true
	e.mu.Unlock()

	if err := e.page.InstallHooks(ctx); err != nil {
		e.setStopped()
		return err
	}
	handles, err := e.page.AttachInitial(ctx)
	if err != nil {
		e.setStopped()
		return err
	}
	e.record(handles)
	log.Printf("[observe] initial pass attached %d elements", len(handles))

	life := e.opts.Lifetime
	if life == nil {
		life = context.WithoutCancel(ctx)
	}
	loopCtx, cancel := context.WithCancel(life)
	coalescer := NewCoalescer(e.opts.Window, e.opts.MaxBuffer, func(tokens []string) {
		e.drain(loopCtx, tokens)
	})
	done := make(chan struct{})

	e.mu.Lock()
	e.cancel, e.done, e.coalescer = cancel, done, coalescer
	e.mu.Unlock()

	go e.loop(loopCtx, coalescer, done)
	return nil
}

// Stop halts monitoring: pending mutations are dropped, the observer is
// disconnected and every element is unmarked. Stopping a stopped engine is a
// no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel, done, coalescer := e.cancel, e.done, e.coalescer
	e.running = false
	e.cancel, e.done, e.coalescer = nil, nil, nil
	e.mu.Unlock()

	if coalescer != nil {
		coalescer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	e.registry.Purge()
	return e.page.Detach(ctx)
}

// Flush drains pending mutations immediately.
func (e *Engine) Flush() {
	e.mu.Lock()
	c := e.coalescer
	e.mu.Unlock()
	if c != nil {
		c.Flush()
	}
}

func (e *Engine) setStopped() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

func (e *Engine) loop(ctx context.Context, coalescer *Coalescer[string], done chan struct{}) {
	defer close(done)
	events := e.page.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == KindMutation {
				coalescer.Add(ev.Added...)
				continue
			}
			e.route(ctx, ev)
		}
	}
}

func (e *Engine) drain(ctx context.Context, tokens []string) {
	if ctx.Err() != nil {
		return
	}
	handles, err := e.page.AttachAdded(ctx, dedupe(tokens))
	if err != nil {
		log.Printf("[observe] attach added nodes: %v", err)
		return
	}
	e.record(handles)
}

func (e *Engine) record(handles []dom.Handle) {
	now := time.Now()
	for _, h := range handles {
		if e.registry.Add(h, now) && e.opts.OnAttached != nil {
			e.opts.OnAttached(h)
		}
	}
}

// route dispatches a non-mutation event. Elements reached through the
// document-level fallback may be unknown to the registry, so they are
// recorded on first sight.
func (e *Engine) route(ctx context.Context, ev Event) {
	if ev.Handle != "" {
		e.record([]dom.Handle{ev.Handle})
	}

	var err error
	switch ev.Kind {
	case KindHover:
		e.handler.Hover(ctx, ev.Handle)
	case KindLeave:
		e.handler.Leave(ev.Handle)
	case KindSelect:
		e.handler.Select(ev.Handle)
	case KindLock:
		err = e.handler.LockToMessage(ctx, ev.Handle)
	case KindLockHovered:
		err = e.handler.LockHovered(ctx)
	case KindUnlock:
		e.handler.Unlock(ctx)
	case KindRegenerate:
		err = e.handler.Regenerate(ctx, ev.Handle)
	case KindToggleLock:
		err = e.handler.ToggleLock(ctx, ev.Handle)
	case KindInsert:
		err = e.handler.Insert(ctx, ev.Text)
	case KindCopy:
		err = e.handler.Copy(ctx, ev.Text)
	case KindDismiss:
		err = e.handler.Dismiss(ctx, ev.Handle)
	default:
		log.Printf("[observe] ignoring unknown event kind %q", ev.Kind)
		return
	}
	if err != nil {
		log.Printf("[observe] %s on %s: %v", ev.Kind, ev.Handle, err)
	}
}

func dedupe(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0:0]
	for _, t := range tokens {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
