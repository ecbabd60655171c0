// Package lock owns the lock state: at most one chat element is the pinned
// target for reply generation, plus the element last hovered as a candidate.
//
// Both are stored as handles, never as element references. Any stored handle
// is re-validated against the page before the controller acts on it, and a
// locked handle whose element disappeared is cleared.
package lock

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"hoverreply/internal/dom"
	"hoverreply/internal/extract"
	"hoverreply/internal/metrics"
)

// User-visible notifications.
const (
	NoticeLocked        = "🔒 Locked to this message for auto-reply"
	NoticeUnlocked      = "🔓 Unlocked from message"
	NoticeBotMessage    = "⚠️ Cannot reply to bot messages"
	NoticeNoContent     = "⚠️ No message content found"
	NoticeNoRegenerate  = "⚠️ No message content found for regeneration"
	NoticeLockLost      = "🔓 Locked message is no longer on the page"
	NoticeNothingLocked = "No message is locked"
)

// ErrNotAttached is returned when a handle no longer points at a live element.
var ErrNotAttached = errors.New("lock: element is no longer attached")

// Surface is the page as the controller sees it.
type Surface interface {
	Attached(ctx context.Context, h dom.Handle) bool
	// Snapshot returns the element's current outerHTML.
	Snapshot(ctx context.Context, h dom.Handle) (string, error)
	SetLockMarker(ctx context.Context, h dom.Handle, on bool) error
}

// Notifier shows transient status text.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Dispatcher starts reply generation without blocking.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg extract.ChatMessage, target dom.Handle) bool
	Busy() bool
}

// Overlay reports which element the reply overlay currently belongs to.
type Overlay interface {
	Showing() dom.Handle
	Hide(ctx context.Context, h dom.Handle) error
}

// Observer hears about lock transitions and extractions.
type Observer interface {
	OnLocked(h dom.Handle)
	OnUnlocked(h dom.Handle, reason string)
	OnExtracted(msg extract.ChatMessage)
}

// Options wires a Controller.
type Options struct {
	Surface    Surface
	Notifier   Notifier
	Dispatcher Dispatcher
	Overlay    Overlay
	Extractor  *extract.Extractor
	// SelfNames are author names treated as the assistant itself.
	SelfNames []string
	Observer  Observer
	Metrics   *metrics.Metrics
}

// Controller is the lock state machine.
type Controller struct {
	opts Options

	// change serializes transitions so marker moves and dispatches from
	// two lock requests never interleave. mu only guards the fields.
	change  sync.Mutex
	mu      sync.Mutex
	locked  dom.Handle
	hovered dom.Handle
}

// New returns a Controller with nothing locked.
func New(opts Options) *Controller {
	if opts.Extractor == nil {
		opts.Extractor = extract.New()
	}
	if opts.SelfNames == nil {
		opts.SelfNames = extract.DefaultSelfNames
	}
	return &Controller{opts: opts}
}

// State returns the locked and hovered handles.
func (c *Controller) State() (locked, hovered dom.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked, c.hovered
}

// Locked returns the locked handle after checking it is still attached.
// A vanished lock is cleared.
func (c *Controller) Locked(ctx context.Context) (dom.Handle, bool) {
	c.mu.Lock()
	h := c.locked
	c.mu.Unlock()
	if h == "" {
		return "", false
	}
	if c.opts.Surface.Attached(ctx, h) {
		return h, true
	}
	c.clearVanished(ctx, h)
	return "", false
}

// IsCurrent reports whether h is the locked element and is still attached.
// The generator uses it to drop stale batches.
func (c *Controller) IsCurrent(ctx context.Context, h dom.Handle) bool {
	locked, ok := c.Locked(ctx)
	return ok && locked == h
}

// LockToMessage pins h, moves the marker off any previous lock, and starts
// generation for h. Re-locking the same element regenerates.
func (c *Controller) LockToMessage(ctx context.Context, h dom.Handle) error {
	c.change.Lock()
	defer c.change.Unlock()
	return c.lockTo(ctx, h)
}

func (c *Controller) lockTo(ctx context.Context, h dom.Handle) error {
	if !c.opts.Surface.Attached(ctx, h) {
		return ErrNotAttached
	}

	c.mu.Lock()
	prev := c.locked
	c.locked = h
	c.mu.Unlock()

	if prev != "" && prev != h {
		if err := c.opts.Surface.SetLockMarker(ctx, prev, false); err != nil {
			log.Printf("[lock] clear marker on %s: %v", prev, err)
		}
		c.observeUnlock(prev, "relocked")
	}
	if err := c.opts.Surface.SetLockMarker(ctx, h, true); err != nil {
		log.Printf("[lock] set marker on %s: %v", h, err)
	}
	c.opts.Notifier.Notify(ctx, NoticeLocked)
	c.opts.Metrics.Lock("locked")
	if c.opts.Observer != nil {
		c.opts.Observer.OnLocked(h)
	}

	msg, ok := c.read(ctx, h)
	if ok && strings.TrimSpace(msg.Content) != "" {
		if extract.IsBotMessage(msg, c.opts.SelfNames...) {
			c.opts.Notifier.Notify(ctx, NoticeBotMessage)
			return nil
		}
		c.opts.Dispatcher.Dispatch(ctx, msg, h)
		return nil
	}

	if fb, ok := c.fallback(ctx, h, msg); ok {
		c.opts.Dispatcher.Dispatch(ctx, fb, h)
		return nil
	}
	c.opts.Notifier.Notify(ctx, NoticeNoContent)
	return nil
}

// Unlock clears the lock. It is a no-op when nothing is locked.
func (c *Controller) Unlock(ctx context.Context) {
	c.change.Lock()
	defer c.change.Unlock()
	c.unlock(ctx)
}

func (c *Controller) unlock(ctx context.Context) {
	c.mu.Lock()
	h := c.locked
	c.locked = ""
	c.mu.Unlock()
	if h == "" {
		return
	}
	if err := c.opts.Surface.SetLockMarker(ctx, h, false); err != nil {
		log.Printf("[lock] clear marker on %s: %v", h, err)
	}
	c.opts.Notifier.Notify(ctx, NoticeUnlocked)
	c.observeUnlock(h, "user")
}

// Hover records h as the lock candidate. Only hovering the locked element
// generates, and only when its replies are not already showing and nothing
// is in flight.
func (c *Controller) Hover(ctx context.Context, h dom.Handle) {
	c.change.Lock()
	defer c.change.Unlock()

	c.mu.Lock()
	c.hovered = h
	locked := c.locked
	c.mu.Unlock()

	if locked == "" || locked != h {
		return
	}
	if !c.opts.Surface.Attached(ctx, h) {
		c.clearVanished(ctx, h)
		return
	}
	if c.opts.Overlay != nil && c.opts.Overlay.Showing() == h {
		return
	}
	if c.opts.Dispatcher.Busy() {
		return
	}
	msg, ok := c.read(ctx, h)
	if !ok || strings.TrimSpace(msg.Content) == "" {
		log.Printf("[lock] hover on %s: no message content found", h)
		return
	}
	if extract.IsBotMessage(msg, c.opts.SelfNames...) {
		return
	}
	c.opts.Dispatcher.Dispatch(ctx, msg, h)
}

// Leave is deliberately inert: leaving an element never hides the overlay
// or cancels generation.
func (c *Controller) Leave(dom.Handle) {}

// Select records a plain click as the lock candidate.
func (c *Controller) Select(h dom.Handle) {
	c.mu.Lock()
	c.hovered = h
	c.mu.Unlock()
}

// LockHovered locks the last hovered element, if it is still on the page.
func (c *Controller) LockHovered(ctx context.Context) error {
	c.change.Lock()
	defer c.change.Unlock()

	c.mu.Lock()
	h := c.hovered
	c.mu.Unlock()
	if h == "" {
		return ErrNotAttached
	}
	if !c.opts.Surface.Attached(ctx, h) {
		c.mu.Lock()
		if c.hovered == h {
			c.hovered = ""
		}
		c.mu.Unlock()
		return ErrNotAttached
	}
	return c.lockTo(ctx, h)
}

// ToggleLock backs the overlay lock button: unlock when h is locked, lock it
// otherwise.
func (c *Controller) ToggleLock(ctx context.Context, h dom.Handle) error {
	c.change.Lock()
	defer c.change.Unlock()

	c.mu.Lock()
	locked := c.locked
	c.mu.Unlock()
	if locked == h && h != "" {
		c.unlock(ctx)
		return nil
	}
	return c.lockTo(ctx, h)
}

// Regenerate re-reads h and starts a fresh batch for it. An empty h means the
// locked element.
func (c *Controller) Regenerate(ctx context.Context, h dom.Handle) error {
	c.change.Lock()
	defer c.change.Unlock()

	if h == "" {
		var ok bool
		if h, ok = c.Locked(ctx); !ok {
			c.opts.Notifier.Notify(ctx, NoticeNothingLocked)
			return ErrNotAttached
		}
	} else if !c.opts.Surface.Attached(ctx, h) {
		return ErrNotAttached
	}

	if c.opts.Overlay != nil {
		if err := c.opts.Overlay.Hide(ctx, h); err != nil {
			log.Printf("[lock] hide overlay for %s: %v", h, err)
		}
	}

	msg, ok := c.read(ctx, h)
	if ok && strings.TrimSpace(msg.Content) != "" {
		c.opts.Dispatcher.Dispatch(ctx, msg, h)
		return nil
	}
	if fb, ok := c.fallback(ctx, h, msg); ok {
		c.opts.Dispatcher.Dispatch(ctx, fb, h)
		return nil
	}
	c.opts.Notifier.Notify(ctx, NoticeNoRegenerate)
	return nil
}

// read snapshots and extracts h. Faults are logged and reported as false.
func (c *Controller) read(ctx context.Context, h dom.Handle) (extract.ChatMessage, bool) {
	raw, err := c.opts.Surface.Snapshot(ctx, h)
	if err != nil {
		log.Printf("[lock] snapshot %s: %v", h, err)
		return extract.ChatMessage{}, false
	}
	msg, err := c.opts.Extractor.ExtractHTML(raw, h)
	if err != nil {
		log.Printf("[lock] extract %s: %v", h, err)
		return extract.ChatMessage{}, false
	}
	if c.opts.Observer != nil {
		c.opts.Observer.OnExtracted(msg)
	}
	return msg, true
}

// fallback builds a message from the coarse text of h when extraction found
// nothing usable.
func (c *Controller) fallback(ctx context.Context, h dom.Handle, base extract.ChatMessage) (extract.ChatMessage, bool) {
	raw, err := c.opts.Surface.Snapshot(ctx, h)
	if err != nil {
		return extract.ChatMessage{}, false
	}
	n, err := dom.Parse(raw)
	if err != nil {
		return extract.ChatMessage{}, false
	}
	content := strings.TrimSpace(extract.FallbackContent(n))
	if content == "" {
		return extract.ChatMessage{}, false
	}
	msg := base
	if msg.ID == "" {
		if fresh, err := c.opts.Extractor.Extract(n, h); err == nil {
			msg.ID, msg.ObservedAt = fresh.ID, fresh.ObservedAt
		}
	}
	msg.Content = content
	msg.Author = extract.UnknownAuthor
	msg.IsBotOrWebhook = false
	msg.Source = h
	return msg, true
}

// clearVanished runs under change or from the generator's staleness gate, so
// it must not take change itself.
func (c *Controller) clearVanished(ctx context.Context, h dom.Handle) {
	c.mu.Lock()
	if c.locked != h {
		c.mu.Unlock()
		return
	}
	c.locked = ""
	if c.hovered == h {
		c.hovered = ""
	}
	c.mu.Unlock()

	log.Printf("[lock] locked element %s vanished, clearing lock", h)
	c.opts.Notifier.Notify(ctx, NoticeLockLost)
	c.observeUnlock(h, "detached")
}

func (c *Controller) observeUnlock(h dom.Handle, reason string) {
	c.opts.Metrics.Lock("unlocked_" + reason)
	if c.opts.Observer != nil {
		c.opts.Observer.OnUnlocked(h, reason)
	}
}
