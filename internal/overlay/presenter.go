// Package overlay renders reply batches and notifications through the in-page
// hook. The Go side is the source of truth for which element the overlay
// belongs to; the hook only draws.
package overlay

import (
	"context"
	"fmt"
	"log"
	"sync"

	"hoverreply/internal/dom"
)

// Notifications shown for reply actions.
const (
	NoticeInserted    = "✅ Reply typed in Discord input"
	NoticeNoInput     = "⚠️ Could not find Discord input area"
	NoticeCopied      = "📋 Reply copied to clipboard"
	NoticeCopyFailed  = "⚠️ Could not copy reply"
	NoticeEmptyInsert = "⚠️ Nothing to insert"
)

// Page is the drawing surface.
type Page interface {
	ShowLoading(ctx context.Context, h dom.Handle) error
	ShowReplies(ctx context.Context, h dom.Handle, replies []string, locked bool) error
	HideOverlay(ctx context.Context, h dom.Handle) error
	Notify(ctx context.Context, text string) error
	FocusInput(ctx context.Context) (bool, error)
	InsertText(ctx context.Context, text string) error
	CopyText(ctx context.Context, text string) (bool, error)
}

// Presenter tracks the overlay state of one chat page.
type Presenter struct {
	page Page

	mu      sync.Mutex
	showing dom.Handle
	replies []string
	locked  func(ctx context.Context, h dom.Handle) bool
}

// New returns a Presenter drawing on page.
func New(page Page) *Presenter {
	return &Presenter{page: page}
}

// SetLockCheck installs the function deciding whether the lock button reads
// "Unlock" or "Lock". Without one, replies are drawn as locked.
func (p *Presenter) SetLockCheck(fn func(ctx context.Context, h dom.Handle) bool) {
	p.mu.Lock()
	p.locked = fn
	p.mu.Unlock()
}

// Showing returns the element the overlay currently belongs to.
func (p *Presenter) Showing() dom.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.showing
}

// Replies returns the replies currently on screen.
func (p *Presenter) Replies() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.replies...)
}

// ShowLoading implements generate.Presenter.
func (p *Presenter) ShowLoading(ctx context.Context, h dom.Handle) error {
	if err := p.page.ShowLoading(ctx, h); err != nil {
		return fmt.Errorf("overlay: loading for %s: %w", h, err)
	}
	p.mu.Lock()
	p.showing = h
	p.replies = nil
	p.mu.Unlock()
	return nil
}

// ShowReplies implements generate.Presenter.
func (p *Presenter) ShowReplies(ctx context.Context, h dom.Handle, replies []string) error {
	p.mu.Lock()
	check := p.locked
	p.mu.Unlock()

	locked := true
	if check != nil {
		locked = check(ctx, h)
	}
	if err := p.page.ShowReplies(ctx, h, replies, locked); err != nil {
		return fmt.Errorf("overlay: replies for %s: %w", h, err)
	}
	p.mu.Lock()
	p.showing = h
	p.replies = append([]string(nil), replies...)
	p.mu.Unlock()
	return nil
}

// Hide removes the overlay when it belongs to h. An empty handle hides it
// whatever it belongs to.
func (p *Presenter) Hide(ctx context.Context, h dom.Handle) error {
	p.mu.Lock()
	if h != "" && h != p.showing {
		p.mu.Unlock()
		return nil
	}
	p.showing = ""
	p.replies = nil
	p.mu.Unlock()

	if err := p.page.HideOverlay(ctx, h); err != nil {
		return fmt.Errorf("overlay: hide: %w", err)
	}
	return nil
}

// Notify implements lock.Notifier. Failures are logged only.
func (p *Presenter) Notify(ctx context.Context, text string) {
	if err := p.page.Notify(ctx, text); err != nil {
		log.Printf("[overlay] notify %q: %v", text, err)
	}
}

// InsertReply types text into the chat input.
func (p *Presenter) InsertReply(ctx context.Context, text string) error {
	if text == "" {
		p.Notify(ctx, NoticeEmptyInsert)
		return nil
	}
	found, err := p.page.FocusInput(ctx)
	if err != nil {
		return fmt.Errorf("overlay: focus input: %w", err)
	}
	if !found {
		p.Notify(ctx, NoticeNoInput)
		return nil
	}
	if err := p.page.InsertText(ctx, text); err != nil {
		return fmt.Errorf("overlay: insert: %w", err)
	}
	p.Notify(ctx, NoticeInserted)
	return nil
}

// Copy puts text on the clipboard.
func (p *Presenter) Copy(ctx context.Context, text string) error {
	ok, err := p.page.CopyText(ctx, text)
	if err != nil {
		return fmt.Errorf("overlay: copy: %w", err)
	}
	if !ok {
		p.Notify(ctx, NoticeCopyFailed)
		return nil
	}
	p.Notify(ctx, NoticeCopied)
	return nil
}
