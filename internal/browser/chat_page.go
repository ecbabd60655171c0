package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"hoverreply/internal/dom"
	"hoverreply/internal/lock"
	"hoverreply/internal/observe"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const eventBuffer = 256

// ChatPage is one chat tab with the hook installed. It is the page as the
// observation engine, the lock controller and the overlay see it.
type ChatPage struct {
	id     string
	page   *rod.Page
	events chan observe.Event
	cancel context.CancelFunc
	once   sync.Once
}

// prepare adds the binding, registers the hook for every new document and
// starts forwarding binding calls as events.
func prepare(ctx context.Context, page *rod.Page) (*ChatPage, error) {
	if err := (proto.RuntimeEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable runtime: %w", err)
	}
	if err := (proto.RuntimeAddBinding{Name: BindingName}).Call(page); err != nil {
		log.Printf("[browser] addBinding failed (may already exist): %v", err)
	}
	if _, err := page.EvalOnNewDocument(hookJS); err != nil {
		return nil, fmt.Errorf("register hook: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	p := &ChatPage{
		page:   page,
		events: make(chan observe.Event, eventBuffer),
		cancel: cancel,
	}
	go p.listen(listenCtx)

	if err := p.ensureHook(ctx); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

// ID returns the session ID the page is tracked under.
func (p *ChatPage) ID() string { return p.id }

func (p *ChatPage) listen(ctx context.Context) {
	defer close(p.events)
	wait := p.page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != BindingName {
			return
		}
		ev, err := decodeEvent(e.Payload)
		if err != nil {
			log.Printf("[session:%s] bad hook payload: %v", p.id, err)
			return
		}
		select {
		case p.events <- ev:
		case <-ctx.Done():
		}
	})
	wait()
}

func decodeEvent(payload string) (observe.Event, error) {
	var ev observe.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, err
	}
	if ev.Kind == "" {
		return ev, fmt.Errorf("event without kind: %s", payload)
	}
	return ev, nil
}

func (p *ChatPage) close() {
	p.once.Do(p.cancel)
}

func (p *ChatPage) ensureHook(ctx context.Context) error {
	_, err := p.page.Context(ctx).Eval("() => {\n" + hookJS + "\nreturn true;\n}")
	if err != nil {
		return fmt.Errorf("inject hook: %w", err)
	}
	return nil
}

func (p *ChatPage) call(ctx context.Context, method string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	const js = `(m, ...args) => window.__hoverReply ? window.__hoverReply[m](...args) : null`
	res, err := p.page.Context(ctx).Eval(js, append([]interface{}{method}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("hook %s: %w", method, err)
	}
	return res, nil
}

func (p *ChatPage) handles(res *proto.RuntimeRemoteObject) []dom.Handle {
	arr := res.Value.Arr()
	out := make([]dom.Handle, 0, len(arr))
	for _, v := range arr {
		if s := v.Str(); s != "" {
			out = append(out, dom.Handle(s))
		}
	}
	return out
}

// Events implements observe.Page.
func (p *ChatPage) Events() <-chan observe.Event { return p.events }

// InstallHooks implements observe.Page.
func (p *ChatPage) InstallHooks(ctx context.Context) error {
	if err := p.ensureHook(ctx); err != nil {
		return err
	}
	_, err := p.call(ctx, "install")
	return err
}

// AttachInitial implements observe.Page.
func (p *ChatPage) AttachInitial(ctx context.Context) ([]dom.Handle, error) {
	res, err := p.call(ctx, "attachInitial")
	if err != nil {
		return nil, err
	}
	return p.handles(res), nil
}

// AttachAdded implements observe.Page.
func (p *ChatPage) AttachAdded(ctx context.Context, tokens []string) ([]dom.Handle, error) {
	res, err := p.call(ctx, "attachAdded", tokens)
	if err != nil {
		return nil, err
	}
	return p.handles(res), nil
}

// Detach implements observe.Page.
func (p *ChatPage) Detach(ctx context.Context) error {
	_, err := p.call(ctx, "detach")
	return err
}

// Attached implements lock.Surface. Evaluation failures count as detached.
func (p *ChatPage) Attached(ctx context.Context, h dom.Handle) bool {
	if h == "" {
		return false
	}
	res, err := p.call(ctx, "attached", string(h))
	if err != nil {
		log.Printf("[session:%s] attached check for %s: %v", p.id, h, err)
		return false
	}
	return res.Value.Bool()
}

// Snapshot implements lock.Surface.
func (p *ChatPage) Snapshot(ctx context.Context, h dom.Handle) (string, error) {
	res, err := p.call(ctx, "snapshot", string(h))
	if err != nil {
		return "", err
	}
	if res.Value.Nil() {
		return "", lock.ErrNotAttached
	}
	return res.Value.Str(), nil
}

// SetLockMarker implements lock.Surface.
func (p *ChatPage) SetLockMarker(ctx context.Context, h dom.Handle, on bool) error {
	res, err := p.call(ctx, "setLockMarker", string(h), on)
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return lock.ErrNotAttached
	}
	return nil
}

// ShowLoading renders the loading state next to h.
func (p *ChatPage) ShowLoading(ctx context.Context, h dom.Handle) error {
	res, err := p.call(ctx, "showLoading", string(h))
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return lock.ErrNotAttached
	}
	return nil
}

// ShowReplies renders replies next to h.
func (p *ChatPage) ShowReplies(ctx context.Context, h dom.Handle, replies []string, locked bool) error {
	res, err := p.call(ctx, "showReplies", string(h), replies, locked)
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return lock.ErrNotAttached
	}
	return nil
}

// HideOverlay removes the overlay if it belongs to h, or unconditionally
// when h is empty.
func (p *ChatPage) HideOverlay(ctx context.Context, h dom.Handle) error {
	_, err := p.call(ctx, "hide", string(h))
	return err
}

// Notify shows a transient notification.
func (p *ChatPage) Notify(ctx context.Context, text string) error {
	_, err := p.call(ctx, "notify", text)
	return err
}

// FocusInput focuses the chat input and reports whether one was found.
func (p *ChatPage) FocusInput(ctx context.Context) (bool, error) {
	res, err := p.call(ctx, "focusInput")
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// InsertText types text at the focused element.
func (p *ChatPage) InsertText(ctx context.Context, text string) error {
	return p.page.Context(ctx).InsertText(text)
}

// CopyText writes text to the clipboard.
func (p *ChatPage) CopyText(ctx context.Context, text string) (bool, error) {
	res, err := p.call(ctx, "copy", text)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// WaitForContainer polls until the chat message container exists.
func (p *ChatPage) WaitForContainer(ctx context.Context, timeout, poll time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		res, err := p.call(ctx, "containerReady")
		if err == nil && res.Value.Bool() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("chat container not found: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
