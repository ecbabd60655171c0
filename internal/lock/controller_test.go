package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hoverreply/internal/dom"
	"hoverreply/internal/extract"
)

type fakeSurface struct {
	mu      sync.Mutex
	html    map[dom.Handle]string
	markers map[dom.Handle]bool
	// slowMark delays turning the marker on for a handle.
	slowMark map[dom.Handle]time.Duration
}

func newSurface() *fakeSurface {
	return &fakeSurface{
		html:     map[dom.Handle]string{},
		markers:  map[dom.Handle]bool{},
		slowMark: map[dom.Handle]time.Duration{},
	}
}

func (s *fakeSurface) add(h dom.Handle, html string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.html[h] = html
}

func (s *fakeSurface) Attached(_ context.Context, h dom.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.html[h]
	return ok
}

func (s *fakeSurface) Snapshot(_ context.Context, h dom.Handle) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	html, ok := s.html[h]
	if !ok {
		return "", ErrNotAttached
	}
	return html, nil
}

func (s *fakeSurface) SetLockMarker(_ context.Context, h dom.Handle, on bool) error {
	s.mu.Lock()
	delay := s.slowMark[h]
	s.mu.Unlock()
	if on && delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.html[h]; !ok {
		return ErrNotAttached
	}
	s.markers[h] = on
	return nil
}

func (s *fakeSurface) marked() []dom.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []dom.Handle
	for h, on := range s.markers {
		if on {
			out = append(out, h)
		}
	}
	return out
}

type fakeDispatcher struct {
	mu       sync.Mutex
	busy     bool
	messages []extract.ChatMessage
	targets  []dom.Handle
}

func (d *fakeDispatcher) Dispatch(_ context.Context, msg extract.ChatMessage, target dom.Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy {
		return false
	}
	d.messages = append(d.messages, msg)
	d.targets = append(d.targets, target)
	return true
}

func (d *fakeDispatcher) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (n *fakeNotifier) Notify(_ context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, text)
}

func (n *fakeNotifier) last() string {
	if len(n.notes) == 0 {
		return ""
	}
	return n.notes[len(n.notes)-1]
}

type fakeOverlay struct {
	showing dom.Handle
	hidden  []dom.Handle
}

func (o *fakeOverlay) Showing() dom.Handle { return o.showing }

func (o *fakeOverlay) Hide(_ context.Context, h dom.Handle) error {
	o.hidden = append(o.hidden, h)
	if o.showing == h {
		o.showing = ""
	}
	return nil
}

const (
	aliceMsg = `<li data-message-id="a"><span class="username">Alice</span><div class="messageContent">lunch at noon?</div></li>`
	bobMsg   = `<li data-message-id="b"><span class="username">Bob</span><div class="messageContent">sounds good to me</div></li>`
	botMsg   = `<li data-message-id="c"><span class="username">Deploy</span><span class="botTag">BOT</span><div class="messageContent">build passed</div></li>`
)

type harness struct {
	surface  *fakeSurface
	disp     *fakeDispatcher
	notifier *fakeNotifier
	overlay  *fakeOverlay
	ctrl     *Controller
}

func newHarness() *harness {
	h := &harness{
		surface:  newSurface(),
		disp:     &fakeDispatcher{},
		notifier: &fakeNotifier{},
		overlay:  &fakeOverlay{},
	}
	h.surface.add("A", aliceMsg)
	h.surface.add("B", bobMsg)
	h.surface.add("BOT", botMsg)
	h.ctrl = New(Options{
		Surface:    h.surface,
		Notifier:   h.notifier,
		Dispatcher: h.disp,
		Overlay:    h.overlay,
	})
	return h
}

func TestConcurrentLocksLeaveOneConsistentTarget(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		h := newHarness()
		h.surface.slowMark["A"] = 10 * time.Millisecond

		var wg sync.WaitGroup
		for _, target := range []dom.Handle{"A", "B"} {
			wg.Add(1)
			go func(target dom.Handle) {
				defer wg.Done()
				if err := h.ctrl.LockToMessage(ctx, target); err != nil {
					t.Errorf("lock %s: %v", target, err)
				}
			}(target)
		}
		wg.Wait()

		locked, _ := h.ctrl.State()
		if marked := h.surface.marked(); len(marked) != 1 || marked[0] != locked {
			t.Fatalf("run %d: marked %v, locked %q", i, marked, locked)
		}
		if n := len(h.disp.targets); n != 2 || h.disp.targets[n-1] != locked {
			t.Fatalf("run %d: dispatched %v, locked %q", i, h.disp.targets, locked)
		}
	}
}

func TestRelockMovesMarkerAndGeneratesForNewTarget(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if err := h.ctrl.LockToMessage(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	if err := h.ctrl.LockToMessage(ctx, "B"); err != nil {
		t.Fatal(err)
	}

	if h.surface.markers["A"] {
		t.Error("marker on A should be cleared")
	}
	if !h.surface.markers["B"] {
		t.Error("marker on B should be set")
	}
	if len(h.disp.targets) != 2 || h.disp.targets[0] != "A" || h.disp.targets[1] != "B" {
		t.Fatalf("dispatch targets = %v", h.disp.targets)
	}
	if h.disp.messages[1].Content != "sounds good to me" {
		t.Errorf("second dispatch carried %q", h.disp.messages[1].Content)
	}
	if locked, _ := h.ctrl.State(); locked != "B" {
		t.Errorf("locked = %q", locked)
	}
	if h.notifier.last() != NoticeLocked {
		t.Errorf("notification = %q", h.notifier.last())
	}
}

func TestRelockSameElementRegenerates(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ctrl.LockToMessage(ctx, "A")
	h.ctrl.LockToMessage(ctx, "A")
	if len(h.disp.targets) != 2 {
		t.Errorf("expected two dispatches, got %d", len(h.disp.targets))
	}
	if !h.surface.markers["A"] {
		t.Error("marker should stay on A")
	}
}

func TestBotMessageIsNotAnswered(t *testing.T) {
	h := newHarness()
	if err := h.ctrl.LockToMessage(context.Background(), "BOT"); err != nil {
		t.Fatal(err)
	}
	if len(h.disp.targets) != 0 {
		t.Error("bot message dispatched")
	}
	if h.notifier.last() != NoticeBotMessage {
		t.Errorf("notification = %q", h.notifier.last())
	}
}

func TestFallbackAndNoContent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.surface.add("F", `<div><div class="messageContent"></div>hello</div>`)
	h.surface.add("E", `<div><div class="messageContent"></div></div>`)

	h.ctrl.LockToMessage(ctx, "F")
	if len(h.disp.messages) != 1 || h.disp.messages[0].Content != "hello" {
		t.Fatalf("fallback dispatch = %+v", h.disp.messages)
	}
	if h.disp.messages[0].Author != extract.UnknownAuthor {
		t.Errorf("fallback author = %q", h.disp.messages[0].Author)
	}

	h.ctrl.LockToMessage(ctx, "E")
	if len(h.disp.messages) != 1 {
		t.Error("empty element should not dispatch")
	}
	if h.notifier.last() != NoticeNoContent {
		t.Errorf("notification = %q", h.notifier.last())
	}
}

func TestUnlock(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.ctrl.Unlock(ctx)
	if len(h.notifier.notes) != 0 {
		t.Error("unlock with nothing locked should be silent")
	}

	h.ctrl.LockToMessage(ctx, "A")
	h.ctrl.Unlock(ctx)
	if h.surface.markers["A"] {
		t.Error("marker should be cleared")
	}
	if h.notifier.last() != NoticeUnlocked {
		t.Errorf("notification = %q", h.notifier.last())
	}
	if locked, _ := h.ctrl.State(); locked != "" {
		t.Errorf("still locked to %q", locked)
	}
}

func TestHover(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.ctrl.Hover(ctx, "A")
	if len(h.disp.targets) != 0 {
		t.Error("hover without lock must not generate")
	}
	if _, hovered := h.ctrl.State(); hovered != "A" {
		t.Errorf("hovered = %q", hovered)
	}

	h.ctrl.LockToMessage(ctx, "A")
	h.ctrl.Hover(ctx, "B")
	if len(h.disp.targets) != 1 {
		t.Error("hovering another element must not generate")
	}

	h.ctrl.Hover(ctx, "A")
	if len(h.disp.targets) != 2 {
		t.Error("hovering the locked element should generate")
	}

	h.overlay.showing = "A"
	h.ctrl.Hover(ctx, "A")
	if len(h.disp.targets) != 2 {
		t.Error("should skip when replies are already showing")
	}

	h.overlay.showing = ""
	h.disp.busy = true
	h.ctrl.Hover(ctx, "A")
	if len(h.disp.targets) != 2 {
		t.Error("should skip while a batch is in flight")
	}

	h.ctrl.Leave("A")
	if locked, _ := h.ctrl.State(); locked != "A" {
		t.Error("leave must not change the lock")
	}
	if len(h.overlay.hidden) != 0 {
		t.Error("leave must not hide the overlay")
	}
}

func TestVanishedLockIsCleared(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.ctrl.LockToMessage(ctx, "A")

	if !h.ctrl.IsCurrent(ctx, "A") {
		t.Fatal("A should be current")
	}
	if h.ctrl.IsCurrent(ctx, "B") {
		t.Error("B is not locked")
	}

	delete(h.surface.html, "A")
	if h.ctrl.IsCurrent(ctx, "A") {
		t.Error("detached element must not be current")
	}
	if locked, _ := h.ctrl.State(); locked != "" {
		t.Errorf("lock not cleared: %q", locked)
	}
	if h.notifier.last() != NoticeLockLost {
		t.Errorf("notification = %q", h.notifier.last())
	}

	if err := h.ctrl.LockToMessage(ctx, "A"); !errors.Is(err, ErrNotAttached) {
		t.Errorf("locking a detached element: %v", err)
	}
}

func TestToggleLockAndLockHovered(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if err := h.ctrl.LockHovered(ctx); !errors.Is(err, ErrNotAttached) {
		t.Errorf("nothing hovered: %v", err)
	}

	h.ctrl.Select("B")
	if err := h.ctrl.LockHovered(ctx); err != nil {
		t.Fatal(err)
	}
	if locked, _ := h.ctrl.State(); locked != "B" {
		t.Fatalf("locked = %q", locked)
	}

	h.ctrl.ToggleLock(ctx, "B")
	if locked, _ := h.ctrl.State(); locked != "" {
		t.Errorf("toggle should unlock, got %q", locked)
	}
	h.ctrl.ToggleLock(ctx, "A")
	if locked, _ := h.ctrl.State(); locked != "A" {
		t.Errorf("toggle should lock A, got %q", locked)
	}
}

func TestRegenerate(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if err := h.ctrl.Regenerate(ctx, ""); !errors.Is(err, ErrNotAttached) {
		t.Errorf("regenerate with no lock: %v", err)
	}

	h.ctrl.LockToMessage(ctx, "A")
	h.overlay.showing = "A"
	if err := h.ctrl.Regenerate(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if len(h.overlay.hidden) != 1 || h.overlay.hidden[0] != "A" {
		t.Errorf("overlay hidden = %v", h.overlay.hidden)
	}
	if len(h.disp.targets) != 2 || h.disp.targets[1] != "A" {
		t.Errorf("dispatch targets = %v", h.disp.targets)
	}

	h.surface.add("E", `<div><div class="messageContent"></div></div>`)
	h.ctrl.Regenerate(ctx, "E")
	if h.notifier.last() != NoticeNoRegenerate {
		t.Errorf("notification = %q", h.notifier.last())
	}
}
