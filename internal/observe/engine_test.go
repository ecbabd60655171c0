package observe

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"hoverreply/internal/dom"
)

type fakePage struct {
	events chan Event

	mu       sync.Mutex
	stall    bool
	installs int
	detached int
	drained  [][]string
}

func newFakePage() *fakePage {
	return &fakePage{events: make(chan Event, 16)}
}

func (p *fakePage) Events() <-chan Event { return p.events }

func (p *fakePage) InstallHooks(ctx context.Context) error {
	p.mu.Lock()
	p.installs++
	stall := p.stall
	p.mu.Unlock()
	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (p *fakePage) AttachInitial(context.Context) ([]dom.Handle, error) {
	return []dom.Handle{"h1", "h2"}, nil
}

func (p *fakePage) AttachAdded(_ context.Context, tokens []string) ([]dom.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drained = append(p.drained, append([]string(nil), tokens...))
	out := make([]dom.Handle, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, dom.Handle("h-"+t))
	}
	return out, nil
}

func (p *fakePage) Detach(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached++
	return nil
}

func (p *fakePage) drainedCalls() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]string(nil), p.drained...)
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []string
}

func (h *recordingHandler) add(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, s)
}

func (h *recordingHandler) log() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.calls, ",")
}

func (h *recordingHandler) Hover(_ context.Context, x dom.Handle) { h.add("hover:" + string(x)) }
func (h *recordingHandler) Leave(x dom.Handle)                    { h.add("leave:" + string(x)) }
func (h *recordingHandler) Select(x dom.Handle)                   { h.add("select:" + string(x)) }
func (h *recordingHandler) LockToMessage(_ context.Context, x dom.Handle) error {
	h.add("lock:" + string(x))
	return nil
}
func (h *recordingHandler) LockHovered(context.Context) error { h.add("lockHovered"); return nil }
func (h *recordingHandler) Unlock(context.Context)            { h.add("unlock") }
func (h *recordingHandler) Regenerate(_ context.Context, x dom.Handle) error {
	h.add("regenerate:" + string(x))
	return nil
}
func (h *recordingHandler) ToggleLock(_ context.Context, x dom.Handle) error {
	h.add("toggle:" + string(x))
	return nil
}
func (h *recordingHandler) Insert(_ context.Context, text string) error {
	h.add("insert:" + text)
	return nil
}
func (h *recordingHandler) Copy(_ context.Context, text string) error {
	h.add("copy:" + text)
	return nil
}
func (h *recordingHandler) Dismiss(_ context.Context, x dom.Handle) error {
	h.add("dismiss:" + string(x))
	return nil
}

func TestEngineLifecycle(t *testing.T) {
	page := newFakePage()
	handler := &recordingHandler{}
	var attached []dom.Handle
	var attachedMu sync.Mutex
	e, err := NewEngine(page, handler, Options{
		Window: 20 * time.Millisecond,
		OnAttached: func(h dom.Handle) {
			attachedMu.Lock()
			attached = append(attached, h)
			attachedMu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(ctx); err != ErrRunning {
		t.Errorf("second Start: %v", err)
	}
	if e.Registry().Len() != 2 {
		t.Errorf("initial pass registered %d handles", e.Registry().Len())
	}

	page.events <- Event{Kind: KindMutation, Added: []string{"a", "b"}}
	page.events <- Event{Kind: KindMutation, Added: []string{"b", "c"}}
	waitFor(t, func() bool { return len(page.drainedCalls()) == 1 })

	got := page.drainedCalls()[0]
	sort.Strings(got)
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("drained tokens = %v", got)
	}
	waitFor(t, func() bool { return e.Registry().Len() == 5 })

	page.events <- Event{Kind: KindLock, Handle: "h1"}
	page.events <- Event{Kind: KindLeave, Handle: "h1"}
	page.events <- Event{Kind: KindInsert, Text: "Sounds good"}
	page.events <- Event{Kind: KindHover, Handle: "late"}
	waitFor(t, func() bool { return strings.Count(handler.log(), ",") == 3 })

	if handler.log() != "lock:h1,leave:h1,insert:Sounds good,hover:late" {
		t.Errorf("routed = %s", handler.log())
	}
	if _, ok := e.Registry().Get("late"); !ok {
		t.Error("fallback-detected element should be registered")
	}

	if err := e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if e.Running() {
		t.Error("engine still running")
	}
	if page.detached != 1 {
		t.Errorf("detach calls = %d", page.detached)
	}
	if e.Registry().Len() != 0 {
		t.Error("registry should be purged on stop")
	}
	if err := e.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	attachedMu.Lock()
	n := len(attached)
	attachedMu.Unlock()
	if n != 6 {
		t.Errorf("OnAttached calls = %d, want 6", n)
	}

	if err := e.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if page.installs != 2 {
		t.Errorf("hooks installed %d times", page.installs)
	}
	e.Stop(ctx)
}

func TestStartHonorsSetupDeadline(t *testing.T) {
	page := newFakePage()
	page.stall = true
	e, err := NewEngine(page, &recordingHandler{}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := e.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Start ignored the caller's deadline")
	}
	if e.Running() {
		t.Error("failed start should leave the engine stopped")
	}
}

func TestLoopOutlivesStartContext(t *testing.T) {
	page := newFakePage()
	handler := &recordingHandler{}
	life, stop := context.WithCancel(context.Background())
	defer stop()
	e, err := NewEngine(page, handler, Options{Lifetime: life})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	page.events <- Event{Kind: KindLock, Handle: "h1"}
	waitFor(t, func() bool { return handler.log() == "lock:h1" })

	stop()
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit when its lifetime ended")
	}
	e.Stop(context.Background())
}

func TestStopDropsPendingMutations(t *testing.T) {
	page := newFakePage()
	e, err := NewEngine(page, &recordingHandler{}, Options{Window: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	page.events <- Event{Kind: KindMutation, Added: []string{"x"}}
	waitFor(t, func() bool {
		e.mu.Lock()
		c := e.coalescer
		e.mu.Unlock()
		return c != nil && c.Pending() == 1
	})
	if err := e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if len(page.drainedCalls()) != 0 {
		t.Error("pending mutations should be dropped on stop")
	}
}
