package app

import (
	"context"
	"errors"
	"log"
	"time"

	"hoverreply/internal/dom"
	"hoverreply/internal/extract"
	"hoverreply/internal/generate"
	"hoverreply/internal/lock"
	"hoverreply/internal/mangle"
	"hoverreply/internal/observe"
	"hoverreply/internal/overlay"
	"hoverreply/internal/recorder"
)

// Session is the context of one chat page. It is built once and handed to
// every collaborator that works on the page.
type Session struct {
	ID       string
	URL      string
	OpenedAt time.Time

	page       ChatPage
	presenter  *overlay.Presenter
	controller *lock.Controller
	generator  *generate.Generator
	engine     *observe.Engine
	journal    *mangle.Engine
	recorder   *recorder.Recorder

	// ctx outlives individual requests; monitoring and background batches
	// run under it.
	ctx    context.Context
	cancel context.CancelFunc
}

// Status is a point-in-time view of a session.
type Status struct {
	ID         string     `json:"id"`
	URL        string     `json:"url,omitempty"`
	OpenedAt   time.Time  `json:"opened_at"`
	Monitoring bool       `json:"monitoring"`
	Locked     dom.Handle `json:"locked,omitempty"`
	Hovered    dom.Handle `json:"hovered,omitempty"`
	Showing    dom.Handle `json:"showing,omitempty"`
	Generating bool       `json:"generating"`
	Attached   int        `json:"attached"`
}

func newSession(id, url string, page ChatPage, opts Options) (*Session, error) {
	cfg := opts.Config
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		URL:       url,
		OpenedAt:  time.Now(),
		page:      page,
		presenter: overlay.New(page),
		journal:   opts.Journal,
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.Recorder.Enable {
		rec, err := recorder.NewRecorder(cfg.Recorder.Dir)
		if err != nil {
			log.Printf("[session:%s] recorder disabled: %v", id, err)
		} else if err := rec.Start(id); err != nil {
			log.Printf("[session:%s] recorder disabled: %v", id, err)
		} else {
			s.recorder = rec
		}
	}

	s.generator = generate.New(generate.Options{
		Relay:     opts.Relay,
		Config:    opts.Settings,
		Presenter: s.presenter,
		Gate: func(ctx context.Context, h dom.Handle) bool {
			return s.controller.IsCurrent(ctx, h)
		},
		Observer: s,
		Metrics:  opts.Metrics,
	})
	s.controller = lock.New(lock.Options{
		Surface:    page,
		Notifier:   s.presenter,
		Dispatcher: s,
		Overlay:    s.presenter,
		SelfNames:  cfg.Observe.SelfNames,
		Observer:   s,
		Metrics:    opts.Metrics,
	})
	s.presenter.SetLockCheck(s.controller.IsCurrent)

	engine, err := observe.NewEngine(page, &handler{Controller: s.controller, presenter: s.presenter}, observe.Options{
		Window:       cfg.Observe.DebounceWindow(),
		MaxBuffer:    cfg.Observe.MaxBuffer,
		RegistrySize: cfg.Observe.RegistrySize,
		Metrics:      opts.Metrics,
		OnAttached:   s.onAttached,
		Lifetime:     s.ctx,
	})
	if err != nil {
		cancel()
		_ = s.recorder.Close()
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Dispatch implements lock.Dispatcher. Batches run under the session
// context so they survive the request that triggered them.
func (s *Session) Dispatch(_ context.Context, msg extract.ChatMessage, target dom.Handle) bool {
	return s.generator.Dispatch(s.ctx, msg, target)
}

// Busy implements lock.Dispatcher.
func (s *Session) Busy() bool { return s.generator.Busy() }

// StartMonitoring starts the observation engine. ctx bounds the hook install
// and initial pass; the engine then runs for the life of the session.
// Starting a running engine is not an error.
func (s *Session) StartMonitoring(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil && !errors.Is(err, observe.ErrRunning) {
		return err
	}
	log.Printf("[session:%s] monitoring started", s.ID)
	return nil
}

// StopMonitoring stops observation and removes the overlay.
func (s *Session) StopMonitoring(ctx context.Context) error {
	if !s.engine.Running() {
		return nil
	}
	if err := s.presenter.Hide(ctx, ""); err != nil {
		log.Printf("[session:%s] hide overlay: %v", s.ID, err)
	}
	if err := s.engine.Stop(ctx); err != nil {
		return err
	}
	log.Printf("[session:%s] monitoring stopped", s.ID)
	return nil
}

// Monitoring reports whether the observation engine runs.
func (s *Session) Monitoring() bool { return s.engine.Running() }

// Status returns the session state.
func (s *Session) Status() Status {
	locked, hovered := s.controller.State()
	return Status{
		ID:         s.ID,
		URL:        s.URL,
		OpenedAt:   s.OpenedAt,
		Monitoring: s.engine.Running(),
		Locked:     locked,
		Hovered:    hovered,
		Showing:    s.presenter.Showing(),
		Generating: s.generator.Busy(),
		Attached:   s.engine.Registry().Len(),
	}
}

// Messages lists the attached elements, most recently attached or extracted first.
func (s *Session) Messages() []observe.Entry {
	return s.engine.Registry().Entries()
}

// Lock pins h and starts a batch for it.
func (s *Session) Lock(ctx context.Context, h dom.Handle) error {
	return s.controller.LockToMessage(ctx, h)
}

// Unlock releases the lock.
func (s *Session) Unlock(ctx context.Context) {
	s.controller.Unlock(ctx)
}

// Regenerate starts a fresh batch for the locked element.
func (s *Session) Regenerate(ctx context.Context) error {
	return s.controller.Regenerate(ctx, "")
}

// InsertReply types text into the chat input.
func (s *Session) InsertReply(ctx context.Context, text string) error {
	return s.presenter.InsertReply(ctx, text)
}

// LastBatch returns the most recent finished batch.
func (s *Session) LastBatch() (generate.ReplyBatch, bool) {
	return s.generator.Last()
}

// Trace returns the last n recorded trace events.
func (s *Session) Trace(n int) []recorder.Event {
	if s.recorder == nil {
		return nil
	}
	return s.recorder.Recent(n)
}

// Flush drains pending mutations now.
func (s *Session) Flush() { s.engine.Flush() }

func (s *Session) close(ctx context.Context) {
	if err := s.StopMonitoring(ctx); err != nil {
		log.Printf("[session:%s] stop monitoring: %v", s.ID, err)
	}
	s.cancel()
	s.generator.Wait()
	if err := s.recorder.Close(); err != nil {
		log.Printf("[session:%s] close recorder: %v", s.ID, err)
	}
}

func (s *Session) journalFacts(facts ...mangle.Fact) {
	if s.journal == nil {
		return
	}
	if err := s.journal.AddFacts(s.ctx, facts); err != nil {
		log.Printf("[session:%s] journal: %v", s.ID, err)
	}
}

func (s *Session) onAttached(h dom.Handle) {
	s.journalFacts(mangle.AttachedFact(h, time.Now()))
}

// OnLocked implements lock.Observer.
func (s *Session) OnLocked(h dom.Handle) {
	s.journalFacts(mangle.LockedFact(h, time.Now()))
	s.recorder.Log(recorder.TypeLocked, map[string]string{"handle": string(h)})
}

// OnUnlocked implements lock.Observer.
func (s *Session) OnUnlocked(h dom.Handle, reason string) {
	s.journalFacts(mangle.UnlockedFact(h, reason, time.Now()))
	s.recorder.Log(recorder.TypeUnlocked, map[string]string{"handle": string(h), "reason": reason})
}

// OnExtracted implements lock.Observer.
func (s *Session) OnExtracted(msg extract.ChatMessage) {
	s.engine.Registry().Annotate(msg.Source, msg.ID, msg.Content, msg.Author)
	s.journalFacts(mangle.ExtractedFact(msg))
	s.recorder.Log(recorder.TypeExtracted, msg)
}

// OnAttempt implements generate.Observer.
func (s *Session) OnAttempt(a generate.Attempt) {
	s.journalFacts(mangle.AttemptFact(a, time.Now()))
	s.recorder.Log(recorder.TypeAttempt, a)
}

// OnBatch implements generate.Observer.
func (s *Session) OnBatch(b generate.ReplyBatch) {
	s.journalFacts(mangle.BatchFact(b))
	if b.Displayed {
		s.recorder.Log(recorder.TypeBatch, b)
	} else {
		s.recorder.Log(recorder.TypeBatchDropped, b)
	}
}

// handler routes page events: lock interactions to the controller, overlay
// actions to the presenter.
type handler struct {
	*lock.Controller
	presenter *overlay.Presenter
}

func (h *handler) Insert(ctx context.Context, text string) error {
	return h.presenter.InsertReply(ctx, text)
}

func (h *handler) Copy(ctx context.Context, text string) error {
	return h.presenter.Copy(ctx, text)
}

func (h *handler) Dismiss(ctx context.Context, target dom.Handle) error {
	return h.presenter.Hide(ctx, target)
}
