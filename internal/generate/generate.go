// Package generate turns a locked chat message into a batch of reply
// suggestions.
//
// A Generator runs at most one batch at a time. The guard assumes callers
// treat a rejected request as dropped; it is not a queue and it does not
// protect any shared state beyond the flag itself.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hoverreply/internal/dom"
	"hoverreply/internal/extract"
	"hoverreply/internal/filter"
	"hoverreply/internal/metrics"
	"hoverreply/internal/relay"
	"hoverreply/internal/settings"
)

const (
	MaxAttempts = 6
	BatchSize   = 3
)

var (
	// ErrBusy is returned when a batch is already being generated.
	ErrBusy = errors.New("generate: generation already in progress")
	// ErrDisabled is returned when the bot is switched off or has no API key.
	ErrDisabled = errors.New("generate: bot disabled or API key missing")
)

// Prompt templates, cycled by attempt number.
var Templates = [3]string{
	`Reply to: "%s" - give a short, friendly response. Be conversational and helpful. Don't wrap your response in quotes.`,
	`Someone said: "%s" - respond naturally and briefly. Give a meaningful reply that adds to the conversation. No quotes around your response.`,
	`Answer this: "%s" - keep it simple and polite. Provide a genuine response without quotation marks.`,
}

// FallbackReplies is shown, in this order, when no candidate survives.
var FallbackReplies = [BatchSize]string{
	"That sounds interesting",
	"I see what you mean",
	"Thanks for sharing that",
}

// Source says where a batch came from.
type Source string

const (
	SourceGenerated Source = "generated"
	SourceFallback  Source = "fallback"
)

// ReplyBatch is an ordered set of distinct replies for one message.
type ReplyBatch struct {
	MessageID string     `json:"message_id"`
	Target    dom.Handle `json:"target"`
	Replies   []string   `json:"replies"`
	Source    Source     `json:"source"`
	Attempts  int        `json:"attempts"`
	// Displayed is false when the lock moved away before the batch was ready.
	Displayed bool      `json:"displayed"`
	CreatedAt time.Time `json:"created_at"`
}

// Attempt describes one relay round trip.
type Attempt struct {
	MessageID string
	Index     int
	Prompt    string
	// Outcome is "accepted", "duplicate", "relay_failed" or a filter reason.
	Outcome string
	Reply   string
	Error   string
}

// ConfigSource supplies the configuration at generation time.
type ConfigSource interface {
	Load() (settings.Config, error)
}

// Presenter renders batch state for a target element.
type Presenter interface {
	ShowLoading(ctx context.Context, h dom.Handle) error
	ShowReplies(ctx context.Context, h dom.Handle, replies []string) error
	Hide(ctx context.Context, h dom.Handle) error
}

// Observer is told about every attempt and every finished batch.
type Observer interface {
	OnAttempt(a Attempt)
	OnBatch(b ReplyBatch)
}

// Options wires a Generator.
type Options struct {
	Relay     relay.Bridge
	Config    ConfigSource
	Presenter Presenter
	// Gate reports whether h is still the locked, attached target. A batch
	// whose target fails the gate is dropped instead of displayed.
	Gate     func(ctx context.Context, h dom.Handle) bool
	Observer Observer
	Metrics  *metrics.Metrics
}

// Generator produces reply batches.
type Generator struct {
	opts     Options
	inFlight atomic.Bool
	running  sync.WaitGroup

	mu   sync.Mutex
	last *ReplyBatch
}

// New returns a Generator. Relay, Config and Presenter are required.
func New(opts Options) *Generator {
	return &Generator{opts: opts}
}

// Busy reports whether a batch is being generated.
func (g *Generator) Busy() bool {
	return g.inFlight.Load()
}

// Last returns the most recent finished batch, if any.
func (g *Generator) Last() (ReplyBatch, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == nil {
		return ReplyBatch{}, false
	}
	return *g.last, true
}

// Generate runs one batch for msg and blocks until it is done.
func (g *Generator) Generate(ctx context.Context, msg extract.ChatMessage, target dom.Handle) (ReplyBatch, error) {
	if !g.inFlight.CompareAndSwap(false, true) {
		return ReplyBatch{}, ErrBusy
	}
	defer g.inFlight.Store(false)
	return g.run(ctx, msg, target)
}

// Dispatch starts a batch in the background. It returns false when another
// batch is in flight; the guard is taken before Dispatch returns, so two
// back-to-back calls never both start.
func (g *Generator) Dispatch(ctx context.Context, msg extract.ChatMessage, target dom.Handle) bool {
	if !g.inFlight.CompareAndSwap(false, true) {
		log.Printf("[generate] busy, dropping request for %s", target)
		return false
	}
	g.running.Add(1)
	go func() {
		defer g.running.Done()
		defer g.inFlight.Store(false)
		if _, err := g.run(ctx, msg, target); err != nil && !errors.Is(err, ErrDisabled) {
			log.Printf("[generate] batch for %s failed: %v", target, err)
		}
	}()
	return true
}

// Wait blocks until the dispatched batch, if any, has finished. Cancel the
// dispatch context first to cut a running batch short.
func (g *Generator) Wait() { g.running.Wait() }

func (g *Generator) run(ctx context.Context, msg extract.ChatMessage, target dom.Handle) (ReplyBatch, error) {
	cfg, err := g.opts.Config.Load()
	if err != nil {
		g.hide(ctx, target)
		return ReplyBatch{}, fmt.Errorf("generate: load config: %w", err)
	}
	if !cfg.Ready() {
		g.hide(ctx, target)
		return ReplyBatch{}, ErrDisabled
	}

	if err := g.opts.Presenter.ShowLoading(ctx, target); err != nil {
		log.Printf("[generate] show loading for %s: %v", target, err)
	}

	replies, attempts := g.collect(ctx, msg, cfg.APIKey)

	batch := ReplyBatch{
		MessageID: msg.ID,
		Target:    target,
		Replies:   replies,
		Source:    SourceGenerated,
		Attempts:  attempts,
		CreatedAt: time.Now(),
	}
	if len(replies) == 0 {
		batch.Replies = append([]string(nil), FallbackReplies[:]...)
		batch.Source = SourceFallback
	}

	if g.opts.Gate == nil || g.opts.Gate(ctx, target) {
		if err := g.opts.Presenter.ShowReplies(ctx, target, batch.Replies); err != nil {
			log.Printf("[generate] show replies for %s: %v", target, err)
		} else {
			batch.Displayed = true
		}
	} else {
		log.Printf("[generate] target %s no longer locked, dropping %s batch", target, batch.Source)
		g.hide(ctx, target)
	}

	g.opts.Metrics.Batch(string(batch.Source), batch.Displayed)
	if g.opts.Observer != nil {
		g.opts.Observer.OnBatch(batch)
	}
	g.mu.Lock()
	g.last = &batch
	g.mu.Unlock()
	return batch, nil
}

// collect calls the relay sequentially until BatchSize replies are accepted
// or MaxAttempts calls were made.
func (g *Generator) collect(ctx context.Context, msg extract.ChatMessage, apiKey string) ([]string, int) {
	var accepted []string
	seen := make(map[string]bool)
	attempts := 0

	for attempts < MaxAttempts && len(accepted) < BatchSize {
		if ctx.Err() != nil {
			break
		}
		prompt := fmt.Sprintf(Templates[attempts%len(Templates)], msg.Content)
		resp := g.opts.Relay.Send(ctx, relay.Request{
			Action:  relay.ActionGenerateReply,
			Message: prompt,
			Config:  &relay.Config{FireworksAPIKey: apiKey},
		})
		attempts++

		a := Attempt{MessageID: msg.ID, Index: attempts - 1, Prompt: prompt}
		switch {
		case !resp.Success || resp.Reply == "":
			a.Outcome = "relay_failed"
			a.Error = resp.Error
		default:
			candidate := CleanCandidate(resp.Reply)
			a.Reply = candidate
			key := strings.ToLower(strings.TrimSpace(candidate))
			if v := filter.Check(candidate); !v.OK {
				a.Outcome = string(v.Reason)
			} else if seen[key] {
				a.Outcome = "duplicate"
			} else {
				seen[key] = true
				accepted = append(accepted, candidate)
				a.Outcome = "accepted"
			}
		}

		g.opts.Metrics.Candidate(a.Outcome)
		if g.opts.Observer != nil {
			g.opts.Observer.OnAttempt(a)
		}
	}
	return accepted, attempts
}

// CleanCandidate trims a raw reply and strips one layer of quotes wrapping
// the whole string.
func CleanCandidate(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

func (g *Generator) hide(ctx context.Context, h dom.Handle) {
	if err := g.opts.Presenter.Hide(ctx, h); err != nil {
		log.Printf("[generate] hide %s: %v", h, err)
	}
}
