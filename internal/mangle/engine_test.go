package mangle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hoverreply/internal/config"
	"hoverreply/internal/extract"
	"hoverreply/internal/generate"
)

func newTestEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	engine, err := NewEngine(config.MangleConfig{Enable: true, FactBufferLimit: limit})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func TestNewEngineLoadsBuiltinRules(t *testing.T) {
	engine := newTestEngine(t, 100)
	if !engine.Ready() {
		t.Fatal("engine with builtin rules should be ready")
	}

	results, err := engine.Evaluate(context.Background(), "stale_batch")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no stale batches on an empty journal, got %v", results)
	}
}

func TestJournalDerivations(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()
	now := time.Now()

	facts := []Fact{
		LockedFact("h1", now),
		AttemptFact(generate.Attempt{MessageID: "m1", Index: 0, Outcome: "relay_failed"}, now),
		AttemptFact(generate.Attempt{MessageID: "m1", Index: 1, Outcome: "relay_failed"}, now),
		BatchFact(generate.ReplyBatch{
			MessageID: "m1", Target: "h1", Replies: []string{"a", "b", "c"},
			Source: generate.SourceFallback, Displayed: true, CreatedAt: now,
		}),
		BatchFact(generate.ReplyBatch{
			MessageID: "m2", Target: "h2", Replies: []string{"x"},
			Source: generate.SourceGenerated, Displayed: false, CreatedAt: now,
		}),
		ExtractedFact(extract.ChatMessage{ID: "m3", Source: "h3", Author: "Hook", IsBotOrWebhook: true, ObservedAt: now}),
		LockedFact("h3", now),
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	tests := []struct {
		predicate string
		want      int
	}{
		{"fallback_batch", 1},
		{"stale_batch", 1},
		{"relay_failed", 2},
		{"unreliable_message", 1},
		{"bot_message", 1},
		{"locked_bot", 1},
	}
	for _, tt := range tests {
		t.Run(tt.predicate, func(t *testing.T) {
			got, err := engine.Evaluate(ctx, tt.predicate)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d facts, got %d: %v", tt.want, len(got), got)
			}
		})
	}

	unreliable, _ := engine.Evaluate(ctx, "unreliable_message")
	if len(unreliable) == 1 && unreliable[0].Args[0] != "m1" {
		t.Errorf("expected m1 to be unreliable, got %v", unreliable[0].Args)
	}
}

func TestQueryBindsVariables(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()

	batch := BatchFact(generate.ReplyBatch{
		MessageID: "m9", Target: "h9", Replies: []string{"a"},
		Source: generate.SourceGenerated, Displayed: false, CreatedAt: time.Now(),
	})
	if err := engine.AddFacts(ctx, []Fact{batch}); err != nil {
		t.Fatal(err)
	}

	results, err := engine.Query(ctx, "stale_batch(M, H)")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0]["M"] != "m9" || results[0]["H"] != "h9" {
		t.Errorf("unexpected bindings %v", results[0])
	}

	results, err = engine.Query(ctx, `reply_batch("m9", H, _, Source, _, _).`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 1 || results[0]["Source"] != "generated" {
		t.Fatalf("constant-filtered query = %v", results)
	}
	if _, ok := results[0]["_"]; ok {
		t.Error("wildcards should not be bound")
	}

	results, err = engine.Query(ctx, `reply_batch("missing", H, _, _, _, _).`)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results for unknown message, got %v", results)
	}
}

func TestQueryInvalid(t *testing.T) {
	engine := newTestEngine(t, 100)
	if _, err := engine.Query(context.Background(), "stale_batch(M,"); err == nil {
		t.Error("expected parse error")
	}
}

func TestEngineDisabled(t *testing.T) {
	engine, err := NewEngine(config.MangleConfig{Enable: false, FactBufferLimit: 10})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()
	if err := engine.AddFacts(ctx, []Fact{LockedFact("h1", time.Now())}); err != nil {
		t.Errorf("AddFacts should succeed when disabled: %v", err)
	}
	if len(engine.Facts()) != 0 {
		t.Error("disabled engine should not buffer facts")
	}
	if !engine.Ready() {
		t.Error("engine should be ready when disabled")
	}
	if _, err := engine.Query(ctx, "stale_batch(M, H)."); err == nil {
		t.Error("query on a disabled engine should fail")
	}
	if err := engine.AddRule("not even mangle"); err != nil {
		t.Errorf("AddRule should be a no-op when disabled: %v", err)
	}
}

func TestAddRule(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()

	rule := `
Decl relocked(Handle).
relocked(H) :- message_locked(H, _), message_unlocked(H, _, _).
`
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	now := time.Now()
	facts := []Fact{
		LockedFact("h1", now),
		UnlockedFact("h1", "user", now.Add(time.Second)),
		LockedFact("h2", now),
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatal(err)
	}

	got, err := engine.Evaluate(ctx, "relocked")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Args[0] != "h1" {
		t.Errorf("relocked = %v", got)
	}

	// Builtin rules survive the extension.
	if _, err := engine.Evaluate(ctx, "stale_batch"); err != nil {
		t.Errorf("builtin rule lost after AddRule: %v", err)
	}

	if err := engine.AddRule("broken(X) :- "); err == nil {
		t.Error("expected error for malformed rule")
	}
}

func TestSchemaPathExtendsBuiltin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "project.mg")
	extra := `
Decl generated_batch(MessageID).
generated_batch(M) :- reply_batch(M, _, _, "generated", _, _).
`
	if err := os.WriteFile(path, []byte(extra), 0644); err != nil {
		t.Fatal(err)
	}

	engine, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: path, FactBufferLimit: 10})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	ctx := context.Background()
	batch := BatchFact(generate.ReplyBatch{MessageID: "m1", Target: "h1", Source: generate.SourceGenerated, Displayed: true})
	if err := engine.AddFacts(ctx, []Fact{batch}); err != nil {
		t.Fatal(err)
	}
	got, err := engine.Evaluate(ctx, "generated_batch")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("generated_batch = %v", got)
	}

	if _, err := NewEngine(config.MangleConfig{Enable: true, SchemaPath: filepath.Join(dir, "missing.mg")}); err == nil {
		t.Error("expected error for missing rule file")
	}
}

func TestBufferTrim(t *testing.T) {
	engine := newTestEngine(t, 3)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		f := LockedFact("h", base.Add(time.Duration(i)*time.Second))
		if err := engine.AddFacts(ctx, []Fact{f}); err != nil {
			t.Fatal(err)
		}
	}

	facts := engine.Facts()
	if len(facts) != 3 {
		t.Fatalf("expected buffer of 3, got %d", len(facts))
	}
	if !facts[0].Timestamp.Equal(base.Add(2 * time.Second)) {
		t.Errorf("oldest facts should be trimmed first, got %v", facts[0].Timestamp)
	}
	if len(engine.FactsByPredicate("message_locked")) != 3 {
		t.Error("index should be rebuilt after trim")
	}
}

func TestQueryTemporal(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()
	base := time.Now()

	facts := []Fact{
		UnlockedFact("h1", "user", base.Add(-time.Hour)),
		UnlockedFact("h2", "vanished", base.Add(-time.Minute)),
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatal(err)
	}

	recent := engine.QueryTemporal("message_unlocked", base.Add(-30*time.Minute), time.Time{})
	if len(recent) != 1 || recent[0].Args[0] != "h2" {
		t.Errorf("recent = %v", recent)
	}
	if all := engine.QueryTemporal("message_unlocked", time.Time{}, time.Time{}); len(all) != 2 {
		t.Errorf("expected 2 unlocks, got %d", len(all))
	}
	if none := engine.QueryTemporal("nothing", time.Time{}, time.Time{}); len(none) != 0 {
		t.Errorf("unknown predicate returned %v", none)
	}
}

func TestSubscribe(t *testing.T) {
	engine := newTestEngine(t, 100)
	ctx := context.Background()

	ch := make(chan WatchEvent, 4)
	engine.Subscribe("unreliable_message", ch)

	now := time.Now()
	facts := []Fact{
		AttemptFact(generate.Attempt{MessageID: "m1", Index: 0, Outcome: "relay_failed"}, now),
		BatchFact(generate.ReplyBatch{MessageID: "m1", Target: "h1", Source: generate.SourceFallback, Displayed: true, CreatedAt: now}),
	}
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Predicate != "unreliable_message" || len(ev.Facts) != 1 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a watch event")
	}

	engine.Unsubscribe("unreliable_message", ch)
	if len(engine.WatchPredicates()) != 0 {
		t.Error("expected no watched predicates after unsubscribe")
	}
}

func TestUnsubscribeThenCloseWhileWriting(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	ch := make(chan WatchEvent, 1)
	engine.Subscribe("unreliable_message", ch)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				id := fmt.Sprintf("m%d-%d", w, i)
				now := time.Now()
				_ = engine.AddFacts(ctx, []Fact{
					AttemptFact(generate.Attempt{MessageID: id, Outcome: "relay_failed"}, now),
					BatchFact(generate.ReplyBatch{MessageID: id, Target: "h1", Source: generate.SourceFallback, Displayed: true, CreatedAt: now}),
				})
			}
		}(w)
	}

	time.Sleep(10 * time.Millisecond)
	engine.Unsubscribe("unreliable_message", ch)
	close(ch)
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestSamplingRate(t *testing.T) {
	engine := newTestEngine(t, 10)
	ctx := context.Background()
	if engine.SamplingRate() != 1.0 {
		t.Errorf("initial sampling rate = %v", engine.SamplingRate())
	}

	// Locks are never sampled, so the buffer fills deterministically.
	for i := 0; i < 9; i++ {
		if err := engine.AddFacts(ctx, []Fact{LockedFact("h", time.Now())}); err != nil {
			t.Fatal(err)
		}
	}
	if err := engine.AddFacts(ctx, []Fact{AttachedFact("a", time.Now())}); err != nil {
		t.Fatal(err)
	}
	if engine.SamplingRate() >= 1.0 {
		t.Errorf("expected reduced sampling under pressure, got %v", engine.SamplingRate())
	}
}
