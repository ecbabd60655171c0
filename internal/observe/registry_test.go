package observe

import (
	"testing"
	"time"

	"hoverreply/internal/dom"
	"hoverreply/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryAddAndEvict(t *testing.T) {
	m := metrics.New(nil)
	r, err := NewRegistry(2, m)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	if !r.Add("h1", now) {
		t.Error("first add should be new")
	}
	if r.Add("h1", now) {
		t.Error("second add of h1 should not be new")
	}
	if r.Add("", now) {
		t.Error("empty handle should be ignored")
	}
	r.Add("h2", now)
	r.Add("h3", now)

	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	if _, ok := r.Get("h1"); ok {
		t.Error("h1 should have been evicted")
	}
	if got := testutil.ToFloat64(m.Attached); got != 2 {
		t.Errorf("attached gauge = %v, want 2", got)
	}

	entries := r.Entries()
	if len(entries) != 2 || entries[0].Handle != "h3" || entries[1].Handle != "h2" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRegistryAnnotate(t *testing.T) {
	r, err := NewRegistry(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Add("h1", time.Now())
	r.Add("h2", time.Now())
	r.Annotate("h1", "m1", "hello there", "Alice")
	r.Annotate("h9", "m9", "late", "Bob")

	e, ok := r.Get("h1")
	if !ok || e.MessageID != "m1" || e.Content != "hello there" || e.Author != "Alice" || e.AttachedAt.IsZero() {
		t.Errorf("h1 = %+v", e)
	}
	if _, ok := r.Get("h9"); !ok {
		t.Error("annotating an unknown handle should add it")
	}

	var order []dom.Handle
	for _, e := range r.Entries() {
		order = append(order, e.Handle)
	}
	if len(order) != 3 || order[0] != "h9" || order[1] != "h1" || order[2] != "h2" {
		t.Errorf("order = %v", order)
	}

	r.Purge()
	if r.Len() != 0 {
		t.Errorf("Len after purge = %d", r.Len())
	}
}
