package observe

import (
	"time"

	"hoverreply/internal/dom"
	"hoverreply/internal/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry records one attached element.
type Entry struct {
	Handle     dom.Handle `json:"handle"`
	AttachedAt time.Time  `json:"attached_at"`
	// MessageID is filled once the element has been extracted.
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Author    string `json:"author,omitempty"`
}

// Registry is a bounded record of attached handles. Chat pages virtualise
// their message lists, so old entries are evicted rather than kept forever.
type Registry struct {
	cache   *lru.Cache[dom.Handle, Entry]
	metrics *metrics.Metrics
}

// NewRegistry returns a registry holding at most size entries.
func NewRegistry(size int, m *metrics.Metrics) (*Registry, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[dom.Handle, Entry](size)
	if err != nil {
		return nil, err
	}
	return &Registry{cache: cache, metrics: m}, nil
}

// Add records h if it is not present and reports whether it was new.
func (r *Registry) Add(h dom.Handle, at time.Time) bool {
	if h == "" {
		return false
	}
	if r.cache.Contains(h) {
		return false
	}
	r.cache.Add(h, Entry{Handle: h, AttachedAt: at})
	r.report()
	return true
}

// Annotate stores extraction results on an entry, adding it if needed.
func (r *Registry) Annotate(h dom.Handle, messageID, content, author string) {
	e, ok := r.cache.Get(h)
	if !ok {
		e = Entry{Handle: h, AttachedAt: time.Now()}
	}
	e.MessageID, e.Content, e.Author = messageID, content, author
	r.cache.Add(h, e)
	r.report()
}

// Get returns the entry for h.
func (r *Registry) Get(h dom.Handle) (Entry, bool) {
	return r.cache.Peek(h)
}

// Entries returns every entry, most recently touched first.
func (r *Registry) Entries() []Entry {
	keys := r.cache.Keys()
	out := make([]Entry, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if e, ok := r.cache.Peek(keys[i]); ok {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int { return r.cache.Len() }

// Purge drops every entry.
func (r *Registry) Purge() {
	r.cache.Purge()
	r.report()
}

func (r *Registry) report() {
	r.metrics.SetAttached(r.cache.Len())
}
