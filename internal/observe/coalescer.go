package observe

import (
	"sync"
	"time"
)

// Coalescer batches items over a trailing window: every Add restarts the
// window, and when it expires the union of everything added since the last
// flush is handed to the flush function once. Stop drops pending items.
type Coalescer[T any] struct {
	window    time.Duration
	maxBuffer int
	flushFn   func([]T)

	mu      sync.Mutex
	items   []T
	timer   *time.Timer
	gen     uint64
	stopped bool

	// flushing serialises flushFn calls.
	flushing sync.Mutex
}

// NewCoalescer returns a running Coalescer. A window <= 0 uses 100ms; a
// maxBuffer <= 0 uses 1000. Reaching maxBuffer flushes immediately.
func NewCoalescer[T any](window time.Duration, maxBuffer int, flush func([]T)) *Coalescer[T] {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	if maxBuffer <= 0 {
		maxBuffer = 1000
	}
	return &Coalescer[T]{window: window, maxBuffer: maxBuffer, flushFn: flush}
}

// Add buffers items and restarts the window.
func (c *Coalescer[T]) Add(items ...T) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.items = append(c.items, items...)
	if len(c.items) >= c.maxBuffer {
		batch := c.takeLocked()
		c.mu.Unlock()
		c.emit(batch)
		return
	}
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.window, func() { c.fire(gen) })
	c.mu.Unlock()
}

// fire runs when a window expires. A timer superseded by a later Add, Flush
// or Stop carries an old generation and does nothing.
func (c *Coalescer[T]) fire(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		return
	}
	batch := c.takeLocked()
	c.mu.Unlock()
	c.emit(batch)
}

// Flush emits pending items now.
func (c *Coalescer[T]) Flush() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	batch := c.takeLocked()
	c.mu.Unlock()
	c.emit(batch)
}

// Stop cancels the window and discards pending items. Further Adds are
// ignored.
func (c *Coalescer[T]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.items = nil
}

// Pending returns the number of buffered items.
func (c *Coalescer[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// takeLocked detaches the buffer and invalidates any armed timer.
func (c *Coalescer[T]) takeLocked() []T {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.items
	c.items = nil
	return batch
}

func (c *Coalescer[T]) emit(batch []T) {
	if len(batch) == 0 {
		return
	}
	c.flushing.Lock()
	defer c.flushing.Unlock()
	c.flushFn(batch)
}
