// Package recorder writes a JSONL trace of one chat session: locks, unlocks,
// relay attempts and reply batches. Only the newest few traces are kept.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
	// tailSize bounds the in-memory copy of recent events.
	tailSize = 200
)

// Event types.
const (
	TypeSessionStart = "session_start"
	TypeLocked       = "locked"
	TypeUnlocked     = "unlocked"
	TypeExtracted    = "extracted"
	TypeAttempt      = "attempt"
	TypeBatch        = "batch"
	TypeBatchDropped = "batch_dropped"
)

// Event is a single trace record.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data"`
}

// Recorder owns the current trace file.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	encoder   *json.Encoder
	basePath  string
	sessionID string
	tail      []Event
}

// NewRecorder creates a recorder writing under basePath.
func NewRecorder(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath}, nil
}

// Start opens a new trace for sessionID, rotating old ones out.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.jsonl", sessionID, time.Now().UnixMilli())
	f, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	r.sessionID = sessionID
	r.tail = r.tail[:0]
	r.write(Event{Timestamp: time.Now(), Type: TypeSessionStart, SessionID: sessionID, Data: map[string]string{"file": filename}})
	return nil
}

// Log appends an event to the current trace. It is a no-op before Start and
// on a nil Recorder.
func (r *Recorder) Log(eventType string, data interface{}) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	r.write(Event{
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: r.sessionID,
		Data:      data,
	})
}

func (r *Recorder) write(evt Event) {
	_ = r.encoder.Encode(evt)
	r.tail = append(r.tail, evt)
	if len(r.tail) > tailSize {
		r.tail = r.tail[len(r.tail)-tailSize:]
	}
}

// Recent returns up to n of the newest events of the current trace, oldest
// first. n <= 0 returns all retained events.
func (r *Recorder) Recent(n int) []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	start := 0
	if n > 0 && len(r.tail) > n {
		start = len(r.tail) - n
	}
	out := make([]Event, len(r.tail)-start)
	copy(out, r.tail[start:])
	return out
}

// rotate keeps only the newest MaxRotatedFiles-1 traces so the new one fits.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].mod.After(traces[j].mod)
	})

	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.basePath, traces[i].name))
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
