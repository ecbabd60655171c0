package recorder

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecorderRotation(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < MaxRotatedFiles+2; i++ {
		if err := r.Start("page"); err != nil {
			t.Fatal(err)
		}
		r.Log(TypeLocked, map[string]string{"handle": "h1"})
		time.Sleep(10 * time.Millisecond) // distinct mod times
	}
	r.Close()

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxRotatedFiles {
		t.Errorf("expected %d files, got %d", MaxRotatedFiles, len(entries))
	}
}

func TestRecorderLogging(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	r.Log(TypeBatch, "before start is dropped")
	if err := r.Start("session1"); err != nil {
		t.Fatal(err)
	}
	r.Log(TypeBatch, map[string]interface{}{"message_id": "m1", "displayed": true})
	r.Log(TypeBatchDropped, map[string]interface{}{"message_id": "m2"})
	r.Close()
	r.Log(TypeBatch, "after close is dropped")

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 file, got %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "trace_session1_") {
		t.Errorf("unexpected trace name %q", entries[0].Name())
	}

	f, err := os.Open(filepath.Join(tempDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var types []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		if evt.SessionID != "session1" {
			t.Errorf("session id = %q", evt.SessionID)
		}
		types = append(types, evt.Type)
	}
	want := []string{TypeSessionStart, TypeBatch, TypeBatchDropped}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("types = %v, want %v", types, want)
	}
}

func TestRecent(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.Start("s"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < tailSize+10; i++ {
		r.Log(TypeAttempt, i)
	}

	all := r.Recent(0)
	if len(all) != tailSize {
		t.Fatalf("tail holds %d events, want %d", len(all), tailSize)
	}
	last := r.Recent(2)
	if len(last) != 2 || last[1].Data != tailSize+9 {
		t.Errorf("Recent(2) = %+v", last)
	}
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Log(TypeLocked, nil)
	if r.Recent(5) != nil {
		t.Error("nil recorder should have no events")
	}
	if err := r.Close(); err != nil {
		t.Error(err)
	}
}
