package browser

import (
	"context"
	"errors"
	"strings"
	"testing"

	"hoverreply/internal/config"
	"hoverreply/internal/observe"

	"github.com/go-rod/rod/lib/launcher/flags"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    observe.Event
		wantErr bool
	}{
		{
			name:    "hover",
			payload: `{"kind":"hover","handle":"hr-1"}`,
			want:    observe.Event{Kind: observe.KindHover, Handle: "hr-1"},
		},
		{
			name:    "mutation",
			payload: `{"kind":"mutation","added":["p1","p2"]}`,
			want:    observe.Event{Kind: observe.KindMutation, Added: []string{"p1", "p2"}},
		},
		{
			name:    "insert",
			payload: `{"kind":"insert","text":"Sounds good"}`,
			want:    observe.Event{Kind: observe.KindInsert, Text: "Sounds good"},
		},
		{name: "missing kind", payload: `{"handle":"hr-1"}`, wantErr: true},
		{name: "not json", payload: `hover`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeEvent(tt.payload)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Kind != tt.want.Kind || got.Handle != tt.want.Handle || got.Text != tt.want.Text ||
				strings.Join(got.Added, ",") != strings.Join(tt.want.Added, ",") {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLauncherForParsesFlags(t *testing.T) {
	cfg := config.BrowserConfig{
		Launch: []string{"/usr/bin/chromium", "--remote-debugging-port=9333", "--no-first-run", "--"},
	}
	l := launcherFor(cfg)

	if got := l.Get(flags.Flag("remote-debugging-port")); got != "9333" {
		t.Errorf("remote-debugging-port = %q", got)
	}
	if !l.Has(flags.Flag("no-first-run")) {
		t.Error("expected no-first-run flag")
	}
	if l.Has(flags.Headless) {
		t.Error("headless should be off by default")
	}
}

func TestHookScriptEmbedded(t *testing.T) {
	for _, want := range []string{
		BindingName,
		"data-hover-reply-id",
		"Ctrl+Click or right-click to lock this message and generate AI replies",
		"'contextmenu'",
		`[data-list-id="chat-messages"]`,
		`[data-slate-editor="true"]`,
	} {
		if !strings.Contains(hookJS, want) {
			t.Errorf("hook script missing %q", want)
		}
	}
}

func TestNewSessionManager(t *testing.T) {
	m := NewSessionManager(config.BrowserConfig{})
	if m.IsConnected() {
		t.Error("new manager should not be connected")
	}
	if m.ControlURL() != "" {
		t.Errorf("expected empty control URL, got %q", m.ControlURL())
	}
	if len(m.List()) != 0 {
		t.Error("expected no sessions")
	}
	if _, ok := m.Page("missing"); ok {
		t.Error("expected no page for unknown session")
	}
}

func TestSessionManagerWithoutBrowser(t *testing.T) {
	m := NewSessionManager(config.BrowserConfig{})
	ctx := context.Background()

	if err := m.Start(ctx); err == nil || !strings.Contains(err.Error(), "no debugger_url") {
		t.Errorf("Start without endpoint: %v", err)
	}
	if _, _, err := m.OpenChat(ctx, "https://example.com"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("OpenChat without browser: %v", err)
	}
	if _, _, err := m.Attach(ctx, "target"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Attach without browser: %v", err)
	}
	if err := m.Close("missing"); err == nil {
		t.Error("Close of unknown session should fail")
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown with nothing open: %v", err)
	}
}
