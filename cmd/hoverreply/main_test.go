package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hoverreply/internal/config"
	"hoverreply/internal/metrics"
	"hoverreply/internal/relay"
)

func TestBuildRelay(t *testing.T) {
	cfg := config.DefaultConfig()
	bridge, svc := buildRelay(cfg, nil)
	if svc == nil {
		t.Fatal("local mode should expose the in-process service")
	}
	if _, ok := bridge.(*relay.Service); !ok {
		t.Errorf("local bridge = %T", bridge)
	}

	cfg.Relay.Mode = config.RelayHTTP
	cfg.Relay.URL = "http://127.0.0.1:8787"
	bridge, svc = buildRelay(cfg, nil)
	if svc != nil {
		t.Error("http mode should not expose a service")
	}
	if _, ok := bridge.(*relay.HTTPClient); !ok {
		t.Errorf("http bridge = %T", bridge)
	}
}

func TestSideRouter(t *testing.T) {
	m := metrics.New(nil)
	m.SetAttached(3)
	h := sideRouter(newRelayService(config.DefaultConfig(), m), m)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"health", http.MethodGet, "/healthz", "", http.StatusOK, `"ok":true`},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK, "hoverreply_attached_elements 3"},
		{"relay bad json", http.MethodPost, relay.Path, "{", http.StatusBadRequest, "Invalid request format"},
		{"relay missing key", http.MethodPost, relay.Path, `{"action":"testConnection"}`, http.StatusOK, `"success":false`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want substring %s", rec.Body.String(), tt.wantBody)
			}
		})
	}

	// Without a local service there is no relay route.
	rec := httptest.NewRecorder()
	sideRouter(nil, m).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, relay.Path, strings.NewReader("{}")))
	if rec.Code != http.StatusNotFound {
		t.Errorf("relay without service: status %d", rec.Code)
	}
}

func TestRunExtract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message.html")
	html := `<li data-message-id="m1"><span class="username">Dobby</span><div class="messageContent">Dobby: hello there friend</div></li>`
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runExtract(&out, path, []string{"dobby"}); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{`"id": "m1"`, `"content": "hello there friend"`, `"is_bot": true`} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %s:\n%s", want, got)
		}
	}

	if err := runExtract(&out, filepath.Join(t.TempDir(), "missing.html"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}
