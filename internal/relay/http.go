package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Path is the route the relay answers on.
const Path = "/relay"

// RegisterHTTP mounts the relay on r.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Post(Path, s.handleRelay)
}

// Router returns a standalone router serving only the relay.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.RegisterHTTP(r)
	return r
}

func (s *Service) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure("Invalid request format"))
		return
	}
	writeJSON(w, http.StatusOK, s.Send(r.Context(), req))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[relay] write response: %v", err)
	}
}

// HTTPClient is the pipeline-side bridge to a relay running in another
// process.
type HTTPClient struct {
	url  string
	http *http.Client
}

// NewHTTPClient targets baseURL (for example http://127.0.0.1:8787).
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{url: strings.TrimRight(baseURL, "/") + Path, http: client}
}

// Send posts req and decodes the relay response. Transport problems come
// back as unsuccessful responses.
func (c *HTTPClient) Send(ctx context.Context, req Request) Response {
	b, err := json.Marshal(req)
	if err != nil {
		return failure(fmt.Sprintf("encode relay request: %v", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return failure(fmt.Sprintf("build relay request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return failure(fmt.Sprintf("relay unreachable: %v", err))
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return failure(fmt.Sprintf("relay returned %d with unreadable body", resp.StatusCode))
	}
	return out
}
