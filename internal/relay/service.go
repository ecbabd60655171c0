package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"hoverreply/internal/metrics"

	"golang.org/x/time/rate"
)

const (
	DefaultEndpoint = "https://api.fireworks.ai/inference/v1/chat/completions"
	DefaultModel    = "accounts/sentientfoundation-serverless/models/dobby-mini-unhinged-plus-llama-3-1-8b"

	testPrompt = `Hello! This is a test message. Please respond with "Connection successful!"`
)

// Options configures a Service.
type Options struct {
	Endpoint        string
	Model           string
	GenerateTimeout time.Duration
	TestTimeout     time.Duration
	// RequestsPerSecond paces outbound calls; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	Metrics           *metrics.Metrics
}

// Service is the privileged side of the relay: it owns the API call. It also
// satisfies Bridge, which makes it the in-process bridge.
type Service struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
}

// NewService fills unset options with the stock values.
func NewService(opts Options) *Service {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.GenerateTimeout <= 0 {
		opts.GenerateTimeout = 15 * time.Second
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = 10 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Service{opts: opts, http: client, limiter: limiter}
}

// Send validates and dispatches one request.
func (s *Service) Send(ctx context.Context, req Request) Response {
	if req.Action == "" {
		return s.record(req.Action, failure("Invalid request format"))
	}

	switch req.Action {
	case ActionTestConnection:
		if req.Config == nil || req.Config.FireworksAPIKey == "" {
			return s.record(req.Action, failure("Missing API key configuration"))
		}
		return s.record(req.Action, s.testConnection(ctx, req.Config.FireworksAPIKey))
	case ActionGenerateReply:
		if req.Message == "" || req.Config == nil || req.Config.FireworksAPIKey == "" {
			return s.record(req.Action, failure("Missing message or API key configuration"))
		}
		return s.record(req.Action, s.generateReply(ctx, req.Message, req.Config.FireworksAPIKey))
	default:
		return s.record(req.Action, failure("Unknown action: "+req.Action))
	}
}

func (s *Service) record(action string, resp Response) Response {
	outcome := "ok"
	if !resp.Success {
		outcome = "error"
	}
	if action == "" {
		action = "invalid"
	}
	s.opts.Metrics.Relay(action, outcome)
	return resp
}

type chatRequest struct {
	Model            string        `json:"model"`
	Messages         []chatMessage `json:"messages"`
	MaxTokens        int           `json:"max_tokens"`
	Temperature      float64       `json:"temperature"`
	TopP             float64       `json:"top_p,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64       `json:"presence_penalty,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

var (
	errTimeout = errors.New("timeout")
	errNetwork = errors.New("network")
)

func (s *Service) testConnection(ctx context.Context, apiKey string) Response {
	reply, err := s.complete(ctx, apiKey, s.opts.TestTimeout, chatRequest{
		Model:       s.opts.Model,
		Messages:    []chatMessage{{Role: "user", Content: testPrompt}},
		MaxTokens:   25,
		Temperature: 0.7,
	})
	switch {
	case errors.Is(err, errTimeout):
		return failure("Connection timeout - please check your internet connection")
	case errors.Is(err, errNetwork):
		return failure("Network error - please check your internet connection")
	case err != nil:
		log.Printf("[relay] connection test failed: %v", err)
		return failure(err.Error())
	case reply == "":
		return failure("No response received from Fireworks API")
	}
	log.Printf("[relay] connection test ok: %q", reply)
	return Response{Success: true, Message: "Fireworks API is working correctly!"}
}

func (s *Service) generateReply(ctx context.Context, prompt, apiKey string) Response {
	reply, err := s.complete(ctx, apiKey, s.opts.GenerateTimeout, chatRequest{
		Model:            s.opts.Model,
		Messages:         []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:        25,
		Temperature:      0.8,
		TopP:             0.95,
		FrequencyPenalty: 0.3,
		PresencePenalty:  0.2,
	})
	switch {
	case errors.Is(err, errTimeout):
		return failure("Reply generation timeout - please try again")
	case errors.Is(err, errNetwork):
		return failure("Network error - please check your internet connection")
	case err != nil:
		log.Printf("[relay] generate failed: %v", err)
		return failure(err.Error())
	case reply == "":
		return failure("No reply generated from Fireworks API")
	}
	return Response{Success: true, Reply: reply}
}

// complete performs one chat completion under a wall-clock timeout that
// covers pacing, the round trip and reading the body.
func (s *Service) complete(ctx context.Context, apiKey string, timeout time.Duration, body chatRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", errTimeout, err)
		}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.Endpoint, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("Fireworks API error: %d - %s", resp.StatusCode, string(text))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", classify(ctx, err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Errorf("decode response: %w", err)
	}
	return fmt.Errorf("%w: %v", errNetwork, err)
}
