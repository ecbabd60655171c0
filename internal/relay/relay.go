// Package relay is the bridge between the page pipeline and the inference
// API. The wire types match the browser extension relay field for field, so
// either side can be swapped out.
package relay

import "context"

const (
	ActionGenerateReply  = "generateReply"
	ActionTestConnection = "testConnection"
)

// Config is the configuration slice a request carries.
type Config struct {
	FireworksAPIKey string `json:"fireworksApiKey"`
	BotEnabled      *bool  `json:"botEnabled,omitempty"`
	ReplyPrompt     string `json:"replyPrompt,omitempty"`
}

// Request is sent by the pipeline to the relay.
type Request struct {
	Action  string  `json:"action"`
	Message string  `json:"message,omitempty"`
	Config  *Config `json:"config,omitempty"`
}

// Response is the relay answer. Exactly one of Reply, Message or Error is
// meaningful depending on Success and the action.
type Response struct {
	Success bool   `json:"success"`
	Reply   string `json:"reply,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Bridge delivers a request and returns the relay response. Transport faults
// are reported as an unsuccessful Response, never as a Go error.
type Bridge interface {
	Send(ctx context.Context, req Request) Response
}

func failure(msg string) Response {
	return Response{Success: false, Error: msg}
}
