package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"hoverreply/internal/app"
	"hoverreply/internal/config"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server wires the MCP runtime to the application context.
type Server struct {
	cfg       config.Config
	app       *app.App
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
	routes    map[string]http.Handler
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the MCP server and registers all tools.
func NewServer(cfg config.Config, a *app.App) (*Server, error) {
	if a == nil {
		return nil, fmt.Errorf("application context is required")
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		app:       a,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
		routes:    make(map[string]http.Handler),
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Handle mounts an extra HTTP handler next to the SSE endpoints.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.routes[pattern] = h
}

// Start launches the stdio server.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Router returns the HTTP routes served in SSE mode.
func (s *Server) Router(port int) http.Handler {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/sse", sseServer.SSEHandler())
	r.Handle("/message", sseServer.MessageHandler())
	for pattern, h := range s.routes {
		r.Handle(pattern, h)
	}
	return r
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: s.Router(port),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("[mcp] SSE server shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerAllTools() {
	// Chat sessions and the lock
	s.registerTool(&OpenChatTool{app: s.app})
	s.registerTool(&CloseChatTool{app: s.app})
	s.registerTool(&GetStatusTool{app: s.app})
	s.registerTool(&ListMessagesTool{app: s.app})
	s.registerTool(&LockMessageTool{app: s.app})
	s.registerTool(&UnlockMessageTool{app: s.app})
	s.registerTool(&RegenerateRepliesTool{app: s.app})
	s.registerTool(&InsertReplyTool{app: s.app})

	// Pipeline pieces usable without a browser
	s.registerTool(&ExtractHTMLTool{selfNames: s.cfg.Observe.SelfNames})
	s.registerTool(&CheckContentTool{})
	s.registerTool(&TestConnectionTool{app: s.app})
	s.registerTool(&GetSettingsTool{app: s.app})
	s.registerTool(&UpdateSettingsTool{app: s.app})

	// Journal
	s.registerTool(&QueryJournalTool{engine: s.app.Journal()})
	s.registerTool(&SubmitRuleTool{engine: s.app.Journal()})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
