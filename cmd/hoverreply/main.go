package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hoverreply/internal/app"
	"hoverreply/internal/browser"
	"hoverreply/internal/config"
	"hoverreply/internal/extract"
	"hoverreply/internal/mangle"
	mcpserver "hoverreply/internal/mcp"
	"hoverreply/internal/metrics"
	"hoverreply/internal/relay"
	"hoverreply/internal/settings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "", "Path to an explicit config file (overlays the workspace config)")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	relayOnly := flag.Bool("relay-only", false, "Serve only the relay endpoint on http.listen")
	extractFile := flag.String("extract", "", "Print the message extracted from a saved element's outerHTML and exit")
	workspaceDir := flag.String("workspace-dir", "", "Use this directory as the workspace root")
	noWorkspace := flag.Bool("no-workspace", false, "Skip .hoverreply workspace discovery")
	initWorkspace := flag.Bool("init", false, "Create a .hoverreply workspace in the current directory and exit")
	flag.Parse()

	if *initWorkspace {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to resolve working directory: %v", err)
		}
		if err := config.InitWorkspace(cwd); err != nil {
			log.Fatalf("failed to init workspace: %v", err)
		}
		fmt.Printf("initialized %s in %s\n", config.WorkspaceDirName, cwd)
		return
	}

	// Missing .env is fine; the settings store reads its own env files too.
	_ = godotenv.Load()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	if *extractFile != "" {
		if err := runExtract(os.Stdout, *extractFile, cfg.Observe.SelfNames); err != nil {
			log.Fatalf("extract failed: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)

	if *relayOnly {
		if err := serveRelay(ctx, cfg, m); err != nil {
			log.Fatalf("relay exited with error: %v", err)
		}
		return
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}
	if wsDir != "" {
		log.Printf("using workspace %s", wsDir)
	}

	if err := run(ctx, cfg, m); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("server exited with error: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, m *metrics.Metrics) error {
	store, err := settings.Open(cfg.Settings.Path, settings.Options{EnvFiles: cfg.Settings.EnvFiles})
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	defer store.Close()

	mangleEngine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		return fmt.Errorf("initialize mangle engine: %w", err)
	}

	bridge, local := buildRelay(cfg, m)
	sessionManager := browser.NewSessionManager(cfg.Browser)

	a, err := app.New(app.Options{
		Config:   cfg,
		Browser:  sessionManager,
		Settings: store,
		Relay:    bridge,
		Journal:  mangleEngine,
		Metrics:  m,
	})
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			log.Printf("app close: %v", err)
		}
		if err := sessionManager.Shutdown(shutdownCtx); err != nil {
			log.Printf("browser shutdown: %v", err)
		}
	}()

	server, err := mcpserver.NewServer(cfg, a)
	if err != nil {
		return fmt.Errorf("initialize MCP server: %w", err)
	}

	if cfg.Browser.AutoStart {
		go func() {
			s, err := a.OpenChat(ctx, "")
			if err != nil {
				log.Printf("auto-start: %v", err)
				return
			}
			log.Printf("auto-start: chat session %s on %s", s.ID, s.URL)
		}()
	} else {
		log.Printf("browser auto-start disabled; use open-chat to launch or attach later")
	}

	if cfg.MCP.SSEPort > 0 {
		for pattern, h := range sideRoutes(local, m) {
			server.Handle(pattern, h)
		}
		log.Printf("starting hoverreply MCP SSE server on port %d", cfg.MCP.SSEPort)
		return server.StartSSE(ctx, cfg.MCP.SSEPort)
	}

	if cfg.HTTP.Listen != "" {
		go func() {
			if err := listen(ctx, cfg.HTTP.Listen, sideRouter(local, m)); err != nil {
				log.Printf("side listener: %v", err)
			}
		}()
	}
	log.Printf("starting hoverreply MCP stdio server")
	return server.Start(ctx)
}

// buildRelay returns the bridge the pipeline uses, plus the in-process service
// when there is one to expose over HTTP.
func buildRelay(cfg config.Config, m *metrics.Metrics) (relay.Bridge, *relay.Service) {
	if cfg.Relay.Mode == config.RelayHTTP {
		log.Printf("relay: forwarding to %s", cfg.Relay.URL)
		return relay.NewHTTPClient(cfg.Relay.URL, nil), nil
	}
	svc := newRelayService(cfg, m)
	return svc, svc
}

func newRelayService(cfg config.Config, m *metrics.Metrics) *relay.Service {
	return relay.NewService(relay.Options{
		Endpoint:          cfg.Relay.Endpoint,
		Model:             cfg.Relay.Model,
		GenerateTimeout:   cfg.Relay.GenerateTimeoutDuration(),
		TestTimeout:       cfg.Relay.TestTimeoutDuration(),
		RequestsPerSecond: cfg.Relay.RequestsPerSecond,
		Burst:             cfg.Relay.Burst,
		Metrics:           m,
	})
}

func sideRoutes(svc *relay.Service, m *metrics.Metrics) map[string]http.Handler {
	routes := map[string]http.Handler{
		"/metrics": m.Handler(),
		"/healthz": http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}),
	}
	if svc != nil {
		routes[relay.Path] = svc.Router()
	}
	return routes
}

func sideRouter(svc *relay.Service, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for pattern, h := range sideRoutes(svc, m) {
		r.Handle(pattern, h)
	}
	return r
}

// serveRelay runs the relay as its own process, the privileged half of the
// split the http relay mode talks to.
func serveRelay(ctx context.Context, cfg config.Config, m *metrics.Metrics) error {
	addr := cfg.HTTP.Listen
	if addr == "" {
		addr = "127.0.0.1:8787"
	}
	log.Printf("starting hoverreply relay on %s", addr)
	return listen(ctx, addr, sideRouter(newRelayService(cfg, m), m))
}

func listen(ctx context.Context, addr string, h http.Handler) error {
	httpServer := &http.Server{Addr: addr, Handler: h}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runExtract(w io.Writer, path string, selfNames []string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	msg, err := extract.New().ExtractHTML(string(raw), "")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"message": msg,
		"is_bot":  extract.IsBotMessage(msg, selfNames...),
	})
}
