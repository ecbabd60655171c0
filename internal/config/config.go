package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level hoverreply config.
	WorkspaceDirName = ".hoverreply"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// Relay modes.
const (
	RelayLocal = "local"
	RelayHTTP  = "http"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for hoverreply.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Browser  BrowserConfig  `yaml:"browser"`
	Observe  ObserveConfig  `yaml:"observe"`
	Relay    RelayConfig    `yaml:"relay"`
	Settings SettingsConfig `yaml:"settings"`
	MCP      MCPConfig      `yaml:"mcp"`
	Mangle   MangleConfig   `yaml:"mangle"`
	Recorder RecorderConfig `yaml:"recorder"`
	HTTP     HTTPConfig     `yaml:"http"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart opens the chat page at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether a launched Chrome runs headless (default: false, the user drives the chat).
	Headless *bool `yaml:"headless"`
	// Stealth applies go-rod/stealth evasions to the chat page.
	Stealth bool `yaml:"stealth"`
	// ChatURL is opened when no URL is given explicitly.
	ChatURL string `yaml:"chat_url"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// How long to poll for the chat container before giving up (e.g., "2m").
	ContainerWaitTimeout string `yaml:"container_wait_timeout"`
	// Poll interval for the container wait (e.g., "1s").
	ContainerPollInterval string `yaml:"container_poll_interval"`
	// Viewport size for launched sessions.
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
}

// ObserveConfig tunes the observation engine.
type ObserveConfig struct {
	// Debounce is the trailing mutation window (default "100ms").
	Debounce string `yaml:"debounce"`
	// MaxBuffer flushes early once this many added nodes are pending.
	MaxBuffer int `yaml:"max_buffer"`
	// RegistrySize bounds the attached-element registry.
	RegistrySize int `yaml:"registry_size"`
	// SelfNames are author names whose messages are never answered.
	SelfNames []string `yaml:"self_names"`
}

// RelayConfig selects and tunes the relay.
type RelayConfig struct {
	// Mode is "local" (in-process) or "http" (a separate relay process at URL).
	Mode string `yaml:"mode"`
	URL  string `yaml:"url"`
	// Endpoint is the OpenAI-compatible chat completions URL.
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	// Wall-clock timeouts per call.
	GenerateTimeout string `yaml:"generate_timeout"`
	TestTimeout     string `yaml:"test_timeout"`
	// Outbound pacing; zero disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// SettingsConfig locates the persisted user settings.
type SettingsConfig struct {
	Path     string   `yaml:"path"`
	EnvFiles []string `yaml:"env_files"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded pipeline journal.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// RecorderConfig controls JSONL batch traces.
type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

// HTTPConfig configures the side HTTP listener (relay, metrics, health).
type HTTPConfig struct {
	// Listen address, e.g. "127.0.0.1:8787". Empty disables the listener.
	Listen string `yaml:"listen"`
}

// DefaultConfig provides reasonable defaults for local use.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "hoverreply",
			Version: "0.3.0",
			LogFile: "hoverreply.log",
		},
		Browser: BrowserConfig{
			AutoStart:                false,
			ChatURL:                  "https://discord.com/channels/@me",
			DefaultNavigationTimeout: "30s",
			ContainerWaitTimeout:     "2m",
			ContainerPollInterval:    "1s",
			ViewportWidth:            1440,
			ViewportHeight:           900,
		},
		Observe: ObserveConfig{
			Debounce:     "100ms",
			MaxBuffer:    1000,
			RegistrySize: 4096,
			SelfNames:    []string{"dobby"},
		},
		Relay: RelayConfig{
			Mode:              RelayLocal,
			GenerateTimeout:   "15s",
			TestTimeout:       "10s",
			RequestsPerSecond: 2,
			Burst:             3,
		},
		Settings: SettingsConfig{
			Path:     "data/settings",
			EnvFiles: []string{".env"},
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		Recorder: RecorderConfig{
			Enable: true,
			Dir:    "data/traces",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .hoverreply/config.yaml file.
// Returns the workspace root directory (parent of .hoverreply/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .hoverreply/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, filepath.Join(wsDir, WorkspaceDirName))
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .hoverreply/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "rules"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# hoverreply project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.
# Relative paths are resolved against this directory.

# browser:
#   debugger_url: "ws://127.0.0.1:9222"
#   chat_url: "https://discord.com/channels/@me"
#   stealth: true

# relay:
#   mode: http
#   url: "http://127.0.0.1:8787"

# observe:
#   debounce: "100ms"
#   self_names: ["dobby"]

# mangle:
#   schema_path: "rules/project.mg"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (settings store, traces, logs) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against base.
func resolveWorkspacePaths(cfg Config, base string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Settings.Path = resolve(cfg.Settings.Path)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	for i, f := range cfg.Settings.EnvFiles {
		cfg.Settings.EnvFiles[i] = resolve(f)
	}
	return cfg
}

// Validate ensures required fields exist so the process can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	switch c.Relay.Mode {
	case "", RelayLocal:
	case RelayHTTP:
		if c.Relay.URL == "" {
			return errors.New("relay.url is required when relay.mode is http")
		}
	default:
		return fmt.Errorf("relay.mode must be %q or %q, got %q", RelayLocal, RelayHTTP, c.Relay.Mode)
	}
	if c.Observe.Debounce != "" {
		if _, err := time.ParseDuration(c.Observe.Debounce); err != nil {
			return fmt.Errorf("observe.debounce: %w", err)
		}
	}
	return nil
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return durationOr(b.DefaultNavigationTimeout, 30*time.Second)
}

// ContainerWait returns how long to wait for the chat container.
func (b BrowserConfig) ContainerWait() time.Duration {
	return durationOr(b.ContainerWaitTimeout, 2*time.Minute)
}

// ContainerPoll returns the container poll interval.
func (b BrowserConfig) ContainerPoll() time.Duration {
	return durationOr(b.ContainerPollInterval, time.Second)
}

// IsHeadless returns whether a launched Chrome should run headless (default: false).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return false
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1440
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 900
	}
	return b.ViewportHeight
}

// DebounceWindow returns the mutation coalescing window.
func (o ObserveConfig) DebounceWindow() time.Duration {
	return durationOr(o.Debounce, 100*time.Millisecond)
}

// GenerateTimeoutDuration returns the per-call generation timeout.
func (r RelayConfig) GenerateTimeoutDuration() time.Duration {
	return durationOr(r.GenerateTimeout, 15*time.Second)
}

// TestTimeoutDuration returns the connection-test timeout.
func (r RelayConfig) TestTimeoutDuration() time.Duration {
	return durationOr(r.TestTimeout, 10*time.Second)
}
