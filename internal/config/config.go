package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	registrySocketName = "registry.sock"
	outputSocketName   = "listener_output.sock"
)

type Config struct {
	SocketDir      string
	RegistryDBPath string
	LogDir         string
	DefaultChannel string

	HeartbeatInterval   time.Duration
	HeartbeatStaleAfter time.Duration
	CommandTimeout      time.Duration
	ShortCommandTimeout time.Duration

	BufferSize     int
	BufferInterval time.Duration

	IdleTimeout     time.Duration
	ArchiveAfter    time.Duration
	ManagerInterval time.Duration

	DeliveryTimeout time.Duration
	DeliveryQueue   int
	ShutdownGrace   time.Duration

	InjectSettle time.Duration
	InjectChunk  int
	InjectQueue  int
	ReadChunk    int
	PollBound    time.Duration

	ActivityHistory   int
	WritingRateBytes  float64
	MinVisibleChars   int
	NoiseTokens       []string
	RedactOutput      bool
	BinaryName        string
	BinarySearchPaths []string
}

func DefaultConfig() Config {
	base := defaultBaseDir()
	return Config{
		SocketDir:           filepath.Join(base, "sockets"),
		RegistryDBPath:      filepath.Join(base, "registry.db"),
		LogDir:              filepath.Join(base, "logs"),
		DefaultChannel:      "#claude-sessions",
		HeartbeatInterval:   30 * time.Second,
		HeartbeatStaleAfter: 3 * time.Minute,
		CommandTimeout:      8 * time.Second,
		ShortCommandTimeout: 2 * time.Second,
		BufferSize:          2048,
		BufferInterval:      500 * time.Millisecond,
		IdleTimeout:         30 * time.Minute,
		ArchiveAfter:        24 * time.Hour,
		ManagerInterval:     60 * time.Second,
		DeliveryTimeout:     2 * time.Second,
		DeliveryQueue:       64,
		ShutdownGrace:       2 * time.Second,
		InjectSettle:        100 * time.Millisecond,
		InjectChunk:         4096,
		InjectQueue:         16,
		ReadChunk:           1024,
		PollBound:           time.Second,
		ActivityHistory:     10,
		WritingRateBytes:    1000,
		MinVisibleChars:     10,
		NoiseTokens:         DefaultNoiseTokens(),
		RedactOutput:        true,
		BinaryName:          "claude",
		BinarySearchPaths:   defaultBinarySearchPaths(),
	}
}

// DefaultNoiseTokens lists UI fragments the driven assistant redraws constantly.
// A flushed chunk containing any of them is not forwarded.
func DefaultNoiseTokens() []string {
	return []string{
		// command menu
		"/add-dir", "/agents", "/bashes", "/clear (reset, new)", "/compact", "/config (theme)",
		"/context", "/terminal-setup", "/permissions", "/ide", "/model",
		"Manage agent configurations", "List and manage background tasks",
		"Clear conversation history", "Open config panel", "Visualize current context usage",
		// suggestions
		`Try "how do I`, "? for shortcuts",
		// status line
		"Thinking off", "Thinking on", "Computing…", "(esc to interrupt", "↓ ", " tokens)",
		// selection widgets
		"(tab to toggle)", "tab to toggle", "Enter to select", "Tab/Arrow keys to navigate",
		"Esc to cancel", "←  ☐", "✔ Submit  →",
		// tool output gutter
		"⎿ ",
		// our own banners
		"[Session ", "Output socket available:", "Output socket not found:", "Session idle at",
		// escape debris
		"(B", "[39m", "gle)",
		"────────",
	}
}

func (c Config) RegistrySocketPath() string {
	return filepath.Join(c.SocketDir, registrySocketName)
}

func (c Config) OutputSocketPath() string {
	return filepath.Join(c.SocketDir, outputSocketName)
}

func (c Config) SessionSocketPath(sessionID string) string {
	return filepath.Join(c.SocketDir, sessionID+".sock")
}

func (c Config) SessionLogPath(sessionID string) string {
	return filepath.Join(c.LogDir, sessionID+".log")
}

// ResolveBinary returns the first executable candidate for the driven program,
// falling back to the bare name so exec.LookPath gets the final say.
func (c Config) ResolveBinary() string {
	if v := strings.TrimSpace(os.Getenv("TERMRELAY_BIN")); v != "" {
		return v
	}
	for _, dir := range c.BinarySearchPaths {
		candidate := filepath.Join(expandHome(dir), c.BinaryName)
		st, err := os.Stat(candidate)
		if err != nil || st.IsDir() {
			continue
		}
		if st.Mode()&0o111 != 0 {
			return candidate
		}
	}
	return c.BinaryName
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SocketDir) == "" {
		errs = append(errs, errors.New("socket_dir is required"))
	}
	if strings.TrimSpace(c.RegistryDBPath) == "" {
		errs = append(errs, errors.New("registry_db is required"))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize))
	}
	if c.BufferInterval <= 0 {
		errs = append(errs, fmt.Errorf("buffer_interval must be positive, got %s", c.BufferInterval))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle_timeout must be positive, got %s", c.IdleTimeout))
	}
	if c.ArchiveAfter <= 0 {
		errs = append(errs, fmt.Errorf("archive_after must be positive, got %s", c.ArchiveAfter))
	}
	if c.ManagerInterval <= 0 {
		errs = append(errs, fmt.Errorf("manager_interval must be positive, got %s", c.ManagerInterval))
	}
	if c.ReadChunk <= 0 || c.InjectChunk <= 0 {
		errs = append(errs, errors.New("read_chunk and inject_chunk must be positive"))
	}
	if c.InjectSettle < 0 {
		errs = append(errs, fmt.Errorf("inject_settle must not be negative, got %s", c.InjectSettle))
	}
	// sun_path is 104 bytes on darwin, 108 on linux.
	if n := len(c.SessionSocketPath("xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx")); n > 104 {
		errs = append(errs, fmt.Errorf("socket_dir too long for unix sockets (%d bytes)", n))
	}
	return errors.Join(errs...)
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".termrelay"
	}
	return filepath.Join(home, ".termrelay")
}

func defaultBinarySearchPaths() []string {
	return []string{"~/.local/bin", "/usr/local/bin", "/opt/homebrew/bin"}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
