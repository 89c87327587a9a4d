package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for curio.
type Config struct {
	// DataDir holds the local cache database and, by default, the inbox.
	DataDir string `env:"CURIO_DATA_DIR"`

	// Remote tier. All three empty means the app runs local-only.
	DatabaseURL  string `env:"CURIO_DATABASE_URL"`
	BlobURL      string `env:"CURIO_BLOB_URL"`
	SessionToken string `env:"CURIO_SESSION_TOKEN"`

	// RealtimeURL is the websocket change feed. Optional; without it
	// remote edits only appear on the next explicit load.
	RealtimeURL string `env:"CURIO_REALTIME_URL"`

	// ExtractorURL is the photo metadata extraction service. Optional.
	ExtractorURL string `env:"CURIO_EXTRACTOR_URL"`

	// InboxDir is the watched drop folder for new photos. Empty
	// defaults to <DataDir>/inbox.
	InboxDir string `env:"CURIO_INBOX_DIR"`

	// IncludePublic fetches other users' public collections too.
	IncludePublic bool `env:"CURIO_INCLUDE_PUBLIC" envDefault:"false"`

	// TrustClientTime writes client timestamps to the remote store
	// instead of letting the database stamp rows. Required for
	// last-writer-wins to respect offline edit times.
	TrustClientTime bool `env:"CURIO_TRUST_CLIENT_TIME" envDefault:"true"`

	// DebounceMillis is the remote-push coalescing window.
	DebounceMillis int `env:"CURIO_DEBOUNCE_MS" envDefault:"1500"`

	// MCP server settings.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the session token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}

		cfg.DataDir = filepath.Join(home, ".curio")
	}

	// DataDir must be absolute: the inbox watcher and the cache file
	// are resolved against it long after the working directory may
	// have changed.
	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	if cfg.InboxDir == "" {
		cfg.InboxDir = filepath.Join(cfg.DataDir, "inbox")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DebounceMillis <= 0 {
		return fmt.Errorf("CURIO_DEBOUNCE_MS must be positive")
	}

	// The remote tier is all-or-nothing: a database without a session
	// token cannot scope rows to a user, and a blob store without a
	// token cannot authenticate.
	remoteBits := 0

	for _, v := range []string{c.DatabaseURL, c.BlobURL, c.SessionToken} {
		if v != "" {
			remoteBits++
		}
	}

	if remoteBits != 0 && remoteBits != 3 {
		return fmt.Errorf("CURIO_DATABASE_URL, CURIO_BLOB_URL and CURIO_SESSION_TOKEN must be set together")
	}

	if c.RealtimeURL != "" && c.DatabaseURL == "" {
		return fmt.Errorf("CURIO_REALTIME_URL requires the remote tier to be configured")
	}

	if c.EnableMCP && strings.TrimSpace(c.MCPListenAddr) == "" {
		return fmt.Errorf("MCP_LISTEN_ADDR is required when MCP is enabled")
	}

	return nil
}

// Online reports whether the remote tier is configured.
func (c *Config) Online() bool {
	return c.DatabaseURL != ""
}

// DebounceWindow returns the push coalescing window as a duration.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

// StorePath is the local cache database file.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "curio.db")
}
