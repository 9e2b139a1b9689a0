// Package config loads server settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix, e.g. IRCWEB_PORT.
const Prefix = "IRCWEB"

// Settings holds all server configuration.
type Settings struct {
	Port            string        `envconfig:"PORT" default:"3001"`
	DBPath          string        `envconfig:"DB_PATH" default:"data/users.db"`
	SessionsDir     string        `envconfig:"SESSIONS_DIR" default:"data/irssi-sessions"`
	RecordDir       string        `envconfig:"RECORD_DIR" default:""`
	TmuxBin         string        `envconfig:"TMUX_BIN" default:"/usr/bin/tmux"`
	IrssiBin        string        `envconfig:"IRSSI_BIN" default:"/usr/bin/irssi"`
	FallbackDirs    []string      `envconfig:"BIN_FALLBACK_DIRS" default:"/usr/local/bin"`
	Locale          string        `envconfig:"LOCALE" default:""`
	RestartDelay    time.Duration `envconfig:"RESTART_DELAY" default:"2s"`
	RefreshDelay    time.Duration `envconfig:"REFRESH_DELAY" default:"50ms"`
	AttachRefresh   time.Duration `envconfig:"ATTACH_REFRESH" default:"100ms"`
	HistoryBytes    int           `envconfig:"HISTORY_BYTES" default:"65536"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment  bool          `envconfig:"LOG_DEVELOPMENT" default:"false"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:""`
	BootstrapAdmin  string        `envconfig:"BOOTSTRAP_ADMIN" default:""`
	BootstrapTTL    time.Duration `envconfig:"BOOTSTRAP_TTL" default:"24h"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads Settings from the environment and validates them.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks values envconfig cannot express as tags.
func (s Settings) Validate() error {
	if s.SessionsDir == "" {
		return fmt.Errorf("%s_SESSIONS_DIR must not be empty", Prefix)
	}
	if s.RestartDelay < time.Second {
		return fmt.Errorf("%s_RESTART_DELAY must be at least 1s, got %s", Prefix, s.RestartDelay)
	}
	if s.HistoryBytes < 0 {
		return fmt.Errorf("%s_HISTORY_BYTES must not be negative", Prefix)
	}
	if s.Locale != "" && strings.ContainsAny(s.Locale, " '\"$`;\\") {
		return fmt.Errorf("%s_LOCALE contains unsafe characters: %q", Prefix, s.Locale)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (s Settings) Addr() string {
	return ":" + s.Port
}
