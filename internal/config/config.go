// Package config loads engine settings from defaults, an optional yaml
// file, a .env file, TERMLINK_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "TERMLINK"

// Config is the resolved configuration.
type Config struct {
	ServerURL   string
	HostSocket  string
	WindowID    string
	StateDB     string
	PromptsFile string

	LogLevel    string
	LogConsole  bool
	MetricsAddr string

	StaleDetachGrace    time.Duration
	YoungSessionGrace   time.Duration
	AttachTimeout       time.Duration
	ResizeDebounce      time.Duration
	PendingConfirmTTL   time.Duration
	ReconnectMaxBackoff time.Duration
	HistoryTailBytes    int

	AutoYield bool
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"server-url":   "server_url",
	"host-socket":  "host_socket",
	"window-id":    "window_id",
	"state-db":     "state_db",
	"prompts-file": "prompts_file",
	"log-level":    "log_level",
	"log-console":  "log_console",
	"metrics-addr": "metrics_addr",
	"auto-yield":   "auto_yield",
}

// RegisterFlags adds the settings that may be given on the command line.
// Unset flags do not override lower layers.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml)")
	fs.String("server-url", "", "websocket url of the remote session server")
	fs.String("host-socket", "", "unix socket of the local host daemon")
	fs.String("window-id", "", "id this window claims local sessions under")
	fs.String("state-db", "", "path of the client state database")
	fs.String("prompts-file", "", "stop-prompt template file")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Bool("log-console", false, "human-readable log output")
	fs.String("metrics-addr", "", "address to serve /metrics on")
	fs.Bool("auto-yield", false, "release local sessions when another window asks")
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("server_url", "")
	v.SetDefault("host_socket", filepath.Join(dir, "host.sock"))
	v.SetDefault("window_id", "")
	v.SetDefault("state_db", filepath.Join(dir, "state.db"))
	v.SetDefault("prompts_file", filepath.Join(dir, "prompts.yaml"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_console", false)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("stale_detach_grace", 1500*time.Millisecond)
	v.SetDefault("young_session_grace", 5*time.Second)
	v.SetDefault("attach_timeout", 10*time.Second)
	v.SetDefault("resize_debounce", 50*time.Millisecond)
	v.SetDefault("pending_confirm_ttl", 5*time.Second)
	v.SetDefault("reconnect_max_backoff", 30*time.Second)
	v.SetDefault("history_tail_bytes", 256*1024)
	v.SetDefault("auto_yield", false)
}

// Load resolves the configuration. flags may be nil.
func Load(flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, defaultDir())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := Config{
		ServerURL:           v.GetString("server_url"),
		HostSocket:          v.GetString("host_socket"),
		WindowID:            v.GetString("window_id"),
		StateDB:             v.GetString("state_db"),
		PromptsFile:         v.GetString("prompts_file"),
		LogLevel:            v.GetString("log_level"),
		LogConsole:          v.GetBool("log_console"),
		MetricsAddr:         v.GetString("metrics_addr"),
		StaleDetachGrace:    v.GetDuration("stale_detach_grace"),
		YoungSessionGrace:   v.GetDuration("young_session_grace"),
		AttachTimeout:       v.GetDuration("attach_timeout"),
		ResizeDebounce:      v.GetDuration("resize_debounce"),
		PendingConfirmTTL:   v.GetDuration("pending_confirm_ttl"),
		ReconnectMaxBackoff: v.GetDuration("reconnect_max_backoff"),
		HistoryTailBytes:    v.GetInt("history_tail_bytes"),
		AutoYield:           v.GetBool("auto_yield"),
	}
	if cfg.WindowID == "" {
		cfg.WindowID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	durations := map[string]time.Duration{
		"stale_detach_grace":    c.StaleDetachGrace,
		"young_session_grace":   c.YoungSessionGrace,
		"attach_timeout":        c.AttachTimeout,
		"pending_confirm_ttl":   c.PendingConfirmTTL,
		"reconnect_max_backoff": c.ReconnectMaxBackoff,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.ResizeDebounce < 0 {
		return fmt.Errorf("resize_debounce must not be negative, got %s", c.ResizeDebounce)
	}
	if c.HistoryTailBytes <= 0 {
		return fmt.Errorf("history_tail_bytes must be positive, got %d", c.HistoryTailBytes)
	}
	return nil
}

func defaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "termlink")
	}
	return filepath.Join(os.TempDir(), "termlink")
}
