// Package config loads and saves the roomsync settings file.
package config

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/codefionn/roomsync/internal/diffpatch"
	"github.com/codefionn/roomsync/internal/logger"
	"github.com/codefionn/roomsync/internal/reconnect"
	"github.com/codefionn/roomsync/internal/secrets"
	"github.com/codefionn/roomsync/internal/securemem"
	"github.com/codefionn/roomsync/internal/transport"
	"github.com/codefionn/roomsync/internal/workspace"
)

const appName = "roomsync"

// PasswordEnv names the environment variable holding the password that
// seals Secret in the config file.
const PasswordEnv = "ROOMSYNC_CONFIG_PASSWORD"

// ReconnectConfig holds the reconnect schedule.
type ReconnectConfig struct {
	InitialDelayMS int `json:"initial_delay_ms"`
	MaxDelayMS     int `json:"max_delay_ms"`
	MaxAttempts    int `json:"max_attempts"` // <= 0 retries forever
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	DiffCeiling  int    `json:"diff_ceiling"`
	MaxFileBytes int64  `json:"max_file_bytes"`
	RebasePolicy string `json:"rebase_policy"` // "rebase" or "resync"
	DebounceMS   int    `json:"debounce_ms"`
}

// TransportConfig tunes the server connection.
type TransportConfig struct {
	DialTimeoutMS      int  `json:"dial_timeout_ms"`
	WriteTimeoutMS     int  `json:"write_timeout_ms"`
	MaxFrameBytes      int  `json:"max_frame_bytes"`
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`
}

// Config is the settings file.
type Config struct {
	Endpoint    string          `json:"endpoint"`
	Username    string          `json:"username"`
	Secret      string          `json:"secret,omitempty"` // plain, or sealed with the config password
	LogLevel    string          `json:"log_level"`        // debug, info, warn, error, none
	LogPath     string          `json:"log_path"`
	HistoryPath string          `json:"history_path"`
	Reconnect   ReconnectConfig `json:"reconnect"`
	Sync        SyncConfig      `json:"sync"`
	Transport   TransportConfig `json:"transport"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

// StateDir is where logs, history and lock files live.
func StateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		return defaultConfigDir()
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := StateDir()
	return &Config{
		Endpoint:    "tls://floobits.com:" + transport.DefaultPort,
		LogLevel:    "info",
		LogPath:     filepath.Join(stateDir, appName+".log"),
		HistoryPath: filepath.Join(stateDir, "history.db"),
		Reconnect: ReconnectConfig{
			InitialDelayMS: 500,
			MaxDelayMS:     30000,
			MaxAttempts:    10,
		},
		Sync: SyncConfig{
			DiffCeiling:  diffpatch.DefaultCeiling,
			MaxFileBytes: workspace.DefaultMaxFileBytes,
			RebasePolicy: "rebase",
			DebounceMS:   int(workspace.DefaultDebounce / time.Millisecond),
		},
		Transport: TransportConfig{
			DialTimeoutMS:  15000,
			WriteTimeoutMS: 10000,
			MaxFrameBytes:  32 << 20,
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into the defaults so absent fields keep them.
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	def := DefaultConfig()
	if config.LogLevel == "" {
		config.LogLevel = def.LogLevel
	}
	if config.LogPath == "" {
		config.LogPath = def.LogPath
	}
	if config.HistoryPath == "" {
		config.HistoryPath = def.HistoryPath
	}
	if config.Sync.RebasePolicy == "" {
		config.Sync.RebasePolicy = def.Sync.RebasePolicy
	}
	return config, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Sync.RebasePolicy {
	case "", "rebase", "resync":
	default:
		return fmt.Errorf("sync.rebase_policy must be \"rebase\" or \"resync\", got %q", c.Sync.RebasePolicy)
	}
	if c.Endpoint != "" {
		if _, err := transport.ParseEndpoint(c.Endpoint); err != nil {
			return err
		}
	}
	return nil
}

// Save saves configuration to file. When password is non-empty a plain
// Secret is sealed with it first; the receiver is not modified.
func (c *Config) Save(path, password string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	out := *c
	if password != "" && out.Secret != "" && !secrets.IsSealed(out.Secret) {
		sealed, err := secrets.Seal(out.Secret, password)
		if err != nil {
			return err
		}
		out.Secret = sealed
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// SecretSealed reports whether Secret needs a password to be read.
func (c *Config) SecretSealed() bool {
	return secrets.IsSealed(c.Secret)
}

// LoadSecret returns Secret in protected memory, opening it with password
// if it is sealed.
func (c *Config) LoadSecret(password string) (*securemem.String, error) {
	plain, _, err := secrets.Open(c.Secret, password)
	if err != nil {
		return nil, fmt.Errorf("open secret: %w", err)
	}
	return securemem.NewString(plain), nil
}

// Level returns the parsed log level.
func (c *Config) Level() logger.Level {
	return logger.ParseLevel(c.LogLevel)
}

// ReconnectPolicy converts the reconnect settings.
func (c *Config) ReconnectPolicy() reconnect.Policy {
	return reconnect.Policy{
		Initial:     time.Duration(c.Reconnect.InitialDelayMS) * time.Millisecond,
		Max:         time.Duration(c.Reconnect.MaxDelayMS) * time.Millisecond,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

// TransportOptions converts the transport settings.
func (c *Config) TransportOptions() transport.Options {
	opts := transport.Options{
		DialTimeout:   time.Duration(c.Transport.DialTimeoutMS) * time.Millisecond,
		WriteTimeout:  time.Duration(c.Transport.WriteTimeoutMS) * time.Millisecond,
		MaxFrameBytes: c.Transport.MaxFrameBytes,
	}
	if c.Transport.InsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Debounce returns the watcher debounce interval.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Sync.DebounceMS) * time.Millisecond
}
