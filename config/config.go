package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "marketchat"
	// DefaultAPIBaseURL is the CMS REST endpoint used when no override exists.
	DefaultAPIBaseURL = "http://localhost:1337"
	// DefaultRealtimeURL is the websocket gateway used when no override exists.
	DefaultRealtimeURL = "ws://localhost:1337/realtime"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// sessionFileName is the credential file read by session.FileSource.
	sessionFileName = "session.json"
)

// ClientConfig contains persistent local client settings.
type ClientConfig struct {
	InstallID   string `json:"install_id"`
	APIBaseURL  string `json:"api_base_url"`
	RealtimeURL string `json:"realtime_url"`
	SessionPath string `json:"session_path"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MARKETCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("MARKETCHAT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	return &ClientConfig{
		InstallID:   uuid.NewString(),
		APIBaseURL:  envOr("MARKETCHAT_API_URL", DefaultAPIBaseURL),
		RealtimeURL: envOr("MARKETCHAT_REALTIME_URL", DefaultRealtimeURL),
		SessionPath: filepath.Join(dataDir, sessionFileName),
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.InstallID == "" {
		cfg.InstallID = uuid.NewString()
		updated = true
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = envOr("MARKETCHAT_API_URL", DefaultAPIBaseURL)
		updated = true
	}
	if cfg.RealtimeURL == "" {
		cfg.RealtimeURL = envOr("MARKETCHAT_REALTIME_URL", DefaultRealtimeURL)
		updated = true
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = filepath.Join(dataDir, sessionFileName)
		updated = true
	}

	return updated
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
