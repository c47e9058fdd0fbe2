package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"lanstream/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanstream"
	// DefaultListeningPort is the well-known TCP port per installation.
	DefaultListeningPort = 12345
	// DefaultChunkSize is the transfer chunk size in bytes (64 KB).
	DefaultChunkSize = 64 * 1024
	// DefaultWindowChunks bounds unacknowledged in-flight chunks per job.
	DefaultWindowChunks = 32
	// DefaultChunkRetries caps retransmissions per chunk before the job fails.
	DefaultChunkRetries = 3
	// DefaultAckTimeoutSeconds bounds the wait for a chunk acknowledgement.
	DefaultAckTimeoutSeconds = 10
	// DefaultReconnectWindowSeconds bounds total auto-reconnect retrying
	// before surfacing a connection-lost event.
	DefaultReconnectWindowSeconds = 180
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// PeerProfile is one configured remote peer, resolvable by name.
type PeerProfile struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Settings contains persistent local settings and the peer profile table.
type Settings struct {
	DeviceName             string        `json:"device_name"`
	ListeningPort          int           `json:"listening_port"`
	DownloadDir            string        `json:"download_dir"`
	ChunkSize              int           `json:"chunk_size"`
	WindowChunks           int           `json:"window_chunks"`
	ChunkRetries           int           `json:"chunk_retries"`
	AckTimeoutSeconds      int           `json:"ack_timeout_seconds"`
	ReconnectWindowSeconds int           `json:"reconnect_window_seconds"`
	LogLevel               string        `json:"log_level"`
	Peers                  []PeerProfile `json:"peers"`
}

// Peer looks up a configured profile by name.
func (s *Settings) Peer(name string) (models.Peer, bool) {
	for _, profile := range s.Peers {
		if profile.Name == name {
			port := profile.Port
			if port == 0 {
				port = DefaultListeningPort
			}
			return models.Peer{Name: profile.Name, Host: profile.Host, Port: port}, true
		}
	}
	return models.Peer{}, false
}

// PeerByHost looks up a configured profile by host address. Used to admit
// inbound connections from known peers.
func (s *Settings) PeerByHost(host string) (models.Peer, bool) {
	for _, profile := range s.Peers {
		if profile.Host == host {
			port := profile.Port
			if port == 0 {
				port = DefaultListeningPort
			}
			return models.Peer{Name: profile.Name, Host: profile.Host, Port: port}, true
		}
	}
	return models.Peer{}, false
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANSTREAM_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LANSTREAM_DATA_DIR"); override != "" {
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
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "downloads"),
		filepath.Join(dataDir, "resume"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Settings
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Settings) error {
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
func LoadOrCreate() (*Settings, string, error) {
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

		cfg = defaultSettings(dataDir)
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

func defaultSettings(dataDir string) *Settings {
	deviceName := "lanstream device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &Settings{
		DeviceName:             deviceName,
		ListeningPort:          DefaultListeningPort,
		DownloadDir:            filepath.Join(dataDir, "downloads"),
		ChunkSize:              DefaultChunkSize,
		WindowChunks:           DefaultWindowChunks,
		ChunkRetries:           DefaultChunkRetries,
		AckTimeoutSeconds:      DefaultAckTimeoutSeconds,
		ReconnectWindowSeconds: DefaultReconnectWindowSeconds,
		LogLevel:               "info",
		Peers:                  []PeerProfile{},
	}
}

func normalizeDefaults(cfg *Settings, dataDir string) bool {
	updated := false

	if cfg.DeviceName == "" {
		deviceName := "lanstream device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.ListeningPort <= 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.WindowChunks <= 0 {
		cfg.WindowChunks = DefaultWindowChunks
		updated = true
	}
	if cfg.ChunkRetries <= 0 {
		cfg.ChunkRetries = DefaultChunkRetries
		updated = true
	}
	if cfg.AckTimeoutSeconds <= 0 {
		cfg.AckTimeoutSeconds = DefaultAckTimeoutSeconds
		updated = true
	}
	if cfg.ReconnectWindowSeconds <= 0 {
		cfg.ReconnectWindowSeconds = DefaultReconnectWindowSeconds
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}

	return updated
}
