package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanshare"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "P2P_SHARE_DATA_DIR"
	// DefaultControlPort is the control listener port in fixed mode.
	DefaultControlPort = 7000
	// DefaultFilePort is the transfer listener port in fixed mode.
	DefaultFilePort = 6000
	// DefaultChunkSize is the chunk size served by the transfer server.
	DefaultChunkSize = 1024 * 1024
	// MaxChunkSize bounds chunk_size; a chunk is held in memory on both ends.
	MaxChunkSize = 64 * 1024 * 1024
	// DefaultDiscoveryTimeoutMillis is the multicast collect window.
	DefaultDiscoveryTimeoutMillis = 3000
	// DefaultLogLevel is used when log_level is empty or invalid.
	DefaultLogLevel = "info"
	// PortModeAutomatic binds ephemeral ports and advertises whatever was bound.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured port values.
	PortModeFixed = "fixed"

	configFileName = "config.json"
	defaultName    = "LAN Share Node"
)

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	PeerID                 string `json:"peer_id"`
	DisplayName            string `json:"display_name"`
	PortMode               string `json:"port_mode"`
	ControlPort            int    `json:"control_port"`
	FilePort               int    `json:"file_port"`
	ShareDir               string `json:"share_dir"`
	DownloadDir            string `json:"download_dir"`
	ChunkSize              int    `json:"chunk_size"`
	DiscoveryTimeoutMillis int    `json:"discovery_timeout_ms"`
	MDNSEnabled            bool   `json:"mdns_enabled"`
	AutoAcceptPeers        bool   `json:"auto_accept_peers"`
	LogLevel               string `json:"log_level"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If P2P_SHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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

// EnsureDataDirectories creates the data directory plus the default share and download folders.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "shared"),
		filepath.Join(dataDir, "downloads"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save writes config.json through a temporary file so a crash never leaves a
// truncated config behind.
func Save(path string, cfg *NodeConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Validate rejects values the listeners and transfer engine cannot use.
func (c *NodeConfig) Validate() error {
	if strings.TrimSpace(c.PeerID) == "" {
		return errors.New("peer_id is required")
	}
	if strings.ContainsAny(c.PeerID, "|\r\n") {
		return fmt.Errorf("peer_id %q contains a reserved character", c.PeerID)
	}
	if c.PortMode == PortModeFixed {
		for name, port := range map[string]int{"control_port": c.ControlPort, "file_port": c.FilePort} {
			if port <= 0 || port > 65535 {
				return fmt.Errorf("%s %d out of range", name, port)
			}
		}
		if c.ControlPort == c.FilePort {
			return fmt.Errorf("control_port and file_port must differ, both are %d", c.ControlPort)
		}
	}
	if c.ChunkSize <= 0 || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk_size %d outside 1..%d", c.ChunkSize, MaxChunkSize)
	}
	if strings.TrimSpace(c.DownloadDir) == "" {
		return errors.New("download_dir is required")
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*NodeConfig, string, error) {
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
		logrus.WithFields(logrus.Fields{
			"component": "config",
			"path":      cfgPath,
			"peer_id":   cfg.PeerID,
		}).Info("created default configuration")

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// ParsedLogLevel returns the configured logrus level, or info when unset or invalid.
func (c *NodeConfig) ParsedLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ListenPorts returns the control and file ports to bind, 0 meaning ephemeral.
func (c *NodeConfig) ListenPorts() (controlPort, filePort int) {
	if c.PortMode == PortModeFixed {
		return c.ControlPort, c.FilePort
	}
	return 0, 0
}

func defaultConfig(dataDir string) *NodeConfig {
	return &NodeConfig{
		PeerID:                 uuid.NewString(),
		DisplayName:            hostDisplayName(),
		PortMode:               PortModeAutomatic,
		ShareDir:               filepath.Join(dataDir, "shared"),
		DownloadDir:            filepath.Join(dataDir, "downloads"),
		ChunkSize:              DefaultChunkSize,
		DiscoveryTimeoutMillis: DefaultDiscoveryTimeoutMillis,
		LogLevel:               DefaultLogLevel,
	}
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = hostDisplayName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ControlPort > 0 || cfg.FilePort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed {
		if cfg.ControlPort <= 0 {
			cfg.ControlPort = DefaultControlPort
			updated = true
		}
		if cfg.FilePort <= 0 {
			cfg.FilePort = DefaultFilePort
			updated = true
		}
	}

	if cfg.ShareDir == "" {
		cfg.ShareDir = filepath.Join(dataDir, "shared")
		updated = true
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "downloads")
		updated = true
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > MaxChunkSize {
		cfg.ChunkSize = DefaultChunkSize
		updated = true
	}
	if cfg.DiscoveryTimeoutMillis <= 0 {
		cfg.DiscoveryTimeoutMillis = DefaultDiscoveryTimeoutMillis
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

func hostDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultName
}
