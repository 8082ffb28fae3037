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

	"devlink/protocol"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "devlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "DEVLINK_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// settingsFileName is the optional runtime settings file inside the data dir.
	settingsFileName = "devlink.yaml"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	DeviceType      string `json:"device_type"`
	CertificatePath string `json:"certificate_path"`
	PrivateKeyPath  string `json:"private_key_path"`
	Fingerprint     string `json:"fingerprint"`
}

// NewDeviceID returns a fresh device id: a random UUID with '_' in place of '-'.
func NewDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "_")
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If DEVLINK_DATA_DIR is set, its value is used as an explicit override.
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

// SettingsPath returns the default runtime settings file for a data directory.
func SettingsPath(dataDir string) string {
	return filepath.Join(dataDir, settingsFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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
func LoadOrCreate() (*DeviceConfig, string, error) {
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

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil {
		if name := protocol.SanitizeDeviceName(host); name != "" {
			return name
		}
	}
	return "devlink"
}

func defaultConfig(dataDir string) *DeviceConfig {
	keysDir := filepath.Join(dataDir, "keys")
	return &DeviceConfig{
		DeviceID:        NewDeviceID(),
		DeviceName:      defaultDeviceName(),
		DeviceType:      protocol.DeviceTypeDesktop,
		CertificatePath: filepath.Join(keysDir, "certificate.pem"),
		PrivateKeyPath:  filepath.Join(keysDir, "private_key.pem"),
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	// Ids carried over from hyphenated UUIDs keep their value but not the separators.
	if strings.Contains(cfg.DeviceID, "-") && !fileExists(cfg.CertificatePath) {
		cfg.DeviceID = strings.ReplaceAll(cfg.DeviceID, "-", "_")
		updated = true
	}
	if !protocol.ValidDeviceID(cfg.DeviceID) {
		cfg.DeviceID = NewDeviceID()
		updated = true
	}

	if name := protocol.SanitizeDeviceName(cfg.DeviceName); name != cfg.DeviceName || name == "" {
		if name == "" {
			name = defaultDeviceName()
		}
		cfg.DeviceName = name
		updated = true
	}

	if cfg.DeviceType == "" {
		cfg.DeviceType = protocol.DeviceTypeDesktop
		updated = true
	}

	if cfg.CertificatePath == "" {
		cfg.CertificatePath = filepath.Join(keysDir, "certificate.pem")
		updated = true
	}

	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(keysDir, "private_key.pem")
		updated = true
	}

	return updated
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
