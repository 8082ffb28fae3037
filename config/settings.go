package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SettingsEnvPrefix prefixes environment overrides, e.g. DEVLINK_LOG_LEVEL=debug.
const SettingsEnvPrefix = "DEVLINK"

// Settings is the runtime policy of a devlink host.
type Settings struct {
	Log       LogSettings       `mapstructure:"log"`
	TCP       TCPSettings       `mapstructure:"tcp"`
	Bluetooth BluetoothSettings `mapstructure:"bluetooth"`
	Pairing   PairingSettings   `mapstructure:"pairing"`
	Reconnect ReconnectSettings `mapstructure:"reconnect"`
	Discovery DiscoverySettings `mapstructure:"discovery"`
	Gateway   GatewaySettings   `mapstructure:"gateway"`
	Storage   StorageSettings   `mapstructure:"storage"`
}

// LogSettings defines logger settings.
type LogSettings struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string         `mapstructure:"outputs"`
	Rotation    RotationSettings `mapstructure:"rotation"`
	Development bool             `mapstructure:"development"`
}

// RotationSettings controls log file rotation for file outputs.
type RotationSettings struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

type TCPSettings struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
}

type BluetoothSettings struct {
	Enable bool `mapstructure:"enable"`
	// Listen is the local adapter address; all zeroes binds any adapter.
	Listen  string `mapstructure:"listen"`
	Channel int    `mapstructure:"channel"`
}

type PairingSettings struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type ReconnectSettings struct {
	Initial     time.Duration `mapstructure:"initial"`
	Max         time.Duration `mapstructure:"max"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type DiscoverySettings struct {
	Enable   bool          `mapstructure:"enable"`
	Interval time.Duration `mapstructure:"interval"`
}

type GatewaySettings struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
}

type StorageSettings struct {
	SecurityEventRetention time.Duration `mapstructure:"security_event_retention"`
}

// DefaultSettings returns Settings populated with the stock policy.
func DefaultSettings() *Settings {
	return &Settings{
		Log: LogSettings{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationSettings{
				MaxSizeMB:  20,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		TCP: TCPSettings{
			Enable: true,
			Listen: ":1716",
		},
		Bluetooth: BluetoothSettings{
			Listen:  "00:00:00:00:00:00",
			Channel: 6,
		},
		Pairing: PairingSettings{Timeout: 30 * time.Second},
		Reconnect: ReconnectSettings{
			Initial:     time.Second,
			Max:         60 * time.Second,
			MaxAttempts: 8,
		},
		Discovery: DiscoverySettings{
			Enable:   true,
			Interval: 10 * time.Second,
		},
		Gateway: GatewaySettings{
			Listen: "127.0.0.1:1764",
		},
		Storage: StorageSettings{SecurityEventRetention: 90 * 24 * time.Hour},
	}
}

// LoadSettings reads runtime settings from path when it exists, layering
// DEVLINK_* environment overrides on top of the defaults. Keys use '_' for
// '.', so reconnect.max_attempts becomes DEVLINK_RECONNECT_MAX_ATTEMPTS.
func LoadSettings(path string) (*Settings, error) {
	cfg := DefaultSettings()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(SettingsEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Env-only overrides only bind to keys viper already knows about.
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("tcp.enable", cfg.TCP.Enable)
	v.SetDefault("tcp.listen", cfg.TCP.Listen)
	v.SetDefault("bluetooth.enable", cfg.Bluetooth.Enable)
	v.SetDefault("bluetooth.listen", cfg.Bluetooth.Listen)
	v.SetDefault("bluetooth.channel", cfg.Bluetooth.Channel)
	v.SetDefault("pairing.timeout", cfg.Pairing.Timeout)
	v.SetDefault("reconnect.initial", cfg.Reconnect.Initial)
	v.SetDefault("reconnect.max", cfg.Reconnect.Max)
	v.SetDefault("reconnect.max_attempts", cfg.Reconnect.MaxAttempts)
	v.SetDefault("discovery.enable", cfg.Discovery.Enable)
	v.SetDefault("discovery.interval", cfg.Discovery.Interval)
	v.SetDefault("gateway.enable", cfg.Gateway.Enable)
	v.SetDefault("gateway.listen", cfg.Gateway.Listen)
	v.SetDefault("storage.security_event_retention", cfg.Storage.SecurityEventRetention)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read settings: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat settings: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Settings) validate() error {
	switch strings.ToLower(strings.TrimSpace(s.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", s.Log.Level)
	}
	switch strings.ToLower(strings.TrimSpace(s.Log.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", s.Log.Format)
	}
	if len(s.Log.Outputs) == 0 {
		s.Log.Outputs = []string{"stderr"}
	}

	if !s.TCP.Enable && !s.Bluetooth.Enable {
		return errors.New("at least one of tcp.enable or bluetooth.enable must be set")
	}
	if s.Bluetooth.Channel < 1 || s.Bluetooth.Channel > 30 {
		return fmt.Errorf("invalid bluetooth.channel: %d", s.Bluetooth.Channel)
	}
	if s.Pairing.Timeout <= 0 {
		return fmt.Errorf("invalid pairing.timeout: %s", s.Pairing.Timeout)
	}
	if s.Reconnect.Initial <= 0 || s.Reconnect.Max < s.Reconnect.Initial {
		return fmt.Errorf("invalid reconnect backoff: initial %s max %s", s.Reconnect.Initial, s.Reconnect.Max)
	}
	if s.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("invalid reconnect.max_attempts: %d", s.Reconnect.MaxAttempts)
	}
	if s.Discovery.Interval <= 0 {
		return fmt.Errorf("invalid discovery.interval: %s", s.Discovery.Interval)
	}
	if s.Gateway.Enable && strings.TrimSpace(s.Gateway.Listen) == "" {
		return errors.New("gateway.listen is required when the gateway is enabled")
	}
	return nil
}
