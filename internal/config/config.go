// Package config loads the daemon configuration from TOML. Absent keys keep
// their defaults; present keys are validated before they override anything.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"tunctl/internal/ctrl"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	// SocketPath is the control socket the daemon listens on.
	SocketPath string
	// DebugAddr serves health and metrics over HTTP when DebugEnabled.
	DebugAddr    string
	DebugEnabled bool
	// LogLevel is a zerolog level name: trace, debug, info, warn, error.
	LogLevel string
	// MaxMessageSize caps one dump message payload in bytes.
	MaxMessageSize int
	// Devices are created at boot, before the socket opens.
	Devices []DeviceConfig
}

// DeviceConfig describes one tunnel device to create at boot.
type DeviceConfig struct {
	Name       string
	ListenPort uint16
	Fwmark     uint32
}

type fileConfig struct {
	Socket struct {
		Path string `toml:"path"`
	} `toml:"socket"`
	Debug struct {
		Enabled bool   `toml:"enabled"`
		Addr    string `toml:"addr"`
	} `toml:"debug"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
	Ctrl struct {
		MaxMessageSize int `toml:"max_message_size"`
	} `toml:"ctrl"`
	Devices []struct {
		Name       string `toml:"name"`
		ListenPort int    `toml:"listen_port"`
		Fwmark     int64  `toml:"fwmark"`
	} `toml:"devices"`
}

func Default() Config {
	return Config{
		SocketPath:     "/var/run/tunctl/ctrl.sock",
		DebugAddr:      "127.0.0.1:9460",
		DebugEnabled:   false,
		LogLevel:       "info",
		MaxMessageSize: ctrl.DefaultMaxMessageSize,
	}
}

// Load reads path and applies it on top of Default. Only keys present in the
// file override defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("socket", "path") {
		cfg.SocketPath = strings.TrimSpace(raw.Socket.Path)
	}
	if meta.IsDefined("debug", "enabled") {
		cfg.DebugEnabled = raw.Debug.Enabled
	}
	if meta.IsDefined("debug", "addr") {
		cfg.DebugAddr = strings.TrimSpace(raw.Debug.Addr)
	}
	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.Log.Level))
	}
	if meta.IsDefined("ctrl", "max_message_size") {
		cfg.MaxMessageSize = raw.Ctrl.MaxMessageSize
	}
	for i, d := range raw.Devices {
		if d.ListenPort < 0 || d.ListenPort > 65535 {
			return Config{}, fmt.Errorf("devices[%d]: listen_port out of range: %d", i, d.ListenPort)
		}
		if d.Fwmark < 0 || d.Fwmark > int64(^uint32(0)) {
			return Config{}, fmt.Errorf("devices[%d]: fwmark out of range: %d", i, d.Fwmark)
		}
		cfg.Devices = append(cfg.Devices, DeviceConfig{
			Name:       strings.TrimSpace(d.Name),
			ListenPort: uint16(d.ListenPort),
			Fwmark:     uint32(d.Fwmark),
		})
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.SocketPath) == "" {
		return fmt.Errorf("config missing socket path")
	}
	if cfg.DebugEnabled && strings.TrimSpace(cfg.DebugAddr) == "" {
		return fmt.Errorf("config missing debug addr")
	}
	switch cfg.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", cfg.LogLevel)
	}
	if cfg.MaxMessageSize < 256 {
		return fmt.Errorf("max_message_size too small: %d", cfg.MaxMessageSize)
	}
	for i, d := range cfg.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
	}
	return nil
}
