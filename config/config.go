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
	"github.com/spf13/viper"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "helphub"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "HELPHUB_DATA_DIR"
	// EnvPrefix prefixes per-field overrides such as HELPHUB_LOG_LEVEL.
	EnvPrefix = "HELPHUB"
	// DefaultDisplayName is advertised when the user never picked a name.
	DefaultDisplayName = "HelphubUser"
	// DefaultServiceID groups devices that can see each other.
	DefaultServiceID = "helphub"
	// DefaultListeningPort is the TCP port used in fixed port mode without an override.
	DefaultListeningPort = 7420
	// DefaultRefreshIntervalSeconds is the mDNS rescan period.
	DefaultRefreshIntervalSeconds = 5
	// DefaultDecisionTimeoutSeconds bounds how long a connection decision may take.
	DefaultDecisionTimeoutSeconds = 30
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	logFileName    = "helphub.log"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID    string    `json:"device_id" mapstructure:"device_id"`
	DisplayName string    `json:"display_name" mapstructure:"display_name"`
	ServiceID   string    `json:"service_id" mapstructure:"service_id"`
	LAN         LANConfig `json:"lan" mapstructure:"lan"`
	Log         LogConfig `json:"log" mapstructure:"log"`
}

// LANConfig tunes the mDNS + TCP transport.
type LANConfig struct {
	PortMode               string `json:"port_mode" mapstructure:"port_mode"`
	ListeningPort          int    `json:"listening_port" mapstructure:"listening_port"`
	RefreshIntervalSeconds int    `json:"refresh_interval_seconds" mapstructure:"refresh_interval_seconds"`
	DecisionTimeoutSeconds int    `json:"decision_timeout_seconds" mapstructure:"decision_timeout_seconds"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `json:"level" mapstructure:"level"`
	// Format: console or json
	Format string `json:"format" mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `json:"outputs" mapstructure:"outputs"`
	Rotation    RotationConfig `json:"rotation" mapstructure:"rotation"`
	Development bool           `json:"development" mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `json:"enable" mapstructure:"enable"`
	MaxSizeMB  int  `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int  `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int  `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `json:"compress" mapstructure:"compress"`
}

// ListenAddress returns the TCP listen address for the configured port mode.
func (c LANConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If HELPHUB_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "logs")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and decodes config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg DeviceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, nil
}

// envOverrides are applied after the file is normalized and saved, so they
// last for one process only.
var envOverrides = map[string]func(c *DeviceConfig, v *viper.Viper, k string){
	"display_name": func(c *DeviceConfig, v *viper.Viper, k string) {
		c.DisplayName = v.GetString(k)
	},
	"service_id": func(c *DeviceConfig, v *viper.Viper, k string) {
		c.ServiceID = v.GetString(k)
	},
	"lan.port_mode": func(c *DeviceConfig, v *viper.Viper, k string) {
		c.LAN.PortMode = v.GetString(k)
	},
	"lan.listening_port": func(c *DeviceConfig, v *viper.Viper, k string) {
		c.LAN.ListeningPort = v.GetInt(k)
	},
	"log.level": func(c *DeviceConfig, v *viper.Viper, k string) {
		c.Log.Level = v.GetString(k)
	},
	"log.format": func(c *DeviceConfig, v *viper.Viper, k string) {
		c.Log.Format = v.GetString(k)
	},
	"log.outputs": func(c *DeviceConfig, v *viper.Viper, k string) {
		c.Log.Outputs = strings.Split(v.GetString(k), ",")
	},
}

// ApplyEnvOverrides layers HELPHUB_* variables over cfg. Keys use "_" for
// nesting: HELPHUB_LAN_LISTENING_PORT, HELPHUB_LOG_OUTPUTS=stderr,/tmp/hh.log.
func ApplyEnvOverrides(cfg *DeviceConfig) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, apply := range envOverrides {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind %s override: %w", key, err)
		}
		if v.IsSet(key) {
			apply(cfg, v, key)
		}
	}

	if normalizePortMode(cfg.LAN.PortMode) == "" {
		return fmt.Errorf("invalid port mode %q", cfg.LAN.PortMode)
	}
	return nil
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

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*DeviceConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
		if err := ApplyEnvOverrides(cfg); err != nil {
			return nil, "", "", err
		}
		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, "", "", err
	}
	return cfg, cfgPath, dataDir, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if strings.TrimSpace(cfg.DisplayName) == "" {
		cfg.DisplayName = DefaultDisplayName
		updated = true
	}
	if strings.TrimSpace(cfg.ServiceID) == "" {
		cfg.ServiceID = DefaultServiceID
		updated = true
	}

	lan := &cfg.LAN
	mode := normalizePortMode(lan.PortMode)
	if mode == "" {
		if lan.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if lan.PortMode != mode {
		lan.PortMode = mode
		updated = true
	}
	if lan.PortMode == PortModeFixed && lan.ListeningPort <= 0 {
		lan.ListeningPort = DefaultListeningPort
		updated = true
	}
	if lan.PortMode == PortModeAutomatic && lan.ListeningPort != 0 {
		lan.ListeningPort = 0
		updated = true
	}
	if lan.RefreshIntervalSeconds <= 0 {
		lan.RefreshIntervalSeconds = DefaultRefreshIntervalSeconds
		updated = true
	}
	if lan.DecisionTimeoutSeconds <= 0 {
		lan.DecisionTimeoutSeconds = DefaultDecisionTimeoutSeconds
		updated = true
	}

	log := &cfg.Log
	if log.Level == "" {
		log.Level = "info"
		updated = true
	}
	if log.Format == "" {
		log.Format = "console"
		updated = true
	}
	if len(log.Outputs) == 0 {
		log.Outputs = []string{filepath.Join(dataDir, "logs", logFileName)}
		log.Rotation = RotationConfig{Enable: true, MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 14}
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
