package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bleframework/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Backend     string       `yaml:"backend"` // "sim" or "bluez"
	Adapter     string       `yaml:"adapter"`
	IdentityID  uint8        `yaml:"identity_id"`
	Role        string       `yaml:"role"` // "central" or "peripheral"
	Attack      AttackConfig `yaml:"attack"`
	Sim         SimConfig    `yaml:"sim"`
	MetricsAddr string       `yaml:"metrics_addr"`
	HistoryFile string       `yaml:"history_file"`
	LogLevel    string       `yaml:"log_level"`
}

// AttackConfig holds the attack toggles and timings.
type AttackConfig struct {
	KeySize        int           `yaml:"key_size"`
	SCDowngrade    bool          `yaml:"sc_downgrade"`
	SecuritySettle time.Duration `yaml:"security_settle"`
	ReloadSettle   time.Duration `yaml:"reload_settle"`
	LoopInterval   time.Duration `yaml:"loop_interval"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"` // 0 waits forever
}

// SimConfig describes the simulated stack and its peer.
type SimConfig struct {
	SettingsPath     string `yaml:"settings_path"`
	PeerAddress      string `yaml:"peer_address"` // "XX:XX:XX:XX:XX:XX random"
	PeerBondCapacity int    `yaml:"peer_bond_capacity"`
	PeerMinKeySize   int    `yaml:"peer_min_key_size"`
	PeerSCOnly       bool   `yaml:"peer_sc_only"`
	PeerRejectEvery  int    `yaml:"peer_reject_every"`
}

// PeerAddr parses PeerAddress.
func (s SimConfig) PeerAddr() (ble.Address, error) {
	fields := strings.Fields(s.PeerAddress)
	switch len(fields) {
	case 1:
		return ble.ParseAddress(fields[0], "random")
	case 2:
		return ble.ParseAddress(fields[0], fields[1])
	}
	return ble.Address{}, fmt.Errorf("sim.peer_address must be \"XX:XX:XX:XX:XX:XX [public|random]\", got %q", s.PeerAddress)
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bleframework")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "bleframework")

	return &Config{
		Backend: "sim",
		Adapter: "hci0",
		Role:    "central",
		Attack: AttackConfig{
			KeySize:        16,
			SecuritySettle: time.Second,
			ReloadSettle:   3 * time.Second,
		},
		Sim: SimConfig{
			SettingsPath:   filepath.Join(dataDir, "sim-settings.cbor"),
			PeerAddress:    "C0:FF:EE:00:00:01 random",
			PeerMinKeySize: 7,
		},
		HistoryFile: filepath.Join(dataDir, "history"),
		LogLevel:    "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Sim.SettingsPath = expandTilde(cfg.Sim.SettingsPath)
	cfg.HistoryFile = expandTilde(cfg.HistoryFile)

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when it does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Backend {
	case "sim":
		if _, err := c.Sim.PeerAddr(); err != nil {
			return err
		}
		if c.Sim.PeerBondCapacity < 0 {
			return fmt.Errorf("sim.peer_bond_capacity must be >= 0")
		}
		if c.Sim.PeerMinKeySize < 7 || c.Sim.PeerMinKeySize > 16 {
			return fmt.Errorf("sim.peer_min_key_size must be in 7..16, got %d", c.Sim.PeerMinKeySize)
		}
		if c.Sim.PeerRejectEvery < 0 {
			return fmt.Errorf("sim.peer_reject_every must be >= 0")
		}
	case "bluez":
		if c.Adapter == "" {
			return fmt.Errorf("adapter must not be empty for the bluez backend")
		}
	default:
		return fmt.Errorf("backend must be \"sim\" or \"bluez\", got %q", c.Backend)
	}

	switch c.Role {
	case "central", "peripheral":
	default:
		return fmt.Errorf("role must be \"central\" or \"peripheral\", got %q", c.Role)
	}

	if c.Attack.KeySize < 7 || c.Attack.KeySize > 16 {
		return fmt.Errorf("attack.key_size must be in 7..16, got %d", c.Attack.KeySize)
	}
	for name, d := range map[string]time.Duration{
		"security_settle": c.Attack.SecuritySettle,
		"reload_settle":   c.Attack.ReloadSettle,
		"loop_interval":   c.Attack.LoopInterval,
		"wait_timeout":    c.Attack.WaitTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("attack.%s must not be negative", name)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to slog. Unknown values map to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

const defaultHeader = `# bleframework configuration
#
# backend: sim runs against the in-process simulator, bluez drives a real
# adapter through BlueZ. wait_timeout 0 waits forever for link events.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
