package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bleframework/internal/ble"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend != "sim" {
		t.Errorf("Backend = %q, want %q", cfg.Backend, "sim")
	}
	if cfg.Role != "central" {
		t.Errorf("Role = %q, want %q", cfg.Role, "central")
	}
	if cfg.Attack.KeySize != 16 {
		t.Errorf("Attack.KeySize = %d, want 16", cfg.Attack.KeySize)
	}
	if cfg.Attack.SecuritySettle != time.Second {
		t.Errorf("Attack.SecuritySettle = %v, want %v", cfg.Attack.SecuritySettle, time.Second)
	}
	if cfg.Attack.ReloadSettle != 3*time.Second {
		t.Errorf("Attack.ReloadSettle = %v, want %v", cfg.Attack.ReloadSettle, 3*time.Second)
	}
	if cfg.Sim.SettingsPath == "" {
		t.Error("Sim.SettingsPath should not be empty")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
backend: sim
identity_id: 2
role: peripheral
attack:
  key_size: 7
  sc_downgrade: true
  security_settle: 250ms
  loop_interval: 2s
sim:
  peer_address: "C0:11:22:33:44:55 random"
  peer_bond_capacity: 4
  peer_reject_every: 3
metrics_addr: "127.0.0.1:9120"
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.IdentityID != 2 {
		t.Errorf("IdentityID = %d, want 2", cfg.IdentityID)
	}
	if cfg.Role != "peripheral" {
		t.Errorf("Role = %q, want %q", cfg.Role, "peripheral")
	}
	if cfg.Attack.KeySize != 7 || !cfg.Attack.SCDowngrade {
		t.Errorf("Attack = %+v, want key_size 7 and sc_downgrade", cfg.Attack)
	}
	if cfg.Attack.SecuritySettle != 250*time.Millisecond {
		t.Errorf("Attack.SecuritySettle = %v, want 250ms", cfg.Attack.SecuritySettle)
	}
	if cfg.Attack.LoopInterval != 2*time.Second {
		t.Errorf("Attack.LoopInterval = %v, want 2s", cfg.Attack.LoopInterval)
	}
	// fields absent from the file keep their defaults
	if cfg.Attack.ReloadSettle != 3*time.Second {
		t.Errorf("Attack.ReloadSettle = %v, want 3s", cfg.Attack.ReloadSettle)
	}
	if cfg.Sim.PeerMinKeySize != 7 {
		t.Errorf("Sim.PeerMinKeySize = %d, want 7", cfg.Sim.PeerMinKeySize)
	}
	if cfg.Sim.PeerBondCapacity != 4 || cfg.Sim.PeerRejectEvery != 3 {
		t.Errorf("Sim = %+v, want capacity 4 and reject_every 3", cfg.Sim)
	}
	if cfg.MetricsAddr != "127.0.0.1:9120" {
		t.Errorf("MetricsAddr = %q, want %q", cfg.MetricsAddr, "127.0.0.1:9120")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}

	addr, err := cfg.Sim.PeerAddr()
	if err != nil {
		t.Fatalf("PeerAddr() error = %v", err)
	}
	want := ble.MustParseAddress("C0:11:22:33:44:55", "random")
	if addr != want {
		t.Errorf("PeerAddr() = %v, want %v", addr, want)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
history_file: ~/bf/history
sim:
  settings_path: ~/bf/settings.cbor
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if want := filepath.Join(home, "bf/history"); cfg.HistoryFile != want {
		t.Errorf("HistoryFile = %q, want %q", cfg.HistoryFile, want)
	}
	if want := filepath.Join(home, "bf/settings.cbor"); cfg.Sim.SettingsPath != want {
		t.Errorf("Sim.SettingsPath = %q, want %q", cfg.Sim.SettingsPath, want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Backend != "sim" {
		t.Errorf("LoadOrDefault() Backend = %q, want defaults", cfg.Backend)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("attack: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := LoadOrDefault(cfgPath); err == nil {
		t.Error("LoadOrDefault() should not hide a parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Backend = "corebluetooth" },
			wantErr: true,
		},
		{
			name:    "bluez without adapter",
			modify:  func(c *Config) { c.Backend = "bluez"; c.Adapter = "" },
			wantErr: true,
		},
		{
			name:    "bluez ignores sim section",
			modify:  func(c *Config) { c.Backend = "bluez"; c.Sim.PeerAddress = "" },
			wantErr: false,
		},
		{
			name:    "invalid role",
			modify:  func(c *Config) { c.Role = "observer" },
			wantErr: true,
		},
		{
			name:    "key size too small",
			modify:  func(c *Config) { c.Attack.KeySize = 6 },
			wantErr: true,
		},
		{
			name:    "key size too large",
			modify:  func(c *Config) { c.Attack.KeySize = 17 },
			wantErr: true,
		},
		{
			name:    "minimum key size",
			modify:  func(c *Config) { c.Attack.KeySize = 7 },
			wantErr: false,
		},
		{
			name:    "negative settle",
			modify:  func(c *Config) { c.Attack.SecuritySettle = -time.Second },
			wantErr: true,
		},
		{
			name:    "negative wait timeout",
			modify:  func(c *Config) { c.Attack.WaitTimeout = -1 },
			wantErr: true,
		},
		{
			name:    "malformed peer address",
			modify:  func(c *Config) { c.Sim.PeerAddress = "not-an-address" },
			wantErr: true,
		},
		{
			name:    "peer address without type",
			modify:  func(c *Config) { c.Sim.PeerAddress = "C0:11:22:33:44:55" },
			wantErr: false,
		},
		{
			name:    "negative bond capacity",
			modify:  func(c *Config) { c.Sim.PeerBondCapacity = -1 },
			wantErr: true,
		},
		{
			name:    "peer min key size out of range",
			modify:  func(c *Config) { c.Sim.PeerMinKeySize = 20 },
			wantErr: true,
		},
		{
			name:    "negative reject every",
			modify:  func(c *Config) { c.Sim.PeerRejectEvery = -2 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "bleframework", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# bleframework") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Attack.ReloadSettle != 3*time.Second {
		t.Errorf("written config Attack.ReloadSettle = %v, want 3s", cfg.Attack.ReloadSettle)
	}
	if cfg.Sim.PeerAddress != Default().Sim.PeerAddress {
		t.Errorf("written config Sim.PeerAddress = %q, want %q", cfg.Sim.PeerAddress, Default().Sim.PeerAddress)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "bleframework")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("backend: bluez\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}
