// Command bleframework is the interactive identity fragmentation attack
// shell. It drives either the built-in simulator or a BlueZ adapter.
//
// Usage:
//
//	bleframework [--config path] [--backend sim|bluez] [--init-config]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/ble/session"
	"github.com/chaz8081/bleframework/internal/ble/sim"
	"github.com/chaz8081/bleframework/internal/config"
	"github.com/chaz8081/bleframework/internal/ifa"
	"github.com/chaz8081/bleframework/internal/metrics"
	"github.com/chaz8081/bleframework/internal/settings"
	"github.com/chaz8081/bleframework/internal/shell"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bleframework/config.yaml)")
	backend := flag.String("backend", "", "override the configured backend: sim or bluez")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	sink := &logSink{w: os.Stderr}
	logger := slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	stack, closeStack, err := newStack(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open %s backend: %v", cfg.Backend, err)
	}
	defer closeStack()

	var rec *metrics.Recorder
	if cfg.MetricsAddr != "" {
		rec = metrics.New()
		go func() {
			if err := rec.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Error("[METRICS] server stopped", "error", err)
			}
		}()
	}

	attack, err := newAttack(stack, cfg, logger, rec)
	if err != nil {
		log.Fatalf("attack: %v", err)
	}

	sh := shell.New(attack, os.Stdout, shell.Options{
		Prompt:      "ifa> ",
		HistoryFile: cfg.HistoryFile,
		Logger:      logger,
	})
	// Log lines go through the shell so they do not tear the prompt.
	sink.set(sh.Stdout())
	if err := sh.Run(ctx); err != nil {
		log.Fatalf("shell: %v", err)
	}
	fmt.Println("Goodbye!")
}

// logSink is the log destination. It starts on stderr and moves to the
// shell once the shell owns the terminal.
type logSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *logSink) set(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w = w
}

func (l *logSink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err != nil {
		log.Println("No config file found, using defaults")
		return config.Default(), nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
	}
	log.Printf("Config loaded from %s", defaultPath)
	return cfg, nil
}

// newSimStack builds the simulator with the configured peer.
func newSimStack(cfg *config.Config, logger *slog.Logger) (*sim.Stack, error) {
	addr, err := cfg.Sim.PeerAddr()
	if err != nil {
		return nil, err
	}
	stack := sim.New(sim.Options{
		Store:  settings.NewFileStore(cfg.Sim.SettingsPath),
		Logger: logger,
	})
	peer := sim.DefaultPeerConfig(addr)
	peer.BondCapacity = cfg.Sim.PeerBondCapacity
	peer.MinKeySize = cfg.Sim.PeerMinKeySize
	peer.SCOnly = cfg.Sim.PeerSCOnly
	peer.RejectEvery = cfg.Sim.PeerRejectEvery
	stack.AddPeer(peer)
	return stack, nil
}

// newAttack builds the attack context and applies the configured toggles.
// Toggles a backend cannot honor are logged and left at their defaults.
func newAttack(stack ble.Stack, cfg *config.Config, logger *slog.Logger, rec *metrics.Recorder) (*ifa.Context, error) {
	role, err := ifa.ParseRole(cfg.Role)
	if err != nil {
		return nil, err
	}
	sess := session.DefaultOptions()
	sess.SecuritySettle = cfg.Attack.SecuritySettle
	sess.WaitTimeout = cfg.Attack.WaitTimeout

	opts := ifa.DefaultOptions()
	opts.ID = cfg.IdentityID
	opts.Role = role
	opts.Session = sess
	opts.LoopInterval = cfg.Attack.LoopInterval
	opts.ReloadSettle = cfg.Attack.ReloadSettle
	opts.Logger = logger
	opts.Metrics = rec
	c := ifa.New(stack, opts)

	if cfg.Attack.KeySize != ifa.DefaultSettings().KeySize {
		if _, err := c.SetKeySize(strconv.Itoa(cfg.Attack.KeySize)); err != nil {
			logger.Warn("[IFA] configured key size not applied", "key_size", cfg.Attack.KeySize, "error", err)
		}
	}
	if cfg.Attack.SCDowngrade {
		if err := c.SetSCDowngrade(true); err != nil {
			logger.Warn("[IFA] configured sc downgrade not applied", "error", err)
		}
	}
	return c, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== bleframework ===")
	fmt.Printf("  Backend:  %s\n", cfg.Backend)
	if cfg.Backend == "bluez" {
		fmt.Printf("  Adapter:  %s\n", cfg.Adapter)
	} else {
		fmt.Printf("  Peer:     %s\n", cfg.Sim.PeerAddress)
		fmt.Printf("  Settings: %s\n", cfg.Sim.SettingsPath)
	}
	fmt.Printf("  Identity: %d (%s)\n", cfg.IdentityID, cfg.Role)
	fmt.Printf("  Key size: %d, SC downgrade: %t\n", cfg.Attack.KeySize, cfg.Attack.SCDowngrade)
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:  http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("====================")
	fmt.Println("Run 'init' to enable the stack.")
}
