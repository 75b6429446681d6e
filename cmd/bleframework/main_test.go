package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/chaz8081/bleframework/internal/ble/sim"
	"github.com/chaz8081/bleframework/internal/config"
	"github.com/chaz8081/bleframework/internal/shell"
)

func TestLogSinkFollowsShell(t *testing.T) {
	var before, after bytes.Buffer
	sink := &logSink{w: &before}
	logger := slog.New(slog.NewTextHandler(sink, nil))

	cfg := config.Default()
	stack := sim.New(sim.Options{Logger: logger})
	defer stack.Close()
	attack, err := newAttack(stack, cfg, logger, nil)
	if err != nil {
		t.Fatalf("newAttack() error = %v", err)
	}
	sh := shell.New(attack, &after, shell.Options{Logger: logger})

	logger.Info("[TEST] early")
	sink.set(sh.Stdout())
	logger.Info("[TEST] late")

	if !strings.Contains(before.String(), "early") || strings.Contains(before.String(), "late") {
		t.Errorf("stderr log = %q, want only the early line", before.String())
	}
	if !strings.Contains(after.String(), "late") {
		t.Errorf("shell output = %q, want the late line", after.String())
	}
}

func TestNewAttackAppliesConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Role = "peripheral"
	cfg.Attack.KeySize = 7
	cfg.Attack.SCDowngrade = true

	stack := sim.New(sim.Options{})
	defer stack.Close()
	attack, err := newAttack(stack, cfg, slog.Default(), nil)
	if err != nil {
		t.Fatalf("newAttack() error = %v", err)
	}
	if got := attack.Role().Name(); got != "peripheral" {
		t.Errorf("Role() = %s, want peripheral", got)
	}
	set := attack.Settings()
	if set.KeySize != 7 || !set.SCDowngrade {
		t.Errorf("Settings() = %+v, want key size 7 with downgrade", set)
	}
}
