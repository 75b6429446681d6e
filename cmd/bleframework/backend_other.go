//go:build !linux

package main

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/config"
)

func newStack(cfg *config.Config, logger *slog.Logger) (ble.Stack, func(), error) {
	if cfg.Backend != "sim" {
		return nil, nil, fmt.Errorf("backend %q is only available on linux", cfg.Backend)
	}
	s, err := newSimStack(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}
