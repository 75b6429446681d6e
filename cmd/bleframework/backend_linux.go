//go:build linux

package main

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/ble/bluez"
	"github.com/chaz8081/bleframework/internal/config"
)

func newStack(cfg *config.Config, logger *slog.Logger) (ble.Stack, func(), error) {
	switch cfg.Backend {
	case "bluez":
		opts := bluez.DefaultOptions()
		opts.Adapter = cfg.Adapter
		opts.Logger = logger
		s, err := bluez.New(opts)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "sim":
		s, err := newSimStack(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
