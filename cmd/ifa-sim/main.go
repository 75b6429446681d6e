// Command ifa-sim runs the full attack against the simulator once and
// prints the report. It is the non-interactive check that the stages still
// fit together.
//
// Usage:
//
//	go run ./cmd/ifa-sim [--n 3] [--capacity 0] [--keysize true] [--sc-downgrade]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/ble/sim"
	"github.com/chaz8081/bleframework/internal/ifa"
)

func main() {
	n := flag.Int("n", 3, "stage 2 resets")
	capacity := flag.Int("capacity", 0, "peer bond capacity, 0 for unlimited")
	peerAddr := flag.String("peer", "C0:FF:EE:00:00:01", "peer address (random static)")
	keySize := flag.String("keysize", "false", "key size floor: true, false or 7..16")
	scDowngrade := flag.Bool("sc-downgrade", false, "force legacy pairing")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	addr, err := ble.ParseAddress(*peerAddr, "random")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(2)
	}

	stack := sim.New(sim.Options{Logger: logger})
	defer stack.Close()
	cfg := sim.DefaultPeerConfig(addr)
	cfg.BondCapacity = *capacity
	peer := stack.AddPeer(cfg)

	opts := ifa.DefaultOptions()
	opts.Session.SecuritySettle = 10 * time.Millisecond
	opts.Session.WaitTimeout = 5 * time.Second
	opts.StepSettle = 0
	opts.ReloadSettle = 10 * time.Millisecond
	opts.Logger = logger
	attack := ifa.New(stack, opts)

	if err := stack.Enable(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if err := stack.LoadSettings(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if _, err := attack.SetKeySize(*keySize); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(2)
	}
	if err := attack.SetSCDowngrade(*scDowngrade); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Running attack against %s with %d resets...\n", addr, *n)
	rep, err := attack.Attack(ctx, addr, *n)
	if rep != nil {
		fmt.Println(rep)
		for _, f := range rep.Failed() {
			fmt.Printf("  failed: %s/%s: %v\n", f.Stage, f.Name, f.Err)
		}
	}
	fmt.Printf("Peer: %d bonds, %d evictions, %d connection attempts\n", peer.BondCount(), peer.Evictions(), peer.Attempts())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nDone!")
}
