package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/settings"
)

var peerAddr = ble.MustParseAddress("C0:DE:00:00:00:01", "random")

type event struct {
	kind   string
	conn   ble.Conn
	reason ble.Reason
	level  ble.SecurityLevel
	secErr ble.SecurityErr
}

// recorder is a ble.Handler that forwards every callback on a channel.
type recorder struct {
	ch chan event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan event, 32)}
}

func (r *recorder) Connected(c ble.Conn, reason ble.Reason) {
	r.ch <- event{kind: "connected", conn: c, reason: reason}
}

func (r *recorder) Disconnected(c ble.Conn, reason ble.Reason) {
	r.ch <- event{kind: "disconnected", conn: c, reason: reason}
}

func (r *recorder) SecurityChanged(c ble.Conn, level ble.SecurityLevel, err ble.SecurityErr) {
	r.ch <- event{kind: "security", conn: c, level: level, secErr: err}
}

func (r *recorder) PairingComplete(c ble.Conn, bonded bool) {
	r.ch <- event{kind: "paired", conn: c}
}

func (r *recorder) next(t *testing.T, kind string) event {
	t.Helper()
	for {
		select {
		case ev := <-r.ch:
			if ev.kind == kind {
				return ev
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func newTestStack(t *testing.T, store settings.Backend) (*Stack, *recorder) {
	t.Helper()
	s := New(Options{Store: store})
	t.Cleanup(func() { s.Close() })
	rec := newRecorder()
	s.SetHandler(rec)
	if err := s.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if err := s.LoadSettings(); err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	return s, rec
}

func connect(t *testing.T, s *Stack, rec *recorder, addr ble.Address) ble.Conn {
	t.Helper()
	c, err := s.Connect(addr, ble.FastConnParams)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ev := rec.next(t, "connected")
	if ev.reason != ble.ReasonSuccess {
		t.Fatalf("connected reason = %v, want success", ev.reason)
	}
	return c
}

func secure(t *testing.T, s *Stack, rec *recorder, c ble.Conn) event {
	t.Helper()
	if err := s.SetSecurity(c, ble.DefaultSecurity); err != nil {
		t.Fatalf("SetSecurity() error = %v", err)
	}
	return rec.next(t, "security")
}

func disconnect(t *testing.T, s *Stack, rec *recorder, c ble.Conn) {
	t.Helper()
	if err := s.Disconnect(c, ble.ReasonRemoteUserTerminated); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	rec.next(t, "disconnected")
}

func TestLoadSettingsCreatesIdentity(t *testing.T) {
	s, _ := newTestStack(t, nil)
	id, err := s.Identity(DefaultID)
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	if id.Addr.Kind() != ble.KindStatic {
		t.Errorf("identity kind = %v, want static_random", id.Addr.Kind())
	}
}

func TestConnectUnknownPeer(t *testing.T) {
	s, rec := newTestStack(t, nil)
	if _, err := s.Connect(peerAddr, ble.FastConnParams); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ev := rec.next(t, "connected")
	if ev.reason != ble.ReasonConnFailedToEstablish {
		t.Errorf("reason = %v, want %v", ev.reason, ble.ReasonConnFailedToEstablish)
	}
}

func TestConnectWhileDisabled(t *testing.T) {
	s := New(Options{})
	defer s.Close()
	if _, err := s.Connect(peerAddr, ble.FastConnParams); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestPairThenEncrypt(t *testing.T) {
	s, rec := newTestStack(t, nil)
	p := s.AddPeer(DefaultPeerConfig(peerAddr))

	c := connect(t, s, rec, peerAddr)
	if ev := secure(t, s, rec, c); ev.secErr != ble.SecurityErrSuccess || ev.level != ble.SecurityL2 {
		t.Fatalf("pairing = (%v, %v), want (L2, success)", ev.level, ev.secErr)
	}
	bonds, _ := s.Bonds(DefaultID)
	if len(bonds) != 1 || bonds[0].Peer != peerAddr || bonds[0].KeySize != 16 || !bonds[0].SecureConnections {
		t.Fatalf("Bonds() = %+v", bonds)
	}
	if p.BondCount() != 1 {
		t.Errorf("peer BondCount() = %d, want 1", p.BondCount())
	}
	disconnect(t, s, rec, c)

	// reconnecting with a fresh RPA still resolves to the same bond
	s.InvalidateRPA()
	c = connect(t, s, rec, peerAddr)
	if ev := secure(t, s, rec, c); ev.secErr != ble.SecurityErrSuccess {
		t.Errorf("encryption error = %v, want success", ev.secErr)
	}
	if p.BondCount() != 1 {
		t.Errorf("peer BondCount() after encryption = %d, want 1", p.BondCount())
	}
}

func TestKeySizeDowngrade(t *testing.T) {
	s, rec := newTestStack(t, nil)
	s.AddPeer(DefaultPeerConfig(peerAddr))
	if err := s.SetMinEncKeySize(7); err != nil {
		t.Fatalf("SetMinEncKeySize() error = %v", err)
	}
	if err := s.SetMinEncKeySize(6); err == nil {
		t.Error("SetMinEncKeySize(6) should fail")
	}

	c := connect(t, s, rec, peerAddr)
	secure(t, s, rec, c)
	bonds, _ := s.Bonds(DefaultID)
	if len(bonds) != 1 || bonds[0].KeySize != 7 {
		t.Errorf("Bonds() = %+v, want one bond with key size 7", bonds)
	}
}

func TestPeerRejectsSmallKey(t *testing.T) {
	s, rec := newTestStack(t, nil)
	cfg := DefaultPeerConfig(peerAddr)
	cfg.MinKeySize = 16
	s.AddPeer(cfg)
	_ = s.SetMinEncKeySize(7)

	c := connect(t, s, rec, peerAddr)
	if ev := secure(t, s, rec, c); ev.secErr != ble.SecurityErrAuthRequirement {
		t.Errorf("security error = %v, want %v", ev.secErr, ble.SecurityErrAuthRequirement)
	}
}

func TestSCOnlyPeerRejectsLegacy(t *testing.T) {
	s, rec := newTestStack(t, nil)
	cfg := DefaultPeerConfig(peerAddr)
	cfg.SCOnly = true
	s.AddPeer(cfg)
	_ = s.SetSCDowngrade(true)

	c := connect(t, s, rec, peerAddr)
	if ev := secure(t, s, rec, c); ev.secErr != ble.SecurityErrAuthRequirement {
		t.Errorf("security error = %v, want %v", ev.secErr, ble.SecurityErrAuthRequirement)
	}
}

func TestLegacyPairing(t *testing.T) {
	s, rec := newTestStack(t, nil)
	s.AddPeer(DefaultPeerConfig(peerAddr))
	_ = s.SetSCDowngrade(true)

	c := connect(t, s, rec, peerAddr)
	secure(t, s, rec, c)
	bonds, _ := s.Bonds(DefaultID)
	if len(bonds) != 1 || bonds[0].SecureConnections {
		t.Errorf("Bonds() = %+v, want one legacy bond", bonds)
	}
}

func TestBondCapacityEvictsOldest(t *testing.T) {
	s, rec := newTestStack(t, nil)
	cfg := DefaultPeerConfig(peerAddr)
	cfg.BondCapacity = 2
	p := s.AddPeer(cfg)

	first, _ := s.Identity(DefaultID)
	for i := 0; i < 3; i++ {
		c := connect(t, s, rec, peerAddr)
		secure(t, s, rec, c)
		disconnect(t, s, rec, c)
		if err := s.ResetIdentity(DefaultID, nil); err != nil {
			t.Fatalf("ResetIdentity() error = %v", err)
		}
		s.InvalidateRPA()
	}

	if p.BondCount() != 2 {
		t.Errorf("BondCount() = %d, want 2", p.BondCount())
	}
	if p.Evictions() != 1 {
		t.Errorf("Evictions() = %d, want 1", p.Evictions())
	}
	if p.Knows(first) {
		t.Error("oldest identity should have been evicted")
	}
}

func TestRejectEvery(t *testing.T) {
	s, rec := newTestStack(t, nil)
	cfg := DefaultPeerConfig(peerAddr)
	cfg.RejectEvery = 2
	s.AddPeer(cfg)

	c := connect(t, s, rec, peerAddr)
	disconnect(t, s, rec, c)

	if _, err := s.Connect(peerAddr, ble.FastConnParams); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if ev := rec.next(t, "connected"); ev.reason != ble.ReasonConnFailedToEstablish {
		t.Errorf("second attempt reason = %v, want rejection", ev.reason)
	}
}

func TestResetIdentityDropsBonds(t *testing.T) {
	s, rec := newTestStack(t, nil)
	s.AddPeer(DefaultPeerConfig(peerAddr))
	c := connect(t, s, rec, peerAddr)
	secure(t, s, rec, c)
	disconnect(t, s, rec, c)

	before, _ := s.Identity(DefaultID)
	if err := s.ResetIdentity(DefaultID, nil); err != nil {
		t.Fatalf("ResetIdentity() error = %v", err)
	}
	after, _ := s.Identity(DefaultID)
	if after == before {
		t.Error("ResetIdentity(nil) kept the old identity")
	}
	if bonds, _ := s.Bonds(DefaultID); len(bonds) != 0 {
		t.Errorf("Bonds() after reset = %d, want 0", len(bonds))
	}
	if s.Resets() != 1 {
		t.Errorf("Resets() = %d, want 1", s.Resets())
	}

	if err := s.ResetIdentity(DefaultID, &before); err != nil {
		t.Fatalf("ResetIdentity(saved) error = %v", err)
	}
	if got, _ := s.Identity(DefaultID); got != before {
		t.Errorf("Identity() = %v, want %v", got, before)
	}
}

func TestSnapshotSurvivesReload(t *testing.T) {
	store := settings.NewMemStore()
	s, rec := newTestStack(t, store)
	s.AddPeer(DefaultPeerConfig(peerAddr))

	c := connect(t, s, rec, peerAddr)
	secure(t, s, rec, c)
	snap, err := s.SnapshotKeys(DefaultID, peerAddr)
	if err != nil {
		t.Fatalf("SnapshotKeys() error = %v", err)
	}
	disconnect(t, s, rec, c)
	if err := s.Unpair(DefaultID, &peerAddr); err != nil {
		t.Fatalf("Unpair() error = %v", err)
	}
	if _, err := s.SnapshotKeys(DefaultID, peerAddr); !errors.Is(err, ErrNoKeys) {
		t.Errorf("SnapshotKeys() after unpair error = %v, want ErrNoKeys", err)
	}

	if err := s.RestoreKeys(snap); err != nil {
		t.Fatalf("RestoreKeys() error = %v", err)
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if _, err := s.Identity(DefaultID); err == nil {
		t.Error("identity should be gone while disabled")
	}
	if err := s.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if err := s.LoadSettings(); err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}

	c = connect(t, s, rec, peerAddr)
	if ev := secure(t, s, rec, c); ev.secErr != ble.SecurityErrSuccess {
		t.Errorf("encryption after reload = %v, want success", ev.secErr)
	}
}

func TestDisconnectUnknownConn(t *testing.T) {
	s, rec := newTestStack(t, nil)
	s.AddPeer(DefaultPeerConfig(peerAddr))
	c := connect(t, s, rec, peerAddr)
	disconnect(t, s, rec, c)

	if err := s.Disconnect(c, ble.ReasonRemoteUserTerminated); !errors.Is(err, ble.ErrNotConnected) {
		t.Errorf("second Disconnect() error = %v, want ErrNotConnected", err)
	}
	if err := s.SetSecurity(c, ble.DefaultSecurity); !errors.Is(err, ble.ErrNotConnected) {
		t.Errorf("SetSecurity() on closed conn error = %v, want ErrNotConnected", err)
	}
}

func TestIncomingRequiresAdvertising(t *testing.T) {
	s, rec := newTestStack(t, nil)
	s.AddPeer(DefaultPeerConfig(peerAddr))

	if _, err := s.Incoming(peerAddr, false); err == nil {
		t.Fatal("Incoming() without advertising should fail")
	}
	if err := s.StartAdvertising(); err != nil {
		t.Fatalf("StartAdvertising() error = %v", err)
	}
	c, err := s.Incoming(peerAddr, true)
	if err != nil {
		t.Fatalf("Incoming() error = %v", err)
	}
	if c.Role() != ble.RolePeripheral {
		t.Errorf("Role() = %v, want peripheral", c.Role())
	}
	rec.next(t, "connected")
	if ev := rec.next(t, "security"); ev.secErr != ble.SecurityErrSuccess {
		t.Errorf("peer-initiated pairing = %v, want success", ev.secErr)
	}
	if s.Advertising() {
		t.Error("advertising should stop once connected")
	}
}
