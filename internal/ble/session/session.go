// Package session wraps connect, security elevation, disconnect and unpair
// into link sessions with the mandatory waits between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/ble/gate"
)

// ErrSessionLive is returned when a session is requested while another one
// is still connected.
var ErrSessionLive = errors.New("session: another session is live")

// Options configures session behavior.
type Options struct {
	Params         ble.ConnParams
	SecuritySettle time.Duration // pause after a successful elevation
	WaitTimeout    time.Duration // 0 waits forever
	Logger         *slog.Logger
}

// DefaultOptions returns the settings used by the harness.
func DefaultOptions() Options {
	return Options{
		Params:         ble.FastConnParams,
		SecuritySettle: time.Second,
	}
}

// Session is one connect/disconnect cycle with a peer. The connection
// handle belongs to the session until the disconnection is confirmed.
type Session struct {
	peer ble.Address
	role ble.ConnRole

	mu     sync.Mutex
	conn   ble.Conn
	level  ble.SecurityLevel
	bonded bool
}

func newSession(c ble.Conn) *Session {
	return &Session{peer: c.Dst(), role: c.Role(), conn: c, level: ble.SecurityL1}
}

func (s *Session) Peer() ble.Address  { return s.peer }
func (s *Session) Role() ble.ConnRole { return s.role }

// Conn returns the connection handle, or nil once released.
func (s *Session) Conn() ble.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Live reports whether the session still owns a connection.
func (s *Session) Live() bool {
	return s.Conn() != nil
}

func (s *Session) Level() ble.SecurityLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Bonded reports whether the key store held keys for the peer after the
// last successful elevation.
func (s *Session) Bonded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bonded
}

// release drops the connection handle. Only the first call has an effect.
func (s *Session) release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return false
	}
	s.conn = nil
	return true
}

func (s *Session) owns(c ble.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.conn == c
}

// Manager runs sessions for one local identity.
type Manager struct {
	link    ble.Link
	keys    ble.KeyStore
	gate    *gate.Gate
	tracker *Tracker
	id      uint8
	opts    Options
	log     *slog.Logger

	mu   sync.Mutex
	live *Session
}

// NewManager creates a manager. The tracker must be the handler registered
// with link so that disconnections release their sessions.
func NewManager(link ble.Link, keys ble.KeyStore, g *gate.Gate, tr *Tracker, id uint8, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		link:    link,
		keys:    keys,
		gate:    g,
		tracker: tr,
		id:      id,
		opts:    opts,
		log:     log,
	}
	tr.OnDisconnect(m.dropped)
	return m
}

// Live returns the live session, or nil.
func (m *Manager) Live() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live != nil && !m.live.Live() {
		m.live = nil
	}
	return m.live
}

func (m *Manager) setLive(s *Session) {
	m.mu.Lock()
	m.live = s
	m.mu.Unlock()
}

// dropped releases the session owning c, whoever initiated the disconnect.
func (m *Manager) dropped(c ble.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live != nil && m.live.owns(c) {
		m.live.release()
		m.live = nil
	}
}

func (m *Manager) waitCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opts.WaitTimeout > 0 {
		return context.WithTimeout(ctx, m.opts.WaitTimeout)
	}
	return context.WithCancel(ctx)
}

// Connect connects to peer and blocks until the stack reports the outcome.
func (m *Manager) Connect(ctx context.Context, peer ble.Address) (*Session, error) {
	if m.Live() != nil {
		return nil, &ble.ConnectError{Peer: peer, Err: ErrSessionLive}
	}

	w, err := m.gate.Arm(gate.Connected)
	if err != nil {
		return nil, &ble.ConnectError{Peer: peer, Err: err}
	}
	defer w.Disarm()

	m.log.Debug("[SESSION] connecting", "peer", peer)
	conn, err := m.link.Connect(peer, m.opts.Params)
	if err != nil {
		return nil, &ble.ConnectError{Peer: peer, Err: err}
	}

	ctx, cancel := m.waitCtx(ctx)
	defer cancel()
	ev, err := w.Wait(ctx)
	if err != nil {
		// abandon the pending attempt so it cannot complete behind our back
		if derr := m.link.Disconnect(conn, ble.ReasonLocalHostTerminated); derr != nil {
			m.log.Warn("[SESSION] cancel pending connection failed", "peer", peer, "error", derr)
		}
		return nil, &ble.ConnectError{Peer: peer, Err: err}
	}
	if ev.Reason != ble.ReasonSuccess {
		return nil, &ble.ConnectError{Peer: peer, Reason: ev.Reason}
	}
	if ev.Conn != nil && ev.Conn != conn {
		m.log.Warn("[SESSION] connected notification for another connection", "peer", ev.Conn.Dst())
	}

	s := newSession(conn)
	m.setLive(s)
	return s, nil
}

// Adopt makes c, a connection established by the remote side, the live
// session.
func (m *Manager) Adopt(c ble.Conn) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live != nil && m.live.Live() {
		if m.live.owns(c) {
			return m.live, nil
		}
		return nil, ErrSessionLive
	}
	s := newSession(c)
	m.live = s
	return s, nil
}

// AwaitIncoming returns a session for the current incoming connection, or
// blocks until a remote central connects.
func (m *Manager) AwaitIncoming(ctx context.Context) (*Session, error) {
	w, err := m.gate.Arm(gate.Connected)
	if err != nil {
		return nil, err
	}
	defer w.Disarm()

	if c := m.tracker.Current(); c != nil && c.Role() == ble.RolePeripheral {
		return m.Adopt(c)
	}

	m.log.Info("[SESSION] waiting for a central to connect")
	ctx, cancel := m.waitCtx(ctx)
	defer cancel()
	ev, err := w.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: await incoming: %w", err)
	}
	if ev.Reason != ble.ReasonSuccess {
		return nil, &ble.ConnectError{Peer: ev.Conn.Dst(), Reason: ev.Reason}
	}
	return m.Adopt(ev.Conn)
}

// ElevateSecurity requests level on s and blocks until the outcome. Failures
// are returned as *ble.SecurityError and never retried.
func (m *Manager) ElevateSecurity(ctx context.Context, s *Session, level ble.SecurityLevel) error {
	conn := s.Conn()
	if conn == nil {
		return &ble.SecurityError{Peer: s.peer, Err: ble.ErrNotConnected}
	}

	w, err := m.gate.Arm(gate.Security)
	if err != nil {
		return &ble.SecurityError{Peer: s.peer, Err: err}
	}
	defer w.Disarm()

	if err := m.link.SetSecurity(conn, level); err != nil {
		return &ble.SecurityError{Peer: s.peer, Err: err}
	}

	ctx, cancel := m.waitCtx(ctx)
	defer cancel()
	ev, err := w.Wait(ctx)
	if err != nil {
		return &ble.SecurityError{Peer: s.peer, Err: err}
	}
	if ev.SecErr != ble.SecurityErrSuccess {
		return &ble.SecurityError{Peer: s.peer, Reason: ev.SecErr}
	}

	bonded := m.hasBond(s.peer)
	s.mu.Lock()
	s.level = ev.Level
	s.bonded = bonded
	s.mu.Unlock()

	return sleepCtx(ctx, m.opts.SecuritySettle)
}

// Disconnect terminates s and blocks until the disconnection is confirmed.
// A session whose connection is already gone is left as is.
func (m *Manager) Disconnect(ctx context.Context, s *Session) error {
	conn := s.Conn()
	if conn == nil {
		m.log.Debug("[SESSION] already disconnected", "peer", s.peer)
		return nil
	}

	w, err := m.gate.Arm(gate.Disconnected)
	if err != nil {
		return &ble.DisconnectError{Peer: s.peer, Err: err}
	}
	defer w.Disarm()

	if err := m.link.Disconnect(conn, ble.ReasonRemoteUserTerminated); err != nil {
		if errors.Is(err, ble.ErrNotConnected) {
			m.release(s)
		}
		return &ble.DisconnectError{Peer: s.peer, Err: err}
	}

	ctx, cancel := m.waitCtx(ctx)
	defer cancel()
	ev, err := w.Wait(ctx)
	if err != nil {
		return &ble.DisconnectError{Peer: s.peer, Err: err}
	}
	m.release(s)
	m.log.Debug("[SESSION] disconnect confirmed", "peer", s.peer, "reason", ev.Reason)
	return nil
}

// DisconnectAndUnpair disconnects s and removes the bonding material for
// its peer. The unpair step runs even when the disconnect fails.
func (m *Manager) DisconnectAndUnpair(ctx context.Context, s *Session) error {
	discErr := m.Disconnect(ctx, s)
	if discErr != nil {
		m.log.Error("[SESSION] disconnection failed, unpairing anyway", "peer", s.peer, "error", discErr)
	}
	peer := s.peer
	return errors.Join(discErr, m.Unpair(&peer))
}

// Unpair removes bonding material for peer, or for every peer when nil.
func (m *Manager) Unpair(peer *ble.Address) error {
	if err := m.keys.Unpair(m.id, peer); err != nil {
		if peer == nil {
			return fmt.Errorf("session: unpair all: %w", err)
		}
		return fmt.Errorf("session: unpair %s: %w", *peer, err)
	}
	return nil
}

func (m *Manager) release(s *Session) {
	s.release()
	m.mu.Lock()
	if m.live == s {
		m.live = nil
	}
	m.mu.Unlock()
}

func (m *Manager) hasBond(peer ble.Address) bool {
	bonds, err := m.keys.Bonds(m.id)
	if err != nil {
		return false
	}
	for _, b := range bonds {
		if b.Peer == peer {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
