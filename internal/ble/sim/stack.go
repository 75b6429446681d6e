// Package sim is an in-process host stack with simulated remote devices.
// Requests return immediately and their outcomes are delivered to the
// registered handler from a dispatch goroutine, in request order.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/ble/crypto"
	"github.com/chaz8081/bleframework/internal/settings"
)

// DefaultID is the identity used for connections.
const DefaultID uint8 = 0

var (
	// ErrDisabled is returned for requests while the stack is off.
	ErrDisabled = errors.New("sim: stack disabled")
	// ErrNoKeys is returned when no bonding material exists for a peer.
	ErrNoKeys = errors.New("sim: no keys for peer")
	// ErrNoIdentity is returned for identities that were never created.
	ErrNoIdentity = errors.New("sim: identity not present")
)

// Options configures a simulated stack.
type Options struct {
	// Store persists identities and bonds. Defaults to a MemStore.
	Store settings.Backend
	// Latency delays every notification.
	Latency time.Duration
	Logger  *slog.Logger
}

type connState int

const (
	connPending connState = iota
	connUp
	connClosed
)

type conn struct {
	dst   ble.Address // remote address
	local ble.Address // address presented to the remote
	role  ble.ConnRole
	peer  *Peer
	state connState
}

func (c *conn) Dst() ble.Address   { return c.dst }
func (c *conn) Role() ble.ConnRole { return c.role }

// Stack is the simulated host stack. It implements ble.Stack.
type Stack struct {
	store   settings.Backend
	latency time.Duration
	log     *slog.Logger

	mu          sync.Mutex
	handler     ble.Handler
	enabled     bool
	advertising bool
	state       *settings.State
	rpa         map[uint8]ble.Address
	keySize     int
	scDowngrade bool
	peers       map[ble.Address]*Peer
	conns       map[*conn]struct{}
	resets      int

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ ble.Stack = (*Stack)(nil)

// New creates a disabled stack. Call Enable and LoadSettings before use.
func New(opts Options) *Stack {
	if opts.Store == nil {
		opts.Store = settings.NewMemStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Stack{
		store:   opts.Store,
		latency: opts.Latency,
		log:     opts.Logger,
		state:   &settings.State{},
		rpa:     make(map[uint8]ble.Address),
		keySize: crypto.LTKSize,
		peers:   make(map[ble.Address]*Peer),
		conns:   make(map[*conn]struct{}),
		events:  make(chan func(), 256),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Close stops the dispatch goroutine. Pending notifications are dropped.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *Stack) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.events:
			if s.latency > 0 {
				time.Sleep(s.latency)
			}
			fn()
		}
	}
}

func (s *Stack) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

func (s *Stack) h() ble.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// AddPeer registers a simulated remote device.
func (s *Stack) AddPeer(cfg PeerConfig) *Peer {
	p := newPeer(cfg)
	s.mu.Lock()
	s.peers[cfg.Address] = p
	s.mu.Unlock()
	return p
}

// Peer returns the simulated device at addr.
func (s *Stack) Peer(addr ble.Address) (*Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	return p, ok
}

// Resets returns the number of identity resets performed.
func (s *Stack) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Enabled reports whether the stack is on.
func (s *Stack) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Stack) SetHandler(h ble.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// --- controller ---

func (s *Stack) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return errors.New("sim: already enabled")
	}
	s.enabled = true
	s.state = &settings.State{}
	s.log.Info("[SIM] stack enabled")
	return nil
}

// Disable turns the stack off, dropping every connection and all in-memory
// identities and keys. Persisted settings are untouched.
func (s *Stack) Disable() error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	s.enabled = false
	s.advertising = false
	s.state = &settings.State{}
	s.rpa = make(map[uint8]ble.Address)
	dropped := s.closeAllLocked()
	s.mu.Unlock()

	for _, c := range dropped {
		s.postDisconnected(c, ble.ReasonLocalHostTerminated)
	}
	s.log.Info("[SIM] stack disabled")
	return nil
}

// LoadSettings reloads identities and keys from the store. Identity 0 is
// created when the store has none.
func (s *Stack) LoadSettings() error {
	st, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("sim: load settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return ErrDisabled
	}
	if st == nil {
		st = &settings.State{}
	}
	s.state = st
	if _, ok := s.state.Identity(DefaultID); !ok {
		ident, err := randomIdentity(DefaultID)
		if err != nil {
			return err
		}
		s.state.PutIdentity(settings.NewIdentityRecord(ident))
		s.log.Info("[SIM] created identity", "identity", ident)
		if err := s.persistLocked(); err != nil {
			return err
		}
	}
	s.log.Info("[SIM] settings loaded", "identities", len(s.state.Identities), "bonds", len(s.state.Bonds))
	return nil
}

func (s *Stack) persistLocked() error {
	if err := s.store.Save(s.state); err != nil {
		return fmt.Errorf("sim: persist settings: %w", err)
	}
	return nil
}

func randomIdentity(id uint8) (ble.Identity, error) {
	addr, err := crypto.GenerateStaticAddress()
	if err != nil {
		return ble.Identity{}, err
	}
	irk, err := crypto.GenerateIRK()
	if err != nil {
		return ble.Identity{}, err
	}
	return ble.Identity{ID: id, Addr: addr, IRK: irk}, nil
}

// --- identities ---

// ResetIdentity replaces identity id and removes every bond it held. The
// cached private address is kept until InvalidateRPA.
func (s *Stack) ResetIdentity(id uint8, ident *ble.Identity) error {
	var next ble.Identity
	if ident == nil {
		var err error
		if next, err = randomIdentity(id); err != nil {
			return err
		}
	} else {
		next = *ident
		next.ID = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return ErrDisabled
	}
	s.state.DeleteBonds(id, nil)
	s.state.PutIdentity(settings.NewIdentityRecord(next))
	s.resets++
	s.log.Debug("[SIM] identity reset", "identity", next)
	return s.persistLocked()
}

func (s *Stack) Identity(id uint8) (ble.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.Identity(id)
	if !ok {
		return ble.Identity{}, fmt.Errorf("sim: identity %d: %w", id, ErrNoIdentity)
	}
	return rec.Identity(), nil
}

func (s *Stack) InvalidateRPA() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpa = make(map[uint8]ble.Address)
}

// presentAddressLocked returns the address used on air for identity id.
func (s *Stack) presentAddressLocked(id uint8) (ble.Identity, ble.Address, error) {
	rec, ok := s.state.Identity(id)
	if !ok {
		return ble.Identity{}, ble.Address{}, fmt.Errorf("sim: identity %d: %w", id, ErrNoIdentity)
	}
	ident := rec.Identity()
	if ident.IRK == (ble.IRK{}) {
		return ident, ident.Addr, nil
	}
	if a, ok := s.rpa[id]; ok {
		return ident, a, nil
	}
	a, err := crypto.GenerateRPA(ident.IRK)
	if err != nil {
		return ble.Identity{}, ble.Address{}, err
	}
	s.rpa[id] = a
	return ident, a, nil
}

// --- link ---

func (s *Stack) Connect(addr ble.Address, _ ble.ConnParams) (ble.Conn, error) {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return nil, ErrDisabled
	}
	for c := range s.conns {
		if c.dst == addr && c.state != connClosed {
			s.mu.Unlock()
			return nil, fmt.Errorf("sim: connection to %s already exists", addr)
		}
	}
	_, local, err := s.presentAddressLocked(DefaultID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	c := &conn{dst: addr, local: local, role: ble.RoleCentral, peer: s.peers[addr]}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.post(func() {
		reason := ble.ReasonConnFailedToEstablish
		s.mu.Lock()
		if c.state != connPending {
			s.mu.Unlock()
			return
		}
		if c.peer != nil {
			reason = c.peer.accept(c)
		}
		if reason == ble.ReasonSuccess {
			c.state = connUp
		} else {
			c.state = connClosed
			delete(s.conns, c)
		}
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h.Connected(c, reason)
		}
	})
	return c, nil
}

func (s *Stack) lookupConn(bc ble.Conn) (*conn, error) {
	c, ok := bc.(*conn)
	if !ok {
		return nil, fmt.Errorf("sim: foreign connection: %w", ble.ErrNotConnected)
	}
	if _, live := s.conns[c]; !live || c.state == connClosed {
		return nil, ble.ErrNotConnected
	}
	return c, nil
}

func (s *Stack) Disconnect(bc ble.Conn, reason ble.Reason) error {
	s.mu.Lock()
	c, err := s.lookupConn(bc)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	pending := c.state == connPending
	s.closeLocked(c)
	s.mu.Unlock()

	s.log.Debug("[SIM] disconnect requested", "peer", c.dst, "reason", reason)
	if pending {
		// a cancelled attempt completes with an unknown connection
		s.post(func() {
			if h := s.h(); h != nil {
				h.Connected(c, ble.ReasonUnknownConnID)
			}
		})
		return nil
	}
	s.postDisconnected(c, ble.ReasonLocalHostTerminated)
	return nil
}

func (s *Stack) closeLocked(c *conn) {
	c.state = connClosed
	delete(s.conns, c)
	if c.peer != nil {
		c.peer.drop(c)
	}
}

func (s *Stack) closeAllLocked() []*conn {
	var up []*conn
	for c := range s.conns {
		if c.state == connUp {
			up = append(up, c)
		}
		s.closeLocked(c)
	}
	return up
}

func (s *Stack) postDisconnected(c *conn, reason ble.Reason) {
	s.post(func() {
		if h := s.h(); h != nil {
			h.Disconnected(c, reason)
		}
	})
}

// SetSecurity encrypts with stored keys when the peer is bonded, and pairs
// otherwise.
func (s *Stack) SetSecurity(bc ble.Conn, level ble.SecurityLevel) error {
	s.mu.Lock()
	c, err := s.lookupConn(bc)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if c.state != connUp {
		s.mu.Unlock()
		return ble.ErrNotConnected
	}
	s.mu.Unlock()

	s.post(func() { s.secure(c, level) })
	return nil
}

func (s *Stack) secure(c *conn, level ble.SecurityLevel) {
	s.mu.Lock()
	if c.state != connUp {
		s.mu.Unlock()
		return
	}
	rec, bonded := s.state.Bond(DefaultID, c.dst)
	s.mu.Unlock()

	if bonded {
		s.encrypt(c, rec)
		return
	}
	s.pair(c)
}

func (s *Stack) encrypt(c *conn, rec settings.BondRecord) {
	h := s.h()
	if c.peer == nil || !c.peer.verify(c.local, rec.LTK) {
		s.log.Debug("[SIM] peer has no matching key", "peer", c.dst)
		if h != nil {
			h.SecurityChanged(c, ble.SecurityL1, ble.SecurityErrPinOrKeyMissing)
		}
		return
	}
	if h != nil {
		h.SecurityChanged(c, ble.SecurityL2, ble.SecurityErrSuccess)
	}
}

// pair runs pairing with the peer on c and bonds both sides.
func (s *Stack) pair(c *conn) {
	s.mu.Lock()
	keySize := s.keySize
	sc := !s.scDowngrade
	rec, ok := s.state.Identity(DefaultID)
	s.mu.Unlock()
	h := s.h()

	fail := func(e ble.SecurityErr) {
		if h != nil {
			h.SecurityChanged(c, ble.SecurityL1, e)
		}
	}
	if c.peer == nil || !ok {
		fail(ble.SecurityErrUnspecified)
		return
	}
	cfg := c.peer.Config()
	if cfg.MaxKeySize < keySize {
		keySize = cfg.MaxKeySize
	}
	if keySize < cfg.MinKeySize {
		s.log.Debug("[SIM] key size rejected by peer", "peer", c.dst, "key_size", keySize, "min", cfg.MinKeySize)
		fail(ble.SecurityErrAuthRequirement)
		return
	}
	if !sc && cfg.SCOnly {
		s.log.Debug("[SIM] legacy pairing rejected by peer", "peer", c.dst)
		fail(ble.SecurityErrAuthRequirement)
		return
	}

	ltk, err := negotiateLTK(sc, keySize)
	if err != nil {
		s.log.Error("[SIM] key generation failed", "error", err)
		fail(ble.SecurityErrUnspecified)
		return
	}

	ident := rec.Identity()
	c.peer.bond(c.local, ident, ltk, keySize, sc)

	bond := settings.BondRecord{
		ID:                DefaultID,
		LTK:               ltk,
		KeySize:           keySize,
		SecureConnections: sc,
		LocalIRK:          ident.IRK,
	}
	bond.SetPeer(c.dst)
	s.mu.Lock()
	s.state.PutBond(bond)
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		s.log.Error("[SIM] storing keys failed", "error", err)
	}

	if h != nil {
		h.PairingComplete(c, true)
		h.SecurityChanged(c, ble.SecurityL2, ble.SecurityErrSuccess)
	}
}

func negotiateLTK(sc bool, keySize int) ([]byte, error) {
	if !sc {
		return crypto.RandomLTK(keySize)
	}
	local, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	_, remote, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	dhKey, err := crypto.DeriveSharedSecret(local, remote)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveLTK(dhKey, keySize)
}

// --- key store ---

// Unpair removes keys for peer, or all keys of id when peer is nil, and
// drops any live connection to the unpaired peers.
func (s *Stack) Unpair(id uint8, peer *ble.Address) error {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	n := s.state.DeleteBonds(id, peer)
	var dropped []*conn
	if id == DefaultID {
		for c := range s.conns {
			if c.state == connUp && (peer == nil || c.dst == *peer) {
				dropped = append(dropped, c)
				s.closeLocked(c)
			}
		}
	}
	err := s.persistLocked()
	s.mu.Unlock()

	for _, c := range dropped {
		s.postDisconnected(c, ble.ReasonLocalHostTerminated)
	}
	s.log.Debug("[SIM] unpaired", "id", id, "removed", n)
	return err
}

func (s *Stack) SnapshotKeys(id uint8, peer ble.Address) (ble.KeySnapshot, error) {
	s.mu.Lock()
	rec, ok := s.state.Bond(id, peer)
	s.mu.Unlock()
	if !ok {
		return ble.KeySnapshot{}, fmt.Errorf("sim: snapshot %s: %w", peer, ErrNoKeys)
	}
	data, err := settings.EncodeBond(rec)
	if err != nil {
		return ble.KeySnapshot{}, err
	}
	return ble.KeySnapshot{ID: id, Peer: peer, Data: data}, nil
}

func (s *Stack) RestoreKeys(snap ble.KeySnapshot) error {
	rec, err := settings.DecodeBond(snap.Data)
	if err != nil {
		return err
	}
	rec.ID = snap.ID
	rec.SetPeer(snap.Peer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return ErrDisabled
	}
	s.state.PutBond(rec)
	return s.persistLocked()
}

func (s *Stack) Bonds(id uint8) ([]ble.Bond, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ble.Bond
	for _, r := range s.state.Bonds {
		if r.ID == id {
			out = append(out, r.Bond())
		}
	}
	return out, nil
}

// --- pairing policy ---

func (s *Stack) SetMinEncKeySize(n int) error {
	if n < 7 || n > crypto.LTKSize {
		return fmt.Errorf("sim: key size %d out of range 7..%d", n, crypto.LTKSize)
	}
	s.mu.Lock()
	s.keySize = n
	s.mu.Unlock()
	return nil
}

func (s *Stack) SetSCDowngrade(on bool) error {
	s.mu.Lock()
	s.scDowngrade = on
	s.mu.Unlock()
	return nil
}

// --- advertising and scanning ---

func (s *Stack) StartAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return ErrDisabled
	}
	s.advertising = true
	return nil
}

func (s *Stack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertising = false
	return nil
}

// Advertising reports whether the stack is connectable.
func (s *Stack) Advertising() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertising
}

func (s *Stack) Scan(ctx context.Context, fn func(ble.ScanResult)) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		results := make([]ble.ScanResult, 0, len(s.peers))
		for _, p := range s.peers {
			results = append(results, ble.ScanResult{Addr: p.Address(), Name: p.cfg.Name, RSSI: -50, DataLen: len(p.cfg.Name) + 2})
		}
		s.mu.Unlock()
		for _, r := range results {
			fn(r)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Incoming simulates the peer at addr connecting to the advertising stack
// and, when pair is set, pairing right after.
func (s *Stack) Incoming(addr ble.Address, pair bool) (ble.Conn, error) {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return nil, ErrDisabled
	}
	if !s.advertising {
		s.mu.Unlock()
		return nil, errors.New("sim: not advertising")
	}
	p, ok := s.peers[addr]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("sim: unknown peer %s", addr)
	}
	_, local, err := s.presentAddressLocked(DefaultID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	c := &conn{dst: addr, local: local, role: ble.RolePeripheral, peer: p}
	if reason := p.accept(c); reason != ble.ReasonSuccess {
		s.mu.Unlock()
		return nil, fmt.Errorf("sim: incoming connection refused: %s", reason)
	}
	c.state = connUp
	s.conns[c] = struct{}{}
	s.advertising = false
	s.mu.Unlock()

	s.post(func() {
		if h := s.h(); h != nil {
			h.Connected(c, ble.ReasonSuccess)
		}
	})
	if pair {
		s.post(func() { s.secure(c, ble.DefaultSecurity) })
	}
	return c, nil
}
