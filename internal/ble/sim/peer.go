package sim

import (
	"bytes"
	"sync"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/ble/crypto"
)

// PeerConfig describes the behavior of a simulated remote device.
type PeerConfig struct {
	Address ble.Address
	Name    string
	// BondCapacity is the number of bonds the peer keeps. When full, the
	// oldest bond is evicted. 0 means unlimited.
	BondCapacity int
	MinKeySize   int
	MaxKeySize   int
	// SCOnly rejects legacy pairing.
	SCOnly bool
	// RejectEvery refuses every k-th connection attempt. 0 never refuses.
	RejectEvery int
}

// DefaultPeerConfig returns a permissive peer at addr.
func DefaultPeerConfig(addr ble.Address) PeerConfig {
	return PeerConfig{
		Address:    addr,
		Name:       "sim-peer",
		MinKeySize: 7,
		MaxKeySize: crypto.LTKSize,
	}
}

type peerBond struct {
	identity ble.Address
	irk      ble.IRK
	ltk      []byte
	keySize  int
	sc       bool
}

// Peer is a simulated remote device with its own bond table.
type Peer struct {
	cfg PeerConfig

	mu        sync.Mutex
	bonds     []peerBond // oldest first
	attempts  int
	evictions int
	conn      *conn
}

func newPeer(cfg PeerConfig) *Peer {
	if cfg.MinKeySize == 0 {
		cfg.MinKeySize = 7
	}
	if cfg.MaxKeySize == 0 {
		cfg.MaxKeySize = crypto.LTKSize
	}
	return &Peer{cfg: cfg}
}

// Address returns the peer's address.
func (p *Peer) Address() ble.Address { return p.cfg.Address }

// Config returns the peer's configuration.
func (p *Peer) Config() PeerConfig { return p.cfg }

// accept counts a connection attempt and reports the HCI outcome.
func (p *Peer) accept(c *conn) ble.Reason {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.cfg.RejectEvery > 0 && p.attempts%p.cfg.RejectEvery == 0 {
		return ble.ReasonConnFailedToEstablish
	}
	if p.conn != nil {
		return ble.ReasonConnRejectedLimitedRes
	}
	p.conn = c
	return ble.ReasonSuccess
}

func (p *Peer) drop(c *conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == c {
		p.conn = nil
	}
}

// lookup finds the bond for a remote address, resolving private addresses
// against the stored IRKs.
func (p *Peer) lookup(addr ble.Address) (peerBond, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexLocked(addr)
	if i < 0 {
		return peerBond{}, false
	}
	return p.bonds[i], true
}

func (p *Peer) indexLocked(addr ble.Address) int {
	for i, b := range p.bonds {
		if b.identity == addr {
			return i
		}
		if addr.Kind() == ble.KindResolvable && crypto.ResolveRPA(b.irk, addr) {
			return i
		}
	}
	return -1
}

// bond stores keys for the identity behind addr, replacing an existing bond
// for the same identity.
func (p *Peer) bond(addr ble.Address, ident ble.Identity, ltk []byte, keySize int, sc bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.indexLocked(addr); i >= 0 {
		p.bonds = append(p.bonds[:i], p.bonds[i+1:]...)
	}
	if p.cfg.BondCapacity > 0 && len(p.bonds) >= p.cfg.BondCapacity {
		p.bonds = p.bonds[1:]
		p.evictions++
	}
	p.bonds = append(p.bonds, peerBond{
		identity: ident.Addr,
		irk:      ident.IRK,
		ltk:      append([]byte(nil), ltk...),
		keySize:  keySize,
		sc:       sc,
	})
}

// verify reports whether the peer holds ltk for the device behind addr.
func (p *Peer) verify(addr ble.Address, ltk []byte) bool {
	b, ok := p.lookup(addr)
	return ok && bytes.Equal(b.ltk, ltk)
}

// BondCount returns the number of bonds the peer holds.
func (p *Peer) BondCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bonds)
}

// Knows reports whether the peer holds a bond for ident.
func (p *Peer) Knows(ident ble.Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.bonds {
		if b.irk == ident.IRK && b.identity == ident.Addr {
			return true
		}
	}
	return false
}

// Attempts returns the number of connection attempts seen.
func (p *Peer) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Evictions returns the number of bonds dropped for capacity.
func (p *Peer) Evictions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evictions
}
