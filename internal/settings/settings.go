// Package settings persists local identities and bonded keys the way a host
// stack's settings subsystem does, so that a disable/enable/reload cycle
// brings back exactly what was written last.
package settings

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/chaz8081/bleframework/internal/ble"
)

// StateVersion is the current version of the settings format.
const StateVersion = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create settings CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create settings CBOR decoder mode: %v", err))
	}
}

// IdentityRecord is one persisted local identity.
type IdentityRecord struct {
	ID       uint8    `cbor:"1,keyasint"`
	AddrType uint8    `cbor:"2,keyasint"`
	MAC      [6]byte  `cbor:"3,keyasint"`
	IRK      [16]byte `cbor:"4,keyasint"`
}

// NewIdentityRecord converts an identity for storage.
func NewIdentityRecord(id ble.Identity) IdentityRecord {
	return IdentityRecord{
		ID:       id.ID,
		AddrType: uint8(id.Addr.Type),
		MAC:      id.Addr.MAC,
		IRK:      id.IRK,
	}
}

// Identity converts the record back.
func (r IdentityRecord) Identity() ble.Identity {
	return ble.Identity{
		ID:   r.ID,
		Addr: ble.Address{Type: ble.AddressType(r.AddrType), MAC: r.MAC},
		IRK:  r.IRK,
	}
}

// BondRecord is the bonding material held for one peer of one identity.
type BondRecord struct {
	ID                uint8    `cbor:"1,keyasint"`
	PeerType          uint8    `cbor:"2,keyasint"`
	PeerMAC           [6]byte  `cbor:"3,keyasint"`
	LTK               []byte   `cbor:"4,keyasint"`
	KeySize           int      `cbor:"5,keyasint"`
	SecureConnections bool     `cbor:"6,keyasint"`
	PeerIRK           [16]byte `cbor:"7,keyasint"`
	// LocalIRK is the IRK distributed to the peer during pairing.
	LocalIRK [16]byte `cbor:"8,keyasint"`
}

// Peer returns the peer address of the record.
func (r BondRecord) Peer() ble.Address {
	return ble.Address{Type: ble.AddressType(r.PeerType), MAC: r.PeerMAC}
}

// SetPeer sets the peer address of the record.
func (r *BondRecord) SetPeer(a ble.Address) {
	r.PeerType = uint8(a.Type)
	r.PeerMAC = a.MAC
}

// Bond describes the record for listings.
func (r BondRecord) Bond() ble.Bond {
	return ble.Bond{ID: r.ID, Peer: r.Peer(), KeySize: r.KeySize, SecureConnections: r.SecureConnections}
}

// Clone returns a deep copy.
func (r BondRecord) Clone() BondRecord {
	r.LTK = append([]byte(nil), r.LTK...)
	return r
}

// EncodeBond encodes a single record, used as snapshot payload.
func EncodeBond(r BondRecord) ([]byte, error) {
	return encMode.Marshal(r)
}

// DecodeBond decodes a record produced by EncodeBond.
func DecodeBond(data []byte) (BondRecord, error) {
	var r BondRecord
	if err := decMode.Unmarshal(data, &r); err != nil {
		return BondRecord{}, fmt.Errorf("settings: decode bond: %w", err)
	}
	return r, nil
}

// State is the whole persisted settings tree.
type State struct {
	Version    int              `cbor:"1,keyasint"`
	SavedAt    time.Time        `cbor:"2,keyasint"`
	Identities []IdentityRecord `cbor:"3,keyasint,omitempty"`
	Bonds      []BondRecord     `cbor:"4,keyasint,omitempty"`
}

// Identity returns the identity record for id.
func (s *State) Identity(id uint8) (IdentityRecord, bool) {
	for _, r := range s.Identities {
		if r.ID == id {
			return r, true
		}
	}
	return IdentityRecord{}, false
}

// PutIdentity inserts or replaces the identity record for r.ID.
func (s *State) PutIdentity(r IdentityRecord) {
	for i := range s.Identities {
		if s.Identities[i].ID == r.ID {
			s.Identities[i] = r
			return
		}
	}
	s.Identities = append(s.Identities, r)
}

// Bond returns the bond record for peer under identity id.
func (s *State) Bond(id uint8, peer ble.Address) (BondRecord, bool) {
	for _, r := range s.Bonds {
		if r.ID == id && r.Peer() == peer {
			return r.Clone(), true
		}
	}
	return BondRecord{}, false
}

// PutBond inserts or replaces the bond for (r.ID, r.Peer()).
func (s *State) PutBond(r BondRecord) {
	r = r.Clone()
	for i := range s.Bonds {
		if s.Bonds[i].ID == r.ID && s.Bonds[i].Peer() == r.Peer() {
			s.Bonds[i] = r
			return
		}
	}
	s.Bonds = append(s.Bonds, r)
}

// DeleteBonds removes the bonds of identity id, for peer only when non-nil.
// It returns the number of records removed.
func (s *State) DeleteBonds(id uint8, peer *ble.Address) int {
	kept := s.Bonds[:0]
	n := 0
	for _, r := range s.Bonds {
		if r.ID == id && (peer == nil || r.Peer() == *peer) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.Bonds = kept
	return n
}

// Backend stores the encoded settings tree.
type Backend interface {
	// Load returns the stored state, or nil, nil when nothing was saved.
	Load() (*State, error)
	Save(state *State) error
	Clear() error
}

func encodeState(state *State) ([]byte, error) {
	state.Version = StateVersion
	state.SavedAt = time.Now()
	data, err := encMode.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("settings: encode: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (*State, error) {
	state := &State{}
	if err := decMode.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("settings: decode: %w", err)
	}
	if state.Version > StateVersion {
		return nil, fmt.Errorf("settings: unsupported version %d", state.Version)
	}
	return state, nil
}

// MemStore keeps the encoded tree in memory. It survives a stack
// disable/enable cycle but not the process.
type MemStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) Load() (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, nil
	}
	return decodeState(m.data)
}

func (m *MemStore) Save(state *State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Clear() error {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
	return nil
}
