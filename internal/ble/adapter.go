// Package ble defines the host stack contract the attack harness drives:
// addresses and identities, connection handles, the callbacks a stack
// delivers from its own goroutines, and the typed errors that carry HCI and
// SMP reason codes back to the operator.
package ble

import "context"

// SecurityLevel mirrors the LE security levels of a connection.
type SecurityLevel uint8

const (
	SecurityL1 SecurityLevel = iota + 1 // no encryption
	SecurityL2                          // encryption, no authentication
	SecurityL3                          // encryption with authentication
	SecurityL4                          // authenticated LE secure connections
)

// DefaultSecurity is the level used by attack stages: pairing has to happen,
// a user-verified ceremony does not.
const DefaultSecurity = SecurityL2

// ConnRole is the local role on a connection.
type ConnRole uint8

const (
	RoleCentral ConnRole = iota
	RolePeripheral
)

func (r ConnRole) String() string {
	if r == RolePeripheral {
		return "peripheral"
	}
	return "central"
}

// ConnParams holds the scan parameters used while creating a connection.
// Units are 0.625 ms.
type ConnParams struct {
	ScanInterval uint16
	ScanWindow   uint16
}

// FastConnParams are the GAP fast scan parameters.
var FastConnParams = ConnParams{ScanInterval: 0x0060, ScanWindow: 0x0030}

// Conn is a connection handle owned by the stack.
type Conn interface {
	// Dst returns the remote address of the connection.
	Dst() Address
	// Role returns the local role on the connection.
	Role() ConnRole
}

// Handler receives link-layer notifications. Stacks call it from their own
// goroutines, never from inside the request that triggered the notification.
type Handler interface {
	// Connected reports the outcome of a connection attempt or an incoming
	// connection. A non-zero reason means the connection was not established.
	Connected(c Conn, reason Reason)
	// Disconnected reports that a connection is gone.
	Disconnected(c Conn, reason Reason)
	// SecurityChanged reports the outcome of a security elevation.
	SecurityChanged(c Conn, level SecurityLevel, err SecurityErr)
	// PairingComplete reports that pairing finished, and whether keys were stored.
	PairingComplete(c Conn, bonded bool)
}

// Link is the connection half of the host stack.
type Link interface {
	SetHandler(h Handler)
	// Connect requests a connection. A nil error means the request was
	// accepted; the outcome arrives through Handler.Connected.
	Connect(addr Address, params ConnParams) (Conn, error)
	// Disconnect requests termination. Confirmation arrives through
	// Handler.Disconnected.
	Disconnect(c Conn, reason Reason) error
	// SetSecurity requests a security elevation. The outcome arrives through
	// Handler.SecurityChanged.
	SetSecurity(c Conn, level SecurityLevel) error
}

// IdentityManager manages the local identities.
type IdentityManager interface {
	// ResetIdentity replaces identity id. A nil ident asks for a fresh
	// random address and IRK.
	ResetIdentity(id uint8, ident *Identity) error
	Identity(id uint8) (Identity, error)
	// InvalidateRPA drops any cached resolvable private address so the next
	// connection derives a new one from the current IRK.
	InvalidateRPA()
}

// KeyStore is the bonded key store.
type KeyStore interface {
	// Unpair removes bonding material for peer, or for every peer when
	// peer is nil.
	Unpair(id uint8, peer *Address) error
	SnapshotKeys(id uint8, peer Address) (KeySnapshot, error)
	// RestoreKeys writes a snapshot back into the store, including its
	// persisted copy.
	RestoreKeys(snap KeySnapshot) error
	Bonds(id uint8) ([]Bond, error)
}

// Controller switches the stack on and off and reloads persisted settings.
type Controller interface {
	Enable() error
	Disable() error
	LoadSettings() error
}

// PairingPolicy holds the process-wide pairing knobs.
type PairingPolicy interface {
	// SetMinEncKeySize sets the encryption key size, in bytes, proposed by
	// subsequent pairings.
	SetMinEncKeySize(n int) error
	// SetSCDowngrade forces legacy pairing even when both sides support
	// LE secure connections.
	SetSCDowngrade(on bool) error
}

// Advertiser makes the local device connectable in the peripheral role.
type Advertiser interface {
	StartAdvertising() error
	StopAdvertising() error
}

// ScanResult is one advertising report.
type ScanResult struct {
	Addr    Address
	Name    string
	RSSI    int
	AdvType uint8
	DataLen int
}

// Scanner discovers advertising devices.
type Scanner interface {
	// Scan reports advertisements to fn until ctx is done.
	Scan(ctx context.Context, fn func(ScanResult)) error
}

// Stack is the full capability set of a host stack.
type Stack interface {
	Link
	IdentityManager
	KeyStore
	Controller
	PairingPolicy
	Advertiser
	Scanner
}

// KeySnapshot is an opaque copy of the bonding material for one peer.
type KeySnapshot struct {
	ID   uint8
	Peer Address
	Data []byte
}

// Bond describes one entry of the key store.
type Bond struct {
	ID                uint8
	Peer              Address
	KeySize           int
	SecureConnections bool
}
