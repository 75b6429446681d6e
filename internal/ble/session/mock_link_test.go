package session

import (
	"errors"
	"sync"

	"github.com/chaz8081/bleframework/internal/ble"
)

type mockConn struct {
	dst  ble.Address
	role ble.ConnRole
}

func (c *mockConn) Dst() ble.Address   { return c.dst }
func (c *mockConn) Role() ble.ConnRole { return c.role }

// mockLink answers requests from a goroutine, the way a real stack does.
type mockLink struct {
	mu      sync.Mutex
	handler ble.Handler

	connectReason ble.Reason
	connectErr    error
	securityErr   ble.SecurityErr
	disconnectErr error
	silent        bool // accept requests but never notify

	disconnects []ble.Reason
	bonds       map[ble.Address]bool
	unpaired    []*ble.Address
	unpairErr   error
}

func newMockLink() *mockLink {
	return &mockLink{bonds: make(map[ble.Address]bool)}
}

func (l *mockLink) SetHandler(h ble.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

func (l *mockLink) h() ble.Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

func (l *mockLink) Connect(addr ble.Address, _ ble.ConnParams) (ble.Conn, error) {
	if l.connectErr != nil {
		return nil, l.connectErr
	}
	c := &mockConn{dst: addr}
	if !l.silent {
		go l.h().Connected(c, l.connectReason)
	}
	return c, nil
}

func (l *mockLink) Disconnect(c ble.Conn, reason ble.Reason) error {
	l.mu.Lock()
	l.disconnects = append(l.disconnects, reason)
	l.mu.Unlock()
	if l.disconnectErr != nil {
		return l.disconnectErr
	}
	if !l.silent {
		go l.h().Disconnected(c, ble.ReasonLocalHostTerminated)
	}
	return nil
}

func (l *mockLink) SetSecurity(c ble.Conn, level ble.SecurityLevel) error {
	if l.silent {
		return nil
	}
	go func() {
		if l.securityErr == ble.SecurityErrSuccess {
			l.mu.Lock()
			l.bonds[c.Dst()] = true
			l.mu.Unlock()
			l.h().PairingComplete(c, true)
			l.h().SecurityChanged(c, level, ble.SecurityErrSuccess)
			return
		}
		l.h().SecurityChanged(c, ble.SecurityL1, l.securityErr)
	}()
	return nil
}

func (l *mockLink) Unpair(_ uint8, peer *ble.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unpaired = append(l.unpaired, peer)
	if l.unpairErr != nil {
		return l.unpairErr
	}
	if peer == nil {
		l.bonds = make(map[ble.Address]bool)
	} else {
		delete(l.bonds, *peer)
	}
	return nil
}

func (l *mockLink) SnapshotKeys(uint8, ble.Address) (ble.KeySnapshot, error) {
	return ble.KeySnapshot{}, errors.New("mock: not implemented")
}

func (l *mockLink) RestoreKeys(ble.KeySnapshot) error {
	return errors.New("mock: not implemented")
}

func (l *mockLink) Bonds(id uint8) ([]ble.Bond, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ble.Bond
	for p := range l.bonds {
		out = append(out, ble.Bond{ID: id, Peer: p, KeySize: 16})
	}
	return out, nil
}

func (l *mockLink) disconnectReasons() []ble.Reason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ble.Reason(nil), l.disconnects...)
}
