//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/bleframework/internal/ble"
)

var errBusy = errors.New("bluez: connection to peer already exists")

func toTinygo(a ble.Address) bluetooth.Address {
	var addr bluetooth.Address
	addr.MAC = a.MAC
	addr.SetRandom(a.Type == ble.AddressRandom)
	return addr
}

func fromTinygo(a bluetooth.Address) ble.Address {
	t := ble.AddressPublic
	if a.IsRandom() {
		t = ble.AddressRandom
	}
	return ble.Address{Type: t, MAC: a.MAC}
}

func (s *Stack) lookup(bc ble.Conn) (*conn, error) {
	c, ok := bc.(*conn)
	if !ok {
		return nil, fmt.Errorf("bluez: foreign connection handle: %w", ble.ErrNotConnected)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.dst.MAC] != c {
		return nil, ble.ErrNotConnected
	}
	return c, nil
}

func (s *Stack) forget(c *conn) {
	s.mu.Lock()
	if s.conns[c.dst.MAC] == c {
		delete(s.conns, c.dst.MAC)
	}
	s.mu.Unlock()
}

// closed ends c once. A connection that never came up is reported as a
// failed connect.
func (s *Stack) closed(c *conn, reason ble.Reason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasUp := c.up
	c.closed, c.up = true, false
	c.mu.Unlock()
	s.forget(c)
	s.post(func() {
		h := s.h()
		switch {
		case h == nil:
		case wasUp:
			h.Disconnected(c, reason)
		default:
			h.Connected(c, ble.ReasonUnknownConnID)
		}
	})
}

// onConnect receives link changes from tinygo. Outgoing connections are
// reported by Connect itself; anything else is a central connecting to us.
func (s *Stack) onConnect(device bluetooth.Device, connected bool) {
	mac := device.Address.MAC
	s.mu.Lock()
	c, known := s.conns[mac]
	if connected && !known {
		c = &conn{dst: fromTinygo(device.Address), role: ble.RolePeripheral, device: &device, up: true}
		s.conns[mac] = c
	}
	s.mu.Unlock()

	switch {
	case connected && !known:
		s.log.Info("[BLUEZ] incoming connection", "peer", c.dst)
		s.post(func() {
			if h := s.h(); h != nil {
				h.Connected(c, ble.ReasonSuccess)
			}
		})
	case !connected && known:
		c.mu.Lock()
		reason := ble.ReasonRemoteUserTerminated
		if c.local {
			reason = ble.ReasonLocalHostTerminated
		}
		c.mu.Unlock()
		s.closed(c, reason)
	}
}

func (s *Stack) Connect(addr ble.Address, _ ble.ConnParams) (ble.Conn, error) {
	c := &conn{dst: addr, role: ble.RoleCentral}
	s.mu.Lock()
	if _, busy := s.conns[addr.MAC]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("bluez: connect to %s: %w", addr, errBusy)
	}
	s.conns[addr.MAC] = c
	s.mu.Unlock()

	// tinygo blocks until the link is up or its own timeout fires.
	go func() {
		dev, err := s.adapter.Connect(toTinygo(addr), bluetooth.ConnectionParams{})
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			if err == nil {
				_ = dev.Disconnect()
			}
			return
		}
		if err != nil {
			c.closed = true
			c.mu.Unlock()
			s.forget(c)
			s.log.Warn("[BLUEZ] connect failed", "peer", addr, "error", err)
			s.post(func() {
				if h := s.h(); h != nil {
					h.Connected(c, ble.ReasonConnFailedToEstablish)
				}
			})
			return
		}
		c.device, c.up = &dev, true
		c.mu.Unlock()
		s.post(func() {
			if h := s.h(); h != nil {
				h.Connected(c, ble.ReasonSuccess)
			}
		})
	}()
	return c, nil
}

// Disconnect terminates c. A pending connection is cancelled and reported
// as a failed connect.
func (s *Stack) Disconnect(bc ble.Conn, reason ble.Reason) error {
	c, err := s.lookup(bc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	dev, up := c.device, c.up
	c.local = true
	c.mu.Unlock()

	if !up {
		s.closed(c, reason)
		return nil
	}
	// tinygo reports the disconnect to onConnect before the D-Bus call.
	if err := dev.Disconnect(); err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", c.dst, err)
	}
	s.log.Debug("[BLUEZ] disconnect requested", "peer", c.dst, "reason", reason)
	s.closed(c, ble.ReasonLocalHostTerminated)
	return nil
}

// SetSecurity pairs through Device1.Pair. A peer that is already paired is
// reported as encrypted with its stored keys.
func (s *Stack) SetSecurity(bc ble.Conn, level ble.SecurityLevel) error {
	c, err := s.lookup(bc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	up := c.up
	c.mu.Unlock()
	if !up {
		return ble.ErrNotConnected
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.PairTimeout)
		defer cancel()
		path := devicePath(s.opts.Adapter, c.dst)
		call := s.bus.Object(bluezBus, path).CallWithContext(ctx, bluezDevice1+".Pair", 0)

		err := call.Err
		if errorName(err) == "org.bluez.Error.AlreadyExists" {
			err = nil
		}
		h := s.h()
		if h == nil {
			return
		}
		if err != nil {
			s.log.Warn("[BLUEZ] pairing failed", "peer", c.dst, "error", err)
			s.post(func() { h.SecurityChanged(c, ble.SecurityL1, securityErr(err)) })
			return
		}
		bonded := s.deviceBool(path, "Bonded") || s.deviceBool(path, "Paired")
		s.post(func() {
			h.PairingComplete(c, bonded)
			h.SecurityChanged(c, level, ble.SecurityErrSuccess)
		})
	}()
	return nil
}

func (s *Stack) deviceBool(path dbus.ObjectPath, prop string) bool {
	v, err := s.bus.Object(bluezBus, path).GetProperty(bluezDevice1 + "." + prop)
	if err != nil {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

// --- advertising and scanning ---

func (s *Stack) StartAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adv == nil {
		adv := s.adapter.DefaultAdvertisement()
		if err := adv.Configure(bluetooth.AdvertisementOptions{LocalName: "bleframework"}); err != nil {
			return fmt.Errorf("bluez: configure advertisement: %w", err)
		}
		s.adv = adv
	}
	if err := s.adv.Start(); err != nil {
		return fmt.Errorf("bluez: start advertising: %w", err)
	}
	return nil
}

func (s *Stack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adv == nil {
		return nil
	}
	if err := s.adv.Stop(); err != nil {
		return fmt.Errorf("bluez: stop advertising: %w", err)
	}
	return nil
}

func (s *Stack) Scan(ctx context.Context, fn func(ble.ScanResult)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.adapter.StopScan()
		case <-done:
		}
	}()

	err := s.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		name := r.LocalName()
		fn(ble.ScanResult{
			Addr:    fromTinygo(r.Address),
			Name:    name,
			RSSI:    int(r.RSSI),
			DataLen: len(name),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("bluez: scan: %w", err)
	}
	return nil
}
