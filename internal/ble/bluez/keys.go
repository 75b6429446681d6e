//go:build linux

package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/bleframework/internal/ble"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// pairedDevices lists the paired Device1 objects under the adapter.
func (s *Stack) pairedDevices() (map[dbus.ObjectPath]ble.Address, error) {
	var objects managedObjects
	call := s.bus.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: parse managed objects: %w", err)
	}

	prefix := string(s.adapterPath()) + "/"
	out := make(map[dbus.ObjectPath]ble.Address)
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); !paired {
			continue
		}
		mac, _ := props["Address"].Value().(string)
		typ, _ := props["AddressType"].Value().(string)
		if typ == "" {
			typ = "public"
		}
		addr, err := ble.ParseAddress(mac, typ)
		if err != nil {
			s.log.Warn("[BLUEZ] skipping device with unparsable address", "path", path, "error", err)
			continue
		}
		out[path] = addr
	}
	return out, nil
}

func (s *Stack) removeDevice(path dbus.ObjectPath) error {
	call := s.bus.Object(bluezBus, s.adapterPath()).Call(bluezAdapter1+".RemoveDevice", 0, path)
	if call.Err != nil && !isNotFound(call.Err) {
		return fmt.Errorf("bluez: remove device %s: %w", path, call.Err)
	}
	return nil
}

// Unpair removes peer, or every paired device, from bluetoothd, which
// deletes the stored keys with it.
func (s *Stack) Unpair(id uint8, peer *ble.Address) error {
	if id != 0 {
		return fmt.Errorf("bluez: unpair identity %d: %w", id, ble.ErrNotSupported)
	}
	if peer != nil {
		return s.removeDevice(devicePath(s.opts.Adapter, *peer))
	}
	devices, err := s.pairedDevices()
	if err != nil {
		return err
	}
	for path := range devices {
		if err := s.removeDevice(path); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotKeys copies the info file bluetoothd keeps for peer.
func (s *Stack) SnapshotKeys(id uint8, peer ble.Address) (ble.KeySnapshot, error) {
	local, err := s.localAddress()
	if err != nil {
		return ble.KeySnapshot{}, err
	}
	data, err := s.keys.read(local, peer)
	if err != nil {
		return ble.KeySnapshot{}, err
	}
	return ble.KeySnapshot{ID: id, Peer: peer, Data: data}, nil
}

// RestoreKeys writes the info file back. bluetoothd picks it up on the
// next LoadSettings.
func (s *Stack) RestoreKeys(snap ble.KeySnapshot) error {
	local, err := s.localAddress()
	if err != nil {
		return err
	}
	return s.keys.write(local, snap.Peer, snap.Data)
}

func (s *Stack) Bonds(id uint8) ([]ble.Bond, error) {
	if id != 0 {
		return nil, nil
	}
	devices, err := s.pairedDevices()
	if err != nil {
		return nil, err
	}
	local, lerr := s.localAddress()

	var out []ble.Bond
	for _, addr := range devices {
		b := ble.Bond{ID: id, Peer: addr}
		if lerr == nil {
			if data, err := s.keys.read(local, addr); err == nil {
				info, _ := parseKeyInfo(data)
				b.KeySize, b.SecureConnections = info.KeySize, info.SecureConnections
			}
		}
		out = append(out, b)
	}
	return out, nil
}
