package bluez

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/godbus/dbus/v5"
	"gopkg.in/ini.v1"

	"github.com/chaz8081/bleframework/internal/ble"
)

// DefaultStorageDir is where bluetoothd keeps identities and bonds.
const DefaultStorageDir = "/var/lib/bluetooth"

// ErrNoKeys is returned when bluetoothd has no key file for a peer.
var ErrNoKeys = errors.New("bluez: no stored keys for peer")

// devicePath converts a peer address to its object path under adapter.
// Example: "C0:FF:EE:00:00:01" under hci0 is /org/bluez/hci0/dev_C0_FF_EE_00_00_01.
func devicePath(adapter string, peer ble.Address) dbus.ObjectPath {
	dev := strings.ReplaceAll(peer.MAC.String(), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, dev))
}

// keyStore reads and writes the per-peer info files of bluetoothd.
type keyStore struct {
	root string
}

func (k keyStore) infoPath(local, peer ble.Address) string {
	return filepath.Join(k.root, local.MAC.String(), peer.MAC.String(), "info")
}

// read returns the raw info file for peer.
func (k keyStore) read(local, peer ble.Address) ([]byte, error) {
	data, err := os.ReadFile(k.infoPath(local, peer))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoKeys, peer)
	}
	if err != nil {
		return nil, fmt.Errorf("bluez: read keys: %w", err)
	}
	if _, ok := parseKeyInfo(data); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKeys, peer)
	}
	return data, nil
}

// write puts an info file back, replacing whatever bluetoothd holds.
func (k keyStore) write(local, peer ble.Address, data []byte) error {
	path := k.infoPath(local, peer)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("bluez: create key directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("bluez: write keys: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("bluez: write keys: %w", err)
	}
	return nil
}

// localIRK reads the adapter IRK from the identity file, if present.
func (k keyStore) localIRK(local ble.Address) (ble.IRK, bool) {
	data, err := os.ReadFile(filepath.Join(k.root, local.MAC.String(), "identity"))
	if err != nil {
		return ble.IRK{}, false
	}
	f, err := loadKeyFile(data)
	if err != nil {
		return ble.IRK{}, false
	}
	sec, err := f.GetSection("General")
	if err != nil || !sec.HasKey("IdentityResolvingKey") {
		return ble.IRK{}, false
	}
	return parseIRK(sec.Key("IdentityResolvingKey").String())
}

// loadKeyFile parses a bluetoothd GKeyFile. Values may end in ';' (string
// lists), so inline comments are not recognized.
func loadKeyFile(data []byte) (*ini.File, error) {
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, data)
	if err != nil {
		return nil, fmt.Errorf("bluez: parse key file: %w", err)
	}
	return f, nil
}

// keyInfo is the part of an info file the harness reports.
type keyInfo struct {
	KeySize           int
	SecureConnections bool
}

var ltkSections = []string{"LongTermKey", "PeripheralLongTermKey", "SlaveLongTermKey"}

// parseKeyInfo extracts the long term key properties. ok is false when the
// file holds no long term key.
func parseKeyInfo(data []byte) (keyInfo, bool) {
	f, err := loadKeyFile(data)
	if err != nil {
		return keyInfo{}, false
	}
	for _, name := range ltkSections {
		sec, err := f.GetSection(name)
		if err != nil || !sec.HasKey("Key") {
			continue
		}
		var info keyInfo
		info.KeySize, _ = sec.Key("EncSize").Int()
		// Authenticated is 2 or 3 for keys from LE secure connections.
		auth, _ := sec.Key("Authenticated").Int()
		info.SecureConnections = auth >= 2
		return info, true
	}
	return keyInfo{}, false
}

// parseIRK parses a key written most significant byte first.
func parseIRK(s string) (ble.IRK, bool) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != len(ble.IRK{}) {
		return ble.IRK{}, false
	}
	var irk ble.IRK
	for i := range b {
		irk[len(irk)-1-i] = b[i]
	}
	return irk, true
}

// securityErr maps a BlueZ pairing error name to an SMP outcome.
func securityErr(err error) ble.SecurityErr {
	switch errorName(err) {
	case "org.bluez.Error.AuthenticationFailed":
		return ble.SecurityErrAuthFail
	case "org.bluez.Error.AuthenticationRejected":
		return ble.SecurityErrPairNotAllowed
	case "org.bluez.Error.AuthenticationCanceled", "org.bluez.Error.AuthenticationTimeout":
		return ble.SecurityErrUnspecified
	case "org.bluez.Error.NotSupported":
		return ble.SecurityErrPairNotSupported
	case "org.bluez.Error.InvalidArguments":
		return ble.SecurityErrInvalidParam
	}
	return ble.SecurityErrUnspecified
}

// errorName returns the D-Bus error name carried by err, if any.
func errorName(err error) string {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name
	}
	var dep *dbus.Error
	if errors.As(err, &dep) {
		return dep.Name
	}
	return ""
}
