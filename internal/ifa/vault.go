package ifa

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/bleframework/internal/ble"
)

// Vault holds at most one saved identity and one key-store snapshot for a
// local identity id. Restores read a slot without clearing it.
type Vault struct {
	ids  ble.IdentityManager
	keys ble.KeyStore
	id   uint8
	log  *slog.Logger

	identity *ble.Identity
	snapshot *ble.KeySnapshot
}

// NewVault creates an empty vault.
func NewVault(ids ble.IdentityManager, keys ble.KeyStore, id uint8, log *slog.Logger) *Vault {
	if log == nil {
		log = slog.Default()
	}
	return &Vault{ids: ids, keys: keys, id: id, log: log}
}

// SaveIdentity stores the active identity, replacing anything saved before.
func (v *Vault) SaveIdentity() (ble.Identity, error) {
	ident, err := v.ids.Identity(v.id)
	if err != nil {
		return ble.Identity{}, fmt.Errorf("ifa: save identity: %w", err)
	}
	v.identity = &ident
	v.log.Info("[IFA] identity saved", "identity", ident)
	return ident, nil
}

// RestoreIdentity resets the identity to the saved address and IRK and
// invalidates the cached private address.
func (v *Vault) RestoreIdentity() (ble.Identity, error) {
	if v.identity == nil {
		return ble.Identity{}, &NoSnapshotError{What: "identity"}
	}
	ident := *v.identity
	if err := resetIdentity(v.ids, v.id, &ident); err != nil {
		return ble.Identity{}, fmt.Errorf("ifa: restore identity: %w", err)
	}
	v.log.Info("[IFA] identity restored", "identity", ident)
	return ident, nil
}

// TakeKeySnapshot copies the bonding material for peer into the slot.
func (v *Vault) TakeKeySnapshot(peer ble.Address) error {
	snap, err := v.keys.SnapshotKeys(v.id, peer)
	if err != nil {
		return fmt.Errorf("ifa: take key snapshot: %w", err)
	}
	v.snapshot = &snap
	v.log.Info("[IFA] key snapshot taken", "peer", peer)
	return nil
}

// RestoreKeySnapshot writes the snapshot back into the key store.
func (v *Vault) RestoreKeySnapshot() error {
	if v.snapshot == nil {
		return &NoSnapshotError{What: "key snapshot"}
	}
	if err := v.keys.RestoreKeys(*v.snapshot); err != nil {
		return fmt.Errorf("ifa: restore key snapshot: %w", err)
	}
	v.log.Info("[IFA] key snapshot restored", "peer", v.snapshot.Peer)
	return nil
}

// SavedIdentity returns the saved identity, if any.
func (v *Vault) SavedIdentity() (ble.Identity, bool) {
	if v.identity == nil {
		return ble.Identity{}, false
	}
	return *v.identity, true
}

// Snapshot returns the taken key snapshot, if any.
func (v *Vault) Snapshot() (ble.KeySnapshot, bool) {
	if v.snapshot == nil {
		return ble.KeySnapshot{}, false
	}
	return *v.snapshot, true
}

// resetIdentity replaces the identity and drops the cached private address
// so the next connection derives one from the new IRK.
func resetIdentity(ids ble.IdentityManager, id uint8, ident *ble.Identity) error {
	if err := ids.ResetIdentity(id, ident); err != nil {
		return err
	}
	ids.InvalidateRPA()
	return nil
}
