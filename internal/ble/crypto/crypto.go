// Package crypto provides the key material primitives used by the simulated
// host stack: identity resolving keys, static and resolvable private
// addresses (the ah function), ECDH P-256 key agreement and HKDF-SHA256
// long-term key derivation truncated to the negotiated key size.
package crypto

import (
	"crypto/aes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/chaz8081/bleframework/internal/ble"
)

// LTKSize is the full length of a long-term key.
const LTKSize = 16

// GenerateIRK returns a random identity resolving key.
func GenerateIRK() (ble.IRK, error) {
	var irk ble.IRK
	if _, err := io.ReadFull(rand.Reader, irk[:]); err != nil {
		return irk, fmt.Errorf("ble/crypto: random IRK: %w", err)
	}
	return irk, nil
}

// GenerateStaticAddress returns a random static address (two MSBs set).
func GenerateStaticAddress() (ble.Address, error) {
	addr := ble.Address{Type: ble.AddressRandom}
	if _, err := io.ReadFull(rand.Reader, addr.MAC[:]); err != nil {
		return addr, fmt.Errorf("ble/crypto: random address: %w", err)
	}
	addr.MAC[5] |= 0xc0
	// all ones and all zeros in the random part are not allowed
	if addr.MAC[0]&addr.MAC[1]&addr.MAC[2]&addr.MAC[3]&addr.MAC[4] == 0xff {
		addr.MAC[0] = 0xfe
	}
	return addr, nil
}

// GenerateRPA derives a fresh resolvable private address from irk.
func GenerateRPA(irk ble.IRK) (ble.Address, error) {
	var prand [3]byte
	if _, err := io.ReadFull(rand.Reader, prand[:]); err != nil {
		return ble.Address{}, fmt.Errorf("ble/crypto: random prand: %w", err)
	}
	prand[0] = prand[0]&0x3f | 0x40

	hash, err := ah(irk, prand)
	if err != nil {
		return ble.Address{}, err
	}

	addr := ble.Address{Type: ble.AddressRandom}
	// prand is the upper half, most significant byte last in storage order
	addr.MAC[5], addr.MAC[4], addr.MAC[3] = prand[0], prand[1], prand[2]
	addr.MAC[2], addr.MAC[1], addr.MAC[0] = hash[0], hash[1], hash[2]
	return addr, nil
}

// ResolveRPA reports whether addr was generated from irk.
func ResolveRPA(irk ble.IRK, addr ble.Address) bool {
	if addr.Kind() != ble.KindResolvable {
		return false
	}
	prand := [3]byte{addr.MAC[5], addr.MAC[4], addr.MAC[3]}
	hash, err := ah(irk, prand)
	if err != nil {
		return false
	}
	return hash == [3]byte{addr.MAC[2], addr.MAC[1], addr.MAC[0]}
}

// ah is the random address hash: AES-128 over the zero-padded prand,
// keeping the low 24 bits.
func ah(irk ble.IRK, prand [3]byte) ([3]byte, error) {
	var out [3]byte
	block, err := aes.NewCipher(irk[:])
	if err != nil {
		return out, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	var buf [aes.BlockSize]byte
	copy(buf[13:], prand[:])
	block.Encrypt(buf[:], buf[:])
	copy(out[:], buf[13:])
	return out, nil
}

// GenerateKeyPair creates a new ECDH P-256 key pair for LE secure connections.
func GenerateKeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	curve := ecdh.P256()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("ble/crypto: generate key: %w", err)
	}
	return priv, priv.PublicKey(), nil
}

// DeriveSharedSecret performs ECDH and returns the raw shared secret.
func DeriveSharedSecret(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: ECDH: %w", err)
	}
	return secret, nil
}

// DeriveLTK uses HKDF-SHA256 to derive a long-term key from the DHKey and
// truncates it to keySize bytes.
func DeriveLTK(dhKey []byte, keySize int) ([]byte, error) {
	if keySize < 1 || keySize > LTKSize {
		return nil, fmt.Errorf("ble/crypto: key size %d out of range", keySize)
	}
	r := hkdf.New(sha256.New, dhKey, nil, []byte("bleframework ltk"))
	ltk := make([]byte, LTKSize)
	if _, err := io.ReadFull(r, ltk); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return MaskKey(ltk, keySize), nil
}

// RandomLTK returns a random key of keySize significant bytes, as produced
// by legacy pairing.
func RandomLTK(keySize int) ([]byte, error) {
	if keySize < 1 || keySize > LTKSize {
		return nil, fmt.Errorf("ble/crypto: key size %d out of range", keySize)
	}
	ltk := make([]byte, LTKSize)
	if _, err := io.ReadFull(rand.Reader, ltk); err != nil {
		return nil, fmt.Errorf("ble/crypto: random LTK: %w", err)
	}
	return MaskKey(ltk, keySize), nil
}

// MaskKey zeroes every byte of key past size. The key is modified in place
// and returned.
func MaskKey(key []byte, size int) []byte {
	for i := size; i < len(key); i++ {
		key[i] = 0
	}
	return key
}
