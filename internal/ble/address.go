package ble

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// AddressType distinguishes public from random device addresses.
type AddressType uint8

const (
	AddressPublic AddressType = iota
	AddressRandom
)

func (t AddressType) String() string {
	if t == AddressRandom {
		return "random"
	}
	return "public"
}

// ParseAddressType parses the "public" or "random" token.
func ParseAddressType(s string) (AddressType, error) {
	switch strings.ToLower(s) {
	case "public":
		return AddressPublic, nil
	case "random":
		return AddressRandom, nil
	}
	return 0, fmt.Errorf("unknown address type %q", s)
}

// Address is an LE device address. MAC is stored little endian, as the
// link layer transmits it.
type Address struct {
	Type AddressType
	MAC  bluetooth.MAC
}

// ParseAddress parses an XX:XX:XX:XX:XX:XX address and its type token.
func ParseAddress(mac, typ string) (Address, error) {
	t, err := ParseAddressType(typ)
	if err != nil {
		return Address{}, &AddressParseError{Input: mac, Type: typ, Err: err}
	}
	if !wellFormedMAC(mac) {
		return Address{}, &AddressParseError{Input: mac, Type: typ, Err: errMACFormat}
	}
	m, err := bluetooth.ParseMAC(strings.ToUpper(mac))
	if err != nil {
		return Address{}, &AddressParseError{Input: mac, Type: typ, Err: err}
	}
	return Address{Type: t, MAC: m}, nil
}

var errMACFormat = errors.New("want XX:XX:XX:XX:XX:XX")

// wellFormedMAC checks the layout ParseMAC does not: 17 characters, hex
// pairs separated by colons at fixed positions.
func wellFormedMAC(s string) bool {
	if len(s) != 17 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i%3 == 2 {
			if c != ':' {
				return false
			}
			continue
		}
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(mac, typ string) Address {
	a, err := ParseAddress(mac, typ)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return fmt.Sprintf("%s (%s)", a.MAC.String(), a.Type)
}

// IsZero reports whether a is the all-zero address.
func (a Address) IsZero() bool {
	return a.MAC == bluetooth.MAC{}
}

// RandomKind classifies a random address by its two most significant bits.
type RandomKind uint8

const (
	KindPublic RandomKind = iota
	KindNonResolvable
	KindResolvable
	KindReserved
	KindStatic
)

func (k RandomKind) String() string {
	switch k {
	case KindNonResolvable:
		return "non_resolvable_private"
	case KindResolvable:
		return "resolvable_private"
	case KindReserved:
		return "reserved"
	case KindStatic:
		return "static_random"
	}
	return "public"
}

// Kind returns the sub-type of a random address, or KindPublic.
func (a Address) Kind() RandomKind {
	if a.Type != AddressRandom {
		return KindPublic
	}
	switch a.MAC[5] >> 6 {
	case 0:
		return KindNonResolvable
	case 1:
		return KindResolvable
	case 2:
		return KindReserved
	}
	return KindStatic
}

// IRK is a 16-byte identity resolving key, stored little endian.
type IRK [16]byte

// String renders the key most significant byte first.
func (k IRK) String() string {
	var be [16]byte
	for i := range k {
		be[i] = k[len(k)-1-i]
	}
	return hex.EncodeToString(be[:])
}

// Identity is one local device identity.
type Identity struct {
	ID   uint8
	Addr Address
	IRK  IRK
}

func (id Identity) String() string {
	return fmt.Sprintf("id %d %s irk 0x%s", id.ID, id.Addr, id.IRK)
}
