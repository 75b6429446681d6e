package ble

import (
	"errors"
	"strings"
	"testing"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("C0:11:22:33:44:55", "random")
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}
	if addr.Type != AddressRandom {
		t.Errorf("Type = %v, want random", addr.Type)
	}
	if !strings.EqualFold(addr.MAC.String(), "C0:11:22:33:44:55") {
		t.Errorf("MAC = %s, want C0:11:22:33:44:55", addr.MAC)
	}
	if addr.MAC[5] != 0xC0 {
		t.Errorf("MAC[5] = 0x%02x, want 0xc0 (little endian storage)", addr.MAC[5])
	}
}

func TestParseAddressLowercase(t *testing.T) {
	lower, err := ParseAddress("c0:ff:ee:00:00:0a", "random")
	if err != nil {
		t.Fatalf("ParseAddress() error = %v", err)
	}
	upper := MustParseAddress("C0:FF:EE:00:00:0A", "random")
	if lower != upper {
		t.Errorf("ParseAddress(lowercase) = %v, want %v", lower, upper)
	}
}

func TestParseAddressErrors(t *testing.T) {
	tests := []struct {
		name string
		mac  string
		typ  string
	}{
		{"bad type", "C0:11:22:33:44:55", "static"},
		{"short mac", "C0:11:22:33:44", "public"},
		{"not hex", "ZZ:11:22:33:44:55", "public"},
		{"empty", "", "public"},
		{"no colons", "C0FFEE000001", "random"},
		{"misplaced colons", "C:0FF:EE0:000:01", "random"},
		{"trailing colon", "C0:FF:EE:00:00:01:", "random"},
		{"dashes", "C0-FF-EE-00-00-01", "random"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAddress(tt.mac, tt.typ)
			if err == nil {
				t.Fatal("ParseAddress() should fail")
			}
			var perr *AddressParseError
			if !errors.As(err, &perr) {
				t.Errorf("error %T is not *AddressParseError", err)
			}
		})
	}
}

func TestAddressKind(t *testing.T) {
	tests := []struct {
		mac  string
		typ  string
		want RandomKind
	}{
		{"C0:11:22:33:44:55", "random", KindStatic},
		{"4A:11:22:33:44:55", "random", KindResolvable},
		{"0A:11:22:33:44:55", "random", KindNonResolvable},
		{"8A:11:22:33:44:55", "random", KindReserved},
		{"C0:11:22:33:44:55", "public", KindPublic},
	}
	for _, tt := range tests {
		addr := MustParseAddress(tt.mac, tt.typ)
		if got := addr.Kind(); got != tt.want {
			t.Errorf("Kind(%s %s) = %v, want %v", tt.mac, tt.typ, got, tt.want)
		}
	}
}

func TestIRKStringIsBigEndian(t *testing.T) {
	var irk IRK
	irk[0] = 0x01
	irk[15] = 0xff
	got := irk.String()
	if !strings.HasPrefix(got, "ff") || !strings.HasSuffix(got, "01") {
		t.Errorf("IRK.String() = %s, want ff...01", got)
	}
}

func TestReasonString(t *testing.T) {
	if got := ReasonRemoteUserTerminated.String(); got != "Remote User Terminated Connection" {
		t.Errorf("String() = %q", got)
	}
	if got := Reason(0xee).String(); !strings.Contains(got, "0xee") {
		t.Errorf("String() = %q, want unknown code rendered", got)
	}
	if got := SecurityErrPinOrKeyMissing.String(); got != "PIN or key missing" {
		t.Errorf("String() = %q", got)
	}
}
