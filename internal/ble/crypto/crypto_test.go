package crypto

import (
	"bytes"
	"testing"

	"github.com/chaz8081/bleframework/internal/ble"
)

func TestGenerateStaticAddress(t *testing.T) {
	addr, err := GenerateStaticAddress()
	if err != nil {
		t.Fatalf("GenerateStaticAddress() error = %v", err)
	}
	if addr.Kind() != ble.KindStatic {
		t.Errorf("Kind() = %v, want static_random", addr.Kind())
	}
}

func TestRPAResolvesWithItsIRK(t *testing.T) {
	irk, err := GenerateIRK()
	if err != nil {
		t.Fatalf("GenerateIRK() error = %v", err)
	}
	other, err := GenerateIRK()
	if err != nil {
		t.Fatalf("GenerateIRK() error = %v", err)
	}

	for i := 0; i < 16; i++ {
		rpa, err := GenerateRPA(irk)
		if err != nil {
			t.Fatalf("GenerateRPA() error = %v", err)
		}
		if rpa.Kind() != ble.KindResolvable {
			t.Fatalf("Kind() = %v, want resolvable_private", rpa.Kind())
		}
		if !ResolveRPA(irk, rpa) {
			t.Errorf("ResolveRPA(own irk, %s) = false, want true", rpa)
		}
		if ResolveRPA(other, rpa) {
			t.Errorf("ResolveRPA(other irk, %s) = true, want false", rpa)
		}
	}
}

func TestResolveRPARejectsStatic(t *testing.T) {
	irk, _ := GenerateIRK()
	addr, _ := GenerateStaticAddress()
	if ResolveRPA(irk, addr) {
		t.Error("ResolveRPA() accepted a static address")
	}
}

func TestDeriveSharedSecret(t *testing.T) {
	priv1, pub1, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	priv2, pub2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	secret1, err := DeriveSharedSecret(priv1, pub2)
	if err != nil {
		t.Fatalf("DeriveSharedSecret(priv1, pub2) error = %v", err)
	}
	secret2, err := DeriveSharedSecret(priv2, pub1)
	if err != nil {
		t.Fatalf("DeriveSharedSecret(priv2, pub1) error = %v", err)
	}

	if !bytes.Equal(secret1, secret2) {
		t.Error("shared secrets from both sides do not match")
	}
}

func TestDeriveLTKTruncatesToKeySize(t *testing.T) {
	dhKey := make([]byte, 32)
	dhKey[0] = 0x42

	full, err := DeriveLTK(dhKey, 16)
	if err != nil {
		t.Fatalf("DeriveLTK(16) error = %v", err)
	}
	weak, err := DeriveLTK(dhKey, 7)
	if err != nil {
		t.Fatalf("DeriveLTK(7) error = %v", err)
	}
	if len(weak) != LTKSize {
		t.Fatalf("len = %d, want %d", len(weak), LTKSize)
	}
	if !bytes.Equal(full[:7], weak[:7]) {
		t.Error("truncated key should share its significant bytes with the full key")
	}
	if !bytes.Equal(weak[7:], make([]byte, 9)) {
		t.Errorf("bytes past key size should be zero, got %x", weak[7:])
	}
}

func TestDeriveLTKRejectsBadSize(t *testing.T) {
	if _, err := DeriveLTK([]byte{1}, 0); err == nil {
		t.Error("DeriveLTK(0) should fail")
	}
	if _, err := RandomLTK(17); err == nil {
		t.Error("RandomLTK(17) should fail")
	}
}
