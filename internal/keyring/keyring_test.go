package keyring

import (
	"bytes"
	"errors"
	"testing"
)

const testMnemonic = "bottom drive obey lake curtain smoke basket hold race lonely fit walk"

func TestFromMnemonic_deterministic(t *testing.T) {
	a, err := FromMnemonic(testMnemonic, "", DefaultPrefix)
	if err != nil {
		t.Fatal(err)
	}
	b, err := FromMnemonic("  bottom drive obey lake curtain smoke basket hold race lonely fit walk ", "", DefaultPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if a.Address() != b.Address() {
		t.Errorf("whitespace changed the address: %q vs %q", a.Address(), b.Address())
	}
	c, _ := FromMnemonic(testMnemonic, "secret", DefaultPrefix)
	if c.Address() == a.Address() {
		t.Error("password should change the derived address")
	}
}

func TestFromMnemonic_wordCount(t *testing.T) {
	if _, err := FromMnemonic("too few words here", "", DefaultPrefix); err == nil {
		t.Error("expected error for 4-word mnemonic")
	}
}

func TestAddress_roundTrip(t *testing.T) {
	for _, prefix := range []uint16{0, 2, 32, 42, 63, 64, 1000, 16383} {
		kp, err := FromSeed(bytes.Repeat([]byte{7}, 32), prefix)
		if err != nil {
			t.Fatalf("prefix %d: %v", prefix, err)
		}
		pub, got, err := DecodeAddress(kp.Address())
		if err != nil {
			t.Fatalf("prefix %d: decode: %v", prefix, err)
		}
		if got != prefix {
			t.Errorf("prefix: got %d, want %d", got, prefix)
		}
		if !bytes.Equal(pub, kp.PublicKey()) {
			t.Errorf("prefix %d: public key mismatch", prefix)
		}
	}
}

func TestDecodeAddress_badChecksum(t *testing.T) {
	kp, _ := FromSeed(bytes.Repeat([]byte{1}, 32), DefaultPrefix)
	addr := []byte(kp.Address())
	// Swap the last character for a different base58 digit.
	if addr[len(addr)-1] == 'z' {
		addr[len(addr)-1] = 'y'
	} else {
		addr[len(addr)-1] = 'z'
	}
	if _, _, err := DecodeAddress(string(addr)); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	kp, _ := FromMnemonic(testMnemonic, "", DefaultPrefix)
	msg := []byte("Datalog.record QmXYZ")
	sig := kp.Sign(msg)

	if !Verify(kp.Address(), msg, sig) {
		t.Error("valid signature rejected")
	}
	if Verify(kp.Address(), []byte("tampered"), sig) {
		t.Error("signature over other message accepted")
	}
	other, _ := FromSeed(bytes.Repeat([]byte{9}, 32), DefaultPrefix)
	if Verify(other.Address(), msg, sig) {
		t.Error("signature accepted for another address")
	}
}

func TestCorresponds(t *testing.T) {
	kp, _ := FromMnemonic(testMnemonic, "", 42)
	if !Corresponds(testMnemonic, kp.Address()) {
		t.Error("mnemonic should correspond to its own address")
	}
	other, _ := FromSeed(bytes.Repeat([]byte{3}, 32), 42)
	if Corresponds(testMnemonic, other.Address()) {
		t.Error("mnemonic should not correspond to a foreign address")
	}
}
