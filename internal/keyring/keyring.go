// Package keyring derives the device signing identity from its mnemonic and
// encodes account addresses in the SS58 format used by the ledger.
//
// Keys are ed25519. The mnemonic is stretched into a seed with the BIP-39
// PBKDF2 parameters; the first 32 bytes of that seed are the ed25519 seed.
package keyring

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"
)

// DefaultPrefix is the SS58 network prefix used by default (32).
const DefaultPrefix uint16 = 32

var ss58Pre = []byte("SS58PRE")

// ErrInvalidAddress is returned when an address fails SS58 decoding.
var ErrInvalidAddress = errors.New("keyring: invalid ss58 address")

// Keypair is an ed25519 signing identity with its SS58 address.
type Keypair struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address string
}

// FromMnemonic derives a Keypair from a 12 to 24 word mnemonic phrase.
func FromMnemonic(mnemonic, password string, prefix uint16) (*Keypair, error) {
	words := strings.Fields(mnemonic)
	switch len(words) {
	case 12, 15, 18, 21, 24:
	default:
		return nil, fmt.Errorf("keyring: mnemonic has %d words, want 12, 15, 18, 21 or 24", len(words))
	}
	normalized := strings.Join(words, " ")
	seed := pbkdf2.Key([]byte(normalized), []byte("mnemonic"+password), 2048, 64, sha512.New)
	return FromSeed(seed[:ed25519.SeedSize], prefix)
}

// FromSeed builds a Keypair from a 32-byte ed25519 seed.
func FromSeed(seed []byte, prefix uint16) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keyring: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	addr, err := EncodeAddress(pub, prefix)
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: priv, pub: pub, address: addr}, nil
}

// Address returns the SS58 address of the keypair.
func (k *Keypair) Address() string { return k.address }

// PublicKey returns the raw ed25519 public key.
func (k *Keypair) PublicKey() ed25519.PublicKey { return k.pub }

// Sign signs msg with the private key.
func (k *Keypair) Sign(msg []byte) []byte { return ed25519.Sign(k.priv, msg) }

// Corresponds reports whether mnemonic derives the given address.
func Corresponds(mnemonic, address string) bool {
	_, prefix, err := DecodeAddress(address)
	if err != nil {
		return false
	}
	kp, err := FromMnemonic(mnemonic, "", prefix)
	if err != nil {
		return false
	}
	return kp.Address() == address
}

// Verify checks sig over msg against the public key embedded in address.
func Verify(address string, msg, sig []byte) bool {
	pub, _, err := DecodeAddress(address)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// EncodeAddress encodes a 32-byte public key as an SS58 address.
func EncodeAddress(pub []byte, prefix uint16) (string, error) {
	if len(pub) != 32 {
		return "", fmt.Errorf("keyring: public key must be 32 bytes, got %d", len(pub))
	}
	var payload []byte
	switch {
	case prefix < 64:
		payload = []byte{byte(prefix)}
	case prefix < 16384:
		first := byte((prefix&0x00FC)>>2) | 0x40
		second := byte(prefix>>8) | byte((prefix&0x0003)<<6)
		payload = []byte{first, second}
	default:
		return "", fmt.Errorf("keyring: prefix %d out of range", prefix)
	}
	payload = append(payload, pub...)
	sum := checksum(payload)
	return base58.Encode(append(payload, sum[:2]...)), nil
}

// DecodeAddress returns the public key and network prefix of an SS58 address.
func DecodeAddress(address string) ([]byte, uint16, error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	var prefixLen int
	var prefix uint16
	switch {
	case len(raw) == 35 && raw[0] < 64:
		prefixLen = 1
		prefix = uint16(raw[0])
	case len(raw) == 36 && raw[0] >= 64 && raw[0] < 128:
		prefixLen = 2
		lower := (raw[0] << 2) | (raw[1] >> 6)
		upper := raw[1] & 0x3F
		prefix = uint16(lower) | uint16(upper)<<8
	default:
		return nil, 0, fmt.Errorf("%w: unexpected length %d", ErrInvalidAddress, len(raw))
	}
	body := raw[:len(raw)-2]
	sum := checksum(body)
	if !bytes.Equal(sum[:2], raw[len(raw)-2:]) {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return body[prefixLen:], prefix, nil
}

func checksum(payload []byte) [64]byte {
	return blake2b.Sum512(append(append([]byte(nil), ss58Pre...), payload...))
}
