package contentstore

import (
	"crypto/sha256"
	"strings"

	"github.com/mr-tron/base58"
)

// IsCID performs the structural check applied to ledger pointers: a CIDv0
// ("Qm" + 44 base58 characters) or a base32 CIDv1 ("b" + lowercase base32).
func IsCID(s string) bool {
	switch {
	case strings.HasPrefix(s, "Qm"):
		if len(s) != 46 {
			return false
		}
		raw, err := base58.Decode(s)
		return err == nil && len(raw) == 34 && raw[0] == 0x12 && raw[1] == 0x20
	case strings.HasPrefix(s, "bafy") || strings.HasPrefix(s, "bafk"):
		if len(s) < 50 {
			return false
		}
		for _, r := range s[1:] {
			if !(r >= 'a' && r <= 'z' || r >= '2' && r <= '7') {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// ComputeCIDv0 returns the CIDv0 of the sha2-256 multihash of data.
// It addresses raw bytes, so it matches an IPFS node's identifier only for
// content added as a single raw block.
func ComputeCIDv0(data []byte) string {
	sum := sha256.Sum256(data)
	mh := append([]byte{0x12, 0x20}, sum[:]...)
	return base58.Encode(mh)
}
