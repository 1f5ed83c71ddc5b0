package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the canonical hash of block 0. Every chain served by this
// package starts from it, so two fresh development chains agree on genesis.
const GenesisHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

// block is a sealed block together with its events.
type block struct {
	Header
	Extrinsics []string
	Events     []Event
}

func genesisBlock(now time.Time) *block {
	return &block{Header: Header{
		Number:     0,
		Hash:       GenesisHash,
		ParentHash: GenesisHash,
		Timestamp:  now.UTC(),
	}}
}

// hashBlock computes a deterministic SHA-256 over a block's header fields
// and the hashes of the extrinsics it includes.
// It must never be called for the genesis block.
func hashBlock(number uint64, parent string, ts time.Time, extrinsics []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s", number, parent, ts.Format(time.RFC3339Nano), strings.Join(extrinsics, ","))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// hashExtrinsic identifies a submitted call within the block that includes it.
func hashExtrinsic(call Call, origin string, number uint64) (string, error) {
	body, err := json.Marshal(call)
	if err != nil {
		return "", fmt.Errorf("marshal call: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|", number, origin)
	h.Write(body)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// storageKey addresses one storage value.
type storageKey struct {
	Module string
	Item   string
	Params json.RawMessage
}

func newKey(module, item string, params ...any) (storageKey, error) {
	if params == nil {
		params = []any{}
	}
	p, err := json.Marshal(params)
	if err != nil {
		return storageKey{}, fmt.Errorf("encode key params: %w", err)
	}
	return storageKey{Module: module, Item: item, Params: p}, nil
}

func (k storageKey) prefix() string { return k.Module + "." + k.Item }

func (k storageKey) String() string { return k.prefix() + string(k.Params) }
