package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryLedger is an in-memory, thread-safe Gateway implementation.
// It is primarily useful for testing and for single-process development
// chains that do not require durable persistence across restarts.
type MemoryLedger struct {
	mu      sync.RWMutex
	storage map[string]memValue
	blocks  []*block
	changed chan struct{} // closed and replaced whenever a block is sealed
	now     func() time.Time
}

type memValue struct {
	key   storageKey
	value json.RawMessage
}

// NewMemory creates a MemoryLedger holding only the genesis block.
func NewMemory() *MemoryLedger {
	l := &MemoryLedger{
		storage: make(map[string]memValue),
		changed: make(chan struct{}),
		now:     time.Now,
	}
	l.blocks = append(l.blocks, genesisBlock(l.now()))
	return l
}

// SetClock overrides the time source used to stamp blocks and datalog items.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Endow credits amount to address without sealing a block. It is the
// development-chain faucet.
func (l *MemoryLedger) Endow(address string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx := &memTx{base: l.storage, writes: map[string]*memValue{}}
	ctx := context.Background()
	free, k, err := balanceOf(ctx, tx, address)
	if err != nil {
		return err
	}
	free.Add(free, amount)
	if err := putJSON(ctx, tx, k, AccountData{Free: free.String()}); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Put writes a raw storage value and seals an empty block so subscribers
// observe the change. It exists so that tests and development tooling can
// shape state that no call produces.
func (l *MemoryLedger) Put(module, item string, value any, params ...any) error {
	k, err := newKey(module, item, params...)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.storage[k.String()] = memValue{key: k, value: raw}
	l.sealLocked(nil, nil)
	return nil
}

// Query implements Gateway.
func (l *MemoryLedger) Query(_ context.Context, module, item string, params ...any) (json.RawMessage, error) {
	k, err := newKey(module, item, params...)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.storage[k.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), v.value...), nil
}

// QueryRange implements Gateway. Entries are returned in key order.
func (l *MemoryLedger) QueryRange(_ context.Context, module, item string) ([]KeyValue, error) {
	prefix := module + "." + item
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []KeyValue
	for _, v := range l.storage {
		if v.key.prefix() != prefix {
			continue
		}
		out = append(out, KeyValue{
			Key:   append(json.RawMessage(nil), v.key.Params...),
			Value: append(json.RawMessage(nil), v.value...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out, nil
}

// Subscribe implements Gateway. Successive changes between two deliveries
// are coalesced: fn always sees the latest value.
func (l *MemoryLedger) Subscribe(ctx context.Context, module, item string, params []any, fn UpdateFunc) error {
	k, err := newKey(module, item, params...)
	if err != nil {
		return err
	}
	read := func() (json.RawMessage, <-chan struct{}) {
		l.mu.RLock()
		defer l.mu.RUnlock()
		v, ok := l.storage[k.String()]
		if !ok {
			return json.RawMessage("null"), l.changed
		}
		return append(json.RawMessage(nil), v.value...), l.changed
	}

	last, changed := read()
	var nr uint64
	if err := fn(last, nr); err != nil {
		return stopErr(err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
		var cur json.RawMessage
		cur, changed = read()
		if bytes.Equal(cur, last) {
			continue
		}
		last = cur
		nr++
		if err := fn(cur, nr); err != nil {
			return stopErr(err)
		}
	}
}

// SubscribeBlockHeaders implements Gateway. Every block sealed after the
// call is delivered exactly once, in order.
func (l *MemoryLedger) SubscribeBlockHeaders(ctx context.Context, fn HeaderFunc) error {
	l.mu.RLock()
	next := uint64(len(l.blocks))
	changed := l.changed
	l.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
		l.mu.RLock()
		pending := make([]Header, 0, uint64(len(l.blocks))-next)
		for ; next < uint64(len(l.blocks)); next++ {
			pending = append(pending, l.blocks[next].Header)
		}
		changed = l.changed
		l.mu.RUnlock()

		for _, h := range pending {
			if err := fn(h); err != nil {
				return stopErr(err)
			}
		}
	}
}

// ChainHead implements Gateway.
func (l *MemoryLedger) ChainHead(_ context.Context) (Header, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocks[len(l.blocks)-1].Header, nil
}

// Events implements Gateway.
func (l *MemoryLedger) Events(_ context.Context, blockHash string) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.blocks) - 1; i >= 0; i-- {
		if l.blocks[i].Hash == blockHash {
			return append([]Event(nil), l.blocks[i].Events...), nil
		}
	}
	return nil, fmt.Errorf("block %s: %w", blockHash, ErrNotFound)
}

// ComposeAndSubmit implements Gateway. The call executes atomically; a
// rejected call changes no state and seals no block.
func (l *MemoryLedger) ComposeAndSubmit(ctx context.Context, call Call, signer Signer) (*Receipt, error) {
	if signer == nil || signer.Address() == "" {
		return nil, &SubmissionError{Call: call, Err: errors.New("no signing identity")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SubmissionError{Call: call, Err: err}
	}
	origin := signer.Address()

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &memTx{base: l.storage, writes: map[string]*memValue{}}
	events, err := dispatch(ctx, tx, call, origin, l.now())
	if err != nil {
		return nil, &SubmissionError{Call: call, Err: err}
	}
	number := uint64(len(l.blocks))
	xt, err := hashExtrinsic(call, origin, number)
	if err != nil {
		return nil, &SubmissionError{Call: call, Err: err}
	}
	tx.commit()
	b := l.sealLocked([]string{xt}, events)
	return &Receipt{ExtrinsicHash: xt, BlockHash: b.Hash, BlockNumber: b.Number}, nil
}

// Len returns the number of blocks including genesis.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Verify walks the block chain and checks hash consistency.
func (l *MemoryLedger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i, curr := range l.blocks {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis block has wrong hash: got %q", curr.Hash)
			}
			continue
		}
		prev := l.blocks[i-1]
		if curr.ParentHash != prev.Hash {
			return fmt.Errorf("chain broken at block %d", curr.Number)
		}
		if curr.Hash != hashBlock(curr.Number, curr.ParentHash, curr.Timestamp, curr.Extrinsics) {
			return fmt.Errorf("block %d has invalid hash", curr.Number)
		}
	}
	return nil
}

func (l *MemoryLedger) sealLocked(extrinsics []string, events []Event) *block {
	prev := l.blocks[len(l.blocks)-1]
	b := &block{
		Header: Header{
			Number:     prev.Number + 1,
			ParentHash: prev.Hash,
			Timestamp:  l.now().UTC(),
		},
		Extrinsics: extrinsics,
		Events:     events,
	}
	b.Hash = hashBlock(b.Number, b.ParentHash, b.Timestamp, extrinsics)
	l.blocks = append(l.blocks, b)
	close(l.changed)
	l.changed = make(chan struct{})
	return b
}

// memTx buffers writes over the committed storage map. A nil entry in
// writes marks a deletion.
type memTx struct {
	base   map[string]memValue
	writes map[string]*memValue
}

func (t *memTx) get(_ context.Context, k storageKey) (json.RawMessage, error) {
	if w, ok := t.writes[k.String()]; ok {
		if w == nil {
			return nil, ErrNotFound
		}
		return w.value, nil
	}
	v, ok := t.base[k.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return v.value, nil
}

func (t *memTx) put(_ context.Context, k storageKey, v json.RawMessage) error {
	t.writes[k.String()] = &memValue{key: k, value: v}
	return nil
}

func (t *memTx) del(_ context.Context, k storageKey) error {
	t.writes[k.String()] = nil
	return nil
}

func (t *memTx) commit() {
	for s, w := range t.writes {
		if w == nil {
			delete(t.base, s)
			continue
		}
		t.base[s] = *w
	}
}

func stopErr(err error) error {
	if errors.Is(err, ErrStopSubscription) {
		return nil
	}
	return err
}

// KeyHasPrefix reports whether a QueryRange key begins with params.
func KeyHasPrefix(key json.RawMessage, params ...any) bool {
	var got []json.RawMessage
	if err := json.Unmarshal(key, &got); err != nil || len(got) < len(params) {
		return false
	}
	for i, p := range params {
		want, err := json.Marshal(p)
		if err != nil || strings.TrimSpace(string(got[i])) != string(want) {
			return false
		}
	}
	return true
}
