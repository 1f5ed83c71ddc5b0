package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/twinguard/internal/ledger"
)

var ctx = context.Background()

type origin string

func (o origin) Address() string     { return string(o) }
func (o origin) Sign(_ []byte) []byte { return nil }

func record(t *testing.T, l *ledger.MemoryLedger, who origin, payload string) *ledger.Receipt {
	t.Helper()
	r, err := l.ComposeAndSubmit(ctx, ledger.Call{
		Module:   "Datalog",
		Function: "record",
		Params:   map[string]any{"record": payload},
	}, who)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	return r
}

func TestNew_genesisBlock(t *testing.T) {
	l := ledger.NewMemory()

	if l.Len() != 1 {
		t.Errorf("expected 1 genesis block, got %d", l.Len())
	}
	head, err := l.ChainHead(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if head.Hash != ledger.GenesisHash {
		t.Errorf("genesis hash: got %q, want GenesisHash", head.Hash)
	}
}

func TestRecord_appendsDatalog(t *testing.T) {
	l := ledger.NewMemory()
	record(t, l, "Addr1", "QmFirst")
	r := record(t, l, "Addr1", "QmSecond")

	raw, err := l.Query(ctx, "Datalog", "DatalogIndex", "Addr1")
	if err != nil {
		t.Fatal(err)
	}
	var idx ledger.DatalogIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		t.Fatal(err)
	}
	if idx.Start != 0 || idx.End != 2 {
		t.Errorf("index: got %+v, want {0 2}", idx)
	}

	raw, err = l.Query(ctx, "Datalog", "DatalogItem", "Addr1", idx.End-1)
	if err != nil {
		t.Fatal(err)
	}
	var item ledger.DatalogItem
	if err := json.Unmarshal(raw, &item); err != nil {
		t.Fatal(err)
	}
	if item.Payload != "QmSecond" {
		t.Errorf("latest payload: got %q", item.Payload)
	}

	events, err := l.Events(ctx, r.BlockHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || !events[0].Is("Datalog", "NewRecord") {
		t.Fatalf("events: got %+v", events)
	}
	who, err := events[0].Address(0)
	if err != nil || who != "Addr1" {
		t.Errorf("NewRecord sender: got %q, %v", who, err)
	}
}

func TestQuery_notFound(t *testing.T) {
	l := ledger.NewMemory()
	_, err := l.Query(ctx, "Datalog", "DatalogIndex", "nobody")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryRange_returnsAllItems(t *testing.T) {
	l := ledger.NewMemory()
	record(t, l, "Addr1", "a")
	record(t, l, "Addr2", "b")
	record(t, l, "Addr1", "c")

	kvs, err := l.QueryRange(ctx, "Datalog", "DatalogItem")
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 3 {
		t.Fatalf("expected 3 items, got %d", len(kvs))
	}
	n := 0
	for _, kv := range kvs {
		if ledger.KeyHasPrefix(kv.Key, "Addr1") {
			n++
		}
	}
	if n != 2 {
		t.Errorf("Addr1 items: got %d, want 2", n)
	}
}

func TestSubmit_rejectedCallChangesNothing(t *testing.T) {
	l := ledger.NewMemory()
	_, err := l.ComposeAndSubmit(ctx, ledger.Call{
		Module:   "Balances",
		Function: "transfer",
		Params:   map[string]any{"dest": "Addr2", "value": "10"},
	}, origin("Addr1"))

	var subErr *ledger.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("rejected call sealed a block: len=%d", l.Len())
	}
}

func TestTransfer_emitsEvent(t *testing.T) {
	l := ledger.NewMemory()
	if err := l.Endow("Addr1", big.NewInt(5000)); err != nil {
		t.Fatal(err)
	}
	r, err := l.ComposeAndSubmit(ctx, ledger.Call{
		Module:   "Balances",
		Function: "transfer",
		Params:   map[string]any{"dest": "Addr2", "value": "1200"},
	}, origin("Addr1"))
	if err != nil {
		t.Fatal(err)
	}
	events, _ := l.Events(ctx, r.BlockHash)
	if len(events) != 1 || !events[0].Is("Balances", "Transfer") {
		t.Fatalf("events: %+v", events)
	}
	amt, err := events[0].Amount(2)
	if err != nil {
		t.Fatal(err)
	}
	if amt.Int64() != 1200 {
		t.Errorf("amount: got %s", amt)
	}
}

func TestSetSource_requiresOwner(t *testing.T) {
	l := ledger.NewMemory()
	if _, err := l.ComposeAndSubmit(ctx, ledger.Call{Module: "DigitalTwin", Function: "create"}, origin("Owner")); err != nil {
		t.Fatal(err)
	}
	call := ledger.Call{
		Module:   "DigitalTwin",
		Function: "set_source",
		Params:   map[string]any{"id": 0, "topic": "0x61636c", "source": "Addr1"},
	}
	if _, err := l.ComposeAndSubmit(ctx, call, origin("Intruder")); err == nil {
		t.Error("expected set_source by non-owner to fail")
	}
	if _, err := l.ComposeAndSubmit(ctx, call, origin("Owner")); err != nil {
		t.Fatal(err)
	}
	raw, err := l.Query(ctx, "DigitalTwin", "DigitalTwin", 0)
	if err != nil {
		t.Fatal(err)
	}
	var table [][2]string
	if err := json.Unmarshal(raw, &table); err != nil {
		t.Fatal(err)
	}
	if len(table) != 1 || table[0][1] != "Addr1" {
		t.Errorf("table: got %v", table)
	}
}

func TestSubscribe_initialThenUpdates(t *testing.T) {
	l := ledger.NewMemory()
	subCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	var seen []uint64
	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		done <- l.Subscribe(subCtx, "Datalog", "DatalogIndex", []any{"Addr1"}, func(_ json.RawMessage, nr uint64) error {
			mu.Lock()
			seen = append(seen, nr)
			n := len(seen)
			mu.Unlock()
			if nr == 0 {
				close(ready)
			}
			if n == 2 {
				return ledger.ErrStopSubscription
			}
			return nil
		})
	}()

	<-ready
	record(t, l, "Addr2", "unrelated")
	record(t, l, "Addr1", "QmNew")

	if err := <-done; err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
		t.Errorf("update numbers: got %v, want [0 1]", seen)
	}
}

func TestSubscribeBlockHeaders_deliversEveryBlock(t *testing.T) {
	l := ledger.NewMemory()
	subCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	got := make(chan uint64, 8)
	done := make(chan error, 1)
	go func() {
		done <- l.SubscribeBlockHeaders(subCtx, func(h ledger.Header) error {
			got <- h.Number
			if h.Number == 3 {
				return ledger.ErrStopSubscription
			}
			return nil
		})
	}()

	// Give the subscriber a moment to register before sealing blocks.
	time.Sleep(20 * time.Millisecond)
	record(t, l, "A", "1")
	record(t, l, "A", "2")
	record(t, l, "A", "3")

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	close(got)
	var numbers []uint64
	for n := range got {
		numbers = append(numbers, n)
	}
	if len(numbers) != 3 || numbers[0] != 1 || numbers[2] != 3 {
		t.Errorf("headers: got %v, want [1 2 3]", numbers)
	}
}

func TestVerify_valid(t *testing.T) {
	l := ledger.NewMemory()
	record(t, l, "A", "1")
	record(t, l, "B", "2")

	if err := l.Verify(); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}
}

func TestDatalogWindow_prunesOldItems(t *testing.T) {
	l := ledger.NewMemory()
	for i := 0; i < ledger.DatalogWindow+2; i++ {
		record(t, l, "A", "x")
	}
	raw, _ := l.Query(ctx, "Datalog", "DatalogIndex", "A")
	var idx ledger.DatalogIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		t.Fatal(err)
	}
	if idx.End-idx.Start != ledger.DatalogWindow {
		t.Errorf("window: got %d items", idx.End-idx.Start)
	}
	if _, err := l.Query(ctx, "Datalog", "DatalogItem", "A", 0); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("item 0 should be pruned, got %v", err)
	}
}
