package income_test

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/jmerrifield20/twinguard/internal/income"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"go.uber.org/zap"
)

var ctx = context.Background()

type origin string

func (o origin) Address() string     { return string(o) }
func (o origin) Sign(_ []byte) []byte { return nil }

const device = "Device"

func transfer(t *testing.T, l *ledger.MemoryLedger, from origin, to string, amount int64) ledger.Header {
	t.Helper()
	r, err := l.ComposeAndSubmit(ctx, ledger.Call{
		Module:   "Balances",
		Function: "transfer",
		Params:   map[string]any{"dest": to, "value": big.NewInt(amount).String()},
	}, from)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	return ledger.Header{Number: r.BlockNumber, Hash: r.BlockHash}
}

func funded(t *testing.T) *ledger.MemoryLedger {
	t.Helper()
	l := ledger.NewMemory()
	if err := l.Endow("Payer", big.NewInt(1_000_000)); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestHandleBlock_threshold(t *testing.T) {
	l := funded(t)
	w := income.NewWatcher(l, income.Config{Address: device, Threshold: big.NewInt(1000)}, zap.NewNop())

	w.HandleBlock(ctx, transfer(t, l, "Payer", device, 999))
	if _, ok := w.Signal().Take(); ok {
		t.Fatal("transfer of threshold-1 must not signal")
	}

	w.HandleBlock(ctx, transfer(t, l, "Payer", device, 1000))
	in, ok := w.Signal().Take()
	if !ok {
		t.Fatal("transfer equal to threshold must signal")
	}
	if in.From != "Payer" || in.Amount.Int64() != 1000 {
		t.Errorf("income = %+v", in)
	}
}

func TestHandleBlock_ignoresOtherDestinations(t *testing.T) {
	l := funded(t)
	w := income.NewWatcher(l, income.Config{Address: device, Threshold: big.NewInt(1)}, zap.NewNop())

	w.HandleBlock(ctx, transfer(t, l, "Payer", "Someone", 5000))
	if _, ok := w.Signal().Take(); ok {
		t.Error("transfer to another account must not signal")
	}
}

// eventGateway serves a fixed event list for any block.
type eventGateway struct {
	ledger.Gateway
	events []ledger.Event
}

func (g eventGateway) Events(context.Context, string) ([]ledger.Event, error) { return g.events, nil }

func str(s string) json.RawMessage { b, _ := json.Marshal(s); return b }

func TestHandleBlock_malformedEventSkipped(t *testing.T) {
	gw := eventGateway{events: []ledger.Event{
		{Module: "Balances", Name: "Transfer", Params: []ledger.EventParam{
			{Type: "AccountId", Value: str("Payer")},
			{Type: "AccountId", Value: str(device)},
			{Type: "Balance", Value: str("not-a-number")},
		}},
		{Module: "Balances", Name: "Transfer", Params: []ledger.EventParam{
			{Type: "AccountId", Value: str("Payer")},
		}},
		{Module: "Balances", Name: "Transfer", Params: []ledger.EventParam{
			{Type: "AccountId", Value: str("Second")},
			{Type: "AccountId", Value: str(device)},
			{Type: "Balance", Value: str("2000")},
		}},
	}}
	w := income.NewWatcher(gw, income.Config{Address: device, Threshold: big.NewInt(1000)}, zap.NewNop())

	w.HandleBlock(ctx, ledger.Header{Number: 4, Hash: "0xabc"})
	in, ok := w.Signal().Take()
	if !ok || in.From != "Second" {
		t.Errorf("expected the valid transfer to signal, got %+v, %v", in, ok)
	}
	if in.BlockNumber != 4 || in.BlockHash != "0xabc" {
		t.Errorf("block info = %d %s", in.BlockNumber, in.BlockHash)
	}
}

func TestRun_signalsFromSubscription(t *testing.T) {
	l := funded(t)
	w := income.NewWatcher(l, income.Config{Address: device, Threshold: big.NewInt(100)}, zap.NewNop())

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(rctx) }()

	// The subscription only sees blocks sealed after it starts, so keep
	// paying until one is observed.
	deadline := time.Now().Add(2 * time.Second)
	var got income.Income
	for received := false; !received; {
		if time.Now().After(deadline) {
			t.Fatal("no income signalled")
		}
		transfer(t, l, "Payer", device, 100)
		select {
		case got = <-w.Signal().C():
			received = true
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got.Amount.Int64() != 100 {
		t.Errorf("amount = %s", got.Amount)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v after cancel", err)
	}
}
