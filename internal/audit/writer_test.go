package audit_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/twinguard/internal/audit"
	"github.com/jmerrifield20/twinguard/internal/contentstore"
	"github.com/jmerrifield20/twinguard/internal/datalog"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"github.com/jmerrifield20/twinguard/internal/twin"
	"go.uber.org/zap"
)

var ctx = context.Background()

type origin string

func (o origin) Address() string     { return string(o) }
func (o origin) Sign(_ []byte) []byte { return nil }

// ── Stubs ────────────────────────────────────────────────────────────────

type stubStore struct {
	cid    string
	err    error
	stored atomic.Int32
}

func (s *stubStore) Fetch(context.Context, string) ([]byte, error) { return nil, contentstore.ErrNotFound }

func (s *stubStore) Store(context.Context, []byte) (string, error) {
	s.stored.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return s.cid, nil
}

type stubPinner struct {
	cid string
	err error
}

func (p stubPinner) Pin(context.Context, string, []byte) (string, error) { return p.cid, p.err }

// countingGateway counts submissions and can answer with a fixed receipt.
type countingGateway struct {
	ledger.Gateway
	submits atomic.Int32
	receipt *ledger.Receipt
	lastArg atomic.Value
}

func (g *countingGateway) ComposeAndSubmit(ctx context.Context, call ledger.Call, signer ledger.Signer) (*ledger.Receipt, error) {
	g.submits.Add(1)
	g.lastArg.Store(call.Params["record"])
	if g.receipt != nil {
		return g.receipt, nil
	}
	return g.Gateway.ComposeAndSubmit(ctx, call, signer)
}

func newLedger(t *testing.T, device string) *ledger.MemoryLedger {
	t.Helper()
	l := ledger.NewMemory()
	err := l.Put("DigitalTwin", "DigitalTwin", [][2]string{
		{twin.EncodeTopic("acl"), "Addr1"},
		{twin.EncodeTopic("device"), device},
	}, uint64(0))
	if err != nil {
		t.Fatal(err)
	}
	return l
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestLogAction_brew(t *testing.T) {
	gw := &countingGateway{Gateway: newLedger(t, "Dev"), receipt: &ledger.Receipt{ExtrinsicHash: "0xdead", BlockNumber: 9}}
	store := &stubStore{cid: "QmXYZ"}
	w := audit.NewWriter(ctx, audit.Config{}, gw, store, nil, origin("Dev"), zap.NewNop())

	res, err := w.LogAction(ctx, "brew", "ok")
	if err != nil {
		t.Fatalf("LogAction: %v", err)
	}
	if res.TxHash != "0xdead" {
		t.Errorf("TxHash = %q, want 0xdead", res.TxHash)
	}
	if res.CID != "QmXYZ" {
		t.Errorf("CID = %q, want QmXYZ", res.CID)
	}
	if got := gw.lastArg.Load(); got != "QmXYZ" {
		t.Errorf("anchored %v, want QmXYZ", got)
	}
}

func TestLogAction_storeFailureNeverSubmits(t *testing.T) {
	tests := []struct {
		name   string
		store  *stubStore
		pinner contentstore.Pinner
	}{
		{"store error", &stubStore{err: &contentstore.StoreError{Err: errors.New("connection refused")}}, nil},
		{"empty identifier", &stubStore{}, nil},
		{"store and pin fail", &stubStore{err: &contentstore.StoreError{Err: errors.New("down")}}, stubPinner{err: errors.New("401")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw := &countingGateway{Gateway: newLedger(t, "Dev")}
			w := audit.NewWriter(ctx, audit.Config{}, gw, tc.store, tc.pinner, origin("Dev"), zap.NewNop())

			res, err := w.LogAction(ctx, "brew", "ok")
			if res != nil || err == nil {
				t.Fatalf("expected failure, got %+v, %v", res, err)
			}
			var se *contentstore.StoreError
			if !errors.As(err, &se) {
				t.Errorf("expected StoreError, got %v", err)
			}
			if n := gw.submits.Load(); n != 0 {
				t.Errorf("submitted %d ledger writes, want 0", n)
			}
		})
	}
}

func TestLogAction_pinnedIdentifierStandsIn(t *testing.T) {
	gw := &countingGateway{Gateway: newLedger(t, "Dev")}
	store := &stubStore{err: &contentstore.StoreError{Err: errors.New("down")}}
	w := audit.NewWriter(ctx, audit.Config{}, gw, store, stubPinner{cid: "QmPinned"}, origin("Dev"), zap.NewNop())

	res, err := w.LogAction(ctx, "open", "done")
	if err != nil {
		t.Fatalf("LogAction: %v", err)
	}
	if res.CID != "QmPinned" {
		t.Errorf("CID = %q, want QmPinned", res.CID)
	}
}

func TestLogAction_localIdentifierPreferred(t *testing.T) {
	gw := &countingGateway{Gateway: newLedger(t, "Dev")}
	w := audit.NewWriter(ctx, audit.Config{}, gw, &stubStore{cid: "QmLocal"}, stubPinner{cid: "QmOther"}, origin("Dev"), zap.NewNop())

	res, err := w.LogAction(ctx, "open", "done")
	if err != nil {
		t.Fatalf("LogAction: %v", err)
	}
	if res.CID != "QmLocal" {
		t.Errorf("CID = %q, want QmLocal", res.CID)
	}
}

func TestLogAction_anchorsInDatalog(t *testing.T) {
	l := newLedger(t, "Dev")
	store := contentstore.NewMemoryStore()
	w := audit.NewWriter(ctx, audit.Config{}, l, store, nil, origin("Dev"), zap.NewNop())

	res, err := w.LogAction(ctx, "brew", "ok")
	if err != nil {
		t.Fatalf("LogAction: %v", err)
	}

	cid, err := datalog.NewReader(l, zap.NewNop()).LatestPointer(ctx, "Dev")
	if err != nil {
		t.Fatalf("LatestPointer: %v", err)
	}
	if cid != res.CID {
		t.Errorf("datalog points at %q, want %q", cid, res.CID)
	}
	data, err := store.Fetch(ctx, cid)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	rec, err := audit.ParseRecord(data, time.Local)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if rec.Action != "brew" || rec.Status != "ok" {
		t.Errorf("stored record = %+v", rec)
	}
}

func TestLogAction_submissionFailure(t *testing.T) {
	l := newLedger(t, "Dev")
	w := audit.NewWriter(ctx, audit.Config{}, l, contentstore.NewMemoryStore(), nil, origin(""), zap.NewNop())

	_, err := w.LogAction(ctx, "brew", "ok")
	var se *ledger.SubmissionError
	if !errors.As(err, &se) {
		t.Errorf("expected SubmissionError, got %v", err)
	}
}

func TestCheckDeviceIdentity(t *testing.T) {
	tests := []struct {
		name   string
		gw     ledger.Gateway
		signer string
		want   bool
	}{
		{"match", newLedger(t, "Dev"), "Dev", true},
		{"mismatch", newLedger(t, "Dev"), "Other", false},
		{"no twin", ledger.NewMemory(), "Dev", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := audit.NewWriter(ctx, audit.Config{}, tc.gw, contentstore.NewMemoryStore(), nil, origin(tc.signer), zap.NewNop())
			if got := w.CheckDeviceIdentity(ctx); got != tc.want {
				t.Errorf("CheckDeviceIdentity = %v, want %v", got, tc.want)
			}
		})
	}
}
