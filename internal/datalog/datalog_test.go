package datalog_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmerrifield20/twinguard/internal/contentstore"
	"github.com/jmerrifield20/twinguard/internal/datalog"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"go.uber.org/zap"
)

var ctx = context.Background()

type origin string

func (o origin) Address() string     { return string(o) }
func (o origin) Sign(_ []byte) []byte { return nil }

// indexlessGateway hides the datalog index, like a chain that only exposes
// full scans.
type indexlessGateway struct {
	ledger.Gateway
}

func (g indexlessGateway) Query(ctx context.Context, module, item string, params ...any) (json.RawMessage, error) {
	if item == "DatalogIndex" {
		return nil, ledger.ErrUnsupported
	}
	return g.Gateway.Query(ctx, module, item, params...)
}

func writeAll(t *testing.T, l *ledger.MemoryLedger, who origin, payloads ...string) {
	t.Helper()
	w := datalog.NewWriter(l, who, zap.NewNop())
	for _, p := range payloads {
		if _, err := w.Record(ctx, p); err != nil {
			t.Fatalf("Record(%q): %v", p, err)
		}
	}
}

func TestLatest_returnsEndMinusOne(t *testing.T) {
	l := ledger.NewMemory()
	writeAll(t, l, "Addr1", "first", "second", "third")
	writeAll(t, l, "Addr2", "other")

	e, err := datalog.NewReader(l, zap.NewNop()).Latest(ctx, "Addr1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if e.Payload != "third" || e.Index != 2 {
		t.Errorf("got %+v, want payload third at index 2", e)
	}
}

func TestLatest_emptyLog(t *testing.T) {
	l := ledger.NewMemory()
	_, err := datalog.NewReader(l, zap.NewNop()).Latest(ctx, "Nobody")
	var nre *datalog.NoRecordError
	if !errors.As(err, &nre) {
		t.Fatalf("expected NoRecordError, got %v", err)
	}
	if nre.Address != "Nobody" {
		t.Errorf("Address = %q", nre.Address)
	}
}

func TestLatestPointer(t *testing.T) {
	cid := contentstore.ComputeCIDv0([]byte("allowed_ids: [Addr9]"))

	tests := []struct {
		name      string
		payloads  []string
		want      string
		malformed bool
	}{
		{"valid pointer", []string{"junk", cid}, cid, false},
		{"latest is not a cid", []string{cid, "hello"}, "", true},
		{"truncated cid", []string{cid[:20]}, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			l := ledger.NewMemory()
			writeAll(t, l, "Addr1", tc.payloads...)
			got, err := datalog.NewReader(l, zap.NewNop()).LatestPointer(ctx, "Addr1")
			if tc.malformed {
				var mpe *datalog.MalformedPointerError
				if !errors.As(err, &mpe) {
					t.Fatalf("expected MalformedPointerError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("LatestPointer: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLatest_fallsBackToScan(t *testing.T) {
	l := ledger.NewMemory()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	l.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	writeAll(t, l, "Addr1", "a", "b")
	writeAll(t, l, "Addr2", "zzz")
	writeAll(t, l, "Addr1", "c")

	r := datalog.NewReader(indexlessGateway{l}, zap.NewNop())
	e, err := r.Latest(ctx, "Addr1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if e.Payload != "c" {
		t.Errorf("got %q, want c", e.Payload)
	}

	_, err = r.Latest(ctx, "Addr3")
	var nre *datalog.NoRecordError
	if !errors.As(err, &nre) {
		t.Errorf("expected NoRecordError for unknown account, got %v", err)
	}
}

func TestWriter_rejectedSubmission(t *testing.T) {
	l := ledger.NewMemory()
	_, err := datalog.NewWriter(l, origin(""), zap.NewNop()).Record(ctx, "x")
	var se *ledger.SubmissionError
	if !errors.As(err, &se) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("rejected submission sealed a block: len=%d", l.Len())
	}
}
