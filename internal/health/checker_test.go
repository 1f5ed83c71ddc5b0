package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type flakyProbe struct {
	fail atomic.Bool
}

func (p *flakyProbe) check(context.Context) error {
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestHTTPProbe_success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := HTTPProbe(nil, srv.URL)(context.Background()); err != nil {
		t.Errorf("expected probe to succeed, got %v", err)
	}
}

func TestHTTPProbe_headRefusedFallsBackToGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := HTTPProbe(nil, srv.URL)(context.Background()); err != nil {
		t.Errorf("expected GET fallback to succeed, got %v", err)
	}
}

func TestHTTPProbe_failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := HTTPProbe(nil, srv.URL)(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Errorf("expected StatusError 500, got %v", err)
	}
}

func TestCheckAll_degradesAndRecovers(t *testing.T) {
	probe := &flakyProbe{}
	var failures atomic.Int32
	checker := New([]Probe{{Name: "ledger", Check: probe.check}}, Config{
		ProbeTimeout:  time.Second,
		FailThreshold: 3,
	}, zap.NewNop())
	checker.SetMetricsRecord(func(_ string, ok bool) {
		if !ok {
			failures.Add(1)
		}
	})

	if got := checker.Status()["ledger"].Status; got != StatusUnknown {
		t.Errorf("initial status = %q, want unknown", got)
	}

	checker.CheckAll(context.Background())
	if !checker.Healthy("ledger") {
		t.Fatal("expected healthy after successful probe")
	}

	probe.fail.Store(true)
	for i := 0; i < 3; i++ {
		checker.CheckAll(context.Background())
	}
	st := checker.Status()["ledger"]
	if st.Status != StatusDegraded || st.FailCount != 3 {
		t.Errorf("after 3 failures: %+v", st)
	}
	if st.LastError == "" {
		t.Error("expected LastError to be recorded")
	}
	if failures.Load() != 3 {
		t.Errorf("metrics recorded %d failures, want 3", failures.Load())
	}

	probe.fail.Store(false)
	checker.CheckAll(context.Background())
	if !checker.Healthy("ledger") {
		t.Error("expected recovery after a successful probe")
	}
}

func TestStart_stopsOnCancel(t *testing.T) {
	var calls atomic.Int32
	checker := New([]Probe{{Name: "ipfs", Check: func(context.Context) error {
		calls.Add(1)
		return nil
	}}}, Config{CheckInterval: 5 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if calls.Load() < 2 {
		t.Errorf("probe ran %d times, want at least 2", calls.Load())
	}
}
