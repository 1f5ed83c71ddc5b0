package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmerrifield20/twinguard/internal/config"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.FromViper(config.New(""))
	cfg.Ledger.Driver = config.DriverMemory
	return cfg
}

func TestOpen_memoryLedgerWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ipfs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Version":"0.29.0"}`))
	}))
	defer ipfs.Close()

	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	cfg.IPFS.APIURL = ipfs.URL

	d, err := Open(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if d.Gateway == nil || d.Store == nil || d.Cached == nil {
		t.Fatalf("deps not populated: %+v", d)
	}
	if d.Pinner != nil || d.PinningProbe() != nil {
		t.Error("pinning should be disabled by default")
	}
	for _, p := range d.Probes() {
		if err := p.Check(context.Background()); err != nil {
			t.Errorf("probe %s: %v", p.Name, err)
		}
	}
}

func TestOpen_pinningRequiresCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pinning.Enabled = true
	if _, err := Open(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Error("expected error for pinning without credentials")
	}

	cfg.Pinning.JWT = "token"
	d, err := Open(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()
	if d.Pinner == nil || d.PinningProbe() == nil {
		t.Error("pinner not configured")
	}
}

func TestSigner(t *testing.T) {
	cfg := testConfig(t)
	d, err := Open(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if _, err := d.Signer(); err != ErrNoMnemonic {
		t.Errorf("err = %v, want ErrNoMnemonic", err)
	}

	d.cfg.Device.Mnemonic = "bottom drive obey lake curtain smoke basket hold race lonely fit walk"
	a, err := d.Signer()
	if err != nil {
		t.Fatalf("Signer: %v", err)
	}
	b, _ := d.Signer()
	if a != b {
		t.Error("signer should be cached")
	}
}
