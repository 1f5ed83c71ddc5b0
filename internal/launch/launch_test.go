package launch_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/jmerrifield20/twinguard/internal/keyring"
	"github.com/jmerrifield20/twinguard/internal/launch"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"go.uber.org/zap"
)

func keypair(t *testing.T, b byte) *keyring.Keypair {
	t.Helper()
	kp, err := keyring.FromSeed(bytes.Repeat([]byte{b}, 32), keyring.DefaultPrefix)
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	sender, robot := keypair(t, 1), keypair(t, 2)

	r, err := launch.New(l, sender, zap.NewNop()).Send(ctx, robot.Address(), true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	events, err := l.Events(ctx, r.BlockHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || !events[0].Is("Launch", "NewLaunch") {
		t.Fatalf("events = %+v", events)
	}
	target, _ := events[0].Address(1)
	if target != robot.Address() {
		t.Errorf("target = %q, want %q", target, robot.Address())
	}
	var on bool
	if err := json.Unmarshal(events[0].Params[2].Value, &on); err != nil || !on {
		t.Errorf("param = %s", events[0].Params[2].Value)
	}
}

func TestSend_rejectsInvalidTarget(t *testing.T) {
	l := ledger.NewMemory()
	_, err := launch.New(l, keypair(t, 1), zap.NewNop()).Send(context.Background(), "not-an-address", false)
	if err == nil {
		t.Fatal("expected error for invalid target")
	}
	if l.Len() != 1 {
		t.Error("invalid target must not be submitted")
	}
}
