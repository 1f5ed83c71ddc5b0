// Package launch sends Launch commands to other devices through the ledger.
package launch

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/twinguard/internal/keyring"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"go.uber.org/zap"
)

// Launcher submits Launch.launch calls as the signer.
type Launcher struct {
	gw     ledger.Gateway
	signer ledger.Signer
	logger *zap.Logger
}

// New creates a Launcher.
func New(gw ledger.Gateway, signer ledger.Signer, logger *zap.Logger) *Launcher {
	return &Launcher{gw: gw, signer: signer, logger: logger}
}

// Send asks target to turn on or off and waits for inclusion. target must be
// a valid SS58 address.
func (l *Launcher) Send(ctx context.Context, target string, on bool) (*ledger.Receipt, error) {
	if _, _, err := keyring.DecodeAddress(target); err != nil {
		return nil, fmt.Errorf("launch target %q: %w", target, err)
	}
	receipt, err := l.gw.ComposeAndSubmit(ctx, ledger.Call{
		Module:   "Launch",
		Function: "launch",
		Params:   map[string]any{"robot": target, "param": on},
	}, l.signer)
	if err != nil {
		return nil, err
	}
	l.logger.Info("launch sent",
		zap.String("target", target),
		zap.Bool("on", on),
		zap.String("tx_hash", receipt.ExtrinsicHash),
	)
	return receipt, nil
}
