package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/jmerrifield20/twinguard/internal/contentstore"
	"github.com/jmerrifield20/twinguard/internal/datalog"
	"github.com/jmerrifield20/twinguard/internal/income"
	"github.com/jmerrifield20/twinguard/internal/keyring"
	"github.com/jmerrifield20/twinguard/internal/ledger"
	"github.com/jmerrifield20/twinguard/internal/ledger/rpc"
	"github.com/jmerrifield20/twinguard/internal/twin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	devnetListen      string
	devnetPolicy      string
	devnetACLMnemonic string
	devnetEndow       string
)

var devnetCmd = &cobra.Command{
	Use:   "devnet",
	Short: "Run an in-memory ledger with a seeded digital twin",
	Long: `Devnet serves an in-memory ledger over the websocket RPC the daemon
speaks. It creates a digital twin owned by the device account with an "acl"
and a "device" topic, endows the device, and, with --policy, stores the
allow-list document and records it in the ACL account's datalog.

  twinctl devnet --policy configs/policy.example.yaml
  TWINGUARD_LEDGER_URL=ws://127.0.0.1:9944 twinguard`,
	Args: cobra.NoArgs,
	RunE: runDevnet,
}

func init() {
	devnetCmd.Flags().StringVar(&devnetListen, "listen", "127.0.0.1:9944", "address to serve the ledger RPC on")
	devnetCmd.Flags().StringVar(&devnetPolicy, "policy", "", "allow-list document to publish")
	devnetCmd.Flags().StringVar(&devnetACLMnemonic, "acl-mnemonic", "", "mnemonic of the ACL account (default: a fixed development key)")
	devnetCmd.Flags().StringVar(&devnetEndow, "endow", "100", "initial device balance in human units")
}

func runDevnet(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptible()
	defer stop()

	owner, err := devKey(cfg.Device.Mnemonic, "device", cfg.Device.SS58Prefix)
	if err != nil {
		return err
	}
	aclKey, err := devKey(devnetACLMnemonic, "acl", cfg.Device.SS58Prefix)
	if err != nil {
		return err
	}
	endow, err := income.ScaleUnits(devnetEndow, cfg.Income.Decimals)
	if err != nil {
		return fmt.Errorf("--endow: %w", err)
	}

	var policyCID string
	if devnetPolicy != "" {
		data, err := os.ReadFile(devnetPolicy)
		if err != nil {
			return err
		}
		store := contentstore.NewIPFSClient(contentstore.IPFSConfig{
			APIURL:  cfg.IPFS.APIURL,
			Timeout: cfg.IPFS.Timeout,
		}, logger)
		if policyCID, err = store.Store(ctx, data); err != nil {
			return fmt.Errorf("store policy: %w", err)
		}
	}

	l := ledger.NewMemory()
	seed := devnetSeed{Owner: owner, ACL: aclKey, PolicyCID: policyCID, Endow: endow}
	id, err := seed.apply(ctx, l, logger)
	if err != nil {
		return err
	}

	w := out(cmd)
	fmt.Fprintf(w, "ledger:       ws://%s\n", devnetListen)
	fmt.Fprintf(w, "registry id:  %d\n", id)
	fmt.Fprintf(w, "device:       %s\n", owner.Address())
	fmt.Fprintf(w, "acl account:  %s\n", aclKey.Address())
	if policyCID != "" {
		fmt.Fprintf(w, "policy:       %s\n", policyCID)
	}

	srv := &http.Server{
		Addr:              devnetListen,
		Handler:           rpc.NewBridge(l, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// devKey derives a keypair from mnemonic, or a fixed development key for
// role when mnemonic is empty.
func devKey(mnemonic, role string, prefix uint16) (*keyring.Keypair, error) {
	if mnemonic != "" {
		return keyring.FromMnemonic(mnemonic, "", prefix)
	}
	seed := sha256.Sum256([]byte("twinguard devnet " + role))
	return keyring.FromSeed(seed[:], prefix)
}

type devnetSeed struct {
	Owner     ledger.Signer
	ACL       ledger.Signer
	PolicyCID string
	Endow     *big.Int
}

// apply creates the twin and returns its registry id.
func (s devnetSeed) apply(ctx context.Context, l *ledger.MemoryLedger, logger *zap.Logger) (uint64, error) {
	var id uint64
	raw, err := l.Query(ctx, "DigitalTwin", "Total")
	switch {
	case errors.Is(err, ledger.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if err := json.Unmarshal(raw, &id); err != nil {
			return 0, fmt.Errorf("decode twin total: %w", err)
		}
	}

	calls := []ledger.Call{
		{Module: "DigitalTwin", Function: "create", Params: map[string]any{}},
		{Module: "DigitalTwin", Function: "set_source", Params: map[string]any{
			"id": id, "topic": twin.EncodeTopic("acl"), "source": s.ACL.Address(),
		}},
		{Module: "DigitalTwin", Function: "set_source", Params: map[string]any{
			"id": id, "topic": twin.EncodeTopic("device"), "source": s.Owner.Address(),
		}},
	}
	for _, call := range calls {
		if _, err := l.ComposeAndSubmit(ctx, call, s.Owner); err != nil {
			return 0, err
		}
	}

	if s.Endow != nil && s.Endow.Sign() > 0 {
		if err := l.Endow(s.Owner.Address(), s.Endow); err != nil {
			return 0, err
		}
	}
	if s.PolicyCID != "" {
		if _, err := datalog.NewWriter(l, s.ACL, logger).Record(ctx, s.PolicyCID); err != nil {
			return 0, err
		}
	}
	return id, nil
}
