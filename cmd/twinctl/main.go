// Command twinctl is the operator CLI: it inspects twins, datalogs and the
// allow-list, writes records and runs a local development ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmerrifield20/twinguard/internal/app"
	"github.com/jmerrifield20/twinguard/internal/config"
	"github.com/jmerrifield20/twinguard/internal/keyring"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile  string
	mnemonic string
	cfg      *config.Config
	logger   = zap.NewNop()
)

var errDenied = errors.New("identity is not on the allow-list")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "twinctl",
	Short: "twinguard operator CLI",
	Long: `twinctl inspects and drives a twinguard deployment.

It reads the same twinguard.yaml and TWINGUARD_* environment variables as
the daemon, so every command talks to the ledger and content store the
daemon uses.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		v := config.New(cfgFile)
		loaded, err := config.Load(v, zap.NewNop())
		if err != nil {
			return err
		}
		if mnemonic != "" {
			loaded.Device.Mnemonic = mnemonic
		}
		cfg = loaded
		l, err := config.NewLogger(cfg.Log)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: twinguard.yaml in ./configs or .)")
	rootCmd.PersistentFlags().StringVar(&mnemonic, "mnemonic", "", "sign as this mnemonic instead of device.mnemonic")

	rootCmd.AddCommand(resolveCmd, pointerCmd, fetchCmd, checkCmd, logActionCmd,
		recordCmd, launchCmd, incomesCmd, devnetCmd, versionCmd)
}

// openDeps opens the configured backends; the caller closes them.
func openDeps(ctx context.Context) (*app.Deps, error) {
	return app.Open(ctx, cfg, logger)
}

func signer(d *app.Deps) (*keyring.Keypair, error) {
	kp, err := d.Signer()
	if errors.Is(err, app.ErrNoMnemonic) {
		return nil, fmt.Errorf("%w (set it in the config or pass --mnemonic)", err)
	}
	return kp, err
}

// interruptible returns a context cancelled on SIGINT or SIGTERM.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the twinctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(out(cmd), "twinctl %s\n", version)
	},
}
