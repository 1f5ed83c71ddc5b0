package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jmerrifield20/twinguard/internal/audit"
	"github.com/jmerrifield20/twinguard/internal/datalog"
	"github.com/jmerrifield20/twinguard/internal/income"
	"github.com/jmerrifield20/twinguard/internal/launch"
	"github.com/jmerrifield20/twinguard/internal/policy"
	"github.com/jmerrifield20/twinguard/internal/twin"
	"github.com/spf13/cobra"
)

// ── resolve ──────────────────────────────────────────────────────────────────

var resolveAll bool

var resolveCmd = &cobra.Command{
	Use:   "resolve [topic]",
	Short: "Resolve a topic of the configured digital twin to an address",
	Long: `Resolve looks the topic up in twin.registry_id's topic table.

  twinctl resolve acl
  twinctl resolve --all`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := openDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		r := twin.NewResolver(d.Gateway, logger)

		if resolveAll || len(args) == 0 {
			pairs, err := r.Table(ctx, cfg.Twin.RegistryID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out(cmd), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOPIC\tADDRESS")
			for _, p := range pairs {
				fmt.Fprintf(w, "%s\t%s\n", p.Topic, p.Address)
			}
			return w.Flush()
		}
		addr, err := r.Resolve(ctx, cfg.Twin.RegistryID, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out(cmd), addr)
		return nil
	},
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveAll, "all", false, "print the whole topic table")
}

// ── pointer ──────────────────────────────────────────────────────────────────

var pointerRaw bool

var pointerCmd = &cobra.Command{
	Use:   "pointer <address>",
	Short: "Print the latest datalog pointer of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := openDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		r := datalog.NewReader(d.Gateway, logger)

		if pointerRaw {
			entry, err := r.Latest(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out(cmd))
			enc.SetIndent("", "  ")
			return enc.Encode(entry)
		}
		cid, err := r.LatestPointer(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out(cmd), cid)
		return nil
	},
}

func init() {
	pointerCmd.Flags().BoolVar(&pointerRaw, "raw", false, "print the whole entry without validating the payload")
}

// ── fetch ────────────────────────────────────────────────────────────────────

var fetchCmd = &cobra.Command{
	Use:   "fetch <cid>",
	Short: "Fetch a document from the content store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := openDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		data, err := d.Store.Fetch(ctx, args[0])
		if err != nil {
			return err
		}
		_, err = out(cmd).Write(data)
		return err
	},
}

// ── check ────────────────────────────────────────────────────────────────────

var checkCmd = &cobra.Command{
	Use:   "check <identity>",
	Short: "Load the allow-list and check one identity",
	Long: `Check loads the allow-list the way the daemon does and reports whether
identity is on it. It exits non-zero when the identity is denied.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := openDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		acl, err := policy.New(ctx, policy.Config{
			RegistryID: cfg.Twin.RegistryID,
			Topic:      cfg.Twin.ACLTopic,
			ListKey:    cfg.ACL.ListKey,
		}, d.Gateway, d.Store, logger)
		if err != nil {
			return err
		}
		snap := acl.Snapshot()
		if !acl.IsAllowed(args[0]) {
			fmt.Fprintf(out(cmd), "denied (policy %s, %d entries)\n", snap.CID, snap.Len())
			return errDenied
		}
		fmt.Fprintf(out(cmd), "allowed (policy %s, %d entries)\n", snap.CID, snap.Len())
		return nil
	},
}

// ── log-action ───────────────────────────────────────────────────────────────

var logActionCmd = &cobra.Command{
	Use:   "log-action <action> <status>",
	Short: "Store an audit record and anchor it in the device datalog",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := openDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		kp, err := signer(d)
		if err != nil {
			return err
		}
		w := audit.NewWriter(ctx, audit.Config{
			RegistryID:  cfg.Twin.RegistryID,
			DeviceTopic: cfg.Twin.DeviceTopic,
		}, d.Gateway, d.Store, d.Pinner, kp, logger)
		res, err := w.LogAction(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "cid:     %s\ntx:      %s\nblock:   #%d %s\n", res.CID, res.TxHash, res.BlockNumber, res.BlockHash)
		return nil
	},
}

// ── record ───────────────────────────────────────────────────────────────────

var recordFile string

var recordCmd = &cobra.Command{
	Use:   "record [payload]",
	Short: "Write a payload to the signer's datalog",
	Long: `Record writes payload, or the content identifier of --file after
storing it, to the signing account's datalog. Publishing a new allow-list:

  twinctl record --mnemonic "$ACL_MNEMONIC" --file policy.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (recordFile == "") == (len(args) == 0) {
			return fmt.Errorf("pass either a payload or --file")
		}
		ctx := context.Background()
		d, err := openDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		kp, err := signer(d)
		if err != nil {
			return err
		}

		payload := ""
		if len(args) == 1 {
			payload = args[0]
		} else {
			data, err := os.ReadFile(recordFile)
			if err != nil {
				return err
			}
			if payload, err = d.Store.Store(ctx, data); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "stored:  %s\n", payload)
		}
		rcpt, err := datalog.NewWriter(d.Gateway, kp, logger).Record(ctx, payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "tx:      %s\nblock:   #%d %s\n", rcpt.ExtrinsicHash, rcpt.BlockNumber, rcpt.BlockHash)
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordFile, "file", "", "store this file and record its content identifier")
}

// ── launch ───────────────────────────────────────────────────────────────────

var launchOff bool

var launchCmd = &cobra.Command{
	Use:   "launch <target-address>",
	Short: "Send a launch command to another device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		d, err := openDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()
		kp, err := signer(d)
		if err != nil {
			return err
		}
		rcpt, err := launch.New(d.Gateway, kp, logger).Send(ctx, args[0], !launchOff)
		if err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "tx:      %s\nblock:   #%d %s\n", rcpt.ExtrinsicHash, rcpt.BlockNumber, rcpt.BlockHash)
		return nil
	},
}

func init() {
	launchCmd.Flags().BoolVar(&launchOff, "off", false, "send param=false")
}

// ── incomes ──────────────────────────────────────────────────────────────────

var incomesThreshold string

var incomesCmd = &cobra.Command{
	Use:   "incomes",
	Short: "Print qualifying transfers to the device account until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptible()
		defer stop()
		d, err := openDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		address, err := twin.NewResolver(d.Gateway, logger).Resolve(ctx, cfg.Twin.RegistryID, cfg.Twin.DeviceTopic)
		if err != nil {
			return err
		}
		human := cfg.Income.Threshold
		if incomesThreshold != "" {
			human = incomesThreshold
		}
		threshold, err := income.ScaleUnits(human, cfg.Income.Decimals)
		if err != nil {
			return err
		}
		w := income.NewWatcher(d.Gateway, income.Config{
			Address:   address,
			Threshold: threshold,
			Decimals:  cfg.Income.Decimals,
		}, logger)

		fmt.Fprintf(out(cmd), "watching %s for transfers of at least %s\n", address, human)
		errCh := make(chan error, 1)
		go func() { errCh <- w.Run(ctx) }()
		for {
			select {
			case err := <-errCh:
				return err
			case in := <-w.Signal().C():
				printIncome(cmd, in, cfg.Income.Decimals)
			}
		}
	},
}

func init() {
	incomesCmd.Flags().StringVar(&incomesThreshold, "threshold", "", "override income.threshold (human units)")
}

func printIncome(cmd *cobra.Command, in income.Income, decimals int) {
	fmt.Fprintf(out(cmd), "#%d  %s  from %s\n", in.BlockNumber, income.FormatUnits(in.Amount, decimals), in.From)
}
