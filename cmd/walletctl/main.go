package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Aidin1998/walletledger/internal/config"
	"github.com/Aidin1998/walletledger/internal/server"
	"github.com/Aidin1998/walletledger/pkg/logger"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "walletctl",
		Short:         "Operator commands for the wallet ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default ./config.yaml)")

	open := func(cmd *cobra.Command) (*server.App, error) {
		_ = godotenv.Load()
		var (
			cfg *config.Config
			err error
		)
		if configPath != "" {
			cfg, err = config.LoadFile(configPath)
		} else {
			cfg, err = config.LoadConfig()
		}
		if err != nil {
			return nil, err
		}
		log, err := logger.New(cfg.LogLevel, cfg.LogEncoding)
		if err != nil {
			return nil, err
		}
		return server.Build(cmd.Context(), cfg, log)
	}

	root.AddCommand(reconcileCmd(open))
	root.AddCommand(auditCmd(open))
	root.AddCommand(resolvePendingCmd(open))
	root.AddCommand(sweepCmd(open))
	return root
}

type opener func(cmd *cobra.Command) (*server.App, error)

func withApp(open opener, fn func(ctx context.Context, app *server.App, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := open(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		return fn(cmd.Context(), app, cmd.OutOrStdout(), args)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reconcileCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [wallet-id]",
		Short: "Recompute one wallet's balance from its ledger and correct drift",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(open, func(ctx context.Context, app *server.App, out io.Writer, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid wallet id %q: %w", args[0], err)
			}
			report, err := app.Wallets.Reconcile(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(out, report)
		}),
	}
}

func auditCmd(open opener) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Reconcile every wallet and list the ones that drifted",
		RunE: withApp(open, func(ctx context.Context, app *server.App, out io.Writer, _ []string) error {
			drifted, checked, err := app.Wallets.ReconcileAll(ctx, batch)
			if err != nil {
				return err
			}
			return printJSON(out, map[string]any{"checked": checked, "drifted": drifted})
		}),
	}
	cmd.Flags().IntVarP(&batch, "batch", "b", 100, "Wallets per page")
	return cmd
}

func resolvePendingCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-pending",
		Short: "Run one reconciliation pass over pending gateway entries",
		RunE: withApp(open, func(ctx context.Context, app *server.App, out io.Writer, _ []string) error {
			report, err := app.Reconciliation.RunOnce(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, report)
		}),
	}
}

func sweepCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-idempotency",
		Short: "Delete expired idempotency records",
		RunE: withApp(open, func(ctx context.Context, app *server.App, out io.Writer, _ []string) error {
			n, err := app.Guard.Purge(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, map[string]int64{"purged": n})
		}),
	}
}
