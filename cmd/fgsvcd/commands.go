package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fgsvc/internal/app"
	"fgsvc/internal/config"
	"fgsvc/internal/platform"
)

const shutdownTimeout = 20 * time.Second

func newRootCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "fgsvcd",
		Short:         "fgsvcd - foreground service daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")

	cmd.AddCommand(
		newRunCommand(&cfgPath),
		newValidateCommand(&cfgPath),
		newVendorCommand(&cfgPath),
	)
	return cmd
}

func newRunCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *cfgPath)
		},
	}
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func newValidateCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.NewConfigManager(*cfgPath).Load(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok:", *cfgPath)
			return nil
		},
	}
}

func newVendorCommand(cfgPath *string) *cobra.Command {
	var override string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "vendor",
		Short: "Show the detected vendor and its power settings target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if override == "" {
				// The config is optional here.
				if cfg, err := config.NewConfigManager(*cfgPath).Load(); err == nil {
					override = cfg.Platform.Vendor
				}
			}
			info, err := platform.Detect(cmd.Context(), override, nil)
			if err != nil {
				return err
			}
			target, known := platform.SettingsTarget(info.Vendor)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					platform.Info
					Target platform.Target `json:"target"`
					Known  bool            `json:"known"`
				}{info, target, known})
			}
			fmt.Fprintf(out, "vendor: %s\ntarget: %s\n", info.Vendor, target)
			if !known {
				fmt.Fprintln(out, "(fallback)")
			}
			if target.Hint != "" {
				fmt.Fprintln(out, target.Hint)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&override, "as", "", "vendor override")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}
