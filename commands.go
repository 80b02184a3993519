package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"voucher-service/config"
	"voucher-service/logging"
	"voucher-service/voucher"
)

// cliConfig loads configuration and a stdout-only logger for one-shot commands.
func cliConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := logging.InitLogger(cfg.ServiceName, ""); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables and seed the default packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cliConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()

			if _, err := openDatabase(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Printf("Database ready (%s)\n", cfg.DBDriver)
			return nil
		},
	}
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-vouchers",
		Short: "Mark active vouchers past their expiry as expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cliConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()

			a, err := newApp(cmd.Context(), cfg, otel.Tracer(cfg.ServiceName))
			if err != nil {
				return err
			}
			n, err := voucher.Expire(cmd.Context(), a.store, time.Now())
			if err != nil {
				return fmt.Errorf("failed to expire vouchers: %w", err)
			}
			fmt.Printf("Expired %d voucher(s)\n", n)
			return nil
		},
	}
}

func resendCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "resend-voucher [transaction-id]",
		Short: "Send the voucher SMS for a completed payment again",
		Long: `Re-deliver the voucher for a completed payment through the SMS
provider chain. A completed payment without a voucher gets one issued
first. The attempt is recorded in the notification log.

Examples:
  voucher-service resend-voucher MYQL-6f1c2a8e-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cliConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := newApp(ctx, cfg, otel.Tracer(cfg.ServiceName))
			if err != nil {
				return err
			}
			res, err := a.payments.ResendVoucher(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Outcome:  %s\n", res.Outcome)
			if res.ProviderUsed != "" {
				fmt.Printf("Provider: %s (fallback: %t)\n", res.ProviderUsed, res.FallbackUsed)
			}
			if len(res.Errors) > 0 {
				var failed []string
				for _, e := range res.Errors {
					failed = append(failed, e.Provider+": "+e.Error)
				}
				fmt.Printf("Errors:\n  %s\n", strings.Join(failed, "\n  "))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline for the resend")

	return cmd
}
