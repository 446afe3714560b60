package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nadmax/clipmill/internal/ledger"
	"github.com/spf13/cobra"
)

func newCreditsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant user credits",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <user>",
		Short: "Print a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, done, err := a.openLedger(cmd)
			if err != nil {
				return err
			}
			defer done()

			balance, err := l.Balance(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to read balance for %s: %w", args[0], err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", args[0], balance)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "grant <user> <amount>",
		Short: "Add credits to a user, creating the user if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.Atoi(args[1])
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}

			l, done, err := a.openLedger(cmd)
			if err != nil {
				return err
			}
			defer done()

			if err := l.Credit(cmd.Context(), args[0], amount); err != nil {
				return err
			}
			balance, err := l.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			slog.Info("credits granted", "user_id", args[0], "amount", amount)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", args[0], balance)
			return nil
		},
	})

	return cmd
}

func (a *app) openLedger(cmd *cobra.Command) (*ledger.Ledger, func(), error) {
	var c closers
	s, err := openCreditStore(cmd.Context(), a.cfg, &c)
	if err != nil {
		c.closeAll()
		return nil, nil, err
	}
	if a.cfg.CreditStore == "memory" {
		slog.Warn("credit store is in-memory; changes are lost when the command exits")
	}
	return ledger.New(s), c.closeAll, nil
}
