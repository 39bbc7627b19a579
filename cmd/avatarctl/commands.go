package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/digkill/TGAvatarBot/internal/models"
	"github.com/digkill/TGAvatarBot/internal/service"
)

type opener func(cmd *cobra.Command) (*app, error)

func newMigrateCmd(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, _, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return err
		},
	}
}

func newPendingCmd(open opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List purchases awaiting operator confirmation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			txs, err := a.ledger.PendingPurchases(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(txs) == 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "no pending purchases")
				return err
			}
			return writeTransactions(cmd.OutOrStdout(), txs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultListLimit, "maximum number of purchases to list")
	return cmd
}

func newSettleCmd(open opener, confirm bool) *cobra.Command {
	use, short := "reject <tx-id>", "Mark a pending purchase as failed"
	if confirm {
		use, short = "confirm <tx-id>", "Credit a pending purchase"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePositive(args[0], "transaction id")
			if err != nil {
				return err
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var tx *models.Transaction
			if confirm {
				tx, err = a.ledger.CompletePurchase(cmd.Context(), id)
			} else {
				tx, err = a.ledger.FailPurchase(cmd.Context(), id)
			}
			switch {
			case errors.Is(err, service.ErrTransactionNotFound):
				return fmt.Errorf("purchase #%d not found", id)
			case errors.Is(err, service.ErrTransactionNotPending):
				return fmt.Errorf("purchase #%d is already settled", id)
			case err != nil:
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "purchase #%d for user %d is now %s (%d credits)\n", tx.ID, tx.UserID, tx.Status, tx.Credits)
			return err
		},
	}
}

func newGrantCmd(open opener) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "grant <user-id> <credits>",
		Short: "Credit an account outside the purchase flow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parsePositive(args[0], "user id")
			if err != nil {
				return err
			}
			credits, err := parsePositive(args[1], "credits")
			if err != nil {
				return err
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tx, err := a.ledger.Grant(cmd.Context(), userID, int(credits), note)
			if errors.Is(err, service.ErrAccountNotFound) {
				return fmt.Errorf("user %d has no account", userID)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "granted %d credits to user %d (tx #%d)\n", credits, userID, tx.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&note, "note", "avatarctl", "note stored with the grant")
	return cmd
}

func newUserCmd(open opener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "user <user-id>",
		Short: "Show an account and its recent transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parsePositive(args[0], "user id")
			if err != nil {
				return err
			}
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			account, err := a.ledger.Account(cmd.Context(), userID)
			if errors.Is(err, service.ErrAccountNotFound) {
				return fmt.Errorf("user %d has no account", userID)
			}
			if err != nil {
				return err
			}
			history, err := a.ledger.History(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "user %d %s\n", account.UserID, account.DisplayName)
			fmt.Fprintf(out, "balance: %d, spent: %d, personal model: %t\n", account.Balance, account.TotalSpent, account.HasModel())
			if len(history) == 0 {
				return nil
			}
			return writeTransactions(out, history)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of transactions to show")
	return cmd
}

func newStatsCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs by mode and status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.jobs.Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODE\tSTATUS\tCOUNT")
			for _, s := range stats {
				fmt.Fprintf(w, "%s\t%s\t%d\n", s.Mode, s.Status, s.Count)
			}
			return w.Flush()
		},
	}
}

func writeTransactions(out io.Writer, txs []models.Transaction) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tTYPE\tSTATUS\tCREDITS\tAMOUNT\tCREATED")
	for _, tx := range txs {
		amount := "-"
		if tx.Amount != "" {
			amount = tx.Amount + " " + tx.Medium
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%s\t%s\n",
			tx.ID, tx.UserID, tx.Type, tx.Status, tx.Credits, amount, tx.CreatedAt.UTC().Format(time.DateTime))
	}
	return w.Flush()
}

func parsePositive(raw, what string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, raw)
	}
	return n, nil
}
