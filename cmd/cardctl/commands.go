package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/congo-pay/cardledger/internal/card"
)

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "cardctl",
		Short:         "Operate on card ledger accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	// run opens the backend, hands it to fn and always releases it.
	run := func(cmd *cobra.Command, fn func(ctx context.Context, b *backend) error) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		b, err := open(ctx)
		if err != nil {
			return err
		}
		defer b.close()
		return fn(ctx, b)
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, b *backend) error {
				if err := b.migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return nil
			})
		},
	}

	createCmd := &cobra.Command{
		Use:   "create [cardholder name]",
		Short: "Issue a new card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("balance")
			balance, err := card.ParseAmount("initial_balance", raw)
			if err != nil {
				return err
			}
			if err := card.ValidateCreate(args[0], balance); err != nil {
				return err
			}
			return run(cmd, func(ctx context.Context, b *backend) error {
				c, err := b.service.CreateCard(ctx, args[0], balance)
				if err != nil {
					return err
				}
				printCard(cmd.OutOrStdout(), c)
				return nil
			})
		},
	}
	createCmd.Flags().String("balance", "0", "Initial balance")

	amountCmd := func(use, short string, apply func(*card.Service, context.Context, card.CardID, decimal.Decimal) (card.Card, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [card id] [amount]",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := card.ParseCardID(args[0])
				if err != nil {
					return err
				}
				amount, err := card.ParseAmount("amount", args[1])
				if err != nil {
					return err
				}
				if err := card.ValidateAmount(amount); err != nil {
					return err
				}
				return run(cmd, func(ctx context.Context, b *backend) error {
					c, err := apply(b.service, ctx, id, amount)
					if err != nil {
						return err
					}
					printCard(cmd.OutOrStdout(), c)
					return nil
				})
			},
		}
	}

	statusCmd := func(use, short string, apply func(*card.Service, context.Context, card.CardID) (card.Card, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [card id]",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := card.ParseCardID(args[0])
				if err != nil {
					return err
				}
				return run(cmd, func(ctx context.Context, b *backend) error {
					c, err := apply(b.service, ctx, id)
					if err != nil {
						return err
					}
					printCard(cmd.OutOrStdout(), c)
					return nil
				})
			},
		}
	}

	historyCmd := &cobra.Command{
		Use:   "history [card id]",
		Short: "List card transactions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := card.ParseCardID(args[0])
			if err != nil {
				return err
			}
			all, _ := cmd.Flags().GetBool("all")
			page, _ := cmd.Flags().GetInt("page")
			size, _ := cmd.Flags().GetInt("size")
			if !all {
				if err := card.ValidatePage(page, size); err != nil {
					return err
				}
			}
			return run(cmd, func(ctx context.Context, b *backend) error {
				if all {
					txs, err := b.service.ListTransactions(ctx, id)
					if err != nil {
						return err
					}
					printTransactions(cmd.OutOrStdout(), txs)
					return nil
				}
				p, err := b.service.GetTransactionHistory(ctx, id, page, size)
				if err != nil {
					return err
				}
				printTransactions(cmd.OutOrStdout(), p.Transactions)
				fmt.Fprintf(cmd.OutOrStdout(), "page %d/%d, %d total\n", p.Page+1, max(p.TotalPages, 1), p.TotalElements)
				return nil
			})
		},
	}
	historyCmd.Flags().Bool("all", false, "List every transaction instead of one page")
	historyCmd.Flags().Int("page", 0, "Zero-based page number")
	historyCmd.Flags().Int("size", 20, "Page size")

	root.AddCommand(
		migrateCmd,
		createCmd,
		amountCmd("spend", "Debit a card", (*card.Service).SpendFromCard),
		amountCmd("topup", "Credit a card", (*card.Service).TopUpCard),
		statusCmd("block", "Block a card", (*card.Service).BlockCard),
		statusCmd("activate", "Activate a card", (*card.Service).ActivateCard),
		statusCmd("show", "Show a card", (*card.Service).GetCard),
		historyCmd,
	)
	return root
}

func printCard(w io.Writer, c card.Card) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCARDHOLDER\tBALANCE\tSTATUS\tVERSION")
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", c.ID, c.CardholderName, c.Balance.StringFixed(2), c.Status, c.Version)
	tw.Flush()
}

func printTransactions(w io.Writer, txs []card.Transaction) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tAMOUNT\tCREATED_AT")
	for _, t := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, t.Type, t.Amount.StringFixed(2), t.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"))
	}
	tw.Flush()
}
