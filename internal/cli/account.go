package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"papertrade/internal/models"
	"papertrade/pkg/utils"
)

func newAccountCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "account",
		Aliases: []string{"acct"},
		Short:   "Manage paper trading accounts",
	}
	cmd.AddCommand(newAccountOpenCmd(app))
	cmd.AddCommand(newAccountShowCmd(app))
	cmd.AddCommand(newWalletCmd(app, models.TransactionDeposit))
	cmd.AddCommand(newWalletCmd(app, models.TransactionWithdrawal))
	cmd.AddCommand(newTransactionsCmd(app))
	return cmd
}

func newAccountOpenCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <account-id>",
		Short: "Open an account with a starting balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			balance, err := decimalFlag(cmd, "balance")
			if err != nil {
				return err
			}
			initial, err := app.Config.InitialBalance()
			if err != nil {
				return err
			}
			if balance != nil {
				initial = *balance
			}

			return app.withServices(cmd.Context(), func(svc *services) error {
				acct, err := svc.accounts.Open(cmd.Context(), args[0], initial)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(acct)
				}
				output.Success("✓ Account %s opened with %s", acct.ID, utils.FormatIndianCurrency(acct.CashBalance))
				return nil
			})
		},
	}
	cmd.Flags().String("balance", "", "starting balance (default: trading.initial_balance)")
	return cmd
}

func newAccountShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <account-id>",
		Short: "Show an account's cash and portfolio value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.withServices(cmd.Context(), func(svc *services) error {
				acct, err := svc.accounts.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				sum, err := svc.portfolio.Summary(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{
						"account": acct,
						"summary": sum,
					})
				}
				output.Bold("Account %s", acct.ID)
				output.Printf("  Cash:        %s\n", utils.FormatIndianCurrency(acct.CashBalance))
				output.Printf("  Invested:    %s\n", utils.FormatIndianCurrency(sum.Invested))
				output.Printf("  Positions:   %d\n", len(sum.Positions))
				output.Printf("  Version:     %d\n", acct.Version)
				output.Dim("  Opened %s", acct.CreatedAt.Format("2006-01-02 15:04"))
				return nil
			})
		},
	}
}

func newWalletCmd(app *App, kind models.TransactionType) *cobra.Command {
	use, short := "deposit", "Add cash to an account"
	if kind == models.TransactionWithdrawal {
		use, short = "withdraw", "Take cash out of an account"
	}

	cmd := &cobra.Command{
		Use:   use + " <account-id> <amount>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			note, _ := cmd.Flags().GetString("note")

			return app.withServices(cmd.Context(), func(svc *services) error {
				move := svc.accounts.Deposit
				if kind == models.TransactionWithdrawal {
					move = svc.accounts.Withdraw
				}
				txn, err := move(cmd.Context(), args[0], amount, note)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(txn)
				}
				output.Success("✓ %s %s, balance %s", txn.Type, utils.FormatIndianCurrency(txn.Amount),
					utils.FormatIndianCurrency(txn.BalanceAfter))
				return nil
			})
		},
	}
	cmd.Flags().String("note", "", "note stored with the transaction")
	return cmd
}

func newTransactionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transactions <account-id>",
		Aliases: []string{"txns"},
		Short:   "List wallet transactions, oldest first",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			limit, _ := cmd.Flags().GetInt("limit")
			return app.withServices(cmd.Context(), func(svc *services) error {
				txns, err := svc.accounts.Transactions(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(txns)
				}
				if len(txns) == 0 {
					output.Dim("No transactions.")
					return nil
				}
				table := NewTable(output, "TIME", "TYPE", "AMOUNT", "BALANCE", "NOTE")
				for _, t := range txns {
					table.AddRow(
						t.CreatedAt.Format("2006-01-02 15:04:05"),
						string(t.Type),
						utils.FormatIndianCurrency(t.Amount),
						utils.FormatIndianCurrency(t.BalanceAfter),
						t.Note,
					)
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int("limit", 20, "maximum entries (0 for all)")
	return cmd
}

func newHoldingsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "holdings <account-id>",
		Aliases: []string{"positions"},
		Short:   "Show open lots with their average price",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.withServices(cmd.Context(), func(svc *services) error {
				sum, err := svc.portfolio.Summary(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(sum)
				}
				if len(sum.Positions) == 0 {
					output.Dim("No open positions.")
				} else {
					table := NewTable(output, "SYMBOL", "SIDE", "CATEGORY", "QTY", "AVG PRICE", "INVESTED")
					for _, p := range sum.Positions {
						table.AddRow(
							p.Symbol,
							string(p.TradeType),
							string(p.Category),
							utils.FormatQuantity(p.Quantity),
							utils.FormatIndianCurrency(p.AveragePrice),
							utils.FormatIndianCurrency(p.Invested),
						)
					}
					table.Render()
					output.Println()
				}
				output.Printf("Cash: %s  Invested: %s\n",
					utils.FormatIndianCurrency(sum.Cash), utils.FormatIndianCurrency(sum.Invested))
				return nil
			})
		},
	}
}

// decimalFlag parses a decimal string flag. It returns nil when the flag was
// not given.
func decimalFlag(cmd *cobra.Command, name string) (*decimal.Decimal, error) {
	if !cmd.Flags().Changed(name) {
		return nil, nil
	}
	raw, _ := cmd.Flags().GetString(name)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	return &d, nil
}
