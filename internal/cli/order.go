package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"papertrade/internal/models"
	"papertrade/internal/orders"
	"papertrade/internal/store"
	"papertrade/pkg/utils"
)

func newOrderCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Place, complete and cancel orders",
		Long: `Work with orders directly on the ledger. Without a running server there is
no live price, so --price is required for market orders.`,
	}
	cmd.AddCommand(newOrderPlaceCmd(app))
	cmd.AddCommand(newOrderCompleteCmd(app))
	cmd.AddCommand(newOrderCancelCmd(app))
	cmd.AddCommand(newOrderExecuteCmd(app))
	cmd.AddCommand(newOrderListCmd(app))
	return cmd
}

func newOrderPlaceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "place <account-id> <buy|sell> <symbol> <qty>",
		Short: "Place a market or limit order",
		Example: `  trader order place alice buy INFY 10 --price 1500
  trader order place alice buy SBIN 100 --category intraday --price 800
  trader order place alice buy TCS 5 --type limit --limit 3400`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			qty, err := parseQuantity(args[3])
			if err != nil {
				return err
			}
			orderType, _ := cmd.Flags().GetString("type")
			category, _ := cmd.Flags().GetString("category")
			price, err := decimalFlag(cmd, "price")
			if err != nil {
				return err
			}
			limit, err := decimalFlag(cmd, "limit")
			if err != nil {
				return err
			}

			req := orders.PlaceOrderRequest{
				AccountID:      args[0],
				Side:           models.OrderSide(strings.ToLower(args[1])),
				Symbol:         args[2],
				Quantity:       qty,
				OrderType:      models.OrderType(strings.ToLower(orderType)),
				Category:       models.TradeCategory(strings.ToLower(category)),
				ExecutionPrice: price,
				LimitPrice:     limit,
			}
			return app.withServices(cmd.Context(), func(svc *services) error {
				placed, err := svc.engine.PlaceOrder(cmd.Context(), req)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(placed)
				}
				output.Success("✓ %s", placed.Message)
				output.Printf("  Order:    %s\n", placed.Order.ID)
				output.Printf("  Status:   %s\n", output.OrderStatus(placed.Order.Status))
				output.Printf("  Balance:  %s\n", utils.FormatIndianCurrency(placed.Balance))
				return nil
			})
		},
	}
	cmd.Flags().String("type", string(models.OrderTypeMarket), "order type: market or limit")
	cmd.Flags().String("category", string(models.CategoryDelivery), "intraday, delivery, futures or options")
	cmd.Flags().String("price", "", "execution price")
	cmd.Flags().String("limit", "", "limit price (limit orders)")
	return cmd
}

func newOrderCompleteCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <account-id> <buy|sell> <symbol> <qty>",
		Short: "Close quantity of a lot and realise P&L",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			qty, err := parseQuantity(args[3])
			if err != nil {
				return err
			}
			price, err := decimalFlag(cmd, "price")
			if err != nil {
				return err
			}

			req := orders.CompleteOrderRequest{
				AccountID:       args[0],
				Side:            models.OrderSide(strings.ToLower(args[1])),
				Symbol:          args[2],
				Quantity:        qty,
				CompletionPrice: price,
			}
			return app.withServices(cmd.Context(), func(svc *services) error {
				done, err := svc.engine.CompleteOrder(cmd.Context(), req)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(done)
				}
				output.Success("✓ %s", done.Message)
				output.Printf("  P&L:        %s\n", output.PnL(done.PnL))
				output.Printf("  Credit:     %s\n", utils.FormatIndianCurrency(done.Credit))
				output.Printf("  Remaining:  %s\n", utils.FormatQuantity(done.Remaining))
				output.Printf("  Balance:    %s\n", utils.FormatIndianCurrency(done.Balance))
				return nil
			})
		},
	}
	cmd.Flags().String("price", "", "completion price")
	return cmd
}

func newOrderCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel a pending order and refund its cash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.withServices(cmd.Context(), func(svc *services) error {
				res, err := svc.engine.CancelOrder(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(res)
				}
				output.Success("✓ %s", res.Message)
				output.Printf("  Balance:  %s\n", utils.FormatIndianCurrency(res.Balance))
				return nil
			})
		},
	}
}

func newOrderExecuteCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <order-id>",
		Short: "Fill a pending limit order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			price, err := decimalFlag(cmd, "price")
			if err != nil {
				return err
			}
			return app.withServices(cmd.Context(), func(svc *services) error {
				o, err := svc.engine.ExecutePending(cmd.Context(), args[0], price)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(o)
				}
				output.Success("✓ Order %s %s", o.ID, o.Status)
				return nil
			})
		},
	}
	cmd.Flags().String("price", "", "market price the limit is checked against")
	return cmd
}

func newOrderListCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <account-id>",
		Short: "List an account's orders, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			symbol, _ := cmd.Flags().GetString("symbol")
			statuses, _ := cmd.Flags().GetStringSlice("status")
			limit, _ := cmd.Flags().GetInt("limit")

			filter := store.OrderFilter{
				AccountID: args[0],
				Symbol:    symbol,
				Limit:     limit,
			}
			for _, s := range statuses {
				filter.Statuses = append(filter.Statuses, models.OrderStatus(strings.ToLower(s)))
			}

			return app.withServices(cmd.Context(), func(svc *services) error {
				list, err := svc.engine.Orders(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(list)
				}
				if len(list) == 0 {
					output.Dim("No orders.")
					return nil
				}
				table := NewTable(output, "ID", "TIME", "SIDE", "SYMBOL", "QTY", "TYPE", "CATEGORY", "PRICE", "STATUS")
				for _, o := range list {
					table.AddRow(
						o.ID,
						o.CreatedAt.Format("01-02 15:04"),
						string(o.Side),
						o.Symbol,
						utils.FormatQuantity(o.Quantity),
						string(o.Type),
						string(o.Category),
						utils.FormatIndianCurrency(o.ExecutionPrice),
						output.OrderStatus(o.Status),
					)
				}
				table.Render()
				return nil
			})
		},
	}
	cmd.Flags().String("symbol", "", "filter by symbol")
	cmd.Flags().StringSlice("status", nil, "filter by status (pending, executed, completed, cancelled)")
	cmd.Flags().Int("limit", 50, "maximum orders (0 for all)")
	return cmd
}

func parseQuantity(raw string) (int64, error) {
	qty, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q", raw)
	}
	return qty, nil
}
