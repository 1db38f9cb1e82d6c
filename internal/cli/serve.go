package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"papertrade/internal/httpserver"
	"papertrade/internal/portfolio"
	"papertrade/pkg/utils"
)

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket engine and the session scheduler",
		Long: `Start the order engine with its REST and WebSocket API, the tick hub and
the session scheduler that fills pending orders at the open and squares off
intraday positions at the close.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = app.Config.Server.HTTPAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.serve(ctx, addr)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default: server.http_addr)")
	return cmd
}

// serve runs every long-lived component until ctx is cancelled or one of
// them fails.
func (a *App) serve(ctx context.Context, addr string) error {
	svc, err := a.build(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	router := httpserver.NewRouter(httpserver.Deps{
		Engine:    svc.engine,
		Accounts:  svc.accounts,
		Portfolio: svc.portfolio,
		Session:   svc.calendar,
		Hub:       svc.hub,
		Sweeper:   svc.scheduler,
		Breaker:   svc.prices.Breaker(),
		Origins:   a.Config.Server.WSOrigins,
		Logger:    a.Logger,
	})
	server := httpserver.NewServer(addr, router, a.Logger)

	now := time.Now()
	a.Logger.Info().
		Str("addr", addr).
		Str("store", a.Config.Store.Driver).
		Str("market", string(svc.calendar.StatusAt(now))).
		Time("next_open", svc.calendar.NextOpen(now)).
		Time("next_close", svc.calendar.NextClose(now)).
		Msg("Starting papertrade engine")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.hub.Run(ctx) })
	g.Go(func() error { return svc.engine.Run(ctx) })
	g.Go(func() error { return svc.scheduler.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	a.Logger.Info().Msg("Papertrade engine stopped")
	return nil
}

func newSweepCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Square off every intraday position now",
		Long: `Force-close all intraday holdings across accounts, complete their open
orders and cancel pending intraday orders with a refund. Safe to repeat: a
second run finds nothing to close.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			return app.withServices(cmd.Context(), func(svc *services) error {
				report, err := svc.scheduler.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(report)
				}
				printSweepReport(output, report)
				return nil
			})
		},
	}
}

func printSweepReport(output *Output, report *portfolio.SweepReport) {
	output.Bold("Square-off (%s)", report.Category)
	if len(report.Settlements) == 0 && report.CancelledOrders == 0 {
		output.Dim("Nothing to close.")
	} else {
		table := NewTable(output, "ACCOUNT", "SYMBOL", "SIDE", "QTY", "AVG", "CLOSE", "P&L", "CREDIT")
		for _, s := range report.Settlements {
			table.AddRow(
				s.AccountID,
				s.Symbol,
				string(s.TradeType),
				utils.FormatQuantity(s.Quantity),
				utils.FormatIndianCurrency(s.AveragePrice),
				utils.FormatIndianCurrency(s.ClosePrice),
				output.PnL(s.PnL),
				utils.FormatIndianCurrency(s.Credit),
			)
		}
		table.Render()
	}
	output.Println()
	output.Printf("Accounts: %d  Completed orders: %d  Cancelled orders: %d\n",
		report.Accounts, report.CompletedOrders, report.CancelledOrders)
	output.Printf("Total P&L: %s  Total credit: %s\n",
		output.PnL(report.TotalPnL), utils.FormatIndianCurrency(report.TotalCredit))
	for _, f := range report.Failed {
		output.Warning("⚠ %s: %s", f.AccountID, f.Error)
	}
}

func newMarketCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "market",
		Short: "Market session information",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the market is open",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cal, err := newCalendar(app.Config)
			if err != nil {
				return err
			}
			now := time.Now()
			status := cal.StatusAt(now)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"status":     status,
					"next_open":  cal.NextOpen(now),
					"next_close": cal.NextClose(now),
				})
			}
			loc := cal.Location()
			output.Printf("Market:      %s\n", output.MarketStatus(status))
			output.Printf("Next open:   %s\n", cal.NextOpen(now).In(loc).Format("Mon 02 Jan 15:04 MST"))
			output.Printf("Next close:  %s\n", cal.NextClose(now).In(loc).Format("Mon 02 Jan 15:04 MST"))
			return nil
		},
	})
	return cmd
}
