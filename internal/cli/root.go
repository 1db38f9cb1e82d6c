package cli

import (
	"net/url"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"papertrade/internal/config"
	"papertrade/internal/logging"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI. A nil cfg is loaded from
// the --config directory before any command runs.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "trader",
		Short: "Paper trading ledger for Indian equities",
		Long: `Papertrade simulates an equities broker: accounts hold cash, orders
block margin or credit proceeds, holdings carry a weighted average price and
intraday lots are squared off at the 15:30 IST close.

Run 'trader serve' for the HTTP/WebSocket engine, or use the account, order
and holdings commands to work on the ledger directly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			if app.Config == nil || cmd.Flags().Changed("config") {
				loaded, err := config.Load(dir)
				if err != nil {
					return err
				}
				app.Config = loaded
				app.Logger = logging.NewLoggerWithConfig(logConfig(loaded))
			}

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/papertrade)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addLedgerCommands(rootCmd, app)
	addServerCommands(rootCmd, app)

	return rootCmd
}

func logConfig(cfg *config.Config) logging.LogConfig {
	lc := logging.DefaultLogConfig()
	lc.Level = cfg.Logging.Level
	lc.JSON = cfg.Logging.JSON
	lc.File = cfg.Logging.File
	lc.FilePath = cfg.Logging.FilePath
	return lc
}

func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func addLedgerCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newAccountCmd(app))
	rootCmd.AddCommand(newOrderCmd(app))
	rootCmd.AddCommand(newHoldingsCmd(app))
}

func addServerCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newSweepCmd(app))
	rootCmd.AddCommand(newMarketCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("papertrade v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				redacted := *app.Config
				redacted.Store.PostgresDSN = redactDSN(redacted.Store.PostgresDSN)
				return output.JSON(redacted)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path := app.Config.Path
			if path == "" {
				dir, _ := cmd.Flags().GetString("config")
				path = config.ConfigPath(dir)
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Println(path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Trading")
	output.Printf("  Initial Balance:  %s\n", cfg.Trading.InitialBalance)
	output.Printf("  Intraday Margin:  %s\n", cfg.Trading.IntradayMarginRate)
	output.Printf("  Currency:         %s\n", cfg.Trading.Currency)
	output.Println()

	output.Bold("Session")
	output.Printf("  Timezone:         %s\n", cfg.Session.Timezone)
	output.Printf("  Hours:            %s - %s\n", cfg.Session.Open, cfg.Session.Close)
	output.Printf("  Holidays:         %d\n", len(cfg.Session.Holidays))
	output.Printf("  Settle Live:      %v\n", cfg.Session.SettleAtLivePrice)
	output.Printf("  Release Margin:   %v\n", cfg.Session.ReleaseMargin)
	output.Println()

	output.Bold("Store")
	output.Printf("  Driver:           %s\n", cfg.Store.Driver)
	switch cfg.Store.Driver {
	case "sqlite":
		output.Printf("  Path:             %s\n", cfg.Store.SQLitePath)
	case "postgres":
		output.Printf("  DSN:              %s\n", redactDSN(cfg.Store.PostgresDSN))
	}
	output.Println()

	output.Bold("Server")
	output.Printf("  HTTP Address:     %s\n", cfg.Server.HTTPAddr)
	output.Printf("  Instruments:      %s\n", valueOr(cfg.Instruments.CSVPath, "(none)"))
	output.Printf("  Price Timeout:    %s\n", cfg.Engine.PriceTimeout)
	output.Printf("  Commit Retries:   %d\n", cfg.Engine.MaxRetries)
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// redactDSN hides the password of a postgres URL.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
