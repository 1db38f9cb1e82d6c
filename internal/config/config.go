// Package config provides configuration management for the ledger engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"papertrade/pkg/utils"
)

// EnvPrefix is prepended to every environment override, e.g.
// PAPERTRADE_STORE_DRIVER=sqlite.
const EnvPrefix = "PAPERTRADE"

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig     `mapstructure:"trading"`
	Session     SessionConfig     `mapstructure:"session"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Store       StoreConfig       `mapstructure:"store"`
	Server      ServerConfig      `mapstructure:"server"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
	Logging     LoggingConfig     `mapstructure:"logging"`

	// Path is the file the configuration was read from.
	Path string `mapstructure:"-"`
}

// TradingConfig holds account and margin settings. Money values are decimal
// strings so they never pass through a float.
type TradingConfig struct {
	InitialBalance     string `mapstructure:"initial_balance"`
	IntradayMarginRate string `mapstructure:"intraday_margin_rate"`
	Currency           string `mapstructure:"currency"`
}

// SessionConfig holds the market calendar.
type SessionConfig struct {
	Timezone          string   `mapstructure:"timezone"`
	Open              string   `mapstructure:"open"`  // HH:MM
	Close             string   `mapstructure:"close"` // HH:MM
	Holidays          []string `mapstructure:"holidays"`
	SettleAtLivePrice bool     `mapstructure:"settle_at_live_price"`
	// ReleaseMargin returns the blocked intraday margin at square-off on top
	// of the realized P&L.
	ReleaseMargin bool `mapstructure:"release_intraday_margin"`
}

// EngineConfig holds retry and timeout settings for order processing.
type EngineConfig struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	PriceTimeout      time.Duration `mapstructure:"price_timeout"`
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // memory, sqlite, postgres
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// ServerConfig holds the HTTP and websocket listener settings.
type ServerConfig struct {
	HTTPAddr  string   `mapstructure:"http_addr"`
	WSOrigins []string `mapstructure:"ws_origins"`
}

// InstrumentsConfig points at the instrument master file.
type InstrumentsConfig struct {
	CSVPath string `mapstructure:"csv_path"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	JSON     bool   `mapstructure:"json"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/papertrade"
	}
	return filepath.Join(home, ".config", "papertrade")
}

// ConfigPath returns the config file location inside configDir.
func ConfigPath(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, "config.toml")
}

// Load loads configuration from the specified directory, creating a template
// config.toml when none exists. If configDir is empty, uses the default
// config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := newViper(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration without touching the filesystem.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultConfigDir())
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func newViper(configDir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, configDir)
	return v
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("trading.initial_balance", "100000")
	v.SetDefault("trading.intraday_margin_rate", "0.2")
	v.SetDefault("trading.currency", "INR")

	v.SetDefault("session.timezone", "Asia/Kolkata")
	v.SetDefault("session.open", "09:15")
	v.SetDefault("session.close", "15:30")
	v.SetDefault("session.holidays", []string{})
	v.SetDefault("session.settle_at_live_price", false)
	v.SetDefault("session.release_intraday_margin", false)

	v.SetDefault("engine.max_retries", 5)
	v.SetDefault("engine.retry_initial_delay", 10*time.Millisecond)
	v.SetDefault("engine.retry_max_delay", 500*time.Millisecond)
	v.SetDefault("engine.price_timeout", 2*time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", filepath.Join(configDir, "data", "ledger.db"))
	v.SetDefault("store.postgres_dsn", "")

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.ws_origins", []string{})

	v.SetDefault("instruments.csv_path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "trader.log"))
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := c.InitialBalance(); err != nil {
		return err
	}
	rate, err := c.IntradayMarginRate()
	if err != nil {
		return err
	}
	if !rate.IsPositive() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("intraday_margin_rate must be in (0, 1], got %s", rate)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	openH, openM, err := ParseClock(c.Session.Open)
	if err != nil {
		return fmt.Errorf("session.open: %w", err)
	}
	closeH, closeM, err := ParseClock(c.Session.Close)
	if err != nil {
		return fmt.Errorf("session.close: %w", err)
	}
	if openH*60+openM >= closeH*60+closeM {
		return fmt.Errorf("session.open (%s) must be before session.close (%s)", c.Session.Open, c.Session.Close)
	}
	for _, day := range c.Session.Holidays {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return fmt.Errorf("invalid holiday %q (want YYYY-MM-DD)", day)
		}
	}

	if c.Engine.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be at least 1")
	}
	if c.Engine.PriceTimeout <= 0 {
		return fmt.Errorf("engine.price_timeout must be positive")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid store driver: %s (must be 'memory', 'sqlite' or 'postgres')", c.Store.Driver)
	}

	return nil
}

// InitialBalance returns the opening balance for new accounts.
func (c *Config) InitialBalance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Trading.InitialBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid initial_balance %q: %w", c.Trading.InitialBalance, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("initial_balance must be non-negative")
	}
	return d, nil
}

// IntradayMarginRate returns the fraction of notional blocked for intraday buys.
func (c *Config) IntradayMarginRate() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Trading.IntradayMarginRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid intraday_margin_rate %q: %w", c.Trading.IntradayMarginRate, err)
	}
	return d, nil
}

// Location returns the session timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := utils.LoadLocation(c.Session.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid session timezone %q: %w", c.Session.Timezone, err)
	}
	return loc, nil
}

// RetryConfig returns the optimistic-commit retry policy.
func (c *Config) RetryConfig() utils.RetryConfig {
	rc := utils.DefaultRetryConfig()
	rc.MaxAttempts = c.Engine.MaxRetries
	if c.Engine.RetryInitialDelay > 0 {
		rc.InitialDelay = c.Engine.RetryInitialDelay
	}
	if c.Engine.RetryMaxDelay > 0 {
		rc.MaxDelay = c.Engine.RetryMaxDelay
	}
	return rc
}

// ParseClock parses an HH:MM wall-clock time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	return t.Hour(), t.Minute(), nil
}
