package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"papertrade/internal/account"
	"papertrade/internal/config"
	"papertrade/internal/marketdata"
	"papertrade/internal/orders"
	"papertrade/internal/portfolio"
	"papertrade/internal/session"
	"papertrade/internal/store"
	"papertrade/internal/stream"
)

// services is the wired engine for one command invocation.
type services struct {
	store     store.Store
	tx        *store.Transactor
	accounts  *account.Manager
	portfolio *portfolio.Manager
	engine    *orders.Engine
	calendar  *session.Calendar
	scheduler *session.Scheduler

	// Set only for a live server.
	hub    *stream.Hub
	ticks  *marketdata.TickCache
	prices *marketdata.GuardedSource
}

// Close releases the store.
func (s *services) Close() error {
	return s.store.Close()
}

// openStore opens the backend selected by cfg.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return store.NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("invalid store driver: %s", cfg.Driver)
	}
}

// newCalendar builds the session calendar from cfg.
func newCalendar(cfg *config.Config) (*session.Calendar, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	openH, openM, err := config.ParseClock(cfg.Session.Open)
	if err != nil {
		return nil, err
	}
	closeH, closeM, err := config.ParseClock(cfg.Session.Close)
	if err != nil {
		return nil, err
	}
	cal := session.NewCalendar(loc, openH, openM, closeH, closeM)
	if err := cal.AddHolidays(cfg.Session.Holidays); err != nil {
		return nil, err
	}
	return cal, nil
}

// build wires the engine. With live set, ticks flow from a hub into a price
// cache that backs market orders and valuations; otherwise every order needs
// an explicit price.
func (a *App) build(ctx context.Context, live bool) (*services, error) {
	cfg := a.Config
	rate, err := cfg.IntradayMarginRate()
	if err != nil {
		return nil, err
	}
	cal, err := newCalendar(cfg)
	if err != nil {
		return nil, err
	}

	var instruments *marketdata.InstrumentResolver
	if cfg.Instruments.CSVPath != "" {
		instruments, err = marketdata.LoadInstruments(cfg.Instruments.CSVPath)
		if err != nil {
			return nil, err
		}
		a.Logger.Debug().Int("count", instruments.Len()).Msg("Instruments loaded")
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.Logger.Debug().Str("driver", cfg.Store.Driver).Msg("Ledger store opened")

	svc := &services{
		store:    st,
		tx:       store.NewTransactor(st, cfg.RetryConfig()),
		calendar: cal,
	}
	svc.accounts = account.NewManager(svc.tx, a.Logger)

	var prices marketdata.PriceSource
	var events stream.Publisher = stream.NopPublisher{}
	if live {
		svc.hub = stream.NewHub()
		svc.ticks = marketdata.NewTickCache(0)
		svc.prices = marketdata.NewGuardedSource(svc.ticks, cfg.Engine.PriceTimeout, nil)
		svc.hub.RegisterConsumer(svc.ticks)
		prices = svc.prices
		events = svc.hub
	}

	svc.portfolio = portfolio.NewManager(svc.tx, svc.accounts, a.Logger, portfolio.Options{
		IntradayMarginRate: rate,
		Prices:             prices,
		SettleAtLivePrice:  cfg.Session.SettleAtLivePrice,
		ReleaseMargin:      cfg.Session.ReleaseMargin,
	})
	svc.engine = orders.NewEngine(orders.Deps{
		Transactor:  svc.tx,
		Accounts:    svc.accounts,
		Portfolio:   svc.portfolio,
		Session:     cal,
		Prices:      prices,
		Instruments: instruments,
		Events:      events,
		Logger:      a.Logger,
	})
	if live {
		svc.hub.RegisterConsumer(svc.engine)
	}
	svc.scheduler = session.NewScheduler(cal, svc.portfolio, svc.engine, events, a.Logger)
	return svc, nil
}

// withServices runs fn against an offline engine and closes it afterwards.
func (a *App) withServices(ctx context.Context, fn func(*services) error) error {
	svc, err := a.build(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close store")
		}
	}()
	return fn(svc)
}
