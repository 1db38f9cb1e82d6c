package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"papertrade/internal/models"
	"papertrade/internal/portfolio"
	"papertrade/internal/stream"
	"papertrade/pkg/utils"
)

// PendingExecutor fills pending orders whose limits are satisfied.
type PendingExecutor interface {
	ExecuteAllPending(ctx context.Context) (int, error)
}

// ForceCloser settles every holding of a category.
type ForceCloser interface {
	BulkForceClose(ctx context.Context, category models.TradeCategory) (*portfolio.SweepReport, error)
}

// MarketStatusPayload is the payload of a market status broadcast.
type MarketStatusPayload struct {
	Status    models.MarketStatus `json:"status"`
	NextOpen  time.Time           `json:"next_open"`
	NextClose time.Time           `json:"next_close"`
}

// Scheduler drives the two daily session events: the open broadcast, which
// also fills eligible pending orders, and the close sweep that force-closes
// intraday positions. One Scheduler runs per process.
type Scheduler struct {
	calendar *Calendar
	closer   ForceCloser
	pending  PendingExecutor
	events   stream.Publisher
	logger   zerolog.Logger
	category models.TradeCategory

	cron *cron.Cron

	mu        sync.Mutex
	lastOpen  string
	lastClose string
}

// NewScheduler creates a scheduler. pending may be nil.
func NewScheduler(cal *Calendar, closer ForceCloser, pending PendingExecutor, events stream.Publisher, logger zerolog.Logger) *Scheduler {
	if events == nil {
		events = stream.NopPublisher{}
	}
	logger = logger.With().Str("component", "scheduler").Logger()
	cronLogger := cron.PrintfLogger(&logger)

	return &Scheduler{
		calendar: cal,
		closer:   closer,
		pending:  pending,
		events:   events,
		logger:   logger,
		category: models.CategoryIntraday,
		cron: cron.New(
			cron.WithLocation(cal.Location()),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}
}

// OpenSpec returns the cron spec of the open event.
func (s *Scheduler) OpenSpec() string {
	return fmt.Sprintf("%d %d * * 1-5", s.calendar.openMin, s.calendar.openHour)
}

// CloseSpec returns the cron spec of the close sweep.
func (s *Scheduler) CloseSpec() string {
	return fmt.Sprintf("%d %d * * 1-5", s.calendar.closeMin, s.calendar.closeHour)
}

// Run registers the daily jobs and blocks until ctx is cancelled, then waits
// for a running job to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.OpenSpec(), func() { s.RunOpen(ctx) }); err != nil {
		return fmt.Errorf("scheduling market open: %w", err)
	}
	if _, err := s.cron.AddFunc(s.CloseSpec(), func() { s.RunClose(ctx) }); err != nil {
		return fmt.Errorf("scheduling market close: %w", err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("open", s.OpenSpec()).
		Str("close", s.CloseSpec()).
		Str("timezone", s.calendar.Location().String()).
		Msg("Session scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Session scheduler stopped")
	return nil
}

// RunOpen broadcasts the current market status and, when the market is open,
// fills pending orders. It runs at most once per trading day and reports
// whether it ran.
func (s *Scheduler) RunOpen(ctx context.Context) bool {
	now := s.calendar.clock()
	if !s.calendar.IsTradingDay(now) {
		s.logger.Info().Str("day", utils.TradingDay(now, s.calendar.Location())).Msg("Not a trading day, skipping open")
		return false
	}
	if !s.claim(&s.lastOpen, now) {
		return false
	}

	status, err := s.calendar.Status(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read market status")
		s.release(&s.lastOpen)
		return false
	}
	s.broadcastStatus(status, now)

	if status == models.MarketOpen && s.pending != nil {
		filled, err := s.pending.ExecuteAllPending(ctx)
		if err != nil {
			s.logger.Error().Err(err).Int("filled", filled).Msg("Some pending orders failed at open")
		} else {
			s.logger.Info().Int("filled", filled).Msg("Pending orders filled at open")
		}
	}
	return true
}

// RunClose runs the close sweep at most once per trading day. A sweep that
// fails outright may be retried the same day.
func (s *Scheduler) RunClose(ctx context.Context) (*portfolio.SweepReport, bool) {
	now := s.calendar.clock()
	if !s.calendar.IsTradingDay(now) {
		s.logger.Info().Str("day", utils.TradingDay(now, s.calendar.Location())).Msg("Not a trading day, skipping square-off")
		return nil, false
	}
	if !s.claim(&s.lastClose, now) {
		s.logger.Warn().Msg("Square-off already ran today")
		return nil, false
	}

	report, err := s.Sweep(ctx)
	if err != nil {
		s.release(&s.lastClose)
		return nil, false
	}
	return report, true
}

// Sweep force-closes every intraday holding and broadcasts the market close
// and the sweep summary. It has no day guard; a second run finds nothing to
// close.
func (s *Scheduler) Sweep(ctx context.Context) (*portfolio.SweepReport, error) {
	s.logger.Info().Str("category", string(s.category)).Msg("Starting square-off")

	report, err := s.closer.BulkForceClose(ctx, s.category)
	if err != nil {
		s.logger.Error().Err(err).Msg("Square-off failed")
		s.events.Broadcast(stream.NewEvent(stream.EventError, "", stream.ErrorPayload{
			Code:    "SWEEP_FAILED",
			Message: err.Error(),
		}))
		return nil, err
	}

	s.broadcastStatus(models.MarketClosed, s.calendar.clock())
	s.events.Broadcast(stream.NewEvent(stream.EventIntradayPositionsClosed, "", report))

	event := s.logger.Info()
	if len(report.Failed) > 0 {
		event = s.logger.Warn().Strs("failed_accounts", report.FailedAccounts())
	}
	event.
		Int("accounts", report.Accounts).
		Int("positions", len(report.Settlements)).
		Int("cancelled_orders", report.CancelledOrders).
		Str("total_credit", report.TotalCredit.StringFixed(2)).
		Dur("took", report.CompletedAt.Sub(report.StartedAt)).
		Msg("Square-off complete")
	return report, nil
}

func (s *Scheduler) broadcastStatus(status models.MarketStatus, now time.Time) {
	s.events.Broadcast(stream.NewEvent(stream.EventMarketStatusChanged, "", MarketStatusPayload{
		Status:    status,
		NextOpen:  s.calendar.NextOpen(now),
		NextClose: s.calendar.NextClose(now),
	}))
}

// claim marks today's run in slot, returning false when it already ran.
func (s *Scheduler) claim(slot *string, now time.Time) bool {
	day := utils.TradingDay(now, s.calendar.Location())
	s.mu.Lock()
	defer s.mu.Unlock()
	if *slot == day {
		return false
	}
	*slot = day
	return true
}

func (s *Scheduler) release(slot *string) {
	s.mu.Lock()
	*slot = ""
	s.mu.Unlock()
}
