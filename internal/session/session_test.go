package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"papertrade/internal/models"
	"papertrade/internal/portfolio"
	"papertrade/internal/stream"
	"papertrade/pkg/utils"
)

func ist(year int, month time.Month, day, hour, minute int) time.Time {
	return time.Date(year, month, day, hour, minute, 0, 0, utils.IndiaLocation)
}

func TestCalendar_StatusAt(t *testing.T) {
	cal := NewIndiaCalendar()
	require.NoError(t, cal.AddHolidays([]string{"2024-08-15"}))

	tests := []struct {
		name string
		at   time.Time
		want models.MarketStatus
	}{
		{"before open", ist(2024, 5, 2, 9, 14), models.MarketClosed},
		{"at open", ist(2024, 5, 2, 9, 15), models.MarketOpen},
		{"midday", ist(2024, 5, 2, 12, 0), models.MarketOpen},
		{"at close", ist(2024, 5, 2, 15, 30), models.MarketClosed},
		{"saturday", ist(2024, 5, 4, 11, 0), models.MarketClosed},
		{"holiday", ist(2024, 8, 15, 11, 0), models.MarketClosed},
		{"utc input", time.Date(2024, 5, 2, 4, 0, 0, 0, time.UTC), models.MarketOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, cal.StatusAt(tt.at))
		})
	}
}

func TestCalendar_NextOpenSkipsWeekendsAndHolidays(t *testing.T) {
	cal := NewIndiaCalendar()
	require.NoError(t, cal.AddHolidays([]string{"2024-05-06"}))

	// Friday after close -> Tuesday, Monday is a holiday.
	next := cal.NextOpen(ist(2024, 5, 3, 16, 0))
	require.Equal(t, ist(2024, 5, 7, 9, 15), next)

	require.Equal(t, ist(2024, 5, 3, 15, 30), cal.NextClose(ist(2024, 5, 3, 10, 0)))
	require.Error(t, cal.AddHolidays([]string{"15/08/2024"}))
}

func TestCalendar_AddHolidayUsesCalendarTimezone(t *testing.T) {
	cal := NewIndiaCalendar()
	// 20:00 UTC on the 14th is already the 15th in Kolkata.
	cal.AddHoliday(time.Date(2024, 8, 14, 20, 0, 0, 0, time.UTC))

	require.True(t, cal.IsHoliday(ist(2024, 8, 15, 11, 0)))
	require.False(t, cal.IsHoliday(ist(2024, 8, 14, 11, 0)))
	require.Equal(t, models.MarketClosed, cal.StatusAt(ist(2024, 8, 15, 11, 0)))
	require.Equal(t, models.MarketOpen, cal.StatusAt(ist(2024, 8, 14, 11, 0)))
}

type fakeCloser struct {
	mu     sync.Mutex
	calls  int
	err    error
	report *portfolio.SweepReport
}

func (f *fakeCloser) BulkForceClose(_ context.Context, category models.TradeCategory) (*portfolio.SweepReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.report != nil {
		return f.report, nil
	}
	now := time.Now()
	return &portfolio.SweepReport{Category: category, StartedAt: now, CompletedAt: now}, nil
}

type fakePending struct {
	calls int
}

func (f *fakePending) ExecuteAllPending(context.Context) (int, error) {
	f.calls++
	return 2, nil
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Broadcast(ev stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func newTestScheduler(at time.Time) (*Scheduler, *fakeCloser, *fakePending, *recorder) {
	cal := NewIndiaCalendar()
	cal.SetClock(func() time.Time { return at })
	closer := &fakeCloser{}
	pending := &fakePending{}
	events := &recorder{}
	return NewScheduler(cal, closer, pending, events, zerolog.Nop()), closer, pending, events
}

func TestScheduler_Specs(t *testing.T) {
	s, _, _, _ := newTestScheduler(time.Now())
	require.Equal(t, "15 9 * * 1-5", s.OpenSpec())
	require.Equal(t, "30 15 * * 1-5", s.CloseSpec())
}

func TestScheduler_RunOpenBroadcastsAndFillsPending(t *testing.T) {
	s, _, pending, events := newTestScheduler(ist(2024, 5, 2, 9, 15))

	require.True(t, s.RunOpen(context.Background()))
	require.False(t, s.RunOpen(context.Background()))
	require.Equal(t, 1, pending.calls)

	require.Len(t, events.events, 1)
	ev := events.events[0]
	require.Equal(t, stream.EventMarketStatusChanged, ev.Type)
	payload := ev.Payload.(MarketStatusPayload)
	require.Equal(t, models.MarketOpen, payload.Status)
	require.Equal(t, ist(2024, 5, 2, 15, 30), payload.NextClose)
}

func TestScheduler_RunCloseOncePerDay(t *testing.T) {
	s, closer, _, events := newTestScheduler(ist(2024, 5, 2, 15, 30))
	closer.report = &portfolio.SweepReport{
		Category: models.CategoryIntraday,
		Accounts: 1,
		Settlements: []portfolio.Settlement{{
			AccountID: "acc", Symbol: "INFY", Quantity: 10, Credit: decimal.NewFromInt(100),
		}},
		TotalCredit: decimal.NewFromInt(100),
	}

	report, ran := s.RunClose(context.Background())
	require.True(t, ran)
	require.Equal(t, 1, report.Accounts)

	_, ran = s.RunClose(context.Background())
	require.False(t, ran)
	require.Equal(t, 1, closer.calls)

	require.Len(t, events.events, 2)
	require.Equal(t, stream.EventMarketStatusChanged, events.events[0].Type)
	require.Equal(t, models.MarketClosed, events.events[0].Payload.(MarketStatusPayload).Status)
	require.Equal(t, stream.EventIntradayPositionsClosed, events.events[1].Type)
	require.Same(t, closer.report, events.events[1].Payload)
}

func TestScheduler_FailedSweepCanRetrySameDay(t *testing.T) {
	s, closer, _, events := newTestScheduler(ist(2024, 5, 2, 15, 30))
	closer.err = errors.New("store unavailable")

	_, ran := s.RunClose(context.Background())
	require.False(t, ran)
	require.Equal(t, stream.EventError, events.events[0].Type)

	closer.err = nil
	_, ran = s.RunClose(context.Background())
	require.True(t, ran)
	require.Equal(t, 2, closer.calls)
}

func TestScheduler_SkipsNonTradingDays(t *testing.T) {
	s, closer, pending, events := newTestScheduler(ist(2024, 5, 4, 15, 30))

	require.False(t, s.RunOpen(context.Background()))
	_, ran := s.RunClose(context.Background())
	require.False(t, ran)
	require.Zero(t, closer.calls)
	require.Zero(t, pending.calls)
	require.Empty(t, events.events)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s, _, _, _ := newTestScheduler(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestFixedStatus(t *testing.T) {
	status, err := Fixed(models.MarketClosed).Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.MarketClosed, status)
}
