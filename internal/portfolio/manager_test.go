package portfolio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"papertrade/internal/account"
	apperrors "papertrade/internal/errors"
	"papertrade/internal/marketdata"
	"papertrade/internal/models"
	"papertrade/internal/store"
	"papertrade/pkg/utils"
)

type fixture struct {
	store    store.Store
	tx       *store.Transactor
	accounts *account.Manager
	pm       *Manager
}

func newFixture(t *testing.T, s store.Store, opts Options) *fixture {
	t.Helper()
	if s == nil {
		s = store.NewMemoryStore()
	}
	tx := store.NewTransactor(s, utils.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2})
	accounts := account.NewManager(tx, zerolog.Nop())
	return &fixture{
		store:    s,
		tx:       tx,
		accounts: accounts,
		pm:       NewManager(tx, accounts, zerolog.Nop(), opts),
	}
}

func (f *fixture) open(t *testing.T, id string, balance int64) {
	t.Helper()
	_, err := f.accounts.Open(context.Background(), id, decimal.NewFromInt(balance))
	require.NoError(t, err)
}

// buy debits margin and fills the lot, the same way order placement does.
func (f *fixture) buy(t *testing.T, id, symbol string, category models.TradeCategory, qty int64, price decimal.Decimal) {
	t.Helper()
	err := f.tx.Update(context.Background(), id, func(u *store.UnitOfWork) error {
		margin := price.Mul(decimal.NewFromInt(qty)).Mul(f.pm.MarginRate(category))
		if _, err := f.accounts.Debit(u, margin); err != nil {
			return err
		}
		u.AddOrder(models.Order{
			Symbol:         symbol,
			Type:           models.OrderTypeMarket,
			Category:       category,
			Side:           models.OrderSideBuy,
			Quantity:       qty,
			ExecutionPrice: price,
			Amount:         margin,
			Status:         models.OrderStatusExecuted,
		})
		_, err := f.pm.ApplyFill(u, symbol, models.OrderSideBuy, category, qty, price)
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	acct, err := f.accounts.Get(context.Background(), id)
	require.NoError(t, err)
	return acct.CashBalance
}

func TestApplyFill_WeightedAverage(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.open(t, "acc", 10000)

	f.buy(t, "acc", "INFY", models.CategoryDelivery, 10, decimal.NewFromInt(100))
	f.buy(t, "acc", "INFY", models.CategoryDelivery, 5, decimal.NewFromInt(120))

	holdings, err := f.pm.Holdings(context.Background(), "acc")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	require.Equal(t, int64(15), holdings[0].Quantity)
	require.Equal(t, "106.67", holdings[0].AveragePrice.StringFixed(2))
	require.True(t, f.balance(t, "acc").Equal(decimal.NewFromInt(8400)))
}

func TestApplyFill_CategoryFollowsLatestFill(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.open(t, "acc", 10000)

	f.buy(t, "acc", "SBIN", models.CategoryDelivery, 1, decimal.NewFromInt(500))
	f.buy(t, "acc", "SBIN", models.CategoryIntraday, 1, decimal.NewFromInt(500))

	holdings, err := f.pm.Holdings(context.Background(), "acc")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	require.Equal(t, models.CategoryIntraday, holdings[0].Category)
}

func TestCloseFill(t *testing.T) {
	f := newFixture(t, nil, Options{})
	f.open(t, "acc", 10000)
	f.buy(t, "acc", "TCS", models.CategoryDelivery, 10, decimal.NewFromInt(100))

	snap, err := f.store.Load(context.Background(), "acc")
	require.NoError(t, err)
	u := store.NewUnitOfWork(snap, time.Now())

	_, err = f.pm.CloseFill(u, "TCS", models.OrderSideSell, 1, decimal.NewFromInt(100))
	require.ErrorIs(t, err, apperrors.ErrHoldingNotFound)

	_, err = f.pm.CloseFill(u, "TCS", models.OrderSideBuy, 11, decimal.NewFromInt(100))
	require.ErrorIs(t, err, apperrors.ErrInsufficientQuantity)

	res, err := f.pm.CloseFill(u, "TCS", models.OrderSideBuy, 4, decimal.NewFromInt(110))
	require.NoError(t, err)
	require.True(t, res.PnL.Equal(decimal.NewFromInt(40)))
	require.Equal(t, int64(6), res.Remaining)

	res, err = f.pm.CloseFill(u, "TCS", models.OrderSideBuy, 6, decimal.NewFromInt(90))
	require.NoError(t, err)
	require.True(t, res.PnL.Equal(decimal.NewFromInt(-60)))
	_, ok := u.Holding("TCS", models.OrderSideBuy)
	require.False(t, ok)

	require.NoError(t, f.store.Commit(context.Background(), u.Changeset()))
	holdings, err := f.pm.Holdings(context.Background(), "acc")
	require.NoError(t, err)
	require.Empty(t, holdings)
}

func TestRealizedPnL_SellLots(t *testing.T) {
	pnl := RealizedPnL(models.OrderSideSell, decimal.NewFromInt(100), decimal.NewFromInt(90), 3)
	require.True(t, pnl.Equal(decimal.NewFromInt(30)))
}

func TestBulkForceClose_SettlesIntradayLots(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	f.open(t, "acc", 10000)

	f.buy(t, "acc", "RELIANCE", models.CategoryIntraday, 10, decimal.NewFromInt(50))
	f.buy(t, "acc", "HDFC", models.CategoryDelivery, 1, decimal.NewFromInt(1000))
	require.True(t, f.balance(t, "acc").Equal(decimal.NewFromInt(8900)))

	report, err := f.pm.BulkForceClose(ctx, models.CategoryIntraday)
	require.NoError(t, err)
	require.Empty(t, report.Failed)
	require.Equal(t, 1, report.Accounts)
	require.Len(t, report.Settlements, 1)
	require.Equal(t, 1, report.CompletedOrders)

	s := report.Settlements[0]
	require.Equal(t, "RELIANCE", s.Symbol)
	require.True(t, s.PnL.IsZero())
	require.True(t, s.Credit.IsZero())
	require.True(t, f.balance(t, "acc").Equal(decimal.NewFromInt(8900)))

	holdings, err := f.pm.Holdings(ctx, "acc")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	require.Equal(t, "HDFC", holdings[0].Symbol)

	orders, err := f.store.ListOrders(ctx, store.OrderFilter{AccountID: "acc", Symbol: "RELIANCE"})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, models.OrderStatusCompleted, orders[0].Status)
	require.NotNil(t, orders[0].CompletionPrice)

	// Every closed lot leaves a wallet entry, even at zero P&L.
	txns, err := f.accounts.Transactions(ctx, "acc", 0)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	last := txns[1]
	require.Equal(t, models.TransactionDeposit, last.Type)
	require.True(t, last.Amount.IsZero())
	require.True(t, last.BalanceAfter.Equal(decimal.NewFromInt(8900)))
	require.Contains(t, last.Note, "RELIANCE")
}

func TestBulkForceClose_ReleaseMarginIsOptIn(t *testing.T) {
	f := newFixture(t, nil, Options{ReleaseMargin: true})
	ctx := context.Background()
	f.open(t, "acc", 1000)
	f.buy(t, "acc", "SBIN", models.CategoryIntraday, 10, decimal.NewFromInt(50))
	require.True(t, f.balance(t, "acc").Equal(decimal.NewFromInt(900)))

	report, err := f.pm.BulkForceClose(ctx, models.CategoryIntraday)
	require.NoError(t, err)
	require.Len(t, report.Settlements, 1)
	require.True(t, report.Settlements[0].PnL.IsZero())
	require.True(t, report.Settlements[0].Credit.Equal(decimal.NewFromInt(100)))
	require.True(t, f.balance(t, "acc").Equal(decimal.NewFromInt(1000)))

	txns, err := f.accounts.Transactions(ctx, "acc", 0)
	require.NoError(t, err)
	last := txns[len(txns)-1]
	require.Equal(t, models.TransactionDeposit, last.Type)
	require.True(t, last.Amount.Equal(decimal.NewFromInt(100)))
}

func TestBulkForceClose_FailedRefundDoesNotKeepLotOpen(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	f.open(t, "acc", 1000)
	f.buy(t, "acc", "SBIN", models.CategoryIntraday, 10, decimal.NewFromInt(50))

	// A pending sell credits its proceeds at placement; spending them makes
	// the refund at square-off impossible.
	limit := decimal.NewFromInt(60)
	err := f.tx.Update(ctx, "acc", func(u *store.UnitOfWork) error {
		amount := decimal.NewFromInt(600)
		if _, err := f.accounts.Credit(u, amount); err != nil {
			return err
		}
		u.AddOrder(models.Order{
			Symbol:         "SBIN",
			Type:           models.OrderTypeLimit,
			Category:       models.CategoryIntraday,
			Side:           models.OrderSideSell,
			Quantity:       10,
			ExecutionPrice: limit,
			LimitPrice:     &limit,
			Amount:         amount,
			Status:         models.OrderStatusPending,
		})
		return nil
	})
	require.NoError(t, err)
	_, err = f.accounts.Withdraw(ctx, "acc", decimal.NewFromInt(1400), "")
	require.NoError(t, err)
	require.True(t, f.balance(t, "acc").Equal(decimal.NewFromInt(100)))

	for i := 0; i < 2; i++ {
		report, err := f.pm.BulkForceClose(ctx, models.CategoryIntraday)
		require.NoError(t, err)
		require.Equal(t, []string{"acc"}, report.FailedAccounts())
		require.Zero(t, report.CancelledOrders)

		holdings, err := f.pm.Holdings(ctx, "acc")
		require.NoError(t, err)
		require.Empty(t, holdings)
	}
	require.True(t, f.balance(t, "acc").Equal(decimal.NewFromInt(100)))

	pending, err := f.store.ListOrders(ctx, store.OrderFilter{AccountID: "acc", Statuses: []models.OrderStatus{models.OrderStatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestBulkForceClose_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	f.open(t, "a", 1000)
	f.open(t, "b", 1000)
	f.buy(t, "a", "INFY", models.CategoryIntraday, 5, decimal.NewFromInt(100))
	f.buy(t, "b", "INFY", models.CategoryIntraday, 2, decimal.NewFromInt(100))

	first, err := f.pm.BulkForceClose(ctx, models.CategoryIntraday)
	require.NoError(t, err)
	require.Equal(t, 2, first.Accounts)
	balA, balB := f.balance(t, "a"), f.balance(t, "b")
	txnsA, err := f.accounts.Transactions(ctx, "a", 0)
	require.NoError(t, err)

	second, err := f.pm.BulkForceClose(ctx, models.CategoryIntraday)
	require.NoError(t, err)
	require.Zero(t, second.Accounts)
	require.Empty(t, second.Settlements)
	require.True(t, f.balance(t, "a").Equal(balA))
	require.True(t, f.balance(t, "b").Equal(balB))

	again, err := f.accounts.Transactions(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, again, len(txnsA))
}

func TestBulkForceClose_CancelsPendingOrdersWithRefund(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()
	f.open(t, "acc", 1000)

	limit := decimal.NewFromInt(100)
	err := f.tx.Update(ctx, "acc", func(u *store.UnitOfWork) error {
		amount := decimal.NewFromInt(200)
		if _, err := f.accounts.Debit(u, amount); err != nil {
			return err
		}
		u.AddOrder(models.Order{
			Symbol:         "INFY",
			Type:           models.OrderTypeLimit,
			Category:       models.CategoryIntraday,
			Side:           models.OrderSideBuy,
			Quantity:       10,
			ExecutionPrice: limit,
			LimitPrice:     &limit,
			Amount:         amount,
			Status:         models.OrderStatusPending,
		})
		return nil
	})
	require.NoError(t, err)
	require.True(t, f.balance(t, "acc").Equal(decimal.NewFromInt(800)))

	report, err := f.pm.BulkForceClose(ctx, models.CategoryIntraday)
	require.NoError(t, err)
	require.Equal(t, 1, report.CancelledOrders)
	require.True(t, f.balance(t, "acc").Equal(decimal.NewFromInt(1000)))

	orders, err := f.store.ListOrders(ctx, store.OrderFilter{AccountID: "acc"})
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCancelled, orders[0].Status)
}

type failingStore struct {
	store.Store
	failFor string
}

func (s *failingStore) Commit(ctx context.Context, cs *store.Changeset) error {
	if cs.AccountID == s.failFor {
		return errors.New("disk full")
	}
	return s.Store.Commit(ctx, cs)
}

func TestBulkForceClose_ReportsFailedAccountsAndContinues(t *testing.T) {
	fs := &failingStore{Store: store.NewMemoryStore()}
	f := newFixture(t, fs, Options{})
	ctx := context.Background()
	f.open(t, "good", 1000)
	f.open(t, "bad", 1000)
	f.buy(t, "good", "INFY", models.CategoryIntraday, 1, decimal.NewFromInt(100))
	f.buy(t, "bad", "INFY", models.CategoryIntraday, 1, decimal.NewFromInt(100))
	fs.failFor = "bad"

	report, err := f.pm.BulkForceClose(ctx, models.CategoryIntraday)
	require.NoError(t, err)
	require.Equal(t, []string{"bad"}, report.FailedAccounts())
	require.Equal(t, 1, report.Accounts)
	require.Len(t, report.Settlements, 1)
	require.Equal(t, "good", report.Settlements[0].AccountID)
	require.True(t, f.balance(t, "good").Equal(decimal.NewFromInt(980)))
	require.True(t, f.balance(t, "bad").Equal(decimal.NewFromInt(980)))

	holdings, err := f.store.ListHoldings(ctx, store.HoldingFilter{AccountID: "bad"})
	require.NoError(t, err)
	require.Len(t, holdings, 1)
}

func TestBulkForceClose_LivePriceSettlement(t *testing.T) {
	cache := marketdata.NewTickCache(0)
	cache.OnTick(models.Tick{Symbol: "INFY", LTP: decimal.NewFromInt(110), Timestamp: time.Now()})
	f := newFixture(t, nil, Options{Prices: cache, SettleAtLivePrice: true})
	f.open(t, "acc", 1000)
	f.buy(t, "acc", "INFY", models.CategoryIntraday, 10, decimal.NewFromInt(100))

	report, err := f.pm.BulkForceClose(context.Background(), models.CategoryIntraday)
	require.NoError(t, err)
	require.Len(t, report.Settlements, 1)
	require.True(t, report.Settlements[0].PnL.Equal(decimal.NewFromInt(100)))
	// 1000 - 200 margin + 100 profit
	require.True(t, f.balance(t, "acc").Equal(decimal.NewFromInt(900)))
}

func TestSummary_ValuesAgainstLastPrice(t *testing.T) {
	cache := marketdata.NewTickCache(0)
	f := newFixture(t, nil, Options{Prices: cache})
	f.open(t, "acc", 10000)
	f.buy(t, "acc", "INFY", models.CategoryDelivery, 10, decimal.NewFromInt(100))
	f.buy(t, "acc", "TCS", models.CategoryDelivery, 2, decimal.NewFromInt(500))
	cache.OnTick(models.Tick{Symbol: "INFY", LTP: decimal.NewFromInt(120), Timestamp: time.Now()})

	sum, err := f.pm.Summary(context.Background(), "acc")
	require.NoError(t, err)
	require.Len(t, sum.Positions, 2)
	require.True(t, sum.Cash.Equal(decimal.NewFromInt(8000)))
	require.True(t, sum.Invested.Equal(decimal.NewFromInt(2000)))
	require.True(t, sum.MarketValue.Equal(decimal.NewFromInt(2200)))
	require.True(t, sum.UnrealizedPnL.Equal(decimal.NewFromInt(200)))

	_, err = f.pm.Summary(context.Background(), "ghost")
	require.ErrorIs(t, err, apperrors.ErrAccountNotFound)
}

// Property: after fills (q1, p1) then (q2, p2) the average price is the
// volume-weighted mean of the two prices.
func TestProperty_WeightedAverageLaw(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	tolerance := decimal.New(1, -averagePrecision)

	properties.Property("average price is volume weighted", prop.ForAll(
		func(q1, q2 int64, paise1, paise2 int64) bool {
			p1, p2 := decimal.New(paise1, -2), decimal.New(paise2, -2)
			f := newFixture(t, nil, Options{})
			snap := &store.Snapshot{
				Account:  models.Account{ID: "prop"},
				Holdings: map[models.HoldingKey]models.Holding{},
			}
			u := store.NewUnitOfWork(snap, time.Now())
			if _, err := f.pm.ApplyFill(u, "X", models.OrderSideBuy, models.CategoryDelivery, q1, p1); err != nil {
				return false
			}
			h, err := f.pm.ApplyFill(u, "X", models.OrderSideBuy, models.CategoryDelivery, q2, p2)
			if err != nil {
				return false
			}
			exact := p1.Mul(decimal.NewFromInt(q1)).Add(p2.Mul(decimal.NewFromInt(q2))).
				DivRound(decimal.NewFromInt(q1+q2), 16)
			return h.Quantity == q1+q2 && h.AveragePrice.Sub(exact).Abs().LessThanOrEqual(tolerance)
		},
		gen.Int64Range(1, 10000),
		gen.Int64Range(1, 10000),
		gen.Int64Range(1, 10000000),
		gen.Int64Range(1, 10000000),
	))

	properties.Property("a lot closed in full is removed", prop.ForAll(
		func(qty int64, paise int64) bool {
			f := newFixture(t, nil, Options{})
			snap := &store.Snapshot{
				Account:  models.Account{ID: "prop"},
				Holdings: map[models.HoldingKey]models.Holding{},
			}
			u := store.NewUnitOfWork(snap, time.Now())
			price := decimal.New(paise, -2)
			if _, err := f.pm.ApplyFill(u, "X", models.OrderSideSell, models.CategoryIntraday, qty, price); err != nil {
				return false
			}
			res, err := f.pm.CloseFill(u, "X", models.OrderSideSell, qty, price)
			if err != nil {
				return false
			}
			_, still := u.Holding("X", models.OrderSideSell)
			return !still && res.Remaining == 0 && res.PnL.IsZero() && len(u.Changeset().UpsertHoldings) == 0
		},
		gen.Int64Range(1, 10000),
		gen.Int64Range(1, 10000000),
	))

	properties.TestingRun(t)
}
