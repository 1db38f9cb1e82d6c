// Package portfolio owns holding lots: fills, closes, average price and the
// end-of-day force close.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"papertrade/internal/account"
	apperrors "papertrade/internal/errors"
	"papertrade/internal/logging"
	"papertrade/internal/marketdata"
	"papertrade/internal/models"
	"papertrade/internal/store"
)

// DefaultIntradayMarginRate is the share of notional blocked for intraday buys.
var DefaultIntradayMarginRate = decimal.RequireFromString("0.2")

// averagePrecision is the number of decimal places kept on average prices.
const averagePrecision = 8

// Options configures a Manager.
type Options struct {
	IntradayMarginRate decimal.Decimal
	// Prices values holdings in Summary and, with SettleAtLivePrice, prices
	// the force close. Optional.
	Prices            marketdata.PriceSource
	SettleAtLivePrice bool
	// ReleaseMargin adds the blocked margin of a buy lot to its square-off
	// credit. Off by default: the sweep moves cash by the realized P&L only.
	ReleaseMargin bool
}

// Manager applies fills and closes to holding lots.
type Manager struct {
	tx         *store.Transactor
	accounts   *account.Manager
	marginRate decimal.Decimal
	prices     marketdata.PriceSource
	settleLive bool
	release    bool
	logger     zerolog.Logger
}

// NewManager creates a portfolio manager.
func NewManager(tx *store.Transactor, accounts *account.Manager, logger zerolog.Logger, opts Options) *Manager {
	rate := opts.IntradayMarginRate
	if !rate.IsPositive() {
		rate = DefaultIntradayMarginRate
	}
	return &Manager{
		tx:         tx,
		accounts:   accounts,
		marginRate: rate,
		prices:     opts.Prices,
		settleLive: opts.SettleAtLivePrice,
		release:    opts.ReleaseMargin,
		logger:     logger.With().Str("component", "portfolio").Logger(),
	}
}

// MarginRate returns the fraction of notional blocked for a buy in category.
func (m *Manager) MarginRate(category models.TradeCategory) decimal.Decimal {
	if category == models.CategoryIntraday {
		return m.marginRate
	}
	return decimal.NewFromInt(1)
}

// ApplyFill opens or adds to the lot for symbol and side. Adding recomputes the
// volume-weighted average price; the lot takes the category of the latest fill.
func (m *Manager) ApplyFill(u *store.UnitOfWork, symbol string, side models.OrderSide, category models.TradeCategory, qty int64, price decimal.Decimal) (models.Holding, error) {
	if qty <= 0 {
		return models.Holding{}, apperrors.InvalidRequest("quantity", "must be greater than zero")
	}
	if !price.IsPositive() {
		return models.Holding{}, apperrors.InvalidRequest("price", "must be greater than zero")
	}

	h, ok := u.Holding(symbol, side)
	if !ok {
		h = models.Holding{
			AccountID:    u.AccountID(),
			Symbol:       symbol,
			TradeType:    side,
			Quantity:     qty,
			AveragePrice: price,
		}
	} else {
		h.AveragePrice = WeightedAverage(h.AveragePrice, h.Quantity, price, qty)
		h.Quantity += qty
	}
	h.Category = category
	u.PutHolding(h)

	logging.LogFill(m.logger, symbol, string(side), h.Quantity, price, h.AveragePrice)
	return h, nil
}

// WeightedAverage returns (avg1*q1 + p2*q2) / (q1+q2), rounded to eight places.
func WeightedAverage(avg1 decimal.Decimal, q1 int64, p2 decimal.Decimal, q2 int64) decimal.Decimal {
	total := decimal.NewFromInt(q1 + q2)
	cost := avg1.Mul(decimal.NewFromInt(q1)).Add(p2.Mul(decimal.NewFromInt(q2)))
	return cost.DivRound(total, averagePrecision)
}

// CloseResult is the outcome of closing part or all of a lot.
type CloseResult struct {
	Holding   models.Holding  // the lot before the close
	Quantity  int64           // quantity closed
	PnL       decimal.Decimal // realized profit or loss
	Remaining int64           // quantity left in the lot
}

// CloseFill reduces the lot for symbol and side by qty at completionPrice and
// deletes it when nothing remains.
func (m *Manager) CloseFill(u *store.UnitOfWork, symbol string, side models.OrderSide, qty int64, completionPrice decimal.Decimal) (CloseResult, error) {
	if qty <= 0 {
		return CloseResult{}, apperrors.InvalidRequest("quantity", "must be greater than zero")
	}
	h, ok := u.Holding(symbol, side)
	if !ok {
		return CloseResult{}, apperrors.HoldingNotFound(symbol, string(side))
	}
	if qty > h.Quantity {
		return CloseResult{}, apperrors.InsufficientQuantity(symbol, qty, h.Quantity)
	}

	res := CloseResult{
		Holding:   h,
		Quantity:  qty,
		PnL:       RealizedPnL(side, h.AveragePrice, completionPrice, qty),
		Remaining: h.Quantity - qty,
	}
	h.Quantity = res.Remaining
	u.PutHolding(h)

	logging.LogFill(m.logger, symbol, string(side), h.Quantity, completionPrice, h.AveragePrice)
	return res, nil
}

// RealizedPnL returns (close-avg)*qty for buy lots and (avg-close)*qty for sell lots.
func RealizedPnL(side models.OrderSide, avg, closePrice decimal.Decimal, qty int64) decimal.Decimal {
	diff := closePrice.Sub(avg)
	if side == models.OrderSideSell {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(qty))
}

// Holdings returns an account's open lots.
func (m *Manager) Holdings(ctx context.Context, accountID string) ([]models.Holding, error) {
	if _, err := m.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}
	holdings, err := m.tx.Store().ListHoldings(ctx, store.HoldingFilter{AccountID: accountID})
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return holdings, nil
}

// Position is a holding valued at the last known price.
type Position struct {
	models.Holding
	LastPrice     *decimal.Decimal `json:"last_price,omitempty"`
	Invested      decimal.Decimal  `json:"invested"`
	MarketValue   decimal.Decimal  `json:"market_value"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
}

// Summary values an account's holdings.
type Summary struct {
	AccountID     string          `json:"account_id"`
	Cash          decimal.Decimal `json:"cash"`
	Invested      decimal.Decimal `json:"invested"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Positions     []Position      `json:"positions"`
}

// Summary values every lot against the price source. Lots without a price are
// valued at their average price.
func (m *Manager) Summary(ctx context.Context, accountID string) (*Summary, error) {
	acct, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	holdings, err := m.tx.Store().ListHoldings(ctx, store.HoldingFilter{AccountID: accountID})
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	sum := &Summary{AccountID: accountID, Cash: acct.CashBalance}
	for _, h := range holdings {
		p := Position{Holding: h, Invested: h.InvestedValue()}
		mark := h.AveragePrice
		if m.prices != nil {
			if price, err := m.prices.CurrentPrice(ctx, h.Symbol); err == nil {
				last := price
				p.LastPrice = &last
				mark = price
			}
		}
		p.MarketValue = mark.Mul(decimal.NewFromInt(h.Quantity))
		p.UnrealizedPnL = RealizedPnL(h.TradeType, h.AveragePrice, mark, h.Quantity)

		sum.Invested = sum.Invested.Add(p.Invested)
		sum.MarketValue = sum.MarketValue.Add(p.MarketValue)
		sum.UnrealizedPnL = sum.UnrealizedPnL.Add(p.UnrealizedPnL)
		sum.Positions = append(sum.Positions, p)
	}
	return sum, nil
}

// Settlement records one lot closed by the force-close sweep.
type Settlement struct {
	AccountID    string               `json:"account_id"`
	Symbol       string               `json:"symbol"`
	TradeType    models.OrderSide     `json:"trade_type"`
	Category     models.TradeCategory `json:"trade_category"`
	Quantity     int64                `json:"quantity"`
	AveragePrice decimal.Decimal      `json:"average_price"`
	ClosePrice   decimal.Decimal      `json:"close_price"`
	PnL          decimal.Decimal      `json:"pnl"`
	// Credit is the cash returned for this lot: released margin plus P&L for
	// buy lots, P&L alone for sell lots.
	Credit decimal.Decimal `json:"credit"`
}

// AccountFailure names an account the sweep could not settle.
type AccountFailure struct {
	AccountID string `json:"account_id"`
	Error     string `json:"error"`
}

// SweepReport summarises one force-close run.
type SweepReport struct {
	Category        models.TradeCategory `json:"trade_category"`
	Accounts        int                  `json:"accounts"`
	Settlements     []Settlement         `json:"settlements"`
	CompletedOrders int                  `json:"completed_orders"`
	CancelledOrders int                  `json:"cancelled_orders"`
	TotalPnL        decimal.Decimal      `json:"total_pnl"`
	TotalCredit     decimal.Decimal      `json:"total_credit"`
	Failed          []AccountFailure     `json:"failed,omitempty"`
	StartedAt       time.Time            `json:"started_at"`
	CompletedAt     time.Time            `json:"completed_at"`
}

// FailedAccounts returns the IDs of accounts that could not be settled.
func (r *SweepReport) FailedAccounts() []string {
	ids := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		ids[i] = f.AccountID
	}
	return ids
}

// BulkForceClose closes every lot of category across all accounts. Each
// account's lots are closed in their own unit of work: the lots are removed,
// the account credited or debited by the realized P&L, executed orders of the
// category completed and one wallet transaction appended per closed lot. Pending orders of the category are cancelled afterwards,
// one unit per order, so a refund that cannot be applied never keeps a lot
// open. Failures are logged and reported; the sweep carries on. Lots already
// closed are simply not found, so running the sweep again is a no-op.
func (m *Manager) BulkForceClose(ctx context.Context, category models.TradeCategory) (*SweepReport, error) {
	report := &SweepReport{Category: category, StartedAt: time.Now().UTC()}

	holdings, err := m.tx.Store().ListHoldings(ctx, store.HoldingFilter{Category: category})
	if err != nil {
		return nil, apperrors.Internal(apperrors.Wrapf(err, "listing %s holdings", category))
	}
	pending, err := m.tx.Store().ListOrders(ctx, store.OrderFilter{Statuses: []models.OrderStatus{models.OrderStatusPending}})
	if err != nil {
		return nil, apperrors.Internal(apperrors.Wrap(err, "listing pending orders"))
	}

	var accountIDs []string
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			accountIDs = append(accountIDs, id)
		}
	}
	for _, h := range holdings {
		add(h.AccountID)
	}
	for _, o := range pending {
		if o.Category == category {
			add(o.AccountID)
		}
	}

	for _, accountID := range accountIDs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		settled, completed, err := m.settleAccount(ctx, accountID, category)
		credit := decimal.Zero
		for _, s := range settled {
			credit = credit.Add(s.Credit)
		}
		logging.LogSettlement(m.logger, accountID, len(settled), credit, err)
		if err != nil {
			report.Failed = append(report.Failed, AccountFailure{AccountID: accountID, Error: err.Error()})
			continue
		}

		cancelled, err := m.expirePending(ctx, accountID, category)
		if err != nil {
			report.Failed = append(report.Failed, AccountFailure{AccountID: accountID, Error: err.Error()})
		}
		if len(settled) == 0 && cancelled == 0 {
			continue
		}
		report.Accounts++
		report.CompletedOrders += completed
		report.CancelledOrders += cancelled
		for _, s := range settled {
			report.TotalPnL = report.TotalPnL.Add(s.PnL)
			report.TotalCredit = report.TotalCredit.Add(s.Credit)
		}
		report.Settlements = append(report.Settlements, settled...)
	}

	report.CompletedAt = time.Now().UTC()
	return report, nil
}

// settleAccount closes the account's lots of category and completes the
// executed orders behind them.
func (m *Manager) settleAccount(ctx context.Context, accountID string, category models.TradeCategory) ([]Settlement, int, error) {
	var settled []Settlement
	var completed int

	err := m.tx.Update(ctx, accountID, func(u *store.UnitOfWork) error {
		settled, completed = nil, 0

		closedLots := make(map[models.HoldingKey]decimal.Decimal)
		for _, h := range u.Holdings() {
			if h.Category != category {
				continue
			}
			closePrice := m.closePrice(ctx, h)
			res, err := m.CloseFill(u, h.Symbol, h.TradeType, h.Quantity, closePrice)
			if err != nil {
				return err
			}

			credit := res.PnL
			if m.release && h.TradeType == models.OrderSideBuy {
				credit = credit.Add(h.InvestedValue().Mul(m.MarginRate(category)))
			}
			if _, err := m.accounts.Credit(u, credit); err != nil {
				return err
			}
			kind := models.TransactionDeposit
			if credit.IsNegative() {
				kind = models.TransactionWithdrawal
			}
			u.AppendTransaction(kind, credit.Abs(), fmt.Sprintf("%s square-off %s %s x%d @ %s, P&L %s",
				category, h.TradeType, h.Symbol, h.Quantity, closePrice.StringFixed(2), res.PnL.StringFixed(2)))

			closedLots[h.Key()] = closePrice
			settled = append(settled, Settlement{
				AccountID:    accountID,
				Symbol:       h.Symbol,
				TradeType:    h.TradeType,
				Category:     category,
				Quantity:     h.Quantity,
				AveragePrice: h.AveragePrice,
				ClosePrice:   closePrice,
				PnL:          res.PnL,
				Credit:       credit,
			})
		}

		for _, o := range u.OpenOrders() {
			if o.Category != category || o.Status != models.OrderStatusExecuted {
				continue
			}
			closePrice, ok := closedLots[models.HoldingKey{AccountID: accountID, Symbol: o.Symbol, TradeType: o.Side}]
			if !ok {
				continue
			}
			o.Status = models.OrderStatusCompleted
			o.CompletionPrice = &closePrice
			if err := u.UpdateOrder(o); err != nil {
				return err
			}
			completed++
		}
		return nil
	})
	return settled, completed, err
}

// expirePending cancels the account's pending orders of category, each in its
// own unit of work. It returns how many were cancelled and the joined errors of
// the ones that could not be.
func (m *Manager) expirePending(ctx context.Context, accountID string, category models.TradeCategory) (int, error) {
	pending, err := m.tx.Store().ListOrders(ctx, store.OrderFilter{
		AccountID: accountID,
		Statuses:  []models.OrderStatus{models.OrderStatusPending},
	})
	if err != nil {
		return 0, apperrors.Wrapf(err, "listing pending orders for %s", accountID)
	}

	var cancelled int
	var errs []error
	for _, o := range pending {
		if o.Category != category {
			continue
		}
		err := m.tx.Update(ctx, accountID, func(u *store.UnitOfWork) error {
			current, ok := u.Order(o.ID)
			if !ok || current.Status != models.OrderStatusPending {
				return nil
			}
			return CancelPending(m.accounts, u, current, "expired at square-off")
		})
		if err != nil {
			log := logging.WithOrderID(m.logger, o.ID)
			log.Warn().Err(err).Msg("Failed to expire pending order")
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		cancelled++
	}
	return cancelled, errors.Join(errs...)
}

// closePrice returns the lot's average price, or the live price when live
// settlement is enabled and a price is available.
func (m *Manager) closePrice(ctx context.Context, h models.Holding) decimal.Decimal {
	if !m.settleLive || m.prices == nil {
		return h.AveragePrice
	}
	price, err := m.prices.CurrentPrice(ctx, h.Symbol)
	if err != nil {
		m.logger.Warn().Err(err).Str("symbol", h.Symbol).Msg("No live price for square-off, using average price")
		return h.AveragePrice
	}
	return price
}

// CancelPending marks a pending order cancelled and reverses the cash moved at
// placement with a compensating wallet transaction.
func CancelPending(accounts *account.Manager, u *store.UnitOfWork, o models.Order, reason string) error {
	if o.Status != models.OrderStatusPending {
		return apperrors.OrderNotCancellable(o.ID, string(o.Status))
	}
	reversal := o.PlacementCashEffect().Neg()
	if _, err := accounts.Credit(u, reversal); err != nil {
		return err
	}
	if !reversal.IsZero() {
		kind := models.TransactionDeposit
		if reversal.IsNegative() {
			kind = models.TransactionWithdrawal
		}
		note := fmt.Sprintf("cancel %s %s %s x%d", o.Type, strings.ToLower(string(o.Side)), o.Symbol, o.Quantity)
		if reason != "" {
			note += " (" + reason + ")"
		}
		u.AppendTransaction(kind, reversal.Abs(), note)
	}
	o.Status = models.OrderStatusCancelled
	return u.UpdateOrder(o)
}
