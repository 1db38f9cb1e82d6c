// Package orders validates, places, completes and cancels orders. Every order
// event runs as one unit of work on the account it touches.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"papertrade/internal/account"
	apperrors "papertrade/internal/errors"
	"papertrade/internal/logging"
	"papertrade/internal/marketdata"
	"papertrade/internal/models"
	"papertrade/internal/portfolio"
	"papertrade/internal/session"
	"papertrade/internal/store"
	"papertrade/internal/stream"
	"papertrade/pkg/utils"
)

// tickQueueSize bounds the ticks waiting for the fill worker.
const tickQueueSize = 1024

// Deps are the collaborators an Engine needs. Prices, Instruments and Events
// are optional.
type Deps struct {
	Transactor  *store.Transactor
	Accounts    *account.Manager
	Portfolio   *portfolio.Manager
	Session     session.StatusProvider
	Prices      marketdata.PriceSource
	Instruments *marketdata.InstrumentResolver
	Events      stream.Publisher
	Logger      zerolog.Logger
}

// Engine is the order lifecycle controller.
type Engine struct {
	tx          *store.Transactor
	accounts    *account.Manager
	portfolio   *portfolio.Manager
	session     session.StatusProvider
	prices      marketdata.PriceSource
	instruments *marketdata.InstrumentResolver
	events      stream.Publisher
	logger      zerolog.Logger

	ticks   chan models.Tick
	mu      sync.Mutex
	running bool
}

// NewEngine creates an order engine.
func NewEngine(deps Deps) *Engine {
	events := deps.Events
	if events == nil {
		events = stream.NopPublisher{}
	}
	return &Engine{
		tx:          deps.Transactor,
		accounts:    deps.Accounts,
		portfolio:   deps.Portfolio,
		session:     deps.Session,
		prices:      deps.Prices,
		instruments: deps.Instruments,
		events:      events,
		logger:      deps.Logger.With().Str("component", "orders").Logger(),
		ticks:       make(chan models.Tick, tickQueueSize),
	}
}

// PlaceOrderRequest is a new order. ExecutionPrice may be omitted for market
// orders when a price source is configured; for limit orders it defaults to
// the limit price.
type PlaceOrderRequest struct {
	AccountID      string               `json:"account_id"`
	Symbol         string               `json:"symbol"`
	OrderType      models.OrderType     `json:"order_type"`
	Category       models.TradeCategory `json:"order_category"`
	Side           models.OrderSide     `json:"side"`
	Quantity       int64                `json:"quantity"`
	ExecutionPrice *decimal.Decimal     `json:"execution_price,omitempty"`
	LimitPrice     *decimal.Decimal     `json:"limit_price,omitempty"`
}

// OrderPlaced is the result of a successful placement.
type OrderPlaced struct {
	Order   models.Order    `json:"order"`
	Balance decimal.Decimal `json:"balance"`
	Message string          `json:"message"`
}

// CompleteOrderRequest closes quantity of the symbol's lot on side.
type CompleteOrderRequest struct {
	AccountID       string           `json:"account_id"`
	Symbol          string           `json:"symbol"`
	Side            models.OrderSide `json:"side"`
	Quantity        int64            `json:"quantity"`
	CompletionPrice *decimal.Decimal `json:"completion_price,omitempty"`
}

// OrderCompleted is the result of closing a position.
type OrderCompleted struct {
	AccountID       string           `json:"account_id"`
	Symbol          string           `json:"symbol"`
	Side            models.OrderSide `json:"side"`
	Quantity        int64            `json:"quantity"`
	CompletionPrice decimal.Decimal  `json:"completion_price"`
	PnL             decimal.Decimal  `json:"pnl"`
	Credit          decimal.Decimal  `json:"credit"`
	Balance         decimal.Decimal  `json:"balance"`
	Remaining       int64            `json:"remaining"`
	// Order is the oldest open order the close was matched to, if any.
	Order   *models.Order `json:"order,omitempty"`
	Message string        `json:"message"`
}

// OrderCancelled is the result of cancelling a pending order.
type OrderCancelled struct {
	Order   models.Order    `json:"order"`
	Refund  decimal.Decimal `json:"refund"`
	Balance decimal.Decimal `json:"balance"`
	Message string          `json:"message"`
}

// PlaceOrder validates req against the session and the account and, when it
// passes, debits margin (buys) or credits proceeds (sells), records the order
// and fills the lot in one atomic unit. Limit orders stay pending with their
// cash already moved.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderPlaced, error) {
	log := logging.WithOperation(logging.WithAccount(e.logger, req.AccountID), "place_order")

	if err := validatePlace(&req); err != nil {
		return nil, err
	}
	symbol, err := e.resolve(req.Symbol)
	if err != nil {
		return nil, err
	}

	status, err := e.status(ctx)
	if err != nil {
		return nil, err
	}
	if status == models.MarketClosed {
		switch {
		case req.Category != models.CategoryDelivery:
			return nil, apperrors.MarketClosed(fmt.Sprintf("%s orders are not accepted while the market is closed", req.Category))
		case req.OrderType == models.OrderTypeMarket:
			return nil, apperrors.MarketClosed("market orders are not accepted while the market is closed, place a limit order instead")
		}
	}
	if err := validateAmounts(&req); err != nil {
		return nil, err
	}

	price, err := e.executionPrice(ctx, symbol, &req)
	if err != nil {
		return nil, err
	}

	order := models.Order{
		Symbol:         symbol,
		Type:           req.OrderType,
		Category:       req.Category,
		Side:           req.Side,
		Quantity:       req.Quantity,
		ExecutionPrice: price,
		LimitPrice:     req.LimitPrice,
		Status:         models.OrderStatusExecuted,
	}
	if req.OrderType == models.OrderTypeLimit {
		order.Status = models.OrderStatusPending
	}

	var placed models.Order
	var balance decimal.Decimal
	err = e.tx.Update(ctx, req.AccountID, func(u *store.UnitOfWork) error {
		o := order
		notional := o.Notional()

		if o.Side == models.OrderSideBuy {
			o.Amount = notional.Mul(e.portfolio.MarginRate(o.Category))
			if _, err := e.accounts.Debit(u, o.Amount); err != nil {
				return err
			}
			u.AppendTransaction(models.TransactionWithdrawal, o.Amount, placementNote(o))
		} else {
			h, ok := u.Holding(o.Symbol, models.OrderSideBuy)
			if !ok || h.Quantity < o.Quantity {
				return apperrors.InsufficientHoldings(o.Symbol, o.Quantity, h.Quantity)
			}
			o.Amount = notional
			if _, err := e.accounts.Credit(u, o.Amount); err != nil {
				return err
			}
			u.AppendTransaction(models.TransactionDeposit, o.Amount, placementNote(o))
		}

		o = u.AddOrder(o)
		if o.Status == models.OrderStatusExecuted {
			if _, err := e.portfolio.ApplyFill(u, o.Symbol, o.Side, o.Category, o.Quantity, o.ExecutionPrice); err != nil {
				return err
			}
		}
		placed = o
		balance = u.Balance()
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Str("side", string(req.Side)).Msg("Order rejected")
		return nil, err
	}

	logging.LogOrder(log, placed.ID, placed.Symbol, string(placed.Side), string(placed.Status))
	result := &OrderPlaced{Order: placed, Balance: balance, Message: placedMessage(placed)}
	e.events.Broadcast(stream.NewEvent(stream.EventOrderPlaced, placed.AccountID, result))
	return result, nil
}

func validatePlace(req *PlaceOrderRequest) error {
	req.AccountID = strings.TrimSpace(req.AccountID)
	switch {
	case req.AccountID == "":
		return apperrors.InvalidRequest("account_id", "is required")
	case strings.TrimSpace(req.Symbol) == "":
		return apperrors.InvalidRequest("symbol", "is required")
	case !req.OrderType.Valid():
		return apperrors.InvalidRequest("order_type", "must be market or limit")
	case !req.Category.Valid():
		return apperrors.InvalidRequest("order_category", "must be intraday, delivery, futures or options")
	case !req.Side.Valid():
		return apperrors.InvalidRequest("side", "must be buy or sell")
	}
	return nil
}

// validateAmounts checks quantity and prices. It runs after the session
// policy so a closed market is reported before a bad number.
func validateAmounts(req *PlaceOrderRequest) error {
	if req.Quantity <= 0 {
		return apperrors.InvalidRequest("quantity", "must be greater than zero")
	}

	if req.ExecutionPrice != nil && !req.ExecutionPrice.IsPositive() {
		return apperrors.InvalidRequest("execution_price", "must be greater than zero")
	}
	if req.OrderType == models.OrderTypeMarket {
		if req.LimitPrice != nil {
			return apperrors.InvalidRequest("limit_price", "is only allowed on limit orders")
		}
		return nil
	}

	if req.LimitPrice == nil {
		return apperrors.InvalidRequest("limit_price", "is required for limit orders")
	}
	if !req.LimitPrice.IsPositive() {
		return apperrors.InvalidRequest("limit_price", "must be greater than zero")
	}
	if req.ExecutionPrice == nil {
		limit := *req.LimitPrice
		req.ExecutionPrice = &limit
	}
	if req.Side == models.OrderSideBuy && req.ExecutionPrice.GreaterThan(*req.LimitPrice) {
		return apperrors.InvalidRequest("execution_price", "must not exceed the limit price on a buy limit order")
	}
	return nil
}

// CompleteOrder closes quantity of the lot at the completion price, credits
// the principal plus the realized P&L and marks the oldest open order for the
// symbol and side completed.
func (e *Engine) CompleteOrder(ctx context.Context, req CompleteOrderRequest) (*OrderCompleted, error) {
	log := logging.WithOperation(logging.WithAccount(e.logger, req.AccountID), "complete_order")

	req.AccountID = strings.TrimSpace(req.AccountID)
	switch {
	case req.AccountID == "":
		return nil, apperrors.InvalidRequest("account_id", "is required")
	case strings.TrimSpace(req.Symbol) == "":
		return nil, apperrors.InvalidRequest("symbol", "is required")
	case !req.Side.Valid():
		return nil, apperrors.InvalidRequest("side", "must be buy or sell")
	case req.Quantity <= 0:
		return nil, apperrors.InvalidRequest("quantity", "must be greater than zero")
	case req.CompletionPrice != nil && !req.CompletionPrice.IsPositive():
		return nil, apperrors.InvalidRequest("completion_price", "must be greater than zero")
	}
	symbol, err := e.resolve(req.Symbol)
	if err != nil {
		return nil, err
	}

	var price decimal.Decimal
	if req.CompletionPrice != nil {
		price = *req.CompletionPrice
	} else if price, err = e.lookupPrice(ctx, symbol, "completion_price"); err != nil {
		return nil, err
	}

	var result OrderCompleted
	err = e.tx.Update(ctx, req.AccountID, func(u *store.UnitOfWork) error {
		res, err := e.portfolio.CloseFill(u, symbol, req.Side, req.Quantity, price)
		if err != nil {
			return err
		}

		credit := price.Mul(decimal.NewFromInt(req.Quantity)).Add(res.PnL)
		balance, err := e.accounts.Credit(u, credit)
		if err != nil {
			return err
		}
		if !credit.IsZero() {
			kind := models.TransactionDeposit
			if credit.IsNegative() {
				kind = models.TransactionWithdrawal
			}
			u.AppendTransaction(kind, credit.Abs(), fmt.Sprintf("close %s %s x%d @ %s, P&L %s",
				req.Side, symbol, req.Quantity, price.StringFixed(2), res.PnL.StringFixed(2)))
		}

		result = OrderCompleted{
			AccountID:       u.AccountID(),
			Symbol:          symbol,
			Side:            req.Side,
			Quantity:        req.Quantity,
			CompletionPrice: price,
			PnL:             res.PnL,
			Credit:          credit,
			Balance:         balance,
			Remaining:       res.Remaining,
		}

		for _, o := range u.OpenOrders() {
			if o.Symbol != symbol || o.Side != req.Side {
				continue
			}
			completion := price
			o.Status = models.OrderStatusCompleted
			o.CompletionPrice = &completion
			if err := u.UpdateOrder(o); err != nil {
				return err
			}
			completed, _ := u.Order(o.ID)
			result.Order = &completed
			break
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Completion rejected")
		return nil, err
	}

	result.Message = fmt.Sprintf("Closed %s %s %s @ %s, P&L %s", utils.FormatQuantity(result.Quantity), symbol, result.Side,
		utils.FormatIndianCurrency(price), utils.FormatPnL(result.PnL))
	orderID := ""
	if result.Order != nil {
		orderID = result.Order.ID
	}
	logging.LogOrder(log, orderID, symbol, string(req.Side), string(models.OrderStatusCompleted))
	e.events.Broadcast(stream.NewEvent(stream.EventOrderCompleted, result.AccountID, &result))
	return &result, nil
}

// CancelOrder cancels a pending order and reverses the cash it moved.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*OrderCancelled, error) {
	existing, err := e.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing.Status != models.OrderStatusPending {
		return nil, apperrors.OrderNotCancellable(orderID, string(existing.Status))
	}

	var result OrderCancelled
	err = e.tx.Update(ctx, existing.AccountID, func(u *store.UnitOfWork) error {
		o, ok := u.Order(orderID)
		if !ok {
			return apperrors.OrderNotCancellable(orderID, "no longer pending")
		}
		if err := portfolio.CancelPending(e.accounts, u, o, ""); err != nil {
			return err
		}
		o, _ = u.Order(orderID)
		result = OrderCancelled{
			Order:   o,
			Refund:  o.PlacementCashEffect().Neg(),
			Balance: u.Balance(),
		}
		return nil
	})
	log := logging.WithOrderID(logging.WithAccount(e.logger, existing.AccountID), orderID)
	if err != nil {
		log.Warn().Err(err).Msg("Cancel rejected")
		return nil, err
	}

	result.Message = fmt.Sprintf("Cancelled %s %s order for %s %s", result.Order.Type, result.Order.Side,
		utils.FormatQuantity(result.Order.Quantity), result.Order.Symbol)
	logging.LogOrder(log, orderID, result.Order.Symbol, string(result.Order.Side), string(result.Order.Status))
	e.events.Broadcast(stream.NewEvent(stream.EventOrderCancelled, result.Order.AccountID, &result))
	return &result, nil
}

// ExecutePending fills a pending limit order. The market must be open and
// price, when given, must satisfy the limit. The lot is filled at the order's
// execution price, the price its cash was moved at.
func (e *Engine) ExecutePending(ctx context.Context, orderID string, price *decimal.Decimal) (*models.Order, error) {
	existing, err := e.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing.Status != models.OrderStatusPending {
		return nil, apperrors.InvalidRequest("order_id", fmt.Sprintf("order %s is %s, only pending orders can be executed", orderID, existing.Status))
	}
	status, err := e.status(ctx)
	if err != nil {
		return nil, err
	}
	if status != models.MarketOpen {
		return nil, apperrors.MarketClosed("pending orders execute only while the market is open")
	}
	if price != nil && !limitSatisfied(*existing, *price) {
		return nil, apperrors.InvalidRequest("price", fmt.Sprintf("%s does not satisfy the limit of order %s", price.StringFixed(2), orderID))
	}
	return e.fill(ctx, *existing)
}

// ExecuteAllPending fills every pending order whose limit is satisfied by the
// current price. Without a price source every pending order fills. Failures
// are logged and joined into the returned error; the rest still fill.
func (e *Engine) ExecuteAllPending(ctx context.Context) (int, error) {
	status, err := e.status(ctx)
	if err != nil {
		return 0, err
	}
	if status != models.MarketOpen {
		return 0, nil
	}

	pending, err := e.tx.Store().ListOrders(ctx, store.OrderFilter{Statuses: []models.OrderStatus{models.OrderStatusPending}})
	if err != nil {
		return 0, apperrors.Internal(err)
	}

	var errs []error
	filled := 0
	for _, o := range pending {
		if err := ctx.Err(); err != nil {
			return filled, err
		}
		if e.prices != nil {
			price, err := e.prices.CurrentPrice(ctx, o.Symbol)
			if err != nil {
				e.logger.Debug().Err(err).Str("order_id", o.ID).Msg("No price for pending order")
				continue
			}
			if !limitSatisfied(o, price) {
				continue
			}
		}
		if _, err := e.fill(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		filled++
	}
	if filled > 0 || len(errs) > 0 {
		e.logger.Info().Int("filled", filled).Int("failed", len(errs)).Msg("Pending orders processed")
	}
	return filled, errors.Join(errs...)
}

// fill executes a pending order in its own unit of work.
func (e *Engine) fill(ctx context.Context, pending models.Order) (*models.Order, error) {
	var executed models.Order
	err := e.tx.Update(ctx, pending.AccountID, func(u *store.UnitOfWork) error {
		o, ok := u.Order(pending.ID)
		if !ok || o.Status != models.OrderStatusPending {
			return apperrors.InvalidRequest("order_id", fmt.Sprintf("order %s is no longer pending", pending.ID))
		}
		if _, err := e.portfolio.ApplyFill(u, o.Symbol, o.Side, o.Category, o.Quantity, o.ExecutionPrice); err != nil {
			return err
		}
		o.Status = models.OrderStatusExecuted
		if err := u.UpdateOrder(o); err != nil {
			return err
		}
		executed, _ = u.Order(o.ID)
		return nil
	})
	if err != nil {
		log := logging.WithOrderID(e.logger, pending.ID)
		log.Debug().Err(err).Msg("Pending fill failed")
		return nil, err
	}

	logging.LogOrder(e.logger, executed.ID, executed.Symbol, string(executed.Side), string(executed.Status))
	e.events.Broadcast(stream.NewEvent(stream.EventOrderExecuted, executed.AccountID, &executed))
	return &executed, nil
}

// limitSatisfied reports whether price triggers a pending limit order: at or
// below the limit for buys, at or above it for sells.
func limitSatisfied(o models.Order, price decimal.Decimal) bool {
	limit := o.ExecutionPrice
	if o.LimitPrice != nil {
		limit = *o.LimitPrice
	}
	if o.Side == models.OrderSideBuy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

// Orders lists orders, oldest first.
func (e *Engine) Orders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error) {
	if filter.AccountID != "" {
		if _, err := e.accounts.Get(ctx, filter.AccountID); err != nil {
			return nil, err
		}
	}
	if filter.Symbol != "" {
		filter.Symbol = normalize(filter.Symbol)
	}
	orders, err := e.tx.Store().ListOrders(ctx, filter)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return orders, nil
}

// Order returns one order.
func (e *Engine) Order(ctx context.Context, orderID string) (*models.Order, error) {
	return e.getOrder(ctx, orderID)
}

func (e *Engine) getOrder(ctx context.Context, orderID string) (*models.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, apperrors.InvalidRequest("order_id", "is required")
	}
	o, err := e.tx.Store().GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.OrderNotFound(orderID)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return o, nil
}

func (e *Engine) status(ctx context.Context) (models.MarketStatus, error) {
	if e.session == nil {
		return models.MarketOpen, nil
	}
	status, err := e.session.Status(ctx)
	if err != nil {
		return models.MarketClosed, apperrors.Internal(fmt.Errorf("session status: %w", err))
	}
	return status, nil
}

// resolve maps a symbol or company name to its trading symbol.
func (e *Engine) resolve(symbolOrName string) (string, error) {
	if e.instruments == nil {
		return normalize(symbolOrName), nil
	}
	in, err := e.instruments.Resolve(symbolOrName)
	if err != nil {
		return "", apperrors.InvalidRequest("symbol", fmt.Sprintf("unknown instrument %q", symbolOrName))
	}
	return normalize(in.Symbol), nil
}

func (e *Engine) executionPrice(ctx context.Context, symbol string, req *PlaceOrderRequest) (decimal.Decimal, error) {
	if req.ExecutionPrice != nil {
		return *req.ExecutionPrice, nil
	}
	return e.lookupPrice(ctx, symbol, "execution_price")
}

func (e *Engine) lookupPrice(ctx context.Context, symbol, field string) (decimal.Decimal, error) {
	if e.prices == nil {
		return decimal.Zero, apperrors.InvalidRequest(field, "is required")
	}
	price, err := e.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		if apperrors.IsDomain(err) {
			return decimal.Zero, err
		}
		return decimal.Zero, apperrors.PriceUnavailable(symbol, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, apperrors.PriceUnavailable(symbol, marketdata.ErrNoPrice)
	}
	return price, nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func placementNote(o models.Order) string {
	if o.Side == models.OrderSideBuy {
		return fmt.Sprintf("%s %s buy %s x%d @ %s (margin)", o.Category, o.Type, o.Symbol, o.Quantity, o.ExecutionPrice.StringFixed(2))
	}
	return fmt.Sprintf("%s %s sell %s x%d @ %s", o.Category, o.Type, o.Symbol, o.Quantity, o.ExecutionPrice.StringFixed(2))
}

func placedMessage(o models.Order) string {
	verb := "Bought"
	if o.Side == models.OrderSideSell {
		verb = "Sold"
	}
	if o.Status == models.OrderStatusPending {
		return fmt.Sprintf("Limit %s order for %s %s @ %s is pending", o.Side, utils.FormatQuantity(o.Quantity), o.Symbol,
			utils.FormatIndianCurrency(*o.LimitPrice))
	}
	return fmt.Sprintf("%s %s %s @ %s (%s)", verb, utils.FormatQuantity(o.Quantity), o.Symbol,
		utils.FormatIndianCurrency(o.ExecutionPrice), o.Category)
}
