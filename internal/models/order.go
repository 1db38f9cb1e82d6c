package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusExecuted  OrderStatus = "executed"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsOpen reports whether an order in this status can still be completed.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusPending || s == OrderStatusExecuted
}

// Order represents a trading order.
type Order struct {
	ID              string           `json:"id"`
	AccountID       string           `json:"account_id"`
	Symbol          string           `json:"symbol"`
	Type            OrderType        `json:"order_type"`
	Category        TradeCategory    `json:"order_category"`
	Side            OrderSide        `json:"side"`
	Quantity        int64            `json:"quantity"`
	ExecutionPrice  decimal.Decimal  `json:"execution_price"`
	LimitPrice      *decimal.Decimal `json:"limit_price,omitempty"`
	CompletionPrice *decimal.Decimal `json:"completion_price,omitempty"`
	// Amount is the cash moved at placement: margin debited for buys,
	// proceeds credited for sells. Cancellation reverses exactly this.
	Amount    decimal.Decimal `json:"amount"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Notional returns execution price times quantity.
func (o *Order) Notional() decimal.Decimal {
	return o.ExecutionPrice.Mul(decimal.NewFromInt(o.Quantity))
}

// HoldingKey uniquely identifies a holding lot.
type HoldingKey struct {
	AccountID string
	Symbol    string
	TradeType OrderSide
}

// Holding represents an open lot for one account, symbol and direction.
type Holding struct {
	AccountID    string          `json:"account_id"`
	Symbol       string          `json:"symbol"`
	TradeType    OrderSide       `json:"trade_type"`
	Category     TradeCategory   `json:"trade_category"`
	Quantity     int64           `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Key returns the holding's unique key.
func (h *Holding) Key() HoldingKey {
	return HoldingKey{AccountID: h.AccountID, Symbol: h.Symbol, TradeType: h.TradeType}
}

// InvestedValue returns average price times quantity.
func (h *Holding) InvestedValue() decimal.Decimal {
	return h.AveragePrice.Mul(decimal.NewFromInt(h.Quantity))
}

// PlacementCashEffect returns the signed change placement made to the cash
// balance: negative for buys, positive for sells.
func (o *Order) PlacementCashEffect() decimal.Decimal {
	if o.Side == OrderSideSell {
		return o.Amount
	}
	return o.Amount.Neg()
}
