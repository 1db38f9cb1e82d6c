// Package models provides domain models for the paper trading ledger.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the side of an order. It doubles as the trade type of a
// holding lot: buy lots are long, sell lots are short.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// TradeCategory represents the product category of an order or holding.
type TradeCategory string

const (
	CategoryIntraday TradeCategory = "intraday"
	CategoryDelivery TradeCategory = "delivery"
	CategoryFutures  TradeCategory = "futures"
	CategoryOptions  TradeCategory = "options"
)

// Valid reports whether c is a known category.
func (c TradeCategory) Valid() bool {
	switch c {
	case CategoryIntraday, CategoryDelivery, CategoryFutures, CategoryOptions:
		return true
	}
	return false
}

// MarketStatus represents the open/closed state of the trading session.
type MarketStatus string

const (
	MarketOpen   MarketStatus = "open"
	MarketClosed MarketStatus = "closed"
)

// Tick represents a real-time price update for a symbol.
type Tick struct {
	Symbol    string          `json:"symbol"`
	LTP       decimal.Decimal `json:"ltp"`
	Timestamp time.Time       `json:"timestamp"`
}

// Instrument represents a tradeable instrument from the instrument master.
type Instrument struct {
	Key      string `csv:"instrument_key"`
	Symbol   string `csv:"tradingsymbol"`
	Name     string `csv:"name"`
	Exchange string `csv:"exchange"`
	LotSize  int    `csv:"lot_size"`
}
