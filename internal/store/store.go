// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"sort"

	"papertrade/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrVersionConflict is returned by Commit when the account changed
	// after the snapshot was loaded.
	ErrVersionConflict = errors.New("account version conflict")
)

// Store is the durable ledger. All writes for one account go through Commit,
// which applies a Changeset atomically or not at all.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)

	// Load reads everything a unit of work needs for one account.
	Load(ctx context.Context, accountID string) (*Snapshot, error)
	// Commit applies cs if the account is still at cs.ExpectedVersion.
	Commit(ctx context.Context, cs *Changeset) error

	// Queries
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	ListHoldings(ctx context.Context, filter HoldingFilter) ([]models.Holding, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.WalletTransaction, error)

	// Lifecycle
	Close() error
}

// Snapshot is a consistent read of one account's mutable state.
type Snapshot struct {
	Account  models.Account
	Holdings map[models.HoldingKey]models.Holding
	// OpenOrders holds pending and executed orders, oldest first.
	OpenOrders []models.Order
}

// Changeset is the set of writes produced by one unit of work.
type Changeset struct {
	AccountID       string
	ExpectedVersion int64
	Balance         decimal.Decimal
	UpsertHoldings  []models.Holding
	DeleteHoldings  []models.HoldingKey
	InsertOrders    []models.Order
	UpdateOrders    []models.Order
	Transactions    []models.WalletTransaction
}

// OrderFilter represents filters for querying orders.
type OrderFilter struct {
	AccountID string
	Symbol    string
	Side      models.OrderSide
	Statuses  []models.OrderStatus
	Limit     int
}

// HoldingFilter represents filters for querying holdings.
type HoldingFilter struct {
	AccountID string
	Category  models.TradeCategory
}

// TransactionFilter represents filters for querying wallet transactions.
type TransactionFilter struct {
	AccountID string
	Limit     int
}

// SortOrders orders by creation time, then ID, so "oldest open order" is
// deterministic when timestamps collide.
func SortOrders(orders []models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

// SortHoldings orders holdings by account, symbol, then trade type.
func SortHoldings(holdings []models.Holding) {
	sort.SliceStable(holdings, func(i, j int) bool {
		a, b := holdings[i], holdings[j]
		if a.AccountID != b.AccountID {
			return a.AccountID < b.AccountID
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.TradeType < b.TradeType
	})
}

func statusIn(status models.OrderStatus, statuses []models.OrderStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
