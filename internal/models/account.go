package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds the virtual cash balance of a user.
type Account struct {
	ID          string          `json:"id"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	// Version is bumped on every committed change and guards
	// read-modify-write cycles against concurrent writers.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransactionType represents the direction of a wallet entry.
type TransactionType string

const (
	TransactionDeposit    TransactionType = "deposit"
	TransactionWithdrawal TransactionType = "withdrawal"
)

// WalletTransaction is an append-only cash ledger entry.
type WalletTransaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Type         TransactionType `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Note         string          `json:"note"`
	CreatedAt    time.Time       `json:"created_at"`
}
