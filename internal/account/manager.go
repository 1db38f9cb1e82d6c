// Package account owns cash balance mutations and the balance invariant.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "papertrade/internal/errors"
	"papertrade/internal/logging"
	"papertrade/internal/models"
	"papertrade/internal/store"
)

// Manager applies cash movements. Debit and Credit stage changes on a unit of
// work owned by the caller; Deposit and Withdraw run their own unit.
type Manager struct {
	tx     *store.Transactor
	logger zerolog.Logger
}

// NewManager creates an account manager.
func NewManager(tx *store.Transactor, logger zerolog.Logger) *Manager {
	return &Manager{
		tx:     tx,
		logger: logger.With().Str("component", "account").Logger(),
	}
}

// Debit stages a balance decrease. It fails with InsufficientBalance, carrying
// the required and available amounts, when the balance cannot cover amount.
func (m *Manager) Debit(u *store.UnitOfWork, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return u.Balance(), apperrors.InvalidRequest("amount", "must not be negative")
	}
	balance := u.Balance()
	if balance.LessThan(amount) {
		return balance, apperrors.InsufficientBalance(amount, balance)
	}
	u.SetBalance(balance.Sub(amount))
	return u.Balance(), nil
}

// Credit stages a balance increase. A negative amount is applied as a debit
// and can therefore fail.
func (m *Manager) Credit(u *store.UnitOfWork, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsNegative() {
		return m.Debit(u, amount.Neg())
	}
	u.SetBalance(u.Balance().Add(amount))
	return u.Balance(), nil
}

// Open creates an account and records the opening balance as a deposit.
func (m *Manager) Open(ctx context.Context, accountID string, initial decimal.Decimal) (*models.Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, apperrors.InvalidRequest("account_id", "is required")
	}
	if initial.IsNegative() {
		return nil, apperrors.InvalidRequest("initial_balance", "must not be negative")
	}

	acct := &models.Account{ID: accountID, CashBalance: decimal.Zero}
	if err := m.tx.Store().CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, apperrors.InvalidRequest("account_id", fmt.Sprintf("account %s already exists", accountID))
		}
		return nil, apperrors.Internal(err)
	}
	m.logger.Info().Str("account_id", accountID).Msg("Account opened")

	if initial.IsPositive() {
		if _, err := m.Deposit(ctx, accountID, initial, "opening balance"); err != nil {
			return nil, err
		}
	}
	return m.Get(ctx, accountID)
}

// Get returns an account.
func (m *Manager) Get(ctx context.Context, accountID string) (*models.Account, error) {
	acct, err := m.tx.Store().GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.AccountNotFound(accountID)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return acct, nil
}

// Deposit credits amount and appends a deposit transaction.
func (m *Manager) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, note string) (*models.WalletTransaction, error) {
	return m.move(ctx, accountID, models.TransactionDeposit, amount, note)
}

// Withdraw debits amount and appends a withdrawal transaction.
func (m *Manager) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, note string) (*models.WalletTransaction, error) {
	return m.move(ctx, accountID, models.TransactionWithdrawal, amount, note)
}

func (m *Manager) move(ctx context.Context, accountID string, kind models.TransactionType, amount decimal.Decimal, note string) (*models.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, apperrors.InvalidRequest("amount", "must be greater than zero")
	}
	if note == "" {
		note = "manual " + string(kind)
	}

	var txn models.WalletTransaction
	err := m.tx.Update(ctx, accountID, func(u *store.UnitOfWork) error {
		var err error
		if kind == models.TransactionDeposit {
			_, err = m.Credit(u, amount)
		} else {
			_, err = m.Debit(u, amount)
		}
		if err != nil {
			return err
		}
		txn = u.AppendTransaction(kind, amount, note)
		return nil
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("account_id", accountID).Str("type", string(kind)).Msg("Wallet transaction rejected")
		return nil, err
	}

	logging.LogWallet(m.logger, accountID, string(kind), amount, txn.BalanceAfter)
	return &txn, nil
}

// Transactions returns the account's wallet history, oldest first. A positive
// limit returns only the most recent entries.
func (m *Manager) Transactions(ctx context.Context, accountID string, limit int) ([]models.WalletTransaction, error) {
	if _, err := m.Get(ctx, accountID); err != nil {
		return nil, err
	}
	txns, err := m.tx.Store().ListTransactions(ctx, store.TransactionFilter{AccountID: accountID, Limit: limit})
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return txns, nil
}
