// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"papertrade/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based ledger store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Accounts with optimistic version counter
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		cash_balance TEXT NOT NULL CHECK (CAST(cash_balance AS REAL) >= 0),
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Open lots, one per account/symbol/direction
	CREATE TABLE IF NOT EXISTS holdings (
		account_id TEXT NOT NULL REFERENCES accounts(id),
		symbol TEXT NOT NULL,
		trade_type TEXT NOT NULL,
		trade_category TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		average_price TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (account_id, symbol, trade_type)
	);

	-- Orders
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		symbol TEXT NOT NULL,
		order_type TEXT NOT NULL,
		order_category TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		execution_price TEXT NOT NULL,
		limit_price TEXT,
		completion_price TEXT,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- Append-only wallet ledger
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		note TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_holdings_category ON holdings(trade_category);
	CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id);
	CREATE INDEX IF NOT EXISTS idx_orders_open ON orders(account_id, symbol, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_wallet_account_created ON wallet_transactions(account_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Accounts
// ============================================================================

// CreateAccount inserts a new account.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, cash_balance, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, account.ID, account.CashBalance.String(), account.Version, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("account %s: %w", account.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount returns an account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return s.getAccount(ctx, s.db, accountID)
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLiteStore) getAccount(ctx context.Context, q sqlQuerier, accountID string) (*models.Account, error) {
	var a models.Account
	err := q.QueryRowContext(ctx, `
		SELECT id, cash_balance, version, created_at, updated_at FROM accounts WHERE id = ?
	`, accountID).Scan(&a.ID, &a.CashBalance, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// ============================================================================
// Units of work
// ============================================================================

// Load reads one account's snapshot inside a read transaction.
func (s *SQLiteStore) Load(ctx context.Context, accountID string) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	a, err := s.getAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	holdings, err := s.queryHoldings(ctx, tx, HoldingFilter{AccountID: accountID})
	if err != nil {
		return nil, err
	}
	open, err := s.queryOrders(ctx, tx, OrderFilter{
		AccountID: accountID,
		Statuses:  []models.OrderStatus{models.OrderStatusPending, models.OrderStatusExecuted},
	})
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Account:    *a,
		Holdings:   make(map[models.HoldingKey]models.Holding, len(holdings)),
		OpenOrders: open,
	}
	for _, h := range holdings {
		snap.Holdings[h.Key()] = h
	}
	return snap, nil
}

// Commit applies cs in one transaction guarded by the account version.
func (s *SQLiteStore) Commit(ctx context.Context, cs *Changeset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET cash_balance = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, cs.Balance.String(), time.Now().UTC(), cs.AccountID, cs.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.getAccount(ctx, tx, cs.AccountID); err != nil {
			return err
		}
		return fmt.Errorf("account %s: %w", cs.AccountID, ErrVersionConflict)
	}

	for _, k := range cs.DeleteHoldings {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM holdings WHERE account_id = ? AND symbol = ? AND trade_type = ?
		`, k.AccountID, k.Symbol, string(k.TradeType)); err != nil {
			return fmt.Errorf("failed to delete holding: %w", err)
		}
	}
	for _, h := range cs.UpsertHoldings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO holdings (account_id, symbol, trade_type, trade_category, quantity, average_price, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id, symbol, trade_type) DO UPDATE SET
				trade_category = excluded.trade_category,
				quantity = excluded.quantity,
				average_price = excluded.average_price,
				updated_at = excluded.updated_at
		`, h.AccountID, h.Symbol, string(h.TradeType), string(h.Category), h.Quantity, h.AveragePrice.String(), h.CreatedAt, h.UpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert holding: %w", err)
		}
	}
	for _, o := range cs.InsertOrders {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, account_id, symbol, order_type, order_category, side, quantity, execution_price, limit_price, completion_price, amount, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, o.ID, o.AccountID, o.Symbol, string(o.Type), string(o.Category), string(o.Side), o.Quantity, o.ExecutionPrice.String(), nullableDecimal(o.LimitPrice), nullableDecimal(o.CompletionPrice), o.Amount.String(), string(o.Status), o.CreatedAt, o.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}
	}
	for _, o := range cs.UpdateOrders {
		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = ?, execution_price = ?, completion_price = ?, updated_at = ? WHERE id = ?
		`, string(o.Status), o.ExecutionPrice.String(), nullableDecimal(o.CompletionPrice), o.UpdatedAt, o.ID); err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
	}
	for _, t := range cs.Transactions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions (id, account_id, type, amount, balance_after, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.AccountID, string(t.Type), t.Amount.String(), t.BalanceAfter.String(), t.Note, t.CreatedAt); err != nil {
			return fmt.Errorf("failed to append wallet transaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

const orderColumns = "id, account_id, symbol, order_type, order_category, side, quantity, execution_price, limit_price, completion_price, amount, status, created_at, updated_at"

// GetOrder returns an order by ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	orders, err := s.scanOrders(s.db.QueryContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", orderID))
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return &orders[0], nil
}

// ListOrders returns orders matching filter, oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	return s.queryOrders(ctx, s.db, filter)
}

func (s *SQLiteStore) queryOrders(ctx context.Context, q sqlQuerier, filter OrderFilter) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE 1=1"
	args := []interface{}{}

	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Side != "" {
		query += " AND side = ?"
		args = append(args, string(filter.Side))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}

	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.scanOrders(q.QueryContext(ctx, query, args...))
}

func (s *SQLiteStore) scanOrders(rows *sql.Rows, err error) ([]models.Order, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		var orderType, category, side, status string
		var limit, completion decimal.NullDecimal
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &orderType, &category, &side, &o.Quantity, &o.ExecutionPrice, &limit, &completion, &o.Amount, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Type = models.OrderType(orderType)
		o.Category = models.TradeCategory(category)
		o.Side = models.OrderSide(side)
		o.Status = models.OrderStatus(status)
		o.LimitPrice = fromNullDecimal(limit)
		o.CompletionPrice = fromNullDecimal(completion)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListHoldings returns holdings matching filter.
func (s *SQLiteStore) ListHoldings(ctx context.Context, filter HoldingFilter) ([]models.Holding, error) {
	return s.queryHoldings(ctx, s.db, filter)
}

func (s *SQLiteStore) queryHoldings(ctx context.Context, q sqlQuerier, filter HoldingFilter) ([]models.Holding, error) {
	query := "SELECT account_id, symbol, trade_type, trade_category, quantity, average_price, created_at, updated_at FROM holdings WHERE 1=1"
	args := []interface{}{}
	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.Category != "" {
		query += " AND trade_category = ?"
		args = append(args, string(filter.Category))
	}
	query += " ORDER BY account_id, symbol, trade_type"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var holdings []models.Holding
	for rows.Next() {
		var h models.Holding
		var tradeType, category string
		if err := rows.Scan(&h.AccountID, &h.Symbol, &tradeType, &category, &h.Quantity, &h.AveragePrice, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		h.TradeType = models.OrderSide(tradeType)
		h.Category = models.TradeCategory(category)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// ListTransactions returns an account's wallet entries, oldest first. With a
// limit, the most recent entries are returned.
func (s *SQLiteStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.WalletTransaction, error) {
	query := `SELECT id, account_id, type, amount, balance_after, note, created_at FROM wallet_transactions WHERE account_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []interface{}{filter.AccountID}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		var kind string
		var note sql.NullString
		if err := rows.Scan(&t.ID, &t.AccountID, &kind, &t.Amount, &t.BalanceAfter, &note, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet transaction: %w", err)
		}
		t.Type = models.TransactionType(kind)
		t.Note = note.String
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseTransactions(txns)
	return txns, nil
}

func reverseTransactions(txns []models.WalletTransaction) {
	for i, j := 0, len(txns)-1; i < j; i, j = i+1, j-1 {
		txns[i], txns[j] = txns[j], txns[i]
	}
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func fromNullDecimal(n decimal.NullDecimal) *decimal.Decimal {
	if !n.Valid {
		return nil
	}
	d := n.Decimal
	return &d
}

var _ Store = (*SQLiteStore)(nil)
