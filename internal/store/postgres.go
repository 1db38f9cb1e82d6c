package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"papertrade/internal/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	create table if not exists accounts (
		id text primary key,
		cash_balance numeric not null check (cash_balance >= 0),
		version bigint not null default 0,
		created_at timestamptz not null,
		updated_at timestamptz not null
	);
	create table if not exists holdings (
		account_id text not null references accounts(id),
		symbol text not null,
		trade_type text not null,
		trade_category text not null,
		quantity bigint not null check (quantity > 0),
		average_price numeric not null,
		created_at timestamptz not null,
		updated_at timestamptz not null,
		primary key (account_id, symbol, trade_type)
	);
	create table if not exists orders (
		id text primary key,
		account_id text not null references accounts(id),
		symbol text not null,
		order_type text not null,
		order_category text not null,
		side text not null,
		quantity bigint not null check (quantity > 0),
		execution_price numeric not null,
		limit_price numeric,
		completion_price numeric,
		amount numeric not null,
		status text not null,
		created_at timestamptz not null,
		updated_at timestamptz not null
	);
	create table if not exists wallet_transactions (
		seq bigserial,
		id text primary key,
		account_id text not null references accounts(id),
		type text not null,
		amount numeric not null check (amount > 0),
		balance_after numeric not null,
		note text not null default '',
		created_at timestamptz not null
	);
	create index if not exists idx_holdings_category on holdings(trade_category);
	create index if not exists idx_orders_open on orders(account_id, symbol, status, created_at);
	create index if not exists idx_orders_status on orders(status);
	create index if not exists idx_wallet_account_created on wallet_transactions(account_id, created_at);
	`)
	return err
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateAccount inserts a new account.
func (s *PostgresStore) CreateAccount(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		"insert into accounts (id, cash_balance, version, created_at, updated_at) values ($1, $2, $3, $4, $5)",
		account.ID, account.CashBalance, account.Version, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("account %s: %w", account.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetAccount returns an account by ID.
func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return s.getAccount(ctx, s.pool, accountID)
}

func (s *PostgresStore) getAccount(ctx context.Context, q pgQuerier, accountID string) (*models.Account, error) {
	var a models.Account
	err := q.QueryRow(ctx,
		"select id, cash_balance, version, created_at, updated_at from accounts where id = $1",
		accountID).Scan(&a.ID, &a.CashBalance, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// Load reads one account's snapshot in a repeatable-read transaction.
func (s *PostgresStore) Load(ctx context.Context, accountID string) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

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

// Commit applies cs if the account version still matches.
func (s *PostgresStore) Commit(ctx context.Context, cs *Changeset) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"update accounts set cash_balance = $1, version = version + 1, updated_at = $2 where id = $3 and version = $4",
		cs.Balance, time.Now().UTC(), cs.AccountID, cs.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() != 1 {
		if _, err := s.getAccount(ctx, tx, cs.AccountID); err != nil {
			return err
		}
		return fmt.Errorf("account %s: %w", cs.AccountID, ErrVersionConflict)
	}

	batch := &pgx.Batch{}
	for _, k := range cs.DeleteHoldings {
		batch.Queue("delete from holdings where account_id = $1 and symbol = $2 and trade_type = $3",
			k.AccountID, k.Symbol, string(k.TradeType))
	}
	for _, h := range cs.UpsertHoldings {
		batch.Queue(`insert into holdings (account_id, symbol, trade_type, trade_category, quantity, average_price, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8)
			on conflict (account_id, symbol, trade_type) do update set
				trade_category = excluded.trade_category,
				quantity = excluded.quantity,
				average_price = excluded.average_price,
				updated_at = excluded.updated_at`,
			h.AccountID, h.Symbol, string(h.TradeType), string(h.Category), h.Quantity, h.AveragePrice, h.CreatedAt, h.UpdatedAt)
	}
	for _, o := range cs.InsertOrders {
		batch.Queue(`insert into orders (`+orderColumns+`)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			o.ID, o.AccountID, o.Symbol, string(o.Type), string(o.Category), string(o.Side), o.Quantity,
			o.ExecutionPrice, o.LimitPrice, o.CompletionPrice, o.Amount, string(o.Status), o.CreatedAt, o.UpdatedAt)
	}
	for _, o := range cs.UpdateOrders {
		batch.Queue("update orders set status = $1, execution_price = $2, completion_price = $3, updated_at = $4 where id = $5",
			string(o.Status), o.ExecutionPrice, o.CompletionPrice, o.UpdatedAt, o.ID)
	}
	for _, t := range cs.Transactions {
		batch.Queue("insert into wallet_transactions (id, account_id, type, amount, balance_after, note, created_at) values ($1, $2, $3, $4, $5, $6, $7)",
			t.ID, t.AccountID, string(t.Type), t.Amount, t.BalanceAfter, t.Note, t.CreatedAt)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to apply changeset: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetOrder returns an order by ID.
func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	rows, err := s.pool.Query(ctx, "select "+orderColumns+" from orders where id = $1", orderID)
	orders, err := collectOrders(rows, err)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return &orders[0], nil
}

// ListOrders returns orders matching filter, oldest first.
func (s *PostgresStore) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	return s.queryOrders(ctx, s.pool, filter)
}

func (s *PostgresStore) queryOrders(ctx context.Context, q pgQuerier, filter OrderFilter) ([]models.Order, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.AccountID != "" {
		where = append(where, "account_id = "+arg(filter.AccountID))
	}
	if filter.Symbol != "" {
		where = append(where, "symbol = "+arg(filter.Symbol))
	}
	if filter.Side != "" {
		where = append(where, "side = "+arg(string(filter.Side)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = any("+arg(statuses)+")")
	}

	query := "select " + orderColumns + " from orders"
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by created_at asc, id asc"
	if filter.Limit > 0 {
		query += " limit " + arg(filter.Limit)
	}

	rows, err := q.Query(ctx, query, args...)
	return collectOrders(rows, err)
}

func collectOrders(rows pgx.Rows, err error) ([]models.Order, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		var orderType, category, side, status string
		var limit, completion decimal.NullDecimal
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &orderType, &category, &side, &o.Quantity,
			&o.ExecutionPrice, &limit, &completion, &o.Amount, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Type = models.OrderType(orderType)
		o.Category = models.TradeCategory(category)
		o.Side = models.OrderSide(side)
		o.Status = models.OrderStatus(status)
		o.LimitPrice = fromNullDecimal(limit)
		o.CompletionPrice = fromNullDecimal(completion)
		o.CreatedAt = o.CreatedAt.UTC()
		o.UpdatedAt = o.UpdatedAt.UTC()
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListHoldings returns holdings matching filter.
func (s *PostgresStore) ListHoldings(ctx context.Context, filter HoldingFilter) ([]models.Holding, error) {
	return s.queryHoldings(ctx, s.pool, filter)
}

func (s *PostgresStore) queryHoldings(ctx context.Context, q pgQuerier, filter HoldingFilter) ([]models.Holding, error) {
	rows, err := q.Query(ctx, `select account_id, symbol, trade_type, trade_category, quantity, average_price, created_at, updated_at
		from holdings
		where ($1 = '' or account_id = $1) and ($2 = '' or trade_category = $2)
		order by account_id, symbol, trade_type`,
		filter.AccountID, string(filter.Category))
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

// ListTransactions returns an account's wallet entries, oldest first.
func (s *PostgresStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.WalletTransaction, error) {
	query := `select id, account_id, type, amount, balance_after, note, created_at
		from wallet_transactions where account_id = $1 order by created_at desc, seq desc`
	args := []any{filter.AccountID}
	if filter.Limit > 0 {
		query += " limit $2"
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		var kind string
		if err := rows.Scan(&t.ID, &t.AccountID, &kind, &t.Amount, &t.BalanceAfter, &t.Note, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet transaction: %w", err)
		}
		t.Type = models.TransactionType(kind)
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseTransactions(txns)
	return txns, nil
}

var _ Store = (*PostgresStore)(nil)
