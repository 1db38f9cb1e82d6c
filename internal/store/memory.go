package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"papertrade/internal/models"
)

// MemoryStore implements Store in process memory. The mutex guards only the
// map reads and the commit swap; it is never held across caller code.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]models.Account
	holdings map[models.HoldingKey]models.Holding
	orders   map[string]models.Order
	txns     map[string][]models.WalletTransaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]models.Account),
		holdings: make(map[models.HoldingKey]models.Holding),
		orders:   make(map[string]models.Order),
		txns:     make(map[string][]models.WalletTransaction),
	}
}

// CreateAccount inserts a new account.
func (s *MemoryStore) CreateAccount(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.ID]; ok {
		return fmt.Errorf("account %s: %w", account.ID, ErrAlreadyExists)
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	s.accounts[account.ID] = *account
	return nil
}

// GetAccount returns an account by ID.
func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return &a, nil
}

// Load returns a snapshot of one account.
func (s *MemoryStore) Load(ctx context.Context, accountID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	snap := &Snapshot{
		Account:  a,
		Holdings: make(map[models.HoldingKey]models.Holding),
	}
	for k, h := range s.holdings {
		if k.AccountID == accountID {
			snap.Holdings[k] = h
		}
	}
	for _, o := range s.orders {
		if o.AccountID == accountID && o.Status.IsOpen() {
			snap.OpenOrders = append(snap.OpenOrders, o)
		}
	}
	SortOrders(snap.OpenOrders)
	return snap, nil
}

// Commit applies cs atomically.
func (s *MemoryStore) Commit(ctx context.Context, cs *Changeset) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[cs.AccountID]
	if !ok {
		return fmt.Errorf("account %s: %w", cs.AccountID, ErrNotFound)
	}
	if a.Version != cs.ExpectedVersion {
		return fmt.Errorf("account %s at version %d, expected %d: %w", cs.AccountID, a.Version, cs.ExpectedVersion, ErrVersionConflict)
	}
	if cs.Balance.IsNegative() {
		return fmt.Errorf("account %s: negative balance %s rejected", cs.AccountID, cs.Balance)
	}
	for _, h := range cs.UpsertHoldings {
		if h.Quantity <= 0 {
			return fmt.Errorf("holding %s/%s: non-positive quantity %d rejected", h.Symbol, h.TradeType, h.Quantity)
		}
	}
	for _, o := range cs.InsertOrders {
		if _, exists := s.orders[o.ID]; exists {
			return fmt.Errorf("order %s: %w", o.ID, ErrAlreadyExists)
		}
	}

	a.CashBalance = cs.Balance
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	s.accounts[a.ID] = a

	for _, k := range cs.DeleteHoldings {
		delete(s.holdings, k)
	}
	for _, h := range cs.UpsertHoldings {
		s.holdings[h.Key()] = h
	}
	for _, o := range cs.InsertOrders {
		s.orders[o.ID] = o
	}
	for _, o := range cs.UpdateOrders {
		s.orders[o.ID] = o
	}
	s.txns[cs.AccountID] = append(s.txns[cs.AccountID], cs.Transactions...)
	return nil
}

// GetOrder returns an order by ID.
func (s *MemoryStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return &o, nil
}

// ListOrders returns orders matching filter, oldest first.
func (s *MemoryStore) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Order
	for _, o := range s.orders {
		if filter.AccountID != "" && o.AccountID != filter.AccountID {
			continue
		}
		if filter.Symbol != "" && o.Symbol != filter.Symbol {
			continue
		}
		if filter.Side != "" && o.Side != filter.Side {
			continue
		}
		if !statusIn(o.Status, filter.Statuses) {
			continue
		}
		out = append(out, o)
	}
	SortOrders(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListHoldings returns holdings matching filter.
func (s *MemoryStore) ListHoldings(ctx context.Context, filter HoldingFilter) ([]models.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Holding
	for k, h := range s.holdings {
		if filter.AccountID != "" && k.AccountID != filter.AccountID {
			continue
		}
		if filter.Category != "" && h.Category != filter.Category {
			continue
		}
		out = append(out, h)
	}
	SortHoldings(out)
	return out, nil
}

// ListTransactions returns an account's wallet entries, oldest first.
func (s *MemoryStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.txns[filter.AccountID]
	out := make([]models.WalletTransaction, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
