package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "papertrade/internal/errors"
	"papertrade/internal/models"
	"papertrade/pkg/utils"
)

// UnitOfWork stages changes to one account against a loaded snapshot.
// Nothing is written until the owning Transactor commits it.
type UnitOfWork struct {
	snap     *Snapshot
	now      time.Time
	balance  decimal.Decimal
	holdings map[models.HoldingKey]models.Holding
	dirty    map[models.HoldingKey]bool
	orders   []models.Order
	inserted map[string]bool
	updated  map[string]bool
	txns     []models.WalletTransaction
}

// NewUnitOfWork starts a unit of work over snap.
func NewUnitOfWork(snap *Snapshot, now time.Time) *UnitOfWork {
	holdings := make(map[models.HoldingKey]models.Holding, len(snap.Holdings))
	for k, h := range snap.Holdings {
		holdings[k] = h
	}
	orders := make([]models.Order, len(snap.OpenOrders))
	copy(orders, snap.OpenOrders)
	return &UnitOfWork{
		snap:     snap,
		now:      now,
		balance:  snap.Account.CashBalance,
		holdings: holdings,
		dirty:    make(map[models.HoldingKey]bool),
		orders:   orders,
		inserted: make(map[string]bool),
		updated:  make(map[string]bool),
	}
}

// AccountID returns the account this unit operates on.
func (u *UnitOfWork) AccountID() string { return u.snap.Account.ID }

// Now returns the timestamp stamped on every record written by this unit.
func (u *UnitOfWork) Now() time.Time { return u.now }

// Balance returns the staged cash balance.
func (u *UnitOfWork) Balance() decimal.Decimal { return u.balance }

// SetBalance stages a new cash balance. Callers enforce non-negativity.
func (u *UnitOfWork) SetBalance(b decimal.Decimal) { u.balance = b }

// Holding returns the staged lot for symbol and trade type.
func (u *UnitOfWork) Holding(symbol string, tradeType models.OrderSide) (models.Holding, bool) {
	h, ok := u.holdings[models.HoldingKey{AccountID: u.AccountID(), Symbol: symbol, TradeType: tradeType}]
	return h, ok
}

// PutHolding stages an upsert. A zero quantity stages a delete instead.
func (u *UnitOfWork) PutHolding(h models.Holding) {
	h.AccountID = u.AccountID()
	key := h.Key()
	u.dirty[key] = true
	if h.Quantity == 0 {
		delete(u.holdings, key)
		return
	}
	u.holdings[key] = h
}

// DeleteHolding stages removal of a lot.
func (u *UnitOfWork) DeleteHolding(symbol string, tradeType models.OrderSide) {
	key := models.HoldingKey{AccountID: u.AccountID(), Symbol: symbol, TradeType: tradeType}
	u.dirty[key] = true
	delete(u.holdings, key)
}

// Holdings returns all staged lots in key order.
func (u *UnitOfWork) Holdings() []models.Holding {
	out := make([]models.Holding, 0, len(u.holdings))
	for _, h := range u.holdings {
		out = append(out, h)
	}
	SortHoldings(out)
	return out
}

// OpenOrders returns staged pending and executed orders, oldest first.
func (u *UnitOfWork) OpenOrders() []models.Order {
	out := make([]models.Order, 0, len(u.orders))
	for _, o := range u.orders {
		if o.Status.IsOpen() {
			out = append(out, o)
		}
	}
	SortOrders(out)
	return out
}

// Order returns a staged order by ID.
func (u *UnitOfWork) Order(orderID string) (models.Order, bool) {
	for _, o := range u.orders {
		if o.ID == orderID {
			return o, true
		}
	}
	return models.Order{}, false
}

// AddOrder stages a new order, assigning ID and timestamps when unset.
func (u *UnitOfWork) AddOrder(o models.Order) models.Order {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.AccountID = u.AccountID()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = u.now
	}
	o.UpdatedAt = u.now
	u.orders = append(u.orders, o)
	u.inserted[o.ID] = true
	return o
}

// UpdateOrder stages a change to an open order loaded with the snapshot.
func (u *UnitOfWork) UpdateOrder(o models.Order) error {
	for i := range u.orders {
		if u.orders[i].ID == o.ID {
			o.UpdatedAt = u.now
			u.orders[i] = o
			if !u.inserted[o.ID] {
				u.updated[o.ID] = true
			}
			return nil
		}
	}
	return fmt.Errorf("order %s is not part of this unit", o.ID)
}

// AppendTransaction stages a wallet entry stamped with the staged balance.
func (u *UnitOfWork) AppendTransaction(kind models.TransactionType, amount decimal.Decimal, note string) models.WalletTransaction {
	txn := models.WalletTransaction{
		ID:           uuid.NewString(),
		AccountID:    u.AccountID(),
		Type:         kind,
		Amount:       amount,
		BalanceAfter: u.balance,
		Note:         note,
		CreatedAt:    u.now,
	}
	u.txns = append(u.txns, txn)
	return txn
}

// Empty reports whether the unit staged no changes.
func (u *UnitOfWork) Empty() bool {
	return u.balance.Equal(u.snap.Account.CashBalance) &&
		len(u.dirty) == 0 && len(u.inserted) == 0 && len(u.updated) == 0 && len(u.txns) == 0
}

// Changeset builds the writes for Commit.
func (u *UnitOfWork) Changeset() *Changeset {
	cs := &Changeset{
		AccountID:       u.AccountID(),
		ExpectedVersion: u.snap.Account.Version,
		Balance:         u.balance,
		Transactions:    append([]models.WalletTransaction(nil), u.txns...),
	}
	for key := range u.dirty {
		if h, ok := u.holdings[key]; ok {
			if h.CreatedAt.IsZero() {
				h.CreatedAt = u.now
			}
			h.UpdatedAt = u.now
			cs.UpsertHoldings = append(cs.UpsertHoldings, h)
			continue
		}
		if _, existed := u.snap.Holdings[key]; existed {
			cs.DeleteHoldings = append(cs.DeleteHoldings, key)
		}
	}
	SortHoldings(cs.UpsertHoldings)
	for _, o := range u.orders {
		switch {
		case u.inserted[o.ID]:
			cs.InsertOrders = append(cs.InsertOrders, o)
		case u.updated[o.ID]:
			cs.UpdateOrders = append(cs.UpdateOrders, o)
		}
	}
	return cs
}

// Transactor runs units of work with optimistic retry.
type Transactor struct {
	store Store
	retry utils.RetryConfig
	clock func() time.Time
}

// NewTransactor creates a transactor over s.
func NewTransactor(s Store, retry utils.RetryConfig) *Transactor {
	return &Transactor{store: s, retry: retry, clock: time.Now}
}

// SetClock overrides the time source.
func (t *Transactor) SetClock(clock func() time.Time) { t.clock = clock }

// Store returns the underlying store.
func (t *Transactor) Store() Store { return t.store }

// Update loads the account, runs fn and commits the staged changes. fn may run
// more than once when a concurrent writer wins the version race, so it must
// derive everything from the unit it is handed. Domain errors from fn abort
// without retry.
func (t *Transactor) Update(ctx context.Context, accountID string, fn func(*UnitOfWork) error) error {
	cfg := t.retry
	cfg.Retryable = func(err error) bool { return errors.Is(err, ErrVersionConflict) }

	err := utils.Retry(ctx, cfg, func() error {
		snap, err := t.store.Load(ctx, accountID)
		if err != nil {
			return err
		}
		uow := NewUnitOfWork(snap, t.clock().UTC())
		if err := fn(uow); err != nil {
			return err
		}
		if uow.Empty() {
			return nil
		}
		return t.store.Commit(ctx, uow.Changeset())
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrVersionConflict):
		return apperrors.Internal(fmt.Errorf("account %s: %w: %v", accountID, apperrors.ErrPersistenceConflict, err))
	case errors.Is(err, ErrNotFound):
		return apperrors.AccountNotFound(accountID)
	}
	return err
}
