package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"papertrade/internal/models"
)

// Property: a holding committed to SQLite reads back with the exact
// quantity, average price and category, including prices that are not
// representable as binary floats.
func TestProperty_HoldingRoundTripConsistency(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "holdings_property.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	symbols := []string{"RELIANCE", "TCS", "INFY", "HDFCBANK", "ICICIBANK", "SBIN", "BHARTIARTL", "ITC", "KOTAKBANK", "LT"}
	categoryGen := gen.OneConstOf(models.CategoryIntraday, models.CategoryDelivery, models.CategoryFutures, models.CategoryOptions)
	sideGen := gen.OneConstOf(models.OrderSideBuy, models.OrderSideSell)

	seq := 0
	properties.Property("Holding round-trip: commit then load produces equal lot", prop.ForAll(
		func(symbolIdx int, side models.OrderSide, category models.TradeCategory, qty int64, paise int64) bool {
			ctx := context.Background()
			seq++
			accountID := fmt.Sprintf("prop-%d-%d", time.Now().UnixNano(), seq)
			if err := store.CreateAccount(ctx, &models.Account{ID: accountID, CashBalance: decimal.Zero}); err != nil {
				t.Logf("Failed to create account: %v", err)
				return false
			}

			avg := decimal.New(paise, -2).Div(decimal.NewFromInt(3)).Round(8)
			snap, err := store.Load(ctx, accountID)
			if err != nil {
				t.Logf("Failed to load: %v", err)
				return false
			}
			uow := NewUnitOfWork(snap, time.Now().UTC())
			uow.PutHolding(models.Holding{
				Symbol:       symbols[symbolIdx],
				TradeType:    side,
				Category:     category,
				Quantity:     qty,
				AveragePrice: avg,
			})
			if err := store.Commit(ctx, uow.Changeset()); err != nil {
				t.Logf("Failed to commit: %v", err)
				return false
			}

			snap, err = store.Load(ctx, accountID)
			if err != nil {
				t.Logf("Failed to reload: %v", err)
				return false
			}
			h, ok := snap.Holdings[models.HoldingKey{AccountID: accountID, Symbol: symbols[symbolIdx], TradeType: side}]
			if !ok {
				t.Logf("Holding missing after commit")
				return false
			}
			return h.Quantity == qty && h.AveragePrice.Equal(avg) && h.Category == category
		},
		gen.IntRange(0, len(symbols)-1),
		sideGen,
		categoryGen,
		gen.Int64Range(1, 100000),
		gen.Int64Range(1, 10000000),
	))

	// Property: a changeset that would drive the balance negative is rejected
	// and leaves the stored balance untouched.
	properties.Property("Negative balance: commit rejected, balance unchanged", prop.ForAll(
		func(start int64, overdraw int64) bool {
			ctx := context.Background()
			seq++
			accountID := fmt.Sprintf("neg-%d-%d", time.Now().UnixNano(), seq)
			balance := decimal.NewFromInt(start)
			if err := store.CreateAccount(ctx, &models.Account{ID: accountID, CashBalance: balance}); err != nil {
				return false
			}
			snap, err := store.Load(ctx, accountID)
			if err != nil {
				return false
			}
			uow := NewUnitOfWork(snap, time.Now().UTC())
			uow.SetBalance(balance.Sub(decimal.NewFromInt(start + overdraw)))
			if err := store.Commit(ctx, uow.Changeset()); err == nil {
				t.Logf("Commit accepted negative balance")
				return false
			}
			account, err := store.GetAccount(ctx, accountID)
			if err != nil {
				return false
			}
			return account.CashBalance.Equal(balance) && account.Version == 0
		},
		gen.Int64Range(0, 1000000),
		gen.Int64Range(1, 1000000),
	))

	properties.TestingRun(t)
}
