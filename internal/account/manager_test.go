package account

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	apperrors "papertrade/internal/errors"
	"papertrade/internal/models"
	"papertrade/internal/store"
	"papertrade/pkg/utils"
)

func newManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewManager(store.NewTransactor(s, utils.DefaultRetryConfig()), zerolog.Nop()), s
}

func TestManager_OpenRecordsOpeningDeposit(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	acct, err := m.Open(ctx, "alice", decimal.NewFromInt(10000))
	require.NoError(t, err)
	require.True(t, acct.CashBalance.Equal(decimal.NewFromInt(10000)))

	txns, err := m.Transactions(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, models.TransactionDeposit, txns[0].Type)
	require.True(t, txns[0].BalanceAfter.Equal(decimal.NewFromInt(10000)))

	_, err = m.Open(ctx, "alice", decimal.Zero)
	require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	_, err = m.Open(ctx, "  ", decimal.Zero)
	require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestManager_WithdrawRejectsOverdraft(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	_, err := m.Open(ctx, "bob", decimal.NewFromInt(500))
	require.NoError(t, err)

	_, err = m.Withdraw(ctx, "bob", decimal.NewFromInt(501), "")
	require.ErrorIs(t, err, apperrors.ErrInsufficientBalance)

	var de *apperrors.DomainError
	require.ErrorAs(t, err, &de)
	require.True(t, de.Shortfall().Equal(decimal.NewFromInt(1)))

	acct, err := m.Get(ctx, "bob")
	require.NoError(t, err)
	require.True(t, acct.CashBalance.Equal(decimal.NewFromInt(500)))

	txn, err := m.Withdraw(ctx, "bob", decimal.NewFromInt(500), "")
	require.NoError(t, err)
	require.True(t, txn.BalanceAfter.IsZero())
	require.Equal(t, "manual withdrawal", txn.Note)
}

func TestManager_RejectsNonPositiveAmounts(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	_, err := m.Open(ctx, "carol", decimal.NewFromInt(10))
	require.NoError(t, err)

	_, err = m.Deposit(ctx, "carol", decimal.Zero, "")
	require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	_, err = m.Withdraw(ctx, "carol", decimal.NewFromInt(-5), "")
	require.ErrorIs(t, err, apperrors.ErrInvalidRequest)
}

func TestManager_UnknownAccount(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Get(ctx, "ghost")
	require.ErrorIs(t, err, apperrors.ErrAccountNotFound)
	_, err = m.Deposit(ctx, "ghost", decimal.NewFromInt(1), "")
	require.ErrorIs(t, err, apperrors.ErrAccountNotFound)
	_, err = m.Transactions(ctx, "ghost", 10)
	require.ErrorIs(t, err, apperrors.ErrAccountNotFound)
}

func TestManager_CreditNegativeActsAsDebit(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	_, err := m.Open(ctx, "dave", decimal.NewFromInt(100))
	require.NoError(t, err)

	snap, err := s.Load(ctx, "dave")
	require.NoError(t, err)
	u := store.NewUnitOfWork(snap, time.Now())

	bal, err := m.Credit(u, decimal.NewFromInt(-40))
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(60)))

	_, err = m.Credit(u, decimal.NewFromInt(-61))
	require.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	require.True(t, u.Balance().Equal(decimal.NewFromInt(60)))
}

// Property: for any sequence of deposits and withdrawals the balance never
// goes negative and always equals deposits minus accepted withdrawals.
func TestProperty_BalanceNeverNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("Wallet operations keep balance >= 0", prop.ForAll(
		func(ops []int64) bool {
			m, _ := newManager(t)
			ctx := context.Background()
			if _, err := m.Open(ctx, "prop", decimal.Zero); err != nil {
				return false
			}

			expected := decimal.Zero
			for _, op := range ops {
				amount := decimal.New(op, -2).Abs()
				if amount.IsZero() {
					continue
				}
				if op > 0 {
					if _, err := m.Deposit(ctx, "prop", amount, ""); err != nil {
						return false
					}
					expected = expected.Add(amount)
					continue
				}
				_, err := m.Withdraw(ctx, "prop", amount, "")
				if expected.LessThan(amount) {
					if !apperrors.Is(err, apperrors.ErrInsufficientBalance) {
						return false
					}
					continue
				}
				if err != nil {
					return false
				}
				expected = expected.Sub(amount)
			}

			acct, err := m.Get(ctx, "prop")
			if err != nil {
				return false
			}
			return !acct.CashBalance.IsNegative() && acct.CashBalance.Equal(expected)
		},
		gen.SliceOf(gen.Int64Range(-100000, 100000)),
	))

	properties.TestingRun(t)
}
