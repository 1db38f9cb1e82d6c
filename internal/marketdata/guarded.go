package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "papertrade/internal/errors"
)

// GuardedSource bounds every lookup on an inner source by a timeout and a
// circuit breaker. Every failure surfaces as a PriceUnavailable domain error.
type GuardedSource struct {
	inner   PriceSource
	timeout time.Duration
	breaker *CircuitBreaker
}

// NewGuardedSource wraps inner.
func NewGuardedSource(inner PriceSource, timeout time.Duration, breaker *CircuitBreaker) *GuardedSource {
	if breaker == nil {
		breaker = NewCircuitBreaker("price-source", DefaultBreakerConfig())
	}
	return &GuardedSource{inner: inner, timeout: timeout, breaker: breaker}
}

// Breaker returns the circuit breaker guarding the source.
func (g *GuardedSource) Breaker() *CircuitBreaker {
	return g.breaker
}

// CurrentPrice implements PriceSource.
func (g *GuardedSource) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	var price decimal.Decimal
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		type result struct {
			price decimal.Decimal
			err   error
		}
		done := make(chan result, 1)
		go func() {
			p, err := g.inner.CurrentPrice(ctx, symbol)
			done <- result{p, err}
		}()

		select {
		case r := <-done:
			price = r.price
			return r.err
		case <-ctx.Done():
			return fmt.Errorf("price lookup timed out: %w", ctx.Err())
		}
	}, func(err error) bool {
		return !errors.Is(err, ErrNoPrice)
	})
	if err != nil {
		return decimal.Zero, apperrors.PriceUnavailable(symbol, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, apperrors.PriceUnavailable(symbol, ErrNoPrice)
	}
	return price, nil
}
