// Package marketdata provides last-known prices and instrument lookup for the
// order engine.
package marketdata

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/models"
)

// ErrNoPrice is returned when no price has been seen for a symbol.
var ErrNoPrice = errors.New("no price available")

// PriceSource supplies the last-known price for a symbol.
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PriceFunc adapts a function to PriceSource.
type PriceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

// CurrentPrice implements PriceSource.
func (f PriceFunc) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

// TickCache keeps the latest tick per symbol. Register it with the stream hub
// to feed it; it then serves as the engine's PriceSource.
type TickCache struct {
	mu     sync.RWMutex
	ticks  map[string]models.Tick
	maxAge time.Duration
	clock  func() time.Time
}

// NewTickCache creates an empty cache. A positive maxAge makes older ticks
// count as unavailable.
func NewTickCache(maxAge time.Duration) *TickCache {
	return &TickCache{
		ticks:  make(map[string]models.Tick),
		maxAge: maxAge,
		clock:  time.Now,
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// OnTick stores tick unless a newer one is already cached.
func (c *TickCache) OnTick(tick models.Tick) {
	if !tick.LTP.IsPositive() {
		return
	}
	symbol := normalizeSymbol(tick.Symbol)
	if tick.Timestamp.IsZero() {
		tick.Timestamp = c.clock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.ticks[symbol]; ok && prev.Timestamp.After(tick.Timestamp) {
		return
	}
	c.ticks[symbol] = tick
}

// Symbols returns nil so the cache receives every tick.
func (c *TickCache) Symbols() []string {
	return nil
}

// Last returns the cached tick for symbol.
func (c *TickCache) Last(symbol string) (models.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[normalizeSymbol(symbol)]
	return t, ok
}

// CurrentPrice implements PriceSource.
func (c *TickCache) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	t, ok := c.Last(symbol)
	if !ok {
		return decimal.Zero, ErrNoPrice
	}
	if c.maxAge > 0 && c.clock().Sub(t.Timestamp) > c.maxAge {
		return decimal.Zero, ErrNoPrice
	}
	return t.LTP, nil
}

// Snapshot returns a copy of every cached tick.
func (c *TickCache) Snapshot() map[string]models.Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]models.Tick, len(c.ticks))
	for k, v := range c.ticks {
		out[k] = v
	}
	return out
}
