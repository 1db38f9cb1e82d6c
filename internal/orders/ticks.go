package orders

import (
	"context"
	"errors"

	apperrors "papertrade/internal/errors"
	"papertrade/internal/models"
	"papertrade/internal/store"
	"papertrade/internal/stream"
)

// ErrAlreadyRunning is returned by Run when the fill worker is already started.
var ErrAlreadyRunning = errors.New("order engine already running")

// OnTick queues a tick for the fill worker. The hub calls consumers on its
// broadcast goroutine, so store work never happens here. Ticks are dropped
// when the queue is full.
func (e *Engine) OnTick(tick models.Tick) {
	select {
	case e.ticks <- tick:
	default:
		e.logger.Warn().Str("symbol", tick.Symbol).Msg("Tick queue full, dropping tick")
	}
}

// Symbols implements stream.Consumer; the engine watches every symbol.
func (e *Engine) Symbols() []string {
	return nil
}

var _ stream.Consumer = (*Engine)(nil)

// Run drains queued ticks, filling pending limit orders the tick satisfies,
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.logger.Info().Msg("Pending order worker started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Pending order worker stopped")
			return nil
		case tick := <-e.ticks:
			e.fillOnTick(ctx, tick)
		}
	}
}

// fillOnTick executes pending orders on tick.Symbol whose limit the tick price
// satisfies. Nothing fills while the market is closed.
func (e *Engine) fillOnTick(ctx context.Context, tick models.Tick) {
	if !tick.LTP.IsPositive() {
		return
	}
	status, err := e.status(ctx)
	if err != nil || status != models.MarketOpen {
		return
	}

	pending, err := e.tx.Store().ListOrders(ctx, store.OrderFilter{
		Symbol:   normalize(tick.Symbol),
		Statuses: []models.OrderStatus{models.OrderStatusPending},
	})
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", tick.Symbol).Msg("Failed to list pending orders")
		return
	}

	for _, o := range pending {
		if !limitSatisfied(o, tick.LTP) {
			continue
		}
		if _, err := e.fill(ctx, o); err != nil {
			e.logger.Error().Err(err).Str("order_id", o.ID).Msg("Failed to fill pending order")
			e.events.Broadcast(stream.NewEvent(stream.EventError, o.AccountID, stream.ErrorPayload{
				Code:    string(apperrors.CodeOf(err)),
				Message: err.Error(),
				Request: "execute_pending",
			}))
		}
	}
}
