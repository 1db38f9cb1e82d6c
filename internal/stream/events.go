package stream

import (
	"time"
)

// EventType identifies an engine event on the wire.
type EventType string

const (
	EventMarketStatusChanged     EventType = "market_status_changed"
	EventIntradayPositionsClosed EventType = "intraday_positions_closed"
	EventOrderPlaced             EventType = "order_placed"
	EventOrderExecuted           EventType = "order_executed"
	EventOrderCompleted          EventType = "order_completed"
	EventOrderCancelled          EventType = "order_cancelled"
	EventError                   EventType = "error"
)

// Event is a broadcast notification. AccountID scopes delivery; market-wide
// events leave it empty.
type Event struct {
	Type      EventType   `json:"type"`
	AccountID string      `json:"account_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorPayload carries a rejected command back to its sender.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

// Publisher is the event sink the engine and scheduler write to.
type Publisher interface {
	Broadcast(event Event)
}

// NopPublisher discards events.
type NopPublisher struct{}

// Broadcast implements Publisher.
func (NopPublisher) Broadcast(Event) {}

// NewEvent builds an event stamped with the current time.
func NewEvent(kind EventType, accountID string, payload interface{}) Event {
	return Event{
		Type:      kind,
		AccountID: accountID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
