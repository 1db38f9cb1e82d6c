package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	apperrors "papertrade/internal/errors"
	"papertrade/internal/logging"
	"papertrade/internal/models"
	"papertrade/internal/orders"
	"papertrade/internal/stream"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 64 << 10
)

// wsCommand is a client request on the socket.
type wsCommand struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// wsReply answers one command. Broadcast events arrive as stream.Event.
type wsReply struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

type cancelCommand struct {
	OrderID string `json:"order_id"`
}

type symbolCommand struct {
	Symbol string `json:"symbol"`
}

type subscription struct {
	Symbol      string `json:"symbol"`
	Subscribers int    `json:"subscribers,omitempty"`
}

// tickFeed merges the hub subscriptions of one connection into a single
// channel. Ticks are dropped when the connection falls behind.
type tickFeed struct {
	hub  *stream.Hub
	out  chan models.Tick
	mu   sync.Mutex
	subs map[string]<-chan models.Tick
}

func newTickFeed(hub *stream.Hub) *tickFeed {
	return &tickFeed{
		hub:  hub,
		out:  make(chan models.Tick, 64),
		subs: make(map[string]<-chan models.Tick),
	}
}

func (f *tickFeed) subscribe(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[symbol]; !ok {
		ch := f.hub.Subscribe(symbol)
		f.subs[symbol] = ch
		go func() {
			for tick := range ch {
				select {
				case f.out <- tick:
				default:
				}
			}
		}()
	}
	return f.hub.GetSubscriberCount(symbol)
}

func (f *tickFeed) unsubscribe(symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.subs[symbol]
	if !ok {
		return false
	}
	f.hub.Unsubscribe(symbol, ch)
	delete(f.subs, symbol)
	return true
}

func (f *tickFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for symbol, ch := range f.subs {
		f.hub.Unsubscribe(symbol, ch)
		delete(f.subs, symbol)
	}
}

type wsHandler struct {
	h        *handler
	upgrader websocket.Upgrader
}

func newWSHandler(h *handler) *wsHandler {
	return &wsHandler{
		h: h,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, h.Origins) },
		},
	}
}

func allowOrigin(r *http.Request, origins []string) bool {
	reqOrigin := r.Header.Get("Origin")
	if reqOrigin == "" || len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" || strings.EqualFold(o, reqOrigin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection and streams the account's events. Commands
// from the client run one at a time, in the order received.
func (ws *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
	if accountID == "" {
		writeError(w, apperrors.InvalidRequest("account_id", "is required"))
		return
	}
	if ws.h.Hub == nil {
		writeError(w, apperrors.Internal(errUnavailable("event hub")))
		return
	}
	if _, err := ws.h.Accounts.Get(r.Context(), accountID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.h.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	listener := ws.h.Hub.Listen(uuid.NewString(), accountID)
	defer ws.h.Hub.Unlisten(listener)

	logger := logging.WithAccount(logging.FromContext(r.Context()), accountID).With().Str("listener", listener.ID).Logger()
	logger.Info().Msg("WebSocket client connected")
	defer logger.Info().Msg("WebSocket client disconnected")

	feed := newTickFeed(ws.h.Hub)
	defer feed.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replies := make(chan wsReply, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ws.readLoop(ctx, conn, accountID, feed, replies)
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-listener.Channel:
			if !ok {
				return
			}
			if err := writeWS(conn, ev); err != nil {
				return
			}
		case reply := <-replies:
			if err := writeWS(conn, reply); err != nil {
				return
			}
		case tick := <-feed.out:
			if err := writeWS(conn, wsReply{Type: "tick", Payload: tick}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeWS(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}

func (ws *wsHandler) readLoop(ctx context.Context, conn *websocket.Conn, accountID string, feed *tickFeed, replies chan<- wsReply) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var cmd wsCommand
		var reply wsReply
		if err := json.Unmarshal(payload, &cmd); err != nil {
			reply = errorReply("", "", apperrors.InvalidRequest("message", "malformed JSON"))
		} else {
			reply = ws.dispatch(ctx, accountID, feed, cmd)
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (ws *wsHandler) dispatch(ctx context.Context, accountID string, feed *tickFeed, cmd wsCommand) wsReply {
	engine := ws.h.Engine
	kind := strings.ToLower(strings.TrimSpace(cmd.Type))

	var result interface{}
	var err error
	switch kind {
	case "ping":
		return wsReply{Type: "pong", RequestID: cmd.RequestID}
	case "place_order":
		var req orders.PlaceOrderRequest
		if err = decodePayload(cmd.Payload, &req); err == nil {
			req.AccountID = accountID
			result, err = engine.PlaceOrder(ctx, req)
		}
	case "complete_order":
		var req orders.CompleteOrderRequest
		if err = decodePayload(cmd.Payload, &req); err == nil {
			req.AccountID = accountID
			result, err = engine.CompleteOrder(ctx, req)
		}
	case "cancel_order":
		var req cancelCommand
		if err = decodePayload(cmd.Payload, &req); err == nil {
			err = ws.ownOrder(ctx, accountID, req.OrderID)
		}
		if err == nil {
			result, err = engine.CancelOrder(ctx, req.OrderID)
		}
	case "subscribe", "unsubscribe":
		var req symbolCommand
		if err = decodePayload(cmd.Payload, &req); err == nil {
			result, err = subscribeSymbol(feed, kind, req.Symbol)
		}
	case "holdings":
		result, err = ws.h.Portfolio.Holdings(ctx, accountID)
	case "balance":
		result, err = ws.h.Accounts.Get(ctx, accountID)
	default:
		err = apperrors.InvalidRequest("type", "unknown command "+cmd.Type)
	}

	if err != nil {
		if !apperrors.IsDomain(err) {
			ws.h.logger.Error().Err(err).Str("command", kind).Msg("WebSocket command failed")
		}
		return errorReply(cmd.RequestID, kind, err)
	}
	return wsReply{Type: "result", RequestID: cmd.RequestID, Payload: result}
}

func subscribeSymbol(feed *tickFeed, kind, raw string) (*subscription, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw))
	if symbol == "" {
		return nil, apperrors.InvalidRequest("symbol", "is required")
	}
	if kind == "unsubscribe" {
		if !feed.unsubscribe(symbol) {
			return nil, apperrors.InvalidRequest("symbol", "is not subscribed")
		}
		return &subscription{Symbol: symbol}, nil
	}
	return &subscription{Symbol: symbol, Subscribers: feed.subscribe(symbol)}, nil
}

// ownOrder rejects commands on orders that belong to another account.
func (ws *wsHandler) ownOrder(ctx context.Context, accountID, orderID string) error {
	o, err := ws.h.Engine.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if o.AccountID != accountID {
		return apperrors.OrderNotFound(orderID)
	}
	return nil
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return apperrors.InvalidRequest("payload", "is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.InvalidRequest("payload", err.Error())
	}
	return nil
}

func errorReply(requestID, command string, err error) wsReply {
	msg := err.Error()
	var de *apperrors.DomainError
	if apperrors.As(err, &de) {
		msg = de.Message
		if de.Field != "" && de.Code == apperrors.CodeInvalidRequest {
			msg = de.Field + " " + de.Message
		}
	}
	code := apperrors.CodeOf(err)
	if code == apperrors.CodeInternal {
		msg = "internal error"
	}
	return wsReply{
		Type:      string(stream.EventError),
		RequestID: requestID,
		Payload:   stream.ErrorPayload{Code: string(code), Message: msg, Request: command},
	}
}
