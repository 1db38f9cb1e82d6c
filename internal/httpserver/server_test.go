package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"papertrade/internal/account"
	apperrors "papertrade/internal/errors"
	"papertrade/internal/marketdata"
	"papertrade/internal/models"
	"papertrade/internal/orders"
	"papertrade/internal/portfolio"
	"papertrade/internal/session"
	"papertrade/internal/store"
	"papertrade/internal/stream"
	"papertrade/pkg/utils"
)

type testServer struct {
	*httptest.Server
	hub *stream.Hub
}

func newTestServer(t *testing.T, status models.MarketStatus) *testServer {
	t.Helper()
	s := store.NewMemoryStore()
	tx := store.NewTransactor(s, utils.DefaultRetryConfig())
	accounts := account.NewManager(tx, zerolog.Nop())
	prices := marketdata.NewTickCache(0)
	pm := portfolio.NewManager(tx, accounts, zerolog.Nop(), portfolio.Options{Prices: prices})
	hub := stream.NewHub()
	hub.RegisterConsumer(prices)

	engine := orders.NewEngine(orders.Deps{
		Transactor: tx,
		Accounts:   accounts,
		Portfolio:  pm,
		Session:    session.Fixed(status),
		Prices:     prices,
		Events:     hub,
		Logger:     zerolog.Nop(),
	})
	cal := session.NewIndiaCalendar()
	scheduler := session.NewScheduler(cal, pm, engine, hub, zerolog.Nop())

	srv := httptest.NewServer(NewRouter(Deps{
		Engine:    engine,
		Accounts:  accounts,
		Portfolio: pm,
		Session:   session.Fixed(status),
		Hub:       hub,
		Sweeper:   scheduler,
		Logger:    zerolog.Nop(),
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestREST_OrderFlow(t *testing.T) {
	ts := newTestServer(t, models.MarketOpen)

	var acct models.Account
	status := ts.do(t, http.MethodPost, "/v1/accounts", map[string]interface{}{"account_id": "alice", "initial_balance": "10000"}, &acct)
	require.Equal(t, http.StatusCreated, status)
	require.True(t, acct.CashBalance.Equal(decimal.NewFromInt(10000)))

	var placed orders.OrderPlaced
	status = ts.do(t, http.MethodPost, "/v1/accounts/alice/orders", map[string]interface{}{
		"symbol":          "INFY",
		"order_type":      "market",
		"order_category":  "delivery",
		"side":            "buy",
		"quantity":        10,
		"execution_price": "100",
	}, &placed)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, models.OrderStatusExecuted, placed.Order.Status)
	require.True(t, placed.Balance.Equal(decimal.NewFromInt(9000)))

	var holdings struct {
		Items []models.Holding `json:"items"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/accounts/alice/holdings", nil, &holdings))
	require.Len(t, holdings.Items, 1)

	var done orders.OrderCompleted
	status = ts.do(t, http.MethodPost, "/v1/accounts/alice/orders/complete", map[string]interface{}{
		"symbol":           "INFY",
		"side":             "buy",
		"quantity":         10,
		"completion_price": "110",
	}, &done)
	require.Equal(t, http.StatusOK, status)
	require.True(t, done.PnL.Equal(decimal.NewFromInt(100)))

	var txns struct {
		Items []models.WalletTransaction `json:"items"`
	}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/accounts/alice/transactions?limit=2", nil, &txns))
	require.Len(t, txns.Items, 2)
}

func TestREST_DomainErrorsMapToStatus(t *testing.T) {
	ts := newTestServer(t, models.MarketOpen)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/accounts", map[string]interface{}{"account_id": "bob", "initial_balance": "500"}, nil))

	var errResp ErrorResponse
	status := ts.do(t, http.MethodPost, "/v1/accounts/bob/orders", map[string]interface{}{
		"symbol": "INFY", "order_type": "market", "order_category": "delivery", "side": "buy",
		"quantity": 10, "execution_price": "100",
	}, &errResp)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, string(apperrors.CodeInsufficientBalance), errResp.Code)
	require.NotNil(t, errResp.Shortfall)
	require.True(t, errResp.Shortfall.Equal(decimal.NewFromInt(500)))

	errResp = ErrorResponse{}
	status = ts.do(t, http.MethodPost, "/v1/accounts/bob/orders", map[string]interface{}{"symbol": "INFY"}, &errResp)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "order_type", errResp.Field)

	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/accounts/ghost", nil, nil))
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/v1/orders/nope/cancel", nil, nil))
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/v1/accounts/bob/deposit", map[string]interface{}{"amount": "1", "bogus": true}, nil))
}

func TestREST_ClosedMarketRejectsIntraday(t *testing.T) {
	ts := newTestServer(t, models.MarketClosed)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/accounts", map[string]interface{}{"account_id": "carol", "initial_balance": "1000"}, nil))

	var errResp ErrorResponse
	status := ts.do(t, http.MethodPost, "/v1/accounts/carol/orders", map[string]interface{}{
		"symbol": "INFY", "order_type": "market", "order_category": "intraday", "side": "buy",
		"quantity": 1, "execution_price": "100",
	}, &errResp)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, string(apperrors.CodeMarketClosed), errResp.Code)

	var market map[string]interface{}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/market/status", nil, &market))
	require.Equal(t, "closed", market["status"])
}

func TestREST_SweepEndpoint(t *testing.T) {
	ts := newTestServer(t, models.MarketOpen)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/accounts", map[string]interface{}{"account_id": "dave", "initial_balance": "1000"}, nil))
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/accounts/dave/orders", map[string]interface{}{
		"symbol": "SBIN", "order_type": "market", "order_category": "intraday", "side": "buy",
		"quantity": 10, "execution_price": "50",
	}, nil))

	var report portfolio.SweepReport
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/v1/admin/sweep", nil, &report))
	require.Len(t, report.Settlements, 1)

	var acct models.Account
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/accounts/dave", nil, &acct))
	require.True(t, report.TotalPnL.IsZero())
	require.True(t, acct.CashBalance.Equal(decimal.NewFromInt(900)))
}

func TestWebSocket_CommandsAndEvents(t *testing.T) {
	ts := newTestServer(t, models.MarketOpen)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/accounts", map[string]interface{}{"account_id": "erin", "initial_balance": "5000"}, nil))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?account_id=erin"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":       "place_order",
		"request_id": "r1",
		"payload": map[string]interface{}{
			"symbol": "TCS", "order_type": "market", "order_category": "delivery", "side": "buy",
			"quantity": 1, "execution_price": "3000",
		},
	}))

	seen := map[string]bool{}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !(seen["result"] && seen[string(stream.EventOrderPlaced)]) {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		kind, _ := msg["type"].(string)
		seen[kind] = true
		if kind == "result" {
			require.Equal(t, "r1", msg["request_id"])
		}
	}

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":       "place_order",
		"request_id": "r2",
		"payload": map[string]interface{}{
			"symbol": "TCS", "order_type": "market", "order_category": "delivery", "side": "buy",
			"quantity": 10, "execution_price": "3000",
		},
	}))
	for {
		var msg wsReply
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.RequestID != "r2" {
			continue
		}
		require.Equal(t, string(stream.EventError), msg.Type)
		payload := msg.Payload.(map[string]interface{})
		require.Equal(t, string(apperrors.CodeInsufficientBalance), payload["code"])
		break
	}
}

func TestWebSocket_TickSubscriptions(t *testing.T) {
	ts := newTestServer(t, models.MarketOpen)
	require.NoError(t, ts.hub.Start(context.Background()))
	t.Cleanup(ts.hub.Stop)
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/v1/accounts", map[string]interface{}{"account_id": "finn"}, nil))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?account_id=finn"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	send := func(kind, requestID, symbol string) wsReply {
		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type": kind, "request_id": requestID, "payload": map[string]string{"symbol": symbol},
		}))
		for {
			var msg wsReply
			require.NoError(t, conn.ReadJSON(&msg))
			if msg.RequestID == requestID {
				return msg
			}
		}
	}

	reply := send("subscribe", "s1", "infy")
	require.Equal(t, "result", reply.Type)
	payload := reply.Payload.(map[string]interface{})
	require.Equal(t, "INFY", payload["symbol"])
	require.EqualValues(t, 1, payload["subscribers"])

	ts.hub.Publish(models.Tick{Symbol: "INFY", LTP: decimal.NewFromInt(1500), Timestamp: time.Now()})
	for {
		var msg wsReply
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "tick" {
			tick := msg.Payload.(map[string]interface{})
			require.Equal(t, "INFY", tick["symbol"])
			break
		}
	}

	require.Equal(t, "result", send("unsubscribe", "u1", "INFY").Type)
	require.Equal(t, string(stream.EventError), send("unsubscribe", "u2", "INFY").Type)

	var metrics map[string]interface{}
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/metrics", nil, &metrics))
	hub := metrics["hub"].(map[string]interface{})
	require.Equal(t, true, hub["running"])
}

func TestWebSocket_RequiresKnownAccount(t *testing.T) {
	ts := newTestServer(t, models.MarketOpen)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?account_id=ghost"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusServiceUnavailable, StatusFor(apperrors.CodePriceUnavailable))
	require.Equal(t, http.StatusInternalServerError, StatusFor(apperrors.CodeInternal))
	require.Equal(t, http.StatusConflict, StatusFor(apperrors.CodeOrderNotCancellable))
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", http.NotFoundHandler(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
