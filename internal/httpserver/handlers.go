package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	apperrors "papertrade/internal/errors"
	"papertrade/internal/logging"
	"papertrade/internal/models"
	"papertrade/internal/orders"
	"papertrade/internal/store"
)

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !apperrors.IsDomain(err) {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, err)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) marketStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Session.Status(r.Context())
	if err != nil {
		h.fail(w, r, apperrors.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status, "at": time.Now().UTC()})
}

type metricsResponse struct {
	Hub     interface{} `json:"hub,omitempty"`
	Breaker interface{} `json:"price_breaker,omitempty"`
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	var resp metricsResponse
	if h.Hub != nil {
		resp.Hub = h.Hub.GetMetrics()
	}
	if h.Breaker != nil {
		resp.Breaker = h.Breaker.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type tickRequest struct {
	Symbol string          `json:"symbol"`
	LTP    decimal.Decimal `json:"ltp"`
}

func (h *handler) publishTick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if err := readJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		h.fail(w, r, apperrors.InvalidRequest("symbol", "is required"))
		return
	}
	if !req.LTP.IsPositive() {
		h.fail(w, r, apperrors.InvalidRequest("ltp", "must be greater than zero"))
		return
	}
	if h.Hub == nil {
		h.fail(w, r, apperrors.Internal(errUnavailable("tick hub")))
		return
	}
	h.Hub.Publish(models.Tick{Symbol: symbol, LTP: req.LTP, Timestamp: time.Now().UTC()})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type openAccountRequest struct {
	AccountID      string           `json:"account_id"`
	InitialBalance *decimal.Decimal `json:"initial_balance,omitempty"`
}

func (h *handler) openAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := readJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	initial := decimal.Zero
	if req.InitialBalance != nil {
		initial = *req.InitialBalance
	}
	acct, err := h.Accounts.Open(r.Context(), req.AccountID, initial)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Accounts.Get(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

type walletRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note,omitempty"`
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if err := readJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	txn, err := h.Accounts.Deposit(r.Context(), chi.URLParam(r, "accountID"), req.Amount, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if err := readJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	txn, err := h.Accounts.Withdraw(r.Context(), chi.URLParam(r, "accountID"), req.Amount, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

func (h *handler) transactions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	txns, err := h.Accounts.Transactions(r.Context(), chi.URLParam(r, "accountID"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": nonNil(txns)})
}

func (h *handler) holdings(w http.ResponseWriter, r *http.Request) {
	holdings, err := h.Portfolio.Holdings(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": nonNil(holdings)})
}

func (h *handler) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Portfolio.Summary(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *handler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter := store.OrderFilter{
		AccountID: chi.URLParam(r, "accountID"),
		Symbol:    r.URL.Query().Get("symbol"),
		Side:      models.OrderSide(r.URL.Query().Get("side")),
		Limit:     limit,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, models.OrderStatus(strings.TrimSpace(s)))
		}
	}
	list, err := h.Engine.Orders(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": nonNil(list)})
}

func (h *handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.PlaceOrderRequest
	if err := readJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.AccountID = chi.URLParam(r, "accountID")
	placed, err := h.Engine.PlaceOrder(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, placed)
}

func (h *handler) completeOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CompleteOrderRequest
	if err := readJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.AccountID = chi.URLParam(r, "accountID")
	done, err := h.Engine.CompleteOrder(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, done)
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Engine.Order(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.CancelOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type executeRequest struct {
	Price *decimal.Decimal `json:"price,omitempty"`
}

func (h *handler) executeOrder(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	o, err := h.Engine.ExecutePending(r.Context(), chi.URLParam(r, "orderID"), req.Price)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) sweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		h.fail(w, r, apperrors.Internal(errUnavailable("scheduler")))
		return
	}
	report, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.InvalidRequest(key, "must be a non-negative integer")
	}
	return n, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

type errUnavailable string

func (e errUnavailable) Error() string { return string(e) + " is not configured" }
