package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	apperrors "papertrade/internal/errors"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Code      string           `json:"code"`
	Field     string           `json:"field,omitempty"`
	Required  *decimal.Decimal `json:"required,omitempty"`
	Available *decimal.Decimal `json:"available,omitempty"`
	Shortfall *decimal.Decimal `json:"shortfall,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.InvalidRequest("body", "request body is empty")
		}
		return apperrors.InvalidRequest("body", fmt.Sprintf("malformed JSON: %v", err))
	}
	return nil
}

// writeError renders err with the status of its domain code. Internal errors
// never leak their cause.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	resp := ErrorResponse{Code: string(code), Error: err.Error()}

	var de *apperrors.DomainError
	if apperrors.As(err, &de) {
		resp.Error = de.Message
		resp.Field = de.Field
		resp.Required = de.Required
		resp.Available = de.Available
		if de.Required != nil && de.Available != nil {
			shortfall := de.Shortfall()
			resp.Shortfall = &shortfall
		}
		if de.Field != "" && de.Code == apperrors.CodeInvalidRequest {
			resp.Error = de.Field + " " + de.Message
		}
	}
	if code == apperrors.CodeInternal {
		resp.Error = "internal error"
	}
	writeJSON(w, StatusFor(code), resp)
}

// StatusFor maps a domain error code to an HTTP status.
func StatusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeInvalidRequest:
		return http.StatusBadRequest
	case apperrors.CodeHoldingNotFound, apperrors.CodeOrderNotFound, apperrors.CodeAccountNotFound:
		return http.StatusNotFound
	case apperrors.CodeMarketClosed, apperrors.CodeOrderNotCancellable, apperrors.CodePersistenceConflict:
		return http.StatusConflict
	case apperrors.CodeInsufficientBalance, apperrors.CodeInsufficientHoldings, apperrors.CodeInsufficientQuantity:
		return http.StatusUnprocessableEntity
	case apperrors.CodePriceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
