// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Code classifies a domain error.
type Code string

const (
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeMarketClosed         Code = "MARKET_CLOSED"
	CodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	CodeInsufficientHoldings Code = "INSUFFICIENT_HOLDINGS"
	CodeInsufficientQuantity Code = "INSUFFICIENT_QUANTITY"
	CodeHoldingNotFound      Code = "HOLDING_NOT_FOUND"
	CodeOrderNotFound        Code = "ORDER_NOT_FOUND"
	CodeAccountNotFound      Code = "ACCOUNT_NOT_FOUND"
	CodeOrderNotCancellable  Code = "ORDER_NOT_CANCELLABLE"
	CodePriceUnavailable     Code = "PRICE_UNAVAILABLE"
	CodePersistenceConflict  Code = "PERSISTENCE_CONFLICT"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Standard sentinel errors. They match any DomainError with the same code.
var (
	ErrInvalidRequest       = &DomainError{Code: CodeInvalidRequest, Message: "invalid request"}
	ErrMarketClosed         = &DomainError{Code: CodeMarketClosed, Message: "market is closed"}
	ErrInsufficientBalance  = &DomainError{Code: CodeInsufficientBalance, Message: "insufficient balance"}
	ErrInsufficientHoldings = &DomainError{Code: CodeInsufficientHoldings, Message: "insufficient holdings"}
	ErrInsufficientQuantity = &DomainError{Code: CodeInsufficientQuantity, Message: "insufficient quantity"}
	ErrHoldingNotFound      = &DomainError{Code: CodeHoldingNotFound, Message: "holding not found"}
	ErrOrderNotFound        = &DomainError{Code: CodeOrderNotFound, Message: "order not found"}
	ErrAccountNotFound      = &DomainError{Code: CodeAccountNotFound, Message: "account not found"}
	ErrOrderNotCancellable  = &DomainError{Code: CodeOrderNotCancellable, Message: "order not cancellable"}
	ErrPriceUnavailable     = &DomainError{Code: CodePriceUnavailable, Message: "price unavailable"}
	ErrPersistenceConflict  = &DomainError{Code: CodePersistenceConflict, Message: "persistence conflict"}
	ErrInternal             = &DomainError{Code: CodeInternal, Message: "internal error"}
)

// DomainError is returned verbatim to callers. Shortfall-style rejections
// carry the amounts involved so the caller can render a specific message.
type DomainError struct {
	Code      Code
	Message   string
	Field     string
	Required  *decimal.Decimal
	Available *decimal.Decimal
	Err       error
}

func (e *DomainError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Required != nil && e.Available != nil {
		msg = fmt.Sprintf("%s (required: %s, available: %s)", msg, e.Required.StringFixed(2), e.Available.StringFixed(2))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %v", msg, e.Code, e.Err)
	}
	return fmt.Sprintf("%s [%s]", msg, e.Code)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches on code so wrapped, parameterised errors compare equal to the
// package sentinels.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Shortfall returns required minus available, or zero when not applicable.
func (e *DomainError) Shortfall() decimal.Decimal {
	if e.Required == nil || e.Available == nil {
		return decimal.Zero
	}
	return e.Required.Sub(*e.Available)
}

// New creates a DomainError with the given code and message.
func New(code Code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// InvalidRequest creates a validation failure for a single field.
func InvalidRequest(field, message string) *DomainError {
	return &DomainError{Code: CodeInvalidRequest, Field: field, Message: message}
}

// MarketClosed creates a session-policy rejection.
func MarketClosed(message string) *DomainError {
	return &DomainError{Code: CodeMarketClosed, Message: message}
}

// InsufficientBalance creates a balance rejection carrying the amounts.
func InsufficientBalance(required, available decimal.Decimal) *DomainError {
	return &DomainError{
		Code:      CodeInsufficientBalance,
		Message:   "insufficient balance",
		Required:  &required,
		Available: &available,
	}
}

// InsufficientHoldings creates a rejection for selling more than is owned.
func InsufficientHoldings(symbol string, required, available int64) *DomainError {
	r, a := decimal.NewFromInt(required), decimal.NewFromInt(available)
	return &DomainError{
		Code:      CodeInsufficientHoldings,
		Message:   fmt.Sprintf("insufficient holdings of %s", symbol),
		Required:  &r,
		Available: &a,
	}
}

// InsufficientQuantity creates a rejection for closing more than the lot holds.
func InsufficientQuantity(symbol string, required, available int64) *DomainError {
	r, a := decimal.NewFromInt(required), decimal.NewFromInt(available)
	return &DomainError{
		Code:      CodeInsufficientQuantity,
		Message:   fmt.Sprintf("insufficient quantity of %s", symbol),
		Required:  &r,
		Available: &a,
	}
}

// HoldingNotFound creates a lookup miss for a holding lot.
func HoldingNotFound(symbol, tradeType string) *DomainError {
	return &DomainError{Code: CodeHoldingNotFound, Message: fmt.Sprintf("no %s holding for %s", tradeType, symbol)}
}

// OrderNotFound creates a lookup miss for an order.
func OrderNotFound(orderID string) *DomainError {
	return &DomainError{Code: CodeOrderNotFound, Message: fmt.Sprintf("order %s not found", orderID)}
}

// AccountNotFound creates a lookup miss for an account.
func AccountNotFound(accountID string) *DomainError {
	return &DomainError{Code: CodeAccountNotFound, Message: fmt.Sprintf("account %s not found", accountID)}
}

// OrderNotCancellable creates a rejection for cancelling a non-pending order.
func OrderNotCancellable(orderID, status string) *DomainError {
	return &DomainError{Code: CodeOrderNotCancellable, Message: fmt.Sprintf("order %s is %s, only pending orders can be cancelled", orderID, status)}
}

// PriceUnavailable wraps a price source failure.
func PriceUnavailable(symbol string, err error) *DomainError {
	return &DomainError{Code: CodePriceUnavailable, Message: fmt.Sprintf("no price for %s", symbol), Err: err}
}

// Internal wraps an unexpected failure.
func Internal(err error) *DomainError {
	return &DomainError{Code: CodeInternal, Message: "internal error", Err: err}
}

// CodeOf returns the code of the first DomainError in err's chain, or
// CodeInternal when err is not a domain error.
func CodeOf(err error) Code {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsDomain reports whether err carries a user-facing rejection rather than
// an infrastructure failure.
func IsDomain(err error) bool {
	var de *DomainError
	if !errors.As(err, &de) {
		return false
	}
	return de.Code != CodeInternal && de.Code != CodePersistenceConflict
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
