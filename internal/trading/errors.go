package trading

import (
	"fmt"
	"net/http"
)

// Reason is the stable machine-readable classification of a failed order.
type Reason string

const (
	ReasonRateLimited        Reason = "rate_limited"
	ReasonDailyLimit         Reason = "daily_limit_reached"
	ReasonDuplicateInFlight  Reason = "duplicate_in_flight"
	ReasonValidation         Reason = "validation_error"
	ReasonPriceUnavailable   Reason = "price_unavailable"
	ReasonInsufficientFunds  Reason = "insufficient_funds"
	ReasonInsufficientShares Reason = "insufficient_shares"
	ReasonAccountNotFound    Reason = "account_not_found"
	ReasonLedgerTransaction  Reason = "ledger_write_failed_at_transaction"
	ReasonLedgerHolding      Reason = "ledger_write_failed_at_holding"
	ReasonLedgerCash         Reason = "ledger_write_failed_at_cash"
	ReasonInternal           Reason = "internal_error"

	// ReasonAchievementCheck is only ever logged.
	ReasonAchievementCheck Reason = "achievement_check_failed"
)

// HTTPStatus maps the reason onto a response status.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonRateLimited, ReasonDailyLimit:
		return http.StatusTooManyRequests
	case ReasonDuplicateInFlight:
		return http.StatusConflict
	case ReasonValidation:
		return http.StatusBadRequest
	case ReasonPriceUnavailable:
		return http.StatusServiceUnavailable
	case ReasonInsufficientFunds, ReasonInsufficientShares:
		return http.StatusUnprocessableEntity
	case ReasonAccountNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same order may simply be sent again.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonValidation, ReasonInsufficientFunds, ReasonInsufficientShares,
		ReasonAccountNotFound, ReasonLedgerHolding, ReasonLedgerCash:
		return false
	default:
		return true
	}
}

// TradeError is returned by PlaceOrder for every refused or failed order.
type TradeError struct {
	Reason  Reason
	Message string
	Details map[string]any
	Cause   error
}

func (e *TradeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *TradeError) Unwrap() error { return e.Cause }

// Code, StatusCode, PublicMessage and ErrorDetails let pkg/response render
// the error.
func (e *TradeError) Code() string { return string(e.Reason) }

func (e *TradeError) PublicMessage() string { return e.Message }

func (e *TradeError) StatusCode() int { return e.Reason.HTTPStatus() }

func (e *TradeError) ErrorDetails() map[string]any {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details["retryable"] = e.Reason.Retryable()
	return details
}

func newTradeError(reason Reason, message string, cause error) *TradeError {
	return &TradeError{Reason: reason, Message: message, Cause: cause}
}

func (e *TradeError) with(key string, value any) *TradeError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}
