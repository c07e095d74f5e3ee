package adapter

import (
	"errors"
	"fmt"
	"time"
)

// RetryClass classifies an adapter error for the cancel-queue and
// failed-order retry engines (internal/retry). The classifier is a pure
// function over the error's tag — never over string matching.
type RetryClass int

const (
	RetryNone       RetryClass = iota // non-retriable, give up immediately
	RetryBackoff                      // retriable with exponential backoff
	RetryAfterDelay                   // retriable, honor an explicit retry-after
	RetryAlreadyGone                  // treat as success (idempotent recovery)
)

// AuthError signals invalid/revoked exchange credentials. Non-retriable.
type AuthError struct {
	Exchange string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error on %s: %v", e.Exchange, e.Err)
}
func (e *AuthError) Unwrap() error { return e.Err }

// APIError is a non-retriable 4xx (except 429) from the exchange.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.Status, e.Body)
}

// RateLimit is a 429; retriable after the given delay.
type RateLimit struct {
	RetryAfter time.Duration
}

func (e *RateLimit) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// NetworkError covers transport-level failures (timeouts, connection reset).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a 5xx from the exchange.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: status=%d body=%s", e.Status, e.Body)
}

// OrderNotFound means the exchange no longer has a record of the order.
// It is treated as "already gone" — idempotent success for cancels.
type OrderNotFound struct {
	OrderID string
}

func (e *OrderNotFound) Error() string { return fmt.Sprintf("order not found: %s", e.OrderID) }

// Precision signals a lot/tick/min-notional validation failure. Non-retriable.
type Precision struct {
	Reason string
}

func (e *Precision) Error() string { return fmt.Sprintf("precision rejected: %s", e.Reason) }

// InsufficientBalance is non-retriable.
type InsufficientBalance struct {
	Asset     string
	Required  string
	Available string
}

func (e *InsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient balance: need %s %s, have %s", e.Required, e.Asset, e.Available)
}

// ErrExchangeRateUnavailable is raised by PriceCache.GetUSDTKRWRate when no
// fresh FX rate can be produced. Capital-touching flows must abort rather
// than fall back to a stale or synthesized rate.
var ErrExchangeRateUnavailable = errors.New("exchange rate unavailable")

// Classify maps a raw adapter error to a retry decision. This is the single
// place retry policy is decided — CancelQueueWorker and FailedOrderManager
// both call through it instead of inspecting error strings.
func Classify(err error) RetryClass {
	if err == nil {
		return RetryNone
	}

	var notFound *OrderNotFound
	if errors.As(err, &notFound) {
		return RetryAlreadyGone
	}

	var rl *RateLimit
	if errors.As(err, &rl) {
		return RetryAfterDelay
	}

	var net *NetworkError
	if errors.As(err, &net) {
		return RetryBackoff
	}

	var srv *ServerError
	if errors.As(err, &srv) {
		return RetryBackoff
	}

	// AuthError, APIError (non-429), Precision, InsufficientBalance: all
	// non-retriable, fall through to RetryNone.
	return RetryNone
}
