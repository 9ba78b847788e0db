package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConnectivity           = errors.New("exchange unreachable")
	ErrRateLimited            = errors.New("rate limited")
	ErrPermanentlyUnavailable = errors.New("exchange permanently unavailable")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrValidation             = errors.New("order validation failed")
	ErrLiquidityInsufficient  = errors.New("insufficient book depth")
	ErrCapitalConflict        = errors.New("capital already reserved")
	ErrExecutionPartial       = errors.New("execution partially completed")
	ErrFatalConfiguration     = errors.New("fatal configuration error")
	ErrStaleOpportunity       = errors.New("opportunity no longer profitable")
	ErrAlreadyConsumed        = errors.New("opportunity already consumed")
	ErrTimestampDrift         = errors.New("request timestamp outside recv window")
	ErrWSDisconnect           = errors.New("websocket disconnected")
	ErrLockHeld               = errors.New("lock already held")
	ErrDegenerateGraph        = errors.New("degenerate market graph")
)

// ExchangeError is a non-2xx response from the exchange REST API.
type ExchangeError struct {
	Status int
	Code   int
	Msg    string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("exchange: status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// Unwrap maps the response onto the error taxonomy so callers can use
// errors.Is against the sentinels above.
func (e *ExchangeError) Unwrap() error {
	switch {
	case e.Status == 429 || e.Status == 418:
		return ErrRateLimited
	case e.Code == -1021:
		return ErrTimestampDrift
	case e.Status == 401 || e.Code == -2014 || e.Code == -2015 || e.Code == -1022:
		return ErrUnauthorized
	case e.Code == -2013 || e.Code == -2011:
		return ErrNotFound
	case e.Status >= 500:
		return ErrConnectivity
	case e.Status >= 400:
		return ErrValidation
	}
	return nil
}

// ErrorKind returns a short stable label for err, used in trade results and
// metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExecutionPartial):
		return "partial"
	case errors.Is(err, ErrCapitalConflict):
		return "capital_conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrLiquidityInsufficient):
		return "liquidity_insufficient"
	case errors.Is(err, ErrStaleOpportunity):
		return "stale"
	case errors.Is(err, ErrAlreadyConsumed):
		return "consumed"
	case errors.Is(err, ErrPermanentlyUnavailable):
		return "permanently_unavailable"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrConnectivity):
		return "connectivity"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal"
	}
}
