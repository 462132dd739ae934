package model

import "errors"

// Sentinel errors for domain-level error handling. The API layer maps these
// to HTTP status codes. Only ErrBusy may be retried; every other class is
// terminal and surfaced to the caller verbatim.
var (
	ErrInvalidPrice      = errors.New("invalid_price")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
	ErrInvalidSide       = errors.New("invalid_side")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrEventNotOpen      = errors.New("event_not_open")
	ErrAlreadyResolved   = errors.New("event_already_resolved")
	ErrInsufficientFunds = errors.New("insufficient_funds")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("invalid_state")
	ErrNotFound          = errors.New("not_found")
	ErrBusy              = errors.New("busy")
)
