package models

import "errors"

// Domain errors returned by the core. Handlers map these onto HTTP
// status codes; everything else is treated as an internal error.
var (
	ErrMarketClosed          = errors.New("market is closed")
	ErrUserNotFound          = errors.New("user not found")
	ErrInstrumentNotFound    = errors.New("instrument not found")
	ErrDuplicateSymbol       = errors.New("symbol already exists")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrInsufficientHoldings  = errors.New("insufficient holdings")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrValidation            = errors.New("invalid input")
)
