package exchange

import "errors"

// Strategy and driver contract violations. Any of these ends a simulation.
var (
	ErrZeroContracts = errors.New("contracts must not be 0")
	ErrMissingPrice  = errors.New("no price set")
	ErrHedgeMode     = errors.New("order violates hedge mode")
	ErrTickMismatch  = errors.New("tick index mismatch")
	ErrCrossMargin   = errors.New("cross margin not implemented")
	ErrOrderNotFound = errors.New("order not found")
	ErrFinished      = errors.New("simulation finished")
)

// Setup errors, raised before the first tick.
var (
	ErrFeedTooShort    = errors.New("candle feed too short")
	ErrUnknownContract = errors.New("unknown contract type")
	ErrInvalidConfig   = errors.New("invalid exchange config")
)
