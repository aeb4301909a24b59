package types

import "errors"

// Typed rejection reasons surfaced to callers. Dependency-level faults
// (circuit open, timeouts) are wrapped with these sentinels so callers can
// discriminate with errors.Is.
var (
	// Validation
	ErrInvalidPrice = errors.New("price outside tick range")
	ErrInvalidSize  = errors.New("size must be positive")
	ErrUnknownMarket = errors.New("unknown market")
	ErrUnknownUser   = errors.New("unknown user")
	ErrUnknownOrder  = errors.New("unknown order")

	// Risk
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOverLimit         = errors.New("position limit exceeded")
	ErrNotAccredited     = errors.New("market restricted to accredited users")

	// Liquidity
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// Lifecycle
	ErrMarketNotTradable = errors.New("market not tradable")
	ErrAlreadyResolved   = errors.New("market already resolved")
	ErrBadTransition     = errors.New("invalid market state transition")

	// Dependency / backpressure
	ErrCircuitOpen = errors.New("circuit open")
	ErrMarketBusy  = errors.New("market queue full")

	// Invariant violations abort the operation; in debug builds they are
	// fatal.
	ErrInvariant = errors.New("ledger invariant violation")
)
