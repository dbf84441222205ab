package domain

import "errors"

var (
	// ErrNotFound is returned when a market, token, user, or record does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a create collides with an existing row.
	ErrAlreadyExists = errors.New("already exists")

	// ErrMarketNotOpen rejects a trade against a market that is not open.
	ErrMarketNotOpen = errors.New("market not open")

	// ErrInsufficientSupply rejects a sell that would drive a token's total
	// distribution below zero.
	ErrInsufficientSupply = errors.New("insufficient token supply")

	// ErrInsufficientHoldings rejects a sell that would drive the trader's own
	// holding below zero. Only enforced when short selling is disabled.
	ErrInsufficientHoldings = errors.New("insufficient token holdings")

	// ErrInsufficientCoin rejects a trade the trader cannot pay for.
	ErrInsufficientCoin = errors.New("insufficient coin balance")

	// ErrPriceMismatch rejects a trade whose submitted coin amount differs
	// from the engine's own quote. There is no slippage tolerance; the client
	// must requote against the latest distribution and resubmit.
	ErrPriceMismatch = errors.New("coin amount does not match current price")

	// ErrInvalidState is returned when a lifecycle operation is attempted in
	// the wrong market state, e.g. settling a market that is not closed.
	ErrInvalidState = errors.New("invalid market state")

	// ErrInconsistent signals a violated ledger invariant, such as a negative
	// distribution observed before a trade. It is always fatal to the
	// operation and never silently corrected.
	ErrInconsistent = errors.New("ledger inconsistent")

	// ErrRateLimited is returned when a trader exceeds the order rate limit.
	ErrRateLimited = errors.New("rate limited")

	// ErrLockHeld is returned when a distributed lock is already held.
	ErrLockHeld = errors.New("lock already held")
)
