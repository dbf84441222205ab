package domain

import "time"

// MarketStatus represents the lifecycle state of a market. Transitions are
// monotonic: preparing -> open -> closed -> settled, never backwards.
type MarketStatus string

const (
	MarketStatusPreparing MarketStatus = "preparing"
	MarketStatusOpen      MarketStatus = "open"
	MarketStatusClosed    MarketStatus = "closed"
	MarketStatusSettled   MarketStatus = "settled"
)

// Valid reports whether s is one of the four lifecycle states.
func (s MarketStatus) Valid() bool {
	switch s {
	case MarketStatusPreparing, MarketStatusOpen, MarketStatusClosed, MarketStatusSettled:
		return true
	}
	return false
}

// Market is a prediction market priced by an LMSR cost function over a fixed
// set of outcome tokens.
type Market struct {
	ID          string
	Title       string
	Description string

	// LmsrB is the liquidity parameter b of the cost function. Larger values
	// flatten price impact at the cost of a larger worst-case subsidy.
	LmsrB float64

	// InitialCoinIssue is the total coin minted across all participants when
	// the market opens, split evenly per user.
	InitialCoinIssue int64

	OpenTime  time.Time
	CloseTime time.Time
	Status    MarketStatus

	// SettlementTokenID is the winning token. Set if and only if the market
	// is settled.
	SettlementTokenID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OutcomeToken is one mutually-exclusive outcome of a market. The token set
// is fixed for the market's lifetime.
type OutcomeToken struct {
	ID          string
	MarketID    string
	Name        string
	Description string
}

// User is the minimal identity needed to attribute ledger records.
// Authentication material lives outside the engine.
type User struct {
	ID        string
	Name      string
	CreatedAt time.Time
}
