package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// MarketStore persists markets and their outcome tokens.
type MarketStore interface {
	// Create inserts a market in preparing state together with its fixed
	// token set, atomically.
	Create(ctx context.Context, market Market, tokens []OutcomeToken) error
	GetByID(ctx context.Context, id string) (Market, error)
	// GetByTokenID resolves the market owning an outcome token.
	GetByTokenID(ctx context.Context, tokenID string) (Market, error)
	Tokens(ctx context.Context, marketID string) ([]OutcomeToken, error)
	List(ctx context.Context, status MarketStatus, opts ListOpts) ([]Market, error)

	// ListDueOpen returns markets still preparing whose open time has passed.
	ListDueOpen(ctx context.Context, now time.Time) ([]Market, error)
	// ListDueClose returns open markets whose close time has passed.
	ListDueClose(ctx context.Context, now time.Time) ([]Market, error)

	// TransitionStatus moves a market from one status to the next. It is a
	// compare-and-set: the update applies only while the market is still in
	// the source status, and ErrInvalidState is returned otherwise. This is
	// what makes repeated lifecycle scans idempotent.
	TransitionStatus(ctx context.Context, id string, from, to MarketStatus) error
}

// LedgerTx exposes ledger reads and the single append primitive inside a
// serialized transaction. Every balance it reports is derived by summation
// over the records visible to the transaction.
type LedgerTx interface {
	Distribution(ctx context.Context, marketID string) (map[string]int64, error)
	UserCoinBalance(ctx context.Context, marketID, userID string) (int64, error)
	UserTokenHolding(ctx context.Context, marketID, userID, tokenID string) (int64, error)
	// Holdings returns the non-zero net holding of every (user, token) pair.
	Holdings(ctx context.Context, marketID string) (map[Holding]int64, error)
	// Append writes one immutable record and returns its identifier.
	Append(ctx context.Context, rec LedgerRecord) (int64, error)
	// TransitionStatus is TransitionStatus of MarketStore, scoped to this
	// transaction so a status change commits or rolls back with the appends.
	TransitionStatus(ctx context.Context, id string, from, to MarketStatus) error
	// SetSettled marks a closed market settled with its winning token.
	SetSettled(ctx context.Context, marketID, tokenID string) error
}

// LedgerStore is the append-only trade ledger. The read-modify-append
// sequences of validation and settlement run under WithTokenLock or
// WithMarketLock so that no two writers observe the same stale distribution.
type LedgerStore interface {
	// WithTokenLock runs fn in a transaction holding an exclusive lock on the
	// given outcome token and a shared lock on its market. Trades on distinct
	// tokens proceed concurrently; contenders on the same token serialize, and
	// all trades conflict with WithMarketLock holders. The market passed to fn
	// is the state current at lock time. Returns ErrNotFound when the token
	// does not exist. The transaction commits iff fn returns nil.
	WithTokenLock(ctx context.Context, tokenID string, fn func(tx LedgerTx, m Market) error) error

	// WithMarketLock runs fn in a transaction holding an exclusive lock on
	// the whole market, for settlement and the open transition. The market
	// passed to fn is the locked row's current state.
	WithMarketLock(ctx context.Context, marketID string, fn func(tx LedgerTx, m Market) error) error

	// Append writes one record outside any caller-visible lock. Used only
	// where serialization is not needed.
	Append(ctx context.Context, rec LedgerRecord) (int64, error)

	// Distribution is the unserialized read used for reporting.
	Distribution(ctx context.Context, marketID string) (map[string]int64, error)
	UserCoinBalance(ctx context.Context, marketID, userID string) (int64, error)
	UserHoldings(ctx context.Context, marketID, userID string) (map[string]int64, error)
	ListByMarket(ctx context.Context, marketID, userID string, opts ListOpts) ([]LedgerRecord, error)
}

// UserStore is the user directory consumed by the open transition.
type UserStore interface {
	Create(ctx context.Context, u User) error
	GetByID(ctx context.Context, id string) (User, error)
	// ListIDs returns all user identifiers ordered by creation.
	ListIDs(ctx context.Context) ([]string, error)
}
