package domain

import "time"

// RecordType classifies a ledger record.
type RecordType string

const (
	// RecordTypeInitialSupply is the per-user coin grant written when a market
	// opens. The only record type with a nil TokenID.
	RecordTypeInitialSupply RecordType = "initial_supply"

	// RecordTypeNormal is a validated trade.
	RecordTypeNormal RecordType = "normal"

	// RecordTypeReward converts a winning holding to coin at settlement.
	RecordTypeReward RecordType = "reward"

	// RecordTypeFailure extinguishes a losing holding at settlement.
	RecordTypeFailure RecordType = "failure"
)

// LedgerRecord is one immutable, append-only balance change. The ledger is
// the sole source of truth: distributions, holdings, and coin balances are
// always recomputed by summation, never stored as mutable counters.
//
// AmountCoin is signed from the user's point of view: negative is coin paid,
// positive is coin received. AmountToken likewise: positive is tokens
// acquired, negative is tokens given up.
type LedgerRecord struct {
	ID          int64
	MarketID    string
	UserID      string
	TokenID     *string
	AmountToken int64
	AmountCoin  int64
	Type        RecordType
	CreatedAt   time.Time
}

// Holding identifies a (user, token) pair in holding aggregations.
type Holding struct {
	UserID  string
	TokenID string
}

// SumDistribution derives the net outstanding amount of each token from a
// record sequence. Records without a token (initial supply) are skipped.
// This is the single derivation used by in-memory validation, settlement,
// and reporting; the SQL stores express the same aggregation as SUM queries.
func SumDistribution(recs []LedgerRecord) map[string]int64 {
	dist := make(map[string]int64)
	for _, r := range recs {
		if r.TokenID == nil {
			continue
		}
		dist[*r.TokenID] += r.AmountToken
	}
	return dist
}

// SumUserCoin derives a user's coin balance in a market.
func SumUserCoin(recs []LedgerRecord, userID string) int64 {
	var total int64
	for _, r := range recs {
		if r.UserID == userID {
			total += r.AmountCoin
		}
	}
	return total
}

// SumUserToken derives a user's net holding of one token.
func SumUserToken(recs []LedgerRecord, userID, tokenID string) int64 {
	var total int64
	for _, r := range recs {
		if r.UserID == userID && r.TokenID != nil && *r.TokenID == tokenID {
			total += r.AmountToken
		}
	}
	return total
}

// SumHoldings derives the net holding of every (user, token) pair.
func SumHoldings(recs []LedgerRecord) map[Holding]int64 {
	holdings := make(map[Holding]int64)
	for _, r := range recs {
		if r.TokenID == nil {
			continue
		}
		holdings[Holding{UserID: r.UserID, TokenID: *r.TokenID}] += r.AmountToken
	}
	return holdings
}
