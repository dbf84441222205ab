package domain

import "time"

// Pub/sub channels consumed by the WebSocket hub.
const (
	ChannelTrades  = "trades"
	ChannelMarkets = "markets"
)

// TradeEvent is published after a trade is committed to the ledger.
type TradeEvent struct {
	RecordID    int64              `json:"recordId"`
	MarketID    string             `json:"marketId"`
	TokenID     string             `json:"tokenId"`
	UserID      string             `json:"userId"`
	AmountToken int64              `json:"amountToken"`
	AmountCoin  int64              `json:"amountCoin"`
	Prices      map[string]float64 `json:"prices"`
	At          time.Time          `json:"at"`
}

// MarketEvent is published when a market changes lifecycle state.
type MarketEvent struct {
	MarketID          string       `json:"marketId"`
	Status            MarketStatus `json:"status"`
	SettlementTokenID string       `json:"settlementTokenId,omitempty"`
	At                time.Time    `json:"at"`
}
