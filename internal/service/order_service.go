// Package service implements the engine's use cases over the store and cache
// interfaces: trade validation, settlement, market administration, and
// ledger archival.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunoki/marketd/internal/config"
	"github.com/harunoki/marketd/internal/domain"
	"github.com/harunoki/marketd/internal/lmsr"
)

// TradeRequest is a proposed trade. AmountToken is signed, positive buys and
// negative sells. AmountCoin is the coin delta the client believes is
// correct; it must exactly match the engine's own quote. MarketID, when set,
// must match the market owning TokenID.
type TradeRequest struct {
	UserID      string
	MarketID    string
	TokenID     string
	AmountToken int64
	AmountCoin  int64
}

// TradeResult reports an accepted trade.
type TradeResult struct {
	RecordID int64
	MarketID string
	Prices   map[string]float64
}

// OrderService validates and records trades against the ledger.
type OrderService struct {
	markets domain.MarketStore
	ledger  domain.LedgerStore
	prices  domain.PriceCache
	limiter domain.RateLimiter
	bus     domain.SignalBus
	cfg     config.MarketConfig
	logger  *slog.Logger
}

// NewOrderService creates an OrderService with all required dependencies.
func NewOrderService(
	markets domain.MarketStore,
	ledger domain.LedgerStore,
	prices domain.PriceCache,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	cfg config.MarketConfig,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		markets: markets,
		ledger:  ledger,
		prices:  prices,
		limiter: limiter,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
	}
}

// PlaceOrder atomically accepts or rejects a proposed trade. On acceptance it
// appends exactly one normal ledger record and returns its identifier along
// with the post-trade marginal prices.
//
// Validation runs inside a transaction that locks the traded token, so two
// contenders on the same token never both validate against the same stale
// distribution. The transaction also holds the market row shared and
// re-checks its status, so a trade cannot commit into a market that closed
// or settled after the initial read. A rejected trade is terminal: the
// caller must requote and resubmit.
func (s *OrderService) PlaceOrder(ctx context.Context, req TradeRequest) (TradeResult, error) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, "orders:"+req.UserID, s.cfg.TradeRateLimit, s.cfg.TradeRateWindow.Duration)
		if err != nil {
			return TradeResult{}, fmt.Errorf("order: rate limiter: %w", err)
		}
		if !allowed {
			return TradeResult{}, domain.ErrRateLimited
		}
	}

	market, err := s.markets.GetByTokenID(ctx, req.TokenID)
	if err != nil {
		return TradeResult{}, err
	}
	if req.MarketID != "" && req.MarketID != market.ID {
		return TradeResult{}, domain.ErrNotFound
	}
	if market.Status != domain.MarketStatusOpen {
		return TradeResult{}, domain.ErrMarketNotOpen
	}

	tokens, err := s.markets.Tokens(ctx, market.ID)
	if err != nil {
		return TradeResult{}, fmt.Errorf("order: load tokens: %w", err)
	}

	var result TradeResult
	err = s.ledger.WithTokenLock(ctx, req.TokenID, func(tx domain.LedgerTx, locked domain.Market) error {
		// The pool read above can be stale. The locked row is authoritative:
		// a close or settlement landing since that read rejects the trade here.
		if locked.Status != domain.MarketStatusOpen {
			return domain.ErrMarketNotOpen
		}

		dist, err := tx.Distribution(ctx, market.ID)
		if err != nil {
			return fmt.Errorf("order: read distribution: %w", err)
		}

		// Fixed token order so cur and next index identically.
		cur := make([]int64, len(tokens))
		next := make([]int64, len(tokens))
		tradedIdx := -1
		for i, t := range tokens {
			cur[i] = dist[t.ID]
			if cur[i] < 0 {
				return fmt.Errorf("order: token %s distribution %d: %w", t.ID, cur[i], domain.ErrInconsistent)
			}
			next[i] = cur[i]
			if t.ID == req.TokenID {
				tradedIdx = i
			}
		}
		if tradedIdx < 0 {
			return domain.ErrNotFound
		}
		next[tradedIdx] += req.AmountToken

		if next[tradedIdx] < 0 {
			return domain.ErrInsufficientSupply
		}

		if !s.cfg.AllowShort {
			holding, err := tx.UserTokenHolding(ctx, market.ID, req.UserID, req.TokenID)
			if err != nil {
				return fmt.Errorf("order: read holding: %w", err)
			}
			if holding+req.AmountToken < 0 {
				return domain.ErrInsufficientHoldings
			}
		}

		expectedCoin := lmsr.TradeCoin(market.LmsrB, cur, next)

		balance, err := tx.UserCoinBalance(ctx, market.ID, req.UserID)
		if err != nil {
			return fmt.Errorf("order: read balance: %w", err)
		}
		if balance+expectedCoin < 0 {
			return domain.ErrInsufficientCoin
		}

		if req.AmountCoin != expectedCoin {
			return domain.ErrPriceMismatch
		}

		tokenID := req.TokenID
		id, err := tx.Append(ctx, domain.LedgerRecord{
			MarketID:    market.ID,
			UserID:      req.UserID,
			TokenID:     &tokenID,
			AmountToken: req.AmountToken,
			AmountCoin:  expectedCoin,
			Type:        domain.RecordTypeNormal,
		})
		if err != nil {
			return fmt.Errorf("order: append record: %w", err)
		}

		result = TradeResult{
			RecordID: id,
			MarketID: market.ID,
			Prices:   marginalPrices(market.LmsrB, tokens, next),
		}
		return nil
	})
	if err != nil {
		return TradeResult{}, err
	}

	s.publishTrade(ctx, market, req, result)
	return result, nil
}

// publishTrade refreshes the price cache and emits a trade event. Both are
// best-effort: the trade is already committed.
func (s *OrderService) publishTrade(ctx context.Context, market domain.Market, req TradeRequest, res TradeResult) {
	now := time.Now().UTC()

	if s.prices != nil {
		for tokenID, p := range res.Prices {
			if err := s.prices.SetPrice(ctx, tokenID, p, now); err != nil {
				s.logger.Warn("price cache update failed",
					"market_id", market.ID, "token_id", tokenID, "error", err)
			}
		}
	}

	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.TradeEvent{
		RecordID:    res.RecordID,
		MarketID:    market.ID,
		TokenID:     req.TokenID,
		UserID:      req.UserID,
		AmountToken: req.AmountToken,
		AmountCoin:  req.AmountCoin,
		Prices:      res.Prices,
		At:          now,
	})
	if err != nil {
		s.logger.Error("trade event marshal failed", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelTrades, payload); err != nil {
		s.logger.Warn("trade event publish failed", "market_id", market.ID, "error", err)
	}
}

// marginalPrices maps softmax prices back onto token identifiers.
func marginalPrices(b float64, tokens []domain.OutcomeToken, q []int64) map[string]float64 {
	prices := lmsr.Prices(b, q)
	out := make(map[string]float64, len(tokens))
	for i, t := range tokens {
		out[t.ID] = prices[i]
	}
	return out
}

// distributionVector orders a distribution map by the given token list.
func distributionVector(tokens []domain.OutcomeToken, dist map[string]int64) []int64 {
	q := make([]int64, len(tokens))
	for i, t := range tokens {
		q[i] = dist[t.ID]
	}
	return q
}
