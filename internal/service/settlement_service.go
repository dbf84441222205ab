package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/harunoki/marketd/internal/domain"
)

// settleLockTTL bounds how long a crashed settlement holds its Redis lock.
const settleLockTTL = 30 * time.Second

// SettlementService settles closed markets: winning holdings convert to coin
// one to one, losing holdings are extinguished.
type SettlementService struct {
	markets domain.MarketStore
	ledger  domain.LedgerStore
	locks   domain.LockManager
	bus     domain.SignalBus
	logger  *slog.Logger
}

// NewSettlementService creates a SettlementService with all required
// dependencies.
func NewSettlementService(
	markets domain.MarketStore,
	ledger domain.LedgerStore,
	locks domain.LockManager,
	bus domain.SignalBus,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		markets: markets,
		ledger:  ledger,
		locks:   locks,
		bus:     bus,
		logger:  logger,
	}
}

// Settle settles a closed market, designating winningTokenID as the winning
// outcome. All ledger writes and the status change commit as one unit; a
// failed settlement leaves the market closed with no partial records.
//
// It returns ErrInvalidState unless the market is closed, ErrNotFound if the
// winning token does not belong to the market, and ErrLockHeld when another
// settlement of the same market is already in flight.
func (s *SettlementService) Settle(ctx context.Context, marketID, winningTokenID string) error {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "settle:"+marketID, settleLockTTL)
		if err != nil {
			return err
		}
		defer unlock()
	}

	tokens, err := s.markets.Tokens(ctx, marketID)
	if err != nil {
		return fmt.Errorf("settle: load tokens: %w", err)
	}
	winnerKnown := false
	for _, t := range tokens {
		if t.ID == winningTokenID {
			winnerKnown = true
			break
		}
	}
	if !winnerKnown {
		return domain.ErrNotFound
	}

	var rewarded, extinguished int
	err = s.ledger.WithMarketLock(ctx, marketID, func(tx domain.LedgerTx, m domain.Market) error {
		if m.Status != domain.MarketStatusClosed {
			return domain.ErrInvalidState
		}

		holdings, err := tx.Holdings(ctx, marketID)
		if err != nil {
			return fmt.Errorf("settle: read holdings: %w", err)
		}

		for _, h := range sortedHoldings(holdings) {
			amount := holdings[h]
			tokenID := h.TokenID
			rec := domain.LedgerRecord{
				MarketID:    marketID,
				UserID:      h.UserID,
				TokenID:     &tokenID,
				AmountToken: -amount,
			}
			if h.TokenID == winningTokenID {
				rec.AmountCoin = amount
				rec.Type = domain.RecordTypeReward
				rewarded++
			} else {
				rec.AmountCoin = 0
				rec.Type = domain.RecordTypeFailure
				extinguished++
			}
			if _, err := tx.Append(ctx, rec); err != nil {
				return fmt.Errorf("settle: append %s record: %w", rec.Type, err)
			}
		}

		return tx.SetSettled(ctx, marketID, winningTokenID)
	})
	if err != nil {
		return err
	}

	s.logger.Info("market settled",
		"market_id", marketID,
		"winning_token_id", winningTokenID,
		"rewarded", rewarded,
		"extinguished", extinguished,
	)

	s.publishLifecycle(ctx, marketID, domain.MarketStatusSettled, winningTokenID)
	return nil
}

// publishLifecycle emits a market event, best effort.
func (s *SettlementService) publishLifecycle(ctx context.Context, marketID string, status domain.MarketStatus, settlementTokenID string) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.MarketEvent{
		MarketID:          marketID,
		Status:            status,
		SettlementTokenID: settlementTokenID,
		At:                time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("market event marshal failed", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelMarkets, payload); err != nil {
		s.logger.Warn("market event publish failed", "market_id", marketID, "error", err)
	}
}

// sortedHoldings fixes the record order of a settlement run so reruns against
// a copied ledger produce identical output.
func sortedHoldings(holdings map[domain.Holding]int64) []domain.Holding {
	keys := make([]domain.Holding, 0, len(holdings))
	for h := range holdings {
		keys = append(keys, h)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].UserID != keys[j].UserID {
			return keys[i].UserID < keys[j].UserID
		}
		return keys[i].TokenID < keys[j].TokenID
	})
	return keys
}
