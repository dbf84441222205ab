// Package lifecycle drives market status transitions on a periodic scan:
// preparing markets open once their open time passes, open markets close once
// their close time passes. Settlement is deliberately not automatic.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunoki/marketd/internal/domain"
)

// Scheduler runs the lifecycle scan. Scans are idempotent: each transition
// selects only markets still in its source status, so a rerun after a crash
// picks up exactly the markets that did not commit.
type Scheduler struct {
	markets domain.MarketStore
	ledger  domain.LedgerStore
	users   domain.UserStore
	bus     domain.SignalBus
	logger  *slog.Logger

	now func() time.Time
}

// NewScheduler creates a Scheduler with all required dependencies.
func NewScheduler(
	markets domain.MarketStore,
	ledger domain.LedgerStore,
	users domain.UserStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		markets: markets,
		ledger:  ledger,
		users:   users,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// RunLoop runs the scan on a repeating interval until the context is
// cancelled. Scans run synchronously on the tick, so runs never overlap.
func (s *Scheduler) RunLoop(ctx context.Context, interval time.Duration) error {
	// Run immediately on start.
	s.Scan(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("lifecycle loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan performs one pass of both transitions. An error on one market never
// blocks the others; failures are logged and retried naturally on the next
// scan.
func (s *Scheduler) Scan(ctx context.Context) {
	now := s.now().UTC()

	due, err := s.markets.ListDueOpen(ctx, now)
	if err != nil {
		s.logger.Error("list due-open markets failed", "error", err)
	} else {
		for _, m := range due {
			if err := s.openMarket(ctx, m.ID); err != nil {
				s.logger.Error("open transition failed", "market_id", m.ID, "error", err)
				continue
			}
			s.publishLifecycle(ctx, m.ID, domain.MarketStatusOpen)
		}
	}

	due, err = s.markets.ListDueClose(ctx, now)
	if err != nil {
		s.logger.Error("list due-close markets failed", "error", err)
		return
	}
	for _, m := range due {
		if err := s.closeMarket(ctx, m.ID); err != nil {
			s.logger.Error("close transition failed", "market_id", m.ID, "error", err)
			continue
		}
		s.publishLifecycle(ctx, m.ID, domain.MarketStatusClosed)
	}
}

// openMarket grants each registered user an equal share of the market's
// initial coin issue and moves the market to open, all in one transaction
// under the market lock. A concurrent scan loses the status compare-and-set
// and rolls its grants back.
func (s *Scheduler) openMarket(ctx context.Context, marketID string) error {
	userIDs, err := s.users.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: list users: %w", err)
	}

	return s.ledger.WithMarketLock(ctx, marketID, func(tx domain.LedgerTx, m domain.Market) error {
		if m.Status != domain.MarketStatusPreparing {
			return domain.ErrInvalidState
		}

		if len(userIDs) == 0 {
			s.logger.Warn("market opening with no registered users, skipping initial supply",
				"market_id", marketID)
		} else {
			perUser := m.InitialCoinIssue / int64(len(userIDs))
			for _, userID := range userIDs {
				_, err := tx.Append(ctx, domain.LedgerRecord{
					MarketID:   marketID,
					UserID:     userID,
					AmountCoin: perUser,
					Type:       domain.RecordTypeInitialSupply,
				})
				if err != nil {
					return fmt.Errorf("lifecycle: initial supply for %s: %w", userID, err)
				}
			}
			s.logger.Info("initial supply granted",
				"market_id", marketID, "users", len(userIDs), "coin_per_user", perUser)
		}

		return tx.TransitionStatus(ctx, marketID, domain.MarketStatusPreparing, domain.MarketStatusOpen)
	})
}

// closeMarket is a bare compare-and-set with no ledger writes.
func (s *Scheduler) closeMarket(ctx context.Context, marketID string) error {
	return s.markets.TransitionStatus(ctx, marketID, domain.MarketStatusOpen, domain.MarketStatusClosed)
}

// publishLifecycle emits a market event, best effort.
func (s *Scheduler) publishLifecycle(ctx context.Context, marketID string, status domain.MarketStatus) {
	s.logger.Info("market transitioned", "market_id", marketID, "status", status)
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.MarketEvent{
		MarketID: marketID,
		Status:   status,
		At:       s.now().UTC(),
	})
	if err != nil {
		s.logger.Error("market event marshal failed", "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelMarkets, payload); err != nil {
		s.logger.Warn("market event publish failed", "market_id", marketID, "error", err)
	}
}
