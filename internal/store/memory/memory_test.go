package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunoki/marketd/internal/domain"
)

func newMarket(t *testing.T, s *Store, status domain.MarketStatus) domain.Market {
	t.Helper()
	m := domain.Market{
		ID:               "m1",
		Title:            "binary",
		LmsrB:            1,
		InitialCoinIssue: 10_000,
		OpenTime:         time.Now().Add(-time.Hour),
		CloseTime:        time.Now().Add(time.Hour),
		Status:           status,
		CreatedAt:        time.Now(),
	}
	tokens := []domain.OutcomeToken{
		{ID: "tokA", MarketID: m.ID, Name: "a-yes"},
		{ID: "tokB", MarketID: m.ID, Name: "b-no"},
	}
	require.NoError(t, s.Create(context.Background(), m, tokens))
	return m
}

func TestMarketLockRollsBackAppendsOnError(t *testing.T) {
	s := NewStore()
	m := newMarket(t, s, domain.MarketStatusPreparing)

	boom := errors.New("boom")
	err := s.WithMarketLock(context.Background(), m.ID, func(tx domain.LedgerTx, _ domain.Market) error {
		_, err := tx.Append(context.Background(), domain.LedgerRecord{
			MarketID: m.ID, UserID: "u1", AmountCoin: 100,
			Type: domain.RecordTypeInitialSupply,
		})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	recs, err := s.ListByMarket(context.Background(), m.ID, "", domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestTxReadsSeeOwnAppends(t *testing.T) {
	s := NewStore()
	m := newMarket(t, s, domain.MarketStatusOpen)
	tokenID := "tokA"

	err := s.WithTokenLock(context.Background(), tokenID, func(tx domain.LedgerTx, _ domain.Market) error {
		_, err := tx.Append(context.Background(), domain.LedgerRecord{
			MarketID: m.ID, UserID: "u1", TokenID: &tokenID,
			AmountToken: 3, AmountCoin: -100, Type: domain.RecordTypeNormal,
		})
		require.NoError(t, err)

		dist, err := tx.Distribution(context.Background(), m.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), dist[tokenID])

		coin, err := tx.UserCoinBalance(context.Background(), m.ID, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(-100), coin)
		return nil
	})
	require.NoError(t, err)

	dist, err := s.Distribution(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), dist[tokenID])
}

func TestMarketLockSnapshotTakenUnderLock(t *testing.T) {
	s := NewStore()
	m := newMarket(t, s, domain.MarketStatusPreparing)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.WithMarketLock(context.Background(), m.ID, func(tx domain.LedgerTx, _ domain.Market) error {
			close(started)
			time.Sleep(20 * time.Millisecond)
			return tx.TransitionStatus(context.Background(), m.ID, domain.MarketStatusPreparing, domain.MarketStatusOpen)
		})
	}()

	<-started
	// This call blocks until the transition above commits, so the snapshot it
	// hands to fn must already be open.
	err := s.WithMarketLock(context.Background(), m.ID, func(_ domain.LedgerTx, seen domain.Market) error {
		assert.Equal(t, domain.MarketStatusOpen, seen.Status)
		return nil
	})
	require.NoError(t, err)
	<-done
}

func TestTokenLockWaitsForMarketLock(t *testing.T) {
	s := NewStore()
	m := newMarket(t, s, domain.MarketStatusOpen)

	var settled atomic.Bool
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.WithMarketLock(context.Background(), m.ID, func(_ domain.LedgerTx, _ domain.Market) error {
			close(started)
			time.Sleep(20 * time.Millisecond)
			settled.Store(true)
			return nil
		})
	}()

	<-started
	err := s.WithTokenLock(context.Background(), "tokA", func(_ domain.LedgerTx, _ domain.Market) error {
		assert.True(t, settled.Load(), "token lock granted while market lock held")
		return nil
	})
	require.NoError(t, err)
	<-done
}

func TestConcurrentOpenScansGrantOnce(t *testing.T) {
	s := NewStore()
	m := newMarket(t, s, domain.MarketStatusPreparing)
	users := []string{"u1", "u2"}

	open := func() error {
		return s.WithMarketLock(context.Background(), m.ID, func(tx domain.LedgerTx, seen domain.Market) error {
			if seen.Status != domain.MarketStatusPreparing {
				return domain.ErrInvalidState
			}
			for _, u := range users {
				if _, err := tx.Append(context.Background(), domain.LedgerRecord{
					MarketID: m.ID, UserID: u, AmountCoin: 5_000,
					Type: domain.RecordTypeInitialSupply,
				}); err != nil {
					return err
				}
			}
			return tx.TransitionStatus(context.Background(), m.ID, domain.MarketStatusPreparing, domain.MarketStatusOpen)
		})
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = open()
		}(i)
	}
	wg.Wait()

	opened := 0
	for _, err := range errs {
		if err == nil {
			opened++
		} else {
			assert.ErrorIs(t, err, domain.ErrInvalidState)
		}
	}
	assert.Equal(t, 1, opened)

	// Whichever way the loser was rejected, only one set of grants persisted.
	recs, err := s.ListByMarket(context.Background(), m.ID, "", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, recs, len(users))
}
