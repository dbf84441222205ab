package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunoki/marketd/internal/config"
	"github.com/harunoki/marketd/internal/domain"
	"github.com/harunoki/marketd/internal/lmsr"
	"github.com/harunoki/marketd/internal/store/memory"
)

// Quotes for b=1 binary markets, precomputed from the cost function:
// C((0,0))=693, C((1,0))=1313.
const (
	buyOneFromZero  = int64(-620) // buyer pays 620
	sellOneToZero   = int64(620)  // seller receives 620
	initialUserCoin = int64(10_000)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store  *memory.Store
	orders *OrderService
	market domain.Market
	tokenA string
	tokenB string
}

func newFixture(t *testing.T, status domain.MarketStatus, allowShort bool) *fixture {
	t.Helper()
	store := memory.NewStore()

	m := domain.Market{
		ID:               "m1",
		Title:            "binary",
		LmsrB:            1,
		InitialCoinIssue: 20_000,
		OpenTime:         time.Now().Add(-time.Hour),
		CloseTime:        time.Now().Add(time.Hour),
		Status:           status,
		CreatedAt:        time.Now(),
	}
	tokens := []domain.OutcomeToken{
		{ID: "tokA", MarketID: m.ID, Name: "a-yes"},
		{ID: "tokB", MarketID: m.ID, Name: "b-no"},
	}
	require.NoError(t, store.Create(context.Background(), m, tokens))

	cfg := config.MarketConfig{
		AllowShort:      allowShort,
		TradeRateLimit:  100,
		TradeRateWindow: config.Duration{Duration: time.Second},
	}
	return &fixture{
		store:  store,
		orders: NewOrderService(store, store, nil, nil, nil, cfg, testLogger()),
		market: m,
		tokenA: tokens[0].ID,
		tokenB: tokens[1].ID,
	}
}

// grantCoin writes an initial supply record so the user can pay for trades.
func (f *fixture) grantCoin(t *testing.T, userID string, amount int64) {
	t.Helper()
	_, err := f.store.Append(context.Background(), domain.LedgerRecord{
		MarketID:   f.market.ID,
		UserID:     userID,
		AmountCoin: amount,
		Type:       domain.RecordTypeInitialSupply,
	})
	require.NoError(t, err)
}

func TestPlaceOrderAcceptsExactQuote(t *testing.T) {
	f := newFixture(t, domain.MarketStatusOpen, false)
	f.grantCoin(t, "u1", initialUserCoin)

	res, err := f.orders.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u1", TokenID: f.tokenA, AmountToken: 1, AmountCoin: buyOneFromZero,
	})
	require.NoError(t, err)
	assert.Positive(t, res.RecordID)
	assert.Equal(t, f.market.ID, res.MarketID)
	assert.Len(t, res.Prices, 2)

	dist, err := f.store.Distribution(context.Background(), f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dist[f.tokenA])

	coin, err := f.store.UserCoinBalance(context.Background(), f.market.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, initialUserCoin+buyOneFromZero, coin)
}

func TestPlaceOrderUnknownToken(t *testing.T) {
	f := newFixture(t, domain.MarketStatusOpen, false)

	_, err := f.orders.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u1", TokenID: "nope", AmountToken: 1, AmountCoin: buyOneFromZero,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlaceOrderMarketNotOpen(t *testing.T) {
	for _, status := range []domain.MarketStatus{
		domain.MarketStatusPreparing,
		domain.MarketStatusClosed,
		domain.MarketStatusSettled,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t, status, false)
			f.grantCoin(t, "u1", initialUserCoin)

			_, err := f.orders.PlaceOrder(context.Background(), TradeRequest{
				UserID: "u1", TokenID: f.tokenA, AmountToken: 1, AmountCoin: buyOneFromZero,
			})
			assert.ErrorIs(t, err, domain.ErrMarketNotOpen)
		})
	}
}

func TestPlaceOrderInsufficientSupply(t *testing.T) {
	f := newFixture(t, domain.MarketStatusOpen, false)
	f.grantCoin(t, "u1", initialUserCoin)

	// Selling into an empty pool would drive the distribution negative.
	_, err := f.orders.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u1", TokenID: f.tokenA, AmountToken: -1, AmountCoin: sellOneToZero,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientSupply)
}

func TestPlaceOrderInsufficientHoldings(t *testing.T) {
	f := newFixture(t, domain.MarketStatusOpen, false)
	f.grantCoin(t, "u1", initialUserCoin)
	f.grantCoin(t, "u2", initialUserCoin)

	// u2 supplies the pool so the total distribution stays non-negative.
	_, err := f.orders.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u2", TokenID: f.tokenA, AmountToken: 1, AmountCoin: buyOneFromZero,
	})
	require.NoError(t, err)

	// u1 sells a token it never held.
	_, err = f.orders.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u1", TokenID: f.tokenA, AmountToken: -1, AmountCoin: sellOneToZero,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientHoldings)
}

func TestPlaceOrderShortSellingAllowed(t *testing.T) {
	f := newFixture(t, domain.MarketStatusOpen, true)
	f.grantCoin(t, "u1", initialUserCoin)
	f.grantCoin(t, "u2", initialUserCoin)

	_, err := f.orders.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u2", TokenID: f.tokenA, AmountToken: 1, AmountCoin: buyOneFromZero,
	})
	require.NoError(t, err)

	// Same sell as above, accepted because the holdings check is off.
	res, err := f.orders.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u1", TokenID: f.tokenA, AmountToken: -1, AmountCoin: sellOneToZero,
	})
	require.NoError(t, err)
	assert.Positive(t, res.RecordID)

	holdings, err := f.store.UserHoldings(context.Background(), f.market.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), holdings[f.tokenA])
}

func TestPlaceOrderInsufficientCoin(t *testing.T) {
	f := newFixture(t, domain.MarketStatusOpen, false)

	// No coin granted: even a correctly quoted buy is unaffordable.
	_, err := f.orders.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u1", TokenID: f.tokenA, AmountToken: 1, AmountCoin: buyOneFromZero,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientCoin)
}

func TestPlaceOrderPriceMismatch(t *testing.T) {
	f := newFixture(t, domain.MarketStatusOpen, false)
	f.grantCoin(t, "u1", initialUserCoin)

	// Off by one coin: no slippage tolerance.
	_, err := f.orders.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u1", TokenID: f.tokenA, AmountToken: 1, AmountCoin: buyOneFromZero - 1,
	})
	assert.ErrorIs(t, err, domain.ErrPriceMismatch)

	_, err = f.orders.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u1", TokenID: f.tokenA, AmountToken: 1, AmountCoin: -buyOneFromZero,
	})
	assert.ErrorIs(t, err, domain.ErrPriceMismatch)
}

// denyLimiter rejects every request.
type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return false, nil
}

func TestPlaceOrderRateLimited(t *testing.T) {
	f := newFixture(t, domain.MarketStatusOpen, false)
	f.grantCoin(t, "u1", initialUserCoin)

	limited := NewOrderService(f.store, f.store, nil, denyLimiter{}, nil,
		config.MarketConfig{TradeRateLimit: 1, TradeRateWindow: config.Duration{Duration: time.Second}},
		testLogger())

	_, err := limited.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u1", TokenID: f.tokenA, AmountToken: 1, AmountCoin: buyOneFromZero,
	})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestPlaceOrderConcurrentOversell(t *testing.T) {
	f := newFixture(t, domain.MarketStatusOpen, false)
	f.grantCoin(t, "u1", initialUserCoin)

	// u1 holds exactly one unit of A.
	_, err := f.orders.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u1", TokenID: f.tokenA, AmountToken: 1, AmountCoin: buyOneFromZero,
	})
	require.NoError(t, err)

	// Two concurrent sells of that single unit, both quoted against the same
	// pre-trade distribution. Exactly one wins; the loser observes the
	// post-trade ledger and fails supply or holdings.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orders.PlaceOrder(context.Background(), TradeRequest{
				UserID: "u1", TokenID: f.tokenA, AmountToken: -1, AmountCoin: sellOneToZero,
			})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			ok := errors.Is(err, domain.ErrInsufficientSupply) ||
				errors.Is(err, domain.ErrInsufficientHoldings) ||
				errors.Is(err, domain.ErrPriceMismatch)
			assert.True(t, ok, "unexpected rejection: %v", err)
		}
	}
	assert.Equal(t, 1, accepted)

	dist, err := f.store.Distribution(context.Background(), f.market.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, dist[f.tokenA], int64(0))
}

// lateSettlingLedger closes and settles the market just before handing out
// the token lock, imitating a scheduler close plus an admin settlement
// landing between a trade's first status read and its transaction.
type lateSettlingLedger struct {
	domain.LedgerStore
	store    *memory.Store
	marketID string
	winner   string
}

func (l *lateSettlingLedger) WithTokenLock(ctx context.Context, tokenID string, fn func(tx domain.LedgerTx, m domain.Market) error) error {
	if err := l.store.TransitionStatus(ctx, l.marketID, domain.MarketStatusOpen, domain.MarketStatusClosed); err != nil {
		return err
	}
	err := l.store.WithMarketLock(ctx, l.marketID, func(tx domain.LedgerTx, m domain.Market) error {
		return tx.SetSettled(ctx, l.marketID, l.winner)
	})
	if err != nil {
		return err
	}
	return l.store.WithTokenLock(ctx, tokenID, fn)
}

func TestPlaceOrderRejectsMarketSettledAfterStatusRead(t *testing.T) {
	f := newFixture(t, domain.MarketStatusOpen, false)
	f.grantCoin(t, "u1", initialUserCoin)

	ledger := &lateSettlingLedger{
		LedgerStore: f.store, store: f.store, marketID: f.market.ID, winner: f.tokenB,
	}
	orders := NewOrderService(f.store, ledger, nil, nil, nil,
		config.MarketConfig{TradeRateLimit: 100, TradeRateWindow: config.Duration{Duration: time.Second}},
		testLogger())

	_, err := orders.PlaceOrder(context.Background(), TradeRequest{
		UserID: "u1", TokenID: f.tokenA, AmountToken: 1, AmountCoin: buyOneFromZero,
	})
	assert.ErrorIs(t, err, domain.ErrMarketNotOpen)

	// The settled market must stay flat: no record slipped past settlement.
	m, err := f.store.GetByID(context.Background(), f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusSettled, m.Status)

	dist, err := f.store.Distribution(context.Background(), f.market.ID)
	require.NoError(t, err)
	assert.Zero(t, dist[f.tokenA])

	recs, err := f.store.ListByMarket(context.Background(), f.market.ID, "", domain.ListOpts{})
	require.NoError(t, err)
	for _, r := range recs {
		assert.NotEqual(t, domain.RecordTypeNormal, r.Type)
	}
}

func TestPlaceOrderDistributionNeverNegative(t *testing.T) {
	f := newFixture(t, domain.MarketStatusOpen, false)
	f.grantCoin(t, "u1", 100_000)

	// A run of buys and sells; whatever the engine accepts, every prefix of
	// the ledger must keep all token sums non-negative.
	amounts := []int64{3, -1, -2, 5, -5, -1, 2, -4}
	for _, amt := range amounts {
		dist, err := f.store.Distribution(context.Background(), f.market.ID)
		require.NoError(t, err)

		tokens, err := f.store.Tokens(context.Background(), f.market.ID)
		require.NoError(t, err)
		cur := make([]int64, len(tokens))
		next := make([]int64, len(tokens))
		for i, tok := range tokens {
			cur[i] = dist[tok.ID]
			next[i] = dist[tok.ID]
			if tok.ID == f.tokenA {
				next[i] += amt
			}
		}

		quote := lmsr.TradeCoin(f.market.LmsrB, cur, next)
		_, err = f.orders.PlaceOrder(context.Background(), TradeRequest{
			UserID: "u1", TokenID: f.tokenA, AmountToken: amt, AmountCoin: quote,
		})
		_ = err // rejections are fine, partial writes are not

		after, err := f.store.Distribution(context.Background(), f.market.ID)
		require.NoError(t, err)
		for _, v := range after {
			assert.GreaterOrEqual(t, v, int64(0))
		}
	}
}
