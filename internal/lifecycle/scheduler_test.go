package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunoki/marketd/internal/domain"
	"github.com/harunoki/marketd/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(store *memory.Store, now time.Time) *Scheduler {
	s := NewScheduler(store, store, store.Users(), nil, testLogger())
	s.now = func() time.Time { return now }
	return s
}

func seedMarket(t *testing.T, store *memory.Store, status domain.MarketStatus, open, close time.Time) domain.Market {
	t.Helper()
	m := domain.Market{
		ID:               "m1",
		Title:            "seed",
		LmsrB:            1,
		InitialCoinIssue: 10_000,
		OpenTime:         open,
		CloseTime:        close,
		Status:           status,
		CreatedAt:        time.Now(),
	}
	tokens := []domain.OutcomeToken{
		{ID: "tokA", MarketID: m.ID, Name: "a-yes"},
		{ID: "tokB", MarketID: m.ID, Name: "b-no"},
	}
	require.NoError(t, store.Create(context.Background(), m, tokens))
	return m
}

func registerUsers(t *testing.T, store *memory.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.CreateUser(context.Background(), domain.User{
			ID: id, Name: id, CreatedAt: time.Now(),
		}))
	}
}

func TestScanOpensDueMarketWithInitialSupply(t *testing.T) {
	store := memory.NewStore()
	now := time.Now()
	m := seedMarket(t, store, domain.MarketStatusPreparing, now.Add(-time.Minute), now.Add(time.Hour))
	registerUsers(t, store, "u1", "u2")

	newTestScheduler(store, now).Scan(context.Background())

	got, err := store.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusOpen, got.Status)

	recs, err := store.ListByMarket(context.Background(), m.ID, "", domain.ListOpts{Limit: 100})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, domain.RecordTypeInitialSupply, r.Type)
		assert.Nil(t, r.TokenID)
		assert.Zero(t, r.AmountToken)
		assert.Equal(t, int64(5_000), r.AmountCoin)
	}
}

func TestScanIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	now := time.Now()
	m := seedMarket(t, store, domain.MarketStatusPreparing, now.Add(-time.Minute), now.Add(time.Hour))
	registerUsers(t, store, "u1", "u2")

	sched := newTestScheduler(store, now)
	sched.Scan(context.Background())
	sched.Scan(context.Background())

	recs, err := store.ListByMarket(context.Background(), m.ID, "", domain.ListOpts{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestScanSkipsMarketsNotYetDue(t *testing.T) {
	store := memory.NewStore()
	now := time.Now()
	m := seedMarket(t, store, domain.MarketStatusPreparing, now.Add(time.Hour), now.Add(2*time.Hour))
	registerUsers(t, store, "u1")

	newTestScheduler(store, now).Scan(context.Background())

	got, err := store.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusPreparing, got.Status)
}

func TestScanOpensZeroUserMarketWithoutSupply(t *testing.T) {
	store := memory.NewStore()
	now := time.Now()
	m := seedMarket(t, store, domain.MarketStatusPreparing, now.Add(-time.Minute), now.Add(time.Hour))

	newTestScheduler(store, now).Scan(context.Background())

	got, err := store.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusOpen, got.Status)

	recs, err := store.ListByMarket(context.Background(), m.ID, "", domain.ListOpts{Limit: 100})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestScanClosesDueMarket(t *testing.T) {
	store := memory.NewStore()
	now := time.Now()
	m := seedMarket(t, store, domain.MarketStatusOpen, now.Add(-2*time.Hour), now.Add(-time.Minute))

	newTestScheduler(store, now).Scan(context.Background())

	got, err := store.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusClosed, got.Status)

	// The close transition writes no ledger records.
	recs, err := store.ListByMarket(context.Background(), m.ID, "", domain.ListOpts{Limit: 100})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestScanOpensThenClosesInOnePass(t *testing.T) {
	// A market whose whole window is already in the past opens and closes in
	// a single scan: the open transition runs first, then the close sweep
	// sees it in open.
	store := memory.NewStore()
	now := time.Now()
	m := seedMarket(t, store, domain.MarketStatusPreparing, now.Add(-2*time.Hour), now.Add(-time.Hour))
	registerUsers(t, store, "u1", "u2")

	newTestScheduler(store, now).Scan(context.Background())

	got, err := store.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusClosed, got.Status)

	recs, err := store.ListByMarket(context.Background(), m.ID, "", domain.ListOpts{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
