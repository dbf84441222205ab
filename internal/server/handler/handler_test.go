package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunoki/marketd/internal/config"
	"github.com/harunoki/marketd/internal/domain"
	"github.com/harunoki/marketd/internal/service"
	"github.com/harunoki/marketd/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type env struct {
	store   *memory.Store
	markets *MarketHandler
	orders  *OrderHandler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.NewStore()

	m := domain.Market{
		ID:               "m1",
		Title:            "binary",
		LmsrB:            1,
		InitialCoinIssue: 10_000,
		OpenTime:         time.Now().Add(-time.Hour),
		CloseTime:        time.Now().Add(time.Hour),
		Status:           domain.MarketStatusOpen,
		CreatedAt:        time.Now(),
	}
	tokens := []domain.OutcomeToken{
		{ID: "tokA", MarketID: m.ID, Name: "a-yes"},
		{ID: "tokB", MarketID: m.ID, Name: "b-no"},
	}
	require.NoError(t, store.Create(context.Background(), m, tokens))
	_, err := store.Append(context.Background(), domain.LedgerRecord{
		MarketID: m.ID, UserID: "u1", AmountCoin: 10_000,
		Type: domain.RecordTypeInitialSupply,
	})
	require.NoError(t, err)

	cfg := config.MarketConfig{TradeRateLimit: 100, TradeRateWindow: config.Duration{Duration: time.Second}}
	orderSvc := service.NewOrderService(store, store, nil, nil, nil, cfg, testLogger())
	marketSvc := service.NewMarketService(store, store, store.Users(), nil, testLogger())

	return &env{
		store:   store,
		markets: NewMarketHandler(marketSvc, testLogger()),
		orders:  NewOrderHandler(orderSvc, testLogger()),
	}
}

func doJSON(t *testing.T, h http.HandlerFunc, method, target, body string, pathValues map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	for k, v := range pathValues {
		req.SetPathValue(k, v)
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestGetMarketReturnsView(t *testing.T) {
	e := newEnv(t)

	rec := doJSON(t, e.markets.GetMarket, http.MethodGet, "/api/markets/m1", "",
		map[string]string{"id": "m1"})

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Market struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"market"`
		Tokens []struct {
			ID string `json:"id"`
		} `json:"tokens"`
		Prices map[string]float64 `json:"prices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "m1", body.Market.ID)
	assert.Equal(t, "open", body.Market.Status)
	assert.Len(t, body.Tokens, 2)
	assert.InDelta(t, 0.5, body.Prices["tokA"], 1e-9)
}

func TestGetMarketNotFound(t *testing.T) {
	e := newEnv(t)

	rec := doJSON(t, e.markets.GetMarket, http.MethodGet, "/api/markets/nope", "",
		map[string]string{"id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaceOrderCreated(t *testing.T) {
	e := newEnv(t)

	rec := doJSON(t, e.orders.PlaceOrder, http.MethodPost, "/api/markets/m1/orders",
		`{"user_id":"u1","token_id":"tokA","amount_token":1,"amount_coin":-620}`,
		map[string]string{"id": "m1"})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body struct {
		RecordID int64              `json:"recordId"`
		MarketID string             `json:"marketId"`
		Prices   map[string]float64 `json:"prices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Positive(t, body.RecordID)
	assert.Equal(t, "m1", body.MarketID)
	assert.Greater(t, body.Prices["tokA"], body.Prices["tokB"])
}

func TestPlaceOrderPriceMismatchIs422(t *testing.T) {
	e := newEnv(t)

	rec := doJSON(t, e.orders.PlaceOrder, http.MethodPost, "/api/markets/m1/orders",
		`{"user_id":"u1","token_id":"tokA","amount_token":1,"amount_coin":-600}`,
		map[string]string{"id": "m1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPlaceOrderWrongMarketPathIs404(t *testing.T) {
	e := newEnv(t)

	rec := doJSON(t, e.orders.PlaceOrder, http.MethodPost, "/api/markets/other/orders",
		`{"user_id":"u1","token_id":"tokA","amount_token":1,"amount_coin":-620}`,
		map[string]string{"id": "other"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaceOrderRejectsMalformedBody(t *testing.T) {
	e := newEnv(t)

	rec := doJSON(t, e.orders.PlaceOrder, http.MethodPost, "/api/markets/m1/orders",
		`{"user_id":"u1","unknown_field":1}`,
		map[string]string{"id": "m1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBalanceRequiresUserID(t *testing.T) {
	e := newEnv(t)

	rec := doJSON(t, e.markets.GetBalance, http.MethodGet, "/api/markets/m1/balance", "",
		map[string]string{"id": "m1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
