package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/harunoki/marketd/internal/domain"
	"github.com/harunoki/marketd/internal/service"
)

// MarketHandler serves market read endpoints.
type MarketHandler struct {
	markets *service.MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets *service.MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger}
}

type marketJSON struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	Description       string    `json:"description,omitempty"`
	LmsrB             float64   `json:"lmsrB"`
	InitialCoinIssue  int64     `json:"initialCoinIssue"`
	OpenTime          time.Time `json:"openTime"`
	CloseTime         time.Time `json:"closeTime"`
	Status            string    `json:"status"`
	SettlementTokenID *string   `json:"settlementTokenId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

type tokenJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type ledgerRecordJSON struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"userId"`
	TokenID     *string   `json:"tokenId"`
	AmountToken int64     `json:"amountToken"`
	AmountCoin  int64     `json:"amountCoin"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toMarketJSON(m domain.Market) marketJSON {
	return marketJSON{
		ID:                m.ID,
		Title:             m.Title,
		Description:       m.Description,
		LmsrB:             m.LmsrB,
		InitialCoinIssue:  m.InitialCoinIssue,
		OpenTime:          m.OpenTime,
		CloseTime:         m.CloseTime,
		Status:            string(m.Status),
		SettlementTokenID: m.SettlementTokenID,
		CreatedAt:         m.CreatedAt,
	}
}

// ListMarkets returns markets, optionally filtered by lifecycle status.
// GET /api/markets?status=open
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	status := domain.MarketStatus(r.URL.Query().Get("status"))

	markets, err := h.markets.List(r.Context(), status, parseListOpts(r))
	if err != nil {
		if status != "" && !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+string(status))
			return
		}
		h.logger.Error("list markets failed", "error", err)
		writeDomainError(w, err)
		return
	}

	out := make([]marketJSON, len(markets))
	for i, m := range markets {
		out[i] = toMarketJSON(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

// GetMarket returns one market with its tokens, distribution, and marginal
// prices.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	view, err := h.markets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	tokens := make([]tokenJSON, len(view.Tokens))
	for i, t := range view.Tokens {
		tokens[i] = tokenJSON{ID: t.ID, Name: t.Name, Description: t.Description}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market":       toMarketJSON(view.Market),
		"tokens":       tokens,
		"distribution": view.Distribution,
		"prices":       view.Prices,
	})
}

// GetBalance returns a user's coin balance and token holdings in a market.
// GET /api/markets/{id}/balance?user_id=...
func (h *MarketHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	bal, err := h.markets.Balance(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   bal.UserID,
		"coin":     bal.Coin,
		"holdings": bal.Holdings,
	})
}

// ListOrders returns a market's ledger records oldest first, optionally
// filtered by user.
// GET /api/markets/{id}/orders?user_id=...
func (h *MarketHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	recs, err := h.markets.Orders(r.Context(),
		r.PathValue("id"), r.URL.Query().Get("user_id"), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]ledgerRecordJSON, len(recs))
	for i, rec := range recs {
		out[i] = ledgerRecordJSON{
			ID:          rec.ID,
			UserID:      rec.UserID,
			TokenID:     rec.TokenID,
			AmountToken: rec.AmountToken,
			AmountCoin:  rec.AmountCoin,
			Type:        string(rec.Type),
			CreatedAt:   rec.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}
