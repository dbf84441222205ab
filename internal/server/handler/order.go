package handler

import (
	"log/slog"
	"net/http"

	"github.com/harunoki/marketd/internal/service"
)

// OrderHandler serves trade submission.
type OrderHandler struct {
	orders *service.OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders *service.OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger}
}

type placeOrderRequest struct {
	UserID      string `json:"user_id"`
	TokenID     string `json:"token_id"`
	AmountToken int64  `json:"amount_token"`
	AmountCoin  int64  `json:"amount_coin"`
}

// PlaceOrder submits a trade. The amount_coin field must exactly equal the
// engine's own quote against the live distribution; a mismatch is a 422 and
// the client requotes.
// POST /api/markets/{id}/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" || req.TokenID == "" {
		writeError(w, http.StatusBadRequest, "user_id and token_id are required")
		return
	}
	if req.AmountToken == 0 {
		writeError(w, http.StatusBadRequest, "amount_token must be non-zero")
		return
	}

	res, err := h.orders.PlaceOrder(r.Context(), service.TradeRequest{
		UserID:      req.UserID,
		MarketID:    r.PathValue("id"),
		TokenID:     req.TokenID,
		AmountToken: req.AmountToken,
		AmountCoin:  req.AmountCoin,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"recordId": res.RecordID,
		"marketId": res.MarketID,
		"prices":   res.Prices,
	})
}
