package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/harunoki/marketd/internal/service"
)

// AdminHandler serves the authenticated operator endpoints: market creation,
// settlement, ledger archival, and user registration.
type AdminHandler struct {
	markets    *service.MarketService
	settlement *service.SettlementService
	archiver   *service.Archiver
	logger     *slog.Logger
}

// NewAdminHandler creates an AdminHandler. The archiver may be nil when no
// blob storage is configured; the archive endpoint then returns 503.
func NewAdminHandler(
	markets *service.MarketService,
	settlement *service.SettlementService,
	archiver *service.Archiver,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		markets:    markets,
		settlement: settlement,
		archiver:   archiver,
		logger:     logger,
	}
}

type createMarketRequest struct {
	Title            string               `json:"title"`
	Description      string               `json:"description"`
	LmsrB            float64              `json:"lmsr_b"`
	InitialCoinIssue int64                `json:"initial_coin_issue"`
	OpenTime         time.Time            `json:"open_time"`
	CloseTime        time.Time            `json:"close_time"`
	Tokens           []createTokenRequest `json:"tokens"`
}

type createTokenRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateMarket creates a market in preparing state with its fixed token set.
// POST /api/admin/markets
func (h *AdminHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	tokens := make([]service.CreateTokenRequest, len(req.Tokens))
	for i, t := range req.Tokens {
		tokens[i] = service.CreateTokenRequest{Name: t.Name, Description: t.Description}
	}

	m, err := h.markets.Create(r.Context(), service.CreateMarketRequest{
		Title:            req.Title,
		Description:      req.Description,
		LmsrB:            req.LmsrB,
		InitialCoinIssue: req.InitialCoinIssue,
		OpenTime:         req.OpenTime,
		CloseTime:        req.CloseTime,
		Tokens:           tokens,
	})
	if err != nil {
		// Validation failures from the service carry no domain sentinel.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toMarketJSON(m))
}

type settleRequest struct {
	TokenID string `json:"token_id"`
}

// SettleMarket settles a closed market with the designated winning token.
// POST /api/admin/markets/{id}/settle
func (h *AdminHandler) SettleMarket(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TokenID == "" {
		writeError(w, http.StatusBadRequest, "token_id is required")
		return
	}

	marketID := r.PathValue("id")
	if err := h.settlement.Settle(r.Context(), marketID, req.TokenID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"marketId":          marketID,
		"settlementTokenId": req.TokenID,
		"status":            "settled",
	})
}

// ArchiveMarket exports a settled market's ledger to object storage.
// POST /api/admin/markets/{id}/archive
func (h *AdminHandler) ArchiveMarket(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, http.StatusServiceUnavailable, "blob storage not configured")
		return
	}

	res, err := h.archiver.ArchiveMarket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"path":    res.Path,
		"records": res.Records,
		"bytes":   res.Bytes,
	})
}

type createUserRequest struct {
	Name string `json:"name"`
}

// CreateUser registers a user in the directory consumed by the open
// transition.
// POST /api/admin/users
func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	u, err := h.markets.RegisterUser(r.Context(), req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        u.ID,
		"name":      u.Name,
		"createdAt": u.CreatedAt,
	})
}
