package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harunoki/marketd/internal/domain"
)

// CreateMarketRequest describes a new market. The token set is fixed at
// creation and immutable afterward.
type CreateMarketRequest struct {
	Title            string
	Description      string
	LmsrB            float64
	InitialCoinIssue int64
	OpenTime         time.Time
	CloseTime        time.Time
	Tokens           []CreateTokenRequest
}

// CreateTokenRequest describes one outcome token of a new market.
type CreateTokenRequest struct {
	Name        string
	Description string
}

// MarketView is a market with its tokens, current distribution, and marginal
// prices, as served to clients.
type MarketView struct {
	Market       domain.Market
	Tokens       []domain.OutcomeToken
	Distribution map[string]int64
	Prices       map[string]float64
}

// BalanceView is one user's position in a market.
type BalanceView struct {
	UserID   string
	Coin     int64
	Holdings map[string]int64
}

// MarketService covers market administration and read views.
type MarketService struct {
	markets domain.MarketStore
	ledger  domain.LedgerStore
	users   domain.UserStore
	prices  domain.PriceCache
	logger  *slog.Logger
}

// NewMarketService creates a MarketService with all required dependencies.
func NewMarketService(
	markets domain.MarketStore,
	ledger domain.LedgerStore,
	users domain.UserStore,
	prices domain.PriceCache,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets: markets,
		ledger:  ledger,
		users:   users,
		prices:  prices,
		logger:  logger,
	}
}

// Create validates and persists a new market in preparing state together
// with its outcome tokens.
func (s *MarketService) Create(ctx context.Context, req CreateMarketRequest) (domain.Market, error) {
	if req.Title == "" {
		return domain.Market{}, fmt.Errorf("market: title required")
	}
	if req.LmsrB <= 0 {
		return domain.Market{}, fmt.Errorf("market: lmsr_b must be positive, got %v", req.LmsrB)
	}
	if req.InitialCoinIssue < 0 {
		return domain.Market{}, fmt.Errorf("market: initial_coin_issue must not be negative")
	}
	if len(req.Tokens) < 2 {
		return domain.Market{}, fmt.Errorf("market: at least two outcome tokens required, got %d", len(req.Tokens))
	}
	if !req.CloseTime.After(req.OpenTime) {
		return domain.Market{}, fmt.Errorf("market: close_time must be after open_time")
	}
	names := make(map[string]bool, len(req.Tokens))
	for _, t := range req.Tokens {
		if t.Name == "" {
			return domain.Market{}, fmt.Errorf("market: token name required")
		}
		if names[t.Name] {
			return domain.Market{}, fmt.Errorf("market: duplicate token name %q", t.Name)
		}
		names[t.Name] = true
	}

	now := time.Now().UTC()
	m := domain.Market{
		ID:               uuid.New().String(),
		Title:            req.Title,
		Description:      req.Description,
		LmsrB:            req.LmsrB,
		InitialCoinIssue: req.InitialCoinIssue,
		OpenTime:         req.OpenTime.UTC(),
		CloseTime:        req.CloseTime.UTC(),
		Status:           domain.MarketStatusPreparing,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	tokens := make([]domain.OutcomeToken, len(req.Tokens))
	for i, t := range req.Tokens {
		tokens[i] = domain.OutcomeToken{
			ID:          uuid.New().String(),
			MarketID:    m.ID,
			Name:        t.Name,
			Description: t.Description,
		}
	}

	if err := s.markets.Create(ctx, m, tokens); err != nil {
		return domain.Market{}, err
	}

	s.logger.Info("market created",
		"market_id", m.ID, "title", m.Title, "tokens", len(tokens),
		"open_time", m.OpenTime, "close_time", m.CloseTime)
	return m, nil
}

// List returns markets, optionally filtered by status.
func (s *MarketService) List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("market: unknown status %q", status)
	}
	return s.markets.List(ctx, status, opts)
}

// Get assembles the full view of one market: tokens, distribution, and
// marginal prices. Prices come from the cache when warm and are recomputed
// from the ledger otherwise.
func (s *MarketService) Get(ctx context.Context, marketID string) (MarketView, error) {
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return MarketView{}, err
	}
	tokens, err := s.markets.Tokens(ctx, marketID)
	if err != nil {
		return MarketView{}, fmt.Errorf("market: load tokens: %w", err)
	}
	dist, err := s.ledger.Distribution(ctx, marketID)
	if err != nil {
		return MarketView{}, fmt.Errorf("market: load distribution: %w", err)
	}

	prices, err := s.tokenPrices(ctx, m, tokens, dist)
	if err != nil {
		return MarketView{}, err
	}

	return MarketView{
		Market:       m,
		Tokens:       tokens,
		Distribution: dist,
		Prices:       prices,
	}, nil
}

// tokenPrices serves cached prices when every token is covered and falls
// back to recomputing from the distribution.
func (s *MarketService) tokenPrices(ctx context.Context, m domain.Market, tokens []domain.OutcomeToken, dist map[string]int64) (map[string]float64, error) {
	if s.prices != nil {
		ids := make([]string, len(tokens))
		for i, t := range tokens {
			ids[i] = t.ID
		}
		cached, err := s.prices.GetPrices(ctx, ids)
		if err != nil {
			s.logger.Warn("price cache read failed", "market_id", m.ID, "error", err)
		} else if len(cached) == len(tokens) {
			return cached, nil
		}
	}
	return marginalPrices(m.LmsrB, tokens, distributionVector(tokens, dist)), nil
}

// Balance returns a user's coin balance and token holdings in a market.
func (s *MarketService) Balance(ctx context.Context, marketID, userID string) (BalanceView, error) {
	if _, err := s.markets.GetByID(ctx, marketID); err != nil {
		return BalanceView{}, err
	}
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return BalanceView{}, err
	}

	coin, err := s.ledger.UserCoinBalance(ctx, marketID, userID)
	if err != nil {
		return BalanceView{}, fmt.Errorf("market: load balance: %w", err)
	}
	holdings, err := s.ledger.UserHoldings(ctx, marketID, userID)
	if err != nil {
		return BalanceView{}, fmt.Errorf("market: load holdings: %w", err)
	}

	return BalanceView{UserID: userID, Coin: coin, Holdings: holdings}, nil
}

// Orders returns a market's ledger records oldest first, optionally filtered
// to one user.
func (s *MarketService) Orders(ctx context.Context, marketID, userID string, opts domain.ListOpts) ([]domain.LedgerRecord, error) {
	if _, err := s.markets.GetByID(ctx, marketID); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 500
	}
	return s.ledger.ListByMarket(ctx, marketID, userID, opts)
}

// RegisterUser adds a user to the directory consumed by the open transition.
func (s *MarketService) RegisterUser(ctx context.Context, name string) (domain.User, error) {
	if name == "" {
		return domain.User{}, fmt.Errorf("market: user name required")
	}
	u := domain.User{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.User{}, err
		}
		return domain.User{}, fmt.Errorf("market: create user: %w", err)
	}
	return u, nil
}

// marshalRecord is shared by the archiver and any export path that needs a
// stable JSON shape for ledger records.
func marshalRecord(r domain.LedgerRecord) ([]byte, error) {
	type recordJSON struct {
		ID          int64     `json:"id"`
		MarketID    string    `json:"marketId"`
		UserID      string    `json:"userId"`
		TokenID     *string   `json:"tokenId"`
		AmountToken int64     `json:"amountToken"`
		AmountCoin  int64     `json:"amountCoin"`
		Type        string    `json:"type"`
		CreatedAt   time.Time `json:"createdAt"`
	}
	return json.Marshal(recordJSON{
		ID:          r.ID,
		MarketID:    r.MarketID,
		UserID:      r.UserID,
		TokenID:     r.TokenID,
		AmountToken: r.AmountToken,
		AmountCoin:  r.AmountCoin,
		Type:        string(r.Type),
		CreatedAt:   r.CreatedAt,
	})
}
