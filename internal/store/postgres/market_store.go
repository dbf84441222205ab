package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harunoki/marketd/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketSelectCols = `id, title, description, lmsr_b, initial_coin_issue,
	open_time, close_time, status, settlement_token_id, created_at, updated_at`

func scanMarket(scanner interface{ Scan(dest ...any) error }) (domain.Market, error) {
	var m domain.Market
	var status string
	err := scanner.Scan(
		&m.ID, &m.Title, &m.Description, &m.LmsrB, &m.InitialCoinIssue,
		&m.OpenTime, &m.CloseTime, &status, &m.SettlementTokenID,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	return m, nil
}

// Create inserts a market in preparing state together with its token set in
// a single transaction.
func (s *MarketStore) Create(ctx context.Context, m domain.Market, tokens []domain.OutcomeToken) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin create market: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertMarket = `
		INSERT INTO markets (
			id, title, description, lmsr_b, initial_coin_issue,
			open_time, close_time, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())`

	_, err = tx.Exec(ctx, insertMarket,
		m.ID, m.Title, m.Description, m.LmsrB, m.InitialCoinIssue,
		m.OpenTime, m.CloseTime, string(domain.MarketStatusPreparing),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert market %s: %w", m.ID, err)
	}

	const insertToken = `
		INSERT INTO outcome_tokens (id, market_id, name, description)
		VALUES ($1, $2, $3, $4)`

	for _, tok := range tokens {
		if _, err := tx.Exec(ctx, insertToken, tok.ID, m.ID, tok.Name, tok.Description); err != nil {
			return fmt.Errorf("postgres: insert token %s: %w", tok.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID returns a single market by its identifier.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketSelectCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// GetByTokenID resolves the market owning an outcome token.
func (s *MarketStore) GetByTokenID(ctx context.Context, tokenID string) (domain.Market, error) {
	const query = `
		SELECT ` + marketSelectCols + `
		FROM markets
		WHERE id = (SELECT market_id FROM outcome_tokens WHERE id = $1)`

	row := s.pool.QueryRow(ctx, query, tokenID)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market by token %s: %w", tokenID, err)
	}
	return m, nil
}

// Tokens returns the outcome tokens of a market in stable name order.
func (s *MarketStore) Tokens(ctx context.Context, marketID string) ([]domain.OutcomeToken, error) {
	const query = `
		SELECT id, market_id, name, description
		FROM outcome_tokens
		WHERE market_id = $1
		ORDER BY name`

	rows, err := s.pool.Query(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tokens %s: %w", marketID, err)
	}
	defer rows.Close()

	var tokens []domain.OutcomeToken
	for rows.Next() {
		var tok domain.OutcomeToken
		if err := rows.Scan(&tok.ID, &tok.MarketID, &tok.Name, &tok.Description); err != nil {
			return nil, fmt.Errorf("postgres: scan token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// List returns markets, optionally filtered by status, newest first.
func (s *MarketStore) List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketSelectCols + ` FROM markets`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	return collectMarkets(rows)
}

// ListDueOpen returns markets still preparing whose open time has passed.
func (s *MarketStore) ListDueOpen(ctx context.Context, now time.Time) ([]domain.Market, error) {
	const query = `
		SELECT ` + marketSelectCols + `
		FROM markets
		WHERE status = 'preparing' AND open_time <= $1
		ORDER BY open_time`

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due open: %w", err)
	}
	defer rows.Close()

	return collectMarkets(rows)
}

// ListDueClose returns open markets whose close time has passed.
func (s *MarketStore) ListDueClose(ctx context.Context, now time.Time) ([]domain.Market, error) {
	const query = `
		SELECT ` + marketSelectCols + `
		FROM markets
		WHERE status = 'open' AND close_time <= $1
		ORDER BY close_time`

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list due close: %w", err)
	}
	defer rows.Close()

	return collectMarkets(rows)
}

// TransitionStatus compare-and-sets a market's status. ErrInvalidState is
// returned when the market is no longer in the source status.
func (s *MarketStore) TransitionStatus(ctx context.Context, id string, from, to domain.MarketStatus) error {
	return transitionStatus(ctx, s.pool, id, from, to)
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, so the same status
// transition runs inside or outside a ledger transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func transitionStatus(ctx context.Context, q execer, id string, from, to domain.MarketStatus) error {
	const query = `
		UPDATE markets SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`

	tag, err := q.Exec(ctx, query, string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("postgres: transition market %s %s->%s: %w", id, from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidState
	}
	return nil
}

func collectMarkets(rows pgx.Rows) ([]domain.Market, error) {
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
