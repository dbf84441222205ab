package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harunoki/marketd/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. Serialization
// of read-modify-append sequences relies on SELECT ... FOR UPDATE row locks:
// the traded token's row for trades, the market row for settlement and the
// open transition. Trades additionally hold the market row FOR SHARE, which
// conflicts with the FOR UPDATE holders but not with other trades. Two
// transactions locking the same row cannot both observe the same pre-trade
// distribution.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// ledgerTx implements domain.LedgerTx over a pgx transaction. All reads see
// the transaction's snapshot plus its own appends.
type ledgerTx struct {
	tx pgx.Tx
}

// WithTokenLock runs fn inside a transaction that holds an exclusive lock on
// the outcome token row, serializing contending trades on that token. It also
// takes a shared lock on the owning market row and passes its current state to
// fn, so a trade cannot commit concurrently with settlement or a lifecycle
// transition holding the market row FOR UPDATE.
func (s *LedgerStore) WithTokenLock(ctx context.Context, tokenID string, fn func(tx domain.LedgerTx, m domain.Market) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin token tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var marketID string
	err = tx.QueryRow(ctx,
		`SELECT market_id FROM outcome_tokens WHERE id = $1 FOR UPDATE`, tokenID,
	).Scan(&marketID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: lock token %s: %w", tokenID, err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE id = $1 FOR SHARE`, marketID)
	m, err := scanMarket(row)
	if err != nil {
		return fmt.Errorf("postgres: lock market %s: %w", marketID, err)
	}

	if err := fn(&ledgerTx{tx: tx}, m); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit token tx: %w", err)
	}
	return nil
}

// WithMarketLock runs fn inside a transaction that holds an exclusive lock
// on the market row. The locked row's current state is passed to fn.
func (s *LedgerStore) WithMarketLock(ctx context.Context, marketID string, fn func(tx domain.LedgerTx, m domain.Market) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin market tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets WHERE id = $1 FOR UPDATE`, marketID)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: lock market %s: %w", marketID, err)
	}

	if err := fn(&ledgerTx{tx: tx}, m); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit market tx: %w", err)
	}
	return nil
}

// Append writes one record outside any caller-visible lock.
func (s *LedgerStore) Append(ctx context.Context, rec domain.LedgerRecord) (int64, error) {
	return appendRecord(ctx, s.pool, rec)
}

// Distribution sums amount_token per token across all of a market's records.
func (s *LedgerStore) Distribution(ctx context.Context, marketID string) (map[string]int64, error) {
	return queryDistribution(ctx, s.pool, marketID)
}

// UserCoinBalance sums amount_coin over a user's records in a market.
func (s *LedgerStore) UserCoinBalance(ctx context.Context, marketID, userID string) (int64, error) {
	return queryUserCoinBalance(ctx, s.pool, marketID, userID)
}

// UserHoldings sums amount_token per token over a user's records in a market.
func (s *LedgerStore) UserHoldings(ctx context.Context, marketID, userID string) (map[string]int64, error) {
	const query = `
		SELECT token_id, COALESCE(SUM(amount_token), 0)
		FROM ledger_records
		WHERE market_id = $1 AND user_id = $2 AND token_id IS NOT NULL
		GROUP BY token_id`

	rows, err := s.pool.Query(ctx, query, marketID, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: user holdings %s/%s: %w", marketID, userID, err)
	}
	defer rows.Close()

	holdings := make(map[string]int64)
	for rows.Next() {
		var tokenID string
		var amount int64
		if err := rows.Scan(&tokenID, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan holding: %w", err)
		}
		holdings[tokenID] = amount
	}
	return holdings, rows.Err()
}

// ListByMarket returns a market's ledger records oldest first, optionally
// filtered to one user.
func (s *LedgerStore) ListByMarket(ctx context.Context, marketID, userID string, opts domain.ListOpts) ([]domain.LedgerRecord, error) {
	query := `
		SELECT id, market_id, user_id, token_id, amount_token, amount_coin, record_type, created_at
		FROM ledger_records
		WHERE market_id = $1`
	args := []any{marketID}
	if userID != "" {
		query += ` AND user_id = $2`
		args = append(args, userID)
	}
	query += fmt.Sprintf(` ORDER BY id LIMIT %d OFFSET %d`, opts.Limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list records %s: %w", marketID, err)
	}
	defer rows.Close()

	var recs []domain.LedgerRecord
	for rows.Next() {
		var r domain.LedgerRecord
		var recType string
		if err := rows.Scan(&r.ID, &r.MarketID, &r.UserID, &r.TokenID,
			&r.AmountToken, &r.AmountCoin, &recType, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		r.Type = domain.RecordType(recType)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// --- domain.LedgerTx over pgx.Tx ---

func (t *ledgerTx) Distribution(ctx context.Context, marketID string) (map[string]int64, error) {
	return queryDistribution(ctx, t.tx, marketID)
}

func (t *ledgerTx) UserCoinBalance(ctx context.Context, marketID, userID string) (int64, error) {
	return queryUserCoinBalance(ctx, t.tx, marketID, userID)
}

func (t *ledgerTx) UserTokenHolding(ctx context.Context, marketID, userID, tokenID string) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(amount_token), 0)
		FROM ledger_records
		WHERE market_id = $1 AND user_id = $2 AND token_id = $3`

	var total int64
	if err := t.tx.QueryRow(ctx, query, marketID, userID, tokenID).Scan(&total); err != nil {
		return 0, fmt.Errorf("postgres: user token holding: %w", err)
	}
	return total, nil
}

func (t *ledgerTx) Holdings(ctx context.Context, marketID string) (map[domain.Holding]int64, error) {
	const query = `
		SELECT user_id, token_id, SUM(amount_token)
		FROM ledger_records
		WHERE market_id = $1 AND token_id IS NOT NULL
		GROUP BY user_id, token_id
		HAVING SUM(amount_token) <> 0`

	rows, err := t.tx.Query(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: holdings %s: %w", marketID, err)
	}
	defer rows.Close()

	holdings := make(map[domain.Holding]int64)
	for rows.Next() {
		var h domain.Holding
		var amount int64
		if err := rows.Scan(&h.UserID, &h.TokenID, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan holdings: %w", err)
		}
		holdings[h] = amount
	}
	return holdings, rows.Err()
}

func (t *ledgerTx) Append(ctx context.Context, rec domain.LedgerRecord) (int64, error) {
	return appendRecord(ctx, t.tx, rec)
}

func (t *ledgerTx) TransitionStatus(ctx context.Context, id string, from, to domain.MarketStatus) error {
	return transitionStatus(ctx, t.tx, id, from, to)
}

func (t *ledgerTx) SetSettled(ctx context.Context, marketID, tokenID string) error {
	const query = `
		UPDATE markets
		SET status = 'settled', settlement_token_id = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'closed'`

	tag, err := t.tx.Exec(ctx, query, tokenID, marketID)
	if err != nil {
		return fmt.Errorf("postgres: settle market %s: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidState
	}
	return nil
}

// --- shared queries (single derivation, used by pool and tx paths) ---

// rowQuerier is the query surface shared by *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryDistribution(ctx context.Context, q rowQuerier, marketID string) (map[string]int64, error) {
	const query = `
		SELECT token_id, COALESCE(SUM(amount_token), 0)
		FROM ledger_records
		WHERE market_id = $1 AND token_id IS NOT NULL
		GROUP BY token_id`

	rows, err := q.Query(ctx, query, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: distribution %s: %w", marketID, err)
	}
	defer rows.Close()

	dist := make(map[string]int64)
	for rows.Next() {
		var tokenID string
		var amount int64
		if err := rows.Scan(&tokenID, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan distribution: %w", err)
		}
		dist[tokenID] = amount
	}
	return dist, rows.Err()
}

func queryUserCoinBalance(ctx context.Context, q rowQuerier, marketID, userID string) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(amount_coin), 0)
		FROM ledger_records
		WHERE market_id = $1 AND user_id = $2`

	var total int64
	if err := q.QueryRow(ctx, query, marketID, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("postgres: user coin balance: %w", err)
	}
	return total, nil
}

func appendRecord(ctx context.Context, q rowQuerier, rec domain.LedgerRecord) (int64, error) {
	const query = `
		INSERT INTO ledger_records (
			market_id, user_id, token_id, amount_token, amount_coin, record_type, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id`

	var id int64
	err := q.QueryRow(ctx, query,
		rec.MarketID, rec.UserID, rec.TokenID,
		rec.AmountToken, rec.AmountCoin, string(rec.Type),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: append record: %w", err)
	}
	return id, nil
}

// Compile-time interface checks.
var (
	_ domain.LedgerStore = (*LedgerStore)(nil)
	_ domain.LedgerTx    = (*ledgerTx)(nil)
)
