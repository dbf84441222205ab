// Package memory provides in-memory implementations of the store interfaces
// for tests. Locking mirrors the SQL store's shape: one mutex per outcome
// token plus a read-write mutex per market (trades hold it shared, settlement
// and lifecycle transitions exclusive), so concurrent-trade tests exercise
// the same serialization boundaries as production. Transactions buffer their
// writes and apply them only when fn returns nil.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harunoki/marketd/internal/domain"
)

// Store holds markets, users, and ledger records behind a single state mutex
// plus per-token and per-market serialization mutexes.
type Store struct {
	mu sync.Mutex

	markets map[string]domain.Market
	tokens  map[string][]domain.OutcomeToken // marketID -> tokens
	users   map[string]domain.User
	userIDs []string // insertion order

	records []domain.LedgerRecord
	nextID  int64

	tokenLocks  map[string]*sync.Mutex   // tokenID -> lock
	marketLocks map[string]*sync.RWMutex // marketID -> lock
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		markets:     make(map[string]domain.Market),
		tokens:      make(map[string][]domain.OutcomeToken),
		users:       make(map[string]domain.User),
		tokenLocks:  make(map[string]*sync.Mutex),
		marketLocks: make(map[string]*sync.RWMutex),
		nextID:      1,
	}
}

// --- domain.MarketStore ---

func (s *Store) Create(ctx context.Context, m domain.Market, tokens []domain.OutcomeToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.markets[m.ID] = m
	s.tokens[m.ID] = append([]domain.OutcomeToken(nil), tokens...)
	s.marketLocks[m.ID] = &sync.RWMutex{}
	for _, t := range tokens {
		s.tokenLocks[t.ID] = &sync.Mutex{}
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *Store) GetByTokenID(ctx context.Context, tokenID string) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for marketID, toks := range s.tokens {
		for _, t := range toks {
			if t.ID == tokenID {
				return s.markets[marketID], nil
			}
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (s *Store) Tokens(ctx context.Context, marketID string) ([]domain.OutcomeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	toks, ok := s.tokens[marketID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := append([]domain.OutcomeToken(nil), toks...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if status == "" || m.Status == status {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (s *Store) ListDueOpen(ctx context.Context, now time.Time) ([]domain.Market, error) {
	return s.listDue(domain.MarketStatusPreparing, func(m domain.Market) bool {
		return !m.OpenTime.After(now)
	})
}

func (s *Store) ListDueClose(ctx context.Context, now time.Time) ([]domain.Market, error) {
	return s.listDue(domain.MarketStatusOpen, func(m domain.Market) bool {
		return !m.CloseTime.After(now)
	})
}

func (s *Store) listDue(status domain.MarketStatus, due func(domain.Market) bool) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.Status == status && due(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TransitionStatus(ctx context.Context, id string, from, to domain.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, from, to)
}

func (s *Store) transitionLocked(id string, from, to domain.MarketStatus) error {
	m, ok := s.markets[id]
	if !ok || m.Status != from {
		return domain.ErrInvalidState
	}
	m.Status = to
	m.UpdatedAt = time.Now()
	s.markets[id] = m
	return nil
}

// --- domain.LedgerStore ---

func (s *Store) WithTokenLock(ctx context.Context, tokenID string, fn func(tx domain.LedgerTx, m domain.Market) error) error {
	s.mu.Lock()
	lock, ok := s.tokenLocks[tokenID]
	var marketLock *sync.RWMutex
	var marketID string
	if ok {
		marketID = s.marketOfTokenLocked(tokenID)
		marketLock = s.marketLocks[marketID]
	}
	s.mu.Unlock()
	if !ok || marketLock == nil {
		return domain.ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()
	marketLock.RLock()
	defer marketLock.RUnlock()

	// Snapshot only after both locks are held, so fn never sees a market
	// state that a concurrent settlement or transition has already replaced.
	s.mu.Lock()
	m := s.markets[marketID]
	s.mu.Unlock()

	tx := newMemTx(s)
	if err := fn(tx, m); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) WithMarketLock(ctx context.Context, marketID string, fn func(tx domain.LedgerTx, m domain.Market) error) error {
	s.mu.Lock()
	lock, ok := s.marketLocks[marketID]
	s.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	m := s.markets[marketID]
	s.mu.Unlock()

	tx := newMemTx(s)
	if err := fn(tx, m); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) marketOfTokenLocked(tokenID string) string {
	for marketID, toks := range s.tokens {
		for _, t := range toks {
			if t.ID == tokenID {
				return marketID
			}
		}
	}
	return ""
}

func (s *Store) Append(ctx context.Context, rec domain.LedgerRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(rec), nil
}

func (s *Store) appendLocked(rec domain.LedgerRecord) int64 {
	rec.ID = s.nextID
	s.nextID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.records = append(s.records, rec)
	return rec.ID
}

func (s *Store) Distribution(ctx context.Context, marketID string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SumDistribution(s.marketRecordsLocked(marketID)), nil
}

func (s *Store) UserCoinBalance(ctx context.Context, marketID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SumUserCoin(s.marketRecordsLocked(marketID), userID), nil
}

func (s *Store) UserHoldings(ctx context.Context, marketID, userID string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for h, amt := range domain.SumHoldings(s.marketRecordsLocked(marketID)) {
		if h.UserID == userID {
			out[h.TokenID] = amt
		}
	}
	return out, nil
}

func (s *Store) ListByMarket(ctx context.Context, marketID, userID string, opts domain.ListOpts) ([]domain.LedgerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerRecord
	for _, r := range s.records {
		if r.MarketID != marketID {
			continue
		}
		if userID != "" && r.UserID != userID {
			continue
		}
		out = append(out, r)
	}
	return paginate(out, opts), nil
}

func (s *Store) marketRecordsLocked(marketID string) []domain.LedgerRecord {
	var out []domain.LedgerRecord
	for _, r := range s.records {
		if r.MarketID == marketID {
			out = append(out, r)
		}
	}
	return out
}

// --- domain.UserStore ---

func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.users[u.ID] = u
	s.userIDs = append(s.userIDs, u.ID)
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.userIDs...), nil
}

// Users adapts the store to domain.UserStore, whose method names collide
// with MarketStore's on a single receiver.
func (s *Store) Users() domain.UserStore { return userStore{s} }

type userStore struct{ s *Store }

func (u userStore) Create(ctx context.Context, usr domain.User) error { return u.s.CreateUser(ctx, usr) }
func (u userStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	return u.s.GetUserByID(ctx, id)
}
func (u userStore) ListIDs(ctx context.Context) ([]string, error) { return u.s.ListIDs(ctx) }

// --- domain.LedgerTx ---

// memTx buffers a transaction's appends and market updates. Its reads merge
// the buffered records over the store's, mirroring a SQL transaction seeing
// its own uncommitted writes. Nothing touches the store until commit.
type memTx struct {
	store   *Store
	staged  []domain.LedgerRecord
	markets map[string]domain.Market
}

func newMemTx(s *Store) *memTx {
	return &memTx{store: s, markets: make(map[string]domain.Market)}
}

func (t *memTx) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.records = append(t.store.records, t.staged...)
	for id, m := range t.markets {
		t.store.markets[id] = m
	}
}

// recordsLocked returns the market's committed records plus this
// transaction's staged ones. Caller holds store.mu.
func (t *memTx) recordsLocked(marketID string) []domain.LedgerRecord {
	out := t.store.marketRecordsLocked(marketID)
	for _, r := range t.staged {
		if r.MarketID == marketID {
			out = append(out, r)
		}
	}
	return out
}

func (t *memTx) marketLocked(id string) (domain.Market, bool) {
	if m, ok := t.markets[id]; ok {
		return m, true
	}
	m, ok := t.store.markets[id]
	return m, ok
}

func (t *memTx) Distribution(ctx context.Context, marketID string) (map[string]int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return domain.SumDistribution(t.recordsLocked(marketID)), nil
}

func (t *memTx) UserCoinBalance(ctx context.Context, marketID, userID string) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return domain.SumUserCoin(t.recordsLocked(marketID), userID), nil
}

func (t *memTx) UserTokenHolding(ctx context.Context, marketID, userID, tokenID string) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return domain.SumUserToken(t.recordsLocked(marketID), userID, tokenID), nil
}

func (t *memTx) Holdings(ctx context.Context, marketID string) (map[domain.Holding]int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	all := domain.SumHoldings(t.recordsLocked(marketID))
	for h, amt := range all {
		if amt == 0 {
			delete(all, h)
		}
	}
	return all, nil
}

func (t *memTx) Append(ctx context.Context, rec domain.LedgerRecord) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	rec.ID = t.store.nextID
	t.store.nextID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	t.staged = append(t.staged, rec)
	return rec.ID, nil
}

func (t *memTx) TransitionStatus(ctx context.Context, id string, from, to domain.MarketStatus) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	m, ok := t.marketLocked(id)
	if !ok || m.Status != from {
		return domain.ErrInvalidState
	}
	m.Status = to
	m.UpdatedAt = time.Now()
	t.markets[id] = m
	return nil
}

func (t *memTx) SetSettled(ctx context.Context, marketID, tokenID string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	m, ok := t.marketLocked(marketID)
	if !ok || m.Status != domain.MarketStatusClosed {
		return domain.ErrInvalidState
	}
	m.Status = domain.MarketStatusSettled
	m.SettlementTokenID = &tokenID
	m.UpdatedAt = time.Now()
	t.markets[marketID] = m
	return nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// Compile-time interface checks.
var (
	_ domain.MarketStore = (*Store)(nil)
	_ domain.LedgerStore = (*Store)(nil)
	_ domain.LedgerTx    = (*memTx)(nil)
)
