package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/strainex/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	strains   map[string]*model.Strain
	positions map[string]*model.Position // key: accountID + "/" + strainID
	history   []model.PricePoint
	trades    []model.Trade
	wagers    map[string]*model.Wager
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		strains:   make(map[string]*model.Strain),
		positions: make(map[string]*model.Position),
		wagers:    make(map[string]*model.Wager),
	}
}

func posKey(accountID, strainID string) string {
	return accountID + "/" + strainID
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s already exists", a.ID)
	}
	// Store a copy to avoid external mutation.
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// --- Strains ---

func (s *MemoryStore) CreateStrain(_ context.Context, st *model.Strain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strains[st.ID]; ok {
		return fmt.Errorf("strain %s already exists", st.ID)
	}
	cp := *st
	s.strains[st.ID] = &cp
	return nil
}

func (s *MemoryStore) GetStrain(_ context.Context, id string) (*model.Strain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.strains[id]
	if !ok {
		return nil, fmt.Errorf("strain %s: %w", id, ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListStrains(_ context.Context) ([]model.Strain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	strains := make([]model.Strain, 0, len(s.strains))
	for _, st := range s.strains {
		strains = append(strains, *st)
	}
	sort.Slice(strains, func(i, j int) bool { return strains[i].Name < strains[j].Name })
	return strains, nil
}

func (s *MemoryStore) UpdateStrainPrice(_ context.Context, strainID string, price decimal.Decimal, favoriteCount int64, updatedAt time.Time, point *model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.strains[strainID]
	if !ok {
		return fmt.Errorf("strain %s: %w", strainID, ErrNotFound)
	}
	st.CurrentPrice = price
	st.FavoriteCount = favoriteCount
	st.LastUpdated = updatedAt
	s.history = append(s.history, *point)
	return nil
}

func (s *MemoryStore) GetPriceHistory(_ context.Context, strainID string, since time.Time) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var points []model.PricePoint
	for _, p := range s.history {
		if p.StrainID == strainID && !p.Timestamp.Before(since) {
			points = append(points, p)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, accountID, strainID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(accountID, strainID)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, strainID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].StrainID < positions[j].StrainID })
	return positions, nil
}

// --- Trades ---

func (s *MemoryStore) GetTrades(_ context.Context, accountID string, limit, offset int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.trades {
		if t.AccountID == accountID {
			trades = append(trades, t)
		}
	}
	// Newest first.
	sort.Slice(trades, func(i, j int) bool { return trades[i].Timestamp.After(trades[j].Timestamp) })

	if offset >= len(trades) {
		return nil, nil
	}
	trades = trades[offset:]
	if limit > 0 && limit < len(trades) {
		trades = trades[:limit]
	}
	return trades, nil
}

func (s *MemoryStore) ApplyTrade(_ context.Context, newBalance decimal.Decimal, pos *model.Position, removePosition bool, trade *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[trade.AccountID]
	if !ok {
		return fmt.Errorf("account %s: %w", trade.AccountID, ErrNotFound)
	}

	// All three mutations under one lock: no partially applied trade is
	// ever visible.
	a.Balance = newBalance
	key := posKey(pos.AccountID, pos.StrainID)
	if removePosition {
		delete(s.positions, key)
	} else {
		cp := *pos
		s.positions[key] = &cp
	}
	s.trades = append(s.trades, *trade)
	return nil
}

// --- Wagers ---

func (s *MemoryStore) ApplyWagerPlacement(_ context.Context, w *model.Wager, newBalance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[w.AccountID]
	if !ok {
		return fmt.Errorf("account %s: %w", w.AccountID, ErrNotFound)
	}

	a.Balance = newBalance
	cp := *w
	s.wagers[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWager(_ context.Context, id string) (*model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wagers[id]
	if !ok {
		return nil, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetWagers(_ context.Context, accountID string) ([]model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wagers []model.Wager
	for _, w := range s.wagers {
		if w.AccountID == accountID {
			wagers = append(wagers, *w)
		}
	}
	sort.Slice(wagers, func(i, j int) bool { return wagers[i].CreatedAt.After(wagers[j].CreatedAt) })
	return wagers, nil
}

func (s *MemoryStore) ListExpiredUnsettled(_ context.Context, now time.Time) ([]model.Wager, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wagers []model.Wager
	for _, w := range s.wagers {
		if !w.Settled && !w.ExpiresAt.After(now) {
			wagers = append(wagers, *w)
		}
	}
	sort.Slice(wagers, func(i, j int) bool { return wagers[i].ExpiresAt.Before(wagers[j].ExpiresAt) })
	return wagers, nil
}

func (s *MemoryStore) ApplyWagerSettlement(_ context.Context, wagerID string, outcome model.WagerOutcome, accountID string, newBalance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wagers[wagerID]
	if !ok {
		return fmt.Errorf("wager %s: %w", wagerID, ErrNotFound)
	}
	if w.Settled {
		return fmt.Errorf("wager %s already settled: %w", wagerID, ErrNotFound)
	}
	a, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}

	w.Settled = true
	w.Outcome = outcome
	a.Balance = newBalance
	return nil
}
