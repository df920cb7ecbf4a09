package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/strainex/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: strain quotes and account positions. Writes
// go to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStrain(ctx context.Context, id string) (*model.Strain, error) {
	data, err := s.rdb.Get(ctx, strainKey(id)).Bytes()
	if err == nil {
		var st model.Strain
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	// Cache miss: read from primary.
	st, err := s.primary.GetStrain(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheStrain(ctx, st)
	return st, nil
}

func (s *CachedStore) GetPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.GetPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(accountID), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateStrainPrice(ctx context.Context, strainID string, price decimal.Decimal, favoriteCount int64, updatedAt time.Time, point *model.PricePoint) error {
	if err := s.primary.UpdateStrainPrice(ctx, strainID, price, favoriteCount, updatedAt, point); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the fresh quote.
	s.rdb.Del(ctx, strainKey(strainID))
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, newBalance decimal.Decimal, pos *model.Position, removePosition bool, trade *model.Trade) error {
	if err := s.primary.ApplyTrade(ctx, newBalance, pos, removePosition, trade); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(trade.AccountID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	// Balances change on every trade and wager; caching them would risk
	// serving stale funds checks.
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) CreateStrain(ctx context.Context, st *model.Strain) error {
	return s.primary.CreateStrain(ctx, st)
}

func (s *CachedStore) ListStrains(ctx context.Context) ([]model.Strain, error) {
	return s.primary.ListStrains(ctx)
}

func (s *CachedStore) GetPriceHistory(ctx context.Context, strainID string, since time.Time) ([]model.PricePoint, error) {
	return s.primary.GetPriceHistory(ctx, strainID, since)
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, strainID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, strainID)
}

func (s *CachedStore) GetTrades(ctx context.Context, accountID string, limit, offset int) ([]model.Trade, error) {
	return s.primary.GetTrades(ctx, accountID, limit, offset)
}

func (s *CachedStore) ApplyWagerPlacement(ctx context.Context, w *model.Wager, newBalance decimal.Decimal) error {
	return s.primary.ApplyWagerPlacement(ctx, w, newBalance)
}

func (s *CachedStore) GetWager(ctx context.Context, id string) (*model.Wager, error) {
	return s.primary.GetWager(ctx, id)
}

func (s *CachedStore) GetWagers(ctx context.Context, accountID string) ([]model.Wager, error) {
	return s.primary.GetWagers(ctx, accountID)
}

func (s *CachedStore) ListExpiredUnsettled(ctx context.Context, now time.Time) ([]model.Wager, error) {
	return s.primary.ListExpiredUnsettled(ctx, now)
}

func (s *CachedStore) ApplyWagerSettlement(ctx context.Context, wagerID string, outcome model.WagerOutcome, accountID string, newBalance decimal.Decimal) error {
	return s.primary.ApplyWagerSettlement(ctx, wagerID, outcome, accountID, newBalance)
}

// --- Cache helpers ---

func (s *CachedStore) cacheStrain(ctx context.Context, st *model.Strain) {
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, strainKey(st.ID), data, s.ttl)
	}
}

func strainKey(id string) string     { return fmt.Sprintf("strain:%s", id) }
func positionsKey(aid string) string { return fmt.Sprintf("positions:%s", aid) }
