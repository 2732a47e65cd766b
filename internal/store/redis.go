package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache for the hot read paths: latest price snapshots and
// the leaderboard. Writes go to the primary store and invalidate the
// cache. Everything else passes through, in particular the atomic
// money-moving operations, which must only ever touch the primary.
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

func (s *CachedStore) LatestSnapshot(ctx context.Context, symbol string) (*model.PriceSnapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(symbol)).Bytes()
	if err == nil {
		var snap model.PriceSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.LatestSnapshot(ctx, symbol)
	if err != nil {
		return nil, err
	}

	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

func (s *CachedStore) LatestPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(symbols))
	var misses []string

	for _, sym := range symbols {
		data, err := s.rdb.Get(ctx, snapshotKey(sym)).Bytes()
		if err != nil {
			misses = append(misses, sym)
			continue
		}
		var snap model.PriceSnapshot
		if json.Unmarshal(data, &snap) != nil {
			misses = append(misses, sym)
			continue
		}
		prices[sym] = snap.Price
	}

	if len(misses) > 0 {
		fetched, err := s.primary.LatestPrices(ctx, misses)
		if err != nil {
			return nil, err
		}
		for sym, price := range fetched {
			prices[sym] = price
		}
	}
	return prices, nil
}

func (s *CachedStore) TopUsersByScore(ctx context.Context, limit int) ([]model.User, error) {
	key := leaderboardKey(limit)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var users []model.User
		if json.Unmarshal(data, &users) == nil {
			return users, nil
		}
	}

	users, err := s.primary.TopUsersByScore(ctx, limit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(users); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return users, nil
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) InsertSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	if err := s.primary.InsertSnapshot(ctx, snap); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, snap)
	return nil
}

func (s *CachedStore) InsertSnapshots(ctx context.Context, snaps []model.PriceSnapshot) error {
	if err := s.primary.InsertSnapshots(ctx, snaps); err != nil {
		return err
	}
	for i := range snaps {
		s.cacheSnapshot(ctx, &snaps[i])
	}
	return nil
}

// --- Passthrough ---

func (s *CachedStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	return s.primary.GetUser(ctx, id)
}

func (s *CachedStore) ListLinkedUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListLinkedUsers(ctx)
}

func (s *CachedStore) ListUsersPage(ctx context.Context, limit, offset int) ([]model.User, error) {
	return s.primary.ListUsersPage(ctx, limit, offset)
}

func (s *CachedStore) StaleSymbols(ctx context.Context, userID int64, cutoff time.Time) ([]string, error) {
	return s.primary.StaleSymbols(ctx, userID, cutoff)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID int64, symbol string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, symbol)
}

func (s *CachedStore) CountPositions(ctx context.Context, userID int64) (int, error) {
	return s.primary.CountPositions(ctx, userID)
}

func (s *CachedStore) ListPositions(ctx context.Context, userID int64) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, userID)
}

func (s *CachedStore) PositionsForUsers(ctx context.Context, userIDs []int64) ([]model.Position, error) {
	return s.primary.PositionsForUsers(ctx, userIDs)
}

func (s *CachedStore) ExecuteTrade(ctx context.Context, userID int64, symbol string,
	fn func(user *model.User, pos *model.Position, positionCount int) (*TradeEffect, error)) error {
	return s.primary.ExecuteTrade(ctx, userID, symbol, fn)
}

func (s *CachedStore) OpenOption(ctx context.Context, contract *model.OptionContract,
	fn func(user *model.User) error) (int64, error) {
	return s.primary.OpenOption(ctx, contract, fn)
}

func (s *CachedStore) SettleOptions(ctx context.Context, settlements []Settlement) ([]Settlement, error) {
	return s.primary.SettleOptions(ctx, settlements)
}

func (s *CachedStore) ListExpiredOptions(ctx context.Context, asOf time.Time) ([]model.OptionContract, error) {
	return s.primary.ListExpiredOptions(ctx, asOf)
}

func (s *CachedStore) GetOptionsByIDs(ctx context.Context, ids []int64) ([]model.OptionContract, error) {
	return s.primary.GetOptionsByIDs(ctx, ids)
}

func (s *CachedStore) ListUserOptions(ctx context.Context, userID int64) ([]model.OptionContract, error) {
	return s.primary.ListUserOptions(ctx, userID)
}

func (s *CachedStore) NextOptionExpiry(ctx context.Context) (time.Time, bool, error) {
	return s.primary.NextOptionExpiry(ctx)
}

func (s *CachedStore) UpdateTotalScores(ctx context.Context, snaps []model.PortfolioSnapshot) error {
	return s.primary.UpdateTotalScores(ctx, snaps)
}

func (s *CachedStore) InsertPortfolioSnapshots(ctx context.Context, snaps []model.PortfolioSnapshot) error {
	return s.primary.InsertPortfolioSnapshots(ctx, snaps)
}

func (s *CachedStore) ListTransactions(ctx context.Context, userID int64) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, userID)
}

func (s *CachedStore) ListOptionTransactions(ctx context.Context, userID int64) ([]model.OptionTransaction, error) {
	return s.primary.ListOptionTransactions(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *model.PriceSnapshot) {
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey(snap.Symbol), data, s.ttl)
	}
}

func snapshotKey(symbol string) string { return fmt.Sprintf("price:%s", symbol) }
func leaderboardKey(limit int) string  { return fmt.Sprintf("leaderboard:%d", limit) }
