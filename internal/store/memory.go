package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
// A single mutex gives the same atomicity the SQL store gets from
// transactions.
type MemoryStore struct {
	mu           sync.Mutex
	users        map[int64]*model.User
	positions    map[int64]map[string]*model.Position
	snapshots    map[string][]model.PriceSnapshot // append order == time order
	transactions []model.Transaction
	options      map[int64]*model.OptionContract
	optionTxns   []model.OptionTransaction
	portfolio    []model.PortfolioSnapshot
	nextOptionID int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[int64]*model.User),
		positions:    make(map[int64]map[string]*model.Position),
		snapshots:    make(map[string][]model.PriceSnapshot),
		options:      make(map[int64]*model.OptionContract),
		nextOptionID: 1,
	}
}

// PutUser inserts or replaces a user. Test seeding helper.
func (s *MemoryStore) PutUser(u *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *u
	s.users[u.ID] = &copy
}

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) ListLinkedUsers(_ context.Context) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []model.User
	for _, u := range s.users {
		if u.AccessToken != "" {
			users = append(users, *u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemoryStore) ListUsersPage(_ context.Context, limit, offset int) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, *u)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *MemoryStore) TopUsersByScore(_ context.Context, limit int) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, *u)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].TotalScore.GreaterThan(all[j].TotalScore)
	})
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, symbol string) (*model.PriceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestSnapshotLocked(symbol)
}

func (s *MemoryStore) latestSnapshotLocked(symbol string) (*model.PriceSnapshot, error) {
	hist := s.snapshots[symbol]
	if len(hist) == 0 {
		return nil, ErrNoSnapshot
	}
	latest := hist[0]
	for _, snap := range hist[1:] {
		if snap.Timestamp.After(latest.Timestamp) {
			latest = snap
		}
	}
	return &latest, nil
}

func (s *MemoryStore) LatestPrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prices := make(map[string]decimal.Decimal)
	for _, sym := range symbols {
		if snap, err := s.latestSnapshotLocked(sym); err == nil {
			prices[sym] = snap.Price
		}
	}
	return prices, nil
}

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snap.Symbol] = append(s.snapshots[snap.Symbol], *snap)
	return nil
}

func (s *MemoryStore) InsertSnapshots(_ context.Context, snaps []model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snaps {
		s.snapshots[snap.Symbol] = append(s.snapshots[snap.Symbol], snap)
	}
	return nil
}

func (s *MemoryStore) StaleSymbols(_ context.Context, userID int64, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []string
	for sym := range s.positions[userID] {
		snap, err := s.latestSnapshotLocked(sym)
		if err != nil || snap.Timestamp.Before(cutoff) {
			stale = append(stale, sym)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID int64, symbol string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[userID][symbol]
	if !ok {
		return nil, ErrNoPosition
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) CountPositions(_ context.Context, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions[userID]), nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID int64) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var positions []model.Position
	for _, p := range s.positions[userID] {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (s *MemoryStore) PositionsForUsers(_ context.Context, userIDs []int64) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var positions []model.Position
	for _, id := range userIDs {
		for _, p := range s.positions[id] {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

func (s *MemoryStore) ExecuteTrade(_ context.Context, userID int64, symbol string,
	fn func(user *model.User, pos *model.Position, positionCount int) (*TradeEffect, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}

	userCopy := *u
	var posCopy *model.Position
	if p, ok := s.positions[userID][symbol]; ok {
		c := *p
		posCopy = &c
	}

	effect, err := fn(&userCopy, posCopy, len(s.positions[userID]))
	if err != nil {
		return err
	}

	u.Credits = u.Credits.Add(effect.CreditsDelta)

	if effect.DeletePosition {
		delete(s.positions[userID], symbol)
	} else {
		if s.positions[userID] == nil {
			s.positions[userID] = make(map[string]*model.Position)
		}
		s.positions[userID][symbol] = &model.Position{
			UserID:     userID,
			Symbol:     symbol,
			Shares:     effect.NewShares,
			TotalSpent: effect.NewTotalSpent,
		}
	}

	s.transactions = append(s.transactions, effect.Transaction)
	return nil
}

func (s *MemoryStore) OpenOption(_ context.Context, contract *model.OptionContract,
	fn func(user *model.User) error) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[contract.UserID]
	if !ok {
		return 0, ErrUserNotFound
	}

	userCopy := *u
	if err := fn(&userCopy); err != nil {
		return 0, err
	}

	u.Credits = u.Credits.Sub(contract.PremiumPaid)

	id := s.nextOptionID
	s.nextOptionID++
	stored := *contract
	stored.ID = id
	s.options[id] = &stored

	s.optionTxns = append(s.optionTxns, model.OptionTransaction{
		UserID:      contract.UserID,
		Symbol:      contract.Symbol,
		OptionType:  contract.OptionType,
		StrikePrice: contract.StrikePrice,
		PremiumPaid: contract.PremiumPaid,
		Quantity:    contract.Quantity,
		Payout:      decimal.Zero,
		Action:      model.OptionActionBuy,
		Timestamp:   contract.CreatedAt,
	})
	return id, nil
}

func (s *MemoryStore) SettleOptions(_ context.Context, settlements []Settlement) ([]Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied []Settlement
	for _, st := range settlements {
		contract, ok := s.options[st.Contract.ID]
		if !ok {
			continue // already settled
		}

		if u, ok := s.users[contract.UserID]; ok {
			u.Credits = u.Credits.Add(st.Payout)
		}

		s.optionTxns = append(s.optionTxns, model.OptionTransaction{
			UserID:      contract.UserID,
			Symbol:      contract.Symbol,
			OptionType:  contract.OptionType,
			StrikePrice: contract.StrikePrice,
			PremiumPaid: contract.PremiumPaid,
			Quantity:    contract.Quantity,
			Payout:      st.Payout,
			Action:      st.Action,
			Timestamp:   st.Timestamp,
		})

		delete(s.options, contract.ID)
		applied = append(applied, st)
	}
	return applied, nil
}

func (s *MemoryStore) ListExpiredOptions(_ context.Context, asOf time.Time) ([]model.OptionContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []model.OptionContract
	for _, c := range s.options {
		if !c.ExpiresAt.After(asOf) {
			expired = append(expired, *c)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

func (s *MemoryStore) GetOptionsByIDs(_ context.Context, ids []int64) ([]model.OptionContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var contracts []model.OptionContract
	for _, id := range ids {
		if c, ok := s.options[id]; ok {
			contracts = append(contracts, *c)
		}
	}
	return contracts, nil
}

func (s *MemoryStore) ListUserOptions(_ context.Context, userID int64) ([]model.OptionContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var contracts []model.OptionContract
	for _, c := range s.options {
		if c.UserID == userID {
			contracts = append(contracts, *c)
		}
	}
	sort.Slice(contracts, func(i, j int) bool {
		return contracts[i].ExpiresAt.Before(contracts[j].ExpiresAt)
	})
	return contracts, nil
}

func (s *MemoryStore) NextOptionExpiry(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	for _, c := range s.options {
		if !found || c.ExpiresAt.Before(next) {
			next = c.ExpiresAt
			found = true
		}
	}
	return next, found, nil
}

func (s *MemoryStore) UpdateTotalScores(_ context.Context, snaps []model.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snaps {
		if u, ok := s.users[snap.UserID]; ok {
			u.TotalScore = snap.PortfolioValue
		}
	}
	return nil
}

func (s *MemoryStore) InsertPortfolioSnapshots(_ context.Context, snaps []model.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.portfolio = append(s.portfolio, snaps...)
	return nil
}

// SnapshotCount returns the number of stored snapshots for a symbol.
// Test helper.
func (s *MemoryStore) SnapshotCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots[symbol])
}

// PortfolioHistory returns all recorded snapshots for a user. Test helper.
func (s *MemoryStore) PortfolioHistory(userID int64) []model.PortfolioSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PortfolioSnapshot
	for _, snap := range s.portfolio {
		if snap.UserID == userID {
			out = append(out, snap)
		}
	}
	return out
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID int64) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].UserID == userID {
			out = append(out, s.transactions[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOptionTransactions(_ context.Context, userID int64) ([]model.OptionTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.OptionTransaction
	for i := len(s.optionTxns) - 1; i >= 0; i-- {
		if s.optionTxns[i].UserID == userID {
			out = append(out, s.optionTxns[i])
		}
	}
	return out, nil
}
