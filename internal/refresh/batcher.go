// Package refresh keeps prices and portfolio valuations current: on a
// fixed interval it pulls fresh scores for every held instrument whose
// snapshot has gone stale, appends new price snapshots in bulk, and
// re-marks every user's holdings against the updated prices.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/metrics"
	"github.com/fantasystocks/market-engine/internal/model"
	"github.com/fantasystocks/market-engine/internal/oracle"
	"github.com/fantasystocks/market-engine/internal/provider"
	"github.com/fantasystocks/market-engine/internal/store"
	"github.com/fantasystocks/market-engine/internal/trade"
)

// Defaults for the batcher's cadence and paging.
const (
	DefaultInterval     = 5 * time.Minute
	DefaultCooldown     = 5 * time.Minute
	DefaultUserPageSize = 5000
)

// ProviderFactory builds a score provider scoped to one user's
// credential. Score fetches run under the holder's own token so rate
// limits spread across the user base instead of burning one identity.
type ProviderFactory func(user *model.User) provider.ScoreProvider

// Batcher runs the periodic refresh cycle.
type Batcher struct {
	store        store.Store
	oracle       *oracle.Oracle
	providerFor  ProviderFactory
	interval     time.Duration
	cooldown     time.Duration
	userPageSize int
	hub          *trade.WSHub
	now          func() time.Time

	// running guards against overlapping cycles when one runs longer
	// than the interval.
	running atomic.Bool
}

// Config wires a Batcher. Hub may be nil.
type Config struct {
	Store        store.Store
	Oracle       *oracle.Oracle
	ProviderFor  ProviderFactory
	Interval     time.Duration
	Cooldown     time.Duration
	UserPageSize int
	Hub          *trade.WSHub
	Now          func() time.Time
}

// New creates a Batcher.
func New(cfg Config) *Batcher {
	b := &Batcher{
		store:        cfg.Store,
		oracle:       cfg.Oracle,
		providerFor:  cfg.ProviderFor,
		interval:     cfg.Interval,
		cooldown:     cfg.Cooldown,
		userPageSize: cfg.UserPageSize,
		hub:          cfg.Hub,
		now:          cfg.Now,
	}
	if b.interval <= 0 {
		b.interval = DefaultInterval
	}
	if b.cooldown <= 0 {
		b.cooldown = DefaultCooldown
	}
	if b.userPageSize <= 0 {
		b.userPageSize = DefaultUserPageSize
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Run executes refresh cycles on the configured interval until ctx is
// cancelled. Call in a goroutine.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.RunCycle(ctx); err != nil {
				slog.Error("refresh cycle failed", "err", err)
			}
		}
	}
}

// RunCycle executes one full refresh: stale price updates, then bulk
// portfolio revaluation. A cycle that is still running when the next
// tick arrives makes the new tick a no-op.
func (b *Batcher) RunCycle(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		metrics.RefreshCycles.WithLabelValues("skipped").Inc()
		slog.Warn("refresh cycle still running, skipping tick")
		return nil
	}
	defer b.running.Store(false)

	start := time.Now()
	err := b.cycle(ctx)
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RefreshCycles.WithLabelValues("error").Inc()
		return err
	}
	metrics.RefreshCycles.WithLabelValues("ok").Inc()
	return nil
}

func (b *Batcher) cycle(ctx context.Context) error {
	updated, err := b.refreshPrices(ctx)
	if err != nil {
		return err
	}
	if err := b.revaluePortfolios(ctx); err != nil {
		return err
	}
	slog.Info("refresh cycle complete", "symbols_updated", updated)
	return nil
}

// refreshPrices pulls fresh scores for each linked user's stale
// holdings and appends one snapshot per updated symbol. A failing
// user's fetch is logged and skipped; it never aborts the cycle.
func (b *Batcher) refreshPrices(ctx context.Context) (int, error) {
	users, err := b.store.ListLinkedUsers(ctx)
	if err != nil {
		return 0, err
	}

	now := b.now().UTC()
	cutoff := now.Add(-b.cooldown)
	refreshed := make(map[string]bool)
	var snaps []model.PriceSnapshot

	for i := range users {
		user := &users[i]

		symbols, err := b.store.StaleSymbols(ctx, user.ID, cutoff)
		if err != nil {
			slog.Error("stale symbol lookup failed", "user", user.ID, "err", err)
			continue
		}

		// Another user's holdings may have refreshed a shared symbol
		// earlier in this same cycle.
		pending := symbols[:0]
		for _, sym := range symbols {
			if !refreshed[sym] {
				pending = append(pending, sym)
			}
		}
		if len(pending) == 0 {
			continue
		}

		posts, err := b.providerFor(user).GetScores(ctx, pending)
		if err != nil {
			slog.Error("score fetch failed", "user", user.ID, "symbols", len(pending), "err", err)
			continue
		}

		for i := range posts {
			post := &posts[i]
			price, err := b.priceOf(ctx, post, now)
			if err != nil {
				slog.Error("pricing failed", "symbol", post.ID, "err", err)
				continue
			}

			snaps = append(snaps, model.PriceSnapshot{
				Symbol:    post.ID,
				Score:     post.Score,
				Price:     price,
				Timestamp: now,
			})
			refreshed[post.ID] = true

			if b.hub != nil {
				b.hub.Broadcast(trade.WSMessage{
					Type:   "price_refreshed",
					Symbol: post.ID,
					Price:  price.String(),
					Score:  post.Score.String(),
				})
			}
		}
	}

	if len(snaps) == 0 {
		return 0, nil
	}
	if err := b.store.InsertSnapshots(ctx, snaps); err != nil {
		return 0, err
	}
	metrics.SnapshotsInserted.Add(float64(len(snaps)))
	return len(snaps), nil
}

// priceOf applies the pricing rule against the symbol's latest
// snapshot, synthesizing the virtual seed when no history exists yet.
func (b *Batcher) priceOf(ctx context.Context, post *model.Post, now time.Time) (decimal.Decimal, error) {
	previous, err := b.store.LatestSnapshot(ctx, post.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNoSnapshot) {
			return decimal.Zero, err
		}
		createdAt := post.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		previous = &model.PriceSnapshot{
			Symbol:    post.ID,
			Score:     decimal.NewFromInt(1),
			Price:     b.oracle.BasePrice(),
			Timestamp: createdAt,
		}
	}
	return b.oracle.Price(post, previous, now), nil
}

// revaluePortfolios re-marks every user's holdings against the latest
// prices, one fixed-size page at a time, and records the result in both
// users.total_score and the portfolio history.
func (b *Batcher) revaluePortfolios(ctx context.Context) error {
	now := b.now().UTC()

	for offset := 0; ; offset += b.userPageSize {
		users, err := b.store.ListUsersPage(ctx, b.userPageSize, offset)
		if err != nil {
			return err
		}
		if len(users) == 0 {
			return nil
		}

		ids := make([]int64, len(users))
		for i, u := range users {
			ids[i] = u.ID
		}

		positions, err := b.store.PositionsForUsers(ctx, ids)
		if err != nil {
			return err
		}

		symbolSet := make(map[string]bool)
		for _, p := range positions {
			symbolSet[p.Symbol] = true
		}
		symbols := make([]string, 0, len(symbolSet))
		for sym := range symbolSet {
			symbols = append(symbols, sym)
		}

		prices, err := b.store.LatestPrices(ctx, symbols)
		if err != nil {
			return err
		}

		holdings := make(map[int64]decimal.Decimal, len(users))
		for _, p := range positions {
			value := prices[p.Symbol].Mul(decimal.NewFromInt(p.Shares))
			holdings[p.UserID] = holdings[p.UserID].Add(value)
		}

		// Portfolio value is the holdings mark alone; credits ride
		// along as their own column.
		snaps := make([]model.PortfolioSnapshot, 0, len(users))
		for _, u := range users {
			snaps = append(snaps, model.PortfolioSnapshot{
				UserID:         u.ID,
				PortfolioValue: holdings[u.ID],
				Credits:        u.Credits,
				Timestamp:      now,
			})
		}

		if err := b.store.UpdateTotalScores(ctx, snaps); err != nil {
			return err
		}
		if err := b.store.InsertPortfolioSnapshots(ctx, snaps); err != nil {
			return err
		}

		if len(users) < b.userPageSize {
			return nil
		}
	}
}
