// Package oracle converts an external post's popularity score into a
// tradable price, given the instrument's snapshot history.
//
// The rule favors young, fast-moving posts: the score's rate of change
// per minute is weighted, then damped by a logarithmic age decay, and
// the result is floored at the base price so a price is never zero or
// negative no matter how hard a post is downvoted.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The age decay uses stdlib math for the ln term, with the result
// immediately converted back to decimal.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/model"
	"github.com/fantasystocks/market-engine/internal/store"
)

// Defaults for the pricing rule.
var (
	// DefaultBasePrice is the price floor and the seed price for new
	// instruments.
	DefaultBasePrice = decimal.NewFromInt(10)

	// DefaultScoreWeight scales the score rate-of-change term.
	DefaultScoreWeight = decimal.NewFromInt(5)
)

// ErrInvalidBasePrice is returned when the base price is not positive.
var ErrInvalidBasePrice = errors.New("oracle: base price must be positive")

// Oracle prices instruments from popularity scores. It reads the latest
// snapshot per symbol and persists exactly one snapshot for first-time
// seeds; steady-state snapshot writes belong to the refresh job.
type Oracle struct {
	store       store.Store
	basePrice   decimal.Decimal
	scoreWeight decimal.Decimal
	now         func() time.Time
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// New creates an Oracle over the given store.
func New(st store.Store, basePrice, scoreWeight decimal.Decimal, opts ...Option) (*Oracle, error) {
	if basePrice.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidBasePrice
	}
	o := &Oracle{
		store:       st,
		basePrice:   basePrice,
		scoreWeight: scoreWeight,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// BasePrice returns the configured price floor.
func (o *Oracle) BasePrice() decimal.Decimal {
	return o.basePrice
}

// Compute returns the current price for a post as an integral decimal
// >= the base price.
//
// The first call for a new symbol synthesizes a virtual previous
// snapshot (score 1, price = base, timestamp = post creation) and
// persists one real snapshot at the computed price. Subsequent calls
// only read; persisting fresh snapshots on the steady-state path is the
// refresh batcher's job, which keeps read paths from growing history
// without bound.
func (o *Oracle) Compute(ctx context.Context, post *model.Post) (decimal.Decimal, error) {
	now := o.now().UTC()

	previous, err := o.store.LatestSnapshot(ctx, post.ID)
	seed := false
	if err != nil {
		if !errors.Is(err, store.ErrNoSnapshot) {
			return decimal.Zero, fmt.Errorf("oracle: load snapshot for %s: %w", post.ID, err)
		}
		createdAt := post.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		previous = &model.PriceSnapshot{
			Symbol:    post.ID,
			Score:     decimal.NewFromInt(1),
			Price:     o.basePrice,
			Timestamp: createdAt,
		}
		seed = true
	}

	price := o.price(post, previous, now)

	if seed {
		snap := &model.PriceSnapshot{
			Symbol:    post.ID,
			Score:     post.Score,
			Price:     price,
			Timestamp: now,
		}
		if err := o.store.InsertSnapshot(ctx, snap); err != nil {
			return decimal.Zero, fmt.Errorf("oracle: seed snapshot for %s: %w", post.ID, err)
		}
	}

	return price, nil
}

// Price applies the pricing rule against an explicit previous snapshot
// without touching the store. The refresh batcher uses this once it has
// already resolved the latest snapshots for a batch.
func (o *Oracle) Price(post *model.Post, previous *model.PriceSnapshot, now time.Time) decimal.Decimal {
	return o.price(post, previous, now)
}

func (o *Oracle) price(post *model.Post, previous *model.PriceSnapshot, now time.Time) decimal.Decimal {
	// Guard against clock skew and duplicate calls within the same
	// instant: no elapsed time means no rate, keep the previous price.
	elapsed := now.Sub(previous.Timestamp)
	if elapsed <= 0 {
		return previous.Price
	}
	minutes := decimal.NewFromFloat(elapsed.Minutes())

	scoreRate := post.Score.Sub(previous.Score).Div(minutes)

	createdAt := post.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	ageHours := now.Sub(createdAt).Hours()
	if ageHours < 1 {
		ageHours = 1
	}
	ageDecay := decimal.NewFromFloat(1 / math.Log(ageHours+2))

	raw := o.basePrice.Add(scoreRate.Mul(o.scoreWeight).Mul(ageDecay))

	price := raw.Round(0)
	if price.LessThan(o.basePrice) {
		return o.basePrice
	}
	return price
}
