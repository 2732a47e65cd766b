package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/model"
	"github.com/fantasystocks/market-engine/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestOracle(t *testing.T, ms *store.MemoryStore) *Oracle {
	t.Helper()
	o, err := New(ms, DefaultBasePrice, DefaultScoreWeight,
		WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return o
}

func TestNew_InvalidBasePrice(t *testing.T) {
	_, err := New(store.NewMemoryStore(), decimal.Zero, DefaultScoreWeight)
	if err != ErrInvalidBasePrice {
		t.Errorf("expected ErrInvalidBasePrice for base=0, got %v", err)
	}
}

func TestCompute_SeedReturnsBasePrice(t *testing.T) {
	ms := store.NewMemoryStore()
	o := newTestOracle(t, ms)

	// Brand-new post, created at the current instant: no elapsed time,
	// so the seed returns exactly the base price.
	post := &model.Post{ID: "abc123", Score: d(500), CreatedAt: testNow}

	price, err := o.Compute(context.Background(), post)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(DefaultBasePrice) {
		t.Errorf("expected seed price %s, got %s", DefaultBasePrice, price)
	}
}

func TestCompute_SeedPersistsExactlyOneSnapshot(t *testing.T) {
	ms := store.NewMemoryStore()
	o := newTestOracle(t, ms)

	post := &model.Post{ID: "abc123", Score: d(500), CreatedAt: testNow}
	if _, err := o.Compute(context.Background(), post); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := ms.SnapshotCount("abc123"); got != 1 {
		t.Fatalf("expected 1 snapshot after seed, got %d", got)
	}

	snap, err := ms.LatestSnapshot(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap.Score.Equal(d(500)) {
		t.Errorf("seed snapshot should carry the post score, got %s", snap.Score)
	}
	if !snap.Price.Equal(DefaultBasePrice) {
		t.Errorf("seed snapshot price should be base, got %s", snap.Price)
	}
}

func TestCompute_SeedUsesPostCreationAsPrevious(t *testing.T) {
	ms := store.NewMemoryStore()
	o := newTestOracle(t, ms)

	// Created 30 minutes ago with score 61: virtual previous is
	// (score=1, ts=createdAt), so rate = 60/30 = 2/min. Age is clamped
	// up to 1 hour: decay = 1/ln(3). raw = 10 + 2*5/ln(3) ≈ 19.10 → 19.
	post := &model.Post{
		ID:        "young1",
		Score:     d(61),
		CreatedAt: testNow.Add(-30 * time.Minute),
	}

	price, err := o.Compute(context.Background(), post)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d(19)) {
		t.Errorf("expected price 19, got %s", price)
	}
}

func TestCompute_OldPostDecaysHarder(t *testing.T) {
	ms := store.NewMemoryStore()
	o := newTestOracle(t, ms)

	// Same score trajectory as the young post but 100 hours old:
	// previous snapshot 30 minutes back, rate 2/min,
	// decay = 1/ln(102) ≈ 0.216. raw = 10 + 10*0.216 ≈ 12.16 → 12.
	created := testNow.Add(-100 * time.Hour)
	seed := &model.PriceSnapshot{
		Symbol:    "old1",
		Score:     d(1),
		Price:     DefaultBasePrice,
		Timestamp: testNow.Add(-30 * time.Minute),
	}
	if err := ms.InsertSnapshot(context.Background(), seed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	post := &model.Post{ID: "old1", Score: d(61), CreatedAt: created}
	price, err := o.Compute(context.Background(), post)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d(12)) {
		t.Errorf("expected price 12, got %s", price)
	}
}

func TestCompute_FloorOnDownvotedPost(t *testing.T) {
	ms := store.NewMemoryStore()
	o := newTestOracle(t, ms)

	prev := &model.PriceSnapshot{
		Symbol:    "down1",
		Score:     d(100),
		Price:     d(50),
		Timestamp: testNow.Add(-10 * time.Minute),
	}
	if err := ms.InsertSnapshot(context.Background(), prev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Net downvoted: negative score, strongly negative rate.
	post := &model.Post{ID: "down1", Score: d(-40), CreatedAt: testNow.Add(-2 * time.Hour)}
	price, err := o.Compute(context.Background(), post)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(DefaultBasePrice) {
		t.Errorf("expected floor at base price, got %s", price)
	}
}

func TestCompute_ZeroElapsedReturnsPreviousPrice(t *testing.T) {
	ms := store.NewMemoryStore()
	o := newTestOracle(t, ms)

	prev := &model.PriceSnapshot{
		Symbol:    "skew1",
		Score:     d(10),
		Price:     d(37),
		Timestamp: testNow, // same instant as the clock
	}
	if err := ms.InsertSnapshot(context.Background(), prev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	post := &model.Post{ID: "skew1", Score: d(9999), CreatedAt: testNow.Add(-time.Hour)}
	price, err := o.Compute(context.Background(), post)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(d(37)) {
		t.Errorf("expected previous price 37 on zero elapsed, got %s", price)
	}
}

func TestCompute_NonSeedDoesNotPersist(t *testing.T) {
	ms := store.NewMemoryStore()
	o := newTestOracle(t, ms)

	prev := &model.PriceSnapshot{
		Symbol:    "abc123",
		Score:     d(10),
		Price:     d(12),
		Timestamp: testNow.Add(-time.Hour),
	}
	if err := ms.InsertSnapshot(context.Background(), prev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	post := &model.Post{ID: "abc123", Score: d(70), CreatedAt: testNow.Add(-2 * time.Hour)}
	if _, err := o.Compute(context.Background(), post); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := ms.SnapshotCount("abc123"); got != 1 {
		t.Errorf("non-seed compute must not persist, snapshot count = %d", got)
	}
}

func TestCompute_PriceNeverBelowBase(t *testing.T) {
	tests := []struct {
		name      string
		prevScore float64
		prevPrice float64
		score     float64
		ageHours  float64
	}{
		{"flat", 10, 10, 10, 5},
		{"crash", 10000, 400, -10000, 2},
		{"slow bleed", 50, 11, 40, 48},
		{"surge", 1, 10, 100000, 1},
		{"ancient surge", 1, 10, 100000, 2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := store.NewMemoryStore()
			o := newTestOracle(t, ms)

			prev := &model.PriceSnapshot{
				Symbol:    "sym",
				Score:     d(tt.prevScore),
				Price:     d(tt.prevPrice),
				Timestamp: testNow.Add(-15 * time.Minute),
			}
			if err := ms.InsertSnapshot(context.Background(), prev); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			post := &model.Post{
				ID:        "sym",
				Score:     d(tt.score),
				CreatedAt: testNow.Add(-time.Duration(tt.ageHours * float64(time.Hour))),
			}
			price, err := o.Compute(context.Background(), post)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if price.LessThan(DefaultBasePrice) {
				t.Errorf("price %s below base %s", price, DefaultBasePrice)
			}
			if !price.Equal(price.Round(0)) {
				t.Errorf("price %s is not integral", price)
			}
		})
	}
}

func TestCompute_UnknownCreationTimestamp(t *testing.T) {
	ms := store.NewMemoryStore()
	o := newTestOracle(t, ms)

	// No created_at: the seed's virtual previous lands at "now", so the
	// first price is the base price.
	post := &model.Post{ID: "nots", Score: d(1234)}
	price, err := o.Compute(context.Background(), post)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !price.Equal(DefaultBasePrice) {
		t.Errorf("expected base price, got %s", price)
	}
	if got := ms.SnapshotCount("nots"); got != 1 {
		t.Errorf("expected seed snapshot, count = %d", got)
	}
}
