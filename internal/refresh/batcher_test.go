package refresh_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/model"
	"github.com/fantasystocks/market-engine/internal/oracle"
	"github.com/fantasystocks/market-engine/internal/provider"
	"github.com/fantasystocks/market-engine/internal/refresh"
	"github.com/fantasystocks/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// stubProvider serves canned posts and counts which ids were fetched.
type stubProvider struct {
	posts   map[string]model.Post
	fetched []string
	err     error
}

func (p *stubProvider) GetScore(_ context.Context, id string) (*model.Post, error) {
	if p.err != nil {
		return nil, p.err
	}
	post, ok := p.posts[id]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &post, nil
}

func (p *stubProvider) GetScores(_ context.Context, ids []string) ([]model.Post, error) {
	if p.err != nil {
		return nil, p.err
	}
	var out []model.Post
	for _, id := range ids {
		p.fetched = append(p.fetched, id)
		if post, ok := p.posts[id]; ok {
			out = append(out, post)
		}
	}
	return out, nil
}

func newOracle(t *testing.T, ms *store.MemoryStore) *oracle.Oracle {
	t.Helper()
	orc, err := oracle.New(ms, d(10), d(5), oracle.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("failed to build oracle: %v", err)
	}
	return orc
}

func newBatcher(ms *store.MemoryStore, orc *oracle.Oracle, prov provider.ScoreProvider) *refresh.Batcher {
	return refresh.New(refresh.Config{
		Store:       ms,
		Oracle:      orc,
		ProviderFor: func(*model.User) provider.ScoreProvider { return prov },
		Cooldown:    5 * time.Minute,
		Now:         func() time.Time { return testNow },
	})
}

func seedLinkedUser(t *testing.T, ms *store.MemoryStore, id int64, credits float64) {
	t.Helper()
	ms.PutUser(&model.User{
		ID:          id,
		Username:    "holder",
		Credits:     d(credits),
		AccessToken: "token",
	})
}

func seedPosition(t *testing.T, ms *store.MemoryStore, userID int64, symbol string, shares int64) {
	t.Helper()
	err := ms.ExecuteTrade(context.Background(), userID, symbol,
		func(user *model.User, pos *model.Position, _ int) (*store.TradeEffect, error) {
			return &store.TradeEffect{
				CreditsDelta:  decimal.Zero,
				NewShares:     shares,
				NewTotalSpent: d(float64(shares) * 10),
				Transaction: model.Transaction{
					ID: symbol + "-seed", UserID: userID, Symbol: symbol,
					Action: model.ActionBuy, Shares: shares,
					PricePerShare: d(10), TotalCost: d(float64(shares) * 10),
					Timestamp: testNow.Add(-time.Hour),
				},
			}, nil
		})
	if err != nil {
		t.Fatalf("failed to seed position: %v", err)
	}
}

func seedSnapshot(t *testing.T, ms *store.MemoryStore, symbol string, score, price float64, at time.Time) {
	t.Helper()
	err := ms.InsertSnapshot(context.Background(), &model.PriceSnapshot{
		Symbol: symbol, Score: d(score), Price: d(price), Timestamp: at,
	})
	if err != nil {
		t.Fatalf("failed to seed snapshot: %v", err)
	}
}

func TestRunCycle_RefreshesStaleSymbols(t *testing.T) {
	ms := store.NewMemoryStore()
	orc := newOracle(t, ms)
	ctx := context.Background()

	seedLinkedUser(t, ms, 1, 1000)
	seedPosition(t, ms, 1, "abc123", 5)
	seedSnapshot(t, ms, "abc123", 50, 20, testNow.Add(-10*time.Minute))

	post := model.Post{ID: "abc123", Score: d(80), CreatedAt: testNow.Add(-24 * time.Hour)}
	prov := &stubProvider{posts: map[string]model.Post{"abc123": post}}

	prev, _ := ms.LatestSnapshot(ctx, "abc123")
	want := orc.Price(&post, prev, testNow)

	b := newBatcher(ms, orc, prov)
	if err := b.RunCycle(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if ms.SnapshotCount("abc123") != 2 {
		t.Fatalf("snapshot count = %d, want 2", ms.SnapshotCount("abc123"))
	}
	latest, _ := ms.LatestSnapshot(ctx, "abc123")
	if !latest.Price.Equal(want) {
		t.Errorf("refreshed price = %s, want %s", latest.Price, want)
	}
	if !latest.Score.Equal(d(80)) {
		t.Errorf("refreshed score = %s, want 80", latest.Score)
	}
}

func TestRunCycle_SkipsSymbolsInsideCooldown(t *testing.T) {
	ms := store.NewMemoryStore()
	orc := newOracle(t, ms)

	seedLinkedUser(t, ms, 1, 1000)
	seedPosition(t, ms, 1, "abc123", 5)
	seedSnapshot(t, ms, "abc123", 50, 20, testNow.Add(-time.Minute))

	prov := &stubProvider{posts: map[string]model.Post{}}
	b := newBatcher(ms, orc, prov)
	if err := b.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if len(prov.fetched) != 0 {
		t.Errorf("fetched fresh symbols: %v", prov.fetched)
	}
	if ms.SnapshotCount("abc123") != 1 {
		t.Errorf("snapshot written inside cooldown")
	}
}

func TestRunCycle_SharedSymbolFetchedOnce(t *testing.T) {
	ms := store.NewMemoryStore()
	orc := newOracle(t, ms)

	seedLinkedUser(t, ms, 1, 1000)
	seedLinkedUser(t, ms, 2, 1000)
	seedPosition(t, ms, 1, "abc123", 5)
	seedPosition(t, ms, 2, "abc123", 2)
	seedSnapshot(t, ms, "abc123", 50, 20, testNow.Add(-10*time.Minute))

	prov := &stubProvider{posts: map[string]model.Post{
		"abc123": {ID: "abc123", Score: d(80), CreatedAt: testNow.Add(-24 * time.Hour)},
	}}
	b := newBatcher(ms, orc, prov)
	if err := b.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if len(prov.fetched) != 1 {
		t.Errorf("shared symbol fetched %d times: %v", len(prov.fetched), prov.fetched)
	}
	if ms.SnapshotCount("abc123") != 2 {
		t.Errorf("snapshot count = %d, want 2", ms.SnapshotCount("abc123"))
	}
}

func TestRunCycle_FailingUserDoesNotAbortCycle(t *testing.T) {
	ms := store.NewMemoryStore()
	orc := newOracle(t, ms)

	seedLinkedUser(t, ms, 1, 1000)
	seedLinkedUser(t, ms, 2, 1000)
	seedPosition(t, ms, 1, "aaa", 1)
	seedPosition(t, ms, 2, "bbb", 1)
	seedSnapshot(t, ms, "aaa", 10, 15, testNow.Add(-10*time.Minute))
	seedSnapshot(t, ms, "bbb", 10, 15, testNow.Add(-10*time.Minute))

	broken := &stubProvider{err: errors.New("token revoked")}
	working := &stubProvider{posts: map[string]model.Post{
		"bbb": {ID: "bbb", Score: d(40), CreatedAt: testNow.Add(-24 * time.Hour)},
	}}

	b := refresh.New(refresh.Config{
		Store:  ms,
		Oracle: orc,
		ProviderFor: func(u *model.User) provider.ScoreProvider {
			if u.ID == 1 {
				return broken
			}
			return working
		},
		Cooldown: 5 * time.Minute,
		Now:      func() time.Time { return testNow },
	})

	if err := b.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if ms.SnapshotCount("aaa") != 1 {
		t.Errorf("broken user's symbol refreshed anyway")
	}
	if ms.SnapshotCount("bbb") != 2 {
		t.Errorf("healthy user's symbol not refreshed")
	}
}

// blockingProvider parks GetScores until released.
type blockingProvider struct {
	entered  chan struct{}
	release  chan struct{}
	fetches  atomic.Int64
	delegate *stubProvider
}

func (p *blockingProvider) GetScore(ctx context.Context, id string) (*model.Post, error) {
	return p.delegate.GetScore(ctx, id)
}

func (p *blockingProvider) GetScores(ctx context.Context, ids []string) ([]model.Post, error) {
	p.fetches.Add(1)
	p.entered <- struct{}{}
	<-p.release
	return p.delegate.GetScores(ctx, ids)
}

func TestRunCycle_OverlappingCycleIsSkipped(t *testing.T) {
	ms := store.NewMemoryStore()
	orc := newOracle(t, ms)

	seedLinkedUser(t, ms, 1, 1000)
	seedPosition(t, ms, 1, "abc123", 5)
	seedSnapshot(t, ms, "abc123", 50, 20, testNow.Add(-10*time.Minute))

	prov := &blockingProvider{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		delegate: &stubProvider{posts: map[string]model.Post{
			"abc123": {ID: "abc123", Score: d(80), CreatedAt: testNow.Add(-24 * time.Hour)},
		}},
	}
	b := newBatcher(ms, orc, prov)

	done := make(chan error, 1)
	go func() { done <- b.RunCycle(context.Background()) }()
	<-prov.entered // first cycle is now mid-fetch

	// Second tick while the first cycle holds the flag.
	if err := b.RunCycle(context.Background()); err != nil {
		t.Fatalf("overlapping cycle errored: %v", err)
	}
	if got := prov.fetches.Load(); got != 1 {
		t.Errorf("overlapping cycle fetched scores, fetches = %d", got)
	}

	close(prov.release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if ms.SnapshotCount("abc123") != 2 {
		t.Errorf("first cycle did not complete its snapshot")
	}
}

func TestRunCycle_RevaluesPortfolios(t *testing.T) {
	ms := store.NewMemoryStore()
	orc := newOracle(t, ms)
	ctx := context.Background()

	seedLinkedUser(t, ms, 1, 900)
	seedPosition(t, ms, 1, "abc123", 5)
	seedSnapshot(t, ms, "abc123", 50, 20, testNow.Add(-time.Minute))

	b := newBatcher(ms, orc, &stubProvider{})
	if err := b.RunCycle(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	// Holdings mark = 5 shares at 20; credits stay out of the value.
	user, _ := ms.GetUser(ctx, 1)
	if !user.TotalScore.Equal(d(100)) {
		t.Errorf("total score = %s, want 100", user.TotalScore)
	}

	history := ms.PortfolioHistory(1)
	if len(history) != 1 {
		t.Fatalf("portfolio history entries = %d, want 1", len(history))
	}
	if !history[0].PortfolioValue.Equal(d(100)) || !history[0].Credits.Equal(d(900)) {
		t.Errorf("history entry = %+v", history[0])
	}
}

func TestRunCycle_RevaluationPagesThroughUsers(t *testing.T) {
	ms := store.NewMemoryStore()
	orc := newOracle(t, ms)
	ctx := context.Background()

	for id := int64(1); id <= 3; id++ {
		seedLinkedUser(t, ms, id, 100)
	}
	seedPosition(t, ms, 2, "abc123", 2)
	seedSnapshot(t, ms, "abc123", 50, 25, testNow.Add(-time.Minute))

	b := refresh.New(refresh.Config{
		Store:        ms,
		Oracle:       orc,
		ProviderFor:  func(*model.User) provider.ScoreProvider { return &stubProvider{} },
		Cooldown:     5 * time.Minute,
		UserPageSize: 2,
		Now:          func() time.Time { return testNow },
	})
	if err := b.RunCycle(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	for id := int64(1); id <= 3; id++ {
		user, _ := ms.GetUser(ctx, id)
		want := d(0)
		if id == 2 {
			want = d(50)
		}
		if !user.TotalScore.Equal(want) {
			t.Errorf("user %d total score = %s, want %s", id, user.TotalScore, want)
		}
		if len(ms.PortfolioHistory(id)) != 1 {
			t.Errorf("user %d missing portfolio history", id)
		}
	}
}
