// Package settle resolves option contracts at expiry. A single timer
// is armed for the soonest expiry across all open contracts; every
// purchase nudges it forward through MaybeReschedule and every firing
// re-arms it from the store, so restarts recover pending expiries
// without any persistent schedule.
package settle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fantasystocks/market-engine/internal/metrics"
	"github.com/fantasystocks/market-engine/internal/model"
	"github.com/fantasystocks/market-engine/internal/options"
	"github.com/fantasystocks/market-engine/internal/store"
)

// ErrOptionNotFound is returned when an exercise names a contract that
// no longer exists (already settled or never created).
var ErrOptionNotFound = errors.New("settle: option contract not found")

// Scheduler owns the expiry timer and the settlement path. Both the
// timer firing and manual exercise funnel into the same store call, so
// a contract settles exactly once no matter how many triggers race.
type Scheduler struct {
	store store.Store
	now   func() time.Time

	mu         sync.Mutex
	timer      *time.Timer
	nextExpiry time.Time
	stopped    bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a settlement scheduler.
func New(st store.Store, opts ...Option) *Scheduler {
	s := &Scheduler{store: st, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start settles anything already past expiry, then arms the timer for
// the soonest remaining one. Call once at boot.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.ProcessExpired(ctx); err != nil {
		return err
	}
	return s.scheduleNext(ctx)
}

// Stop disarms the timer. Settlements already in flight finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextExpiry = time.Time{}
}

// MaybeReschedule pulls the timer forward when a newly opened contract
// expires before the currently scheduled one. A later expiry is a
// no-op: the post-settlement rescan will pick it up.
func (s *Scheduler) MaybeReschedule(expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil && !expiresAt.Before(s.nextExpiry) {
		return
	}
	s.armLocked(expiresAt)
}

// armLocked (re)arms the timer for expiry. Caller holds mu.
func (s *Scheduler) armLocked(expiry time.Time) {
	if s.timer != nil {
		s.timer.Stop()
	}
	delay := expiry.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.nextExpiry = expiry
	s.timer = time.AfterFunc(delay, s.onTimer)
	slog.Info("settlement timer armed", "expires_at", expiry, "in", delay)
}

func (s *Scheduler) onTimer() {
	ctx := context.Background()
	if err := s.ProcessExpired(ctx); err != nil {
		slog.Error("expiry settlement failed", "err", err)
	}
	if err := s.scheduleNext(ctx); err != nil {
		slog.Error("settlement reschedule failed", "err", err)
	}
}

// scheduleNext arms the timer from the soonest open expiry, or leaves
// it disarmed when no contracts are open.
func (s *Scheduler) scheduleNext(ctx context.Context) error {
	next, ok, err := s.store.NextOptionExpiry(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.stopped {
		return nil
	}
	if !ok {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.nextExpiry = time.Time{}
		return nil
	}
	s.armLocked(next)
	return nil
}

// ProcessExpired settles every contract whose expiry has passed.
// Timer-driven settlements are tagged EXPIRE in the ledger, whatever
// the payout.
func (s *Scheduler) ProcessExpired(ctx context.Context) error {
	contracts, err := s.store.ListExpiredOptions(ctx, s.now().UTC())
	if err != nil {
		return err
	}
	return s.settle(ctx, contracts, model.OptionActionExpire)
}

// ExerciseOptions settles the named contracts immediately, before
// expiry. Payouts use the same intrinsic-value rule, but the ledger
// rows are tagged EXERCISE.
func (s *Scheduler) ExerciseOptions(ctx context.Context, optionIDs []int64) error {
	contracts, err := s.store.GetOptionsByIDs(ctx, optionIDs)
	if err != nil {
		return err
	}
	if len(contracts) == 0 {
		return ErrOptionNotFound
	}
	return s.settle(ctx, contracts, model.OptionActionExercise)
}

// settle resolves a batch: mark each contract to the latest price,
// then commit every payout, ledger row and contract deletion in one
// store transaction. The action tag records how the settlement was
// triggered, not whether it paid out.
func (s *Scheduler) settle(ctx context.Context, contracts []model.OptionContract, action string) error {
	if len(contracts) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(contracts))
	seen := make(map[string]bool)
	for _, c := range contracts {
		if !seen[c.Symbol] {
			seen[c.Symbol] = true
			symbols = append(symbols, c.Symbol)
		}
	}

	prices, err := s.store.LatestPrices(ctx, symbols)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	settlements := make([]store.Settlement, 0, len(contracts))
	for _, c := range contracts {
		underlying, ok := prices[c.Symbol]
		if !ok {
			// No price history survives for the symbol; settle at the
			// strike so the contract closes worthless rather than hang.
			underlying = c.StrikePrice
		}

		settlements = append(settlements, store.Settlement{
			Contract:  c,
			Payout:    options.Payout(c.OptionType, underlying, c.StrikePrice, c.Quantity),
			Action:    action,
			Timestamp: now,
		})
	}

	applied, err := s.store.SettleOptions(ctx, settlements)
	if err != nil {
		return err
	}

	for _, st := range applied {
		metrics.OptionsSettled.WithLabelValues(st.Action).Inc()
		metrics.OpenContracts.Dec()
		slog.Info("option settled",
			"id", st.Contract.ID,
			"user", st.Contract.UserID,
			"symbol", st.Contract.Symbol,
			"type", st.Contract.OptionType,
			"action", st.Action,
			"payout", st.Payout.String(),
		)
	}
	return nil
}
