// Package trade executes buys and sells against user credits, positions
// and the immutable transaction ledger, and exposes the thin HTTP API
// over the engine.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/metrics"
	"github.com/fantasystocks/market-engine/internal/model"
	"github.com/fantasystocks/market-engine/internal/options"
	"github.com/fantasystocks/market-engine/internal/oracle"
	"github.com/fantasystocks/market-engine/internal/provider"
	"github.com/fantasystocks/market-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a buy or option premium
	// would drive the user's credits negative.
	ErrInsufficientFunds = errors.New("trade: insufficient credits")

	// ErrInsufficientShares is returned when a sell exceeds the held
	// share count.
	ErrInsufficientShares = errors.New("trade: not enough shares to sell")

	// ErrPositionCapReached is returned when a buy would open a new
	// position beyond the distinct-symbol cap. Buying more of an
	// already-held symbol is always allowed.
	ErrPositionCapReached = errors.New("trade: position cap reached")

	// ErrInvalidQuantity is returned for zero or negative quantities.
	ErrInvalidQuantity = errors.New("trade: quantity must be positive")
)

// DefaultPositionCap bounds how many distinct symbols one user may
// hold. It protects against position sprawl, not position size.
const DefaultPositionCap = 20

// Rescheduler is the settlement scheduler surface the trade service
// needs: nudging the expiry timer after each contract purchase.
type Rescheduler interface {
	MaybeReschedule(expiresAt time.Time)
}

// Exerciser triggers out-of-band settlement for specific contracts.
type Exerciser interface {
	ExerciseOptions(ctx context.Context, optionIDs []int64) error
}

// Service executes trades and option purchases. Serialization of
// concurrent money movement happens in the store's transactions (row
// locks), not here.
type Service struct {
	store       store.Store
	oracle      *oracle.Oracle
	chain       *options.Generator
	provider    provider.ScoreProvider
	scheduler   Rescheduler
	exerciser   Exerciser
	positionCap int
	wsHub       *WSHub // optional hub for real-time broadcasts
	now         func() time.Time
}

// Config wires a Service. Scheduler, Exerciser and Hub may be nil.
type Config struct {
	Store       store.Store
	Oracle      *oracle.Oracle
	Chain       *options.Generator
	Provider    provider.ScoreProvider
	Scheduler   Rescheduler
	Exerciser   Exerciser
	PositionCap int
	Hub         *WSHub
	Now         func() time.Time
}

// NewService creates a trade service.
func NewService(cfg Config) *Service {
	cap := cfg.PositionCap
	if cap <= 0 {
		cap = DefaultPositionCap
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:       cfg.Store,
		oracle:      cfg.Oracle,
		chain:       cfg.Chain,
		provider:    cfg.Provider,
		scheduler:   cfg.Scheduler,
		exerciser:   cfg.Exerciser,
		positionCap: cap,
		wsHub:       cfg.Hub,
		now:         now,
	}
}

// CanBuy reports whether a user may open or extend a position in
// symbol: under the distinct-symbol cap, or already holding the symbol.
// Advisory only; Buy re-checks the cap inside its transaction.
func (s *Service) CanBuy(ctx context.Context, userID int64, symbol string) (bool, error) {
	if _, err := s.store.GetPosition(ctx, userID, symbol); err == nil {
		return true, nil
	} else if !errors.Is(err, store.ErrNoPosition) {
		return false, err
	}

	count, err := s.store.CountPositions(ctx, userID)
	if err != nil {
		return false, err
	}
	return count < s.positionCap, nil
}

// Buy purchases quantity shares of symbol at the given price. Credits
// debit, position upsert and the BUY transaction row commit atomically;
// any precondition failure leaves all three untouched. The cap check
// runs inside the transaction, so concurrent first-buys cannot slip a
// user past it.
func (s *Service) Buy(ctx context.Context, userID int64, symbol string, quantity int64, price decimal.Decimal) (*model.Position, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	totalCost := price.Mul(decimal.NewFromInt(quantity))
	var after model.Position

	err := s.store.ExecuteTrade(ctx, userID, symbol, func(user *model.User, pos *model.Position, positionCount int) (*store.TradeEffect, error) {
		if pos == nil && positionCount >= s.positionCap {
			return nil, ErrPositionCapReached
		}
		if user.Credits.LessThan(totalCost) {
			return nil, ErrInsufficientFunds
		}

		newShares := quantity
		newSpent := totalCost
		if pos != nil {
			newShares += pos.Shares
			newSpent = pos.TotalSpent.Add(totalCost)
		}

		after = model.Position{
			UserID:     userID,
			Symbol:     symbol,
			Shares:     newShares,
			TotalSpent: newSpent,
		}

		return &store.TradeEffect{
			CreditsDelta:  totalCost.Neg(),
			NewShares:     newShares,
			NewTotalSpent: newSpent,
			Transaction: model.Transaction{
				ID:            uuid.New().String(),
				UserID:        userID,
				Symbol:        symbol,
				Action:        model.ActionBuy,
				Shares:        quantity,
				PricePerShare: price,
				TotalCost:     totalCost,
				Timestamp:     s.now().UTC(),
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(model.ActionBuy).Inc()
	slog.Info("trade executed",
		"action", "BUY",
		"user", userID,
		"symbol", symbol,
		"qty", quantity,
		"price", price.String(),
		"total", totalCost.String(),
	)

	s.broadcastTrade(model.ActionBuy, symbol, quantity, price)
	return &after, nil
}

// Sell disposes of quantity shares of symbol at the given price. The
// cost basis shrinks proportionally so the average cost of the
// remaining shares is unchanged; a fully closed position's row is
// deleted.
func (s *Service) Sell(ctx context.Context, userID int64, symbol string, quantity int64, price decimal.Decimal) (*model.Position, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	proceeds := price.Mul(decimal.NewFromInt(quantity))
	var after model.Position

	err := s.store.ExecuteTrade(ctx, userID, symbol, func(user *model.User, pos *model.Position, _ int) (*store.TradeEffect, error) {
		if pos == nil || pos.Shares < quantity {
			return nil, ErrInsufficientShares
		}

		averageCost := pos.AverageCost()
		newShares := pos.Shares - quantity
		newSpent := pos.TotalSpent.Sub(averageCost.Mul(decimal.NewFromInt(quantity)))
		deletePos := newShares == 0
		if deletePos {
			newSpent = decimal.Zero
		}

		after = model.Position{
			UserID:     userID,
			Symbol:     symbol,
			Shares:     newShares,
			TotalSpent: newSpent,
		}

		return &store.TradeEffect{
			CreditsDelta:   proceeds,
			NewShares:      newShares,
			NewTotalSpent:  newSpent,
			DeletePosition: deletePos,
			Transaction: model.Transaction{
				ID:            uuid.New().String(),
				UserID:        userID,
				Symbol:        symbol,
				Action:        model.ActionSell,
				Shares:        quantity,
				PricePerShare: price,
				TotalCost:     proceeds,
				Timestamp:     s.now().UTC(),
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(model.ActionSell).Inc()
	slog.Info("trade executed",
		"action", "SELL",
		"user", userID,
		"symbol", symbol,
		"qty", quantity,
		"price", price.String(),
		"proceeds", proceeds.String(),
	)

	s.broadcastTrade(model.ActionSell, symbol, quantity, price)
	return &after, nil
}

// ResolvePrice fetches the current score for a symbol and runs it
// through the oracle, seeding history for first-seen instruments.
func (s *Service) ResolvePrice(ctx context.Context, symbol string) (price decimal.Decimal, post *model.Post, err error) {
	post, err = s.provider.GetScore(ctx, symbol)
	if err != nil {
		return decimal.Zero, nil, err
	}
	price, err = s.oracle.Compute(ctx, post)
	if err != nil {
		return decimal.Zero, nil, err
	}
	return price, post, nil
}

// BuyOption opens an option contract: the premium (per-contract quote ×
// quantity) debits atomically with the contract insert and BUY ledger
// row, then the settlement timer is nudged if this contract expires
// before the currently scheduled one.
func (s *Service) BuyOption(ctx context.Context, userID int64, symbol, optionType string, strike decimal.Decimal, expiresAt time.Time, quantity int64) (*model.OptionContract, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	price, post, err := s.ResolvePrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("resolve underlying price: %w", err)
	}

	perContract, err := s.chain.QuotePremium(optionType, price, post.Score, strike, expiresAt)
	if err != nil {
		return nil, err
	}
	premium := perContract.Mul(decimal.NewFromInt(quantity))

	contract := &model.OptionContract{
		UserID:      userID,
		Symbol:      symbol,
		OptionType:  optionType,
		StrikePrice: strike,
		PremiumPaid: premium,
		Quantity:    quantity,
		ExpiresAt:   expiresAt.UTC(),
		CreatedAt:   s.now().UTC(),
	}

	id, err := s.store.OpenOption(ctx, contract, func(user *model.User) error {
		if user.Credits.LessThan(premium) {
			return ErrInsufficientFunds
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	contract.ID = id

	metrics.OptionsOpened.WithLabelValues(optionType).Inc()
	metrics.OpenContracts.Inc()
	slog.Info("option opened",
		"id", id,
		"user", userID,
		"symbol", symbol,
		"type", optionType,
		"strike", strike.String(),
		"premium", premium.String(),
		"expires_at", contract.ExpiresAt,
	)

	if s.scheduler != nil {
		s.scheduler.MaybeReschedule(contract.ExpiresAt)
	}
	return contract, nil
}

// Portfolio marks a user's positions to the latest snapshot prices.
type Portfolio struct {
	UserID     int64               `json:"user_id"`
	Credits    decimal.Decimal     `json:"credits"`
	TotalValue decimal.Decimal     `json:"total_value"`
	Positions  []PortfolioPosition `json:"positions"`
}

// PortfolioPosition is one holding with its mark-to-market value.
type PortfolioPosition struct {
	Symbol       string          `json:"symbol"`
	Shares       int64           `json:"shares"`
	TotalSpent   decimal.Decimal `json:"total_spent"`
	AverageCost  decimal.Decimal `json:"average_cost"`
	LatestPrice  decimal.Decimal `json:"latest_price"`
	CurrentValue decimal.Decimal `json:"current_value"`
}

// GetPortfolio computes a user's current mark-to-market portfolio.
func (s *Service) GetPortfolio(ctx context.Context, userID int64) (*Portfolio, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	prices, err := s.store.LatestPrices(ctx, symbols)
	if err != nil {
		return nil, err
	}

	portfolio := &Portfolio{
		UserID:     userID,
		Credits:    user.Credits,
		TotalValue: decimal.Zero,
		Positions:  make([]PortfolioPosition, 0, len(positions)),
	}
	for _, p := range positions {
		price := prices[p.Symbol] // zero when no history yet
		value := price.Mul(decimal.NewFromInt(p.Shares))
		portfolio.TotalValue = portfolio.TotalValue.Add(value)
		portfolio.Positions = append(portfolio.Positions, PortfolioPosition{
			Symbol:       p.Symbol,
			Shares:       p.Shares,
			TotalSpent:   p.TotalSpent,
			AverageCost:  p.AverageCost(),
			LatestPrice:  price,
			CurrentValue: value,
		})
	}
	return portfolio, nil
}

func (s *Service) broadcastTrade(action, symbol string, quantity int64, price decimal.Decimal) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:     "trade_executed",
		Symbol:   symbol,
		Action:   action,
		Quantity: quantity,
		Price:    price.String(),
	})
}
