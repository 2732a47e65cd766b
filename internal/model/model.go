// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction actions.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// Option types and settlement actions.
const (
	OptionCall = "CALL"
	OptionPut  = "PUT"

	OptionActionBuy      = "BUY"
	OptionActionExercise = "EXERCISE"
	OptionActionExpire   = "EXPIRE"
)

// User is a trading account. Credits are mutated only inside store
// transactions: buys and option premiums debit, sells and settlement
// payouts credit. TotalScore is the mark-to-market portfolio value
// written in bulk by the refresh job.
type User struct {
	ID          int64           `json:"id" db:"id"`
	Username    string          `json:"username" db:"username"`
	Credits     decimal.Decimal `json:"credits" db:"credits"`
	TotalScore  decimal.Decimal `json:"total_score" db:"total_score"`
	AccessToken string          `json:"-" db:"access_token"` // provider credential, empty if unlinked
}

// Post is the external content item backing an instrument: an opaque
// symbol, its current popularity score, and its creation time.
type Post struct {
	ID        string          `json:"id"`
	Score     decimal.Decimal `json:"score"` // can be negative (net downvoted)
	CreatedAt time.Time       `json:"created_at"`
}

// PriceSnapshot is one point of an instrument's append-only price
// history. Price is an integral decimal, never below the base price.
type PriceSnapshot struct {
	Symbol    string          `json:"symbol" db:"stock_symbol"`
	Score     decimal.Decimal `json:"score" db:"score"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Position is a user's current holding in one instrument. TotalSpent is
// the cumulative cost basis of the held shares, not their market value;
// selling reduces it proportionally so the average cost of the
// remaining shares is unchanged. Rows are deleted when shares reach 0.
type Position struct {
	UserID     int64           `json:"user_id" db:"user_id"`
	Symbol     string          `json:"symbol" db:"stock_symbol"`
	Shares     int64           `json:"shares" db:"shares"`
	TotalSpent decimal.Decimal `json:"total_spent" db:"total_spent"`
}

// AverageCost returns the per-share cost basis, or zero for an empty
// position.
func (p Position) AverageCost() decimal.Decimal {
	if p.Shares == 0 {
		return decimal.Zero
	}
	return p.TotalSpent.Div(decimal.NewFromInt(p.Shares))
}

// Transaction is an immutable record of a share trade. Once created,
// these are never modified or deleted — they are the source of truth
// for P&L and history views.
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	UserID        int64           `json:"user_id" db:"user_id"`
	Symbol        string          `json:"symbol" db:"stock_symbol"`
	Action        string          `json:"action" db:"action"` // "BUY" or "SELL"
	Shares        int64           `json:"shares" db:"shares"`
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	TotalCost     decimal.Decimal `json:"total_cost" db:"total_cost"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// OptionContract is an open option position. The row is created
// atomically with the premium debit and deleted at settlement, which
// always pairs with an OptionTransaction insert and a credits payout.
type OptionContract struct {
	ID          int64           `json:"id" db:"id"`
	UserID      int64           `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"stock_symbol"`
	OptionType  string          `json:"option_type" db:"option_type"` // "CALL" or "PUT"
	StrikePrice decimal.Decimal `json:"strike_price" db:"strike_price"`
	PremiumPaid decimal.Decimal `json:"premium_paid" db:"premium_paid"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	ExpiresAt   time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// OptionTransaction is the append-only settlement ledger for options.
type OptionTransaction struct {
	UserID      int64           `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"stock_symbol"`
	OptionType  string          `json:"option_type" db:"option_type"`
	StrikePrice decimal.Decimal `json:"strike_price" db:"strike_price"`
	PremiumPaid decimal.Decimal `json:"premium_paid" db:"premium_paid"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Payout      decimal.Decimal `json:"payout" db:"payout"`
	Action      string          `json:"action" db:"action"` // "BUY", "EXERCISE" or "EXPIRE"
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// PortfolioSnapshot is a periodic mark-to-market record for charting,
// written in bulk by the refresh job.
type PortfolioSnapshot struct {
	UserID         int64           `json:"user_id" db:"user_id"`
	PortfolioValue decimal.Decimal `json:"portfolio_value" db:"portfolio_value"`
	Credits        decimal.Decimal `json:"credits" db:"credits"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}
