// Package options prices synthetic option contracts over instruments.
//
// The premium model is deliberately simple: intrinsic value plus a
// volatility-scaled time term, with popularity standing in for implied
// volatility. There is no risk-free rate and no calibrated model — the
// chain is a game mechanic, not a Black-Scholes surface.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The sqrt(T) term uses stdlib math, with the result immediately
// converted to decimal.
package options

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/model"
)

var (
	// ErrInvalidOptionType is returned for a type other than CALL/PUT.
	ErrInvalidOptionType = errors.New("options: option type must be CALL or PUT")

	// ErrInvalidStrike is returned when the strike is not positive.
	ErrInvalidStrike = errors.New("options: strike price must be positive")

	// ErrExpiryNotInFuture is returned when the expiry is not after now.
	ErrExpiryNotInFuture = errors.New("options: expiry must be in the future")

	// MinVolatility is the extrinsic-value floor for ordinary posts.
	MinVolatility = decimal.NewFromFloat(0.1)

	// MaxVolatility caps popularity-driven volatility.
	MaxVolatility = decimal.NewFromFloat(0.5)

	// PremiumScale is the number of decimal places premiums round to.
	PremiumScale int32 = 4
)

// DefaultExpiryDays is the expiry ladder offered in generated chains.
var DefaultExpiryDays = []int{1, 3, 7, 30}

// DefaultStrikeSteps is the strike multiplier ladder around the
// current price.
var DefaultStrikeSteps = []decimal.Decimal{
	decimal.NewFromFloat(0.90),
	decimal.NewFromFloat(0.95),
	decimal.NewFromFloat(1.00),
	decimal.NewFromFloat(1.05),
	decimal.NewFromFloat(1.10),
}

// Quote is one tradable contract offer in a generated chain.
type Quote struct {
	Symbol     string          `json:"symbol"`
	OptionType string          `json:"option_type"`
	Strike     decimal.Decimal `json:"strike"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Premium    decimal.Decimal `json:"premium"`
}

// Generator derives option chains from current price and score. It is
// stateless; market data is passed as arguments, not stored.
type Generator struct {
	expiryDays  []int
	strikeSteps []decimal.Decimal
	now         func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithLadder overrides the expiry and strike ladders.
func WithLadder(expiryDays []int, strikeSteps []decimal.Decimal) Option {
	return func(g *Generator) {
		g.expiryDays = expiryDays
		g.strikeSteps = strikeSteps
	}
}

// NewGenerator creates a Generator with the default ladders.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		expiryDays:  DefaultExpiryDays,
		strikeSteps: DefaultStrikeSteps,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Volatility maps a popularity score to the volatility proxy:
// min(0.5, 0.1 + score/100), floored at zero so a net-downvoted post
// contributes no extrinsic value rather than a negative premium.
func Volatility(score decimal.Decimal) decimal.Decimal {
	vol := MinVolatility.Add(score.Div(decimal.NewFromInt(100)))
	if vol.GreaterThan(MaxVolatility) {
		return MaxVolatility
	}
	if vol.IsNegative() {
		return decimal.Zero
	}
	return vol
}

// Premium prices one contract: intrinsic + vol * sqrt(T_years) * price.
func Premium(optionType string, price, strike, vol decimal.Decimal, timeToExpiry time.Duration) decimal.Decimal {
	var intrinsic decimal.Decimal
	switch optionType {
	case model.OptionCall:
		intrinsic = decimal.Max(decimal.Zero, price.Sub(strike))
	case model.OptionPut:
		intrinsic = decimal.Max(decimal.Zero, strike.Sub(price))
	}

	years := timeToExpiry.Hours() / (365 * 24)
	if years < 0 {
		years = 0
	}
	timeValue := vol.Mul(decimal.NewFromFloat(math.Sqrt(years))).Mul(price)

	return intrinsic.Add(timeValue).Round(PremiumScale)
}

// Payout is the settlement value of a contract at the given underlying
// price: CALL pays max(0, current-strike)*qty, PUT pays
// max(0, strike-current)*qty.
func Payout(optionType string, current, strike decimal.Decimal, quantity int64) decimal.Decimal {
	qty := decimal.NewFromInt(quantity)
	switch optionType {
	case model.OptionCall:
		return decimal.Max(decimal.Zero, current.Sub(strike)).Mul(qty)
	case model.OptionPut:
		return decimal.Max(decimal.Zero, strike.Sub(current)).Mul(qty)
	}
	return decimal.Zero
}

// Generate returns the full chain for an instrument: every expiry on
// the ladder crossed with every strike multiplier, a CALL and a PUT
// each. Purely a pricing function — no side effects, no persistence.
func (g *Generator) Generate(symbol string, price, score decimal.Decimal) []Quote {
	now := g.now().UTC()
	vol := Volatility(score)

	quotes := make([]Quote, 0, len(g.expiryDays)*len(g.strikeSteps)*2)
	for _, days := range g.expiryDays {
		expiry := now.AddDate(0, 0, days)
		ttl := expiry.Sub(now)

		for _, step := range g.strikeSteps {
			strike := price.Mul(step).Round(0)

			for _, optType := range []string{model.OptionCall, model.OptionPut} {
				quotes = append(quotes, Quote{
					Symbol:     symbol,
					OptionType: optType,
					Strike:     strike,
					ExpiresAt:  expiry,
					Premium:    Premium(optType, price, strike, vol, ttl),
				})
			}
		}
	}
	return quotes
}

// QuotePremium recomputes the premium for an arbitrary requested
// contract server-side, so purchases can never name their own price.
func (g *Generator) QuotePremium(optionType string, price, score, strike decimal.Decimal, expiresAt time.Time) (decimal.Decimal, error) {
	if optionType != model.OptionCall && optionType != model.OptionPut {
		return decimal.Zero, ErrInvalidOptionType
	}
	if strike.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidStrike
	}
	now := g.now().UTC()
	if !expiresAt.After(now) {
		return decimal.Zero, ErrExpiryNotInFuture
	}
	return Premium(optionType, price, strike, Volatility(score), expiresAt.Sub(now)), nil
}
