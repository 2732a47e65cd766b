package options

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fantasystocks/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestGenerator() *Generator {
	return NewGenerator(WithClock(func() time.Time { return testNow }))
}

// --- Volatility ---

func TestVolatility_Bounds(t *testing.T) {
	tests := []struct {
		score float64
		want  float64
	}{
		{0, 0.1},
		{10, 0.2},
		{40, 0.5},
		{100, 0.5},   // capped
		{10000, 0.5}, // capped
		{-5, 0.05},
		{-100, 0}, // floored
	}

	for _, tt := range tests {
		got := Volatility(d(tt.score))
		if !got.Equal(d(tt.want)) {
			t.Errorf("Volatility(%v) = %s, want %v", tt.score, got, tt.want)
		}
	}
}

// --- Premium ---

func TestPremium_IntrinsicOnly(t *testing.T) {
	// Zero time to expiry: premium collapses to intrinsic value.
	call := Premium(model.OptionCall, d(100), d(90), d(0.5), 0)
	if !call.Equal(d(10)) {
		t.Errorf("in-the-money CALL intrinsic = %s, want 10", call)
	}

	put := Premium(model.OptionPut, d(100), d(110), d(0.5), 0)
	if !put.Equal(d(10)) {
		t.Errorf("in-the-money PUT intrinsic = %s, want 10", put)
	}

	otm := Premium(model.OptionCall, d(100), d(110), d(0.5), 0)
	if !otm.IsZero() {
		t.Errorf("out-of-the-money CALL with no time value = %s, want 0", otm)
	}
}

func TestPremium_TimeValueGrowsWithExpiry(t *testing.T) {
	short := Premium(model.OptionCall, d(100), d(100), d(0.3), 24*time.Hour)
	long := Premium(model.OptionCall, d(100), d(100), d(0.3), 30*24*time.Hour)

	if !short.IsPositive() {
		t.Errorf("at-the-money premium with time left should be positive, got %s", short)
	}
	if !long.GreaterThan(short) {
		t.Errorf("longer expiry should cost more: 1d=%s 30d=%s", short, long)
	}
}

func TestPremium_AtTheMoneyOneWeek(t *testing.T) {
	// premium = 0.3 * sqrt(7/365) * 100 ≈ 4.1545
	got := Premium(model.OptionCall, d(100), d(100), d(0.3), 7*24*time.Hour)
	want := d(4.1545)
	if !got.Equal(want) {
		t.Errorf("premium = %s, want %s", got, want)
	}
}

// --- Payout ---

func TestPayout_Formulas(t *testing.T) {
	tests := []struct {
		name       string
		optionType string
		current    float64
		strike     float64
		quantity   int64
		want       float64
	}{
		{"CALL in the money", model.OptionCall, 70, 50, 3, 60},
		{"CALL out of the money", model.OptionCall, 40, 50, 3, 0},
		{"CALL at the money", model.OptionCall, 50, 50, 3, 0},
		{"PUT in the money", model.OptionPut, 30, 50, 2, 40},
		{"PUT out of the money", model.OptionPut, 60, 50, 2, 0},
		{"PUT at the money", model.OptionPut, 50, 50, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Payout(tt.optionType, d(tt.current), d(tt.strike), tt.quantity)
			if !got.Equal(d(tt.want)) {
				t.Errorf("Payout = %s, want %v", got, tt.want)
			}
		})
	}
}

// --- Chain generation ---

func TestGenerate_FullCrossProduct(t *testing.T) {
	g := newTestGenerator()
	quotes := g.Generate("abc123", d(100), d(20))

	// 4 expiries × 5 strikes × 2 types.
	if len(quotes) != 40 {
		t.Fatalf("expected 40 quotes, got %d", len(quotes))
	}

	calls, puts := 0, 0
	for _, q := range quotes {
		switch q.OptionType {
		case model.OptionCall:
			calls++
		case model.OptionPut:
			puts++
		default:
			t.Fatalf("unexpected option type %q", q.OptionType)
		}
		if q.Symbol != "abc123" {
			t.Errorf("quote symbol = %q", q.Symbol)
		}
		if !q.ExpiresAt.After(testNow) {
			t.Errorf("quote expiry %s not in the future", q.ExpiresAt)
		}
		if q.Premium.IsNegative() {
			t.Errorf("negative premium %s for strike %s", q.Premium, q.Strike)
		}
	}
	if calls != 20 || puts != 20 {
		t.Errorf("expected 20 calls and 20 puts, got %d/%d", calls, puts)
	}
}

func TestGenerate_StrikeLadder(t *testing.T) {
	g := newTestGenerator()
	quotes := g.Generate("abc123", d(100), d(20))

	strikes := make(map[string]bool)
	for _, q := range quotes {
		strikes[q.Strike.String()] = true
	}
	for _, want := range []string{"90", "95", "100", "105", "110"} {
		if !strikes[want] {
			t.Errorf("missing strike %s in chain, got %v", want, strikes)
		}
	}
}

func TestGenerate_StrikesRounded(t *testing.T) {
	g := newTestGenerator()
	// 0.95 × 33 = 31.35 → 31; every strike must land on an integer.
	for _, q := range g.Generate("odd", d(33), d(5)) {
		if !q.Strike.Equal(q.Strike.Round(0)) {
			t.Errorf("strike %s is not integral", q.Strike)
		}
	}
}

// --- QuotePremium validation ---

func TestQuotePremium_Valid(t *testing.T) {
	g := newTestGenerator()
	premium, err := g.QuotePremium(model.OptionCall, d(100), d(20), d(105), testNow.Add(72*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !premium.IsPositive() {
		t.Errorf("expected positive premium, got %s", premium)
	}
}

func TestQuotePremium_Invalid(t *testing.T) {
	g := newTestGenerator()

	if _, err := g.QuotePremium("STRADDLE", d(100), d(20), d(105), testNow.Add(time.Hour)); err != ErrInvalidOptionType {
		t.Errorf("expected ErrInvalidOptionType, got %v", err)
	}
	if _, err := g.QuotePremium(model.OptionPut, d(100), d(20), decimal.Zero, testNow.Add(time.Hour)); err != ErrInvalidStrike {
		t.Errorf("expected ErrInvalidStrike, got %v", err)
	}
	if _, err := g.QuotePremium(model.OptionPut, d(100), d(20), d(100), testNow.Add(-time.Hour)); err != ErrExpiryNotInFuture {
		t.Errorf("expected ErrExpiryNotInFuture, got %v", err)
	}
	if _, err := g.QuotePremium(model.OptionPut, d(100), d(20), d(100), testNow); err != ErrExpiryNotInFuture {
		t.Errorf("expected ErrExpiryNotInFuture for expiry == now, got %v", err)
	}
}
