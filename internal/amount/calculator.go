// Package amount centralises unit conversion and trade sizing. Every value
// that crosses into base units is an integer decimal.Decimal; native floats
// never touch balances.
package amount

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("amount: insufficient balance")
	ErrInvalidAmount       = errors.New("amount: invalid amount")
)

// BalanceSource reports wallet holdings in base units.
type BalanceSource interface {
	Balance(ctx context.Context, mint solana.Pubkey) (solana.TokenBalance, error)
}

// RandFunc returns a value in [0, 1).
type RandFunc func() float64

// SwapAmount is a trade size in base units plus its display form.
type SwapAmount struct {
	Raw      decimal.Decimal `json:"raw"`
	Display  string          `json:"display"`
	Decimals int32           `json:"decimals"`
}

// NewSwapAmount builds a SwapAmount from integer base units.
func NewSwapAmount(raw decimal.Decimal, decimals int32) SwapAmount {
	raw = raw.Truncate(0)
	return SwapAmount{Raw: raw, Display: ToDisplayUnits(raw, decimals), Decimals: decimals}
}

// IsZero reports whether nothing would be traded.
func (a SwapAmount) IsZero() bool {
	return !a.Raw.IsPositive()
}

// SizeRange bounds a buy in display units (e.g. SOL).
type SizeRange struct {
	Min decimal.Decimal `yaml:"min_trade_size" json:"min"`
	Max decimal.Decimal `yaml:"max_trade_size" json:"max"`
}

// Config tunes the safety margins.
type Config struct {
	SellSafetyFactor decimal.Decimal `yaml:"sell_safety_factor"` // share of holdings sold
	BuyBalanceBuffer decimal.Decimal `yaml:"buy_balance_buffer"` // extra SOL required over the buy
	FeeReserveSOL    decimal.Decimal `yaml:"fee_reserve_sol"`    // never spent by MaxBuyAmount
	MaxBuyFactor     decimal.Decimal `yaml:"max_buy_factor"`
}

// DefaultConfig returns the production margins.
func DefaultConfig() Config {
	return Config{
		SellSafetyFactor: decimal.RequireFromString("0.95"),
		BuyBalanceBuffer: decimal.RequireFromString("0.01"),
		FeeReserveSOL:    decimal.RequireFromString("0.01"),
		MaxBuyFactor:     decimal.RequireFromString("0.95"),
	}
}

// ---------------------------------------------------------------------------
// Unit conversion
// ---------------------------------------------------------------------------

// ToBaseUnits scales a display amount to base units, truncating any
// fraction below one base unit.
func ToBaseUnits(amount decimal.Decimal, decimals int32) decimal.Decimal {
	return amount.Shift(decimals).Truncate(0)
}

// ToDisplayUnits is the exact inverse of ToBaseUnits.
func ToDisplayUnits(base decimal.Decimal, decimals int32) string {
	return base.Shift(-decimals).String()
}

// SlippageAdjusted adds a tolerance buffer to a base-unit amount, truncating.
func SlippageAdjusted(raw, tolerance decimal.Decimal) decimal.Decimal {
	return raw.Mul(decimal.NewFromInt(1).Add(tolerance)).Truncate(0)
}

// ---------------------------------------------------------------------------
// Calculator
// ---------------------------------------------------------------------------

// Calculator sizes trades against live wallet balances.
type Calculator struct {
	wallet BalanceSource
	config Config
	rand   RandFunc
}

// NewCalculator creates a calculator. A nil rnd uses math/rand.
func NewCalculator(wallet BalanceSource, config Config, rnd RandFunc) *Calculator {
	def := DefaultConfig()
	if config.SellSafetyFactor.IsZero() {
		config.SellSafetyFactor = def.SellSafetyFactor
	}
	if config.MaxBuyFactor.IsZero() {
		config.MaxBuyFactor = def.MaxBuyFactor
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Calculator{wallet: wallet, config: config, rand: rnd}
}

// BuySize picks a uniformly random size in [r.Min, r.Max]. The bounds are
// converted to base units first (min rounded up, max truncated) so the
// result never leaves the range in either unit.
func (c *Calculator) BuySize(r SizeRange, decimals int32) (SwapAmount, error) {
	if r.Min.IsNegative() || r.Max.LessThan(r.Min) {
		return SwapAmount{}, fmt.Errorf("%w: size range [%s, %s]", ErrInvalidAmount, r.Min, r.Max)
	}

	minRaw := r.Min.Shift(decimals).Ceil()
	maxRaw := r.Max.Shift(decimals).Truncate(0)
	if minRaw.GreaterThan(maxRaw) {
		return SwapAmount{}, fmt.Errorf("%w: range [%s, %s] holds no base unit", ErrInvalidAmount, r.Min, r.Max)
	}

	f := c.rand()
	if f < 0 {
		f = 0
	} else if f > 1 {
		f = 1
	}

	span := maxRaw.Sub(minRaw)
	raw := minRaw.Add(span.Mul(decimal.NewFromFloat(f)).Truncate(0))
	if raw.GreaterThan(maxRaw) {
		raw = maxRaw
	}

	return NewSwapAmount(raw, decimals), nil
}

// SellSize returns MaxSellAmount capped at originalBuy × SellSafetyFactor,
// which equals min(owned, originalBuy) × SellSafetyFactor in base units.
// A non-positive originalBuy means "no cap". Fails with ErrInsufficientBalance
// when nothing is owned or the result truncates to zero.
func (c *Calculator) SellSize(ctx context.Context, mint solana.Pubkey, originalBuy decimal.Decimal) (SwapAmount, error) {
	limit, err := c.MaxSellAmount(ctx, mint)
	if err != nil {
		return SwapAmount{}, err
	}

	raw := limit.Raw
	if originalBuy.IsPositive() {
		raw = decimal.Min(raw, originalBuy.Mul(c.config.SellSafetyFactor).Truncate(0))
	}
	if !raw.IsPositive() {
		return SwapAmount{}, fmt.Errorf("%w: %s holding is dust", ErrInsufficientBalance, mint.Short())
	}

	log.Debug().
		Str("mint", mint.Short()).
		Str("limit", limit.Raw.String()).
		Str("sell", raw.String()).
		Msg("amount: sell size")

	return NewSwapAmount(raw, limit.Decimals), nil
}

// ValidateBalance checks that the wallet can cover a trade of raw base units
// of mint. Buys need SOL for raw × (1 + BuyBalanceBuffer), truncated.
func (c *Calculator) ValidateBalance(ctx context.Context, raw decimal.Decimal, mint solana.Pubkey, isBuy bool) error {
	if isBuy {
		sol, err := c.wallet.Balance(ctx, solana.SOLMint)
		if err != nil {
			return fmt.Errorf("amount: SOL balance: %w", err)
		}
		required := SlippageAdjusted(raw, c.config.BuyBalanceBuffer)
		if sol.Amount.LessThan(required) {
			return fmt.Errorf("%w: required %s SOL, available %s SOL", ErrInsufficientBalance,
				ToDisplayUnits(required, solana.SOLDecimals),
				ToDisplayUnits(sol.Amount, solana.SOLDecimals))
		}
		return nil
	}

	bal, err := c.wallet.Balance(ctx, mint)
	if err != nil {
		return fmt.Errorf("amount: balance %s: %w", mint.Short(), err)
	}
	if bal.Amount.LessThan(raw) {
		return fmt.Errorf("%w: required %s, available %s", ErrInsufficientBalance, raw, bal.Amount)
	}
	return nil
}

// MaxBuyAmount returns (SOL − FeeReserveSOL) × MaxBuyFactor in lamports.
func (c *Calculator) MaxBuyAmount(ctx context.Context) (SwapAmount, error) {
	sol, err := c.wallet.Balance(ctx, solana.SOLMint)
	if err != nil {
		return SwapAmount{}, fmt.Errorf("amount: SOL balance: %w", err)
	}
	available := sol.Amount.Sub(ToBaseUnits(c.config.FeeReserveSOL, solana.SOLDecimals))
	if !available.IsPositive() {
		return SwapAmount{}, fmt.Errorf("%w: nothing left after fee reserve", ErrInsufficientBalance)
	}
	return NewSwapAmount(available.Mul(c.config.MaxBuyFactor), solana.SOLDecimals), nil
}

// MaxSellAmount returns holdings × SellSafetyFactor. Fails with
// ErrInsufficientBalance when nothing is held.
func (c *Calculator) MaxSellAmount(ctx context.Context, mint solana.Pubkey) (SwapAmount, error) {
	bal, err := c.wallet.Balance(ctx, mint)
	if err != nil {
		return SwapAmount{}, fmt.Errorf("amount: balance %s: %w", mint.Short(), err)
	}
	if bal.IsZero() {
		return SwapAmount{}, fmt.Errorf("%w: no %s held", ErrInsufficientBalance, mint.Short())
	}
	return NewSwapAmount(bal.Amount.Mul(c.config.SellSafetyFactor), bal.Decimals), nil
}
