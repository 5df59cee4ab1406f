package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrPositionExists = errors.New("position: already open")
	ErrNotFound       = errors.New("position: not found")
)

// ---------------------------------------------------------------------------
// Position
// ---------------------------------------------------------------------------

// Position is an open holding of TokenMint acquired by a confirmed buy.
type Position struct {
	ID             string           `json:"id"`
	PairID         string           `json:"pair_id"`
	TokenMint      solana.Pubkey    `json:"token_mint"`
	EntryPrice     decimal.Decimal  `json:"entry_price"`  // quote per token, may be zero when unknown
	EntryAmount    decimal.Decimal  `json:"entry_amount"` // base units received
	EntryTimestamp time.Time        `json:"entry_timestamp"`
	BuySignature   solana.Signature `json:"buy_signature,omitempty"`

	LastPrice    decimal.Decimal `json:"last_price"`
	HighestPrice decimal.Decimal `json:"highest_price"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ProfitRatio returns (price - entry) / entry, or zero without an entry price.
func (p Position) ProfitRatio(price decimal.Decimal) decimal.Decimal {
	if !p.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Div(p.EntryPrice)
}

// OpenRequest describes a confirmed buy.
type OpenRequest struct {
	PairID       string
	Mint         solana.Pubkey
	EntryPrice   decimal.Decimal
	Amount       decimal.Decimal
	BuySignature solana.Signature
}

// ---------------------------------------------------------------------------
// Exit evaluation
// ---------------------------------------------------------------------------

// ExitReason codes.
const (
	ReasonTakeProfit   = "TAKE_PROFIT"
	ReasonStopLoss     = "STOP_LOSS"
	ReasonOverbought   = "OVERBOUGHT"
	ReasonSellPressure = "SELL_PRESSURE"
)

// IndicatorSnapshot is the subset of indicator outputs consumed by entry and
// exit rules.
type IndicatorSnapshot struct {
	RSI           float64 `json:"rsi"`
	MACDHistogram float64 `json:"macd_histogram"`
	StochK        float64 `json:"stoch_k"`
	BuyPressure   float64 `json:"buy_pressure"`
	SellPressure  float64 `json:"sell_pressure"`
	HighVol       bool    `json:"high_volatility"`
	DepthRatio    float64 `json:"depth_ratio"`
}

// ExitConfig configures exit thresholds.
type ExitConfig struct {
	ProfitTarget  float64       `yaml:"profit_target"` // ratio, 0.15 = +15%
	StopLoss      float64       `yaml:"stop_loss"`     // ratio, 0.05 = -5%
	RSIOverbought float64       `yaml:"rsi_overbought"`
	MaxHold       time.Duration `yaml:"max_hold"`
}

// DefaultExitConfig returns the momentum exit thresholds.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		ProfitTarget:  0.15,
		StopLoss:      0.05,
		RSIOverbought: 70,
		MaxHold:       5 * time.Minute,
	}
}

// ExitDecision is the outcome of EvaluateExit.
type ExitDecision struct {
	ShouldExit  bool            `json:"should_exit"`
	Reason      string          `json:"reason,omitempty"`
	ProfitRatio decimal.Decimal `json:"profit_ratio"`
	Held        time.Duration   `json:"held"`
}

// ---------------------------------------------------------------------------
// Tracker
// ---------------------------------------------------------------------------

// Tracker owns the open positions, keyed by token mint. Thread-safe.
type Tracker struct {
	mu        sync.RWMutex
	config    ExitConfig
	positions map[solana.Pubkey]*Position
	onChange  func(event string, pos Position)
	now       func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker(config ExitConfig) *Tracker {
	return &Tracker{
		config:    config,
		positions: make(map[solana.Pubkey]*Position),
		now:       time.Now,
	}
}

// SetOnChange registers a callback fired with "open" or "close" after each
// mutation.
func (t *Tracker) SetOnChange(fn func(event string, pos Position)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Open records a new position. A mint can hold at most one position.
func (t *Tracker) Open(req OpenRequest) (Position, error) {
	if req.Mint == "" {
		return Position{}, fmt.Errorf("position: open: empty mint")
	}
	if !req.Amount.IsPositive() {
		return Position{}, fmt.Errorf("position: open %s: amount %s must be positive", req.Mint.Short(), req.Amount)
	}

	t.mu.Lock()
	if _, ok := t.positions[req.Mint]; ok {
		t.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s", ErrPositionExists, req.Mint)
	}
	now := t.now()
	pos := &Position{
		ID:             uuid.New().String(),
		PairID:         req.PairID,
		TokenMint:      req.Mint,
		EntryPrice:     req.EntryPrice,
		EntryAmount:    req.Amount,
		EntryTimestamp: now,
		BuySignature:   req.BuySignature,
		LastPrice:      req.EntryPrice,
		HighestPrice:   req.EntryPrice,
		UpdatedAt:      now,
	}
	t.positions[req.Mint] = pos
	snapshot := *pos
	cb := t.onChange
	t.mu.Unlock()

	log.Info().
		Str("pos_id", snapshot.ID).
		Str("pair", snapshot.PairID).
		Str("mint", snapshot.TokenMint.Short()).
		Str("entry_price", snapshot.EntryPrice.String()).
		Str("amount", snapshot.EntryAmount.String()).
		Msg("position: opened")

	if cb != nil {
		cb("open", snapshot)
	}
	return snapshot, nil
}

// Close removes and returns the position held in mint.
func (t *Tracker) Close(mint solana.Pubkey) (Position, error) {
	t.mu.Lock()
	pos, ok := t.positions[mint]
	if !ok {
		t.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s", ErrNotFound, mint)
	}
	delete(t.positions, mint)
	snapshot := *pos
	cb := t.onChange
	t.mu.Unlock()

	log.Info().
		Str("pos_id", snapshot.ID).
		Str("mint", snapshot.TokenMint.Short()).
		Str("pnl_ratio", snapshot.ProfitRatio(snapshot.LastPrice).StringFixed(4)).
		Dur("held", t.now().Sub(snapshot.EntryTimestamp)).
		Msg("position: closed")

	if cb != nil {
		cb("close", snapshot)
	}
	return snapshot, nil
}

// Get returns a copy of the position held in mint.
func (t *Tracker) Get(mint solana.Pubkey) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[mint]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// All returns copies of every open position, oldest first.
func (t *Tracker) All() []Position {
	t.mu.RLock()
	out := make([]Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].EntryTimestamp.Before(out[j].EntryTimestamp)
	})
	return out
}

// Len returns the number of open positions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// UpdatePrice records the latest observed price for reporting.
func (t *Tracker) UpdatePrice(mint solana.Pubkey, price decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[mint]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, mint)
	}
	pos.LastPrice = price
	if price.GreaterThan(pos.HighestPrice) {
		pos.HighestPrice = price
	}
	pos.UpdatedAt = t.now()
	return nil
}

// EvaluateExit checks the exit rules in order: take profit, stop loss,
// overbought, then sell pressure after the maximum hold time.
func (t *Tracker) EvaluateExit(mint solana.Pubkey, currentPrice decimal.Decimal, snap IndicatorSnapshot) (ExitDecision, error) {
	pos, ok := t.Get(mint)
	if !ok {
		return ExitDecision{}, fmt.Errorf("%w: %s", ErrNotFound, mint)
	}

	ratio := pos.ProfitRatio(currentPrice)
	held := t.now().Sub(pos.EntryTimestamp)
	d := ExitDecision{ProfitRatio: ratio, Held: held}

	hasEntry := pos.EntryPrice.IsPositive()
	switch {
	case hasEntry && t.config.ProfitTarget > 0 && ratio.GreaterThanOrEqual(decimal.NewFromFloat(t.config.ProfitTarget)):
		d.Reason = ReasonTakeProfit
	case hasEntry && t.config.StopLoss > 0 && ratio.LessThanOrEqual(decimal.NewFromFloat(-t.config.StopLoss)):
		d.Reason = ReasonStopLoss
	case t.config.RSIOverbought > 0 && snap.RSI > t.config.RSIOverbought:
		d.Reason = ReasonOverbought
	case held > t.config.MaxHold && snap.SellPressure > snap.BuyPressure:
		d.Reason = ReasonSellPressure
	}
	d.ShouldExit = d.Reason != ""

	if d.ShouldExit {
		log.Debug().
			Str("mint", mint.Short()).
			Str("reason", d.Reason).
			Str("ratio", ratio.StringFixed(4)).
			Float64("rsi", snap.RSI).
			Msg("position: exit signal")
	}
	return d, nil
}
