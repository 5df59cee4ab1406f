package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/position"
	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Pump: momentum entries and exits
// ---------------------------------------------------------------------------

// Indicators is one reading of a token's indicator outputs.
type Indicators struct {
	Snapshot    position.IndicatorSnapshot
	Price       decimal.Decimal // base per token
	Samples     int             // price points behind the reading
	VolumeSOL   float64
	VolumeKnown bool // false for price-only sources, which skip the volume floor
}

// IndicatorSource computes indicator readings. Formulas live outside this
// package; only their outputs are consumed.
type IndicatorSource interface {
	Indicators(ctx context.Context, mint solana.Pubkey) (Indicators, error)
}

// PumpConfig holds entry thresholds. Exit thresholds belong to the
// position tracker.
type PumpConfig struct {
	RSIOversold      float64       `yaml:"rsi_oversold"`
	MinMACDHistogram float64       `yaml:"min_macd_histogram"`
	StochOversold    float64       `yaml:"stoch_oversold"`
	MinDepthRatio    float64       `yaml:"min_depth_ratio"`
	MinSamples       int           `yaml:"min_samples"`
	MinVolumeSOL     float64       `yaml:"min_volume_sol"`
	EntryCooldown    time.Duration `yaml:"entry_cooldown"`
}

// DefaultPumpConfig returns the momentum entry thresholds.
func DefaultPumpConfig() PumpConfig {
	return PumpConfig{
		RSIOversold:      30,
		MinMACDHistogram: 0,
		StochOversold:    20,
		MinDepthRatio:    1.2,
		MinSamples:       30,
		MinVolumeSOL:     1,
		EntryCooldown:    time.Minute,
	}
}

// Pump enters oversold tokens with rising momentum and exits through the
// position tracker's rules.
type Pump struct {
	config  PumpConfig
	source  IndicatorSource
	tracker *position.Tracker
	now     func() time.Time
}

// NewPump creates the pump strategy.
func NewPump(config PumpConfig, source IndicatorSource, tracker *position.Tracker) *Pump {
	return &Pump{config: config, source: source, tracker: tracker, now: time.Now}
}

func (p *Pump) Kind() Kind { return KindPump }

// Start starts the indicator source when it runs in the background.
func (p *Pump) Start(ctx context.Context) error {
	if s, ok := p.source.(interface{ Start(context.Context) error }); ok {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("strategy: start indicators: %w", err)
		}
	}
	log.Info().
		Float64("rsi_oversold", p.config.RSIOversold).
		Float64("min_depth_ratio", p.config.MinDepthRatio).
		Msg("strategy: pump started")
	return nil
}

// Stop stops a background indicator source.
func (p *Pump) Stop() {
	if s, ok := p.source.(interface{ Stop() }); ok {
		s.Stop()
	}
}

// EvaluateEntry buys when every entry condition holds: RSI oversold, MACD
// histogram rising, stochastic oversold, buyers ahead of sellers, calm
// volatility and a deep bid side.
func (p *Pump) EvaluateEntry(ctx context.Context, st PairState) (Signal, error) {
	if st.Position != nil {
		return Signal{Reason: "position open"}, nil
	}
	if !st.LastTradeAt.IsZero() && p.now().Sub(st.LastTradeAt) < p.config.EntryCooldown {
		return Signal{Reason: "cooldown"}, nil
	}

	ind, err := p.source.Indicators(ctx, st.Quote)
	if err != nil {
		return Signal{}, fmt.Errorf("indicators %s: %w", st.Quote.Short(), err)
	}
	if ind.Samples < p.config.MinSamples {
		return Signal{Reason: "insufficient history"}, nil
	}
	if ind.VolumeKnown && ind.VolumeSOL < p.config.MinVolumeSOL {
		return Signal{Reason: "insufficient volume"}, nil
	}

	s := ind.Snapshot
	ok := s.RSI < p.config.RSIOversold &&
		s.MACDHistogram > p.config.MinMACDHistogram &&
		s.StochK < p.config.StochOversold &&
		s.BuyPressure > s.SellPressure &&
		!s.HighVol &&
		s.DepthRatio > p.config.MinDepthRatio
	if !ok {
		return Signal{Reason: "entry conditions not met"}, nil
	}

	log.Info().
		Str("pair", st.PairID).
		Float64("rsi", s.RSI).
		Float64("macd_hist", s.MACDHistogram).
		Float64("stoch_k", s.StochK).
		Float64("depth_ratio", s.DepthRatio).
		Msg("strategy: pump entry signal")
	return Signal{Act: true, Reason: "momentum entry"}, nil
}

// EvaluateExit sells an open position when the tracker's exit rules fire.
func (p *Pump) EvaluateExit(ctx context.Context, st PairState) (Signal, error) {
	if st.Position == nil {
		return Signal{}, nil
	}

	ind, err := p.source.Indicators(ctx, st.Quote)
	if err != nil {
		return Signal{}, fmt.Errorf("indicators %s: %w", st.Quote.Short(), err)
	}
	if err := p.tracker.UpdatePrice(st.Quote, ind.Price); err != nil && !errors.Is(err, position.ErrNotFound) {
		return Signal{}, err
	}

	d, err := p.tracker.EvaluateExit(st.Quote, ind.Price, ind.Snapshot)
	if errors.Is(err, position.ErrNotFound) {
		return Signal{}, nil
	}
	if err != nil {
		return Signal{}, err
	}
	return Signal{Act: d.ShouldExit, Reason: d.Reason}, nil
}
