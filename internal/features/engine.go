// Package features turns a token's price samples into the indicator
// readings the pump strategy consumes.
package features

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/position"
	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/nexus-trading/nexus-swap/internal/strategy"
	"github.com/shopspring/decimal"
)

// ErrNoData is returned for a token with no samples yet.
var ErrNoData = errors.New("features: no samples")

// Sample is one price observation of a token, in SOL per token.
type Sample struct {
	Price  float64   `json:"price"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Volume float64   `json:"volume"` // SOL traded since the previous sample, 0 when unknown
	At     time.Time `json:"ts"`
}

// Config sets indicator periods and windows.
type Config struct {
	HistorySize      int           `yaml:"history_size"`
	RSIPeriod        int           `yaml:"rsi_period"`
	MACDFast         int           `yaml:"macd_fast"`
	MACDSlow         int           `yaml:"macd_slow"`
	MACDSignal       int           `yaml:"macd_signal"`
	StochPeriod      int           `yaml:"stoch_period"`
	VolatilityWindow int           `yaml:"volatility_window"`
	HighVolatility   float64       `yaml:"high_volatility"` // stddev of log returns per sample
	FlowWindow       time.Duration `yaml:"flow_window"`     // pressure and volume lookback
	DepthWindow      int           `yaml:"depth_window"`
	PollInterval     time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns the classic indicator periods.
func DefaultConfig() Config {
	return Config{
		HistorySize:      200,
		RSIPeriod:        14,
		MACDFast:         12,
		MACDSlow:         26,
		MACDSignal:       9,
		StochPeriod:      14,
		VolatilityWindow: 20,
		HighVolatility:   0.05,
		FlowWindow:       5 * time.Minute,
		DepthWindow:      50,
		PollInterval:     5 * time.Second,
	}
}

// series is a ring buffer of samples for one token.
type series struct {
	buf   []Sample
	head  int
	count int
}

func (s *series) add(x Sample) {
	s.buf[s.head] = x
	s.head = (s.head + 1) % len(s.buf)
	if s.count < len(s.buf) {
		s.count++
	}
}

// ordered returns the samples oldest first.
func (s *series) ordered() []Sample {
	out := make([]Sample, s.count)
	start := (s.head - s.count + len(s.buf)) % len(s.buf)
	for i := 0; i < s.count; i++ {
		out[i] = s.buf[(start+i)%len(s.buf)]
	}
	return out
}

// Engine keeps a bounded sample history per token and computes indicator
// readings on demand. Safe for concurrent use.
type Engine struct {
	config Config

	mu     sync.RWMutex
	series map[solana.Pubkey]*series
}

// NewEngine creates an engine. Zero config fields take their defaults.
func NewEngine(config Config) *Engine {
	def := DefaultConfig()
	if config.HistorySize <= 0 {
		config.HistorySize = def.HistorySize
	}
	if config.RSIPeriod <= 0 {
		config.RSIPeriod = def.RSIPeriod
	}
	if config.MACDFast <= 0 || config.MACDSlow <= config.MACDFast {
		config.MACDFast, config.MACDSlow = def.MACDFast, def.MACDSlow
	}
	if config.MACDSignal <= 0 {
		config.MACDSignal = def.MACDSignal
	}
	if config.StochPeriod <= 0 {
		config.StochPeriod = def.StochPeriod
	}
	if config.VolatilityWindow < 2 {
		config.VolatilityWindow = def.VolatilityWindow
	}
	if config.HighVolatility <= 0 {
		config.HighVolatility = def.HighVolatility
	}
	if config.FlowWindow <= 0 {
		config.FlowWindow = def.FlowWindow
	}
	if config.DepthWindow <= 0 {
		config.DepthWindow = def.DepthWindow
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	return &Engine{config: config, series: make(map[solana.Pubkey]*series)}
}

// Observe appends a sample. Non-positive prices are ignored; a missing
// High/Low defaults to Price.
func (e *Engine) Observe(mint solana.Pubkey, s Sample) {
	if s.Price <= 0 {
		return
	}
	if s.High < s.Price {
		s.High = s.Price
	}
	if s.Low <= 0 || s.Low > s.Price {
		s.Low = s.Price
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ser, ok := e.series[mint]
	if !ok {
		ser = &series{buf: make([]Sample, e.config.HistorySize)}
		e.series[mint] = ser
	}
	ser.add(s)
}

// History returns a token's samples, oldest first.
func (e *Engine) History(mint solana.Pubkey) []Sample {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ser, ok := e.series[mint]
	if !ok {
		return nil
	}
	return ser.ordered()
}

// Len returns the number of samples held for a token.
func (e *Engine) Len(mint solana.Pubkey) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ser, ok := e.series[mint]; ok {
		return ser.count
	}
	return 0
}

// ResetSymbol clears a token's history.
func (e *Engine) ResetSymbol(mint solana.Pubkey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.series, mint)
}

// Indicators implements strategy.IndicatorSource.
func (e *Engine) Indicators(_ context.Context, mint solana.Pubkey) (strategy.Indicators, error) {
	samples := e.History(mint)
	if len(samples) == 0 {
		return strategy.Indicators{}, ErrNoData
	}
	last := samples[len(samples)-1]
	flow := flowPressure(samples, last.At.Add(-e.config.FlowWindow))

	return strategy.Indicators{
		Snapshot: position.IndicatorSnapshot{
			RSI:           rsi(samples, e.config.RSIPeriod),
			MACDHistogram: macdHistogram(samples, e.config.MACDFast, e.config.MACDSlow, e.config.MACDSignal),
			StochK:        stochasticK(samples, e.config.StochPeriod),
			BuyPressure:   flow.buy,
			SellPressure:  flow.sell,
			HighVol:       realizedVolatility(tail(samples, e.config.VolatilityWindow)) > e.config.HighVolatility,
			DepthRatio:    depthRatio(tail(samples, e.config.DepthWindow)),
		},
		Price:       decimal.NewFromFloat(last.Price),
		Samples:     len(samples),
		VolumeSOL:   flow.volume,
		VolumeKnown: flow.known,
	}, nil
}

// Snapshot returns every indicator value by name, for logs and debugging.
func (e *Engine) Snapshot(mint solana.Pubkey) map[string]float64 {
	ind, err := e.Indicators(context.Background(), mint)
	if err != nil {
		return nil
	}
	s := ind.Snapshot
	highVol := 0.0
	if s.HighVol {
		highVol = 1
	}
	return map[string]float64{
		"rsi":            s.RSI,
		"macd_histogram": s.MACDHistogram,
		"stoch_k":        s.StochK,
		"buy_pressure":   s.BuyPressure,
		"sell_pressure":  s.SellPressure,
		"high_vol":       highVol,
		"depth_ratio":    s.DepthRatio,
		"volume_sol":     ind.VolumeSOL,
	}
}

func tail(samples []Sample, n int) []Sample {
	if len(samples) <= n {
		return samples
	}
	return samples[len(samples)-n:]
}
