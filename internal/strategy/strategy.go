// Package strategy decides, cycle by cycle, whether a pair buys, sells or
// waits. Two variants exist: volume (alternating buys and sells) and pump
// (indicator-driven momentum entries and exits).
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/execution"
	"github.com/nexus-trading/nexus-swap/internal/position"
	"github.com/nexus-trading/nexus-swap/internal/solana"
)

// Kind selects the strategy variant.
type Kind string

const (
	KindVolume Kind = "volume"
	KindPump   Kind = "pump"
)

// PairState is the scheduler's view of one pair at the top of a cycle.
type PairState struct {
	PairID          string
	Base            solana.Pubkey // spent by buys
	Quote           solana.Pubkey // the traded token
	SuccessfulBuys  int64
	SuccessfulSells int64
	LastSide        execution.Side // empty before the first confirmed trade
	LastTradeAt     time.Time
	Position        *position.Position // open position in Quote, if any
}

// Signal is a strategy's answer for one cycle.
type Signal struct {
	Act    bool
	Side   execution.Side
	Reason string
}

// Strategy is implemented by every variant.
type Strategy interface {
	Kind() Kind
	Start(ctx context.Context) error
	Stop()
	// EvaluateEntry reports whether the pair should buy.
	EvaluateEntry(ctx context.Context, st PairState) (Signal, error)
	// EvaluateExit reports whether the pair should sell.
	EvaluateExit(ctx context.Context, st PairState) (Signal, error)
}

// Config selects and tunes the strategy.
type Config struct {
	Kind Kind       `yaml:"kind"`
	Pump PumpConfig `yaml:"pump"`
}

// Deps are the collaborators a variant may need.
type Deps struct {
	Rand       func() float64
	Indicators IndicatorSource
	Tracker    *position.Tracker
}

// New builds the configured variant.
func New(cfg Config, deps Deps) (Strategy, error) {
	switch cfg.Kind {
	case KindVolume, "":
		return NewVolume(deps.Rand), nil
	case KindPump:
		if deps.Indicators == nil {
			return nil, fmt.Errorf("strategy: pump requires an indicator source")
		}
		if deps.Tracker == nil {
			return nil, fmt.Errorf("strategy: pump requires a position tracker")
		}
		return NewPump(cfg.Pump, deps.Indicators, deps.Tracker), nil
	}
	return nil, fmt.Errorf("strategy: unknown kind %q", cfg.Kind)
}

// Decide consults exit rules first, then entry rules. A Signal with Act
// false means the cycle should be skipped.
func Decide(ctx context.Context, s Strategy, st PairState) (Signal, error) {
	exit, err := s.EvaluateExit(ctx, st)
	if err != nil {
		return Signal{}, fmt.Errorf("strategy: exit: %w", err)
	}
	if exit.Act {
		exit.Side = execution.SideSell
		return exit, nil
	}
	entry, err := s.EvaluateEntry(ctx, st)
	if err != nil {
		return Signal{}, fmt.Errorf("strategy: entry: %w", err)
	}
	if entry.Act {
		entry.Side = execution.SideBuy
	}
	return entry, nil
}
