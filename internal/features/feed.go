package features

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PriceSource returns USD prices.
type PriceSource interface {
	Price(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, error)
}

// PriceFeed polls USD prices, converts them to SOL per token and feeds the
// engine. It is the pump strategy's indicator source: Start and Stop are
// driven by the strategy.
type PriceFeed struct {
	*Engine

	prices PriceSource
	mints  []solana.Pubkey

	cancel context.CancelFunc
	wg     sync.WaitGroup

	polls  atomic.Int64
	errors atomic.Int64
}

// NewPriceFeed creates a feed for mints.
func NewPriceFeed(engine *Engine, prices PriceSource, mints []solana.Pubkey) *PriceFeed {
	return &PriceFeed{Engine: engine, prices: prices, mints: mints}
}

// Start takes a first sample and begins polling every PollInterval.
func (f *PriceFeed) Start(ctx context.Context) error {
	if len(f.mints) == 0 {
		return fmt.Errorf("features: no mints to poll")
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.Poll(ctx)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.Poll(ctx)
			}
		}
	}()

	log.Info().
		Int("mints", len(f.mints)).
		Dur("interval", f.config.PollInterval).
		Msg("features: price feed started")
	return nil
}

// Stop ends polling and waits for the loop to exit.
func (f *PriceFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

// Poll samples every mint once. Failures skip the mint for this round.
func (f *PriceFeed) Poll(ctx context.Context) {
	f.polls.Add(1)
	solUSD, err := f.prices.Price(ctx, solana.SOLMint)
	if err != nil || !solUSD.IsPositive() {
		f.errors.Add(1)
		log.Warn().Err(err).Msg("features: SOL price unavailable")
		return
	}

	now := time.Now()
	for _, mint := range f.mints {
		usd, err := f.prices.Price(ctx, mint)
		if err != nil {
			f.errors.Add(1)
			log.Debug().Err(err).Str("mint", mint.Short()).Msg("features: price unavailable")
			continue
		}
		price := usd.Div(solUSD).InexactFloat64()
		f.Observe(mint, Sample{Price: price, At: now})
	}
}

// Stats returns poll counters.
func (f *PriceFeed) Stats() (polls, errors int64) {
	return f.polls.Load(), f.errors.Load()
}
