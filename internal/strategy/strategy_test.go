package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/execution"
	"github.com/nexus-trading/nexus-swap/internal/position"
	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seq returns the given values in order, then repeats the last one.
func seq(vals ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := vals[i]
		if i < len(vals)-1 {
			i++
		}
		return v
	}
}

// ---------------------------------------------------------------------------
// Volume
// ---------------------------------------------------------------------------

func TestVolume_Alternation(t *testing.T) {
	ctx := context.Background()
	v := NewVolume(seq(0.9)) // never breaks the pattern

	cases := []struct {
		name string
		st   PairState
		want execution.Side
	}{
		{"first trade buys", PairState{}, execution.SideBuy},
		{"sells behind", PairState{SuccessfulBuys: 3, SuccessfulSells: 1, LastSide: execution.SideBuy}, execution.SideSell},
		{"buys behind", PairState{SuccessfulBuys: 1, SuccessfulSells: 2, LastSide: execution.SideSell}, execution.SideBuy},
		{"tie after buy", PairState{SuccessfulBuys: 2, SuccessfulSells: 2, LastSide: execution.SideBuy}, execution.SideSell},
		{"tie after sell", PairState{SuccessfulBuys: 2, SuccessfulSells: 2, LastSide: execution.SideSell}, execution.SideBuy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sig, err := Decide(ctx, v, tc.st)
			require.NoError(t, err)
			assert.True(t, sig.Act)
			assert.Equal(t, tc.want, sig.Side)
		})
	}
}

func TestVolume_RandomTieBreak(t *testing.T) {
	ctx := context.Background()
	tie := PairState{SuccessfulBuys: 1, SuccessfulSells: 1, LastSide: execution.SideBuy}

	// 0.05 < 0.1 breaks the pattern; 0.7 then picks buy even though
	// alternation would sell.
	v := NewVolume(seq(0.05, 0.7))
	sig, err := Decide(ctx, v, tie)
	require.NoError(t, err)
	assert.Equal(t, execution.SideBuy, sig.Side)

	v = NewVolume(seq(0.05, 0.2))
	sig, err = Decide(ctx, v, tie)
	require.NoError(t, err)
	assert.Equal(t, execution.SideSell, sig.Side)
	assert.Equal(t, "random tie break", sig.Reason)
}

func TestVolume_StaysBalanced(t *testing.T) {
	ctx := context.Background()
	v := NewVolume(nil)
	st := PairState{}
	for i := 0; i < 200; i++ {
		sig, err := Decide(ctx, v, st)
		require.NoError(t, err)
		require.True(t, sig.Act)
		if sig.Side == execution.SideBuy {
			st.SuccessfulBuys++
		} else {
			st.SuccessfulSells++
		}
		st.LastSide = sig.Side
		diff := st.SuccessfulBuys - st.SuccessfulSells
		assert.LessOrEqual(t, diff, int64(1))
		assert.GreaterOrEqual(t, diff, int64(-1))
	}
}

// ---------------------------------------------------------------------------
// Pump
// ---------------------------------------------------------------------------

type stubIndicators struct {
	ind     Indicators
	err     error
	calls   int
	started bool
	stopped bool
}

func (s *stubIndicators) Indicators(context.Context, solana.Pubkey) (Indicators, error) {
	s.calls++
	return s.ind, s.err
}

func (s *stubIndicators) Start(context.Context) error {
	s.started = true
	return nil
}

func (s *stubIndicators) Stop() { s.stopped = true }

func bullish() Indicators {
	return Indicators{
		Snapshot: position.IndicatorSnapshot{
			RSI:           25,
			MACDHistogram: 0.01,
			StochK:        15,
			BuyPressure:   0.7,
			SellPressure:  0.3,
			DepthRatio:    1.5,
		},
		Price:       decimal.RequireFromString("0.001"),
		Samples:     40,
		VolumeSOL:   5,
		VolumeKnown: true,
	}
}

func TestPump_Entry(t *testing.T) {
	ctx := context.Background()
	tracker := position.NewTracker(position.DefaultExitConfig())

	mutate := []struct {
		name string
		fn   func(*Indicators)
		act  bool
	}{
		{"all conditions", func(*Indicators) {}, true},
		{"rsi not oversold", func(i *Indicators) { i.Snapshot.RSI = 35 }, false},
		{"macd falling", func(i *Indicators) { i.Snapshot.MACDHistogram = -0.01 }, false},
		{"stoch high", func(i *Indicators) { i.Snapshot.StochK = 25 }, false},
		{"sellers ahead", func(i *Indicators) { i.Snapshot.SellPressure = 0.8 }, false},
		{"volatile", func(i *Indicators) { i.Snapshot.HighVol = true }, false},
		{"thin depth", func(i *Indicators) { i.Snapshot.DepthRatio = 1.2 }, false},
		{"short history", func(i *Indicators) { i.Samples = 10 }, false},
		{"low volume", func(i *Indicators) { i.VolumeSOL = 0.5 }, false},
		{"price-only source", func(i *Indicators) { i.VolumeSOL, i.VolumeKnown = 0, false }, true},
	}
	for _, tc := range mutate {
		t.Run(tc.name, func(t *testing.T) {
			ind := bullish()
			tc.fn(&ind)
			p := NewPump(DefaultPumpConfig(), &stubIndicators{ind: ind}, tracker)

			sig, err := Decide(ctx, p, PairState{PairID: "SOL/tok", Quote: "tok"})
			require.NoError(t, err)
			assert.Equal(t, tc.act, sig.Act, sig.Reason)
			if tc.act {
				assert.Equal(t, execution.SideBuy, sig.Side)
			}
		})
	}
}

func TestPump_EntryCooldown(t *testing.T) {
	src := &stubIndicators{ind: bullish()}
	p := NewPump(DefaultPumpConfig(), src, position.NewTracker(position.DefaultExitConfig()))
	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }

	sig, err := p.EvaluateEntry(context.Background(), PairState{Quote: "tok", LastTradeAt: now.Add(-30 * time.Second)})
	require.NoError(t, err)
	assert.False(t, sig.Act)
	assert.Zero(t, src.calls)

	sig, err = p.EvaluateEntry(context.Background(), PairState{Quote: "tok", LastTradeAt: now.Add(-2 * time.Minute)})
	require.NoError(t, err)
	assert.True(t, sig.Act)
}

func TestPump_Exit(t *testing.T) {
	ctx := context.Background()
	tracker := position.NewTracker(position.DefaultExitConfig())
	pos, err := tracker.Open(position.OpenRequest{PairID: "SOL/tok", Mint: "tok", EntryPrice: decimal.RequireFromString("0.001"), Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	ind := bullish()
	ind.Price = decimal.RequireFromString("0.0012") // +20%
	src := &stubIndicators{ind: ind}
	p := NewPump(DefaultPumpConfig(), src, tracker)

	sig, err := Decide(ctx, p, PairState{PairID: "SOL/tok", Quote: "tok", Position: &pos})
	require.NoError(t, err)
	assert.True(t, sig.Act)
	assert.Equal(t, execution.SideSell, sig.Side)
	assert.Equal(t, position.ReasonTakeProfit, sig.Reason)

	got, _ := tracker.Get("tok")
	assert.Equal(t, "0.0012", got.LastPrice.String())
}

func TestPump_HoldsWithoutExitSignal(t *testing.T) {
	tracker := position.NewTracker(position.DefaultExitConfig())
	pos, err := tracker.Open(position.OpenRequest{Mint: "tok", EntryPrice: decimal.RequireFromString("0.001"), Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)

	ind := bullish()
	ind.Snapshot.RSI = 50
	p := NewPump(DefaultPumpConfig(), &stubIndicators{ind: ind}, tracker)

	sig, err := Decide(context.Background(), p, PairState{Quote: "tok", Position: &pos})
	require.NoError(t, err)
	assert.False(t, sig.Act, "an open position blocks new entries")
}

func TestPump_IndicatorError(t *testing.T) {
	p := NewPump(DefaultPumpConfig(), &stubIndicators{err: errors.New("no data")}, position.NewTracker(position.DefaultExitConfig()))
	_, err := Decide(context.Background(), p, PairState{Quote: "tok"})
	assert.Error(t, err)
}

func TestPump_StartsSource(t *testing.T) {
	src := &stubIndicators{}
	p := NewPump(DefaultPumpConfig(), src, position.NewTracker(position.DefaultExitConfig()))
	require.NoError(t, p.Start(context.Background()))
	p.Stop()
	assert.True(t, src.started)
	assert.True(t, src.stopped)
}

func TestNew(t *testing.T) {
	s, err := New(Config{}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, KindVolume, s.Kind())

	_, err = New(Config{Kind: KindPump}, Deps{})
	assert.Error(t, err)

	s, err = New(Config{Kind: KindPump, Pump: DefaultPumpConfig()}, Deps{
		Indicators: &stubIndicators{},
		Tracker:    position.NewTracker(position.DefaultExitConfig()),
	})
	require.NoError(t, err)
	assert.Equal(t, KindPump, s.Kind())

	_, err = New(Config{Kind: "grid"}, Deps{})
	assert.Error(t, err)
}
