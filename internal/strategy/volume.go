package strategy

import (
	"context"
	"math/rand"

	"github.com/nexus-trading/nexus-swap/internal/execution"
)

// tieBreakProbability is the chance an even count ignores alternation.
const tieBreakProbability = 0.1

// Volume alternates buys and sells so that successful counts stay level.
// Every cycle trades: when no sell is due, it buys.
type Volume struct {
	rand func() float64
}

// NewVolume creates the volume strategy. A nil rnd uses math/rand.
func NewVolume(rnd func() float64) *Volume {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Volume{rand: rnd}
}

func (v *Volume) Kind() Kind                   { return KindVolume }
func (v *Volume) Start(context.Context) error { return nil }
func (v *Volume) Stop()                       {}

// EvaluateExit sells when sells lag buys. On a tie it alternates from the
// last side, except that one cycle in ten picks a side at random.
func (v *Volume) EvaluateExit(_ context.Context, st PairState) (Signal, error) {
	switch {
	case st.LastSide == "":
		return Signal{Reason: "first trade buys"}, nil
	case st.SuccessfulBuys > st.SuccessfulSells:
		return Signal{Act: true, Reason: "sells behind"}, nil
	case st.SuccessfulSells > st.SuccessfulBuys:
		return Signal{Reason: "buys behind"}, nil
	}

	if v.rand() < tieBreakProbability {
		return Signal{Act: v.rand() < 0.5, Reason: "random tie break"}, nil
	}
	return Signal{Act: st.LastSide == execution.SideBuy, Reason: "alternate"}, nil
}

// EvaluateEntry always buys; it is consulted only when no sell is due.
func (v *Volume) EvaluateEntry(context.Context, PairState) (Signal, error) {
	return Signal{Act: true, Reason: "volume"}, nil
}
