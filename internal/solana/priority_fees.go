package solana

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Dynamic Priority Fees: percentiles from recent slots
// medium=p50, high=p75, veryHigh=p90, capped by the caller's max lamports
// ---------------------------------------------------------------------------

const (
	// MaxPriorityFeeLamports is the hard ceiling (0.05 SOL = 50,000,000 lamports).
	MaxPriorityFeeLamports = 50_000_000

	// DefaultPriorityFeeLamports is the fallback when no data is available.
	DefaultPriorityFeeLamports = 5_000

	// FeeRefreshInterval is how often we refresh priority fee estimates.
	FeeRefreshInterval = 15 * time.Second
)

// PriorityLevel is the bidding level for the swap priority fee.
type PriorityLevel string

const (
	PriorityMedium   PriorityLevel = "medium"
	PriorityHigh     PriorityLevel = "high"
	PriorityVeryHigh PriorityLevel = "veryHigh"
)

// Valid reports whether the level is one the swap API accepts.
func (l PriorityLevel) Valid() bool {
	switch l {
	case PriorityMedium, PriorityHigh, PriorityVeryHigh:
		return true
	}
	return false
}

// PriorityFeeEstimator dynamically estimates priority fees from recent slots.
type PriorityFeeEstimator struct {
	rpc RPCClient

	mu        sync.RWMutex
	feeP50    uint64
	feeP75    uint64
	feeP90    uint64
	lastFetch time.Time
	samples   int

	stopCh chan struct{}
}

// NewPriorityFeeEstimator creates a new estimator that polls recent fees.
func NewPriorityFeeEstimator(rpc RPCClient) *PriorityFeeEstimator {
	return &PriorityFeeEstimator{
		rpc:    rpc,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic fee estimation. Blocks until ctx is done or Stop is called.
func (e *PriorityFeeEstimator) Start(ctx context.Context) {
	e.Refresh(ctx)

	ticker := time.NewTicker(FeeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Refresh(ctx)
		}
	}
}

// Stop terminates the estimator.
func (e *PriorityFeeEstimator) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
}

// EstimateFee returns the recommended priority fee in lamports for the level,
// never above maxLamports (0 = MaxPriorityFeeLamports).
func (e *PriorityFeeEstimator) EstimateFee(level PriorityLevel, maxLamports uint64) uint64 {
	if maxLamports == 0 || maxLamports > MaxPriorityFeeLamports {
		maxLamports = MaxPriorityFeeLamports
	}

	e.mu.RLock()
	var fee uint64
	switch level {
	case PriorityVeryHigh:
		fee = e.feeP90
	case PriorityHigh:
		fee = e.feeP75
	default:
		fee = e.feeP50
	}
	e.mu.RUnlock()

	if fee == 0 {
		fee = DefaultPriorityFeeLamports
	}
	if fee > maxLamports {
		fee = maxLamports
	}
	return fee
}

// FeeStats returns current fee estimation stats.
type FeeStats struct {
	P50Lamports uint64    `json:"p50_lamports"`
	P75Lamports uint64    `json:"p75_lamports"`
	P90Lamports uint64    `json:"p90_lamports"`
	Samples     int       `json:"samples"`
	LastFetch   time.Time `json:"last_fetch"`
}

func (e *PriorityFeeEstimator) Stats() FeeStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return FeeStats{
		P50Lamports: e.feeP50,
		P75Lamports: e.feeP75,
		P90Lamports: e.feeP90,
		Samples:     e.samples,
		LastFetch:   e.lastFetch,
	}
}

// Refresh fetches recent fees and recomputes percentiles.
func (e *PriorityFeeEstimator) Refresh(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fees, err := e.rpc.GetRecentPrioritizationFees(fetchCtx, nil)
	if err != nil {
		log.Debug().Err(err).Msg("priority_fees: failed to fetch recent fees")
		return
	}

	values := make([]uint64, 0, len(fees))
	for _, f := range fees {
		if f > 0 {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return
	}

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	e.mu.Lock()
	e.feeP50 = percentile(values, 50)
	e.feeP75 = percentile(values, 75)
	e.feeP90 = percentile(values, 90)
	e.samples = len(values)
	e.lastFetch = time.Now()
	e.mu.Unlock()

	log.Debug().
		Uint64("p50", percentile(values, 50)).
		Uint64("p90", percentile(values, 90)).
		Int("samples", len(values)).
		Msg("priority_fees: updated estimates")
}

// percentile computes the p-th percentile of sorted values.
func percentile(sorted []uint64, p int) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
