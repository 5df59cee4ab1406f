// Package scheduler drives each configured pair through repeated trade
// cycles: strategy signal, sizing, risk gate, pipeline, bookkeeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/adapters/jupiter"
	"github.com/nexus-trading/nexus-swap/internal/amount"
	"github.com/nexus-trading/nexus-swap/internal/execution"
	"github.com/nexus-trading/nexus-swap/internal/observability"
	"github.com/nexus-trading/nexus-swap/internal/position"
	"github.com/nexus-trading/nexus-swap/internal/risk"
	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/nexus-trading/nexus-swap/internal/storage"
	"github.com/nexus-trading/nexus-swap/internal/strategy"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInsufficientStartBalance = errors.New("scheduler: insufficient start balance")
	ErrAlreadyRunning           = errors.New("scheduler: already running")
	ErrNoPairs                  = errors.New("scheduler: no pairs configured")
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// PairConfig is one traded pair. Base is spent by buys (normally SOL),
// Quote is the traded token.
type PairConfig struct {
	Base          solana.Pubkey             `yaml:"base"`
	Quote         solana.Pubkey             `yaml:"quote"`
	VolumeAmount  decimal.Decimal           `yaml:"volume_amount"` // SOL; the pair stops once reached, zero = unlimited
	TradeInterval time.Duration             `yaml:"trade_interval"`
	MinTradeSize  decimal.Decimal           `yaml:"min_trade_size"` // SOL
	MaxTradeSize  decimal.Decimal           `yaml:"max_trade_size"` // SOL
	SlippageBps   int                       `yaml:"slippage_bps"`
	PriorityFee   jupiter.PriorityFeeConfig `yaml:"priority_fee"`
}

// ID identifies the pair in logs, metrics and positions.
func (p PairConfig) ID() string {
	return p.Base.Short() + "/" + p.Quote.Short()
}

// Config tunes cycle pacing and the circuit breakers.
type Config struct {
	MinTradeInterval     time.Duration   `yaml:"min_trade_interval"`
	FailureBackoff       time.Duration   `yaml:"failure_backoff"`     // first delay after a failed cycle, doubled per failure
	MaxFailureBackoff    time.Duration   `yaml:"max_failure_backoff"` // backoff cap
	MaxRetries           int             `yaml:"max_retries"`         // consecutive failures before a pair halts
	BalanceCheckInterval time.Duration   `yaml:"balance_check_interval"`
	MinimumBalance       decimal.Decimal `yaml:"minimum_balance"` // SOL; below it the emergency exit fires
	StartReserve         decimal.Decimal `yaml:"start_reserve"`   // SOL required at start on top of the smallest trade
	ShutdownTimeout      time.Duration   `yaml:"shutdown_timeout"`
	CloseOnStop          bool            `yaml:"close_on_stop"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinTradeInterval:     5 * time.Second,
		FailureBackoff:       1 * time.Second,
		MaxFailureBackoff:    30 * time.Second,
		MaxRetries:           3,
		BalanceCheckInterval: 30 * time.Second,
		MinimumBalance:       decimal.RequireFromString("0.01"),
		StartReserve:         decimal.RequireFromString("0.015"),
		ShutdownTimeout:      30 * time.Second,
		CloseOnStop:          true,
	}
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Wallet reports balances in base units.
type Wallet interface {
	Balance(ctx context.Context, mint solana.Pubkey) (solana.TokenBalance, error)
}

// Inventory is implemented by wallets that can list every token they hold.
// Start uses it to reconcile recorded holdings.
type Inventory interface {
	Inventory(ctx context.Context) (*solana.WalletBalance, error)
}

// Executor runs one swap to a terminal state.
type Executor interface {
	Execute(ctx context.Context, req execution.SwapRequest) execution.TradeResult
}

// RiskChecker vets a token before the first buy.
type RiskChecker interface {
	Check(ctx context.Context, mint solana.Pubkey) risk.Decision
}

// Deps are the scheduler's collaborators. Risk, Holdings and Metrics may be nil.
type Deps struct {
	Wallet   Wallet
	Executor Executor
	Risk     RiskChecker
	Amounts  *amount.Calculator
	Tracker  *position.Tracker
	Strategy strategy.Strategy
	Holdings storage.HoldingStore
	Metrics  *observability.Registry
}

// TradeCycleMetrics are the per-pair counters, reset only by a new scheduler.
type TradeCycleMetrics struct {
	PairID              string          `json:"pair_id"`
	TotalTrades         int64           `json:"total_trades"`
	SuccessCount        int64           `json:"success_count"`
	FailureCount        int64           `json:"failure_count"`
	TotalVolume         decimal.Decimal `json:"total_volume"` // SOL
	SuccessfulBuys      int64           `json:"successful_buys"`
	SuccessfulSells     int64           `json:"successful_sells"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Halted              bool            `json:"halted"`
	HaltReason          string          `json:"halt_reason,omitempty"`
}

// ---------------------------------------------------------------------------
// Pair runner
// ---------------------------------------------------------------------------

type pairRunner struct {
	cfg PairConfig
	id  string

	cycleMu sync.Mutex // serializes cycles and liquidation of this pair

	mu           sync.Mutex
	metrics      TradeCycleMetrics
	lastSide     execution.Side
	lastTradeAt  time.Time
	riskApproved bool
}

func (pr *pairRunner) snapshot() TradeCycleMetrics {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.metrics
}

func (pr *pairRunner) halted() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.metrics.Halted
}

func (pr *pairRunner) halt(reason string) {
	pr.mu.Lock()
	already := pr.metrics.Halted
	pr.metrics.Halted = true
	if !already {
		pr.metrics.HaltReason = reason
	}
	pr.mu.Unlock()
	if !already {
		log.Warn().Str("pair", pr.id).Str("reason", reason).Msg("scheduler: pair halted")
	}
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Scheduler owns the pairs' metrics and drives the position tracker.
type Scheduler struct {
	config Config
	deps   Deps
	pairs  []*pairRunner
	byID   map[string]*pairRunner

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	active  atomic.Int32

	buysHalted atomic.Bool
	emergency  atomic.Bool

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New validates the configuration and creates a stopped scheduler.
func New(config Config, pairs []PairConfig, deps Deps) (*Scheduler, error) {
	if len(pairs) == 0 {
		return nil, ErrNoPairs
	}
	if deps.Wallet == nil || deps.Executor == nil || deps.Amounts == nil || deps.Tracker == nil || deps.Strategy == nil {
		return nil, fmt.Errorf("scheduler: wallet, executor, amounts, tracker and strategy are required")
	}
	def := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.FailureBackoff <= 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.MaxFailureBackoff <= 0 {
		config.MaxFailureBackoff = def.MaxFailureBackoff
	}
	if config.BalanceCheckInterval <= 0 {
		config.BalanceCheckInterval = def.BalanceCheckInterval
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	s := &Scheduler{
		config: config,
		deps:   deps,
		byID:   make(map[string]*pairRunner, len(pairs)),
		sleep:  sleepCtx,
		now:    time.Now,
	}
	for _, p := range pairs {
		if p.Base == "" || p.Quote == "" || p.Base == p.Quote {
			return nil, fmt.Errorf("scheduler: pair %s: base and quote must be distinct mints", p.ID())
		}
		if p.MaxTradeSize.LessThan(p.MinTradeSize) || !p.MinTradeSize.IsPositive() {
			return nil, fmt.Errorf("scheduler: pair %s: invalid trade size range [%s, %s]", p.ID(), p.MinTradeSize, p.MaxTradeSize)
		}
		id := p.ID()
		if _, dup := s.byID[id]; dup {
			return nil, fmt.Errorf("scheduler: duplicate pair %s", id)
		}
		pr := &pairRunner{cfg: p, id: id, metrics: TradeCycleMetrics{PairID: id}}
		s.pairs = append(s.pairs, pr)
		s.byID[id] = pr
	}
	return s, nil
}

// Start checks the wallet, starts the strategy and launches one goroutine per
// pair plus the balance watcher. It returns once everything is running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	sol, err := s.deps.Wallet.Balance(ctx, solana.SOLMint)
	if err != nil {
		return fmt.Errorf("scheduler: start balance: %w", err)
	}
	have := sol.Amount.Shift(-solana.SOLDecimals)
	required := s.smallestTrade().Add(s.config.StartReserve)
	if have.LessThan(required) {
		return fmt.Errorf("%w: have %s SOL, need %s SOL", ErrInsufficientStartBalance, have, required)
	}
	s.setGauge(observability.MetricWalletBalanceSOL, nil, have.InexactFloat64())
	s.reconcileHoldings(ctx)

	if err := s.deps.Strategy.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: start strategy: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.cancel = cancel
	s.group = g
	s.running = true

	for _, pr := range s.pairs {
		if pr.halted() {
			continue
		}
		pr := pr
		s.active.Add(1)
		g.Go(func() error {
			defer s.pairDone(cancel)
			return s.runPair(gctx, pr)
		})
	}
	s.setGauge(observability.MetricActivePairs, nil, float64(s.active.Load()))
	if s.active.Load() == 0 {
		cancel()
	}
	g.Go(func() error {
		s.watchBalance(gctx)
		return nil
	})

	log.Info().
		Int("pairs", len(s.pairs)).
		Str("strategy", string(s.deps.Strategy.Kind())).
		Str("sol", have.String()).
		Msg("scheduler: started")
	return nil
}

// Wait blocks until every pair has stopped.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop cancels all cycles, closes open positions within ShutdownTimeout when
// CloseOnStop is set and returns the final metrics.
func (s *Scheduler) Stop() []TradeCycleMetrics {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if wasRunning {
		_ = s.Wait()
		if s.config.CloseOnStop {
			ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
			closed := s.liquidate(ctx, "shutdown")
			cancel()
			if closed > 0 {
				log.Info().Int("closed", closed).Msg("scheduler: positions closed on shutdown")
			}
		}
		s.deps.Strategy.Stop()
	}

	final := s.Metrics()
	for _, m := range final {
		log.Info().
			Str("pair", m.PairID).
			Int64("trades", m.TotalTrades).
			Int64("success", m.SuccessCount).
			Int64("failures", m.FailureCount).
			Int64("buys", m.SuccessfulBuys).
			Int64("sells", m.SuccessfulSells).
			Str("volume_sol", m.TotalVolume.String()).
			Bool("halted", m.Halted).
			Msg("scheduler: final metrics")
	}
	return final
}

// Metrics returns a snapshot of every pair's metrics, ordered by pair ID.
func (s *Scheduler) Metrics() []TradeCycleMetrics {
	out := make([]TradeCycleMetrics, 0, len(s.pairs))
	for _, pr := range s.pairs {
		out = append(out, pr.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairID < out[j].PairID })
	return out
}

// PairMetrics returns one pair's metrics.
func (s *Scheduler) PairMetrics(pairID string) (TradeCycleMetrics, bool) {
	pr, ok := s.byID[pairID]
	if !ok {
		return TradeCycleMetrics{}, false
	}
	return pr.snapshot(), true
}

// EmergencyActive reports whether the emergency exit has fired.
func (s *Scheduler) EmergencyActive() bool {
	return s.emergency.Load()
}

func (s *Scheduler) pairDone(cancel context.CancelFunc) {
	left := s.active.Add(-1)
	s.setGauge(observability.MetricActivePairs, nil, float64(left))
	if left == 0 {
		cancel()
	}
}

func (s *Scheduler) smallestTrade() decimal.Decimal {
	smallest := s.pairs[0].cfg.MinTradeSize
	for _, pr := range s.pairs[1:] {
		if pr.cfg.MinTradeSize.LessThan(smallest) {
			smallest = pr.cfg.MinTradeSize
		}
	}
	return smallest
}

// ---------------------------------------------------------------------------
// Pair loop
// ---------------------------------------------------------------------------

func (s *Scheduler) runPair(ctx context.Context, pr *pairRunner) error {
	interval := pr.cfg.TradeInterval
	if interval < s.config.MinTradeInterval {
		interval = s.config.MinTradeInterval
	}
	log.Info().Str("pair", pr.id).Dur("interval", interval).Msg("scheduler: pair started")

	for {
		s.runCycle(ctx, pr)
		if pr.halted() || ctx.Err() != nil {
			return nil
		}

		wait := interval
		if n := pr.snapshot().ConsecutiveFailures; n > 0 {
			wait = s.backoff(n)
		}
		if err := s.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// backoff returns FailureBackoff × 2^(n-1), capped at MaxFailureBackoff.
func (s *Scheduler) backoff(n int) time.Duration {
	d := float64(s.config.FailureBackoff) * math.Pow(2, float64(n-1))
	if d > float64(s.config.MaxFailureBackoff) {
		return s.config.MaxFailureBackoff
	}
	return time.Duration(d)
}

// runCycle executes at most one trade for pr.
func (s *Scheduler) runCycle(ctx context.Context, pr *pairRunner) {
	pr.cycleMu.Lock()
	defer pr.cycleMu.Unlock()

	if ctx.Err() != nil || pr.halted() {
		return
	}

	st := s.pairState(pr)
	sig, err := strategy.Decide(ctx, s.deps.Strategy, st)
	if err != nil {
		log.Warn().Err(err).Str("pair", pr.id).Msg("scheduler: strategy evaluation failed")
		return
	}
	if !sig.Act {
		log.Debug().Str("pair", pr.id).Str("reason", sig.Reason).Msg("scheduler: no trade this cycle")
		return
	}
	if sig.Side == execution.SideBuy && s.buysHalted.Load() {
		return
	}

	req, kind, err := s.prepare(ctx, pr, st, sig.Side)
	var res execution.TradeResult
	if err != nil {
		res = execution.TradeResult{PairID: pr.id, Side: req.Side, ErrorKind: kind, Error: err.Error()}
		log.Warn().Err(err).Str("pair", pr.id).Str("side", string(req.Side)).Str("kind", string(kind)).Msg("scheduler: trade not attempted")
	} else {
		log.Info().
			Str("pair", pr.id).
			Str("side", string(req.Side)).
			Str("amount", req.Amount.String()).
			Str("reason", sig.Reason).
			Msg("scheduler: executing trade")
		res = s.deps.Executor.Execute(ctx, req)
	}

	if res.ErrorKind == execution.KindCancelled {
		return
	}
	s.record(ctx, pr, req, res)
}

func (s *Scheduler) pairState(pr *pairRunner) strategy.PairState {
	pr.mu.Lock()
	st := strategy.PairState{
		PairID:          pr.id,
		Base:            pr.cfg.Base,
		Quote:           pr.cfg.Quote,
		SuccessfulBuys:  pr.metrics.SuccessfulBuys,
		SuccessfulSells: pr.metrics.SuccessfulSells,
		LastSide:        pr.lastSide,
		LastTradeAt:     pr.lastTradeAt,
	}
	pr.mu.Unlock()

	if pos, ok := s.deps.Tracker.Get(pr.cfg.Quote); ok {
		st.Position = &pos
	}
	return st
}

// prepare sizes the trade and runs the pre-trade checks. A non-empty kind
// means the trade must not be executed.
func (s *Scheduler) prepare(ctx context.Context, pr *pairRunner, st strategy.PairState, side execution.Side) (execution.SwapRequest, execution.ErrorKind, error) {
	req := execution.SwapRequest{
		PairID:      pr.id,
		Side:        side,
		SlippageBps: pr.cfg.SlippageBps,
		PriorityFee: pr.cfg.PriorityFee,
	}

	if side == execution.SideSell {
		bal, err := s.deps.Wallet.Balance(ctx, pr.cfg.Quote)
		if err != nil {
			return req, execution.KindConnection, fmt.Errorf("balance %s: %w", pr.cfg.Quote.Short(), err)
		}
		if bal.IsZero() && st.Position == nil {
			// Nothing to sell and nothing tracked: buy instead.
			req.Side = execution.SideBuy
		} else {
			if kind, err := s.checkHolding(ctx, pr, bal); err != nil {
				return req, kind, err
			}
			return s.prepareSell(ctx, pr, st, req)
		}
	}

	if s.buysHalted.Load() {
		return req, execution.KindCancelled, fmt.Errorf("buys halted")
	}
	size, err := s.deps.Amounts.BuySize(amount.SizeRange{Min: pr.cfg.MinTradeSize, Max: pr.cfg.MaxTradeSize}, solana.SOLDecimals)
	if err != nil {
		return req, execution.KindInvalidAmount, err
	}
	if size, err = s.clampBuy(ctx, pr, size); err != nil {
		if errors.Is(err, amount.ErrInsufficientBalance) {
			return req, execution.KindInsufficientBalance, err
		}
		return req, execution.KindConnection, err
	}
	if err := s.deps.Amounts.ValidateBalance(ctx, size.Raw, pr.cfg.Base, true); err != nil {
		return req, execution.KindInsufficientBalance, err
	}
	if kind, err := s.checkRisk(ctx, pr); err != nil {
		return req, kind, err
	}

	req.InputMint = pr.cfg.Base
	req.OutputMint = pr.cfg.Quote
	req.Amount = size.Raw
	return req, "", nil
}

// clampBuy caps a buy at what the wallet can spend above its fee reserve. A
// cap below the pair's minimum trade size fails the cycle.
func (s *Scheduler) clampBuy(ctx context.Context, pr *pairRunner, size amount.SwapAmount) (amount.SwapAmount, error) {
	limit, err := s.deps.Amounts.MaxBuyAmount(ctx)
	if err != nil {
		return size, err
	}
	if size.Raw.LessThanOrEqual(limit.Raw) {
		return size, nil
	}
	if limit.Raw.LessThan(amount.ToBaseUnits(pr.cfg.MinTradeSize, solana.SOLDecimals)) {
		return size, fmt.Errorf("%w: spendable %s SOL below min trade size %s", amount.ErrInsufficientBalance, limit.Display, pr.cfg.MinTradeSize)
	}
	log.Debug().Str("pair", pr.id).Str("size", size.Display).Str("limit", limit.Display).Msg("scheduler: buy clamped to spendable balance")
	return limit, nil
}

func (s *Scheduler) prepareSell(ctx context.Context, pr *pairRunner, st strategy.PairState, req execution.SwapRequest) (execution.SwapRequest, execution.ErrorKind, error) {
	originalBuy := decimal.Zero
	if st.Position != nil {
		originalBuy = st.Position.EntryAmount
	}
	size, err := s.deps.Amounts.SellSize(ctx, pr.cfg.Quote, originalBuy)
	if err != nil {
		if errors.Is(err, amount.ErrInsufficientBalance) {
			return req, execution.KindInsufficientBalance, err
		}
		return req, execution.KindConnection, err
	}
	req.InputMint = pr.cfg.Quote
	req.OutputMint = pr.cfg.Base
	req.Amount = size.Raw
	return req, "", nil
}

// checkHolding compares the wallet with the recorded holding. A zero balance
// drops the stale holding and position; a wallet holding less than recorded
// is a mismatch.
func (s *Scheduler) checkHolding(ctx context.Context, pr *pairRunner, bal solana.TokenBalance) (execution.ErrorKind, error) {
	mint := pr.cfg.Quote
	if bal.IsZero() {
		if s.deps.Holdings != nil {
			if err := s.deps.Holdings.RemoveHolding(ctx, string(mint)); err != nil {
				log.Warn().Err(err).Str("mint", mint.Short()).Msg("scheduler: unable to remove stale holding")
			}
		}
		if _, err := s.deps.Tracker.Close(mint); err == nil {
			s.setGauge(observability.MetricOpenPositions, nil, float64(s.deps.Tracker.Len()))
		}
		return execution.KindInsufficientBalance, fmt.Errorf("%w: no %s held", amount.ErrInsufficientBalance, mint.Short())
	}

	if s.deps.Holdings == nil {
		return "", nil
	}
	rec, err := s.deps.Holdings.GetHolding(ctx, string(mint))
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		log.Warn().Err(err).Str("mint", mint.Short()).Msg("scheduler: holding lookup failed")
		return "", nil
	}
	owned := bal.Amount.Shift(-bal.Decimals)
	if rec.Balance.GreaterThan(owned) {
		return execution.KindBalanceMismatch, fmt.Errorf("holding %s records %s, wallet holds %s", mint.Short(), rec.Balance, owned)
	}
	return "", nil
}

// reconcileHoldings drops recorded holdings the wallet no longer has and
// warns about ones it holds less of. Failures are logged only.
func (s *Scheduler) reconcileHoldings(ctx context.Context) {
	inv, ok := s.deps.Wallet.(Inventory)
	if !ok || s.deps.Holdings == nil {
		return
	}
	held, err := inv.Inventory(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("scheduler: wallet inventory unavailable, holdings not reconciled")
		return
	}
	recs, err := s.deps.Holdings.GetAllHoldings(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("scheduler: holdings unavailable, not reconciled")
		return
	}

	dropped := 0
	for _, rec := range recs {
		mint := solana.Pubkey(rec.Token)
		bal, ok := held.Tokens[mint]
		if !ok || bal.IsZero() {
			if err := s.deps.Holdings.RemoveHolding(ctx, rec.Token); err != nil {
				log.Warn().Err(err).Str("mint", mint.Short()).Msg("scheduler: unable to remove stale holding")
				continue
			}
			dropped++
			continue
		}
		if owned := bal.Amount.Shift(-bal.Decimals); rec.Balance.GreaterThan(owned) {
			log.Warn().
				Str("mint", mint.Short()).
				Str("recorded", rec.Balance.String()).
				Str("owned", owned.String()).
				Msg("scheduler: holding exceeds wallet balance")
		}
	}
	log.Info().
		Int("holdings", len(recs)).
		Int("dropped", dropped).
		Int("tokens", len(held.Tokens)).
		Str("sol", held.SOL().String()).
		Msg("scheduler: holdings reconciled")
}

// checkRisk runs the gate once per pair; an approval is remembered.
func (s *Scheduler) checkRisk(ctx context.Context, pr *pairRunner) (execution.ErrorKind, error) {
	if s.deps.Risk == nil {
		return "", nil
	}
	pr.mu.Lock()
	approved := pr.riskApproved
	pr.mu.Unlock()
	if approved {
		return "", nil
	}

	d := s.deps.Risk.Check(ctx, pr.cfg.Quote)
	if !d.Approved {
		s.incCounter(observability.MetricRiskChecksTotal, map[string]string{"decision": "blocked"})
		return execution.KindRiskBlocked, errors.New(d.Reason)
	}
	s.incCounter(observability.MetricRiskChecksTotal, map[string]string{"decision": "approved"})
	pr.mu.Lock()
	pr.riskApproved = true
	pr.mu.Unlock()
	return "", nil
}

// ---------------------------------------------------------------------------
// Bookkeeping
// ---------------------------------------------------------------------------

func (s *Scheduler) record(ctx context.Context, pr *pairRunner, req execution.SwapRequest, res execution.TradeResult) {
	volume := decimal.Zero
	if res.Success {
		// SOL leg of the swap.
		lamports := res.InAmount
		if req.Side == execution.SideSell {
			lamports = res.OutAmount
		}
		volume = lamports.Shift(-solana.SOLDecimals)
	}

	pr.mu.Lock()
	m := &pr.metrics
	m.TotalTrades++
	if res.Success {
		m.SuccessCount++
		m.ConsecutiveFailures = 0
		m.TotalVolume = m.TotalVolume.Add(volume)
		if req.Side == execution.SideBuy {
			m.SuccessfulBuys++
		} else {
			m.SuccessfulSells++
		}
		pr.lastSide = req.Side
		pr.lastTradeAt = s.now()
	} else {
		m.FailureCount++
		m.ConsecutiveFailures++
	}
	failures := m.ConsecutiveFailures
	total := m.TotalVolume
	pr.mu.Unlock()

	labels := map[string]string{"pair": pr.id, "side": string(req.Side)}
	if res.Success {
		s.incCounter(observability.MetricTradesTotal, labels)
		s.addCounter(observability.MetricVolumeTotal, map[string]string{"pair": pr.id}, volume.InexactFloat64())
		if res.Latency > 0 {
			s.observe(observability.MetricExecutionLatency, float64(res.Latency.Milliseconds()))
		}
		s.updatePosition(ctx, pr, req, res)
	} else {
		s.incCounter(observability.MetricTradeFailuresTotal, map[string]string{"pair": pr.id, "kind": string(res.ErrorKind)})
	}
	s.setGauge(observability.MetricConsecutiveFailures, map[string]string{"pair": pr.id}, float64(failures))

	switch {
	case res.Success && pr.cfg.VolumeAmount.IsPositive() && total.GreaterThanOrEqual(pr.cfg.VolumeAmount):
		log.Info().Str("pair", pr.id).Str("volume_sol", total.String()).Msg("scheduler: volume target reached")
		pr.halt("volume target reached")
	case !res.Success && res.ErrorKind == execution.KindRiskBlocked:
		pr.halt("risk blocked: " + res.Error)
	case !res.Success && res.ErrorKind.Fatal():
		pr.halt("fatal: " + string(res.ErrorKind))
	case !res.Success && failures >= s.config.MaxRetries:
		pr.halt(fmt.Sprintf("%d consecutive failures", failures))
	}
}

func (s *Scheduler) updatePosition(ctx context.Context, pr *pairRunner, req execution.SwapRequest, res execution.TradeResult) {
	defer s.setGauge(observability.MetricOpenPositions, nil, float64(s.deps.Tracker.Len()))

	if req.Side == execution.SideSell {
		if _, err := s.deps.Tracker.Close(req.InputMint); err != nil && !errors.Is(err, position.ErrNotFound) {
			log.Warn().Err(err).Str("pair", pr.id).Msg("scheduler: close position failed")
		}
		return
	}

	open := position.OpenRequest{
		PairID:     pr.id,
		Mint:       req.OutputMint,
		EntryPrice: s.entryPrice(ctx, req.OutputMint, res),
		Amount:     res.OutAmount,
	}
	if res.Signature != nil {
		open.BuySignature = *res.Signature
	}
	if _, err := s.deps.Tracker.Open(open); err != nil {
		if errors.Is(err, position.ErrPositionExists) {
			log.Debug().Str("pair", pr.id).Msg("scheduler: position already open, keeping first entry")
			return
		}
		log.Warn().Err(err).Str("pair", pr.id).Msg("scheduler: open position failed")
	}
}

// entryPrice is SOL paid per whole token, or zero when the token's decimals
// cannot be read.
func (s *Scheduler) entryPrice(ctx context.Context, mint solana.Pubkey, res execution.TradeResult) decimal.Decimal {
	if !res.OutAmount.IsPositive() || !res.InAmount.IsPositive() {
		return decimal.Zero
	}
	bal, err := s.deps.Wallet.Balance(ctx, mint)
	if err != nil {
		return decimal.Zero
	}
	tokens := res.OutAmount.Shift(-bal.Decimals)
	return res.InAmount.Shift(-solana.SOLDecimals).Div(tokens)
}

// ---------------------------------------------------------------------------
// Emergency exit and liquidation
// ---------------------------------------------------------------------------

func (s *Scheduler) watchBalance(ctx context.Context) {
	ticker := time.NewTicker(s.config.BalanceCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.checkBalance(ctx) {
				return
			}
		}
	}
}

// checkBalance fires the emergency exit when SOL falls below MinimumBalance.
// It reports whether the exit fired.
func (s *Scheduler) checkBalance(ctx context.Context) bool {
	sol, err := s.deps.Wallet.Balance(ctx, solana.SOLMint)
	if err != nil {
		log.Warn().Err(err).Msg("scheduler: balance check failed")
		return false
	}
	have := sol.Amount.Shift(-solana.SOLDecimals)
	s.setGauge(observability.MetricWalletBalanceSOL, nil, have.InexactFloat64())
	if !have.LessThan(s.config.MinimumBalance) {
		return false
	}
	if s.emergency.Swap(true) {
		return true
	}

	log.Error().
		Str("sol", have.String()).
		Str("minimum", s.config.MinimumBalance.String()).
		Msg("scheduler: EMERGENCY EXIT, balance below minimum")
	s.buysHalted.Store(true)
	closed := s.liquidate(ctx, "emergency exit")
	for _, pr := range s.pairs {
		pr.halt("emergency exit")
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	log.Warn().Int("closed", closed).Msg("scheduler: emergency exit complete")
	return true
}

// liquidate sells every open position and returns how many were closed.
func (s *Scheduler) liquidate(ctx context.Context, reason string) int {
	closed := 0
	for _, pos := range s.deps.Tracker.All() {
		if ctx.Err() != nil {
			log.Warn().Int("remaining", s.deps.Tracker.Len()).Msg("scheduler: liquidation deadline reached")
			break
		}
		pr, ok := s.byID[pos.PairID]
		if !ok {
			log.Warn().Str("pair", pos.PairID).Str("mint", pos.TokenMint.Short()).Msg("scheduler: position without a pair, skipped")
			continue
		}
		if s.sellPosition(ctx, pr, pos, reason) {
			closed++
		}
	}
	return closed
}

func (s *Scheduler) sellPosition(ctx context.Context, pr *pairRunner, pos position.Position, reason string) bool {
	pr.cycleMu.Lock()
	defer pr.cycleMu.Unlock()

	size, err := s.deps.Amounts.SellSize(ctx, pos.TokenMint, pos.EntryAmount)
	if err != nil {
		log.Warn().Err(err).Str("pair", pr.id).Str("reason", reason).Msg("scheduler: position not sellable")
		if errors.Is(err, amount.ErrInsufficientBalance) {
			_, _ = s.deps.Tracker.Close(pos.TokenMint)
		}
		return false
	}
	req := execution.SwapRequest{
		PairID:      pr.id,
		Side:        execution.SideSell,
		InputMint:   pos.TokenMint,
		OutputMint:  pr.cfg.Base,
		Amount:      size.Raw,
		SlippageBps: pr.cfg.SlippageBps,
		PriorityFee: pr.cfg.PriorityFee,
	}
	log.Info().Str("pair", pr.id).Str("reason", reason).Str("amount", size.Raw.String()).Msg("scheduler: closing position")
	res := s.deps.Executor.Execute(ctx, req)
	if res.ErrorKind == execution.KindCancelled {
		return false
	}
	s.record(ctx, pr, req, res)
	return res.Success
}

// ---------------------------------------------------------------------------
// Metrics helpers
// ---------------------------------------------------------------------------

func (s *Scheduler) incCounter(name string, labels map[string]string) {
	s.addCounter(name, labels, 1)
}

func (s *Scheduler) addCounter(name string, labels map[string]string, v float64) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.NewCounter(name, counterHelp[name], labels).Add(v)
}

func (s *Scheduler) setGauge(name string, labels map[string]string, v float64) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.NewGauge(name, gaugeHelp[name], labels).Set(v)
}

func (s *Scheduler) observe(name string, v float64) {
	if s.deps.Metrics == nil {
		return
	}
	if h := s.deps.Metrics.GetHistogram(name, nil); h != nil {
		h.Observe(v)
	}
}

var counterHelp = map[string]string{
	observability.MetricTradesTotal:        "Confirmed trades",
	observability.MetricTradeFailuresTotal: "Failed trades by error kind",
	observability.MetricVolumeTotal:        "Traded volume in SOL",
	observability.MetricRiskChecksTotal:    "Risk gate decisions",
}

var gaugeHelp = map[string]string{
	observability.MetricConsecutiveFailures: "Consecutive failed cycles",
	observability.MetricOpenPositions:       "Open positions",
	observability.MetricWalletBalanceSOL:    "Wallet SOL balance at the last balance check",
	observability.MetricActivePairs:         "Pairs currently scheduled",
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
