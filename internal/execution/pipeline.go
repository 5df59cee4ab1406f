package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/adapters/jupiter"
	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

// ---------------------------------------------------------------------------
// Transaction Pipeline
// QUOTE → SERIALIZE → SIGN → SUBMIT → CONFIRM, restarting from QUOTE on
// transient failures with exponential backoff.
// ---------------------------------------------------------------------------

// QuoteProvider prices and serializes swaps.
type QuoteProvider interface {
	Quote(ctx context.Context, req jupiter.QuoteRequest) (*jupiter.Quote, error)
	Serialize(ctx context.Context, quote *jupiter.Quote, user solana.Pubkey, fee jupiter.PriorityFeeConfig) (*jupiter.SwapTx, error)
}

// WalletGateway holds the signing key and talks to the chain.
type WalletGateway interface {
	PublicKey() solana.Pubkey
	Balance(ctx context.Context, mint solana.Pubkey) (solana.TokenBalance, error)
	Sign(payloadBase64 string) (solana.SignedTx, error)
	Submit(ctx context.Context, raw []byte) (solana.Signature, error)
	Confirm(ctx context.Context, req solana.ConfirmRequest) error
}

// Settler is implemented by simulated wallets that move balances after a
// confirmed swap.
type Settler interface {
	Settle(in solana.Pubkey, inAmount decimal.Decimal, out solana.Pubkey, outAmount decimal.Decimal) error
}

// FeeEstimator pins a priority fee from local observations.
type FeeEstimator interface {
	EstimateFee(level solana.PriorityLevel, maxLamports uint64) uint64
}

// PostTradeHook runs after a confirmed swap. Errors are logged and counted;
// they never change the TradeResult.
type PostTradeHook interface {
	AfterTrade(ctx context.Context, req SwapRequest, res TradeResult) error
}

// Side is the direction of a swap relative to the pair's base token.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SwapRequest is one intended swap of Amount base units of InputMint.
type SwapRequest struct {
	PairID      string                    `json:"pair_id"`
	Side        Side                      `json:"side"`
	InputMint   solana.Pubkey             `json:"input_mint"`
	OutputMint  solana.Pubkey             `json:"output_mint"`
	Amount      decimal.Decimal           `json:"amount"`
	SlippageBps int                       `json:"slippage_bps"`
	PriorityFee jupiter.PriorityFeeConfig `json:"priority_fee"`
}

// TradeResult is the outcome of Execute. Expected failures are reported here,
// never as a Go error.
type TradeResult struct {
	SwapID      string            `json:"swap_id"`
	PairID      string            `json:"pair_id"`
	Side        Side              `json:"side"`
	Success     bool              `json:"success"`
	Signature   *solana.Signature `json:"signature,omitempty"`
	ErrorKind   ErrorKind         `json:"error_kind,omitempty"`
	Error       string            `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	Submissions int               `json:"submissions"`
	InAmount    decimal.Decimal   `json:"in_amount"`
	OutAmount   decimal.Decimal   `json:"out_amount"`
	Latency     time.Duration     `json:"latency"`
}

// Config tunes retries and timeouts.
type Config struct {
	MaxRetries              int           `yaml:"max_retries"`                // restarts after the first attempt
	InitialBackoff          time.Duration `yaml:"initial_backoff"`            // doubled per restart
	MaxBackoff              time.Duration `yaml:"max_backoff"`                // backoff cap
	TokenNotTradableRetries int           `yaml:"token_not_tradable_retries"` // extra quotes while the router lists the token
	TokenNotTradableDelay   time.Duration `yaml:"token_not_tradable_delay"`
	QuoteTimeout            time.Duration `yaml:"quote_timeout"` // quote and serialize, each
	SubmitTimeout           time.Duration `yaml:"submit_timeout"`
	ConfirmTimeout          time.Duration `yaml:"confirm_timeout"`
	HookTimeout             time.Duration `yaml:"hook_timeout"`
	RestartOnRejection      bool          `yaml:"restart_on_rejection"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:              3,
		InitialBackoff:          1 * time.Second,
		MaxBackoff:              10 * time.Second,
		TokenNotTradableRetries: 5,
		TokenNotTradableDelay:   2 * time.Second,
		QuoteTimeout:            10 * time.Second,
		SubmitTimeout:           15 * time.Second,
		ConfirmTimeout:          90 * time.Second,
		HookTimeout:             2 * time.Minute,
		RestartOnRejection:      true,
	}
}

// Pipeline executes swaps. Thread-safe: pairs call Execute concurrently;
// SIGN+SUBMIT are serialized through the shared signing slot.
type Pipeline struct {
	config   Config
	quotes   QuoteProvider
	wallet   WalletGateway
	signSlot *semaphore.Weighted

	mu           sync.RWMutex
	fees         FeeEstimator
	hooks        []PostTradeHook
	onTransition func(TransitionRecord)
	onResult     func(SwapRequest, TradeResult)
	byKind       map[ErrorKind]int64

	hookWG sync.WaitGroup
	sleep  func(ctx context.Context, d time.Duration) error

	executions  atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	submissions atomic.Int64
	restarts    atomic.Int64
	hookErrors  atomic.Int64
}

// NewSignSlot returns the single slot that serializes SIGN+SUBMIT for every
// pipeline sharing it.
func NewSignSlot() *semaphore.Weighted {
	return semaphore.NewWeighted(1)
}

// NewPipeline creates a pipeline. signSlot comes from NewSignSlot and is
// shared by every pipeline that signs with the same wallet; nil allocates a
// private one.
func NewPipeline(config Config, quotes QuoteProvider, wallet WalletGateway, signSlot *semaphore.Weighted) *Pipeline {
	def := DefaultConfig()
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.QuoteTimeout <= 0 {
		config.QuoteTimeout = def.QuoteTimeout
	}
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = def.SubmitTimeout
	}
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = def.ConfirmTimeout
	}
	if config.HookTimeout <= 0 {
		config.HookTimeout = def.HookTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if signSlot == nil {
		signSlot = NewSignSlot()
	}
	return &Pipeline{
		config:   config,
		quotes:   quotes,
		wallet:   wallet,
		signSlot: signSlot,
		byKind:   make(map[ErrorKind]int64),
		sleep:    sleepCtx,
	}
}

// SetFeeEstimator pins priority fees from a local estimator.
func (p *Pipeline) SetFeeEstimator(fe FeeEstimator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fees = fe
}

// AddPostTradeHook registers a hook run after each confirmed swap.
func (p *Pipeline) AddPostTradeHook(h PostTradeHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, h)
}

// SetOnTransition registers a callback for every state transition.
func (p *Pipeline) SetOnTransition(fn func(TransitionRecord)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransition = fn
}

// SetOnResult registers a callback for every finished execution.
func (p *Pipeline) SetOnResult(fn func(SwapRequest, TradeResult)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResult = fn
}

// ---------------------------------------------------------------------------
// Execute: main entry point
// ---------------------------------------------------------------------------

// Execute runs req through the pipeline until it is confirmed, fails with a
// non-transient kind, exhausts MaxRetries restarts, or ctx is cancelled.
func (p *Pipeline) Execute(ctx context.Context, req SwapRequest) TradeResult {
	start := time.Now()
	p.executions.Add(1)

	p.mu.RLock()
	onTransition := p.onTransition
	p.mu.RUnlock()

	swap := NewSwap(req.PairID, req.Side, onTransition)
	res := TradeResult{SwapID: swap.ID, PairID: req.PairID, Side: req.Side, InAmount: req.Amount}

	if p.wallet == nil || p.wallet.PublicKey() == "" {
		return p.finish(req, swap, res, KindWalletUninitialized, solana.ErrWalletUninitialized, start)
	}
	if p.quotes == nil {
		return p.finish(req, swap, res, KindInvalidConfig, fmt.Errorf("pipeline: no quote provider"), start)
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Truncate(0)) {
		return p.finish(req, swap, res, KindInvalidAmount, fmt.Errorf("pipeline: amount %s is not a positive integer of base units", req.Amount), start)
	}
	if req.InputMint == "" || req.OutputMint == "" || req.InputMint == req.OutputMint {
		return p.finish(req, swap, res, KindInvalidConfig, fmt.Errorf("pipeline: invalid mint pair %s -> %s", req.InputMint, req.OutputMint), start)
	}

	backoff := p.config.InitialBackoff
	for {
		if ctx.Err() != nil {
			return p.finish(req, swap, res, KindCancelled, ctx.Err(), start)
		}

		res.Attempts++
		kind, err := p.runAttempt(ctx, swap, req, &res)
		if kind == "" {
			res.Success = true
			return p.finish(req, swap, res, "", nil, start)
		}
		if kind == KindCancelled || ctx.Err() != nil {
			return p.finish(req, swap, res, KindCancelled, err, start)
		}

		restartable := kind.Transient() || (kind == KindConfirmationRejected && p.config.RestartOnRejection)
		if !restartable {
			return p.finish(req, swap, res, kind, err, start)
		}
		if res.Attempts > p.config.MaxRetries {
			log.Warn().
				Str("swap_id", swap.ID).
				Str("pair", req.PairID).
				Str("last_kind", string(kind)).
				Int("attempts", res.Attempts).
				Msg("pipeline: retries exhausted")
			return p.finish(req, swap, res, KindMaxRetriesExceeded, err, start)
		}

		log.Warn().Err(err).
			Str("swap_id", swap.ID).
			Str("pair", req.PairID).
			Str("kind", string(kind)).
			Int("attempt", res.Attempts).
			Dur("backoff", backoff).
			Msg("pipeline: restarting from QUOTE")

		_ = swap.Transition(EventRestart, kind)
		p.restarts.Add(1)

		if err := p.sleep(ctx, backoff); err != nil {
			return p.finish(req, swap, res, KindCancelled, err, start)
		}
		backoff *= 2
		if backoff > p.config.MaxBackoff {
			backoff = p.config.MaxBackoff
		}
	}
}

// runAttempt performs one pass from QUOTE to CONFIRM. It returns an empty
// kind on success. The swap is left in the failing stage so the caller can
// either restart or fail it.
func (p *Pipeline) runAttempt(ctx context.Context, swap *Swap, req SwapRequest, res *TradeResult) (ErrorKind, error) {
	// QUOTE
	quote, err := p.quote(ctx, req)
	if err != nil {
		return Classify(StateQuote, err), err
	}
	if err := swap.Transition(EventQuoted, ""); err != nil {
		return KindInvalidConfig, err
	}

	// SERIALIZE
	fee := req.PriorityFee
	p.mu.RLock()
	fees := p.fees
	p.mu.RUnlock()
	if fees != nil && fee.Lamports == 0 {
		fee.Lamports = fees.EstimateFee(fee.Level, fee.MaxLamports)
	}
	sctx, cancel := context.WithTimeout(ctx, p.config.QuoteTimeout)
	tx, err := p.quotes.Serialize(sctx, quote, p.wallet.PublicKey(), fee)
	cancel()
	if err != nil {
		return Classify(StateSerialize, err), err
	}
	if err := swap.Transition(EventSerialized, ""); err != nil {
		return KindInvalidConfig, err
	}

	// SIGN + SUBMIT hold the shared signing slot.
	signed, sig, kind, err := p.signAndSubmit(ctx, swap, tx, res)
	if kind != "" {
		return kind, err
	}

	// CONFIRM
	cctx, cancel := context.WithTimeout(ctx, p.config.ConfirmTimeout)
	err = p.wallet.Confirm(cctx, solana.ConfirmRequest{
		Signature:            sig,
		Blockhash:            signed.Blockhash,
		LastValidBlockHeight: tx.LastValidBlockHeight,
	})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return KindCancelled, ctx.Err()
		}
		return Classify(StateConfirm, err), err
	}
	if err := swap.Transition(EventConfirmed, ""); err != nil {
		return KindInvalidConfig, err
	}

	res.Signature = &sig
	res.InAmount = quote.InAmount
	res.OutAmount = quote.OutAmount

	if s, ok := p.wallet.(Settler); ok {
		if err := s.Settle(quote.InputMint, quote.InAmount, quote.OutputMint, quote.OutAmount); err != nil {
			log.Warn().Err(err).Str("swap_id", swap.ID).Msg("pipeline: settle failed")
		}
	}
	return "", nil
}

// quote fetches a fresh quote, retrying TOKEN_NOT_TRADABLE with a fixed delay.
func (p *Pipeline) quote(ctx context.Context, req SwapRequest) (*jupiter.Quote, error) {
	qreq := jupiter.QuoteRequest{
		InputMint:   req.InputMint,
		OutputMint:  req.OutputMint,
		Amount:      req.Amount,
		SlippageBps: req.SlippageBps,
	}
	for try := 0; ; try++ {
		qctx, cancel := context.WithTimeout(ctx, p.config.QuoteTimeout)
		quote, err := p.quotes.Quote(qctx, qreq)
		cancel()
		if err == nil {
			return quote, nil
		}
		if !jupiter.IsTokenNotTradable(err) || try >= p.config.TokenNotTradableRetries {
			return nil, err
		}
		log.Debug().
			Str("pair", req.PairID).
			Str("mint", req.OutputMint.Short()).
			Int("try", try+1).
			Msg("pipeline: token not tradable yet")
		if err := p.sleep(ctx, p.config.TokenNotTradableDelay); err != nil {
			return nil, err
		}
	}
}

func (p *Pipeline) signAndSubmit(ctx context.Context, swap *Swap, tx *jupiter.SwapTx, res *TradeResult) (solana.SignedTx, solana.Signature, ErrorKind, error) {
	if err := p.signSlot.Acquire(ctx, 1); err != nil {
		return solana.SignedTx{}, "", KindCancelled, err
	}
	defer p.signSlot.Release(1)

	signed, err := p.wallet.Sign(tx.PayloadBase64)
	if err != nil {
		return solana.SignedTx{}, "", Classify(StateSign, err), err
	}
	if err := swap.Transition(EventSigned, ""); err != nil {
		return solana.SignedTx{}, "", KindInvalidConfig, err
	}

	res.Submissions++
	p.submissions.Add(1)
	subCtx, cancel := context.WithTimeout(ctx, p.config.SubmitTimeout)
	sig, err := p.wallet.Submit(subCtx, signed.Raw)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return signed, "", KindCancelled, ctx.Err()
		}
		return signed, "", Classify(StateSubmit, err), err
	}
	if err := swap.Transition(EventSubmitted, ""); err != nil {
		return signed, "", KindInvalidConfig, err
	}
	return signed, sig, "", nil
}

// finish records the terminal outcome, logs it and fires hooks.
func (p *Pipeline) finish(req SwapRequest, swap *Swap, res TradeResult, kind ErrorKind, err error, start time.Time) TradeResult {
	res.Latency = time.Since(start)
	res.ErrorKind = kind
	if err != nil {
		res.Error = err.Error()
	}

	p.mu.Lock()
	hooks := append([]PostTradeHook(nil), p.hooks...)
	onResult := p.onResult
	if !res.Success {
		p.byKind[kind]++
	}
	p.mu.Unlock()

	if res.Success {
		p.successes.Add(1)
		log.Info().
			Str("swap_id", res.SwapID).
			Str("pair", req.PairID).
			Str("side", string(req.Side)).
			Str("sig", res.Signature.Short()).
			Str("in_amount", res.InAmount.String()).
			Str("out_amount", res.OutAmount.String()).
			Int("attempts", res.Attempts).
			Int("submissions", res.Submissions).
			Dur("latency", res.Latency).
			Msg("pipeline: swap confirmed")

		for _, h := range hooks {
			p.runHook(h, req, res)
		}
	} else {
		if !swap.IsTerminal() {
			_ = swap.Transition(EventFail, kind)
		}
		p.failures.Add(1)
		log.Warn().
			Str("swap_id", res.SwapID).
			Str("pair", req.PairID).
			Str("side", string(req.Side)).
			Str("kind", string(kind)).
			Str("error", res.Error).
			Int("attempts", res.Attempts).
			Int("submissions", res.Submissions).
			Msg("pipeline: swap failed")
	}

	if onResult != nil {
		onResult(req, res)
	}
	return res
}

func (p *Pipeline) runHook(h PostTradeHook, req SwapRequest, res TradeResult) {
	p.hookWG.Add(1)
	go func() {
		defer p.hookWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.config.HookTimeout)
		defer cancel()
		if err := h.AfterTrade(ctx, req, res); err != nil {
			p.hookErrors.Add(1)
			log.Warn().Err(err).Str("swap_id", res.SwapID).Msg("pipeline: post-trade hook failed")
		}
	}()
}

// WaitHooks blocks until every running post-trade hook has returned.
func (p *Pipeline) WaitHooks() {
	p.hookWG.Wait()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// PipelineStats returns pipeline counters.
type PipelineStats struct {
	Executions  int64            `json:"executions"`
	Successes   int64            `json:"successes"`
	Failures    int64            `json:"failures"`
	Submissions int64            `json:"submissions"`
	Restarts    int64            `json:"restarts"`
	HookErrors  int64            `json:"hook_errors"`
	ByKind      map[string]int64 `json:"by_kind"`
}

func (p *Pipeline) Stats() PipelineStats {
	p.mu.RLock()
	byKind := make(map[string]int64, len(p.byKind))
	for k, v := range p.byKind {
		byKind[string(k)] = v
	}
	p.mu.RUnlock()
	return PipelineStats{
		Executions:  p.executions.Load(),
		Successes:   p.successes.Load(),
		Failures:    p.failures.Load(),
		Submissions: p.submissions.Load(),
		Restarts:    p.restarts.Load(),
		HookErrors:  p.hookErrors.Load(),
		ByKind:      byKind,
	}
}
