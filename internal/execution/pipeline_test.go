package execution

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/adapters/helius"
	"github.com/nexus-trading/nexus-swap/internal/adapters/jupiter"
	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/nexus-trading/nexus-swap/internal/storage/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeQuotes struct {
	mu           sync.Mutex
	quoteErrs    []error
	serializeErr error
	outAmount    decimal.Decimal
	quoteCalls   int
	lastFee      jupiter.PriorityFeeConfig
}

func (f *fakeQuotes) Quote(_ context.Context, req jupiter.QuoteRequest) (*jupiter.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteCalls++
	if len(f.quoteErrs) > 0 {
		err := f.quoteErrs[0]
		f.quoteErrs = f.quoteErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := f.outAmount
	if out.IsZero() {
		out = decimal.NewFromInt(1000)
	}
	return &jupiter.Quote{
		InputMint:  req.InputMint,
		OutputMint: req.OutputMint,
		InAmount:   req.Amount,
		OutAmount:  out,
		Raw:        []byte(`{}`),
	}, nil
}

func (f *fakeQuotes) Serialize(_ context.Context, _ *jupiter.Quote, _ solana.Pubkey, fee jupiter.PriorityFeeConfig) (*jupiter.SwapTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFee = fee
	if f.serializeErr != nil {
		return nil, f.serializeErr
	}
	payload := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("tx-%d", f.quoteCalls)))
	return &jupiter.SwapTx{PayloadBase64: payload, LastValidBlockHeight: 1150}, nil
}

type fakeWallet struct {
	mu          sync.Mutex
	pub         solana.Pubkey
	signErr     error
	submitErrs  []error
	confirmErrs []error
	submitted   []string
	confirmed   []solana.ConfirmRequest
	submitDelay time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeWallet() *fakeWallet { return &fakeWallet{pub: "wallet"} }

func (w *fakeWallet) PublicKey() solana.Pubkey { return w.pub }

func (w *fakeWallet) Balance(_ context.Context, mint solana.Pubkey) (solana.TokenBalance, error) {
	return solana.TokenBalance{Mint: mint, Amount: decimal.NewFromInt(1_000_000_000), Decimals: 9}, nil
}

func (w *fakeWallet) Sign(payload string) (solana.SignedTx, error) {
	n := w.inFlight.Add(1)
	for {
		m := w.maxInFlight.Load()
		if n <= m || w.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if w.signErr != nil {
		w.inFlight.Add(-1)
		return solana.SignedTx{}, w.signErr
	}
	raw, _ := base64.StdEncoding.DecodeString(payload)
	return solana.SignedTx{Raw: raw, Signature: solana.Signature("sig-" + string(raw)), Blockhash: "hash"}, nil
}

func (w *fakeWallet) Submit(_ context.Context, raw []byte) (solana.Signature, error) {
	defer w.inFlight.Add(-1)
	if w.submitDelay > 0 {
		time.Sleep(w.submitDelay)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.submitted = append(w.submitted, string(raw))
	if len(w.submitErrs) > 0 {
		err := w.submitErrs[0]
		w.submitErrs = w.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return solana.Signature("sig-" + string(raw)), nil
}

func (w *fakeWallet) Confirm(_ context.Context, req solana.ConfirmRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.confirmed = append(w.confirmed, req)
	if len(w.confirmErrs) > 0 {
		err := w.confirmErrs[0]
		w.confirmErrs = w.confirmErrs[1:]
		return err
	}
	return nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 4 * time.Millisecond
	cfg.TokenNotTradableDelay = time.Millisecond
	return cfg
}

func buyRequest() SwapRequest {
	return SwapRequest{
		PairID:      "SOL/mintA",
		Side:        SideBuy,
		InputMint:   solana.SOLMint,
		OutputMint:  "mintA",
		Amount:      decimal.NewFromInt(10_000_000),
		SlippageBps: 50,
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestExecute_HappyPath(t *testing.T) {
	q := &fakeQuotes{}
	w := newFakeWallet()
	p := NewPipeline(testConfig(), q, w, nil)

	var transitions []TransitionRecord
	p.SetOnTransition(func(r TransitionRecord) { transitions = append(transitions, r) })

	res := p.Execute(context.Background(), buyRequest())
	require.True(t, res.Success, res.Error)
	require.NotNil(t, res.Signature)
	assert.Empty(t, res.ErrorKind)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, res.Submissions)
	assert.Equal(t, "1000", res.OutAmount.String())

	require.Len(t, w.confirmed, 1)
	assert.Equal(t, uint64(1150), w.confirmed[0].LastValidBlockHeight)
	assert.Equal(t, "hash", w.confirmed[0].Blockhash)

	var states []State
	for _, tr := range transitions {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StateSerialize, StateSign, StateSubmit, StateConfirm, StateDone}, states)
}

func TestExecute_TransientSubmitThenSuccess(t *testing.T) {
	q := &fakeQuotes{}
	w := newFakeWallet()
	w.submitErrs = []error{fmt.Errorf("send: %w", solana.ErrBlockhashNotFound)}
	p := NewPipeline(testConfig(), q, w, nil)

	res := p.Execute(context.Background(), buyRequest())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Submissions)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, q.quoteCalls, "a restart always fetches a fresh quote")
	assert.Equal(t, int64(1), p.Stats().Restarts)
}

func TestExecute_MaxRetriesExceeded(t *testing.T) {
	q := &fakeQuotes{}
	w := newFakeWallet()
	for i := 0; i < 10; i++ {
		w.submitErrs = append(w.submitErrs, &solana.RPCError{Method: "sendTransaction", Code: 429, Message: "rate limit"})
	}
	cfg := testConfig()
	p := NewPipeline(cfg, q, w, nil)
	rec := &sleepRecorder{}
	p.sleep = rec.sleep

	res := p.Execute(context.Background(), buyRequest())
	assert.False(t, res.Success)
	assert.Equal(t, KindMaxRetriesExceeded, res.ErrorKind)
	assert.Equal(t, cfg.MaxRetries+1, res.Attempts)
	assert.Equal(t, cfg.MaxRetries+1, res.Submissions)
	assert.Nil(t, res.Signature)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, rec.delays)
	assert.Equal(t, int64(1), p.Stats().ByKind[string(KindMaxRetriesExceeded)])
}

func TestExecute_BackoffCapped(t *testing.T) {
	q := &fakeQuotes{}
	for i := 0; i < 10; i++ {
		q.quoteErrs = append(q.quoteErrs, timeoutErr{})
	}
	cfg := testConfig()
	cfg.MaxRetries = 5
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = 10 * time.Second
	p := NewPipeline(cfg, q, newFakeWallet(), nil)
	rec := &sleepRecorder{}
	p.sleep = rec.sleep

	res := p.Execute(context.Background(), buyRequest())
	assert.Equal(t, KindMaxRetriesExceeded, res.ErrorKind)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}, rec.delays)
}

func TestExecute_ValidationNotRetried(t *testing.T) {
	q := &fakeQuotes{quoteErrs: []error{&jupiter.APIError{Op: "quote", StatusCode: http.StatusBadRequest, ErrorCode: "COULD_NOT_FIND_ANY_ROUTE"}}}
	w := newFakeWallet()
	p := NewPipeline(testConfig(), q, w, nil)

	res := p.Execute(context.Background(), buyRequest())
	assert.False(t, res.Success)
	assert.Equal(t, KindQuoteFailed, res.ErrorKind)
	assert.Equal(t, 1, res.Attempts)
	assert.Zero(t, res.Submissions)
}

func TestExecute_TokenNotTradableRetried(t *testing.T) {
	notTradable := &jupiter.APIError{Op: "quote", StatusCode: http.StatusBadRequest, ErrorCode: jupiter.ErrorCodeTokenNotTradable}
	q := &fakeQuotes{quoteErrs: []error{notTradable, notTradable, nil}}
	p := NewPipeline(testConfig(), q, newFakeWallet(), nil)

	res := p.Execute(context.Background(), buyRequest())
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, q.quoteCalls)
	assert.Equal(t, 1, res.Attempts, "token-not-tradable retries stay inside QUOTE")
}

func TestExecute_TokenNotTradableExhausted(t *testing.T) {
	notTradable := &jupiter.APIError{Op: "quote", StatusCode: http.StatusBadRequest, ErrorCode: jupiter.ErrorCodeTokenNotTradable}
	q := &fakeQuotes{}
	for i := 0; i < 20; i++ {
		q.quoteErrs = append(q.quoteErrs, notTradable)
	}
	cfg := testConfig()
	cfg.TokenNotTradableRetries = 5
	p := NewPipeline(cfg, q, newFakeWallet(), nil)

	res := p.Execute(context.Background(), buyRequest())
	assert.Equal(t, KindTokenNotTradable, res.ErrorKind)
	assert.Equal(t, 6, q.quoteCalls)
}

func TestExecute_ConfirmationRejectedRestartsFresh(t *testing.T) {
	q := &fakeQuotes{}
	w := newFakeWallet()
	w.confirmErrs = []error{fmt.Errorf("%w: custom program error", solana.ErrTransactionFailed)}
	p := NewPipeline(testConfig(), q, w, nil)

	res := p.Execute(context.Background(), buyRequest())
	require.True(t, res.Success, res.Error)
	require.Len(t, w.submitted, 2)
	assert.NotEqual(t, w.submitted[0], w.submitted[1], "the rejected transaction is never resubmitted")
	assert.Equal(t, 2, q.quoteCalls)
}

func TestExecute_ConfirmationRejectedTerminal(t *testing.T) {
	w := newFakeWallet()
	w.confirmErrs = []error{solana.ErrTransactionFailed}
	cfg := testConfig()
	cfg.RestartOnRejection = false
	p := NewPipeline(cfg, &fakeQuotes{}, w, nil)

	res := p.Execute(context.Background(), buyRequest())
	assert.Equal(t, KindConfirmationRejected, res.ErrorKind)
	assert.Equal(t, 1, res.Submissions)
}

func TestExecute_BlockHeightExceededRestarts(t *testing.T) {
	w := newFakeWallet()
	w.confirmErrs = []error{fmt.Errorf("%w: height 1200", solana.ErrBlockHeightExceeded)}
	p := NewPipeline(testConfig(), &fakeQuotes{}, w, nil)

	res := p.Execute(context.Background(), buyRequest())
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
}

func TestExecute_SignFailure(t *testing.T) {
	w := newFakeWallet()
	w.signErr = errors.New("bad payload")
	p := NewPipeline(testConfig(), &fakeQuotes{}, w, nil)

	res := p.Execute(context.Background(), buyRequest())
	assert.Equal(t, KindSignFailed, res.ErrorKind)
	assert.Zero(t, res.Submissions)

	w.signErr = fmt.Errorf("signer: %w", solana.ErrWalletUninitialized)
	res = p.Execute(context.Background(), buyRequest())
	assert.Equal(t, KindWalletUninitialized, res.ErrorKind)
}

func TestExecute_WalletUninitialized(t *testing.T) {
	w := newFakeWallet()
	w.pub = ""
	p := NewPipeline(testConfig(), &fakeQuotes{}, w, nil)
	res := p.Execute(context.Background(), buyRequest())
	assert.Equal(t, KindWalletUninitialized, res.ErrorKind)
	assert.True(t, res.ErrorKind.Fatal())
}

func TestExecute_InvalidAmount(t *testing.T) {
	p := NewPipeline(testConfig(), &fakeQuotes{}, newFakeWallet(), nil)

	req := buyRequest()
	req.Amount = decimal.Zero
	assert.Equal(t, KindInvalidAmount, p.Execute(context.Background(), req).ErrorKind)

	req.Amount = decimal.RequireFromString("10.5")
	assert.Equal(t, KindInvalidAmount, p.Execute(context.Background(), req).ErrorKind)
}

func TestExecute_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := &fakeQuotes{}
	p := NewPipeline(testConfig(), q, newFakeWallet(), nil)

	res := p.Execute(ctx, buyRequest())
	assert.Equal(t, KindCancelled, res.ErrorKind)
	assert.Zero(t, q.quoteCalls)
}

func TestExecute_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := &fakeQuotes{quoteErrs: []error{timeoutErr{}, timeoutErr{}}}
	p := NewPipeline(testConfig(), q, newFakeWallet(), nil)
	p.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	res := p.Execute(ctx, buyRequest())
	assert.Equal(t, KindCancelled, res.ErrorKind)
	assert.Equal(t, 1, q.quoteCalls)
}

func TestExecute_SigningSerialized(t *testing.T) {
	w := newFakeWallet()
	w.submitDelay = 5 * time.Millisecond
	slot := NewSignSlot()
	p1 := NewPipeline(testConfig(), &fakeQuotes{}, w, slot)
	p2 := NewPipeline(testConfig(), &fakeQuotes{}, w, slot)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		p := p1
		if i%2 == 1 {
			p = p2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := p.Execute(context.Background(), buyRequest())
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), w.maxInFlight.Load())
}

func TestNewSignSlot_SingleHolder(t *testing.T) {
	slot := NewSignSlot()
	require.True(t, slot.TryAcquire(1))
	assert.False(t, slot.TryAcquire(1), "a second signer waits for the first")
	slot.Release(1)
	assert.True(t, slot.TryAcquire(1))
}

type fixedFee uint64

func (f fixedFee) EstimateFee(solana.PriorityLevel, uint64) uint64 { return uint64(f) }

func TestExecute_FeeEstimator(t *testing.T) {
	q := &fakeQuotes{}
	p := NewPipeline(testConfig(), q, newFakeWallet(), nil)
	p.SetFeeEstimator(fixedFee(4242))

	req := buyRequest()
	req.PriorityFee = jupiter.PriorityFeeConfig{Level: solana.PriorityHigh, MaxLamports: 100_000}
	require.True(t, p.Execute(context.Background(), req).Success)
	assert.Equal(t, uint64(4242), q.lastFee.Lamports)
}

func TestExecute_PaperWalletSettles(t *testing.T) {
	pw := solana.NewPaperWallet("paper", 1_000_000_000, 0)
	p := NewPipeline(testConfig(), &fakeQuotes{outAmount: decimal.NewFromInt(777)}, pw, nil)

	res := p.Execute(context.Background(), buyRequest())
	require.True(t, res.Success, res.Error)

	sol, _ := pw.Balance(context.Background(), solana.SOLMint)
	tok, _ := pw.Balance(context.Background(), "mintA")
	assert.Equal(t, "990000000", sol.Amount.String())
	assert.Equal(t, "777", tok.Amount.String())
}

// ---------------------------------------------------------------------------
// Post-trade hooks
// ---------------------------------------------------------------------------

type stubDetails struct {
	details *helius.SwapDetails
	err     error
}

func (s stubDetails) SwapDetails(context.Context, solana.Signature) (*helius.SwapDetails, error) {
	return s.details, s.err
}

type stubPrice decimal.Decimal

func (s stubPrice) Price(context.Context, solana.Pubkey) (decimal.Decimal, error) {
	return decimal.Decimal(s), nil
}

func swapDetails() *helius.SwapDetails {
	return &helius.SwapDetails{
		Program:     "RAYDIUM",
		Inputs:      []helius.TokenTransfer{{Mint: solana.SOLMint, Amount: decimal.RequireFromString("0.01")}},
		Outputs:     []helius.TokenTransfer{{Mint: "mintA", Amount: decimal.NewFromInt(1000)}},
		FeeLamports: 5000,
		Slot:        99,
		Timestamp:   1700000000,
	}
}

func TestHoldingsRecorder_BuyAndSell(t *testing.T) {
	store := memory.New()
	hook := NewHoldingsRecorder(stubDetails{details: swapDetails()}, stubPrice(decimal.NewFromInt(200)), store, store)
	p := NewPipeline(testConfig(), &fakeQuotes{}, newFakeWallet(), nil)
	p.AddPostTradeHook(hook)

	require.True(t, p.Execute(context.Background(), buyRequest()).Success)
	p.WaitHooks()

	h, err := store.GetHolding(context.Background(), "mintA")
	require.NoError(t, err)
	assert.Equal(t, "1000", h.Balance.String())
	assert.Equal(t, "2", h.SolPaidUSDC.String())
	assert.Equal(t, "0.001", h.SolFeePaidUSDC.String())
	assert.Equal(t, "0.002", h.PerTokenPaidUSDC.String())
	assert.Equal(t, "N/A", h.TokenName)

	sell := buyRequest()
	sell.Side = SideSell
	sell.InputMint, sell.OutputMint = "mintA", solana.SOLMint
	sell.Amount = decimal.NewFromInt(950)
	require.True(t, p.Execute(context.Background(), sell).Success)
	p.WaitHooks()

	all, err := store.GetAllHoldings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestHookErrorDoesNotChangeResult(t *testing.T) {
	store := memory.New()
	hook := NewHoldingsRecorder(stubDetails{err: errors.New("not indexed")}, nil, store, nil)
	p := NewPipeline(testConfig(), &fakeQuotes{}, newFakeWallet(), nil)
	p.AddPostTradeHook(hook)

	res := p.Execute(context.Background(), buyRequest())
	p.WaitHooks()
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), p.Stats().HookErrors)
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	cases := []struct {
		stage State
		err   error
		want  ErrorKind
	}{
		{StateSubmit, context.DeadlineExceeded, KindTimeout},
		{StateSubmit, context.Canceled, KindCancelled},
		{StateSubmit, &solana.RPCError{Message: "Blockhash not found"}, KindBlockhashNotFound},
		{StateSubmit, fmt.Errorf("x: %w", solana.ErrRateLimited), KindRateLimited},
		{StateSubmit, fmt.Errorf("x: %w", solana.ErrCircuitOpen), KindConnection},
		{StateSubmit, &solana.RPCError{Message: "Transaction simulation failed"}, KindSubmissionFailed},
		{StateConfirm, solana.ErrBlockHeightExceeded, KindBlockHeightExceeded},
		{StateConfirm, solana.ErrTransactionFailed, KindConfirmationRejected},
		{StateQuote, &jupiter.APIError{StatusCode: 400, ErrorCode: jupiter.ErrorCodeTokenNotTradable}, KindTokenNotTradable},
		{StateQuote, &jupiter.APIError{StatusCode: 429}, KindRateLimited},
		{StateQuote, &jupiter.APIError{StatusCode: 503}, KindConnection},
		{StateQuote, &jupiter.APIError{StatusCode: 404}, KindQuoteFailed},
		{StateQuote, jupiter.ErrCircuitOpen, KindConnection},
		{StateSerialize, errors.New("boom"), KindSerializeFailed},
		{StateSign, errors.New("boom"), KindSignFailed},
		{StateQuote, timeoutErr{}, KindTimeout},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.stage, tc.err), "%s: %v", tc.stage, tc.err)
	}
	assert.Empty(t, Classify(StateQuote, nil))
}

func TestSwapTransitions(t *testing.T) {
	s := NewSwap("pair", SideBuy, nil)
	require.NoError(t, s.Transition(EventQuoted, ""))
	assert.Error(t, s.Transition(EventConfirmed, ""), "cannot skip stages")

	require.NoError(t, s.Transition(EventRestart, KindTimeout))
	assert.Equal(t, StateQuote, s.GetState())
	assert.Equal(t, 2, s.Attempt)

	require.NoError(t, s.Transition(EventFail, KindQuoteFailed))
	assert.True(t, s.IsTerminal())
	assert.Error(t, s.Transition(EventRestart, KindTimeout), "terminal states have no edges")
	assert.Len(t, s.History, 3)
}
