package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Live RPC Client: real Solana JSON-RPC with rate limiting & retry
// ---------------------------------------------------------------------------

// LiveRPCClient connects to a real Solana RPC endpoint.
type LiveRPCClient struct {
	config     RPCConfig
	httpClient *http.Client

	// Rate limiter (token bucket).
	limiter       chan struct{}
	limiterCtx    context.Context
	limiterCancel context.CancelFunc

	// Unique request ID generator.
	nextID atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	// Stats.
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	latencySum    atomic.Int64 // cumulative microseconds
	lastRequestAt atomic.Int64
}

const (
	circuitBreakerThreshold = 10 // open after 10 consecutive errors
	circuitBreakerCooldown  = 30 * time.Second
)

// NewLiveRPCClient creates a live Solana RPC client.
func NewLiveRPCClient(config RPCConfig) *LiveRPCClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}
	if config.Commitment == "" {
		config.Commitment = "confirmed"
	}

	// Token bucket rate limiter.
	bucketSize := int(config.RateLimitRPS)
	if bucketSize < 1 {
		bucketSize = 1
	}
	limiter := make(chan struct{}, bucketSize)
	for i := 0; i < bucketSize; i++ {
		limiter <- struct{}{}
	}

	limiterCtx, limiterCancel := context.WithCancel(context.Background())

	client := &LiveRPCClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter:       limiter,
		limiterCtx:    limiterCtx,
		limiterCancel: limiterCancel,
	}

	// Refill tokens at configured RPS.
	go func() {
		interval := time.Duration(float64(time.Second) / config.RateLimitRPS)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-limiterCtx.Done():
				return
			case <-ticker.C:
				select {
				case client.limiter <- struct{}{}:
				default: // bucket full
				}
			}
		}
	}()

	return client
}

// Close shuts down the RPC client.
func (c *LiveRPCClient) Close() {
	c.limiterCancel()
}

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call makes a rate-limited, retried JSON-RPC call.
func (c *LiveRPCClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("rpc: %s: %w", method, ErrCircuitOpen)
	}

	// Acquire rate limit token.
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("rpc: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("rpc: %s http error: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("rpc: %s read response: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		c.requestCount.Add(1)
		c.latencySum.Add(time.Since(start).Microseconds())
		c.lastRequestAt.Store(time.Now().UnixMilli())

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rpc: %s (429): %w", method, ErrRateLimited)
			c.errorCount.Add(1)
			// Longer backoff on 429 - don't count as circuit-breaker error.
			select {
			case <-time.After(time.Duration(1<<uint(attempt)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("rpc: %s HTTP %d: %s", method, resp.StatusCode, string(respBody))
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("rpc: %s unmarshal response: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		c.resetErrors()
		if rpcResp.Error != nil {
			return nil, &RPCError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
		}
		return rpcResp.Result, nil
	}

	return nil, fmt.Errorf("rpc: %s failed after %d attempts: %w", method, c.config.MaxRetries+1, lastErr)
}

// recordError increments consecutive errors and opens circuit breaker if needed.
func (c *LiveRPCClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitBreakerThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("rpc: CIRCUIT BREAKER OPEN - too many consecutive errors")
			go func() {
				select {
				case <-time.After(circuitBreakerCooldown):
				case <-c.limiterCtx.Done():
				}
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("rpc: circuit breaker reset")
			}()
		}
	}
}

func (c *LiveRPCClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// ---------------------------------------------------------------------------
// RPCClient interface implementation
// ---------------------------------------------------------------------------

// GetBalance returns the lamport balance of an account.
func (c *LiveRPCClient) GetBalance(ctx context.Context, account Pubkey) (uint64, error) {
	result, err := c.call(ctx, "getBalance", []any{
		string(account),
		map[string]any{"commitment": c.config.Commitment},
	})
	if err != nil {
		return 0, err
	}

	var resp struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return 0, fmt.Errorf("rpc: parse balance: %w", err)
	}
	return resp.Value, nil
}

// parsedTokenAccounts is the jsonParsed getTokenAccountsByOwner result.
type parsedTokenAccounts struct {
	Value []struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						Mint        string `json:"mint"`
						TokenAmount struct {
							Amount   string `json:"amount"`
							Decimals int32  `json:"decimals"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

func (c *LiveRPCClient) tokenAccounts(ctx context.Context, owner Pubkey, filter map[string]any) (map[Pubkey]TokenBalance, error) {
	result, err := c.call(ctx, "getTokenAccountsByOwner", []any{
		string(owner),
		filter,
		map[string]any{"encoding": "jsonParsed", "commitment": c.config.Commitment},
	})
	if err != nil {
		return nil, err
	}

	var resp parsedTokenAccounts
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse token accounts: %w", err)
	}

	out := make(map[Pubkey]TokenBalance)
	for _, ta := range resp.Value {
		info := ta.Account.Data.Parsed.Info
		amount, err := decimal.NewFromString(info.TokenAmount.Amount)
		if err != nil {
			continue
		}
		mint := Pubkey(info.Mint)
		bal := out[mint]
		bal.Mint = mint
		bal.Decimals = info.TokenAmount.Decimals
		bal.Amount = bal.Amount.Add(amount)
		out[mint] = bal
	}
	return out, nil
}

// GetTokenBalance sums every token account the owner holds for mint.
func (c *LiveRPCClient) GetTokenBalance(ctx context.Context, owner, mint Pubkey) (TokenBalance, error) {
	accounts, err := c.tokenAccounts(ctx, owner, map[string]any{"mint": string(mint)})
	if err != nil {
		return TokenBalance{}, err
	}
	if bal, ok := accounts[mint]; ok {
		return bal, nil
	}
	return TokenBalance{Mint: mint, Amount: decimal.Zero}, nil
}

// GetWalletBalance fetches SOL balance + SPL token accounts of both token programs.
func (c *LiveRPCClient) GetWalletBalance(ctx context.Context, owner Pubkey) (*WalletBalance, error) {
	lamports, err := c.GetBalance(ctx, owner)
	if err != nil {
		return nil, err
	}

	tokens := make(map[Pubkey]TokenBalance)
	for _, program := range []string{tokenProgramID, token2022ProgramID} {
		accounts, err := c.tokenAccounts(ctx, owner, map[string]any{"programId": program})
		if err != nil {
			// Non-fatal: return what we have.
			log.Debug().Err(err).Str("program", program[:8]).Msg("rpc: token accounts unavailable")
			continue
		}
		for mint, bal := range accounts {
			if bal.Amount.IsPositive() {
				tokens[mint] = bal
			}
		}
	}

	return &WalletBalance{
		Lamports: decimal.NewFromUint64(lamports),
		Tokens:   tokens,
	}, nil
}

// GetLatestBlockhash returns a fresh blockhash.
func (c *LiveRPCClient) GetLatestBlockhash(ctx context.Context) (Blockhash, error) {
	result, err := c.call(ctx, "getLatestBlockhash", []any{
		map[string]any{"commitment": c.config.Commitment},
	})
	if err != nil {
		return Blockhash{}, err
	}

	var resp struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return Blockhash{}, fmt.Errorf("rpc: parse blockhash: %w", err)
	}
	return Blockhash{
		Blockhash:            resp.Value.Blockhash,
		LastValidBlockHeight: resp.Value.LastValidBlockHeight,
	}, nil
}

// GetBlockHeight returns the current block height.
func (c *LiveRPCClient) GetBlockHeight(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "getBlockHeight", []any{
		map[string]any{"commitment": c.config.Commitment},
	})
	if err != nil {
		return 0, err
	}
	var height uint64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, fmt.Errorf("rpc: parse block height: %w", err)
	}
	return height, nil
}

// SendTransaction submits a signed transaction.
func (c *LiveRPCClient) SendTransaction(ctx context.Context, txBase64 string) (Signature, error) {
	result, err := c.call(ctx, "sendTransaction", []any{
		txBase64,
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       c.config.SkipPreflight,
			"preflightCommitment": c.config.Commitment,
			"maxRetries":          2,
		},
	})
	if err != nil {
		return "", err
	}

	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", fmt.Errorf("rpc: parse signature: %w", err)
	}

	return Signature(sig), nil
}

// GetSignatureStatus checks transaction confirmation status.
func (c *LiveRPCClient) GetSignatureStatus(ctx context.Context, sig Signature) (*SignatureStatus, error) {
	result, err := c.call(ctx, "getSignatureStatuses", []any{
		[]string{string(sig)},
		map[string]any{"searchTransactionHistory": false},
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []*struct {
			Slot               uint64          `json:"slot"`
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse status: %w", err)
	}

	if len(resp.Value) == 0 || resp.Value[0] == nil {
		return nil, nil
	}

	v := resp.Value[0]
	status := &SignatureStatus{
		Slot:               v.Slot,
		ConfirmationStatus: v.ConfirmationStatus,
	}
	if len(v.Err) > 0 && string(v.Err) != "null" {
		status.Err = string(v.Err)
	}
	return status, nil
}

// GetRecentPrioritizationFees returns the per-slot prioritization fees.
func (c *LiveRPCClient) GetRecentPrioritizationFees(ctx context.Context, accounts []Pubkey) ([]uint64, error) {
	var params []any
	if len(accounts) > 0 {
		keys := make([]string, len(accounts))
		for i, a := range accounts {
			keys[i] = string(a)
		}
		params = []any{keys}
	}

	result, err := c.call(ctx, "getRecentPrioritizationFees", params)
	if err != nil {
		return nil, err
	}

	var fees []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := json.Unmarshal(result, &fees); err != nil {
		return nil, fmt.Errorf("rpc: parse fees: %w", err)
	}

	out := make([]uint64, len(fees))
	for i, f := range fees {
		out[i] = f.PrioritizationFee
	}
	return out, nil
}

// Health checks the RPC endpoint health.
func (c *LiveRPCClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(healthCtx, "getHealth", nil)
	return err
}

// RPCStats returns RPC client statistics.
type RPCStats struct {
	RequestCount  int64 `json:"request_count"`
	ErrorCount    int64 `json:"error_count"`
	AvgLatencyUs  int64 `json:"avg_latency_us"`
	LastRequestAt int64 `json:"last_request_at"`
	CircuitOpen   bool  `json:"circuit_open"`
	ConsecErrors  int64 `json:"consecutive_errors"`
}

func (c *LiveRPCClient) Stats() RPCStats {
	reqCount := c.requestCount.Load()
	avgLatency := int64(0)
	if reqCount > 0 {
		avgLatency = c.latencySum.Load() / reqCount
	}
	return RPCStats{
		RequestCount:  reqCount,
		ErrorCount:    c.errorCount.Load(),
		AvgLatencyUs:  avgLatency,
		LastRequestAt: c.lastRequestAt.Load(),
		CircuitOpen:   c.circuitOpen.Load(),
		ConsecErrors:  c.consecutiveErrors.Load(),
	}
}
