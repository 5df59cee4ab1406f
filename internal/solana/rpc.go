package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the interface for Solana RPC interactions.
// Implementations: LiveRPCClient (real Solana), StubRPCClient (testing).
type RPCClient interface {
	// GetBalance returns the lamport balance of an account.
	GetBalance(ctx context.Context, account Pubkey) (uint64, error)

	// GetTokenBalance sums the owner's token accounts for one mint.
	GetTokenBalance(ctx context.Context, owner, mint Pubkey) (TokenBalance, error)

	// GetWalletBalance returns SOL + SPL token balances for a wallet.
	GetWalletBalance(ctx context.Context, owner Pubkey) (*WalletBalance, error)

	// GetLatestBlockhash returns a fresh blockhash and its last valid height.
	GetLatestBlockhash(ctx context.Context) (Blockhash, error)

	// GetBlockHeight returns the current block height.
	GetBlockHeight(ctx context.Context) (uint64, error)

	// SendTransaction submits a signed, base64-encoded transaction.
	SendTransaction(ctx context.Context, txBase64 string) (Signature, error)

	// GetSignatureStatus returns nil when the signature is not yet known.
	GetSignatureStatus(ctx context.Context, sig Signature) (*SignatureStatus, error)

	// GetRecentPrioritizationFees returns per-slot fees (micro-lamports per CU).
	GetRecentPrioritizationFees(ctx context.Context, accounts []Pubkey) ([]uint64, error)

	// Health returns the RPC endpoint health.
	Health(ctx context.Context) error
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint      string        `yaml:"endpoint"`       // e.g. https://api.mainnet-beta.solana.com
	WSEndpoint    string        `yaml:"ws_endpoint"`    // e.g. wss://api.mainnet-beta.solana.com
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RateLimitRPS  float64       `yaml:"rate_limit_rps"` // requests per second limit
	PrivateKey    string        `yaml:"private_key"`    // base58 encoded wallet private key
	Commitment    string        `yaml:"commitment"`     // processed|confirmed|finalized
	SkipPreflight bool          `yaml:"skip_preflight"`
}

// DefaultRPCConfig returns development defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:     "https://api.mainnet-beta.solana.com",
		WSEndpoint:   "wss://api.mainnet-beta.solana.com",
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RateLimitRPS: 10,
		Commitment:   "confirmed",
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	ErrRateLimited         = errors.New("rpc: rate limited")
	ErrCircuitOpen         = errors.New("rpc: circuit breaker open")
	ErrBlockhashNotFound   = errors.New("solana: blockhash not found")
	ErrBlockHeightExceeded = errors.New("solana: block height exceeded")
	ErrTransactionFailed   = errors.New("solana: transaction failed")
)

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc: %s error %d: %s", e.Method, e.Code, e.Message)
}

// Unwrap maps well-known node messages onto sentinel errors.
func (e *RPCError) Unwrap() error {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "blockhash not found"):
		return ErrBlockhashNotFound
	case strings.Contains(msg, "block height exceeded"):
		return ErrBlockHeightExceeded
	case e.Code == 429 || strings.Contains(msg, "rate limit"):
		return ErrRateLimited
	}
	return nil
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is a mock RPC client for testing.
type StubRPCClient struct {
	mu          sync.RWMutex
	lamports    map[Pubkey]uint64
	tokens      map[Pubkey]TokenBalance
	statuses    map[Signature]*SignatureStatus
	blockHeight uint64
	blockhash   Blockhash
	fees        []uint64
	sendErrs    []error
	sent        []string
	sendCount   int
	failNext    bool
}

// NewStubRPCClient creates a stub RPC client for testing.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		lamports:    make(map[Pubkey]uint64),
		tokens:      make(map[Pubkey]TokenBalance),
		statuses:    make(map[Signature]*SignatureStatus),
		blockHeight: 1000,
		blockhash: Blockhash{
			Blockhash:            "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N",
			LastValidBlockHeight: 1150,
		},
	}
}

// SetLamports sets the SOL balance of an account.
func (s *StubRPCClient) SetLamports(account Pubkey, lamports uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lamports[account] = lamports
}

// SetTokenBalance sets the wallet's balance for a mint.
func (s *StubRPCClient) SetTokenBalance(bal TokenBalance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[bal.Mint] = bal
}

// SetBlockHeight sets the current block height.
func (s *StubRPCClient) SetBlockHeight(h uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockHeight = h
}

// SetStatus sets the status returned for a signature.
func (s *StubRPCClient) SetStatus(sig Signature, status SignatureStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[sig] = &status
}

// SetPrioritizationFees sets the fee samples returned by the stub.
func (s *StubRPCClient) SetPrioritizationFees(fees []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees = fees
}

// QueueSendError makes the next SendTransaction call return err.
func (s *StubRPCClient) QueueSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErrs = append(s.sendErrs, err)
}

// Sent returns every transaction passed to SendTransaction.
func (s *StubRPCClient) Sent() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// SetFailNext makes the next call fail.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

func (s *StubRPCClient) shouldFail() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

// --- Interface implementation ---

func (s *StubRPCClient) GetBalance(_ context.Context, account Pubkey) (uint64, error) {
	if s.shouldFail() {
		return 0, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lamports[account], nil
}

func (s *StubRPCClient) GetTokenBalance(_ context.Context, _ Pubkey, mint Pubkey) (TokenBalance, error) {
	if s.shouldFail() {
		return TokenBalance{}, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bal, ok := s.tokens[mint]; ok {
		return bal, nil
	}
	return TokenBalance{Mint: mint, Amount: decimal.Zero}, nil
}

func (s *StubRPCClient) GetWalletBalance(_ context.Context, owner Pubkey) (*WalletBalance, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make(map[Pubkey]TokenBalance, len(s.tokens))
	for k, v := range s.tokens {
		tokens[k] = v
	}
	return &WalletBalance{
		Lamports: decimal.NewFromUint64(s.lamports[owner]),
		Tokens:   tokens,
	}, nil
}

func (s *StubRPCClient) GetLatestBlockhash(_ context.Context) (Blockhash, error) {
	if s.shouldFail() {
		return Blockhash{}, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockhash, nil
}

func (s *StubRPCClient) GetBlockHeight(_ context.Context) (uint64, error) {
	if s.shouldFail() {
		return 0, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockHeight, nil
}

func (s *StubRPCClient) SendTransaction(_ context.Context, txBase64 string) (Signature, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, txBase64)
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		return "", err
	}
	s.sendCount++
	return Signature(fmt.Sprintf("stub-sig-%d", s.sendCount)), nil
}

func (s *StubRPCClient) GetSignatureStatus(_ context.Context, sig Signature) (*SignatureStatus, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.statuses[sig]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, nil
}

func (s *StubRPCClient) GetRecentPrioritizationFees(_ context.Context, _ []Pubkey) ([]uint64, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fees, nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	if s.shouldFail() {
		return fmt.Errorf("stub: simulated RPC failure")
	}
	return nil
}
