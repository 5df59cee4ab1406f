package solana

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PaperWallet simulates signing, submission and confirmation for dry runs.
// Balances are kept in memory and moved by Settle after each confirmed swap.
//
// Thread-safe: all shared state is guarded by mu.
type PaperWallet struct {
	mu           sync.Mutex
	owner        Pubkey
	balances     map[Pubkey]TokenBalance
	signed       map[[32]byte]Signature
	submitted    map[Signature]struct{}
	confirmDelay time.Duration
}

// NewPaperWallet creates a paper wallet holding startLamports of SOL.
func NewPaperWallet(owner Pubkey, startLamports uint64, confirmDelay time.Duration) *PaperWallet {
	pw := &PaperWallet{
		owner:        owner,
		balances:     make(map[Pubkey]TokenBalance),
		signed:       make(map[[32]byte]Signature),
		submitted:    make(map[Signature]struct{}),
		confirmDelay: confirmDelay,
	}
	pw.balances[SOLMint] = TokenBalance{Mint: SOLMint, Amount: decimal.NewFromUint64(startLamports), Decimals: SOLDecimals}
	log.Info().
		Str("owner", owner.Short()).
		Uint64("lamports", startLamports).
		Msg("paper wallet initialized")
	return pw
}

// PublicKey returns the simulated owner.
func (p *PaperWallet) PublicKey() Pubkey {
	return p.owner
}

// SetBalance overrides the held amount of a mint.
func (p *PaperWallet) SetBalance(bal TokenBalance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[bal.Mint] = bal
}

// Balance returns the simulated holding of mint.
func (p *PaperWallet) Balance(_ context.Context, mint Pubkey) (TokenBalance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bal, ok := p.balances[mint]; ok {
		return bal, nil
	}
	return TokenBalance{Mint: mint, Amount: decimal.Zero}, nil
}

// Inventory returns a copy of every simulated holding.
func (p *PaperWallet) Inventory(context.Context) (*WalletBalance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv := &WalletBalance{Lamports: p.balances[SOLMint].Amount, Tokens: make(map[Pubkey]TokenBalance, len(p.balances))}
	for mint, bal := range p.balances {
		if mint != SOLMint {
			inv.Tokens[mint] = bal
		}
	}
	return inv, nil
}

// Sign assigns a DRYRUN signature to the payload. Signing the same payload
// twice yields the same signature.
func (p *PaperWallet) Sign(payloadBase64 string) (SignedTx, error) {
	raw, err := base64.StdEncoding.DecodeString(payloadBase64)
	if err != nil {
		return SignedTx{}, fmt.Errorf("paper wallet: decode payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := sha256.Sum256(raw)
	sig, ok := p.signed[key]
	if !ok {
		sig = Signature(fmt.Sprintf("DRYRUN-%s", uuid.New().String()[:12]))
		p.signed[key] = sig
	}
	return SignedTx{Raw: raw, Signature: sig, Blockhash: "paper"}, nil
}

// Submit accepts a previously signed payload.
func (p *PaperWallet) Submit(_ context.Context, raw []byte) (Signature, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sig, ok := p.signed[sha256.Sum256(raw)]
	if !ok {
		return "", fmt.Errorf("paper wallet: payload was never signed")
	}
	p.submitted[sig] = struct{}{}

	log.Info().Str("sig", sig.Short()).Msg("paper wallet: transaction accepted")
	return sig, nil
}

// Confirm succeeds for any submitted signature after the confirm delay.
func (p *PaperWallet) Confirm(ctx context.Context, req ConfirmRequest) error {
	if p.confirmDelay > 0 {
		select {
		case <-time.After(p.confirmDelay):
		case <-ctx.Done():
			return fmt.Errorf("paper wallet: confirm: %w", ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.submitted[req.Signature]; !ok {
		return fmt.Errorf("%w: unknown signature %s", ErrTransactionFailed, req.Signature)
	}
	return nil
}

// Settle moves balances for a confirmed swap of inAmount of in for outAmount
// of out (both base units).
func (p *PaperWallet) Settle(in Pubkey, inAmount decimal.Decimal, out Pubkey, outAmount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	src := p.balances[in]
	if src.Amount.LessThan(inAmount) {
		return fmt.Errorf("paper wallet: insufficient %s: have %s, need %s", in.Short(), src.Amount, inAmount)
	}
	src.Mint = in
	src.Amount = src.Amount.Sub(inAmount)
	p.balances[in] = src

	dst := p.balances[out]
	dst.Mint = out
	dst.Amount = dst.Amount.Add(outAmount)
	p.balances[out] = dst

	log.Info().
		Str("in", in.Short()).
		Str("in_amount", inAmount.String()).
		Str("out", out.Short()).
		Str("out_amount", outAmount.String()).
		Msg("paper wallet: swap settled")
	return nil
}
