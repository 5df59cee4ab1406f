package solana

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Wallet Gateway: balances, sign, submit, confirm
// ---------------------------------------------------------------------------

// TxSigner signs serialized transactions without touching the network.
type TxSigner interface {
	PublicKey() Pubkey
	Sign(payloadBase64 string) (SignedTx, error)
}

// ConfirmRequest identifies a submitted transaction and its validity window.
type ConfirmRequest struct {
	Signature            Signature `json:"signature"`
	Blockhash            string    `json:"blockhash"`
	LastValidBlockHeight uint64    `json:"last_valid_block_height"`
}

// WalletConfig configures confirmation behaviour.
type WalletConfig struct {
	Commitment   string        `yaml:"commitment"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultWalletConfig returns defaults.
func DefaultWalletConfig() WalletConfig {
	return WalletConfig{
		Commitment:   "confirmed",
		PollInterval: 2 * time.Second,
	}
}

// Wallet is the live wallet gateway backed by an RPC client and a signer.
type Wallet struct {
	rpc     RPCClient
	signer  TxSigner
	watcher *SignatureWatcher // nil = polling only
	config  WalletConfig

	submitted atomic.Int64
	confirmed atomic.Int64
	failed    atomic.Int64
	expired   atomic.Int64
}

// NewWallet creates a wallet gateway. watcher may be nil.
func NewWallet(rpc RPCClient, signer TxSigner, watcher *SignatureWatcher, config WalletConfig) *Wallet {
	if config.Commitment == "" {
		config.Commitment = "confirmed"
	}
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	return &Wallet{
		rpc:     rpc,
		signer:  signer,
		watcher: watcher,
		config:  config,
	}
}

// PublicKey returns the wallet address.
func (w *Wallet) PublicKey() Pubkey {
	return w.signer.PublicKey()
}

// Balance returns the wallet's holding of mint in base units. SOLMint
// returns the native lamport balance.
func (w *Wallet) Balance(ctx context.Context, mint Pubkey) (TokenBalance, error) {
	if mint == SOLMint {
		lamports, err := w.rpc.GetBalance(ctx, w.PublicKey())
		if err != nil {
			return TokenBalance{}, err
		}
		return TokenBalance{Mint: SOLMint, Amount: decimal.NewFromUint64(lamports), Decimals: SOLDecimals}, nil
	}
	return w.rpc.GetTokenBalance(ctx, w.PublicKey(), mint)
}

// Inventory returns SOL and every SPL token the wallet holds.
func (w *Wallet) Inventory(ctx context.Context) (*WalletBalance, error) {
	return w.rpc.GetWalletBalance(ctx, w.PublicKey())
}

// Sign signs a serialized transaction.
func (w *Wallet) Sign(payloadBase64 string) (SignedTx, error) {
	return w.signer.Sign(payloadBase64)
}

// Submit broadcasts a signed transaction.
func (w *Wallet) Submit(ctx context.Context, raw []byte) (Signature, error) {
	sig, err := w.rpc.SendTransaction(ctx, base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return "", err
	}
	w.submitted.Add(1)
	return sig, nil
}

// Confirm waits until the signature reaches the configured commitment.
// It returns ErrTransactionFailed if the transaction landed with an error and
// ErrBlockHeightExceeded once the blockhash can no longer be included.
// Without a last valid height, the latest blockhash's one bounds the wait;
// it is never earlier than the transaction's own. The caller bounds the wait
// with ctx.
func (w *Wallet) Confirm(ctx context.Context, req ConfirmRequest) error {
	if req.LastValidBlockHeight == 0 {
		if bh, err := w.rpc.GetLatestBlockhash(ctx); err != nil {
			log.Debug().Err(err).Str("sig", req.Signature.Short()).Msg("wallet: no expiry height, waiting on ctx only")
		} else {
			req.LastValidBlockHeight = bh.LastValidBlockHeight
		}
	}

	var pushed <-chan SignatureResult
	if w.watcher != nil {
		ch, err := w.watcher.Watch(ctx, req.Signature)
		if err != nil {
			log.Debug().Err(err).Str("sig", req.Signature.Short()).Msg("wallet: ws unavailable, polling")
		} else {
			pushed = ch
		}
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		done, err := w.poll(ctx, req)
		if done {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wallet: confirm %s: %w", req.Signature.Short(), ctx.Err())
		case res, ok := <-pushed:
			if !ok {
				pushed = nil
				continue
			}
			if res.Err != "" {
				w.failed.Add(1)
				return fmt.Errorf("%w: %s", ErrTransactionFailed, res.Err)
			}
			w.confirmed.Add(1)
			return nil
		case <-ticker.C:
		}
	}
}

// poll checks status then block height. RPC errors keep polling.
func (w *Wallet) poll(ctx context.Context, req ConfirmRequest) (bool, error) {
	if done, err := w.checkStatus(ctx, req.Signature); done {
		return true, err
	}

	if req.LastValidBlockHeight == 0 {
		return false, nil
	}
	height, err := w.rpc.GetBlockHeight(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("wallet: block height unavailable")
		return false, nil
	}
	if height <= req.LastValidBlockHeight {
		return false, nil
	}

	// The transaction may have landed between the two calls.
	if done, err := w.checkStatus(ctx, req.Signature); done {
		return true, err
	}
	w.expired.Add(1)
	return true, fmt.Errorf("%w: height %d > last valid %d", ErrBlockHeightExceeded, height, req.LastValidBlockHeight)
}

func (w *Wallet) checkStatus(ctx context.Context, sig Signature) (bool, error) {
	status, err := w.rpc.GetSignatureStatus(ctx, sig)
	if err != nil {
		log.Debug().Err(err).Str("sig", sig.Short()).Msg("wallet: status unavailable")
		return false, nil
	}
	if status == nil {
		return false, nil
	}
	if status.Err != "" {
		w.failed.Add(1)
		return true, fmt.Errorf("%w: %s", ErrTransactionFailed, status.Err)
	}
	if status.Landed(w.config.Commitment) {
		w.confirmed.Add(1)
		return true, nil
	}
	return false, nil
}

// WalletStats returns gateway statistics.
type WalletStats struct {
	Submitted int64 `json:"submitted"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
	Expired   int64 `json:"expired"`
}

func (w *Wallet) Stats() WalletStats {
	return WalletStats{
		Submitted: w.submitted.Load(),
		Confirmed: w.confirmed.Load(),
		Failed:    w.failed.Load(),
		Expired:   w.expired.Load(),
	}
}
