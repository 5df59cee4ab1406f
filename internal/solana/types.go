package solana

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// Short returns the first 8 characters, for log fields and pair IDs.
func (p Pubkey) Short() string {
	if len(p) > 8 {
		return string(p[:8])
	}
	return string(p)
}

// Short returns the first 12 characters of the signature.
func (s Signature) Short() string {
	if len(s) > 12 {
		return string(s[:12])
	}
	return string(s)
}

// Well-known mints.
const (
	SOLMint  Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

const (
	// SOLDecimals is the number of decimals of native SOL (lamports).
	SOLDecimals = 9

	// LamportsPerSOL converts between SOL and lamports.
	LamportsPerSOL = 1_000_000_000

	tokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// ---------------------------------------------------------------------------
// Key validation
// ---------------------------------------------------------------------------

// ParsePubkey checks that s is a base58-encoded 32-byte key.
func ParsePubkey(s string) (Pubkey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return "", fmt.Errorf("solana: invalid pubkey %q: %w", s, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("solana: invalid pubkey %q: %d bytes", s, len(raw))
	}
	return Pubkey(s), nil
}

// IsOnCurve reports whether the key is a valid ed25519 point. Wallets are
// on-curve; program-derived addresses are not.
func IsOnCurve(p Pubkey) bool {
	raw, err := base58.Decode(string(p))
	if err != nil || len(raw) != 32 {
		return false
	}
	_, err = new(edwards25519.Point).SetBytes(raw)
	return err == nil
}

// ---------------------------------------------------------------------------
// Balances & chain state
// ---------------------------------------------------------------------------

// TokenBalance is a wallet's holding of one mint, in base units.
type TokenBalance struct {
	Mint     Pubkey          `json:"mint"`
	Amount   decimal.Decimal `json:"amount"` // integer base units
	Decimals int32           `json:"decimals"`
}

// IsZero returns true if nothing is held.
func (b TokenBalance) IsZero() bool {
	return !b.Amount.IsPositive()
}

// WalletBalance is the SOL + SPL snapshot of a wallet.
type WalletBalance struct {
	Lamports decimal.Decimal         `json:"lamports"`
	Tokens   map[Pubkey]TokenBalance `json:"tokens"`
}

// SOL returns the SOL balance in display units.
func (w WalletBalance) SOL() decimal.Decimal {
	return w.Lamports.Shift(-SOLDecimals)
}

// Blockhash is a recent blockhash with its expiry height.
type Blockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"last_valid_block_height"`
}

// SignatureStatus is one entry of getSignatureStatuses.
type SignatureStatus struct {
	Slot               uint64 `json:"slot"`
	ConfirmationStatus string `json:"confirmation_status"` // processed|confirmed|finalized
	Err                string `json:"err,omitempty"`       // non-empty = landed and failed
}

// Landed reports whether the status reached at least the given commitment.
func (s SignatureStatus) Landed(commitment string) bool {
	return commitmentRank(s.ConfirmationStatus) >= commitmentRank(commitment)
}

func commitmentRank(c string) int {
	switch c {
	case "processed":
		return 1
	case "confirmed":
		return 2
	case "finalized":
		return 3
	default:
		return 0
	}
}
