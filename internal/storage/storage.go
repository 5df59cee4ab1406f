// Package storage defines the persisted state of the swap service: the
// registry of evaluated tokens and the open holdings written after each
// confirmed buy. Backends live in the memory, sqlite and postgres
// subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("storage: not found")

// TokenRecord is one token seen by the risk gate.
type TokenRecord struct {
	ID      int64  `json:"id"`
	Time    int64  `json:"time"` // unix ms
	Name    string `json:"name"`
	Mint    string `json:"mint"`
	Creator string `json:"creator"`
}

// HoldingRecord is the cost basis of a confirmed buy.
type HoldingRecord struct {
	ID               int64           `json:"id"`
	Time             int64           `json:"time"` // unix seconds of the swap block
	Token            string          `json:"token"`
	TokenName        string          `json:"token_name"`
	Balance          decimal.Decimal `json:"balance"`
	SolPaid          decimal.Decimal `json:"sol_paid"`
	SolFeePaid       decimal.Decimal `json:"sol_fee_paid"`
	SolPaidUSDC      decimal.Decimal `json:"sol_paid_usdc"`
	SolFeePaidUSDC   decimal.Decimal `json:"sol_fee_paid_usdc"`
	PerTokenPaidUSDC decimal.Decimal `json:"per_token_paid_usdc"`
	Slot             uint64          `json:"slot"`
	Program          string          `json:"program"`
}

// TokenRegistry tracks tokens for duplicate-name and returning-creator checks.
type TokenRegistry interface {
	FindTokensByNameOrCreator(ctx context.Context, name, creator string) ([]TokenRecord, error)
	FindTokenByMint(ctx context.Context, mint string) (*TokenRecord, error)
	InsertNewToken(ctx context.Context, rec TokenRecord) error
}

// HoldingStore tracks open holdings.
type HoldingStore interface {
	InsertHolding(ctx context.Context, rec HoldingRecord) error
	RemoveHolding(ctx context.Context, mint string) error
	GetHolding(ctx context.Context, mint string) (*HoldingRecord, error)
	GetAllHoldings(ctx context.Context) ([]HoldingRecord, error)
}

// Store is a complete backend.
type Store interface {
	TokenRegistry
	HoldingStore
	Close() error
}
