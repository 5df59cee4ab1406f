package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/nexus-trading/nexus-swap/internal/adapters/helius"
	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/nexus-trading/nexus-swap/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// SwapDetailsSource returns the indexed outcome of a confirmed swap.
type SwapDetailsSource interface {
	SwapDetails(ctx context.Context, sig solana.Signature) (*helius.SwapDetails, error)
}

// PriceSource returns USD prices.
type PriceSource interface {
	Price(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, error)
}

// HoldingsRecorder persists the cost basis of each confirmed buy and drops
// the holding after a confirmed sell.
type HoldingsRecorder struct {
	details  SwapDetailsSource
	prices   PriceSource
	holdings storage.HoldingStore
	tokens   storage.TokenRegistry // optional, for token names
}

// NewHoldingsRecorder creates the hook. tokens may be nil.
func NewHoldingsRecorder(details SwapDetailsSource, prices PriceSource, holdings storage.HoldingStore, tokens storage.TokenRegistry) *HoldingsRecorder {
	return &HoldingsRecorder{details: details, prices: prices, holdings: holdings, tokens: tokens}
}

// AfterTrade implements PostTradeHook.
func (h *HoldingsRecorder) AfterTrade(ctx context.Context, req SwapRequest, res TradeResult) error {
	if !res.Success || res.Signature == nil {
		return nil
	}
	if req.Side == SideSell {
		if err := h.holdings.RemoveHolding(ctx, string(req.InputMint)); err != nil {
			return fmt.Errorf("holdings: remove %s: %w", req.InputMint.Short(), err)
		}
		return nil
	}

	details, err := h.details.SwapDetails(ctx, *res.Signature)
	if err != nil {
		return fmt.Errorf("holdings: swap details: %w", err)
	}

	solPrice := decimal.Zero
	if h.prices != nil {
		if p, err := h.prices.Price(ctx, solana.SOLMint); err != nil {
			log.Warn().Err(err).Msg("holdings: SOL price unavailable, recording zero USD cost")
		} else {
			solPrice = p
		}
	}

	rec := BuildHoldingRecord(details, solPrice)
	rec.TokenName = "N/A"
	if h.tokens != nil {
		if t, err := h.tokens.FindTokenByMint(ctx, rec.Token); err == nil && t.Name != "" {
			rec.TokenName = t.Name
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Debug().Err(err).Str("mint", rec.Token).Msg("holdings: token name lookup failed")
		}
	}

	if err := h.holdings.InsertHolding(ctx, rec); err != nil {
		return fmt.Errorf("holdings: insert %s: %w", rec.Token, err)
	}
	log.Info().
		Str("mint", rec.Token).
		Str("balance", rec.Balance.String()).
		Str("sol_paid", rec.SolPaid.String()).
		Str("usd_paid", rec.SolPaidUSDC.StringFixed(2)).
		Msg("holdings: recorded")
	return nil
}

// BuildHoldingRecord derives the USD cost basis of a buy from its swap
// details and the SOL/USD price.
func BuildHoldingRecord(d *helius.SwapDetails, solPrice decimal.Decimal) storage.HoldingRecord {
	in, out := d.Inputs[0], d.Outputs[0]
	solPaidUSD := in.Amount.Mul(solPrice)
	feeUSD := decimal.NewFromUint64(d.FeeLamports).Shift(-solana.SOLDecimals).Mul(solPrice)
	perToken := decimal.Zero
	if out.Amount.IsPositive() {
		perToken = solPaidUSD.Div(out.Amount)
	}
	return storage.HoldingRecord{
		Time:             d.Timestamp,
		Token:            string(out.Mint),
		Balance:          out.Amount,
		SolPaid:          in.Amount,
		SolFeePaid:       decimal.NewFromUint64(d.FeeLamports),
		SolPaidUSDC:      solPaidUSD,
		SolFeePaidUSDC:   feeUSD,
		PerTokenPaidUSDC: perToken,
		Slot:             d.Slot,
		Program:          d.Program,
	}
}
