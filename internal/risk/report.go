package risk

import (
	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/shopspring/decimal"
)

// TokenSafetyReport is the read-only safety assessment of a mint.
type TokenSafetyReport struct {
	Mint                 solana.Pubkey   `json:"mint"`
	MintAuthority        *string         `json:"mint_authority"`
	FreezeAuthority      *string         `json:"freeze_authority"`
	IsInitialized        bool            `json:"is_initialized"`
	Mutable              bool            `json:"mutable"`
	TopHolders           []Holder        `json:"top_holders"`
	Markets              []Market        `json:"markets"`
	TotalLPProviders     int             `json:"total_lp_providers"`
	TotalMarketLiquidity decimal.Decimal `json:"total_market_liquidity"`
	Rugged               bool            `json:"rugged"`
	Score                int             `json:"score"`
	Risks                []string        `json:"risks"`
	Name                 string          `json:"name"`
	Symbol               string          `json:"symbol"`
	Creator              string          `json:"creator"`
}

// Holder is one of the top token holders.
type Holder struct {
	Address string  `json:"address"`
	Pct     float64 `json:"pct"`
	Insider bool    `json:"insider"`
}

// Market is a liquidity pool. LiquidityA/B are the pool's token accounts.
type Market struct {
	Pubkey     string `json:"pubkey"`
	LiquidityA string `json:"liquidity_a"`
	LiquidityB string `json:"liquidity_b"`
}

// HoldersExcludingLP drops holders that are a market's liquidity account.
func (r *TokenSafetyReport) HoldersExcludingLP() []Holder {
	if len(r.Markets) == 0 {
		return r.TopHolders
	}
	lp := make(map[string]struct{}, 2*len(r.Markets))
	for _, m := range r.Markets {
		if m.LiquidityA != "" {
			lp[m.LiquidityA] = struct{}{}
		}
		if m.LiquidityB != "" {
			lp[m.LiquidityB] = struct{}{}
		}
	}
	out := make([]Holder, 0, len(r.TopHolders))
	for _, h := range r.TopHolders {
		if _, ok := lp[h.Address]; !ok {
			out = append(out, h)
		}
	}
	return out
}
