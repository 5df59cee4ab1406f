package jupiter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Quote provider: quote and serialize a swap for the execution pipeline
// ---------------------------------------------------------------------------

// QuoteRequest asks for the best route for amount base units of InputMint.
type QuoteRequest struct {
	InputMint   solana.Pubkey
	OutputMint  solana.Pubkey
	Amount      decimal.Decimal // base units
	SlippageBps int
}

// RouteStep is one hop of a quoted route.
type RouteStep struct {
	Percent int    `json:"percent"`
	AmmKey  string `json:"ammKey"`
	Label   string `json:"label"`
}

// Quote is a priced route. Quotes are never cached: a new one is fetched per
// attempt and Raw is echoed back verbatim when serializing.
type Quote struct {
	InputMint            solana.Pubkey   `json:"input_mint"`
	OutputMint           solana.Pubkey   `json:"output_mint"`
	InAmount             decimal.Decimal `json:"in_amount"`
	OutAmount            decimal.Decimal `json:"out_amount"`
	OtherAmountThreshold decimal.Decimal `json:"other_amount_threshold"`
	PriceImpactPct       decimal.Decimal `json:"price_impact_pct"`
	SlippageBps          int             `json:"slippage_bps"`
	Route                []RouteStep     `json:"route"`
	ContextSlot          uint64          `json:"context_slot"`
	Raw                  json.RawMessage `json:"-"`
}

// quoteWire mirrors the /quote response fields we read.
type quoteWire struct {
	InputMint            string          `json:"inputMint"`
	OutputMint           string          `json:"outputMint"`
	InAmount             decimal.Decimal `json:"inAmount"`
	OutAmount            decimal.Decimal `json:"outAmount"`
	OtherAmountThreshold decimal.Decimal `json:"otherAmountThreshold"`
	PriceImpactPct       decimal.Decimal `json:"priceImpactPct"`
	SlippageBps          int             `json:"slippageBps"`
	RoutePlan            []struct {
		Percent  int `json:"percent"`
		SwapInfo struct {
			AmmKey string `json:"ammKey"`
			Label  string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
	ContextSlot uint64 `json:"contextSlot"`
}

// PriorityFeeConfig selects how the swap transaction bids for inclusion.
// A non-zero Lamports pins the fee (e.g. from a local estimate); otherwise
// Jupiter picks a fee for Level capped at MaxLamports.
type PriorityFeeConfig struct {
	Level       solana.PriorityLevel `yaml:"priority_level"`
	MaxLamports uint64               `yaml:"max_lamports"`
	Lamports    uint64               `yaml:"-"`
}

// SwapTx is a serialized, unsigned swap transaction.
type SwapTx struct {
	PayloadBase64             string `json:"swapTransaction"`
	LastValidBlockHeight      uint64 `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports"`
}

type swapRequest struct {
	QuoteResponse             json.RawMessage  `json:"quoteResponse"`
	UserPublicKey             string           `json:"userPublicKey"`
	WrapAndUnwrapSOL          bool             `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool             `json:"dynamicComputeUnitLimit"`
	DynamicSlippage           *dynamicSlippage `json:"dynamicSlippage,omitempty"`
	PrioritizationFeeLamports any              `json:"prioritizationFeeLamports,omitempty"`
}

type dynamicSlippage struct {
	MaxBps int `json:"maxBps"`
}

type priorityLevelWithMax struct {
	PriorityLevelWithMaxLamports struct {
		MaxLamports   uint64 `json:"maxLamports"`
		PriorityLevel string `json:"priorityLevel"`
	} `json:"priorityLevelWithMaxLamports"`
}

// Quote fetches the best route from Jupiter.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("jupiter: quote amount must be positive, got %s", req.Amount)
	}
	start := time.Now()

	queryURL, err := url.Parse(c.config.BaseURL + "/quote")
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("inputMint", string(req.InputMint))
	q.Set("outputMint", string(req.OutputMint))
	q.Set("amount", req.Amount.Truncate(0).String())
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	q.Set("onlyDirectRoutes", strconv.FormatBool(c.config.OnlyDirectRoutes))
	queryURL.RawQuery = q.Encode()

	var raw json.RawMessage
	if err := c.do(ctx, "quote", http.MethodGet, queryURL.String(), nil, &raw); err != nil {
		return nil, err
	}

	var wire quoteWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("jupiter: parse quote: %w", err)
	}
	if !wire.OutAmount.IsPositive() {
		return nil, fmt.Errorf("jupiter: quote returned no output amount (mint=%s)", req.OutputMint.Short())
	}

	quote := &Quote{
		InputMint:            solana.Pubkey(wire.InputMint),
		OutputMint:           solana.Pubkey(wire.OutputMint),
		InAmount:             wire.InAmount,
		OutAmount:            wire.OutAmount,
		OtherAmountThreshold: wire.OtherAmountThreshold,
		PriceImpactPct:       wire.PriceImpactPct,
		SlippageBps:          wire.SlippageBps,
		ContextSlot:          wire.ContextSlot,
		Raw:                  raw,
	}
	for _, step := range wire.RoutePlan {
		quote.Route = append(quote.Route, RouteStep{
			Percent: step.Percent,
			AmmKey:  step.SwapInfo.AmmKey,
			Label:   step.SwapInfo.Label,
		})
	}

	latency := time.Since(start).Milliseconds()
	c.quoteCount.Add(1)
	c.avgLatencyMs.Store(latency)

	log.Debug().
		Str("in", quote.InputMint.Short()).
		Str("out", quote.OutputMint.Short()).
		Str("in_amount", quote.InAmount.String()).
		Str("out_amount", quote.OutAmount.String()).
		Str("price_impact", quote.PriceImpactPct.String()).
		Int("hops", len(quote.Route)).
		Int64("latency_ms", latency).
		Msg("jupiter: quote received")

	return quote, nil
}

// Serialize builds the unsigned swap transaction for quote, paid by user.
func (c *Client) Serialize(ctx context.Context, quote *Quote, user solana.Pubkey, fee PriorityFeeConfig) (*SwapTx, error) {
	if quote == nil || len(quote.Raw) == 0 {
		return nil, fmt.Errorf("jupiter: serialize requires a fresh quote")
	}

	swapReq := swapRequest{
		QuoteResponse:           quote.Raw,
		UserPublicKey:           string(user),
		WrapAndUnwrapSOL:        true,
		DynamicComputeUnitLimit: true,
	}
	if c.config.DynamicSlippageMaxBps > 0 {
		swapReq.DynamicSlippage = &dynamicSlippage{MaxBps: c.config.DynamicSlippageMaxBps}
	}
	switch {
	case fee.Lamports > 0:
		swapReq.PrioritizationFeeLamports = fee.Lamports
	case fee.Level.Valid():
		var p priorityLevelWithMax
		p.PriorityLevelWithMaxLamports.MaxLamports = fee.MaxLamports
		p.PriorityLevelWithMaxLamports.PriorityLevel = string(fee.Level)
		swapReq.PrioritizationFeeLamports = p
	}

	body, err := json.Marshal(swapReq)
	if err != nil {
		return nil, fmt.Errorf("jupiter: marshal swap request: %w", err)
	}

	var tx SwapTx
	if err := c.do(ctx, "swap", http.MethodPost, c.config.BaseURL+"/swap", body, &tx); err != nil {
		return nil, err
	}
	if tx.PayloadBase64 == "" {
		return nil, fmt.Errorf("jupiter: swap response has no transaction")
	}
	c.swapCount.Add(1)

	log.Debug().
		Str("user", user.Short()).
		Uint64("last_valid_block_height", tx.LastValidBlockHeight).
		Uint64("priority_fee", tx.PrioritizationFeeLamports).
		Msg("jupiter: swap transaction built")

	return &tx, nil
}

// ---------------------------------------------------------------------------
// Price API: USD price of a token
// ---------------------------------------------------------------------------

type priceResponse struct {
	Data map[string]*struct {
		ID    string          `json:"id"`
		Type  string          `json:"type"`
		Price decimal.Decimal `json:"price"`
	} `json:"data"`
}

// Price returns the current USD price of mint.
func (c *Client) Price(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, error) {
	queryURL, err := url.Parse(c.config.PriceURL)
	if err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("ids", string(mint))
	queryURL.RawQuery = q.Encode()

	var resp priceResponse
	if err := c.do(ctx, "price", http.MethodGet, queryURL.String(), nil, &resp); err != nil {
		return decimal.Zero, err
	}

	data := resp.Data[string(mint)]
	if data == nil {
		return decimal.Zero, fmt.Errorf("jupiter: price not found for %s", mint)
	}
	if !data.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("jupiter: zero/negative price for %s", mint)
	}
	return data.Price, nil
}
