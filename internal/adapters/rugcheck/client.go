// Package rugcheck fetches token safety reports from api.rugcheck.xyz.
package rugcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/risk"
	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const DefaultBaseURL = "https://api.rugcheck.xyz"

// Config configures the report client.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// report mirrors the /v1/tokens/{mint}/report fields the gate consumes.
type report struct {
	Token struct {
		MintAuthority   *string `json:"mintAuthority"`
		FreezeAuthority *string `json:"freezeAuthority"`
		IsInitialized   bool    `json:"isInitialized"`
	} `json:"token"`
	TokenMeta struct {
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
		Mutable *bool  `json:"mutable"`
	} `json:"tokenMeta"`
	TopHolders []struct {
		Address string  `json:"address"`
		Pct     float64 `json:"pct"`
		Insider bool    `json:"insider"`
	} `json:"topHolders"`
	Markets []struct {
		Pubkey     string `json:"pubkey"`
		LiquidityA string `json:"liquidityA"`
		LiquidityB string `json:"liquidityB"`
	} `json:"markets"`
	TotalLPProviders     int             `json:"totalLPProviders"`
	TotalMarketLiquidity decimal.Decimal `json:"totalMarketLiquidity"`
	Rugged               bool            `json:"rugged"`
	Score                int             `json:"score"`
	Risks                []struct {
		Name string `json:"name"`
	} `json:"risks"`
	Creator string `json:"creator"`
}

// Client implements risk.ReportProvider.
type Client struct {
	baseURL    string
	httpClient *http.Client

	fetched atomic.Int64
	errors  atomic.Int64
}

// NewClient creates a rugcheck client.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    config.BaseURL,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Report fetches the safety report for mint. A missing creator defaults to
// the mint itself.
func (c *Client) Report(ctx context.Context, mint solana.Pubkey) (*risk.TokenSafetyReport, error) {
	u := c.baseURL + "/v1/tokens/" + url.PathEscape(string(mint)) + "/report"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("rugcheck: create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("rugcheck: HTTP error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("rugcheck: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.errors.Add(1)
		return nil, fmt.Errorf("rugcheck: HTTP %d for %s", resp.StatusCode, mint.Short())
	}

	var r report
	if err := json.Unmarshal(body, &r); err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("rugcheck: parse report: %w", err)
	}
	c.fetched.Add(1)

	out := &risk.TokenSafetyReport{
		Mint:                 mint,
		MintAuthority:        r.Token.MintAuthority,
		FreezeAuthority:      r.Token.FreezeAuthority,
		IsInitialized:        r.Token.IsInitialized,
		Mutable:              r.TokenMeta.Mutable == nil || *r.TokenMeta.Mutable,
		TotalLPProviders:     r.TotalLPProviders,
		TotalMarketLiquidity: r.TotalMarketLiquidity,
		Rugged:               r.Rugged,
		Score:                r.Score,
		Name:                 r.TokenMeta.Name,
		Symbol:               r.TokenMeta.Symbol,
		Creator:              r.Creator,
	}
	if out.Creator == "" {
		out.Creator = string(mint)
	}
	for _, h := range r.TopHolders {
		out.TopHolders = append(out.TopHolders, risk.Holder{Address: h.Address, Pct: h.Pct, Insider: h.Insider})
	}
	for _, m := range r.Markets {
		out.Markets = append(out.Markets, risk.Market{Pubkey: m.Pubkey, LiquidityA: m.LiquidityA, LiquidityB: m.LiquidityB})
	}
	for _, rk := range r.Risks {
		out.Risks = append(out.Risks, rk.Name)
	}

	log.Debug().
		Str("mint", mint.Short()).
		Str("name", out.Name).
		Int("score", out.Score).
		Int("lp_providers", out.TotalLPProviders).
		Bool("rugged", out.Rugged).
		Msg("rugcheck: report fetched")

	return out, nil
}

// Stats returns client counters.
func (c *Client) Stats() (fetched, errors int64) {
	return c.fetched.Load(), c.errors.Load()
}
