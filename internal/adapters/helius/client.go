// Package helius reads parsed swap details of finalized transactions from
// the Helius enhanced transactions API.
package helius

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const DefaultBaseURL = "https://api.helius.xyz"

// ErrNoSwapEvent means the transaction is not indexed yet or is not a swap.
var ErrNoSwapEvent = errors.New("helius: no swap event")

// Config configures the client.
type Config struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"fetch_tx_max_retries"`
	InitialDelay time.Duration `yaml:"fetch_tx_initial_delay"`
	MaxDelay     time.Duration `yaml:"fetch_tx_max_delay"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		Timeout:      10 * time.Second,
		MaxRetries:   10,
		InitialDelay: 3 * time.Second,
		MaxDelay:     15 * time.Second,
	}
}

// TokenTransfer is one leg of a swap, in display units as reported.
type TokenTransfer struct {
	Mint   solana.Pubkey   `json:"mint"`
	Amount decimal.Decimal `json:"tokenAmount"`
}

// SwapDetails is the parsed outcome of a swap transaction.
type SwapDetails struct {
	Signature   solana.Signature `json:"signature"`
	Program     string           `json:"program"`
	Inputs      []TokenTransfer  `json:"inputs"`
	Outputs     []TokenTransfer  `json:"outputs"`
	FeeLamports uint64           `json:"fee"`
	Slot        uint64           `json:"slot"`
	Timestamp   int64            `json:"timestamp"`
	Description string           `json:"description"`
}

type enhancedTx struct {
	Description string `json:"description"`
	Fee         uint64 `json:"fee"`
	Slot        uint64 `json:"slot"`
	Timestamp   int64  `json:"timestamp"`
	Events      struct {
		Swap *struct {
			InnerSwaps []struct {
				TokenInputs  []TokenTransfer `json:"tokenInputs"`
				TokenOutputs []TokenTransfer `json:"tokenOutputs"`
				ProgramInfo  struct {
					Source string `json:"source"`
				} `json:"programInfo"`
			} `json:"innerSwaps"`
		} `json:"swap"`
	} `json:"events"`
}

// Client is the Helius API client.
type Client struct {
	config     Config
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Helius client. Zero config fields take defaults.
func NewClient(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.MaxDelay == 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.APIKey == "" {
		log.Warn().Msg("helius: missing API key")
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		sleep:      sleepCtx,
	}
}

// SwapDetails waits InitialDelay, then polls until the finalized swap is
// indexed or MaxRetries attempts fail. The delay grows by 1.5x per attempt
// up to MaxDelay.
func (c *Client) SwapDetails(ctx context.Context, sig solana.Signature) (*SwapDetails, error) {
	if err := c.sleep(ctx, c.config.InitialDelay); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(c.config.InitialDelay) * math.Pow(1.5, float64(attempt)))
			if delay > c.config.MaxDelay {
				delay = c.config.MaxDelay
			}
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		details, err := c.fetch(ctx, sig)
		if err == nil {
			return details, nil
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt+1).Str("sig", sig.Short()).Msg("helius: swap details not ready")
	}
	return nil, fmt.Errorf("helius: swap details for %s after %d attempts: %w", sig.Short(), c.config.MaxRetries, lastErr)
}

func (c *Client) fetch(ctx context.Context, sig solana.Signature) (*SwapDetails, error) {
	u, err := url.Parse(c.config.BaseURL + "/v0/transactions")
	if err != nil {
		return nil, fmt.Errorf("helius: parse URL: %w", err)
	}
	q := u.Query()
	q.Set("api-key", c.config.APIKey)
	q.Set("commitment", "finalized")
	u.RawQuery = q.Encode()

	body, err := json.Marshal(map[string][]string{"transactions": {string(sig)}})
	if err != nil {
		return nil, fmt.Errorf("helius: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("helius: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("helius: HTTP error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("helius: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("helius: HTTP %d", resp.StatusCode)
	}

	var txs []enhancedTx
	if err := json.Unmarshal(respBody, &txs); err != nil {
		return nil, fmt.Errorf("helius: parse response: %w", err)
	}
	if len(txs) == 0 || txs[0].Events.Swap == nil || len(txs[0].Events.Swap.InnerSwaps) == 0 {
		return nil, ErrNoSwapEvent
	}

	tx := txs[0]
	inner := tx.Events.Swap.InnerSwaps[0]
	if len(inner.TokenInputs) == 0 || len(inner.TokenOutputs) == 0 {
		return nil, ErrNoSwapEvent
	}
	program := inner.ProgramInfo.Source
	if program == "" {
		program = "N/A"
	}
	return &SwapDetails{
		Signature:   sig,
		Program:     program,
		Inputs:      inner.TokenInputs,
		Outputs:     inner.TokenOutputs,
		FeeLamports: tx.Fee,
		Slot:        tx.Slot,
		Timestamp:   tx.Timestamp,
		Description: tx.Description,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
