package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Jupiter V6 HTTP client: shared transport for quote, swap and price calls
// https://station.jup.ag/docs/apis/swap-api
// ---------------------------------------------------------------------------

const (
	DefaultBaseURL  = "https://quote-api.jup.ag/v6"
	DefaultPriceURL = "https://api.jup.ag/price/v2"

	// ErrorCodeTokenNotTradable is returned with HTTP 400 while a freshly
	// launched token is not yet routable.
	ErrorCodeTokenNotTradable = "TOKEN_NOT_TRADABLE"

	circuitThreshold = 5
	circuitCooldown  = 30 * time.Second
)

// ErrCircuitOpen is returned while the client is cooling down after repeated
// transport failures.
var ErrCircuitOpen = errors.New("jupiter: circuit breaker open")

// Config configures the Jupiter client.
type Config struct {
	BaseURL               string        `yaml:"base_url"`
	PriceURL              string        `yaml:"price_url"`
	Timeout               time.Duration `yaml:"timeout"`
	MaxRetries            int           `yaml:"max_retries"`              // transport-level retries (5xx / network only)
	RetryBackoff          time.Duration `yaml:"retry_backoff"`
	DynamicSlippageMaxBps int           `yaml:"dynamic_slippage_max_bps"` // 0 = fixed slippage from the quote
	OnlyDirectRoutes      bool          `yaml:"only_direct_routes"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:               DefaultBaseURL,
		PriceURL:              DefaultPriceURL,
		Timeout:               10 * time.Second,
		MaxRetries:            1,
		RetryBackoff:          500 * time.Millisecond,
		DynamicSlippageMaxBps: 300,
	}
}

// APIError is a non-2xx response from Jupiter.
type APIError struct {
	Op         string `json:"op"`
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("jupiter: %s HTTP %d %s: %s", e.Op, e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("jupiter: %s HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTokenNotTradable reports whether err is Jupiter's TOKEN_NOT_TRADABLE 400.
func IsTokenNotTradable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		apiErr.StatusCode == http.StatusBadRequest &&
		apiErr.ErrorCode == ErrorCodeTokenNotTradable
}

// Client is the Jupiter V6 API client.
type Client struct {
	config     Config
	httpClient *http.Client

	quoteCount   atomic.Int64
	swapCount    atomic.Int64
	errorCount   atomic.Int64
	avgLatencyMs atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool
}

// NewClient creates a Jupiter client. Zero config fields take defaults.
func NewClient(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.PriceURL == "" {
		config.PriceURL = def.PriceURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = def.RetryBackoff
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// do performs one logical request with transport retries and decodes a 2xx
// JSON body into out. 4xx responses are returned immediately as *APIError.
func (c *Client) do(ctx context.Context, op, method, url string, payload []byte, out any) error {
	if c.circuitOpen.Load() {
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.config.RetryBackoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return fmt.Errorf("jupiter: create %s request: %w", op, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("jupiter: %s HTTP error: %w", op, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("jupiter: read %s response: %w", op, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := &APIError{Op: op, StatusCode: resp.StatusCode}
			if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
				apiErr.Message = truncate(string(respBody), 200)
			}
			c.errorCount.Add(1)
			if !apiErr.Temporary() {
				return apiErr
			}
			if resp.StatusCode != http.StatusTooManyRequests {
				c.recordError()
			}
			lastErr = apiErr
			continue
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("jupiter: parse %s: %w", op, err)
		}
		c.resetErrors()
		return nil
	}

	return fmt.Errorf("jupiter: %s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

// recordError increments consecutive errors and opens circuit breaker.
func (c *Client) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("jupiter: CIRCUIT BREAKER OPEN")
			time.AfterFunc(circuitCooldown, func() {
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("jupiter: circuit breaker reset")
			})
		}
	}
}

// resetErrors resets the consecutive error counter.
func (c *Client) resetErrors() {
	c.consecutiveErrors.Store(0)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// APIStats returns Jupiter API client stats.
type APIStats struct {
	QuoteCount   int64 `json:"quote_count"`
	SwapCount    int64 `json:"swap_count"`
	ErrorCount   int64 `json:"error_count"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
	CircuitOpen  bool  `json:"circuit_open"`
}

func (c *Client) APIStats() APIStats {
	return APIStats{
		QuoteCount:   c.quoteCount.Load(),
		SwapCount:    c.swapCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
		CircuitOpen:  c.circuitOpen.Load(),
	}
}
