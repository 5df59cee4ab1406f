package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// WebSocket Signature Watcher: push confirmation via signatureSubscribe
// One short-lived connection per watched signature; polling is the fallback.
// ---------------------------------------------------------------------------

// SignatureWatcherConfig configures the signature watcher.
type SignatureWatcherConfig struct {
	WSEndpoint       string        `yaml:"ws_endpoint"`
	Commitment       string        `yaml:"commitment"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"` // max silence before giving up
}

// DefaultSignatureWatcherConfig returns defaults for mainnet.
func DefaultSignatureWatcherConfig() SignatureWatcherConfig {
	return SignatureWatcherConfig{
		WSEndpoint:       "wss://api.mainnet-beta.solana.com",
		Commitment:       "confirmed",
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
	}
}

// SignatureResult is emitted once the watched signature reaches the commitment.
type SignatureResult struct {
	Signature Signature `json:"signature"`
	Slot      uint64    `json:"slot"`
	Err       string    `json:"err,omitempty"` // non-empty = landed and failed
}

// SignatureWatcher subscribes to signature notifications.
type SignatureWatcher struct {
	config SignatureWatcherConfig

	nextID atomic.Int64

	// Stats.
	subscriptions atomic.Int64
	notifications atomic.Int64
	failures      atomic.Int64
}

// NewSignatureWatcher creates a watcher.
func NewSignatureWatcher(config SignatureWatcherConfig) *SignatureWatcher {
	if config.Commitment == "" {
		config.Commitment = "confirmed"
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 60 * time.Second
	}
	return &SignatureWatcher{config: config}
}

// Watch subscribes to sig. The returned channel yields at most one result and
// is closed when the subscription ends (result, ctx done, or socket error).
func (w *SignatureWatcher) Watch(ctx context.Context, sig Signature) (<-chan SignatureResult, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: w.config.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, w.config.WSEndpoint, http.Header{})
	if err != nil {
		w.failures.Add(1)
		return nil, fmt.Errorf("ws: dial: %w", err)
	}

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      w.nextID.Add(1),
		"method":  "signatureSubscribe",
		"params": []any{
			string(sig),
			map[string]any{"commitment": w.config.Commitment},
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		w.failures.Add(1)
		return nil, fmt.Errorf("ws: write subscribe: %w", err)
	}
	w.subscriptions.Add(1)

	out := make(chan SignatureResult, 1)
	go w.readLoop(ctx, conn, sig, out)
	return out, nil
}

func (w *SignatureWatcher) readLoop(ctx context.Context, conn *websocket.Conn, sig Signature, out chan<- SignatureResult) {
	defer close(out)
	defer conn.Close()

	// Unblock ReadMessage when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.failures.Add(1)
				log.Debug().Err(err).Str("sig", sig.Short()).Msg("ws: signature subscription ended")
			}
			return
		}

		res, ok := parseSignatureNotification(message)
		if !ok {
			continue
		}
		res.Signature = sig
		w.notifications.Add(1)
		out <- res
		return
	}
}

// parseSignatureNotification extracts the result of a signatureNotification.
// Subscription confirmations and other frames return ok=false.
func parseSignatureNotification(data []byte) (SignatureResult, bool) {
	var notification struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Context struct {
					Slot uint64 `json:"slot"`
				} `json:"context"`
				Value struct {
					Err json.RawMessage `json:"err"`
				} `json:"value"`
			} `json:"result"`
			Subscription int `json:"subscription"`
		} `json:"params"`
	}

	if err := json.Unmarshal(data, &notification); err != nil {
		return SignatureResult{}, false
	}
	if notification.Method != "signatureNotification" {
		return SignatureResult{}, false
	}

	res := SignatureResult{Slot: notification.Params.Result.Context.Slot}
	if e := notification.Params.Result.Value.Err; len(e) > 0 && string(e) != "null" {
		res.Err = string(e)
	}
	return res, true
}

// WatcherStats returns watcher statistics.
type WatcherStats struct {
	Subscriptions int64 `json:"subscriptions"`
	Notifications int64 `json:"notifications"`
	Failures      int64 `json:"failures"`
}

func (w *SignatureWatcher) Stats() WatcherStats {
	return WatcherStats{
		Subscriptions: w.subscriptions.Load(),
		Notifications: w.notifications.Load(),
		Failures:      w.failures.Load(),
	}
}
