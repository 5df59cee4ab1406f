package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Topics.
const (
	TopicTrades    = "swap.trades"
	TopicPositions = "swap.positions"
	TopicRisk      = "swap.risk_decisions"
	TopicAudit     = "audit.event_store"
)

// BaseEvent contains fields common to all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	TraceID       string    `json:"trace_id,omitempty"`
}

// NewBaseEvent creates a new BaseEvent. traceID links events of one swap;
// an empty traceID gets a generated one.
func NewBaseEvent(producer, schemaVersion, traceID string) BaseEvent {
	if traceID == "" {
		traceID = uuid.New().String()[:16]
	}
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: schemaVersion,
		Producer:      producer,
		TraceID:       traceID,
	}
}

// --- Execution Events ---

// TradeEvent is one terminal pipeline outcome.
type TradeEvent struct {
	BaseEvent
	SwapID      string          `json:"swap_id"`
	PairID      string          `json:"pair_id"`
	Side        string          `json:"side"` // BUY|SELL
	Success     bool            `json:"success"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	Error       string          `json:"error,omitempty"`
	Signature   string          `json:"signature,omitempty"`
	InputMint   string          `json:"input_mint"`
	OutputMint  string          `json:"output_mint"`
	InAmount    decimal.Decimal `json:"in_amount"`
	OutAmount   decimal.Decimal `json:"out_amount"`
	Attempts    int             `json:"attempts"`
	Submissions int             `json:"submissions"`
	LatencyMs   int64           `json:"latency_ms"`
}

// PositionEvent is a position open or close.
type PositionEvent struct {
	BaseEvent
	Event       string          `json:"event"` // open|close
	PositionID  string          `json:"position_id"`
	PairID      string          `json:"pair_id"`
	TokenMint   string          `json:"token_mint"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	EntryAmount decimal.Decimal `json:"entry_amount"`
	LastPrice   decimal.Decimal `json:"last_price"`
}

// --- Risk Events ---

type RiskDecision struct {
	BaseEvent
	Mint     string   `json:"mint"`
	Decision string   `json:"decision"` // allow|deny
	State    string   `json:"state"`
	Reasons  []string `json:"reason_codes"`
	Name     string   `json:"name,omitempty"`
	Creator  string   `json:"creator,omitempty"`
}
