package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nexus-trading/nexus-swap/internal/bus"
	"github.com/nexus-trading/nexus-swap/internal/execution"
	"github.com/nexus-trading/nexus-swap/internal/position"
	"github.com/nexus-trading/nexus-swap/internal/risk"
	"github.com/rs/zerolog/log"
)

// Entry event types.
const (
	EventRiskCheck      = "risk_check"
	EventTransition     = "transition"
	EventTrade          = "trade"
	EventPositionUpdate = "position_update"
)

// Entry is a single audit trail entry. Every risk decision, pipeline
// transition and position change is recorded as an Entry.
type Entry struct {
	TraceID   string    `json:"trace_id"` // swap id, position id or mint
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"ts"`
	PairID    string    `json:"pair_id,omitempty"`
	Mint      string    `json:"mint,omitempty"`
	Decision  string    `json:"decision,omitempty"` // allow|deny, the edge "FROM->TO", ok|KIND or open|close
	Payload   string    `json:"payload"`            // JSON of the full record
}

// Trail keeps a bounded in-memory buffer for querying and publishes every
// entry to the audit topic.
type Trail struct {
	mu       sync.Mutex
	producer bus.Producer
	entries  []Entry
	maxBuf   int
}

// NewTrail creates a new audit trail. maxBuf caps the in-memory buffer;
// the oldest entries are discarded first. 0 disables buffering. producer may
// be nil.
func NewTrail(producer bus.Producer, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Trail{
		producer: producer,
		entries:  make([]Entry, 0, maxBuf),
		maxBuf:   maxBuf,
	}
}

// RecordRiskCheck logs a risk decision. Usable as risk.Gate.SetOnDecision.
func (t *Trail) RecordRiskCheck(d risk.Decision) {
	decision := "deny"
	if d.Approved {
		decision = "allow"
	}
	t.record(Entry{
		TraceID:   string(d.Mint),
		EventType: EventRiskCheck,
		Timestamp: time.UnixMicro(d.Timestamp),
		Mint:      string(d.Mint),
		Decision:  decision,
		Payload:   mustMarshal(d),
	})
}

// RecordTransition logs one pipeline state machine edge.
func (t *Trail) RecordTransition(rec execution.TransitionRecord) {
	t.record(Entry{
		TraceID:   rec.SwapID,
		EventType: EventTransition,
		Timestamp: rec.At,
		PairID:    rec.PairID,
		Decision:  string(rec.From) + "->" + string(rec.To),
		Payload:   mustMarshal(rec),
	})
}

// RecordResult logs a terminal pipeline outcome.
func (t *Trail) RecordResult(req execution.SwapRequest, res execution.TradeResult) {
	outcome := "ok"
	if !res.Success {
		outcome = string(res.ErrorKind)
	}
	mint := req.OutputMint
	if req.Side == execution.SideSell {
		mint = req.InputMint
	}
	t.record(Entry{
		TraceID:   res.SwapID,
		EventType: EventTrade,
		Timestamp: time.Now(),
		PairID:    req.PairID,
		Mint:      string(mint),
		Decision:  outcome,
		Payload:   mustMarshal(res),
	})
}

// RecordPosition logs a position open or close.
func (t *Trail) RecordPosition(event string, pos position.Position) {
	t.record(Entry{
		TraceID:   pos.ID,
		EventType: EventPositionUpdate,
		Timestamp: time.Now(),
		PairID:    pos.PairID,
		Mint:      string(pos.TokenMint),
		Decision:  event,
		Payload:   mustMarshal(pos),
	})
}

// Query returns all buffered entries with the given trace ID.
func (t *Trail) Query(traceID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.TraceID == traceID {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of all entries in the in-memory buffer.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

// Len returns the number of entries in the in-memory buffer.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Trail) record(entry Entry) {
	t.mu.Lock()
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
	}
	t.mu.Unlock()

	if t.producer != nil {
		t.producer.PublishAsync(bus.TopicAudit, entry.TraceID, entry)
	}
}

// mustMarshal marshals v to JSON, returning "{}" on error.
func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("audit: marshal payload")
		return "{}"
	}
	return string(data)
}
