package bus

import (
	"github.com/nexus-trading/nexus-swap/internal/execution"
	"github.com/nexus-trading/nexus-swap/internal/position"
	"github.com/nexus-trading/nexus-swap/internal/risk"
)

// EventPublisher turns pipeline, tracker and risk callbacks into bus events.
type EventPublisher struct {
	producer      Producer
	name          string
	schemaVersion string
}

// NewEventPublisher creates a publisher. name identifies this instance in
// every event's BaseEvent.Producer.
func NewEventPublisher(producer Producer, name string) *EventPublisher {
	return &EventPublisher{producer: producer, name: name, schemaVersion: "1.0.0"}
}

// NewTradeEvent builds the event for one pipeline outcome.
func (e *EventPublisher) NewTradeEvent(req execution.SwapRequest, res execution.TradeResult) TradeEvent {
	ev := TradeEvent{
		BaseEvent:   NewBaseEvent(e.name, e.schemaVersion, res.SwapID),
		SwapID:      res.SwapID,
		PairID:      req.PairID,
		Side:        string(req.Side),
		Success:     res.Success,
		ErrorKind:   string(res.ErrorKind),
		Error:       res.Error,
		InputMint:   string(req.InputMint),
		OutputMint:  string(req.OutputMint),
		InAmount:    res.InAmount,
		OutAmount:   res.OutAmount,
		Attempts:    res.Attempts,
		Submissions: res.Submissions,
		LatencyMs:   res.Latency.Milliseconds(),
	}
	if res.Signature != nil {
		ev.Signature = string(*res.Signature)
	}
	return ev
}

// RecordResult is a pipeline result callback. Events are keyed by pair so a
// pair's trades stay ordered within a partition.
func (e *EventPublisher) RecordResult(req execution.SwapRequest, res execution.TradeResult) {
	e.producer.PublishAsync(TopicTrades, req.PairID, e.NewTradeEvent(req, res))
}

// RecordPosition is a position tracker change callback.
func (e *EventPublisher) RecordPosition(event string, pos position.Position) {
	e.producer.PublishAsync(TopicPositions, pos.PairID, PositionEvent{
		BaseEvent:   NewBaseEvent(e.name, e.schemaVersion, pos.ID),
		Event:       event,
		PositionID:  pos.ID,
		PairID:      pos.PairID,
		TokenMint:   string(pos.TokenMint),
		EntryPrice:  pos.EntryPrice,
		EntryAmount: pos.EntryAmount,
		LastPrice:   pos.LastPrice,
	})
}

// RecordDecision is a risk gate decision callback.
func (e *EventPublisher) RecordDecision(d risk.Decision) {
	decision := "deny"
	if d.Approved {
		decision = "allow"
	}
	e.producer.PublishAsync(TopicRisk, string(d.Mint), RiskDecision{
		BaseEvent: NewBaseEvent(e.name, e.schemaVersion, ""),
		Mint:      string(d.Mint),
		Decision:  decision,
		State:     string(d.State),
		Reasons:   d.Reasons,
		Name:      d.Name,
		Creator:   d.Creator,
	})
}
