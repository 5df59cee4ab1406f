package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State is a stage of a swap execution.
type State string

const (
	StateQuote     State = "QUOTE"
	StateSerialize State = "SERIALIZE"
	StateSign      State = "SIGN"
	StateSubmit    State = "SUBMIT"
	StateConfirm   State = "CONFIRM"
	StateDone      State = "DONE"
	StateFailed    State = "FAILED"
)

// Event triggers a state transition.
type Event string

const (
	EventQuoted     Event = "QUOTED"
	EventSerialized Event = "SERIALIZED"
	EventSigned     Event = "SIGNED"
	EventSubmitted  Event = "SUBMITTED"
	EventConfirmed  Event = "CONFIRMED"
	EventFail       Event = "FAIL"
	EventRestart    Event = "RESTART"
)

// transition defines an allowed state machine edge.
type transition struct {
	from  State
	event Event
}

// transitions is the authoritative transition table. Every valid
// (currentState, event) pair maps to exactly one target state.
var transitions = map[transition]State{
	{StateQuote, EventQuoted}:         StateSerialize,
	{StateSerialize, EventSerialized}: StateSign,
	{StateSign, EventSigned}:          StateSubmit,
	{StateSubmit, EventSubmitted}:     StateConfirm,
	{StateConfirm, EventConfirmed}:    StateDone,
}

func init() {
	for _, s := range []State{StateQuote, StateSerialize, StateSign, StateSubmit, StateConfirm} {
		transitions[transition{s, EventFail}] = StateFailed
		transitions[transition{s, EventRestart}] = StateQuote
	}
}

// TransitionRecord is one applied edge, as published to the audit trail.
type TransitionRecord struct {
	SwapID  string    `json:"swap_id"`
	PairID  string    `json:"pair_id"`
	Attempt int       `json:"attempt"`
	From    State     `json:"from"`
	Event   Event     `json:"event"`
	To      State     `json:"to"`
	Kind    ErrorKind `json:"kind,omitempty"`
	At      time.Time `json:"at"`
}

// Swap tracks one execution through the pipeline's state machine, across
// restarts. Safe for concurrent reads.
type Swap struct {
	mu sync.Mutex

	ID        string
	PairID    string
	Side      Side
	State     State
	Attempt   int // 1-based
	Kind      ErrorKind
	History   []TransitionRecord
	CreatedAt time.Time

	onTransition func(TransitionRecord)
}

// NewSwap creates a Swap in the QUOTE state.
func NewSwap(pairID string, side Side, onTransition func(TransitionRecord)) *Swap {
	return &Swap{
		ID:           uuid.New().String(),
		PairID:       pairID,
		Side:         side,
		State:        StateQuote,
		Attempt:      1,
		CreatedAt:    time.Now(),
		onTransition: onTransition,
	}
}

// Transition advances the swap. kind is recorded for FAIL and RESTART.
func (s *Swap) Transition(event Event, kind ErrorKind) error {
	s.mu.Lock()

	prev := s.State
	next, ok := transitions[transition{from: s.State, event: event}]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("invalid transition: state=%s event=%s", s.State, event)
	}

	s.State = next
	switch event {
	case EventRestart:
		s.Attempt++
		s.Kind = kind
	case EventFail:
		s.Kind = kind
	}

	rec := TransitionRecord{
		SwapID:  s.ID,
		PairID:  s.PairID,
		Attempt: s.Attempt,
		From:    prev,
		Event:   event,
		To:      next,
		Kind:    kind,
		At:      time.Now(),
	}
	s.History = append(s.History, rec)
	cb := s.onTransition
	s.mu.Unlock()

	log.Debug().
		Str("swap_id", rec.SwapID).
		Str("pair", rec.PairID).
		Int("attempt", rec.Attempt).
		Str("prev_state", string(prev)).
		Str("event", string(event)).
		Str("new_state", string(next)).
		Str("kind", string(kind)).
		Msg("swap state transition")

	if cb != nil {
		cb(rec)
	}
	return nil
}

// GetState returns the current state. Thread-safe.
func (s *Swap) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// IsTerminal returns true once the swap is DONE or FAILED. Thread-safe.
func (s *Swap) IsTerminal() bool {
	st := s.GetState()
	return st == StateDone || st == StateFailed
}
