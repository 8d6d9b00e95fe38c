// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds per-conversation state: accumulated intent slots,
// the clarification state machine, and raw query history. A Store keys
// sessions by id and serializes all access to any single session.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianSemQL/services/semql/ontology"
	"github.com/AleutianAI/AleutianSemQL/services/semql/resolve"
)

const (
	// DefaultMaxClarifyAttempts bounds consecutive clarification rounds
	// before a session is abandoned.
	DefaultMaxClarifyAttempts = 3

	// DefaultIdleTimeout is the inactivity window after which a session is
	// abandoned on next observation.
	DefaultIdleTimeout = 10 * time.Minute
)

var transitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "semql",
	Subsystem: "session",
	Name:      "transition_total",
	Help:      "Session state transitions by target state",
}, []string{"to"})

var abandonedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "semql",
	Subsystem: "session",
	Name:      "abandoned_total",
	Help:      "Sessions abandoned, by reason",
}, []string{"reason"})

// Status is the session lifecycle state.
type Status string

const (
	StatusNew        Status = "NEW"
	StatusInferred   Status = "INFERRED"
	StatusClarifying Status = "CLARIFYING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusExecuted   Status = "EXECUTED"
	StatusAbandoned  Status = "ABANDONED"
)

// allowedTransitions encodes the state machine. Abandoned is reachable
// from every non-terminal state and has no outgoing edges.
var allowedTransitions = map[Status][]Status{
	StatusNew:        {StatusInferred, StatusClarifying, StatusAbandoned},
	StatusInferred:   {StatusClarifying, StatusConfirmed, StatusAbandoned},
	StatusClarifying: {StatusClarifying, StatusInferred, StatusConfirmed, StatusAbandoned},
	// Confirmed may re-enter Inferred: a failed execution keeps the
	// confirmed intent, and the next utterance re-infers before retrying.
	StatusConfirmed: {StatusExecuted, StatusInferred, StatusClarifying, StatusAbandoned},
	StatusExecuted:   {StatusInferred, StatusClarifying, StatusAbandoned},
	StatusAbandoned:  {},
}

// AbandonReason explains why a session was abandoned.
type AbandonReason string

const (
	ReasonIdle              AbandonReason = "idle_timeout"
	ReasonAttemptsExhausted AbandonReason = "clarify_attempts_exhausted"
	ReasonReset             AbandonReason = "explicit_reset"
)

// AbandonedError reports an operation against an abandoned session.
type AbandonedError struct {
	SessionID string
	Reason    AbandonReason
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("session %s abandoned (%s)", e.SessionID, e.Reason)
}

// Turn is one append-only history record.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is the unit of conversational memory. Not safe for concurrent
// use on its own; the Store serializes access per session id.
type Session struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	// Slots is the accumulated intent in arrival order. A later utterance
	// overrides an earlier slot of the same kind in place; the metric
	// slot is unique, dimension and filter slots are keyed by node.
	Slots []resolve.IntentSlot `json:"slots"`

	// AggOverride is the latest explicit aggregation named by the user.
	AggOverride string `json:"agg_override,omitempty"`

	History []Turn `json:"history"`

	ClarifyAttempts   int                 `json:"clarify_attempts"`
	PendingKind       resolve.SlotKind    `json:"pending_kind,omitempty"`
	PendingCandidates []resolve.Candidate `json:"pending_candidates,omitempty"`

	LastActivity  time.Time     `json:"last_activity"`
	AbandonReason AbandonReason `json:"abandon_reason,omitempty"`

	// incarnation distinguishes reuses of the same session id (reset,
	// idle eviction). Downstream idempotence keys include it so a fresh
	// conversation never collides with a prior one's sequence numbers.
	incarnation string

	seq int64
}

// NewSession creates a session in state New.
func NewSession(id string, now time.Time) *Session {
	return &Session{ID: id, Status: StatusNew, LastActivity: now, incarnation: uuid.NewString()}
}

// Incarnation identifies this session object across reuses of its id.
func (s *Session) Incarnation() string { return s.incarnation }

// Transition moves the session to a new state, enforcing the state
// machine. Re-entering the current state is only legal for Clarifying.
func (s *Session) Transition(to Status) error {
	for _, next := range allowedTransitions[s.Status] {
		if next == to {
			s.Status = to
			transitionTotal.WithLabelValues(string(to)).Inc()
			return nil
		}
	}
	return fmt.Errorf("illegal session transition %s -> %s", s.Status, to)
}

// Terminal reports whether the session can take no further transitions.
func (s *Session) Terminal() bool { return s.Status == StatusAbandoned }

// Touch records activity.
func (s *Session) Touch(now time.Time) { s.LastActivity = now }

// IdleExpired reports whether the session has been inactive beyond the
// timeout. Terminal sessions never expire; they are already abandoned.
func (s *Session) IdleExpired(now time.Time, timeout time.Duration) bool {
	return !s.Terminal() && now.Sub(s.LastActivity) > timeout
}

// Abandon moves the session to the terminal state, recording why.
func (s *Session) Abandon(reason AbandonReason) {
	if s.Terminal() {
		return
	}
	s.Status = StatusAbandoned
	s.AbandonReason = reason
	s.PendingKind = ""
	s.PendingCandidates = nil
	transitionTotal.WithLabelValues(string(StatusAbandoned)).Inc()
	abandonedTotal.WithLabelValues(string(reason)).Inc()
}

// NextSeq returns the next query sequence number for this session. The
// shadow pipeline uses (session id, incarnation, seq) for idempotence.
func (s *Session) NextSeq() int64 {
	s.seq++
	return s.seq
}

// AppendHistory records one turn. History is append-only.
func (s *Session) AppendHistory(role, text string, now time.Time) {
	s.History = append(s.History, Turn{Role: role, Text: text, At: now})
}

// ApplySlots merges a resolution into the slot list with override
// semantics: a new metric replaces the prior metric slot in place, a new
// dimension or filter replaces the prior slot bound to the same node,
// and everything else persists in arrival order.
func (s *Session) ApplySlots(res *resolve.Resolution) {
	if res.Metric.State == resolve.OutcomeResolved && res.Metric.Slot != nil {
		s.upsert(*res.Metric.Slot)
	}
	for _, d := range res.Dimensions {
		s.upsert(d)
	}
	for _, f := range res.Filters {
		s.upsert(f)
	}
	if res.AggOverride != "" {
		s.AggOverride = res.AggOverride
	}
}

func (s *Session) upsert(slot resolve.IntentSlot) {
	for i := range s.Slots {
		prev := &s.Slots[i]
		if prev.Kind != slot.Kind {
			continue
		}
		switch slot.Kind {
		case resolve.SlotMetric:
			*prev = slot
			return
		case resolve.SlotDimension:
			if prev.NodeID == slot.NodeID {
				*prev = slot
				return
			}
		case resolve.SlotFilter:
			if prev.NodeID == slot.NodeID && prev.Operator == slot.Operator {
				*prev = slot
				return
			}
		}
	}
	s.Slots = append(s.Slots, slot)
}

// MetricSlot returns the bound metric slot, or nil.
func (s *Session) MetricSlot() *resolve.IntentSlot {
	for i := range s.Slots {
		if s.Slots[i].Kind == resolve.SlotMetric {
			return &s.Slots[i]
		}
	}
	return nil
}

// SlotsOfKind returns the bound slots of one kind in arrival order.
func (s *Session) SlotsOfKind(kind resolve.SlotKind) []resolve.IntentSlot {
	var out []resolve.IntentSlot
	for _, slot := range s.Slots {
		if slot.Kind == kind {
			out = append(out, slot)
		}
	}
	return out
}

// BeginClarify enters (or re-enters) Clarifying with an offered candidate
// set, incrementing the attempt counter.
//
// Outputs:
//
//	error - *AbandonedError when the configured maximum was already
//	        exhausted; the session is abandoned before returning.
func (s *Session) BeginClarify(kind resolve.SlotKind, candidates []resolve.Candidate, max int) error {
	if s.ClarifyAttempts >= max {
		s.Abandon(ReasonAttemptsExhausted)
		return &AbandonedError{SessionID: s.ID, Reason: ReasonAttemptsExhausted}
	}
	if err := s.Transition(StatusClarifying); err != nil {
		return err
	}
	s.ClarifyAttempts++
	s.PendingKind = kind
	s.PendingCandidates = candidates
	return nil
}

// ResolvePending applies a selected candidate for the pending ambiguity
// and clears the clarification state. The attempt counter resets: a later
// ambiguity starts its own budget. The slot kind follows the candidate's
// role when it has one; a shared alias can offer a dimension under a
// metric clarification.
func (s *Session) ResolvePending(c resolve.Candidate) {
	kind := s.PendingKind
	switch c.Role {
	case ontology.RoleMetric:
		kind = resolve.SlotMetric
	case ontology.RoleDimension:
		if kind != resolve.SlotFilter {
			kind = resolve.SlotDimension
		}
	}
	s.upsert(resolve.IntentSlot{
		Kind:       kind,
		NodeID:     c.NodeID,
		NodeKey:    c.Key,
		Span:       c.Alias,
		Confidence: 1.0,
	})
	s.ClearPending()
}

// ClearPending drops the offered candidates and resets the attempt
// counter without binding anything.
func (s *Session) ClearPending() {
	s.ClarifyAttempts = 0
	s.PendingKind = ""
	s.PendingCandidates = nil
}
