// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolve turns a raw utterance into intent slots over the
// controlled vocabulary. Matching outcomes are expressed as an explicit
// tagged result (Resolved / Ambiguous / Unresolved) so the session state
// machine consumes them uniformly instead of branching on match internals.
package resolve

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianSemQL/services/semql/index"
	"github.com/AleutianAI/AleutianSemQL/services/semql/ontology"
)

var resolverOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "semql",
	Subsystem: "resolver",
	Name:      "outcome_total",
	Help:      "Metric-slot resolution outcomes: resolved, ambiguous, unresolved",
}, []string{"outcome"})

var resolverTracer = otel.Tracer("aleutian.semql.resolve")

// SlotKind classifies one resolved piece of intent.
type SlotKind string

const (
	SlotMetric    SlotKind = "METRIC"
	SlotDimension SlotKind = "DIMENSION"
	SlotFilter    SlotKind = "FILTER"
)

// IntentSlot is one resolved piece of the user's analytic intent.
type IntentSlot struct {
	Kind    SlotKind `json:"kind"`
	NodeID  string   `json:"node_id"`
	NodeKey string   `json:"node_key"`

	// Span is the raw text that produced the slot.
	Span string `json:"span"`

	// Confidence is 1.0 for exact matches, 1/(1+distance) otherwise.
	Confidence float64 `json:"confidence"`

	// Operator and Value apply to filter slots only.
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value,omitempty"`
}

// Candidate is one competing binding offered for clarification.
type Candidate struct {
	NodeID string        `json:"node_id"`
	Key    string        `json:"key"`
	Label  string        `json:"label"`
	Role   ontology.Role `json:"role"`
	Alias  string        `json:"alias"`
	Score  int           `json:"score"`
}

// OutcomeState tags a resolution outcome.
type OutcomeState string

const (
	OutcomeResolved   OutcomeState = "resolved"
	OutcomeAmbiguous  OutcomeState = "ambiguous"
	OutcomeUnresolved OutcomeState = "unresolved"
)

// Outcome is the tagged result for one slot kind: exactly one of Slot
// (resolved) or Candidates (ambiguous) is populated; unresolved carries
// neither.
type Outcome struct {
	State      OutcomeState
	Slot       *IntentSlot
	Candidates []Candidate
}

// Ambiguity is a non-metric ambiguous span that needs clarification.
type Ambiguity struct {
	Kind       SlotKind
	Span       string
	Candidates []Candidate
}

// Resolution is the full result of resolving one utterance.
type Resolution struct {
	Metric     Outcome
	Dimensions []IntentSlot
	Filters    []IntentSlot
	Ambiguous  []Ambiguity

	// AggOverride is a non-empty aggregation function when the utterance
	// explicitly names one ("average", "平均", ...).
	AggOverride string
}

// NeedsClarification reports whether any slot kind is ambiguous.
func (r *Resolution) NeedsClarification() bool {
	return r.Metric.State == OutcomeAmbiguous || len(r.Ambiguous) > 0
}

var dateRE = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// aggWords maps explicit aggregation phrases to SQL functions. ASCII
// entries match as whole tokens; CJK entries match as substrings.
var aggWords = []struct {
	word string
	fn   string
	cjk  bool
}{
	{"平均", "AVG", true},
	{"均值", "AVG", true},
	{"average", "AVG", false},
	{"avg", "AVG", false},
	{"最大", "MAX", true},
	{"max", "MAX", false},
	{"最小", "MIN", true},
	{"min", "MIN", false},
	{"总数", "COUNT", true},
	{"笔数", "COUNT", true},
	{"count", "COUNT", false},
}

// Resolver resolves utterances against an ontology snapshot and alias
// index. Stateless with respect to request data; safe to share across
// workers.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve maps an utterance onto intent slots.
//
// Description:
//
//	Scans the utterance for contained aliases (exact hits), falling back
//	to bounded edit-distance lookup per token when no metric surfaced.
//	A span whose comparably scored candidates bind different ontology
//	nodes is ambiguous; ambiguity involving a metric candidate is
//	reported on the metric outcome, anything else under Ambiguous.
//	Dimension value vocabulary (label → code) and bare YYYY-MM-DD dates
//	produce filter slots; dates bind to DATE-typed dimensions reachable
//	from the resolved metric.
//
// Inputs:
//
//	ctx       - Context for tracing. Must not be nil.
//	utterance - Raw query text.
//	snap      - Current ontology snapshot.
//	ix        - Current alias index generation.
//
// Outputs:
//
//	*Resolution - The tagged resolution. Never nil.
//
// Thread Safety: Safe for concurrent use.
func (rv *Resolver) Resolve(ctx context.Context, utterance string, snap *ontology.Snapshot, ix *index.Index) *Resolution {
	_, span := resolverTracer.Start(ctx, "resolve.Resolver.Resolve",
		trace.WithAttributes(attribute.Int("utterance_len", len(utterance))),
	)
	defer span.End()

	res := &Resolution{AggOverride: detectAggOverride(utterance)}

	hits := ix.Scan(utterance)

	// Group hits by span offset; identical offsets with comparable scores
	// and distinct nodes are ambiguous.
	byStart := make(map[int][]index.Hit)
	var starts []int
	for _, h := range hits {
		if _, ok := byStart[h.Start]; !ok {
			starts = append(starts, h.Start)
		}
		byStart[h.Start] = append(byStart[h.Start], h)
	}
	sort.Ints(starts)

	metricNodes := make(map[string]index.Hit)
	dimensionNodes := make(map[string]index.Hit)

	for _, start := range starts {
		group := byStart[start]
		if ambiguousGroup(group) {
			cands := candidatesOf(group)
			if groupHasRole(group, ontology.RoleMetric) {
				res.Metric = Outcome{State: OutcomeAmbiguous, Candidates: cands}
			} else {
				res.Ambiguous = append(res.Ambiguous, Ambiguity{
					Kind:       SlotDimension,
					Span:       group[0].Alias,
					Candidates: cands,
				})
			}
			continue
		}
		h := group[0]
		switch h.Role {
		case ontology.RoleMetric:
			metricNodes[h.EntityID] = h
		case ontology.RoleDimension:
			dimensionNodes[h.EntityID] = h
		}
	}

	if res.Metric.State != OutcomeAmbiguous {
		res.Metric = rv.metricOutcome(metricNodes, utterance, ix)
	}
	resolverOutcomeTotal.WithLabelValues(string(res.Metric.State)).Inc()

	for id, h := range dimensionNodes {
		res.Dimensions = append(res.Dimensions, IntentSlot{
			Kind:       SlotDimension,
			NodeID:     id,
			NodeKey:    h.Key,
			Span:       h.Alias,
			Confidence: confidence(h.Score),
		})
	}
	sort.Slice(res.Dimensions, func(i, j int) bool {
		return res.Dimensions[i].NodeKey < res.Dimensions[j].NodeKey
	})

	res.Filters = rv.detectFilters(utterance, snap, res.Metric.Slot)

	span.SetAttributes(
		attribute.String("metric_outcome", string(res.Metric.State)),
		attribute.Int("dimensions", len(res.Dimensions)),
		attribute.Int("filters", len(res.Filters)),
	)
	return res
}

// metricOutcome folds exact metric hits (and, when there are none, a
// per-token approximate pass) into a tagged outcome.
func (rv *Resolver) metricOutcome(exact map[string]index.Hit, utterance string, ix *index.Index) Outcome {
	switch len(exact) {
	case 1:
		for id, h := range exact {
			return Outcome{State: OutcomeResolved, Slot: &IntentSlot{
				Kind:       SlotMetric,
				NodeID:     id,
				NodeKey:    h.Key,
				Span:       h.Alias,
				Confidence: confidence(h.Score),
			}}
		}
	case 0:
		// Fall through to approximate token matching.
	default:
		// Two exactly named metrics in one utterance: the intent has a
		// single aggregation target, so this must clarify.
		var cands []Candidate
		for _, h := range exact {
			cands = append(cands, asCandidate(h.Match))
		}
		sortCandidates(cands)
		return Outcome{State: OutcomeAmbiguous, Candidates: cands}
	}

	best := -1
	byNode := make(map[string]index.Match)
	for _, token := range tokenize(utterance) {
		for _, m := range ix.Lookup(token) {
			if m.Role != ontology.RoleMetric {
				continue
			}
			if best < 0 || m.Score < best {
				best = m.Score
			}
			if prev, ok := byNode[m.EntityID]; !ok || m.Score < prev.Score {
				byNode[m.EntityID] = m
			}
		}
	}
	if best < 0 {
		return Outcome{State: OutcomeUnresolved}
	}

	var top []index.Match
	for _, m := range byNode {
		if m.Score == best {
			top = append(top, m)
		}
	}
	if len(top) == 1 {
		m := top[0]
		return Outcome{State: OutcomeResolved, Slot: &IntentSlot{
			Kind:       SlotMetric,
			NodeID:     m.EntityID,
			NodeKey:    m.Key,
			Span:       m.Alias,
			Confidence: confidence(m.Score),
		}}
	}
	var cands []Candidate
	for _, m := range top {
		cands = append(cands, asCandidate(m))
	}
	sortCandidates(cands)
	return Outcome{State: OutcomeAmbiguous, Candidates: cands}
}

// detectFilters finds value-vocabulary hits and date spans.
func (rv *Resolver) detectFilters(utterance string, snap *ontology.Snapshot, metric *IntentSlot) []IntentSlot {
	var filters []IntentSlot
	seen := make(map[string]bool)

	add := func(node *ontology.EntityMapping, span, value string) {
		key := node.ID + ":" + value
		if seen[key] {
			return
		}
		seen[key] = true
		filters = append(filters, IntentSlot{
			Kind:       SlotFilter,
			NodeID:     node.ID,
			NodeKey:    node.Key,
			Span:       span,
			Confidence: 1.0,
			Operator:   "=",
			Value:      value,
		})
	}

	for _, node := range snap.Nodes() {
		if node.Role != ontology.RoleDimension {
			continue
		}
		for _, v := range node.Values {
			if v.Label != "" && strings.Contains(utterance, v.Label) {
				add(node, v.Label, v.Code)
			}
		}
	}

	if date := dateRE.FindString(utterance); date != "" && metric != nil {
		for _, node := range snap.Nodes() {
			if node.Role != ontology.RoleDimension || node.SemanticType != ontology.SemanticTypeDate {
				continue
			}
			if snap.Reachable(metric.NodeID, node.ID) {
				add(node, date, date)
			}
		}
	}

	sort.Slice(filters, func(i, j int) bool {
		if filters[i].NodeKey != filters[j].NodeKey {
			return filters[i].NodeKey < filters[j].NodeKey
		}
		return filters[i].Value < filters[j].Value
	})
	return filters
}

// SelectCandidate resolves a clarification reply against previously
// offered candidates.
//
// Description:
//
//	Accepts either a bare 1-based ordinal ("2") or narrowing text that
//	uniquely names one candidate by label, key, or offered alias. A reply
//	naming zero or more than one candidate does not select.
//
// Inputs:
//
//	reply      - The disambiguating utterance.
//	candidates - Candidates previously offered, in offer order.
//
// Outputs:
//
//	*Candidate - The selected candidate, or nil.
//	bool       - True when exactly one candidate was selected.
func SelectCandidate(reply string, candidates []Candidate) (*Candidate, bool) {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" || len(candidates) == 0 {
		return nil, false
	}

	if n, ok := parseOrdinal(trimmed); ok && n >= 1 && n <= len(candidates) {
		return &candidates[n-1], true
	}

	lower := strings.ToLower(trimmed)
	var picked *Candidate
	for i := range candidates {
		c := &candidates[i]
		if matchesCandidate(lower, c) {
			if picked != nil && picked.NodeID != c.NodeID {
				return nil, false // still ambiguous
			}
			picked = c
		}
	}
	return picked, picked != nil
}

func matchesCandidate(lowerReply string, c *Candidate) bool {
	for _, probe := range []string{c.Label, c.Key, c.Alias} {
		p := strings.ToLower(probe)
		if p != "" && (p == lowerReply || strings.Contains(lowerReply, p)) {
			return true
		}
	}
	return false
}

func parseOrdinal(s string) (int, bool) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return 0, false
	}
	return n, true
}

func detectAggOverride(utterance string) string {
	tokens := tokenize(utterance)
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}
	for _, w := range aggWords {
		if w.cjk {
			if strings.Contains(utterance, w.word) {
				return w.fn
			}
			continue
		}
		if tokenSet[w.word] {
			return w.fn
		}
	}
	return ""
}

// tokenize splits an utterance into lowercase ASCII word tokens. CJK text
// has no delimiters and is handled by substring scanning instead.
func tokenize(utterance string) []string {
	fields := strings.FieldsFunc(utterance, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case r == '_' || r == '-':
			return false
		default:
			return true
		}
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.ToLower(f))
	}
	return out
}

func confidence(score int) float64 {
	return 1.0 / float64(1+score)
}

func ambiguousGroup(group []index.Hit) bool {
	if len(group) < 2 {
		return false
	}
	first := group[0]
	for _, h := range group[1:] {
		if h.EntityID != first.EntityID && h.Score == first.Score {
			return true
		}
	}
	return false
}

func groupHasRole(group []index.Hit, role ontology.Role) bool {
	for _, h := range group {
		if h.Role == role {
			return true
		}
	}
	return false
}

func candidatesOf(group []index.Hit) []Candidate {
	var cands []Candidate
	seen := make(map[string]bool)
	for _, h := range group {
		if seen[h.EntityID] {
			continue
		}
		seen[h.EntityID] = true
		cands = append(cands, asCandidate(h.Match))
	}
	sortCandidates(cands)
	return cands
}

func asCandidate(m index.Match) Candidate {
	return Candidate{
		NodeID: m.EntityID,
		Key:    m.Key,
		Label:  m.Label,
		Role:   m.Role,
		Alias:  m.Alias,
		Score:  m.Score,
	}
}

func sortCandidates(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score < cands[j].Score
		}
		return cands[i].NodeID < cands[j].NodeID
	})
}
