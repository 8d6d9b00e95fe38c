// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package semql wires the resolution, session, compilation, execution,
// and shadow subsystems into one query-answering service and exposes
// them over HTTP.
package semql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianSemQL/services/semql/compile"
	"github.com/AleutianAI/AleutianSemQL/services/semql/executor"
	"github.com/AleutianAI/AleutianSemQL/services/semql/index"
	"github.com/AleutianAI/AleutianSemQL/services/semql/ontology"
	"github.com/AleutianAI/AleutianSemQL/services/semql/resolve"
	"github.com/AleutianAI/AleutianSemQL/services/semql/session"
	"github.com/AleutianAI/AleutianSemQL/services/semql/shadow"
)

var reloadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "semql",
	Subsystem: "service",
	Name:      "reload_total",
	Help:      "Ontology reloads by outcome",
}, []string{"outcome"})

var queryStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "semql",
	Subsystem: "service",
	Name:      "query_status_total",
	Help:      "Submitted queries by resulting session status",
}, []string{"status"})

var serviceTracer = otel.Tracer("aleutian.semql.service")

// QueryResponse is the outcome of one submitted utterance.
type QueryResponse struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`

	// Prompt and Candidates are set when the session needs clarification.
	Prompt     string              `json:"prompt,omitempty"`
	Candidates []resolve.Candidate `json:"candidates,omitempty"`

	// SQL, Rows, and Canonical are set when the query executed.
	SQL       string           `json:"sql,omitempty"`
	Rows      []map[string]any `json:"rows,omitempty"`
	Canonical string           `json:"canonical,omitempty"`
}

// generationView pairs one ontology snapshot with the alias index built
// from it. The pair is published through a single atomic pointer so a
// reader never holds an index from one generation and a snapshot from
// another.
type generationView struct {
	snap *ontology.Snapshot
	ix   *index.Index
}

// Service owns the shared read-mostly structures and the collaborators
// that act on them. The ontology snapshot and alias index are replaced
// wholesale on reload; readers never observe a torn structure.
//
// Thread Safety: Service is safe for concurrent use.
type Service struct {
	store    ontology.Store
	sessions *session.Store
	resolver *resolve.Resolver
	compiler *compile.Compiler
	pools    *executor.PoolManager
	shadow   *shadow.Pipeline

	view       atomic.Pointer[generationView]
	generation atomic.Uint64
}

// ServiceConfig carries the collaborators a Service needs. Shadow may be
// nil to disable the evolution pipeline.
type ServiceConfig struct {
	Store    ontology.Store
	Sessions *session.Store
	Pools    *executor.PoolManager
	Shadow   *shadow.Pipeline
}

// NewService builds a Service and performs the initial ontology load.
func NewService(ctx context.Context, cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("semql: ontology store is required")
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewStore()
	}
	if cfg.Pools == nil {
		cfg.Pools = executor.NewPoolManager()
	}

	s := &Service{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		resolver: resolve.NewResolver(),
		compiler: compile.NewCompiler(),
		pools:    cfg.Pools,
		shadow:   cfg.Shadow,
	}
	if err := s.Reload(ctx); err != nil {
		return nil, fmt.Errorf("semql: initial ontology load: %w", err)
	}
	return s, nil
}

// Reload rebuilds the snapshot and alias index from the store and swaps
// them in atomically. In-flight requests keep the generation they
// started with.
func (s *Service) Reload(ctx context.Context) error {
	contents, err := s.store.Load(ctx)
	if err != nil {
		reloadTotal.WithLabelValues("load_error").Inc()
		return err
	}
	gen := s.generation.Add(1)
	snap, err := ontology.NewSnapshot(gen, contents.Mappings, contents.Relations, contents.Sources)
	if err != nil {
		reloadTotal.WithLabelValues("invalid").Inc()
		return err
	}
	s.view.Store(&generationView{snap: snap, ix: index.FromSnapshot(snap)})
	reloadTotal.WithLabelValues("ok").Inc()
	slog.Info("ontology reloaded",
		slog.Uint64("generation", gen),
		slog.Int("nodes", snap.Len()),
	)
	return nil
}

// WatchReloads reloads on store change notifications until ctx ends.
// A failed reload keeps the previous generation serving.
func (s *Service) WatchReloads(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-s.store.Changes():
			if !ok {
				return nil
			}
			if err := s.Reload(ctx); err != nil {
				slog.Error("ontology reload failed, keeping previous generation",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Snapshot returns the current ontology snapshot.
func (s *Service) Snapshot() *ontology.Snapshot { return s.view.Load().snap }

// SubmitQuery processes one utterance for a session and drives the
// session state machine to its next state.
//
// Description:
//
//	Under exclusive access to the session, resolves the utterance (or
//	treats it as a clarification reply when one is pending), merges the
//	outcome into the session slots, and either asks for clarification,
//	reports abandonment, or compiles, executes, and dispatches the
//	shadow cycle.
//
// Inputs:
//
//	ctx       - Bounds resolution and execution. Must not be nil.
//	sessionID - Conversation id. Must be non-empty.
//	text      - Raw utterance.
//
// Outputs:
//
//	*QueryResponse - The session's externally visible outcome.
//	error          - *session.AbandonedError, *executor.ExecutionError,
//	                 or a plain error for malformed input.
//
// Thread Safety: Safe for concurrent use; utterances for one session
// serialize.
func (s *Service) SubmitQuery(ctx context.Context, sessionID, text string) (*QueryResponse, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("semql: session id is required")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("semql: query text is required")
	}

	ctx, span := serviceTracer.Start(ctx, "semql.Service.SubmitQuery",
		trace.WithAttributes(attribute.String("session_id", sessionID)),
	)
	defer span.End()

	var resp *QueryResponse
	err := s.sessions.With(ctx, sessionID, func(sess *session.Session) error {
		if sess.Terminal() {
			return &session.AbandonedError{SessionID: sessionID, Reason: sess.AbandonReason}
		}

		sess.Touch(s.sessions.Now())
		sess.AppendHistory("user", text, s.sessions.Now())

		var err error
		resp, err = s.advance(ctx, sess, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	queryStatusTotal.WithLabelValues(string(resp.Status)).Inc()
	span.SetAttributes(attribute.String("status", string(resp.Status)))
	return resp, nil
}

// advance runs one state-machine step for an utterance. Caller holds the
// session.
func (s *Service) advance(ctx context.Context, sess *session.Session, text string) (*QueryResponse, error) {
	view := s.view.Load()
	snap, ix := view.snap, view.ix

	// A pending clarification first tries the reply as a selection among
	// the offered candidates.
	if sess.Status == session.StatusClarifying && len(sess.PendingCandidates) > 0 {
		if picked, ok := resolve.SelectCandidate(text, sess.PendingCandidates); ok {
			sess.ResolvePending(*picked)
			if sess.MetricSlot() == nil {
				return s.clarify(sess, resolve.SlotMetric, nil,
					"I could not identify a metric in that query. Which measure do you want?")
			}
			if err := sess.Transition(session.StatusConfirmed); err != nil {
				return nil, err
			}
			return s.compileAndExecute(ctx, sess, text, snap)
		}
	}

	res := s.resolver.Resolve(ctx, text, snap, ix)
	sess.ApplySlots(res)

	if res.Metric.State == resolve.OutcomeAmbiguous {
		return s.clarify(sess, resolve.SlotMetric, res.Metric.Candidates,
			clarifyPrompt("metric", res.Metric.Candidates))
	}
	if len(res.Ambiguous) > 0 {
		amb := res.Ambiguous[0]
		return s.clarify(sess, amb.Kind, amb.Candidates,
			clarifyPrompt(amb.Span, amb.Candidates))
	}
	if sess.MetricSlot() == nil {
		return s.clarify(sess, resolve.SlotMetric, nil,
			"I could not identify a metric in that query. Which measure do you want?")
	}

	if sess.Status == session.StatusClarifying {
		sess.ClearPending()
	}
	if sess.Status != session.StatusInferred {
		if err := sess.Transition(session.StatusInferred); err != nil {
			return nil, err
		}
	}
	if err := sess.Transition(session.StatusConfirmed); err != nil {
		return nil, err
	}
	return s.compileAndExecute(ctx, sess, text, snap)
}

// clarify re-enters Clarifying, translating an exhausted attempt budget
// into the abandoned error.
func (s *Service) clarify(sess *session.Session, kind resolve.SlotKind, cands []resolve.Candidate, prompt string) (*QueryResponse, error) {
	if err := sess.BeginClarify(kind, cands, s.sessions.MaxClarifyAttempts()); err != nil {
		return nil, err
	}
	sess.AppendHistory("system", prompt, s.sessions.Now())
	return &QueryResponse{
		SessionID:  sess.ID,
		Status:     sess.Status,
		Prompt:     prompt,
		Candidates: cands,
	}, nil
}

// compileAndExecute compiles the session's intent, runs the SQL, and
// dispatches the shadow cycle. Compiler failures send the session back
// to Clarifying naming the missing capability.
func (s *Service) compileAndExecute(ctx context.Context, sess *session.Session, text string, snap *ontology.Snapshot) (*QueryResponse, error) {
	intent := intentFromSession(sess)

	result, err := s.compiler.Compile(ctx, snap, intent)
	if err != nil {
		var njp *ontology.NoJoinPathError
		if errors.As(err, &njp) {
			return s.clarify(sess, resolve.SlotDimension, nil, fmt.Sprintf(
				"No join path connects %s to the rest of the query. Drop it or register a relation.",
				njp.UnreachableLabel,
			))
		}
		var ace *compile.AmbiguousConstraintError
		if errors.As(err, &ace) {
			return s.clarify(sess, resolve.SlotFilter, nil, fmt.Sprintf(
				"Conflicting constraints on %s (%s). Which value did you mean?",
				ace.Column, strings.Join(ace.Values, " vs "),
			))
		}
		return nil, err
	}

	src, ok := snap.Source(result.SourceID)
	if !ok {
		return s.clarify(sess, resolve.SlotMetric, nil, fmt.Sprintf(
			"The metric's data source %q is not registered.", result.SourceID,
		))
	}

	rows, err := s.pools.Execute(ctx, src, result.SQL)
	if err != nil {
		// The intent stays Confirmed; the caller may retry execution.
		return nil, err
	}

	if err := sess.Transition(session.StatusExecuted); err != nil {
		return nil, err
	}

	seq := sess.NextSeq()
	if s.shadow != nil {
		s.shadow.Dispatch(shadow.Task{
			SessionID:   sess.ID,
			Incarnation: sess.Incarnation(),
			Seq:         seq,
			Query:       text,
			Canonical:   result.Canonical,
		})
	}

	return &QueryResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
		SQL:       result.SQL,
		Rows:      rows,
		Canonical: result.Canonical.Render(),
	}, nil
}

// intentFromSession projects the session's slot list onto a compiler
// intent.
func intentFromSession(sess *session.Session) compile.Intent {
	intent := compile.Intent{AggOverride: sess.AggOverride}
	if m := sess.MetricSlot(); m != nil {
		intent.MetricID = m.NodeID
	}
	for _, d := range sess.SlotsOfKind(resolve.SlotDimension) {
		intent.DimensionIDs = append(intent.DimensionIDs, d.NodeID)
	}
	for _, f := range sess.SlotsOfKind(resolve.SlotFilter) {
		intent.Filters = append(intent.Filters, compile.Filter{
			NodeID:   f.NodeID,
			Operator: f.Operator,
			Value:    f.Value,
		})
	}
	return intent
}

func clarifyPrompt(subject string, cands []resolve.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%q matches multiple entities:", subject)
	for i, c := range cands {
		fmt.Fprintf(&b, " %d) %s [%s]", i+1, c.Label, strings.ToLower(string(c.Role)))
	}
	b.WriteString(". Reply with a number or a more specific name.")
	return b.String()
}

// ResetSession discards the session's state, yielding a fresh one on the
// next utterance.
func (s *Service) ResetSession(id string) {
	s.sessions.Reset(id)
}

// SessionSnapshot returns a copy of the session state, or nil.
func (s *Service) SessionSnapshot(id string) *session.Session {
	return s.sessions.Snapshot(id)
}

// Mappings lists the snapshot's entity mappings in key order.
func (s *Service) Mappings() []ontology.EntityMapping {
	snap := s.view.Load().snap
	nodes := snap.Nodes()
	out := make([]ontology.EntityMapping, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, *n)
	}
	return out
}

// SaveMapping persists a mapping and rebuilds the snapshot so the new
// vocabulary is live before the call returns.
func (s *Service) SaveMapping(ctx context.Context, m ontology.EntityMapping) (ontology.EntityMapping, error) {
	stored, err := s.store.SaveMapping(ctx, m)
	if err != nil {
		return ontology.EntityMapping{}, err
	}
	if err := s.Reload(ctx); err != nil {
		return ontology.EntityMapping{}, fmt.Errorf("mapping saved but reload failed: %w", err)
	}
	return stored, nil
}

// Sources lists the registered data sources.
func (s *Service) Sources() []ontology.DataSource {
	return s.view.Load().snap.Sources()
}

// SaveSource registers a data source and rebuilds the snapshot.
func (s *Service) SaveSource(ctx context.Context, src ontology.DataSource) error {
	if err := s.store.SaveSource(ctx, src); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// ListTables probes a registered source for its table names.
func (s *Service) ListTables(ctx context.Context, sourceID string) ([]string, error) {
	src, ok := s.view.Load().snap.Source(sourceID)
	if !ok {
		return nil, fmt.Errorf("unknown data source %q", sourceID)
	}
	return s.pools.ListTables(ctx, src)
}

// ListColumns probes a table in a registered source.
func (s *Service) ListColumns(ctx context.Context, sourceID, table string) ([]string, error) {
	src, ok := s.view.Load().snap.Source(sourceID)
	if !ok {
		return nil, fmt.Errorf("unknown data source %q", sourceID)
	}
	return s.pools.ListColumns(ctx, src, table)
}

// Close releases pools, sessions, and the store watcher.
func (s *Service) Close() error {
	s.sessions.Close()
	if s.shadow != nil {
		s.shadow.Drain()
	}
	err := s.pools.Close()
	if storeErr := s.store.Close(); storeErr != nil && err == nil {
		err = storeErr
	}
	return err
}
