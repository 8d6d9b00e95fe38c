// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package shadow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianSemQL/services/semql/compile"
)

var dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "semql",
	Subsystem: "shadow",
	Name:      "dispatch_total",
	Help:      "Shadow dispatch outcomes: submitted, duplicate, dropped_cap",
}, []string{"outcome"})

var cycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "semql",
	Subsystem: "shadow",
	Name:      "cycle_total",
	Help:      "Completed shadow cycles: agreement, divergence, generator_error, sink_error",
}, []string{"outcome"})

// Task is one completed query handed to the shadow pipeline.
type Task struct {
	SessionID string

	// Incarnation distinguishes reuses of the same session id. A reset
	// conversation restarts Seq at 1 under a new incarnation, so its
	// cycles are not mistaken for duplicates of the old one's.
	Incarnation string

	Seq   int64
	Query string

	// Canonical is the deterministic compilation's semantic path.
	Canonical compile.CanonicalPath
}

// Sample is one correction record emitted on divergence.
type Sample struct {
	SessionID         string    `json:"session_id"`
	Seq               int64     `json:"seq"`
	Query             string    `json:"query"`
	DeterministicPath string    `json:"deterministic_path"`
	ExternalPath      string    `json:"external_path"`
	ObservedAt        time.Time `json:"observed_at"`
}

// Sink receives correction samples for later curation.
type Sink interface {
	Emit(ctx context.Context, sample Sample) error
}

// Options configure a Pipeline.
type Options struct {
	Workers          int
	PerSessionCap    int
	GeneratorTimeout time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// WithPerSessionCap bounds outstanding tasks per session.
func WithPerSessionCap(n int) Option {
	return func(o *Options) { o.PerSessionCap = n }
}

// WithGeneratorTimeout bounds each external generator call.
func WithGeneratorTimeout(d time.Duration) Option {
	return func(o *Options) { o.GeneratorTimeout = d }
}

// Pipeline dispatches shadow cycles onto a worker pool. Dispatch never
// blocks the caller and never surfaces an error to it; cycle failures
// are logged and counted only.
//
// Thread Safety: Pipeline is safe for concurrent use.
type Pipeline struct {
	pool    pond.Pool
	gen     Generator
	sink    Sink
	timeout time.Duration

	cap         int
	mu          sync.Mutex
	outstanding map[string]int

	// seen enforces idempotence per (session id, incarnation, seq).
	// Entries age out; re-dispatch after the window would need an
	// identical key, which a session incarnation never reissues.
	seen *ttlcache.Cache[string, struct{}]
}

// NewPipeline creates a Pipeline and starts its workers.
func NewPipeline(gen Generator, sink Sink, opts ...Option) *Pipeline {
	o := Options{
		Workers:          4,
		PerSessionCap:    8,
		GeneratorTimeout: defaultGeneratorTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](time.Hour),
	)
	go seen.Start()

	return &Pipeline{
		pool:        pond.NewPool(o.Workers),
		gen:         gen,
		sink:        sink,
		timeout:     o.GeneratorTimeout,
		cap:         o.PerSessionCap,
		outstanding: make(map[string]int),
		seen:        seen,
	}
}

// Dispatch queues one shadow cycle. Duplicate (session id, incarnation,
// seq) keys and sessions at their outstanding cap are dropped and
// counted.
//
// Thread Safety: Safe for concurrent use; never blocks on cycle work.
func (p *Pipeline) Dispatch(task Task) {
	key := fmt.Sprintf("%s:%s:%d", task.SessionID, task.Incarnation, task.Seq)

	p.mu.Lock()
	if p.seen.Has(key) {
		p.mu.Unlock()
		dispatchTotal.WithLabelValues("duplicate").Inc()
		return
	}
	if p.outstanding[task.SessionID] >= p.cap {
		p.mu.Unlock()
		dispatchTotal.WithLabelValues("dropped_cap").Inc()
		slog.Debug("shadow task dropped at per-session cap",
			slog.String("session_id", task.SessionID),
			slog.Int64("seq", task.Seq),
		)
		return
	}
	p.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)
	p.outstanding[task.SessionID]++
	p.mu.Unlock()

	dispatchTotal.WithLabelValues("submitted").Inc()
	p.pool.Submit(func() {
		defer func() {
			p.mu.Lock()
			p.outstanding[task.SessionID]--
			if p.outstanding[task.SessionID] <= 0 {
				delete(p.outstanding, task.SessionID)
			}
			p.mu.Unlock()
		}()
		p.runCycle(task)
	})
}

func (p *Pipeline) runCycle(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	triple, err := p.gen.GeneratePath(ctx, task.Query)
	if err != nil {
		cycleTotal.WithLabelValues("generator_error").Inc()
		slog.Warn("shadow cycle dropped",
			slog.String("session_id", task.SessionID),
			slog.Int64("seq", task.Seq),
			slog.String("error", err.Error()),
		)
		return
	}

	external := compile.NewCanonicalPath(triple.MetricKey, triple.DimensionKeys, triple.Constraints, nil)
	if task.Canonical.EqualTriple(external) {
		cycleTotal.WithLabelValues("agreement").Inc()
		return
	}

	sample := Sample{
		SessionID:         task.SessionID,
		Seq:               task.Seq,
		Query:             task.Query,
		DeterministicPath: task.Canonical.Render(),
		ExternalPath:      external.Render(),
		ObservedAt:        time.Now().UTC(),
	}
	if err := p.sink.Emit(ctx, sample); err != nil {
		cycleTotal.WithLabelValues("sink_error").Inc()
		slog.Warn("shadow sample not recorded",
			slog.String("session_id", task.SessionID),
			slog.Int64("seq", task.Seq),
			slog.String("error", err.Error()),
		)
		return
	}
	cycleTotal.WithLabelValues("divergence").Inc()
}

// Drain blocks until queued cycles finish. Intended for shutdown and
// tests; new dispatches after Drain are dropped by the stopped pool.
func (p *Pipeline) Drain() {
	p.pool.StopAndWait()
	p.seen.Stop()
}
