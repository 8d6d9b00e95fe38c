// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ontology

import (
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var joinPathTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "semql",
	Subsystem: "ontology",
	Name:      "join_path_total",
	Help:      "Join path queries by outcome: found, same_table, unreachable",
}, []string{"outcome"})

// NoJoinPathError reports that a dimension's table cannot be connected to
// the metric's table through the relation graph.
type NoJoinPathError struct {
	// MetricID is the node the search started from.
	MetricID string

	// Unreachable is the node whose table could not be reached.
	Unreachable string

	// UnreachableLabel is Unreachable's display label, for prompts.
	UnreachableLabel string
}

func (e *NoJoinPathError) Error() string {
	return fmt.Sprintf("no join path from metric %s to node %s (%s)",
		e.MetricID, e.Unreachable, e.UnreachableLabel)
}

// JoinEdge is one relation selected into a query plan. Tables are the
// physical tables of the two endpoints; Predicate is inserted verbatim.
type JoinEdge struct {
	FromID    string
	ToID      string
	FromTable string
	ToTable   string
	Predicate string
}

// Snapshot is one immutable generation of the ontology: all nodes, their
// relations, and the data sources they bind to.
//
// Description:
//
//	Built wholesale from the mapping store's current contents and replaced
//	atomically on reload. A Snapshot is never mutated after construction,
//	so any number of readers may use it concurrently without locks; a
//	reader holding an old generation simply finishes on stale data.
//
// Thread Safety: Immutable after NewSnapshot. Safe for concurrent use.
type Snapshot struct {
	generation uint64

	byID  map[string]*EntityMapping
	byKey map[string]*EntityMapping

	// adjacency maps node id → relations touching it (both directions).
	adjacency map[string][]*OntologyRelation
	relations []*OntologyRelation

	sources map[string]*DataSource
}

// NewSnapshot builds a Snapshot from the full current mapping set.
//
// Description:
//
//	Validates and normalizes every mapping and relation. Relations
//	referencing unknown nodes are rejected; the whole build fails rather
//	than producing a partial generation.
//
// Inputs:
//
//	generation - Monotonic generation counter, for logging/metrics only.
//	mappings   - All entity mappings. Normalized in place (label alias).
//	relations  - All relations. Both endpoints must exist in mappings.
//	sources    - All registered data sources.
//
// Outputs:
//
//	*Snapshot - The immutable generation. nil on error.
//	error     - Non-nil if any record fails validation.
func NewSnapshot(generation uint64, mappings []EntityMapping, relations []OntologyRelation, sources []DataSource) (*Snapshot, error) {
	s := &Snapshot{
		generation: generation,
		byID:       make(map[string]*EntityMapping, len(mappings)),
		byKey:      make(map[string]*EntityMapping, len(mappings)),
		adjacency:  make(map[string][]*OntologyRelation),
		sources:    make(map[string]*DataSource, len(sources)),
	}

	for i := range mappings {
		m := &mappings[i]
		m.Normalize()
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.byID[m.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidMapping, m.ID)
		}
		if _, dup := s.byKey[m.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %s", ErrInvalidMapping, m.Key)
		}
		s.byID[m.ID] = m
		s.byKey[m.Key] = m
	}

	for i := range relations {
		r := &relations[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, ok := s.byID[r.FromID]; !ok {
			return nil, fmt.Errorf("%w: unknown endpoint %s (id=%s)", ErrInvalidRelation, r.FromID, r.ID)
		}
		if _, ok := s.byID[r.ToID]; !ok {
			return nil, fmt.Errorf("%w: unknown endpoint %s (id=%s)", ErrInvalidRelation, r.ToID, r.ID)
		}
		s.relations = append(s.relations, r)
		s.adjacency[r.FromID] = append(s.adjacency[r.FromID], r)
		s.adjacency[r.ToID] = append(s.adjacency[r.ToID], r)
	}

	for i := range sources {
		src := &sources[i]
		s.sources[src.ID] = src
	}

	return s, nil
}

// Generation returns the snapshot's generation counter.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Node returns a mapping by node id.
func (s *Snapshot) Node(id string) (*EntityMapping, bool) {
	m, ok := s.byID[id]
	return m, ok
}

// NodeByKey returns a mapping by ontology key.
func (s *Snapshot) NodeByKey(key string) (*EntityMapping, bool) {
	m, ok := s.byKey[key]
	return m, ok
}

// Source returns a data source by id.
func (s *Snapshot) Source(id string) (*DataSource, bool) {
	src, ok := s.sources[id]
	return src, ok
}

// Nodes returns all mappings in deterministic (key) order.
func (s *Snapshot) Nodes() []*EntityMapping {
	out := make([]*EntityMapping, 0, len(s.byKey))
	for _, m := range s.byKey {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Sources returns all data sources in deterministic (id) order.
func (s *Snapshot) Sources() []DataSource {
	out := make([]DataSource, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, *src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of nodes in the snapshot.
func (s *Snapshot) Len() int { return len(s.byID) }

// Reachable reports whether a join path exists from metricID to nodeID.
func (s *Snapshot) Reachable(metricID, nodeID string) bool {
	_, err := s.JoinPath(metricID, []string{nodeID})
	return err == nil
}

// JoinPath finds the relations needed to connect the metric's table with
// every dimension's table.
//
// Description:
//
//	Runs a breadth-first search over the relation graph from the metric
//	node to each dimension node, collecting the relations along each
//	shortest path. Nodes on the metric's own table need no edges. Edges
//	whose endpoints bind to different data sources are only traversable
//	when the relation is marked CrossSource. The union of edges across
//	all dimensions is deduplicated and returned in deterministic
//	(FromID, ToID) order.
//
// Inputs:
//
//	metricID     - Node id of the metric. Must exist in the snapshot.
//	dimensionIDs - Node ids of the dimensions to connect. May be empty.
//
// Outputs:
//
//	[]JoinEdge - Relations to emit as JOIN clauses. Empty when every
//	             dimension shares the metric's table.
//	error      - *NoJoinPathError naming the first unreachable node, or a
//	             plain error for unknown ids.
//
// Thread Safety: Safe for concurrent use (read-only).
func (s *Snapshot) JoinPath(metricID string, dimensionIDs []string) ([]JoinEdge, error) {
	metric, ok := s.byID[metricID]
	if !ok {
		return nil, fmt.Errorf("unknown metric node %s", metricID)
	}

	selected := make(map[string]*OntologyRelation)

	for _, dimID := range dimensionIDs {
		dim, ok := s.byID[dimID]
		if !ok {
			return nil, fmt.Errorf("unknown dimension node %s", dimID)
		}
		if dim.Table == metric.Table && dim.SourceID == metric.SourceID {
			joinPathTotal.WithLabelValues("same_table").Inc()
			continue
		}

		path := s.shortestPath(metricID, dimID)
		if path == nil {
			joinPathTotal.WithLabelValues("unreachable").Inc()
			return nil, &NoJoinPathError{
				MetricID:         metricID,
				Unreachable:      dimID,
				UnreachableLabel: dim.Label,
			}
		}
		joinPathTotal.WithLabelValues("found").Inc()
		for _, rel := range path {
			selected[rel.ID] = rel
		}
	}

	edges := make([]JoinEdge, 0, len(selected))
	for _, rel := range selected {
		from := s.byID[rel.FromID]
		to := s.byID[rel.ToID]
		edges = append(edges, JoinEdge{
			FromID:    rel.FromID,
			ToID:      rel.ToID,
			FromTable: from.Table,
			ToTable:   to.Table,
			Predicate: rel.JoinPredicate,
		})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].FromID != edges[j].FromID {
			return edges[i].FromID < edges[j].FromID
		}
		return edges[i].ToID < edges[j].ToID
	})
	return edges, nil
}

// shortestPath runs BFS from start to goal and returns the relations along
// the path, or nil when goal is unreachable.
func (s *Snapshot) shortestPath(start, goal string) []*OntologyRelation {
	if start == goal {
		return []*OntologyRelation{}
	}

	type hop struct {
		node string
		via  *OntologyRelation
		prev *hop
	}

	visited := map[string]bool{start: true}
	queue := []*hop{{node: start}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, rel := range s.adjacency[cur.node] {
			if !s.traversable(rel) {
				continue
			}
			next := rel.ToID
			if next == cur.node {
				next = rel.FromID
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			h := &hop{node: next, via: rel, prev: cur}
			if next == goal {
				var path []*OntologyRelation
				for n := h; n != nil && n.via != nil; n = n.prev {
					path = append(path, n.via)
				}
				// Reverse so edges run metric → dimension.
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			queue = append(queue, h)
		}
	}
	return nil
}

// traversable applies the cross-source capability flag.
func (s *Snapshot) traversable(rel *OntologyRelation) bool {
	from := s.byID[rel.FromID]
	to := s.byID[rel.ToID]
	if from.SourceID == to.SourceID {
		return true
	}
	return rel.CrossSource
}
