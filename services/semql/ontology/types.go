// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ontology defines the semantic layer shared by the resolver and
// compiler: metric/dimension nodes bound to physical tables, the join
// relations between them, and the immutable snapshot the rest of the
// engine reads.
package ontology

import (
	"errors"
	"fmt"
	"strings"
)

// Role classifies an ontology node.
type Role string

const (
	// RoleMetric marks a node that is an aggregation target.
	RoleMetric Role = "METRIC"

	// RoleDimension marks a node queries group or filter by.
	RoleDimension Role = "DIMENSION"
)

// AggNone is the sentinel default aggregation that suppresses both the
// aggregate function and the GROUP BY clause for a metric.
const AggNone = "NONE"

// SemanticTypeDate marks dimensions that hold calendar dates. The resolver
// binds bare YYYY-MM-DD spans in an utterance to these.
const SemanticTypeDate = "DATE"

// Validation errors.
var (
	ErrInvalidMapping  = errors.New("invalid entity mapping")
	ErrInvalidRelation = errors.New("invalid ontology relation")
)

// Constraint is a single column predicate injected into generated SQL.
// Operator is a plain SQL comparison operator ("=", ">", "<=", "LIKE", ...).
type Constraint struct {
	Column   string `json:"column" yaml:"column"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

// DimensionValue is one entry of a dimension's controlled value vocabulary:
// the label users type and the physical code stored in the column.
type DimensionValue struct {
	Label string `json:"label" yaml:"label"`
	Code  string `json:"code" yaml:"code"`
}

// EntityMapping is a semantic node bound to a physical location.
//
// Description:
//
//	One metric or dimension concept, its user-facing aliases, and the
//	table/column it compiles to. Mappings are curated out of band and
//	read-only from the engine's perspective; the Alias Index and the
//	ontology Snapshot are rebuilt whenever the set changes.
//
// Invariants:
//
//   - Every node carries at least one alias equal to its own label
//     (Normalize enforces this).
//   - Alias strings are unique within a node. The same alias string may
//     belong to nodes of different roles; that overlap is the source of
//     resolution ambiguity, not an error.
type EntityMapping struct {
	ID    string `json:"id" yaml:"id"`
	Key   string `json:"key" yaml:"key"`
	Label string `json:"label" yaml:"label"`
	Role  Role   `json:"role" yaml:"role"`

	Aliases []string `json:"aliases" yaml:"aliases"`

	Table  string `json:"table" yaml:"table"`
	Column string `json:"column" yaml:"column"`

	// DefaultAgg applies to metrics only. Empty defaults to SUM; AggNone
	// disables aggregation entirely.
	DefaultAgg string `json:"default_agg,omitempty" yaml:"default_agg,omitempty"`

	// DefaultConstraints are unioned into every query touching this node.
	// Order is preserved as curated but has no semantic weight; the
	// compiler canonicalizes before emission.
	DefaultConstraints []Constraint `json:"default_constraints,omitempty" yaml:"default_constraints,omitempty"`

	// SourceID names the physical connection the table lives on.
	SourceID string `json:"source_id" yaml:"source_id"`

	// SemanticType refines dimensions ("DATE", ...). Optional.
	SemanticType string `json:"semantic_type,omitempty" yaml:"semantic_type,omitempty"`

	// Values is the dimension's value vocabulary (label → physical code).
	// Metrics leave this empty.
	Values []DimensionValue `json:"values,omitempty" yaml:"values,omitempty"`
}

// Validate checks structural invariants of the mapping.
//
// Outputs:
//
//	error - Non-nil wrapping ErrInvalidMapping when a required field is
//	        missing or the role is unknown.
func (m *EntityMapping) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMapping)
	case m.Key == "":
		return fmt.Errorf("%w: missing key (id=%s)", ErrInvalidMapping, m.ID)
	case m.Label == "":
		return fmt.Errorf("%w: missing label (key=%s)", ErrInvalidMapping, m.Key)
	case m.Table == "" || m.Column == "":
		return fmt.Errorf("%w: missing table/column binding (key=%s)", ErrInvalidMapping, m.Key)
	case m.SourceID == "":
		return fmt.Errorf("%w: missing source id (key=%s)", ErrInvalidMapping, m.Key)
	}
	if m.Role != RoleMetric && m.Role != RoleDimension {
		return fmt.Errorf("%w: unknown role %q (key=%s)", ErrInvalidMapping, m.Role, m.Key)
	}
	seen := make(map[string]bool, len(m.Aliases))
	for _, a := range m.Aliases {
		lower := strings.ToLower(strings.TrimSpace(a))
		if lower == "" {
			return fmt.Errorf("%w: empty alias (key=%s)", ErrInvalidMapping, m.Key)
		}
		if seen[lower] {
			return fmt.Errorf("%w: duplicate alias %q (key=%s)", ErrInvalidMapping, a, m.Key)
		}
		seen[lower] = true
	}
	return nil
}

// Normalize enforces the label-is-an-alias invariant in place.
func (m *EntityMapping) Normalize() {
	label := strings.ToLower(strings.TrimSpace(m.Label))
	for _, a := range m.Aliases {
		if strings.ToLower(strings.TrimSpace(a)) == label {
			return
		}
	}
	m.Aliases = append(m.Aliases, m.Label)
}

// Aggregation returns the effective default aggregation function.
func (m *EntityMapping) Aggregation() string {
	if m.DefaultAgg == "" {
		return "SUM"
	}
	return strings.ToUpper(m.DefaultAgg)
}

// OntologyRelation is a directed edge between two ontology nodes carrying
// the join predicate needed to combine their physical tables.
//
// The predicate is an opaque SQL fragment the compiler inserts verbatim
// (e.g. "t_revenue_data.platform_id = t_finance_detail.platform_id").
// Traversal for join-path search treats the edge as bidirectional.
type OntologyRelation struct {
	ID     string `json:"id" yaml:"id"`
	FromID string `json:"from_id" yaml:"from_id"`
	ToID   string `json:"to_id" yaml:"to_id"`

	JoinPredicate string `json:"join_predicate" yaml:"join_predicate"`

	// CrossSource permits this relation to bridge nodes bound to different
	// data sources. Relations left false are only traversable when both
	// endpoints bind to the same source id.
	CrossSource bool `json:"cross_source,omitempty" yaml:"cross_source,omitempty"`
}

// Validate checks structural invariants of the relation.
func (r *OntologyRelation) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRelation)
	case r.FromID == "" || r.ToID == "":
		return fmt.Errorf("%w: missing endpoint (id=%s)", ErrInvalidRelation, r.ID)
	case r.FromID == r.ToID:
		return fmt.Errorf("%w: self relation (id=%s)", ErrInvalidRelation, r.ID)
	case strings.TrimSpace(r.JoinPredicate) == "":
		return fmt.Errorf("%w: missing join predicate (id=%s)", ErrInvalidRelation, r.ID)
	}
	return nil
}

// DataSource describes one physical connection mappings bind to.
type DataSource struct {
	ID            string `json:"id" yaml:"id"`
	DBType        string `json:"db_type" yaml:"db_type"`
	ConnectionURL string `json:"connection_url" yaml:"connection_url"`
	DisplayName   string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
}
