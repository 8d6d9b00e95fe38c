// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compile turns a fully resolved intent into physical SQL plus
// the canonical semantic path. Compilation is pure: the same intent
// against the same ontology snapshot yields byte-identical output.
package compile

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianSemQL/services/semql/ontology"
)

var compileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "semql",
	Subsystem: "compile",
	Name:      "total",
	Help:      "Compilations by outcome: ok, no_join_path, ambiguous_constraint, invalid_intent",
}, []string{"outcome"})

var compileTracer = otel.Tracer("aleutian.semql.compile")

// Filter is one user-supplied constraint bound to a dimension node.
type Filter struct {
	NodeID   string `json:"node_id"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// Intent is a fully resolved query: exactly one metric node, zero or
// more dimension nodes, zero or more filters.
type Intent struct {
	MetricID     string   `json:"metric_id"`
	DimensionIDs []string `json:"dimension_ids"`
	Filters      []Filter `json:"filters"`

	// AggOverride replaces the metric's default aggregation when set.
	AggOverride string `json:"agg_override,omitempty"`
}

// Result is a successful compilation.
type Result struct {
	SQL       string        `json:"sql"`
	SourceID  string        `json:"source_id"`
	Canonical CanonicalPath `json:"canonical"`
}

// AmbiguousConstraintError reports conflicting equality constraints on
// one column; the compiler refuses to silently pick one.
type AmbiguousConstraintError struct {
	Column string
	Values []string
}

func (e *AmbiguousConstraintError) Error() string {
	return fmt.Sprintf("ambiguous constraint on %s: conflicting values %s",
		e.Column, strings.Join(e.Values, " vs "))
}

// boundConstraint ties a constraint to the table it applies to.
type boundConstraint struct {
	table string
	c     ontology.Constraint
}

var numericRE = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// Compiler compiles intents against ontology snapshots. Stateless; safe
// to share.
type Compiler struct{}

// NewCompiler creates a Compiler.
func NewCompiler() *Compiler { return &Compiler{} }

// Compile produces physical SQL and the canonical semantic path.
//
// Description:
//
//	Resolves each node to its mapping, asks the ontology graph for the
//	join path connecting the metric's table to every dimension table,
//	merges default constraints with user filters, and emits a SELECT
//	with the metric aggregated and dimensions grouped. Aggregation comes
//	from the intent override when present, else the metric's default;
//	the NONE sentinel suppresses both the aggregate and the GROUP BY.
//
// Inputs:
//
//	ctx    - Context for tracing. Must not be nil.
//	snap   - Ontology snapshot to compile against.
//	intent - Resolved intent. MetricID must name a METRIC node.
//
// Outputs:
//
//	*Result - SQL, owning data source id, and canonical path.
//	error   - *ontology.NoJoinPathError, *AmbiguousConstraintError, or a
//	          plain error for malformed intents.
//
// Thread Safety: Safe for concurrent use.
func (c *Compiler) Compile(ctx context.Context, snap *ontology.Snapshot, intent Intent) (*Result, error) {
	_, span := compileTracer.Start(ctx, "compile.Compiler.Compile",
		trace.WithAttributes(attribute.String("metric_id", intent.MetricID)),
	)
	defer span.End()

	metric, ok := snap.Node(intent.MetricID)
	if !ok || metric.Role != ontology.RoleMetric {
		compileTotal.WithLabelValues("invalid_intent").Inc()
		return nil, fmt.Errorf("intent metric %q does not name a metric node", intent.MetricID)
	}

	dims := make([]*ontology.EntityMapping, 0, len(intent.DimensionIDs))
	for _, id := range intent.DimensionIDs {
		d, ok := snap.Node(id)
		if !ok || d.Role != ontology.RoleDimension {
			compileTotal.WithLabelValues("invalid_intent").Inc()
			return nil, fmt.Errorf("intent dimension %q does not name a dimension node", id)
		}
		dims = append(dims, d)
	}
	// Canonical dimension order. All later emission follows this order,
	// which is what makes recompilation byte-identical.
	sort.Slice(dims, func(i, j int) bool { return dims[i].Key < dims[j].Key })

	edges, err := snap.JoinPath(metric.ID, intent.DimensionIDs)
	if err != nil {
		compileTotal.WithLabelValues("no_join_path").Inc()
		return nil, err
	}

	merged, err := c.mergeConstraints(metric, dims, intent.Filters, snap)
	if err != nil {
		compileTotal.WithLabelValues("ambiguous_constraint").Inc()
		return nil, err
	}

	sql := c.render(metric, dims, edges, merged, intent.AggOverride)

	joins := make([]JoinRef, 0, len(edges))
	for _, e := range edges {
		joins = append(joins, JoinRef{From: e.FromID, To: e.ToID})
	}
	dimKeys := make([]string, 0, len(dims))
	for _, d := range dims {
		dimKeys = append(dimKeys, d.Key)
	}
	flat := make([]ontology.Constraint, 0, len(merged))
	for _, bc := range merged {
		flat = append(flat, bc.c)
	}

	compileTotal.WithLabelValues("ok").Inc()
	return &Result{
		SQL:       sql,
		SourceID:  metric.SourceID,
		Canonical: NewCanonicalPath(metric.Key, dimKeys, flat, joins),
	}, nil
}

// mergeConstraints unions metric defaults, dimension defaults, and user
// filters. Two equality constraints on one column with different values
// conflict.
func (c *Compiler) mergeConstraints(metric *ontology.EntityMapping, dims []*ontology.EntityMapping, filters []Filter, snap *ontology.Snapshot) ([]boundConstraint, error) {
	var all []boundConstraint
	add := func(table string, con ontology.Constraint) {
		all = append(all, boundConstraint{table: table, c: con})
	}

	for _, con := range metric.DefaultConstraints {
		add(metric.Table, con)
	}
	for _, d := range dims {
		for _, con := range d.DefaultConstraints {
			add(d.Table, con)
		}
	}
	for _, f := range filters {
		node, ok := snap.Node(f.NodeID)
		if !ok {
			return nil, fmt.Errorf("filter references unknown node %q", f.NodeID)
		}
		op := f.Operator
		if op == "" {
			op = "="
		}
		add(node.Table, ontology.Constraint{Column: node.Column, Operator: op, Value: f.Value})
	}

	// Dedup identical constraints, then detect conflicting equalities.
	seen := make(map[boundConstraint]bool)
	var uniq []boundConstraint
	for _, bc := range all {
		if seen[bc] {
			continue
		}
		seen[bc] = true
		uniq = append(uniq, bc)
	}

	eqValues := make(map[string][]string)
	for _, bc := range uniq {
		if bc.c.Operator != "=" {
			continue
		}
		key := bc.table + "." + bc.c.Column
		eqValues[key] = append(eqValues[key], bc.c.Value)
	}
	cols := make([]string, 0, len(eqValues))
	for col := range eqValues {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		if vals := eqValues[col]; len(vals) > 1 {
			sort.Strings(vals)
			return nil, &AmbiguousConstraintError{Column: col, Values: vals}
		}
	}

	sort.Slice(uniq, func(i, j int) bool {
		a, b := uniq[i], uniq[j]
		if a.table != b.table {
			return a.table < b.table
		}
		if a.c.Column != b.c.Column {
			return a.c.Column < b.c.Column
		}
		if a.c.Operator != b.c.Operator {
			return a.c.Operator < b.c.Operator
		}
		return a.c.Value < b.c.Value
	})
	return uniq, nil
}

func (c *Compiler) render(metric *ontology.EntityMapping, dims []*ontology.EntityMapping, edges []ontology.JoinEdge, constraints []boundConstraint, aggOverride string) string {
	agg := metric.Aggregation()
	if aggOverride != "" {
		agg = strings.ToUpper(aggOverride)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if agg == ontology.AggNone {
		fmt.Fprintf(&b, "%s.%s AS %s", metric.Table, metric.Column, metric.Key)
	} else {
		fmt.Fprintf(&b, "%s(%s.%s) AS %s", agg, metric.Table, metric.Column, metric.Key)
	}
	for _, d := range dims {
		fmt.Fprintf(&b, ", %s.%s AS %s", d.Table, d.Column, d.Key)
	}

	fmt.Fprintf(&b, " FROM %s", metric.Table)
	joined := map[string]bool{metric.Table: true}
	for _, e := range edges {
		next := e.ToTable
		if joined[next] {
			next = e.FromTable
		}
		if joined[next] {
			continue
		}
		joined[next] = true
		fmt.Fprintf(&b, " JOIN %s ON %s", next, e.Predicate)
	}

	if len(constraints) > 0 {
		b.WriteString(" WHERE ")
		for i, bc := range constraints {
			if i > 0 {
				b.WriteString(" AND ")
			}
			fmt.Fprintf(&b, "%s.%s %s %s", bc.table, bc.c.Column, bc.c.Operator, sqlLiteral(bc.c.Value))
		}
	}

	if agg != ontology.AggNone && len(dims) > 0 {
		b.WriteString(" GROUP BY ")
		for i, d := range dims {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s.%s", d.Table, d.Column)
		}
	}
	return b.String()
}

// sqlLiteral renders a constraint value: bare for numerics, single
// quoted with '' escaping otherwise.
func sqlLiteral(v string) string {
	if numericRE.MatchString(v) {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
