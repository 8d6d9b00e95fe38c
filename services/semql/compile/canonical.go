// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compile

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianSemQL/services/semql/ontology"
)

// datelikeRE matches a full date value with -, / or . separators and
// optionally unpadded month and day.
var datelikeRE = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})$`)

// normalizeConstraint rewrites a constraint into its canonical spelling:
// the operator upper-cased, the value trimmed, stripped of one pair of
// surrounding quotes, and date-like values rendered as YYYY-MM-DD.
// External generators vary on exactly these cosmetics, and the shadow
// comparison must not report them as divergence.
func normalizeConstraint(c ontology.Constraint) ontology.Constraint {
	c.Column = strings.TrimSpace(c.Column)
	c.Operator = strings.ToUpper(strings.TrimSpace(c.Operator))
	c.Value = normalizeValue(c.Value)
	return c
}

func normalizeValue(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		if (v[0] == '\'' && v[len(v)-1] == '\'') || (v[0] == '"' && v[len(v)-1] == '"') {
			v = strings.TrimSpace(v[1 : len(v)-1])
		}
	}
	if m := datelikeRE.FindStringSubmatch(v); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
		}
	}
	return v
}

// JoinRef names one join edge by its endpoint node ids.
type JoinRef struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// CanonicalPath is the normalized description of a compiled intent:
// metric node, dimension nodes, merged constraint set, and the join
// edges used. Two compilations of the same intent against the same
// ontology produce byte-identical renderings.
type CanonicalPath struct {
	MetricKey     string                `json:"metric_key"`
	DimensionKeys []string              `json:"dimension_keys"`
	Constraints   []ontology.Constraint `json:"constraints"`
	Joins         []JoinRef             `json:"joins"`
}

// NewCanonicalPath normalizes the inputs: keys are trimmed, dimension
// keys and joins are sorted and deduplicated, constraints are rewritten
// by normalizeConstraint then sorted by (column, operator, value) and
// deduplicated.
func NewCanonicalPath(metricKey string, dimensionKeys []string, constraints []ontology.Constraint, joins []JoinRef) CanonicalPath {
	p := CanonicalPath{MetricKey: strings.TrimSpace(metricKey)}

	seenDim := make(map[string]bool)
	for _, k := range dimensionKeys {
		k = strings.TrimSpace(k)
		if k == "" || seenDim[k] {
			continue
		}
		seenDim[k] = true
		p.DimensionKeys = append(p.DimensionKeys, k)
	}
	sort.Strings(p.DimensionKeys)

	seenCon := make(map[ontology.Constraint]bool)
	for _, c := range constraints {
		c = normalizeConstraint(c)
		if c.Column == "" || seenCon[c] {
			continue
		}
		seenCon[c] = true
		p.Constraints = append(p.Constraints, c)
	}
	sort.Slice(p.Constraints, func(i, j int) bool {
		a, b := p.Constraints[i], p.Constraints[j]
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		if a.Operator != b.Operator {
			return a.Operator < b.Operator
		}
		return a.Value < b.Value
	})

	seenJoin := make(map[JoinRef]bool)
	for _, j := range joins {
		if seenJoin[j] {
			continue
		}
		seenJoin[j] = true
		p.Joins = append(p.Joins, j)
	}
	sort.Slice(p.Joins, func(i, j int) bool {
		if p.Joins[i].From != p.Joins[j].From {
			return p.Joins[i].From < p.Joins[j].From
		}
		return p.Joins[i].To < p.Joins[j].To
	})

	return p
}

// Render serializes the path to its canonical text form. The rendering
// is the comparison and hashing substrate, so its format is stable.
func (p CanonicalPath) Render() string {
	var b strings.Builder
	b.WriteString("metric=")
	b.WriteString(p.MetricKey)
	b.WriteString("|dims=")
	b.WriteString(strings.Join(p.DimensionKeys, ","))
	b.WriteString("|constraints=")
	for i, c := range p.Constraints {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s%s%s", c.Column, c.Operator, c.Value)
	}
	b.WriteString("|joins=")
	for i, j := range p.Joins {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s>%s", j.From, j.To)
	}
	return b.String()
}

// Hash is FNV-64a over the canonical rendering.
func (p CanonicalPath) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(p.Render()))
	return h.Sum64()
}

// Equal compares two paths structurally, including join edges.
func (p CanonicalPath) Equal(other CanonicalPath) bool {
	return p.Render() == other.Render()
}

// EqualTriple compares only the {metric, dimensions, constraints}
// triple, ignoring join edges. External semantic-path generators emit
// triples without physical join knowledge, so the shadow comparison
// uses this form.
func (p CanonicalPath) EqualTriple(other CanonicalPath) bool {
	a := CanonicalPath{MetricKey: p.MetricKey, DimensionKeys: p.DimensionKeys, Constraints: p.Constraints}
	b := CanonicalPath{MetricKey: other.MetricKey, DimensionKeys: other.DimensionKeys, Constraints: other.Constraints}
	return a.Render() == b.Render()
}
