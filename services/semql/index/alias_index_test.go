// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"testing"

	"github.com/AleutianAI/AleutianSemQL/services/semql/ontology"
)

func testEntries() []Entry {
	return []Entry{
		{EntityID: "d1", Key: "profit_share", Label: "分润", Role: ontology.RoleDimension, Alias: "分润"},
		{EntityID: "d1", Key: "profit_share", Label: "分润", Role: ontology.RoleDimension, Alias: "平台"},
		{EntityID: "d2", Key: "settle_db", Label: "结算库", Role: ontology.RoleDimension, Alias: "结算库"},
		{EntityID: "m1", Key: "revenue", Label: "收益额", Role: ontology.RoleMetric, Alias: "收益额"},
		{EntityID: "m1", Key: "revenue", Label: "收益额", Role: ontology.RoleMetric, Alias: "revenue"},
	}
}

func TestLookup_ExactAlwaysFirstWithScoreZero(t *testing.T) {
	ix := Build(testEntries())
	for _, e := range testEntries() {
		matches := ix.Lookup(e.Alias)
		if len(matches) == 0 {
			t.Fatalf("lookup %q: no matches", e.Alias)
		}
		first := matches[0]
		if first.Score != 0 || first.Kind != MatchExact {
			t.Errorf("lookup %q: expected exact score-0 first, got %+v", e.Alias, first)
		}
	}
}

func TestLookup_ExactIsCaseInsensitive(t *testing.T) {
	ix := Build(testEntries())
	matches := ix.Lookup("REVENUE")
	if len(matches) == 0 || matches[0].Kind != MatchExact {
		t.Fatalf("expected case-insensitive exact match, got %+v", matches)
	}
	if matches[0].EntityID != "m1" {
		t.Errorf("expected m1, got %s", matches[0].EntityID)
	}
}

func TestLookup_ApproximateWithinThreshold(t *testing.T) {
	ix := Build(testEntries())
	// One substitution away from "revenue".
	matches := ix.Lookup("revenua")
	if len(matches) == 0 {
		t.Fatal("expected approximate match for revenua")
	}
	if matches[0].Kind != MatchApprox || matches[0].Score != 1 {
		t.Errorf("expected approx distance 1, got %+v", matches[0])
	}
}

func TestLookup_ShortAliasThresholdScalesDown(t *testing.T) {
	ix := Build(testEntries())
	// "分润" is two runes; threshold scales to 1, so distance-2 text
	// must not match it.
	matches := ix.Lookup("拆分")
	for _, m := range matches {
		if m.Alias == "分润" {
			t.Errorf("short alias over-matched at distance 2: %+v", m)
		}
	}
}

func TestLookup_TieBreakByAliasLengthThenEntityID(t *testing.T) {
	ix := Build([]Entry{
		{EntityID: "b", Key: "b", Label: "beta", Role: ontology.RoleMetric, Alias: "orders"},
		{EntityID: "a", Key: "a", Label: "alpha", Role: ontology.RoleMetric, Alias: "orders"},
		{EntityID: "c", Key: "c", Label: "gamma", Role: ontology.RoleMetric, Alias: "orderss"},
	})
	matches := ix.Lookup("ordersx")
	if len(matches) < 3 {
		t.Fatalf("expected 3 approx matches, got %d", len(matches))
	}
	// All distance 1: shorter alias first, then lexical entity id.
	if matches[0].EntityID != "a" || matches[1].EntityID != "b" || matches[2].EntityID != "c" {
		t.Errorf("tie-break order wrong: %s, %s, %s",
			matches[0].EntityID, matches[1].EntityID, matches[2].EntityID)
	}
}

func TestLookup_Deterministic(t *testing.T) {
	ix := Build(testEntries())
	a := ix.Lookup("收益")
	b := ix.Lookup("收益")
	if len(a) != len(b) {
		t.Fatalf("non-deterministic result count: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("non-deterministic order at %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestScan_FindsContainedAliases(t *testing.T) {
	ix := Build(testEntries())
	hits := ix.Scan("按平台查收益额")
	var sawPlatform, sawRevenue bool
	for _, h := range hits {
		if h.Alias == "平台" && h.EntityID == "d1" {
			sawPlatform = true
		}
		if h.Alias == "收益额" && h.EntityID == "m1" {
			sawRevenue = true
		}
	}
	if !sawPlatform || !sawRevenue {
		t.Errorf("expected hits for 平台 and 收益额, got %+v", hits)
	}
}

func TestScan_LongerAliasClaimsSpan(t *testing.T) {
	ix := Build([]Entry{
		{EntityID: "d2", Key: "settle_db", Label: "结算库", Role: ontology.RoleDimension, Alias: "结算库"},
		{EntityID: "d1", Key: "profit_share", Label: "分润", Role: ontology.RoleDimension, Alias: "结算"},
	})
	hits := ix.Scan("查结算库的数据")
	for _, h := range hits {
		if h.EntityID == "d1" {
			t.Errorf("substring alias inside a longer claimed span must be suppressed: %+v", h)
		}
	}
	if len(hits) != 1 || hits[0].EntityID != "d2" {
		t.Fatalf("expected single hit for 结算库, got %+v", hits)
	}
}

func TestScan_SharedAliasSurfacesAllOwners(t *testing.T) {
	// The same alias string on nodes of different roles is legal and is
	// the source of ambiguity; both owners must appear.
	ix := Build([]Entry{
		{EntityID: "d1", Key: "platform_dim", Label: "结算平台", Role: ontology.RoleDimension, Alias: "平台"},
		{EntityID: "m9", Key: "platform_volume", Label: "平台交易量", Role: ontology.RoleMetric, Alias: "平台"},
	})
	hits := ix.Scan("平台")
	if len(hits) != 2 {
		t.Fatalf("expected both owners of shared alias, got %+v", hits)
	}
	if hits[0].EntityID == hits[1].EntityID {
		t.Error("expected two distinct entities")
	}
}

func TestScan_SharedAliasInsideLongerSpanSuppressed(t *testing.T) {
	// "平台" belongs to two entities, but inside "结算平台" the span is
	// owned by the longer alias; no ambiguity may leak out of it.
	ix := Build([]Entry{
		{EntityID: "d1", Key: "platform_dim", Label: "结算平台", Role: ontology.RoleDimension, Alias: "结算平台"},
		{EntityID: "d1", Key: "platform_dim", Label: "结算平台", Role: ontology.RoleDimension, Alias: "平台"},
		{EntityID: "m9", Key: "platform_volume", Label: "平台交易量", Role: ontology.RoleMetric, Alias: "平台"},
	})
	hits := ix.Scan("按结算平台查数据")
	if len(hits) != 1 || hits[0].Alias != "结算平台" {
		t.Fatalf("expected single hit for the longer alias, got %+v", hits)
	}
}

func TestEditDistance_RuneLevel(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"revenue", "revenua", 1},
		{"平台", "结算平台", 2},
		{"结算库", "结算平台", 2},
	}
	for _, tc := range cases {
		if got := editDistance(tc.a, tc.b); got != tc.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestFromSnapshot_IndexesEveryAlias(t *testing.T) {
	snap, err := ontology.NewSnapshot(1, []ontology.EntityMapping{
		{
			ID: "m1", Key: "revenue", Label: "收益额", Role: ontology.RoleMetric,
			Aliases: []string{"收益"},
			Table:   "t", Column: "c", SourceID: "s",
		},
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	ix := FromSnapshot(snap)
	// Label alias plus the explicit one.
	if ix.Size() != 2 {
		t.Errorf("expected 2 entries, got %d", ix.Size())
	}
	if m := ix.Lookup("收益额"); len(m) == 0 || m[0].Score != 0 {
		t.Errorf("label must be indexed as an alias, got %+v", m)
	}
}
