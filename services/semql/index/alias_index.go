// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index builds the searchable alias structure the entity resolver
// queries. An Index is one immutable generation compiled from the full
// current alias set; rebuilds produce a new Index which the owner swaps in
// atomically, so lookups always see a complete generation.
package index

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianSemQL/services/semql/ontology"
)

// Default matching configuration.
const (
	// DefaultMaxEditDistance is the approximate-lookup threshold.
	DefaultMaxEditDistance = 2

	// shortAliasRunes is the alias length (in runes) below which the
	// threshold scales down to 1 to avoid over-matching short strings.
	shortAliasRunes = 4
)

// MatchKind distinguishes exact from approximate matches.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchApprox MatchKind = "approx"
)

// Entry is one alias string tagged with its owning node.
type Entry struct {
	EntityID string
	Key      string
	Label    string
	Role     ontology.Role
	Alias    string
}

// Match is one lookup result. Score 0 means exact; otherwise Score is the
// edit distance to the queried text.
type Match struct {
	EntityID string
	Key      string
	Label    string
	Role     ontology.Role
	Alias    string
	Kind     MatchKind
	Score    int
}

// Hit is one alias occurrence found by Scan, with its byte offset in the
// scanned utterance.
type Hit struct {
	Match
	Start int
}

type entry struct {
	Entry
	aliasLower string
	runes      int
}

// Options configures index matching behavior.
type Options struct {
	// MaxEditDistance bounds approximate lookup. Default 2; aliases
	// shorter than four runes are always held to distance 1.
	MaxEditDistance int
}

// Option is a functional option for Build.
type Option func(*Options)

// WithMaxEditDistance overrides the approximate-lookup threshold.
func WithMaxEditDistance(d int) Option {
	return func(o *Options) { o.MaxEditDistance = d }
}

// Index is an immutable searchable structure over entity aliases.
//
// Description:
//
//	Compiled from the full current set of EntityMapping alias strings.
//	Supports exact lookup through a lowercased map and bounded
//	edit-distance approximate lookup over all entries. The index is never
//	mutated after Build; on mapping changes the owner builds a fresh
//	Index and replaces its pointer wholesale.
//
// Matching policy:
//
//	Exact matches always outrank approximate matches. Among approximate
//	matches lower edit distance ranks first; ties break by shorter alias
//	string, then by lexical order of entity id, so lookups are fully
//	deterministic.
//
// Thread Safety: Immutable after Build. Safe for concurrent use.
type Index struct {
	exact   map[string][]*entry
	entries []*entry
	opts    Options
}

// Build compiles an Index from alias entries.
//
// Inputs:
//
//	entries - One Entry per (node, alias) pair. Empty input yields a
//	          valid index that matches nothing.
//	opts    - Optional matching configuration.
//
// Outputs:
//
//	*Index - The compiled generation. Never nil.
func Build(entries []Entry, opts ...Option) *Index {
	options := Options{MaxEditDistance: DefaultMaxEditDistance}
	for _, opt := range opts {
		opt(&options)
	}
	if options.MaxEditDistance <= 0 {
		options.MaxEditDistance = DefaultMaxEditDistance
	}

	ix := &Index{
		exact: make(map[string][]*entry, len(entries)),
		opts:  options,
	}
	for _, e := range entries {
		lower := strings.ToLower(strings.TrimSpace(e.Alias))
		if lower == "" {
			continue
		}
		ent := &entry{Entry: e, aliasLower: lower, runes: utf8.RuneCountInString(lower)}
		ix.entries = append(ix.entries, ent)
		ix.exact[lower] = append(ix.exact[lower], ent)
	}
	// Longest-first scan order so longer aliases claim their span before
	// any alias they contain.
	sort.SliceStable(ix.entries, func(i, j int) bool {
		if ix.entries[i].runes != ix.entries[j].runes {
			return ix.entries[i].runes > ix.entries[j].runes
		}
		if ix.entries[i].aliasLower != ix.entries[j].aliasLower {
			return ix.entries[i].aliasLower < ix.entries[j].aliasLower
		}
		return ix.entries[i].EntityID < ix.entries[j].EntityID
	})
	return ix
}

// FromSnapshot builds an Index over every alias in an ontology snapshot.
func FromSnapshot(snap *ontology.Snapshot, opts ...Option) *Index {
	var entries []Entry
	for _, node := range snap.Nodes() {
		for _, alias := range node.Aliases {
			entries = append(entries, Entry{
				EntityID: node.ID,
				Key:      node.Key,
				Label:    node.Label,
				Role:     node.Role,
				Alias:    alias,
			})
		}
	}
	return Build(entries, opts...)
}

// Size returns the number of indexed alias entries.
func (ix *Index) Size() int { return len(ix.entries) }

// Lookup finds entities matching a single alias-sized text.
//
// Description:
//
//	Exact lookup is a map probe on the lowercased text. When approximate
//	matching applies, every entry within the edit-distance threshold is
//	scored; the threshold is the configured maximum, scaled down to 1
//	for alias strings shorter than four runes. Results are ordered by
//	the package matching policy.
//
// Inputs:
//
//	text - Candidate alias text. Trimmed and lowercased before matching.
//
// Outputs:
//
//	[]Match - Ordered matches, exact first. Empty when nothing is within
//	          threshold.
//
// Thread Safety: Safe for concurrent use.
func (ix *Index) Lookup(text string) []Match {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil
	}

	var matches []Match
	seen := make(map[*entry]bool)

	for _, ent := range ix.exact[needle] {
		seen[ent] = true
		matches = append(matches, newMatch(ent, MatchExact, 0))
	}

	needleRunes := utf8.RuneCountInString(needle)
	for _, ent := range ix.entries {
		if seen[ent] {
			continue
		}
		threshold := ix.thresholdFor(ent)
		// Cheap length gate before paying for the DP table.
		if absInt(ent.runes-needleRunes) > threshold {
			continue
		}
		if d := editDistance(needle, ent.aliasLower); d <= threshold {
			matches = append(matches, newMatch(ent, MatchApprox, d))
		}
	}

	sortMatches(matches)
	return matches
}

// Scan finds every indexed alias contained in an utterance.
//
// Description:
//
//	Case-insensitive substring scan, longest alias first. An occurrence
//	strictly inside an already-claimed longer span is suppressed; an
//	occurrence over an identical span is another owner of the same alias
//	string and is reported, which is how cross-role ambiguity reaches
//	the resolver. All hits score 0 (exact containment).
//
// Inputs:
//
//	utterance - Raw query text.
//
// Outputs:
//
//	[]Hit - Hits ordered by byte offset, then by the package tie-break.
//
// Thread Safety: Safe for concurrent use.
func (ix *Index) Scan(utterance string) []Hit {
	haystack := strings.ToLower(utterance)
	if haystack == "" {
		return nil
	}

	type span struct{ start, end int }
	var claimed []span
	var hits []Hit

	// An equal span is a re-match of the same alias string by another
	// owner and must surface; only spans strictly inside a longer
	// claimed span are suppressed.
	covered := func(start, end int) bool {
		for _, sp := range claimed {
			if start == sp.start && end == sp.end {
				continue
			}
			if start >= sp.start && end <= sp.end {
				return true
			}
		}
		return false
	}

	for _, ent := range ix.entries {
		from := 0
		for {
			rel := strings.Index(haystack[from:], ent.aliasLower)
			if rel < 0 {
				break
			}
			start := from + rel
			end := start + len(ent.aliasLower)
			from = end
			if covered(start, end) {
				continue
			}
			hits = append(hits, Hit{Match: newMatch(ent, MatchExact, 0), Start: start})
			claimed = append(claimed, span{start, end})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Start != hits[j].Start {
			return hits[i].Start < hits[j].Start
		}
		return hits[i].EntityID < hits[j].EntityID
	})
	return hits
}

func (ix *Index) thresholdFor(ent *entry) int {
	if ent.runes < shortAliasRunes {
		return 1
	}
	return ix.opts.MaxEditDistance
}

func newMatch(ent *entry, kind MatchKind, score int) Match {
	return Match{
		EntityID: ent.EntityID,
		Key:      ent.Key,
		Label:    ent.Label,
		Role:     ent.Role,
		Alias:    ent.Alias,
		Kind:     kind,
		Score:    score,
	}
}

// sortMatches applies the matching policy ordering in place.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score < matches[j].Score
		}
		li := utf8.RuneCountInString(matches[i].Alias)
		lj := utf8.RuneCountInString(matches[j].Alias)
		if li != lj {
			return li < lj
		}
		return matches[i].EntityID < matches[j].EntityID
	})
}

// editDistance is rune-level Levenshtein distance using two rolling rows.
func editDistance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
