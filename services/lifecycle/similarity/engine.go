// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package similarity scores the semantic overlap between two templates.
//
// # Description
//
// The score is a weighted combination of three signals:
//
//   - tag-set Jaccard similarity (weight 0.4)
//   - parameter-schema structural similarity, the fraction of parameter
//     names carrying a matching type (weight 0.3)
//   - step-sequence similarity, the longest-common-subsequence ratio
//     over step identifiers (weight 0.3)
//
// Scores are deterministic and symmetric: Score(a, b) == Score(b, a)
// and Score(a, a) == 1.0 for any well-formed template. Malformed input
// (nil template, empty step list) scores 0.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package similarity

import (
	"github.com/AleutianAI/lifecycle/services/lifecycle/catalog"
)

// Component weights. They sum to 1.0 so the weighted score stays in [0,1].
const (
	// WeightTags is the weight of tag-set Jaccard similarity.
	WeightTags = 0.4

	// WeightParameters is the weight of parameter-schema similarity.
	WeightParameters = 0.3

	// WeightSteps is the weight of step-sequence LCS similarity.
	WeightSteps = 0.3
)

// Breakdown carries the per-signal components of a similarity score,
// kept on conflict records for diagnosis.
type Breakdown struct {
	// Tags is the Jaccard similarity of the tag sets.
	Tags float64 `json:"tags"`

	// Parameters is the fraction of parameter names with matching type.
	Parameters float64 `json:"parameters"`

	// Steps is the LCS ratio over step identifiers.
	Steps float64 `json:"steps"`

	// Weighted is the combined score in [0,1].
	Weighted float64 `json:"weighted"`
}

// Score computes the weighted similarity between two templates.
//
// Outputs:
//
//	float64 - Score in [0,1]. 0 for malformed input.
func Score(a, b *catalog.Template) float64 {
	return Compare(a, b).Weighted
}

// Compare computes the full similarity breakdown between two templates.
func Compare(a, b *catalog.Template) Breakdown {
	if a == nil || b == nil || len(a.Steps) == 0 || len(b.Steps) == 0 {
		return Breakdown{}
	}

	bd := Breakdown{
		Tags:       jaccard(a.Tags, b.Tags),
		Parameters: parameterOverlap(a.Parameters, b.Parameters),
		Steps:      lcsRatio(a.Steps, b.Steps),
	}
	bd.Weighted = WeightTags*bd.Tags + WeightParameters*bd.Parameters + WeightSteps*bd.Steps
	return bd
}

// jaccard computes |A ∩ B| / |A ∪ B| over the tag sets. Two empty sets
// are identical, hence 1.
func jaccard(a, b []string) float64 {
	setA := toSet(a)
	setB := toSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}

	intersection := 0
	for tag := range setA {
		if _, ok := setB[tag]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// parameterOverlap computes the fraction of parameter names, over the
// union of both schemas, that appear in both with the same declared
// type. Two empty schemas are identical, hence 1. The union denominator
// keeps the measure symmetric.
func parameterOverlap(a, b []catalog.Parameter) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}

	typesA := make(map[string]string, len(a))
	for _, p := range a {
		typesA[p.Name] = p.Type
	}
	typesB := make(map[string]string, len(b))
	for _, p := range b {
		typesB[p.Name] = p.Type
	}

	matching := 0
	union := len(typesA)
	for name, typ := range typesB {
		if tA, ok := typesA[name]; ok {
			if tA == typ {
				matching++
			}
		} else {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(matching) / float64(union)
}

// lcsRatio computes LCS(a, b) / max(len(a), len(b)) over step
// identifiers, order-sensitive.
func lcsRatio(a, b []string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return float64(lcs(a, b)) / float64(longest)
}

// lcs computes longest-common-subsequence length with the standard
// two-row dynamic program.
func lcs(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// toSet deduplicates a string slice into a set, dropping empties.
func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}
