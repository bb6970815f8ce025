// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conflict

import (
	"context"
	"log/slog"
	"testing"

	"github.com/AleutianAI/lifecycle/services/lifecycle/catalog"
)

func newTestResolver(t *testing.T) (*Resolver, catalog.Store) {
	t.Helper()
	store, err := catalog.OpenInMemoryStore()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	resolver, err := NewResolver(store, 0, slog.Default())
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return resolver, store
}

func putTemplate(t *testing.T, store catalog.Store, tmpl *catalog.Template) {
	t.Helper()
	if err := catalog.PutTemplate(context.Background(), store, tmpl); err != nil {
		t.Fatalf("put template %s: %v", tmpl.ID, err)
	}
}

func putCapability(t *testing.T, store catalog.Store, c *catalog.Capability) {
	t.Helper()
	if err := catalog.PutCapability(context.Background(), store, c); err != nil {
		t.Fatalf("put capability %s: %v", c.ID, err)
	}
}

func cacheTemplate(id string, steps []string) *catalog.Template {
	return &catalog.Template{
		ID:           id,
		CapabilityID: "cap-cache",
		Version:      1,
		Tags:         []string{"cache", "redis"},
		Parameters: []catalog.Parameter{
			{Name: "size", Type: "int", Required: true},
			{Name: "ttl", Type: "int"},
		},
		Steps:  steps,
		Status: catalog.StatusActive,
	}
}

// TestDetectDuplicate covers the registration scenario: two templates
// with identical tags and ~90% step overlap produce one duplicate
// conflict at or above the threshold.
func TestDetectDuplicate(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()

	steps := []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10"}
	t1 := cacheTemplate("tmpl-t1", steps)
	putTemplate(t, store, t1)

	// T2: same tags, same schema, 9 of 10 steps shared.
	overlapping := append(append([]string(nil), steps[:9]...), "s-different")
	t2 := cacheTemplate("tmpl-t2", overlapping)
	putTemplate(t, store, t2)

	conflicts, err := resolver.DetectConflicts(ctx, t2)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	c := conflicts[0]
	if c.Category != CategoryDuplicate {
		t.Errorf("category = %q, want duplicate", c.Category)
	}
	if c.Score < DefaultThreshold {
		t.Errorf("score = %v, want >= %v", c.Score, DefaultThreshold)
	}
	if c.OtherID != "tmpl-t1" {
		t.Errorf("other id = %q, want tmpl-t1", c.OtherID)
	}
}

func TestDetectIgnoresBelowThreshold(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()

	t1 := cacheTemplate("tmpl-t1", []string{"s1", "s2", "s3"})
	putTemplate(t, store, t1)

	unrelated := &catalog.Template{
		ID:           "tmpl-queue",
		CapabilityID: "cap-queue",
		Version:      1,
		Tags:         []string{"queue", "kafka"},
		Parameters:   []catalog.Parameter{{Name: "depth", Type: "int"}},
		Steps:        []string{"q1", "q2"},
		Status:       catalog.StatusActive,
	}
	putTemplate(t, store, unrelated)

	conflicts, err := resolver.DetectConflicts(ctx, unrelated)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("expected no conflicts, got %d", len(conflicts))
	}
}

func TestDetectIgnoresInactiveTemplates(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()

	retired := cacheTemplate("tmpl-old", []string{"s1", "s2", "s3"})
	retired.Status = catalog.StatusRetired
	putTemplate(t, store, retired)

	probe := cacheTemplate("tmpl-new", []string{"s1", "s2", "s3"})
	putTemplate(t, store, probe)

	conflicts, err := resolver.DetectConflicts(ctx, probe)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if len(conflicts) != 0 {
		t.Errorf("retired templates must not conflict, got %d", len(conflicts))
	}
}

func TestDetectOrderingIsDeterministic(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()

	steps := []string{"s1", "s2", "s3", "s4", "s5"}
	// Two identical counterparts: equal scores, tie broken by id.
	putTemplate(t, store, cacheTemplate("tmpl-b", steps))
	putTemplate(t, store, cacheTemplate("tmpl-a", steps))

	probe := cacheTemplate("tmpl-probe", steps)
	putTemplate(t, store, probe)

	first, err := resolver.DetectConflicts(ctx, probe)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 conflicts, got %d", len(first))
	}
	if first[0].OtherID != "tmpl-a" || first[1].OtherID != "tmpl-b" {
		t.Errorf("tie-break order wrong: %s, %s", first[0].OtherID, first[1].OtherID)
	}

	// Unchanged catalog: identical output.
	second, err := resolver.DetectConflicts(ctx, probe)
	if err != nil {
		t.Fatalf("re-detect failed: %v", err)
	}
	for i := range first {
		if first[i].OtherID != second[i].OtherID || first[i].Score != second[i].Score {
			t.Errorf("detection not deterministic at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestProposeResolutionsByCategory(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()

	putCapability(t, store, &catalog.Capability{ID: "cap-cache", Name: "Cache", Maturity: catalog.MaturityL4})
	putTemplate(t, store, cacheTemplate("tmpl-a", []string{"s1"}))
	putTemplate(t, store, cacheTemplate("tmpl-b", []string{"s1"}))

	conflicts := []*TemplateConflict{
		{ID: "c1", TemplateID: "tmpl-b", OtherID: "tmpl-a", Score: 0.95, Category: CategoryDuplicate},
		{ID: "c2", TemplateID: "tmpl-b", OtherID: "tmpl-a", Score: 0.8, Category: CategoryOverlapping},
		{ID: "c3", TemplateID: "tmpl-b", OtherID: "tmpl-a", Score: 0.8, Category: CategorySuperseding},
	}

	resolutions, err := resolver.ProposeResolutions(ctx, conflicts)
	if err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	if len(resolutions) != 3 {
		t.Fatalf("expected 3 resolutions, got %d", len(resolutions))
	}

	if resolutions[0].Strategy != StrategyDeprecateOne {
		t.Errorf("duplicate -> %q, want deprecate-one", resolutions[0].Strategy)
	}
	// Equal maturity (both cap-cache): lower id survives.
	if resolutions[0].RetainedID != "tmpl-a" || resolutions[0].TargetID != "tmpl-b" {
		t.Errorf("survivor pick wrong: keep %s drop %s", resolutions[0].RetainedID, resolutions[0].TargetID)
	}
	if resolutions[1].Strategy != StrategyCompose {
		t.Errorf("overlapping -> %q, want compose", resolutions[1].Strategy)
	}
	if resolutions[2].Strategy != StrategyMigrate {
		t.Errorf("superseding -> %q, want migrate", resolutions[2].Strategy)
	}
	// The superseded side is the migration target.
	if resolutions[2].TargetID != "tmpl-a" {
		t.Errorf("migrate target = %s, want tmpl-a", resolutions[2].TargetID)
	}
}

func TestExecuteResolutionIsIdempotent(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()

	putTemplate(t, store, cacheTemplate("tmpl-a", []string{"s1", "s2"}))

	if err := resolver.ExecuteResolution(ctx, "tmpl-a", StrategyDeprecateOne); err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	after1, _, err := catalog.GetTemplate(ctx, store, "tmpl-a")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if after1.Status != catalog.StatusDeprecated {
		t.Fatalf("status = %q, want deprecated", after1.Status)
	}

	// Second application: same catalog state, no error.
	if err := resolver.ExecuteResolution(ctx, "tmpl-a", StrategyDeprecateOne); err != nil {
		t.Fatalf("second execute failed: %v", err)
	}
	after2, _, _ := catalog.GetTemplate(ctx, store, "tmpl-a")
	if after2.Status != after1.Status || after2.Version != after1.Version {
		t.Errorf("re-execution changed state: %+v vs %+v", after1, after2)
	}
}

func TestExecuteResolutionUnknownStrategy(t *testing.T) {
	resolver, _ := newTestResolver(t)

	err := resolver.ExecuteResolution(context.Background(), "tmpl-a", Strategy("split-brain"))
	if err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestNamespaceSplitRetags(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()

	putTemplate(t, store, cacheTemplate("tmpl-a", []string{"s1"}))

	if err := resolver.ExecuteResolution(ctx, "tmpl-a", StrategyNamespaceSplit); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	got, _, _ := catalog.GetTemplate(ctx, store, "tmpl-a")
	for _, tag := range got.Tags {
		if tag != "cap-cache:cache" && tag != "cap-cache:redis" {
			t.Errorf("tag %q not namespaced", tag)
		}
	}

	// Idempotent: a second split leaves the tags alone.
	if err := resolver.ExecuteResolution(ctx, "tmpl-a", StrategyNamespaceSplit); err != nil {
		t.Fatalf("second execute failed: %v", err)
	}
	again, _, _ := catalog.GetTemplate(ctx, store, "tmpl-a")
	for i, tag := range again.Tags {
		if tag != got.Tags[i] {
			t.Errorf("tag %q double-namespaced to %q", got.Tags[i], tag)
		}
	}
}

func TestResolvedConflictsStayResolved(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()

	steps := []string{"s1", "s2", "s3", "s4", "s5"}
	putTemplate(t, store, cacheTemplate("tmpl-a", steps))
	probe := cacheTemplate("tmpl-b", steps)
	putTemplate(t, store, probe)

	if _, err := resolver.DetectConflicts(ctx, probe); err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if err := resolver.ExecuteResolution(ctx, "tmpl-b", StrategyDeprecateOne); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	stored, err := resolver.ListConflicts(ctx, "tmpl-b")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(stored) != 1 || !stored[0].Resolved {
		t.Fatalf("conflict should be resolved: %+v", stored)
	}

	// tmpl-b is now deprecated, so a re-scan from tmpl-a finds nothing
	// and the stored record keeps its resolved flag.
	a, _, _ := catalog.GetTemplate(ctx, store, "tmpl-a")
	if _, err := resolver.DetectConflicts(ctx, a); err != nil {
		t.Fatalf("re-detect failed: %v", err)
	}
	stored, _ = resolver.ListConflicts(ctx, "tmpl-b")
	if !stored[0].Resolved {
		t.Error("re-scan reopened a resolved conflict")
	}
}
