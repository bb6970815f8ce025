// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// openTestStore opens an in-memory store and registers cleanup.
func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenInMemoryStore()
	if err != nil {
		t.Fatalf("OpenInMemoryStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testTemplate(id string) *Template {
	return &Template{
		ID:           id,
		CapabilityID: "cap-cache",
		Version:      1,
		Tags:         []string{"cache", "redis"},
		Parameters: []Parameter{
			{Name: "size", Type: "int", Required: true},
			{Name: "region", Type: "string"},
		},
		Steps:  []string{"provision", "configure", "verify"},
		Status: StatusActive,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := PutTemplate(ctx, store, testTemplate("tmpl-1")); err != nil {
		t.Fatalf("PutTemplate failed: %v", err)
	}

	got, rev, err := GetTemplate(ctx, store, "tmpl-1")
	if err != nil {
		t.Fatalf("GetTemplate failed: %v", err)
	}
	if rev != 1 {
		t.Errorf("initial revision = %d, want 1", rev)
	}
	if got.CapabilityID != "cap-cache" {
		t.Errorf("CapabilityID = %q, want cap-cache", got.CapabilityID)
	}
	if len(got.Steps) != 3 || got.Steps[0] != "provision" {
		t.Errorf("steps not preserved: %v", got.Steps)
	}
	if got.Status != StatusActive {
		t.Errorf("status = %q, want active", got.Status)
	}
	if got.CreatedAt == 0 || got.UpdatedAt == 0 {
		t.Error("timestamps not assigned on put")
	}
}

func TestPutIsCreateOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := PutTemplate(ctx, store, testTemplate("tmpl-1")); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	err := PutTemplate(ctx, store, testTemplate("tmpl-1"))
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second put: got %v, want ErrAlreadyExists", err)
	}
}

func TestGetUnknownID(t *testing.T) {
	store := openTestStore(t)

	_, _, err := GetTemplate(context.Background(), store, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCompareAndSwapConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := PutTemplate(ctx, store, testTemplate("tmpl-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	tmpl, rev, err := GetTemplate(ctx, store, "tmpl-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	// First swap wins.
	tmpl.Version = 2
	newRev, err := store.CompareAndSwap(ctx, KindTemplate, "tmpl-1", rev, tmpl)
	if err != nil {
		t.Fatalf("first CAS failed: %v", err)
	}
	if newRev != rev+1 {
		t.Errorf("new revision = %d, want %d", newRev, rev+1)
	}

	// Second swap with the stale revision loses.
	tmpl.Version = 3
	_, err = store.CompareAndSwap(ctx, KindTemplate, "tmpl-1", rev, tmpl)
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale CAS: got %v, want ErrVersionConflict", err)
	}

	// Stored state reflects only the winning write.
	got, _, _ := GetTemplate(ctx, store, "tmpl-1")
	if got.Version != 2 {
		t.Errorf("stored version = %d, want 2", got.Version)
	}
}

func TestCompareAndSwapUnknownID(t *testing.T) {
	store := openTestStore(t)

	_, err := store.CompareAndSwap(context.Background(), KindTemplate, "ghost", 1, testTemplate("ghost"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestListTemplatesFilterAndOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	b := testTemplate("tmpl-b")
	b.Status = StatusDeprecated
	a := testTemplate("tmpl-a")
	c := testTemplate("tmpl-c")
	c.Tags = []string{"queue"}

	for _, tmpl := range []*Template{b, a, c} {
		if err := PutTemplate(ctx, store, tmpl); err != nil {
			t.Fatalf("put %s failed: %v", tmpl.ID, err)
		}
	}

	active, err := ListTemplates(ctx, store, TemplateFilter{Status: StatusActive})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active templates, got %d", len(active))
	}
	if active[0].ID != "tmpl-a" || active[1].ID != "tmpl-c" {
		t.Errorf("list not in ascending id order: %s, %s", active[0].ID, active[1].ID)
	}

	tagged, err := ListTemplates(ctx, store, TemplateFilter{Tags: []string{"cache", "redis"}})
	if err != nil {
		t.Fatalf("tag list failed: %v", err)
	}
	if len(tagged) != 2 {
		t.Errorf("expected 2 cache/redis templates, got %d", len(tagged))
	}
}

func TestUpdateTemplateRetiredIsTerminal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tmpl := testTemplate("tmpl-1")
	tmpl.Status = StatusRetired
	if err := PutTemplate(ctx, store, tmpl); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	_, err := UpdateTemplate(ctx, store, "tmpl-1", func(t *Template) error {
		t.Status = StatusActive
		return nil
	})
	if !errors.Is(err, ErrTemplateRetired) {
		t.Errorf("got %v, want ErrTemplateRetired", err)
	}

	// Non-status mutations on retired templates stay allowed (health
	// bookkeeping still references them).
	_, err = UpdateTemplate(ctx, store, "tmpl-1", func(t *Template) error {
		t.LastKnownGood = 1
		return nil
	})
	if err != nil {
		t.Errorf("non-status mutation on retired template failed: %v", err)
	}
}

func TestUpdateTemplateConcurrentWriters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := PutTemplate(ctx, store, testTemplate("tmpl-1")); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// Concurrent increments against the same identifier serialize
	// through CAS retry; none should be lost.
	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = UpdateTemplate(ctx, store, "tmpl-1", func(t *Template) error {
				t.Version++
				return nil
			})
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}

	got, _, err := GetTemplate(ctx, store, "tmpl-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	want := 1 + writers - failed
	if got.Version != want {
		t.Errorf("version = %d, want %d (%d writers, %d exhausted retries)",
			got.Version, want, writers, failed)
	}
}

func TestUpdateCapabilityMembership(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	cap := &Capability{
		ID:       "cap-cache",
		Name:     "Caching",
		Maturity: MaturityL3,
		Tags:     []string{"cache"},
	}
	if err := PutCapability(ctx, store, cap); err != nil {
		t.Fatalf("put capability failed: %v", err)
	}

	updated, err := UpdateCapability(ctx, store, "cap-cache", func(c *Capability) error {
		c.TemplateIDs = append(c.TemplateIDs, "tmpl-1")
		return nil
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !updated.OwnsTemplate("tmpl-1") {
		t.Error("capability should own tmpl-1 after update")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Delete(ctx, KindHealth, "never-existed"); err != nil {
		t.Errorf("delete of unknown id should be a no-op, got %v", err)
	}
}

func TestKeyValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, Kind("bogus"), "x", testTemplate("x")); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("unknown kind: got %v, want ErrInvalidInput", err)
	}
	if _, err := store.Put(ctx, KindTemplate, "", testTemplate("x")); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty id: got %v, want ErrInvalidInput", err)
	}
	if _, err := store.Put(ctx, KindTemplate, "a/b", testTemplate("x")); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("slash id: got %v, want ErrInvalidInput", err)
	}
}
