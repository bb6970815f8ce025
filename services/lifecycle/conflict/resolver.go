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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/lifecycle/services/lifecycle/catalog"
	"github.com/AleutianAI/lifecycle/services/lifecycle/similarity"
	"github.com/AleutianAI/lifecycle/services/lifecycle/telemetry"
)

// Resolver detects template conflicts against the catalog and applies
// resolution strategies.
//
// # Thread Safety
//
// Safe for concurrent use. All catalog mutation goes through
// compare-and-swap.
type Resolver struct {
	store     catalog.Store
	threshold float64
	logger    *slog.Logger
}

// NewResolver creates a resolver over the given store.
//
// Inputs:
//
//	store - The catalog store. Must not be nil.
//	threshold - Minimum similarity for a conflict; 0 selects
//	            DefaultThreshold.
//	logger - Logger for detection and resolution events. Must not be nil.
func NewResolver(store catalog.Store, threshold float64, logger *slog.Logger) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store must not be nil", catalog.ErrInvalidInput)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger must not be nil", catalog.ErrInvalidInput)
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: threshold must be in [0,1], got %v", catalog.ErrInvalidInput, threshold)
	}
	return &Resolver{store: store, threshold: threshold, logger: logger}, nil
}

// DetectConflicts scans the catalog for active templates conflicting
// with the given one.
//
// # Description
//
// Scores the probe template against every other active template and
// returns all pairs at or above the threshold, sorted by descending
// score with ties broken by ascending counterpart id. Repeated calls
// on an unchanged catalog yield identical output. Detected conflicts
// are persisted for the query API; re-detection of a known unresolved
// pair updates the existing record instead of duplicating it.
//
// Outputs:
//
//	[]*TemplateConflict - Conflicts in deterministic order. Empty when
//	none reach the threshold.
//	error - Non-nil on store failure.
func (r *Resolver) DetectConflicts(ctx context.Context, probe *catalog.Template) ([]*TemplateConflict, error) {
	if probe == nil {
		return nil, fmt.Errorf("%w: template must not be nil", catalog.ErrInvalidInput)
	}

	candidates, err := catalog.ListTemplates(ctx, r.store, catalog.TemplateFilter{Status: catalog.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("list active templates: %w", err)
	}

	now := time.Now().UnixMilli()
	var conflicts []*TemplateConflict
	for _, other := range candidates {
		if other.ID == probe.ID {
			continue
		}
		bd := similarity.Compare(probe, other)
		if bd.Weighted < r.threshold {
			continue
		}
		conflicts = append(conflicts, &TemplateConflict{
			ID:         pairID(probe.ID, other.ID),
			TemplateID: probe.ID,
			OtherID:    other.ID,
			Score:      bd.Weighted,
			Breakdown:  bd,
			Category:   categorize(bd.Weighted, probe, other),
			DetectedAt: now,
		})
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		if conflicts[i].Score != conflicts[j].Score {
			return conflicts[i].Score > conflicts[j].Score
		}
		return conflicts[i].OtherID < conflicts[j].OtherID
	})

	for _, c := range conflicts {
		if err := r.persist(ctx, c); err != nil {
			return nil, err
		}
		telemetry.ConflictsDetected.WithLabelValues(string(c.Category)).Inc()
	}

	if len(conflicts) > 0 {
		r.logger.Info("conflicts detected",
			slog.String("template_id", probe.ID),
			slog.Int("count", len(conflicts)),
			slog.Float64("top_score", conflicts[0].Score),
		)
	}
	return conflicts, nil
}

// ProposeResolutions maps each conflict category to its deterministic
// default strategy.
//
// # Description
//
// duplicate -> deprecate-one (keep the template whose capability has
// higher maturity, lower template id on tie), overlapping -> compose,
// superseding -> migrate the superseded template. namespace-split is
// never proposed by default; it is only reachable through the command
// API.
func (r *Resolver) ProposeResolutions(ctx context.Context, conflicts []*TemplateConflict) ([]Resolution, error) {
	resolutions := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		switch c.Category {
		case CategoryDuplicate:
			keep, drop, err := r.pickSurvivor(ctx, c.TemplateID, c.OtherID)
			if err != nil {
				return nil, err
			}
			resolutions = append(resolutions, Resolution{
				ConflictID: c.ID,
				Strategy:   StrategyDeprecateOne,
				TargetID:   drop,
				RetainedID: keep,
			})
		case CategoryOverlapping:
			resolutions = append(resolutions, Resolution{
				ConflictID: c.ID,
				Strategy:   StrategyCompose,
				TargetID:   c.TemplateID,
				RetainedID: c.OtherID,
			})
		case CategorySuperseding:
			superseded, successor, err := r.pickSuperseded(ctx, c.TemplateID, c.OtherID)
			if err != nil {
				return nil, err
			}
			resolutions = append(resolutions, Resolution{
				ConflictID: c.ID,
				Strategy:   StrategyMigrate,
				TargetID:   superseded,
				RetainedID: successor,
			})
		default:
			return nil, fmt.Errorf("%w: category %q", ErrUnknownStrategy, c.Category)
		}
	}
	return resolutions, nil
}

// ExecuteResolution applies a strategy to a template transactionally.
//
// # Description
//
// Applies the catalog effect of the strategy via compare-and-swap and
// marks every stored conflict involving the template as resolved.
// Idempotent: re-applying an already-executed resolution is a no-op,
// not an error.
func (r *Resolver) ExecuteResolution(ctx context.Context, templateID string, strategy Strategy) error {
	if !strategy.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	_, err := catalog.UpdateTemplate(ctx, r.store, templateID, func(t *catalog.Template) error {
		switch strategy {
		case StrategyDeprecateOne:
			if t.Status == catalog.StatusActive || t.Status == catalog.StatusMigrating {
				t.Status = catalog.StatusDeprecated
			}
		case StrategyMigrate:
			if t.Status == catalog.StatusActive {
				t.Status = catalog.StatusMigrating
			}
		case StrategyCompose:
			// Composition happens in the generator; the catalog keeps
			// both templates active.
		case StrategyNamespaceSplit:
			t.Tags = namespaceTags(t.CapabilityID, t.Tags)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := r.markResolved(ctx, templateID, strategy); err != nil {
		return err
	}

	r.logger.Info("resolution executed",
		slog.String("template_id", templateID),
		slog.String("strategy", string(strategy)),
	)
	return nil
}

// ListConflicts returns stored conflicts involving a template, or all
// conflicts when templateID is empty.
func (r *Resolver) ListConflicts(ctx context.Context, templateID string) ([]*TemplateConflict, error) {
	var out []*TemplateConflict
	err := r.store.List(ctx, catalog.KindConflict, func(id string, _ uint64, data []byte) error {
		var c TemplateConflict
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("unmarshal conflict %s: %w", id, err)
		}
		if templateID == "" || c.TemplateID == templateID || c.OtherID == templateID {
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// categorize classifies a pair that already cleared the threshold.
//
// A pair at or above DuplicateThreshold is a duplicate. Below that,
// templates sharing a capability with distinct artifact versions are
// superseding (the higher version supersedes); everything else is
// overlapping.
func categorize(score float64, probe, other *catalog.Template) Category {
	if score >= DuplicateThreshold {
		return CategoryDuplicate
	}
	if probe.CapabilityID == other.CapabilityID && probe.Version != other.Version {
		return CategorySuperseding
	}
	return CategoryOverlapping
}

// pickSurvivor decides which side of a duplicate pair to keep: higher
// owning-capability maturity wins, lower template id on tie.
func (r *Resolver) pickSurvivor(ctx context.Context, aID, bID string) (keep, drop string, err error) {
	matA, err := r.capabilityMaturity(ctx, aID)
	if err != nil {
		return "", "", err
	}
	matB, err := r.capabilityMaturity(ctx, bID)
	if err != nil {
		return "", "", err
	}

	if matA > matB {
		return aID, bID, nil
	}
	if matB > matA {
		return bID, aID, nil
	}
	if aID < bID {
		return aID, bID, nil
	}
	return bID, aID, nil
}

// pickSuperseded decides which side of a superseding pair migrates
// away: the lower artifact version. On equal versions the existing
// catalog entry (the non-probe side) is treated as superseded by the
// incoming registration.
func (r *Resolver) pickSuperseded(ctx context.Context, probeID, otherID string) (superseded, successor string, err error) {
	probe, _, err := catalog.GetTemplate(ctx, r.store, probeID)
	if err != nil {
		return "", "", err
	}
	other, _, err := catalog.GetTemplate(ctx, r.store, otherID)
	if err != nil {
		return "", "", err
	}
	if probe.Version < other.Version {
		return probeID, otherID, nil
	}
	return otherID, probeID, nil
}

// capabilityMaturity looks up the maturity of a template's owning
// capability. Missing capability records count as L1 rather than
// failing the proposal.
func (r *Resolver) capabilityMaturity(ctx context.Context, templateID string) (catalog.MaturityLevel, error) {
	tmpl, _, err := catalog.GetTemplate(ctx, r.store, templateID)
	if err != nil {
		return 0, err
	}
	owner, _, err := catalog.GetCapability(ctx, r.store, tmpl.CapabilityID)
	if err != nil {
		if isNotFound(err) {
			return catalog.MaturityL1, nil
		}
		return 0, err
	}
	return owner.Maturity, nil
}

// persist writes or refreshes a conflict record. Resolved records are
// left untouched so an executed resolution is not reopened by a
// re-scan.
func (r *Resolver) persist(ctx context.Context, c *TemplateConflict) error {
	return catalog.WithRetry(ctx, catalog.DefaultRetryConfig(), func(ctx context.Context) error {
		var existing TemplateConflict
		rev, err := r.store.Get(ctx, catalog.KindConflict, c.ID, &existing)
		if isNotFound(err) {
			_, err := r.store.Put(ctx, catalog.KindConflict, c.ID, c)
			return err
		}
		if err != nil {
			return err
		}
		if existing.Resolved {
			return nil
		}
		_, err = r.store.CompareAndSwap(ctx, catalog.KindConflict, c.ID, rev, c)
		return err
	})
}

// markResolved flags all stored conflicts touching the template.
func (r *Resolver) markResolved(ctx context.Context, templateID string, strategy Strategy) error {
	conflicts, err := r.ListConflicts(ctx, templateID)
	if err != nil {
		return err
	}
	for _, c := range conflicts {
		if c.Resolved {
			continue
		}
		id := c.ID
		err := catalog.WithRetry(ctx, catalog.DefaultRetryConfig(), func(ctx context.Context) error {
			var current TemplateConflict
			rev, err := r.store.Get(ctx, catalog.KindConflict, id, &current)
			if err != nil {
				return err
			}
			if current.Resolved {
				return nil
			}
			current.Resolved = true
			current.ResolvedBy = strategy
			_, err = r.store.CompareAndSwap(ctx, catalog.KindConflict, id, rev, &current)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// pairID builds a deterministic conflict id from an unordered template
// pair, so re-detection hits the same record. The uuid namespace hash
// keeps ids opaque and fixed-length.
func pairID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(a+"|"+b)).String()
}

// namespaceTags prefixes tags with the owning capability, leaving
// already-namespaced tags alone.
func namespaceTags(capabilityID string, tags []string) []string {
	out := make([]string, len(tags))
	for i, tag := range tags {
		if strings.Contains(tag, ":") {
			out[i] = tag
			continue
		}
		out[i] = capabilityID + ":" + tag
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, catalog.ErrNotFound)
}
