// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"fmt"

	"github.com/AleutianAI/lifecycle/services/lifecycle/catalog"
)

// DefaultBattery returns the standard probe battery: accessibility,
// parameter schema validation, and step reachability.
func DefaultBattery() []Probe {
	return []Probe{
		AccessibilityProbe{},
		SchemaProbe{},
		StepProbe{},
	}
}

// AccessibilityProbe verifies the template is in a servable state.
type AccessibilityProbe struct{}

// Name returns "accessibility".
func (AccessibilityProbe) Name() string { return "accessibility" }

// Run fails for retired templates and templates with no deployed
// version, and warns for deprecated templates: still servable, but on
// the way out.
func (AccessibilityProbe) Run(ctx context.Context, tmpl *catalog.Template) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tmpl.Status == catalog.StatusRetired {
		return fmt.Errorf("template %s is retired", tmpl.ID)
	}
	if tmpl.DeployedVersion == 0 {
		return fmt.Errorf("template %s has no deployed version", tmpl.ID)
	}
	if tmpl.Status == catalog.StatusDeprecated {
		return fmt.Errorf("%w: template %s is deprecated", ErrProbeWarning, tmpl.ID)
	}
	return nil
}

// SchemaProbe validates the template's parameter schema.
type SchemaProbe struct{}

// Name returns "schema".
func (SchemaProbe) Name() string { return "schema" }

var knownParamTypes = map[string]bool{
	"string": true,
	"int":    true,
	"float":  true,
	"bool":   true,
	"list":   true,
	"map":    true,
}

// Run checks that parameter names are unique and non-empty, types are
// known, and required parameters carry no default.
func (SchemaProbe) Run(ctx context.Context, tmpl *catalog.Template) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(tmpl.Parameters))
	for _, p := range tmpl.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if !knownParamTypes[p.Type] {
			return fmt.Errorf("parameter %q has unknown type %q", p.Name, p.Type)
		}
		if p.Required && p.Default != nil {
			return fmt.Errorf("parameter %q is required but carries a default", p.Name)
		}
	}
	return nil
}

// StepProbe validates the template's step list.
type StepProbe struct{}

// Name returns "steps".
func (StepProbe) Name() string { return "steps" }

// Run checks that the template has at least one step and every step
// reference is non-empty and unique.
func (StepProbe) Run(ctx context.Context, tmpl *catalog.Template) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(tmpl.Steps) == 0 {
		return fmt.Errorf("template %s has no steps", tmpl.ID)
	}
	seen := make(map[string]bool, len(tmpl.Steps))
	for i, step := range tmpl.Steps {
		if step == "" {
			return fmt.Errorf("step %d is empty", i)
		}
		if seen[step] {
			return fmt.Errorf("step %q appears more than once", step)
		}
		seen[step] = true
	}
	return nil
}
