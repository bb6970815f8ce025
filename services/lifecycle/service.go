// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/lifecycle/pkg/logging"
	"github.com/AleutianAI/lifecycle/pkg/validation"
	"github.com/AleutianAI/lifecycle/services/lifecycle/catalog"
	"github.com/AleutianAI/lifecycle/services/lifecycle/conflict"
	"github.com/AleutianAI/lifecycle/services/lifecycle/deprecation"
	"github.com/AleutianAI/lifecycle/services/lifecycle/health"
	"github.com/AleutianAI/lifecycle/services/lifecycle/migration"
	"github.com/AleutianAI/lifecycle/services/lifecycle/rollback"
)

// Deps carries the pluggable collaborators of the service. Zero values
// select no-op implementations.
type Deps struct {
	// GateChecker vetoes template registration on failed gates.
	GateChecker conflict.GateChecker

	// DeprecationNotifier delivers deprecation milestones.
	DeprecationNotifier deprecation.Notifier

	// RollbackNotifier informs consumers about rollbacks.
	RollbackNotifier rollback.ConsumerNotifier

	// Clock drives the schedulers. Nil reads the system clock.
	Clock deprecation.Clock
}

// Service owns every lifecycle subsystem and their shared store.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the subsystems, which
// serialize through the store's compare-and-swap.
type Service struct {
	config ServiceConfig
	logger *logging.Logger

	store        catalog.Store
	resolver     *conflict.Resolver
	planner      *migration.Planner
	deprecations *deprecation.Scheduler
	monitor      *health.Monitor
	rollbacks    *rollback.Executor

	gate     conflict.GateChecker
	clock    deprecation.Clock
	validate *validator.Validate
}

// NewService opens the store and wires the subsystems together.
func NewService(config ServiceConfig, deps Deps, logger *logging.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.Default()
	}

	var store catalog.Store
	var err error
	if config.InMemory {
		store, err = catalog.OpenInMemoryStore()
	} else {
		store, err = catalog.OpenStore(config.DataDir)
	}
	if err != nil {
		return nil, fmt.Errorf("open catalog store: %w", err)
	}

	resolver, err := conflict.NewResolver(store, config.ConflictThreshold, logger.Slog())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create conflict resolver: %w", err)
	}

	if deps.GateChecker == nil {
		deps.GateChecker = conflict.NopGateChecker{}
	}
	if deps.Clock == nil {
		deps.Clock = deprecation.SystemClock{}
	}

	executor := rollback.NewExecutor(store, deps.RollbackNotifier, logger)

	monitorConfig := health.DefaultMonitorConfig()
	monitorConfig.ProbeTimeout = config.ProbeTimeout
	monitorConfig.TickInterval = config.HealthTickInterval
	monitor := health.NewMonitor(store,
		health.RollbackFunc(func(ctx context.Context, templateID, reason string) error {
			_, err := executor.Rollback(ctx, templateID, reason)
			return err
		}),
		healthClock{deps.Clock}, monitorConfig, logger)

	depConfig := deprecation.SchedulerConfig{Interval: config.DeprecationTickInterval}
	scheduler := deprecation.NewScheduler(store, deps.DeprecationNotifier, deps.Clock, depConfig, logger)

	return &Service{
		config:       config,
		logger:       logger,
		store:        store,
		resolver:     resolver,
		planner:      migration.NewPlanner(store, nil, logger),
		deprecations: scheduler,
		monitor:      monitor,
		rollbacks:    executor,
		gate:         deps.GateChecker,
		clock:        deps.Clock,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// healthClock adapts the shared clock to the health package.
type healthClock struct{ c deprecation.Clock }

func (h healthClock) Now() time.Time { return h.c.Now() }

// Start launches the background workers.
func (s *Service) Start(ctx context.Context) error {
	if err := s.monitor.Start(ctx); err != nil {
		return err
	}
	if err := s.deprecations.Start(ctx); err != nil {
		s.monitor.Stop()
		return err
	}
	s.logger.Info("lifecycle service started")
	return nil
}

// Stop halts the workers and closes the store.
func (s *Service) Stop() error {
	s.monitor.Stop()
	s.deprecations.Stop()
	err := s.store.Close()
	s.logger.Info("lifecycle service stopped")
	return err
}

// ============================================================================
// Registration
// ============================================================================

// RegisterTemplate validates and stores a new template, then reports
// any conflicts with the existing catalog.
//
// Description:
//
//	Validation failures and gate vetoes reject the registration before
//	anything is written. A successful registration appends the
//	template to its capability's membership and runs conflict
//	detection; detected conflicts are returned alongside the accepted
//	registration, they do not reject it.
//
// Outputs:
//   - []*conflict.TemplateConflict: conflicts with existing templates,
//     ordered by descending score.
//   - error: catalog.ErrInvalidInput for validation failures,
//     conflict.ErrGateFailed for gate vetoes, catalog.ErrNotFound for
//     an unknown capability, catalog.ErrAlreadyExists for a duplicate
//     id.
func (s *Service) RegisterTemplate(ctx context.Context, tmpl *catalog.Template) ([]*conflict.TemplateConflict, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("%w: template must not be nil", catalog.ErrInvalidInput)
	}
	if err := s.validate.Struct(tmpl); err != nil {
		return nil, fmt.Errorf("%w: %v", catalog.ErrInvalidInput, err)
	}
	if err := validation.ValidateIdentifier(tmpl.ID); err != nil {
		return nil, fmt.Errorf("%w: template id: %v", catalog.ErrInvalidInput, err)
	}

	gates, err := s.gate.CheckGates(ctx, tmpl.ID, tmpl.Version)
	if err != nil {
		return nil, fmt.Errorf("gate check: %w", err)
	}
	if !gates.Passed {
		return nil, fmt.Errorf("%w: %v", conflict.ErrGateFailed, gates.FailedGates)
	}

	if _, _, err := catalog.GetCapability(ctx, s.store, tmpl.CapabilityID); err != nil {
		return nil, fmt.Errorf("capability %s: %w", tmpl.CapabilityID, err)
	}
	if err := catalog.PutTemplate(ctx, s.store, tmpl); err != nil {
		return nil, err
	}
	if _, err := catalog.UpdateCapability(ctx, s.store, tmpl.CapabilityID, func(c *catalog.Capability) error {
		if !c.OwnsTemplate(tmpl.ID) {
			c.TemplateIDs = append(c.TemplateIDs, tmpl.ID)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("attach template to capability: %w", err)
	}

	conflicts, err := s.resolver.DetectConflicts(ctx, tmpl)
	if err != nil {
		return nil, fmt.Errorf("conflict detection: %w", err)
	}

	s.logger.Info("template registered",
		"template_id", tmpl.ID,
		"capability_id", tmpl.CapabilityID,
		"conflicts", len(conflicts),
	)
	return conflicts, nil
}

// RegisterCapability validates and stores a new capability.
func (s *Service) RegisterCapability(ctx context.Context, c *catalog.Capability) error {
	if c == nil {
		return fmt.Errorf("%w: capability must not be nil", catalog.ErrInvalidInput)
	}
	if err := s.validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", catalog.ErrInvalidInput, err)
	}
	if err := validation.ValidateIdentifier(c.ID); err != nil {
		return fmt.Errorf("%w: capability id: %v", catalog.ErrInvalidInput, err)
	}
	if !c.Maturity.Valid() {
		return fmt.Errorf("%w: maturity %d", catalog.ErrInvalidInput, c.Maturity)
	}
	return catalog.PutCapability(ctx, s.store, c)
}

// ============================================================================
// Deprecation
// ============================================================================

// Deprecate schedules a template's end-of-life a number of months out
// and freezes any in-flight migrations targeting it.
func (s *Service) Deprecate(ctx context.Context, templateID string, timelineMonths int, reason string) (*deprecation.Plan, error) {
	if timelineMonths <= 0 {
		return nil, fmt.Errorf("%w: timeline %d months", catalog.ErrInvalidInput, timelineMonths)
	}
	eol := s.clock.Now().AddDate(0, timelineMonths, 0)
	plan, err := s.deprecations.Schedule(ctx, templateID, eol, reason)
	if err != nil {
		return nil, err
	}

	frozen, err := s.planner.FreezePlansForTarget(ctx, templateID)
	if err != nil {
		// The deprecation stands; the stuck plans surface on their
		// next phase execution.
		s.logger.Error("freezing migrations toward deprecated target failed",
			"template_id", templateID,
			"error", err,
		)
	} else if frozen > 0 {
		s.logger.Warn("froze in-flight migrations toward deprecated target",
			"template_id", templateID,
			"count", frozen,
		)
	}
	return plan, nil
}

// ============================================================================
// Subsystem access
// ============================================================================

// Store returns the catalog store.
func (s *Service) Store() catalog.Store { return s.store }

// Conflicts returns the conflict resolver.
func (s *Service) Conflicts() *conflict.Resolver { return s.resolver }

// Migrations returns the migration planner.
func (s *Service) Migrations() *migration.Planner { return s.planner }

// Deprecations returns the deprecation scheduler.
func (s *Service) Deprecations() *deprecation.Scheduler { return s.deprecations }

// Health returns the health monitor.
func (s *Service) Health() *health.Monitor { return s.monitor }

// Rollbacks returns the rollback executor.
func (s *Service) Rollbacks() *rollback.Executor { return s.rollbacks }
