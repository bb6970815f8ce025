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
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/lifecycle/services/lifecycle/catalog"
	"github.com/AleutianAI/lifecycle/services/lifecycle/conflict"
	"github.com/AleutianAI/lifecycle/services/lifecycle/deprecation"
	"github.com/AleutianAI/lifecycle/services/lifecycle/health"
	"github.com/AleutianAI/lifecycle/services/lifecycle/migration"
	"github.com/AleutianAI/lifecycle/services/lifecycle/rollback"
)

// ServiceVersion is the lifecycle service version.
const ServiceVersion = "0.1.0"

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}

// RegisterTemplateResponse reports an accepted registration and the
// conflicts it surfaced.
type RegisterTemplateResponse struct {
	Template  *catalog.Template            `json:"template"`
	Conflicts []*conflict.TemplateConflict `json:"conflicts,omitempty"`
}

// ResolutionRequest executes one resolution strategy.
type ResolutionRequest struct {
	TemplateID string `json:"template_id" binding:"required"`
	Strategy   string `json:"strategy" binding:"required"`
}

// MigrationRequest creates a migration plan.
type MigrationRequest struct {
	SourceID string `json:"source_id" binding:"required"`
	TargetID string `json:"target_id"`
}

// DeprecationRequest schedules a template's end-of-life.
type DeprecationRequest struct {
	TemplateID     string `json:"template_id" binding:"required"`
	TimelineMonths int    `json:"timeline_months" binding:"required,min=1"`
	Reason         string `json:"reason"`
}

// ScheduleRequest registers recurring health checks.
type ScheduleRequest struct {
	IntervalSeconds int `json:"interval_seconds" binding:"required,min=1"`
}

// DeploymentRequest confirms a deployed version.
type DeploymentRequest struct {
	Version int `json:"version" binding:"required,min=1"`
}

// RollbackRequest forces a rollback.
type RollbackRequest struct {
	TemplateID string `json:"template_id" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
}

// RetargetRequest points a frozen migration plan at a new target.
type RetargetRequest struct {
	TargetID string `json:"target_id" binding:"required"`
}

// Handlers contains the HTTP handlers for the lifecycle service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrInvalidInput),
		errors.Is(err, conflict.ErrGateFailed),
		errors.Is(err, conflict.ErrUnknownStrategy),
		errors.Is(err, deprecation.ErrInvalidWindow),
		errors.Is(err, migration.ErrUnknownPhase):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrAlreadyExists),
		errors.Is(err, catalog.ErrVersionConflict),
		errors.Is(err, catalog.ErrConcurrentModification),
		errors.Is(err, catalog.ErrTemplateRetired),
		errors.Is(err, deprecation.ErrAlreadyScheduled),
		errors.Is(err, migration.ErrPreconditionFailed),
		errors.Is(err, migration.ErrPlanFrozen),
		errors.Is(err, migration.ErrRollbackTriggered),
		errors.Is(err, health.ErrDeploymentNotConfirmed),
		errors.Is(err, health.ErrNotScheduled),
		errors.Is(err, rollback.ErrNoKnownGoodVersion):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
}

// ============================================================================
// Catalog
// ============================================================================

// HandleRegisterCapability handles POST /v1/lifecycle/capabilities.
func (h *Handlers) HandleRegisterCapability(c *gin.Context) {
	var capability catalog.Capability
	if err := c.ShouldBindJSON(&capability); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}
	if err := h.svc.RegisterCapability(c.Request.Context(), &capability); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, capability)
}

// HandleListCapabilities handles GET /v1/lifecycle/capabilities.
func (h *Handlers) HandleListCapabilities(c *gin.Context) {
	filter := catalog.CapabilityFilter{Tags: splitTags(c.Query("tags"))}
	capabilities, err := catalog.ListCapabilities(c.Request.Context(), h.svc.Store(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capabilities": capabilities})
}

// HandleRegisterTemplate handles POST /v1/lifecycle/templates.
func (h *Handlers) HandleRegisterTemplate(c *gin.Context) {
	var tmpl catalog.Template
	if err := c.ShouldBindJSON(&tmpl); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}
	conflicts, err := h.svc.RegisterTemplate(c.Request.Context(), &tmpl)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, RegisterTemplateResponse{Template: &tmpl, Conflicts: conflicts})
}

// HandleListTemplates handles GET /v1/lifecycle/templates.
func (h *Handlers) HandleListTemplates(c *gin.Context) {
	filter := catalog.TemplateFilter{
		Status:       catalog.TemplateStatus(c.Query("status")),
		CapabilityID: c.Query("capability_id"),
		Tags:         splitTags(c.Query("tags")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "unknown status " + string(filter.Status),
			Code:  "invalid_request",
		})
		return
	}
	templates, err := catalog.ListTemplates(c.Request.Context(), h.svc.Store(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

// HandleGetTemplate handles GET /v1/lifecycle/templates/:id.
func (h *Handlers) HandleGetTemplate(c *gin.Context) {
	tmpl, _, err := catalog.GetTemplate(c.Request.Context(), h.svc.Store(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// ============================================================================
// Conflicts
// ============================================================================

// HandleDetectConflicts handles POST /v1/lifecycle/templates/:id/conflicts.
func (h *Handlers) HandleDetectConflicts(c *gin.Context) {
	ctx := c.Request.Context()
	tmpl, _, err := catalog.GetTemplate(ctx, h.svc.Store(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	conflicts, err := h.svc.Conflicts().DetectConflicts(ctx, tmpl)
	if err != nil {
		fail(c, err)
		return
	}
	proposals, err := h.svc.Conflicts().ProposeResolutions(ctx, conflicts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conflicts":   conflicts,
		"resolutions": proposals,
	})
}

// HandleListConflicts handles GET /v1/lifecycle/conflicts.
func (h *Handlers) HandleListConflicts(c *gin.Context) {
	conflicts, err := h.svc.Conflicts().ListConflicts(c.Request.Context(), c.Query("template_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

// HandleExecuteResolution handles POST /v1/lifecycle/resolutions.
func (h *Handlers) HandleExecuteResolution(c *gin.Context) {
	var req ResolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}
	err := h.svc.Conflicts().ExecuteResolution(c.Request.Context(), req.TemplateID, conflict.Strategy(req.Strategy))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"template_id": req.TemplateID, "strategy": req.Strategy})
}

// ============================================================================
// Migrations
// ============================================================================

// HandleCreateMigration handles POST /v1/lifecycle/migrations.
func (h *Handlers) HandleCreateMigration(c *gin.Context) {
	var req MigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}
	plan, err := h.svc.Migrations().CreatePlan(c.Request.Context(), req.SourceID, req.TargetID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

// HandleGetMigration handles GET /v1/lifecycle/migrations/:id.
func (h *Handlers) HandleGetMigration(c *gin.Context) {
	plan, err := h.svc.Migrations().GetPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// HandleExecutePhase handles POST /v1/lifecycle/migrations/:id/phases/:phase.
func (h *Handlers) HandleExecutePhase(c *gin.Context) {
	plan, err := h.svc.Migrations().ExecutePhase(c.Request.Context(), c.Param("id"), c.Param("phase"))
	if err != nil {
		// The plan state is part of the answer even on failure.
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "plan": plan})
		return
	}
	c.JSON(http.StatusOK, plan)
}

// HandleAbortMigration handles POST /v1/lifecycle/migrations/:id/abort.
func (h *Handlers) HandleAbortMigration(c *gin.Context) {
	plan, err := h.svc.Migrations().Abort(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// HandleRetargetMigration handles POST /v1/lifecycle/migrations/:id/retarget.
func (h *Handlers) HandleRetargetMigration(c *gin.Context) {
	var req RetargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}
	plan, err := h.svc.Migrations().Retarget(c.Request.Context(), c.Param("id"), req.TargetID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// ============================================================================
// Deprecations
// ============================================================================

// HandleCreateDeprecation handles POST /v1/lifecycle/deprecations.
func (h *Handlers) HandleCreateDeprecation(c *gin.Context) {
	var req DeprecationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}
	plan, err := h.svc.Deprecate(c.Request.Context(), req.TemplateID, req.TimelineMonths, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

// HandleCancelDeprecation handles POST /v1/lifecycle/deprecations/:id/cancel.
func (h *Handlers) HandleCancelDeprecation(c *gin.Context) {
	plan, err := h.svc.Deprecations().Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// ============================================================================
// Health
// ============================================================================

// HandleRunCheck handles POST /v1/lifecycle/health/:id/check.
func (h *Handlers) HandleRunCheck(c *gin.Context) {
	result, err := h.svc.Health().Check(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleScheduleChecks handles POST /v1/lifecycle/health/:id/schedule.
func (h *Handlers) HandleScheduleChecks(c *gin.Context) {
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}
	interval := time.Duration(req.IntervalSeconds) * time.Second
	if err := h.svc.Health().Schedule(c.Request.Context(), c.Param("id"), interval); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"template_id": c.Param("id"), "interval_seconds": req.IntervalSeconds})
}

// HandleCancelChecks handles DELETE /v1/lifecycle/health/:id/schedule.
func (h *Handlers) HandleCancelChecks(c *gin.Context) {
	if err := h.svc.Health().Cancel(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleConfirmDeployment handles POST /v1/lifecycle/health/:id/deployment.
func (h *Handlers) HandleConfirmDeployment(c *gin.Context) {
	var req DeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}
	if err := h.svc.Health().ConfirmDeployment(c.Request.Context(), c.Param("id"), req.Version); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"template_id": c.Param("id"), "version": req.Version})
}

// HandleCheckHistory handles GET /v1/lifecycle/health/:id/history.
func (h *Handlers) HandleCheckHistory(c *gin.Context) {
	history, err := h.svc.Health().History(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checks": history})
}

// ============================================================================
// Rollbacks
// ============================================================================

// HandleForceRollback handles POST /v1/lifecycle/rollbacks.
func (h *Handlers) HandleForceRollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}
	result, err := h.svc.Rollbacks().Rollback(c.Request.Context(), req.TemplateID, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleListRollbacks handles GET /v1/lifecycle/rollbacks.
func (h *Handlers) HandleListRollbacks(c *gin.Context) {
	results, err := h.svc.Rollbacks().ListResults(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rollbacks": results})
}

// ============================================================================
// Service health
// ============================================================================

// HandleHealth handles GET /v1/lifecycle/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": ServiceVersion,
	})
}
