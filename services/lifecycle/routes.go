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
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/lifecycle/services/lifecycle/telemetry"
)

// RegisterRoutes registers all lifecycle routes with the router.
//
// Description:
//
//	Registers all /v1/lifecycle/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/lifecycle/capabilities - Register a capability
//	GET  /v1/lifecycle/capabilities - List capabilities
//	POST /v1/lifecycle/templates - Register a template version
//	GET  /v1/lifecycle/templates - List templates with filters
//	GET  /v1/lifecycle/templates/:id - Get template by ID
//	POST /v1/lifecycle/templates/:id/conflicts - Detect conflicts and propose resolutions
//	GET  /v1/lifecycle/conflicts - List recorded conflicts
//	POST /v1/lifecycle/resolutions - Execute a resolution strategy
//	POST /v1/lifecycle/migrations - Create a migration plan
//	GET  /v1/lifecycle/migrations/:id - Get migration plan
//	POST /v1/lifecycle/migrations/:id/phases/:phase - Execute a migration phase
//	POST /v1/lifecycle/migrations/:id/abort - Abort a migration plan
//	POST /v1/lifecycle/migrations/:id/retarget - Retarget a frozen plan
//	POST /v1/lifecycle/deprecations - Schedule a deprecation
//	POST /v1/lifecycle/deprecations/:id/cancel - Cancel a scheduled deprecation
//	POST /v1/lifecycle/health/:id/check - Run an on-demand health check
//	POST /v1/lifecycle/health/:id/schedule - Schedule recurring checks
//	DELETE /v1/lifecycle/health/:id/schedule - Cancel recurring checks
//	POST /v1/lifecycle/health/:id/deployment - Confirm a deployed version
//	GET  /v1/lifecycle/health/:id/history - Check history, most recent first
//	POST /v1/lifecycle/rollbacks - Force a rollback
//	GET  /v1/lifecycle/rollbacks - List rollback records
//	GET  /v1/lifecycle/health - Service health check
//
// Example:
//
//	service, _ := lifecycle.NewService(lifecycle.DefaultServiceConfig(), lifecycle.Deps{}, logger)
//	handlers := lifecycle.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	lifecycle.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	lc := rg.Group("/lifecycle")
	{
		// Catalog
		lc.POST("/capabilities", handlers.HandleRegisterCapability)
		lc.GET("/capabilities", handlers.HandleListCapabilities)
		lc.POST("/templates", handlers.HandleRegisterTemplate)
		lc.GET("/templates", handlers.HandleListTemplates)
		lc.GET("/templates/:id", handlers.HandleGetTemplate)

		// Conflict detection and resolution
		lc.POST("/templates/:id/conflicts", handlers.HandleDetectConflicts)
		lc.GET("/conflicts", handlers.HandleListConflicts)
		lc.POST("/resolutions", handlers.HandleExecuteResolution)

		// Migrations
		lc.POST("/migrations", handlers.HandleCreateMigration)
		lc.GET("/migrations/:id", handlers.HandleGetMigration)
		lc.POST("/migrations/:id/phases/:phase", handlers.HandleExecutePhase)
		lc.POST("/migrations/:id/abort", handlers.HandleAbortMigration)
		lc.POST("/migrations/:id/retarget", handlers.HandleRetargetMigration)

		// Deprecations
		lc.POST("/deprecations", handlers.HandleCreateDeprecation)
		lc.POST("/deprecations/:id/cancel", handlers.HandleCancelDeprecation)

		// Health checks
		lc.POST("/health/:id/check", handlers.HandleRunCheck)
		lc.POST("/health/:id/schedule", handlers.HandleScheduleChecks)
		lc.DELETE("/health/:id/schedule", handlers.HandleCancelChecks)
		lc.POST("/health/:id/deployment", handlers.HandleConfirmDeployment)
		lc.GET("/health/:id/history", handlers.HandleCheckHistory)

		// Rollbacks
		lc.POST("/rollbacks", handlers.HandleForceRollback)
		lc.GET("/rollbacks", handlers.HandleListRollbacks)

		// Service health
		lc.GET("/health", handlers.HandleHealth)
	}
}

// MetricsMiddleware records request duration per route.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		telemetry.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}
