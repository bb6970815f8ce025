// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command lifecycled starts the Aleutian lifecycle API server.
//
// The lifecycle service manages capability templates through their
// full lifespan:
//   - Versioned catalog of capabilities and templates (BadgerDB-backed)
//   - Conflict detection between similar templates with resolution strategies
//   - Phased migrations with rollback points
//   - Deprecation timelines with milestone notifications
//   - Health monitoring with automatic rollback on repeated failures
//
// Usage:
//
//	go run ./cmd/lifecycled
//	go run ./cmd/lifecycled -config lifecycle.yaml
//	go run ./cmd/lifecycled -addr :9090 -debug
//
// Example requests:
//
//	# Service health
//	curl http://localhost:8093/v1/lifecycle/health
//
//	# Register a capability
//	curl -X POST http://localhost:8093/v1/lifecycle/capabilities \
//	  -H "Content-Type: application/json" \
//	  -d '{"id": "cap-fetch", "name": "Fetch", "maturity": 3, "tags": ["retrieval"]}'
//
//	# Prometheus metrics
//	curl http://localhost:8093/metrics
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/lifecycle/pkg/logging"
	"github.com/AleutianAI/lifecycle/services/lifecycle"
	"github.com/AleutianAI/lifecycle/services/lifecycle/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	config, err := lifecycle.LoadConfig(*configPath)
	if err != nil {
		logging.Default().Error("Failed to load config",
			"path", *configPath, "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		config.HTTPAddr = *addr
	}

	logger := logging.New(logging.Config{
		Level:   parseLevel(config.LogLevel),
		LogDir:  config.LogDir,
		Service: "lifecycle",
		JSON:    config.LogJSON,
	})
	defer logger.Close()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	svc, err := lifecycle.NewService(config, lifecycle.Deps{}, logger)
	if err != nil {
		logger.Error("Failed to create service", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(context.Background()); err != nil {
		logger.Error("Failed to start service workers", "error", err)
		os.Exit(1)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(lifecycle.MetricsMiddleware())
	if *debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	lifecycle.RegisterRoutes(v1, lifecycle.NewHandlers(svc))
	router.GET("/metrics", gin.WrapH(telemetry.Handler()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("Shutting down lifecycle server")
		if err := svc.Stop(); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
		logger.Close()
		os.Exit(0)
	}()

	logger.Info("Starting lifecycle server", "address", config.HTTPAddr)
	if err := router.Run(config.HTTPAddr); err != nil {
		logger.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
}

// parseLevel maps a config-file level name to a logging.Level.
func parseLevel(name string) logging.Level {
	switch name {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
