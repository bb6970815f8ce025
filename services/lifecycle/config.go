// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle wires the catalog, similarity, conflict, migration,
// deprecation, health, and rollback subsystems into one service and
// exposes them over HTTP.
package lifecycle

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/lifecycle/services/lifecycle/conflict"
	"github.com/AleutianAI/lifecycle/services/lifecycle/health"
)

// ServiceConfig configures the lifecycle service.
type ServiceConfig struct {
	// HTTPAddr is the listen address for the API server.
	HTTPAddr string `yaml:"http_addr"`

	// DataDir is the BadgerDB directory. Ignored when InMemory is set.
	DataDir string `yaml:"data_dir"`

	// InMemory runs the catalog store without disk persistence. For
	// tests and local experiments only.
	InMemory bool `yaml:"in_memory"`

	// ConflictThreshold is the minimum similarity score treated as a
	// conflict. Zero selects the default.
	ConflictThreshold float64 `yaml:"conflict_threshold"`

	// ProbeTimeout is the per-probe time budget for health checks.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// HealthTickInterval is how often the health monitor wakes up.
	HealthTickInterval time.Duration `yaml:"health_tick_interval"`

	// DeprecationTickInterval is how often the deprecation scheduler
	// wakes up.
	DeprecationTickInterval time.Duration `yaml:"deprecation_tick_interval"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`

	// LogJSON switches stderr logging to JSON.
	LogJSON bool `yaml:"log_json"`
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		HTTPAddr:                ":8093",
		DataDir:                 "data/lifecycle",
		ConflictThreshold:       conflict.DefaultThreshold,
		ProbeTimeout:            health.DefaultProbeTimeout,
		HealthTickInterval:      10 * time.Second,
		DeprecationTickInterval: time.Minute,
		LogLevel:                "info",
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing
// path returns the defaults unchanged.
func LoadConfig(path string) (ServiceConfig, error) {
	config := DefaultServiceConfig()
	if path == "" {
		return config, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return config, fmt.Errorf("parse config %s: %w", path, err)
	}
	return config, nil
}
