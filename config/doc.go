// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package config loads the router's configuration once at process boot.
//
// Priority order: built-in defaults -> YAML file -> environment variables
// (AGENTFLOW_ prefix). There is no hot reload and no management API — the
// router's configuration surface (model allowlists, breaker thresholds,
// ALS seed material) is small enough that a restart is the correct way to
// change it, and re-reading config mid-flight would race with in-flight
// requests holding a *Config.
package config
