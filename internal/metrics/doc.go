// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style license that can be
// found in the LICENSE file.

/*
Package metrics provides Prometheus-based metrics for the router process.

# Overview

Collector registers and records Prometheus metrics through promauto, so
callers never manage a Registry by hand. Metrics are grouped by domain:
the demo HTTP surface, and the router's own completion pipeline
(dispatch outcome, latency, tokens, citations, grounding, breaker state).

# Core types

  - Collector: holds the Counter/Histogram/Gauge vectors, grouped by
    domain.

# Capabilities

  - HTTP metrics: request count and duration, grouped by method/path,
    status bucketed into 2xx/3xx/4xx/5xx.
  - Completion metrics: count and duration by vendor/model/status, token
    usage by vendor/model/kind, citations produced by vendor/source_type,
    grounding outcomes by vendor/why_not_grounded.
  - Breaker metrics: current state and pacing delay, gauged by
    vendor:model key.
*/
package metrics
