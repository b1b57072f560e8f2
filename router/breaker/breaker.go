// Package breaker implements the per-(vendor,model) circuit breaker and
// pacer the router consults before dispatching to an adapter. It is a
// generalization of a single-instance breaker state machine into a keyed
// registry: one state machine per vendor:model pair, guarded by a short
// per-key critical section rather than one global lock.
package breaker

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is a breaker's position in the closed/open/half-open state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker's thresholds. Cooldown is randomized within
// [CooldownMin, CooldownMax] each time the breaker opens, so that many
// concurrently-failing callers don't all retry in lockstep.
type Config struct {
	Threshold   int
	CooldownMin time.Duration
	CooldownMax time.Duration
}

// DefaultConfig matches the spec's defaults: 5 consecutive failures, 60-120s
// cooldown jitter.
func DefaultConfig() Config {
	return Config{
		Threshold:   5,
		CooldownMin: 60 * time.Second,
		CooldownMax: 120 * time.Second,
	}
}

type entry struct {
	mu                 sync.Mutex
	state              State
	consecutiveFailures int
	openedAt           time.Time
	reopenAt           time.Time
	openedCount        int

	// pacer: next time this key may be dispatched to, independent of
	// breaker state, derived from the provider's own rate-limit headers.
	nextAllowedAt time.Time
}

// Registry is the process-wide, concurrency-safe breaker+pacer state store.
// It is owned by the router and passed in at construction — never a
// mutable global.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry constructs an empty Registry. Keys are created lazily on
// first access.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

func key(vendor, model string) string {
	return vendor + ":" + model
}

func (r *Registry) get(k string) *entry {
	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[k]; ok {
		return e
	}
	e = &entry{state: StateClosed}
	r.entries[k] = e
	return e
}

// Status reports the current breaker state and pacing delay for vendor:model
// without mutating anything, for telemetry and for Admit decisions.
type Status struct {
	State             State
	PacingDelay       time.Duration
}

// Admit decides whether a call to vendor:model may proceed. When it
// returns false, reason is either "circuit_open" or "rate_limited_wait"
// and the router must fail fast without invoking the adapter.
func (r *Registry) Admit(vendor, model string) (admitted bool, reason string, status Status) {
	e := r.get(key(vendor, model))
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()

	if !e.nextAllowedAt.IsZero() && now.Before(e.nextAllowedAt) {
		return false, "rate_limited_wait", Status{State: e.state, PacingDelay: e.nextAllowedAt.Sub(now)}
	}

	switch e.state {
	case StateClosed:
		return true, "", Status{State: e.state}

	case StateOpen:
		if now.Before(e.reopenAt) {
			return false, "circuit_open", Status{State: e.state}
		}
		e.state = StateHalfOpen
		r.logger.Info("breaker half-open", zap.String("key", key(vendor, model)))
		return true, "", Status{State: e.state}

	case StateHalfOpen:
		// One probe at a time in half-open; subsequent concurrent callers
		// fail fast rather than piling onto the probe.
		return false, "circuit_open", Status{State: e.state}

	default:
		return true, "", Status{State: e.state}
	}
}

// RecordSuccess clears failure state and, from half-open, closes the
// breaker.
func (r *Registry) RecordSuccess(vendor, model string) {
	e := r.get(key(vendor, model))
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateHalfOpen {
		r.logger.Info("breaker closed", zap.String("key", key(vendor, model)))
	}
	e.state = StateClosed
	e.consecutiveFailures = 0
}

// RecordTransientFailure increments the consecutive-failure count and, once
// it reaches Threshold (or immediately, from half-open), opens the breaker with a
// freshly randomized cooldown.
func (r *Registry) RecordTransientFailure(vendor, model string) {
	e := r.get(key(vendor, model))
	e.mu.Lock()
	defer e.mu.Unlock()

	e.consecutiveFailures++
	now := time.Now()

	if e.state == StateHalfOpen {
		r.open(e, now, vendor, model)
		return
	}

	if e.consecutiveFailures >= r.cfg.Threshold {
		r.open(e, now, vendor, model)
	}
}

func (r *Registry) open(e *entry, now time.Time, vendor, model string) {
	e.state = StateOpen
	e.openedAt = now
	cooldown := r.cfg.CooldownMin
	if r.cfg.CooldownMax > r.cfg.CooldownMin {
		cooldown += time.Duration(rand.Int63n(int64(r.cfg.CooldownMax - r.cfg.CooldownMin)))
	}
	e.reopenAt = now.Add(cooldown)
	e.consecutiveFailures = 0
	e.openedCount++
	r.logger.Warn("breaker open",
		zap.String("key", key(vendor, model)),
		zap.Duration("cooldown", cooldown),
		zap.Int("opened_count", e.openedCount),
	)
}

// RecordRateLimit sets the pacing deadline for vendor:model from the
// provider's Retry-After/x-ratelimit-reset signal. It does not touch
// breaker state — pacing and breaking are independent concerns.
func (r *Registry) RecordRateLimit(vendor, model string, retryAfter time.Duration) {
	e := r.get(key(vendor, model))
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextAllowedAt = time.Now().Add(retryAfter)
}

// StatusOf returns the current state without side effects, for telemetry.
func (r *Registry) StatusOf(vendor, model string) Status {
	e := r.get(key(vendor, model))
	e.mu.Lock()
	defer e.mu.Unlock()
	delay := time.Duration(0)
	if now := time.Now(); e.nextAllowedAt.After(now) {
		delay = e.nextAllowedAt.Sub(now)
	}
	return Status{State: e.state, PacingDelay: delay}
}

// IsTransient classifies an upstream failure as breaker-worthy: HTTP
// 429/500/502/503/504, known SDK error substrings, or a network error. 4xx
// other than 429, auth failures, schema violations, and model-not-allowed
// are never transient.
func IsTransient(httpStatus int, errMsg string) bool {
	switch httpStatus {
	case 429, 500, 502, 503, 504:
		return true
	}
	for _, substr := range []string{"ServiceUnavailable", "TooManyRequests", "UNAVAILABLE", "RateLimit", "connection reset", "connection refused", "EOF"} {
		if strings.Contains(errMsg, substr) {
			return true
		}
	}
	return false
}
