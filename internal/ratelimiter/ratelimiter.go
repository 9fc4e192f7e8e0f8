// Package ratelimiter defends the exchange-facing surface from exceeding
// per-endpoint and global limits (spec.md §4.2). The per-endpoint sliding
// windows and ban bookkeeping are original to this core, but the global
// ceiling enforcement reuses the teacher's services/binance.go pattern of
// gating outbound calls with golang.org/x/time/rate, and client bans reuse
// internal/libs/lease.Lease the same way the teacher uses it for exclusive
// queue reads — here as a per-client cooldown instead.
package ratelimiter

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tradecore/safetycore/internal/account"
	"github.com/tradecore/safetycore/internal/libs/lease"
	"github.com/tradecore/safetycore/internal/metrics"
)

// EndpointKind names a class of outbound API call (spec.md §4.2).
type EndpointKind string

const (
	EndpointOrderCreate    EndpointKind = "order_create"
	EndpointOrderCancel    EndpointKind = "order_cancel"
	EndpointPositionQuery  EndpointKind = "position_query"
	EndpointBalanceQuery   EndpointKind = "balance_query"
	EndpointMarketData     EndpointKind = "market_data"
	endpointUnknownDefault EndpointKind = "_default"
)

// EndpointConfig bounds one endpoint kind's request rate.
type EndpointConfig struct {
	PerMinute         int
	PerSecond         int
	BurstLimit        int // requests allowed in the trailing 10s bucket
	CooldownSeconds   int
	EmergencyThreshold float64 // fraction of PerMinute that triggers a warning
}

// Config tunes the limiter's per-endpoint and global behavior.
type Config struct {
	Endpoints                   map[EndpointKind]EndpointConfig
	GlobalPerMinute             int
	GlobalPerSecond             int
	CleanupInterval             time.Duration
	BanEscalationThreshold      int
	EmergencyViolationThreshold int
}

// DefaultConfig mirrors spec.md §4.2 defaults.
func DefaultConfig() Config {
	return Config{
		Endpoints: map[EndpointKind]EndpointConfig{
			EndpointOrderCreate:    {PerMinute: 20, PerSecond: 2, BurstLimit: 5, CooldownSeconds: 60, EmergencyThreshold: 0.9},
			EndpointOrderCancel:    {PerMinute: 30, PerSecond: 3, BurstLimit: 8, CooldownSeconds: 60, EmergencyThreshold: 0.9},
			EndpointPositionQuery:  {PerMinute: 60, PerSecond: 5, BurstLimit: 15, CooldownSeconds: 30, EmergencyThreshold: 0.9},
			EndpointBalanceQuery:   {PerMinute: 30, PerSecond: 2, BurstLimit: 8, CooldownSeconds: 30, EmergencyThreshold: 0.9},
			EndpointMarketData:     {PerMinute: 120, PerSecond: 10, BurstLimit: 30, CooldownSeconds: 15, EmergencyThreshold: 0.9},
			endpointUnknownDefault: {PerMinute: 10, PerSecond: 1, BurstLimit: 3, CooldownSeconds: 120, EmergencyThreshold: 0.9},
		},
		GlobalPerMinute:             200,
		GlobalPerSecond:             20,
		CleanupInterval:             5 * time.Minute,
		BanEscalationThreshold:      3,
		EmergencyViolationThreshold: 5,
	}
}

func (c Config) endpointConfig(kind EndpointKind) EndpointConfig {
	if cfg, ok := c.Endpoints[kind]; ok {
		return cfg
	}
	return c.Endpoints[endpointUnknownDefault]
}

// RateLimitError is raised when a request is rejected for exceeding a
// window, a burst bucket, or a ban.
type RateLimitError struct {
	Reason string
}

func (e *RateLimitError) Error() string { return "ratelimiter: " + e.Reason }

// EmergencyStopError is raised when the emergency-stop latch is set.
type EmergencyStopError struct{}

func (e *EmergencyStopError) Error() string { return "ratelimiter: emergency stop latched" }

type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastReq    time.Time
}

func (w *window) evictOlderThan(cutoff time.Time) {
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(cutoff) {
		i++
	}
	w.timestamps = w.timestamps[i:]
}

func (w *window) countSince(since time.Time) int {
	count := 0
	for _, ts := range w.timestamps {
		if ts.After(since) {
			count++
		}
	}
	return count
}

type clientState struct {
	violations int
	ban        *lease.Lease
}

// RateLimiter is the aggressive gatekeeper spec.md §4.2 describes.
type RateLimiter struct {
	mu      sync.Mutex
	logger  *zap.Logger
	config  Config
	account *account.State

	windows map[string]*window // key: client|symbol|endpoint
	clients map[string]*clientState

	globalMinute *rate.Limiter
	globalSecond *rate.Limiter

	adaptiveDelay time.Duration
	successStreak int
	failureStreak int

	quit chan struct{}
	once sync.Once

	metrics *metrics.Metrics
}

// SetMetrics attaches a Prometheus metrics sink; nil-safe.
func (rl *RateLimiter) SetMetrics(mx *metrics.Metrics) {
	rl.mu.Lock()
	rl.metrics = mx
	rl.mu.Unlock()
}

// New builds a RateLimiter. acct is the shared account.State whose
// emergency_stop latch this limiter both reads and writes, per
// SPEC_FULL.md's resolution of the ambiguous global-latch relationship.
func New(logger *zap.Logger, cfg Config, acct *account.State) *RateLimiter {
	rl := &RateLimiter{
		logger:        logger,
		config:        cfg,
		account:       acct,
		windows:       make(map[string]*window),
		clients:       make(map[string]*clientState),
		globalMinute:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.GlobalPerMinute)), cfg.GlobalPerMinute),
		globalSecond:  rate.NewLimiter(rate.Every(time.Second/time.Duration(cfg.GlobalPerSecond)), cfg.GlobalPerSecond),
		adaptiveDelay: 100 * time.Millisecond,
		quit:          make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func windowKey(clientID, symbol string, kind EndpointKind) string {
	if symbol == "" {
		return fmt.Sprintf("%s|%s", clientID, kind)
	}
	return fmt.Sprintf("%s|%s|%s", clientID, symbol, kind)
}

// Acquire records a request if permitted, or raises RateLimitError /
// EmergencyStopError (spec.md §4.2 "Acquisition protocol").
func (rl *RateLimiter) Acquire(kind EndpointKind, clientID, symbol string) error {
	if rl.account != nil && rl.account.EmergencyStop() {
		return &EmergencyStopError{}
	}

	rl.mu.Lock()
	cs, ok := rl.clients[clientID]
	if ok && cs.ban != nil {
		if !cs.ban.Expired() {
			rl.mu.Unlock()
			return &RateLimitError{Reason: fmt.Sprintf("client %s is banned for %s", clientID, cs.ban.Remaining())}
		}
		cs.ban = nil
		cs.violations = 0
	}
	rl.mu.Unlock()

	if !rl.globalMinute.Allow() {
		rl.latchEmergencyStop("global per-minute ceiling exceeded")
		return &RateLimitError{Reason: "global per-minute ceiling exceeded"}
	}
	if !rl.globalSecond.Allow() {
		return &RateLimitError{Reason: "global per-second ceiling exceeded"}
	}

	cfg := rl.config.endpointConfig(kind)
	key := windowKey(clientID, symbol, kind)

	rl.mu.Lock()
	w, ok := rl.windows[key]
	if !ok {
		w = &window{}
		rl.windows[key] = w
	}
	rl.mu.Unlock()

	now := time.Now()
	w.mu.Lock()
	w.evictOlderThan(now.Add(-60 * time.Second))

	minuteCount := w.countSince(now.Add(-60 * time.Second))
	secondCount := w.countSince(now.Add(-1 * time.Second))
	burstCount := w.countSince(now.Add(-10 * time.Second))

	if minuteCount >= cfg.PerMinute {
		w.mu.Unlock()
		rl.recordViolation(clientID, minuteCount, cfg.PerMinute)
		return &RateLimitError{Reason: fmt.Sprintf("%s: minute ceiling %d exceeded", kind, cfg.PerMinute)}
	}
	if secondCount >= cfg.PerSecond {
		w.mu.Unlock()
		return &RateLimitError{Reason: fmt.Sprintf("%s: per-second ceiling %d exceeded", kind, cfg.PerSecond)}
	}
	if burstCount >= cfg.BurstLimit {
		w.mu.Unlock()
		return &RateLimitError{Reason: fmt.Sprintf("%s: burst ceiling %d exceeded", kind, cfg.BurstLimit)}
	}

	w.timestamps = append(w.timestamps, now)
	if len(w.timestamps) > 1000 {
		w.timestamps = w.timestamps[len(w.timestamps)-1000:]
	}
	w.lastReq = now
	newMinuteCount := minuteCount + 1
	w.mu.Unlock()

	if cfg.PerMinute > 0 && float64(newMinuteCount) >= cfg.EmergencyThreshold*float64(cfg.PerMinute) {
		rl.logger.Warn("endpoint approaching minute ceiling",
			zap.String("endpoint", string(kind)), zap.String("client", clientID), zap.Int("count", newMinuteCount))
	}

	return nil
}

// CanMakeRequest is a side-effect-free preflight check; it never records a
// request, but may still recompute adaptive delay state.
func (rl *RateLimiter) CanMakeRequest(kind EndpointKind, clientID, symbol string) bool {
	if rl.account != nil && rl.account.EmergencyStop() {
		return false
	}

	rl.mu.Lock()
	cs, ok := rl.clients[clientID]
	banned := ok && cs.ban != nil && !cs.ban.Expired()
	rl.mu.Unlock()
	if banned {
		return false
	}

	cfg := rl.config.endpointConfig(kind)
	key := windowKey(clientID, symbol, kind)

	rl.mu.Lock()
	w, ok := rl.windows[key]
	rl.mu.Unlock()
	if !ok {
		return true
	}

	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.countSince(now.Add(-60*time.Second)) < cfg.PerMinute
}

// AdaptiveDelay returns the current recommended pause before the next call,
// purely advisory: it never gates Acquire (SPEC_FULL.md Open Question #2).
func (rl *RateLimiter) AdaptiveDelay() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.adaptiveDelay
}

// RecordAPISuccess shrinks the adaptive delay on a success streak, down to
// a 100ms floor.
func (rl *RateLimiter) RecordAPISuccess(endpoint EndpointKind) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.successStreak++
	rl.failureStreak = 0
	rl.adaptiveDelay = time.Duration(float64(rl.adaptiveDelay) * 0.8)
	if rl.adaptiveDelay < 100*time.Millisecond {
		rl.adaptiveDelay = 100 * time.Millisecond
	}
	if rl.metrics != nil {
		rl.metrics.AdaptiveDelay.Set(rl.adaptiveDelay.Seconds())
	}
}

// RecordAPIFailure grows the adaptive delay on a failure streak, up to a
// 10s ceiling.
func (rl *RateLimiter) RecordAPIFailure(endpoint EndpointKind) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.failureStreak++
	rl.successStreak = 0
	rl.adaptiveDelay = time.Duration(float64(rl.adaptiveDelay) * 1.5)
	if rl.adaptiveDelay > 10*time.Second {
		rl.adaptiveDelay = 10 * time.Second
	}
	if rl.metrics != nil {
		rl.metrics.AdaptiveDelay.Set(rl.adaptiveDelay.Seconds())
	}
}

// violationSeverity classifies how far a breach exceeded its ceiling,
// generalized from original_source/bot/core/rate_limiter.py's
// RateLimitViolation._calculate_severity (ratio = current_count/limit_value).
type violationSeverity string

const (
	severityLow      violationSeverity = "LOW"
	severityMedium   violationSeverity = "MEDIUM"
	severityHigh     violationSeverity = "HIGH"
	severityCritical violationSeverity = "CRITICAL"
)

func classifyViolationSeverity(currentCount, limitValue int) violationSeverity {
	if limitValue <= 0 {
		return severityCritical
	}
	ratio := float64(currentCount) / float64(limitValue)
	switch {
	case ratio > 1.0:
		return severityCritical
	case ratio >= 0.9:
		return severityHigh
	case ratio >= 0.7:
		return severityMedium
	default:
		return severityLow
	}
}

// recordViolation increments clientID's violation counter and bans the
// client once it crosses config.BanEscalationThreshold. It escalates to an
// emergency stop when the breach's severity is Critical or the client has
// accumulated config.EmergencyViolationThreshold violations (spec.md §4.2),
// matching the original's `violation.severity == "CRITICAL" or
// client_violations >= 5` in _handle_violation.
func (rl *RateLimiter) recordViolation(clientID string, currentCount, limitValue int) {
	severity := classifyViolationSeverity(currentCount, limitValue)

	rl.mu.Lock()
	cs, ok := rl.clients[clientID]
	if !ok {
		cs = &clientState{}
		rl.clients[clientID] = cs
	}
	cs.violations++
	violations := cs.violations

	if violations >= rl.config.BanEscalationThreshold {
		banSeconds := violations * 60
		if banSeconds > 300 {
			banSeconds = 300
		}
		cs.ban = lease.NewWithDuration(time.Duration(banSeconds) * time.Second)
		cs.ban.Hold(time.Duration(banSeconds) * time.Second)
	}
	bannedClients := 0
	for _, c := range rl.clients {
		if c.ban != nil && !c.ban.Expired() {
			bannedClients++
		}
	}
	mx := rl.metrics
	rl.mu.Unlock()

	if mx != nil {
		mx.RateLimitViolations.Inc()
		mx.ClientsBanned.Set(float64(bannedClients))
	}

	rl.logger.Warn("rate limit violation recorded",
		zap.String("client", clientID), zap.Int("violations", violations), zap.String("severity", string(severity)))

	if severity == severityCritical || violations >= rl.config.EmergencyViolationThreshold {
		rl.latchEmergencyStop(fmt.Sprintf("client %s violation severity %s (%d violations)", clientID, severity, violations))
	}
}

func (rl *RateLimiter) latchEmergencyStop(reason string) {
	if rl.account == nil {
		return
	}
	if !rl.account.EmergencyStop() {
		rl.logger.Error("rate limiter latching emergency stop", zap.String("reason", reason))
		rl.account.SetEmergencyStop(true)
		if rl.metrics != nil {
			rl.metrics.EmergencyStops.Inc()
		}
	}
}

// DeactivateEmergencyStop releases the emergency-stop latch. admin_override
// mirrors spec.md's signature; this core requires it to be true.
func (rl *RateLimiter) DeactivateEmergencyStop(adminOverride bool) error {
	if !adminOverride {
		return fmt.Errorf("ratelimiter: deactivating emergency stop requires admin_override")
	}
	if rl.account != nil {
		rl.account.SetEmergencyStop(false)
	}
	return nil
}

// ClientStatus reports a client's current ban/violation state.
type ClientStatus struct {
	Violations int
	Banned     bool
	BanRemains time.Duration
}

// ClientStatus returns clientID's ban/violation state.
func (rl *RateLimiter) ClientStatus(clientID string) ClientStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cs, ok := rl.clients[clientID]
	if !ok {
		return ClientStatus{}
	}
	status := ClientStatus{Violations: cs.violations}
	if cs.ban != nil && !cs.ban.Expired() {
		status.Banned = true
		status.BanRemains = cs.ban.Remaining()
	}
	return status
}

// GlobalStatus reports the limiter's aggregate counters.
type GlobalStatus struct {
	TrackedClients  int
	TrackedWindows  int
	AdaptiveDelay   time.Duration
}

// GlobalStatus returns aggregate counters across every tracked client.
func (rl *RateLimiter) GlobalStatus() GlobalStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return GlobalStatus{
		TrackedClients: len(rl.clients),
		TrackedWindows: len(rl.windows),
		AdaptiveDelay:  rl.adaptiveDelay,
	}
}

// Stats reports window/violation counters for observability.
type Stats struct {
	TrackedWindows int
	BannedClients  int
}

// Stats returns a snapshot of the limiter's bookkeeping.
func (rl *RateLimiter) Stats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	banned := 0
	for _, cs := range rl.clients {
		if cs.ban != nil && !cs.ban.Expired() {
			banned++
		}
	}
	return Stats{TrackedWindows: len(rl.windows), BannedClients: banned}
}

// cleanupLoop evicts stale timestamps and expired bans every
// config.CleanupInterval (spec.md §4.2 "Cleanup loop").
func (rl *RateLimiter) cleanupLoop() {
	interval := rl.config.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweepStale()
		case <-rl.quit:
			return
		}
	}
}

func (rl *RateLimiter) sweepStale() {
	cutoff := time.Now().Add(-1 * time.Hour)

	rl.mu.Lock()
	windows := make([]*window, 0, len(rl.windows))
	for _, w := range rl.windows {
		windows = append(windows, w)
	}
	bannedClients := 0
	for _, cs := range rl.clients {
		if cs.ban != nil && cs.ban.Expired() {
			cs.ban = nil
		}
		if cs.ban != nil {
			bannedClients++
		}
	}
	if rl.metrics != nil {
		rl.metrics.ClientsBanned.Set(float64(bannedClients))
	}
	rl.mu.Unlock()

	for _, w := range windows {
		w.mu.Lock()
		w.evictOlderThan(cutoff)
		w.mu.Unlock()
	}
}

// Close stops the cleanup loop. Idempotent.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.quit)
	})
}
