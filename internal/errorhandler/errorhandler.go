// Package errorhandler classifies every exception raised in the core and
// applies a recovery strategy (spec.md §4.4). The circuit breaker
// generalizes the teacher's internal/services/guard.SafetyGuard: the same
// Closed/Open/HalfOpen-shaped state machine and trigger-counting, but keyed
// by (strategy, operation) instead of a fixed set of named breakers, and
// driven by classified errors instead of polled safety rules.
package errorhandler

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradecore/safetycore/internal/account"
	"github.com/tradecore/safetycore/internal/metrics"
)

// Kind is the exception taxonomy spec.md §4.4 names.
type Kind string

const (
	KindOrderRejection        Kind = "OrderRejection"
	KindRateLimit              Kind = "RateLimit"
	KindPositionConflict       Kind = "PositionConflict"
	KindEmergencyStop          Kind = "EmergencyStop"
	KindAPIKeyLeak             Kind = "APIKeyLeak"
	KindRiskLimitExceeded      Kind = "RiskLimitExceeded"
	KindThreadSafetyViolation  Kind = "ThreadSafetyViolation"
	KindInvalidArgument        Kind = "InvalidArgument"
	KindConnectionError        Kind = "ConnectionError"
	KindUnknown                Kind = "Unknown"
)

// Severity ranks how seriously a classified error is taken.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
	SeverityInfo     Severity = "Info"
)

// Recovery is the action the handler directs the caller to take.
type Recovery string

const (
	RecoveryEmergencyStop    Recovery = "EmergencyStop"
	RecoveryStrategyRestart  Recovery = "StrategyRestart"
	RecoveryRetryWithBackoff Recovery = "RetryWithBackoff"
	RecoverySkipIteration    Recovery = "SkipIteration"
	RecoveryIgnore           Recovery = "Ignore"
	RecoveryCustom           Recovery = "Custom"
)

// Rule is one row of the classification table (spec.md §4.4 "Rule table").
type Rule struct {
	Severity      Severity
	Recovery      Recovery
	MaxRetries    int
	BaseBackoff   time.Duration
	CustomHandler func(ctx Context) (Directive, error)
}

// defaultRules mirrors spec.md §4.4's rule table exactly.
func defaultRules() map[Kind]Rule {
	return map[Kind]Rule{
		KindEmergencyStop:         {Severity: SeverityCritical, Recovery: RecoveryEmergencyStop},
		KindAPIKeyLeak:            {Severity: SeverityCritical, Recovery: RecoveryEmergencyStop},
		KindThreadSafetyViolation: {Severity: SeverityCritical, Recovery: RecoveryEmergencyStop},
		KindRiskLimitExceeded:     {Severity: SeverityHigh, Recovery: RecoveryStrategyRestart, MaxRetries: 2, BaseBackoff: 30 * time.Second},
		KindPositionConflict:      {Severity: SeverityHigh, Recovery: RecoveryStrategyRestart, MaxRetries: 2, BaseBackoff: 30 * time.Second},
		KindOrderRejection:        {Severity: SeverityMedium, Recovery: RecoveryRetryWithBackoff, MaxRetries: 3, BaseBackoff: 5 * time.Second},
		KindRateLimit:             {Severity: SeverityMedium, Recovery: RecoveryRetryWithBackoff, MaxRetries: 3, BaseBackoff: 5 * time.Second},
		KindInvalidArgument:       {Severity: SeverityMedium, Recovery: RecoverySkipIteration},
		KindConnectionError:       {Severity: SeverityMedium, Recovery: RecoveryRetryWithBackoff, MaxRetries: 5, BaseBackoff: 10 * time.Second},
	}
}

var fallbackRule = Rule{Severity: SeverityHigh, Recovery: RecoveryStrategyRestart, MaxRetries: 1}

// Context carries the circumstances of a raised error (spec.md §3
// "ErrorContext").
type Context struct {
	Timestamp     time.Time
	Strategy      string
	Symbol        string
	Operation     string
	UserData      map[string]interface{}
	Stack         string
	CorrelationID string
}

// Directive is what the handler tells the caller to do next.
type Directive struct {
	Action   string // "restart_strategy", "retry", "skip", "ignore", "emergency_stop"
	Strategy string
	Attempt  int
	Backoff  time.Duration
	Reason   string
}

type circuitPhase string

const (
	circuitClosed   circuitPhase = "Closed"
	circuitOpen     circuitPhase = "Open"
	circuitHalfOpen circuitPhase = "HalfOpen"
)

type circuitState struct {
	failureCount int
	lastFailure  time.Time
	phase        circuitPhase
	openedAt     time.Time
}

// Config tunes bookkeeping bounds.
type Config struct {
	HistorySize      int
	EmergencyLogPath string
	CircuitCooldown  time.Duration
}

// DefaultConfig mirrors spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{HistorySize: 1000, EmergencyLogPath: "logs/emergency.log", CircuitCooldown: 60 * time.Second}
}

type errorRecord struct {
	Kind      Kind
	Severity  Severity
	Context   Context
	Timestamp time.Time
}

// Handler is the uniform classification/recovery engine spec.md §4.4
// describes.
type Handler struct {
	mu      sync.Mutex
	logger  *zap.Logger
	config  Config
	account *account.State
	rules   map[Kind]Rule

	errorCounts     map[string]int // "kind:strategy"
	history         []errorRecord
	recoveryCounts  map[Recovery]int
	retryCounters   map[string]int // "strategy:operation:symbol"
	circuits        map[string]*circuitState // ruleKey: strategy + "\x00" + operation

	metrics *metrics.Metrics
}

// SetMetrics attaches a Prometheus metrics sink; nil-safe.
func (h *Handler) SetMetrics(mx *metrics.Metrics) {
	h.mu.Lock()
	h.metrics = mx
	h.mu.Unlock()
}

// New builds a Handler. acct is the shared account.State this handler
// latches emergency_stop on for Critical severities.
func New(logger *zap.Logger, cfg Config, acct *account.State) *Handler {
	return &Handler{
		logger:         logger,
		config:         cfg,
		account:        acct,
		rules:          defaultRules(),
		errorCounts:    make(map[string]int),
		recoveryCounts: make(map[Recovery]int),
		retryCounters:  make(map[string]int),
		circuits:       make(map[string]*circuitState),
	}
}

// SetRule overrides the rule for kind, for callers that need to tune the
// default table.
func (h *Handler) SetRule(kind Kind, rule Rule) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rules[kind] = rule
}

func ruleKey(strategy, operation string) string {
	return strategy + "\x00" + operation
}

// Handle classifies kind under ctx and returns the recovery directive.
// Handler self-failures (e.g. a Custom handler panicking) fall back to the
// emergency log, and an error describing the internal failure is returned
// alongside a best-effort "skip" directive.
func (h *Handler) Handle(kind Kind, ctx Context) (directive Directive, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.appendEmergencyLog(fmt.Sprintf("handler panic classifying %s for %s/%s: %v", kind, ctx.Strategy, ctx.Operation, r))
			directive = Directive{Action: "skip", Reason: "handler self-failure"}
			err = fmt.Errorf("errorhandler: internal failure classifying %s: %v", kind, r)
		}
	}()

	h.mu.Lock()
	rule, ok := h.rules[kind]
	if !ok {
		rule = fallbackRule
	}
	h.bookkeep(kind, rule.Severity, ctx)
	h.mu.Unlock()

	if rule.Severity == SeverityCritical || rule.Severity == SeverityHigh {
		if breakerErr := h.recordCircuitFailure(ctx.Strategy, ctx.Operation); breakerErr != nil {
			if h.account != nil && !h.account.EmergencyStop() {
				h.account.SetEmergencyStop(true)
				h.mu.Lock()
				mx := h.metrics
				h.mu.Unlock()
				if mx != nil {
					mx.EmergencyStops.Inc()
				}
			}
			return Directive{Action: "emergency_stop", Reason: breakerErr.Error()}, &EmergencyStopError{Reason: breakerErr.Error()}
		}
	}

	switch rule.Recovery {
	case RecoveryEmergencyStop:
		return h.handleEmergencyStop(ctx)
	case RecoveryStrategyRestart:
		return h.handleStrategyRestart(ctx), nil
	case RecoveryRetryWithBackoff:
		return h.handleRetryWithBackoff(ctx, rule), nil
	case RecoverySkipIteration:
		return Directive{Action: "skip", Reason: string(kind)}, nil
	case RecoveryIgnore:
		return Directive{Action: "ignore"}, nil
	case RecoveryCustom:
		if rule.CustomHandler == nil {
			return Directive{Action: "skip", Reason: "custom handler missing"}, nil
		}
		d, handlerErr := rule.CustomHandler(ctx)
		if handlerErr != nil {
			return Directive{Action: "skip", Reason: "custom handler failed"}, nil
		}
		return d, nil
	default:
		return Directive{Action: "skip"}, nil
	}
}

// EmergencyStopError is returned when Handle escalates to an emergency
// stop, either directly or via an opened circuit breaker.
type EmergencyStopError struct {
	Reason string
}

func (e *EmergencyStopError) Error() string { return "errorhandler: emergency stop: " + e.Reason }

func (h *Handler) handleEmergencyStop(ctx Context) (Directive, error) {
	if h.account != nil {
		h.account.SetEmergencyStop(true)
	}
	h.mu.Lock()
	mx := h.metrics
	h.mu.Unlock()
	if mx != nil {
		mx.EmergencyStops.Inc()
	}
	h.logger.Error("emergency stop triggered", zap.String("strategy", ctx.Strategy), zap.String("operation", ctx.Operation))
	return Directive{Action: "emergency_stop", Reason: ctx.Operation}, &EmergencyStopError{Reason: ctx.Operation}
}

func (h *Handler) handleStrategyRestart(ctx Context) Directive {
	h.mu.Lock()
	h.recoveryCounts[RecoveryStrategyRestart]++
	h.mu.Unlock()
	return Directive{Action: "restart_strategy", Strategy: ctx.Strategy}
}

func (h *Handler) handleRetryWithBackoff(ctx Context, rule Rule) Directive {
	key := ctx.Strategy + ":" + ctx.Operation + ":" + ctx.Symbol

	h.mu.Lock()
	h.retryCounters[key]++
	attempt := h.retryCounters[key]
	h.recoveryCounts[RecoveryRetryWithBackoff]++
	h.mu.Unlock()

	if rule.MaxRetries > 0 && attempt > rule.MaxRetries {
		h.mu.Lock()
		delete(h.retryCounters, key)
		h.mu.Unlock()
		return h.handleStrategyRestart(ctx)
	}

	backoff := rule.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if backoff > 5*time.Second {
		backoff = 5 * time.Second
	}

	return Directive{Action: "retry", Attempt: attempt, Backoff: backoff}
}

// recordCircuitFailure updates the (strategy, operation) circuit breaker
// and reports an error once it opens (spec.md §3 "CircuitState").
func (h *Handler) recordCircuitFailure(strategy, operation string) error {
	key := ruleKey(strategy, operation)

	h.mu.Lock()
	defer h.mu.Unlock()

	cs, ok := h.circuits[key]
	if !ok {
		cs = &circuitState{phase: circuitClosed}
		h.circuits[key] = cs
	}

	now := time.Now()
	if cs.phase == circuitOpen {
		if now.Sub(cs.openedAt) >= h.config.CircuitCooldown {
			cs.phase = circuitHalfOpen
		} else {
			return fmt.Errorf("circuit open for %s/%s", strategy, operation)
		}
	}

	cs.failureCount++
	cs.lastFailure = now

	if cs.phase == circuitHalfOpen || cs.failureCount >= 5 {
		cs.phase = circuitOpen
		cs.openedAt = now
		h.recalcCircuitOpenGaugeLocked()
		return fmt.Errorf("circuit opened for %s/%s after %d failures", strategy, operation, cs.failureCount)
	}

	return nil
}

// recalcCircuitOpenGaugeLocked recomputes the open-breaker count and pushes
// it to the metrics gauge; callers must hold h.mu.
func (h *Handler) recalcCircuitOpenGaugeLocked() {
	if h.metrics == nil {
		return
	}
	open := 0
	for _, cs := range h.circuits {
		if cs.phase == circuitOpen {
			open++
		}
	}
	h.metrics.CircuitOpen.Set(float64(open))
}

// RecordCircuitSuccess transitions a HalfOpen breaker back to Closed on
// success, the spec's "first success closes it" rule.
func (h *Handler) RecordCircuitSuccess(strategy, operation string) {
	key := ruleKey(strategy, operation)

	h.mu.Lock()
	defer h.mu.Unlock()

	cs, ok := h.circuits[key]
	if !ok {
		return
	}
	if cs.phase == circuitHalfOpen {
		cs.phase = circuitClosed
		cs.failureCount = 0
		h.recalcCircuitOpenGaugeLocked()
	}
}

// ResetCircuitBreaker administratively resets a breaker to Closed
// regardless of phase (spec.md §4.4 "Reset requires administrative call").
func (h *Handler) ResetCircuitBreaker(strategy, operation string) {
	key := ruleKey(strategy, operation)

	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.circuits, key)
	h.recalcCircuitOpenGaugeLocked()
}

// CircuitPhaseFor reports the current phase for (strategy, operation), for
// observability and tests.
func (h *Handler) CircuitPhaseFor(strategy, operation string) string {
	key := ruleKey(strategy, operation)

	h.mu.Lock()
	defer h.mu.Unlock()

	cs, ok := h.circuits[key]
	if !ok {
		return string(circuitClosed)
	}
	return string(cs.phase)
}

func (h *Handler) bookkeep(kind Kind, severity Severity, ctx Context) {
	countKey := string(kind) + ":" + ctx.Strategy
	h.errorCounts[countKey]++

	h.history = append(h.history, errorRecord{Kind: kind, Severity: severity, Context: ctx, Timestamp: time.Now()})
	limit := h.config.HistorySize
	if limit <= 0 {
		limit = 1000
	}
	if len(h.history) > limit {
		h.history = h.history[len(h.history)-limit:]
	}

	if h.metrics != nil {
		h.metrics.ErrorsHandled.WithLabelValues(string(kind)).Inc()
	}
}

// ErrorCount returns how many times kind has been raised for strategy.
func (h *Handler) ErrorCount(kind Kind, strategy string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errorCounts[string(kind)+":"+strategy]
}

// RecoveryCount returns how many times recovery has been issued.
func (h *Handler) RecoveryCount(recovery Recovery) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recoveryCounts[recovery]
}

// HistoryLen returns the current length of the bounded error history.
func (h *Handler) HistoryLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

// appendEmergencyLog best-effort appends a line to the emergency log path,
// used only when the handler itself fails (spec.md §4.4 "Handler
// self-failures").
func (h *Handler) appendEmergencyLog(line string) {
	f, err := os.OpenFile(h.config.EmergencyLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("failed to open emergency log", zap.Error(err))
		}
		return
	}
	defer f.Close()

	timestamp := time.Now().UTC().Format(time.RFC3339)
	if _, err := f.WriteString(fmt.Sprintf("%s %s\n", timestamp, line)); err != nil && h.logger != nil {
		h.logger.Error("failed to write emergency log", zap.Error(err))
	}
}
