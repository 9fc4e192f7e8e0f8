// Package ordermanager is the single entry point for every order
// submission (spec.md §4.1): it enforces duplicate/rate/position-conflict
// guards under a per-symbol lock, then hands the request to a bounded
// worker pool for exchange submission with retry/backoff. The worker pool
// itself is internal/libs/worker.Pool, generalized from the teacher's
// internal/server/orderer.Orderer (a queue-fed single worker.Worker) into
// one pool per OrderManager with N workers and typed jobs.
package ordermanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradecore/safetycore/internal/account"
	"github.com/tradecore/safetycore/internal/errorhandler"
	"github.com/tradecore/safetycore/internal/exchange"
	"github.com/tradecore/safetycore/internal/libs/worker"
	"github.com/tradecore/safetycore/internal/metrics"
	"github.com/tradecore/safetycore/internal/ratelimiter"
)

// Config tunes submission admission and the worker pool.
type Config struct {
	MaxOrdersPerMinute     int
	MinSymbolInterval      time.Duration
	WorkerCount            int
	QueueCapacity          int
	OrderTimeout           time.Duration
	MaxWorkerRetries       int
	RetryBaseDelay         time.Duration
	RetryBackoffCap        time.Duration
	PendingDuplicateWindow time.Duration
	QueueFullWait          time.Duration
	RetryableRetCodes      []int32
	PendingCleanupMaxAge   time.Duration
}

// DefaultConfig mirrors spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxOrdersPerMinute:     10,
		MinSymbolInterval:      2 * time.Second,
		WorkerCount:            2,
		QueueCapacity:          128,
		OrderTimeout:           10 * time.Second,
		MaxWorkerRetries:       3,
		RetryBaseDelay:         500 * time.Millisecond,
		RetryBackoffCap:        5 * time.Second,
		PendingDuplicateWindow: 10 * time.Second,
		QueueFullWait:          1 * time.Second,
		RetryableRetCodes:      []int32{-1001, -1002, -1020},
		PendingCleanupMaxAge:   60 * time.Second,
	}
}

// OrderError wraps the kinds spec.md §7 names as a typed error.
type OrderError struct {
	Kind    string
	Message string
	Symbol  string
}

func (e *OrderError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("ordermanager: %s: %s (%s)", e.Kind, e.Message, e.Symbol)
	}
	return fmt.Sprintf("ordermanager: %s: %s", e.Kind, e.Message)
}

func newError(kind, symbol, message string) *OrderError {
	return &OrderError{Kind: kind, Symbol: symbol, Message: message}
}

// OrderStats counts submission outcomes (spec.md §4.1 "stats()").
type OrderStats struct {
	TotalOrders      int64
	RejectedOrders   int64
	DuplicateBlocked int64
	RateBlocked      int64
	QueueFullBlocked int64
	Pending          int
	ActivePositions  int
}

type pendingEntry struct {
	request   exchange.OrderRequest
	createdAt time.Time
}

type submitResult struct {
	response exchange.OrderResponse
	err      error
}

type orderJob struct {
	request  exchange.OrderRequest
	symbol   string
	pendKey  string
	resultCh chan submitResult
}

type symbolRateState struct {
	mu            sync.Mutex
	timestamps    []time.Time
	lastOrderTime time.Time
}

// Manager is the thread-safe order submission gateway spec.md §4.1
// describes.
type Manager struct {
	logger  *zap.Logger
	client  exchange.Client
	account *account.State
	limiter *ratelimiter.RateLimiter
	errors  *errorhandler.Handler
	config  Config

	symbolLocksMu sync.Mutex
	symbolLocks   map[string]*sync.Mutex

	rateStateMu sync.Mutex
	rateState   map[string]*symbolRateState

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	statsMu sync.Mutex
	stats   OrderStats

	pool *worker.Pool[orderJob]

	shutdownMu sync.Mutex
	isShutdown bool

	metrics *metrics.Metrics
}

// SetMetrics attaches a Prometheus metrics sink; nil-safe, and typically
// called once by runtime.Build right after New.
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.metrics = mx
}

// New builds a Manager wired to the shared exchange client, account state,
// rate limiter, and error handler.
func New(logger *zap.Logger, cfg Config, client exchange.Client, acct *account.State, limiter *ratelimiter.RateLimiter, errHandler *errorhandler.Handler) (*Manager, error) {
	m := &Manager{
		logger:      logger,
		client:      client,
		account:     acct,
		limiter:     limiter,
		errors:      errHandler,
		config:      cfg,
		symbolLocks: make(map[string]*sync.Mutex),
		rateState:   make(map[string]*symbolRateState),
		pending:     make(map[string]*pendingEntry),
	}

	pool, err := worker.New(logger, &worker.PoolConfig{
		NumProcess: int32(cfg.WorkerCount),
		QueueSize:  int32(cfg.QueueCapacity),
		JobTimeout: cfg.OrderTimeout + cfg.RetryBackoffCap*time.Duration(cfg.MaxWorkerRetries+1),
	}, m.processJob)
	if err != nil {
		return nil, fmt.Errorf("ordermanager: building worker pool: %w", err)
	}
	m.pool = pool
	pool.Start()

	return m, nil
}

func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	m.symbolLocksMu.Lock()
	defer m.symbolLocksMu.Unlock()

	lock, ok := m.symbolLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		m.symbolLocks[symbol] = lock
	}
	return lock
}

func (m *Manager) rateStateFor(symbol string) *symbolRateState {
	m.rateStateMu.Lock()
	defer m.rateStateMu.Unlock()

	rs, ok := m.rateState[symbol]
	if !ok {
		rs = &symbolRateState{}
		m.rateState[symbol] = rs
	}
	return rs
}

func pendingKey(symbol, fingerprint string) string {
	return symbol + "|" + fingerprint
}

// Submit is the single entry point for every order submission (spec.md
// §4.1). It blocks from the caller's perspective, bounded by
// config.OrderTimeout.
func (m *Manager) Submit(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResponse, error) {
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.OrderLatency.Observe(time.Since(start).Seconds())
		}
	}()

	if err := req.Validate(); err != nil {
		m.observeRejection("InvalidArgument")
		return exchange.OrderResponse{}, newError("InvalidArgument", req.Symbol, err.Error())
	}

	m.shutdownMu.Lock()
	shuttingDown := m.isShutdown
	m.shutdownMu.Unlock()
	if shuttingDown {
		return exchange.OrderResponse{}, newError("ShuttingDown", req.Symbol, "order manager is shutting down")
	}

	if m.account != nil && m.account.EmergencyStop() {
		m.observeRejection("EmergencyStop")
		return exchange.OrderResponse{}, newError("EmergencyStop", req.Symbol, "trading is halted")
	}

	lock := m.symbolLock(req.Symbol)
	lock.Lock()

	if err := m.checkRate(req.Symbol); err != nil {
		lock.Unlock()
		m.observeRejection(errKind(err))
		return exchange.OrderResponse{}, err
	}

	fingerprint := req.Fingerprint()
	key := pendingKey(req.Symbol, fingerprint)
	if err := m.checkDuplicate(key); err != nil {
		lock.Unlock()
		m.observeRejection(errKind(err))
		return exchange.OrderResponse{}, err
	}

	if err := m.checkPositionConflict(ctx, req); err != nil {
		lock.Unlock()
		m.observeRejection(errKind(err))
		return exchange.OrderResponse{}, err
	}

	entry := &pendingEntry{request: req, createdAt: time.Now()}
	m.pendingMu.Lock()
	m.pending[key] = entry
	m.pendingMu.Unlock()

	job := orderJob{request: req, symbol: req.Symbol, pendKey: key, resultCh: make(chan submitResult, 1)}

	enqueued := m.enqueueWithDeadline(job)
	lock.Unlock()

	if !enqueued {
		m.removePending(key)
		m.bump(func(s *OrderStats) { s.QueueFullBlocked++ })
		m.observeRejection("QueueFull")
		return exchange.OrderResponse{}, newError("QueueFull", req.Symbol, "submission queue is full")
	}

	select {
	case result := <-job.resultCh:
		if result.err == nil {
			m.onSuccess(req.Symbol)
		} else {
			m.bump(func(s *OrderStats) { s.RejectedOrders++ })
			m.observeRejection(errKind(result.err))
		}
		return result.response, result.err
	case <-time.After(m.config.OrderTimeout):
		m.removePending(key)
		m.observeRejection("Timeout")
		return exchange.OrderResponse{}, newError("Timeout", req.Symbol, "order submission timed out")
	}
}

// enqueueWithDeadline attempts a non-blocking send repeatedly until either
// it succeeds or config.QueueFullWait elapses (spec.md §4.1 step 5).
func (m *Manager) enqueueWithDeadline(job orderJob) bool {
	deadline := time.Now().Add(m.config.QueueFullWait)
	for {
		if m.pool.TrySend(job) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (m *Manager) checkRate(symbol string) error {
	rs := m.rateStateFor(symbol)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-60 * time.Second)
	i := 0
	for i < len(rs.timestamps) && rs.timestamps[i].Before(cutoff) {
		i++
	}
	rs.timestamps = rs.timestamps[i:]

	if len(rs.timestamps) >= m.config.MaxOrdersPerMinute {
		m.bump(func(s *OrderStats) { s.RateBlocked++ })
		return newError("RateLimitExceeded", symbol, fmt.Sprintf("max_orders_per_minute(%d) exceeded", m.config.MaxOrdersPerMinute))
	}

	if !rs.lastOrderTime.IsZero() && now.Sub(rs.lastOrderTime) < m.config.MinSymbolInterval {
		m.bump(func(s *OrderStats) { s.RateBlocked++ })
		return newError("RateLimitExceeded", symbol, "min_symbol_interval not elapsed")
	}

	return nil
}

func (m *Manager) checkDuplicate(key string) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	entry, ok := m.pending[key]
	if ok && time.Since(entry.createdAt) < m.config.PendingDuplicateWindow {
		m.bump(func(s *OrderStats) { s.DuplicateBlocked++ })
		return newError("DuplicateOrder", "", "an identical order is already pending")
	}
	return nil
}

func (m *Manager) checkPositionConflict(ctx context.Context, req exchange.OrderRequest) error {
	if m.client == nil {
		return nil
	}

	positions, err := m.client.GetPositions(ctx, req.Symbol)
	if err != nil {
		return newError("ExchangeUnavailable", req.Symbol, err.Error())
	}

	var active *exchange.RawPosition
	for i := range positions {
		if positions[i].Size > 0 {
			active = &positions[i]
			break
		}
	}

	if m.account != nil {
		if active != nil {
			side := account.SideLong
			if active.Side == exchange.SideSell {
				side = account.SideShort
			}
			existing, _ := m.account.GetPosition(req.Symbol)
			m.account.SetPosition(req.Symbol, side, active.Size, active.AvgPrice, active.AvgPrice, active.UnrealisedPnl, active.Leverage, existing.OwnerStrategy)
		} else {
			m.account.ClearPosition(req.Symbol)
		}
	}

	if active != nil {
		positionSide := exchange.SideBuy
		if active.Side == exchange.SideSell {
			positionSide = exchange.SideSell
		}
		if positionSide != req.Side && !req.ReduceOnly {
			return newError("PositionConflict", req.Symbol, "active position side conflicts with request")
		}
	} else if req.ReduceOnly {
		return newError("PositionConflict", req.Symbol, "reduce_only requested with no active position")
	}

	return nil
}

// removePending deletes key if present; deleting an already-removed key is
// a harmless no-op, which is what makes pending removal idempotent across
// the timeout and worker-completion paths.
func (m *Manager) removePending(key string) {
	m.pendingMu.Lock()
	delete(m.pending, key)
	m.pendingMu.Unlock()
}

func (m *Manager) onSuccess(symbol string) {
	rs := m.rateStateFor(symbol)
	rs.mu.Lock()
	rs.timestamps = append(rs.timestamps, time.Now())
	rs.lastOrderTime = time.Now()
	rs.mu.Unlock()

	m.bump(func(s *OrderStats) { s.TotalOrders++ })

	if m.metrics != nil {
		m.metrics.OrdersSubmitted.Inc()
		if m.account != nil {
			m.metrics.ActivePositions.Set(float64(len(m.account.GetActivePositions())))
		}
	}
}

// errKind extracts the OrderError kind label for metrics, falling back to
// a generic label for errors this package didn't originate.
func errKind(err error) string {
	if oe, ok := err.(*OrderError); ok {
		return oe.Kind
	}
	return "Unknown"
}

// observeRejection increments the labeled rejection counter, nil-safe.
func (m *Manager) observeRejection(kind string) {
	if m.metrics != nil {
		m.metrics.OrdersRejected.WithLabelValues(kind).Inc()
	}
}

func (m *Manager) bump(f func(s *OrderStats)) {
	m.statsMu.Lock()
	f(&m.stats)
	m.statsMu.Unlock()
}

// processJob is the worker pool's Process callback: it submits to the
// exchange with retry/backoff and completes the job's result channel
// exactly once (spec.md §4.1 "Worker pool", I8 idempotence).
func (m *Manager) processJob(ctx context.Context, job orderJob) {
	defer m.removePending(job.pendKey)

	retryable := make(map[int32]struct{}, len(m.config.RetryableRetCodes))
	for _, code := range m.config.RetryableRetCodes {
		retryable[code] = struct{}{}
	}

	backoff := m.config.RetryBaseDelay
	var lastErr error
	var lastResp exchange.OrderResponse

	for attempt := 0; attempt <= m.config.MaxWorkerRetries; attempt++ {
		resp, err := m.client.CreateOrder(ctx, job.request)
		if err == nil && resp.Success() {
			m.completeJob(job, resp, nil)
			if m.limiter != nil {
				m.limiter.RecordAPISuccess(ratelimiter.EndpointOrderCreate)
			}
			return
		}

		lastResp = resp
		lastErr = err

		// A non-zero ret_code decides retryability by itself; an error that
		// carries no ret_code is treated as a transient exception.
		retryableFailure := exchange.RetryableRetCode(resp.RetCode, retryable) || (err != nil && resp.RetCode == 0)
		if !retryableFailure || attempt == m.config.MaxWorkerRetries {
			break
		}

		if m.limiter != nil {
			m.limiter.RecordAPIFailure(ratelimiter.EndpointOrderCreate)
		}
		if m.metrics != nil {
			m.metrics.OrderRetries.Inc()
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			m.completeJob(job, exchange.OrderResponse{}, newError("Timeout", job.symbol, "context cancelled during retry"))
			return
		}

		backoff *= 2
		if backoff > m.config.RetryBackoffCap {
			backoff = m.config.RetryBackoffCap
		}
	}

	message := lastResp.RetMsg
	if message == "" && lastErr != nil {
		message = lastErr.Error()
	}

	if m.errors != nil {
		_, _ = m.errors.Handle(errorhandler.KindOrderRejection, errorhandler.Context{
			Strategy:  job.request.StrategyName,
			Symbol:    job.symbol,
			Operation: "create_order",
		})
	}

	m.completeJob(job, lastResp, newError("OrderRejection", job.symbol, message))
}

// completeJob writes the result exactly once; a send on a full buffered
// channel (the caller already timed out and stopped reading) is silently
// dropped, matching spec.md's "best-effort idempotent" completion.
func (m *Manager) completeJob(job orderJob, resp exchange.OrderResponse, err error) {
	select {
	case job.resultCh <- submitResult{response: resp, err: err}:
	default:
	}
}

// Stats returns a snapshot of submission counters plus live gauges.
func (m *Manager) Stats() OrderStats {
	m.statsMu.Lock()
	snapshot := m.stats
	m.statsMu.Unlock()

	m.pendingMu.Lock()
	snapshot.Pending = len(m.pending)
	m.pendingMu.Unlock()

	if m.account != nil {
		snapshot.ActivePositions = len(m.account.GetActivePositions())
	}

	return snapshot
}

// CleanupExpiredPending removes pending entries older than maxAge, to
// recover bookkeeping after a worker loss (spec.md §4.1).
func (m *Manager) CleanupExpiredPending(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = m.config.PendingCleanupMaxAge
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	m.pendingMu.Lock()
	for key, entry := range m.pending {
		if entry.createdAt.Before(cutoff) {
			delete(m.pending, key)
			removed++
		}
	}
	m.pendingMu.Unlock()

	return removed
}

// Shutdown drains workers and releases resources. Idempotent.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.shutdownMu.Lock()
	if m.isShutdown {
		m.shutdownMu.Unlock()
		return
	}
	m.isShutdown = true
	m.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		if m.logger != nil {
			m.logger.Warn("ordermanager shutdown exceeded timeout", zap.Duration("timeout", timeout))
		}
	}
}
