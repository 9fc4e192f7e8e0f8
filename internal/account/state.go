// Package account is the single writable source of truth for positions,
// session statistics, and the global trading gate (spec.md §4.3). It
// generalizes the teacher's internal/services/state.StateManager: same
// mutex-guarded mutation discipline and deep-copy read path, but the
// teacher's persistence-backed TradingState is replaced by the spec's
// position/ownership/statistics model, and listeners are dropped in favor
// of the orchestrator reading State directly after each call.
package account

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradecore/safetycore/internal/exchange"
	"github.com/tradecore/safetycore/internal/libs/ring"
	"github.com/tradecore/safetycore/internal/metrics"
)

// Side classifies a position's direction, or its absence.
type Side string

const (
	SideLong  Side = "Long"
	SideShort Side = "Short"
	SideFlat  Side = "Flat"
)

// Position is the state module's authoritative record for one symbol
// (spec.md §3 "PositionInfo"). size == 0 implies Side == SideFlat and a
// cleared owner; size > 0 implies Side is Long or Short.
type Position struct {
	Symbol        string
	Side          Side
	Size          float64
	AvgPrice      float64
	EntryPrice    float64
	UnrealizedPnL float64
	RealizedPnL   float64
	Leverage      float64
	Margin        float64
	OwnerStrategy string // empty when unowned
	LastUpdate    time.Time
}

// IsActive reports whether the position currently carries size.
func (p Position) IsActive() bool {
	return p.Size > 0 && p.Side != SideFlat
}

// SessionStats are monotonic, process-lifetime counters (spec.md §3).
type SessionStats struct {
	Trades        int64
	Wins          int64
	Losses        int64
	TotalPnL      float64
	DailyPnL      float64
	MaxDrawdown   float64
	StartTime     time.Time
	LastTradeTime time.Time
}

// StrategyStats are per-strategy aggregates, including a bounded ring of
// recent signal strengths (spec.md §3 "StrategyStats").
type StrategyStats struct {
	Strategy        string
	Trades          int64
	Wins            int64
	Losses          int64
	TotalPnL        float64
	WinRate         float64
	AvgPnL          float64
	LastTradeTime   time.Time
	SignalStrengths *ring.Buffer
}

// Config tunes State's bounded collections and log throttling, threaded
// from config.AccountConfig so no package here imports config directly.
type Config struct {
	PositionHistoryLimit   int
	SignalStrengthRingSize int
	SyncLogInterval        time.Duration
}

// DefaultConfig mirrors spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		PositionHistoryLimit:   1000,
		SignalStrengthRingSize: 100,
		SyncLogInterval:        30 * time.Second,
	}
}

// State is the thread-safe position/account truth spec.md §4.3 describes.
// All reads and writes are serialized by mu; exported methods never call
// one another while holding the lock, so a single non-reentrant mutex is
// sufficient — the same discipline the teacher's StateManager uses.
type State struct {
	mu     sync.Mutex
	logger *zap.Logger
	config Config

	positions     map[string]*Position
	closedHistory []Position

	session   SessionStats
	strategy  map[string]*StrategyStats
	lastSync  map[string]time.Time

	emergencyStop      bool
	tradingEnabled     bool
	riskLimitsExceeded bool

	metrics *metrics.Metrics
}

// SetMetrics attaches a Prometheus metrics sink; nil-safe.
func (s *State) SetMetrics(mx *metrics.Metrics) {
	s.mu.Lock()
	s.metrics = mx
	s.mu.Unlock()
}

// reportGaugesLocked pushes the active-position count and total PnL to the
// metrics sink; callers must hold s.mu.
func (s *State) reportGaugesLocked() {
	if s.metrics == nil {
		return
	}
	active := 0
	for _, p := range s.positions {
		if p.IsActive() {
			active++
		}
	}
	s.metrics.ActivePositions.Set(float64(active))
	s.metrics.SessionPnL.Set(s.session.TotalPnL)
}

// New builds a State ready to track positions. tradingEnabled starts true,
// matching the teacher's SystemStatusActive default.
func New(logger *zap.Logger, cfg Config) *State {
	return &State{
		logger:         logger,
		config:         cfg,
		positions:      make(map[string]*Position),
		strategy:       make(map[string]*StrategyStats),
		lastSync:       make(map[string]time.Time),
		session:        SessionStats{StartTime: time.Now()},
		tradingEnabled: true,
	}
}

// GetPosition returns a copy of the position for symbol, if any.
func (s *State) GetPosition(symbol string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// GetAllPositions returns copies of every tracked position, active or flat.
func (s *State) GetAllPositions() map[string]Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Position, len(s.positions))
	for symbol, p := range s.positions {
		out[symbol] = *p
	}
	return out
}

// GetActivePositions returns copies of only the positions currently
// carrying size.
func (s *State) GetActivePositions() map[string]Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Position)
	for symbol, p := range s.positions {
		if p.IsActive() {
			out[symbol] = *p
		}
	}
	return out
}

// SetPosition creates or mutates the position for symbol (spec.md §4.3).
// size == 0 collapses the position to Flat and clears ownership.
func (s *State) SetPosition(symbol string, side Side, size, entryPrice, avgPrice, unrealizedPnl, leverage float64, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		s.positions[symbol] = p
	}

	p.Side = side
	p.Size = size
	p.EntryPrice = entryPrice
	p.AvgPrice = avgPrice
	p.UnrealizedPnL = unrealizedPnl
	p.Leverage = leverage
	p.OwnerStrategy = owner
	p.LastUpdate = time.Now()

	if size == 0 {
		p.Side = SideFlat
		p.OwnerStrategy = ""
	}

	s.reportGaugesLocked()
}

// UpdatePositionPnL recomputes unrealized P&L for symbol from its entry
// price, size, and side against currentPrice.
func (s *State) UpdatePositionPnL(symbol string, currentPrice float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok || !p.IsActive() {
		return
	}

	switch p.Side {
	case SideLong:
		p.UnrealizedPnL = (currentPrice - p.EntryPrice) * p.Size
	case SideShort:
		p.UnrealizedPnL = (p.EntryPrice - currentPrice) * p.Size
	}
	p.LastUpdate = time.Now()
}

// ClosePosition closes the position for symbol, computing realized P&L if
// realizedPnl is nil, updating session statistics, and returning a
// snapshot of the position as it stood just before closing. callerStrategy
// identifies the strategy requesting the close; a mismatch against the
// position's owner is logged but never blocks the close (spec.md §4.3:
// non-owner close_position attempts are permitted but logged).
func (s *State) ClosePosition(symbol string, exitPrice float64, realizedPnl *float64, callerStrategy string) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok || !p.IsActive() {
		return Position{}, fmt.Errorf("account: no active position for %s", symbol)
	}

	if p.OwnerStrategy != "" && callerStrategy != "" && p.OwnerStrategy != callerStrategy && s.logger != nil {
		s.logger.Warn("close_position called by non-owner strategy",
			zap.String("symbol", symbol),
			zap.String("owner", p.OwnerStrategy),
			zap.String("caller", callerStrategy))
	}

	pnl := 0.0
	if realizedPnl != nil {
		pnl = *realizedPnl
	} else {
		switch p.Side {
		case SideLong:
			pnl = (exitPrice - p.EntryPrice) * p.Size
		case SideShort:
			pnl = (p.EntryPrice - exitPrice) * p.Size
		}
	}

	snapshot := *p
	snapshot.RealizedPnL = pnl
	snapshot.UnrealizedPnL = 0

	s.session.Trades++
	if pnl > 0 {
		s.session.Wins++
	} else if pnl < 0 {
		s.session.Losses++
	}
	s.session.TotalPnL += pnl
	s.session.DailyPnL += pnl
	s.session.LastTradeTime = time.Now()
	if s.session.DailyPnL < -s.session.MaxDrawdown {
		s.session.MaxDrawdown = -s.session.DailyPnL
	}

	s.appendHistory(snapshot)

	p.Size = 0
	p.Side = SideFlat
	p.OwnerStrategy = ""
	p.RealizedPnL = pnl
	p.UnrealizedPnL = 0
	p.LastUpdate = time.Now()

	s.reportGaugesLocked()

	return snapshot, nil
}

func (s *State) appendHistory(p Position) {
	s.closedHistory = append(s.closedHistory, p)
	if limit := s.config.PositionHistoryLimit; limit > 0 && len(s.closedHistory) > limit {
		s.closedHistory = s.closedHistory[len(s.closedHistory)-limit:]
	}
}

// ClearPosition hard-resets symbol to Flat without touching statistics,
// for use when reconciliation finds the exchange reports zero size.
func (s *State) ClearPosition(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[symbol]
	if !ok {
		return
	}
	p.Side = SideFlat
	p.Size = 0
	p.OwnerStrategy = ""
	p.UnrealizedPnL = 0
	p.LastUpdate = time.Now()

	s.reportGaugesLocked()
}

// SyncWithExchange translates an exchange-reported position into
// set_position/clear_position, throttling its own logging to at most once
// per config.SyncLogInterval per symbol.
func (s *State) SyncWithExchange(symbol string, pos exchange.RawPosition) {
	side := SideFlat
	switch pos.Side {
	case exchange.SideBuy:
		side = SideLong
	case exchange.SideSell:
		side = SideShort
	}

	if pos.Size == 0 {
		s.ClearPosition(symbol)
	} else {
		existing, _ := s.GetPosition(symbol)
		s.SetPosition(symbol, side, pos.Size, pos.AvgPrice, pos.AvgPrice, pos.UnrealisedPnl, pos.Leverage, existing.OwnerStrategy)
	}

	s.mu.Lock()
	last, logged := s.lastSync[symbol]
	shouldLog := !logged || time.Since(last) >= s.config.SyncLogInterval
	if shouldLog {
		s.lastSync[symbol] = time.Now()
	}
	s.mu.Unlock()

	if shouldLog && s.logger != nil {
		s.logger.Debug("synced position with exchange",
			zap.String("symbol", symbol),
			zap.Float64("size", pos.Size),
			zap.String("side", string(side)))
	}
}

// EmergencyStop reports whether the emergency-stop latch is set.
func (s *State) EmergencyStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergencyStop
}

// SetEmergencyStop latches or releases the emergency stop, logging the
// transition (spec.md §4.3).
func (s *State) SetEmergencyStop(active bool) {
	s.mu.Lock()
	changed := s.emergencyStop != active
	s.emergencyStop = active
	s.mu.Unlock()

	if changed && s.logger != nil {
		s.logger.Warn("emergency stop transition", zap.Bool("active", active))
	}
}

// TradingEnabled reports the trading-enabled flag.
func (s *State) TradingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tradingEnabled
}

// SetTradingEnabled sets the trading-enabled flag, logging the transition.
func (s *State) SetTradingEnabled(enabled bool) {
	s.mu.Lock()
	changed := s.tradingEnabled != enabled
	s.tradingEnabled = enabled
	s.mu.Unlock()

	if changed && s.logger != nil {
		s.logger.Info("trading enabled transition", zap.Bool("enabled", enabled))
	}
}

// RiskLimitsExceeded reports the risk-limits-exceeded flag.
func (s *State) RiskLimitsExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.riskLimitsExceeded
}

// SetRiskLimitsExceeded sets the risk-limits-exceeded flag.
func (s *State) SetRiskLimitsExceeded(exceeded bool) {
	s.mu.Lock()
	changed := s.riskLimitsExceeded != exceeded
	s.riskLimitsExceeded = exceeded
	s.mu.Unlock()

	if changed && s.logger != nil {
		s.logger.Warn("risk limits exceeded transition", zap.Bool("exceeded", exceeded))
	}
}

// EffectiveTradingGate is trading_enabled ∧ ¬emergency_stop (spec.md §4.3).
func (s *State) EffectiveTradingGate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tradingEnabled && !s.emergencyStop
}

// UpdateStrategyStats folds a closed trade's pnl (and optional signal
// strength) into the named strategy's running aggregates.
func (s *State) UpdateStrategyStats(strategyName string, pnl float64, signalStrength *float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.strategy[strategyName]
	if !ok {
		ringSize := s.config.SignalStrengthRingSize
		if ringSize <= 0 {
			ringSize = 100
		}
		st = &StrategyStats{Strategy: strategyName, SignalStrengths: ring.New(ringSize)}
		s.strategy[strategyName] = st
	}

	st.Trades++
	if pnl > 0 {
		st.Wins++
	} else if pnl < 0 {
		st.Losses++
	}
	st.TotalPnL += pnl
	if st.Trades > 0 {
		st.AvgPnL = st.TotalPnL / float64(st.Trades)
		st.WinRate = float64(st.Wins) / float64(st.Trades) * 100
	}
	st.LastTradeTime = time.Now()

	if signalStrength != nil {
		st.SignalStrengths.Push(*signalStrength)
	}
}

// StrategyStatsFor returns a snapshot of one strategy's aggregates.
func (s *State) StrategyStatsFor(strategyName string) (StrategyStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.strategy[strategyName]
	if !ok {
		return StrategyStats{}, false
	}
	return *st, true
}

// SessionStats returns a copy of the session-wide counters.
func (s *State) SessionStats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// ValidateStateConsistency returns a list of anomaly descriptions found in
// the current state (spec.md §4.3): negative size, active-with-zero-entry,
// flat-with-side, and wins+losses != trades.
func (s *State) ValidateStateConsistency() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var anomalies []string

	for symbol, p := range s.positions {
		if p.Size < 0 {
			anomalies = append(anomalies, fmt.Sprintf("%s: negative size %v", symbol, p.Size))
		}
		if p.IsActive() && p.EntryPrice == 0 {
			anomalies = append(anomalies, fmt.Sprintf("%s: active position with zero entry price", symbol))
		}
		if p.Size == 0 && p.Side != SideFlat {
			anomalies = append(anomalies, fmt.Sprintf("%s: flat size with non-flat side %s", symbol, p.Side))
		}
	}

	if s.session.Wins+s.session.Losses != s.session.Trades {
		anomalies = append(anomalies, fmt.Sprintf("session: wins(%d)+losses(%d) != trades(%d)",
			s.session.Wins, s.session.Losses, s.session.Trades))
	}

	return anomalies
}
