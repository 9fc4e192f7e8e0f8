// Package orchestrator implements the thin per-tick loop spec.md §4.6
// specifies: gate on trading_enabled, periodically reconcile state with
// the exchange, poll each active strategy for a signal, and translate
// signals into OrderManager submissions. It generalizes the teacher's
// Orderer/Server ticker-plus-signal-channel lifecycle
// (internal/server/orderer/order.go's time.NewTicker loop,
// internal/server/server.go's errgroup-driven concurrent sub-services)
// onto a strategy-signal model instead of a queue-consumed trade-intent
// topic.
package orchestrator

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradecore/safetycore/internal/account"
	"github.com/tradecore/safetycore/internal/exchange"
	"github.com/tradecore/safetycore/internal/notify"
	"github.com/tradecore/safetycore/internal/ordermanager"
)

// Action classifies what a Signal asks the orchestrator to do.
type Action string

const (
	ActionEntry Action = "entry"
	ActionExit  Action = "exit"
)

// Signal is the dictionary-like value a Strategy hands back each tick;
// strategy implementations are opaque beyond this shape (spec.md §4.6).
type Signal struct {
	Action     Action
	Side       exchange.Side
	OrderType  exchange.OrderType
	Quantity   float64
	Price      *float64
	StopLoss   *float64
	TakeProfit *float64
	Strength   *float64
	Comment    string
}

// Strategy is the opaque signal source the orchestrator polls every
// tick. Implementations live outside this module (spec.md §1 "Deliberately
// out of scope").
type Strategy interface {
	Name() string
	Symbol() string
	Signal(ctx context.Context) (*Signal, error)
}

// Config tunes the orchestrator's loop cadences.
type Config struct {
	TickInterval time.Duration
	SyncInterval time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: 5 * time.Second,
		SyncInterval: 30 * time.Second,
	}
}

// Orchestrator wires strategies to the order manager and account state.
type Orchestrator struct {
	logger     *zap.Logger
	config     Config
	client     exchange.Client
	manager    *ordermanager.Manager
	account    *account.State
	sink       notify.Sink
	strategies []Strategy

	quit chan struct{}
}

// New builds an Orchestrator over strategies. sink may be notify.NopSink{}
// if no notification transport is configured.
func New(logger *zap.Logger, cfg Config, client exchange.Client, manager *ordermanager.Manager, acct *account.State, sink notify.Sink, strategies []Strategy) *Orchestrator {
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Orchestrator{
		logger:     logger,
		config:     cfg,
		client:     client,
		manager:    manager,
		account:    acct,
		sink:       sink,
		strategies: strategies,
		quit:       make(chan struct{}),
	}
}

// Run drives the tick loop and the sync loop concurrently until ctx is
// canceled or Stop is called; the first sub-loop error cancels the other.
func (o *Orchestrator) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return o.tickLoop(ctx) })
	group.Go(func() error { return o.syncLoop(ctx) })

	return group.Wait()
}

// Stop signals both loops to exit on their next wake.
func (o *Orchestrator) Stop() {
	close(o.quit)
}

func (o *Orchestrator) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.quit:
			return nil
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.quit:
			return nil
		case <-ticker.C:
			o.syncAll(ctx)
		}
	}
}

// tick implements spec.md §4.6 steps (a)-(e) for one pass over every
// strategy.
func (o *Orchestrator) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: tick panicked", zap.Any("recover", r), zap.String("stacktrace", string(debug.Stack())))
		}
	}()

	if !o.account.EffectiveTradingGate() {
		return
	}

	for _, strategy := range o.strategies {
		signal, err := strategy.Signal(ctx)
		if err != nil {
			o.logger.Warn("orchestrator: strategy signal failed",
				zap.String("strategy", strategy.Name()), zap.Error(err))
			continue
		}
		if signal == nil {
			continue
		}

		switch signal.Action {
		case ActionEntry:
			o.handleEntry(ctx, strategy, signal)
		case ActionExit:
			o.handleExit(ctx, strategy, signal)
		default:
			o.logger.Warn("orchestrator: unknown signal action",
				zap.String("strategy", strategy.Name()), zap.String("action", string(signal.Action)))
		}
	}
}

func (o *Orchestrator) handleEntry(ctx context.Context, strategy Strategy, signal *Signal) {
	symbol := strategy.Symbol()

	req := exchange.OrderRequest{
		Symbol:       symbol,
		Side:         signal.Side,
		OrderType:    signal.OrderType,
		Quantity:     signal.Quantity,
		Price:        signal.Price,
		StopLoss:     signal.StopLoss,
		TakeProfit:   signal.TakeProfit,
		StrategyName: strategy.Name(),
		CreatedAt:    time.Now(),
	}

	resp, err := o.manager.Submit(ctx, req)
	if err != nil {
		o.logger.Warn("orchestrator: entry submit failed",
			zap.String("strategy", strategy.Name()), zap.String("symbol", symbol), zap.Error(err))
		return
	}

	entryPrice := 0.0
	if signal.Price != nil {
		entryPrice = *signal.Price
	}

	o.account.SetPosition(symbol, positionSideFor(signal.Side), signal.Quantity, entryPrice, entryPrice, 0, 1, strategy.Name())
	o.account.UpdateStrategyStats(strategy.Name(), 0, signal.Strength)

	if err := o.sink.Notify(ctx, notify.Event{
		Kind:           notify.KindPositionOpened,
		Symbol:         symbol,
		Strategy:       strategy.Name(),
		Message:        signal.Comment,
		Side:           string(positionSideFor(signal.Side)),
		EntryPrice:     entryPrice,
		StopLoss:       signal.StopLoss,
		TakeProfit:     signal.TakeProfit,
		Size:           signal.Quantity,
		SignalStrength: signal.Strength,
	}); err != nil {
		o.logger.Warn("orchestrator: failed to push position-opened notification", zap.Error(err))
	}

	_ = resp
}

func (o *Orchestrator) handleExit(ctx context.Context, strategy Strategy, signal *Signal) {
	symbol := strategy.Symbol()

	req := exchange.OrderRequest{
		Symbol:       symbol,
		Side:         signal.Side,
		OrderType:    signal.OrderType,
		Quantity:     signal.Quantity,
		Price:        signal.Price,
		ReduceOnly:   true,
		StrategyName: strategy.Name(),
		CreatedAt:    time.Now(),
	}

	_, err := o.manager.Submit(ctx, req)
	if err != nil {
		o.logger.Warn("orchestrator: exit submit failed",
			zap.String("strategy", strategy.Name()), zap.String("symbol", symbol), zap.Error(err))
		return
	}

	var exitPrice *float64
	if signal.Price != nil {
		exitPrice = signal.Price
	}

	closed, err := o.account.ClosePosition(symbol, exitPriceOrZero(exitPrice), nil, strategy.Name())
	if err != nil {
		o.logger.Warn("orchestrator: close_position failed after exit order accepted",
			zap.String("symbol", symbol), zap.Error(err))
		return
	}

	var duration time.Duration
	if !closed.LastUpdate.IsZero() {
		duration = time.Since(closed.LastUpdate)
	}

	if err := o.sink.Notify(ctx, notify.Event{
		Kind:      notify.KindPositionClosed,
		Symbol:    symbol,
		Strategy:  strategy.Name(),
		Message:   signal.Comment,
		Side:      string(closed.Side),
		ExitPrice: exitPriceOrZero(exitPrice),
		PnL:       closed.RealizedPnL,
		Duration:  duration,
	}); err != nil {
		o.logger.Warn("orchestrator: failed to push position-closed notification", zap.Error(err))
	}
}

func (o *Orchestrator) syncAll(ctx context.Context) {
	seen := make(map[string]struct{})
	for _, strategy := range o.strategies {
		symbol := strategy.Symbol()
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}

		positions, err := o.client.GetPositions(ctx, symbol)
		if err != nil {
			o.logger.Warn("orchestrator: sync failed to fetch positions", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		for _, pos := range positions {
			o.account.SyncWithExchange(symbol, pos)
		}
	}
}

func positionSideFor(side exchange.Side) account.Side {
	if side == exchange.SideBuy {
		return account.SideLong
	}
	return account.SideShort
}

func exitPriceOrZero(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
