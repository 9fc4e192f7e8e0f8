// Package runtime assembles the "default runtime": every core component
// explicitly constructed and threaded together, the process entry point's
// single composition root. Nothing here is a package-level global; cmd's
// commands call Build once and pass the result around (spec.md §9 Design
// Notes, "provide a default runtime builder... do not recreate hidden
// globals"), mirroring the explicit dependency wiring the teacher's
// server.New does for its own sub-services.
package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/tradecore/safetycore/internal/account"
	"github.com/tradecore/safetycore/internal/config"
	"github.com/tradecore/safetycore/internal/errorhandler"
	"github.com/tradecore/safetycore/internal/exchange"
	"github.com/tradecore/safetycore/internal/journal"
	"github.com/tradecore/safetycore/internal/libs/queue"
	"github.com/tradecore/safetycore/internal/logging"
	"github.com/tradecore/safetycore/internal/metrics"
	"github.com/tradecore/safetycore/internal/notify"
	"github.com/tradecore/safetycore/internal/orchestrator"
	"github.com/tradecore/safetycore/internal/ordermanager"
	"github.com/tradecore/safetycore/internal/ratelimiter"
	"github.com/tradecore/safetycore/internal/security"
)

// Runtime holds every explicitly constructed component the orchestrator
// needs. Strategy implementations are supplied by the caller at Run time
// (spec.md §1, strategies are an external collaborator).
type Runtime struct {
	Logger       *zap.Logger
	AuditSink    *security.AuditSink
	Account      *account.State
	RateLimiter  *ratelimiter.RateLimiter
	ErrorHandler *errorhandler.Handler
	Exchange     exchange.Client
	OrderManager *ordermanager.Manager
	Notify       notify.Sink
	delivery     notify.Sink
	Bus          *queue.Bus
	Dispatcher   *notify.Dispatcher
	Journal      *journal.TradeJournal
	SignalLog    *journal.SignalLogger
	ActiveFile   *journal.ActiveStrategiesFile
	Metrics      *metrics.Metrics

	cfg         config.Config
	dispatchCtx context.Context
	dispatchCancel context.CancelFunc
}

// Build wires every component from cfg, failing fast on any construction
// error rather than leaving a partially wired runtime running.
func Build(cfg config.Config) (*Runtime, error) {
	audit := security.NewAuditSink(cfg.Logging.AuditPath, appendLineTo(cfg.Logging.AuditPath))

	var logger *zap.Logger
	if cfg.Logging.Development {
		logger = logging.NewDev(audit).Logger
	} else {
		l, err := logging.New(cfg.Logging.Path, audit)
		if err != nil {
			return nil, fmt.Errorf("runtime: build logger: %w", err)
		}
		logger = l.Logger
	}

	acct := account.New(logger, account.Config{
		PositionHistoryLimit:   cfg.Account.PositionHistoryLimit,
		SignalStrengthRingSize: cfg.Account.SignalStrengthRingSize,
		SyncLogInterval:        cfg.Account.SyncLogInterval,
	})

	limiter := ratelimiter.New(logger, ratelimiter.Config{
		Endpoints:                   ratelimiter.DefaultConfig().Endpoints,
		GlobalPerMinute:             cfg.RateLimiter.GlobalPerMinute,
		GlobalPerSecond:             cfg.RateLimiter.GlobalPerSecond,
		CleanupInterval:             cfg.RateLimiter.CleanupInterval,
		BanEscalationThreshold:      cfg.RateLimiter.BanEscalationThreshold,
		EmergencyViolationThreshold: cfg.RateLimiter.EmergencyViolationThreshold,
	}, acct)

	errHandler := errorhandler.New(logger, errorhandler.Config{
		HistorySize:      cfg.ErrorHandler.HistorySize,
		EmergencyLogPath: cfg.ErrorHandler.EmergencyLogPath,
		CircuitCooldown:  errorhandler.DefaultConfig().CircuitCooldown,
	}, acct)

	client := exchange.NewBinanceClient(logger, cfg.Binance.APIKey, cfg.Binance.APISecret, cfg.Binance.Testnet)

	manager, err := ordermanager.New(logger, ordermanager.Config{
		MaxOrdersPerMinute:     cfg.OrderManager.MaxOrdersPerMinute,
		MinSymbolInterval:      cfg.OrderManager.MinSymbolInterval,
		WorkerCount:            cfg.OrderManager.WorkerCount,
		QueueCapacity:          cfg.OrderManager.QueueCapacity,
		OrderTimeout:           cfg.OrderManager.OrderTimeout,
		MaxWorkerRetries:       cfg.OrderManager.MaxWorkerRetries,
		RetryBaseDelay:         cfg.OrderManager.RetryBaseDelay,
		RetryBackoffCap:        cfg.OrderManager.RetryBackoffCap,
		PendingDuplicateWindow: cfg.OrderManager.PendingDuplicateWindow,
		QueueFullWait:          cfg.OrderManager.QueueFullWait,
		RetryableRetCodes:      cfg.OrderManager.RetryableRetCodes,
		PendingCleanupMaxAge:   cfg.OrderManager.PendingCleanupMaxAge,
	}, client, acct, limiter, errHandler)
	if err != nil {
		return nil, fmt.Errorf("runtime: build order manager: %w", err)
	}

	bus := queue.New()

	var delivery notify.Sink = notify.NopSink{}
	if cfg.Telegram.Token != "" {
		chats := make([]int64, 0, len(cfg.Telegram.Chats))
		for _, id := range cfg.Telegram.Chats {
			chats = append(chats, id)
		}
		telegramSink, err := notify.NewTelegramSink(logger, cfg.Telegram.Token, chats)
		if err != nil {
			return nil, fmt.Errorf("runtime: build telegram sink: %w", err)
		}
		delivery = telegramSink
	}

	dispatcher := notify.NewDispatcher(logger, bus, "notify-dispatcher", delivery)
	sink := notify.NewQueueSink(bus, time.Hour)

	tradeJournal, err := journal.NewTradeJournal(cfg.Journal.TradeJournalPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: build trade journal: %w", err)
	}

	signalLog, err := journal.NewSignalLogger(cfg.Journal.StrategyLogDir)
	if err != nil {
		return nil, fmt.Errorf("runtime: build signal logger: %w", err)
	}

	activeFile, err := journal.NewActiveStrategiesFile(cfg.Journal.ActiveStrategiesFile)
	if err != nil {
		return nil, fmt.Errorf("runtime: build active strategies file: %w", err)
	}

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	go dispatcher.Run(dispatchCtx)

	metricsRegistry := metrics.New()
	acct.SetMetrics(metricsRegistry)
	limiter.SetMetrics(metricsRegistry)
	errHandler.SetMetrics(metricsRegistry)
	manager.SetMetrics(metricsRegistry)

	return &Runtime{
		Logger:         logger,
		AuditSink:      audit,
		Account:        acct,
		RateLimiter:    limiter,
		ErrorHandler:   errHandler,
		Exchange:       client,
		OrderManager:   manager,
		Notify:         sink,
		delivery:       delivery,
		Bus:            bus,
		Dispatcher:     dispatcher,
		Journal:        tradeJournal,
		SignalLog:      signalLog,
		ActiveFile:     activeFile,
		Metrics:        metricsRegistry,
		cfg:            cfg,
		dispatchCtx:    dispatchCtx,
		dispatchCancel: dispatchCancel,
	}, nil
}

// Orchestrator builds the thin per-tick loop over strategies, using this
// runtime's already-wired components.
func (r *Runtime) Orchestrator(strategies []orchestrator.Strategy) *orchestrator.Orchestrator {
	return orchestrator.New(r.Logger, orchestrator.DefaultConfig(), r.Exchange, r.OrderManager, r.Account, r.Notify, strategies)
}

// Shutdown drains the order manager and stops any background goroutines
// the runtime started. timeout bounds how long Shutdown waits for workers
// to drain before giving up (the exceeding case is logged, not aborted).
func (r *Runtime) Shutdown(timeout time.Duration) {
	r.OrderManager.Shutdown(timeout)
	r.RateLimiter.Close()
	r.dispatchCancel()
	r.Bus.Close()
	if stopper, ok := r.delivery.(interface{ Stop() }); ok {
		stopper.Stop()
	}
}

// appendLineTo returns a writer that best-effort appends one line to path,
// creating parent directories as needed. Failures are swallowed: the audit
// sink is itself a last-resort fallback and must never panic the caller.
func appendLineTo(path string) func(line string) {
	return func(line string) {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		defer file.Close()
		fmt.Fprintln(file, line)
	}
}
