// Package config defines the mapstructure-tagged configuration tree loaded
// by cmd/root.go via viper, the same layout convention the teacher's
// internal/config package uses, expanded to cover every tunable in
// spec.md §6.
package config

import "time"

// Config is the root configuration tree.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Binance      BinanceConfig      `mapstructure:"binance"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	OrderManager OrderManagerConfig `mapstructure:"order_manager"`
	RateLimiter  RateLimiterConfig  `mapstructure:"rate_limiter"`
	ErrorHandler ErrorHandlerConfig `mapstructure:"error_handler"`
	Account      AccountConfig      `mapstructure:"account"`
	Journal      JournalConfig      `mapstructure:"journal"`
}

// ServerConfig controls the process's own listeners (metrics only; the
// exchange-facing HTTP/WebSocket surface is an external collaborator).
type ServerConfig struct {
	MetricsPort int `mapstructure:"metrics_port"`
}

// LoggingConfig controls the secure logger's sinks.
type LoggingConfig struct {
	Path        string `mapstructure:"path"`
	AuditPath   string `mapstructure:"audit_path"`
	Development bool   `mapstructure:"development"`
}

// BinanceConfig holds exchange connectivity settings.
type BinanceConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Testnet   bool   `mapstructure:"testnet"`
}

// TelegramConfig holds the notification sink's bot token.
type TelegramConfig struct {
	Token string           `mapstructure:"token"`
	Chats map[string]int64 `mapstructure:"chats"`
}

// OrderManagerConfig mirrors spec.md §6 OrderManager options.
type OrderManagerConfig struct {
	MaxOrdersPerMinute        int           `mapstructure:"max_orders_per_minute"`
	MinSymbolInterval         time.Duration `mapstructure:"min_symbol_interval"`
	WorkerCount               int           `mapstructure:"worker_count"`
	QueueCapacity             int           `mapstructure:"queue_capacity"`
	OrderTimeout              time.Duration `mapstructure:"order_timeout"`
	MaxWorkerRetries          int           `mapstructure:"max_worker_retries"`
	RetryBaseDelay            time.Duration `mapstructure:"retry_base_delay"`
	RetryBackoffCap           time.Duration `mapstructure:"retry_backoff_cap"`
	PendingDuplicateWindow    time.Duration `mapstructure:"pending_duplicate_window"`
	QueueFullWait             time.Duration `mapstructure:"queue_full_wait"`
	RetryableRetCodes         []int32       `mapstructure:"retryable_ret_codes"`
	PendingCleanupMaxAge      time.Duration `mapstructure:"pending_cleanup_max_age"`
}

// RateLimiterConfig mirrors spec.md §6 RateLimiter options.
type RateLimiterConfig struct {
	GlobalPerMinute            int           `mapstructure:"global_per_minute"`
	GlobalPerSecond            int           `mapstructure:"global_per_second"`
	CleanupInterval            time.Duration `mapstructure:"cleanup_interval"`
	BanEscalationThreshold     int           `mapstructure:"ban_escalation_threshold"`
	EmergencyViolationThreshold int          `mapstructure:"emergency_violation_threshold"`
}

// ErrorHandlerConfig mirrors spec.md §6 ErrorHandler options.
type ErrorHandlerConfig struct {
	HistorySize     int    `mapstructure:"history_size"`
	EmergencyLogPath string `mapstructure:"emergency_log_path"`
}

// AccountConfig mirrors spec.md §6 AccountState options.
type AccountConfig struct {
	PositionHistoryLimit  int           `mapstructure:"position_history_limit"`
	SignalStrengthRingSize int          `mapstructure:"signal_strength_ring_size"`
	SyncLogInterval       time.Duration `mapstructure:"sync_log_interval"`
}

// JournalConfig controls the append-only trade journal and per-strategy
// signal logs (spec.md §6 "Persisted state").
type JournalConfig struct {
	TradeJournalPath  string `mapstructure:"trade_journal_path"`
	StrategyLogDir    string `mapstructure:"strategy_log_dir"`
	ActiveStrategiesFile string `mapstructure:"active_strategies_file"`
}

// Default returns the configuration defaults named throughout spec.md §6.
func Default() Config {
	return Config{
		Server: ServerConfig{
			MetricsPort: 9090,
		},
		Logging: LoggingConfig{
			Path:      "logs/trading.log",
			AuditPath: "logs/security_audit.log",
		},
		Binance: BinanceConfig{
			Testnet: true,
		},
		OrderManager: OrderManagerConfig{
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
		},
		RateLimiter: RateLimiterConfig{
			GlobalPerMinute:             200,
			GlobalPerSecond:             20,
			CleanupInterval:             5 * time.Minute,
			BanEscalationThreshold:      3,
			EmergencyViolationThreshold: 5,
		},
		ErrorHandler: ErrorHandlerConfig{
			HistorySize:      1000,
			EmergencyLogPath: "logs/emergency.log",
		},
		Account: AccountConfig{
			PositionHistoryLimit:   1000,
			SignalStrengthRingSize: 100,
			SyncLogInterval:        30 * time.Second,
		},
		Journal: JournalConfig{
			TradeJournalPath:     "logs/trades.csv",
			StrategyLogDir:       "logs/strategies",
			ActiveStrategiesFile: "logs/active_strategies.txt",
		},
	}
}
