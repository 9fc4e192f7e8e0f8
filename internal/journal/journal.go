// Package journal implements the append-only trade journal, per-strategy
// signal logs, and active-strategies file spec.md §6 "Persisted state"
// names as the system's file-based persistence contract, grounded on the
// CSV-writing conventions of the teacher's pack (encoding/csv over
// os.Create/os.OpenFile, a header row written once) as seen in
// internal/backtest/reporter.go's generateTradeLog.
package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TradeRecord is one closed-trade line in the journal (spec.md §6).
type TradeRecord struct {
	Timestamp  time.Time
	Symbol     string
	Side       string
	Qty        float64
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	StopLoss   *float64
	TakeProfit *float64
	Strategy   string
	Comment    string
}

var tradeHeader = []string{
	"timestamp", "symbol", "side", "qty", "entry_price", "exit_price",
	"pnl", "stop_loss", "take_profit", "strategy", "comment",
}

// TradeJournal appends TradeRecords to a CSV file, writing the header row
// only the first time the file is created.
type TradeJournal struct {
	mu   sync.Mutex
	path string
}

// NewTradeJournal opens (creating if absent) the CSV file at path.
func NewTradeJournal(path string) (*TradeJournal, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}

	needsHeader := false
	if info, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("journal: stat %s: %w", path, err)
		}
		needsHeader = true
	} else if info.Size() == 0 {
		needsHeader = true
	}

	if needsHeader {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("journal: create %s: %w", path, err)
		}
		writer := csv.NewWriter(file)
		if err := writer.Write(tradeHeader); err != nil {
			file.Close()
			return nil, fmt.Errorf("journal: write header: %w", err)
		}
		writer.Flush()
		file.Close()
	}

	return &TradeJournal{path: path}, nil
}

// Append writes one closed trade as an ISO-8601 UTC-timestamped CSV row.
func (j *TradeJournal) Append(record TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", j.path, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	row := []string{
		record.Timestamp.UTC().Format(time.RFC3339),
		record.Symbol,
		record.Side,
		fmt.Sprintf("%.8f", record.Qty),
		fmt.Sprintf("%.8f", record.EntryPrice),
		fmt.Sprintf("%.8f", record.ExitPrice),
		fmt.Sprintf("%.8f", record.PnL),
		formatOptional(record.StopLoss),
		formatOptional(record.TakeProfit),
		record.Strategy,
		record.Comment,
	}
	if err := writer.Write(row); err != nil {
		return fmt.Errorf("journal: write row: %w", err)
	}
	writer.Flush()
	return writer.Error()
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%.8f", *v)
}

// SignalLogger appends human-readable signal lines to a per-strategy log
// file under dir (spec.md §6 "Strategy signal log").
type SignalLogger struct {
	mu  sync.Mutex
	dir string
}

// NewSignalLogger creates the log directory if absent.
func NewSignalLogger(dir string) (*SignalLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("journal: mkdir %s: %w", dir, err)
	}
	return &SignalLogger{dir: dir}, nil
}

// Log appends one line in the format
// "YYYY-MM-DD HH:MM:SS - {strategy} - INFO - Signal: {BUY|SELL} at {price} - {comment}"
// to logs/strategies/{strategy}.log.
func (s *SignalLogger) Log(strategy, direction string, price float64, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, strategy+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer file.Close()

	line := fmt.Sprintf("%s - %s - INFO - Signal: %s at %v - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), strategy, direction, price, comment)
	_, err = file.WriteString(line)
	return err
}

// ActiveStrategiesFile tracks the newline-separated set of currently
// active strategy identifiers (spec.md §6).
type ActiveStrategiesFile struct {
	mu   sync.Mutex
	path string
}

// NewActiveStrategiesFile wraps path, creating its parent directory.
func NewActiveStrategiesFile(path string) (*ActiveStrategiesFile, error) {
	if err := ensureParent(path); err != nil {
		return nil, err
	}
	return &ActiveStrategiesFile{path: path}, nil
}

// Write overwrites the file with the given strategy identifiers, one per
// line.
func (a *ActiveStrategiesFile) Write(strategies []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	content := ""
	for _, s := range strategies {
		content += s + "\n"
	}
	return os.WriteFile(a.path, []byte(content), 0644)
}

func ensureParent(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
