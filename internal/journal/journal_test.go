package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTradeJournalWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")

	j1, err := NewTradeJournal(path)
	require.NoError(t, err)

	require.NoError(t, j1.Append(TradeRecord{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Symbol:    "BTCUSDT", Side: "Buy", Qty: 0.01,
		EntryPrice: 100, ExitPrice: 110, PnL: 0.1, Strategy: "S1", Comment: "tp hit",
	}))

	j2, err := NewTradeJournal(path)
	require.NoError(t, err)
	require.NoError(t, j2.Append(TradeRecord{
		Timestamp: time.Now(), Symbol: "ETHUSDT", Side: "Sell", Qty: 1,
		EntryPrice: 50, ExitPrice: 45, PnL: 5, Strategy: "S2",
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(string(data))
	assert.Equal(t, "timestamp,symbol,side,qty,entry_price,exit_price,pnl,stop_loss,take_profit,strategy,comment", lines[0])
	assert.Len(t, lines, 4) // header + 2 rows + trailing empty
}

func TestTradeJournalAppendFormatsOptionalFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	j, err := NewTradeJournal(path)
	require.NoError(t, err)

	sl := 95.0
	require.NoError(t, j.Append(TradeRecord{
		Timestamp: time.Now(), Symbol: "BTCUSDT", Side: "Buy", Qty: 0.01,
		EntryPrice: 100, ExitPrice: 110, PnL: 0.1, StopLoss: &sl, Strategy: "S1",
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "95.00000000")
}

func TestSignalLoggerWritesPerStrategyFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewSignalLogger(dir)
	require.NoError(t, err)

	require.NoError(t, logger.Log("S1", "BUY", 123.45, "breakout"))

	data, err := os.ReadFile(filepath.Join(dir, "S1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "S1 - INFO - Signal: BUY at 123.45 - breakout")
}

func TestActiveStrategiesFileWritesNewlineSeparatedList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "active.txt")
	f, err := NewActiveStrategiesFile(path)
	require.NoError(t, err)

	require.NoError(t, f.Write([]string{"S1", "S2"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "S1\nS2\n", string(data))
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}
