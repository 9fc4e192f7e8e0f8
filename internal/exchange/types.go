// Package exchange defines the capability interface the safety core uses
// to reach the remote venue (spec.md §6, §9 "Dynamic dispatch / duck-typed
// API client") plus the wire-level value types that cross that boundary.
// The interface has exactly the operations spec.md §6 lists; the real
// client and the deterministic mock both implement it.
package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Side is the order/position direction the exchange expects.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// OrderType is the order execution style.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// PositionSide classifies a held position, or its absence.
type PositionSide string

const (
	PositionLong  PositionSide = "Long"
	PositionShort PositionSide = "Short"
	PositionFlat  PositionSide = "Flat"
)

// OrderRequest is the immutable value the order manager admits and the
// worker pool submits (spec.md §3 "OrderRequest").
type OrderRequest struct {
	Symbol       string
	Side         Side
	OrderType    OrderType
	Quantity     float64
	Price        *float64
	StopLoss     *float64
	TakeProfit   *float64
	ReduceOnly   bool
	PositionIdx  *int32
	StrategyName string
	CreatedAt    time.Time
}

// Validate checks the structural invariants spec.md §3 requires of an
// OrderRequest: positive quantity, and a price iff the order is Limit.
func (r OrderRequest) Validate() error {
	if r.Quantity <= 0 {
		return fmt.Errorf("exchange: quantity must be positive, got %v", r.Quantity)
	}
	if r.OrderType == OrderTypeLimit && r.Price == nil {
		return fmt.Errorf("exchange: limit order requires a price")
	}
	if r.OrderType == OrderTypeMarket && r.Price != nil {
		return fmt.Errorf("exchange: market order must not carry a price")
	}
	if r.Symbol == "" {
		return fmt.Errorf("exchange: symbol is required")
	}
	return nil
}

// Fingerprint computes the deterministic hash used to identify "the same
// request" for duplicate detection: H = hash(symbol, side, order_type,
// qty, price, strategy_name).
func (r OrderRequest) Fingerprint() string {
	price := "nil"
	if r.Price != nil {
		price = fmt.Sprintf("%.8f", *r.Price)
	}

	raw := fmt.Sprintf("%s|%s|%s|%.8f|%s|%s", r.Symbol, r.Side, r.OrderType, r.Quantity, price, r.StrategyName)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// SafeFields returns the whitelisted subset of the request safe to log
// verbatim (spec.md §4.5).
func (r OrderRequest) SafeFields() map[string]interface{} {
	return map[string]interface{}{
		"symbol":        r.Symbol,
		"side":          r.Side,
		"order_type":    r.OrderType,
		"quantity":      r.Quantity,
		"reduce_only":   r.ReduceOnly,
		"strategy_name": r.StrategyName,
	}
}

// OrderResult is the exchange-reported payload of a created/queried order.
type OrderResult struct {
	OrderID string
	Symbol  string
	Side    Side
	Qty     string
	Status  string
}

// OrderResponse is the exchange's reply to create_order and friends
// (spec.md §3 "OrderResponse"). RetCode == 0 denotes success.
type OrderResponse struct {
	RetCode int32
	RetMsg  string
	Result  OrderResult
}

// Success reports whether the exchange accepted the request.
func (r OrderResponse) Success() bool {
	return r.RetCode == 0
}

// SafeFields returns the whitelisted subset of the response safe to log.
func (r OrderResponse) SafeFields() map[string]interface{} {
	return map[string]interface{}{
		"ret_code": r.RetCode,
		"ret_msg":  r.RetMsg,
		"order_id": r.Result.OrderID,
		"symbol":   r.Result.Symbol,
		"side":     r.Result.Side,
		"status":   r.Result.Status,
	}
}

// RawPosition is the exchange's own representation of a position (spec.md
// §6 get_positions result shape).
type RawPosition struct {
	Symbol         string
	Side           Side
	Size           float64
	AvgPrice       float64
	UnrealisedPnl  float64
	Leverage       float64
}

// WalletCoin is one coin entry in a wallet-balance response.
type WalletCoin struct {
	Coin          string
	WalletBalance float64
	USDValue      float64
}

// WalletBalance is the exchange's wallet-balance payload (spec.md §6).
type WalletBalance struct {
	Coins                 []WalletCoin
	TotalEquity           float64
	TotalAvailableBalance float64
}

// Candle is one OHLCV row (spec.md §6 get_ohlcv).
type Candle struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Turnover  float64
}

// OpenOrder is a single resting order reported by get_open_orders.
type OpenOrder struct {
	OrderID string
	Symbol  string
	Side    Side
	Status  string
}

// Client is the capability interface spec.md §6 requires: exactly the
// operations the safety core consumes from the remote venue. Both the real
// Binance-backed client and the deterministic mock implement it.
type Client interface {
	GetServerTime(ctx context.Context) (time.Time, error)
	GetWalletBalance(ctx context.Context) (WalletBalance, error)
	GetPositions(ctx context.Context, symbol string) ([]RawPosition, error)
	CreateOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	SetTradingStop(ctx context.Context, symbol string, stopLoss, takeProfit *float64) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// RetryableRetCode reports whether code is in the caller-supplied retryable
// set (configurable per SPEC_FULL.md Open Question #3; DefaultRetryableCodes
// returns the default transient set).
func RetryableRetCode(code int32, retryable map[int32]struct{}) bool {
	_, ok := retryable[code]
	return ok
}

// DefaultRetryableCodes is the default transient ret_code set.
func DefaultRetryableCodes() map[int32]struct{} {
	return map[int32]struct{}{
		-1001: {},
		-1002: {},
		-1020: {},
	}
}
