package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/bitly/go-simplejson"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BinanceClient is the real Client implementation, backed by
// adshao/go-binance/v2/futures the way the teacher's orderer/create.go
// builds orders against that SDK's futures types. Prices and quantities
// are formatted through shopspring/decimal at the wire boundary so
// float64 rounding never corrupts a string sent to the exchange (spec.md
// §6: "Quantities and prices are serialized as strings when crossing the
// boundary").
type BinanceClient struct {
	logger  *zap.Logger
	client  *futures.Client
	testnet bool
}

// NewBinanceClient builds a client against the given API credentials. When
// testnet is true, requests go to the Binance futures testnet, mirroring
// the teacher's binance.New(logger, testnet) constructor.
func NewBinanceClient(logger *zap.Logger, apiKey, apiSecret string, testnet bool) *BinanceClient {
	if testnet {
		futures.UseTestnet = true
	}

	return &BinanceClient{
		logger:  logger,
		client:  futures.NewClient(apiKey, apiSecret),
		testnet: testnet,
	}
}

func (b *BinanceClient) GetServerTime(ctx context.Context) (time.Time, error) {
	ms, err := b.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (b *BinanceClient) GetWalletBalance(ctx context.Context) (WalletBalance, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return WalletBalance{}, err
	}

	// A go-simplejson decode of the formatted account struct is attempted
	// for diagnostics only; its result is not used. The balance below is
	// built from the SDK's typed fields.
	raw, err := simplejson.NewJson([]byte(fmt.Sprintf("%+v", account)))
	if err != nil {
		b.logger.Debug("wallet balance payload not representable as json, using typed fields only")
	} else {
		_ = raw
	}

	wallet := WalletBalance{}
	totalEquity, _ := decimal.NewFromString(account.TotalMarginBalance)
	available, _ := decimal.NewFromString(account.AvailableBalance)
	wallet.TotalEquity, _ = totalEquity.Float64()
	wallet.TotalAvailableBalance, _ = available.Float64()

	for _, asset := range account.Assets {
		balance, _ := decimal.NewFromString(asset.WalletBalance)
		balanceFloat, _ := balance.Float64()
		wallet.Coins = append(wallet.Coins, WalletCoin{
			Coin:          asset.Asset,
			WalletBalance: balanceFloat,
			USDValue:      balanceFloat,
		})
	}

	return wallet, nil
}

func (b *BinanceClient) GetPositions(ctx context.Context, symbol string) ([]RawPosition, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, err
	}

	positions := make([]RawPosition, 0, len(risks))
	for _, r := range risks {
		size, _ := decimal.NewFromString(r.PositionAmt)
		sizeFloat, _ := size.Float64()
		if sizeFloat == 0 {
			continue
		}

		side := SideBuy
		if sizeFloat < 0 {
			side = SideSell
			sizeFloat = -sizeFloat
		}

		avgPrice, _ := decimal.NewFromString(r.EntryPrice)
		avgPriceFloat, _ := avgPrice.Float64()
		unrealized, _ := decimal.NewFromString(r.UnRealizedProfit)
		unrealizedFloat, _ := unrealized.Float64()
		leverage, _ := decimal.NewFromString(r.Leverage)
		leverageFloat, _ := leverage.Float64()

		positions = append(positions, RawPosition{
			Symbol:        r.Symbol,
			Side:          side,
			Size:          sizeFloat,
			AvgPrice:      avgPriceFloat,
			UnrealisedPnl: unrealizedFloat,
			Leverage:      leverageFloat,
		})
	}

	return positions, nil
}

func (b *BinanceClient) CreateOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	if err := req.Validate(); err != nil {
		return OrderResponse{}, err
	}

	side := futures.SideTypeBuy
	if req.Side == SideSell {
		side = futures.SideTypeSell
	}

	orderType := futures.OrderTypeMarket
	if req.OrderType == OrderTypeLimit {
		orderType = futures.OrderTypeLimit
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(orderType).
		Quantity(formatDecimal(req.Quantity)).
		ReduceOnly(req.ReduceOnly)

	if req.Price != nil {
		svc = svc.Price(formatDecimal(*req.Price)).TimeInForce(futures.TimeInForceTypeGTC)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return OrderResponse{
			RetCode: -1,
			RetMsg:  err.Error(),
		}, err
	}

	return OrderResponse{
		RetCode: 0,
		RetMsg:  "OK",
		Result: OrderResult{
			OrderID: strconv.FormatInt(order.OrderID, 10),
			Symbol:  order.Symbol,
			Side:    req.Side,
			Qty:     formatDecimal(req.Quantity),
			Status:  string(order.Status),
		},
	}, nil
}

func (b *BinanceClient) SetTradingStop(ctx context.Context, symbol string, stopLoss, takeProfit *float64) error {
	if stopLoss != nil {
		_, err := b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(futures.SideTypeSell).
			Type(futures.OrderTypeStopMarket).
			StopPrice(formatDecimal(*stopLoss)).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return err
		}
	}
	if takeProfit != nil {
		_, err := b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(futures.SideTypeSell).
			Type(futures.OrderTypeTakeProfitMarket).
			StopPrice(formatDecimal(*takeProfit)).
			ClosePosition(true).
			Do(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *BinanceClient) CancelAllOrders(ctx context.Context, symbol string) error {
	return b.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
}

func (b *BinanceClient) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	orders, err := b.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]OpenOrder, 0, len(orders))
	for _, o := range orders {
		side := SideBuy
		if o.Side == futures.SideTypeSell {
			side = SideSell
		}
		out = append(out, OpenOrder{
			OrderID: strconv.FormatInt(o.OrderID, 10),
			Symbol:  o.Symbol,
			Side:    side,
			Status:  string(o.Status),
		})
	}
	return out, nil
}

func (b *BinanceClient) GetOHLCV(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, Candle{
			Timestamp: k.OpenTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			Turnover:  parseFloat(k.QuoteAssetVolume),
		})
	}
	return out, nil
}

func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func parseFloat(s string) float64 {
	d, _ := decimal.NewFromString(s)
	f, _ := d.Float64()
	return f
}
