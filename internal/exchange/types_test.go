package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderRequestValidate(t *testing.T) {
	price := 50000.0

	assert.NoError(t, OrderRequest{Symbol: "BTCUSDT", OrderType: OrderTypeMarket, Quantity: 1}.Validate())
	assert.NoError(t, OrderRequest{Symbol: "BTCUSDT", OrderType: OrderTypeLimit, Quantity: 1, Price: &price}.Validate())
	assert.Error(t, OrderRequest{Symbol: "BTCUSDT", OrderType: OrderTypeMarket, Quantity: 0}.Validate())
	assert.Error(t, OrderRequest{Symbol: "BTCUSDT", OrderType: OrderTypeLimit, Quantity: 1}.Validate())
	assert.Error(t, OrderRequest{Symbol: "BTCUSDT", OrderType: OrderTypeMarket, Quantity: 1, Price: &price}.Validate())
	assert.Error(t, OrderRequest{OrderType: OrderTypeMarket, Quantity: 1}.Validate())
}

func TestOrderRequestFingerprintIsStableAndDiscriminating(t *testing.T) {
	price := 50000.0
	a := OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, OrderType: OrderTypeLimit, Quantity: 1, Price: &price, StrategyName: "trend"}
	b := a

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := a
	c.Quantity = 2
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	d := a
	d.StrategyName = "mean_reversion"
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}

func TestOrderResponseSuccess(t *testing.T) {
	assert.True(t, OrderResponse{RetCode: 0}.Success())
	assert.False(t, OrderResponse{RetCode: -1001}.Success())
}

func TestDefaultRetryableCodes(t *testing.T) {
	codes := DefaultRetryableCodes()
	assert.True(t, RetryableRetCode(-1001, codes))
	assert.True(t, RetryableRetCode(-1002, codes))
	assert.True(t, RetryableRetCode(-1020, codes))
	assert.False(t, RetryableRetCode(-9999, codes))
}

func TestMockClientCreateOrderAssignsIncrementingIDs(t *testing.T) {
	client := NewMockClient()
	ctx := context.Background()

	first, err := client.CreateOrder(ctx, OrderRequest{Symbol: "BTCUSDT", OrderType: OrderTypeMarket, Quantity: 1, Side: SideBuy})
	require.NoError(t, err)
	second, err := client.CreateOrder(ctx, OrderRequest{Symbol: "BTCUSDT", OrderType: OrderTypeMarket, Quantity: 1, Side: SideBuy})
	require.NoError(t, err)

	assert.Equal(t, "1", first.Result.OrderID)
	assert.Equal(t, "2", second.Result.OrderID)
	assert.Len(t, client.Created, 2)
}

func TestMockClientFailNextIsConsumedOnce(t *testing.T) {
	client := NewMockClient()
	client.FailNext = &OrderResponse{RetCode: -1001, RetMsg: "rate limited"}
	ctx := context.Background()

	_, err := client.CreateOrder(ctx, OrderRequest{Symbol: "BTCUSDT", OrderType: OrderTypeMarket, Quantity: 1, Side: SideBuy})
	require.Error(t, err)

	resp, err := client.CreateOrder(ctx, OrderRequest{Symbol: "BTCUSDT", OrderType: OrderTypeMarket, Quantity: 1, Side: SideBuy})
	require.NoError(t, err)
	assert.True(t, resp.Success())
}

func TestMockClientGetPositionsFiltersBySymbol(t *testing.T) {
	client := NewMockClient()
	client.Positions = []RawPosition{
		{Symbol: "BTCUSDT", Side: SideBuy, Size: 1},
		{Symbol: "ETHUSDT", Side: SideSell, Size: 2},
	}

	positions, err := client.GetPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
}
