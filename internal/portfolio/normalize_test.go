package portfolio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHoldingsComputesDerivedValues(t *testing.T) {
	raw := json.RawMessage(`[{
		"tradingsymbol": "TCS",
		"exchange": "NSE",
		"isin": "INE467B01029",
		"quantity": 10,
		"average_price": 100,
		"last_price": 120,
		"close_price": 110,
		"pnl": -9999
	}]`)

	holdings := NormalizeHoldings(raw)
	require.Len(t, holdings, 1)
	h := holdings[0]
	assert.Equal(t, "TCS", h.Symbol)
	assert.Equal(t, "NSE", h.Exchange)
	assert.Equal(t, 1000.0, h.InvestedValue)
	assert.Equal(t, 1200.0, h.CurrentValue)
	assert.Equal(t, 200.0, h.PnL, "pnl is recomputed, not taken from the payload")
	assert.InDelta(t, 20.0, h.PnLPercent, 0.001)
	assert.Equal(t, 100.0, h.DayChange)
	assert.InDelta(t, 9.0909, h.DayChangePercent, 0.001)
}

func TestNormalizeHoldingsAcceptsCamelCaseVariant(t *testing.T) {
	raw := json.RawMessage(`[{
		"tradingSymbol": "INFY",
		"qty": 5,
		"avgPrice": 200,
		"lastPrice": 180
	}]`)

	holdings := NormalizeHoldings(raw)
	require.Len(t, holdings, 1)
	h := holdings[0]
	assert.Equal(t, "INFY", h.Symbol)
	assert.Equal(t, 5.0, h.Quantity)
	assert.Equal(t, 1000.0, h.InvestedValue)
	assert.Equal(t, 900.0, h.CurrentValue)
	assert.Equal(t, -100.0, h.PnL)
	assert.Zero(t, h.DayChange, "no close price means no day change")
}

func TestNormalizeHoldingsEmptyPayload(t *testing.T) {
	holdings := NormalizeHoldings(json.RawMessage(`[]`))
	assert.NotNil(t, holdings)
	assert.Empty(t, holdings)
}

func TestNormalizePositionsUnwrapsNetEnvelope(t *testing.T) {
	raw := json.RawMessage(`{
		"net": [{"tradingsymbol":"NIFTY24JUNFUT","quantity":-2,"average_price":50,"last_price":45}],
		"day": [{"tradingsymbol":"IGNORED","quantity":1,"average_price":1,"last_price":1}]
	}`)

	positions := NormalizePositions(raw)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, "NIFTY24JUNFUT", p.Symbol)
	assert.Equal(t, -2.0, p.Quantity)
	assert.Equal(t, -90.0, p.Value)
	// short position gaining: sold at 50, now 45
	assert.Equal(t, 10.0, p.PnL)
}

func TestNormalizePositionsBareArray(t *testing.T) {
	raw := json.RawMessage(`[{"symbol":"SBIN","netQuantity":3,"averagePrice":10,"ltp":12}]`)

	positions := NormalizePositions(raw)
	require.Len(t, positions, 1)
	assert.Equal(t, "SBIN", positions[0].Symbol)
	assert.Equal(t, 3.0, positions[0].Quantity)
	assert.Equal(t, 6.0, positions[0].PnL)
}

func TestNormalizeOrdersFieldVariants(t *testing.T) {
	raw := json.RawMessage(`[
		{"order_id":"a1","tradingsymbol":"TCS","transaction_type":"BUY","order_type":"LIMIT","quantity":10,"filled_quantity":4,"price":99.5,"status":"OPEN","order_timestamp":"2025-06-02 09:20:00"},
		{"orderId":"b2","symbol":"INFY","side":"SELL","orderType":"MARKET","qty":2,"filledQty":2,"status":"COMPLETE"}
	]`)

	orders := NormalizeOrders(raw)
	require.Len(t, orders, 2)
	assert.Equal(t, "a1", orders[0].OrderID)
	assert.Equal(t, "BUY", orders[0].Side)
	assert.Equal(t, 4.0, orders[0].FilledQty)
	assert.Equal(t, "b2", orders[1].OrderID)
	assert.Equal(t, "SELL", orders[1].Side)
	assert.Equal(t, "COMPLETE", orders[1].Status)
}

func TestNormalizeMarginsEquitySegment(t *testing.T) {
	raw := json.RawMessage(`{
		"equity": {
			"net": 99725.05,
			"available": {"cash": 100000},
			"utilised": {"debits": 274.95}
		},
		"commodity": {"net": 0}
	}`)

	m := NormalizeMargins(raw)
	require.NotNil(t, m)
	assert.Equal(t, 100000.0, m.AvailableCash)
	assert.Equal(t, 274.95, m.UsedMargin)
	assert.Equal(t, 99725.05, m.Net)
}

func TestNormalizeMarginsFlatVariant(t *testing.T) {
	raw := json.RawMessage(`{"availableCash": 5000, "usedMargin": 1200, "net": 3800}`)

	m := NormalizeMargins(raw)
	require.NotNil(t, m)
	assert.Equal(t, 5000.0, m.AvailableCash)
	assert.Equal(t, 1200.0, m.UsedMargin)
	assert.Equal(t, 3800.0, m.Net)
}
