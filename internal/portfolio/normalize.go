package portfolio

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// The broker SDK has shipped both snake_case and camelCase payloads over
// the years. Each canonical field lists every variant seen in the wild;
// the first present key wins.
var (
	symbolKeys    = []string{"tradingsymbol", "tradingSymbol", "symbol"}
	quantityKeys  = []string{"quantity", "qty", "net_quantity", "netQuantity"}
	avgPriceKeys  = []string{"average_price", "averagePrice", "avg_price", "avgPrice"}
	lastPriceKeys = []string{"last_price", "lastPrice", "ltp"}
	closeKeys     = []string{"close_price", "closePrice", "close"}
)

// NormalizeHoldings collapses a raw holdings payload into canonical rows.
// currentValue/pnl are recomputed from quantity and prices even when the
// payload carries its own numbers.
func NormalizeHoldings(raw json.RawMessage) []Holding {
	items := gjson.GetBytes(raw, "@this")
	out := make([]Holding, 0)
	items.ForEach(func(_, item gjson.Result) bool {
		qty := pickNumber(item, quantityKeys...)
		avg := pickNumber(item, avgPriceKeys...)
		last := pickNumber(item, lastPriceKeys...)
		closePrice := pickNumber(item, closeKeys...)

		h := Holding{
			Symbol:     pickString(item, symbolKeys...),
			Exchange:   item.Get("exchange").String(),
			ISIN:       item.Get("isin").String(),
			Product:    item.Get("product").String(),
			Quantity:   qty,
			AvgPrice:   avg,
			LastPrice:  last,
			ClosePrice: closePrice,
		}
		dQty := decimal.NewFromFloat(qty)
		invested := dQty.Mul(decimal.NewFromFloat(avg))
		current := dQty.Mul(decimal.NewFromFloat(last))
		pnl := current.Sub(invested)

		h.InvestedValue = f(invested)
		h.CurrentValue = f(current)
		h.PnL = f(pnl)
		h.PnLPercent = f(percentOf(pnl, invested))
		if closePrice > 0 {
			dayChange := dQty.Mul(decimal.NewFromFloat(last).Sub(decimal.NewFromFloat(closePrice)))
			h.DayChange = f(dayChange)
			h.DayChangePercent = f(percentOf(
				decimal.NewFromFloat(last).Sub(decimal.NewFromFloat(closePrice)),
				decimal.NewFromFloat(closePrice),
			))
		}
		out = append(out, h)
		return true
	})
	return out
}

// NormalizePositions accepts either a bare array or the broker's
// {"net": [...], "day": [...]} envelope, using the net leg.
func NormalizePositions(raw json.RawMessage) []Position {
	items := gjson.GetBytes(raw, "@this")
	if items.IsObject() {
		items = gjson.GetBytes(raw, "net")
	}
	out := make([]Position, 0)
	items.ForEach(func(_, item gjson.Result) bool {
		qty := pickNumber(item, quantityKeys...)
		avg := pickNumber(item, avgPriceKeys...)
		last := pickNumber(item, lastPriceKeys...)

		dQty := decimal.NewFromFloat(qty)
		value := dQty.Mul(decimal.NewFromFloat(last))
		pnl := value.Sub(dQty.Mul(decimal.NewFromFloat(avg)))

		out = append(out, Position{
			Symbol:    pickString(item, symbolKeys...),
			Exchange:  item.Get("exchange").String(),
			Product:   item.Get("product").String(),
			Quantity:  qty,
			AvgPrice:  avg,
			LastPrice: last,
			Value:     f(value),
			PnL:       f(pnl),
		})
		return true
	})
	return out
}

// NormalizeOrders collapses a raw orders payload into canonical rows.
func NormalizeOrders(raw json.RawMessage) []Order {
	items := gjson.GetBytes(raw, "@this")
	out := make([]Order, 0)
	items.ForEach(func(_, item gjson.Result) bool {
		out = append(out, Order{
			OrderID:   pickString(item, "order_id", "orderId", "id"),
			Symbol:    pickString(item, symbolKeys...),
			Exchange:  item.Get("exchange").String(),
			Side:      pickString(item, "transaction_type", "transactionType", "side"),
			OrderType: pickString(item, "order_type", "orderType"),
			Product:   item.Get("product").String(),
			Quantity:  pickNumber(item, quantityKeys...),
			FilledQty: pickNumber(item, "filled_quantity", "filledQuantity", "filledQty"),
			Price:     item.Get("price").Float(),
			AvgPrice:  pickNumber(item, avgPriceKeys...),
			Status:    item.Get("status").String(),
			PlacedAt:  pickString(item, "order_timestamp", "orderTimestamp", "placedAt"),
		})
		return true
	})
	return out
}

// NormalizeMargins extracts the equity segment's cash figures.
func NormalizeMargins(raw json.RawMessage) *Margins {
	root := gjson.GetBytes(raw, "@this")
	segment := root
	if eq := root.Get("equity"); eq.Exists() {
		segment = eq
	}
	available := segment.Get("available.cash")
	if !available.Exists() {
		available = segment.Get("availableCash")
	}
	used := segment.Get("utilised.debits")
	if !used.Exists() {
		used = segment.Get("usedMargin")
	}
	return &Margins{
		AvailableCash: available.Float(),
		UsedMargin:    used.Float(),
		Net:           segment.Get("net").Float(),
	}
}

func pickNumber(item gjson.Result, keys ...string) float64 {
	for _, key := range keys {
		if v := item.Get(key); v.Exists() {
			return v.Float()
		}
	}
	return 0
}

func pickString(item gjson.Result, keys ...string) string {
	for _, key := range keys {
		if v := item.Get(key); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(decimal.NewFromInt(100)).Round(4)
}

func f(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}
