// Package portfolio serves normalized holdings, positions, and orders
// through a TTL cache, and assembles portfolio snapshots. It is the single
// normalization boundary: no raw broker field name crosses it.
package portfolio

import "time"

// Holding is the canonical holdings row regardless of which field-naming
// variant the broker SDK produced. Derived values are always recomputed
// from quantity and prices, never trusted from the payload.
type Holding struct {
	Symbol           string  `json:"symbol"`
	Exchange         string  `json:"exchange"`
	ISIN             string  `json:"isin,omitempty"`
	Product          string  `json:"product,omitempty"`
	Quantity         float64 `json:"quantity"`
	AvgPrice         float64 `json:"avgPrice"`
	LastPrice        float64 `json:"lastPrice"`
	ClosePrice       float64 `json:"closePrice,omitempty"`
	InvestedValue    float64 `json:"investedValue"`
	CurrentValue     float64 `json:"currentValue"`
	PnL              float64 `json:"pnl"`
	PnLPercent       float64 `json:"pnlPercent"`
	DayChange        float64 `json:"dayChange"`
	DayChangePercent float64 `json:"dayChangePercent"`
}

// Position is the canonical open-position row.
type Position struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Product   string  `json:"product,omitempty"`
	Quantity  float64 `json:"quantity"`
	AvgPrice  float64 `json:"avgPrice"`
	LastPrice float64 `json:"lastPrice"`
	Value     float64 `json:"value"`
	PnL       float64 `json:"pnl"`
}

// Order is the canonical order row.
type Order struct {
	OrderID   string  `json:"orderId"`
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Side      string  `json:"side"`
	OrderType string  `json:"orderType,omitempty"`
	Product   string  `json:"product,omitempty"`
	Quantity  float64 `json:"quantity"`
	FilledQty float64 `json:"filledQty"`
	Price     float64 `json:"price"`
	AvgPrice  float64 `json:"avgPrice"`
	Status    string  `json:"status"`
	PlacedAt  string  `json:"placedAt,omitempty"`
}

// Margins is the canonical account-margin view.
type Margins struct {
	AvailableCash float64 `json:"availableCash"`
	UsedMargin    float64 `json:"usedMargin"`
	Net           float64 `json:"net"`
}

// Summary aggregates the snapshot, computed strictly from the just-fetched
// values — older cached numbers never leak in.
type Summary struct {
	CurrentValue    float64 `json:"currentValue"`
	InvestedValue   float64 `json:"investedValue"`
	DayPnL          float64 `json:"dayPnl"`
	DayPnLPercent   float64 `json:"dayPnlPercent"`
	TotalPnL        float64 `json:"totalPnl"`
	TotalPnLPercent float64 `json:"totalPnlPercent"`
	HoldingsCount   int     `json:"holdingsCount"`
	PositionsCount  int     `json:"positionsCount"`
	OrdersCount     int     `json:"ordersCount"`
}

// Snapshot is the assembled portfolio view for one connection.
type Snapshot struct {
	ConnectionID string     `json:"connectionId"`
	Holdings     []Holding  `json:"holdings"`
	Positions    []Position `json:"positions"`
	Orders       []Order    `json:"orders"`
	Margins      *Margins   `json:"margins,omitempty"`
	Summary      Summary    `json:"summary"`
	Notes        []string   `json:"notes,omitempty"`
	FetchedAt    time.Time  `json:"fetchedAt"`
}
