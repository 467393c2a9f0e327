package portfolio

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"quantumleap/internal/logger"
)

// BuildSnapshot assembles a full portfolio view for one connection.
// Holdings and positions are required and any failure fails the call;
// orders and margins are best effort and degrade into an empty section
// plus a note.
func (c *Cache) BuildSnapshot(ctx context.Context, connectionID string, bypass bool) (*Snapshot, error) {
	holdings, _, err := c.Holdings(ctx, connectionID, bypass)
	if err != nil {
		return nil, fmt.Errorf("fetching holdings: %w", err)
	}
	positions, _, err := c.Positions(ctx, connectionID, bypass)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	snap := &Snapshot{
		ConnectionID: connectionID,
		Holdings:     holdings,
		Positions:    positions,
		Orders:       make([]Order, 0),
		FetchedAt:    c.nowFn(),
	}

	orders, _, err := c.Orders(ctx, connectionID, bypass)
	if err != nil {
		logger.Warnf("portfolio: orders unavailable for %s: %v", connectionID, err)
		snap.Notes = append(snap.Notes, "orders unavailable")
	} else {
		snap.Orders = orders
	}
	margins, _, err := c.MarginsFor(ctx, connectionID, bypass)
	if err != nil {
		logger.Warnf("portfolio: margins unavailable for %s: %v", connectionID, err)
		snap.Notes = append(snap.Notes, "margins unavailable")
	} else {
		snap.Margins = margins
	}

	snap.Summary = summarize(snap)
	return snap, nil
}

// summarize aggregates only the rows inside this snapshot.
func summarize(snap *Snapshot) Summary {
	var invested, current, dayPnL, closeBase decimal.Decimal
	for _, h := range snap.Holdings {
		invested = invested.Add(decimal.NewFromFloat(h.InvestedValue))
		current = current.Add(decimal.NewFromFloat(h.CurrentValue))
		dayPnL = dayPnL.Add(decimal.NewFromFloat(h.DayChange))
		closeBase = closeBase.Add(decimal.NewFromFloat(h.ClosePrice).Mul(decimal.NewFromFloat(h.Quantity)))
	}
	totalPnL := current.Sub(invested)
	return Summary{
		CurrentValue:    f(current),
		InvestedValue:   f(invested),
		DayPnL:          f(dayPnL),
		DayPnLPercent:   f(percentOf(dayPnL, closeBase)),
		TotalPnL:        f(totalPnL),
		TotalPnLPercent: f(percentOf(totalPnL, invested)),
		HoldingsCount:   len(snap.Holdings),
		PositionsCount:  len(snap.Positions),
		OrdersCount:     len(snap.Orders),
	}
}
