package orderbook

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/yesno/market-engine/internal/model"
)

// priceKey renders a price so that lexical order is numeric order for every
// price in [0, 1).
func priceKey(p decimal.Decimal) string {
	return p.StringFixed(8)
}

// GetOrderBook aggregates the resting orders of (market, side) into price
// levels. Orders mirrored from the chain are included.
func (b *Book) GetOrderBook(ctx context.Context, marketID string, side model.Side) (*model.OrderBookSnapshot, error) {
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	m, err := b.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	orders, err := b.store.ListRestingOrders(ctx, marketID, side)
	if err != nil {
		return nil, err
	}
	return Aggregate(m, side, orders), nil
}

// Aggregate builds a snapshot from resting orders. Bids are sorted by
// descending price and asks by ascending price. The mid price falls back to
// the one populated side, then to the AMM price.
func Aggregate(m *model.Market, side model.Side, orders []model.OpenOrder) *model.OrderBookSnapshot {
	bids := btree.NewMap[string, *model.OrderBookLevel](32)
	asks := btree.NewMap[string, *model.OrderBookLevel](32)

	for _, o := range orders {
		if !o.Resting() {
			continue
		}
		book := asks
		if o.OrderSide == model.OrderSideBuy {
			book = bids
		}
		key := priceKey(o.Price)
		level, ok := book.Get(key)
		if !ok {
			level = &model.OrderBookLevel{Price: o.Price}
			book.Set(key, level)
		}
		level.Amount = level.Amount.Add(o.Remaining())
		level.Orders++
	}

	snap := &model.OrderBookSnapshot{
		MarketID: m.ID,
		Side:     side,
		Bids:     []model.OrderBookLevel{},
		Asks:     []model.OrderBookLevel{},
	}
	bids.Reverse(func(_ string, level *model.OrderBookLevel) bool {
		snap.Bids = append(snap.Bids, *level)
		return true
	})
	asks.Scan(func(_ string, level *model.OrderBookLevel) bool {
		snap.Asks = append(snap.Asks, *level)
		return true
	})

	two := decimal.NewFromInt(2)
	switch {
	case len(snap.Bids) > 0 && len(snap.Asks) > 0:
		bestBid, bestAsk := snap.Bids[0].Price, snap.Asks[0].Price
		spread := bestAsk.Sub(bestBid)
		snap.Spread = &spread
		snap.MidPrice = bestBid.Add(bestAsk).Div(two)
	case len(snap.Bids) > 0:
		snap.MidPrice = snap.Bids[0].Price
	case len(snap.Asks) > 0:
		snap.MidPrice = snap.Asks[0].Price
	default:
		snap.MidPrice = m.Price(side)
	}
	return snap
}
