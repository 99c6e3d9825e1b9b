// Package reconciler fills resting limit orders whose limit the AMM price has
// crossed. It runs after every pool-moving event and on a periodic sweep as a
// safety net against missed triggers.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yesno/market-engine/internal/ledger"
	"github.com/yesno/market-engine/internal/metrics"
	"github.com/yesno/market-engine/internal/model"
	"github.com/yesno/market-engine/internal/notify"
	"github.com/yesno/market-engine/internal/orderbook"
	"github.com/yesno/market-engine/internal/store"
)

const (
	// DefaultBatchSize caps the candidates considered per market per pass.
	DefaultBatchSize = 10

	// DefaultSweepInterval is how often Run sweeps every market.
	DefaultSweepInterval = 30 * time.Second
)

// Reconciler fills crossed limit orders through the AMM.
type Reconciler struct {
	store    store.Store
	fees     ledger.Fees
	notifier notify.Notifier
	batch    int
}

// New creates a reconciler.
func New(st store.Store, fees ledger.Fees, n notify.Notifier) *Reconciler {
	return &Reconciler{store: st, fees: fees, notifier: n, batch: DefaultBatchSize}
}

type filled struct {
	order  *model.OpenOrder
	row    *model.Order
	market *model.Market
}

// MatchLimitOrders fills up to the batch size of crossed orders on one
// market, oldest first. Each order is filled in its own transaction; one
// failing order is logged and does not stop the others. Returns the number
// of orders filled.
func (r *Reconciler) MatchLimitOrders(ctx context.Context, marketID string) (int, error) {
	m, err := r.store.GetMarket(ctx, marketID)
	if err != nil {
		return 0, err
	}
	if m.Status != model.MarketActive {
		return 0, nil
	}

	candidates, err := r.store.ListCrossedOrders(ctx, marketID, m.YesPrice, m.NoPrice, r.batch)
	if err != nil {
		return 0, fmt.Errorf("list crossed orders: %w", err)
	}

	var last *model.Market
	sides := map[model.Side]bool{}
	n := 0
	for _, c := range candidates {
		f, err := r.fillOrder(ctx, marketID, c.ID)
		if err != nil {
			metrics.ReconcilerFills.WithLabelValues("failed").Inc()
			slog.Warn("limit order fill failed", "order_id", c.ID, "market", marketID, "err", err)
			continue
		}
		if f == nil {
			metrics.ReconcilerFills.WithLabelValues("skipped").Inc()
			continue
		}

		n++
		last = f.market
		sides[f.order.Side] = true
		metrics.ReconcilerFills.WithLabelValues("filled").Inc()
		slog.Info("limit order filled by pool",
			"order_id", f.order.ID,
			"user", f.order.UserID,
			"market", marketID,
			"side", f.order.Side,
			"order_side", f.order.OrderSide,
			"limit", f.order.Price.String(),
			"shares", f.row.Shares.String(),
			"amount", f.row.Amount.String(),
		)
		r.notifier.BroadcastNewTrade(ctx, f.row)
	}

	if last != nil {
		r.notifier.BroadcastPriceUpdate(ctx, marketID, last.YesPrice, last.NoPrice)
		for side := range sides {
			r.broadcastBook(ctx, last, side)
		}
	}
	return n, nil
}

// fillOrder re-checks one candidate under the market lock and fills it
// through the pool with the funds or shares it reserved. Returns nil when
// the order no longer qualifies.
func (r *Reconciler) fillOrder(ctx context.Context, marketID, orderID string) (*filled, error) {
	var out *filled
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status != model.MarketActive {
			return nil
		}
		o, err := tx.LockOpenOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.Resting() || o.OnChainOrderID != nil {
			return nil
		}
		// The price may have moved back since the candidate was listed.
		if !store.Crossed(o, m.Price(o.Side)) {
			return nil
		}

		bal, err := tx.LockBalance(ctx, o.UserID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		var fill *ledger.Fill
		if o.OrderSide == model.OrderSideBuy {
			fill, err = ledger.Buy(m, o.Side, o.Remaining().Mul(o.Price), r.fees)
			if err != nil {
				return err
			}
			ledger.SpendLocked(bal, fill.Amount)
			if _, err := ledger.CreditPosition(ctx, tx, o.UserID, m.ID, o.Side, fill.Shares, fill.Price); err != nil {
				return err
			}
		} else {
			fill, err = ledger.Sell(m, o.Side, o.Remaining(), r.fees)
			if err != nil {
				return err
			}
			bal.Available = bal.Available.Add(fill.Amount)
		}

		if err := ledger.CommitPool(ctx, tx, m, o.UserID, fill, now); err != nil {
			return err
		}
		row, err := ledger.RecordFill(ctx, tx, o.UserID, m.ID, o.Side, model.TradeLimit, fill.Amount, fill.Shares, fill.Price, "", now)
		if err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, bal); err != nil {
			return err
		}

		o.Filled = o.Amount
		o.Status = model.OrderFilled
		if err := tx.UpdateOpenOrder(ctx, o); err != nil {
			return err
		}

		out = &filled{order: o, row: row, market: m}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MatchAllLimitOrders runs MatchLimitOrders on every active market with
// resting orders. Per-market failures are logged and skipped.
func (r *Reconciler) MatchAllLimitOrders(ctx context.Context) (int, error) {
	ids, err := r.store.ListMarketsWithOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list markets with open orders: %w", err)
	}
	total := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := r.MatchLimitOrders(ctx, id)
		if err != nil {
			slog.Warn("limit order sweep failed", "market", id, "err", err)
			continue
		}
		total += n
	}
	return total, nil
}

// Run sweeps every market on interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("limit order sweep started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.MatchAllLimitOrders(ctx)
			if err != nil {
				slog.Warn("limit order sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("limit order sweep filled orders", "count", n)
			}
		}
	}
}

func (r *Reconciler) broadcastBook(ctx context.Context, m *model.Market, side model.Side) {
	orders, err := r.store.ListRestingOrders(ctx, m.ID, side)
	if err != nil {
		slog.Debug("order book snapshot failed", "market", m.ID, "err", err)
		return
	}
	r.notifier.BroadcastOrderBookUpdate(ctx, m.ID, side, orderbook.Aggregate(m, side, orders))
}
