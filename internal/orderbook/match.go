package orderbook

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/amm"
	"github.com/yesno/market-engine/internal/ledger"
	"github.com/yesno/market-engine/internal/model"
	"github.com/yesno/market-engine/internal/store"
)

// match is one planned fill against a resting maker order.
type match struct {
	order model.OpenOrder
	qty   decimal.Decimal
}

// planShares walks makers (already in price-time priority) until amount
// shares are covered. A taker never matches its own orders.
func planShares(makers []model.OpenOrder, takerID string, amount decimal.Decimal) []match {
	var plan []match
	left := amount
	for _, o := range makers {
		if !left.IsPositive() {
			break
		}
		if o.UserID == takerID {
			continue
		}
		qty := decimal.Min(o.Remaining(), left)
		if !qty.IsPositive() {
			continue
		}
		plan = append(plan, match{order: o, qty: qty})
		left = left.Sub(qty)
	}
	return plan
}

// planBudget walks resting sells until budget USDT is spent.
func planBudget(makers []model.OpenOrder, takerID string, budget decimal.Decimal) []match {
	var plan []match
	left := budget
	for _, o := range makers {
		if o.UserID == takerID {
			continue
		}
		affordable := left.Div(o.Price).Truncate(amm.ShareScale)
		qty := decimal.Min(o.Remaining(), affordable)
		if !qty.IsPositive() {
			break
		}
		plan = append(plan, match{order: o, qty: qty})
		left = left.Sub(qty.Mul(o.Price))
	}
	return plan
}

func participants(takerID string, plan []match) []string {
	ids := []string{takerID}
	for _, m := range plan {
		ids = append(ids, m.order.UserID)
	}
	return ids
}

// applyMatches executes plan at each maker's price. The taker's funds for a
// buy must already sit in balances[taker].Locked; a seller's shares must
// already be debited.
func (b *Book) applyMatches(ctx context.Context, tx store.Tx, takerID string, side model.Side, takerSide model.OrderSide, takerType string, plan []match, balances map[string]*model.Balance, res *Result, now time.Time) error {
	for _, mt := range plan {
		o := mt.order
		cost := mt.qty.Mul(o.Price)
		taker, maker := balances[takerID], balances[o.UserID]

		if takerSide == model.OrderSideBuy {
			ledger.SpendLocked(taker, cost)
			if _, err := ledger.CreditPosition(ctx, tx, takerID, o.MarketID, side, mt.qty, o.Price); err != nil {
				return err
			}
			maker.Available = maker.Available.Add(cost)
		} else {
			taker.Available = taker.Available.Add(cost)
			ledger.SpendLocked(maker, cost)
			if _, err := ledger.CreditPosition(ctx, tx, o.UserID, o.MarketID, side, mt.qty, o.Price); err != nil {
				return err
			}
		}

		o.Filled = o.Filled.Add(mt.qty)
		o.Status = orderStatus(o.Amount, o.Filled)
		if err := tx.UpdateOpenOrder(ctx, &o); err != nil {
			return err
		}

		takerRow, err := ledger.RecordFill(ctx, tx, takerID, o.MarketID, side, takerType, cost, mt.qty, o.Price, "", now)
		if err != nil {
			return err
		}
		makerRow, err := ledger.RecordFill(ctx, tx, o.UserID, o.MarketID, side, model.TradeLimit, cost, mt.qty, o.Price, "", now)
		if err != nil {
			return err
		}

		res.Fills = append(res.Fills, takerRow)
		res.makerFills = append(res.makerFills, makerRow)
		res.Shares = res.Shares.Add(mt.qty)
		res.Amount = res.Amount.Add(cost)
	}
	return nil
}
