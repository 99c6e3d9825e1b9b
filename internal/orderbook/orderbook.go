// Package orderbook matches resting limit orders on each (market, side) book
// in price-time priority. Fills happen at the maker's price and carry no fee;
// the remainder of a market order is routed through the AMM exactly like a
// direct trade.
//
// Every operation is one transaction that locks the market row first, then
// every participant's balance in user id order, then positions.
package orderbook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/ledger"
	"github.com/yesno/market-engine/internal/metrics"
	"github.com/yesno/market-engine/internal/model"
	"github.com/yesno/market-engine/internal/notify"
	"github.com/yesno/market-engine/internal/risk"
	"github.com/yesno/market-engine/internal/store"
)

var (
	ErrInvalidPrice     = apperr.New(apperr.Validation, "price must be between 0.01 and 0.99")
	ErrInvalidAmount    = apperr.New(apperr.Validation, "amount must be positive")
	ErrInvalidSide      = apperr.New(apperr.Validation, "side must be yes or no")
	ErrInvalidOrderSide = apperr.New(apperr.Validation, "order side must be buy or sell")
	ErrOrderNotFound    = apperr.New(apperr.NotFound, "order not found")
	ErrNotOwner         = apperr.New(apperr.State, "order belongs to another user")
	ErrOrderClosed      = apperr.New(apperr.State, "order is no longer open")
	ErrOnChainOrder     = apperr.New(apperr.State, "order is managed on chain")
)

var (
	MinPrice = decimal.New(1, -2)
	MaxPrice = decimal.New(99, -2)
)

// Reconciler fills resting orders crossed by a pool price move.
type Reconciler interface {
	MatchLimitOrders(ctx context.Context, marketID string) (int, error)
}

// Book is the order book service.
type Book struct {
	store      store.Store
	fees       ledger.Fees
	limiter    *risk.PositionLimiter
	reconciler Reconciler
	notifier   notify.Notifier
}

// New creates an order book. limiter and reconciler may be nil.
func New(st store.Store, fees ledger.Fees, limiter *risk.PositionLimiter, rec Reconciler, n notify.Notifier) *Book {
	return &Book{store: st, fees: fees, limiter: limiter, reconciler: rec, notifier: n}
}

// LimitOrderRequest places a limit order.
type LimitOrderRequest struct {
	UserID    string          `json:"-"`
	MarketID  string          `json:"market_id"`
	Side      model.Side      `json:"side"`
	OrderSide model.OrderSide `json:"order_side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"` // shares
}

// MarketOrderRequest places a market order. Amount is a USDT budget for a
// buy and a share count for a sell.
type MarketOrderRequest struct {
	UserID    string          `json:"-"`
	MarketID  string          `json:"market_id"`
	Side      model.Side      `json:"side"`
	OrderSide model.OrderSide `json:"order_side"`
	Amount    decimal.Decimal `json:"amount"`
}

// Result describes what an order did.
type Result struct {
	// Order is the stored limit order; nil for market orders.
	Order *model.OpenOrder `json:"order,omitempty"`
	// Fills are the taker's fill rows, book fills first.
	Fills []*model.Order `json:"fills"`
	// Shares is the total number of shares the taker traded.
	Shares decimal.Decimal `json:"shares"`
	// Amount is the USDT the taker paid (buy) or received (sell).
	Amount decimal.Decimal `json:"amount"`
	// Pool is the AMM leg of a market order, if any.
	Pool *ledger.Fill `json:"pool,omitempty"`

	makerFills []*model.Order
	market     *model.Market
}

func validateSides(side model.Side, orderSide model.OrderSide) error {
	if !side.Valid() {
		return ErrInvalidSide
	}
	if !orderSide.Valid() {
		return ErrInvalidOrderSide
	}
	return nil
}

// PlaceLimitOrder locks the order's funds (buy) or shares (sell), fills it
// against the opposite resting orders at their prices, and rests the rest.
func (b *Book) PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (*Result, error) {
	if err := validateSides(req.Side, req.OrderSide); err != nil {
		return nil, err
	}
	if req.Price.LessThan(MinPrice) || req.Price.GreaterThan(MaxPrice) {
		return nil, ErrInvalidPrice
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	var res *Result
	err := b.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = b.placeLimit(ctx, tx, req, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.LimitOrders.WithLabelValues("placed").Inc()
	slog.Info("limit order placed",
		"order_id", res.Order.ID,
		"user", req.UserID,
		"market", req.MarketID,
		"side", req.Side,
		"order_side", req.OrderSide,
		"price", req.Price.String(),
		"amount", req.Amount.String(),
		"filled", res.Shares.String(),
		"status", res.Order.Status,
	)
	b.afterCommit(ctx, req.MarketID, req.Side, res)
	return res, nil
}

func (b *Book) placeLimit(ctx context.Context, tx store.Tx, req LimitOrderRequest, now time.Time) (*Result, error) {
	m, err := tx.LockMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckTradable(m, now); err != nil {
		return nil, err
	}

	makers, err := tx.LockMatchableOrders(ctx, m.ID, req.Side, opposite(req.OrderSide), &req.Price)
	if err != nil {
		return nil, err
	}
	plan := planShares(makers, req.UserID, req.Amount)

	balances, err := ledger.LockBalances(ctx, tx, participants(req.UserID, plan)...)
	if err != nil {
		return nil, err
	}
	taker := balances[req.UserID]

	reservedCost := decimal.Zero
	if req.OrderSide == model.OrderSideBuy {
		exposures, err := b.exposures(ctx, tx, req.UserID)
		if err != nil {
			return nil, err
		}
		if err := b.checkLimit(m.ID, req.Amount, exposures); err != nil {
			return nil, err
		}
		if err := ledger.Lock(taker, req.Amount.Mul(req.Price)); err != nil {
			return nil, err
		}
	} else {
		p, err := ledger.DebitPosition(ctx, tx, req.UserID, m.ID, req.Side, req.Amount)
		if err != nil {
			return nil, err
		}
		reservedCost = p.AvgCost
	}

	res := &Result{market: m}
	if err := b.applyMatches(ctx, tx, req.UserID, req.Side, req.OrderSide, model.TradeLimit, plan, balances, res, now); err != nil {
		return nil, err
	}

	remaining := req.Amount.Sub(res.Shares)
	if req.OrderSide == model.OrderSideBuy {
		// Fills at better-than-limit prices leave excess locked.
		excess := req.Amount.Mul(req.Price).Sub(res.Amount).Sub(remaining.Mul(req.Price))
		if excess.IsPositive() {
			ledger.Release(taker, excess)
		}
	}

	order := &model.OpenOrder{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		MarketID:     m.ID,
		Side:         req.Side,
		OrderSide:    req.OrderSide,
		Price:        req.Price,
		Amount:       req.Amount,
		Filled:       res.Shares,
		Status:       orderStatus(req.Amount, res.Shares),
		ReservedCost: reservedCost,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.InsertOpenOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("insert open order: %w", err)
	}
	res.Order = order

	if err := ledger.SaveBalances(ctx, tx, balances); err != nil {
		return nil, err
	}
	return res, nil
}

// PlaceMarketOrder sweeps the opposite book from the best price outward and
// routes whatever is left through the AMM, so the order always fills in full.
func (b *Book) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*Result, error) {
	if err := validateSides(req.Side, req.OrderSide); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var res *Result
	err := b.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = b.placeMarket(ctx, tx, req, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.LimitOrders.WithLabelValues("market").Inc()
	slog.Info("market order executed",
		"user", req.UserID,
		"market", req.MarketID,
		"side", req.Side,
		"order_side", req.OrderSide,
		"shares", res.Shares.String(),
		"amount", res.Amount.String(),
		"pool_leg", res.Pool != nil,
	)
	b.afterCommit(ctx, req.MarketID, req.Side, res)
	return res, nil
}

func (b *Book) placeMarket(ctx context.Context, tx store.Tx, req MarketOrderRequest, now time.Time) (*Result, error) {
	m, err := tx.LockMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckTradable(m, now); err != nil {
		return nil, err
	}

	makers, err := tx.LockMatchableOrders(ctx, m.ID, req.Side, opposite(req.OrderSide), nil)
	if err != nil {
		return nil, err
	}
	var plan []match
	if req.OrderSide == model.OrderSideBuy {
		plan = planBudget(makers, req.UserID, req.Amount)
	} else {
		plan = planShares(makers, req.UserID, req.Amount)
	}

	balances, err := ledger.LockBalances(ctx, tx, participants(req.UserID, plan)...)
	if err != nil {
		return nil, err
	}
	taker := balances[req.UserID]

	reservedCost := decimal.Zero
	var exposures map[string]decimal.Decimal
	if req.OrderSide == model.OrderSideBuy {
		if exposures, err = b.exposures(ctx, tx, req.UserID); err != nil {
			return nil, err
		}
		if err := ledger.Debit(taker, req.Amount); err != nil {
			return nil, err
		}
		// Book fills spend from locked funds like a resting buy would.
		taker.Locked = taker.Locked.Add(req.Amount)
	} else {
		p, err := ledger.DebitPosition(ctx, tx, req.UserID, m.ID, req.Side, req.Amount)
		if err != nil {
			return nil, err
		}
		reservedCost = p.AvgCost
	}

	res := &Result{market: m}
	if err := b.applyMatches(ctx, tx, req.UserID, req.Side, req.OrderSide, model.TradeMarket, plan, balances, res, now); err != nil {
		return nil, err
	}

	if req.OrderSide == model.OrderSideBuy {
		left := req.Amount.Sub(res.Amount)
		taker.Locked = taker.Locked.Sub(left)
		if left.GreaterThanOrEqual(model.DustShares) {
			fill, err := ledger.Buy(m, req.Side, left, b.fees)
			if err != nil {
				return nil, err
			}
			if err := b.recordPoolLeg(ctx, tx, req.UserID, m, fill, res, now); err != nil {
				return nil, err
			}
			if _, err := ledger.CreditPosition(ctx, tx, req.UserID, m.ID, req.Side, fill.Shares, fill.Price); err != nil {
				return nil, err
			}
		} else {
			taker.Available = taker.Available.Add(left)
		}
		if err := b.checkLimit(m.ID, res.Shares, exposures); err != nil {
			return nil, err
		}
	} else {
		left := req.Amount.Sub(res.Shares)
		if left.GreaterThanOrEqual(model.DustShares) {
			fill, err := ledger.Sell(m, req.Side, left, b.fees)
			if err != nil {
				return nil, err
			}
			if err := b.recordPoolLeg(ctx, tx, req.UserID, m, fill, res, now); err != nil {
				return nil, err
			}
			taker.Available = taker.Available.Add(fill.Amount)
		} else if left.IsPositive() {
			if err := ledger.RestoreShares(ctx, tx, req.UserID, m.ID, req.Side, left, reservedCost); err != nil {
				return nil, err
			}
		}
	}

	if err := ledger.SaveBalances(ctx, tx, balances); err != nil {
		return nil, err
	}
	return res, nil
}

func (b *Book) recordPoolLeg(ctx context.Context, tx store.Tx, userID string, m *model.Market, fill *ledger.Fill, res *Result, now time.Time) error {
	if err := ledger.CommitPool(ctx, tx, m, userID, fill, now); err != nil {
		return err
	}
	row, err := ledger.RecordFill(ctx, tx, userID, m.ID, fill.Side, model.TradeMarket, fill.Amount, fill.Shares, fill.Price, "", now)
	if err != nil {
		return err
	}
	res.Fills = append(res.Fills, row)
	res.Shares = res.Shares.Add(fill.Shares)
	res.Amount = res.Amount.Add(fill.Amount)
	res.Pool = fill
	return nil
}

// CancelOrder cancels an open or partial order owned by userID, unlocking
// the remaining funds (buy) or returning the remaining shares (sell).
func (b *Book) CancelOrder(ctx context.Context, userID, orderID string) (*model.OpenOrder, error) {
	peek, err := b.store.GetOpenOrder(ctx, orderID)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	var cancelled *model.OpenOrder
	err = b.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockMarket(ctx, peek.MarketID); err != nil {
			return err
		}
		o, err := tx.LockOpenOrder(ctx, orderID)
		if err != nil {
			return ErrOrderNotFound
		}
		if o.UserID != userID {
			return ErrNotOwner
		}
		if o.OnChainOrderID != nil {
			return ErrOnChainOrder
		}
		if !o.Resting() {
			return ErrOrderClosed
		}
		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if err := releaseOrder(ctx, tx, o, bal); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, bal); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LimitOrders.WithLabelValues("cancelled").Inc()
	slog.Info("limit order cancelled", "order_id", orderID, "user", userID, "market", cancelled.MarketID)
	b.broadcastBook(ctx, cancelled.MarketID, cancelled.Side)
	return cancelled, nil
}

// CancelAllForMarket cancels every off-chain resting order of a market,
// returning funds and shares to their owners. Used when a market resolves.
func (b *Book) CancelAllForMarket(ctx context.Context, marketID string) (int, error) {
	var n int
	err := b.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockMarket(ctx, marketID); err != nil {
			return err
		}
		orders, err := tx.LockRestingOrders(ctx, marketID)
		if err != nil {
			return err
		}
		users := make([]string, 0, len(orders))
		for _, o := range orders {
			users = append(users, o.UserID)
		}
		balances, err := ledger.LockBalances(ctx, tx, users...)
		if err != nil {
			return err
		}
		for i := range orders {
			if err := releaseOrder(ctx, tx, &orders[i], balances[orders[i].UserID]); err != nil {
				return err
			}
		}
		n = len(orders)
		return ledger.SaveBalances(ctx, tx, balances)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.LimitOrders.WithLabelValues("cancelled").Add(float64(n))
		slog.Info("resting orders cancelled", "market", marketID, "count", n)
		b.broadcastBook(ctx, marketID, model.SideYes)
		b.broadcastBook(ctx, marketID, model.SideNo)
	}
	return n, nil
}

// releaseOrder marks o cancelled and hands back what it still reserves.
func releaseOrder(ctx context.Context, tx store.Tx, o *model.OpenOrder, bal *model.Balance) error {
	remaining := o.Remaining()
	if o.OrderSide == model.OrderSideBuy {
		ledger.Release(bal, remaining.Mul(o.Price))
	} else if remaining.IsPositive() {
		if err := ledger.RestoreShares(ctx, tx, o.UserID, o.MarketID, o.Side, remaining, o.ReservedCost); err != nil {
			return err
		}
	}
	o.Status = model.OrderCancelled
	return tx.UpdateOpenOrder(ctx, o)
}

// exposures reads the user's holdings inside tx. It returns nil when no
// limiter is configured.
func (b *Book) exposures(ctx context.Context, tx store.Tx, userID string) (map[string]decimal.Decimal, error) {
	if b.limiter == nil {
		return nil, nil
	}
	positions, err := tx.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return risk.Exposures(positions), nil
}

func (b *Book) checkLimit(marketID string, shares decimal.Decimal, exposures map[string]decimal.Decimal) error {
	if err := b.limiter.CheckBuy(marketID, shares, exposures); err != nil {
		metrics.TradeRejections.WithLabelValues("position_limit").Inc()
		return err
	}
	return nil
}

func (b *Book) afterCommit(ctx context.Context, marketID string, side model.Side, res *Result) {
	for _, f := range res.Fills {
		b.notifier.BroadcastNewTrade(ctx, f)
	}
	for _, f := range res.makerFills {
		b.notifier.BroadcastNewTrade(ctx, f)
	}
	b.broadcastBook(ctx, marketID, side)

	if res.Pool == nil {
		return
	}
	metrics.TradesTotal.WithLabelValues(string(side), res.Pool.Kind).Inc()
	metrics.FeesCollected.WithLabelValues("lp").Add(res.Pool.Fee.LP.InexactFloat64())
	metrics.FeesCollected.WithLabelValues("protocol").Add(res.Pool.Fee.Protocol.InexactFloat64())
	b.notifier.BroadcastPriceUpdate(ctx, marketID, res.market.YesPrice, res.market.NoPrice)
	if b.reconciler != nil {
		if _, err := b.reconciler.MatchLimitOrders(ctx, marketID); err != nil {
			slog.Warn("limit order reconciliation failed", "market", marketID, "err", err)
		}
	}
}

func (b *Book) broadcastBook(ctx context.Context, marketID string, side model.Side) {
	snap, err := b.GetOrderBook(ctx, marketID, side)
	if err != nil {
		slog.Debug("order book snapshot failed", "market", marketID, "side", side, "err", err)
		return
	}
	b.notifier.BroadcastOrderBookUpdate(ctx, marketID, side, snap)
}

func opposite(s model.OrderSide) model.OrderSide {
	if s == model.OrderSideBuy {
		return model.OrderSideSell
	}
	return model.OrderSideBuy
}

func orderStatus(amount, filled decimal.Decimal) string {
	switch {
	case filled.GreaterThanOrEqual(amount):
		return model.OrderFilled
	case filled.IsPositive():
		return model.OrderPartial
	default:
		return model.OrderOpen
	}
}
