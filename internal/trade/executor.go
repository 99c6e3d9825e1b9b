// Package trade executes direct buys and sells against a market's AMM pool.
//
// Each trade is one transaction: the market row is locked first, then the
// trader's balance, then their position. Concurrent trades on one market
// serialize on the market lock and never lose an update.
package trade

import (
	"context"
	"log/slog"
	"time"

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
	ErrInvalidSide   = apperr.New(apperr.Validation, "side must be yes or no")
	ErrInvalidAmount = apperr.New(apperr.Validation, "amount must be positive")
)

// Reconciler fills resting orders crossed by a pool price move.
type Reconciler interface {
	MatchLimitOrders(ctx context.Context, marketID string) (int, error)
}

// Executor runs direct AMM trades.
type Executor struct {
	store      store.Store
	fees       ledger.Fees
	limiter    *risk.PositionLimiter
	reconciler Reconciler
	notifier   notify.Notifier
}

// NewExecutor creates a trade executor. limiter and rec may be nil.
func NewExecutor(st store.Store, fees ledger.Fees, limiter *risk.PositionLimiter, rec Reconciler, n notify.Notifier) *Executor {
	return &Executor{store: st, fees: fees, limiter: limiter, reconciler: rec, notifier: n}
}

// Result is the outcome of one trade.
type Result struct {
	Order       *model.Order    `json:"order"`
	Position    *model.Position `json:"position"`
	Balance     *model.Balance  `json:"balance"`
	Fee         ledger.FeeSplit `json:"fee"`
	PriceImpact decimal.Decimal `json:"price_impact"`
	YesPrice    decimal.Decimal `json:"yes_price"`
	NoPrice     decimal.Decimal `json:"no_price"`
}

func validate(side model.Side, amount decimal.Decimal) error {
	if !side.Valid() {
		return ErrInvalidSide
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// ExecuteBuy spends amount USDT (fee included) on side.
func (e *Executor) ExecuteBuy(ctx context.Context, userID, marketID string, side model.Side, amount decimal.Decimal) (*Result, error) {
	start := time.Now()
	if err := validate(side, amount); err != nil {
		return nil, e.reject(err)
	}

	var res *Result
	var fill *ledger.Fill
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if err := ledger.CheckTradable(m, now); err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if err := ledger.Debit(bal, amount); err != nil {
			return err
		}

		fill, err = ledger.Buy(m, side, amount, e.fees)
		if err != nil {
			return err
		}
		if e.limiter != nil {
			positions, err := tx.ListPositions(ctx, userID)
			if err != nil {
				return err
			}
			if err := e.limiter.CheckBuy(marketID, fill.Shares, risk.Exposures(positions)); err != nil {
				return err
			}
		}

		pos, err := ledger.CreditPosition(ctx, tx, userID, marketID, side, fill.Shares, fill.Price)
		if err != nil {
			return err
		}
		if err := ledger.CommitPool(ctx, tx, m, userID, fill, now); err != nil {
			return err
		}
		order, err := ledger.RecordFill(ctx, tx, userID, marketID, side, model.TradeBuy, fill.Amount, fill.Shares, fill.Price, "", now)
		if err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, bal); err != nil {
			return err
		}

		res = newResult(order, pos, bal, fill, m)
		return nil
	})
	if err != nil {
		return nil, e.reject(err)
	}

	e.afterCommit(ctx, res, fill, start)
	return res, nil
}

// ExecuteSell returns shares of side to the pool. The fee is taken from
// the proceeds.
func (e *Executor) ExecuteSell(ctx context.Context, userID, marketID string, side model.Side, shares decimal.Decimal) (*Result, error) {
	start := time.Now()
	if err := validate(side, shares); err != nil {
		return nil, e.reject(err)
	}

	var res *Result
	var fill *ledger.Fill
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if err := ledger.CheckTradable(m, now); err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		pos, err := ledger.DebitPosition(ctx, tx, userID, marketID, side, shares)
		if err != nil {
			return err
		}

		fill, err = ledger.Sell(m, side, shares, e.fees)
		if err != nil {
			return err
		}
		bal.Available = bal.Available.Add(fill.Amount)

		if err := ledger.CommitPool(ctx, tx, m, userID, fill, now); err != nil {
			return err
		}
		order, err := ledger.RecordFill(ctx, tx, userID, marketID, side, model.TradeSell, fill.Amount, fill.Shares, fill.Price, "", now)
		if err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, bal); err != nil {
			return err
		}

		res = newResult(order, pos, bal, fill, m)
		return nil
	})
	if err != nil {
		return nil, e.reject(err)
	}

	e.afterCommit(ctx, res, fill, start)
	return res, nil
}

func newResult(order *model.Order, pos *model.Position, bal *model.Balance, fill *ledger.Fill, m *model.Market) *Result {
	return &Result{
		Order:       order,
		Position:    pos,
		Balance:     bal,
		Fee:         fill.Fee,
		PriceImpact: fill.PriceImpact,
		YesPrice:    m.YesPrice,
		NoPrice:     m.NoPrice,
	}
}

func (e *Executor) reject(err error) error {
	metrics.TradeRejections.WithLabelValues(apperr.KindOf(err).String()).Inc()
	return err
}

func (e *Executor) afterCommit(ctx context.Context, res *Result, fill *ledger.Fill, start time.Time) {
	o := res.Order
	metrics.TradesTotal.WithLabelValues(string(o.Side), fill.Kind).Inc()
	metrics.TradeLatency.WithLabelValues(fill.Kind).Observe(time.Since(start).Seconds())
	metrics.FeesCollected.WithLabelValues("lp").Add(fill.Fee.LP.InexactFloat64())
	metrics.FeesCollected.WithLabelValues("protocol").Add(fill.Fee.Protocol.InexactFloat64())

	slog.Info("trade executed",
		"trade_id", o.ID,
		"user", o.UserID,
		"market", o.MarketID,
		"side", o.Side,
		"kind", fill.Kind,
		"amount", o.Amount.String(),
		"shares", o.Shares.String(),
		"fill_price", o.Price.String(),
		"fee", fill.Fee.Total.String(),
		"new_price_yes", res.YesPrice.String(),
	)

	e.notifier.BroadcastNewTrade(ctx, o)
	e.notifier.BroadcastPriceUpdate(ctx, o.MarketID, res.YesPrice, res.NoPrice)

	if e.reconciler == nil {
		return
	}
	if _, err := e.reconciler.MatchLimitOrders(ctx, o.MarketID); err != nil {
		slog.Warn("limit order reconciliation failed", "market", o.MarketID, "err", err)
	}
}
