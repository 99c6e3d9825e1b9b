// Package settlement resolves markets and settles what depends on the
// outcome: agent trades, agent predictions and resting orders.
//
// Every trade and every agent is handled in its own transaction. A failing
// record is logged and counted in the Report; it never aborts the batch.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/metrics"
	"github.com/yesno/market-engine/internal/model"
	"github.com/yesno/market-engine/internal/notify"
	"github.com/yesno/market-engine/internal/store"
)

var (
	ErrInvalidOutcome  = apperr.New(apperr.Validation, "outcome must be yes or no")
	ErrAlreadyResolved = apperr.New(apperr.Duplicate, "market already resolved")
	ErrMarketCancelled = apperr.New(apperr.State, "market is cancelled")
	ErrInvalidPrice    = apperr.New(apperr.State, "agent trade price must be between 0 and 1")
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// AmountScale is the precision of profits and payouts.
const AmountScale = 8

// OrderCanceller releases every resting order of a market.
type OrderCanceller interface {
	CancelAllForMarket(ctx context.Context, marketID string) (int, error)
}

// Engine settles resolved markets.
type Engine struct {
	store    store.Store
	orders   OrderCanceller
	notifier notify.Notifier
}

// New creates a settlement engine. orders may be nil.
func New(st store.Store, orders OrderCanceller, n notify.Notifier) *Engine {
	return &Engine{store: st, orders: orders, notifier: n}
}

// Report summarizes one settlement run.
type Report struct {
	MarketID            string          `json:"market_id"`
	Outcome             model.Side      `json:"outcome"`
	OrdersCancelled     int             `json:"orders_cancelled"`
	TradesSettled       int             `json:"trades_settled"`
	Wins                int             `json:"wins"`
	Losses              int             `json:"losses"`
	TradesFailed        int             `json:"trades_failed"`
	Payout              decimal.Decimal `json:"payout"`
	AgentsUpdated       int             `json:"agents_updated"`
	AgentsFailed        int             `json:"agents_failed"`
	PredictionsResolved int             `json:"predictions_resolved"`
	PredictionsCorrect  int             `json:"predictions_correct"`
	PredictionsFailed   int             `json:"predictions_failed"`
}

// Profit is what an agent trade of amount at price earns on outcome:
// amount*(1/price-1) on a win, -amount on a loss.
func Profit(t *model.AgentTrade, outcome model.Side) (decimal.Decimal, bool, error) {
	won := t.Side == outcome
	if !won {
		return t.Amount.Neg(), false, nil
	}
	if !t.Price.IsPositive() || t.Price.GreaterThan(one) {
		return decimal.Zero, false, ErrInvalidPrice
	}
	return t.Amount.DivRound(t.Price, AmountScale).Sub(t.Amount), true, nil
}

// ResolveMarket marks the market resolved with outcome, then releases its
// resting orders, scores predictions and settles agent trades. txHash may
// be empty. A market that is already resolved yields ErrAlreadyResolved.
func (e *Engine) ResolveMarket(ctx context.Context, marketID string, outcome model.Side, txHash string) (*Report, error) {
	if !outcome.Valid() {
		return nil, ErrInvalidOutcome
	}

	var yesPrice, noPrice decimal.Decimal
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		switch m.Status {
		case model.MarketResolved:
			return ErrAlreadyResolved
		case model.MarketCancelled:
			return ErrMarketCancelled
		}
		m.Status = model.MarketResolved
		m.Outcome = &outcome
		m.YesPrice, m.NoPrice = decimal.Zero, decimal.Zero
		if outcome == model.SideYes {
			m.YesPrice = decimal.NewFromInt(1)
		} else {
			m.NoPrice = decimal.NewFromInt(1)
		}
		yesPrice, noPrice = m.YesPrice, m.NoPrice
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		if err := tx.InsertSettlementLog(ctx, &model.SettlementLog{
			ID:        uuid.New().String(),
			MarketID:  marketID,
			Action:    model.ActionResolve,
			TxHash:    txHash,
			Details:   string(outcome),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("insert settlement log: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("market resolved", "market", marketID, "outcome", outcome, "tx_hash", txHash)

	report := &Report{MarketID: marketID, Outcome: outcome}
	if e.orders != nil {
		n, err := e.orders.CancelAllForMarket(ctx, marketID)
		if err != nil {
			slog.Warn("cancel resting orders failed", "market", marketID, "err", err)
		}
		report.OrdersCancelled = n
	}
	if err := e.resolvePredictions(ctx, marketID, outcome, report); err != nil {
		slog.Warn("prediction resolution failed", "market", marketID, "err", err)
	}
	if err := e.settleAgentTrades(ctx, marketID, outcome, report); err != nil {
		slog.Warn("agent settlement failed", "market", marketID, "err", err)
	}
	e.notifier.BroadcastPriceUpdate(ctx, marketID, yesPrice, noPrice)
	e.notifier.BroadcastMarketResolved(ctx, marketID, outcome)
	return report, nil
}

// SettleAgentTrades settles every pending agent trade on marketID.
func (e *Engine) SettleAgentTrades(ctx context.Context, marketID string, outcome model.Side) (*Report, error) {
	if !outcome.Valid() {
		return nil, ErrInvalidOutcome
	}
	report := &Report{MarketID: marketID, Outcome: outcome}
	if err := e.settleAgentTrades(ctx, marketID, outcome, report); err != nil {
		return nil, err
	}
	return report, nil
}

// ResolvePredictions scores every open prediction on marketID.
func (e *Engine) ResolvePredictions(ctx context.Context, marketID string, outcome model.Side) (*Report, error) {
	if !outcome.Valid() {
		return nil, ErrInvalidOutcome
	}
	report := &Report{MarketID: marketID, Outcome: outcome}
	if err := e.resolvePredictions(ctx, marketID, outcome, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (e *Engine) settleAgentTrades(ctx context.Context, marketID string, outcome model.Side, report *Report) error {
	trades, err := e.store.ListPendingAgentTrades(ctx, marketID)
	if err != nil {
		return fmt.Errorf("list pending agent trades: %w", err)
	}

	var agents []string
	report.Payout = decimal.Zero
	for _, t := range trades {
		won, payout, err := e.settleTrade(ctx, t.ID, outcome)
		if err != nil {
			report.TradesFailed++
			metrics.SettlementItems.WithLabelValues("agent_trade", "failed").Inc()
			slog.Warn("agent trade settlement failed", "trade_id", t.ID, "agent", t.AgentID, "err", err)
			continue
		}
		report.TradesSettled++
		if won {
			report.Wins++
		} else {
			report.Losses++
		}
		report.Payout = report.Payout.Add(payout)
		metrics.SettlementItems.WithLabelValues("agent_trade", "settled").Inc()
		agents = append(agents, t.AgentID)
	}

	slices.Sort(agents)
	for _, id := range slices.Compact(agents) {
		if err := e.recomputeStats(ctx, id); err != nil {
			report.AgentsFailed++
			metrics.SettlementItems.WithLabelValues("agent_stats", "failed").Inc()
			slog.Warn("agent stats update failed", "agent", id, "err", err)
			continue
		}
		report.AgentsUpdated++
		metrics.SettlementItems.WithLabelValues("agent_stats", "updated").Inc()
	}

	slog.Info("agent trades settled",
		"market", marketID,
		"outcome", outcome,
		"settled", report.TradesSettled,
		"wins", report.Wins,
		"failed", report.TradesFailed,
		"payout", report.Payout.String(),
	)
	return nil
}

// settleTrade settles one trade and credits the agent on a win. Returns
// whether it won and the amount credited.
func (e *Engine) settleTrade(ctx context.Context, tradeID string, outcome model.Side) (bool, decimal.Decimal, error) {
	var won bool
	payout := decimal.Zero
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.LockAgentTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if t.Status != model.AgentTradePending {
			return apperr.Newf(apperr.Duplicate, "agent trade %s already settled", tradeID)
		}
		profit, w, err := Profit(t, outcome)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		won = w
		t.Status = model.AgentTradeSettled
		t.Profit = profit
		t.SettledAt = &now
		t.Outcome = model.OutcomeLoss
		if won {
			t.Outcome = model.OutcomeWin
		}
		if err := tx.UpdateAgentTrade(ctx, t); err != nil {
			return fmt.Errorf("update agent trade: %w", err)
		}
		if !won {
			return nil
		}

		a, err := tx.LockAgent(ctx, t.AgentID)
		if err != nil {
			return err
		}
		payout = t.Amount.Add(profit)
		a.WalletBalance = a.WalletBalance.Add(payout)
		if err := tx.UpdateAgent(ctx, a); err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		return tx.InsertSettlementLog(ctx, &model.SettlementLog{
			ID:        uuid.New().String(),
			MarketID:  t.MarketID,
			UserID:    t.AgentID,
			Action:    model.ActionAgentSettle,
			Amount:    payout,
			Details:   t.ID,
			CreatedAt: now,
		})
	})
	return won, payout, err
}

// recomputeStats rebuilds an agent's trade stats from its full settled
// history.
func (e *Engine) recomputeStats(ctx context.Context, agentID string) error {
	return e.store.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAgent(ctx, agentID)
		if err != nil {
			return err
		}
		settled, err := tx.ListSettledAgentTrades(ctx, agentID)
		if err != nil {
			return fmt.Errorf("list settled agent trades: %w", err)
		}
		applyStats(a, settled)
		return tx.UpdateAgent(ctx, a)
	})
}

func applyStats(a *model.Agent, settled []model.AgentTrade) {
	wins := 0
	profit := decimal.Zero
	invested := decimal.Zero
	for _, t := range settled {
		if t.Outcome == model.OutcomeWin {
			wins++
		}
		profit = profit.Add(t.Profit)
		invested = invested.Add(t.Amount)
	}

	a.TotalTrades = len(settled)
	a.WinningTrades = wins
	a.TotalProfit = profit
	a.WinRate = decimal.Zero
	a.ROI = decimal.Zero
	if len(settled) > 0 {
		a.WinRate = decimal.NewFromInt(int64(wins)).Mul(hundred).DivRound(decimal.NewFromInt(int64(len(settled))), 2)
	}
	if invested.IsPositive() {
		a.ROI = profit.Mul(hundred).DivRound(invested, 2)
	}
}

func (e *Engine) resolvePredictions(ctx context.Context, marketID string, outcome model.Side, report *Report) error {
	preds, err := e.store.ListUnresolvedPredictions(ctx, marketID)
	if err != nil {
		return fmt.Errorf("list unresolved predictions: %w", err)
	}

	var agents []string
	for _, p := range preds {
		correct, err := e.resolvePrediction(ctx, p.ID, outcome)
		if err != nil {
			report.PredictionsFailed++
			metrics.SettlementItems.WithLabelValues("prediction", "failed").Inc()
			slog.Warn("prediction resolution failed", "prediction_id", p.ID, "agent", p.AgentID, "err", err)
			continue
		}
		report.PredictionsResolved++
		if correct {
			report.PredictionsCorrect++
		}
		metrics.SettlementItems.WithLabelValues("prediction", "resolved").Inc()
		agents = append(agents, p.AgentID)
	}

	slices.Sort(agents)
	for _, id := range slices.Compact(agents) {
		if err := e.recomputeReputation(ctx, id); err != nil {
			report.AgentsFailed++
			metrics.SettlementItems.WithLabelValues("agent_reputation", "failed").Inc()
			slog.Warn("agent reputation update failed", "agent", id, "err", err)
			continue
		}
		metrics.SettlementItems.WithLabelValues("agent_reputation", "updated").Inc()
	}
	return nil
}

func (e *Engine) resolvePrediction(ctx context.Context, id string, outcome model.Side) (bool, error) {
	var correct bool
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.LockPrediction(ctx, id)
		if err != nil {
			return err
		}
		if p.ActualOutcome != nil {
			return apperr.Newf(apperr.Duplicate, "prediction %s already resolved", id)
		}
		now := time.Now().UTC()
		correct = p.PredictedOutcome == outcome
		p.ActualOutcome = &outcome
		p.IsCorrect = &correct
		p.ResolvedAt = &now
		return tx.UpdatePrediction(ctx, p)
	})
	return correct, err
}

// recomputeReputation sets an agent's reputation to the percentage of its
// resolved predictions that were correct.
func (e *Engine) recomputeReputation(ctx context.Context, agentID string) error {
	return e.store.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAgent(ctx, agentID)
		if err != nil {
			return err
		}
		resolved, err := tx.ListResolvedPredictions(ctx, agentID)
		if err != nil {
			return fmt.Errorf("list resolved predictions: %w", err)
		}
		correct := 0
		for _, p := range resolved {
			if p.IsCorrect != nil && *p.IsCorrect {
				correct++
			}
		}
		a.Reputation = decimal.Zero
		if len(resolved) > 0 {
			a.Reputation = decimal.NewFromInt(int64(correct)).Mul(hundred).DivRound(decimal.NewFromInt(int64(len(resolved))), 2)
		}
		return tx.UpdateAgent(ctx, a)
	})
}
