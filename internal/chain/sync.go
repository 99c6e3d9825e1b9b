package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/amm"
	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/ledger"
	"github.com/yesno/market-engine/internal/liquidity"
	"github.com/yesno/market-engine/internal/metrics"
	"github.com/yesno/market-engine/internal/model"
	"github.com/yesno/market-engine/internal/notify"
	"github.com/yesno/market-engine/internal/orderbook"
	"github.com/yesno/market-engine/internal/settlement"
	"github.com/yesno/market-engine/internal/store"
)

// ContractReader is the view-call side of the contract.
type ContractReader interface {
	GetPrice(ctx context.Context, marketID int64) (yes, no decimal.Decimal, err error)
	GetLpInfo(ctx context.Context, marketID int64, user common.Address) (*LpInfo, error)
}

// Resolver settles a market once its outcome is known.
type Resolver interface {
	ResolveMarket(ctx context.Context, marketID string, outcome model.Side, txHash string) (*settlement.Report, error)
}

// Reconciler fills resting orders crossed by a pool price move.
type Reconciler interface {
	MatchLimitOrders(ctx context.Context, marketID string) (int, error)
}

// SyncOptions tunes the Synchronizer.
type SyncOptions struct {
	// TrackVirtualShares keeps virtual_lp_shares equal to the contract's
	// total shares minus the LP-owned shares after every LP event.
	TrackVirtualShares bool
}

// Synchronizer applies chain events to the ledger. Every handler is one
// transaction and is idempotent: a re-delivered event is a no-op.
type Synchronizer struct {
	store      store.Store
	reader     ContractReader
	resolver   Resolver
	reconciler Reconciler
	notifier   notify.Notifier
	fees       ledger.Fees
	opts       SyncOptions
}

// NewSynchronizer creates a synchronizer. reader and rec may be nil.
func NewSynchronizer(st store.Store, reader ContractReader, resolver Resolver, rec Reconciler, n notify.Notifier, fees ledger.Fees, opts SyncOptions) *Synchronizer {
	return &Synchronizer{
		store:      st,
		reader:     reader,
		resolver:   resolver,
		reconciler: rec,
		notifier:   n,
		fees:       fees,
		opts:       opts,
	}
}

// Run applies events until ctx is done or the channel closes.
func (s *Synchronizer) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Apply(ctx, ev)
		}
	}
}

// Apply handles one event, logging and counting the result. Failures never
// propagate: the next delivery or the reconciler sweep recovers.
func (s *Synchronizer) Apply(ctx context.Context, ev Event) {
	err := s.Handle(ctx, ev)
	meta := ev.Source()
	switch {
	case err == nil:
		metrics.ChainEvents.WithLabelValues(ev.Name(), "applied").Inc()
		slog.Info("chain event applied", "event", ev.Name(), "tx_hash", meta.TxHash, "block", meta.BlockNumber)
	case apperr.KindOf(err) == apperr.Duplicate:
		metrics.ChainEvents.WithLabelValues(ev.Name(), "duplicate").Inc()
		slog.Debug("duplicate chain event skipped", "event", ev.Name(), "tx_hash", meta.TxHash)
	default:
		metrics.ChainEvents.WithLabelValues(ev.Name(), "failed").Inc()
		slog.Warn("chain event failed", "event", ev.Name(), "tx_hash", meta.TxHash, "err", err)
	}
}

// Handle applies one event. Re-delivered events return an error of kind
// apperr.Duplicate.
func (s *Synchronizer) Handle(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case *TradeEvent:
		return s.onTrade(ctx, e)
	case *LiquidityAddedEvent:
		return s.onLiquidityAdded(ctx, e)
	case *LiquidityRemovedEvent:
		return s.onLiquidityRemoved(ctx, e)
	case *MarketResolvedEvent:
		return s.onMarketResolved(ctx, e)
	case *LimitOrderPlacedEvent:
		return s.onLimitOrderPlaced(ctx, e)
	case *LimitOrderFilledEvent:
		return s.onLimitOrderFilled(ctx, e)
	case *LimitOrderCancelledEvent:
		return s.onLimitOrderCancelled(ctx, e)
	}
	return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
}

func duplicate(what, txHash string) error {
	return apperr.Newf(apperr.Duplicate, "%s %s already applied", what, txHash)
}

// userFor maps a wallet to an internal user id, falling back to the
// lower-case address for wallets no account has claimed.
func (s *Synchronizer) userFor(ctx context.Context, wallet common.Address) (string, error) {
	addr := strings.ToLower(wallet.Hex())
	id, err := s.store.UserIDByWallet(ctx, addr)
	if errors.Is(err, store.ErrNotFound) {
		return addr, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve wallet %s: %w", addr, err)
	}
	return id, nil
}

// chainPrices reads the contract's prices. ok is false when the read failed
// and callers fall back to the local AMM derivation.
func (s *Synchronizer) chainPrices(ctx context.Context, marketID int64) (yes, no decimal.Decimal, ok bool) {
	if s.reader == nil {
		return decimal.Zero, decimal.Zero, false
	}
	yes, no, err := s.reader.GetPrice(ctx, marketID)
	if err != nil {
		slog.Debug("contract price read failed, deriving locally", "chain_market_id", marketID, "err", err)
		return decimal.Zero, decimal.Zero, false
	}
	if !yes.IsPositive() || !no.IsPositive() || !yes.Add(no).Equal(decimal.NewFromInt(1)) {
		slog.Debug("contract returned unusable prices, deriving locally", "chain_market_id", marketID, "yes", yes.String(), "no", no.String())
		return decimal.Zero, decimal.Zero, false
	}
	return yes, no, true
}

func (s *Synchronizer) chainLpInfo(ctx context.Context, marketID int64, user common.Address) *LpInfo {
	if !s.opts.TrackVirtualShares || s.reader == nil {
		return nil
	}
	info, err := s.reader.GetLpInfo(ctx, marketID, user)
	if err != nil {
		slog.Debug("contract lp read failed", "chain_market_id", marketID, "err", err)
		return nil
	}
	return info
}

func trackVirtual(m *model.Market, info *LpInfo) {
	if info == nil {
		return
	}
	m.VirtualLpShares = decimal.Max(info.TotalShares.Sub(m.TotalLpShares), decimal.Zero)
}

func (s *Synchronizer) onTrade(ctx context.Context, ev *TradeEvent) error {
	if !ev.Shares.IsPositive() || !ev.Amount.IsPositive() {
		return apperr.Newf(apperr.ExternalSync, "chain: empty trade in %s", ev.TxHash)
	}
	user, err := s.userFor(ctx, ev.User)
	if err != nil {
		return err
	}
	yes, no, haveChain := s.chainPrices(ctx, ev.MarketID)

	// One transaction may carry several trades, so trades dedup per log.
	key := ev.Key()

	var m *model.Market
	var row *model.Order
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		exists, err := tx.OrderExistsByTxHash(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return duplicate("trade", key)
		}
		m, err = tx.LockMarketByChainID(ctx, ev.MarketID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		fee := s.fees.Allocate(ev.Fee, m.TotalLpShares.IsPositive())
		kind := model.TradeSell
		if ev.IsBuy {
			kind = model.TradeBuy
		}
		fill := &ledger.Fill{
			Side:   ev.Side,
			Kind:   kind,
			Shares: ev.Shares,
			Amount: ev.Amount,
			Price:  ev.Amount.DivRound(ev.Shares, amm.PriceScale),
			Fee:    fee,
		}

		// A resolved market keeps its pinned prices; late events only
		// touch holdings.
		if m.Status == model.MarketActive {
			r := amm.Reserves{Yes: m.YesReserve, No: m.NoReserve}
			var next amm.Reserves
			if ev.IsBuy {
				next = shift(r, ev.Side.Opposite(), ev.Amount.Sub(ev.Fee))
				next = shift(next, ev.Side, ev.Shares.Neg())
			} else {
				next = shift(r, ev.Side, ev.Shares)
				next = shift(next, ev.Side.Opposite(), ev.Amount.Add(ev.Fee).Neg())
			}
			if err := ledger.SetPool(m, next, fee.LP); err != nil {
				return apperr.Wrap(apperr.ExternalSync, err, "chain: trade leaves invalid reserves")
			}
			if haveChain {
				m.YesPrice, m.NoPrice = yes, no
			}
			m.Volume = m.Volume.Add(ev.Amount)
			if err := ledger.CommitPool(ctx, tx, m, user, fill, now); err != nil {
				return err
			}
		}
		if ev.IsBuy {
			if _, err := ledger.CreditPosition(ctx, tx, user, m.ID, ev.Side, fill.Shares, fill.Price); err != nil {
				return err
			}
		} else if err := debitHeld(ctx, tx, user, m.ID, ev.Side, ev.Shares); err != nil {
			return err
		}
		row, err = ledger.RecordFill(ctx, tx, user, m.ID, ev.Side, kind, fill.Amount, fill.Shares, fill.Price, key, now)
		return err
	})
	if err != nil {
		return err
	}

	s.notifier.BroadcastNewTrade(ctx, row)
	s.afterPoolMove(ctx, m)
	return nil
}

func shift(r amm.Reserves, side model.Side, delta decimal.Decimal) amm.Reserves {
	if side == model.SideYes {
		r.Yes = r.Yes.Add(delta)
	} else {
		r.No = r.No.Add(delta)
	}
	return r
}

// debitHeld removes up to shares from a holding. Shares bought before the
// wallet was mirrored may not exist locally.
func debitHeld(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side, shares decimal.Decimal) error {
	p, err := tx.LockPosition(ctx, userID, marketID, side)
	if err != nil {
		return err
	}
	if !p.Shares.IsPositive() {
		return nil
	}
	p.Shares = decimal.Max(p.Shares.Sub(shares), decimal.Zero)
	return tx.SavePosition(ctx, p)
}

func (s *Synchronizer) onLiquidityAdded(ctx context.Context, ev *LiquidityAddedEvent) error {
	user, err := s.userFor(ctx, ev.User)
	if err != nil {
		return err
	}
	info := s.chainLpInfo(ctx, ev.MarketID, ev.User)

	var m *model.Market
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		exists, err := tx.SettlementLogExists(ctx, ev.TxHash, model.ActionAddLiquidity)
		if err != nil {
			return err
		}
		if exists {
			return duplicate("liquidity add", ev.TxHash)
		}
		m, err = tx.LockMarketByChainID(ctx, ev.MarketID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if m.Status == model.MarketActive {
			if _, err := liquidity.ApplyDeposit(m, ev.Amount, ev.LpShares); err != nil {
				return apperr.Wrap(apperr.ExternalSync, err, "chain: deposit leaves invalid reserves")
			}
		} else {
			m.TotalLpShares = m.TotalLpShares.Add(ev.LpShares)
		}
		trackVirtual(m, info)
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		if err := liquidity.CreditLp(ctx, tx, user, m.ID, ev.LpShares, ev.Amount, now); err != nil {
			return err
		}
		return tx.InsertSettlementLog(ctx, &model.SettlementLog{
			ID:        uuid.New().String(),
			MarketID:  m.ID,
			UserID:    user,
			Action:    model.ActionAddLiquidity,
			Amount:    ev.Amount,
			Shares:    ev.LpShares,
			TxHash:    ev.TxHash,
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}
	s.afterPoolMove(ctx, m)
	return nil
}

func (s *Synchronizer) onLiquidityRemoved(ctx context.Context, ev *LiquidityRemovedEvent) error {
	user, err := s.userFor(ctx, ev.User)
	if err != nil {
		return err
	}
	info := s.chainLpInfo(ctx, ev.MarketID, ev.User)

	var m *model.Market
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		exists, err := tx.SettlementLogExists(ctx, ev.TxHash, model.ActionRemoveLiquidity)
		if err != nil {
			return err
		}
		if exists {
			return duplicate("liquidity removal", ev.TxHash)
		}
		m, err = tx.LockMarketByChainID(ctx, ev.MarketID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if m.Status == model.MarketActive {
			if _, err := liquidity.ApplyPayout(m, ev.UsdtOut, ev.Shares); err != nil {
				return apperr.Wrap(apperr.ExternalSync, err, "chain: withdrawal leaves invalid reserves")
			}
		} else {
			m.TotalLpShares = decimal.Max(m.TotalLpShares.Sub(ev.Shares), decimal.Zero)
		}
		trackVirtual(m, info)
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		if err := liquidity.DebitLp(ctx, tx, user, m.ID, ev.Shares, now); err != nil {
			return err
		}
		return tx.InsertSettlementLog(ctx, &model.SettlementLog{
			ID:        uuid.New().String(),
			MarketID:  m.ID,
			UserID:    user,
			Action:    model.ActionRemoveLiquidity,
			Amount:    ev.UsdtOut,
			Shares:    ev.Shares,
			TxHash:    ev.TxHash,
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}
	s.afterPoolMove(ctx, m)
	return nil
}

func (s *Synchronizer) onMarketResolved(ctx context.Context, ev *MarketResolvedEvent) error {
	m, err := s.store.GetMarketByChainID(ctx, ev.MarketID)
	if err != nil {
		return err
	}
	if m.Status == model.MarketResolved {
		return duplicate("resolution", ev.TxHash)
	}
	report, err := s.resolver.ResolveMarket(ctx, m.ID, ev.Outcome, ev.TxHash)
	if err != nil {
		return err
	}
	slog.Info("market settled from chain",
		"market", m.ID,
		"outcome", ev.Outcome,
		"orders_cancelled", report.OrdersCancelled,
		"agent_trades", report.TradesSettled,
		"predictions", report.PredictionsResolved,
	)
	return nil
}

func (s *Synchronizer) onLimitOrderPlaced(ctx context.Context, ev *LimitOrderPlacedEvent) error {
	user, err := s.userFor(ctx, ev.Maker)
	if err != nil {
		return err
	}
	m, err := s.store.GetMarketByChainID(ctx, ev.MarketID)
	if err != nil {
		return err
	}

	err = s.store.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.LockOpenOrderByChainID(ctx, ev.OrderID)
		if err == nil {
			return duplicate("limit order", ev.TxHash)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		now := time.Now().UTC()
		id := ev.OrderID
		return tx.InsertOpenOrder(ctx, &model.OpenOrder{
			ID:             uuid.New().String(),
			UserID:         user,
			MarketID:       m.ID,
			Side:           ev.Side,
			OrderSide:      ev.OrderSide,
			Price:          ev.Price,
			Amount:         ev.Amount,
			Filled:         decimal.Zero,
			Status:         model.OrderOpen,
			OnChainOrderID: &id,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	})
	if err != nil {
		return err
	}
	s.broadcastBook(ctx, m.ID, ev.Side)
	return nil
}

func (s *Synchronizer) onLimitOrderFilled(ctx context.Context, ev *LimitOrderFilledEvent) error {
	taker, err := s.userFor(ctx, ev.Taker)
	if err != nil {
		return err
	}
	// One transaction may fill several orders, so fills dedup per log.
	key := ev.Key()

	var o *model.OpenOrder
	var rows []*model.Order
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		exists, err := tx.OrderExistsByTxHash(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return duplicate("limit order fill", key)
		}
		o, err = tx.LockOpenOrderByChainID(ctx, ev.OrderID)
		if err != nil {
			return err
		}

		fill := decimal.Min(ev.FillAmount, o.Remaining())
		if !fill.IsPositive() {
			return duplicate("limit order fill", key)
		}
		now := time.Now().UTC()
		o.Filled = o.Filled.Add(fill)
		o.Status = model.OrderPartial
		if o.Filled.GreaterThanOrEqual(o.Amount) {
			o.Status = model.OrderFilled
		}
		o.UpdatedAt = now
		if err := tx.UpdateOpenOrder(ctx, o); err != nil {
			return err
		}

		amount := fill.Mul(ev.FillPrice).Truncate(amm.ShareScale)
		takerRow, err := ledger.RecordFill(ctx, tx, taker, o.MarketID, o.Side, model.TradeMarket, amount, fill, ev.FillPrice, key, now)
		if err != nil {
			return err
		}
		makerRow, err := ledger.RecordFill(ctx, tx, o.UserID, o.MarketID, o.Side, model.TradeLimit, amount, fill, ev.FillPrice, "", now)
		if err != nil {
			return err
		}
		rows = []*model.Order{takerRow, makerRow}
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range rows {
		s.notifier.BroadcastNewTrade(ctx, r)
	}
	s.broadcastBook(ctx, o.MarketID, o.Side)
	return nil
}

func (s *Synchronizer) onLimitOrderCancelled(ctx context.Context, ev *LimitOrderCancelledEvent) error {
	var o *model.OpenOrder
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		o, err = tx.LockOpenOrderByChainID(ctx, ev.OrderID)
		if err != nil {
			return err
		}
		if !o.Resting() {
			return duplicate("limit order cancel", ev.TxHash)
		}
		o.Status = model.OrderCancelled
		o.UpdatedAt = time.Now().UTC()
		return tx.UpdateOpenOrder(ctx, o)
	})
	if err != nil {
		return err
	}
	s.broadcastBook(ctx, o.MarketID, o.Side)
	return nil
}

// afterPoolMove is a no-op once the market has left trading.
func (s *Synchronizer) afterPoolMove(ctx context.Context, m *model.Market) {
	if m.Status != model.MarketActive {
		return
	}
	s.notifier.BroadcastPriceUpdate(ctx, m.ID, m.YesPrice, m.NoPrice)
	if s.reconciler == nil {
		return
	}
	if _, err := s.reconciler.MatchLimitOrders(ctx, m.ID); err != nil {
		slog.Warn("limit order reconciliation failed", "market", m.ID, "err", err)
	}
}

func (s *Synchronizer) broadcastBook(ctx context.Context, marketID string, side model.Side) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		slog.Debug("order book snapshot failed", "market", marketID, "err", err)
		return
	}
	orders, err := s.store.ListRestingOrders(ctx, marketID, side)
	if err != nil {
		slog.Debug("order book snapshot failed", "market", marketID, "err", err)
		return
	}
	s.notifier.BroadcastOrderBookUpdate(ctx, marketID, side, orderbook.Aggregate(m, side, orders))
}
