// Package liquidity manages LP deposits and withdrawals against a market's
// constant-product pool. Deposits are split in the current reserve ratio so
// they never move the price.
package liquidity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/amm"
	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/ledger"
	"github.com/yesno/market-engine/internal/metrics"
	"github.com/yesno/market-engine/internal/model"
	"github.com/yesno/market-engine/internal/notify"
	"github.com/yesno/market-engine/internal/store"
)

var (
	ErrInvalidAmount  = apperr.New(apperr.Validation, "liquidity amount must be between 1 and 1000000")
	ErrInvalidShares  = apperr.New(apperr.Validation, "lp shares must be positive")
	ErrNotBinary      = apperr.New(apperr.State, "liquidity is only supported on binary markets")
	ErrInsufficientLp = apperr.New(apperr.State, "insufficient lp shares")
	ErrReserveTooLow  = apperr.New(apperr.ReserveDepletion, "withdrawal would leave pool reserves too low")
	ErrEmptyPool      = apperr.New(apperr.State, "pool has no lp shares")
)

var (
	MinDeposit = decimal.NewFromInt(1)
	MaxDeposit = decimal.NewFromInt(1_000_000)
)

// Reconciler fills resting orders crossed by a pool change.
type Reconciler interface {
	MatchLimitOrders(ctx context.Context, marketID string) (int, error)
}

// Manager is the liquidity pool service.
type Manager struct {
	store      store.Store
	reconciler Reconciler
	notifier   notify.Notifier
}

// New creates a liquidity manager. rec may be nil.
func New(st store.Store, rec Reconciler, n notify.Notifier) *Manager {
	return &Manager{store: st, reconciler: rec, notifier: n}
}

// Deposit is the result of AddLiquidity.
type Deposit struct {
	MarketID   string          `json:"market_id"`
	Amount     decimal.Decimal `json:"amount"`
	LpShares   decimal.Decimal `json:"lp_shares"`
	YesAdded   decimal.Decimal `json:"yes_added"`
	NoAdded    decimal.Decimal `json:"no_added"`
	YesReserve decimal.Decimal `json:"yes_reserve"`
	NoReserve  decimal.Decimal `json:"no_reserve"`
}

// Withdrawal is the result of RemoveLiquidity.
type Withdrawal struct {
	MarketID   string          `json:"market_id"`
	LpShares   decimal.Decimal `json:"lp_shares"`
	UsdtOut    decimal.Decimal `json:"usdt_out"`
	YesRemoved decimal.Decimal `json:"yes_removed"`
	NoRemoved  decimal.Decimal `json:"no_removed"`
	YesReserve decimal.Decimal `json:"yes_reserve"`
	NoReserve  decimal.Decimal `json:"no_reserve"`
}

// MintShares returns the LP shares a deposit of amount earns:
// allShares * amount / poolValue, or amount itself on an empty pool.
func MintShares(m *model.Market, amount decimal.Decimal) decimal.Decimal {
	all := m.AllLpShares()
	value := m.PoolValue()
	if !all.IsPositive() || !value.IsPositive() {
		return amount
	}
	return all.Mul(amount).Div(value).Truncate(amm.ShareScale)
}

// ApplyDeposit adds amount to m's reserves in their current ratio and
// credits shares to the LP total.
func ApplyDeposit(m *model.Market, amount, shares decimal.Decimal) (amm.Reserves, error) {
	add := amm.SplitByRatio(amm.Reserves{Yes: m.YesReserve, No: m.NoReserve}, amount)
	next := amm.Reserves{Yes: m.YesReserve.Add(add.Yes), No: m.NoReserve.Add(add.No)}
	prices, err := amm.GetPrice(next)
	if err != nil {
		return amm.Reserves{}, err
	}
	m.YesReserve, m.NoReserve = next.Yes, next.No
	m.YesPrice, m.NoPrice = prices.Yes, prices.No
	m.TotalLpShares = m.TotalLpShares.Add(shares)
	return add, nil
}

// Floor is the smallest either reserve may be left at by a withdrawal.
func Floor(m *model.Market) decimal.Decimal {
	half := m.InitialLiquidity.Div(decimal.NewFromInt(2))
	if half.GreaterThan(MinDeposit) {
		return half
	}
	return MinDeposit
}

// ApplyWithdrawal removes the pro-rata reserves backing shares from m.
// Returns ErrReserveTooLow when either reserve would drop below Floor.
func ApplyWithdrawal(m *model.Market, shares decimal.Decimal) (amm.Reserves, error) {
	all := m.AllLpShares()
	if !all.IsPositive() {
		return amm.Reserves{}, ErrEmptyPool
	}
	out := amm.Reserves{
		Yes: m.YesReserve.Mul(shares).Div(all).Truncate(amm.ShareScale),
		No:  m.NoReserve.Mul(shares).Div(all).Truncate(amm.ShareScale),
	}
	next := amm.Reserves{Yes: m.YesReserve.Sub(out.Yes), No: m.NoReserve.Sub(out.No)}
	floor := Floor(m)
	if next.Yes.LessThan(floor) || next.No.LessThan(floor) {
		return amm.Reserves{}, ErrReserveTooLow
	}
	prices, err := amm.GetPrice(next)
	if err != nil {
		return amm.Reserves{}, err
	}
	m.YesReserve, m.NoReserve = next.Yes, next.No
	m.YesPrice, m.NoPrice = prices.Yes, prices.No
	m.TotalLpShares = m.TotalLpShares.Sub(shares)
	if m.TotalLpShares.IsNegative() {
		m.TotalLpShares = decimal.Zero
	}
	return out, nil
}

// ApplyPayout removes usdtOut from m's reserves in their current ratio and
// burns shares from the LP total. It mirrors withdrawals already validated
// elsewhere, so the Floor is not enforced.
func ApplyPayout(m *model.Market, usdtOut, shares decimal.Decimal) (amm.Reserves, error) {
	out := amm.SplitByRatio(amm.Reserves{Yes: m.YesReserve, No: m.NoReserve}, usdtOut)
	next := amm.Reserves{Yes: m.YesReserve.Sub(out.Yes), No: m.NoReserve.Sub(out.No)}
	prices, err := amm.GetPrice(next)
	if err != nil {
		return amm.Reserves{}, err
	}
	m.YesReserve, m.NoReserve = next.Yes, next.No
	m.YesPrice, m.NoPrice = prices.Yes, prices.No
	m.TotalLpShares = decimal.Max(m.TotalLpShares.Sub(shares), decimal.Zero)
	return out, nil
}

func checkMarket(m *model.Market, now time.Time) error {
	if err := ledger.CheckTradable(m, now); err != nil {
		return err
	}
	if m.Type != model.MarketTypeBinary {
		return ErrNotBinary
	}
	return nil
}

// AddLiquidity deposits amount of the user's balance into the market pool.
func (lm *Manager) AddLiquidity(ctx context.Context, userID, marketID string, amount decimal.Decimal) (*Deposit, error) {
	if amount.LessThan(MinDeposit) || amount.GreaterThan(MaxDeposit) {
		return nil, ErrInvalidAmount
	}

	var dep *Deposit
	var market *model.Market
	err := lm.store.InTx(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if err := checkMarket(m, now); err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if err := ledger.Debit(bal, amount); err != nil {
			return err
		}

		shares := MintShares(m, amount)
		added, err := ApplyDeposit(m, amount, shares)
		if err != nil {
			return err
		}
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		if err := tx.UpdateBalance(ctx, bal); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if err := creditLp(ctx, tx, userID, marketID, shares, amount, now); err != nil {
			return err
		}
		if err := tx.InsertSettlementLog(ctx, &model.SettlementLog{
			ID:        uuid.New().String(),
			MarketID:  marketID,
			UserID:    userID,
			Action:    model.ActionAddLiquidity,
			Amount:    amount,
			Shares:    shares,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("insert settlement log: %w", err)
		}

		market = m
		dep = &Deposit{
			MarketID:   marketID,
			Amount:     amount,
			LpShares:   shares,
			YesAdded:   added.Yes,
			NoAdded:    added.No,
			YesReserve: m.YesReserve,
			NoReserve:  m.NoReserve,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LiquidityActions.WithLabelValues("add").Inc()
	slog.Info("liquidity added",
		"user", userID,
		"market", marketID,
		"amount", amount.String(),
		"lp_shares", dep.LpShares.String(),
	)
	lm.afterCommit(ctx, market)
	return dep, nil
}

// RemoveLiquidity burns shares of the user's LP stake and credits the
// pro-rata share of both reserves to their balance.
func (lm *Manager) RemoveLiquidity(ctx context.Context, userID, marketID string, shares decimal.Decimal) (*Withdrawal, error) {
	if !shares.IsPositive() {
		return nil, ErrInvalidShares
	}

	var wd *Withdrawal
	var market *model.Market
	err := lm.store.InTx(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		lp, err := tx.LockLpPosition(ctx, userID, marketID)
		if err != nil {
			return err
		}
		if lp.LpShares.LessThan(shares) {
			return ErrInsufficientLp
		}

		out, err := ApplyWithdrawal(m, shares)
		if err != nil {
			return err
		}
		usdt := out.Total()
		bal.Available = bal.Available.Add(usdt)

		// Deposit basis shrinks in proportion to the shares burned.
		basis := lp.DepositAmount.Mul(shares).Div(lp.LpShares).Truncate(amm.ShareScale)
		lp.LpShares = lp.LpShares.Sub(shares)
		lp.DepositAmount = lp.DepositAmount.Sub(basis)
		lp.UpdatedAt = now

		if err := tx.UpdateMarket(ctx, m); err != nil {
			return fmt.Errorf("update market: %w", err)
		}
		if err := tx.UpdateBalance(ctx, bal); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if err := tx.SaveLpPosition(ctx, lp); err != nil {
			return fmt.Errorf("save lp position: %w", err)
		}
		if err := tx.InsertSettlementLog(ctx, &model.SettlementLog{
			ID:        uuid.New().String(),
			MarketID:  marketID,
			UserID:    userID,
			Action:    model.ActionRemoveLiquidity,
			Amount:    usdt,
			Shares:    shares,
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("insert settlement log: %w", err)
		}

		market = m
		wd = &Withdrawal{
			MarketID:   marketID,
			LpShares:   shares,
			UsdtOut:    usdt,
			YesRemoved: out.Yes,
			NoRemoved:  out.No,
			YesReserve: m.YesReserve,
			NoReserve:  m.NoReserve,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LiquidityActions.WithLabelValues("remove").Inc()
	slog.Info("liquidity removed",
		"user", userID,
		"market", marketID,
		"lp_shares", shares.String(),
		"usdt_out", wd.UsdtOut.String(),
	)
	lm.afterCommit(ctx, market)
	return wd, nil
}

// creditLp upserts the user's cumulative LP stake.
func creditLp(ctx context.Context, tx store.Tx, userID, marketID string, shares, deposit decimal.Decimal, now time.Time) error {
	lp, err := tx.LockLpPosition(ctx, userID, marketID)
	if err != nil {
		return err
	}
	lp.LpShares = lp.LpShares.Add(shares)
	lp.DepositAmount = lp.DepositAmount.Add(deposit)
	lp.UpdatedAt = now
	if err := tx.SaveLpPosition(ctx, lp); err != nil {
		return fmt.Errorf("save lp position: %w", err)
	}
	return nil
}

// CreditLp is creditLp for callers mirroring deposits made elsewhere.
func CreditLp(ctx context.Context, tx store.Tx, userID, marketID string, shares, deposit decimal.Decimal, now time.Time) error {
	return creditLp(ctx, tx, userID, marketID, shares, deposit, now)
}

// DebitLp burns shares from the user's stake, clamping at zero. Used when
// mirroring withdrawals whose validity was already enforced elsewhere.
func DebitLp(ctx context.Context, tx store.Tx, userID, marketID string, shares decimal.Decimal, now time.Time) error {
	lp, err := tx.LockLpPosition(ctx, userID, marketID)
	if err != nil {
		return err
	}
	if lp.LpShares.IsPositive() {
		basis := lp.DepositAmount.Mul(decimal.Min(shares, lp.LpShares)).Div(lp.LpShares).Truncate(amm.ShareScale)
		lp.DepositAmount = lp.DepositAmount.Sub(basis)
	}
	lp.LpShares = decimal.Max(lp.LpShares.Sub(shares), decimal.Zero)
	lp.UpdatedAt = now
	if err := tx.SaveLpPosition(ctx, lp); err != nil {
		return fmt.Errorf("save lp position: %w", err)
	}
	return nil
}

func (lm *Manager) afterCommit(ctx context.Context, m *model.Market) {
	lm.notifier.BroadcastPriceUpdate(ctx, m.ID, m.YesPrice, m.NoPrice)
	if lm.reconciler == nil {
		return
	}
	if _, err := lm.reconciler.MatchLimitOrders(ctx, m.ID); err != nil {
		slog.Warn("limit order reconciliation failed", "market", m.ID, "err", err)
	}
}
