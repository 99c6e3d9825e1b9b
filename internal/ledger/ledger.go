// Package ledger holds the in-transaction primitives every writer shares:
// AMM fills with fee split, balance moves, weighted-average positions, fill
// rows and price history. Callers own the transaction and must already hold
// the market row lock.
package ledger

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/amm"
	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/model"
	"github.com/yesno/market-engine/internal/store"
)

// Fees is the trade fee policy.
type Fees struct {
	// Rate is the fee charged on the gross trade amount.
	Rate decimal.Decimal
	// LpShare is the part of the fee reinjected into the reserves when the
	// pool has LP-owned shares. The rest is protocol revenue.
	LpShare decimal.Decimal
}

// DefaultFees charges 1% and gives 80% of it to liquidity providers.
func DefaultFees() Fees {
	return Fees{
		Rate:    decimal.New(1, -2),
		LpShare: decimal.New(8, -1),
	}
}

// FeeSplit is one fee and where it went.
type FeeSplit struct {
	Total    decimal.Decimal `json:"total"`
	LP       decimal.Decimal `json:"lp"`
	Protocol decimal.Decimal `json:"protocol"`
}

// Split charges the fee on gross. With no LP-owned shares the whole fee is
// protocol revenue.
func (f Fees) Split(gross decimal.Decimal, hasLPs bool) FeeSplit {
	return f.Allocate(gross.Mul(f.Rate).Truncate(amm.ShareScale), hasLPs)
}

// Allocate divides a fee that was already charged between LPs and the
// protocol.
func (f Fees) Allocate(total decimal.Decimal, hasLPs bool) FeeSplit {
	if !hasLPs {
		return FeeSplit{Total: total, LP: decimal.Zero, Protocol: total}
	}
	lp := total.Mul(f.LpShare).Truncate(amm.ShareScale)
	return FeeSplit{Total: total, LP: lp, Protocol: total.Sub(lp)}
}

// Fill is the outcome of one trade against the pool.
type Fill struct {
	Side   model.Side
	Kind   string // model.TradeBuy or model.TradeSell
	Shares decimal.Decimal
	// Amount is what the trader paid (buy, fee included) or received
	// (sell, fee deducted).
	Amount      decimal.Decimal
	Price       decimal.Decimal // Amount / Shares
	Fee         FeeSplit
	PriceImpact decimal.Decimal
}

// CheckTradable rejects trades on inactive or expired markets.
func CheckTradable(m *model.Market, now time.Time) error {
	if m.Status != model.MarketActive {
		return apperr.ErrMarketNotActive
	}
	if m.Expired(now) {
		return apperr.ErrMarketExpired
	}
	return nil
}

func reserves(m *model.Market) amm.Reserves {
	return amm.Reserves{Yes: m.YesReserve, No: m.NoReserve}
}

// SetPool writes post-trade reserves into m, reinjects the LP fee share in
// the current ratio and rederives prices.
func SetPool(m *model.Market, next amm.Reserves, lpFee decimal.Decimal) error {
	if lpFee.IsPositive() {
		add := amm.SplitByRatio(next, lpFee)
		next = amm.Reserves{Yes: next.Yes.Add(add.Yes), No: next.No.Add(add.No)}
	}
	prices, err := amm.GetPrice(next)
	if err != nil {
		return err
	}
	m.YesReserve, m.NoReserve = next.Yes, next.No
	m.YesPrice, m.NoPrice = prices.Yes, prices.No
	return nil
}

// Buy spends gross on side against m's pool. The fee comes off the top and
// the AMM trades the net amount. m is updated in place; nothing is persisted.
func Buy(m *model.Market, side model.Side, gross decimal.Decimal, fees Fees) (*Fill, error) {
	if !gross.IsPositive() {
		return nil, amm.ErrInvalidAmount
	}
	fee := fees.Split(gross, m.TotalLpShares.IsPositive())
	res, err := amm.CalculateBuy(reserves(m), side, gross.Sub(fee.Total))
	if err != nil {
		return nil, err
	}
	if err := SetPool(m, res.NewReserves, fee.LP); err != nil {
		return nil, err
	}
	m.Volume = m.Volume.Add(gross)

	return &Fill{
		Side:        side,
		Kind:        model.TradeBuy,
		Shares:      res.SharesOut,
		Amount:      gross,
		Price:       gross.DivRound(res.SharesOut, amm.PriceScale),
		Fee:         fee,
		PriceImpact: res.PriceImpact,
	}, nil
}

// Sell returns shares of side to m's pool. The fee is taken from the
// proceeds. m is updated in place; nothing is persisted.
func Sell(m *model.Market, side model.Side, shares decimal.Decimal, fees Fees) (*Fill, error) {
	res, err := amm.CalculateSell(reserves(m), side, shares)
	if err != nil {
		return nil, err
	}
	fee := fees.Split(res.AmountOut, m.TotalLpShares.IsPositive())
	if err := SetPool(m, res.NewReserves, fee.LP); err != nil {
		return nil, err
	}
	m.Volume = m.Volume.Add(res.AmountOut)

	net := res.AmountOut.Sub(fee.Total)
	return &Fill{
		Side:        side,
		Kind:        model.TradeSell,
		Shares:      shares,
		Amount:      net,
		Price:       net.DivRound(shares, amm.PriceScale),
		Fee:         fee,
		PriceImpact: res.PriceImpact,
	}, nil
}

// CommitPool persists a pool-moving fill: the market row, a price point and
// the fee record.
func CommitPool(ctx context.Context, tx store.Tx, m *model.Market, userID string, f *Fill, now time.Time) error {
	if err := tx.UpdateMarket(ctx, m); err != nil {
		return fmt.Errorf("update market: %w", err)
	}
	if err := AppendPrice(ctx, tx, m, f.Amount, now); err != nil {
		return err
	}
	if f.Fee.Total.IsPositive() {
		if err := tx.InsertFeeRecord(ctx, &model.FeeRecord{
			ID:              uuid.New().String(),
			MarketID:        m.ID,
			UserID:          userID,
			Kind:            f.Kind,
			Amount:          f.Fee.Total,
			LpPortion:       f.Fee.LP,
			ProtocolPortion: f.Fee.Protocol,
			CreatedAt:       now,
		}); err != nil {
			return fmt.Errorf("insert fee record: %w", err)
		}
	}
	return nil
}

// AppendPrice records m's current prices with the volume of the move.
func AppendPrice(ctx context.Context, tx store.Tx, m *model.Market, volume decimal.Decimal, now time.Time) error {
	if err := tx.InsertPriceHistory(ctx, &model.PriceHistory{
		MarketID:  m.ID,
		YesPrice:  m.YesPrice,
		NoPrice:   m.NoPrice,
		Volume:    volume,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("insert price history: %w", err)
	}
	return nil
}

// Debit takes amount from b's available funds.
func Debit(b *model.Balance, amount decimal.Decimal) error {
	if b.Available.LessThan(amount) {
		return apperr.ErrInsufficientBalance
	}
	b.Available = b.Available.Sub(amount)
	return nil
}

// Lock moves amount from available to locked.
func Lock(b *model.Balance, amount decimal.Decimal) error {
	if err := Debit(b, amount); err != nil {
		return err
	}
	b.Locked = b.Locked.Add(amount)
	return nil
}

// Release returns up to amount of locked funds to available.
func Release(b *model.Balance, amount decimal.Decimal) {
	if amount.GreaterThan(b.Locked) {
		amount = b.Locked
	}
	b.Locked = b.Locked.Sub(amount)
	b.Available = b.Available.Add(amount)
}

// SpendLocked consumes up to amount of locked funds.
func SpendLocked(b *model.Balance, amount decimal.Decimal) {
	if amount.GreaterThan(b.Locked) {
		amount = b.Locked
	}
	b.Locked = b.Locked.Sub(amount)
}

// LockBalances locks the balances of every distinct user in ascending user
// id order, so concurrent multi-party fills never deadlock.
func LockBalances(ctx context.Context, tx store.Tx, userIDs ...string) (map[string]*model.Balance, error) {
	ids := slices.Clone(userIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	out := make(map[string]*model.Balance, len(ids))
	for _, id := range ids {
		b, err := tx.LockBalance(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lock balance %s: %w", id, err)
		}
		out[id] = b
	}
	return out, nil
}

// SaveBalances persists every balance in ascending user id order.
func SaveBalances(ctx context.Context, tx store.Tx, balances map[string]*model.Balance) error {
	ids := make([]string, 0, len(balances))
	for id := range balances {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if err := tx.UpdateBalance(ctx, balances[id]); err != nil {
			return fmt.Errorf("update balance %s: %w", id, err)
		}
	}
	return nil
}

// RestoreShares returns reserved shares to a holding. cost is the average
// cost the shares carried when they were reserved; the holding's average is
// reweighted by share count.
func RestoreShares(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side, shares, cost decimal.Decimal) error {
	p, err := tx.LockPosition(ctx, userID, marketID, side)
	if err != nil {
		return err
	}
	total := p.Shares.Add(shares)
	if total.IsPositive() {
		p.AvgCost = p.Shares.Mul(p.AvgCost).Add(shares.Mul(cost)).DivRound(total, amm.PriceScale)
	}
	p.Shares = total
	if err := tx.SavePosition(ctx, p); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// CreditPosition adds shares bought at price, recomputing the
// shares-weighted average cost.
func CreditPosition(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side, shares, price decimal.Decimal) (*model.Position, error) {
	p, err := tx.LockPosition(ctx, userID, marketID, side)
	if err != nil {
		return nil, err
	}
	total := p.Shares.Add(shares)
	if total.IsPositive() {
		p.AvgCost = p.Shares.Mul(p.AvgCost).Add(shares.Mul(price)).DivRound(total, amm.PriceScale)
	}
	p.Shares = total
	if err := tx.SavePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}
	return p, nil
}

// DebitPosition removes shares from a holding. The average cost of what
// remains is unchanged.
func DebitPosition(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side, shares decimal.Decimal) (*model.Position, error) {
	p, err := tx.LockPosition(ctx, userID, marketID, side)
	if err != nil {
		return nil, err
	}
	if p.Shares.LessThan(shares) {
		return nil, apperr.ErrInsufficientShares
	}
	p.Shares = p.Shares.Sub(shares)
	if err := tx.SavePosition(ctx, p); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}
	return p, nil
}

// RecordFill writes an immutable fill row.
func RecordFill(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side, typ string, amount, shares, price decimal.Decimal, txHash string, now time.Time) (*model.Order, error) {
	o := &model.Order{
		ID:        uuid.New().String(),
		UserID:    userID,
		MarketID:  marketID,
		Side:      side,
		Type:      typ,
		Amount:    amount,
		Shares:    shares,
		Price:     price,
		Status:    model.OrderFilled,
		TxHash:    txHash,
		CreatedAt: now,
	}
	if err := tx.InsertOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return o, nil
}
