package liquidity

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/amm"
	"github.com/yesno/market-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Provider is one LP's claim on the pool.
type Provider struct {
	UserID        string          `json:"user_id"`
	LpShares      decimal.Decimal `json:"lp_shares"`
	DepositAmount decimal.Decimal `json:"deposit_amount"`
	SharePercent  decimal.Decimal `json:"share_percent"`
	Value         decimal.Decimal `json:"value"`
}

// Info is a read-only projection of a market's pool.
type Info struct {
	MarketID        string          `json:"market_id"`
	YesReserve      decimal.Decimal `json:"yes_reserve"`
	NoReserve       decimal.Decimal `json:"no_reserve"`
	PoolValue       decimal.Decimal `json:"pool_value"`
	TotalLpShares   decimal.Decimal `json:"total_lp_shares"`
	VirtualLpShares decimal.Decimal `json:"virtual_lp_shares"`
	YesPrice        decimal.Decimal `json:"yes_price"`
	NoPrice         decimal.Decimal `json:"no_price"`
	User            *Provider       `json:"user,omitempty"`
	Providers       []Provider      `json:"providers"`
}

// GetLpInfo projects the pool of marketID. userID may be empty; when set,
// User holds that user's claim (zero when they hold none).
func (lm *Manager) GetLpInfo(ctx context.Context, marketID, userID string) (*Info, error) {
	m, err := lm.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	lps, err := lm.store.ListLpPositions(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("list lp positions: %w", err)
	}

	info := &Info{
		MarketID:        m.ID,
		YesReserve:      m.YesReserve,
		NoReserve:       m.NoReserve,
		PoolValue:       m.PoolValue(),
		TotalLpShares:   m.TotalLpShares,
		VirtualLpShares: m.VirtualLpShares,
		YesPrice:        m.YesPrice,
		NoPrice:         m.NoPrice,
		Providers:       make([]Provider, 0, len(lps)),
	}
	for _, lp := range lps {
		p := provider(m, lp)
		info.Providers = append(info.Providers, p)
		if lp.UserID == userID {
			info.User = &p
		}
	}
	if userID != "" && info.User == nil {
		info.User = &Provider{UserID: userID}
	}
	return info, nil
}

func provider(m *model.Market, lp model.LpPosition) Provider {
	p := Provider{UserID: lp.UserID, LpShares: lp.LpShares, DepositAmount: lp.DepositAmount}
	all := m.AllLpShares()
	if all.IsPositive() {
		p.SharePercent = lp.LpShares.Mul(hundred).DivRound(all, amm.PriceScale)
		p.Value = m.PoolValue().Mul(lp.LpShares).Div(all).Truncate(amm.ShareScale)
	}
	return p
}
