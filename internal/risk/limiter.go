// Package risk enforces per-user position limits on buys.
//
// Exposure is the number of shares held, summed over both outcomes of a
// market. Holding YES and NO on the same market still counts in full: the
// limiter caps capital at risk, not net direction.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/model"
)

var (
	// ErrPerMarketLimitExceeded is returned when a buy would push the
	// user's holding in one market beyond the per-market maximum.
	ErrPerMarketLimitExceeded = apperr.New(apperr.State, "risk: per-market position limit exceeded")

	// ErrTotalLimitExceeded is returned when a buy would push the user's
	// holdings across all markets beyond the total maximum.
	ErrTotalLimitExceeded = apperr.New(apperr.State, "risk: total position limit exceeded")
)

// PositionLimiter caps share exposure per market and in total. A zero
// limit disables that check; a nil limiter allows everything.
type PositionLimiter struct {
	// MaxPerMarket is the most shares a user may hold in one market.
	MaxPerMarket decimal.Decimal

	// MaxTotal is the most shares a user may hold across all markets.
	MaxTotal decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given limits.
func NewPositionLimiter(maxPerMarket, maxTotal decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{MaxPerMarket: maxPerMarket, MaxTotal: maxTotal}
}

// Exposures sums positions into market id → shares held.
func Exposures(positions []model.Position) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		out[p.MarketID] = out[p.MarketID].Add(p.Shares)
	}
	return out
}

// CheckBuy validates whether buying shares on marketID respects the limits
// given the user's existing exposures.
func (l *PositionLimiter) CheckBuy(marketID string, shares decimal.Decimal, existing map[string]decimal.Decimal) error {
	if l == nil {
		return nil
	}

	inMarket := existing[marketID].Add(shares)
	if l.MaxPerMarket.IsPositive() && inMarket.GreaterThan(l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}

	if !l.MaxTotal.IsPositive() {
		return nil
	}
	total := inMarket
	for id, exposure := range existing {
		if id == marketID {
			continue // already counted above
		}
		total = total.Add(exposure)
	}
	if total.GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}
	return nil
}
