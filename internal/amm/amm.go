// Package amm implements the constant-product automated market maker (CPMM)
// for binary YES/NO markets.
//
// The pool holds a YES reserve and a NO reserve with yes * no = k. Buying a
// side adds USDT to the opposite reserve and withdraws shares from the side's
// reserve so that k is preserved; selling is the inverse. Prices are derived
// from the reserve ratio:
//
//	p_yes = no / (yes + no),  p_no = 1 - p_yes
//
// All values use shopspring/decimal; never float64 for money. Functions are
// pure: market state is passed in, never stored.
package amm

import (
	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/model"
)

var (
	// ErrInvalidReserves is returned when either reserve is <= 0.
	ErrInvalidReserves = apperr.New(apperr.State, "amm: reserves must be positive")

	// ErrInvalidAmount is returned for non-positive trade sizes, or sizes too
	// small to move a single unit at ShareScale.
	ErrInvalidAmount = apperr.New(apperr.Validation, "amm: amount must be positive")

	// ErrReserveDepletion is returned when a trade would push a reserve below
	// MinReserve.
	ErrReserveDepletion = apperr.New(apperr.ReserveDepletion, "amm: trade would deplete pool reserves")

	// MinReserve is the floor neither reserve may cross.
	MinReserve = decimal.New(1, -3)

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 8

	// ShareScale is the number of decimal places shares and payouts are
	// truncated to. Truncation always favours the pool.
	ShareScale int32 = 8

	one = decimal.NewFromInt(1)
)

// Reserves is the pool state of one market.
type Reserves struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// Of returns the reserve backing side.
func (r Reserves) Of(side model.Side) decimal.Decimal {
	if side == model.SideYes {
		return r.Yes
	}
	return r.No
}

// K returns the constant product yes * no.
func (r Reserves) K() decimal.Decimal {
	return r.Yes.Mul(r.No)
}

// Total returns yes + no.
func (r Reserves) Total() decimal.Decimal {
	return r.Yes.Add(r.No)
}

// Prices is a YES/NO price pair. Yes + No is exactly 1.
type Prices struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// Of returns the price of side.
func (p Prices) Of(side model.Side) decimal.Decimal {
	if side == model.SideYes {
		return p.Yes
	}
	return p.No
}

// BuyResult describes a buy against the pool.
type BuyResult struct {
	SharesOut     decimal.Decimal `json:"shares_out"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	NewReserves   Reserves        `json:"new_reserves"`
	NewPrices     Prices          `json:"new_prices"`
	PriceImpact   decimal.Decimal `json:"price_impact"`
}

// SellResult describes a sell against the pool.
type SellResult struct {
	AmountOut     decimal.Decimal `json:"amount_out"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	NewReserves   Reserves        `json:"new_reserves"`
	NewPrices     Prices          `json:"new_prices"`
	PriceImpact   decimal.Decimal `json:"price_impact"`
}

// CreatePool returns the reserves of a freshly seeded 50/50 pool.
func CreatePool(liquidity decimal.Decimal) Reserves {
	return Reserves{Yes: liquidity, No: liquidity}
}

func validate(r Reserves) error {
	if !r.Yes.IsPositive() || !r.No.IsPositive() {
		return ErrInvalidReserves
	}
	return nil
}

// GetPrice derives the instantaneous YES/NO prices from the reserves.
// NO is computed as 1 - YES, so the pair always sums to exactly 1.
func GetPrice(r Reserves) (Prices, error) {
	if err := validate(r); err != nil {
		return Prices{}, err
	}
	yes := r.No.DivRound(r.Total(), PriceScale)
	return Prices{Yes: yes, No: one.Sub(yes)}, nil
}

// CalculateBuy computes the shares received for spending amount on side.
// The amount is added to the opposite reserve and shares are drawn from the
// side's reserve so that yes * no stays constant.
func CalculateBuy(r Reserves, side model.Side, amount decimal.Decimal) (*BuyResult, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	oldPrices, err := GetPrice(r)
	if err != nil {
		return nil, err
	}

	k := r.K()
	var next Reserves
	var shares decimal.Decimal

	if side == model.SideYes {
		next.No = r.No.Add(amount)
		shares = r.Yes.Sub(k.Div(next.No)).Truncate(ShareScale)
		next.Yes = r.Yes.Sub(shares)
	} else {
		next.Yes = r.Yes.Add(amount)
		shares = r.No.Sub(k.Div(next.Yes)).Truncate(ShareScale)
		next.No = r.No.Sub(shares)
	}

	if next.Yes.LessThan(MinReserve) || next.No.LessThan(MinReserve) {
		return nil, ErrReserveDepletion
	}
	if !shares.IsPositive() {
		return nil, ErrInvalidAmount
	}

	newPrices, err := GetPrice(next)
	if err != nil {
		return nil, err
	}

	return &BuyResult{
		SharesOut:     shares,
		PricePerShare: amount.DivRound(shares, PriceScale),
		NewReserves:   next,
		NewPrices:     newPrices,
		PriceImpact:   priceImpact(oldPrices.Of(side), newPrices.Of(side)),
	}, nil
}

// CalculateSell computes the USDT received for returning shares of side to
// the pool. Shares are added to the side's reserve and USDT is withdrawn from
// the opposite reserve so that yes * no stays constant.
func CalculateSell(r Reserves, side model.Side, shares decimal.Decimal) (*SellResult, error) {
	if !shares.IsPositive() {
		return nil, ErrInvalidAmount
	}
	oldPrices, err := GetPrice(r)
	if err != nil {
		return nil, err
	}

	k := r.K()
	var next Reserves
	var amountOut decimal.Decimal

	if side == model.SideYes {
		next.Yes = r.Yes.Add(shares)
		amountOut = r.No.Sub(k.Div(next.Yes)).Truncate(ShareScale)
		next.No = r.No.Sub(amountOut)
	} else {
		next.No = r.No.Add(shares)
		amountOut = r.Yes.Sub(k.Div(next.No)).Truncate(ShareScale)
		next.Yes = r.Yes.Sub(amountOut)
	}

	if next.Yes.LessThan(MinReserve) || next.No.LessThan(MinReserve) {
		return nil, ErrReserveDepletion
	}
	if !amountOut.IsPositive() {
		return nil, ErrInvalidAmount
	}

	newPrices, err := GetPrice(next)
	if err != nil {
		return nil, err
	}

	return &SellResult{
		AmountOut:     amountOut,
		PricePerShare: amountOut.DivRound(shares, PriceScale),
		NewReserves:   next,
		NewPrices:     newPrices,
		PriceImpact:   priceImpact(oldPrices.Of(side), newPrices.Of(side)),
	}, nil
}

// priceImpact is |new - old| / old. Informational only.
func priceImpact(oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	if oldPrice.IsZero() {
		return decimal.Zero
	}
	return newPrice.Sub(oldPrice).Abs().DivRound(oldPrice, PriceScale)
}

// SplitByRatio divides amount between the two reserves in their current
// proportion, so adding the parts leaves the price unchanged. An empty pool
// splits evenly.
func SplitByRatio(r Reserves, amount decimal.Decimal) Reserves {
	total := r.Total()
	if !total.IsPositive() {
		half := amount.Div(decimal.NewFromInt(2))
		return Reserves{Yes: half, No: amount.Sub(half)}
	}
	yes := amount.Mul(r.Yes).Div(total)
	return Reserves{Yes: yes, No: amount.Sub(yes)}
}
