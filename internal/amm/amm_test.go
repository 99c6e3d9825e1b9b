package amm

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func approx(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}

// --- Price function tests ---

func TestGetPrice_BalancedPoolIsFiftyFifty(t *testing.T) {
	p, err := GetPrice(CreatePool(d(10000)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Yes.Equal(d(0.5)) || !p.No.Equal(d(0.5)) {
		t.Errorf("expected 0.5/0.5, got %s/%s", p.Yes, p.No)
	}
}

func TestGetPrice_SumsToOneExactly(t *testing.T) {
	one := decimal.NewFromInt(1)
	tests := []struct {
		yes, no float64
	}{
		{10000, 10000},
		{9900.99009901, 10100},
		{1, 3},
		{3, 7},
		{0.001, 999999},
		{123.456789, 0.987654},
	}
	for _, tt := range tests {
		p, err := GetPrice(Reserves{Yes: d(tt.yes), No: d(tt.no)})
		if err != nil {
			t.Fatalf("unexpected error for (%v,%v): %v", tt.yes, tt.no, err)
		}
		if !p.Yes.Add(p.No).Equal(one) {
			t.Errorf("prices must sum to exactly 1: yes=%s no=%s (r=%v,%v)", p.Yes, p.No, tt.yes, tt.no)
		}
	}
}

func TestGetPrice_InvalidReserves(t *testing.T) {
	tests := []Reserves{
		{Yes: decimal.Zero, No: d(10)},
		{Yes: d(10), No: decimal.Zero},
		{Yes: d(-1), No: d(10)},
	}
	for _, r := range tests {
		if _, err := GetPrice(r); !errors.Is(err, ErrInvalidReserves) {
			t.Errorf("expected ErrInvalidReserves for %+v, got %v", r, err)
		}
	}
}

func TestGetPrice_CheaperSideHasLargerReserve(t *testing.T) {
	p, _ := GetPrice(Reserves{Yes: d(3000), No: d(1000)})
	if !p.Yes.Equal(d(0.25)) {
		t.Errorf("expected yes=0.25, got %s", p.Yes)
	}
}

// --- Buy tests ---

func TestCalculateBuy_ReferenceValues(t *testing.T) {
	r := CreatePool(d(10000))
	res, err := CalculateBuy(r, model.SideYes, d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(res.SharesOut, d(99.0099), d(0.0001)) {
		t.Errorf("expected sharesOut≈99.0099, got %s", res.SharesOut)
	}
	if !approx(res.NewReserves.Yes, d(9900.9901), d(0.0001)) {
		t.Errorf("expected newYes≈9900.9901, got %s", res.NewReserves.Yes)
	}
	if !res.NewReserves.No.Equal(d(10100)) {
		t.Errorf("expected newNo=10100, got %s", res.NewReserves.No)
	}
	if res.NewPrices.Yes.LessThanOrEqual(d(0.5)) {
		t.Errorf("buying YES should raise the YES price, got %s", res.NewPrices.Yes)
	}
	if !res.PriceImpact.IsPositive() {
		t.Errorf("expected positive price impact, got %s", res.PriceImpact)
	}
}

func TestCalculateBuy_NoSideMirrorsYes(t *testing.T) {
	r := CreatePool(d(10000))
	yes, _ := CalculateBuy(r, model.SideYes, d(250))
	no, _ := CalculateBuy(r, model.SideNo, d(250))
	if !yes.SharesOut.Equal(no.SharesOut) {
		t.Errorf("symmetric pool should give equal shares: yes=%s no=%s", yes.SharesOut, no.SharesOut)
	}
	if !no.NewPrices.No.Equal(yes.NewPrices.Yes) {
		t.Errorf("symmetric prices expected: %s vs %s", no.NewPrices.No, yes.NewPrices.Yes)
	}
}

func TestCalculateBuy_ConstantProductHeld(t *testing.T) {
	r := Reserves{Yes: d(7500), No: d(12500)}
	k := r.K()
	for _, amt := range []float64{0.5, 10, 333.33, 5000} {
		for _, side := range []model.Side{model.SideYes, model.SideNo} {
			res, err := CalculateBuy(r, side, d(amt))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := res.NewReserves.K()
			// Truncation leaves at most 1e-8 shares in the pool.
			if !approx(got, k, k.Mul(d(1e-9))) {
				t.Errorf("k drifted for %s %v: before=%s after=%s", side, amt, k, got)
			}
		}
	}
}

func TestCalculateBuy_InvalidAmount(t *testing.T) {
	r := CreatePool(d(100))
	for _, amt := range []decimal.Decimal{decimal.Zero, d(-5)} {
		if _, err := CalculateBuy(r, model.SideYes, amt); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("expected ErrInvalidAmount for %s, got %v", amt, err)
		}
	}
}

func TestCalculateBuy_ReserveDepletion(t *testing.T) {
	r := Reserves{Yes: d(0.01), No: d(0.01)}
	if _, err := CalculateBuy(r, model.SideYes, d(1000)); !errors.Is(err, ErrReserveDepletion) {
		t.Errorf("expected ErrReserveDepletion, got %v", err)
	}
}

// --- Sell tests ---

func TestCalculateSell_RoundTripNeverProfits(t *testing.T) {
	r := CreatePool(d(10000))
	buy, err := CalculateBuy(r, model.SideYes, d(100))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell, err := CalculateSell(buy.NewReserves, model.SideYes, buy.SharesOut)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sell.AmountOut.GreaterThanOrEqual(d(100)) {
		t.Errorf("round trip must return less than paid: got %s", sell.AmountOut)
	}
	if !approx(sell.AmountOut, d(100), d(0.0001)) {
		t.Errorf("round trip should lose only rounding dust, got %s", sell.AmountOut)
	}
}

func TestCalculateSell_ConstantProductHeld(t *testing.T) {
	r := Reserves{Yes: d(8000), No: d(12000)}
	k := r.K()
	res, err := CalculateSell(r, model.SideNo, d(400))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !approx(res.NewReserves.K(), k, k.Mul(d(1e-9))) {
		t.Errorf("k drifted: before=%s after=%s", k, res.NewReserves.K())
	}
	if !res.NewReserves.No.Equal(d(12400)) {
		t.Errorf("expected NO reserve 12400, got %s", res.NewReserves.No)
	}
	if res.NewPrices.No.GreaterThanOrEqual(d(0.4)) {
		t.Errorf("selling NO should lower the NO price, got %s", res.NewPrices.No)
	}
}

func TestCalculateSell_InvalidAmount(t *testing.T) {
	if _, err := CalculateSell(CreatePool(d(100)), model.SideNo, decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestSplitByRatio_KeepsPrice(t *testing.T) {
	r := Reserves{Yes: d(3000), No: d(1000)}
	before, _ := GetPrice(r)
	add := SplitByRatio(r, d(400))
	if !add.Yes.Add(add.No).Equal(d(400)) {
		t.Fatalf("split must conserve amount, got %s+%s", add.Yes, add.No)
	}
	after, _ := GetPrice(Reserves{Yes: r.Yes.Add(add.Yes), No: r.No.Add(add.No)})
	if !after.Yes.Equal(before.Yes) {
		t.Errorf("price moved: before=%s after=%s", before.Yes, after.Yes)
	}
}

func TestSplitByRatio_EmptyPool(t *testing.T) {
	add := SplitByRatio(Reserves{}, d(10))
	if !add.Yes.Equal(d(5)) || !add.No.Equal(d(5)) {
		t.Errorf("empty pool should split evenly, got %s/%s", add.Yes, add.No)
	}
}
