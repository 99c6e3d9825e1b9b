package orderbook

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/ledger"
	"github.com/yesno/market-engine/internal/model"
	"github.com/yesno/market-engine/internal/notify"
	"github.com/yesno/market-engine/internal/risk"
	"github.com/yesno/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeReconciler struct {
	mu      sync.Mutex
	markets []string
}

func (f *fakeReconciler) MatchLimitOrders(_ context.Context, marketID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markets = append(f.markets, marketID)
	return 0, nil
}

type fixture struct {
	store *store.MemoryStore
	book  *Book
	rec   *notify.Recorder
	recon *fakeReconciler
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateMarket(context.Background(), &model.Market{
		ID: "m1", Type: model.MarketTypeBinary, Status: model.MarketActive,
		YesReserve: d(1000), NoReserve: d(1000), YesPrice: d(0.5), NoPrice: d(0.5),
		InitialLiquidity: d(1000),
	}))
	rec := &notify.Recorder{}
	recon := &fakeReconciler{}
	return &fixture{
		store: st,
		book:  New(st, ledger.DefaultFees(), nil, recon, notify.New(rec)),
		rec:   rec,
		recon: recon,
	}
}

func (f *fixture) balance(t *testing.T, user string) *model.Balance {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b
}

// restingBuy seeds a resting buy with its funds already locked.
func (f *fixture) restingBuy(id, user string, price, amount float64, at time.Time) {
	f.store.PutOpenOrder(model.OpenOrder{ID: id, UserID: user, MarketID: "m1", Side: model.SideYes,
		OrderSide: model.OrderSideBuy, Price: d(price), Amount: d(amount), Status: model.OrderOpen, CreatedAt: at})
	f.store.PutBalance(model.Balance{UserID: user, Locked: d(price * amount)})
}

// restingSell seeds a resting sell whose shares are already reserved.
func (f *fixture) restingSell(id, user string, price, amount float64, at time.Time) {
	f.store.PutOpenOrder(model.OpenOrder{ID: id, UserID: user, MarketID: "m1", Side: model.SideYes,
		OrderSide: model.OrderSideSell, Price: d(price), Amount: d(amount), Status: model.OrderOpen, CreatedAt: at})
}

func TestPlaceLimitOrder_PriceTimePriority(t *testing.T) {
	f := setup(t)
	base := time.Now().Add(-time.Hour)
	f.restingBuy("alice-order", "alice", 0.6, 10, base)
	f.restingBuy("bob-order", "bob", 0.6, 10, base.Add(time.Second))
	f.store.PutPosition(model.Position{UserID: "carol", MarketID: "m1", Side: model.SideYes, Shares: d(15), AvgCost: d(0.3)})

	res, err := f.book.PlaceLimitOrder(context.Background(), LimitOrderRequest{
		UserID: "carol", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideSell,
		Price: d(0.5), Amount: d(15),
	})
	require.NoError(t, err)

	assert.True(t, res.Shares.Equal(d(15)))
	assert.Equal(t, model.OrderFilled, res.Order.Status)
	require.Len(t, res.Fills, 2)
	assert.True(t, res.Fills[0].Price.Equal(d(0.6)), "fills happen at the maker price")

	alice := f.store.OpenOrder("alice-order")
	assert.Equal(t, model.OrderFilled, alice.Status)
	bob := f.store.OpenOrder("bob-order")
	assert.Equal(t, model.OrderPartial, bob.Status)
	assert.True(t, bob.Filled.Equal(d(5)))

	assert.True(t, f.balance(t, "carol").Available.Equal(d(9)))
	assert.True(t, f.balance(t, "alice").Locked.IsZero())
	assert.True(t, f.balance(t, "bob").Locked.Equal(d(3)))

	pos := f.store.Position("alice", "m1", model.SideYes)
	require.NotNil(t, pos)
	assert.True(t, pos.Shares.Equal(d(10)))
	assert.True(t, pos.AvgCost.Equal(d(0.6)))
	assert.Nil(t, f.store.Position("carol", "m1", model.SideYes))

	// One fill row per participant per match.
	assert.Len(t, f.store.Orders("m1"), 4)
	assert.Len(t, f.rec.OfType(notify.TypeNewTrade), 4)
	assert.NotEmpty(t, f.rec.OfType(notify.TypeOrderBookUpdate))
}

func TestPlaceLimitOrder_RestsWithoutCounterparty(t *testing.T) {
	f := setup(t)
	f.store.PutBalance(model.Balance{UserID: "alice", Available: d(100)})

	res, err := f.book.PlaceLimitOrder(context.Background(), LimitOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideNo, OrderSide: model.OrderSideBuy,
		Price: d(0.3), Amount: d(50),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderOpen, res.Order.Status)
	assert.Empty(t, res.Fills)

	b := f.balance(t, "alice")
	assert.True(t, b.Available.Equal(d(85)))
	assert.True(t, b.Locked.Equal(d(15)))
	assert.Empty(t, f.recon.markets, "a resting order does not move the pool")
}

func TestPlaceLimitOrder_ReleasesPriceImprovement(t *testing.T) {
	f := setup(t)
	f.restingSell("carol-order", "carol", 0.4, 10, time.Now().Add(-time.Minute))
	f.store.PutBalance(model.Balance{UserID: "alice", Available: d(100)})

	res, err := f.book.PlaceLimitOrder(context.Background(), LimitOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideBuy,
		Price: d(0.6), Amount: d(10),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, res.Order.Status)

	b := f.balance(t, "alice")
	assert.True(t, b.Available.Equal(d(96)), "available %s", b.Available)
	assert.True(t, b.Locked.IsZero())
	assert.True(t, f.balance(t, "carol").Available.Equal(d(4)))
}

func TestPlaceLimitOrder_PartialFillRestsRemainder(t *testing.T) {
	f := setup(t)
	f.restingSell("carol-order", "carol", 0.5, 4, time.Now().Add(-time.Minute))
	f.store.PutBalance(model.Balance{UserID: "alice", Available: d(100)})

	res, err := f.book.PlaceLimitOrder(context.Background(), LimitOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideBuy,
		Price: d(0.5), Amount: d(10),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderPartial, res.Order.Status)
	assert.True(t, res.Order.Filled.Equal(d(4)))

	b := f.balance(t, "alice")
	assert.True(t, b.Locked.Equal(d(3)), "remaining 6 shares at 0.5 stay locked")
	assert.True(t, b.Available.Equal(d(95)))
}

func TestPlaceLimitOrder_IgnoresOnChainOrders(t *testing.T) {
	f := setup(t)
	chainID := int64(9)
	f.store.PutOpenOrder(model.OpenOrder{ID: "chain", UserID: "0xabc", MarketID: "m1", Side: model.SideYes,
		OrderSide: model.OrderSideSell, Price: d(0.2), Amount: d(10), Status: model.OrderOpen,
		OnChainOrderID: &chainID, CreatedAt: time.Now().Add(-time.Minute)})
	f.store.PutBalance(model.Balance{UserID: "alice", Available: d(100)})

	res, err := f.book.PlaceLimitOrder(context.Background(), LimitOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideBuy,
		Price: d(0.9), Amount: d(10),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Fills)
	assert.Equal(t, model.OrderOpen, f.store.OpenOrder("chain").Status)

	snap, err := f.book.GetOrderBook(context.Background(), "m1", model.SideYes)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1, "mirrored orders still show in the book")
}

func TestPlaceLimitOrder_Rejections(t *testing.T) {
	f := setup(t)
	f.store.PutBalance(model.Balance{UserID: "alice", Available: d(1)})
	ctx := context.Background()

	cases := []struct {
		name string
		req  LimitOrderRequest
		want error
	}{
		{"price too low", LimitOrderRequest{UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideBuy, Price: d(0.001), Amount: d(1)}, ErrInvalidPrice},
		{"price too high", LimitOrderRequest{UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideBuy, Price: d(0.995), Amount: d(1)}, ErrInvalidPrice},
		{"zero amount", LimitOrderRequest{UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideBuy, Price: d(0.5), Amount: d(0)}, ErrInvalidAmount},
		{"bad side", LimitOrderRequest{UserID: "alice", MarketID: "m1", Side: "maybe", OrderSide: model.OrderSideBuy, Price: d(0.5), Amount: d(1)}, ErrInvalidSide},
		{"bad order side", LimitOrderRequest{UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: "hold", Price: d(0.5), Amount: d(1)}, ErrInvalidOrderSide},
		{"insufficient balance", LimitOrderRequest{UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideBuy, Price: d(0.5), Amount: d(10)}, apperr.ErrInsufficientBalance},
		{"insufficient shares", LimitOrderRequest{UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideSell, Price: d(0.5), Amount: d(10)}, apperr.ErrInsufficientShares},
		{"unknown market", LimitOrderRequest{UserID: "alice", MarketID: "nope", Side: model.SideYes, OrderSide: model.OrderSideBuy, Price: d(0.5), Amount: d(1)}, apperr.ErrMarketNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.book.PlaceLimitOrder(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.True(t, f.balance(t, "alice").Available.Equal(d(1)), "rejections leave the balance untouched")
}

func TestPlaceLimitOrder_ExpiredMarket(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.store.CreateMarket(context.Background(), &model.Market{
		ID: "old", Type: model.MarketTypeBinary, Status: model.MarketActive,
		YesReserve: d(10), NoReserve: d(10), YesPrice: d(0.5), NoPrice: d(0.5),
		EndTime: time.Now().Add(-time.Hour),
	}))
	f.store.PutBalance(model.Balance{UserID: "alice", Available: d(100)})

	_, err := f.book.PlaceLimitOrder(context.Background(), LimitOrderRequest{
		UserID: "alice", MarketID: "old", Side: model.SideYes, OrderSide: model.OrderSideBuy,
		Price: d(0.5), Amount: d(1),
	})
	assert.ErrorIs(t, err, apperr.ErrMarketExpired)
}

func TestPlaceMarketOrder_BuySweepsBookThenPool(t *testing.T) {
	f := setup(t)
	f.restingSell("carol-order", "carol", 0.4, 10, time.Now().Add(-time.Minute))
	f.store.PutBalance(model.Balance{UserID: "alice", Available: d(100)})

	res, err := f.book.PlaceMarketOrder(context.Background(), MarketOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideBuy, Amount: d(10),
	})
	require.NoError(t, err)

	require.Len(t, res.Fills, 2)
	assert.Equal(t, model.TradeMarket, res.Fills[0].Type)
	require.NotNil(t, res.Pool)
	assert.True(t, res.Amount.Equal(d(10)))
	assert.Equal(t, model.OrderFilled, f.store.OpenOrder("carol-order").Status)

	m, err := f.store.GetMarket(context.Background(), "m1")
	require.NoError(t, err)
	// 6 USDT reached the pool, 1% fee, no LPs: 5.94 added to the NO reserve.
	assert.True(t, m.NoReserve.Equal(d(1005.94)), "no reserve %s", m.NoReserve)
	assert.True(t, m.YesPrice.GreaterThan(d(0.5)))

	b := f.balance(t, "alice")
	assert.True(t, b.Available.Equal(d(90)))
	assert.True(t, b.Locked.IsZero())

	pos := f.store.Position("alice", "m1", model.SideYes)
	require.NotNil(t, pos)
	assert.True(t, pos.Shares.Equal(d(10).Add(res.Pool.Shares)))

	assert.Equal(t, []string{"m1"}, f.recon.markets)
	assert.Len(t, f.rec.OfType(notify.TypePriceUpdate), 1)
	assert.Len(t, f.store.FeeRecords("m1"), 1)
}

func TestPlaceMarketOrder_SellThroughPool(t *testing.T) {
	f := setup(t)
	f.store.PutPosition(model.Position{UserID: "alice", MarketID: "m1", Side: model.SideNo, Shares: d(20), AvgCost: d(0.5)})

	res, err := f.book.PlaceMarketOrder(context.Background(), MarketOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideNo, OrderSide: model.OrderSideSell, Amount: d(20),
	})
	require.NoError(t, err)
	require.NotNil(t, res.Pool)
	assert.True(t, res.Shares.Equal(d(20)))
	assert.True(t, f.balance(t, "alice").Available.Equal(res.Pool.Amount))
	assert.Nil(t, f.store.Position("alice", "m1", model.SideNo))
}

func TestPositionLimit_CountsHoldingsAtLockTime(t *testing.T) {
	f := setup(t)
	f.book = New(f.store, ledger.DefaultFees(), risk.NewPositionLimiter(d(50), decimal.Zero), f.recon, notify.New(f.rec))
	f.store.PutPosition(model.Position{UserID: "alice", MarketID: "m1", Side: model.SideYes, Shares: d(45), AvgCost: d(0.5)})
	f.store.PutBalance(model.Balance{UserID: "alice", Available: d(500)})
	ctx := context.Background()

	_, err := f.book.PlaceLimitOrder(ctx, LimitOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideBuy,
		Price: d(0.4), Amount: d(10),
	})
	assert.ErrorIs(t, err, risk.ErrPerMarketLimitExceeded)

	_, err = f.book.PlaceMarketOrder(ctx, MarketOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideBuy, Amount: d(10),
	})
	assert.ErrorIs(t, err, risk.ErrPerMarketLimitExceeded)

	assert.True(t, f.balance(t, "alice").Available.Equal(d(500)))
	assert.True(t, f.balance(t, "alice").Locked.IsZero())

	_, err = f.book.PlaceLimitOrder(ctx, LimitOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideBuy,
		Price: d(0.4), Amount: d(5),
	})
	assert.NoError(t, err)
}

func TestCancelOrder(t *testing.T) {
	f := setup(t)
	f.store.PutBalance(model.Balance{UserID: "alice", Available: d(100)})
	ctx := context.Background()

	res, err := f.book.PlaceLimitOrder(ctx, LimitOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideBuy,
		Price: d(0.4), Amount: d(50),
	})
	require.NoError(t, err)

	_, err = f.book.CancelOrder(ctx, "mallory", res.Order.ID)
	assert.ErrorIs(t, err, ErrNotOwner)

	cancelled, err := f.book.CancelOrder(ctx, "alice", res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)

	b := f.balance(t, "alice")
	assert.True(t, b.Available.Equal(d(100)))
	assert.True(t, b.Locked.IsZero())

	_, err = f.book.CancelOrder(ctx, "alice", res.Order.ID)
	assert.ErrorIs(t, err, ErrOrderClosed)

	_, err = f.book.CancelOrder(ctx, "alice", "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelOrder_SellRestoresShares(t *testing.T) {
	f := setup(t)
	f.store.PutPosition(model.Position{UserID: "alice", MarketID: "m1", Side: model.SideYes, Shares: d(30), AvgCost: d(0.45)})
	ctx := context.Background()

	res, err := f.book.PlaceLimitOrder(ctx, LimitOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideSell,
		Price: d(0.8), Amount: d(20),
	})
	require.NoError(t, err)
	assert.True(t, f.store.Position("alice", "m1", model.SideYes).Shares.Equal(d(10)))

	_, err = f.book.CancelOrder(ctx, "alice", res.Order.ID)
	require.NoError(t, err)

	pos := f.store.Position("alice", "m1", model.SideYes)
	assert.True(t, pos.Shares.Equal(d(30)))
	assert.True(t, pos.AvgCost.Equal(d(0.45)))
}

func TestCancelOrder_FullReservationKeepsCostBasis(t *testing.T) {
	f := setup(t)
	f.store.PutPosition(model.Position{UserID: "alice", MarketID: "m1", Side: model.SideYes, Shares: d(20), AvgCost: d(0.45)})
	ctx := context.Background()

	res, err := f.book.PlaceLimitOrder(ctx, LimitOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideSell,
		Price: d(0.8), Amount: d(20),
	})
	require.NoError(t, err)
	assert.True(t, res.Order.ReservedCost.Equal(d(0.45)))
	if pos := f.store.Position("alice", "m1", model.SideYes); pos != nil {
		assert.True(t, pos.Shares.IsZero())
	}

	_, err = f.book.CancelOrder(ctx, "alice", res.Order.ID)
	require.NoError(t, err)

	pos := f.store.Position("alice", "m1", model.SideYes)
	require.NotNil(t, pos)
	assert.True(t, pos.Shares.Equal(d(20)))
	assert.True(t, pos.AvgCost.Equal(d(0.45)), "avg cost %s", pos.AvgCost)
}

func TestCancelOrder_RestoreReweightsNewerHolding(t *testing.T) {
	f := setup(t)
	f.store.PutPosition(model.Position{UserID: "alice", MarketID: "m1", Side: model.SideYes, Shares: d(10), AvgCost: d(0.4)})
	ctx := context.Background()

	res, err := f.book.PlaceLimitOrder(ctx, LimitOrderRequest{
		UserID: "alice", MarketID: "m1", Side: model.SideYes, OrderSide: model.OrderSideSell,
		Price: d(0.9), Amount: d(10),
	})
	require.NoError(t, err)

	// Shares bought while the order rests.
	f.store.PutPosition(model.Position{UserID: "alice", MarketID: "m1", Side: model.SideYes, Shares: d(10), AvgCost: d(0.6)})

	_, err = f.book.CancelOrder(ctx, "alice", res.Order.ID)
	require.NoError(t, err)

	pos := f.store.Position("alice", "m1", model.SideYes)
	require.NotNil(t, pos)
	assert.True(t, pos.Shares.Equal(d(20)))
	assert.True(t, pos.AvgCost.Equal(d(0.5)), "avg cost %s", pos.AvgCost)
}

func TestCancelAllForMarket(t *testing.T) {
	f := setup(t)
	base := time.Now().Add(-time.Minute)
	f.restingBuy("b1", "alice", 0.5, 10, base)
	f.restingSell("s1", "bob", 0.7, 5, base)

	n, err := f.book.CancelAllForMarket(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.True(t, f.balance(t, "alice").Available.Equal(d(5)))
	assert.True(t, f.store.Position("bob", "m1", model.SideYes).Shares.Equal(d(5)))
	assert.Equal(t, model.OrderCancelled, f.store.OpenOrder("b1").Status)
	assert.Equal(t, model.OrderCancelled, f.store.OpenOrder("s1").Status)
}

func TestAggregate(t *testing.T) {
	m := &model.Market{ID: "m1", YesPrice: d(0.55), NoPrice: d(0.45)}
	orders := []model.OpenOrder{
		{OrderSide: model.OrderSideBuy, Price: d(0.4), Amount: d(10), Status: model.OrderOpen},
		{OrderSide: model.OrderSideBuy, Price: d(0.45), Amount: d(5), Status: model.OrderOpen},
		{OrderSide: model.OrderSideBuy, Price: d(0.45), Amount: d(5), Filled: d(2), Status: model.OrderPartial},
		{OrderSide: model.OrderSideSell, Price: d(0.6), Amount: d(3), Status: model.OrderOpen},
		{OrderSide: model.OrderSideSell, Price: d(0.55), Amount: d(4), Status: model.OrderOpen},
		{OrderSide: model.OrderSideSell, Price: d(0.5), Amount: d(4), Status: model.OrderCancelled},
	}

	snap := Aggregate(m, model.SideYes, orders)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	assert.True(t, snap.Bids[0].Price.Equal(d(0.45)))
	assert.True(t, snap.Bids[0].Amount.Equal(d(8)))
	assert.Equal(t, 2, snap.Bids[0].Orders)
	assert.True(t, snap.Asks[0].Price.Equal(d(0.55)))
	require.NotNil(t, snap.Spread)
	assert.True(t, snap.Spread.Equal(d(0.1)))
	assert.True(t, snap.MidPrice.Equal(d(0.5)))

	onlyBids := Aggregate(m, model.SideYes, orders[:1])
	assert.Nil(t, onlyBids.Spread)
	assert.True(t, onlyBids.MidPrice.Equal(d(0.4)))

	empty := Aggregate(m, model.SideNo, nil)
	assert.True(t, empty.MidPrice.Equal(d(0.45)))
	assert.NotNil(t, empty.Bids)
}
