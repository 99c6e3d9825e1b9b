package trade

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesno/market-engine/internal/amm"
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

type countingReconciler struct {
	mu    sync.Mutex
	calls int
}

func (c *countingReconciler) MatchLimitOrders(context.Context, string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 0, nil
}

func seedMarket(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	require.NoError(t, st.CreateMarket(context.Background(), &model.Market{
		ID: id, Type: model.MarketTypeBinary, Status: model.MarketActive,
		EndTime:          time.Now().Add(time.Hour),
		YesReserve:       d(1000),
		NoReserve:        d(1000),
		YesPrice:         d(0.5),
		NoPrice:          d(0.5),
		VirtualLpShares:  d(1000),
		InitialLiquidity: d(1000),
	}))
}

func newTestEnv(t *testing.T, limiter *risk.PositionLimiter) (*Executor, *store.MemoryStore, *countingReconciler, *notify.Recorder) {
	t.Helper()
	st := store.NewMemoryStore()
	seedMarket(t, st, "m1")
	rec := &countingReconciler{}
	sink := &notify.Recorder{}
	return NewExecutor(st, ledger.DefaultFees(), limiter, rec, notify.New(sink)), st, rec, sink
}

func TestExecuteBuy_ProtocolTakesWholeFeeWithoutLPs(t *testing.T) {
	ex, st, rec, sink := newTestEnv(t, nil)
	st.PutBalance(model.Balance{UserID: "alice", Available: d(500)})
	ctx := context.Background()

	res, err := ex.ExecuteBuy(ctx, "alice", "m1", model.SideYes, d(100))
	require.NoError(t, err)

	assert.True(t, res.Fee.Total.Equal(d(1)))
	assert.True(t, res.Fee.Protocol.Equal(d(1)))
	assert.True(t, res.Fee.LP.IsZero())
	assert.Equal(t, model.TradeBuy, res.Order.Type)
	assert.True(t, res.Order.Amount.Equal(d(100)))
	assert.True(t, res.Order.Price.Equal(d(100).DivRound(res.Order.Shares, amm.PriceScale)))
	assert.True(t, res.YesPrice.GreaterThan(d(0.5)))
	assert.True(t, res.YesPrice.Add(res.NoPrice).Equal(decimal.NewFromInt(1)))

	m, _ := st.GetMarket(ctx, "m1")
	assert.True(t, m.NoReserve.Equal(d(1099)), "net amount goes into the opposite reserve")
	assert.True(t, m.YesReserve.Equal(d(1000).Sub(res.Order.Shares)))
	assert.True(t, m.Volume.Equal(d(100)))

	b, _ := st.GetBalance(ctx, "alice")
	assert.True(t, b.Available.Equal(d(400)))

	pos := st.Position("alice", "m1", model.SideYes)
	require.NotNil(t, pos)
	assert.True(t, pos.Shares.Equal(res.Order.Shares))
	assert.True(t, pos.AvgCost.Equal(res.Order.Price))

	fees := st.FeeRecords("m1")
	require.Len(t, fees, 1)
	assert.True(t, fees[0].ProtocolPortion.Equal(d(1)))

	assert.Equal(t, 1, rec.calls)
	assert.Len(t, sink.OfType(notify.TypeNewTrade), 1)
	assert.Len(t, sink.OfType(notify.TypePriceUpdate), 1)
}

func TestExecuteBuy_ReinjectsLPFee(t *testing.T) {
	ex, st, _, _ := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.LockMarket(ctx, "m1")
		if err != nil {
			return err
		}
		m.TotalLpShares = d(100)
		return tx.UpdateMarket(ctx, m)
	}))
	st.PutBalance(model.Balance{UserID: "alice", Available: d(500)})

	res, err := ex.ExecuteBuy(ctx, "alice", "m1", model.SideYes, d(100))
	require.NoError(t, err)
	assert.True(t, res.Fee.LP.Equal(d(0.8)))
	assert.True(t, res.Fee.Protocol.Equal(d(0.2)))

	m, _ := st.GetMarket(ctx, "m1")
	want := d(1099).Add(d(1000).Sub(res.Order.Shares)).Add(d(0.8))
	assert.True(t, m.PoolValue().Equal(want), "pool value %s, want %s", m.PoolValue(), want)
}

func TestExecuteSell(t *testing.T) {
	ex, st, _, _ := newTestEnv(t, nil)
	st.PutPosition(model.Position{UserID: "bob", MarketID: "m1", Side: model.SideNo, Shares: d(50), AvgCost: d(0.4)})
	ctx := context.Background()

	res, err := ex.ExecuteSell(ctx, "bob", "m1", model.SideNo, d(20))
	require.NoError(t, err)
	assert.Equal(t, model.TradeSell, res.Order.Type)
	assert.True(t, res.Order.Shares.Equal(d(20)))
	assert.True(t, res.NoPrice.LessThan(d(0.5)))

	pos := st.Position("bob", "m1", model.SideNo)
	require.NotNil(t, pos)
	assert.True(t, pos.Shares.Equal(d(30)))
	assert.True(t, pos.AvgCost.Equal(d(0.4)))

	b, _ := st.GetBalance(ctx, "bob")
	assert.True(t, b.Available.Equal(res.Order.Amount))
	gross := res.Order.Amount.Add(res.Fee.Total)
	assert.True(t, res.Fee.Total.Equal(gross.Mul(d(0.01)).Truncate(amm.ShareScale)))
}

func TestExecuteSell_ClosesPosition(t *testing.T) {
	ex, st, _, _ := newTestEnv(t, nil)
	st.PutPosition(model.Position{UserID: "bob", MarketID: "m1", Side: model.SideYes, Shares: d(5), AvgCost: d(0.5)})

	_, err := ex.ExecuteSell(context.Background(), "bob", "m1", model.SideYes, d(5))
	require.NoError(t, err)
	assert.Nil(t, st.Position("bob", "m1", model.SideYes))
}

func TestExecuteTrade_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		buy    bool
		market string
		side   model.Side
		amount float64
		want   error
	}{
		{"invalid side", true, "m1", "maybe", 10, ErrInvalidSide},
		{"zero amount", true, "m1", model.SideYes, 0, ErrInvalidAmount},
		{"insufficient balance", true, "m1", model.SideYes, 200, apperr.ErrInsufficientBalance},
		{"inactive market", true, "closed", model.SideYes, 10, apperr.ErrMarketNotActive},
		{"expired market", true, "expired", model.SideYes, 10, apperr.ErrMarketExpired},
		{"insufficient shares", false, "m1", model.SideYes, 10, apperr.ErrInsufficientShares},
		{"unknown market", true, "missing", model.SideYes, 10, apperr.ErrMarketNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, st, rec, sink := newTestEnv(t, nil)
			ctx := context.Background()
			require.NoError(t, st.CreateMarket(ctx, &model.Market{
				ID: "closed", Type: model.MarketTypeBinary, Status: model.MarketResolved,
				YesReserve: d(1000), NoReserve: d(1000), YesPrice: d(0.5), NoPrice: d(0.5),
			}))
			require.NoError(t, st.CreateMarket(ctx, &model.Market{
				ID: "expired", Type: model.MarketTypeBinary, Status: model.MarketActive,
				EndTime:    time.Now().Add(-time.Minute),
				YesReserve: d(1000), NoReserve: d(1000), YesPrice: d(0.5), NoPrice: d(0.5),
			}))
			st.PutBalance(model.Balance{UserID: "alice", Available: d(100)})

			var err error
			if tt.buy {
				_, err = ex.ExecuteBuy(ctx, "alice", tt.market, tt.side, d(tt.amount))
			} else {
				_, err = ex.ExecuteSell(ctx, "alice", tt.market, tt.side, d(tt.amount))
			}
			assert.ErrorIs(t, err, tt.want)

			b, _ := st.GetBalance(ctx, "alice")
			assert.True(t, b.Available.Equal(d(100)), "balance untouched")
			assert.Empty(t, st.Orders("m1"))
			assert.Zero(t, rec.calls)
			assert.Empty(t, sink.Messages())
		})
	}
}

func TestExecuteBuy_ReserveDepletion(t *testing.T) {
	ex, st, _, _ := newTestEnv(t, nil)
	st.PutBalance(model.Balance{UserID: "whale", Available: d(3e9)})

	_, err := ex.ExecuteBuy(context.Background(), "whale", "m1", model.SideYes, d(3e9))
	assert.ErrorIs(t, err, amm.ErrReserveDepletion)

	m, _ := st.GetMarket(context.Background(), "m1")
	assert.True(t, m.YesReserve.Equal(d(1000)))
}

func TestExecuteBuy_PositionLimit(t *testing.T) {
	ex, st, _, _ := newTestEnv(t, risk.NewPositionLimiter(d(50), decimal.Zero))
	st.PutBalance(model.Balance{UserID: "alice", Available: d(500)})

	_, err := ex.ExecuteBuy(context.Background(), "alice", "m1", model.SideYes, d(100))
	assert.ErrorIs(t, err, risk.ErrPerMarketLimitExceeded)

	b, _ := st.GetBalance(context.Background(), "alice")
	assert.True(t, b.Available.Equal(d(500)))

	_, err = ex.ExecuteBuy(context.Background(), "alice", "m1", model.SideYes, d(10))
	assert.NoError(t, err)
}

// A cached positions list that lags the primary must not let a buy past the
// per-market limit.
func TestExecuteBuy_PositionLimitIgnoresStaleCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := store.NewMemoryStore()
	seedMarket(t, primary, "m1")
	cs := store.NewCachedStore(primary, rdb, time.Minute)
	ex := NewExecutor(cs, ledger.DefaultFees(), risk.NewPositionLimiter(d(50), decimal.Zero), &countingReconciler{}, notify.New(&notify.Recorder{}))
	ctx := context.Background()

	cached, err := cs.GetPositions(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, cached)

	primary.PutPosition(model.Position{UserID: "alice", MarketID: "m1", Side: model.SideYes, Shares: d(45), AvgCost: d(0.5)})
	primary.PutBalance(model.Balance{UserID: "alice", Available: d(500)})

	_, err = ex.ExecuteBuy(ctx, "alice", "m1", model.SideYes, d(10))
	assert.ErrorIs(t, err, risk.ErrPerMarketLimitExceeded)
	assert.True(t, primary.Position("alice", "m1", model.SideYes).Shares.Equal(d(45)))
}

// Concurrent buys must end in the same state as the same buys applied one
// after another.
func TestExecuteBuy_ConcurrentMatchesSequential(t *testing.T) {
	const n = 25
	amount := d(7.5)

	concurrent, cst, _, _ := newTestEnv(t, nil)
	sequential, sst, _, _ := newTestEnv(t, nil)
	for i := 0; i < n; i++ {
		user := "u" + string(rune('a'+i))
		cst.PutBalance(model.Balance{UserID: user, Available: d(100)})
		sst.PutBalance(model.Balance{UserID: user, Available: d(100)})
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			if _, err := concurrent.ExecuteBuy(ctx, user, "m1", model.SideYes, amount); err != nil {
				errs <- err
			}
		}("u" + string(rune('a'+i)))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent buy failed: %v", err)
	}

	for i := 0; i < n; i++ {
		_, err := sequential.ExecuteBuy(ctx, "u"+string(rune('a'+i)), "m1", model.SideYes, amount)
		require.NoError(t, err)
	}

	got, _ := cst.GetMarket(ctx, "m1")
	want, _ := sst.GetMarket(ctx, "m1")
	assert.True(t, got.YesReserve.Equal(want.YesReserve), "yes reserve %s != %s", got.YesReserve, want.YesReserve)
	assert.True(t, got.NoReserve.Equal(want.NoReserve), "no reserve %s != %s", got.NoReserve, want.NoReserve)
	assert.True(t, got.Volume.Equal(amount.Mul(decimal.NewFromInt(n))))
	assert.Len(t, cst.Orders("m1"), n)

	// Every share handed out came from the YES reserve.
	issued := decimal.Zero
	for _, o := range cst.Orders("m1") {
		issued = issued.Add(o.Shares)
	}
	assert.True(t, d(1000).Sub(got.YesReserve).Equal(issued))
}
