package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/ledger"
	"github.com/yesno/market-engine/internal/model"
	"github.com/yesno/market-engine/internal/notify"
	"github.com/yesno/market-engine/internal/settlement"
	"github.com/yesno/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeReader struct {
	yes, no decimal.Decimal
	err     error
	lp      *LpInfo
}

func (r *fakeReader) GetPrice(context.Context, int64) (decimal.Decimal, decimal.Decimal, error) {
	return r.yes, r.no, r.err
}

func (r *fakeReader) GetLpInfo(context.Context, int64, common.Address) (*LpInfo, error) {
	if r.lp == nil {
		return nil, errors.New("no lp info")
	}
	return r.lp, nil
}

type fakeResolver struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeResolver) ResolveMarket(_ context.Context, marketID string, outcome model.Side, txHash string) (*settlement.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, marketID+"/"+string(outcome)+"/"+txHash)
	return &settlement.Report{MarketID: marketID, Outcome: outcome}, nil
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

type syncEnv struct {
	sync     *Synchronizer
	st       *store.MemoryStore
	reader   *fakeReader
	resolver *fakeResolver
	rec      *countingReconciler
	sink     *notify.Recorder
}

func newSyncEnv(t *testing.T, opts SyncOptions) *syncEnv {
	t.Helper()
	st := store.NewMemoryStore()
	chainID := int64(7)
	require.NoError(t, st.CreateMarket(context.Background(), &model.Market{
		ID: "m1", ChainMarketID: &chainID, Type: model.MarketTypeBinary, Status: model.MarketActive,
		EndTime:          time.Now().Add(time.Hour),
		YesReserve:       d(1000),
		NoReserve:        d(1000),
		YesPrice:         d(0.5),
		NoPrice:          d(0.5),
		VirtualLpShares:  d(1000),
		InitialLiquidity: d(1000),
	}))
	env := &syncEnv{
		st:       st,
		reader:   &fakeReader{err: errors.New("rpc down")},
		resolver: &fakeResolver{},
		rec:      &countingReconciler{},
		sink:     &notify.Recorder{},
	}
	env.sync = NewSynchronizer(st, env.reader, env.resolver, env.rec, notify.New(env.sink), ledger.DefaultFees(), opts)
	return env
}

func meta(tx string, index uint) Meta {
	return Meta{TxHash: tx, BlockNumber: 42, LogIndex: index}
}

func aliceID() string { return strings.ToLower(alice.Hex()) }

func buyYes(tx string) *TradeEvent {
	return &TradeEvent{
		Meta: meta(tx, 0), MarketID: 7, User: alice, IsBuy: true, Side: model.SideYes,
		Amount: d(100), Shares: d(180), Fee: d(1),
	}
}

func TestSync_TradeIsAppliedOnce(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{})
	ctx := context.Background()

	require.NoError(t, env.sync.Handle(ctx, buyYes("0xaa")))
	err := env.sync.Handle(ctx, buyYes("0xaa"))
	require.Error(t, err)
	assert.Equal(t, apperr.Duplicate, apperr.KindOf(err))

	m, err := env.st.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, m.NoReserve.Equal(d(1099)), "net amount lands in the opposite reserve")
	assert.True(t, m.YesReserve.Equal(d(820)))
	assert.True(t, m.Volume.Equal(d(100)))
	assert.True(t, m.YesPrice.Add(m.NoPrice).Equal(decimal.NewFromInt(1)))
	assert.True(t, m.YesPrice.GreaterThan(d(0.5)))

	orders := env.st.Orders("m1")
	require.Len(t, orders, 1)
	assert.Equal(t, "0xaa-0", orders[0].TxHash)
	assert.Equal(t, aliceID(), orders[0].UserID, "unclaimed wallets map to the lower-case address")

	p := env.st.Position(aliceID(), "m1", model.SideYes)
	require.NotNil(t, p)
	assert.True(t, p.Shares.Equal(d(180)))

	assert.Len(t, env.sink.OfType(notify.TypeNewTrade), 1)
	assert.Len(t, env.sink.OfType(notify.TypePriceUpdate), 1)
	assert.Equal(t, 1, env.rec.calls)
}

func TestSync_TradesInOneTransactionAreDistinct(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{})
	ctx := context.Background()

	first := buyYes("0xab")
	second := buyYes("0xab")
	second.LogIndex = 1
	require.NoError(t, env.sync.Handle(ctx, first))
	require.NoError(t, env.sync.Handle(ctx, second))
	assert.Equal(t, apperr.Duplicate, apperr.KindOf(env.sync.Handle(ctx, second)))

	assert.Len(t, env.st.Orders("m1"), 2)
	p := env.st.Position(aliceID(), "m1", model.SideYes)
	require.NotNil(t, p)
	assert.True(t, p.Shares.Equal(d(360)))
}

func TestSync_TradeUsesContractPricesWhenReadable(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{})
	env.reader.err = nil
	env.reader.yes, env.reader.no = d(0.61), d(0.39)

	require.NoError(t, env.sync.Handle(context.Background(), buyYes("0xbb")))

	m, _ := env.st.GetMarket(context.Background(), "m1")
	assert.True(t, m.YesPrice.Equal(d(0.61)))
	assert.True(t, m.NoPrice.Equal(d(0.39)))
}

func TestSync_TradeIgnoresUnusableContractPrices(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{})
	env.reader.err = nil
	env.reader.yes, env.reader.no = d(0.7), d(0.7)

	require.NoError(t, env.sync.Handle(context.Background(), buyYes("0xbc")))

	m, _ := env.st.GetMarket(context.Background(), "m1")
	assert.False(t, m.YesPrice.Equal(d(0.7)))
	assert.True(t, m.YesPrice.Add(m.NoPrice).Equal(decimal.NewFromInt(1)))
}

func TestSync_TradeResolvesLinkedWallet(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{})
	env.st.LinkWallet(alice.Hex(), "user-alice")

	require.NoError(t, env.sync.Handle(context.Background(), buyYes("0xcc")))

	orders := env.st.Orders("m1")
	require.Len(t, orders, 1)
	assert.Equal(t, "user-alice", orders[0].UserID)
	assert.NotNil(t, env.st.Position("user-alice", "m1", model.SideYes))
}

func TestSync_SellClampsToHeldShares(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{})
	ctx := context.Background()
	env.st.PutPosition(model.Position{UserID: aliceID(), MarketID: "m1", Side: model.SideNo, Shares: d(10)})

	require.NoError(t, env.sync.Handle(ctx, &TradeEvent{
		Meta: meta("0xdd", 0), MarketID: 7, User: alice, Side: model.SideNo,
		Amount: d(20), Shares: d(40), Fee: d(0.2),
	}))

	m, _ := env.st.GetMarket(ctx, "m1")
	assert.True(t, m.NoReserve.Equal(d(1040)))
	assert.True(t, m.YesReserve.Equal(d(979.8)))
	p := env.st.Position(aliceID(), "m1", model.SideNo)
	require.NotNil(t, p)
	assert.True(t, p.Shares.IsZero())

	orders := env.st.Orders("m1")
	require.Len(t, orders, 1)
	assert.Equal(t, model.TradeSell, orders[0].Type)
}

func TestSync_TradeOnUnknownMarketFails(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{})
	ev := buyYes("0xee")
	ev.MarketID = 99

	err := env.sync.Handle(context.Background(), ev)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, env.st.Orders("m1"))
}

func TestSync_LiquidityAddedAndRemoved(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{})
	ctx := context.Background()

	added := &LiquidityAddedEvent{Meta: meta("0x11", 0), MarketID: 7, User: alice, Amount: d(100), LpShares: d(50)}
	require.NoError(t, env.sync.Handle(ctx, added))
	err := env.sync.Handle(ctx, added)
	assert.Equal(t, apperr.Duplicate, apperr.KindOf(err))

	m, _ := env.st.GetMarket(ctx, "m1")
	assert.True(t, m.YesReserve.Equal(d(1050)))
	assert.True(t, m.NoReserve.Equal(d(1050)))
	assert.True(t, m.TotalLpShares.Equal(d(50)))
	assert.True(t, m.VirtualLpShares.Equal(d(1000)))

	lp := env.st.LpPosition(aliceID(), "m1")
	require.NotNil(t, lp)
	assert.True(t, lp.LpShares.Equal(d(50)))
	assert.True(t, lp.DepositAmount.Equal(d(100)))

	removed := &LiquidityRemovedEvent{Meta: meta("0x12", 0), MarketID: 7, User: alice, Shares: d(25), UsdtOut: d(50)}
	require.NoError(t, env.sync.Handle(ctx, removed))
	err = env.sync.Handle(ctx, removed)
	assert.Equal(t, apperr.Duplicate, apperr.KindOf(err))

	m, _ = env.st.GetMarket(ctx, "m1")
	assert.True(t, m.YesReserve.Equal(d(1025)))
	assert.True(t, m.TotalLpShares.Equal(d(25)))
	lp = env.st.LpPosition(aliceID(), "m1")
	assert.True(t, lp.LpShares.Equal(d(25)))
	assert.True(t, lp.DepositAmount.Equal(d(50)))

	logs := env.st.SettlementLogs("m1")
	require.Len(t, logs, 2)
	assert.Equal(t, model.ActionAddLiquidity, logs[0].Action)
	assert.Equal(t, "0x11", logs[0].TxHash)
	assert.Equal(t, 2, env.rec.calls)
}

func TestSync_TrackVirtualShares(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{TrackVirtualShares: true})
	env.reader.lp = &LpInfo{TotalShares: d(1300)}

	require.NoError(t, env.sync.Handle(context.Background(), &LiquidityAddedEvent{
		Meta: meta("0x13", 0), MarketID: 7, User: alice, Amount: d(100), LpShares: d(50),
	}))

	m, _ := env.st.GetMarket(context.Background(), "m1")
	assert.True(t, m.VirtualLpShares.Equal(d(1250)))
}

func TestSync_MarketResolved(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{})
	ctx := context.Background()

	ev := &MarketResolvedEvent{Meta: meta("0x21", 0), MarketID: 7, Outcome: model.SideYes}
	require.NoError(t, env.sync.Handle(ctx, ev))
	assert.Equal(t, []string{"m1/yes/0x21"}, env.resolver.calls)
}

func TestSync_MarketResolvedTwiceIsDuplicate(t *testing.T) {
	st := store.NewMemoryStore()
	chainID := int64(7)
	require.NoError(t, st.CreateMarket(context.Background(), &model.Market{
		ID: "m1", ChainMarketID: &chainID, Type: model.MarketTypeBinary, Status: model.MarketActive,
		EndTime: time.Now().Add(time.Hour), YesReserve: d(1000), NoReserve: d(1000),
		YesPrice: d(0.5), NoPrice: d(0.5), VirtualLpShares: d(1000), InitialLiquidity: d(1000),
	}))
	sink := &notify.Recorder{}
	n := notify.New(sink)
	engine := settlement.New(st, nil, n)
	s := NewSynchronizer(st, nil, engine, nil, n, ledger.DefaultFees(), SyncOptions{})
	ctx := context.Background()

	ev := &MarketResolvedEvent{Meta: meta("0x22", 0), MarketID: 7, Outcome: model.SideNo}
	require.NoError(t, s.Handle(ctx, ev))
	err := s.Handle(ctx, ev)
	assert.Equal(t, apperr.Duplicate, apperr.KindOf(err))

	m, _ := st.GetMarket(ctx, "m1")
	assert.Equal(t, model.MarketResolved, m.Status)
	require.NotNil(t, m.Outcome)
	assert.Equal(t, model.SideNo, *m.Outcome)
	assert.True(t, m.YesPrice.IsZero())
	assert.True(t, m.NoPrice.Equal(decimal.NewFromInt(1)))
	assert.Len(t, sink.OfType(notify.TypeMarketResolved), 1)

	// Late events after resolution leave the pinned pool alone.
	require.NoError(t, s.Handle(ctx, buyYes("0x23")))
	require.NoError(t, s.Handle(ctx, &LiquidityRemovedEvent{
		Meta: meta("0x24", 0), MarketID: 7, User: alice, Shares: d(10), UsdtOut: d(20),
	}))
	m, _ = st.GetMarket(ctx, "m1")
	assert.True(t, m.YesPrice.IsZero())
	assert.True(t, m.NoPrice.Equal(decimal.NewFromInt(1)))
	assert.True(t, m.YesReserve.Equal(d(1000)))
	assert.True(t, m.NoReserve.Equal(d(1000)))
	assert.True(t, m.Volume.IsZero())
	p := st.Position(aliceID(), "m1", model.SideYes)
	require.NotNil(t, p)
	assert.True(t, p.Shares.Equal(d(180)), "holdings still mirror the late trade")
}

func TestSync_LimitOrderLifecycle(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{})
	ctx := context.Background()

	placed := &LimitOrderPlacedEvent{
		Meta: meta("0x31", 0), OrderID: 11, MarketID: 7, Maker: alice,
		Side: model.SideYes, OrderSide: model.OrderSideBuy, Price: d(0.4), Amount: d(100),
	}
	require.NoError(t, env.sync.Handle(ctx, placed))
	assert.Equal(t, apperr.Duplicate, apperr.KindOf(env.sync.Handle(ctx, placed)))

	resting, err := env.st.ListRestingOrders(ctx, "m1", model.SideYes)
	require.NoError(t, err)
	require.Len(t, resting, 1)
	orderID := resting[0].ID
	assert.Equal(t, int64(11), *resting[0].OnChainOrderID)
	assert.Equal(t, aliceID(), resting[0].UserID)

	// Two fills in the same transaction are distinct logs.
	fill := func(index uint, amount float64) *LimitOrderFilledEvent {
		return &LimitOrderFilledEvent{
			Meta: meta("0x32", index), OrderID: 11, MarketID: 7, Taker: bob,
			FillAmount: d(amount), FillPrice: d(0.4),
		}
	}
	require.NoError(t, env.sync.Handle(ctx, fill(0, 30)))
	require.NoError(t, env.sync.Handle(ctx, fill(1, 20)))
	assert.Equal(t, apperr.Duplicate, apperr.KindOf(env.sync.Handle(ctx, fill(1, 20))))

	o := env.st.OpenOrder(orderID)
	require.NotNil(t, o)
	assert.True(t, o.Filled.Equal(d(50)))
	assert.Equal(t, model.OrderPartial, o.Status)

	orders := env.st.Orders("m1")
	require.Len(t, orders, 4, "a taker row and a maker row per fill")
	var taker, maker int
	for _, r := range orders {
		switch r.Type {
		case model.TradeMarket:
			taker++
			assert.Equal(t, strings.ToLower(bob.Hex()), r.UserID)
			assert.True(t, strings.HasPrefix(r.TxHash, "0x32-"))
		case model.TradeLimit:
			maker++
			assert.Equal(t, aliceID(), r.UserID)
		}
	}
	assert.Equal(t, 2, taker)
	assert.Equal(t, 2, maker)

	cancelled := &LimitOrderCancelledEvent{Meta: meta("0x33", 0), OrderID: 11, MarketID: 7, Maker: alice}
	require.NoError(t, env.sync.Handle(ctx, cancelled))
	assert.Equal(t, apperr.Duplicate, apperr.KindOf(env.sync.Handle(ctx, cancelled)))
	assert.Equal(t, model.OrderCancelled, env.st.OpenOrder(orderID).Status)

	assert.NotEmpty(t, env.sink.OfType(notify.TypeOrderBookUpdate))
}

func TestSync_FillBeyondRemainingIsCapped(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{})
	ctx := context.Background()
	require.NoError(t, env.sync.Handle(ctx, &LimitOrderPlacedEvent{
		Meta: meta("0x41", 0), OrderID: 12, MarketID: 7, Maker: alice,
		Side: model.SideNo, OrderSide: model.OrderSideSell, Price: d(0.6), Amount: d(10),
	}))

	require.NoError(t, env.sync.Handle(ctx, &LimitOrderFilledEvent{
		Meta: meta("0x42", 0), OrderID: 12, MarketID: 7, Taker: bob, FillAmount: d(15), FillPrice: d(0.6),
	}))

	resting, _ := env.st.ListRestingOrders(ctx, "m1", model.SideNo)
	assert.Empty(t, resting)
	for _, r := range env.st.Orders("m1") {
		assert.True(t, r.Shares.Equal(d(10)))
		assert.True(t, r.Amount.Equal(d(6)))
	}
}

func TestSync_RunDrainsChannel(t *testing.T) {
	env := newSyncEnv(t, SyncOptions{})
	events := make(chan Event, 3)
	events <- buyYes("0x51")
	events <- buyYes("0x51")
	events <- &LimitOrderCancelledEvent{Meta: meta("0x52", 0), OrderID: 404, MarketID: 7}
	close(events)

	env.sync.Run(context.Background(), events)

	assert.Len(t, env.st.Orders("m1"), 1)
}
