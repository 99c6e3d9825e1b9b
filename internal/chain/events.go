package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/model"
)

// Event names.
const (
	EventTrade               = "Trade"
	EventLiquidityAdded      = "LiquidityAdded"
	EventLiquidityRemoved    = "LiquidityRemoved"
	EventMarketResolved      = "MarketResolved"
	EventLimitOrderPlaced    = "LimitOrderPlaced"
	EventLimitOrderFilled    = "LimitOrderFilled"
	EventLimitOrderCancelled = "LimitOrderCancelled"
)

// contractABI covers the prediction market and its companion order book.
// Event names do not collide, so one ABI decodes logs from both.
const contractABI = `[
	{"type":"event","name":"Trade","inputs":[
		{"name":"marketId","type":"uint256","indexed":true},
		{"name":"user","type":"address","indexed":true},
		{"name":"isBuy","type":"bool","indexed":false},
		{"name":"side","type":"uint8","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"shares","type":"uint256","indexed":false},
		{"name":"fee","type":"uint256","indexed":false}]},
	{"type":"event","name":"LiquidityAdded","inputs":[
		{"name":"marketId","type":"uint256","indexed":true},
		{"name":"user","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"lpShares","type":"uint256","indexed":false}]},
	{"type":"event","name":"LiquidityRemoved","inputs":[
		{"name":"marketId","type":"uint256","indexed":true},
		{"name":"user","type":"address","indexed":true},
		{"name":"shares","type":"uint256","indexed":false},
		{"name":"usdtOut","type":"uint256","indexed":false}]},
	{"type":"event","name":"MarketResolved","inputs":[
		{"name":"marketId","type":"uint256","indexed":true},
		{"name":"outcome","type":"uint8","indexed":false}]},
	{"type":"event","name":"LimitOrderPlaced","inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"marketId","type":"uint256","indexed":true},
		{"name":"maker","type":"address","indexed":true},
		{"name":"orderSide","type":"uint8","indexed":false},
		{"name":"price","type":"uint256","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"LimitOrderFilled","inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"marketId","type":"uint256","indexed":true},
		{"name":"taker","type":"address","indexed":false},
		{"name":"fillAmount","type":"uint256","indexed":false},
		{"name":"fillPrice","type":"uint256","indexed":false},
		{"name":"takerFee","type":"uint256","indexed":false}]},
	{"type":"event","name":"LimitOrderCancelled","inputs":[
		{"name":"orderId","type":"uint256","indexed":true},
		{"name":"marketId","type":"uint256","indexed":true},
		{"name":"maker","type":"address","indexed":false}]},
	{"type":"function","name":"getPrice","stateMutability":"view",
		"inputs":[{"name":"marketId","type":"uint256"}],
		"outputs":[{"name":"yesPrice","type":"uint256"},{"name":"noPrice","type":"uint256"}]},
	{"type":"function","name":"getLpInfo","stateMutability":"view",
		"inputs":[{"name":"marketId","type":"uint256"},{"name":"user","type":"address"}],
		"outputs":[{"name":"totalShares","type":"uint256"},{"name":"userShares","type":"uint256"},
			{"name":"yesReserve","type":"uint256"},{"name":"noReserve","type":"uint256"}]}
]`

var parsedABI abi.ABI

func init() {
	var err error
	parsedABI, err = abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		panic("chain abi parse: " + err.Error())
	}
}

// ABI returns the parsed contract ABI.
func ABI() abi.ABI { return parsedABI }

// ErrUnknownEvent is returned for logs whose topic matches no known event.
var ErrUnknownEvent = apperr.New(apperr.ExternalSync, "chain: unknown event")

// Meta identifies the log an event came from.
type Meta struct {
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
}

// Key is unique per log, even when one transaction emits several events.
func (m Meta) Key() string {
	return fmt.Sprintf("%s-%d", m.TxHash, m.LogIndex)
}

// Event is a decoded contract event.
type Event interface {
	Name() string
	Source() Meta
}

type TradeEvent struct {
	Meta
	MarketID int64
	User     common.Address
	IsBuy    bool
	Side     model.Side
	Amount   decimal.Decimal
	Shares   decimal.Decimal
	Fee      decimal.Decimal
}

type LiquidityAddedEvent struct {
	Meta
	MarketID int64
	User     common.Address
	Amount   decimal.Decimal
	LpShares decimal.Decimal
}

type LiquidityRemovedEvent struct {
	Meta
	MarketID int64
	User     common.Address
	Shares   decimal.Decimal
	UsdtOut  decimal.Decimal
}

type MarketResolvedEvent struct {
	Meta
	MarketID int64
	Outcome  model.Side
}

type LimitOrderPlacedEvent struct {
	Meta
	OrderID   int64
	MarketID  int64
	Maker     common.Address
	Side      model.Side
	OrderSide model.OrderSide
	Price     decimal.Decimal
	Amount    decimal.Decimal
}

type LimitOrderFilledEvent struct {
	Meta
	OrderID    int64
	MarketID   int64
	Taker      common.Address
	FillAmount decimal.Decimal
	FillPrice  decimal.Decimal
	TakerFee   decimal.Decimal
}

type LimitOrderCancelledEvent struct {
	Meta
	OrderID  int64
	MarketID int64
	Maker    common.Address
}

func (m Meta) Source() Meta { return m }

func (TradeEvent) Name() string               { return EventTrade }
func (LiquidityAddedEvent) Name() string      { return EventLiquidityAdded }
func (LiquidityRemovedEvent) Name() string    { return EventLiquidityRemoved }
func (MarketResolvedEvent) Name() string      { return EventMarketResolved }
func (LimitOrderPlacedEvent) Name() string    { return EventLimitOrderPlaced }
func (LimitOrderFilledEvent) Name() string    { return EventLimitOrderFilled }
func (LimitOrderCancelledEvent) Name() string { return EventLimitOrderCancelled }

// FromWei converts an 18-decimal fixed-point amount.
func FromWei(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -18)
}

// ToWei converts to 18-decimal fixed point, truncating.
func ToWei(d decimal.Decimal) *big.Int {
	return d.Shift(18).Truncate(0).BigInt()
}

// Outcome maps the contract's side enum: 0 is YES, 1 is NO.
func Outcome(v uint8) (model.Side, error) {
	switch v {
	case 0:
		return model.SideYes, nil
	case 1:
		return model.SideNo, nil
	}
	return "", apperr.Newf(apperr.ExternalSync, "chain: unknown side %d", v)
}

// OrderSides maps the order book enum: BUY_YES, SELL_YES, BUY_NO, SELL_NO.
func OrderSides(v uint8) (model.Side, model.OrderSide, error) {
	switch v {
	case 0:
		return model.SideYes, model.OrderSideBuy, nil
	case 1:
		return model.SideYes, model.OrderSideSell, nil
	case 2:
		return model.SideNo, model.OrderSideBuy, nil
	case 3:
		return model.SideNo, model.OrderSideSell, nil
	}
	return "", "", apperr.Newf(apperr.ExternalSync, "chain: unknown order side %d", v)
}

// Decode turns a raw log into a typed event.
func Decode(l types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	ev, err := parsedABI.EventByID(l.Topics[0])
	if err != nil {
		return nil, ErrUnknownEvent
	}

	f := &fields{m: map[string]any{}}
	if len(l.Data) > 0 {
		if err := parsedABI.UnpackIntoMap(f.m, ev.Name, l.Data); err != nil {
			return nil, apperr.Wrap(apperr.ExternalSync, err, "chain: unpack "+ev.Name)
		}
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if err := abi.ParseTopicsIntoMap(f.m, indexed, l.Topics[1:]); err != nil {
		return nil, apperr.Wrap(apperr.ExternalSync, err, "chain: topics "+ev.Name)
	}

	meta := Meta{TxHash: l.TxHash.Hex(), BlockNumber: l.BlockNumber, LogIndex: l.Index}
	var out Event
	switch ev.Name {
	case EventTrade:
		side, err := Outcome(f.uint8("side"))
		if err != nil {
			return nil, err
		}
		out = &TradeEvent{
			Meta: meta, MarketID: f.id("marketId"), User: f.address("user"),
			IsBuy: f.bool("isBuy"), Side: side,
			Amount: f.dec("amount"), Shares: f.dec("shares"), Fee: f.dec("fee"),
		}
	case EventLiquidityAdded:
		out = &LiquidityAddedEvent{
			Meta: meta, MarketID: f.id("marketId"), User: f.address("user"),
			Amount: f.dec("amount"), LpShares: f.dec("lpShares"),
		}
	case EventLiquidityRemoved:
		out = &LiquidityRemovedEvent{
			Meta: meta, MarketID: f.id("marketId"), User: f.address("user"),
			Shares: f.dec("shares"), UsdtOut: f.dec("usdtOut"),
		}
	case EventMarketResolved:
		outcome, err := Outcome(f.uint8("outcome"))
		if err != nil {
			return nil, err
		}
		out = &MarketResolvedEvent{Meta: meta, MarketID: f.id("marketId"), Outcome: outcome}
	case EventLimitOrderPlaced:
		side, orderSide, err := OrderSides(f.uint8("orderSide"))
		if err != nil {
			return nil, err
		}
		out = &LimitOrderPlacedEvent{
			Meta: meta, OrderID: f.id("orderId"), MarketID: f.id("marketId"), Maker: f.address("maker"),
			Side: side, OrderSide: orderSide, Price: f.dec("price"), Amount: f.dec("amount"),
		}
	case EventLimitOrderFilled:
		out = &LimitOrderFilledEvent{
			Meta: meta, OrderID: f.id("orderId"), MarketID: f.id("marketId"), Taker: f.address("taker"),
			FillAmount: f.dec("fillAmount"), FillPrice: f.dec("fillPrice"), TakerFee: f.dec("takerFee"),
		}
	case EventLimitOrderCancelled:
		out = &LimitOrderCancelledEvent{
			Meta: meta, OrderID: f.id("orderId"), MarketID: f.id("marketId"), Maker: f.address("maker"),
		}
	default:
		return nil, ErrUnknownEvent
	}
	if f.err != nil {
		return nil, f.err
	}
	return out, nil
}

// fields reads decoded ABI values, remembering the first type mismatch.
type fields struct {
	m   map[string]any
	err error
}

func (f *fields) fail(name string) {
	if f.err == nil {
		f.err = apperr.Newf(apperr.ExternalSync, "chain: bad field %s", name)
	}
}

func (f *fields) bigInt(name string) *big.Int {
	v, ok := f.m[name].(*big.Int)
	if !ok {
		f.fail(name)
		return new(big.Int)
	}
	return v
}

func (f *fields) dec(name string) decimal.Decimal { return FromWei(f.bigInt(name)) }

func (f *fields) id(name string) int64 {
	v := f.bigInt(name)
	if !v.IsInt64() {
		f.fail(name)
		return 0
	}
	return v.Int64()
}

func (f *fields) uint8(name string) uint8 {
	v, ok := f.m[name].(uint8)
	if !ok {
		f.fail(name)
	}
	return v
}

func (f *fields) bool(name string) bool {
	v, ok := f.m[name].(bool)
	if !ok {
		f.fail(name)
	}
	return v
}

func (f *fields) address(name string) common.Address {
	v, ok := f.m[name].(common.Address)
	if !ok {
		f.fail(name)
	}
	return v
}
