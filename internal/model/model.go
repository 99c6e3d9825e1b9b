// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the outcome a share pays out on.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is one of the two binary outcomes.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the other outcome.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// OrderSide is the direction of a resting order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Valid reports whether o is buy or sell.
func (o OrderSide) Valid() bool { return o == OrderSideBuy || o == OrderSideSell }

// Market statuses. resolved and cancelled are terminal.
const (
	MarketActive    = "active"
	MarketResolved  = "resolved"
	MarketCancelled = "cancelled"

	MarketTypeBinary = "binary"
)

// OpenOrder statuses: open → partial* → {filled, cancelled}.
const (
	OrderOpen      = "open"
	OrderPartial   = "partial"
	OrderFilled    = "filled"
	OrderCancelled = "cancelled"
)

// Fill row types.
const (
	TradeBuy    = "buy"
	TradeSell   = "sell"
	TradeLimit  = "limit"
	TradeMarket = "market"
)

// DustShares is the size below which a position or LP stake is treated as closed.
var DustShares = decimal.New(1, -6)

// Market is the AMM state of one binary market. The market row is the unit of
// serialization: reserves, prices and LP totals only change under its row lock.
type Market struct {
	ID               string          `json:"id" db:"id"`
	ChainMarketID    *int64          `json:"chain_market_id,omitempty" db:"chain_market_id"`
	Title            string          `json:"title" db:"title"`
	Type             string          `json:"type" db:"type"`
	Status           string          `json:"status" db:"status"`
	EndTime          time.Time       `json:"end_time" db:"end_time"`
	YesReserve       decimal.Decimal `json:"yes_reserve" db:"yes_reserve"`
	NoReserve        decimal.Decimal `json:"no_reserve" db:"no_reserve"`
	YesPrice         decimal.Decimal `json:"yes_price" db:"yes_price"`
	NoPrice          decimal.Decimal `json:"no_price" db:"no_price"`
	TotalLpShares    decimal.Decimal `json:"total_lp_shares" db:"total_lp_shares"`
	VirtualLpShares  decimal.Decimal `json:"virtual_lp_shares" db:"virtual_lp_shares"`
	InitialLiquidity decimal.Decimal `json:"initial_liquidity" db:"initial_liquidity"`
	Volume           decimal.Decimal `json:"volume" db:"volume"`
	Outcome          *Side           `json:"outcome,omitempty" db:"outcome"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Expired reports whether trading has closed at now.
func (m *Market) Expired(now time.Time) bool {
	return !m.EndTime.IsZero() && !now.Before(m.EndTime)
}

// Price returns the current AMM price of side.
func (m *Market) Price(side Side) decimal.Decimal {
	if side == SideYes {
		return m.YesPrice
	}
	return m.NoPrice
}

// Reserve returns the reserve backing side.
func (m *Market) Reserve(side Side) decimal.Decimal {
	if side == SideYes {
		return m.YesReserve
	}
	return m.NoReserve
}

// AllLpShares is the pool's total claim: virtual bootstrap shares plus LP-owned shares.
func (m *Market) AllLpShares() decimal.Decimal {
	return m.VirtualLpShares.Add(m.TotalLpShares)
}

// PoolValue is yesReserve + noReserve.
func (m *Market) PoolValue() decimal.Decimal {
	return m.YesReserve.Add(m.NoReserve)
}

// Balance holds a user's USDT-equivalent funds. locked backs open limit buys.
type Balance struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Available decimal.Decimal `json:"available" db:"available"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a user's share holding on one side of one market.
type Position struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      Side            `json:"side" db:"side"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	AvgCost   decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// OpenOrder is a resting limit order. Filled never exceeds Amount.
type OpenOrder struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	MarketID       string          `json:"market_id" db:"market_id"`
	Side           Side            `json:"side" db:"side"`
	OrderSide      OrderSide       `json:"order_side" db:"order_side"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Filled         decimal.Decimal `json:"filled" db:"filled"`
	Status         string          `json:"status" db:"status"`
	OnChainOrderID *int64          `json:"on_chain_order_id,omitempty" db:"on_chain_order_id"`
	// ReservedCost is the average cost of the shares a sell reserved.
	ReservedCost decimal.Decimal `json:"reserved_cost" db:"reserved_cost"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Remaining is the unfilled share count.
func (o *OpenOrder) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// Resting reports whether the order can still fill.
func (o *OpenOrder) Resting() bool {
	return o.Status == OrderOpen || o.Status == OrderPartial
}

// Order is an immutable fill record. Once created, rows are never modified.
type Order struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      Side            `json:"side" db:"side"`
	Type      string          `json:"type" db:"type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // USDT
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Status    string          `json:"status" db:"status"`
	TxHash    string          `json:"tx_hash,omitempty" db:"tx_hash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// LpPosition is a user's cumulative stake in a market's pool.
type LpPosition struct {
	UserID        string          `json:"user_id" db:"user_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	LpShares      decimal.Decimal `json:"lp_shares" db:"lp_shares"`
	DepositAmount decimal.Decimal `json:"deposit_amount" db:"deposit_amount"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// PriceHistory is an append-only chart point.
type PriceHistory struct {
	MarketID  string          `json:"market_id" db:"market_id"`
	YesPrice  decimal.Decimal `json:"yes_price" db:"yes_price"`
	NoPrice   decimal.Decimal `json:"no_price" db:"no_price"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// FeeRecord captures one trade fee and how it was split.
type FeeRecord struct {
	ID              string          `json:"id" db:"id"`
	MarketID        string          `json:"market_id" db:"market_id"`
	UserID          string          `json:"user_id" db:"user_id"`
	Kind            string          `json:"kind" db:"kind"` // "buy" or "sell"
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	LpPortion       decimal.Decimal `json:"lp_portion" db:"lp_portion"`
	ProtocolPortion decimal.Decimal `json:"protocol_portion" db:"protocol_portion"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Settlement log actions.
const (
	ActionAddLiquidity    = "add_liquidity"
	ActionRemoveLiquidity = "remove_liquidity"
	ActionResolve         = "resolve"
	ActionAgentSettle     = "agent_settle"
)

// SettlementLog is an append-only audit row for liquidity and settlement actions.
type SettlementLog struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	UserID    string          `json:"user_id,omitempty" db:"user_id"`
	Action    string          `json:"action" db:"action"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Shares    decimal.Decimal `json:"shares" db:"shares"`
	TxHash    string          `json:"tx_hash,omitempty" db:"tx_hash"`
	Details   string          `json:"details,omitempty" db:"details"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Agent trade statuses and outcomes.
const (
	AgentTradePending = "pending"
	AgentTradeSettled = "settled"

	OutcomeWin  = "win"
	OutcomeLoss = "loss"
)

// Agent holds an autonomous trader's off-chain wallet and aggregate stats.
// Stats are always recomputed from settled history, never accumulated.
type Agent struct {
	ID            string          `json:"id" db:"id"`
	WalletBalance decimal.Decimal `json:"wallet_balance" db:"wallet_balance"`
	TotalTrades   int             `json:"total_trades" db:"total_trades"`
	WinningTrades int             `json:"winning_trades" db:"winning_trades"`
	TotalProfit   decimal.Decimal `json:"total_profit" db:"total_profit"`
	WinRate       decimal.Decimal `json:"win_rate" db:"win_rate"` // percent
	ROI           decimal.Decimal `json:"roi" db:"roi"`           // percent
	Reputation    decimal.Decimal `json:"reputation" db:"reputation"`
}

// AgentTrade is one agent position awaiting or past settlement.
type AgentTrade struct {
	ID        string          `json:"id" db:"id"`
	AgentID   string          `json:"agent_id" db:"agent_id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      Side            `json:"side" db:"side"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Status    string          `json:"status" db:"status"`
	Outcome   string          `json:"outcome,omitempty" db:"outcome"`
	Profit    decimal.Decimal `json:"profit" db:"profit"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	SettledAt *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}

// AgentPrediction is a forecast scored once its market resolves.
type AgentPrediction struct {
	ID               string          `json:"id" db:"id"`
	AgentID          string          `json:"agent_id" db:"agent_id"`
	MarketID         string          `json:"market_id" db:"market_id"`
	PredictedOutcome Side            `json:"predicted_outcome" db:"predicted_outcome"`
	Confidence       decimal.Decimal `json:"confidence" db:"confidence"`
	ActualOutcome    *Side           `json:"actual_outcome,omitempty" db:"actual_outcome"`
	IsCorrect        *bool           `json:"is_correct,omitempty" db:"is_correct"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// OrderBookLevel is the aggregate size resting at one price.
type OrderBookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Orders int             `json:"orders"`
}

// OrderBookSnapshot is the aggregated book of one (market, side).
type OrderBookSnapshot struct {
	MarketID string           `json:"market_id"`
	Side     Side             `json:"side"`
	Bids     []OrderBookLevel `json:"bids"` // descending price
	Asks     []OrderBookLevel `json:"asks"` // ascending price
	Spread   *decimal.Decimal `json:"spread,omitempty"`
	MidPrice decimal.Decimal  `json:"mid_price"`
}
