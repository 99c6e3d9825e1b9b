// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth, row locks via
// SELECT ... FOR UPDATE), Redis (read-through cache) and in-memory (for
// testing and local development).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = apperr.New(apperr.NotFound, "not found")

// Store is the persistence interface. Every ledger mutation runs inside InTx;
// reads outside a transaction see committed state only.
type Store interface {
	Reader

	// InTx runs fn in one transaction. A nil return commits, anything else
	// rolls back; no partial state is ever visible to other callers.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// CreateMarket persists a new market. Market creation itself is an
	// admin workflow; the engine only needs this for bootstrap and tests.
	CreateMarket(ctx context.Context, m *model.Market) error
}

// Reader holds the non-locking queries.
type Reader interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetMarketByChainID(ctx context.Context, chainMarketID int64) (*model.Market, error)
	GetBalance(ctx context.Context, userID string) (*model.Balance, error)
	GetPositions(ctx context.Context, userID string) ([]model.Position, error)
	GetOpenOrder(ctx context.Context, id string) (*model.OpenOrder, error)

	// ListRestingOrders returns every open/partial order on (market, side),
	// on-chain mirrors included.
	ListRestingOrders(ctx context.Context, marketID string, side model.Side) ([]model.OpenOrder, error)

	// ListCrossedOrders returns up to limit off-chain resting orders whose
	// limit has been crossed by the given prices, oldest first. A buy is
	// crossed when price <= limit, a sell when price >= limit.
	ListCrossedOrders(ctx context.Context, marketID string, yesPrice, noPrice decimal.Decimal, limit int) ([]model.OpenOrder, error)

	// ListMarketsWithOpenOrders returns ids of active markets that have at
	// least one off-chain resting order.
	ListMarketsWithOpenOrders(ctx context.Context) ([]string, error)

	ListLpPositions(ctx context.Context, marketID string) ([]model.LpPosition, error)
	ListPriceHistory(ctx context.Context, marketID string, limit int) ([]model.PriceHistory, error)

	ListPendingAgentTrades(ctx context.Context, marketID string) ([]model.AgentTrade, error)
	ListUnresolvedPredictions(ctx context.Context, marketID string) ([]model.AgentPrediction, error)

	// UserIDByWallet maps a chain address to an internal user id.
	// Returns ErrNotFound when no account is linked.
	UserIDByWallet(ctx context.Context, wallet string) (string, error)
}

// Tx is the set of operations available inside a transaction. Lock* methods
// take an exclusive row lock held until commit or rollback. Callers must
// acquire the Market lock before any Balance or Position lock.
type Tx interface {
	LockMarket(ctx context.Context, id string) (*model.Market, error)
	LockMarketByChainID(ctx context.Context, chainMarketID int64) (*model.Market, error)
	UpdateMarket(ctx context.Context, m *model.Market) error

	// LockBalance locks the user's balance, creating a zero row if needed.
	LockBalance(ctx context.Context, userID string) (*model.Balance, error)
	UpdateBalance(ctx context.Context, b *model.Balance) error

	// LockPosition returns a zero-share position when none exists yet.
	LockPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error)
	// SavePosition upserts p, or deletes it once shares fall below dust.
	SavePosition(ctx context.Context, p *model.Position) error
	// ListPositions reads every holding of the user. Call it after
	// LockBalance so concurrent trades by the same user are serialized.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	LockOpenOrder(ctx context.Context, id string) (*model.OpenOrder, error)
	LockOpenOrderByChainID(ctx context.Context, chainOrderID int64) (*model.OpenOrder, error)
	// LockMatchableOrders locks the off-chain resting orders on (market, side)
	// with the given orderSide that a taker at limit could trade against, in
	// price-time priority. A nil limit matches every price.
	LockMatchableOrders(ctx context.Context, marketID string, side model.Side, orderSide model.OrderSide, limit *decimal.Decimal) ([]model.OpenOrder, error)
	// LockRestingOrders locks every off-chain resting order of a market.
	LockRestingOrders(ctx context.Context, marketID string) ([]model.OpenOrder, error)
	InsertOpenOrder(ctx context.Context, o *model.OpenOrder) error
	UpdateOpenOrder(ctx context.Context, o *model.OpenOrder) error

	InsertOrder(ctx context.Context, o *model.Order) error
	OrderExistsByTxHash(ctx context.Context, txHash string) (bool, error)

	// LockLpPosition returns a zero-share stake when none exists yet.
	LockLpPosition(ctx context.Context, userID, marketID string) (*model.LpPosition, error)
	// SaveLpPosition upserts lp, or deletes it once shares fall below dust.
	SaveLpPosition(ctx context.Context, lp *model.LpPosition) error

	InsertPriceHistory(ctx context.Context, ph *model.PriceHistory) error
	InsertFeeRecord(ctx context.Context, f *model.FeeRecord) error
	InsertSettlementLog(ctx context.Context, l *model.SettlementLog) error
	SettlementLogExists(ctx context.Context, txHash, action string) (bool, error)

	LockAgent(ctx context.Context, id string) (*model.Agent, error)
	UpdateAgent(ctx context.Context, a *model.Agent) error
	LockAgentTrade(ctx context.Context, id string) (*model.AgentTrade, error)
	UpdateAgentTrade(ctx context.Context, t *model.AgentTrade) error
	ListSettledAgentTrades(ctx context.Context, agentID string) ([]model.AgentTrade, error)
	LockPrediction(ctx context.Context, id string) (*model.AgentPrediction, error)
	UpdatePrediction(ctx context.Context, p *model.AgentPrediction) error
	ListResolvedPredictions(ctx context.Context, agentID string) ([]model.AgentPrediction, error)
}

// Crossed reports whether an AMM price has crossed order o's limit.
func Crossed(o *model.OpenOrder, price decimal.Decimal) bool {
	if o.OrderSide == model.OrderSideBuy {
		return price.LessThanOrEqual(o.Price)
	}
	return price.GreaterThanOrEqual(o.Price)
}
