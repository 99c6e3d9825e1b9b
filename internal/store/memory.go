package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized by a single mutex and run against a private
// copy of the state that replaces the committed state only on success.
type MemoryStore struct {
	txMu sync.Mutex // serializes transactions
	mu   sync.RWMutex
	st   *memState
}

type posKey struct {
	user, market string
	side         model.Side
}

type lpKey struct {
	user, market string
}

type memState struct {
	markets      map[string]model.Market
	balances     map[string]model.Balance
	positions    map[posKey]model.Position
	openOrders   map[string]model.OpenOrder
	orders       []model.Order
	txHashes     map[string]bool
	lps          map[lpKey]model.LpPosition
	priceHistory []model.PriceHistory
	fees         []model.FeeRecord
	logs         []model.SettlementLog
	agents       map[string]model.Agent
	agentTrades  map[string]model.AgentTrade
	predictions  map[string]model.AgentPrediction
	wallets      map[string]string
}

func newMemState() *memState {
	return &memState{
		markets:     make(map[string]model.Market),
		balances:    make(map[string]model.Balance),
		positions:   make(map[posKey]model.Position),
		openOrders:  make(map[string]model.OpenOrder),
		txHashes:    make(map[string]bool),
		lps:         make(map[lpKey]model.LpPosition),
		agents:      make(map[string]model.Agent),
		agentTrades: make(map[string]model.AgentTrade),
		predictions: make(map[string]model.AgentPrediction),
		wallets:     make(map[string]string),
	}
}

func (s *memState) clone() *memState {
	return &memState{
		markets:      maps.Clone(s.markets),
		balances:     maps.Clone(s.balances),
		positions:    maps.Clone(s.positions),
		openOrders:   maps.Clone(s.openOrders),
		orders:       slices.Clone(s.orders),
		txHashes:     maps.Clone(s.txHashes),
		lps:          maps.Clone(s.lps),
		priceHistory: slices.Clone(s.priceHistory),
		fees:         slices.Clone(s.fees),
		logs:         slices.Clone(s.logs),
		agents:       maps.Clone(s.agents),
		agentTrades:  maps.Clone(s.agentTrades),
		predictions:  maps.Clone(s.predictions),
		wallets:      maps.Clone(s.wallets),
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

// InTx runs fn against a working copy and publishes it on success.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(&memTx{st: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	if m.ChainMarketID != nil {
		for _, existing := range s.st.markets {
			if existing.ChainMarketID != nil && *existing.ChainMarketID == *m.ChainMarketID {
				return fmt.Errorf("market for chain id %d already exists", *m.ChainMarketID)
			}
		}
	}
	s.st.markets[m.ID] = *m
	return nil
}

// --- Reader ---

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.market(id)
}

func (s *MemoryStore) GetMarketByChainID(_ context.Context, chainMarketID int64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.marketByChainID(chainMarketID)
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.st.balances[userID]
	if !ok {
		return &model.Balance{UserID: userID}, nil
	}
	return &b, nil
}

func (s *MemoryStore) GetPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.positionsOf(userID), nil
}

func (s *MemoryStore) GetOpenOrder(_ context.Context, id string) (*model.OpenOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.st.openOrders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (s *MemoryStore) ListRestingOrders(_ context.Context, marketID string, side model.Side) ([]model.OpenOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.OpenOrder
	for _, o := range s.st.openOrders {
		if o.MarketID == marketID && o.Side == side && o.Resting() {
			out = append(out, o)
		}
	}
	sortByAge(out)
	return out, nil
}

func (s *MemoryStore) ListCrossedOrders(_ context.Context, marketID string, yesPrice, noPrice decimal.Decimal, limit int) ([]model.OpenOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.OpenOrder
	for _, o := range s.st.openOrders {
		if o.MarketID != marketID || !o.Resting() || o.OnChainOrderID != nil {
			continue
		}
		price := noPrice
		if o.Side == model.SideYes {
			price = yesPrice
		}
		if Crossed(&o, price) {
			out = append(out, o)
		}
	}
	sortByAge(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListMarketsWithOpenOrders(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, o := range s.st.openOrders {
		if !o.Resting() || o.OnChainOrderID != nil {
			continue
		}
		if m, ok := s.st.markets[o.MarketID]; ok && m.Status == model.MarketActive {
			seen[o.MarketID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListLpPositions(_ context.Context, marketID string) ([]model.LpPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.LpPosition
	for k, lp := range s.st.lps {
		if k.market == marketID {
			out = append(out, lp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LpShares.GreaterThan(out[j].LpShares) })
	return out, nil
}

func (s *MemoryStore) ListPriceHistory(_ context.Context, marketID string, limit int) ([]model.PriceHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PriceHistory
	for _, ph := range s.st.priceHistory {
		if ph.MarketID == marketID {
			out = append(out, ph)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) ListPendingAgentTrades(_ context.Context, marketID string) ([]model.AgentTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AgentTrade
	for _, t := range s.st.agentTrades {
		if t.MarketID == marketID && t.Status == model.AgentTradePending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListUnresolvedPredictions(_ context.Context, marketID string) ([]model.AgentPrediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AgentPrediction
	for _, p := range s.st.predictions {
		if p.MarketID == marketID && p.ActualOutcome == nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UserIDByWallet(_ context.Context, wallet string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.st.wallets[strings.ToLower(wallet)]
	if !ok {
		return "", fmt.Errorf("wallet %s: %w", wallet, ErrNotFound)
	}
	return id, nil
}

// --- Seeding and inspection helpers (tests, local development) ---

// PutBalance overwrites a user's balance.
func (s *MemoryStore) PutBalance(b model.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.balances[b.UserID] = b
}

// PutPosition overwrites a position.
func (s *MemoryStore) PutPosition(p model.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.positions[posKey{p.UserID, p.MarketID, p.Side}] = p
}

// PutOpenOrder overwrites a resting order.
func (s *MemoryStore) PutOpenOrder(o model.OpenOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.openOrders[o.ID] = o
}

// PutLpPosition overwrites an LP stake.
func (s *MemoryStore) PutLpPosition(lp model.LpPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.lps[lpKey{lp.UserID, lp.MarketID}] = lp
}

// PutAgent overwrites an agent.
func (s *MemoryStore) PutAgent(a model.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.agents[a.ID] = a
}

// PutAgentTrade overwrites an agent trade.
func (s *MemoryStore) PutAgentTrade(t model.AgentTrade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.agentTrades[t.ID] = t
}

// PutPrediction overwrites an agent prediction.
func (s *MemoryStore) PutPrediction(p model.AgentPrediction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.predictions[p.ID] = p
}

// LinkWallet maps a chain address to a user id.
func (s *MemoryStore) LinkWallet(wallet, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.wallets[strings.ToLower(wallet)] = userID
}

// Position returns a position, or nil when absent.
func (s *MemoryStore) Position(userID, marketID string, side model.Side) *model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.positions[posKey{userID, marketID, side}]
	if !ok {
		return nil
	}
	return &p
}

// OpenOrder returns a resting order by id, or nil.
func (s *MemoryStore) OpenOrder(id string) *model.OpenOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.st.openOrders[id]
	if !ok {
		return nil
	}
	return &o
}

// LpPosition returns an LP stake, or nil when absent.
func (s *MemoryStore) LpPosition(userID, marketID string) *model.LpPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lp, ok := s.st.lps[lpKey{userID, marketID}]
	if !ok {
		return nil
	}
	return &lp
}

// Orders returns every fill row of a market in insertion order.
func (s *MemoryStore) Orders(marketID string) []model.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Order
	for _, o := range s.st.orders {
		if o.MarketID == marketID {
			out = append(out, o)
		}
	}
	return out
}

// FeeRecords returns every fee row of a market.
func (s *MemoryStore) FeeRecords(marketID string) []model.FeeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FeeRecord
	for _, f := range s.st.fees {
		if f.MarketID == marketID {
			out = append(out, f)
		}
	}
	return out
}

// SettlementLogs returns every audit row of a market.
func (s *MemoryStore) SettlementLogs(marketID string) []model.SettlementLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.SettlementLog
	for _, l := range s.st.logs {
		if l.MarketID == marketID {
			out = append(out, l)
		}
	}
	return out
}

// Agent returns an agent, or nil.
func (s *MemoryStore) Agent(id string) *model.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.st.agents[id]
	if !ok {
		return nil
	}
	return &a
}

// AgentTrade returns an agent trade, or nil.
func (s *MemoryStore) AgentTrade(id string) *model.AgentTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.st.agentTrades[id]
	if !ok {
		return nil
	}
	return &t
}

// Prediction returns a prediction, or nil.
func (s *MemoryStore) Prediction(id string) *model.AgentPrediction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.st.predictions[id]
	if !ok {
		return nil
	}
	return &p
}

// --- shared state lookups ---

func (st *memState) positionsOf(userID string) []model.Position {
	var out []model.Position
	for k, p := range st.positions {
		if k.user == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Side < out[j].Side
	})
	return out
}

func (st *memState) market(id string) (*model.Market, error) {
	m, ok := st.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, apperr.ErrMarketNotFound)
	}
	return &m, nil
}

func (st *memState) marketByChainID(chainID int64) (*model.Market, error) {
	for _, m := range st.markets {
		if m.ChainMarketID != nil && *m.ChainMarketID == chainID {
			return &m, nil
		}
	}
	return nil, fmt.Errorf("chain market %d: %w", chainID, apperr.ErrMarketNotFound)
}

// sortByAge orders by created_at then id.
func sortByAge(orders []model.OpenOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

// sortPriceTime orders resting orders best price first: bids descending,
// asks ascending, ties broken by created_at.
func sortPriceTime(orders []model.OpenOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if !a.Price.Equal(b.Price) {
			if a.OrderSide == model.OrderSideBuy {
				return a.Price.GreaterThan(b.Price)
			}
			return a.Price.LessThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// --- memTx ---

type memTx struct {
	st *memState
}

func (t *memTx) LockMarket(_ context.Context, id string) (*model.Market, error) {
	return t.st.market(id)
}

func (t *memTx) LockMarketByChainID(_ context.Context, chainMarketID int64) (*model.Market, error) {
	return t.st.marketByChainID(chainMarketID)
}

func (t *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.st.markets[m.ID]; !ok {
		return fmt.Errorf("market %s: %w", m.ID, apperr.ErrMarketNotFound)
	}
	t.st.markets[m.ID] = *m
	return nil
}

func (t *memTx) LockBalance(_ context.Context, userID string) (*model.Balance, error) {
	b, ok := t.st.balances[userID]
	if !ok {
		b = model.Balance{UserID: userID}
		t.st.balances[userID] = b
	}
	return &b, nil
}

func (t *memTx) UpdateBalance(_ context.Context, b *model.Balance) error {
	t.st.balances[b.UserID] = *b
	return nil
}

func (t *memTx) LockPosition(_ context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	p, ok := t.st.positions[posKey{userID, marketID, side}]
	if !ok {
		p = model.Position{UserID: userID, MarketID: marketID, Side: side}
	}
	return &p, nil
}

func (t *memTx) SavePosition(_ context.Context, p *model.Position) error {
	key := posKey{p.UserID, p.MarketID, p.Side}
	if p.Shares.LessThan(model.DustShares) {
		delete(t.st.positions, key)
		return nil
	}
	t.st.positions[key] = *p
	return nil
}

func (t *memTx) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	return t.st.positionsOf(userID), nil
}

func (t *memTx) LockOpenOrder(_ context.Context, id string) (*model.OpenOrder, error) {
	o, ok := t.st.openOrders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (t *memTx) LockOpenOrderByChainID(_ context.Context, chainOrderID int64) (*model.OpenOrder, error) {
	for _, o := range t.st.openOrders {
		if o.OnChainOrderID != nil && *o.OnChainOrderID == chainOrderID {
			return &o, nil
		}
	}
	return nil, fmt.Errorf("chain order %d: %w", chainOrderID, ErrNotFound)
}

func (t *memTx) LockMatchableOrders(_ context.Context, marketID string, side model.Side, orderSide model.OrderSide, limit *decimal.Decimal) ([]model.OpenOrder, error) {
	var out []model.OpenOrder
	for _, o := range t.st.openOrders {
		if o.MarketID != marketID || o.Side != side || o.OrderSide != orderSide || !o.Resting() || o.OnChainOrderID != nil {
			continue
		}
		if limit != nil {
			if orderSide == model.OrderSideSell && o.Price.GreaterThan(*limit) {
				continue
			}
			if orderSide == model.OrderSideBuy && o.Price.LessThan(*limit) {
				continue
			}
		}
		out = append(out, o)
	}
	sortPriceTime(out)
	return out, nil
}

func (t *memTx) LockRestingOrders(_ context.Context, marketID string) ([]model.OpenOrder, error) {
	var out []model.OpenOrder
	for _, o := range t.st.openOrders {
		if o.MarketID == marketID && o.Resting() && o.OnChainOrderID == nil {
			out = append(out, o)
		}
	}
	sortByAge(out)
	return out, nil
}

func (t *memTx) InsertOpenOrder(_ context.Context, o *model.OpenOrder) error {
	if _, ok := t.st.openOrders[o.ID]; ok {
		return fmt.Errorf("open order %s already exists", o.ID)
	}
	t.st.openOrders[o.ID] = *o
	return nil
}

func (t *memTx) UpdateOpenOrder(_ context.Context, o *model.OpenOrder) error {
	if _, ok := t.st.openOrders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	t.st.openOrders[o.ID] = *o
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if o.TxHash != "" {
		if t.st.txHashes[o.TxHash] {
			return apperr.Newf(apperr.Duplicate, "order with tx hash %s already exists", o.TxHash)
		}
		t.st.txHashes[o.TxHash] = true
	}
	t.st.orders = append(t.st.orders, *o)
	return nil
}

func (t *memTx) OrderExistsByTxHash(_ context.Context, txHash string) (bool, error) {
	return t.st.txHashes[txHash], nil
}

func (t *memTx) LockLpPosition(_ context.Context, userID, marketID string) (*model.LpPosition, error) {
	lp, ok := t.st.lps[lpKey{userID, marketID}]
	if !ok {
		lp = model.LpPosition{UserID: userID, MarketID: marketID}
	}
	return &lp, nil
}

func (t *memTx) SaveLpPosition(_ context.Context, lp *model.LpPosition) error {
	key := lpKey{lp.UserID, lp.MarketID}
	if lp.LpShares.LessThan(model.DustShares) {
		delete(t.st.lps, key)
		return nil
	}
	t.st.lps[key] = *lp
	return nil
}

func (t *memTx) InsertPriceHistory(_ context.Context, ph *model.PriceHistory) error {
	t.st.priceHistory = append(t.st.priceHistory, *ph)
	return nil
}

func (t *memTx) InsertFeeRecord(_ context.Context, f *model.FeeRecord) error {
	t.st.fees = append(t.st.fees, *f)
	return nil
}

func (t *memTx) InsertSettlementLog(_ context.Context, l *model.SettlementLog) error {
	t.st.logs = append(t.st.logs, *l)
	return nil
}

func (t *memTx) SettlementLogExists(_ context.Context, txHash, action string) (bool, error) {
	for _, l := range t.st.logs {
		if l.TxHash == txHash && l.Action == action {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) LockAgent(_ context.Context, id string) (*model.Agent, error) {
	a, ok := t.st.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

func (t *memTx) UpdateAgent(_ context.Context, a *model.Agent) error {
	t.st.agents[a.ID] = *a
	return nil
}

func (t *memTx) LockAgentTrade(_ context.Context, id string) (*model.AgentTrade, error) {
	at, ok := t.st.agentTrades[id]
	if !ok {
		return nil, fmt.Errorf("agent trade %s: %w", id, ErrNotFound)
	}
	return &at, nil
}

func (t *memTx) UpdateAgentTrade(_ context.Context, at *model.AgentTrade) error {
	t.st.agentTrades[at.ID] = *at
	return nil
}

func (t *memTx) ListSettledAgentTrades(_ context.Context, agentID string) ([]model.AgentTrade, error) {
	var out []model.AgentTrade
	for _, at := range t.st.agentTrades {
		if at.AgentID == agentID && at.Status == model.AgentTradeSettled {
			out = append(out, at)
		}
	}
	return out, nil
}

func (t *memTx) LockPrediction(_ context.Context, id string) (*model.AgentPrediction, error) {
	p, ok := t.st.predictions[id]
	if !ok {
		return nil, fmt.Errorf("prediction %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) UpdatePrediction(_ context.Context, p *model.AgentPrediction) error {
	t.st.predictions[p.ID] = *p
	return nil
}

func (t *memTx) ListResolvedPredictions(_ context.Context, agentID string) ([]model.AgentPrediction, error) {
	var out []model.AgentPrediction
	for _, p := range t.st.predictions {
		if p.AgentID == agentID && p.ActualOutcome != nil {
			out = append(out, p)
		}
	}
	return out, nil
}
