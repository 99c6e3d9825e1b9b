package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// read back as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates any missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, chain_market_id, title, type, status, end_time,
		                      yes_reserve, no_reserve, yes_price, no_price,
		                      total_lp_shares, virtual_lp_shares, initial_liquidity, volume, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15)`,
		m.ID, m.ChainMarketID, m.Title, m.Type, m.Status, nullTime(m.EndTime),
		m.YesReserve.String(), m.NoReserve.String(), m.YesPrice.String(), m.NoPrice.String(),
		m.TotalLpShares.String(), m.VirtualLpShares.String(), m.InitialLiquidity.String(),
		m.Volume.String(), m.CreatedAt,
	)
	return err
}

// --- Reader ---

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, `WHERE id = $1`, id)
}

func (s *PostgresStore) GetMarketByChainID(ctx context.Context, chainMarketID int64) (*model.Market, error) {
	return getMarket(ctx, s.pool, `WHERE chain_market_id = $1`, chainMarketID)
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	b := &model.Balance{UserID: userID}
	var avail, locked string
	err := s.pool.QueryRow(ctx,
		`SELECT available::TEXT, locked::TEXT, updated_at FROM balances WHERE user_id = $1`, userID).
		Scan(&avail, &locked, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance %s: %w", userID, err)
	}
	b.Available = dec(avail)
	b.Locked = dec(locked)
	return b, nil
}

func (s *PostgresStore) GetPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return queryPositions(ctx, s.pool, userID)
}

func queryPositions(ctx context.Context, q querier, userID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT user_id, market_id, side, shares::TEXT, avg_cost::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY market_id, side`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var side, shares, cost string
		if err := rows.Scan(&p.UserID, &p.MarketID, &side, &shares, &cost, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Side = model.Side(side)
		p.Shares = dec(shares)
		p.AvgCost = dec(cost)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOpenOrder(ctx context.Context, id string) (*model.OpenOrder, error) {
	orders, err := queryOpenOrders(ctx, s.pool, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &orders[0], nil
}

func (s *PostgresStore) ListRestingOrders(ctx context.Context, marketID string, side model.Side) ([]model.OpenOrder, error) {
	return queryOpenOrders(ctx, s.pool,
		`WHERE market_id = $1 AND side = $2 AND status IN ('open', 'partial')
		 ORDER BY created_at, id`, marketID, string(side))
}

func (s *PostgresStore) ListCrossedOrders(ctx context.Context, marketID string, yesPrice, noPrice decimal.Decimal, limit int) ([]model.OpenOrder, error) {
	return queryOpenOrders(ctx, s.pool,
		`WHERE market_id = $1 AND status IN ('open', 'partial') AND on_chain_order_id IS NULL
		   AND ((order_side = 'buy'  AND price >= CASE side WHEN 'yes' THEN $2::NUMERIC ELSE $3::NUMERIC END)
		     OR (order_side = 'sell' AND price <= CASE side WHEN 'yes' THEN $2::NUMERIC ELSE $3::NUMERIC END))
		 ORDER BY created_at, id
		 LIMIT $4`, marketID, yesPrice.String(), noPrice.String(), limit)
}

func (s *PostgresStore) ListMarketsWithOpenOrders(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT o.market_id
		 FROM open_orders o JOIN markets m ON m.id = o.market_id
		 WHERE o.status IN ('open', 'partial') AND o.on_chain_order_id IS NULL AND m.status = 'active'
		 ORDER BY o.market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListLpPositions(ctx context.Context, marketID string) ([]model.LpPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, lp_shares::TEXT, deposit_amount::TEXT, updated_at
		 FROM lp_positions WHERE market_id = $1 ORDER BY lp_shares DESC`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LpPosition
	for rows.Next() {
		var lp model.LpPosition
		var shares, deposit string
		if err := rows.Scan(&lp.UserID, &lp.MarketID, &shares, &deposit, &lp.UpdatedAt); err != nil {
			return nil, err
		}
		lp.LpShares = dec(shares)
		lp.DepositAmount = dec(deposit)
		out = append(out, lp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPriceHistory(ctx context.Context, marketID string, limit int) ([]model.PriceHistory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, yes_price::TEXT, no_price::TEXT, volume::TEXT, created_at FROM (
		    SELECT * FROM price_history WHERE market_id = $1 ORDER BY id DESC LIMIT $2
		 ) h ORDER BY id`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PriceHistory
	for rows.Next() {
		var ph model.PriceHistory
		var yes, no, vol string
		if err := rows.Scan(&ph.MarketID, &yes, &no, &vol, &ph.CreatedAt); err != nil {
			return nil, err
		}
		ph.YesPrice, ph.NoPrice, ph.Volume = dec(yes), dec(no), dec(vol)
		out = append(out, ph)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPendingAgentTrades(ctx context.Context, marketID string) ([]model.AgentTrade, error) {
	return queryAgentTrades(ctx, s.pool,
		`WHERE market_id = $1 AND status = 'pending' ORDER BY created_at`, marketID)
}

func (s *PostgresStore) ListUnresolvedPredictions(ctx context.Context, marketID string) ([]model.AgentPrediction, error) {
	return queryPredictions(ctx, s.pool,
		`WHERE market_id = $1 AND actual_outcome IS NULL ORDER BY id`, marketID)
}

func (s *PostgresStore) UserIDByWallet(ctx context.Context, wallet string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM users WHERE lower(wallet_address) = $1`, strings.ToLower(wallet)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("wallet %s: %w", wallet, ErrNotFound)
	}
	return id, err
}

// --- pgTx ---

type pgTx struct {
	q querier
}

func (t *pgTx) LockMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.q, `WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) LockMarketByChainID(ctx context.Context, chainMarketID int64) (*model.Market, error) {
	return getMarket(ctx, t.q, `WHERE chain_market_id = $1 FOR UPDATE`, chainMarketID)
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	var outcome *string
	if m.Outcome != nil {
		o := string(*m.Outcome)
		outcome = &o
	}
	_, err := t.q.Exec(ctx,
		`UPDATE markets
		 SET status = $2, yes_reserve = $3::NUMERIC, no_reserve = $4::NUMERIC,
		     yes_price = $5::NUMERIC, no_price = $6::NUMERIC,
		     total_lp_shares = $7::NUMERIC, virtual_lp_shares = $8::NUMERIC,
		     volume = $9::NUMERIC, outcome = $10
		 WHERE id = $1`,
		m.ID, m.Status, m.YesReserve.String(), m.NoReserve.String(),
		m.YesPrice.String(), m.NoPrice.String(),
		m.TotalLpShares.String(), m.VirtualLpShares.String(),
		m.Volume.String(), outcome,
	)
	return err
}

func (t *pgTx) LockBalance(ctx context.Context, userID string) (*model.Balance, error) {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO balances (user_id, available, locked) VALUES ($1, 0, 0)
		 ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, err
	}
	b := &model.Balance{UserID: userID}
	var avail, locked string
	if err := t.q.QueryRow(ctx,
		`SELECT available::TEXT, locked::TEXT, updated_at FROM balances WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&avail, &locked, &b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("lock balance %s: %w", userID, err)
	}
	b.Available = dec(avail)
	b.Locked = dec(locked)
	return b, nil
}

func (t *pgTx) UpdateBalance(ctx context.Context, b *model.Balance) error {
	_, err := t.q.Exec(ctx,
		`UPDATE balances SET available = $2::NUMERIC, locked = $3::NUMERIC, updated_at = now()
		 WHERE user_id = $1`,
		b.UserID, b.Available.String(), b.Locked.String())
	return err
}

func (t *pgTx) LockPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	p := &model.Position{UserID: userID, MarketID: marketID, Side: side}
	var shares, cost string
	err := t.q.QueryRow(ctx,
		`SELECT shares::TEXT, avg_cost::TEXT, updated_at FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND side = $3 FOR UPDATE`,
		userID, marketID, string(side)).Scan(&shares, &cost, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock position: %w", err)
	}
	p.Shares = dec(shares)
	p.AvgCost = dec(cost)
	return p, nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	if p.Shares.LessThan(model.DustShares) {
		_, err := t.q.Exec(ctx,
			`DELETE FROM positions WHERE user_id = $1 AND market_id = $2 AND side = $3`,
			p.UserID, p.MarketID, string(p.Side))
		return err
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, side, shares, avg_cost, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, now())
		 ON CONFLICT (user_id, market_id, side)
		 DO UPDATE SET shares = EXCLUDED.shares, avg_cost = EXCLUDED.avg_cost, updated_at = now()`,
		p.UserID, p.MarketID, string(p.Side), p.Shares.String(), p.AvgCost.String())
	return err
}

func (t *pgTx) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	return queryPositions(ctx, t.q, userID)
}

func (t *pgTx) LockOpenOrder(ctx context.Context, id string) (*model.OpenOrder, error) {
	orders, err := queryOpenOrders(ctx, t.q, `WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &orders[0], nil
}

func (t *pgTx) LockOpenOrderByChainID(ctx context.Context, chainOrderID int64) (*model.OpenOrder, error) {
	orders, err := queryOpenOrders(ctx, t.q, `WHERE on_chain_order_id = $1 FOR UPDATE`, chainOrderID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("chain order %d: %w", chainOrderID, ErrNotFound)
	}
	return &orders[0], nil
}

func (t *pgTx) LockMatchableOrders(ctx context.Context, marketID string, side model.Side, orderSide model.OrderSide, limit *decimal.Decimal) ([]model.OpenOrder, error) {
	order := `price ASC`
	cmp := `<=`
	if orderSide == model.OrderSideBuy {
		order = `price DESC`
		cmp = `>=`
	}
	where := `WHERE market_id = $1 AND side = $2 AND order_side = $3
	            AND status IN ('open', 'partial') AND on_chain_order_id IS NULL`
	args := []any{marketID, string(side), string(orderSide)}
	if limit != nil {
		where += ` AND price ` + cmp + ` $4::NUMERIC`
		args = append(args, limit.String())
	}
	return queryOpenOrders(ctx, t.q, where+` ORDER BY `+order+`, created_at, id FOR UPDATE`, args...)
}

func (t *pgTx) LockRestingOrders(ctx context.Context, marketID string) ([]model.OpenOrder, error) {
	return queryOpenOrders(ctx, t.q,
		`WHERE market_id = $1 AND status IN ('open', 'partial') AND on_chain_order_id IS NULL
		 ORDER BY created_at, id FOR UPDATE`, marketID)
}

func (t *pgTx) InsertOpenOrder(ctx context.Context, o *model.OpenOrder) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO open_orders (id, user_id, market_id, side, order_side, price, amount, filled,
		                          status, on_chain_order_id, reserved_cost, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11::NUMERIC, $12, $12)`,
		o.ID, o.UserID, o.MarketID, string(o.Side), string(o.OrderSide),
		o.Price.String(), o.Amount.String(), o.Filled.String(),
		o.Status, o.OnChainOrderID, o.ReservedCost.String(), o.CreatedAt)
	return err
}

func (t *pgTx) UpdateOpenOrder(ctx context.Context, o *model.OpenOrder) error {
	_, err := t.q.Exec(ctx,
		`UPDATE open_orders SET filled = $2::NUMERIC, status = $3, updated_at = now() WHERE id = $1`,
		o.ID, o.Filled.String(), o.Status)
	return err
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO orders (id, user_id, market_id, side, type, amount, shares, price, status, tx_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		o.ID, o.UserID, o.MarketID, string(o.Side), o.Type,
		o.Amount.String(), o.Shares.String(), o.Price.String(),
		o.Status, nullString(o.TxHash), o.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.Duplicate, err, "duplicate fill")
	}
	return err
}

func (t *pgTx) OrderExistsByTxHash(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE tx_hash = $1)`, txHash).Scan(&exists)
	return exists, err
}

func (t *pgTx) LockLpPosition(ctx context.Context, userID, marketID string) (*model.LpPosition, error) {
	lp := &model.LpPosition{UserID: userID, MarketID: marketID}
	var shares, deposit string
	err := t.q.QueryRow(ctx,
		`SELECT lp_shares::TEXT, deposit_amount::TEXT, updated_at FROM lp_positions
		 WHERE user_id = $1 AND market_id = $2 FOR UPDATE`, userID, marketID).
		Scan(&shares, &deposit, &lp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return lp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock lp position: %w", err)
	}
	lp.LpShares = dec(shares)
	lp.DepositAmount = dec(deposit)
	return lp, nil
}

func (t *pgTx) SaveLpPosition(ctx context.Context, lp *model.LpPosition) error {
	if lp.LpShares.LessThan(model.DustShares) {
		_, err := t.q.Exec(ctx,
			`DELETE FROM lp_positions WHERE user_id = $1 AND market_id = $2`, lp.UserID, lp.MarketID)
		return err
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO lp_positions (user_id, market_id, lp_shares, deposit_amount, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, now())
		 ON CONFLICT (user_id, market_id)
		 DO UPDATE SET lp_shares = EXCLUDED.lp_shares, deposit_amount = EXCLUDED.deposit_amount, updated_at = now()`,
		lp.UserID, lp.MarketID, lp.LpShares.String(), lp.DepositAmount.String())
	return err
}

func (t *pgTx) InsertPriceHistory(ctx context.Context, ph *model.PriceHistory) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO price_history (market_id, yes_price, no_price, volume, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5)`,
		ph.MarketID, ph.YesPrice.String(), ph.NoPrice.String(), ph.Volume.String(), ph.CreatedAt)
	return err
}

func (t *pgTx) InsertFeeRecord(ctx context.Context, f *model.FeeRecord) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO fee_records (id, market_id, user_id, kind, amount, lp_portion, protocol_portion, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		f.ID, f.MarketID, f.UserID, f.Kind, f.Amount.String(),
		f.LpPortion.String(), f.ProtocolPortion.String(), f.CreatedAt)
	return err
}

func (t *pgTx) InsertSettlementLog(ctx context.Context, l *model.SettlementLog) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO settlement_log (id, market_id, user_id, action, amount, shares, tx_hash, details, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		l.ID, l.MarketID, nullString(l.UserID), l.Action, l.Amount.String(), l.Shares.String(),
		nullString(l.TxHash), nullString(l.Details), l.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Wrap(apperr.Duplicate, err, "duplicate settlement event")
	}
	return err
}

func (t *pgTx) SettlementLogExists(ctx context.Context, txHash, action string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM settlement_log WHERE tx_hash = $1 AND action = $2)`,
		txHash, action).Scan(&exists)
	return exists, err
}

func (t *pgTx) LockAgent(ctx context.Context, id string) (*model.Agent, error) {
	a := &model.Agent{ID: id}
	var wallet, profit, winRate, roi, rep string
	err := t.q.QueryRow(ctx,
		`SELECT wallet_balance::TEXT, total_trades, winning_trades, total_profit::TEXT,
		        win_rate::TEXT, roi::TEXT, reputation::TEXT
		 FROM agents WHERE id = $1 FOR UPDATE`, id).
		Scan(&wallet, &a.TotalTrades, &a.WinningTrades, &profit, &winRate, &roi, &rep)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	a.WalletBalance, a.TotalProfit = dec(wallet), dec(profit)
	a.WinRate, a.ROI, a.Reputation = dec(winRate), dec(roi), dec(rep)
	return a, nil
}

func (t *pgTx) UpdateAgent(ctx context.Context, a *model.Agent) error {
	_, err := t.q.Exec(ctx,
		`UPDATE agents SET wallet_balance = $2::NUMERIC, total_trades = $3, winning_trades = $4,
		        total_profit = $5::NUMERIC, win_rate = $6::NUMERIC, roi = $7::NUMERIC, reputation = $8::NUMERIC
		 WHERE id = $1`,
		a.ID, a.WalletBalance.String(), a.TotalTrades, a.WinningTrades,
		a.TotalProfit.String(), a.WinRate.String(), a.ROI.String(), a.Reputation.String())
	return err
}

func (t *pgTx) LockAgentTrade(ctx context.Context, id string) (*model.AgentTrade, error) {
	trades, err := queryAgentTrades(ctx, t.q, `WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("agent trade %s: %w", id, ErrNotFound)
	}
	return &trades[0], nil
}

func (t *pgTx) UpdateAgentTrade(ctx context.Context, at *model.AgentTrade) error {
	_, err := t.q.Exec(ctx,
		`UPDATE agent_trades SET status = $2, outcome = $3, profit = $4::NUMERIC, settled_at = $5
		 WHERE id = $1`,
		at.ID, at.Status, nullString(at.Outcome), at.Profit.String(), at.SettledAt)
	return err
}

func (t *pgTx) ListSettledAgentTrades(ctx context.Context, agentID string) ([]model.AgentTrade, error) {
	return queryAgentTrades(ctx, t.q, `WHERE agent_id = $1 AND status = 'settled'`, agentID)
}

func (t *pgTx) LockPrediction(ctx context.Context, id string) (*model.AgentPrediction, error) {
	preds, err := queryPredictions(ctx, t.q, `WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	if len(preds) == 0 {
		return nil, fmt.Errorf("prediction %s: %w", id, ErrNotFound)
	}
	return &preds[0], nil
}

func (t *pgTx) UpdatePrediction(ctx context.Context, p *model.AgentPrediction) error {
	var actual *string
	if p.ActualOutcome != nil {
		a := string(*p.ActualOutcome)
		actual = &a
	}
	_, err := t.q.Exec(ctx,
		`UPDATE agent_predictions SET actual_outcome = $2, is_correct = $3, resolved_at = $4 WHERE id = $1`,
		p.ID, actual, p.IsCorrect, p.ResolvedAt)
	return err
}

func (t *pgTx) ListResolvedPredictions(ctx context.Context, agentID string) ([]model.AgentPrediction, error) {
	return queryPredictions(ctx, t.q, `WHERE agent_id = $1 AND actual_outcome IS NOT NULL`, agentID)
}

// --- scanning helpers ---

const marketColumns = `id, chain_market_id, title, type, status, end_time,
	yes_reserve::TEXT, no_reserve::TEXT, yes_price::TEXT, no_price::TEXT,
	total_lp_shares::TEXT, virtual_lp_shares::TEXT, initial_liquidity::TEXT,
	volume::TEXT, outcome, created_at`

func getMarket(ctx context.Context, q querier, where string, arg any) (*model.Market, error) {
	var m model.Market
	var endTime *time.Time
	var outcome *string
	var yesR, noR, yesP, noP, total, virtual, initial, volume string

	err := q.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets `+where, arg).
		Scan(&m.ID, &m.ChainMarketID, &m.Title, &m.Type, &m.Status, &endTime,
			&yesR, &noR, &yesP, &noP, &total, &virtual, &initial, &volume,
			&outcome, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %v: %w", arg, apperr.ErrMarketNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %v: %w", arg, err)
	}

	if endTime != nil {
		m.EndTime = *endTime
	}
	if outcome != nil {
		o := model.Side(*outcome)
		m.Outcome = &o
	}
	m.YesReserve, m.NoReserve = dec(yesR), dec(noR)
	m.YesPrice, m.NoPrice = dec(yesP), dec(noP)
	m.TotalLpShares, m.VirtualLpShares = dec(total), dec(virtual)
	m.InitialLiquidity, m.Volume = dec(initial), dec(volume)
	return &m, nil
}

func queryOpenOrders(ctx context.Context, q querier, where string, args ...any) ([]model.OpenOrder, error) {
	rows, err := q.Query(ctx,
		`SELECT id, user_id, market_id, side, order_side, price::TEXT, amount::TEXT, filled::TEXT,
		        status, on_chain_order_id, reserved_cost::TEXT, created_at, updated_at
		 FROM open_orders `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OpenOrder
	for rows.Next() {
		var o model.OpenOrder
		var side, orderSide, price, amount, filled, reserved string
		if err := rows.Scan(&o.ID, &o.UserID, &o.MarketID, &side, &orderSide,
			&price, &amount, &filled, &o.Status, &o.OnChainOrderID, &reserved, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.OrderSide = model.OrderSide(orderSide)
		o.Price, o.Amount, o.Filled = dec(price), dec(amount), dec(filled)
		o.ReservedCost = dec(reserved)
		out = append(out, o)
	}
	return out, rows.Err()
}

func queryAgentTrades(ctx context.Context, q querier, where string, args ...any) ([]model.AgentTrade, error) {
	rows, err := q.Query(ctx,
		`SELECT id, agent_id, market_id, side, amount::TEXT, price::TEXT, status, outcome,
		        profit::TEXT, created_at, settled_at
		 FROM agent_trades `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AgentTrade
	for rows.Next() {
		var at model.AgentTrade
		var side, amount, price, profit string
		var outcome *string
		if err := rows.Scan(&at.ID, &at.AgentID, &at.MarketID, &side, &amount, &price,
			&at.Status, &outcome, &profit, &at.CreatedAt, &at.SettledAt); err != nil {
			return nil, err
		}
		at.Side = model.Side(side)
		at.Amount, at.Price, at.Profit = dec(amount), dec(price), dec(profit)
		if outcome != nil {
			at.Outcome = *outcome
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

func queryPredictions(ctx context.Context, q querier, where string, args ...any) ([]model.AgentPrediction, error) {
	rows, err := q.Query(ctx,
		`SELECT id, agent_id, market_id, predicted_outcome, confidence::TEXT,
		        actual_outcome, is_correct, resolved_at
		 FROM agent_predictions `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AgentPrediction
	for rows.Next() {
		var p model.AgentPrediction
		var predicted, confidence string
		var actual *string
		if err := rows.Scan(&p.ID, &p.AgentID, &p.MarketID, &predicted, &confidence,
			&actual, &p.IsCorrect, &p.ResolvedAt); err != nil {
			return nil, err
		}
		p.PredictedOutcome = model.Side(predicted)
		p.Confidence = dec(confidence)
		if actual != nil {
			a := model.Side(*actual)
			p.ActualOutcome = &a
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// dec parses a NUMERIC rendered as text. Postgres never yields invalid text
// for a NUMERIC column, so a parse failure reads as zero.
func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
