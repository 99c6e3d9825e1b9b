package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yesno/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache once the
// transaction commits; reads check Redis first then fall back to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write path (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.Store.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

// InTx runs fn on the primary and drops every cached market and position
// set the transaction wrote. Nothing is invalidated on rollback.
func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{markets: map[string]bool{}, users: map[string]bool{}}
	err := s.Store.InTx(ctx, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(rec.markets)+len(rec.users))
	for id := range rec.markets {
		keys = append(keys, marketKey(id))
	}
	for uid := range rec.users {
		keys = append(keys, positionsKey(uid))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// recordingTx notes which cached rows a transaction touched.
type recordingTx struct {
	Tx
	markets map[string]bool
	users   map[string]bool
}

func (t *recordingTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	t.markets[m.ID] = true
	return t.Tx.UpdateMarket(ctx, m)
}

func (t *recordingTx) SavePosition(ctx context.Context, p *model.Position) error {
	t.users[p.UserID] = true
	return t.Tx.SavePosition(ctx, p)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketByChainID(ctx context.Context, chainMarketID int64) (*model.Market, error) {
	// The chain id → market id mapping never changes once linked.
	marketID, err := s.rdb.Get(ctx, chainKey(chainMarketID)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	m, err := s.Store.GetMarketByChainID(ctx, chainMarketID)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, chainKey(chainMarketID), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) GetPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.Store.GetPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func chainKey(id int64) string       { return "chain-market:" + strconv.FormatInt(id, 10) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
