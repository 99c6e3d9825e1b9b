// Package notify delivers engine events to subscribers. Delivery is
// fire-and-forget: a failing sink is logged and counted, never surfaced to
// the trade that produced the event.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/metrics"
	"github.com/yesno/market-engine/internal/model"
)

// Message types.
const (
	TypePriceUpdate     = "price_update"
	TypeNewTrade        = "new_trade"
	TypeOrderBookUpdate = "orderbook_update"
	TypeMarketResolved  = "market_resolved"
)

// Message is the JSON payload every sink receives.
type Message struct {
	Type      string                   `json:"type"`
	MarketID  string                   `json:"market_id"`
	YesPrice  string                   `json:"yes_price,omitempty"`
	NoPrice   string                   `json:"no_price,omitempty"`
	Side      model.Side               `json:"side,omitempty"`
	Outcome   model.Side               `json:"outcome,omitempty"`
	Trade     *model.Order             `json:"trade,omitempty"`
	OrderBook *model.OrderBookSnapshot `json:"orderbook,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// Notifier is the set of broadcasts the engine issues.
type Notifier interface {
	BroadcastPriceUpdate(ctx context.Context, marketID string, yesPrice, noPrice decimal.Decimal)
	BroadcastNewTrade(ctx context.Context, trade *model.Order)
	BroadcastOrderBookUpdate(ctx context.Context, marketID string, side model.Side, snapshot *model.OrderBookSnapshot)
	BroadcastMarketResolved(ctx context.Context, marketID string, outcome model.Side)
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
}

// Broadcaster fans every message out to its sinks.
type Broadcaster struct {
	sinks []Sink
}

// New creates a broadcaster. With no sinks every broadcast is a no-op.
func New(sinks ...Sink) *Broadcaster {
	return &Broadcaster{sinks: sinks}
}

func (b *Broadcaster) publish(ctx context.Context, msg Message) {
	msg.Timestamp = time.Now().UTC()
	for _, s := range b.sinks {
		if err := s.Publish(ctx, msg); err != nil {
			metrics.BroadcastDrops.WithLabelValues(s.Name()).Inc()
			slog.Debug("broadcast failed", "sink", s.Name(), "type", msg.Type, "market", msg.MarketID, "err", err)
		}
	}
}

func (b *Broadcaster) BroadcastPriceUpdate(ctx context.Context, marketID string, yesPrice, noPrice decimal.Decimal) {
	b.publish(ctx, Message{
		Type:     TypePriceUpdate,
		MarketID: marketID,
		YesPrice: yesPrice.String(),
		NoPrice:  noPrice.String(),
	})
}

func (b *Broadcaster) BroadcastNewTrade(ctx context.Context, trade *model.Order) {
	b.publish(ctx, Message{
		Type:     TypeNewTrade,
		MarketID: trade.MarketID,
		Side:     trade.Side,
		Trade:    trade,
	})
}

func (b *Broadcaster) BroadcastOrderBookUpdate(ctx context.Context, marketID string, side model.Side, snapshot *model.OrderBookSnapshot) {
	b.publish(ctx, Message{
		Type:      TypeOrderBookUpdate,
		MarketID:  marketID,
		Side:      side,
		OrderBook: snapshot,
	})
}

func (b *Broadcaster) BroadcastMarketResolved(ctx context.Context, marketID string, outcome model.Side) {
	b.publish(ctx, Message{
		Type:     TypeMarketResolved,
		MarketID: marketID,
		Outcome:  outcome,
	})
}

// Recorder is a Sink that keeps every message. Used in tests.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Publish(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// OfType returns the recorded messages of one type.
func (r *Recorder) OfType(typ string) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}
