// Package chain mirrors the on-chain prediction market into the ledger.
//
// Client owns the RPC connection: it subscribes to each contract's logs in
// its own goroutine, decodes them onto a channel, and a supervisor
// reconnects with exponential backoff whenever a subscription or the
// periodic health check fails. Synchronizer consumes the channel and
// applies each event in one idempotent transaction.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/yesno/market-engine/internal/apperr"
	"github.com/yesno/market-engine/internal/metrics"
)

const (
	DefaultReadTimeout    = 10 * time.Second
	DefaultHealthInterval = 5 * time.Minute
	DefaultEventBuffer    = 256

	baseBackoff = time.Second
	maxBackoff  = time.Minute
)

// ErrNotConnected is returned by contract reads while no connection is up.
var ErrNotConnected = apperr.New(apperr.ExternalSync, "chain: not connected")

// Backend is the slice of the RPC client the chain package uses.
// *ethclient.Client satisfies it.
type Backend interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// Dialer opens a Backend.
type Dialer func(ctx context.Context, url string) (Backend, error)

// DialEth dials a go-ethereum RPC endpoint. Subscriptions need ws:// or ipc.
func DialEth(ctx context.Context, url string) (Backend, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config configures a Client.
type Config struct {
	RPCURL           string
	MarketAddress    common.Address
	OrderBookAddress common.Address // zero disables the order book subscription
	ReadTimeout      time.Duration
	HealthInterval   time.Duration
	EventBuffer      int
}

// Client is the chain connection and its reconnect state.
type Client struct {
	cfg     Config
	dial    Dialer
	backoff func(attempt int) time.Duration
	events  chan Event

	mu       sync.RWMutex
	backend  Backend
	attempts int
}

// NewClient creates a client. It does not connect until Run.
func NewClient(cfg Config, dial Dialer) *Client {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if dial == nil {
		dial = DialEth
	}
	return &Client{
		cfg:     cfg,
		dial:    dial,
		backoff: Backoff,
		events:  make(chan Event, cfg.EventBuffer),
	}
}

// Backoff is the reconnect delay after attempt failures:
// min(1s * 2^attempt, 60s).
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 6 {
		return maxBackoff
	}
	d := baseBackoff << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Events is the stream of decoded contract events.
func (c *Client) Events() <-chan Event { return c.events }

// Attempts is the number of consecutive failed connections.
func (c *Client) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// Connected reports whether a session is up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend != nil
}

// Run supervises the connection until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		delay := c.backoff(c.attempts)
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		metrics.ChainReconnects.Inc()
		slog.Warn("chain connection lost, reconnecting",
			"err", err,
			"attempt", attempt,
			"delay", delay.String(),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session connects, subscribes and blocks until something fails.
func (c *Client) session(ctx context.Context) error {
	b, err := c.dial(ctx, c.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		c.mu.Lock()
		c.backend = nil
		c.mu.Unlock()
		metrics.ChainConnected.Set(0)
		b.Close()
	}()

	addrs := []common.Address{c.cfg.MarketAddress}
	if c.cfg.OrderBookAddress != (common.Address{}) {
		addrs = append(addrs, c.cfg.OrderBookAddress)
	}

	errs := make(chan error, len(addrs))
	for _, addr := range addrs {
		addr := addr
		logs := make(chan types.Log, c.cfg.EventBuffer)
		sub, err := b.SubscribeFilterLogs(ctx, ethereum.FilterQuery{Addresses: []common.Address{addr}}, logs)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", addr.Hex(), err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pump(ctx, addr, sub, logs, errs)
		}()
	}

	c.mu.Lock()
	c.backend = b
	c.attempts = 0
	c.mu.Unlock()
	metrics.ChainConnected.Set(1)
	slog.Info("chain connected", "contracts", len(addrs))

	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case <-ticker.C:
			if err := c.checkHealth(ctx, b); err != nil {
				return fmt.Errorf("health check: %w", err)
			}
		}
	}
}

// pump decodes one contract's logs onto the event channel.
func (c *Client) pump(ctx context.Context, addr common.Address, sub ethereum.Subscription, logs <-chan types.Log, errs chan<- error) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			errs <- fmt.Errorf("subscription %s: %w", addr.Hex(), err)
			return
		case l := <-logs:
			if l.Removed {
				continue
			}
			ev, err := Decode(l)
			if err != nil {
				slog.Debug("undecodable log skipped", "contract", addr.Hex(), "tx_hash", l.TxHash.Hex(), "err", err)
				continue
			}
			select {
			case c.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) checkHealth(ctx context.Context, b Backend) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()
	_, err := b.BlockNumber(ctx)
	return err
}

// LpInfo is the contract's view of a market pool.
type LpInfo struct {
	TotalShares decimal.Decimal
	UserShares  decimal.Decimal
	YesReserve  decimal.Decimal
	NoReserve   decimal.Decimal
}

// GetPrice reads the contract's current prices for a market.
func (c *Client) GetPrice(ctx context.Context, marketID int64) (yes, no decimal.Decimal, err error) {
	out, err := c.call(ctx, "getPrice", big.NewInt(marketID))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(out) != 2 {
		return decimal.Zero, decimal.Zero, apperr.New(apperr.ExternalSync, "chain: getPrice returned wrong arity")
	}
	y, ok1 := out[0].(*big.Int)
	n, ok2 := out[1].(*big.Int)
	if !ok1 || !ok2 {
		return decimal.Zero, decimal.Zero, apperr.New(apperr.ExternalSync, "chain: getPrice returned bad types")
	}
	return FromWei(y), FromWei(n), nil
}

// GetLpInfo reads the contract's pool and user LP state for a market.
func (c *Client) GetLpInfo(ctx context.Context, marketID int64, user common.Address) (*LpInfo, error) {
	out, err := c.call(ctx, "getLpInfo", big.NewInt(marketID), user)
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, apperr.New(apperr.ExternalSync, "chain: getLpInfo returned wrong arity")
	}
	vals := make([]decimal.Decimal, 4)
	for i, v := range out {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, apperr.New(apperr.ExternalSync, "chain: getLpInfo returned bad types")
		}
		vals[i] = FromWei(b)
	}
	return &LpInfo{TotalShares: vals[0], UserShares: vals[1], YesReserve: vals[2], NoReserve: vals[3]}, nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	c.mu.RLock()
	b := c.backend
	c.mu.RUnlock()
	if b == nil {
		return nil, ErrNotConnected
	}

	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReadTimeout)
	defer cancel()

	to := c.cfg.MarketAddress
	res, err := b.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalSync, err, "chain: call "+method)
	}
	out, err := parsedABI.Unpack(method, res)
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalSync, err, "chain: unpack "+method)
	}
	return out, nil
}
