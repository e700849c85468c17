package chain

// reference.go — Chainlink reference price poller.
//
// Periodically reads latestRoundData() from each configured aggregator and
// caches the answer per symbol. The cache is best-effort on purpose: a
// stale-but-present price still lets the sanity check catch a consensus
// that drifted an order of magnitude, which is the failure mode it exists
// to stop.

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alejandrodnm/oraclebot/internal/domain"
)

var aggregatorABI abi.ABI

func init() {
	var err error
	aggregatorABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "latestRoundData",
			"type": "function",
			"stateMutability": "view",
			"inputs": [],
			"outputs": [
				{"name": "roundId", "type": "uint80"},
				{"name": "answer", "type": "int256"},
				{"name": "startedAt", "type": "uint256"},
				{"name": "updatedAt", "type": "uint256"},
				{"name": "answeredInRound", "type": "uint80"}
			]
		}
	]`))
	if err != nil {
		panic("aggregator abi parse: " + err.Error())
	}
}

// FeedSpec binds a symbol to its aggregator contract and the RPC pool of
// the network it lives on.
type FeedSpec struct {
	Symbol    domain.Symbol
	Address   string
	Endpoints []string
}

// ReferenceFeed implements ports.ReferenceFeed by polling Chainlink
// aggregators on a fixed interval.
type ReferenceFeed struct {
	interval time.Duration
	log      *slog.Logger

	feeds []feedTarget

	mu     sync.RWMutex
	prices map[domain.Symbol]domain.ReferencePrice
}

type feedTarget struct {
	symbol  domain.Symbol
	address common.Address
	pool    *pool
}

// NewReferenceFeed dials the RPC pools of every spec. Specs whose pool has
// no reachable endpoint are dropped with a warning rather than failing
// startup: the feed degrades, the oracle keeps running.
func NewReferenceFeed(specs []FeedSpec, interval time.Duration, log *slog.Logger) (*ReferenceFeed, error) {
	f := &ReferenceFeed{
		interval: interval,
		log:      log,
		prices:   make(map[domain.Symbol]domain.ReferencePrice),
	}
	for _, spec := range specs {
		p, err := dialPool(spec.Endpoints)
		if err != nil {
			log.Warn("reference feed sin endpoints, se omite", "symbol", spec.Symbol, "err", err)
			continue
		}
		f.feeds = append(f.feeds, feedTarget{
			symbol:  spec.Symbol,
			address: common.HexToAddress(spec.Address),
			pool:    p,
		})
	}
	if len(specs) > 0 && len(f.feeds) == 0 {
		return nil, fmt.Errorf("chain.NewReferenceFeed: no feed could be dialed")
	}
	return f, nil
}

// Run polls every feed until the context is cancelled. Blocking; run it in
// its own goroutine.
func (f *ReferenceFeed) Run(ctx context.Context) {
	f.refreshAll(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.closeAll()
			return
		case <-ticker.C:
			f.refreshAll(ctx)
		}
	}
}

// Price returns the last known reference price for the symbol.
func (f *ReferenceFeed) Price(sym domain.Symbol) (domain.ReferencePrice, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[sym]
	return p, ok
}

func (f *ReferenceFeed) refreshAll(ctx context.Context) {
	for _, target := range f.feeds {
		if ctx.Err() != nil {
			return
		}
		price, err := f.fetch(ctx, target)
		f.mu.Lock()
		prev := f.prices[target.symbol]
		if err != nil {
			// Keep the stale price, count the miss.
			prev.RetryCount++
			f.prices[target.symbol] = prev
			f.mu.Unlock()
			f.log.Warn("reference feed sin respuesta", "symbol", target.symbol,
				"retries", prev.RetryCount, "err", err)
			continue
		}
		f.prices[target.symbol] = domain.ReferencePrice{
			Price:     price,
			UpdatedAt: time.Now().UTC(),
		}
		f.mu.Unlock()
	}
}

// fetch reads latestRoundData from the aggregator via the first endpoint
// that answers. The answer comes back as an 8-decimal fixed-point int.
func (f *ReferenceFeed) fetch(ctx context.Context, target feedTarget) (float64, error) {
	callData, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return 0, fmt.Errorf("pack latestRoundData: %w", err)
	}

	var answer *big.Int
	err = target.pool.each(ctx, func(ctx context.Context, ep endpoint) error {
		raw, err := ep.client.CallContract(ctx, ethereum.CallMsg{
			To:   &target.address,
			Data: callData,
		}, nil)
		if err != nil {
			return err
		}
		vals, err := aggregatorABI.Unpack("latestRoundData", raw)
		if err != nil {
			return err
		}
		if len(vals) < 2 {
			return fmt.Errorf("latestRoundData: unexpected output arity %d", len(vals))
		}
		a, ok := vals[1].(*big.Int)
		if !ok || a.Sign() <= 0 {
			return fmt.Errorf("latestRoundData: non-positive answer")
		}
		answer = a
		return nil
	})
	if err != nil {
		return 0, err
	}
	return domain.FromFixedPoint(answer), nil
}

func (f *ReferenceFeed) closeAll() {
	for _, target := range f.feeds {
		target.pool.close()
	}
}
