package chain

// pool.go — Redundant RPC endpoint pool.
//
// Public RPCs rate-limit and drop requests without warning, so every
// on-chain read or write goes through a pool: try each endpoint in order
// with a short per-endpoint timeout and move on at the first failure.

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

const endpointTimeout = 5 * time.Second

type endpoint struct {
	url    string
	client *ethclient.Client
}

type pool struct {
	endpoints []endpoint
}

// dialPool connects to every reachable endpoint. Unreachable ones are
// skipped at startup; an empty pool is an error.
func dialPool(urls []string) (*pool, error) {
	p := &pool{}
	for _, u := range urls {
		c, err := ethclient.Dial(u)
		if err != nil {
			continue
		}
		p.endpoints = append(p.endpoints, endpoint{url: u, client: c})
	}
	if len(p.endpoints) == 0 {
		return nil, fmt.Errorf("chain: no reachable RPC endpoint among %d", len(urls))
	}
	return p, nil
}

// each runs fn against every endpoint in order until one succeeds. Each
// attempt gets its own timeout so a hung RPC cannot stall the minute cycle.
func (p *pool) each(ctx context.Context, fn func(ctx context.Context, ep endpoint) error) error {
	var lastErr error
	for _, ep := range p.endpoints {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		epCtx, cancel := context.WithTimeout(ctx, endpointTimeout)
		err := fn(epCtx, ep)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("chain: all %d endpoints failed: %w", len(p.endpoints), lastErr)
}

func (p *pool) close() {
	for _, ep := range p.endpoints {
		ep.client.Close()
	}
}
