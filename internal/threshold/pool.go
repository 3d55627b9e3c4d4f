package threshold

import (
	"context"
	"fmt"
	"sync"
)

// Factory builds the client for a chain.
type Factory func(chain string) (*Client, error)

// Pool holds one process-wide client per chain. Acquire connects the client
// on first use and returns a release func. Released clients stay connected
// until Close so that back-to-back requests share one connection.
type Pool struct {
	factory Factory

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	client *Client
	refs   int
}

// NewPool returns an empty pool.
func NewPool(factory Factory) *Pool {
	return &Pool{factory: factory, entries: make(map[string]*poolEntry)}
}

// Acquire returns the connected client for chain.
func (p *Pool) Acquire(ctx context.Context, chain string) (*Client, func(), error) {
	p.mu.Lock()
	entry, ok := p.entries[chain]
	if !ok {
		client, err := p.factory(chain)
		if err != nil {
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("threshold: client for %q: %w", chain, err)
		}
		entry = &poolEntry{client: client}
		p.entries[chain] = entry
	}
	entry.refs++
	p.mu.Unlock()

	if err := entry.client.Connect(ctx); err != nil {
		p.release(chain)
		return nil, nil, err
	}

	var once sync.Once
	return entry.client, func() { once.Do(func() { p.release(chain) }) }, nil
}

// Refs reports how many holders the chain's client has.
func (p *Pool) Refs(chain string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[chain]; ok {
		return entry.refs
	}
	return 0
}

func (p *Pool) release(chain string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[chain]; ok && entry.refs > 0 {
		entry.refs--
	}
}

// Close disconnects every client and discards their credentials.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.entries))
	for chain, entry := range p.entries {
		clients = append(clients, entry.client)
		delete(p.entries, chain)
	}
	p.mu.Unlock()

	var firstErr error
	for _, client := range clients {
		if err := client.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
