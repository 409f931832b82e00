package executor

import (
	"fmt"
	"io"
	"sync"

	"github.com/artpar/conductor/internal/core/domain"
)

// Pool caches one runner per target address so that SSH connections are
// reused across the phases of an execution and across a portfolio run.
type Pool struct {
	config  Config
	runners map[string]Backend // address -> runner
	mu      sync.RWMutex
}

// NewPool creates an empty pool.
func NewPool(cfg Config) *Pool {
	return &Pool{
		config:  cfg,
		runners: make(map[string]Backend),
	}
}

// For returns the runner for target, creating it on first use.
func (p *Pool) For(target domain.Target) (Backend, error) {
	key := poolKey(target.Address)

	// Fast path: check if runner exists
	p.mu.RLock()
	runner, exists := p.runners[key]
	p.mu.RUnlock()
	if exists {
		return runner, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if runner, exists := p.runners[key]; exists {
		return runner, nil
	}

	runner, err := ForTarget(target, p.config)
	if err != nil {
		return nil, err
	}
	p.runners[key] = runner
	return runner, nil
}

// Len returns the number of cached runners.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.runners)
}

// CloseAll closes every runner that holds a connection.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for addr, runner := range p.runners {
		if c, ok := runner.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close runner for %s: %w", addr, err)
			}
		}
		delete(p.runners, addr)
	}
	return firstErr
}

func poolKey(address string) string {
	if address == "" || address == "local" {
		return "local://"
	}
	return address
}
