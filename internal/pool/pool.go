// Package pool rents loaded engine instances out of a fixed-size pool
// under backpressure.
package pool

import (
	"context"
	"fmt"

	"github.com/logus2k/agent-gateway/internal/engine"
	"github.com/logus2k/agent-gateway/internal/telemetry"
)

// Worker is a loaded engine bound to a numeric id. Owned by exactly one
// Pool; rented to at most one caller at a time.
type Worker struct {
	ID     int
	Engine engine.Adapter
}

// Pool hands out Workers via a bounded channel acting as a FIFO queue: the
// channel's buffer holds exactly the idle Workers, so acquiring one is a
// channel receive and releasing it is a channel send back.
type Pool struct {
	workers []*Worker
	queue   chan *Worker
}

// Factory builds the engine.Adapter for worker id i.
type Factory func(i int) (engine.Adapter, error)

// New synchronously builds size Workers via factory and enqueues them.
// size must be >= 1.
func New(factory Factory, size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}

	p := &Pool{
		workers: make([]*Worker, 0, size),
		queue:   make(chan *Worker, size),
	}
	for i := 0; i < size; i++ {
		adapter, err := factory(i)
		if err != nil {
			return nil, fmt.Errorf("building worker %d: %w", i, err)
		}
		w := &Worker{ID: i, Engine: adapter}
		p.workers = append(p.workers, w)
		p.queue <- w
	}
	return p, nil
}

// Lease is a scoped rental: Release must be called exactly once to return
// the Worker to the pool, typically via defer.
type Lease struct {
	Worker *Worker
	pool   *Pool
}

// Release returns the Worker to the pool. Safe to call even if the
// renter's own context was cancelled — the Worker is always returned.
func (l *Lease) Release() {
	l.pool.queue <- l.Worker
}

// Acquire blocks until a Worker is available or ctx is done. Fairness is
// FIFO by acquisition order, inherited from Go channel semantics.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case w := <-p.queue:
		return &Lease{Worker: w, pool: p}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size returns the number of Workers the pool owns.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Utilization reports the fraction of Workers currently leased, in [0,1],
// and updates the pool utilization gauge.
func (p *Pool) Utilization() float64 {
	idle := len(p.queue)
	leased := len(p.workers) - idle
	ratio := float64(leased) / float64(len(p.workers))
	telemetry.PoolUtilization.Set(ratio)
	return ratio
}
