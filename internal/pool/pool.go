// Package pool holds the sandboxes available to the load driver.
package pool

import (
	"sync"

	"github.com/p-arndt/sandpress/internal/lifecycle"
)

// Pool is the set of idle sandbox handles. A handle is either in the pool,
// checked out by exactly one worker, or dropped; the pool never hands out
// the same handle twice because DrawAll removes everything it returns.
type Pool struct {
	mu      sync.Mutex
	handles []lifecycle.Handle
}

func New() *Pool {
	return &Pool{}
}

// Put returns a handle to the pool.
func (p *Pool) Put(h lifecycle.Handle) {
	p.mu.Lock()
	p.handles = append(p.handles, h)
	p.mu.Unlock()
}

// DrawAll empties the pool and returns its former contents.
func (p *Pool) DrawAll() []lifecycle.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	drawn := p.handles
	p.handles = nil
	return drawn
}

// Checkout draws the pool, lets pick choose one handle by index, and returns
// every other handle before releasing the lock. The chosen handle is owned
// by the caller until it calls Put or drops it. ok is false when the pool
// is empty.
func (p *Pool) Checkout(pick func(n int) int) (h lifecycle.Handle, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.handles)
	if n == 0 {
		return lifecycle.Handle{}, false
	}
	i := pick(n)
	h = p.handles[i]
	p.handles[i] = p.handles[n-1]
	p.handles = p.handles[:n-1]
	return h, true
}

// Len reports the number of idle handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// IDs returns the IDs of the idle handles.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.handles))
	for _, h := range p.handles {
		ids = append(ids, h.ID)
	}
	return ids
}
