package socket

import (
	"sync"
	"sync/atomic"
)

// DefaultPoolSize is the number of socket connection ids of a Telit
// modem, 1 to 6.
const DefaultPoolSize = 6

// Pool hands out socket ids 1..size. An id is owned by exactly one Lease
// until released.
type Pool struct {
	mu   sync.Mutex
	used []bool
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{used: make([]bool, size+1)}
}

// Size returns the number of ids in the pool.
func (p *Pool) Size() int {
	return len(p.used) - 1
}

// Acquire claims id. It returns nil when id is out of range or in use.
func (p *Pool) Acquire(id int) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 1 || id >= len(p.used) || p.used[id] {
		return nil
	}
	p.used[id] = true
	return &Lease{id: id, pool: p}
}

// Free reports whether id can be acquired.
func (p *Pool) Free(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return id >= 1 && id < len(p.used) && !p.used[id]
}

// InUse returns the number of leased ids.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, u := range p.used[1:] {
		if u {
			n++
		}
	}
	return n
}

func (p *Pool) release(id int) {
	p.mu.Lock()
	p.used[id] = false
	p.mu.Unlock()
}

// Lease is the ownership of one socket id.
type Lease struct {
	id       int
	pool     *Pool
	released atomic.Bool
}

func (l *Lease) ID() int {
	return l.id
}

// Release returns the id to its pool. Releasing twice is a no-op, so a
// stale lease never frees an id that was handed out again.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.pool.release(l.id)
	}
}
