package bolt

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Opener establishes a new connection to an address.
type Opener func(ctx context.Context, addr Address) (*Conn, error)

// Pool maintains reusable connections to a single address. Acquire hands
// out an idle connection when one is available, opens a new one while the
// pool is below its size limit, and otherwise blocks until a connection is
// released. Released connections are reset before going back on the idle
// list; broken, closed or over-age connections are discarded instead.
//
// The size limit is mutable: a routing layer shrinks a pool to zero to
// take a departed server out of service without invalidating connections
// already handed out.
type Pool struct {
	opener Opener
	addr   Address
	maxAge time.Duration

	mu       sync.Mutex
	maxSize  int
	inUse    []*Conn
	free     []*Conn
	opening  int
	acquires int64
	wake     chan struct{}
}

// NewPool creates a pool for addr holding at most maxSize connections.
func NewPool(opener Opener, addr Address, maxSize int, maxAge time.Duration) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pool{
		opener:  opener,
		addr:    addr,
		maxAge:  maxAge,
		maxSize: maxSize,
		wake:    make(chan struct{}),
	}
}

// Address returns the address the pool connects to.
func (p *Pool) Address() Address { return p.addr }

// MaxSize returns the current connection limit.
func (p *Pool) MaxSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSize
}

// SetMaxSize changes the connection limit. Growing the limit wakes
// acquirers blocked on it; shrinking never closes connections already in
// use.
func (p *Pool) SetMaxSize(n int) {
	p.mu.Lock()
	p.maxSize = n
	p.notifyLocked()
	p.mu.Unlock()
}

// size counts connections charged against the limit, including ones still
// being opened.
func (p *Pool) size() int {
	return len(p.inUse) + len(p.free) + p.opening
}

// InUse returns the number of connections currently handed out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Idle returns the number of idle connections.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// notifyLocked wakes every goroutine blocked in Acquire. Closing and
// replacing the channel broadcasts without tracking waiters.
func (p *Pool) notifyLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// Acquire returns a healthy connection, blocking while the pool is full.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		// Reuse the most recently released connection first.
		for len(p.free) > 0 {
			cn := p.free[len(p.free)-1]
			p.free = p.free[:len(p.free)-1]
			if p.sanitizeLocked(ctx, cn) {
				p.inUse = append(p.inUse, cn)
				p.acquires++
				p.mu.Unlock()
				return cn, nil
			}
		}
		if p.size() < p.maxSize {
			p.opening++
			p.mu.Unlock()
			cn, err := p.opener(ctx, p.addr)
			p.mu.Lock()
			p.opening--
			if err != nil {
				p.notifyLocked()
				p.mu.Unlock()
				return nil, err
			}
			p.inUse = append(p.inUse, cn)
			p.acquires++
			p.mu.Unlock()
			return cn, nil
		}
		wake := p.wake
		p.mu.Unlock()

		slog.Debug("bolt: pool full, waiting for a connection", "address", p.addr)
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// sanitizeLocked prepares an idle connection for reuse, reporting whether
// it is still usable. Unusable connections are closed as a side effect.
// Called with p.mu held; the lock is dropped around network I/O.
func (p *Pool) sanitizeLocked(ctx context.Context, cn *Conn) bool {
	if cn.Broken() || cn.Closed() {
		return false
	}
	if p.maxAge > 0 && cn.Age() > p.maxAge {
		p.mu.Unlock()
		slog.Debug("bolt: closing over-age connection", "address", p.addr, "age", cn.Age())
		cn.Close(ctx)
		p.mu.Lock()
		return false
	}
	p.mu.Unlock()
	err := cn.Reset(ctx, false)
	p.mu.Lock()
	return err == nil
}

// Release returns a connection to the pool. The connection is reset and,
// while the pool has room, kept for reuse. Releasing a connection the pool
// did not hand out is an error.
func (p *Pool) Release(ctx context.Context, cn *Conn) error {
	p.mu.Lock()
	idx := -1
	for i, c := range p.inUse {
		if c == cn {
			idx = i
			break
		}
	}
	if idx < 0 {
		defer p.mu.Unlock()
		for _, c := range p.free {
			if c == cn {
				return ErrConnectionNotInUse
			}
		}
		return ErrConnectionNotOwned
	}
	p.inUse = append(p.inUse[:idx], p.inUse[idx+1:]...)

	if p.sanitizeLocked(ctx, cn) && p.size() < p.maxSize {
		p.free = append(p.free, cn)
	} else if !cn.Closed() {
		p.mu.Unlock()
		cn.Close(ctx)
		p.mu.Lock()
	}
	p.notifyLocked()
	p.mu.Unlock()
	return nil
}

// Prune closes all idle connections. Connections in use are unaffected.
func (p *Pool) Prune(ctx context.Context) {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()
	for _, cn := range free {
		cn.Close(ctx)
	}
}

// Close closes all connections, idle and in use alike. The pool remains
// usable afterwards; closing it is a way to force every connection to be
// re-established.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	inUse := append([]*Conn(nil), p.inUse...)
	p.mu.Unlock()
	p.Prune(ctx)
	for _, cn := range inUse {
		cn.Close(ctx)
	}
}
