package bolt

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"
)

// DirectPool is a connection pool for a single server, for deployments
// without routing. It is a thin layer over a puddle resource pool:
// construction runs the full dial-handshake-authenticate sequence
// (optionally behind a circuit breaker) and release resets the connection
// before it goes back to the idle set.
type DirectPool struct {
	addr   Address
	maxAge time.Duration
	pool   *puddle.Pool[*Conn]

	mu        sync.Mutex
	resources map[*Conn]*puddle.Resource[*Conn]
}

// NewDirectPool creates a pool of connections to a single address.
func NewDirectPool(addr Address, config Config) (*DirectPool, error) {
	opener := func(ctx context.Context) (*Conn, error) {
		return Dial(ctx, addr, config)
	}
	if config.NewCircuitBreaker != nil {
		cb := config.NewCircuitBreaker(addr)
		dial := opener
		opener = func(ctx context.Context) (*Conn, error) {
			return cb.Execute(func() (*Conn, error) {
				return dial(ctx)
			})
		}
	}
	pool, err := puddle.NewPool(&puddle.Config[*Conn]{
		Constructor: opener,
		Destructor: func(cn *Conn) {
			cn.Close(context.Background())
		},
		MaxSize: int32(config.maxSize()),
	})
	if err != nil {
		return nil, err
	}
	return &DirectPool{
		addr:      addr,
		maxAge:    config.MaxAge,
		pool:      pool,
		resources: make(map[*Conn]*puddle.Resource[*Conn]),
	}, nil
}

// Address returns the address the pool connects to.
func (p *DirectPool) Address() Address { return p.addr }

// Acquire returns a pooled connection, opening one when the pool is below
// its size limit, and blocking when it is full.
func (p *DirectPool) Acquire(ctx context.Context) (*Conn, error) {
	for {
		res, err := p.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		cn := res.Value()
		if cn.Broken() || cn.Closed() {
			res.Destroy()
			continue
		}
		if p.maxAge > 0 && cn.Age() > p.maxAge {
			res.Destroy()
			continue
		}
		p.mu.Lock()
		p.resources[cn] = res
		p.mu.Unlock()
		return cn, nil
	}
}

// Release returns a connection to the pool. The connection is reset; if
// the reset fails it is destroyed instead of going back on the idle set.
func (p *DirectPool) Release(ctx context.Context, cn *Conn) error {
	p.mu.Lock()
	res, ok := p.resources[cn]
	delete(p.resources, cn)
	p.mu.Unlock()
	if !ok {
		return ErrConnectionNotOwned
	}
	if err := cn.Reset(ctx, false); err != nil {
		res.Destroy()
		return nil
	}
	res.Release()
	return nil
}

// With acquires a connection, runs fn with it and releases it afterwards.
func (p *DirectPool) With(ctx context.Context, fn func(cn *Conn) error) error {
	cn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(ctx, cn)
	return fn(cn)
}

// Stats returns a snapshot of the pool's counters.
func (p *DirectPool) Stats() PoolStats {
	stat := p.pool.Stat()
	return PoolStats{
		InUse:            int(stat.AcquiredResources()),
		Idle:             int(stat.IdleResources()),
		MaxSize:          int(stat.MaxResources()),
		Acquires:         stat.AcquireCount(),
		EmptyAcquires:    stat.EmptyAcquireCount(),
		CanceledAcquires: stat.CanceledAcquireCount(),
	}
}

// Close destroys all idle connections and prevents further acquisition.
func (p *DirectPool) Close() {
	p.pool.Close()
}
