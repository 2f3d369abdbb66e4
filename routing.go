package bolt

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sony/gobreaker/v2"
)

// ClusterPool is a routing connection pool for a causal cluster. It keeps
// one Pool per known server, discovers the cluster topology via the
// routing procedure and hands out read or write connections according to
// the server roles in the current routing table.
type ClusterPool struct {
	config Config
	opener Opener

	// pools maps every address the cluster pool has ever activated to its
	// per-address pool. Deactivated servers stay in the map with a zero
	// size limit so connections already handed out can still be released.
	pools *xsync.MapOf[Address, *Pool]

	initialRouters []Address

	// refreshMu serialises routing table refreshes so a burst of stale
	// observers triggers only one round of procedure calls.
	refreshMu sync.Mutex

	tableMu       sync.RWMutex
	table         *RoutingTable
	missingWriter bool
}

// NewClusterPool creates a cluster pool seeded with one or more router
// addresses. The routing table is fetched lazily on first acquisition.
func NewClusterPool(routers []Address, config Config) *ClusterPool {
	cp := &ClusterPool{
		config:         config,
		pools:          xsync.NewMapOf[Address, *Pool](),
		initialRouters: append([]Address(nil), routers...),
		table:          &RoutingTable{Routers: append([]Address(nil), routers...)},
	}
	cp.opener = cp.newOpener()
	return cp
}

// newOpener builds the per-address connection opener, wrapping Dial in a
// circuit breaker when the configuration provides one.
func (cp *ClusterPool) newOpener() Opener {
	if cp.config.NewCircuitBreaker == nil {
		return func(ctx context.Context, addr Address) (*Conn, error) {
			return Dial(ctx, addr, cp.config)
		}
	}
	var mu sync.Mutex
	breakers := make(map[Address]*gobreaker.CircuitBreaker[*Conn])
	return func(ctx context.Context, addr Address) (*Conn, error) {
		mu.Lock()
		cb, ok := breakers[addr]
		if !ok {
			cb = cp.config.NewCircuitBreaker(addr)
			breakers[addr] = cb
		}
		mu.Unlock()
		return cb.Execute(func() (*Conn, error) {
			return Dial(ctx, addr, cp.config)
		})
	}
}

// poolFor returns the pool for addr, creating it on first use.
func (cp *ClusterPool) poolFor(addr Address) *Pool {
	pool, _ := cp.pools.LoadOrCompute(addr, func() *Pool {
		return NewPool(cp.opener, addr, cp.config.maxSize(), cp.config.MaxAge)
	})
	return pool
}

// RoutingTable returns a copy of the current routing table.
func (cp *ClusterPool) RoutingTable() RoutingTable {
	cp.tableMu.RLock()
	defer cp.tableMu.RUnlock()
	table := *cp.table
	return table
}

// expireTable invalidates the routing table so the next acquisition
// triggers a refresh.
func (cp *ClusterPool) expireTable() {
	cp.tableMu.Lock()
	cp.table.Expire()
	cp.tableMu.Unlock()
}

// ensureFreshTable refreshes the routing table if it is stale for the
// given access mode. Refreshes are serialised; late arrivals re-check
// freshness before fetching so only one refresh happens per staleness
// window.
func (cp *ClusterPool) ensureFreshTable(ctx context.Context, readonly bool) error {
	cp.tableMu.RLock()
	fresh := cp.table.IsFresh(readonly)
	cp.tableMu.RUnlock()
	if fresh {
		return nil
	}

	cp.refreshMu.Lock()
	defer cp.refreshMu.Unlock()

	cp.tableMu.RLock()
	fresh = cp.table.IsFresh(readonly)
	cp.tableMu.RUnlock()
	if fresh {
		return nil
	}
	return cp.updateRoutingTable(ctx)
}

// updateRoutingTable refreshes the table by asking known routers in turn.
// When the table has no writer, the seed routers are consulted before the
// known ones: the cluster is likely mid-election and the seeds are the
// most stable source of truth. The seeds are also the final fallback.
func (cp *ClusterPool) updateRoutingTable(ctx context.Context) error {
	cp.tableMu.RLock()
	routers := append([]Address(nil), cp.table.Routers...)
	missingWriter := cp.missingWriter
	cp.tableMu.RUnlock()

	triedSeeds := false
	if missingWriter {
		triedSeeds = true
		if cp.updateRoutingTableFrom(ctx, cp.initialRouters...) {
			return nil
		}
	}
	if cp.updateRoutingTableFrom(ctx, routers...) {
		return nil
	}
	if !triedSeeds {
		var untried []Address
		for _, seed := range cp.initialRouters {
			if !containsAddress(routers, seed) {
				untried = append(untried, seed)
			}
		}
		if cp.updateRoutingTableFrom(ctx, untried...) {
			return nil
		}
	}
	return ErrClusterUnavailable
}

// updateRoutingTableFrom tries each router until one produces a usable
// table. Routers that fail are deactivated. A table with no readers or no
// routers is rejected as incomplete; a table with no writers is accepted
// but flagged, so write acquisitions keep refreshing.
func (cp *ClusterPool) updateRoutingTableFrom(ctx context.Context, routers ...Address) bool {
	for _, router := range routers {
		table, err := cp.fetchRoutingTable(ctx, router)
		if err != nil {
			slog.Debug("bolt: routing table fetch failed", "router", router, "error", err)
			cp.Deactivate(ctx, router)
			continue
		}
		if len(table.Routers) == 0 || len(table.Readers) == 0 {
			slog.Debug("bolt: ignoring incomplete routing table", "router", router, "table", table)
			continue
		}
		cp.tableMu.Lock()
		cp.table = table
		cp.missingWriter = len(table.Writers) == 0
		cp.tableMu.Unlock()
		slog.Debug("bolt: routing table updated", "router", router, "table", table)
		cp.syncPools(ctx, table)
		return true
	}
	return false
}

func (cp *ClusterPool) fetchRoutingTable(ctx context.Context, router Address) (*RoutingTable, error) {
	pool := cp.poolFor(router)
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer pool.Release(ctx, cn)
	return cn.GetRoutingTable(ctx, cp.config.RoutingContext)
}

// syncPools reconciles the per-address pools with a freshly fetched table:
// pools for departed servers are taken out of service and pools for
// returning servers get their size limit back.
func (cp *ClusterPool) syncPools(ctx context.Context, table *RoutingTable) {
	servers := make(map[Address]struct{})
	for _, addr := range table.Servers() {
		servers[addr] = struct{}{}
	}
	cp.pools.Range(func(addr Address, pool *Pool) bool {
		if _, ok := servers[addr]; ok {
			if pool.MaxSize() == 0 {
				slog.Debug("bolt: reactivating server", "address", addr)
				pool.SetMaxSize(cp.config.maxSize())
			}
		} else if pool.MaxSize() > 0 {
			slog.Debug("bolt: retiring departed server", "address", addr)
			pool.SetMaxSize(0)
			pool.Prune(ctx)
		}
		return true
	})
}

// Deactivate takes a server out of rotation: it is removed from every role
// in the routing table and its pool stops opening or keeping connections.
// Connections already handed out remain valid until released.
func (cp *ClusterPool) Deactivate(ctx context.Context, addr Address) {
	slog.Debug("bolt: deactivating server", "address", addr)
	cp.tableMu.Lock()
	cp.table.Remove(addr)
	cp.tableMu.Unlock()
	if pool, ok := cp.pools.Load(addr); ok {
		pool.SetMaxSize(0)
		pool.Prune(ctx)
	}
}

// selectAddress picks the candidate whose pool has the fewest connections
// in use, breaking ties randomly.
func (cp *ClusterPool) selectAddress(candidates []Address) (Address, bool) {
	var (
		best    []Address
		bestUse int
	)
	for _, addr := range candidates {
		inUse := 0
		if pool, ok := cp.pools.Load(addr); ok {
			inUse = pool.InUse()
		}
		switch {
		case best == nil || inUse < bestUse:
			best = append(best[:0], addr)
			bestUse = inUse
		case inUse == bestUse:
			best = append(best, addr)
		}
	}
	if len(best) == 0 {
		return Address{}, false
	}
	return best[rand.Intn(len(best))], true
}

// Acquire returns a connection to a server suited for the given access
// mode, refreshing the routing table as needed. Servers that cannot be
// reached are deactivated and another candidate is tried. Connections for
// writing are armed to expire the routing table when the server turns out
// to no longer be the writer.
func (cp *ClusterPool) Acquire(ctx context.Context, readonly bool) (*Conn, error) {
	for {
		if err := cp.ensureFreshTable(ctx, readonly); err != nil {
			return nil, err
		}
		cp.tableMu.RLock()
		var candidates []Address
		if readonly {
			candidates = append(candidates, cp.table.Readers...)
		} else {
			candidates = append(candidates, cp.table.Writers...)
		}
		cp.tableMu.RUnlock()

		addr, ok := cp.selectAddress(candidates)
		if !ok {
			return nil, &NoServiceError{ReadOnly: readonly}
		}
		cn, err := cp.poolFor(addr).Acquire(ctx)
		if err != nil {
			if connectionFailed(err) {
				slog.Debug("bolt: server unreachable, retrying with another",
					"address", addr, "error", err)
				cp.Deactivate(ctx, addr)
				continue
			}
			return nil, err
		}
		if !readonly {
			cp.armWriteHandlers(cn)
		}
		return cn, nil
	}
}

// armWriteHandlers attaches failure handlers for the cluster-level
// failures a write connection can run into. Either failure means the
// routing table is out of date; it is expired so the next acquisition
// refreshes it, and the failure is re-raised to the caller.
func (cp *ClusterPool) armWriteHandlers(cn *Conn) {
	onStaleWriter := func(f *Failure) error {
		slog.Debug("bolt: server is no longer the writer", "address", cn.Address(), "code", f.Code)
		cp.expireTable()
		cp.tableMu.Lock()
		cp.missingWriter = true
		cp.tableMu.Unlock()
		return f
	}
	cn.setFailureHandler(FailureNotALeader, onStaleWriter)
	cn.setFailureHandler(FailureForbiddenOnReadOnlyDatabase, onStaleWriter)
}

func (cp *ClusterPool) disarmWriteHandlers(cn *Conn) {
	cn.delFailureHandler(FailureNotALeader)
	cn.delFailureHandler(FailureForbiddenOnReadOnlyDatabase)
}

// Release returns a connection to the pool it was acquired from.
func (cp *ClusterPool) Release(ctx context.Context, cn *Conn) error {
	cp.disarmWriteHandlers(cn)
	pool, ok := cp.pools.Load(cn.Address())
	if !ok {
		return ErrConnectionNotOwned
	}
	return pool.Release(ctx, cn)
}

// Close closes every pool. With force, connections currently handed out
// are closed as well; otherwise only idle connections are. Either way the
// pools stop opening new connections.
func (cp *ClusterPool) Close(ctx context.Context, force bool) {
	cp.pools.Range(func(addr Address, pool *Pool) bool {
		pool.SetMaxSize(0)
		if force {
			pool.Close(ctx)
		} else {
			pool.Prune(ctx)
		}
		return true
	})
}

func containsAddress(addrs []Address, addr Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}
