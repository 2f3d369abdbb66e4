package bolt

// PoolStats is a point-in-time snapshot of a pool's counters.
type PoolStats struct {
	// InUse is the number of connections currently handed out.
	InUse int

	// Idle is the number of connections sitting in the pool.
	Idle int

	// MaxSize is the pool's current connection limit.
	MaxSize int

	// Acquires counts successful acquisitions since the pool was created.
	Acquires int64

	// EmptyAcquires counts acquisitions that had to wait or open a new
	// connection because the idle set was empty.
	EmptyAcquires int64

	// CanceledAcquires counts acquisitions abandoned because their context
	// was canceled.
	CanceledAcquires int64
}

// Stats returns a snapshot of the pool's counters. The acquisition
// counters are cumulative.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		InUse:    len(p.inUse),
		Idle:     len(p.free),
		MaxSize:  p.maxSize,
		Acquires: p.acquires,
	}
}

// Stats aggregates the counters of every per-address pool.
func (cp *ClusterPool) Stats() map[Address]PoolStats {
	stats := make(map[Address]PoolStats)
	cp.pools.Range(func(addr Address, pool *Pool) bool {
		stats[addr] = pool.Stats()
		return true
	})
	return stats
}
