package bolt

import (
	"fmt"
	"time"
)

// routingProcedure is the server-side procedure yielding the cluster
// routing table.
const routingProcedure = "CALL dbms.cluster.routing.getRoutingTable($context)"

// Server roles as they appear in the routing procedure's reply.
const (
	roleRouter = "ROUTE"
	roleReader = "READ"
	roleWriter = "WRITE"
)

// RoutingTable is one snapshot of the cluster topology: which servers
// route, which serve reads and which serve writes, plus how long the
// snapshot may be trusted.
type RoutingTable struct {
	Routers []Address
	Readers []Address
	Writers []Address

	LastUpdated time.Time
	TTL         time.Duration
}

// parseRoutingTable builds a table from the single record returned by the
// routing procedure. The record carries a ttl in seconds and a list of
// {addresses, role} maps.
func parseRoutingTable(record *Record) (*RoutingTable, error) {
	table := &RoutingTable{LastUpdated: time.Now()}

	ttl, ok := record.Get("ttl")
	if !ok {
		return nil, fmt.Errorf("routing record is missing ttl")
	}
	seconds, ok := ttl.(int64)
	if !ok {
		return nil, fmt.Errorf("routing record ttl has unexpected type %T", ttl)
	}
	table.TTL = time.Duration(seconds) * time.Second

	servers, ok := record.Get("servers")
	if !ok {
		return nil, fmt.Errorf("routing record is missing servers")
	}
	serverList, ok := servers.([]any)
	if !ok {
		return nil, fmt.Errorf("routing record servers has unexpected type %T", servers)
	}
	for _, s := range serverList {
		server, ok := s.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("routing record server entry has unexpected type %T", s)
		}
		role, _ := server["role"].(string)
		rawAddresses, _ := server["addresses"].([]any)
		var addresses []Address
		for _, raw := range rawAddresses {
			str, ok := raw.(string)
			if !ok {
				continue
			}
			addr, err := ParseAddress(str)
			if err != nil {
				return nil, fmt.Errorf("routing record contains invalid address %q: %w", str, err)
			}
			addresses = append(addresses, addr)
		}
		switch role {
		case roleRouter:
			table.Routers = append(table.Routers, addresses...)
		case roleReader:
			table.Readers = append(table.Readers, addresses...)
		case roleWriter:
			table.Writers = append(table.Writers, addresses...)
		}
	}
	return table, nil
}

// IsFresh reports whether the table can still be used for the given access
// mode. A table without writers is never fresh for writes.
func (t *RoutingTable) IsFresh(readonly bool) bool {
	if t == nil {
		return false
	}
	if time.Since(t.LastUpdated) >= t.TTL {
		return false
	}
	if len(t.Routers) == 0 {
		return false
	}
	if readonly {
		return len(t.Readers) > 0
	}
	return len(t.Writers) > 0
}

// Expire invalidates the table so the next access triggers a refresh.
func (t *RoutingTable) Expire() {
	t.TTL = 0
}

// Servers returns every distinct address in the table, regardless of role.
func (t *RoutingTable) Servers() []Address {
	seen := make(map[Address]struct{})
	var all []Address
	for _, group := range [][]Address{t.Routers, t.Readers, t.Writers} {
		for _, addr := range group {
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			all = append(all, addr)
		}
	}
	return all
}

// Remove deletes an address from every role.
func (t *RoutingTable) Remove(addr Address) {
	t.Routers = removeAddress(t.Routers, addr)
	t.Readers = removeAddress(t.Readers, addr)
	t.Writers = removeAddress(t.Writers, addr)
}

func (t *RoutingTable) String() string {
	return fmt.Sprintf("routers=%v readers=%v writers=%v ttl=%s",
		t.Routers, t.Readers, t.Writers, t.TTL)
}

func removeAddress(addrs []Address, addr Address) []Address {
	out := addrs[:0]
	for _, a := range addrs {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}
