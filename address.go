package bolt

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultPort is the port assumed for addresses that do not carry one.
const DefaultPort = 7687

// Address identifies a server by host and port. It is a value type,
// comparable with ==, and is used as a map key throughout the pool and
// routing layers.
type Address struct {
	Host string
	Port uint16
}

// ParseAddress parses a "host:port" string, applying DefaultPort when no
// port is present. IPv6 literals must be bracketed ("[::1]:7687").
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// Assume a bare host with no port.
		return Address{Host: s, Port: DefaultPort}, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("bolt: invalid port in address %q: %w", s, err)
	}
	return Address{Host: host, Port: uint16(port)}, nil
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}
