package bolt

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/boltgraph/bolt/packstream"
)

const defaultUserAgent = "boltgraph-go/1.0"

// Config holds configuration for connections and the pools built on top of
// them. The zero value is usable for an unauthenticated, unencrypted
// connection.
type Config struct {
	// UserAgent is announced to the server in HELLO.
	// If empty, a default is used.
	UserAgent string

	// Auth is the authentication token merged into the HELLO extras. The
	// driver treats it as opaque; a typical token is
	// {"scheme": "basic", "principal": ..., "credentials": ...}.
	// If nil, {"scheme": "none"} is sent.
	Auth map[string]any

	// TLSConfig enables TLS on new connections when non-nil.
	TLSConfig *tls.Config

	// Dialer is used to open TCP connections.
	// If nil, a default net.Dialer is used.
	Dialer *net.Dialer

	// Versions are the protocol versions proposed during the handshake,
	// highest first. At most four are offered.
	// If nil, all supported versions are proposed.
	Versions []Version

	// Hydration maps structure tags to hooks that convert incoming tagged
	// structures (temporal, spatial and graph values) into richer types.
	Hydration packstream.Hydration

	// Dehydrate converts outgoing values with no primitive wire encoding
	// into tagged structures.
	Dehydrate packstream.DehydrateFunc

	// MaxSize is the maximum number of connections a pool may own per
	// address, both in-use and free.
	// If zero, DefaultMaxSize is used.
	MaxSize int

	// MaxAge is the maximum age for pooled connections to be reused.
	// Zero means no limit.
	MaxAge time.Duration

	// RoutingContext is passed to the routing procedure on refresh.
	RoutingContext map[string]string

	// NewCircuitBreaker creates a circuit breaker guarding connection
	// establishment for a server address. Called once per address when the
	// cluster pool activates it.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(addr Address) *gobreaker.CircuitBreaker[*Conn]
}

// DefaultMaxSize is the per-address pool size used when Config.MaxSize is
// zero.
const DefaultMaxSize = 100

func (c Config) userAgent() string {
	if c.UserAgent == "" {
		return defaultUserAgent
	}
	return c.UserAgent
}

func (c Config) versions() []Version {
	if len(c.Versions) == 0 {
		return supportedVersions()
	}
	if len(c.Versions) > 4 {
		return c.Versions[:4]
	}
	return c.Versions
}

func (c Config) maxSize() int {
	if c.MaxSize <= 0 {
		return DefaultMaxSize
	}
	return c.MaxSize
}

// NewCircuitBreakerConfig returns a factory for per-address circuit
// breakers with a failure-ratio trip condition, suitable for
// Config.NewCircuitBreaker.
func NewCircuitBreakerConfig(maxRequests uint32, interval, timeout time.Duration) func(Address) *gobreaker.CircuitBreaker[*Conn] {
	return func(addr Address) *gobreaker.CircuitBreaker[*Conn] {
		settings := gobreaker.Settings{
			Name:        addr.String(),
			MaxRequests: maxRequests,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}
		return gobreaker.NewCircuitBreaker[*Conn](settings)
	}
}
