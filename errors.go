package bolt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnectionClosed is returned when an operation is attempted on a
	// connection that has been closed locally.
	ErrConnectionClosed = errors.New("bolt: connection closed")

	// ErrConnectionNotInUse is returned when releasing a connection that
	// the pool holds but has not handed out.
	ErrConnectionNotInUse = errors.New("bolt: connection is not in use")

	// ErrConnectionNotOwned is returned when releasing a connection into a
	// pool that does not own it.
	ErrConnectionNotOwned = errors.New("bolt: connection does not belong to this pool")

	// ErrClusterUnavailable is returned when no router, including the
	// initial seed routers, can provide a usable routing table.
	ErrClusterUnavailable = errors.New("bolt: unable to retrieve routing information")
)

// ConnectionError indicates that a connection could not be established.
type ConnectionError struct {
	Address Address
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("bolt: failed to establish a connection to %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SecurityError indicates that a secure connection could not be
// established.
type SecurityError struct {
	Address Address
	Err     error
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("bolt: failed to establish a secure connection to %s: %v", e.Address, e.Err)
}

func (e *SecurityError) Unwrap() error { return e.Err }

// BrokenError indicates that an established connection was lost or
// corrupted mid-flight. Once raised, the connection is unusable and every
// further operation on it fails the same way without touching the network.
type BrokenError struct {
	Address Address
	Message string
	Err     error
}

func (e *BrokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bolt: connection to %s broken: %s: %v", e.Address, e.Message, e.Err)
	}
	return fmt.Sprintf("bolt: connection to %s broken: %s", e.Address, e.Message)
}

func (e *BrokenError) Unwrap() error { return e.Err }

// HandshakeError indicates that version negotiation completed without
// agreement on a protocol version.
type HandshakeError struct {
	Address  Address
	Proposed []Version
	Response [4]byte
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("bolt: handshake with %s failed (proposed %v, received %X)",
		e.Address, e.Proposed, e.Response[:])
}

// TxError indicates a transaction usage error, such as committing an
// auto-commit transaction or running on a closed one.
type TxError struct {
	Message string
}

func (e *TxError) Error() string {
	return "bolt: " + e.Message
}

// RoutingError indicates that routing information could not be obtained
// from a particular router, for example because the server does not
// support the routing procedure or returned an unusable table.
type RoutingError struct {
	Address Address
	Message string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("bolt: routing via %s failed: %s", e.Address, e.Message)
}

// NoServiceError is returned by the cluster pool when the routing table
// holds no address able to serve the requested access mode.
type NoServiceError struct {
	ReadOnly bool
}

func (e *NoServiceError) Error() string {
	mode := "write"
	if e.ReadOnly {
		mode = "read"
	}
	return fmt.Sprintf("bolt: no %s service currently available", mode)
}

// FailureKind classifies a server-reported failure. The specific kinds
// exist so that pool-layer handlers can intercept routing-invalidating
// failures without string matching at every call site.
type FailureKind int

const (
	// FailureUnknown covers failures whose classification is not
	// recognised.
	FailureUnknown FailureKind = iota

	// FailureClient marks failures caused by the client (bad syntax,
	// constraint violations). Not safe to retry unchanged.
	FailureClient

	// FailureDatabase marks failures raised inside the database.
	FailureDatabase

	// FailureTransient marks failures that are safe to retry.
	FailureTransient

	// FailureNotALeader marks a write sent to a non-leader cluster member.
	FailureNotALeader

	// FailureForbiddenOnReadOnlyDatabase marks a write sent to a
	// read-only database.
	FailureForbiddenOnReadOnlyDatabase
)

func (k FailureKind) String() string {
	switch k {
	case FailureClient:
		return "ClientError"
	case FailureDatabase:
		return "DatabaseError"
	case FailureTransient:
		return "TransientError"
	case FailureNotALeader:
		return "NotALeader"
	case FailureForbiddenOnReadOnlyDatabase:
		return "ForbiddenOnReadOnlyDatabase"
	default:
		return "Unknown"
	}
}

// failureKindsByCode holds the failure codes that resolve to a specific
// kind regardless of their classification segment.
var failureKindsByCode = map[string]FailureKind{
	"Neo.ClientError.Cluster.NotALeader":                  FailureNotALeader,
	"Neo.ClientError.General.ForbiddenOnReadOnlyDatabase": FailureForbiddenOnReadOnlyDatabase,
}

// failureKindsByClass maps the classification segment of a failure code
// ("Neo.<classification>.<category>.<title>") to a kind.
var failureKindsByClass = map[string]FailureKind{
	"ClientError":    FailureClient,
	"DatabaseError":  FailureDatabase,
	"TransientError": FailureTransient,
}

// Failure is a failure reported by the server in a FAILURE summary. The
// kind is resolved once, at construction, through the code lookup tables.
type Failure struct {
	Code    string
	Message string
	Kind    FailureKind
}

func newFailure(metadata map[string]any) *Failure {
	f := &Failure{}
	f.Code, _ = metadata["code"].(string)
	f.Message, _ = metadata["message"].(string)
	if kind, ok := failureKindsByCode[f.Code]; ok {
		f.Kind = kind
	} else if kind, ok := failureKindsByClass[f.classification()]; ok {
		f.Kind = kind
	}
	return f
}

func (f *Failure) classification() string {
	parts := strings.SplitN(f.Code, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Title returns the final segment of the failure code, such as
// "NotALeader" or "ProcedureNotFound".
func (f *Failure) Title() string {
	i := strings.LastIndexByte(f.Code, '.')
	return f.Code[i+1:]
}

// Transient reports whether the failure is safe to retry.
func (f *Failure) Transient() bool {
	return f.Kind == FailureTransient
}

func (f *Failure) Error() string {
	return fmt.Sprintf("bolt: server failure [%s] %s", f.Code, f.Message)
}

// connectionFailed reports whether err indicates a connection-level
// problem, as opposed to a server-reported failure or a usage error. The
// cluster pool deactivates an address when acquiring from it fails this
// way.
func connectionFailed(err error) bool {
	if err == nil {
		return false
	}
	var (
		connErr      *ConnectionError
		secErr       *SecurityError
		brokenErr    *BrokenError
		handshakeErr *HandshakeError
	)
	return errors.As(err, &connErr) ||
		errors.As(err, &secErr) ||
		errors.As(err, &brokenErr) ||
		errors.As(err, &handshakeErr) ||
		errors.Is(err, ErrConnectionClosed)
}
