// Package bolt is a client driver for graph databases speaking the Bolt
// protocol. It provides the PackStream codec, chunked message framing,
// pipelined request/response sessions with explicit and auto-commit
// transactions, per-server connection pooling and routing-table-driven
// cluster access.
package bolt

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/boltgraph/bolt/packstream"
)

// magicPreamble opens every handshake.
var magicPreamble = [4]byte{0x60, 0x60, 0xB0, 0x17}

// FailureHandler intercepts a server failure of a particular kind before
// it reaches the caller awaiting the response. Returning nil claims the
// failure; returning an error (usually the failure itself) re-raises it.
type FailureHandler func(*Failure) error

// Conn is a connection to a protocol-enabled server: it owns the framed
// transport, the negotiated protocol version, and the FIFO queue of
// pending responses.
//
// A Conn is not safe for concurrent use. Messages on one connection are
// strictly ordered: the nth emitted message's response is the nth one
// completed during fetch. Concurrency is achieved by using many
// connections, not by sharing one.
type Conn struct {
	t       *transport
	packer  *packstream.Packer
	proto   protocol
	version Version
	addr    Address
	opened  time.Time
	closed  bool

	requestsToSend int
	responses      []*response
	handlers       map[FailureKind]FailureHandler

	hydration packstream.Hydration
	tx        *Transaction

	serverAgent  string
	connectionID string
}

// Dial opens a TCP (or TLS) connection to addr, performs the protocol
// handshake and authenticates with HELLO. On handshake or authentication
// failure the socket is closed before returning.
func Dial(ctx context.Context, addr Address, config Config) (*Conn, error) {
	dialer := config.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	slog.Debug("bolt: C: <DIAL>", "address", addr)
	netConn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, &ConnectionError{Address: addr, Err: err}
	}
	if config.TLSConfig != nil {
		tlsConn := tls.Client(netConn, config.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close()
			return nil, &SecurityError{Address: addr, Err: err}
		}
		netConn = tlsConn
	}
	return NewConn(ctx, netConn, addr, config)
}

// NewConn performs the handshake and HELLO exchange over an established
// network connection and returns the resulting Conn. The connection is
// closed if negotiation or authentication fails.
func NewConn(ctx context.Context, netConn net.Conn, addr Address, config Config) (*Conn, error) {
	t := newTransport(netConn, addr)

	version, err := handshake(ctx, t, config.versions())
	if err != nil {
		netConn.Close()
		return nil, err
	}
	handler, ok := protocolHandlers[version]
	if !ok {
		// The server agreed to a version that was never offered.
		netConn.Close()
		return nil, &HandshakeError{Address: addr, Proposed: config.versions()}
	}

	c := &Conn{
		t:         t,
		packer:    packstream.NewPacker(t),
		proto:     handler,
		version:   version,
		addr:      addr,
		opened:    time.Now(),
		handlers:  make(map[FailureKind]FailureHandler),
		hydration: config.Hydration,
	}
	c.packer.SetDehydrate(config.Dehydrate)

	if err := c.hello(ctx, config); err != nil {
		c.t.close()
		c.closed = true
		return nil, err
	}
	return c, nil
}

// handshake proposes up to four protocol versions, highest first, and
// parses the server's 4-byte reply as the single agreed version.
func handshake(ctx context.Context, t *transport, proposed []Version) (Version, error) {
	request := make([]byte, 0, 20)
	request = append(request, magicPreamble[:]...)
	for i := 0; i < 4; i++ {
		var vb [4]byte
		if i < len(proposed) {
			vb = proposed[i].bytes()
		}
		request = append(request, vb[:]...)
	}
	slog.Debug("bolt: C: <HANDSHAKE>", "address", t.addr, "request", request)

	t.setDeadline(ctx)
	if _, err := t.conn.Write(request); err != nil {
		return Version{}, t.breakWith("handshake write failed", err)
	}
	var reply [4]byte
	if err := t.readExactly(reply[:]); err != nil {
		return Version{}, err
	}
	slog.Debug("bolt: S: <HANDSHAKE>", "address", t.addr, "response", reply[:])

	agreed := versionFromBytes(reply)
	if agreed == (Version{}) {
		return Version{}, &HandshakeError{Address: t.addr, Proposed: proposed, Response: reply}
	}
	for _, v := range proposed {
		if v == agreed {
			return agreed, nil
		}
	}
	return Version{}, &HandshakeError{Address: t.addr, Proposed: proposed, Response: reply}
}

// hello authenticates the connection and records the server agent and
// connection id from the response.
func (c *Conn) hello(ctx context.Context, config Config) error {
	extra := map[string]any{
		"scheme":     "none",
		"user_agent": config.userAgent(),
	}
	for k, v := range config.Auth {
		extra[k] = v
	}
	slog.Debug("bolt: C: HELLO", "address", c.addr)
	resp, err := c.writeMessage(msgHello, extra)
	if err != nil {
		return err
	}
	if err := c.send(ctx); err != nil {
		return err
	}
	summary, err := resp.getSummary(ctx)
	if err != nil {
		return err
	}
	c.serverAgent, _ = summary.Metadata["server"].(string)
	c.connectionID, _ = summary.Metadata["connection_id"].(string)
	return nil
}

// Address returns the remote address of the connection.
func (c *Conn) Address() Address { return c.addr }

// Version returns the negotiated protocol version.
func (c *Conn) Version() Version { return c.version }

// ServerAgent returns the server agent string reported in the HELLO
// response.
func (c *Conn) ServerAgent() string { return c.serverAgent }

// ConnectionID returns the server-assigned connection id, if any.
func (c *Conn) ConnectionID() string { return c.connectionID }

// Age returns how long ago the connection was opened.
func (c *Conn) Age() time.Duration { return time.Since(c.opened) }

// Broken reports whether the connection has been broken by the network or
// the remote peer.
func (c *Conn) Broken() bool { return c.t.broken() }

// Closed reports whether the connection has been closed locally.
func (c *Conn) Closed() bool { return c.closed }

// ready reports whether a new transaction may be started.
func (c *Conn) ready() bool {
	return c.tx == nil || c.tx.closed
}

func (c *Conn) assertOpen() error {
	if c.closed {
		return ErrConnectionClosed
	}
	if c.t.broken() {
		return c.t.brokenErr
	}
	return nil
}

func (c *Conn) assertReady() error {
	if err := c.assertOpen(); err != nil {
		return err
	}
	if !c.ready() {
		return &TxError{Message: "a transaction is already in progress on this connection"}
	}
	return nil
}

// writeMessage serialises one protocol message into the outgoing buffer
// without sending it, and returns the correlated response handle. Queuing
// lets callers batch several messages before one network flush.
func (c *Conn) writeMessage(tag byte, fields ...any) (*response, error) {
	if err := c.packer.Pack(&packstream.Structure{Tag: tag, Fields: fields}); err != nil {
		// Nothing of the half-packed message may reach the wire.
		c.t.msg = c.t.msg[:0]
		return nil, err
	}
	c.t.endMessage()
	c.requestsToSend++
	resp := &response{cn: c}
	c.responses = append(c.responses, resp)
	return resp, nil
}

func (c *Conn) writeRun(cypher string, params map[string]any, extras map[string]any) (*response, error) {
	slog.Debug("bolt: C: RUN", "address", c.addr, "cypher", cypher)
	if params == nil {
		params = map[string]any{}
	}
	if extras == nil {
		extras = map[string]any{}
	}
	return c.writeMessage(msgRun, cypher, params, extras)
}

func (c *Conn) writeBegin(extras map[string]any) (*response, error) {
	slog.Debug("bolt: C: BEGIN", "address", c.addr)
	if extras == nil {
		extras = map[string]any{}
	}
	return c.writeMessage(msgBegin, extras)
}

func (c *Conn) writeCommit() (*response, error) {
	slog.Debug("bolt: C: COMMIT", "address", c.addr)
	return c.writeMessage(msgCommit)
}

func (c *Conn) writeRollback() (*response, error) {
	slog.Debug("bolt: C: ROLLBACK", "address", c.addr)
	return c.writeMessage(msgRollback)
}

func (c *Conn) writeReset() (*response, error) {
	slog.Debug("bolt: C: RESET", "address", c.addr)
	return c.writeMessage(msgReset)
}

func (c *Conn) writeGoodbye() (*response, error) {
	slog.Debug("bolt: C: GOODBYE", "address", c.addr)
	return c.writeMessage(msgGoodbye)
}

// send flushes all buffered messages over the transport. This is the only
// point at which request bytes reach the network.
func (c *Conn) send(ctx context.Context) error {
	slog.Debug("bolt: C: <SEND>", "address", c.addr)
	if err := c.t.flush(ctx); err != nil {
		return err
	}
	c.requestsToSend = 0
	return nil
}

// fetch reads and dispatches incoming messages one at a time: records are
// appended to the oldest pending response, summaries complete and pop it.
// Fetching continues until no responses remain pending or the stop
// predicate becomes true, which lets a caller stop as soon as its own data
// is available, leaving other responses to be drained lazily. A failure
// summary consults the failure-handler table before being returned as an
// error.
func (c *Conn) fetch(ctx context.Context, stop func() bool) error {
	// Responses to unsent requests would never arrive.
	if c.requestsToSend > 0 {
		if err := c.send(ctx); err != nil {
			return err
		}
	}
	for len(c.responses) > 0 && (stop == nil || !stop()) {
		data, err := c.t.readMessage(ctx)
		if err != nil {
			return err
		}
		u := packstream.NewUnpacker(data)
		u.SetHydration(c.hydration)
		value, err := u.Unpack()
		if err != nil {
			return c.t.breakWith("received undecodable message", err)
		}
		message, ok := value.(*packstream.Structure)
		if !ok {
			return c.t.breakWith("received illegal message type", nil)
		}

		switch message.Tag {
		case msgRecord:
			var values []any
			if len(message.Fields) > 0 {
				values, _ = message.Fields[0].([]any)
			}
			slog.Debug("bolt: S: RECORD", "address", c.addr)
			c.responses[0].putRecord(values)

		case msgSuccess:
			metadata := messageMetadata(message)
			slog.Debug("bolt: S: SUCCESS", "address", c.addr, "metadata", metadata)
			c.popResponse().putSummary(&Summary{Metadata: metadata, Success: true}, nil)

		case msgIgnored:
			slog.Debug("bolt: S: IGNORED", "address", c.addr)
			c.popResponse().putSummary(&Summary{Ignored: true}, nil)

		case msgFailure:
			metadata := messageMetadata(message)
			slog.Debug("bolt: S: FAILURE", "address", c.addr, "metadata", metadata)
			failure := newFailure(metadata)
			c.popResponse().putSummary(&Summary{Metadata: metadata}, failure)
			if err := c.dispatchFailure(failure); err != nil {
				return err
			}

		default:
			return c.t.breakWith("received illegal message tag", nil)
		}
	}
	return nil
}

func (c *Conn) popResponse() *response {
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp
}

func messageMetadata(message *packstream.Structure) map[string]any {
	if len(message.Fields) > 0 {
		if m, ok := message.Fields[0].(map[string]any); ok {
			return m
		}
	}
	return map[string]any{}
}

// dispatchFailure looks up a handler for the failure's kind. Without one,
// the failure is raised to whichever caller is currently fetching.
func (c *Conn) dispatchFailure(f *Failure) error {
	if handler, ok := c.handlers[f.Kind]; ok {
		return handler(f)
	}
	return f
}

// setFailureHandler installs a handler for one failure kind, replacing
// any existing one.
func (c *Conn) setFailureHandler(kind FailureKind, h FailureHandler) {
	c.handlers[kind] = h
}

// delFailureHandler removes the handler for one failure kind.
func (c *Conn) delFailureHandler(kind FailureKind) {
	delete(c.handlers, kind)
}

// Reset returns the connection to a clean state for reuse. A RESET message
// is only sent if the connection is not already clean, unless forced. Any
// open transaction is abandoned.
func (c *Conn) Reset(ctx context.Context, force bool) error {
	if err := c.assertOpen(); err != nil {
		return err
	}
	if force || !c.ready() {
		if _, err := c.writeReset(); err != nil {
			return err
		}
	}
	if c.requestsToSend > 0 {
		if err := c.send(ctx); err != nil {
			return err
		}
	}
	if len(c.responses) > 0 {
		if err := c.fetch(ctx, nil); err != nil {
			return err
		}
	}
	if c.tx != nil {
		c.tx.closed = true
	}
	return nil
}

// Run starts an auto-commit transaction executing a single query. The
// transaction closes itself as soon as the query is sent; the returned
// result remains consumable.
func (c *Conn) Run(ctx context.Context, cypher string, params map[string]any, config *TxConfig) (*Result, error) {
	if err := c.assertReady(); err != nil {
		return nil, err
	}
	c.tx = newTransaction(c, config, true)
	result, err := c.tx.run(ctx, cypher, params, false)
	if err != nil {
		c.tx.closed = true
		return nil, err
	}
	return result, nil
}

// RunDiscard behaves like Run but asks the server to discard all records,
// yielding a result with a summary only.
func (c *Conn) RunDiscard(ctx context.Context, cypher string, params map[string]any, config *TxConfig) (*Result, error) {
	if err := c.assertReady(); err != nil {
		return nil, err
	}
	c.tx = newTransaction(c, config, true)
	result, err := c.tx.run(ctx, cypher, params, true)
	if err != nil {
		c.tx.closed = true
		return nil, err
	}
	return result, nil
}

// Evaluate runs an auto-commit query and returns the first value of its
// single record, or nil when the query produced no records.
func (c *Conn) Evaluate(ctx context.Context, cypher string, params map[string]any, config *TxConfig) (any, error) {
	if err := c.assertReady(); err != nil {
		return nil, err
	}
	c.tx = newTransaction(c, config, true)
	value, err := c.tx.Evaluate(ctx, cypher, params)
	if err != nil {
		c.tx.closed = true
		return nil, err
	}
	return value, nil
}

// Begin starts an explicit transaction. When bookmarks are supplied, the
// BEGIN exchange is synchronised with the network immediately so that
// begin-time failures surface here rather than on the first Run.
func (c *Conn) Begin(ctx context.Context, config *TxConfig) (*Transaction, error) {
	if err := c.assertReady(); err != nil {
		return nil, err
	}
	tx := newTransaction(c, config, false)
	if _, err := c.writeBegin(tx.extras); err != nil {
		return nil, err
	}
	if config != nil && len(config.Bookmarks) > 0 {
		if err := c.send(ctx); err != nil {
			return nil, err
		}
		if err := c.fetch(ctx, nil); err != nil {
			tx.closed = true
			var failure *Failure
			if errors.As(err, &failure) {
				// Clear the server-side failure state.
				if _, rerr := c.writeReset(); rerr == nil {
					_ = c.fetch(ctx, nil)
				}
			}
			return nil, err
		}
	}
	c.tx = tx
	return tx, nil
}

// RunTx runs work inside an explicit transaction, committing on success
// and rolling back when work returns an error. The commit bookmark is
// returned on success.
func (c *Conn) RunTx(ctx context.Context, config *TxConfig, work func(tx *Transaction) error) (string, error) {
	tx, err := c.Begin(ctx, config)
	if err != nil {
		return "", err
	}
	if err := work(tx); err != nil {
		if !tx.closed {
			tx.Rollback(ctx)
		}
		return "", err
	}
	return tx.Commit(ctx)
}

// GetRoutingTable calls the routing procedure on the server and parses the
// reply into a table of routers, readers and writers.
func (c *Conn) GetRoutingTable(ctx context.Context, routingContext map[string]string) (*RoutingTable, error) {
	if routingContext == nil {
		routingContext = map[string]string{}
	}
	result, err := c.Run(ctx, routingProcedure, map[string]any{"context": routingContext}, nil)
	if err != nil {
		return nil, err
	}
	record, err := result.Single(ctx)
	if err != nil {
		var failure *Failure
		if errors.As(err, &failure) && failure.Title() == "ProcedureNotFound" {
			return nil, &RoutingError{Address: c.addr, Message: "server does not support routing"}
		}
		return nil, err
	}
	if record == nil {
		return nil, &RoutingError{Address: c.addr, Message: "routing procedure returned no data"}
	}
	table, err := parseRoutingTable(record)
	if err != nil {
		return nil, &RoutingError{Address: c.addr, Message: err.Error()}
	}
	slog.Debug("bolt: S: <ROUTING>", "address", c.addr, "table", table)
	return table, nil
}

// Close closes the connection, sending a GOODBYE first when the connection
// is still healthy.
func (c *Conn) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	if !c.t.broken() {
		slog.Debug("bolt: C: <HANGUP>", "address", c.addr)
		if _, err := c.writeGoodbye(); err == nil {
			// A broken pipe during goodbye is of no consequence.
			_ = c.send(ctx)
		}
	}
	c.closed = true
	return c.t.close()
}
